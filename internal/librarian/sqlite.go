package librarian

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/miradorstack/mirador-chaos/internal/models"
)

// SQLiteHistory persists the operational log in SQLite.
type SQLiteHistory struct {
	db *sql.DB
}

// OpenSQLiteHistory opens (or creates) the database at path.
func OpenSQLiteHistory(path string) (*SQLiteHistory, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is empty")
	}
	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	h, err := NewSQLiteHistory(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return h, nil
}

// NewSQLiteHistory wraps db and ensures the schema exists.
func NewSQLiteHistory(db *sql.DB) (*SQLiteHistory, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	if err := ensureHistorySchema(db); err != nil {
		return nil, err
	}
	return &SQLiteHistory{db: db}, nil
}

// Append implements History. Seq is the row id.
func (s *SQLiteHistory) Append(ctx context.Context, entry models.HistoryEntry) (models.HistoryEntry, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO history_entries (
			entry_id, kind, correlation_id, problem_id, summary, payload_json, ts_unix_nano
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		string(entry.Kind),
		entry.CorrelationID,
		entry.ProblemID,
		entry.Summary,
		string(entry.Payload),
		entry.Timestamp.UTC().UnixNano(),
	)
	if err != nil {
		return models.HistoryEntry{}, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return models.HistoryEntry{}, err
	}
	entry.Seq = seq
	return entry, nil
}

// Query implements History.
func (s *SQLiteHistory) Query(ctx context.Context, filter models.HistoryFilter) ([]models.HistoryEntry, error) {
	query := `
		SELECT id, entry_id, kind, correlation_id, problem_id, summary, payload_json, ts_unix_nano
		FROM history_entries
	`
	var (
		clauses []string
		args    []any
	)
	if len(filter.Kinds) > 0 {
		clauses = append(clauses, "kind IN ("+placeholders(len(filter.Kinds))+")")
		for _, k := range filter.Kinds {
			args = append(args, string(k))
		}
	}
	var ids []string
	if len(filter.CorrelationIDs) > 0 {
		ids = append(ids, "correlation_id IN ("+placeholders(len(filter.CorrelationIDs))+")")
		for _, c := range filter.CorrelationIDs {
			args = append(args, c)
		}
	}
	if len(filter.ProblemIDs) > 0 {
		ids = append(ids, "problem_id IN ("+placeholders(len(filter.ProblemIDs))+")")
		for _, p := range filter.ProblemIDs {
			args = append(args, p)
		}
	}
	if len(ids) > 0 {
		clauses = append(clauses, "("+strings.Join(ids, " OR ")+")")
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "ts_unix_nano >= ?")
		args = append(args, filter.Since.UTC().UnixNano())
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY ts_unix_nano ASC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var (
			e       models.HistoryEntry
			kind    string
			payload string
			ts      int64
		)
		if err := rows.Scan(&e.Seq, &e.ID, &kind, &e.CorrelationID, &e.ProblemID, &e.Summary, &payload, &ts); err != nil {
			return nil, err
		}
		e.Kind = models.HistoryKind(kind)
		if payload != "" {
			e.Payload = []byte(payload)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Close implements History.
func (s *SQLiteHistory) Close() error {
	return s.db.Close()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func ensureHistorySchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS history_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			correlation_id TEXT NOT NULL DEFAULT '',
			problem_id TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			payload_json TEXT NOT NULL DEFAULT '',
			ts_unix_nano INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_correlation ON history_entries(correlation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_history_problem ON history_entries(problem_id)`,
		`CREATE INDEX IF NOT EXISTS idx_history_ts ON history_entries(ts_unix_nano)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
