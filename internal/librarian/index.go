package librarian

import (
	"context"
	"sort"
	"sync"

	"github.com/miradorstack/mirador-chaos/internal/llm"
	"github.com/miradorstack/mirador-chaos/internal/models"
)

// Index is a nearest-neighbour store over incident documents.
type Index interface {
	Upsert(ctx context.Context, doc models.IncidentDocument) error
	Search(ctx context.Context, vector []float32, k int) ([]models.SimilarIncident, error)
	Count(ctx context.Context) (int, error)
}

// MemoryIndex is a brute-force cosine index held in memory.
type MemoryIndex struct {
	mu   sync.RWMutex
	docs map[string]models.IncidentDocument
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{docs: make(map[string]models.IncidentDocument)}
}

// Upsert implements Index.
func (m *MemoryIndex) Upsert(_ context.Context, doc models.IncidentDocument) error {
	doc.Vector = append([]float32(nil), doc.Vector...)
	m.mu.Lock()
	m.docs[doc.ID] = doc
	m.mu.Unlock()
	return nil
}

// Search implements Index.
func (m *MemoryIndex) Search(_ context.Context, vector []float32, k int) ([]models.SimilarIncident, error) {
	m.mu.RLock()
	results := make([]models.SimilarIncident, 0, len(m.docs))
	for _, doc := range m.docs {
		score := llm.Cosine(vector, doc.Vector)
		if score <= 0 {
			continue
		}
		results = append(results, models.SimilarIncident{
			ID:         doc.ID,
			ProblemID:  doc.ProblemID,
			Text:       doc.Text,
			RootCause:  doc.RootCause,
			Fixes:      append([]string(nil), doc.Fixes...),
			Score:      score,
			RecordedAt: doc.RecordedAt,
		})
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Count implements Index.
func (m *MemoryIndex) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs), nil
}
