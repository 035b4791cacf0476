package repo

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-chaos/internal/cache"
	"github.com/miradorstack/mirador-chaos/internal/models"
)

// WeaviateIndex stores incident documents with caller-supplied vectors and
// answers nearVector queries over them.
type WeaviateIndex struct {
	endpoint   string
	apiKey     string
	class      string
	httpClient *http.Client
	cache      cache.Provider
	similarTTL time.Duration
}

// NewWeaviateIndex constructs a Weaviate-backed incident index.
func NewWeaviateIndex(endpoint, apiKey, class string, timeout time.Duration, cacheProvider cache.Provider, similarTTL time.Duration) *WeaviateIndex {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if class == "" {
		class = "ChaosIncident"
	}
	if similarTTL < 0 {
		similarTTL = 0
	}
	return &WeaviateIndex{
		endpoint:   strings.TrimRight(endpoint, "/"),
		apiKey:     apiKey,
		class:      class,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cacheProvider,
		similarTTL: similarTTL,
	}
}

// objectID derives a stable Weaviate UUID from a document id.
func objectID(docID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("mirador-chaos/incident/"+docID)).String()
}

// Upsert writes doc through the batch endpoint, which replaces existing objects.
func (w *WeaviateIndex) Upsert(ctx context.Context, doc models.IncidentDocument) error {
	if w.endpoint == "" {
		return fmt.Errorf("weaviate endpoint not configured")
	}
	recorded := doc.RecordedAt
	if recorded.IsZero() {
		recorded = time.Now().UTC()
	}
	payload := map[string]any{
		"objects": []map[string]any{{
			"class":  w.class,
			"id":     objectID(doc.ID),
			"vector": doc.Vector,
			"properties": map[string]any{
				"incidentId": doc.ID,
				"problemId":  doc.ProblemID,
				"text":       doc.Text,
				"rootCause":  doc.RootCause,
				"fixes":      doc.Fixes,
				"recordedAt": recorded.UTC().Format(time.RFC3339),
			},
		}},
	}

	var response []struct {
		Result struct {
			Errors *struct {
				Error []struct {
					Message string `json:"message"`
				} `json:"error"`
			} `json:"errors"`
		} `json:"result"`
	}
	if err := w.post(ctx, "/v1/batch/objects", payload, &response); err != nil {
		return fmt.Errorf("weaviate upsert: %w", err)
	}
	for _, r := range response {
		if r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			return fmt.Errorf("weaviate upsert: %s", r.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// Search returns the k nearest documents to vector. Results are cached for the
// configured TTL.
func (w *WeaviateIndex) Search(ctx context.Context, vector []float32, k int) ([]models.SimilarIncident, error) {
	if w.endpoint == "" {
		return nil, fmt.Errorf("weaviate endpoint not configured")
	}
	if k <= 0 {
		k = 3
	}

	cacheKey := ""
	if w.similarTTL > 0 {
		cacheKey = cacheSimilarKey(w.class, vector, k)
		if data, err := w.cache.Get(ctx, cacheKey); err == nil {
			var cached []models.SimilarIncident
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, nil
			}
		}
	}

	vec, err := json.Marshal(vector)
	if err != nil {
		return nil, err
	}
	gql := map[string]any{
		"query": fmt.Sprintf(`{
  Get {
    %s(
      nearVector: {vector: %s}
      limit: %d
    ) {
      incidentId
      problemId
      text
      rootCause
      fixes
      recordedAt
      _additional { distance }
    }
  }
}`, w.class, vec, k),
	}

	var response struct {
		Data struct {
			Get map[string][]struct {
				IncidentID string   `json:"incidentId"`
				ProblemID  string   `json:"problemId"`
				Text       string   `json:"text"`
				RootCause  string   `json:"rootCause"`
				Fixes      []string `json:"fixes"`
				RecordedAt string   `json:"recordedAt"`
				Additional struct {
					Distance float64 `json:"distance"`
				} `json:"_additional"`
			} `json:"Get"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := w.post(ctx, "/v1/graphql", gql, &response); err != nil {
		return nil, fmt.Errorf("weaviate search: %w", err)
	}
	if len(response.Errors) > 0 {
		return nil, fmt.Errorf("weaviate search: %s", response.Errors[0].Message)
	}

	rows := response.Data.Get[w.class]
	results := make([]models.SimilarIncident, 0, len(rows))
	for _, row := range rows {
		recorded, _ := time.Parse(time.RFC3339, row.RecordedAt)
		results = append(results, models.SimilarIncident{
			ID:         row.IncidentID,
			ProblemID:  row.ProblemID,
			Text:       row.Text,
			RootCause:  row.RootCause,
			Fixes:      row.Fixes,
			Score:      1 - row.Additional.Distance,
			RecordedAt: recorded,
		})
	}

	if cacheKey != "" && len(results) > 0 {
		if payload, err := json.Marshal(results); err == nil {
			_ = w.cache.Set(ctx, cacheKey, payload, w.similarTTL)
		}
	}
	return results, nil
}

// Count returns the number of stored documents.
func (w *WeaviateIndex) Count(ctx context.Context) (int, error) {
	if w.endpoint == "" {
		return 0, fmt.Errorf("weaviate endpoint not configured")
	}
	gql := map[string]any{"query": fmt.Sprintf(`{ Aggregate { %s { meta { count } } } }`, w.class)}
	var response struct {
		Data struct {
			Aggregate map[string][]struct {
				Meta struct {
					Count int `json:"count"`
				} `json:"meta"`
			} `json:"Aggregate"`
		} `json:"data"`
	}
	if err := w.post(ctx, "/v1/graphql", gql, &response); err != nil {
		return 0, fmt.Errorf("weaviate count: %w", err)
	}
	rows := response.Data.Aggregate[w.class]
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Meta.Count, nil
}

func cacheSimilarKey(class string, vector []float32, k int) string {
	h := fnv.New64a()
	buf := make([]byte, 4)
	for _, v := range vector {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		_, _ = h.Write(buf)
	}
	return fmt.Sprintf("weaviate:similar:%s:%d:%x", class, k, h.Sum64())
}

func (w *WeaviateIndex) post(ctx context.Context, p string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint+p, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("weaviate returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
