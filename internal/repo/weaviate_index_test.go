package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/miradorstack/mirador-chaos/internal/cache"
	"github.com/miradorstack/mirador-chaos/internal/models"
)

func TestWeaviateSearchCachesResults(t *testing.T) {
	hits := 0
	index := NewWeaviateIndex("https://weaviate.test", "", "ChaosIncident", time.Second, cache.NewMemoryProvider(), time.Minute)
	index.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		hits++
		if req.URL.Path != "/v1/graphql" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		body := []byte(`{"data":{"Get":{"ChaosIncident":[{"incidentId":"inc-1","problemId":"P-1","text":"error spike","rootCause":"chaos","fixes":["reset_error_rate"],"recordedAt":"2026-01-02T15:04:05Z","_additional":{"distance":0.1}}]}}}`)
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(body)), Header: make(http.Header)}, nil
	}))

	ctx := context.Background()
	vector := []float32{0.1, 0.2, 0.3}
	for i := 0; i < 2; i++ {
		results, err := index.Search(ctx, vector, 3)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(results) != 1 || results[0].ProblemID != "P-1" {
			t.Fatalf("unexpected results: %+v", results)
		}
		if results[0].Score < 0.89 || results[0].Score > 0.91 {
			t.Fatalf("unexpected score: %v", results[0].Score)
		}
	}
	if hits != 1 {
		t.Fatalf("expected cached second search, hits=%d", hits)
	}
}

func TestWeaviateUpsertUsesStableIDs(t *testing.T) {
	var ids []string
	index := NewWeaviateIndex("https://weaviate.test", "key", "", time.Second, nil, 0)
	index.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/v1/batch/objects" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		if req.Header.Get("Authorization") != "Bearer key" {
			t.Fatalf("missing bearer token")
		}
		var payload struct {
			Objects []struct {
				ID    string `json:"id"`
				Class string `json:"class"`
			} `json:"objects"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		ids = append(ids, payload.Objects[0].ID)
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader([]byte(`[{"result":{}}]`))), Header: make(http.Header)}, nil
	}))

	doc := models.IncidentDocument{ID: "P-1", Text: "error spike", Vector: []float32{1, 0}}
	for i := 0; i < 2; i++ {
		if err := index.Upsert(context.Background(), doc); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(ids) != 2 || ids[0] != ids[1] || ids[0] == "" {
		t.Fatalf("expected identical object ids, got %v", ids)
	}
}

func TestWeaviateUpsertReportsObjectErrors(t *testing.T) {
	index := NewWeaviateIndex("https://weaviate.test", "", "", time.Second, nil, 0)
	index.httpClient = newTestClient(roundTripFunc(func(*http.Request) (*http.Response, error) {
		body := []byte(`[{"result":{"errors":{"error":[{"message":"vector length mismatch"}]}}}]`)
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(body)), Header: make(http.Header)}, nil
	}))
	if err := index.Upsert(context.Background(), models.IncidentDocument{ID: "x"}); err == nil {
		t.Fatalf("expected error")
	}
}
