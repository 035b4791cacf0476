package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/miradorstack/mirador-chaos/internal/cache"
	"github.com/miradorstack/mirador-chaos/internal/models"
	"github.com/miradorstack/mirador-chaos/internal/utils"
)

func jsonBody(t *testing.T, status int, payload any) *http.Response {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewReader(data)),
		Header:     make(http.Header),
	}
}

func TestGetProblemsParsesAndAuthenticates(t *testing.T) {
	client := NewObservabilityClient("https://obs.example.com/", "secret", time.Second, nil, 0)
	client.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/api/v2/problems" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		if got := req.Header.Get("Authorization"); got != "Api-Token secret" {
			t.Fatalf("unexpected auth header: %q", got)
		}
		if req.URL.Query().Get("from") == "" {
			t.Fatalf("expected from parameter")
		}
		return jsonBody(t, http.StatusOK, map[string]any{
			"problems": []map[string]any{{
				"problemId":     "P-1",
				"title":         "Failure rate increase",
				"severityLevel": "ERROR",
				"status":        "open",
				"startTime":     1_767_225_600_000,
				"affectedEntities": []map[string]any{
					{"entityId": "SERVICE-1", "name": "PaymentService"},
				},
			}},
		}), nil
	}))

	now := time.Unix(1_767_226_000, 0)
	problems, err := client.GetProblems(context.Background(), models.Last(30*time.Minute, now))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(problems) != 1 {
		t.Fatalf("expected one problem, got %d", len(problems))
	}
	p := problems[0]
	if p.Status != models.ProblemOpen || !p.Active() {
		t.Fatalf("expected open problem, got %+v", p)
	}
	if names := p.EntityNames(); len(names) != 1 || names[0] != "PaymentService" {
		t.Fatalf("unexpected entities: %v", names)
	}
	if p.StartTime.UnixMilli() != 1_767_225_600_000 {
		t.Fatalf("unexpected start time: %v", p.StartTime)
	}
}

func TestGetTopologyCachesResults(t *testing.T) {
	hits := 0
	client := NewObservabilityClient("https://obs.example.com", "", time.Second, cache.NewMemoryProvider(), time.Minute)
	client.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		hits++
		if req.URL.Path != "/api/v2/entities" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		return jsonBody(t, http.StatusOK, map[string]any{
			"entities": []map[string]any{{
				"entityId":          "SERVICE-1",
				"displayName":       "checkout",
				"type":              "SERVICE",
				"fromRelationships": map[string]any{"calls": []map[string]any{{"id": "SERVICE-2"}}},
			}},
		}), nil
	}))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		entities, err := client.GetTopology(ctx, `entityName("checkout")`)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(entities) != 1 || len(entities[0].CallsTo) != 1 || entities[0].CallsTo[0] != "SERVICE-2" {
			t.Fatalf("unexpected entities: %+v", entities)
		}
	}
	if hits != 1 {
		t.Fatalf("expected one upstream request, got %d", hits)
	}
}

func TestBackendFailureIsRecoverable(t *testing.T) {
	client := NewObservabilityClient("https://obs.example.com", "", time.Second, nil, 0)
	client.httpClient = newTestClient(roundTripFunc(func(*http.Request) (*http.Response, error) {
		return jsonBody(t, http.StatusBadGateway, map[string]any{"error": "upstream"}), nil
	}))

	_, err := client.GetProblems(context.Background(), models.Timeframe{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.Is(err, ErrUnavailable) || !utils.IsRecoverable(err) {
		t.Fatalf("expected recoverable unavailable error, got %v", err)
	}
}

func TestProblemNotFoundIsNotRecoverable(t *testing.T) {
	client := NewObservabilityClient("https://obs.example.com", "", time.Second, nil, 0)
	client.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if !strings.HasSuffix(req.URL.Path, "/P-404") {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		return jsonBody(t, http.StatusNotFound, map[string]any{}), nil
	}))

	_, err := client.GetProblemDetails(context.Background(), "P-404")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if utils.IsRecoverable(err) {
		t.Fatalf("not found must not be treated as an outage")
	}
}

func TestSendEventLeavesOpenEventsUnbounded(t *testing.T) {
	var body map[string]any
	client := NewObservabilityClient("https://obs.example.com", "", time.Second, nil, 0)
	client.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.Method != http.MethodPost || req.URL.Path != "/api/v2/events/ingest" {
			t.Fatalf("unexpected request: %s %s", req.Method, req.URL.Path)
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		return &http.Response{StatusCode: http.StatusCreated, Body: io.NopCloser(strings.NewReader("")), Header: make(http.Header)}, nil
	}))

	err := client.SendEvent(context.Background(), models.Event{
		EventType:      "CHAOS_INJECTION_STARTED",
		Title:          "Chaos increase_error_rate on PaymentService",
		EntitySelector: "PaymentService",
		StartTime:      time.Unix(1_767_225_600, 0),
		Properties:     map[string]string{models.ChaosCorrelationProperty: "corr-1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := body["endTime"]; ok {
		t.Fatalf("open event must not carry an end time: %v", body)
	}
	props, _ := body["properties"].(map[string]any)
	if props[models.ChaosCorrelationProperty] != "corr-1" {
		t.Fatalf("missing correlation property: %v", body)
	}
}

func TestGetMetricsFlattensSeries(t *testing.T) {
	client := NewObservabilityClient("https://obs.example.com", "", time.Second, nil, 0)
	client.httpClient = newTestClient(roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Query().Get("metricSelector") != "builtin:service.errors.total.rate" {
			t.Fatalf("unexpected selector: %s", req.URL.RawQuery)
		}
		return jsonBody(t, http.StatusOK, map[string]any{
			"result": []map[string]any{{
				"metricId": "builtin:service.errors.total.rate",
				"data": []map[string]any{{
					"dimensions": []string{"SERVICE-1"},
					"timestamps": []int64{1_767_225_600_000, 1_767_225_660_000},
					"values":     []float64{0.1, 0.4},
				}},
			}},
		}), nil
	}))

	series, err := client.GetMetrics(context.Background(), "builtin:service.errors.total.rate", "", models.Timeframe{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(series) != 1 || len(series[0].Points) != 2 || series[0].Entity != "SERVICE-1" {
		t.Fatalf("unexpected series: %+v", series)
	}
}
