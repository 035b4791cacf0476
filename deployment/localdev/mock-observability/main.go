// Command mock-observability stands in for the monitoring backend and the
// flag service during local development. Problems are derived from the flag
// state, so injecting a fault opens a problem and reverting it closes one.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miradorstack/mirador-chaos/internal/flags"
	"github.com/miradorstack/mirador-chaos/internal/models"
)

var services = []string{"CheckoutService", "PaymentService", "CartService", "InventoryService"}

type entity struct {
	EntityID string `json:"entityId"`
	Name     string `json:"name"`
	Type     string `json:"type"`
}

type problem struct {
	ProblemID        string   `json:"problemId"`
	DisplayID        string   `json:"displayId"`
	Title            string   `json:"title"`
	SeverityLevel    string   `json:"severityLevel"`
	Status           string   `json:"status"`
	StartTime        int64    `json:"startTime"`
	EndTime          int64    `json:"endTime,omitempty"`
	AffectedEntities []entity `json:"affectedEntities"`
}

type event struct {
	EventID    string            `json:"eventId"`
	EventType  string            `json:"eventType"`
	Title      string            `json:"title"`
	StartTime  int64             `json:"startTime"`
	EndTime    int64             `json:"endTime,omitempty"`
	EntityName string            `json:"entityName,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// backend tracks problems opened by degraded flags.
type backend struct {
	store *flags.MemoryStore

	mu       sync.Mutex
	problems map[string]*problem
	events   []event
	seq      int
}

func newBackend() *backend {
	return &backend{
		store:    flags.NewMemoryStore(flags.Defaults()),
		problems: make(map[string]*problem),
	}
}

// symptom reports the problem a service shows under state, if any.
func symptom(state models.ServiceFlagState, service string) (title, severity string, ok bool) {
	value := func(key string) float64 {
		v, _ := flags.Effective(state, service, key)
		return v
	}
	switch {
	case value(models.FlagErrorRate) >= 0.1:
		return "Failure rate increase on " + service, "ERROR", true
	case value(models.FlagLatencyMs) >= 500:
		return "Response time degradation on " + service, "PERFORMANCE", true
	case value(models.FlagCPUStress) >= 50:
		return "CPU saturation on " + service, "RESOURCE_CONTENTION", true
	case value(models.FlagCircuitBreaker) == 0 && value(models.FlagCache) == 0:
		return "Multiple service issues on " + service, "ERROR", true
	}
	return "", "", false
}

// refresh opens and closes problems to match the current flag state.
func (b *backend) refresh(ctx context.Context) {
	state, err := b.store.GetFlags(ctx)
	if err != nil {
		return
	}
	now := time.Now().UnixMilli()

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, svc := range services {
		title, severity, degraded := symptom(state, svc)
		current := b.openProblem(svc)
		switch {
		case degraded && current == nil:
			b.seq++
			p := &problem{
				ProblemID:        fmt.Sprintf("P-%04d", b.seq),
				DisplayID:        fmt.Sprintf("P-%d", b.seq),
				Title:            title,
				SeverityLevel:    severity,
				Status:           "OPEN",
				StartTime:        now,
				AffectedEntities: []entity{{EntityID: entityID(svc), Name: svc, Type: "SERVICE"}},
			}
			b.problems[p.ProblemID] = p
		case !degraded && current != nil:
			current.Status = "CLOSED"
			current.EndTime = now
		}
	}
}

func (b *backend) openProblem(service string) *problem {
	for _, p := range b.problems {
		if p.Status == "OPEN" && p.AffectedEntities[0].Name == service {
			return p
		}
	}
	return nil
}

func (b *backend) listProblems(from int64) []problem {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]problem, 0, len(b.problems))
	for _, p := range b.problems {
		if p.StartTime >= from {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime < out[j].StartTime })
	return out
}

func (b *backend) problem(id string) (problem, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.problems[id]
	if !ok {
		return problem{}, false
	}
	return *p, true
}

func entityID(service string) string {
	return "SERVICE-" + strings.ToUpper(strings.TrimSuffix(service, "Service"))
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	b := newBackend()
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("GET /api/flags", func(w http.ResponseWriter, r *http.Request) {
		state, _ := b.store.GetFlags(r.Context())
		writeJSON(w, state)
	})

	mux.HandleFunc("POST /api/flags/delta", func(w http.ResponseWriter, r *http.Request) {
		var delta models.FlagDelta
		if err := json.NewDecoder(r.Body).Decode(&delta); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		state, _ := b.store.SetFlags(r.Context(), delta)
		b.refresh(r.Context())
		writeJSON(w, state)
	})

	mux.HandleFunc("GET /api/v2/problems", func(w http.ResponseWriter, r *http.Request) {
		b.refresh(r.Context())
		var from int64
		_, _ = fmt.Sscan(r.URL.Query().Get("from"), &from)
		writeJSON(w, map[string]any{"problems": b.listProblems(from)})
	})

	mux.HandleFunc("GET /api/v2/problems/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.refresh(r.Context())
		p, ok := b.problem(r.PathValue("id"))
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, p)
	})

	mux.HandleFunc("POST /api/v2/logs/search", func(w http.ResponseWriter, r *http.Request) {
		state, _ := b.store.GetFlags(r.Context())
		now := time.Now()
		var results []map[string]any
		for _, svc := range services {
			if title, _, degraded := symptom(state, svc); degraded {
				results = append(results,
					map[string]any{"timestamp": now.Add(-time.Minute).UnixMilli(), "content": title + ": upstream returned 503", "status": "ERROR", "entity": svc},
					map[string]any{"timestamp": now.Add(-30 * time.Second).UnixMilli(), "content": "retry exhausted calling " + svc, "status": "WARN", "entity": svc},
				)
			}
		}
		writeJSON(w, map[string]any{"results": results})
	})

	mux.HandleFunc("GET /api/v2/metrics/query", func(w http.ResponseWriter, r *http.Request) {
		state, _ := b.store.GetFlags(r.Context())
		now := time.Now()
		var data []map[string]any
		for _, svc := range services {
			errorRate, _ := flags.Effective(state, svc, models.FlagErrorRate)
			data = append(data, map[string]any{
				"dimensions": []string{entityID(svc)},
				"timestamps": []int64{now.Add(-2 * time.Minute).UnixMilli(), now.Add(-time.Minute).UnixMilli(), now.UnixMilli()},
				"values":     []float64{0.01, errorRate / 2, errorRate},
			})
		}
		writeJSON(w, map[string]any{"result": []map[string]any{{"metricId": r.URL.Query().Get("metricSelector"), "data": data}}})
	})

	mux.HandleFunc("GET /api/v2/entities", func(w http.ResponseWriter, _ *http.Request) {
		entities := make([]map[string]any, 0, len(services))
		for i, svc := range services {
			var calls []map[string]string
			if i+1 < len(services) {
				calls = append(calls, map[string]string{"id": entityID(services[i+1])})
			}
			entities = append(entities, map[string]any{
				"entityId":          entityID(svc),
				"displayName":       svc,
				"type":              "SERVICE",
				"fromRelationships": map[string]any{"calls": calls},
			})
		}
		writeJSON(w, map[string]any{"entities": entities})
	})

	mux.HandleFunc("GET /api/v2/events", func(w http.ResponseWriter, _ *http.Request) {
		b.mu.Lock()
		events := append([]event(nil), b.events...)
		b.mu.Unlock()
		writeJSON(w, map[string]any{"events": events})
	})

	mux.HandleFunc("POST /api/v2/events/ingest", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			EventType      string            `json:"eventType"`
			Title          string            `json:"title"`
			EntitySelector string            `json:"entitySelector"`
			StartTime      int64             `json:"startTime"`
			EndTime        int64             `json:"endTime"`
			Properties     map[string]string `json:"properties"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b.mu.Lock()
		b.events = append(b.events, event{
			EventID:    fmt.Sprintf("E-%d", len(b.events)+1),
			EventType:  in.EventType,
			Title:      in.Title,
			StartTime:  in.StartTime,
			EndTime:    in.EndTime,
			EntityName: in.EntitySelector,
			Properties: in.Properties,
		})
		b.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})

	logger := log.New(log.Writer(), "observability-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    *addr,
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on " + *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
