// Package repo holds clients for the external systems the control plane reads
// from and writes to: the observability backend and the incident indexes.
package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/miradorstack/mirador-chaos/internal/cache"
	"github.com/miradorstack/mirador-chaos/internal/models"
	"github.com/miradorstack/mirador-chaos/internal/utils"
)

// ErrUnavailable marks an unreachable or failing observability backend.
var ErrUnavailable = errors.New("observability backend unavailable")

// ErrNotFound is returned when the backend does not know the requested object.
var ErrNotFound = errors.New("not found")

// ObservabilityClient wraps the monitoring backend's problem, log, metric,
// topology and event APIs.
type ObservabilityClient struct {
	baseURL     string
	apiToken    string
	httpClient  *http.Client
	cache       cache.Provider
	topologyTTL time.Duration
}

// NewObservabilityClient constructs a client targeting baseURL.
func NewObservabilityClient(baseURL, apiToken string, timeout time.Duration, cacheProvider cache.Provider, topologyTTL time.Duration) *ObservabilityClient {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if topologyTTL < 0 {
		topologyTTL = 0
	}
	return &ObservabilityClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiToken:    apiToken,
		httpClient:  &http.Client{Timeout: timeout},
		cache:       cacheProvider,
		topologyTTL: topologyTTL,
	}
}

type wireEntity struct {
	EntityID string `json:"entityId"`
	Name     string `json:"name"`
	Type     string `json:"type"`
}

type wireProblem struct {
	ProblemID        string       `json:"problemId"`
	DisplayID        string       `json:"displayId"`
	Title            string       `json:"title"`
	SeverityLevel    string       `json:"severityLevel"`
	Status           string       `json:"status"`
	StartTime        int64        `json:"startTime"`
	EndTime          int64        `json:"endTime"`
	AffectedEntities []wireEntity `json:"affectedEntities"`
}

func (w wireProblem) model() models.Problem {
	p := models.Problem{
		ProblemID: w.ProblemID,
		DisplayID: w.DisplayID,
		Title:     w.Title,
		Severity:  w.SeverityLevel,
		Status:    models.ProblemStatus(strings.ToUpper(w.Status)),
		StartTime: utils.FromUnixMillis(w.StartTime),
	}
	if w.EndTime > 0 {
		p.EndTime = utils.FromUnixMillis(w.EndTime)
	}
	for _, e := range w.AffectedEntities {
		p.AffectedEntities = append(p.AffectedEntities, models.EntityRef{ID: e.EntityID, Name: e.Name, Type: e.Type})
	}
	return p
}

// GetProblems lists problems opened within tf.
func (c *ObservabilityClient) GetProblems(ctx context.Context, tf models.Timeframe) ([]models.Problem, error) {
	q := timeframeQuery(tf)
	var response struct {
		Problems []wireProblem `json:"problems"`
	}
	if err := c.getJSON(ctx, "/api/v2/problems", q, &response); err != nil {
		return nil, c.wrap("observability.problems", err)
	}
	problems := make([]models.Problem, 0, len(response.Problems))
	for _, p := range response.Problems {
		problems = append(problems, p.model())
	}
	return problems, nil
}

// GetProblemDetails fetches a single problem.
func (c *ObservabilityClient) GetProblemDetails(ctx context.Context, problemID string) (models.Problem, error) {
	var response wireProblem
	if err := c.getJSON(ctx, "/api/v2/problems/"+url.PathEscape(problemID), nil, &response); err != nil {
		return models.Problem{}, c.wrap("observability.problem", err)
	}
	return response.model(), nil
}

// GetLogs runs a log search.
func (c *ObservabilityClient) GetLogs(ctx context.Context, query string, tf models.Timeframe, limit int) ([]models.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	payload := map[string]any{
		"query": query,
		"from":  tf.From.UTC().Format(time.RFC3339),
		"to":    tf.To.UTC().Format(time.RFC3339),
		"limit": limit,
	}
	var response struct {
		Results []struct {
			Timestamp int64  `json:"timestamp"`
			Content   string `json:"content"`
			Status    string `json:"status"`
			Entity    string `json:"entity"`
		} `json:"results"`
	}
	if err := c.postJSON(ctx, "/api/v2/logs/search", payload, &response); err != nil {
		return nil, c.wrap("observability.logs", err)
	}
	entries := make([]models.LogEntry, 0, len(response.Results))
	for _, r := range response.Results {
		entries = append(entries, models.LogEntry{
			Timestamp: utils.FromUnixMillis(r.Timestamp),
			Content:   r.Content,
			Status:    r.Status,
			Entity:    r.Entity,
		})
	}
	return entries, nil
}

// GetMetrics queries metric series. entitySelector may be empty.
func (c *ObservabilityClient) GetMetrics(ctx context.Context, selector, entitySelector string, tf models.Timeframe) ([]models.MetricSeries, error) {
	q := timeframeQuery(tf)
	q.Set("metricSelector", selector)
	if entitySelector != "" {
		q.Set("entitySelector", entitySelector)
	}
	var response struct {
		Result []struct {
			MetricID string `json:"metricId"`
			Data     []struct {
				Dimensions []string  `json:"dimensions"`
				Timestamps []int64   `json:"timestamps"`
				Values     []float64 `json:"values"`
			} `json:"data"`
		} `json:"result"`
	}
	if err := c.getJSON(ctx, "/api/v2/metrics/query", q, &response); err != nil {
		return nil, c.wrap("observability.metrics", err)
	}
	var series []models.MetricSeries
	for _, r := range response.Result {
		for _, d := range r.Data {
			s := models.MetricSeries{MetricID: r.MetricID}
			if len(d.Dimensions) > 0 {
				s.Entity = d.Dimensions[0]
			}
			n := min(len(d.Timestamps), len(d.Values))
			for i := 0; i < n; i++ {
				s.Points = append(s.Points, models.MetricPoint{Timestamp: utils.FromUnixMillis(d.Timestamps[i]), Value: d.Values[i]})
			}
			series = append(series, s)
		}
	}
	return series, nil
}

// GetTopology resolves entities and their call relationships. Results are
// cached for the configured topology TTL.
func (c *ObservabilityClient) GetTopology(ctx context.Context, entitySelector string) ([]models.Entity, error) {
	cacheKey := ""
	if c.topologyTTL > 0 {
		cacheKey = "observability:topology:" + entitySelector
		if data, err := c.cache.Get(ctx, cacheKey); err == nil {
			var cached []models.Entity
			if err := json.Unmarshal(data, &cached); err == nil {
				return cached, nil
			}
		}
	}

	q := url.Values{}
	q.Set("entitySelector", entitySelector)
	q.Set("fields", "fromRelationships.calls,toRelationships.calls")
	var response struct {
		Entities []struct {
			EntityID          string `json:"entityId"`
			DisplayName       string `json:"displayName"`
			Type              string `json:"type"`
			FromRelationships struct {
				Calls []struct {
					ID string `json:"id"`
				} `json:"calls"`
			} `json:"fromRelationships"`
			ToRelationships struct {
				Calls []struct {
					ID string `json:"id"`
				} `json:"calls"`
			} `json:"toRelationships"`
		} `json:"entities"`
	}
	if err := c.getJSON(ctx, "/api/v2/entities", q, &response); err != nil {
		return nil, c.wrap("observability.topology", err)
	}
	entities := make([]models.Entity, 0, len(response.Entities))
	for _, e := range response.Entities {
		entity := models.Entity{EntityID: e.EntityID, DisplayName: e.DisplayName, Type: e.Type}
		for _, call := range e.FromRelationships.Calls {
			entity.CallsTo = append(entity.CallsTo, call.ID)
		}
		for _, call := range e.ToRelationships.Calls {
			entity.CalledBy = append(entity.CalledBy, call.ID)
		}
		entities = append(entities, entity)
	}

	if cacheKey != "" && len(entities) > 0 {
		if payload, err := json.Marshal(entities); err == nil {
			_ = c.cache.Set(ctx, cacheKey, payload, c.topologyTTL)
		}
	}
	return entities, nil
}

// GetEvents lists events within tf, optionally filtered by type.
func (c *ObservabilityClient) GetEvents(ctx context.Context, tf models.Timeframe, eventType string) ([]models.Event, error) {
	q := timeframeQuery(tf)
	if eventType != "" {
		q.Set("eventSelector", "eventType("+strconv.Quote(eventType)+")")
	}
	var response struct {
		Events []struct {
			EventID    string            `json:"eventId"`
			EventType  string            `json:"eventType"`
			Title      string            `json:"title"`
			StartTime  int64             `json:"startTime"`
			EndTime    int64             `json:"endTime"`
			EntityName string            `json:"entityName"`
			Properties map[string]string `json:"properties"`
		} `json:"events"`
	}
	if err := c.getJSON(ctx, "/api/v2/events", q, &response); err != nil {
		return nil, c.wrap("observability.events", err)
	}
	events := make([]models.Event, 0, len(response.Events))
	for _, e := range response.Events {
		ev := models.Event{
			EventID:        e.EventID,
			EventType:      e.EventType,
			Title:          e.Title,
			EntitySelector: e.EntityName,
			StartTime:      utils.FromUnixMillis(e.StartTime),
			Properties:     e.Properties,
		}
		if e.EndTime > 0 {
			ev.EndTime = utils.FromUnixMillis(e.EndTime)
		}
		events = append(events, ev)
	}
	return events, nil
}

// SendEvent ingests a chaos or remediation marker. Events without an end time
// stay open until a matching close event is sent.
func (c *ObservabilityClient) SendEvent(ctx context.Context, event models.Event) error {
	payload := map[string]any{
		"eventType":  event.EventType,
		"title":      event.Title,
		"properties": event.Properties,
	}
	if event.EntitySelector != "" {
		payload["entitySelector"] = fmt.Sprintf("type(SERVICE),entityName.equals(%s)", strconv.Quote(event.EntitySelector))
	}
	if !event.StartTime.IsZero() {
		payload["startTime"] = event.StartTime.UnixMilli()
	}
	if !event.EndTime.IsZero() {
		payload["endTime"] = event.EndTime.UnixMilli()
	}
	if err := c.postJSON(ctx, "/api/v2/events/ingest", payload, nil); err != nil {
		return c.wrap("observability.send_event", err)
	}
	return nil
}

func (c *ObservabilityClient) wrap(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return utils.NewAppError(op, "lookup failed", err)
	}
	return utils.Unavailable(op, fmt.Errorf("%w: %w", ErrUnavailable, err))
}

func timeframeQuery(tf models.Timeframe) url.Values {
	q := url.Values{}
	if !tf.From.IsZero() {
		q.Set("from", strconv.FormatInt(tf.From.UnixMilli(), 10))
	}
	if !tf.To.IsZero() {
		q.Set("to", strconv.FormatInt(tf.To.UnixMilli(), 10))
	}
	return q
}

func (c *ObservabilityClient) resolvePath(p string) string {
	if c.baseURL == "" {
		return ""
	}
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *ObservabilityClient) getJSON(ctx context.Context, p string, query url.Values, out any) error {
	endpoint := c.resolvePath(p)
	if endpoint == "" {
		return fmt.Errorf("observability base URL not configured")
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *ObservabilityClient) postJSON(ctx context.Context, p string, payload any, out any) error {
	endpoint := c.resolvePath(p)
	if endpoint == "" {
		return fmt.Errorf("observability base URL not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *ObservabilityClient) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Api-Token "+c.apiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("observability returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
