package flags

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/miradorstack/mirador-chaos/internal/models"
	"github.com/miradorstack/mirador-chaos/internal/utils"
)

// HTTPStore drives a remote flag service and keeps a mirror of the last state it returned.
type HTTPStore struct {
	baseURL    string
	httpClient *http.Client

	mu     sync.Mutex
	mirror models.ServiceFlagState
}

// NewHTTPStore constructs a store targeting the flag service at baseURL.
func NewHTTPStore(baseURL string, timeout time.Duration) *HTTPStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		mirror:     models.ServiceFlagState{Global: Defaults(), PerService: map[string]models.FlagValues{}},
	}
}

// GetFlags fetches the remote state and refreshes the mirror.
func (s *HTTPStore) GetFlags(ctx context.Context) (models.ServiceFlagState, error) {
	var state models.ServiceFlagState
	if err := s.do(ctx, http.MethodGet, "/api/flags", nil, &state); err != nil {
		return models.ServiceFlagState{}, utils.Unavailable("flags.get", err)
	}
	s.remember(state)
	return state, nil
}

// SetFlags posts the delta. IfEquals guards are evaluated against a fresh read
// and stripped before sending, since the remote service applies deltas blindly.
func (s *HTTPStore) SetFlags(ctx context.Context, delta models.FlagDelta) (models.ServiceFlagState, error) {
	if len(delta.IfEquals) > 0 {
		current, err := s.GetFlags(ctx)
		if err != nil {
			return models.ServiceFlagState{}, err
		}
		delta = resolveGuards(current, delta)
	}
	if delta.Empty() {
		return s.Mirror(), nil
	}
	var state models.ServiceFlagState
	if err := s.do(ctx, http.MethodPost, "/api/flags/delta", delta, &state); err != nil {
		return models.ServiceFlagState{}, utils.Unavailable("flags.set", err)
	}
	s.remember(state)
	return state, nil
}

// Mirror returns the last state observed from the remote service.
func (s *HTTPStore) Mirror() models.ServiceFlagState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mirror.Clone()
}

func (s *HTTPStore) remember(state models.ServiceFlagState) {
	if state.Global == nil {
		state.Global = models.FlagValues{}
	}
	if state.PerService == nil {
		state.PerService = map[string]models.FlagValues{}
	}
	s.mu.Lock()
	s.mirror = state.Clone()
	s.mu.Unlock()
}

// resolveGuards drops keys whose guard no longer holds in current.
func resolveGuards(current models.ServiceFlagState, delta models.FlagDelta) models.FlagDelta {
	holds := func(key string) bool {
		want, ok := delta.IfEquals[key]
		if !ok {
			return true
		}
		have, set := current.Lookup(delta.Service, key)
		return set && have == want
	}
	out := models.FlagDelta{Service: delta.Service}
	for key, v := range delta.Set {
		if holds(key) {
			if out.Set == nil {
				out.Set = models.FlagValues{}
			}
			out.Set[key] = v
		}
	}
	for _, key := range delta.Unset {
		if holds(key) {
			out.Unset = append(out.Unset, key)
		}
	}
	return out
}

func (s *HTTPStore) resolvePath(p string) string {
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return s.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (s *HTTPStore) do(ctx context.Context, method, p string, payload, out any) error {
	if s.baseURL == "" {
		return fmt.Errorf("flag service base URL not configured")
	}
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.resolvePath(p), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("flag service returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
