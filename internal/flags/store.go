// Package flags owns ServiceFlagState, the feature-flag surface that both chaos
// injection and remediation mutate.
package flags

import (
	"context"
	"sort"
	"sync"

	"github.com/miradorstack/mirador-chaos/internal/models"
)

// Store is the accessor for ServiceFlagState. Implementations apply each delta
// atomically; callers read, compute a delta, then call SetFlags without holding
// any lock of their own.
type Store interface {
	GetFlags(ctx context.Context) (models.ServiceFlagState, error)
	SetFlags(ctx context.Context, delta models.FlagDelta) (models.ServiceFlagState, error)
}

// Defaults is the healthy baseline every service starts from.
func Defaults() models.FlagValues {
	return models.FlagValues{
		models.FlagErrorRate:      0,
		models.FlagLatencyMs:      0,
		models.FlagCircuitBreaker: 1,
		models.FlagCache:          1,
		models.FlagCPUStress:      0,
	}
}

// MemoryStore is the authoritative in-process flag state.
type MemoryStore struct {
	mu    sync.Mutex
	state models.ServiceFlagState
}

// NewMemoryStore creates a store seeded with global defaults.
func NewMemoryStore(global models.FlagValues) *MemoryStore {
	if global == nil {
		global = Defaults()
	}
	return &MemoryStore{state: models.ServiceFlagState{
		Global:     global.Clone(),
		PerService: make(map[string]models.FlagValues),
	}}
}

// GetFlags returns a deep copy of the current state.
func (s *MemoryStore) GetFlags(context.Context) (models.ServiceFlagState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone(), nil
}

// SetFlags applies delta and returns the resulting state.
func (s *MemoryStore) SetFlags(_ context.Context, delta models.FlagDelta) (models.ServiceFlagState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	Apply(&s.state, delta)
	return s.state.Clone(), nil
}

// Apply mutates state with delta. Keys listed in delta.IfEquals are only touched
// when their current value still matches; this lets a revert skip keys that a
// later writer has taken over.
func Apply(state *models.ServiceFlagState, delta models.FlagDelta) {
	if state.PerService == nil {
		state.PerService = make(map[string]models.FlagValues)
	}
	scope := state.Global
	if delta.Service != "" {
		scope = state.PerService[delta.Service]
		if scope == nil {
			scope = make(models.FlagValues)
			state.PerService[delta.Service] = scope
		}
	} else if scope == nil {
		scope = make(models.FlagValues)
		state.Global = scope
	}

	guarded := func(key string) bool {
		want, ok := delta.IfEquals[key]
		if !ok {
			return true
		}
		have, set := scope[key]
		return set && have == want
	}

	for _, key := range sortedKeys(delta.Set) {
		if guarded(key) {
			scope[key] = delta.Set[key]
		}
	}
	for _, key := range delta.Unset {
		if guarded(key) {
			delete(scope, key)
		}
	}
	if delta.Service != "" && len(scope) == 0 {
		delete(state.PerService, delta.Service)
	}
}

// Effective returns the value a service observes for key: its override, else the global value.
func Effective(state models.ServiceFlagState, service, key string) (float64, bool) {
	if v, ok := state.Lookup(service, key); ok && service != "" {
		return v, true
	}
	return state.Lookup("", key)
}

func sortedKeys(values models.FlagValues) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
