package models

// Flag keys understood by the target services. Toggle flags use 1 for on.
const (
	FlagErrorRate      = "errorRate"
	FlagLatencyMs      = "latencyMs"
	FlagCircuitBreaker = "circuitBreaker"
	FlagCache          = "cache"
	FlagCPUStress      = "cpuStress"
)

// FlagValues maps flag keys to numeric values.
type FlagValues map[string]float64

// Clone returns an independent copy.
func (v FlagValues) Clone() FlagValues {
	out := make(FlagValues, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// ServiceFlagState is the shared control state mutated by chaos and remediation.
type ServiceFlagState struct {
	Global     FlagValues            `json:"global"`
	PerService map[string]FlagValues `json:"perService"`
}

// Clone deep-copies the state.
func (s ServiceFlagState) Clone() ServiceFlagState {
	out := ServiceFlagState{Global: s.Global.Clone(), PerService: make(map[string]FlagValues, len(s.PerService))}
	for svc, vals := range s.PerService {
		out.PerService[svc] = vals.Clone()
	}
	return out
}

// Lookup returns the value of key for service, reporting whether it is set.
// An empty service addresses the global scope.
func (s ServiceFlagState) Lookup(service, key string) (float64, bool) {
	scope := s.Global
	if service != "" {
		scope = s.PerService[service]
	}
	v, ok := scope[key]
	return v, ok
}

// FlagDelta is an atomic change to one scope of the flag state. Keys present in
// IfEquals are changed only while they still hold the expected value.
type FlagDelta struct {
	Service  string     `json:"service,omitempty"`
	Set      FlagValues `json:"set,omitempty"`
	Unset    []string   `json:"unset,omitempty"`
	IfEquals FlagValues `json:"ifEquals,omitempty"`
}

// Empty reports whether the delta changes nothing.
func (d FlagDelta) Empty() bool { return len(d.Set) == 0 && len(d.Unset) == 0 }
