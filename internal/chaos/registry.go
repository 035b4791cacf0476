package chaos

import (
	"sort"
	"sync"
	"time"

	"github.com/miradorstack/mirador-chaos/internal/models"
)

// Timer is a cancellable scheduled callback.
type Timer interface {
	Stop() bool
}

// record is the registry's private view of one fault.
type record struct {
	fault     models.Fault
	committed bool
	// written holds the flag values this fault set; prior holds what was there
	// before, nil when the key was absent in the target's scope.
	written models.FlagValues
	prior   map[string]*float64
	timer   Timer
}

// flagKey names one flag override in one target's scope.
type flagKey struct {
	target string
	flag   string
}

// Registry is the table of injected faults. A fault occupies a capacity slot
// from Reserve until it is claimed for revert or removed.
//
// Faults that write the same flag on the same target form a stack in commit
// order. Only the top writer's value is live; each writer's prior is the value
// below it, so reverting out of order hands the prior up to the next writer.
type Registry struct {
	mu      sync.Mutex
	limit   int
	active  map[string]*record
	writers map[flagKey][]string
	retired map[string]models.Fault
	ring    []string
	ringCap int
}

// NewRegistry creates a registry allowing at most limit concurrent faults and
// remembering up to retiredCap reverted faults.
func NewRegistry(limit, retiredCap int) *Registry {
	if limit < 1 {
		limit = 1
	}
	if retiredCap <= 0 {
		retiredCap = 512
	}
	return &Registry{
		limit:   limit,
		active:  make(map[string]*record),
		writers: make(map[flagKey][]string),
		retired: make(map[string]models.Fault),
		ringCap: retiredCap,
	}
}

// SetLimit changes the concurrent fault cap. Faults already above the new cap stay active.
func (r *Registry) SetLimit(limit int) {
	if limit < 1 {
		return
	}
	r.mu.Lock()
	r.limit = limit
	r.mu.Unlock()
}

// Limit returns the concurrent fault cap.
func (r *Registry) Limit() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limit
}

// Reserve claims a capacity slot for f before any flag is touched.
func (r *Registry) Reserve(f models.Fault) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.active) >= r.limit {
		return &CapacityExceededError{Limit: r.limit, Active: len(r.active)}
	}
	r.active[f.ID] = &record{fault: f}
	return nil
}

// Remove releases a reservation whose injection failed.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

// Commit makes a reserved fault visible once its flags are applied.
func (r *Registry) Commit(id string, written models.FlagValues, prior map[string]*float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.active[id]
	if !ok {
		return false
	}
	if prior == nil {
		prior = make(map[string]*float64)
	}
	rec.committed = true
	rec.written = written
	rec.prior = prior
	for flag := range written {
		k := flagKey{target: rec.fault.Target, flag: flag}
		r.writers[k] = append(r.writers[k], id)
	}
	return true
}

// SetTimer attaches an auto-revert timer. It returns false when the fault is
// no longer active, in which case the caller must stop the timer.
func (r *Registry) SetTimer(id string, t Timer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.active[id]
	if !ok || !rec.committed {
		return false
	}
	rec.timer = t
	return true
}

// handoff records a prior passed to the writer above a reverted fault.
type handoff struct {
	flag  string
	above string
	prior *float64
}

// claimResult is what Claim hands back to the reverting caller. restore holds
// the keys the fault still owns and the value each returns to, nil meaning
// unset; keys buried under a later writer are handed off instead.
type claimResult struct {
	fault    models.Fault
	written  models.FlagValues
	prior    map[string]*float64
	restore  map[string]*float64
	handoffs []handoff
	already  bool
}

// Claim transitions an active fault to reverted and cancels its timer in one
// critical section, so exactly one caller performs the revert side effects.
// Already-reverted faults report already=true.
func (r *Registry) Claim(id, reason string, at time.Time) (claimResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.retired[id]; ok {
		return claimResult{fault: f, already: true}, nil
	}
	rec, ok := r.active[id]
	if !ok || !rec.committed {
		return claimResult{}, &FaultNotFoundError{ID: id}
	}
	if rec.timer != nil {
		rec.timer.Stop()
		rec.timer = nil
	}
	delete(r.active, id)

	f := rec.fault
	f.Status = models.FaultReverted
	revertedAt := at
	f.RevertedAt = &revertedAt
	f.RevertReason = reason
	r.retireLocked(f)

	claim := claimResult{fault: f, written: rec.written, prior: clonePrior(rec.prior), restore: make(map[string]*float64)}
	for _, flag := range sortedFlags(rec.written) {
		k := flagKey{target: f.Target, flag: flag}
		stack := r.writers[k]
		i := indexOf(stack, id)
		switch {
		case i < 0:
			claim.restore[flag] = rec.prior[flag]
		case i == len(stack)-1:
			claim.restore[flag] = rec.prior[flag]
			stack = stack[:i]
		default:
			above := r.active[stack[i+1]]
			claim.handoffs = append(claim.handoffs, handoff{flag: flag, above: stack[i+1], prior: above.prior[flag]})
			above.prior[flag] = rec.prior[flag]
			stack = append(stack[:i:i], stack[i+1:]...)
		}
		if len(stack) == 0 {
			delete(r.writers, k)
		} else {
			r.writers[k] = stack
		}
	}
	return claim, nil
}

// Reinstate returns a claimed fault to the active table after its revert side
// effects failed. The auto-revert timer is not restored.
func (r *Registry) Reinstate(c claimResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := c.fault
	delete(r.retired, f.ID)
	for i, id := range r.ring {
		if id == f.ID {
			r.ring = append(r.ring[:i], r.ring[i+1:]...)
			break
		}
	}
	f.Status = models.FaultActive
	f.RevertedAt = nil
	f.RevertReason = ""
	r.active[f.ID] = &record{fault: f, committed: true, written: c.written, prior: c.prior}

	for flag := range c.restore {
		k := flagKey{target: f.Target, flag: flag}
		r.writers[k] = append(r.writers[k], f.ID)
	}
	for _, h := range c.handoffs {
		k := flagKey{target: f.Target, flag: h.flag}
		stack := r.writers[k]
		i := indexOf(stack, h.above)
		if i < 0 {
			r.writers[k] = append(stack, f.ID)
			continue
		}
		r.active[h.above].prior[h.flag] = h.prior
		r.writers[k] = append(stack[:i:i], append([]string{f.ID}, stack[i:]...)...)
	}
}

func (r *Registry) retireLocked(f models.Fault) {
	r.retired[f.ID] = f
	r.ring = append(r.ring, f.ID)
	for len(r.ring) > r.ringCap {
		delete(r.retired, r.ring[0])
		r.ring = r.ring[1:]
	}
}

// Get returns an active or recently reverted fault.
func (r *Registry) Get(id string) (models.Fault, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.active[id]; ok && rec.committed {
		return rec.fault, true
	}
	f, ok := r.retired[id]
	return f, ok
}

// Active returns committed active faults ordered by injection time.
func (r *Registry) Active() []models.Fault {
	r.mu.Lock()
	out := make([]models.Fault, 0, len(r.active))
	for _, rec := range r.active {
		if rec.committed {
			out = append(out, rec.fault)
		}
	}
	r.mu.Unlock()
	sortFaults(out)
	return out
}

// Retired returns remembered reverted faults ordered by injection time.
func (r *Registry) Retired() []models.Fault {
	r.mu.Lock()
	out := make([]models.Fault, 0, len(r.retired))
	for _, f := range r.retired {
		out = append(out, f)
	}
	r.mu.Unlock()
	sortFaults(out)
	return out
}

// Count returns the number of occupied capacity slots, including reservations.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// StopTimers cancels every pending auto-revert without reverting.
func (r *Registry) StopTimers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	stopped := 0
	for _, rec := range r.active {
		if rec.timer != nil {
			rec.timer.Stop()
			rec.timer = nil
			stopped++
		}
	}
	return stopped
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

func sortedFlags(values models.FlagValues) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func clonePrior(prior map[string]*float64) map[string]*float64 {
	out := make(map[string]*float64, len(prior))
	for k, v := range prior {
		out[k] = v
	}
	return out
}

func sortFaults(faults []models.Fault) {
	sort.Slice(faults, func(i, j int) bool {
		if faults[i].InjectedAt.Equal(faults[j].InjectedAt) {
			return faults[i].ID < faults[j].ID
		}
		return faults[i].InjectedAt.Before(faults[j].InjectedAt)
	})
}
