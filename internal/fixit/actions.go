// Package fixit diagnoses detected problems, applies low-risk remediations
// and verifies that the problem closed.
package fixit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/miradorstack/mirador-chaos/internal/flags"
	"github.com/miradorstack/mirador-chaos/internal/models"
	"github.com/miradorstack/mirador-chaos/internal/utils"
)

// Remediation actions understood by the executor.
const (
	ActionResetErrorRate       = "reset_error_rate"
	ActionResetLatency         = "reset_latency"
	ActionEnableCircuitBreaker = "enable_circuit_breaker"
	ActionEnableCache          = "enable_cache"
	ActionResetResourceLimits  = "reset_resource_limits"
	ActionRevertChaos          = "revert_chaos"
	ActionRestartService       = "restart_service"
	ActionScaleOut             = "scale_out"
	ActionRollbackDeployment   = "rollback_deployment"
	ActionRevertAllChaos       = "revert_all_chaos"
)

var (
	// ErrUnknownAction rejects fixes naming an action outside the catalogue.
	ErrUnknownAction = errors.New("unknown remediation action")
	// ErrNotAutoExecutable rejects fixes whose effective risk is high.
	ErrNotAutoExecutable = errors.New("remediation requires operator approval")
	// ErrNoTarget is returned when a fix cannot be tied to a service or fault.
	ErrNoTarget = errors.New("remediation has no target")
)

// ActionSpec describes a remediation and the minimum risk it carries.
type ActionSpec struct {
	Name        string           `json:"name"`
	Risk        models.RiskLevel `json:"risk"`
	Description string           `json:"description"`
	flag        string
	healthy     float64
}

var actionCatalogue = map[string]ActionSpec{
	ActionResetErrorRate: {
		Name:        ActionResetErrorRate,
		Risk:        models.RiskLow,
		Description: "Set the service's injected error rate back to zero.",
		flag:        models.FlagErrorRate,
		healthy:     0,
	},
	ActionResetLatency: {
		Name:        ActionResetLatency,
		Risk:        models.RiskLow,
		Description: "Remove artificial latency from the service.",
		flag:        models.FlagLatencyMs,
		healthy:     0,
	},
	ActionEnableCircuitBreaker: {
		Name:        ActionEnableCircuitBreaker,
		Risk:        models.RiskLow,
		Description: "Turn the service's circuit breaker back on.",
		flag:        models.FlagCircuitBreaker,
		healthy:     1,
	},
	ActionEnableCache: {
		Name:        ActionEnableCache,
		Risk:        models.RiskLow,
		Description: "Turn the service's response cache back on.",
		flag:        models.FlagCache,
		healthy:     1,
	},
	ActionResetResourceLimits: {
		Name:        ActionResetResourceLimits,
		Risk:        models.RiskLow,
		Description: "Stop synthetic CPU stress on the service.",
		flag:        models.FlagCPUStress,
		healthy:     0,
	},
	ActionRevertChaos: {
		Name:        ActionRevertChaos,
		Risk:        models.RiskMedium,
		Description: "Revert the chaos fault correlated with the problem.",
	},
	ActionRestartService: {
		Name:        ActionRestartService,
		Risk:        models.RiskHigh,
		Description: "Restart every instance of the service.",
	},
	ActionScaleOut: {
		Name:        ActionScaleOut,
		Risk:        models.RiskHigh,
		Description: "Add capacity to the service.",
	},
	ActionRollbackDeployment: {
		Name:        ActionRollbackDeployment,
		Risk:        models.RiskHigh,
		Description: "Roll the service back to its previous deployment.",
	},
	ActionRevertAllChaos: {
		Name:        ActionRevertAllChaos,
		Risk:        models.RiskHigh,
		Description: "Revert every active chaos fault.",
	},
}

// Actions lists the catalogue ordered by risk then name.
func Actions() []ActionSpec {
	out := make([]ActionSpec, 0, len(actionCatalogue))
	for _, spec := range actionCatalogue {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Risk.Rank() != out[j].Risk.Rank() {
			return out[i].Risk.Rank() < out[j].Risk.Rank()
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// LookupAction returns the catalogue entry for name.
func LookupAction(name string) (ActionSpec, bool) {
	spec, ok := actionCatalogue[strings.ToLower(strings.TrimSpace(name))]
	return spec, ok
}

// EffectiveRisk is the higher of the proposed and intrinsic risk. Unknown
// actions and unknown levels are high.
func EffectiveRisk(fix models.Fix) models.RiskLevel {
	spec, ok := LookupAction(fix.Action)
	if !ok {
		return models.RiskHigh
	}
	proposed := fix.RiskLevel
	switch proposed {
	case models.RiskLow, models.RiskMedium, models.RiskHigh:
	case "":
		proposed = spec.Risk
	default:
		return models.RiskHigh
	}
	if proposed.Rank() > spec.Risk.Rank() {
		return proposed
	}
	return spec.Risk
}

// normalizeFix canonicalises the action name and stamps the effective risk.
func normalizeFix(fix models.Fix) models.Fix {
	fix.Action = strings.ToLower(strings.TrimSpace(fix.Action))
	fix.RiskLevel = EffectiveRisk(fix)
	fix.Executed = false
	fix.Success = false
	fix.Result = ""
	fix.Error = ""
	return fix
}

// Target identifies what a fix acts on.
type Target struct {
	Service       string
	ProblemID     string
	CorrelationID string
	FaultID       string
}

// FaultController is the slice of the chaos engine remediation may drive.
type FaultController interface {
	Active() []models.Fault
	RevertChaos(ctx context.Context, id string) (models.Fault, error)
}

// FlagRecorder logs remediation writes to operational memory.
type FlagRecorder interface {
	RecordFlagChange(ctx context.Context, correlationID, problemID string, delta models.FlagDelta) (models.HistoryEntry, error)
}

// Executor applies auto-executable fixes. High-risk and unknown actions are
// refused.
type Executor struct {
	store    flags.Store
	faults   FaultController
	recorder FlagRecorder
	logger   *slog.Logger
}

// NewExecutor wires an executor. faults and recorder may be nil.
func NewExecutor(store flags.Store, faults FaultController, recorder FlagRecorder, logger *slog.Logger) *Executor {
	return &Executor{
		store:    store,
		faults:   faults,
		recorder: recorder,
		logger:   utils.Component(logger, "fixit.executor"),
	}
}

// Execute runs fix against target and returns a short result description.
func (x *Executor) Execute(ctx context.Context, fix models.Fix, target Target) (string, error) {
	spec, ok := LookupAction(fix.Action)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, fix.Action)
	}
	if !EffectiveRisk(fix).AutoExecutable() {
		return "", fmt.Errorf("%w: %s", ErrNotAutoExecutable, spec.Name)
	}
	if spec.Name == ActionRevertChaos {
		return x.revertChaos(ctx, fix, target)
	}
	return x.resetFlag(ctx, spec, fix, target)
}

func (x *Executor) resetFlag(ctx context.Context, spec ActionSpec, fix models.Fix, target Target) (string, error) {
	if x.store == nil {
		return "", utils.NewAppError("fixit."+spec.Name, "no flag store configured", nil)
	}
	service := fix.Params["service"]
	if service == "" {
		service = target.Service
	}
	if service == "" {
		return "", fmt.Errorf("%w: %s needs a service", ErrNoTarget, spec.Name)
	}
	delta := models.FlagDelta{Service: service, Set: models.FlagValues{spec.flag: spec.healthy}}
	if _, err := x.store.SetFlags(ctx, delta); err != nil {
		return "", utils.NewAppError("fixit."+spec.Name, "set flags", err)
	}
	if x.recorder != nil {
		if _, err := x.recorder.RecordFlagChange(ctx, target.CorrelationID, target.ProblemID, delta); err != nil {
			x.logger.Warn("flag change not recorded", slog.String("action", spec.Name), slog.Any("error", err))
		}
	}
	return fmt.Sprintf("%s=%g on %s", spec.flag, spec.healthy, service), nil
}

func (x *Executor) revertChaos(ctx context.Context, fix models.Fix, target Target) (string, error) {
	if x.faults == nil {
		return "", utils.NewAppError("fixit.revert_chaos", "no chaos engine configured", nil)
	}
	id := fix.Params["faultId"]
	if id == "" {
		id = target.FaultID
	}
	if id == "" {
		id = x.findFault(target)
	}
	if id == "" {
		return "", fmt.Errorf("%w: no active fault for %s", ErrNoTarget, target.Service)
	}
	fault, err := x.faults.RevertChaos(ctx, id)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("reverted %s on %s", fault.Type, fault.Target), nil
}

func (x *Executor) findFault(target Target) string {
	for _, f := range x.faults.Active() {
		if target.CorrelationID != "" && f.CorrelationID == target.CorrelationID {
			return f.ID
		}
	}
	for _, f := range x.faults.Active() {
		if target.Service != "" && strings.EqualFold(f.Target, target.Service) {
			return f.ID
		}
	}
	return ""
}
