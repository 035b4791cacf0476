// Package services implements the control surface on top of the core
// components.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/miradorstack/mirador-chaos/internal/api"
	"github.com/miradorstack/mirador-chaos/internal/chaos"
	"github.com/miradorstack/mirador-chaos/internal/detector"
	"github.com/miradorstack/mirador-chaos/internal/fixit"
	"github.com/miradorstack/mirador-chaos/internal/flags"
	"github.com/miradorstack/mirador-chaos/internal/librarian"
	"github.com/miradorstack/mirador-chaos/internal/models"
	"github.com/miradorstack/mirador-chaos/internal/repo"
	"github.com/miradorstack/mirador-chaos/internal/scheduler"
	"github.com/miradorstack/mirador-chaos/internal/utils"
)

// Source stamped onto faults injected through the control surface.
const SourceOperator = "operator"

// Components are the long-lived parts the control surface drives. Any may be
// nil; the matching RPCs then fail with FailedPrecondition.
type Components struct {
	Engine    *chaos.Engine
	Scheduler *scheduler.Scheduler
	Detector  *detector.Detector
	FixIt     *fixit.Pipeline
	Librarian *librarian.Librarian
	Flags     flags.Store
}

// ControlService implements api.ControlServer.
type ControlService struct {
	logger    *slog.Logger
	c         Components
	latencies *utils.LatencyTracker
}

var _ api.ControlServer = (*ControlService)(nil)

// NewControlService constructs the control facade.
func NewControlService(logger *slog.Logger, components Components) *ControlService {
	return &ControlService{
		logger:    utils.Component(logger, "control"),
		c:         components,
		latencies: utils.NewLatencyTracker(1024),
	}
}

type emptyRequest struct{}

type transactionRequest struct {
	Count int64 `json:"count"`
}

type faultRequest struct {
	FaultID string `json:"faultId"`
}

// StartScheduler begins the chaos loop.
func (s *ControlService) StartScheduler(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.Scheduler != nil, "scheduler"); err != nil {
		return nil, err
	}
	if err := decode(req, &emptyRequest{}); err != nil {
		return nil, err
	}
	return encode(s.c.Scheduler.Start(ctx))
}

// StopScheduler halts the chaos loop.
func (s *ControlService) StopScheduler(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.Scheduler != nil, "scheduler"); err != nil {
		return nil, err
	}
	if err := decode(req, &emptyRequest{}); err != nil {
		return nil, err
	}
	return encode(s.c.Scheduler.Stop())
}

// SchedulerStatus reports the scheduler's state.
func (s *ControlService) SchedulerStatus(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.Scheduler != nil, "scheduler"); err != nil {
		return nil, err
	}
	return encode(s.c.Scheduler.Status())
}

// UpdateSchedulerConfig applies a partial configuration.
func (s *ControlService) UpdateSchedulerConfig(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.Scheduler != nil, "scheduler"); err != nil {
		return nil, err
	}
	var patch scheduler.ConfigPatch
	if err := decode(req, &patch); err != nil {
		return nil, err
	}
	if _, err := s.c.Scheduler.UpdateConfig(patch); err != nil {
		return nil, s.toStatus("update scheduler config", err)
	}
	s.logger.Info("scheduler config updated")
	return encode(s.c.Scheduler.Status())
}

// RecordTransaction counts traffic toward the volume trigger.
func (s *ControlService) RecordTransaction(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.Scheduler != nil, "scheduler"); err != nil {
		return nil, err
	}
	var in transactionRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	total := s.c.Scheduler.RecordTransaction(in.Count)
	st := s.c.Scheduler.Status()
	return encode(map[string]any{
		"transactionCount":           total,
		"transactionsSinceLastChaos": st.TransactionsSinceLastChaos,
	})
}

// StartDetector begins polling for problems.
func (s *ControlService) StartDetector(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.Detector != nil, "detector"); err != nil {
		return nil, err
	}
	if err := decode(req, &emptyRequest{}); err != nil {
		return nil, err
	}
	return encode(s.c.Detector.Start(ctx))
}

// StopDetector halts polling; dispatched runs continue.
func (s *ControlService) StopDetector(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.Detector != nil, "detector"); err != nil {
		return nil, err
	}
	if err := decode(req, &emptyRequest{}); err != nil {
		return nil, err
	}
	return encode(s.c.Detector.Stop())
}

// DetectorStatus reports the detector's state.
func (s *ControlService) DetectorStatus(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.Detector != nil, "detector"); err != nil {
		return nil, err
	}
	return encode(s.c.Detector.Status())
}

// UpdateDetectorConfig applies a partial configuration.
func (s *ControlService) UpdateDetectorConfig(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.Detector != nil, "detector"); err != nil {
		return nil, err
	}
	var patch detector.ConfigPatch
	if err := decode(req, &patch); err != nil {
		return nil, err
	}
	if _, err := s.c.Detector.UpdateConfig(patch); err != nil {
		return nil, s.toStatus("update detector config", err)
	}
	s.logger.Info("detector config updated")
	return encode(s.c.Detector.Status())
}

// ClearProcessedProblems forgets processed-problem claims.
func (s *ControlService) ClearProcessedProblems(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.Detector != nil, "detector"); err != nil {
		return nil, err
	}
	n, err := s.c.Detector.ClearProcessedProblems(ctx)
	if err != nil {
		return nil, s.toStatus("clear processed problems", err)
	}
	return encode(map[string]any{"cleared": n})
}

// InjectChaos applies an operator decision.
func (s *ControlService) InjectChaos(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.Engine != nil, "chaos engine"); err != nil {
		return nil, err
	}
	var decision models.ChaosDecision
	if err := decode(req, &decision); err != nil {
		return nil, err
	}
	if decision.Source == "" {
		decision.Source = SourceOperator
	}
	fault, err := s.c.Engine.InjectChaos(ctx, decision)
	if err != nil {
		return nil, s.toStatus("inject chaos", err)
	}
	return encode(fault)
}

// RevertChaos reverts one fault. Reverting a retired fault is a no-op.
func (s *ControlService) RevertChaos(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.Engine != nil, "chaos engine"); err != nil {
		return nil, err
	}
	var in faultRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	if in.FaultID == "" {
		return nil, status.Error(codes.InvalidArgument, "faultId is required")
	}
	fault, err := s.c.Engine.RevertChaos(ctx, in.FaultID)
	if err != nil {
		return nil, s.toStatus("revert chaos", err)
	}
	return encode(fault)
}

// RevertAllChaos reverts every active fault.
func (s *ControlService) RevertAllChaos(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.Engine != nil, "chaos engine"); err != nil {
		return nil, err
	}
	summary := s.c.Engine.RevertAll(ctx)
	if summary.Failed > 0 {
		s.logger.Warn("revert all incomplete", slog.Int("reverted", summary.Reverted), slog.Int("failed", summary.Failed))
	}
	return encode(summary)
}

// ActiveFaults lists active faults with the capacity cap.
func (s *ControlService) ActiveFaults(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.Engine != nil, "chaos engine"); err != nil {
		return nil, err
	}
	return encode(map[string]any{
		"faults":              s.c.Engine.Active(),
		"maxConcurrentFaults": s.c.Engine.MaxConcurrentFaults(),
	})
}

// GetFault returns an active or recently reverted fault.
func (s *ControlService) GetFault(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.Engine != nil, "chaos engine"); err != nil {
		return nil, err
	}
	var in faultRequest
	if err := decode(req, &in); err != nil {
		return nil, err
	}
	fault, err := s.c.Engine.GetFault(in.FaultID)
	if err != nil {
		return nil, s.toStatus("get fault", err)
	}
	return encode(fault)
}

// ListRecipes returns the loaded recipe catalogue.
func (s *ControlService) ListRecipes(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.Engine != nil, "chaos engine"); err != nil {
		return nil, err
	}
	return encode(map[string]any{"recipes": s.c.Engine.Recipes()})
}

// SmartChaos injects once using the selector, bypassing every gate but
// capacity.
func (s *ControlService) SmartChaos(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.Scheduler != nil, "scheduler"); err != nil {
		return nil, err
	}
	fault, decision, err := s.c.Scheduler.SmartChaos(ctx)
	if err != nil {
		return nil, s.toStatus("smart chaos", err)
	}
	return encode(map[string]any{"fault": fault, "decision": decision})
}

// GetFlags returns the current flag state.
func (s *ControlService) GetFlags(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.need(s.c.Flags != nil, "flag store"); err != nil {
		return nil, err
	}
	state, err := s.c.Flags.GetFlags(ctx)
	if err != nil {
		return nil, s.toStatus("get flags", err)
	}
	return encode(state)
}

func (s *ControlService) need(ok bool, what string) error {
	if ok {
		return nil
	}
	return status.Errorf(codes.FailedPrecondition, "%s not configured", what)
}

func decode(req *structpb.Struct, out any) error {
	if err := api.Decode(req, out); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return nil
}

func encode(v any) (*structpb.Struct, error) {
	out, err := api.Encode(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// toStatus maps domain errors onto gRPC codes. Caller mistakes keep their
// message; anything else is logged and reported as Internal.
func (s *ControlService) toStatus(op string, err error) error {
	var (
		unknownRecipe *chaos.UnknownRecipeError
		notFound      *chaos.FaultNotFoundError
		capacity      *chaos.CapacityExceededError
		invalid       validator.ValidationErrors
	)
	switch {
	case errors.As(err, &unknownRecipe),
		errors.As(err, &invalid),
		errors.Is(err, chaos.ErrInvalidDecision),
		errors.Is(err, fixit.ErrEmptyProblemID),
		errors.Is(err, fixit.ErrEmptyDescription),
		errors.Is(err, librarian.ErrInvalidEntry):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &notFound),
		errors.Is(err, repo.ErrNotFound),
		errors.Is(err, librarian.ErrNoTimeline):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &capacity):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case utils.IsRecoverable(err):
		s.logger.Warn(op+" failed: collaborator unavailable", slog.Any("error", err))
		return status.Error(codes.Unavailable, err.Error())
	default:
		s.logger.Error(op+" failed", slog.Any("error", err))
		return status.Error(codes.Internal, fmt.Sprintf("%s failed", op))
	}
}
