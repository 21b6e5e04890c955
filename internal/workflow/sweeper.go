package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/lease"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

// SweepReport summarizes one sweep.
type SweepReport struct {
	Skipped      bool `json:"skipped"`
	Due          int  `json:"due"`
	AutoApproved int  `json:"auto_approved"`
	Blocked      int  `json:"blocked"`
	Conflicts    int  `json:"conflicts"`
	Failed       int  `json:"failed"`
}

type sweepOutcome int

const (
	outcomeNone sweepOutcome = iota
	outcomeAutoApproved
	outcomeBlocked
	outcomeConflict
)

// Sweeper periodically auto-approves steps whose deadline has passed.
type Sweeper struct {
	engine *Engine
	locker lease.Locker
	cfg    config.SweeperConfig
}

// NewSweeper creates a Sweeper. A nil locker falls back to an in-process lease.
func NewSweeper(engine *Engine, locker lease.Locker, cfg config.SweeperConfig) *Sweeper {
	if locker == nil {
		locker = lease.NewLocalLocker()
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.LeaseKey == "" {
		cfg.LeaseKey = "approvals:sweeper:lease"
	}
	return &Sweeper{engine: engine, locker: locker, cfg: cfg}
}

// Run sweeps every cfg.Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			report, err := s.Sweep(ctx)
			if err != nil {
				s.engine.logger.Error("sweep failed", zap.Error(err))
				continue
			}
			if report.Due > 0 {
				s.engine.logger.Info("sweep finished",
					zap.Int("due", report.Due),
					zap.Int("auto_approved", report.AutoApproved),
					zap.Int("blocked", report.Blocked),
					zap.Int("conflicts", report.Conflicts),
					zap.Int("failed", report.Failed),
				)
			}
		}
	}
}

// Sweep processes every due instance once. Losing the lease to another
// process skips the sweep. A failure on one instance never stops the others.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.sweep")
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	held, err := s.locker.Acquire(ctx, s.cfg.LeaseKey, s.cfg.LeaseTTL)
	if errors.Is(err, lease.ErrNotAcquired) {
		s.engine.metrics.RecordSweepSkipped()
		return SweepReport{Skipped: true}, nil
	}
	if err != nil {
		return SweepReport{}, err
	}
	defer func() {
		if relErr := held.Release(context.WithoutCancel(ctx)); relErr != nil {
			s.engine.logger.Warn("sweeper lease release failed", zap.Error(relErr))
		}
	}()

	start := time.Now()
	now := s.engine.now().UTC()
	due, err := s.engine.store.FindDue(ctx, now)
	if err != nil {
		err = fmt.Errorf("find due instances: %w", err)
		return SweepReport{}, err
	}

	var approved, blocked, conflicts, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, inst := range due {
		g.Go(func() error {
			outcome, autoErr := s.engine.autoApprove(gctx, inst, now)
			switch {
			case autoErr != nil:
				failed.Add(1)
				s.engine.logger.Error("auto-approval failed",
					append(observability.InstanceFields(inst), zap.Error(autoErr))...)
			case outcome == outcomeAutoApproved:
				approved.Add(1)
			case outcome == outcomeBlocked:
				blocked.Add(1)
			case outcome == outcomeConflict:
				conflicts.Add(1)
			}
			return nil
		})
	}
	g.Wait()

	s.engine.metrics.RecordSweep(time.Since(start), len(due))
	return SweepReport{
		Due:          len(due),
		AutoApproved: int(approved.Load()),
		Blocked:      int(blocked.Load()),
		Conflicts:    int(conflicts.Load()),
		Failed:       int(failed.Load()),
	}, nil
}

// autoApprove advances a due instance as the system actor. The approver set
// is resolved first for the audit trail; an unresolvable, non-skippable
// step blocks the instance instead.
func (e *Engine) autoApprove(ctx context.Context, inst model.WorkflowInstance, now time.Time) (sweepOutcome, error) {
	if !inst.Status.InFlight() || inst.StepDeadline == nil || !inst.StepDeadline.Before(now) {
		return outcomeNone, nil
	}
	step, ok := inst.CurrentStepDefinition()
	if !ok {
		return outcomeNone, nil
	}

	next := inst.Clone()
	_, resErr := e.approvers(ctx, inst)
	switch {
	case resErr != nil && !model.IsResolutionError(resErr):
		return outcomeNone, resErr
	case resErr != nil && !step.CanSkip:
		Block(&next, resolutionReason(resErr), now)
	default:
		days := 0
		if step.AutoApproveAfterDays != nil {
			days = *step.AutoApproveAfterDays
		}
		if err := Transition(&next, TransitionRequest{
			StepIndex: inst.CurrentStep,
			Action:    model.ActionAutoApprove,
			ActorID:   model.SystemActor,
			Comment:   fmt.Sprintf("auto-approved after %d day(s) without action", days),
			At:        now,
		}); err != nil {
			return outcomeNone, err
		}
	}

	approvers, err := e.settle(ctx, &next, now)
	if err != nil {
		return outcomeNone, err
	}
	stored, err := e.update(ctx, next)
	if model.IsCode(err, model.ErrConflict) {
		e.logger.Debug("auto-approval lost a race", zap.String("instance_id", inst.ID))
		return outcomeConflict, nil
	}
	if err != nil {
		return outcomeNone, err
	}

	e.afterCommit(ctx, inst, stored, approvers)
	if next.Status == model.StatusBlocked && len(next.History) == len(inst.History) {
		return outcomeBlocked, nil
	}
	e.metrics.RecordAutoApproval(string(inst.Module))
	return outcomeAutoApproved, nil
}
