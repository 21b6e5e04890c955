// Package workflow runs approval instances: creation from a template, the
// action processor, the state machine and the auto-approval sweeper.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/internal/resolver"
	"github.com/pitabwire/approvals/model"
)

// TemplateSource is the part of the template service the engine needs.
type TemplateSource interface {
	GetTemplate(ctx context.Context, id string) (model.WorkflowTemplate, error)
	SelectTemplate(ctx context.Context, module model.Module, conditions map[string]string) (model.WorkflowTemplate, error)
}

// ApproverResolver computes the approver set of a step.
type ApproverResolver interface {
	Resolve(ctx context.Context, stepIndex int, step model.StepDefinition, ictx resolver.InstanceContext) (resolver.ApproverSet, error)
}

// CreateInstanceRequest starts a new approval. When TemplateID is empty the
// active template of Module whose conditions equal Conditions is used.
type CreateInstanceRequest struct {
	Module      model.Module      `json:"module"`
	ReferenceID string            `json:"reference_id"`
	RequesterID string            `json:"requester_id"`
	TemplateID  string            `json:"template_id,omitempty"`
	Conditions  map[string]string `json:"conditions,omitempty"`
}

// ActRequest is a caller action on an instance's current step. ExpectedStep,
// when set, must equal the instance's current step.
type ActRequest struct {
	Action       model.Action `json:"action"`
	Comment      string       `json:"comment,omitempty"`
	ExpectedStep *int         `json:"expected_step,omitempty"`
}

// Engine is the single writer of workflow instances.
type Engine struct {
	store     Store
	templates TemplateSource
	resolver  ApproverResolver
	caps      model.CapabilityResolver
	notifier  model.Notifier
	publisher model.EventPublisher
	metrics   *observability.Metrics
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the approver notifier.
func WithNotifier(n model.Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p model.EventPublisher) Option { return func(e *Engine) { e.publisher = p } }

// WithMetrics enables engine metrics.
func WithMetrics(m *observability.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine creates an Engine. caps may be nil, in which case nobody holds
// the override capability.
func NewEngine(store Store, templates TemplateSource, res ApproverResolver, caps model.CapabilityResolver, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		templates: templates,
		resolver:  res,
		caps:      caps,
		logger:    zap.NewNop(),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateInstance snapshots a template's steps into a new pending instance,
// resolves its first step and notifies the approvers.
func (e *Engine) CreateInstance(ctx context.Context, req CreateInstanceRequest) (model.WorkflowInstance, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.create",
		observability.AttrModule.String(string(req.Module)),
	)
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	if errs := validateCreate(req); len(errs) > 0 {
		err = model.NewValidationError(errs)
		return model.WorkflowInstance{}, err
	}

	tpl, err := e.pickTemplate(ctx, req)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	now := e.now().UTC()
	inst := model.WorkflowInstance{
		ID:              e.newID(),
		WorkflowID:      tpl.ID,
		TemplateVersion: tpl.Version,
		Module:          req.Module,
		ReferenceID:     strings.TrimSpace(req.ReferenceID),
		RequesterID:     strings.TrimSpace(req.RequesterID),
		StepsSnapshot:   model.CloneSteps(tpl.Steps),
		CurrentStep:     0,
		Status:          model.StatusPending,
		History:         []model.HistoryEntry{},
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	enterStep(&inst, now)
	span.SetAttributes(observability.AttrInstanceID.String(inst.ID), observability.AttrWorkflowID.String(tpl.ID))

	approvers, err := e.settle(ctx, &inst, now)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if err = e.store.Create(ctx, inst); err != nil {
		return model.WorkflowInstance{}, err
	}

	e.metrics.RecordInstanceCreated(string(inst.Module))
	observability.RequestLogger(ctx, e.logger).Info("instance created", observability.InstanceFields(inst)...)
	e.publish(ctx, model.EventCreated, inst, "")
	e.afterCommit(ctx, model.WorkflowInstance{Status: model.StatusPending, CurrentStep: -1}, inst, approvers)
	return inst, nil
}

func validateCreate(req CreateInstanceRequest) []model.FieldError {
	var errs []model.FieldError
	switch {
	case req.Module == "":
		errs = append(errs, model.FieldError{Field: "module", Code: "REQUIRED", Message: "module is required"})
	case !req.Module.Valid():
		errs = append(errs, model.FieldError{Field: "module", Code: "INVALID", Message: fmt.Sprintf("unknown module %q", req.Module)})
	}
	if strings.TrimSpace(req.ReferenceID) == "" {
		errs = append(errs, model.FieldError{Field: "reference_id", Code: "REQUIRED", Message: "reference_id is required"})
	}
	if strings.TrimSpace(req.RequesterID) == "" {
		errs = append(errs, model.FieldError{Field: "requester_id", Code: "REQUIRED", Message: "requester_id is required"})
	}
	return errs
}

func (e *Engine) pickTemplate(ctx context.Context, req CreateInstanceRequest) (model.WorkflowTemplate, error) {
	if req.TemplateID == "" {
		return e.templates.SelectTemplate(ctx, req.Module, req.Conditions)
	}
	tpl, err := e.templates.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return model.WorkflowTemplate{}, err
	}
	if !tpl.IsActive {
		return model.WorkflowTemplate{}, model.NewTemplateInactiveError(fmt.Sprintf("template %q is not active", tpl.ID))
	}
	if tpl.Module != req.Module {
		return model.WorkflowTemplate{}, model.NewValidationError([]model.FieldError{{
			Field:   "template_id",
			Code:    "INVALID",
			Message: fmt.Sprintf("template %q belongs to module %q, not %q", tpl.ID, tpl.Module, req.Module),
		}})
	}
	return tpl, nil
}

// GetInstance returns an instance including its full history.
func (e *Engine) GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error) {
	return e.store.Get(ctx, id)
}

// ListInstances returns instances matching filters, newest first. The
// AssignedTo filter keeps in-flight instances whose current approver set
// contains the given actor.
func (e *Engine) ListInstances(ctx context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	if filters.Status != "" && !filters.Status.Valid() {
		return nil, model.NewValidationError([]model.FieldError{{
			Field: "status", Code: "INVALID", Message: fmt.Sprintf("unknown status %q", filters.Status),
		}})
	}
	if filters.Module != "" && !filters.Module.Valid() {
		return nil, model.NewValidationError([]model.FieldError{{
			Field: "module", Code: "INVALID", Message: fmt.Sprintf("unknown module %q", filters.Module),
		}})
	}
	if filters.AssignedTo == "" {
		return e.store.List(ctx, filters)
	}
	if filters.Status != "" && !filters.Status.InFlight() {
		return []model.WorkflowInstance{}, nil
	}

	candidates, err := e.store.List(ctx, model.InstanceFilters{
		Module:      filters.Module,
		RequesterID: filters.RequesterID,
		Status:      filters.Status,
	})
	if err != nil {
		return nil, err
	}

	assigned := make([]model.WorkflowInstance, 0, len(candidates))
	for _, inst := range candidates {
		if !inst.Status.InFlight() {
			continue
		}
		set, err := e.approvers(ctx, inst)
		if err != nil {
			continue
		}
		if set.Has(filters.AssignedTo) {
			assigned = append(assigned, inst)
		}
	}
	return paginate(assigned, filters.Offset, filters.Limit), nil
}

// Approvers returns the actors entitled to act on the instance's current
// step. Finished and blocked instances have no approvers.
func (e *Engine) Approvers(ctx context.Context, id string) ([]string, error) {
	inst, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !inst.Status.InFlight() {
		return []string{}, nil
	}
	set, err := e.approvers(ctx, inst)
	if err != nil {
		if model.IsResolutionError(err) {
			return []string{}, nil
		}
		return nil, err
	}
	return set.Slice(), nil
}

// Stats counts instances per status.
func (e *Engine) Stats(ctx context.Context) (model.InstanceStats, error) {
	return e.store.Stats(ctx)
}

// Act applies a caller action to an instance. Acting on a finished
// instance is not an error: the unchanged instance is returned with
// AlreadyTerminal set.
func (e *Engine) Act(ctx context.Context, rctx *model.RequestContext, instanceID string, req ActRequest) (result model.ActResult, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.act",
		observability.AttrInstanceID.String(instanceID),
		observability.AttrAction.String(string(req.Action)),
	)
	module := ""
	defer func() {
		observability.EndSpanWithError(span, err)
		e.metrics.RecordAction(module, string(req.Action), actionOutcome(result, err))
	}()

	if rctx == nil || rctx.Validate() != nil {
		err = model.NewUnauthorizedError("an authenticated actor is required")
		return model.ActResult{}, err
	}
	if !req.Action.CallerAction() {
		err = model.NewValidationError([]model.FieldError{{
			Field: "action", Code: "INVALID",
			Message: fmt.Sprintf("action must be one of approve, reject, skip, cancel; got %q", req.Action),
		}})
		return model.ActResult{}, err
	}
	span.SetAttributes(observability.AttrSubjectID.String(rctx.SubjectID))

	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return model.ActResult{}, err
	}
	module = string(inst.Module)
	if inst.Status.Terminal() {
		return model.ActResult{Instance: inst, AlreadyTerminal: true}, nil
	}
	if req.ExpectedStep != nil && *req.ExpectedStep != inst.CurrentStep {
		err = model.NewStaleStepError(*req.ExpectedStep, inst.CurrentStep)
		return model.ActResult{}, err
	}
	span.SetAttributes(observability.AttrStep.Int(inst.CurrentStep))

	override, err := e.hasOverride(rctx)
	if err != nil {
		return model.ActResult{}, err
	}

	now := e.now().UTC()
	next := inst.Clone()
	treq := TransitionRequest{
		StepIndex: inst.CurrentStep,
		Action:    req.Action,
		ActorID:   rctx.SubjectID,
		Comment:   req.Comment,
		At:        now,
		Override:  override,
	}

	if req.Action == model.ActionCancel {
		if rctx.SubjectID != inst.RequesterID && !override {
			err = model.NewForbiddenError("only the requester or an administrator can cancel this instance")
			return model.ActResult{}, err
		}
	} else {
		if err = e.authorize(ctx, rctx, inst, req.Action, override); err != nil {
			return model.ActResult{}, err
		}
	}

	if err = Transition(&next, treq); err != nil {
		if errors.Is(err, model.ErrAlreadyTerminal) {
			return model.ActResult{Instance: inst, AlreadyTerminal: true}, nil
		}
		return model.ActResult{}, err
	}

	approvers, err := e.settle(ctx, &next, now)
	if err != nil {
		return model.ActResult{}, err
	}
	stored, err := e.update(ctx, next)
	if err != nil {
		return model.ActResult{}, err
	}

	observability.RequestLogger(ctx, e.logger).Info("action applied",
		append(observability.InstanceFields(stored), zap.String("action", string(req.Action)))...)
	e.afterCommit(ctx, inst, stored, approvers)
	return model.ActResult{Instance: stored}, nil
}

// authorize checks that rctx may take action on inst's current step. When
// the step cannot be resolved and is not skippable the instance is blocked
// as a side effect and a non-override caller is refused.
func (e *Engine) authorize(ctx context.Context, rctx *model.RequestContext, inst model.WorkflowInstance, action model.Action, override bool) error {
	if inst.Status == model.StatusBlocked && !override {
		return model.NewInstanceBlockedError(fmt.Sprintf(
			"instance %q is blocked awaiting administrator action: %s", inst.ID, inst.BlockedReason))
	}
	step, ok := inst.CurrentStepDefinition()
	if !ok {
		return fmt.Errorf("workflow: instance %q has no step %d", inst.ID, inst.CurrentStep)
	}

	set, resErr := e.approvers(ctx, inst)
	if resErr != nil && !model.IsResolutionError(resErr) {
		return resErr
	}

	if resErr != nil {
		if override {
			return nil
		}
		if inst.Status != model.StatusBlocked {
			if step.CanSkip {
				return e.persistAutoSkip(ctx, inst)
			}
			e.persistBlock(ctx, inst, resErr)
		}
		return model.NewForbiddenError("no approver could be resolved for the current step")
	}

	if !set.Has(rctx.SubjectID) && !override {
		return model.NewForbiddenError("you are not an approver for the current step")
	}
	if action == model.ActionSkip && !step.CanSkip {
		return model.NewNotSkippableError(fmt.Sprintf("step %d (%s) cannot be skipped", inst.CurrentStep, step.Name))
	}
	return nil
}

// persistBlock persists the blocked status discovered during a live
// action. A lost race is ignored; the winner already moved the instance.
func (e *Engine) persistBlock(ctx context.Context, inst model.WorkflowInstance, cause error) {
	next := inst.Clone()
	Block(&next, resolutionReason(cause), e.now().UTC())
	stored, err := e.update(ctx, next)
	if err != nil {
		observability.RequestLogger(ctx, e.logger).Debug("could not persist blocked status",
			zap.String("instance_id", inst.ID), zap.Error(err))
		return
	}
	e.afterCommit(ctx, inst, stored, nil)
}

// persistAutoSkip settles a skippable step that stopped resolving after it
// was entered and persists the result. The caller's action targeted the old
// step, so it is refused with STALE_STEP once the instance has moved on.
func (e *Engine) persistAutoSkip(ctx context.Context, inst model.WorkflowInstance) error {
	next := inst.Clone()
	approvers, err := e.settle(ctx, &next, e.now().UTC())
	if err != nil {
		return err
	}
	stored, err := e.update(ctx, next)
	if err != nil {
		return err
	}
	observability.RequestLogger(ctx, e.logger).Info("unresolvable step skipped",
		observability.InstanceFields(stored)...)
	e.afterCommit(ctx, inst, stored, approvers)

	if stored.Status == model.StatusBlocked {
		return model.NewForbiddenError("no approver could be resolved for the current step")
	}
	return model.NewStaleStepError(inst.CurrentStep, stored.CurrentStep)
}

// Resume returns a blocked instance to in_progress once its current step
// resolves again. Only override holders may resume.
func (e *Engine) Resume(ctx context.Context, rctx *model.RequestContext, instanceID, comment string) (model.WorkflowInstance, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.resume", observability.AttrInstanceID.String(instanceID))
	var err error
	defer func() { observability.EndSpanWithError(span, err) }()

	if rctx == nil || rctx.Validate() != nil {
		err = model.NewUnauthorizedError("an authenticated actor is required")
		return model.WorkflowInstance{}, err
	}
	override, err := e.hasOverride(rctx)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if !override {
		err = model.NewForbiddenError("resuming a blocked instance requires the override capability")
		return model.WorkflowInstance{}, err
	}

	inst, err := e.store.Get(ctx, instanceID)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	now := e.now().UTC()
	next := inst.Clone()
	if err = Transition(&next, TransitionRequest{
		StepIndex: inst.CurrentStep,
		Action:    model.ActionResume,
		ActorID:   rctx.SubjectID,
		Comment:   comment,
		At:        now,
		Override:  true,
	}); err != nil {
		if errors.Is(err, model.ErrAlreadyTerminal) {
			err = model.NewConflictError(fmt.Sprintf("instance %q is already %s", inst.ID, inst.Status))
		}
		return model.WorkflowInstance{}, err
	}

	approvers, err := e.settle(ctx, &next, now)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if next.Status == model.StatusBlocked {
		err = model.NewInstanceBlockedError(fmt.Sprintf("instance %q is still blocked: %s", inst.ID, next.BlockedReason))
		return model.WorkflowInstance{}, err
	}

	stored, err := e.update(ctx, next)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	e.publish(ctx, model.EventResumed, stored, comment)
	e.afterCommit(ctx, inst, stored, approvers)
	return stored, nil
}

// settle resolves the instance's current step. A skippable step that cannot
// be resolved is skipped by the system actor and the next step is tried; a
// non-skippable one blocks the instance. It returns the approver set of the
// step the instance comes to rest on, if any.
func (e *Engine) settle(ctx context.Context, inst *model.WorkflowInstance, at time.Time) (resolver.ApproverSet, error) {
	for inst.Status.InFlight() {
		step, ok := inst.CurrentStepDefinition()
		if !ok {
			return nil, nil
		}
		set, err := e.approvers(ctx, *inst)
		if err == nil {
			return set, nil
		}
		if !model.IsResolutionError(err) {
			return nil, err
		}

		reason := resolutionReason(err)
		if !step.CanSkip {
			Block(inst, reason, at)
			return nil, nil
		}
		if err := Transition(inst, TransitionRequest{
			StepIndex: inst.CurrentStep,
			Action:    model.ActionSkip,
			ActorID:   model.SystemActor,
			Comment:   "skipped automatically: " + reason,
			At:        at,
		}); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (e *Engine) approvers(ctx context.Context, inst model.WorkflowInstance) (resolver.ApproverSet, error) {
	step, ok := inst.CurrentStepDefinition()
	if !ok {
		return resolver.ApproverSet{}, nil
	}
	return e.resolver.Resolve(ctx, inst.CurrentStep, step, resolver.ContextFor(inst))
}

func (e *Engine) hasOverride(rctx *model.RequestContext) (bool, error) {
	if e.caps == nil {
		return false, nil
	}
	caps, err := e.caps.Resolve(rctx)
	if err != nil {
		return false, fmt.Errorf("resolve capabilities: %w", err)
	}
	return caps.Has(model.CapOverride), nil
}

// update persists inst and rewrites a lost optimistic race into the error
// callers are told to retry on.
func (e *Engine) update(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowInstance, error) {
	stored, err := e.store.Update(ctx, inst)
	if model.IsCode(err, model.ErrConflict) {
		return model.WorkflowInstance{}, model.NewConflictError(
			fmt.Sprintf("instance %q was already advanced by another action; re-read and retry", inst.ID))
	}
	return stored, err
}

// afterCommit runs the best-effort hooks for a committed change from before
// to after.
func (e *Engine) afterCommit(ctx context.Context, before, after model.WorkflowInstance, approvers resolver.ApproverSet) {
	switch {
	case after.Status.Terminal():
		e.metrics.RecordCompletion(string(after.Module), string(after.Status))
		e.publish(ctx, model.EventCompleted, after, "")
	case after.Status == model.StatusBlocked:
		if before.Status != model.StatusBlocked {
			e.metrics.RecordBlocked(string(after.Module))
			observability.RequestLogger(ctx, e.logger).Warn("instance blocked",
				append(observability.InstanceFields(after), zap.String("reason", after.BlockedReason))...)
			e.publish(ctx, model.EventBlocked, after, after.BlockedReason)
		}
	case after.CurrentStep != before.CurrentStep || before.Status == model.StatusBlocked:
		if before.CurrentStep >= 0 {
			e.publish(ctx, model.EventAdvanced, after, "")
		}
		if e.notifier != nil && len(approvers) > 0 {
			if err := e.notifier.Notify(ctx, approvers.Slice(), after); err != nil {
				observability.RequestLogger(ctx, e.logger).Warn("approver notification failed",
					append(observability.InstanceFields(after), zap.Error(err))...)
			}
		}
	}
}

func (e *Engine) publish(ctx context.Context, t model.EventType, inst model.WorkflowInstance, reason string) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, model.NewInstanceEvent(t, inst, reason, e.now().UTC())); err != nil {
		observability.RequestLogger(ctx, e.logger).Warn("event publish failed",
			zap.String("event", string(t)), zap.String("instance_id", inst.ID), zap.Error(err))
	}
}

func resolutionReason(err error) string {
	var re *model.ResolutionError
	if errors.As(err, &re) {
		return re.Reason
	}
	return err.Error()
}

func actionOutcome(res model.ActResult, err error) string {
	switch {
	case err == nil && res.AlreadyTerminal:
		return "already_terminal"
	case err == nil:
		return "applied"
	case model.IsCode(err, model.ErrForbidden), model.IsCode(err, model.ErrUnauthorized):
		return "forbidden"
	case model.IsCode(err, model.ErrConflict):
		return "conflict"
	case model.IsCode(err, model.ErrStaleStep):
		return "stale"
	case model.IsCode(err, model.ErrInstanceBlocked):
		return "blocked"
	case model.IsCode(err, model.ErrNotFound):
		return "not_found"
	case model.IsCode(err, model.ErrValidationError), model.IsCode(err, model.ErrNotSkippable):
		return "invalid"
	default:
		return "error"
	}
}
