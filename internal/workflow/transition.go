package workflow

import (
	"fmt"
	"time"

	"github.com/pitabwire/approvals/model"
)

// TransitionRequest is one structurally valid action against an instance.
// Authorization has already been decided by the caller.
type TransitionRequest struct {
	StepIndex int
	Action    model.Action
	ActorID   string
	Comment   string
	At        time.Time
	// Override marks an actor holding the override capability. It is the
	// only way to move a blocked instance other than cancel and resume.
	Override bool
}

// Transition applies req to inst in place. The history entry is appended
// before any other field changes. It returns model.ErrAlreadyTerminal for a
// finished instance, a STALE_STEP error when req targets another step and an
// INSTANCE_BLOCKED error for non-override actions on a blocked instance.
func Transition(inst *model.WorkflowInstance, req TransitionRequest) error {
	if inst.Status.Terminal() {
		return model.ErrAlreadyTerminal
	}
	if req.StepIndex != inst.CurrentStep {
		return model.NewStaleStepError(req.StepIndex, inst.CurrentStep)
	}

	switch req.Action {
	case model.ActionApprove, model.ActionAutoApprove, model.ActionSkip, model.ActionReject:
		if inst.Status == model.StatusBlocked && !req.Override {
			return model.NewInstanceBlockedError(fmt.Sprintf(
				"instance %q is blocked: %s", inst.ID, inst.BlockedReason))
		}
		if _, ok := inst.CurrentStepDefinition(); !ok {
			return fmt.Errorf("workflow: instance %q has no step %d", inst.ID, inst.CurrentStep)
		}
	case model.ActionResume:
		if inst.Status != model.StatusBlocked {
			return model.NewConflictError(fmt.Sprintf("instance %q is not blocked", inst.ID))
		}
	case model.ActionCancel:
	default:
		return model.NewValidationError([]model.FieldError{{
			Field: "action", Code: "INVALID", Message: fmt.Sprintf("unknown action %q", req.Action),
		}})
	}

	appendHistory(inst, req)

	switch req.Action {
	case model.ActionApprove, model.ActionAutoApprove, model.ActionSkip:
		advance(inst, req.At)
	case model.ActionReject:
		finish(inst, model.StatusRejected, req.At)
	case model.ActionCancel:
		finish(inst, model.StatusCancelled, req.At)
	case model.ActionResume:
		inst.Status = model.StatusInProgress
		enterStep(inst, req.At)
	}
	inst.UpdatedAt = req.At
	return nil
}

// Block stalls inst on its current step until an administrator intervenes.
func Block(inst *model.WorkflowInstance, reason string, at time.Time) {
	inst.Status = model.StatusBlocked
	inst.BlockedReason = reason
	inst.StepDeadline = nil
	inst.UpdatedAt = at
}

func appendHistory(inst *model.WorkflowInstance, req TransitionRequest) {
	entry := model.HistoryEntry{
		Step:      inst.CurrentStep,
		Action:    req.Action,
		ActorID:   req.ActorID,
		Comment:   req.Comment,
		Timestamp: req.At,
	}
	if step, ok := inst.CurrentStepDefinition(); ok {
		entry.StepName = step.Name
	}
	inst.History = append(inst.History, entry)
}

func advance(inst *model.WorkflowInstance, at time.Time) {
	if inst.CurrentStep >= len(inst.StepsSnapshot)-1 {
		inst.CurrentStep = len(inst.StepsSnapshot)
		finish(inst, model.StatusApproved, at)
		return
	}
	inst.CurrentStep++
	inst.Status = model.StatusInProgress
	enterStep(inst, at)
}

// enterStep starts the clock on the current step.
func enterStep(inst *model.WorkflowInstance, at time.Time) {
	inst.StepStartedAt = at
	inst.StepDeadline = nil
	inst.BlockedReason = ""
	if step, ok := inst.CurrentStepDefinition(); ok {
		if after, ok := step.AutoApproveAfter(); ok {
			deadline := at.Add(after)
			inst.StepDeadline = &deadline
		}
	}
}

func finish(inst *model.WorkflowInstance, status model.InstanceStatus, at time.Time) {
	inst.Status = status
	inst.StepDeadline = nil
	inst.BlockedReason = ""
	completed := at
	inst.CompletedAt = &completed
}
