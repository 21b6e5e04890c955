package workflow

import (
	"errors"
	"testing"
	"time"

	"github.com/pitabwire/approvals/model"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func intPtr(v int) *int { return &v }

func twoStepInstance() model.WorkflowInstance {
	inst := model.WorkflowInstance{
		ID:          "inst-1",
		RequesterID: "emp-7",
		Status:      model.StatusPending,
		StepsSnapshot: []model.StepDefinition{
			{Order: 1, Name: "Manager", ApproverType: model.ApproverManager},
			{Order: 2, Name: "Admin", ApproverType: model.ApproverSpecificUser, ApproverID: "admin-1", AutoApproveAfterDays: intPtr(2)},
		},
		Version: 1,
	}
	enterStep(&inst, t0)
	return inst
}

func TestTransition_approveAdvancesThenCompletes(t *testing.T) {
	inst := twoStepInstance()
	at := t0.Add(time.Hour)

	if err := Transition(&inst, TransitionRequest{StepIndex: 0, Action: model.ActionApprove, ActorID: "mgr-3", At: at}); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if inst.CurrentStep != 1 || inst.Status != model.StatusInProgress {
		t.Fatalf("after first approve: step=%d status=%s", inst.CurrentStep, inst.Status)
	}
	if !inst.StepStartedAt.Equal(at) {
		t.Errorf("StepStartedAt = %v, want %v", inst.StepStartedAt, at)
	}
	if inst.StepDeadline == nil || !inst.StepDeadline.Equal(at.Add(48*time.Hour)) {
		t.Errorf("StepDeadline = %v, want two days after entering step", inst.StepDeadline)
	}

	if err := Transition(&inst, TransitionRequest{StepIndex: 1, Action: model.ActionApprove, ActorID: "admin-1", At: at}); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if inst.CurrentStep != 2 || inst.Status != model.StatusApproved {
		t.Errorf("after last approve: step=%d status=%s", inst.CurrentStep, inst.Status)
	}
	if inst.StepDeadline != nil || inst.CompletedAt == nil {
		t.Errorf("terminal instance should have no deadline and a completion time")
	}
	if len(inst.History) != 2 || inst.History[0].StepName != "Manager" || inst.History[1].ActorID != "admin-1" {
		t.Errorf("History = %+v", inst.History)
	}
}

func TestTransition_rejectIsTerminalAtAnyStep(t *testing.T) {
	inst := twoStepInstance()
	if err := Transition(&inst, TransitionRequest{StepIndex: 0, Action: model.ActionReject, ActorID: "mgr-3", Comment: "budget", At: t0}); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if inst.Status != model.StatusRejected || inst.CurrentStep != 0 {
		t.Errorf("status=%s step=%d, want rejected at step 0", inst.Status, inst.CurrentStep)
	}
	if inst.History[0].Comment != "budget" {
		t.Errorf("comment not recorded: %+v", inst.History[0])
	}
}

func TestTransition_terminalRefused(t *testing.T) {
	for _, st := range []model.InstanceStatus{model.StatusApproved, model.StatusRejected, model.StatusCancelled} {
		inst := twoStepInstance()
		inst.Status = st
		err := Transition(&inst, TransitionRequest{StepIndex: 0, Action: model.ActionApprove, ActorID: "mgr-3", At: t0})
		if !errors.Is(err, model.ErrAlreadyTerminal) {
			t.Errorf("%s: error = %v, want ErrAlreadyTerminal", st, err)
		}
		if len(inst.History) != 0 {
			t.Errorf("%s: history written for refused action", st)
		}
	}
}

func TestTransition_staleStep(t *testing.T) {
	inst := twoStepInstance()
	err := Transition(&inst, TransitionRequest{StepIndex: 1, Action: model.ActionApprove, ActorID: "admin-1", At: t0})
	if !model.IsCode(err, model.ErrStaleStep) {
		t.Fatalf("error = %v, want STALE_STEP", err)
	}
	if len(inst.History) != 0 || inst.CurrentStep != 0 {
		t.Error("stale action must not change the instance")
	}
}

func TestTransition_skipAndAutoApproveAdvance(t *testing.T) {
	for _, action := range []model.Action{model.ActionSkip, model.ActionAutoApprove} {
		inst := twoStepInstance()
		if err := Transition(&inst, TransitionRequest{StepIndex: 0, Action: action, ActorID: model.SystemActor, At: t0}); err != nil {
			t.Fatalf("%s: error = %v", action, err)
		}
		if inst.CurrentStep != 1 || inst.History[0].Action != action {
			t.Errorf("%s: step=%d history=%+v", action, inst.CurrentStep, inst.History)
		}
	}
}

func TestTransition_cancelFromAnyNonTerminalState(t *testing.T) {
	for _, st := range []model.InstanceStatus{model.StatusPending, model.StatusInProgress, model.StatusBlocked} {
		inst := twoStepInstance()
		inst.Status = st
		if err := Transition(&inst, TransitionRequest{StepIndex: 0, Action: model.ActionCancel, ActorID: "emp-7", At: t0}); err != nil {
			t.Fatalf("%s: error = %v", st, err)
		}
		if inst.Status != model.StatusCancelled {
			t.Errorf("%s: status = %s, want cancelled", st, inst.Status)
		}
	}
}

func TestTransition_blocked(t *testing.T) {
	inst := twoStepInstance()
	Block(&inst, "no manager", t0)
	if inst.Status != model.StatusBlocked || inst.BlockedReason != "no manager" || inst.StepDeadline != nil {
		t.Fatalf("Block() left %+v", inst)
	}

	err := Transition(&inst, TransitionRequest{StepIndex: 0, Action: model.ActionApprove, ActorID: "mgr-3", At: t0})
	if !model.IsCode(err, model.ErrInstanceBlocked) {
		t.Errorf("approve without override: error = %v, want INSTANCE_BLOCKED", err)
	}

	if err := Transition(&inst, TransitionRequest{StepIndex: 0, Action: model.ActionSkip, ActorID: "ops-1", At: t0, Override: true}); err != nil {
		t.Fatalf("override skip: error = %v", err)
	}
	if inst.Status != model.StatusInProgress || inst.BlockedReason != "" {
		t.Errorf("override skip left status=%s reason=%q", inst.Status, inst.BlockedReason)
	}
}

func TestTransition_resume(t *testing.T) {
	inst := twoStepInstance()
	err := Transition(&inst, TransitionRequest{StepIndex: 0, Action: model.ActionResume, ActorID: "ops-1", At: t0})
	if !model.IsCode(err, model.ErrConflict) {
		t.Errorf("resume of unblocked instance: error = %v, want CONFLICT", err)
	}

	Block(&inst, "no manager", t0)
	later := t0.Add(time.Hour)
	if err := Transition(&inst, TransitionRequest{StepIndex: 0, Action: model.ActionResume, ActorID: "ops-1", At: later}); err != nil {
		t.Fatalf("resume error = %v", err)
	}
	if inst.Status != model.StatusInProgress || inst.CurrentStep != 0 || !inst.StepStartedAt.Equal(later) {
		t.Errorf("after resume: %+v", inst)
	}
	if inst.History[0].Action != model.ActionResume {
		t.Errorf("history = %+v", inst.History)
	}
}

func TestTransition_unknownAction(t *testing.T) {
	inst := twoStepInstance()
	err := Transition(&inst, TransitionRequest{StepIndex: 0, Action: "escalate", ActorID: "mgr-3", At: t0})
	if !model.IsCode(err, model.ErrValidationError) {
		t.Errorf("error = %v, want VALIDATION_ERROR", err)
	}
}
