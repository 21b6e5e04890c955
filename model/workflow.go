package model

import "time"

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

// Instance statuses.
const (
	StatusPending    InstanceStatus = "pending"
	StatusInProgress InstanceStatus = "in_progress"
	StatusApproved   InstanceStatus = "approved"
	StatusRejected   InstanceStatus = "rejected"
	StatusCancelled  InstanceStatus = "cancelled"
	StatusBlocked    InstanceStatus = "blocked"
)

// Statuses lists every instance status.
var Statuses = []InstanceStatus{
	StatusPending, StatusInProgress, StatusApproved, StatusRejected, StatusCancelled, StatusBlocked,
}

// Terminal reports whether no further action can change the instance.
func (s InstanceStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// InFlight reports whether the instance is waiting on a human approver.
func (s InstanceStatus) InFlight() bool {
	return s == StatusPending || s == StatusInProgress
}

// Valid reports whether s is a known status.
func (s InstanceStatus) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Action is something that can be recorded against an instance step.
type Action string

// Actions. Callers may submit approve, reject, skip and cancel; auto_approve is
// reserved for the sweeper and resume for the admin manual-resolution path.
const (
	ActionApprove     Action = "approve"
	ActionReject      Action = "reject"
	ActionSkip        Action = "skip"
	ActionCancel      Action = "cancel"
	ActionAutoApprove Action = "auto_approve"
	ActionResume      Action = "resume"
)

// CallerAction reports whether a caller may submit the action through Act.
func (a Action) CallerAction() bool {
	switch a {
	case ActionApprove, ActionReject, ActionSkip, ActionCancel:
		return true
	}
	return false
}

// SystemActor is the actor id recorded for sweeper and engine-initiated actions.
const SystemActor = "system"

// HistoryEntry is one immutable record in an instance's audit trail.
type HistoryEntry struct {
	Step      int       `json:"step"`
	StepName  string    `json:"step_name,omitempty"`
	Action    Action    `json:"action"`
	ActorID   string    `json:"actor_id"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkflowInstance is one execution of a template against a business object.
type WorkflowInstance struct {
	ID              string           `json:"id"`
	WorkflowID      string           `json:"workflow_id"`
	TemplateVersion int              `json:"template_version"`
	Module          Module           `json:"module"`
	ReferenceID     string           `json:"reference_id"`
	RequesterID     string           `json:"requester_id"`
	StepsSnapshot   []StepDefinition `json:"steps_snapshot"`
	CurrentStep     int              `json:"current_step"`
	Status          InstanceStatus   `json:"status"`
	History         []HistoryEntry   `json:"step_history"`
	StepStartedAt   time.Time        `json:"step_started_at"`
	StepDeadline    *time.Time       `json:"step_deadline,omitempty"`
	BlockedReason   string           `json:"blocked_reason,omitempty"`
	Version         int              `json:"version"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// CurrentStepDefinition returns the step awaiting action, or false when the
// instance has advanced past the last step.
func (w *WorkflowInstance) CurrentStepDefinition() (StepDefinition, bool) {
	if w.CurrentStep < 0 || w.CurrentStep >= len(w.StepsSnapshot) {
		return StepDefinition{}, false
	}
	return w.StepsSnapshot[w.CurrentStep], true
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (w WorkflowInstance) Clone() WorkflowInstance {
	out := w
	out.StepsSnapshot = CloneSteps(w.StepsSnapshot)
	if w.History != nil {
		out.History = make([]HistoryEntry, len(w.History))
		copy(out.History, w.History)
	}
	if w.StepDeadline != nil {
		d := *w.StepDeadline
		out.StepDeadline = &d
	}
	if w.CompletedAt != nil {
		c := *w.CompletedAt
		out.CompletedAt = &c
	}
	return out
}

// InstanceFilters are optional filters for listing instances.
type InstanceFilters struct {
	Module      Module
	RequesterID string
	Status      InstanceStatus
	AssignedTo  string
	Limit       int
	Offset      int
}

// ActResult is returned by Act. AlreadyTerminal is set when the instance had
// already finished and the action was ignored.
type ActResult struct {
	Instance        WorkflowInstance `json:"instance"`
	AlreadyTerminal bool             `json:"already_terminal"`
}

// InstanceStats counts instances per status.
type InstanceStats map[InstanceStatus]int
