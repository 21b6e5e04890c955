package model

import (
	"context"
	"time"
)

// Directory answers org-chart questions about employees.
// An empty id with a nil error means the employee has no such relation.
type Directory interface {
	GetManager(ctx context.Context, employeeID string) (string, error)
	GetDepartmentHead(ctx context.Context, employeeID string) (string, error)
}

// RoleService lists the active members of a role.
type RoleService interface {
	MembersOf(ctx context.Context, roleID string) ([]string, error)
}

// Notifier tells approvers that an instance is waiting on them. Delivery is
// best-effort; the engine logs and ignores errors.
type Notifier interface {
	Notify(ctx context.Context, approverIDs []string, inst WorkflowInstance) error
}

// EventType names an instance lifecycle event.
type EventType string

// Lifecycle events.
const (
	EventCreated   EventType = "instance.created"
	EventAdvanced  EventType = "instance.advanced"
	EventCompleted EventType = "instance.completed"
	EventBlocked   EventType = "instance.blocked"
	EventResumed   EventType = "instance.resumed"
)

// InstanceEvent is published for lifecycle changes other modules may react to.
type InstanceEvent struct {
	Type        EventType      `json:"type"`
	InstanceID  string         `json:"instance_id"`
	WorkflowID  string         `json:"workflow_id"`
	Module      Module         `json:"module"`
	ReferenceID string         `json:"reference_id"`
	RequesterID string         `json:"requester_id"`
	Status      InstanceStatus `json:"status"`
	Step        int            `json:"step"`
	Reason      string         `json:"reason,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
}

// NewInstanceEvent builds an event describing inst's current state.
func NewInstanceEvent(t EventType, inst WorkflowInstance, reason string, at time.Time) InstanceEvent {
	return InstanceEvent{
		Type:        t,
		InstanceID:  inst.ID,
		WorkflowID:  inst.WorkflowID,
		Module:      inst.Module,
		ReferenceID: inst.ReferenceID,
		RequesterID: inst.RequesterID,
		Status:      inst.Status,
		Step:        inst.CurrentStep,
		Reason:      reason,
		OccurredAt:  at,
	}
}

// EventPublisher delivers lifecycle events. Publishing is best-effort.
type EventPublisher interface {
	Publish(ctx context.Context, evt InstanceEvent) error
}
