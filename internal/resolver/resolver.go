// Package resolver turns a step definition into the set of actors entitled
// to act on it.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

// InstanceContext carries the instance facts resolution depends on.
type InstanceContext struct {
	InstanceID  string
	RequesterID string
	Module      model.Module
	ReferenceID string
}

// ContextFor builds the resolution context of inst.
func ContextFor(inst model.WorkflowInstance) InstanceContext {
	return InstanceContext{
		InstanceID:  inst.ID,
		RequesterID: inst.RequesterID,
		Module:      inst.Module,
		ReferenceID: inst.ReferenceID,
	}
}

// ApproverSet is the set of actor ids entitled to act on a step.
type ApproverSet map[string]struct{}

// NewApproverSet builds a set from ids, ignoring blanks.
func NewApproverSet(ids ...string) ApproverSet {
	s := make(ApproverSet, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			s[id] = struct{}{}
		}
	}
	return s
}

// Has reports whether actorID is in the set.
func (s ApproverSet) Has(actorID string) bool {
	_, ok := s[actorID]
	return ok
}

// Slice returns the members in sorted order.
func (s ApproverSet) Slice() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Resolver resolves approver sets through the org directory and role
// service. Nothing is cached; every call hits the collaborators.
type Resolver struct {
	directory model.Directory
	roles     model.RoleService
	metrics   *observability.Metrics
}

// New creates a Resolver. metrics may be nil.
func New(directory model.Directory, roles model.RoleService, metrics *observability.Metrics) *Resolver {
	return &Resolver{directory: directory, roles: roles, metrics: metrics}
}

// Resolve returns the approver set for the step at index stepIndex. Any
// failure is reported as a *model.ResolutionError.
func (r *Resolver) Resolve(ctx context.Context, stepIndex int, step model.StepDefinition, ictx InstanceContext) (set ApproverSet, err error) {
	ctx, span := observability.StartSpan(ctx, "resolver.resolve",
		observability.AttrInstanceID.String(ictx.InstanceID),
		observability.AttrStep.Int(stepIndex),
		observability.AttrApproverType.String(string(step.ApproverType)),
	)
	defer func() {
		r.metrics.RecordResolution(string(step.ApproverType), err == nil)
		observability.EndSpanWithError(span, err)
	}()

	fail := func(reason string, cause error) (ApproverSet, error) {
		return nil, &model.ResolutionError{
			Step:         stepIndex,
			ApproverType: step.ApproverType,
			Reason:       reason,
			Err:          cause,
		}
	}

	switch step.ApproverType {
	case model.ApproverManager:
		id, err := r.directory.GetManager(ctx, ictx.RequesterID)
		if err != nil {
			return fail("manager lookup failed", err)
		}
		if strings.TrimSpace(id) == "" {
			return fail(fmt.Sprintf("requester %s has no manager", ictx.RequesterID), nil)
		}
		return NewApproverSet(id), nil

	case model.ApproverDepartmentHead:
		id, err := r.directory.GetDepartmentHead(ctx, ictx.RequesterID)
		if err != nil {
			return fail("department head lookup failed", err)
		}
		if strings.TrimSpace(id) == "" {
			return fail(fmt.Sprintf("requester %s has no department head", ictx.RequesterID), nil)
		}
		return NewApproverSet(id), nil

	case model.ApproverRole:
		members, err := r.roles.MembersOf(ctx, step.ApproverID)
		if err != nil {
			return fail(fmt.Sprintf("role %s lookup failed", step.ApproverID), err)
		}
		set := NewApproverSet(members...)
		if len(set) == 0 {
			return fail(fmt.Sprintf("role %s has no active members", step.ApproverID), nil)
		}
		return set, nil

	case model.ApproverSpecificUser:
		return NewApproverSet(step.ApproverID), nil

	default:
		return fail(fmt.Sprintf("unknown approver type %q", step.ApproverType), nil)
	}
}
