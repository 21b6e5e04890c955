package template

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pitabwire/approvals/model"
)

// Field error codes.
const (
	CodeRequired  = "REQUIRED"
	CodeInvalid   = "INVALID"
	CodeDuplicate = "DUPLICATE"
	CodeSequence  = "SEQUENCE"
	CodeForbidden = "FORBIDDEN"
)

// Validator checks templates structurally before they are stored.
type Validator struct{}

// NewValidator creates a new Validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Normalize trims names and sorts steps by order. It does not validate.
func Normalize(tpl *model.WorkflowTemplate) {
	tpl.Name = strings.TrimSpace(tpl.Name)
	for i := range tpl.Steps {
		tpl.Steps[i].Name = strings.TrimSpace(tpl.Steps[i].Name)
		tpl.Steps[i].ApproverID = strings.TrimSpace(tpl.Steps[i].ApproverID)
	}
	sort.SliceStable(tpl.Steps, func(i, j int) bool {
		return tpl.Steps[i].Order < tpl.Steps[j].Order
	})
	if len(tpl.Conditions) == 0 {
		tpl.Conditions = nil
	}
}

// Validate returns every problem found in tpl. Steps are expected to be
// normalized (sorted by order) first.
func (v *Validator) Validate(tpl model.WorkflowTemplate) []model.FieldError {
	var errs []model.FieldError
	add := func(field, code, msg string) {
		errs = append(errs, model.FieldError{Field: field, Code: code, Message: msg})
	}

	if tpl.Name == "" {
		add("name", CodeRequired, "name is required")
	}
	if tpl.Module == "" {
		add("module", CodeRequired, "module is required")
	} else if !tpl.Module.Valid() {
		add("module", CodeInvalid, fmt.Sprintf("unknown module %q", tpl.Module))
	}
	if len(tpl.Steps) == 0 {
		add("steps", CodeRequired, "at least one step is required")
	}
	for k := range tpl.Conditions {
		if strings.TrimSpace(k) == "" {
			add("conditions", CodeInvalid, "condition keys must not be empty")
			break
		}
	}

	seen := make(map[int]bool, len(tpl.Steps))
	for i, step := range tpl.Steps {
		p := fmt.Sprintf("steps[%d]", i)

		if seen[step.Order] {
			add(p+".order", CodeDuplicate, fmt.Sprintf("order %d is used more than once", step.Order))
		} else if step.Order != i+1 {
			add(p+".order", CodeSequence, fmt.Sprintf("orders must run 1..%d without gaps, found %d", len(tpl.Steps), step.Order))
		}
		seen[step.Order] = true

		if step.Name == "" {
			add(p+".name", CodeRequired, "step name is required")
		}

		switch {
		case step.ApproverType == "":
			add(p+".approver_type", CodeRequired, "approver_type is required")
		case !step.ApproverType.Valid():
			add(p+".approver_type", CodeInvalid, fmt.Sprintf("unknown approver_type %q", step.ApproverType))
		case step.ApproverType.RequiresApproverID() && step.ApproverID == "":
			add(p+".approver_id", CodeRequired, fmt.Sprintf("approver_id is required for %s steps", step.ApproverType))
		case !step.ApproverType.RequiresApproverID() && step.ApproverID != "":
			add(p+".approver_id", CodeForbidden, fmt.Sprintf("approver_id must be empty for %s steps", step.ApproverType))
		}

		if step.AutoApproveAfterDays != nil && *step.AutoApproveAfterDays <= 0 {
			add(p+".auto_approve_after_days", CodeInvalid, "auto_approve_after_days must be positive")
		}
	}

	return errs
}
