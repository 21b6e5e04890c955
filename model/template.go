package model

import "time"

// Module tags the business process a template or instance belongs to.
type Module string

// Known modules.
const (
	ModuleLeave          Module = "leave"
	ModuleExpense        Module = "expense"
	ModuleTraining       Module = "training"
	ModuleDocument       Module = "document"
	ModuleOnboarding     Module = "onboarding"
	ModuleOffboarding    Module = "offboarding"
	ModulePerformance    Module = "performance"
	ModuleTimeCorrection Module = "time_correction"
	ModuleGeneral        Module = "general"
)

// Modules lists every known module in display order.
var Modules = []Module{
	ModuleLeave, ModuleExpense, ModuleTraining, ModuleDocument, ModuleOnboarding,
	ModuleOffboarding, ModulePerformance, ModuleTimeCorrection, ModuleGeneral,
}

// Valid reports whether m is one of the known modules.
func (m Module) Valid() bool {
	for _, known := range Modules {
		if m == known {
			return true
		}
	}
	return false
}

// ApproverType selects how a step's approver set is resolved.
type ApproverType string

// Approver types. The set is closed; resolvers switch over it exhaustively.
const (
	ApproverManager        ApproverType = "manager"
	ApproverDepartmentHead ApproverType = "department_head"
	ApproverRole           ApproverType = "role"
	ApproverSpecificUser   ApproverType = "specific_user"
)

// Valid reports whether t is one of the four approver types.
func (t ApproverType) Valid() bool {
	switch t {
	case ApproverManager, ApproverDepartmentHead, ApproverRole, ApproverSpecificUser:
		return true
	}
	return false
}

// RequiresApproverID reports whether steps of this type must name an approver.
func (t ApproverType) RequiresApproverID() bool {
	return t == ApproverRole || t == ApproverSpecificUser
}

// WorkflowTemplate is a reusable, ordered chain of approval steps.
type WorkflowTemplate struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description"`
	Module      Module            `json:"module" yaml:"module"`
	IsActive    bool              `json:"is_active" yaml:"is_active"`
	Steps       []StepDefinition  `json:"steps" yaml:"steps"`
	Conditions  map[string]string `json:"conditions,omitempty" yaml:"conditions"`
	Version     int               `json:"version" yaml:"-"`
	Checksum    string            `json:"-" yaml:"-"`
	CreatedAt   time.Time         `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time         `json:"updated_at" yaml:"-"`
}

// StepDefinition is one position in a template's approver chain.
type StepDefinition struct {
	Order                int          `json:"order" yaml:"order"`
	Name                 string       `json:"name" yaml:"name"`
	ApproverType         ApproverType `json:"approver_type" yaml:"approver_type"`
	ApproverID           string       `json:"approver_id,omitempty" yaml:"approver_id"`
	CanSkip              bool         `json:"can_skip" yaml:"can_skip"`
	AutoApproveAfterDays *int         `json:"auto_approve_after_days,omitempty" yaml:"auto_approve_after_days"`
}

// AutoApproveAfter returns the step's auto-approval delay and whether one is
// configured.
func (s StepDefinition) AutoApproveAfter() (time.Duration, bool) {
	if s.AutoApproveAfterDays == nil || *s.AutoApproveAfterDays <= 0 {
		return 0, false
	}
	return time.Duration(*s.AutoApproveAfterDays) * 24 * time.Hour, true
}

// CloneSteps returns a deep copy of steps.
func CloneSteps(steps []StepDefinition) []StepDefinition {
	if steps == nil {
		return nil
	}
	out := make([]StepDefinition, len(steps))
	for i, s := range steps {
		out[i] = s
		if s.AutoApproveAfterDays != nil {
			days := *s.AutoApproveAfterDays
			out[i].AutoApproveAfterDays = &days
		}
	}
	return out
}

// Clone returns a deep copy of the template.
func (t WorkflowTemplate) Clone() WorkflowTemplate {
	out := t
	out.Steps = CloneSteps(t.Steps)
	if t.Conditions != nil {
		out.Conditions = make(map[string]string, len(t.Conditions))
		for k, v := range t.Conditions {
			out.Conditions[k] = v
		}
	}
	return out
}

// MatchesConditions reports whether the template's condition map is exactly
// equal to the given one. A nil and an empty map are equal.
func (t WorkflowTemplate) MatchesConditions(conditions map[string]string) bool {
	if len(t.Conditions) != len(conditions) {
		return false
	}
	for k, v := range t.Conditions {
		if got, ok := conditions[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// TemplateFilters are optional filters for listing templates.
type TemplateFilters struct {
	Module     Module
	ActiveOnly bool
}
