package template

import (
	"testing"

	"github.com/pitabwire/approvals/model"
)

func intPtr(v int) *int { return &v }

func validTemplate() model.WorkflowTemplate {
	return model.WorkflowTemplate{
		Name:   "Leave",
		Module: model.ModuleLeave,
		Steps: []model.StepDefinition{
			{Order: 1, Name: "Manager", ApproverType: model.ApproverManager},
			{Order: 2, Name: "HR", ApproverType: model.ApproverRole, ApproverID: "hr", AutoApproveAfterDays: intPtr(3)},
		},
	}
}

func TestValidator_valid(t *testing.T) {
	if errs := NewValidator().Validate(validTemplate()); len(errs) != 0 {
		t.Fatalf("Validate() = %v, want no errors", errs)
	}
}

func TestValidator_errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.WorkflowTemplate)
		field  string
		code   string
	}{
		{"missing name", func(tp *model.WorkflowTemplate) { tp.Name = "" }, "name", CodeRequired},
		{"missing module", func(tp *model.WorkflowTemplate) { tp.Module = "" }, "module", CodeRequired},
		{"unknown module", func(tp *model.WorkflowTemplate) { tp.Module = "payroll" }, "module", CodeInvalid},
		{"no steps", func(tp *model.WorkflowTemplate) { tp.Steps = nil }, "steps", CodeRequired},
		{"gap in orders", func(tp *model.WorkflowTemplate) { tp.Steps[1].Order = 3 }, "steps[1].order", CodeSequence},
		{"duplicate order", func(tp *model.WorkflowTemplate) { tp.Steps[1].Order = 1 }, "steps[1].order", CodeDuplicate},
		{"step name", func(tp *model.WorkflowTemplate) { tp.Steps[0].Name = "" }, "steps[0].name", CodeRequired},
		{"unknown approver type", func(tp *model.WorkflowTemplate) { tp.Steps[0].ApproverType = "peer" }, "steps[0].approver_type", CodeInvalid},
		{"role without id", func(tp *model.WorkflowTemplate) { tp.Steps[1].ApproverID = "" }, "steps[1].approver_id", CodeRequired},
		{"manager with id", func(tp *model.WorkflowTemplate) { tp.Steps[0].ApproverID = "u-1" }, "steps[0].approver_id", CodeForbidden},
		{"zero auto approve", func(tp *model.WorkflowTemplate) { tp.Steps[1].AutoApproveAfterDays = intPtr(0) }, "steps[1].auto_approve_after_days", CodeInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl := validTemplate()
			tt.mutate(&tpl)
			errs := NewValidator().Validate(tpl)
			for _, e := range errs {
				if e.Field == tt.field && e.Code == tt.code {
					return
				}
			}
			t.Errorf("Validate() = %v, want %s on %s", errs, tt.code, tt.field)
		})
	}
}

func TestNormalize_sortsSteps(t *testing.T) {
	tpl := validTemplate()
	tpl.Steps[0], tpl.Steps[1] = tpl.Steps[1], tpl.Steps[0]
	tpl.Name = "  Leave  "
	tpl.Conditions = map[string]string{}

	Normalize(&tpl)

	if tpl.Steps[0].Order != 1 || tpl.Steps[1].Order != 2 {
		t.Errorf("steps not sorted: %+v", tpl.Steps)
	}
	if tpl.Name != "Leave" {
		t.Errorf("Name = %q, want trimmed", tpl.Name)
	}
	if tpl.Conditions != nil {
		t.Error("empty conditions should normalize to nil")
	}
	if errs := NewValidator().Validate(tpl); len(errs) != 0 {
		t.Errorf("normalized template should validate, got %v", errs)
	}
}
