package transport

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/approvals/internal/template"
	"github.com/pitabwire/approvals/model"
)

// templateInput is the create/update body. IsActive is a pointer so an
// omitted flag defaults to active on create and leaves the stored flag
// alone on update.
type templateInput struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Module      model.Module           `json:"module"`
	IsActive    *bool                  `json:"is_active"`
	Version     int                    `json:"version"`
	Conditions  map[string]string      `json:"conditions"`
	Steps       []model.StepDefinition `json:"steps"`
}

func (in templateInput) toTemplate() model.WorkflowTemplate {
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	return model.WorkflowTemplate{
		ID:          in.ID,
		Name:        in.Name,
		Description: in.Description,
		Module:      in.Module,
		IsActive:    active,
		Version:     in.Version,
		Conditions:  in.Conditions,
		Steps:       in.Steps,
	}
}

func handleTemplateList(svc *template.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filters := model.TemplateFilters{Module: model.Module(r.URL.Query().Get("module"))}
		if v := r.URL.Query().Get("active"); v != "" {
			active, err := strconv.ParseBool(v)
			if err != nil {
				WriteError(w, model.NewBadRequestError("active must be true or false"))
				return
			}
			filters.ActiveOnly = active
		}
		items, err := svc.ListTemplates(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		writeList(w, items)
	}
}

func handleTemplateGet(svc *template.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tpl, err := svc.GetTemplate(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, tpl)
	}
}

func handleTemplateCreate(svc *template.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !canManageTemplates(w, r) {
			return
		}
		var in templateInput
		if err := decodeJSON(r, &in, true); err != nil {
			WriteError(w, err)
			return
		}
		tpl, err := svc.CreateTemplate(r.Context(), in.toTemplate())
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, tpl)
	}
}

func handleTemplateUpdate(svc *template.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !canManageTemplates(w, r) {
			return
		}
		var in templateInput
		if err := decodeJSON(r, &in, true); err != nil {
			WriteError(w, err)
			return
		}
		id := chi.URLParam(r, "id")
		if in.ID != "" && in.ID != id {
			WriteError(w, model.NewBadRequestError("body id does not match the path"))
			return
		}
		in.ID = id
		tpl, err := svc.UpdateTemplate(r.Context(), in.toTemplate())
		if err == nil && in.IsActive != nil {
			tpl, err = setTemplateActive(r.Context(), svc, id, *in.IsActive)
		}
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, tpl)
	}
}

func handleTemplateSetActive(svc *template.Service, active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !canManageTemplates(w, r) {
			return
		}
		tpl, err := setTemplateActive(r.Context(), svc, chi.URLParam(r, "id"), active)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, tpl)
	}
}

func setTemplateActive(ctx context.Context, svc *template.Service, id string, active bool) (model.WorkflowTemplate, error) {
	if active {
		return svc.ActivateTemplate(ctx, id)
	}
	return svc.DeactivateTemplate(ctx, id)
}

func canManageTemplates(w http.ResponseWriter, r *http.Request) bool {
	if CapabilitiesFrom(r.Context()).Has(model.CapTemplatesManage) {
		return true
	}
	WriteError(w, model.NewForbiddenError("managing templates requires "+model.CapTemplatesManage))
	return false
}
