package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/approvals/internal/idempotency"
	"github.com/pitabwire/approvals/internal/workflow"
	"github.com/pitabwire/approvals/model"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

func handleInstanceCreate(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var req workflow.CreateInstanceRequest
		if err := decodeJSON(r, &req, true); err != nil {
			WriteError(w, err)
			return
		}
		if req.RequesterID == "" {
			req.RequesterID = rctx.SubjectID
		}
		if req.RequesterID != rctx.SubjectID && !CapabilitiesFrom(r.Context()).Has(model.CapOverride) {
			WriteError(w, model.NewForbiddenError("only administrators can open an approval on behalf of someone else"))
			return
		}

		inst, err := engine.CreateInstance(r.Context(), req)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, inst)
	}
}

func handleInstanceGet(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, ok := visibleInstance(w, r, engine)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleInstanceApprovers(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inst, ok := visibleInstance(w, r, engine)
		if !ok {
			return
		}
		ids, err := engine.Approvers(r.Context(), inst.ID)
		if err != nil {
			WriteError(w, err)
			return
		}
		writeList(w, ids)
	}
}

func handleInstanceList(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		q := r.URL.Query()
		filters := model.InstanceFilters{
			Module:      model.Module(q.Get("module")),
			RequesterID: q.Get("requester_id"),
			Status:      model.InstanceStatus(q.Get("status")),
			AssignedTo:  q.Get("assigned_to"),
			Limit:       min(queryInt(r, "limit", defaultPageSize), maxPageSize),
			Offset:      max(queryInt(r, "offset", 0), 0),
		}

		if !canViewAll(r) {
			switch {
			case filters.RequesterID == "" && filters.AssignedTo == "":
				filters.RequesterID = rctx.SubjectID
			case filters.RequesterID != "" && filters.RequesterID != rctx.SubjectID,
				filters.AssignedTo != "" && filters.AssignedTo != rctx.SubjectID:
				WriteError(w, model.NewForbiddenError("you can only list your own requests and your own queue"))
				return
			}
		}

		items, err := engine.ListInstances(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		writeList(w, items)
	}
}

func handleInstanceAct(engine *workflow.Engine, guard *idempotency.Guard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}
		instanceID := chi.URLParam(r, "id")

		var req workflow.ActRequest
		if err := decodeJSON(r, &req, true); err != nil {
			WriteError(w, err)
			return
		}

		act := func(ctx context.Context) (model.ActResult, error) {
			return engine.Act(ctx, rctx, instanceID, req)
		}

		key := r.Header.Get("Idempotency-Key")
		if guard == nil || key == "" {
			res, err := act(r.Context())
			if err != nil {
				WriteError(w, err)
				return
			}
			WriteJSON(w, http.StatusOK, res)
			return
		}

		res, replayed, err := guard.Do(r.Context(),
			idempotency.FormatKey(instanceID, key),
			idempotency.HashInput(rctx.SubjectID, req.Action, req.Comment, req.ExpectedStep),
			act,
		)
		if err != nil {
			WriteError(w, err)
			return
		}
		if replayed {
			w.Header().Set("Idempotent-Replayed", "true")
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func handleInstanceResume(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var body struct {
			Comment string `json:"comment"`
		}
		if err := decodeJSON(r, &body, false); err != nil {
			WriteError(w, err)
			return
		}

		inst, err := engine.Resume(r.Context(), rctx, chi.URLParam(r, "id"), body.Comment)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, inst)
	}
}

func handleStats(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !canViewAll(r) {
			WriteError(w, model.NewForbiddenError("instance statistics require the view-all capability"))
			return
		}
		stats, err := engine.Stats(r.Context())
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, stats)
	}
}

// visibleInstance loads the {id} instance and checks that the caller may see
// it: the requester, anyone who acted on it, its current approvers and
// holders of the view-all capability. Others get NOT_FOUND so instance ids
// cannot be probed.
func visibleInstance(w http.ResponseWriter, r *http.Request, engine *workflow.Engine) (model.WorkflowInstance, bool) {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
		return model.WorkflowInstance{}, false
	}
	id := chi.URLParam(r, "id")
	inst, err := engine.GetInstance(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return model.WorkflowInstance{}, false
	}
	if canViewAll(r) || inst.RequesterID == rctx.SubjectID {
		return inst, true
	}
	if slices.ContainsFunc(inst.History, func(h model.HistoryEntry) bool { return h.ActorID == rctx.SubjectID }) {
		return inst, true
	}
	approvers, err := engine.Approvers(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return model.WorkflowInstance{}, false
	}
	if slices.Contains(approvers, rctx.SubjectID) {
		return inst, true
	}
	WriteError(w, model.NewNotFoundError("instance "+id+" not found"))
	return model.WorkflowInstance{}, false
}

func canViewAll(r *http.Request) bool {
	return CapabilitiesFrom(r.Context()).HasAny(model.CapInstancesViewAll, model.CapOverride)
}

// decodeJSON reads a JSON body into v. An empty body is an error only when
// required is set.
func decodeJSON(r *http.Request, v any, required bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && !required {
			return nil
		}
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
