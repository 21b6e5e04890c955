package openapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pitabwire/approvals/model"
)

func loadIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return idx
}

func TestLoad(t *testing.T) {
	idx := loadIndex(t)
	if got := len(idx.Operations()); got != 13 {
		t.Errorf("Operations() = %d, want 13", got)
	}
	if !strings.HasPrefix(idx.Title(), "Approvals API") {
		t.Errorf("Title() = %q", idx.Title())
	}
}

func TestGetOperation(t *testing.T) {
	idx := loadIndex(t)

	op, ok := idx.GetOperation("actOnInstance")
	if !ok {
		t.Fatal("GetOperation(actOnInstance) not found")
	}
	if op.Method != http.MethodPost || op.Path != "/v1/instances/{id}/actions" {
		t.Errorf("actOnInstance = %+v", op)
	}
	if _, ok := idx.GetOperation("nonexistent"); ok {
		t.Error("GetOperation(nonexistent) should return false")
	}
}

func TestValidateRequest(t *testing.T) {
	idx := loadIndex(t)

	tests := []struct {
		name      string
		method    string
		target    string
		body      string
		wantMatch bool
		wantErr   bool
	}{
		{"valid action", http.MethodPost, "/v1/instances/i-1/actions", `{"action":"approve","comment":"ok"}`, true, false},
		{"unknown action", http.MethodPost, "/v1/instances/i-1/actions", `{"action":"escalate"}`, true, true},
		{"missing action", http.MethodPost, "/v1/instances/i-1/actions", `{"comment":"ok"}`, true, true},
		{"negative expected step", http.MethodPost, "/v1/instances/i-1/actions", `{"action":"approve","expected_step":-1}`, true, true},
		{"valid create", http.MethodPost, "/v1/instances", `{"module":"leave","reference_id":"leave-42"}`, true, false},
		{"unknown module", http.MethodPost, "/v1/instances", `{"module":"payroll","reference_id":"x"}`, true, true},
		{"bad status filter", http.MethodGet, "/v1/instances?status=stuck", ``, true, true},
		{"valid list", http.MethodGet, "/v1/instances?status=blocked&limit=10", ``, true, false},
		{"undocumented path", http.MethodGet, "/health", ``, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req *http.Request
			if tt.body != "" {
				req = httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
				req.Header.Set("Content-Type", "application/json")
			} else {
				req = httptest.NewRequest(tt.method, tt.target, nil)
			}
			matched, err := idx.ValidateRequest(req)
			if matched != tt.wantMatch {
				t.Errorf("matched = %v, want %v", matched, tt.wantMatch)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	idx := loadIndex(t)

	var gotErr error
	reached := false
	h := idx.Middleware(func(w http.ResponseWriter, err error) {
		gotErr = err
		w.WriteHeader(http.StatusUnprocessableEntity)
	})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/instances/i-1/actions", strings.NewReader(`{"action":"escalate"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if reached {
		t.Error("invalid request reached the handler")
	}
	if !model.IsCode(gotErr, model.ErrValidationError) {
		t.Fatalf("error = %v, want VALIDATION_ERROR", gotErr)
	}
	ee := gotErr.(*model.ErrorEnvelope)
	if len(ee.Details) == 0 || ee.Details[0].Field != "action" {
		t.Errorf("details = %+v, want a field error on action", ee.Details)
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/instances/i-1/actions", strings.NewReader(`{"action":"approve"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if !reached || rec.Code != http.StatusOK {
		t.Errorf("valid request: reached=%v code=%d", reached, rec.Code)
	}
}

func TestHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "operationId: actOnInstance") {
		t.Error("served document is missing operations")
	}
}
