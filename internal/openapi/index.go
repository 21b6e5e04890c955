// Package openapi embeds the approvals API document, indexes its operations
// and validates incoming requests against it.
package openapi

import (
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"

	"github.com/pitabwire/approvals/model"
)

//go:embed api.yaml
var document []byte

// Document returns the raw embedded API document.
func Document() []byte {
	return document
}

// Operation is one indexed API operation.
type Operation struct {
	ID     string
	Method string
	Path   string
}

// Index holds the parsed document and its operations keyed by operationId.
type Index struct {
	doc        *openapi3.T
	router     routers.Router
	operations map[string]Operation
}

// Load parses and validates the embedded document.
func Load() (*Index, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(document)
	if err != nil {
		return nil, fmt.Errorf("openapi: parse: %w", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, fmt.Errorf("openapi: validate: %w", err)
	}
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("openapi: router: %w", err)
	}

	idx := &Index{doc: doc, router: router, operations: make(map[string]Operation)}
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			if op.OperationID == "" {
				continue
			}
			idx.operations[op.OperationID] = Operation{ID: op.OperationID, Method: method, Path: path}
		}
	}
	return idx, nil
}

// GetOperation returns the operation with the given operationId.
func (idx *Index) GetOperation(operationID string) (Operation, bool) {
	op, ok := idx.operations[operationID]
	return op, ok
}

// Operations returns every indexed operation sorted by path then method.
func (idx *Index) Operations() []Operation {
	out := make([]Operation, 0, len(idx.operations))
	for _, op := range idx.operations {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Method < out[j].Method
	})
	return out
}

// ValidateRequest checks r's parameters and body against the matching
// operation. Requests the document does not describe are not checked and
// return ok=false.
func (idx *Index) ValidateRequest(r *http.Request) (ok bool, err error) {
	route, pathParams, err := idx.router.FindRoute(r)
	if err != nil {
		return false, nil
	}
	input := &openapi3filter.RequestValidationInput{
		Request:    r,
		PathParams: pathParams,
		Route:      route,
		Options: &openapi3filter.Options{
			MultiError:         true,
			AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
		},
	}
	return true, openapi3filter.ValidateRequest(r.Context(), input)
}

// Middleware rejects requests that do not match the document with a
// VALIDATION_ERROR passed to writeErr.
func (idx *Index) Middleware(writeErr func(http.ResponseWriter, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := idx.ValidateRequest(r); err != nil {
				writeErr(w, model.NewValidationError(FieldErrors(err)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// FieldErrors flattens a kin-openapi validation error into field errors.
func FieldErrors(err error) []model.FieldError {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		var out []model.FieldError
		for _, e := range multi {
			out = append(out, FieldErrors(e)...)
		}
		return out
	}

	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		field := "body"
		if reqErr.Parameter != nil {
			field = reqErr.Parameter.Name
		}
		var schemaErr *openapi3.SchemaError
		if errors.As(reqErr.Err, &schemaErr) {
			if ptr := schemaErr.JSONPointer(); len(ptr) > 0 && reqErr.Parameter == nil {
				field = strings.Join(ptr, ".")
			}
			return []model.FieldError{{Field: field, Code: "INVALID", Message: schemaErr.Reason}}
		}
		return []model.FieldError{{Field: field, Code: "INVALID", Message: reqErr.Error()}}
	}

	return []model.FieldError{{Field: "request", Code: "INVALID", Message: err.Error()}}
}

// Handler serves the embedded document.
func Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(document)
	}
}

// Title returns the document title, handy for startup logs.
func (idx *Index) Title() string {
	if idx.doc.Info == nil {
		return ""
	}
	return idx.doc.Info.Title + " " + idx.doc.Info.Version
}
