// Package template stores, validates and selects workflow templates.
package template

import (
	"context"

	"github.com/pitabwire/approvals/model"
)

// Store persists workflow templates.
type Store interface {
	// Create persists a new template. Returns CONFLICT if the ID is taken.
	Create(ctx context.Context, tpl model.WorkflowTemplate) error

	// Get retrieves a template by ID. Returns NOT_FOUND if absent.
	Get(ctx context.Context, id string) (model.WorkflowTemplate, error)

	// Update persists tpl with optimistic locking. tpl.Version must equal the
	// stored version; the persisted copy carries the incremented version.
	// Returns CONFLICT if the stored version has moved on.
	Update(ctx context.Context, tpl model.WorkflowTemplate) (model.WorkflowTemplate, error)

	// List returns templates matching filters ordered by module, name and ID.
	List(ctx context.Context, filters model.TemplateFilters) ([]model.WorkflowTemplate, error)
}
