package workflow

import (
	"context"
	"time"

	"github.com/pitabwire/approvals/model"
)

// Store persists workflow instances. The history ledger lives in the same
// record as the status, so every Update writes both atomically.
type Store interface {
	// Create persists a new instance. Returns CONFLICT if the ID exists.
	Create(ctx context.Context, inst model.WorkflowInstance) error

	// Get retrieves an instance by ID. Returns NOT_FOUND if absent.
	Get(ctx context.Context, id string) (model.WorkflowInstance, error)

	// Update replaces an instance if its stored version still equals
	// inst.Version, and returns the stored copy with the version
	// incremented. Returns CONFLICT when another writer got there first.
	Update(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowInstance, error)

	// List returns instances matching filters, newest first. AssignedTo is
	// ignored; approver membership is computed by the engine.
	List(ctx context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, error)

	// FindDue returns pending and in-progress instances whose step deadline
	// is strictly before now, oldest deadline first.
	FindDue(ctx context.Context, now time.Time) ([]model.WorkflowInstance, error)

	// Stats counts instances per status.
	Stats(ctx context.Context) (model.InstanceStats, error)
}
