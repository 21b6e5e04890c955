package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/approvals/model"
)

// MemoryStore is an in-memory Store. Each Update is a single critical
// section, which makes the version check and the history write atomic.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]model.WorkflowInstance
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string]model.WorkflowInstance)}
}

// Create persists a new instance.
func (s *MemoryStore) Create(_ context.Context, inst model.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

// Get retrieves an instance by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, exists := s.instances[id]
	if !exists {
		return model.WorkflowInstance{}, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
	}
	return inst.Clone(), nil
}

// Update persists an instance with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, inst model.WorkflowInstance) (model.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.instances[inst.ID]
	if !exists {
		return model.WorkflowInstance{}, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", inst.ID))
	}
	if existing.Version != inst.Version {
		return model.WorkflowInstance{}, model.NewConflictError(fmt.Sprintf(
			"workflow instance %q version conflict (expected %d, got %d)", inst.ID, inst.Version, existing.Version))
	}
	if len(inst.History) < len(existing.History) {
		return model.WorkflowInstance{}, fmt.Errorf("workflow: history of %q cannot shrink", inst.ID)
	}

	stored := inst.Clone()
	stored.Version++
	s.instances[inst.ID] = stored
	return stored.Clone(), nil
}

// List returns instances matching filters, newest first.
func (s *MemoryStore) List(_ context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	result := make([]model.WorkflowInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		if filters.Module != "" && inst.Module != filters.Module {
			continue
		}
		if filters.RequesterID != "" && inst.RequesterID != filters.RequesterID {
			continue
		}
		if filters.Status != "" && inst.Status != filters.Status {
			continue
		}
		result = append(result, inst.Clone())
	}
	s.mu.RUnlock()

	sortNewestFirst(result)
	return paginate(result, filters.Offset, filters.Limit), nil
}

// FindDue returns in-flight instances whose step deadline has passed.
func (s *MemoryStore) FindDue(_ context.Context, now time.Time) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.instances {
		if !inst.Status.InFlight() {
			continue
		}
		if inst.StepDeadline == nil || !inst.StepDeadline.Before(now) {
			continue
		}
		result = append(result, inst.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].StepDeadline.Before(*result[j].StepDeadline)
	})
	return result, nil
}

// Stats counts instances per status.
func (s *MemoryStore) Stats(_ context.Context) (model.InstanceStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(model.InstanceStats, len(model.Statuses))
	for _, st := range model.Statuses {
		stats[st] = 0
	}
	for _, inst := range s.instances {
		stats[inst.Status]++
	}
	return stats, nil
}

// Len returns the total number of instances.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

func sortNewestFirst(insts []model.WorkflowInstance) {
	sort.Slice(insts, func(i, j int) bool {
		if !insts[i].CreatedAt.Equal(insts[j].CreatedAt) {
			return insts[i].CreatedAt.After(insts[j].CreatedAt)
		}
		return insts[i].ID < insts[j].ID
	})
}

func paginate(insts []model.WorkflowInstance, offset, limit int) []model.WorkflowInstance {
	if offset > 0 {
		if offset >= len(insts) {
			return []model.WorkflowInstance{}
		}
		insts = insts[offset:]
	}
	if limit > 0 && limit < len(insts) {
		insts = insts[:limit]
	}
	return insts
}
