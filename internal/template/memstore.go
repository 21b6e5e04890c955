package template

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/approvals/model"
)

// snapshot is an immutable view of all templates indexed by ID.
type snapshot struct {
	byID map[string]model.WorkflowTemplate
}

// MemoryStore is an in-memory Store. Reads load an immutable snapshot without
// locking; writes copy the snapshot under a mutex and swap it atomically.
type MemoryStore struct {
	writeMu sync.Mutex
	snap    atomic.Pointer[snapshot]
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory template store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: time.Now}
	s.snap.Store(&snapshot{byID: map[string]model.WorkflowTemplate{}})
	return s
}

func (s *MemoryStore) current() *snapshot {
	return s.snap.Load()
}

// mutate runs fn on a private copy of the current map and publishes the result.
func (s *MemoryStore) mutate(fn func(m map[string]model.WorkflowTemplate) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.current().byID
	next := make(map[string]model.WorkflowTemplate, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	if err := fn(next); err != nil {
		return err
	}
	s.snap.Store(&snapshot{byID: next})
	return nil
}

// Create persists a new template.
func (s *MemoryStore) Create(_ context.Context, tpl model.WorkflowTemplate) error {
	return s.mutate(func(m map[string]model.WorkflowTemplate) error {
		if _, exists := m[tpl.ID]; exists {
			return model.NewConflictError(fmt.Sprintf("template %q already exists", tpl.ID))
		}
		m[tpl.ID] = tpl.Clone()
		return nil
	})
}

// Get retrieves a template by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (model.WorkflowTemplate, error) {
	tpl, ok := s.current().byID[id]
	if !ok {
		return model.WorkflowTemplate{}, model.NewNotFoundError(fmt.Sprintf("template %q not found", id))
	}
	return tpl.Clone(), nil
}

// Update persists tpl with optimistic locking.
func (s *MemoryStore) Update(_ context.Context, tpl model.WorkflowTemplate) (model.WorkflowTemplate, error) {
	var stored model.WorkflowTemplate
	err := s.mutate(func(m map[string]model.WorkflowTemplate) error {
		existing, ok := m[tpl.ID]
		if !ok {
			return model.NewNotFoundError(fmt.Sprintf("template %q not found", tpl.ID))
		}
		if existing.Version != tpl.Version {
			return model.NewConflictError(fmt.Sprintf(
				"template %q version conflict (expected %d, got %d)", tpl.ID, tpl.Version, existing.Version))
		}
		stored = tpl.Clone()
		stored.Version++
		stored.UpdatedAt = s.now().UTC()
		m[tpl.ID] = stored
		return nil
	})
	if err != nil {
		return model.WorkflowTemplate{}, err
	}
	return stored.Clone(), nil
}

// List returns templates matching filters.
func (s *MemoryStore) List(_ context.Context, filters model.TemplateFilters) ([]model.WorkflowTemplate, error) {
	snap := s.current()
	result := make([]model.WorkflowTemplate, 0, len(snap.byID))
	for _, tpl := range snap.byID {
		if filters.Module != "" && tpl.Module != filters.Module {
			continue
		}
		if filters.ActiveOnly && !tpl.IsActive {
			continue
		}
		result = append(result, tpl.Clone())
	}
	sortTemplates(result)
	return result, nil
}

// Len returns the number of stored templates.
func (s *MemoryStore) Len() int {
	return len(s.current().byID)
}

func sortTemplates(tpls []model.WorkflowTemplate) {
	sort.Slice(tpls, func(i, j int) bool {
		a, b := tpls[i], tpls[j]
		if a.Module != b.Module {
			return a.Module < b.Module
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
}
