package template

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

var fixedNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *observability.Metrics) {
	t.Helper()
	m := observability.InitMetrics(prometheus.NewRegistry())
	return NewService(NewMemoryStore(), WithClock(func() time.Time { return fixedNow }), WithMetrics(m)), m
}

func TestService_CreateTemplate(t *testing.T) {
	svc, m := newTestService(t)
	ctx := context.Background()

	tpl := validTemplate()
	tpl.Steps[0], tpl.Steps[1] = tpl.Steps[1], tpl.Steps[0]

	created, err := svc.CreateTemplate(ctx, tpl)
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, 1, created.Version)
	assert.Equal(t, fixedNow, created.CreatedAt)
	assert.Equal(t, 1, created.Steps[0].Order, "steps are stored in order")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.TemplatesLoaded))

	got, err := svc.GetTemplate(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Name, got.Name)
}

func TestService_CreateTemplate_validation(t *testing.T) {
	svc, _ := newTestService(t)
	tpl := validTemplate()
	tpl.Steps = nil

	_, err := svc.CreateTemplate(context.Background(), tpl)
	require.Error(t, err)
	assert.True(t, model.IsCode(err, model.ErrValidationError))
}

func TestService_CreateTemplate_duplicateID(t *testing.T) {
	svc, _ := newTestService(t)
	tpl := validTemplate()
	tpl.ID = "leave-1"

	_, err := svc.CreateTemplate(context.Background(), tpl)
	require.NoError(t, err)
	_, err = svc.CreateTemplate(context.Background(), tpl)
	assert.True(t, model.IsCode(err, model.ErrConflict))
}

func TestService_UpdateTemplate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	created, err := svc.CreateTemplate(ctx, validTemplate())
	require.NoError(t, err)

	edit := created.Clone()
	edit.Name = "Leave v2"
	edit.Steps = edit.Steps[:1]

	updated, err := svc.UpdateTemplate(ctx, edit)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "Leave v2", updated.Name)
	assert.Len(t, updated.Steps, 1)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)

	// A stale version is rejected.
	_, err = svc.UpdateTemplate(ctx, edit)
	assert.True(t, model.IsCode(err, model.ErrConflict), "got %v", err)

	// Version zero skips the check.
	edit.Version = 0
	edit.Name = "Leave v3"
	updated, err = svc.UpdateTemplate(ctx, edit)
	require.NoError(t, err)
	assert.Equal(t, 3, updated.Version)
}

func TestService_UpdateTemplate_notFound(t *testing.T) {
	svc, _ := newTestService(t)
	tpl := validTemplate()
	tpl.ID = "missing"
	_, err := svc.UpdateTemplate(context.Background(), tpl)
	assert.True(t, model.IsCode(err, model.ErrNotFound))
}

func TestService_DeactivateAndActivate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	tpl := validTemplate()
	tpl.IsActive = true
	created, err := svc.CreateTemplate(ctx, tpl)
	require.NoError(t, err)

	off, err := svc.DeactivateTemplate(ctx, created.ID)
	require.NoError(t, err)
	assert.False(t, off.IsActive)

	active, err := svc.ListTemplates(ctx, model.TemplateFilters{ActiveOnly: true})
	require.NoError(t, err)
	assert.Empty(t, active)

	// Idempotent.
	again, err := svc.DeactivateTemplate(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, off.Version, again.Version)

	on, err := svc.ActivateTemplate(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, on.IsActive)
}

func TestService_UpdateTemplate_keepsActiveFlag(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, WithClock(func() time.Time { return fixedNow }))
	ctx := context.Background()
	tpl := validTemplate()
	tpl.IsActive = true
	created, err := svc.CreateTemplate(ctx, tpl)
	require.NoError(t, err)
	off, err := svc.DeactivateTemplate(ctx, created.ID)
	require.NoError(t, err)

	edit := off
	edit.Name = "Leave (renamed)"
	edit.IsActive = true
	updated, err := svc.UpdateTemplate(ctx, edit)
	require.NoError(t, err)
	assert.Equal(t, "Leave (renamed)", updated.Name)
	assert.False(t, updated.IsActive)
	assert.Equal(t, 1, store.Len())

	active, err := svc.ListTemplates(ctx, model.TemplateFilters{ActiveOnly: true})
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestService_ListTemplates_byModule(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	leave := validTemplate()
	expense := validTemplate()
	expense.Module = model.ModuleExpense
	expense.Name = "Expense"
	for _, tpl := range []model.WorkflowTemplate{leave, expense} {
		_, err := svc.CreateTemplate(ctx, tpl)
		require.NoError(t, err)
	}

	got, err := svc.ListTemplates(ctx, model.TemplateFilters{Module: model.ModuleExpense})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Expense", got[0].Name)

	_, err = svc.ListTemplates(ctx, model.TemplateFilters{Module: "payroll"})
	assert.True(t, model.IsCode(err, model.ErrValidationError))
}

func TestService_SelectTemplate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mk := func(id string, active bool, conds map[string]string) {
		tpl := validTemplate()
		tpl.ID = id
		tpl.IsActive = active
		tpl.Conditions = conds
		_, err := svc.CreateTemplate(ctx, tpl)
		require.NoError(t, err)
	}
	mk("default", true, nil)
	mk("senior", true, map[string]string{"grade": "senior"})
	mk("senior-old", false, map[string]string{"grade": "senior"})

	got, err := svc.SelectTemplate(ctx, model.ModuleLeave, nil)
	require.NoError(t, err)
	assert.Equal(t, "default", got.ID)

	got, err = svc.SelectTemplate(ctx, model.ModuleLeave, map[string]string{"grade": "senior"})
	require.NoError(t, err)
	assert.Equal(t, "senior", got.ID, "inactive templates are ignored")

	_, err = svc.SelectTemplate(ctx, model.ModuleLeave, map[string]string{"grade": "junior"})
	assert.True(t, model.IsCode(err, model.ErrNotFound))

	_, err = svc.SelectTemplate(ctx, model.ModuleExpense, nil)
	assert.True(t, model.IsCode(err, model.ErrNotFound))

	mk("senior-dup", true, map[string]string{"grade": "senior"})
	_, err = svc.SelectTemplate(ctx, model.ModuleLeave, map[string]string{"grade": "senior"})
	assert.True(t, model.IsCode(err, model.ErrAmbiguousTemplate), "got %v", err)
}

func TestService_Seed(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tpls, err := NewLoader().LoadAll([]string{"testdata/seeds"})
	require.NoError(t, err)

	n, err := svc.Seed(ctx, tpls)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, svc.Loaded(ctx))

	seeded, err := svc.GetTemplate(ctx, "leave-standard")
	require.NoError(t, err)
	assert.NotEmpty(t, seeded.Checksum)
	assert.Equal(t, 1, seeded.Version)

	// Re-seeding leaves API edits alone.
	edit := seeded.Clone()
	edit.Name = "Edited"
	_, err = svc.UpdateTemplate(ctx, edit)
	require.NoError(t, err)

	n, err = svc.Seed(ctx, tpls)
	require.NoError(t, err)
	assert.Zero(t, n)
	after, _ := svc.GetTemplate(ctx, "leave-standard")
	assert.Equal(t, "Edited", after.Name)
}

func TestService_Seed_requiresID(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Seed(context.Background(), []model.WorkflowTemplate{validTemplate()})
	assert.Error(t, err)
}

func TestMemoryStore_returnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	tpl := validTemplate()
	tpl.ID = "t-1"
	tpl.Version = 1
	require.NoError(t, s.Create(ctx, tpl))

	got, _ := s.Get(ctx, "t-1")
	got.Steps[0].Name = "mutated"
	again, _ := s.Get(ctx, "t-1")
	assert.Equal(t, "Manager", again.Steps[0].Name)
}

func TestMemoryStore_concurrentUpdates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	tpl := validTemplate()
	tpl.ID = "t-1"
	tpl.Version = 1
	require.NoError(t, s.Create(ctx, tpl))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Update(ctx, tpl); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one writer wins a version")
	got, _ := s.Get(ctx, "t-1")
	assert.Equal(t, 2, got.Version)
}
