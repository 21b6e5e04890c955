package template

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

// Service implements template management and selection on top of a Store.
type Service struct {
	store     Store
	validator *Validator
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
	newID     func() string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

// WithMetrics enables the templates-loaded gauge.
func WithMetrics(m *observability.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a template Service.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:     store,
		validator: NewValidator(),
		logger:    zap.NewNop(),
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTemplate validates and stores a new template. An empty ID is
// generated. The stored template starts at version 1.
func (s *Service) CreateTemplate(ctx context.Context, tpl model.WorkflowTemplate) (model.WorkflowTemplate, error) {
	tpl = tpl.Clone()
	Normalize(&tpl)
	if errs := s.validator.Validate(tpl); len(errs) > 0 {
		return model.WorkflowTemplate{}, model.NewValidationError(errs)
	}

	if tpl.ID == "" {
		tpl.ID = s.newID()
	}
	now := s.now().UTC()
	tpl.Version = 1
	tpl.CreatedAt = now
	tpl.UpdatedAt = now

	if err := s.store.Create(ctx, tpl); err != nil {
		return model.WorkflowTemplate{}, err
	}
	s.logger.Info("template created",
		zap.String("template_id", tpl.ID),
		zap.String("module", string(tpl.Module)),
		zap.Int("steps", len(tpl.Steps)),
	)
	s.refreshGauge(ctx)
	return tpl, nil
}

// UpdateTemplate replaces the editable fields of an existing template. When
// tpl.Version is non-zero it must match the stored version. The active flag
// is kept as stored; ActivateTemplate and DeactivateTemplate change it.
// Instances that already snapshotted the old steps are unaffected.
func (s *Service) UpdateTemplate(ctx context.Context, tpl model.WorkflowTemplate) (model.WorkflowTemplate, error) {
	existing, err := s.store.Get(ctx, tpl.ID)
	if err != nil {
		return model.WorkflowTemplate{}, err
	}
	if tpl.Version != 0 && tpl.Version != existing.Version {
		return model.WorkflowTemplate{}, model.NewConflictError(fmt.Sprintf(
			"template %q was modified (expected version %d, current %d)", tpl.ID, tpl.Version, existing.Version))
	}

	next := tpl.Clone()
	Normalize(&next)
	if errs := s.validator.Validate(next); len(errs) > 0 {
		return model.WorkflowTemplate{}, model.NewValidationError(errs)
	}
	next.Version = existing.Version
	next.IsActive = existing.IsActive
	next.CreatedAt = existing.CreatedAt
	next.Checksum = ""

	stored, err := s.store.Update(ctx, next)
	if err != nil {
		return model.WorkflowTemplate{}, err
	}
	s.logger.Info("template updated",
		zap.String("template_id", stored.ID),
		zap.Int("version", stored.Version),
	)
	s.refreshGauge(ctx)
	return stored, nil
}

// DeactivateTemplate stops a template from being chosen for new instances.
func (s *Service) DeactivateTemplate(ctx context.Context, id string) (model.WorkflowTemplate, error) {
	return s.setActive(ctx, id, false)
}

// ActivateTemplate makes a deactivated template selectable again.
func (s *Service) ActivateTemplate(ctx context.Context, id string) (model.WorkflowTemplate, error) {
	return s.setActive(ctx, id, true)
}

func (s *Service) setActive(ctx context.Context, id string, active bool) (model.WorkflowTemplate, error) {
	tpl, err := s.store.Get(ctx, id)
	if err != nil {
		return model.WorkflowTemplate{}, err
	}
	if tpl.IsActive == active {
		return tpl, nil
	}
	tpl.IsActive = active
	stored, err := s.store.Update(ctx, tpl)
	if err != nil {
		return model.WorkflowTemplate{}, err
	}
	s.logger.Info("template activation changed",
		zap.String("template_id", id),
		zap.Bool("active", active),
	)
	return stored, nil
}

// GetTemplate returns a template by ID.
func (s *Service) GetTemplate(ctx context.Context, id string) (model.WorkflowTemplate, error) {
	return s.store.Get(ctx, id)
}

// ListTemplates returns templates, optionally filtered by module.
func (s *Service) ListTemplates(ctx context.Context, filters model.TemplateFilters) ([]model.WorkflowTemplate, error) {
	if filters.Module != "" && !filters.Module.Valid() {
		return nil, model.NewValidationError([]model.FieldError{{
			Field: "module", Code: CodeInvalid, Message: fmt.Sprintf("unknown module %q", filters.Module),
		}})
	}
	return s.store.List(ctx, filters)
}

// SelectTemplate picks the single active template for module whose condition
// map exactly equals conditions.
func (s *Service) SelectTemplate(ctx context.Context, module model.Module, conditions map[string]string) (model.WorkflowTemplate, error) {
	candidates, err := s.store.List(ctx, model.TemplateFilters{Module: module, ActiveOnly: true})
	if err != nil {
		return model.WorkflowTemplate{}, err
	}

	var matches []model.WorkflowTemplate
	for _, tpl := range candidates {
		if tpl.MatchesConditions(conditions) {
			matches = append(matches, tpl)
		}
	}

	switch len(matches) {
	case 0:
		return model.WorkflowTemplate{}, model.NewNotFoundError(
			fmt.Sprintf("no active %s template matches the given conditions", module))
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		return model.WorkflowTemplate{}, model.NewAmbiguousTemplateError(
			fmt.Sprintf("%d active %s templates match the given conditions: %v", len(matches), module, ids))
	}
}

// Seed stores every template whose ID is not yet known. Existing templates
// are left untouched so edits made through the API survive restarts. It
// returns the number of templates created.
func (s *Service) Seed(ctx context.Context, tpls []model.WorkflowTemplate) (int, error) {
	created := 0
	for _, tpl := range tpls {
		if tpl.ID == "" {
			return created, fmt.Errorf("seed template %q has no id", tpl.Name)
		}
		_, err := s.store.Get(ctx, tpl.ID)
		if err == nil {
			s.logger.Debug("seed template already present", zap.String("template_id", tpl.ID))
			continue
		}
		if !model.IsCode(err, model.ErrNotFound) {
			return created, err
		}

		if _, err := s.CreateTemplate(ctx, tpl); err != nil {
			return created, fmt.Errorf("seed template %q: %w", tpl.ID, err)
		}
		created++
	}
	return created, nil
}

// Loaded reports whether at least one template is available. Used by the
// readiness probe.
func (s *Service) Loaded(ctx context.Context) bool {
	tpls, err := s.store.List(ctx, model.TemplateFilters{})
	return err == nil && len(tpls) > 0
}

func (s *Service) refreshGauge(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	tpls, err := s.store.List(ctx, model.TemplateFilters{})
	if err != nil {
		return
	}
	s.metrics.SetTemplatesLoaded(float64(len(tpls)))
}
