package template

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/approvals/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5. Steps and conditions
// are stored as JSONB columns on the template row.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL template store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const templateColumns = `id, name, description, module, is_active, steps, conditions,
	version, checksum, created_at, updated_at`

// Create inserts a new template.
func (s *PgStore) Create(ctx context.Context, tpl model.WorkflowTemplate) error {
	steps, conds, err := marshalTemplate(tpl)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_templates (`+templateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		tpl.ID, tpl.Name, tpl.Description, tpl.Module, tpl.IsActive, steps, conds,
		tpl.Version, tpl.Checksum, tpl.CreatedAt, tpl.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("template %q already exists", tpl.ID))
	}
	return nil
}

// Get retrieves a template by ID.
func (s *PgStore) Get(ctx context.Context, id string) (model.WorkflowTemplate, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+templateColumns+` FROM workflow_templates WHERE id = $1`, id)
	tpl, err := scanTemplate(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowTemplate{}, model.NewNotFoundError(fmt.Sprintf("template %q not found", id))
	}
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("query workflow template: %w", err)
	}
	return tpl, nil
}

// Update persists tpl with optimistic locking.
func (s *PgStore) Update(ctx context.Context, tpl model.WorkflowTemplate) (model.WorkflowTemplate, error) {
	steps, conds, err := marshalTemplate(tpl)
	if err != nil {
		return model.WorkflowTemplate{}, err
	}

	stored := tpl.Clone()
	stored.Version = tpl.Version + 1
	stored.UpdatedAt = time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_templates SET
			name = $1,
			description = $2,
			module = $3,
			is_active = $4,
			steps = $5,
			conditions = $6,
			version = $7,
			checksum = $8,
			updated_at = $9
		WHERE id = $10 AND version = $11`,
		stored.Name, stored.Description, stored.Module, stored.IsActive, steps, conds,
		stored.Version, stored.Checksum, stored.UpdatedAt,
		tpl.ID, tpl.Version,
	)
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("update workflow template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, tpl.ID); getErr != nil {
			return model.WorkflowTemplate{}, getErr
		}
		return model.WorkflowTemplate{}, model.NewConflictError(
			fmt.Sprintf("template %q version conflict (expected %d)", tpl.ID, tpl.Version),
		)
	}
	return stored, nil
}

// List returns templates matching filters.
func (s *PgStore) List(ctx context.Context, filters model.TemplateFilters) ([]model.WorkflowTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM workflow_templates WHERE 1 = 1`
	var args []any
	argIdx := 1

	if filters.Module != "" {
		query += fmt.Sprintf(" AND module = $%d", argIdx)
		args = append(args, filters.Module)
		argIdx++
	}
	if filters.ActiveOnly {
		query += " AND is_active"
	}
	query += " ORDER BY module, name, id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow templates: %w", err)
	}
	defer rows.Close()

	var result []model.WorkflowTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow template: %w", err)
		}
		result = append(result, tpl)
	}
	return result, rows.Err()
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func marshalTemplate(tpl model.WorkflowTemplate) (steps, conds []byte, err error) {
	steps, err = json.Marshal(tpl.Steps)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal steps: %w", err)
	}
	conditions := tpl.Conditions
	if conditions == nil {
		conditions = map[string]string{}
	}
	conds, err = json.Marshal(conditions)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal conditions: %w", err)
	}
	return steps, conds, nil
}

func scanTemplate(row pgx.Row) (model.WorkflowTemplate, error) {
	var tpl model.WorkflowTemplate
	var steps, conds []byte
	if err := row.Scan(
		&tpl.ID, &tpl.Name, &tpl.Description, &tpl.Module, &tpl.IsActive, &steps, &conds,
		&tpl.Version, &tpl.Checksum, &tpl.CreatedAt, &tpl.UpdatedAt,
	); err != nil {
		return model.WorkflowTemplate{}, err
	}
	if err := json.Unmarshal(steps, &tpl.Steps); err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("unmarshal steps: %w", err)
	}
	if len(conds) > 0 {
		if err := json.Unmarshal(conds, &tpl.Conditions); err != nil {
			return model.WorkflowTemplate{}, fmt.Errorf("unmarshal conditions: %w", err)
		}
	}
	if len(tpl.Conditions) == 0 {
		tpl.Conditions = nil
	}
	return tpl, nil
}
