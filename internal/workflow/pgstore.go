package workflow

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

// PgStore is a PostgreSQL-backed Store using pgx/v5. The step snapshot and
// history ledger are JSONB columns on the instance row, so a single
// version-checked UPDATE moves status and history together.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL instance store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const instanceColumns = `id, workflow_id, template_version, module, reference_id, requester_id,
	steps_snapshot, current_step, status, step_history, step_started_at, step_deadline,
	blocked_reason, version, created_at, updated_at, completed_at`

// Create inserts a new instance.
func (s *PgStore) Create(ctx context.Context, inst model.WorkflowInstance) error {
	steps, history, err := marshalInstance(inst)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO NOTHING`,
		inst.ID, inst.WorkflowID, inst.TemplateVersion, inst.Module, inst.ReferenceID, inst.RequesterID,
		steps, inst.CurrentStep, inst.Status, history, inst.StepStartedAt, inst.StepDeadline,
		inst.BlockedReason, inst.Version, inst.CreatedAt, inst.UpdatedAt, inst.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	return nil
}

// Get retrieves an instance by ID.
func (s *PgStore) Get(ctx context.Context, id string) (model.WorkflowInstance, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(fmt.Sprintf("workflow instance %q not found", id))
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// Update persists an instance with optimistic locking.
func (s *PgStore) Update(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowInstance, error) {
	_, history, err := marshalInstance(inst)
	if err != nil {
		return model.WorkflowInstance{}, err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances SET
			current_step = $1,
			status = $2,
			step_history = $3,
			step_started_at = $4,
			step_deadline = $5,
			blocked_reason = $6,
			version = $7,
			updated_at = $8,
			completed_at = $9
		WHERE id = $10 AND version = $11
		  AND jsonb_array_length(step_history) <= $12`,
		inst.CurrentStep, inst.Status, history, inst.StepStartedAt, inst.StepDeadline,
		inst.BlockedReason, inst.Version+1, inst.UpdatedAt, inst.CompletedAt,
		inst.ID, inst.Version, len(inst.History),
	)
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.Get(ctx, inst.ID); getErr != nil {
			return model.WorkflowInstance{}, getErr
		}
		return model.WorkflowInstance{}, model.NewConflictError(
			fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, inst.Version))
	}

	stored := inst.Clone()
	stored.Version++
	return stored, nil
}

// List returns instances matching filters, newest first.
func (s *PgStore) List(ctx context.Context, filters model.InstanceFilters) ([]model.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE 1=1`
	var args []any
	argIdx := 1

	if filters.Module != "" {
		query += fmt.Sprintf(" AND module = $%d", argIdx)
		args = append(args, filters.Module)
		argIdx++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}
	if filters.RequesterID != "" {
		query += fmt.Sprintf(" AND requester_id = $%d", argIdx)
		args = append(args, filters.RequesterID)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id ASC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	return s.queryInstances(ctx, query, args...)
}

// FindDue returns in-flight instances whose step deadline has passed.
func (s *PgStore) FindDue(ctx context.Context, now time.Time) ([]model.WorkflowInstance, error) {
	return s.queryInstances(ctx, `SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE status IN ('pending', 'in_progress')
		  AND step_deadline IS NOT NULL AND step_deadline < $1
		ORDER BY step_deadline ASC`, now)
}

// Stats counts instances per status.
func (s *PgStore) Stats(ctx context.Context) (model.InstanceStats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM workflow_instances GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query instance stats: %w", err)
	}
	defer rows.Close()

	stats := make(model.InstanceStats, len(model.Statuses))
	for _, st := range model.Statuses {
		stats[st] = 0
	}
	for rows.Next() {
		var status model.InstanceStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan instance stats: %w", err)
		}
		stats[status] = n
	}
	return stats, rows.Err()
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) queryInstances(ctx context.Context, query string, args ...any) ([]model.WorkflowInstance, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	defer rows.Close()

	instances := []model.WorkflowInstance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func marshalInstance(inst model.WorkflowInstance) (steps, history []byte, err error) {
	steps, err = json.Marshal(inst.StepsSnapshot)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal steps snapshot: %w", err)
	}
	h := inst.History
	if h == nil {
		h = []model.HistoryEntry{}
	}
	history, err = json.Marshal(h)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal step history: %w", err)
	}
	return steps, history, nil
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var steps, history []byte
	if err := row.Scan(
		&inst.ID, &inst.WorkflowID, &inst.TemplateVersion, &inst.Module, &inst.ReferenceID, &inst.RequesterID,
		&steps, &inst.CurrentStep, &inst.Status, &history, &inst.StepStartedAt, &inst.StepDeadline,
		&inst.BlockedReason, &inst.Version, &inst.CreatedAt, &inst.UpdatedAt, &inst.CompletedAt,
	); err != nil {
		return model.WorkflowInstance{}, err
	}
	if err := json.Unmarshal(steps, &inst.StepsSnapshot); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("unmarshal steps snapshot: %w", err)
	}
	if err := json.Unmarshal(history, &inst.History); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("unmarshal step history: %w", err)
	}
	return inst, nil
}
