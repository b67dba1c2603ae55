package replicate

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"splatapi/task"
)

// PostgresStore mirrors task state into a projects table keyed by task_id.
// Every write is an upsert guarded by updated_at, so replaying or
// reordering mutations converges on the newest state.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("could not create replica connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("replica database unreachable: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Upsert(ctx context.Context, m task.Mutation) error {
	switch m.Kind {
	case task.MutationStatus:
		return s.upsertStatus(ctx, m)
	case task.MutationProgress:
		return s.upsertProgress(ctx, m)
	case task.MutationResult:
		return s.upsertResult(ctx, m)
	case task.MutationField:
		return s.upsertField(ctx, m)
	}
	return fmt.Errorf("unknown mutation kind: %q", m.Kind)
}

func (s *PostgresStore) upsertStatus(ctx context.Context, m task.Mutation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO projects (task_id, status, error_message, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		ON CONFLICT (task_id) DO UPDATE
		SET status = EXCLUDED.status,
		    error_message = EXCLUDED.error_message,
		    updated_at = EXCLUDED.updated_at
		WHERE projects.updated_at <= EXCLUDED.updated_at`,
		m.TaskID, string(m.Status), m.ErrorMessage, m.UpdatedAt)
	return err
}

func (s *PostgresStore) upsertProgress(ctx context.Context, m task.Mutation) error {
	details, err := json.Marshal(m.Details)
	if err != nil {
		return fmt.Errorf("could not encode progress details: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO projects (task_id, current_step, completed_steps, total_steps, percentage, progress_details, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (task_id) DO UPDATE
		SET current_step = EXCLUDED.current_step,
		    completed_steps = EXCLUDED.completed_steps,
		    total_steps = EXCLUDED.total_steps,
		    percentage = EXCLUDED.percentage,
		    progress_details = EXCLUDED.progress_details,
		    updated_at = EXCLUDED.updated_at
		WHERE projects.updated_at <= EXCLUDED.updated_at`,
		m.TaskID, m.CurrentStep, m.CompletedSteps, m.TotalSteps, m.Percentage, details, m.UpdatedAt)
	return err
}

func (s *PostgresStore) upsertResult(ctx context.Context, m task.Mutation) error {
	result, err := json.Marshal(m.Result)
	if err != nil {
		return fmt.Errorf("could not encode result data: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO projects (task_id, status, result_data, processing_time, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_id) DO UPDATE
		SET status = EXCLUDED.status,
		    result_data = EXCLUDED.result_data,
		    processing_time = EXCLUDED.processing_time,
		    updated_at = EXCLUDED.updated_at
		WHERE projects.updated_at <= EXCLUDED.updated_at`,
		m.TaskID, string(m.Status), result, m.ProcessingTime, m.UpdatedAt)
	return err
}

// fieldColumns whitelists the task fields that map onto replica columns.
// Anything else is rejected rather than interpolated into SQL.
var fieldColumns = map[string]string{
	"errorMessage": "error_message",
	"message":      "progress_message",
}

func (s *PostgresStore) upsertField(ctx context.Context, m task.Mutation) error {
	column, ok := fieldColumns[m.Field]
	if !ok {
		return fmt.Errorf("no replica column for field %q", m.Field)
	}
	query := fmt.Sprintf(`
		INSERT INTO projects (task_id, %[1]s, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (task_id) DO UPDATE
		SET %[1]s = EXCLUDED.%[1]s,
		    updated_at = EXCLUDED.updated_at
		WHERE projects.updated_at <= EXCLUDED.updated_at`, column)
	_, err := s.pool.Exec(ctx, query, m.TaskID, m.Value, m.UpdatedAt)
	return err
}
