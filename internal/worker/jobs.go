package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	werrors "github.com/workbench-io/workbench-go/internal/errors"
	"github.com/workbench-io/workbench-go/internal/models"
)

const runColumns = `id, run_type, dataset_id, source_commit_id, user_id, status,
	run_parameters, output_summary, output_file_id, error_message,
	run_timestamp, completed_at, execution_time_ms`

// Store is the worker's view of the jobs schema.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps a pool for job bookkeeping.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanRun(row pgx.Row) (*models.AnalysisRun, error) {
	var run models.AnalysisRun
	err := row.Scan(
		&run.ID, &run.RunType, &run.DatasetID, &run.SourceCommitID,
		&run.UserID, &run.Status, &run.RunParameters, &run.OutputSummary,
		&run.OutputFileID, &run.ErrorMessage, &run.RunTimestamp,
		&run.CompletedAt, &run.ExecutionTimeMS,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ClaimNext locks and transitions the oldest pending job to running.
// SKIP LOCKED keeps concurrent workers from serving the same job.
// Returns (nil, nil) when the queue is empty.
func (s *Store) ClaimNext(ctx context.Context) (*models.AnalysisRun, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	run, err := scanRun(tx.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM jobs.analysis_runs
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tx.Commit(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE jobs.analysis_runs
		SET status = 'running', run_timestamp = NOW()
		WHERE id = $1
	`, run.ID); err != nil {
		return nil, fmt.Errorf("failed to mark job %s running: %w", run.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	run.Status = models.RunStatusRunning
	return run, nil
}

// Complete records a successful run.
func (s *Store) Complete(ctx context.Context, id string, summary map[string]interface{}, executionMS int64) error {
	raw, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode output summary: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs.analysis_runs
		SET status = 'completed',
		    output_summary = $2,
		    completed_at = NOW(),
		    execution_time_ms = $3
		WHERE id = $1
	`, id, raw, executionMS)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	return nil
}

// Fail records a failed run with its error message.
func (s *Store) Fail(ctx context.Context, id, message string, executionMS int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs.analysis_runs
		SET status = 'failed',
		    error_message = $2,
		    completed_at = NOW(),
		    execution_time_ms = $3
		WHERE id = $1
	`, id, message, executionMS)
	if err != nil {
		return fmt.Errorf("failed to fail job %s: %w", id, err)
	}
	return nil
}

// MergeProgress folds fields into run_parameters.progress under a
// JSONB merge, so readers always see an atomic snapshot.
func (s *Store) MergeProgress(ctx context.Context, id string, fields map[string]interface{}) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE jobs.analysis_runs
		SET run_parameters = jsonb_set(
			run_parameters,
			'{progress}',
			COALESCE(run_parameters->'progress', '{}'::jsonb) || $2::jsonb
		)
		WHERE id = $1
	`, id, raw)
	if err != nil {
		return fmt.Errorf("failed to merge progress for job %s: %w", id, err)
	}
	return nil
}

// ListRunning returns every run currently marked running, oldest first.
func (s *Store) ListRunning(ctx context.Context) ([]*models.AnalysisRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM jobs.analysis_runs
		WHERE status = 'running'
		ORDER BY run_timestamp
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list running jobs: %w", err)
	}
	defer rows.Close()

	var runs []*models.AnalysisRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Requeue returns an interrupted run to the pending queue.
func (s *Store) Requeue(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs.analysis_runs
		SET status = 'pending'
		WHERE id = $1 AND status = 'running'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", id, err)
	}
	return nil
}

// Get fetches one run by ID.
func (s *Store) Get(ctx context.Context, id string) (*models.AnalysisRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `
		SELECT `+runColumns+`
		FROM jobs.analysis_runs
		WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, werrors.NotFoundErrorf("job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return run, nil
}

// Submit inserts a new pending run and returns its stored form.
func (s *Store) Submit(ctx context.Context, run *models.AnalysisRun) (*models.AnalysisRun, error) {
	if run.ID == "" {
		return nil, werrors.ValidationErrorf("job id missing")
	}
	params := run.RunParameters
	if len(params) == 0 {
		params = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs.analysis_runs
			(id, run_type, dataset_id, source_commit_id, user_id, status, run_parameters)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6)
	`, run.ID, run.RunType, run.DatasetID, run.SourceCommitID, run.UserID, params)
	if err != nil {
		return nil, fmt.Errorf("failed to submit job: %w", err)
	}
	return s.Get(ctx, run.ID)
}
