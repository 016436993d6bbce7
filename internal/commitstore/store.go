package commitstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	werrors "github.com/workbench-io/workbench-go/internal/errors"
	"github.com/workbench-io/workbench-go/internal/models"
)

// Querier is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx so
// store methods run either standalone or inside an executor's
// transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store reads and writes the content-addressed commit graph.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a commit store over the shared pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: slog.Default().With("component", "commitstore"),
	}
}

// Pool exposes the pool for executors that open their own transactions.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// CreateDataset registers a dataset.
func (s *Store) CreateDataset(ctx context.Context, q Querier, d models.Dataset) error {
	_, err := q.Exec(ctx, `
		INSERT INTO core.datasets (id, name, created_by, created_at)
		VALUES ($1, $2, $3, $4)
	`, d.ID, d.Name, d.CreatedBy, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create dataset %s: %w", d.ID, err)
	}
	return nil
}

// GetDataset fetches a dataset by ID.
func (s *Store) GetDataset(ctx context.Context, q Querier, id string) (*models.Dataset, error) {
	var d models.Dataset
	err := q.QueryRow(ctx, `
		SELECT id, name, created_by, created_at
		FROM core.datasets WHERE id = $1
	`, id).Scan(&d.ID, &d.Name, &d.CreatedBy, &d.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, werrors.NotFoundErrorf("dataset %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dataset %s: %w", id, err)
	}
	return &d, nil
}

// CreateCommit derives the commit ID from the identity fields, inserts
// the commit row, and returns the stored commit. Parent may be nil.
func (s *Store) CreateCommit(ctx context.Context, q Querier, datasetID string, parentCommitID *string, authorID, message string) (*models.Commit, error) {
	authoredAt := time.Now().UTC().Truncate(time.Second)
	commitID, err := CommitID(datasetID, parentCommitID, authorID, message, authoredAt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive commit id: %w", err)
	}

	commit := &models.Commit{
		CommitID:       commitID,
		DatasetID:      datasetID,
		ParentCommitID: parentCommitID,
		AuthorID:       authorID,
		Message:        message,
		AuthoredAt:     authoredAt,
		CommittedAt:    time.Now().UTC(),
	}

	_, err = q.Exec(ctx, `
		INSERT INTO core.commits
			(commit_id, dataset_id, parent_commit_id, author_id, message, authored_at, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, commit.CommitID, commit.DatasetID, commit.ParentCommitID,
		commit.AuthorID, commit.Message, commit.AuthoredAt, commit.CommittedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create commit %s: %w", commitID, err)
	}

	s.logger.Debug("commit created",
		"commit_id", commitID[:12], "dataset_id", datasetID)
	return commit, nil
}

// GetCommit fetches a commit by ID.
func (s *Store) GetCommit(ctx context.Context, q Querier, commitID string) (*models.Commit, error) {
	var c models.Commit
	err := q.QueryRow(ctx, `
		SELECT commit_id, dataset_id, parent_commit_id, author_id, message, authored_at, committed_at
		FROM core.commits WHERE commit_id = $1
	`, commitID).Scan(&c.CommitID, &c.DatasetID, &c.ParentCommitID,
		&c.AuthorID, &c.Message, &c.AuthoredAt, &c.CommittedAt)
	if err == pgx.ErrNoRows {
		return nil, werrors.NotFoundErrorf("commit %s not found", commitID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commit %s: %w", commitID, err)
	}
	return &c, nil
}

// CountRows counts commit_rows for a commit, optionally restricted to
// one table key.
func (s *Store) CountRows(ctx context.Context, q Querier, commitID, tableKey string) (int64, error) {
	query := `SELECT COUNT(*) FROM core.commit_rows WHERE commit_id = $1`
	args := []any{commitID}
	if tableKey != "" {
		query += ` AND logical_row_id LIKE $2`
		args = append(args, TableKeyPrefix(tableKey))
	}
	var n int64
	if err := q.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows for commit %s: %w", commitID, err)
	}
	return n, nil
}

// CopyRowsExceptTable copies the parent commit's rows into a child
// commit, skipping one table key. Used by the transformation executor
// so untouched tables carry over unchanged.
func (s *Store) CopyRowsExceptTable(ctx context.Context, q Querier, fromCommit, toCommit, excludeTable string) (int64, error) {
	tag, err := q.Exec(ctx, `
		INSERT INTO core.commit_rows (commit_id, logical_row_id, row_hash)
		SELECT $2, logical_row_id, row_hash
		FROM core.commit_rows
		WHERE commit_id = $1 AND logical_row_id NOT LIKE $3
	`, fromCommit, toCommit, TableKeyPrefix(excludeTable))
	if err != nil {
		return 0, fmt.Errorf("failed to copy commit rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetSchema reads the schema document of a commit. A missing schema is
// returned as an empty definition, not an error.
func (s *Store) GetSchema(ctx context.Context, q Querier, commitID string) (models.SchemaDefinition, error) {
	var raw []byte
	err := q.QueryRow(ctx, `
		SELECT schema_definition FROM core.commit_schemas WHERE commit_id = $1
	`, commitID).Scan(&raw)
	if err == pgx.ErrNoRows {
		return models.SchemaDefinition{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schema for commit %s: %w", commitID, err)
	}

	var def models.SchemaDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("failed to decode schema for commit %s: %w", commitID, err)
	}
	return def, nil
}

// MergeSchema unions new tables into a commit's schema document.
// Existing table entries win over incoming ones.
func (s *Store) MergeSchema(ctx context.Context, q Querier, commitID string, incoming models.SchemaDefinition) error {
	current, err := s.GetSchema(ctx, q, commitID)
	if err != nil {
		return err
	}
	for key, table := range incoming {
		if _, exists := current[key]; !exists {
			current[key] = table
		}
	}

	raw, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO core.commit_schemas (commit_id, schema_definition)
		VALUES ($1, $2)
		ON CONFLICT (commit_id) DO UPDATE SET schema_definition = EXCLUDED.schema_definition
	`, commitID, raw)
	if err != nil {
		return fmt.Errorf("failed to merge schema for commit %s: %w", commitID, err)
	}
	return nil
}

// CopySchema duplicates the parent's schema document onto a child commit.
func (s *Store) CopySchema(ctx context.Context, q Querier, fromCommit, toCommit string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO core.commit_schemas (commit_id, schema_definition)
		SELECT $2, schema_definition FROM core.commit_schemas WHERE commit_id = $1
		ON CONFLICT (commit_id) DO NOTHING
	`, fromCommit, toCommit)
	if err != nil {
		return fmt.Errorf("failed to copy schema %s -> %s: %w", fromCommit, toCommit, err)
	}
	return nil
}

// UpsertTableAnalysis writes the per-table analysis document.
func (s *Store) UpsertTableAnalysis(ctx context.Context, q Querier, commitID, tableKey string, analysis interface{}) error {
	raw, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("failed to encode table analysis: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO core.table_analysis (commit_id, table_key, analysis)
		VALUES ($1, $2, $3)
		ON CONFLICT (commit_id, table_key) DO UPDATE SET analysis = EXCLUDED.analysis
	`, commitID, tableKey, raw)
	if err != nil {
		return fmt.Errorf("failed to upsert analysis for %s/%s: %w", commitID, tableKey, err)
	}
	return nil
}

// GetTableAnalysis reads the analysis document for one table at a commit.
func (s *Store) GetTableAnalysis(ctx context.Context, q Querier, commitID, tableKey string) (json.RawMessage, error) {
	var raw []byte
	err := q.QueryRow(ctx, `
		SELECT analysis FROM core.table_analysis WHERE commit_id = $1 AND table_key = $2
	`, commitID, tableKey).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, werrors.NotFoundErrorf("analysis for %s/%s not found", commitID, tableKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis for %s/%s: %w", commitID, tableKey, err)
	}
	return raw, nil
}
