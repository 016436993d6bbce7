package commitstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	werrors "github.com/workbench-io/workbench-go/internal/errors"
	"github.com/workbench-io/workbench-go/internal/models"
)

// GetRef fetches a ref. CommitID is nil on a fresh dataset before the
// initial commit is wired.
func (s *Store) GetRef(ctx context.Context, q Querier, datasetID, name string) (*models.Ref, error) {
	ref := models.Ref{DatasetID: datasetID, Name: name}
	err := q.QueryRow(ctx, `
		SELECT commit_id FROM core.refs WHERE dataset_id = $1 AND name = $2
	`, datasetID, name).Scan(&ref.CommitID)
	if err == pgx.ErrNoRows {
		return nil, werrors.NotFoundErrorf("ref %s not found in dataset %s", name, datasetID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ref %s: %w", name, err)
	}
	return &ref, nil
}

// ResolveRef returns the commit a ref points at, rejecting unset refs.
func (s *Store) ResolveRef(ctx context.Context, q Querier, datasetID, name string) (string, error) {
	ref, err := s.GetRef(ctx, q, datasetID, name)
	if err != nil {
		return "", err
	}
	if ref.CommitID == nil {
		return "", werrors.NotFoundErrorf("ref %s has no commit yet", name)
	}
	return *ref.CommitID, nil
}

// UpdateRef moves a ref unconditionally (last write wins).
func (s *Store) UpdateRef(ctx context.Context, q Querier, datasetID, name, commitID string) error {
	tag, err := q.Exec(ctx, `
		UPDATE core.refs SET commit_id = $3 WHERE dataset_id = $1 AND name = $2
	`, datasetID, name, commitID)
	if err != nil {
		return fmt.Errorf("failed to update ref %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return werrors.NotFoundErrorf("ref %s not found in dataset %s", name, datasetID)
	}
	return nil
}

// UpdateRefOptimistic moves a ref only if it still points at the
// expected head. Zero affected rows surfaces ErrConcurrentRefUpdate so
// the caller can retry with a refreshed head.
func (s *Store) UpdateRefOptimistic(ctx context.Context, q Querier, datasetID, name, newCommitID, expectedCommitID string) error {
	tag, err := q.Exec(ctx, `
		UPDATE core.refs SET commit_id = $3
		WHERE dataset_id = $1 AND name = $2 AND commit_id = $4
	`, datasetID, name, newCommitID, expectedCommitID)
	if err != nil {
		return fmt.Errorf("failed to update ref %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ref %s in dataset %s: %w", name, datasetID, werrors.ErrConcurrentRefUpdate)
	}
	return nil
}

// UpsertBranch creates a branch or fast-forwards an existing one.
func (s *Store) UpsertBranch(ctx context.Context, q Querier, datasetID, name, commitID string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO core.refs (dataset_id, name, commit_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (dataset_id, name) DO UPDATE SET commit_id = EXCLUDED.commit_id
	`, datasetID, name, commitID)
	if err != nil {
		return fmt.Errorf("failed to upsert branch %s: %w", name, err)
	}
	s.logger.Debug("branch updated",
		"dataset_id", datasetID, "name", name, "commit_id", commitID[:12])
	return nil
}

// ListRefs returns all refs of a dataset.
func (s *Store) ListRefs(ctx context.Context, q Querier, datasetID string) ([]models.Ref, error) {
	rows, err := q.Query(ctx, `
		SELECT name, commit_id FROM core.refs WHERE dataset_id = $1 ORDER BY name
	`, datasetID)
	if err != nil {
		return nil, fmt.Errorf("failed to list refs for dataset %s: %w", datasetID, err)
	}
	defer rows.Close()

	var refs []models.Ref
	for rows.Next() {
		ref := models.Ref{DatasetID: datasetID}
		if err := rows.Scan(&ref.Name, &ref.CommitID); err != nil {
			return nil, fmt.Errorf("failed to scan ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
