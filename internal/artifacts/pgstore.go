package artifacts

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	werrors "github.com/workbench-io/workbench-go/internal/errors"
	"github.com/workbench-io/workbench-go/internal/models"
)

// uniqueViolation is the postgres SQLSTATE for a unique constraint hit.
const uniqueViolation = "23505"

// PGStore is the files-table implementation over postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore builds the postgres file store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) GetByContentHash(ctx context.Context, hash string) (*models.FileArtifact, error) {
	var a models.FileArtifact
	err := s.pool.QueryRow(ctx, `
		SELECT id, content_hash, file_type, mime_type, file_path, file_size,
		       reference_count, compression_type, metadata, storage_type
		FROM core.files WHERE content_hash = $1
	`, hash).Scan(&a.ID, &a.ContentHash, &a.FileType, &a.MimeType, &a.FilePath,
		&a.FileSize, &a.ReferenceCount, &a.CompressionType, &a.Metadata, &a.StorageType)
	if err == pgx.ErrNoRows {
		return nil, werrors.NotFoundErrorf("artifact with hash %s not found", hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up artifact by hash: %w", err)
	}
	return &a, nil
}

func (s *PGStore) Insert(ctx context.Context, a *models.FileArtifact) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO core.files
			(id, content_hash, file_type, mime_type, file_path, file_size,
			 reference_count, compression_type, metadata, storage_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, a.ID, a.ContentHash, a.FileType, a.MimeType, a.FilePath, a.FileSize,
		a.ReferenceCount, a.CompressionType, []byte(a.Metadata), a.StorageType)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("artifact %s: %w", a.ContentHash, ErrDuplicateHash)
		}
		return fmt.Errorf("failed to insert artifact: %w", err)
	}
	return nil
}

func (s *PGStore) IncrementRefCount(ctx context.Context, hash string) (*models.FileArtifact, error) {
	var a models.FileArtifact
	err := s.pool.QueryRow(ctx, `
		UPDATE core.files SET reference_count = reference_count + 1
		WHERE content_hash = $1
		RETURNING id, content_hash, file_type, mime_type, file_path, file_size,
		          reference_count, compression_type, metadata, storage_type
	`, hash).Scan(&a.ID, &a.ContentHash, &a.FileType, &a.MimeType, &a.FilePath,
		&a.FileSize, &a.ReferenceCount, &a.CompressionType, &a.Metadata, &a.StorageType)
	if err == pgx.ErrNoRows {
		return nil, werrors.NotFoundErrorf("artifact with hash %s not found", hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to increment artifact refcount: %w", err)
	}
	return &a, nil
}

func (s *PGStore) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM core.files WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete artifact %s: %w", id, err)
	}
	return nil
}

// DecrementRefCount releases one reference; rows that reach zero are
// eligible for GC (the GC sweep itself lives elsewhere).
func (s *PGStore) DecrementRefCount(ctx context.Context, hash string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		UPDATE core.files SET reference_count = GREATEST(reference_count - 1, 0)
		WHERE content_hash = $1
		RETURNING reference_count
	`, hash).Scan(&count)
	if err == pgx.ErrNoRows {
		return 0, werrors.NotFoundErrorf("artifact with hash %s not found", hash)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to decrement artifact refcount: %w", err)
	}
	return count, nil
}
