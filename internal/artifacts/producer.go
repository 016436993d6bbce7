package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"

	werrors "github.com/workbench-io/workbench-go/internal/errors"
	"github.com/workbench-io/workbench-go/internal/models"
	"github.com/workbench-io/workbench-go/internal/objectstore"
)

// hashChunkSize is the read size used while draining the stream.
const hashChunkSize = 8 * 1024

// acceptedFileTypes is the closed set CreateArtifact validates against.
var acceptedFileTypes = map[string]bool{
	"parquet": true,
	"csv":     true,
	"json":    true,
	"avro":    true,
	"orc":     true,
}

// ErrDuplicateHash signals a unique-constraint race on content_hash.
// FileStore implementations surface it so the producer can recover via
// the increment path; callers of the producer never see it.
var ErrDuplicateHash = werrors.ConcurrencyError("artifact with this content hash already exists")

// FileStore is the persistence surface the producer needs.
type FileStore interface {
	GetByContentHash(ctx context.Context, hash string) (*models.FileArtifact, error)
	Insert(ctx context.Context, artifact *models.FileArtifact) error
	IncrementRefCount(ctx context.Context, hash string) (*models.FileArtifact, error)
	Delete(ctx context.Context, id string) error
}

// CreateOptions carries the optional artifact attributes.
type CreateOptions struct {
	MimeType    *string
	Compression *string
	Metadata    map[string]interface{}
}

// Producer ingests byte streams into deduplicated artifacts. Across
// concurrent producers at most one physical copy per distinct content
// exists; a failed upload compensates by deleting the fresh row.
type Producer struct {
	store   FileStore
	backend objectstore.Backend
	logger  *slog.Logger
}

// NewProducer builds an artifact producer.
func NewProducer(store FileStore, backend objectstore.Backend) *Producer {
	return &Producer{
		store:   store,
		backend: backend,
		logger:  slog.Default().With("component", "artifacts"),
	}
}

// CreateArtifact hashes the stream, deduplicates against files by
// content hash, and uploads new content to the backend.
func (p *Producer) CreateArtifact(ctx context.Context, stream io.Reader, fileType string, opts CreateOptions) (*models.FileArtifact, error) {
	if !acceptedFileTypes[fileType] {
		return nil, werrors.ValidationErrorf("invalid file type %q", fileType)
	}
	if stream == nil {
		return nil, werrors.ErrInvalidStream
	}

	hash, size, replay, cleanup, err := p.drainAndHash(stream)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	// Dedupe check before inserting.
	if _, err := p.store.GetByContentHash(ctx, hash); err == nil {
		return p.store.IncrementRefCount(ctx, hash)
	} else if !werrors.IsKind(err, werrors.KindNotFound) {
		return nil, err
	}

	metadata := opts.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metaRaw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode artifact metadata: %w", err)
	}

	artifact := &models.FileArtifact{
		ID:              uuid.NewString(),
		ContentHash:     hash,
		FileType:        fileType,
		MimeType:        opts.MimeType,
		FilePath:        "artifacts/" + hash,
		FileSize:        size,
		ReferenceCount:  1,
		CompressionType: opts.Compression,
		Metadata:        metaRaw,
		StorageType:     p.backend.Scheme(),
	}

	if err := p.store.Insert(ctx, artifact); err != nil {
		if werrors.IsKind(err, werrors.KindConcurrency) {
			// Lost the insert race; the winner owns the upload.
			return p.store.IncrementRefCount(ctx, hash)
		}
		return nil, err
	}

	if err := p.backend.WriteStream(ctx, artifact.FilePath, replay); err != nil {
		// Compensating delete restores the one-copy invariant.
		if delErr := p.store.Delete(ctx, artifact.ID); delErr != nil {
			p.logger.Error("failed to roll back artifact row after upload failure",
				"artifact_id", artifact.ID, "error", delErr)
		}
		return nil, werrors.StorageErrorf(err, "failed to upload artifact %s", hash[:12])
	}

	p.logger.Info("artifact created",
		"artifact_id", artifact.ID,
		"content_hash", hash[:12],
		"size", size,
		"file_type", fileType)
	return artifact, nil
}

// drainAndHash reads the stream in 8 KiB chunks updating the hasher
// and size counter, then hands back a replayable reader. Seekable
// streams rewind in place; everything else spools to a temp file.
func (p *Producer) drainAndHash(stream io.Reader) (hash string, size int64, replay io.Reader, cleanup func(), err error) {
	hasher := sha256.New()
	cleanup = func() {}

	if seeker, ok := stream.(io.ReadSeeker); ok {
		buf := make([]byte, hashChunkSize)
		size, err = io.CopyBuffer(hasher, seeker, buf)
		if err != nil {
			return "", 0, nil, cleanup, werrors.Wrap(err, werrors.KindValidation, werrors.SeverityHigh, "failed to read stream")
		}
		if _, err = seeker.Seek(0, io.SeekStart); err != nil {
			return "", 0, nil, cleanup, fmt.Errorf("failed to rewind stream: %w", err)
		}
		return hex.EncodeToString(hasher.Sum(nil)), size, seeker, cleanup, nil
	}

	spool, err := os.CreateTemp("", "artifact-spool-*")
	if err != nil {
		return "", 0, nil, cleanup, fmt.Errorf("failed to create spool file: %w", err)
	}
	cleanup = func() {
		spool.Close()
		os.Remove(spool.Name())
	}

	buf := make([]byte, hashChunkSize)
	size, err = io.CopyBuffer(io.MultiWriter(hasher, spool), stream, buf)
	if err != nil {
		return "", 0, nil, cleanup, werrors.Wrap(err, werrors.KindValidation, werrors.SeverityHigh, "failed to read stream")
	}
	if _, err = spool.Seek(0, io.SeekStart); err != nil {
		return "", 0, nil, cleanup, fmt.Errorf("failed to rewind spool: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), size, spool, cleanup, nil
}
