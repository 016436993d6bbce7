package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	werrors "github.com/workbench-io/workbench-go/internal/errors"
	"github.com/workbench-io/workbench-go/internal/models"
	"github.com/workbench-io/workbench-go/internal/objectstore"
)

// memStore mimics the files table, including the unique constraint on
// content_hash.
type memStore struct {
	mu       sync.Mutex
	byHash   map[string]*models.FileArtifact
	hideOnce bool
}

func newMemStore() *memStore {
	return &memStore{byHash: make(map[string]*models.FileArtifact)}
}

func (s *memStore) GetByContentHash(ctx context.Context, hash string) (*models.FileArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hideOnce {
		s.hideOnce = false
		return nil, werrors.NotFoundErrorf("artifact with hash %s not found", hash)
	}
	if a, ok := s.byHash[hash]; ok {
		clone := *a
		return &clone, nil
	}
	return nil, werrors.NotFoundErrorf("artifact with hash %s not found", hash)
}

func (s *memStore) Insert(ctx context.Context, a *models.FileArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[a.ContentHash]; ok {
		return fmt.Errorf("artifact %s: %w", a.ContentHash, ErrDuplicateHash)
	}
	clone := *a
	s.byHash[a.ContentHash] = &clone
	return nil
}

func (s *memStore) IncrementRefCount(ctx context.Context, hash string) (*models.FileArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byHash[hash]
	if !ok {
		return nil, werrors.NotFoundErrorf("artifact with hash %s not found", hash)
	}
	a.ReferenceCount++
	clone := *a
	return &clone, nil
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for hash, a := range s.byHash {
		if a.ID == id {
			delete(s.byHash, hash)
		}
	}
	return nil
}

func TestCreateArtifactValidation(t *testing.T) {
	p := NewProducer(newMemStore(), objectstore.NewMemory())
	ctx := context.Background()

	_, err := p.CreateArtifact(ctx, bytes.NewReader([]byte("x")), "pdf", CreateOptions{})
	require.True(t, werrors.IsKind(err, werrors.KindValidation), "bad file type must be a validation error")

	_, err = p.CreateArtifact(ctx, nil, "csv", CreateOptions{})
	require.True(t, werrors.IsKind(err, werrors.KindValidation), "nil stream must be a validation error")
}

func TestCreateArtifactDeduplicates(t *testing.T) {
	store := newMemStore()
	backend := objectstore.NewMemory()
	p := NewProducer(store, backend)
	ctx := context.Background()
	payload := []byte("col_a,col_b\n1,2\n")

	first, err := p.CreateArtifact(ctx, bytes.NewReader(payload), "csv", CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, first.ReferenceCount)
	require.Equal(t, int64(len(payload)), first.FileSize)

	second, err := p.CreateArtifact(ctx, bytes.NewReader(payload), "csv", CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID, "same content must resolve to the same artifact")
	require.Equal(t, 2, second.ReferenceCount)

	// Exactly one blob in the backend.
	paths, err := backend.List(ctx, "artifacts/")
	require.NoError(t, err)
	require.Len(t, paths, 1)
	require.Equal(t, "artifacts/"+first.ContentHash, paths[0])
}

func TestCreateArtifactInsertRaceRecovered(t *testing.T) {
	store := newMemStore()
	p := NewProducer(store, objectstore.NewMemory())
	ctx := context.Background()
	payload := []byte("hello")

	// Seed the row, then hide it from the next dedupe check so the
	// producer's insert collides the way a concurrent winner would
	// make it collide.
	seeded, err := p.CreateArtifact(ctx, bytes.NewReader(payload), "json", CreateOptions{})
	require.NoError(t, err)
	store.hideOnce = true

	got, err := p.CreateArtifact(ctx, bytes.NewReader(payload), "json", CreateOptions{})
	require.NoError(t, err, "duplicate-hash race must be recovered internally")
	require.Equal(t, seeded.ID, got.ID)
	require.Equal(t, 2, got.ReferenceCount)
}

type failingBackend struct {
	*objectstore.Memory
}

func (f *failingBackend) WriteStream(ctx context.Context, path string, r io.Reader) error {
	return fmt.Errorf("disk full")
}

func TestCreateArtifactUploadFailureCompensates(t *testing.T) {
	store := newMemStore()
	p := NewProducer(store, &failingBackend{objectstore.NewMemory()})
	ctx := context.Background()

	_, err := p.CreateArtifact(ctx, bytes.NewReader([]byte("data")), "csv", CreateOptions{})
	require.True(t, werrors.IsKind(err, werrors.KindStorage), "upload failure must surface as storage error")
	require.Empty(t, store.byHash, "compensating delete must remove the fresh row")
}

func TestCreateArtifactNonSeekableStream(t *testing.T) {
	store := newMemStore()
	backend := objectstore.NewMemory()
	p := NewProducer(store, backend)
	ctx := context.Background()
	payload := []byte("non seekable payload")

	// io.NopCloser over a pipe-like reader without Seek.
	a, err := p.CreateArtifact(ctx, io.MultiReader(bytes.NewReader(payload)), "csv", CreateOptions{})
	require.NoError(t, err)

	rc, err := backend.ReadStream(ctx, a.FilePath)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, payload, got, "spooled stream must upload intact")
}
