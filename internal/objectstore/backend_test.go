package objectstore

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Backend {
	return map[string]Backend{
		"local":  NewLocal(t.TempDir()),
		"memory": NewMemory(),
	}
}

func TestBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			payload := []byte("hello, workbench")
			require.NoError(t, b.WriteStream(ctx, "artifacts/abc123", bytes.NewReader(payload)))

			ok, err := b.Exists(ctx, "artifacts/abc123")
			require.NoError(t, err)
			require.True(t, ok)

			rc, err := b.ReadStream(ctx, "artifacts/abc123")
			require.NoError(t, err)
			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			rc.Close()
			require.Equal(t, payload, got)

			info, err := b.Info(ctx, "artifacts/abc123")
			require.NoError(t, err)
			require.Equal(t, int64(len(payload)), info.Size)
		})
	}
}

func TestBackendListByPrefix(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.WriteStream(ctx, "artifacts/a", bytes.NewReader([]byte("1"))))
			require.NoError(t, b.WriteStream(ctx, "artifacts/b", bytes.NewReader([]byte("2"))))
			require.NoError(t, b.WriteStream(ctx, "datasets/d1/c", bytes.NewReader([]byte("3"))))

			paths, err := b.List(ctx, "artifacts/")
			require.NoError(t, err)
			require.ElementsMatch(t, []string{"artifacts/a", "artifacts/b"}, paths)
		})
	}
}

func TestBackendDelete(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.WriteStream(ctx, "x", bytes.NewReader([]byte("1"))))
			require.NoError(t, b.Delete(ctx, "x"))

			ok, err := b.Exists(ctx, "x")
			require.NoError(t, err)
			require.False(t, ok)

			// Deleting a missing object is not an error.
			require.NoError(t, b.Delete(ctx, "x"))
		})
	}
}

func TestOpenSchemeDispatch(t *testing.T) {
	tests := []struct {
		uri     string
		scheme  string
		wantErr bool
	}{
		{"file:///tmp/objects", "file", false},
		{"memory://", "memory", false},
		{"s3://bucket/prefix", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			b, err := Open(tt.uri)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.scheme, b.Scheme())
		})
	}
}
