package objectstore

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/workbench-io/workbench-go/internal/config"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Backend is a byte-level blob store. Backends never interpret file
// format; paths are forward-slash keys relative to the backend root.
type Backend interface {
	WriteStream(ctx context.Context, path string, r io.Reader) error
	ReadStream(ctx context.Context, path string) (io.ReadCloser, error)
	Exists(ctx context.Context, path string) (bool, error)
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Info(ctx context.Context, path string) (ObjectInfo, error)
	Scheme() string
}

// Open selects a backend by URI scheme: file://<base>, memory://.
func Open(uri string) (Backend, error) {
	switch {
	case strings.HasPrefix(uri, "file://"):
		return NewLocal(strings.TrimPrefix(uri, "file://")), nil
	case strings.HasPrefix(uri, "memory://"):
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported storage scheme in %q", uri)
	}
}

// FromConfig builds the backend named by configuration.
func FromConfig(cfg config.StorageConfig) (Backend, error) {
	switch cfg.Backend {
	case "local", "":
		return NewLocal(cfg.BasePath), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
