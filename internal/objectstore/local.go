package objectstore

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Local stores blobs under a base directory. Writes go through a
// temp-file rename so readers never observe partial objects.
type Local struct {
	base string
}

// NewLocal creates a local filesystem backend rooted at base.
func NewLocal(base string) *Local {
	return &Local{base: base}
}

func (l *Local) Scheme() string { return "file" }

func (l *Local) abs(path string) string {
	return filepath.Join(l.base, filepath.FromSlash(path))
}

func (l *Local) WriteStream(ctx context.Context, path string, r io.Reader) error {
	target := l.abs(path)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", path, err)
	}
	return nil
}

func (l *Local) ReadStream(ctx context.Context, path string) (io.ReadCloser, error) {
	f, err := os.Open(l.abs(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return f, nil
}

func (l *Local) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(l.abs(path))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return true, nil
}

func (l *Local) Delete(ctx context.Context, path string) error {
	if err := os.Remove(l.abs(path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

func (l *Local) List(ctx context.Context, prefix string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(l.base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(l.base, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			paths = append(paths, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list prefix %s: %w", prefix, err)
	}
	return paths, nil
}

func (l *Local) Info(ctx context.Context, path string) (ObjectInfo, error) {
	st, err := os.Stat(l.abs(path))
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return ObjectInfo{Path: path, Size: st.Size(), ModTime: st.ModTime()}, nil
}
