package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory keeps blobs in process memory keyed by synthetic memory://
// paths. Used by tests and ephemeral deployments.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
	mtimes  map[string]time.Time
}

// NewMemory creates an in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		objects: make(map[string][]byte),
		mtimes:  make(map[string]time.Time),
	}
}

func (m *Memory) Scheme() string { return "memory" }

func (m *Memory) WriteStream(ctx context.Context, path string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read stream for %s: %w", path, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = data
	m.mtimes[path] = time.Now()
	return nil
}

func (m *Memory) ReadStream(ctx context.Context, path string) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.objects[path]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("object %s not found", path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Exists(ctx context.Context, path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[path]
	return ok, nil
}

func (m *Memory) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, path)
	delete(m.mtimes, path)
	return nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var paths []string
	for p := range m.objects {
		if strings.HasPrefix(p, prefix) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (m *Memory) Info(ctx context.Context, path string) (ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[path]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("object %s not found", path)
	}
	return ObjectInfo{Path: path, Size: int64(len(data)), ModTime: m.mtimes[path]}, nil
}
