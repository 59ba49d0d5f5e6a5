package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps records in process. Used for local runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	Now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		Now:     time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, path string) (Record, error) {
	path = strings.Trim(path, "/")
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[path]
	if !ok {
		return Record{}, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (m *MemoryStore) Create(_ context.Context, path string, mutate Mutator) (Record, error) {
	if err := validatePath(path); err != nil {
		return Record{}, err
	}
	path = strings.Trim(path, "/")
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[path]; ok {
		return Record{}, ErrAlreadyExists
	}
	version := nextVersion(time.Time{}, m.Now())
	data, err := mutate(nil, version)
	if err != nil {
		return Record{}, err
	}
	rec := Record{Path: path, Version: version, Data: append([]byte(nil), data...)}
	m.records[path] = rec
	return copyRecord(rec), nil
}

func (m *MemoryStore) Update(_ context.Context, path string, expected *time.Time, mutate Mutator) (Record, error) {
	path = strings.Trim(path, "/")
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.records[path]
	if !ok {
		return Record{}, ErrNotFound
	}
	if expected != nil && !sameVersion(*expected, current.Version) {
		return Record{}, &ConflictError{Path: path, Expected: *expected, Current: current.Version}
	}
	version := nextVersion(current.Version, m.Now())
	data, err := mutate(append([]byte(nil), current.Data...), version)
	if err != nil {
		return Record{}, err
	}
	rec := Record{Path: path, Version: version, Data: append([]byte(nil), data...)}
	m.records[path] = rec
	return copyRecord(rec), nil
}

func (m *MemoryStore) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, strings.Trim(path, "/"))
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]Record, error) {
	prefix = strings.Trim(prefix, "/")
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0)
	for p, rec := range m.records {
		if parent, _ := splitParent(p); parent == prefix {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func copyRecord(rec Record) Record {
	rec.Data = append([]byte(nil), rec.Data...)
	return rec
}
