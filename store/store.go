// Package store holds versioned JSON documents addressed by slash-separated
// paths. Every successful write stamps a new version; conditional writes
// compare the caller's expected version against the stored one atomically.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound      = errors.New("store: record not found")
	ErrAlreadyExists = errors.New("store: record already exists")
	ErrConflict      = errors.New("store: version mismatch")
)

// ConflictError reports a failed precondition along with the version that is
// actually stored, so callers can surface it to clients.
type ConflictError struct {
	Path     string
	Expected time.Time
	Current  time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("store: version mismatch on %s (expected %s, current %s)",
		e.Path, e.Expected.Format(time.RFC3339Nano), e.Current.Format(time.RFC3339Nano))
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

type Record struct {
	Path    string
	Version time.Time
	Data    []byte
}

// Mutator receives the stored bytes (nil on create) and the version the write
// will be stamped with, and returns the new document.
type Mutator func(current []byte, version time.Time) ([]byte, error)

type Store interface {
	Get(ctx context.Context, path string) (Record, error)
	// Create fails with ErrAlreadyExists when path is occupied.
	Create(ctx context.Context, path string, mutate Mutator) (Record, error)
	// Update applies mutate to the stored document. A nil expected skips the
	// version check; otherwise a mismatch returns *ConflictError and nothing
	// is written.
	Update(ctx context.Context, path string, expected *time.Time, mutate Mutator) (Record, error)
	// Delete is idempotent.
	Delete(ctx context.Context, path string) error
	// List returns the direct children of prefix.
	List(ctx context.Context, prefix string) ([]Record, error)
}

// nextVersion is strictly after prev even when the clock has not advanced.
func nextVersion(prev, now time.Time) time.Time {
	now = time.Unix(0, now.UnixNano()).UTC()
	if !prev.IsZero() && !now.After(prev) {
		return time.Unix(0, prev.UnixNano()+1).UTC()
	}
	return now
}

func versionFromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func sameVersion(a, b time.Time) bool {
	return a.UnixNano() == b.UnixNano()
}

func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

func splitParent(path string) (parent, name string) {
	path = strings.Trim(path, "/")
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}

func validatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("store: empty path")
	}
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		if seg == "" {
			return fmt.Errorf("store: empty segment in %q", path)
		}
	}
	return nil
}
