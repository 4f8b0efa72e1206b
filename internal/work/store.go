// Package work implements the units that execute dispatched jobs. Each unit
// handles one job kind and reports its output as a result reference into the
// artifact store.
package work

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ResultStore persists job output and returns a reference clients can use to
// fetch it later. References are opaque to the queue; only the store that
// minted one can resolve it.
type ResultStore interface {
	Save(ctx context.Context, name string, r io.Reader) (ref string, err error)
}

// FSStore is a ResultStore backed by a directory on local disk. Artifacts are
// written atomically via a temp file rename so a crashed worker never leaves a
// half-written result behind a valid reference.
type FSStore struct {
	dir string
}

// NewFSStore creates the root directory if needed and returns a store.
func NewFSStore(dir string) (*FSStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("artifact directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

// Save writes the artifact and returns its reference, a path relative to the
// store root.
func (s *FSStore) Save(ctx context.Context, name string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	name = filepath.Clean(name)
	if name == "." || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}

	dst := filepath.Join(s.dir, name)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return "", fmt.Errorf("create artifact subdir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".partial-*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return "", fmt.Errorf("publish artifact: %w", err)
	}

	return name, nil
}

// Open resolves a reference previously returned by Save.
func (s *FSStore) Open(ref string) (io.ReadCloser, error) {
	ref = filepath.Clean(ref)
	if ref == "." || strings.HasPrefix(ref, "..") || filepath.IsAbs(ref) {
		return nil, fmt.Errorf("invalid artifact reference %q", ref)
	}
	return os.Open(filepath.Join(s.dir, ref))
}
