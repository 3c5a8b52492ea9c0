// Package local implements the blob store on the local filesystem. Blobs
// live under a single root directory; storage paths map to relative file
// paths beneath it.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"tessera/runtime/fault"
	"tessera/runtime/store"
)

var _ store.BlobStore = (*Store)(nil)

// Store is a filesystem blob store rooted at one directory.
type Store struct {
	root string
}

// New creates the root directory when missing and returns the store.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("local store: root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("local store: create root %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Put(_ context.Context, path string, r io.Reader) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("local store: create dir for %s: %w", path, err)
	}
	// Write to a temp file in the same directory and rename so readers
	// never observe a partial blob.
	tmp, err := os.CreateTemp(filepath.Dir(full), ".blob-*")
	if err != nil {
		return fmt.Errorf("local store: create temp for %s: %w", path, err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("local store: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("local store: close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("local store: finalize %s: %w", path, err)
	}
	return nil
}

func (s *Store) Get(_ context.Context, path string) (io.ReadCloser, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fault.NotFound("blob", path)
		}
		return nil, fmt.Errorf("local store: open %s: %w", path, err)
	}
	return f, nil
}

func (s *Store) Delete(_ context.Context, path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fault.NotFound("blob", path)
		}
		return fmt.Errorf("local store: delete %s: %w", path, err)
	}
	return nil
}

func (s *Store) Exists(_ context.Context, path string) (bool, error) {
	full, err := s.resolve(path)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(full); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("local store: stat %s: %w", path, err)
	}
	return true, nil
}

// resolve maps a storage path to an absolute file path, rejecting paths
// that would escape the root.
func (s *Store) resolve(path string) (string, error) {
	if path == "" {
		return "", fault.Validation("blob path is required")
	}
	clean := filepath.Clean(filepath.FromSlash(path))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fault.Validation("blob path %q escapes the storage root", path)
	}
	return filepath.Join(s.root, clean), nil
}
