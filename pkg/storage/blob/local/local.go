// Package local implements blob.Store on the local filesystem. Object names
// map to paths under a base directory, with slashes becoming nested
// directories. Suitable for single-machine play and tests.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/vandermeer/talespinner/pkg/storage/blob"
)

// Store is a filesystem-backed blob.Store rooted at a base directory.
type Store struct {
	base string
}

var _ blob.Store = (*Store)(nil)

// New creates the base directory if needed and returns a Store rooted there.
func New(base string) (*Store, error) {
	if base == "" {
		return nil, errors.New("local: base directory must not be empty")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("local: create base dir %q: %w", base, err)
	}
	return &Store{base: base}, nil
}

// path converts an object name to a filesystem path, rejecting names that
// would escape the base directory.
func (s *Store) path(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("local: invalid object name %q", name)
	}
	return filepath.Join(s.base, clean), nil
}

func (s *Store) PutJSON(_ context.Context, name string, v any) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("local: marshal %q: %w", name, err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("local: create dirs for %q: %w", name, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("local: write %q: %w", name, err)
	}
	return nil
}

func (s *Store) GetJSON(_ context.Context, name string, v any) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return blob.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("local: read %q: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("local: unmarshal %q: %w", name, err)
	}
	return nil
}

func (s *Store) Delete(_ context.Context, name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("local: delete %q: %w", name, err)
	}
	return nil
}

func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(s.base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.base, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("local: list %q: %w", prefix, err)
	}
	return out, nil
}

func (s *Store) Exists(_ context.Context, name string) (bool, error) {
	p, err := s.path(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("local: stat %q: %w", name, err)
	}
	return true, nil
}
