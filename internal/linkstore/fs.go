package linkstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FS keeps linked files under a root directory.
type FS struct {
	root string
}

// NewFS creates the root directory if needed.
func NewFS(root string) (*FS, error) {
	if root == "" {
		return nil, errors.New("fs link store needs a root directory")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create link root: %w", err)
	}
	return &FS{root: root}, nil
}

func (s *FS) Driver() string { return DriverFS }

func (s *FS) CreateLink(ctx context.Context, format, path string) (string, error) {
	b, err := readFile(path)
	if err != nil {
		return "", err
	}
	id := newID(format, path)
	dst := filepath.Join(s.root, filepath.FromSlash(id))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(dst, b, 0o644); err != nil {
		return "", fmt.Errorf("failed to store link: %w", err)
	}
	return id, nil
}

func (s *FS) ResolveLink(ctx context.Context, id string) ([]byte, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	b, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(id)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return b, err
}
