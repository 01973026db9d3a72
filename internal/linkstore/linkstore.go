// Package linkstore persists dataset files behind opaque link IDs so a saved
// analysis can rebuild its inputs later.
package linkstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Drivers.
const (
	DriverFS     = "fs"
	DriverMemory = "memory"
	DriverS3     = "s3"
)

// ErrNotFound is returned when a link does not resolve.
var ErrNotFound = errors.New("link not found")

// Store creates and resolves links.
type Store interface {
	// CreateLink stores the file at path and returns its link ID.
	CreateLink(ctx context.Context, format, path string) (string, error)
	// ResolveLink returns the bytes behind a link ID.
	ResolveLink(ctx context.Context, id string) ([]byte, error)
	Driver() string
}

// Config selects and configures a backend.
type Config struct {
	Driver string
	Root   string
	S3     S3Config
}

// Open creates the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverMemory:
		return NewMemory(), nil
	case DriverFS:
		return NewFS(cfg.Root)
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	}
	return nil, fmt.Errorf("unknown link driver %q", cfg.Driver)
}

// newID builds "<format>/<uuid>/<basename>". The basename is kept so a
// resolved file can be written back under its original name.
func newID(format, file string) string {
	return strings.ToLower(format) + "/" + uuid.NewString() + "/" + path.Base(file)
}

// BaseName returns the file name recorded in a link ID.
func BaseName(id string) string { return path.Base(id) }

func validID(id string) bool {
	parts := strings.Split(id, "/")
	if len(parts) != 3 {
		return false
	}
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return false
		}
	}
	_, err := uuid.Parse(parts[1])
	return err == nil
}

func readFile(p string) ([]byte, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return b, nil
}
