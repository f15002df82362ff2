// Package storage reads the image bytes that batches reference.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jbndrf/Tabtin-sub001/internal/common"
)

// BlobStore reads and writes objects by relative path.
type BlobStore interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
}

// FS is a BlobStore rooted at a local directory.
type FS struct {
	root string
}

func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("storage root: %w", err)
	}
	return &FS{root: abs}, nil
}

func (f *FS) Root() string { return f.root }

func (f *FS) Read(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, common.NotFoundf("blob %s", path)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", path, err)
	}
	return b, nil
}

func (f *FS) Write(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := f.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("write blob %s: %w", path, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("write blob %s: %w", path, err)
	}
	return nil
}

// resolve maps a relative path under root and rejects anything that escapes it.
func (f *FS) resolve(path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return "", common.NewAppError("INVALID_INPUT", "empty blob path", common.ErrInvalidInput)
	}
	full := filepath.Join(f.root, filepath.FromSlash(p))
	rel, err := filepath.Rel(f.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", common.NewAppError("INVALID_INPUT", "blob path escapes storage root: "+path, common.ErrInvalidInput)
	}
	return full, nil
}
