// Package storage persists exported photos.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Skryldev/idphoto/core"
	apperrors "github.com/Skryldev/idphoto/errors"
)

const metaSuffix = ".meta.json"

// Local stores exports on the local filesystem.  Bucket maps to a
// subdirectory (the session id) and Path to the file name.
type Local struct {
	rootDir     string
	permissions os.FileMode
}

// NewLocal creates a Local storage adapter rooted at dir.
func NewLocal(dir string, perm os.FileMode) (*Local, error) {
	if perm == 0 {
		perm = 0o644
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "local.new", fmt.Errorf("mkdir %s: %w", dir, err))
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "local.new", err)
	}
	return &Local{rootDir: abs, permissions: perm}, nil
}

// Root returns the absolute export directory.
func (l *Local) Root() string { return l.rootDir }

// absPath resolves key and refuses anything that would land outside the
// root.
func (l *Local) absPath(op string, key core.StorageKey) (string, error) {
	if key.Path == "" {
		return "", apperrors.New(apperrors.CategoryInput, op, errors.New("empty storage path"))
	}
	p := filepath.Join(l.rootDir, key.Bucket, key.Path)
	if !strings.HasPrefix(p, l.rootDir+string(filepath.Separator)) {
		return "", apperrors.New(apperrors.CategoryInput, op, fmt.Errorf("key %s/%s escapes the export root", key.Bucket, key.Path))
	}
	return p, nil
}

// Put writes r to a temporary file and renames it into place, so readers
// never observe a partial export.
func (l *Local) Put(ctx context.Context, key core.StorageKey, r io.Reader, meta map[string]string) error {
	const op = "local.put"
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, op, err)
	}
	path, err := l.absPath(op, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, op+".mkdir", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".export-*")
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, op+".open", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return apperrors.Wrap(apperrors.CategoryStorage, op+".copy", err)
	}
	if err := tmp.Chmod(l.permissions); err != nil {
		tmp.Close()
		return apperrors.Wrap(apperrors.CategoryStorage, op+".chmod", err)
	}
	if err := tmp.Close(); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, op+".close", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, op+".rename", err)
	}

	if len(meta) > 0 {
		b, err := json.Marshal(meta)
		if err == nil {
			err = os.WriteFile(path+metaSuffix, b, l.permissions)
		}
		if err != nil {
			return apperrors.Wrap(apperrors.CategoryStorage, op+".meta", err)
		}
	}
	return nil
}

func (l *Local) Get(ctx context.Context, key core.StorageKey) (io.ReadCloser, error) {
	const op = "local.get"
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, op, err)
	}
	path, err := l.absPath(op, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.New(apperrors.CategoryStorage, op, fmt.Errorf("%w: %s/%s", apperrors.ErrStorageUnavailable, key.Bucket, key.Path))
		}
		return nil, apperrors.Wrap(apperrors.CategoryStorage, op, err)
	}
	return f, nil
}

// Meta returns the side-car metadata written with key, or nil.
func (l *Local) Meta(ctx context.Context, key core.StorageKey) (map[string]string, error) {
	const op = "local.meta"
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, op, err)
	}
	path, err := l.absPath(op, key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(path + metaSuffix)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, op, err)
	}
	var meta map[string]string
	if err := json.Unmarshal(b, &meta); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, op, err)
	}
	return meta, nil
}

func (l *Local) Delete(ctx context.Context, key core.StorageKey) error {
	const op = "local.delete"
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, op, err)
	}
	path, err := l.absPath(op, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperrors.Wrap(apperrors.CategoryStorage, op, err)
	}
	_ = os.Remove(path + metaSuffix)
	return nil
}

func (l *Local) Exists(ctx context.Context, key core.StorageKey) (bool, error) {
	const op = "local.exists"
	if err := ctx.Err(); err != nil {
		return false, apperrors.Wrap(apperrors.CategoryStorage, op, err)
	}
	path, err := l.absPath(op, key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, apperrors.Wrap(apperrors.CategoryStorage, op, err)
}

var _ core.StorageAdapter = (*Local)(nil)
