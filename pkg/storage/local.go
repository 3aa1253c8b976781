package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalBackend stores objects in a directory tree. Keys map directly to
// relative paths under the base directory.
type LocalBackend struct {
	basePath  string
	publicURL string
}

// NewLocalBackend creates a filesystem-backed store rooted at basePath.
// publicURL may be empty; a relative /storage path is served then.
func NewLocalBackend(basePath, publicURL string) (*LocalBackend, error) {
	if basePath == "" {
		return nil, NewStorageError(ErrCodeInvalidRequest, "base path is required", "local", "", nil)
	}
	return &LocalBackend{
		basePath:  basePath,
		publicURL: strings.TrimRight(publicURL, "/"),
	}, nil
}

// Name identifies the backend type
func (b *LocalBackend) Name() string { return "local" }

// Connect creates the base directory if needed
func (b *LocalBackend) Connect(ctx context.Context) error {
	if err := os.MkdirAll(b.basePath, 0755); err != nil {
		return NewStorageError(ErrCodeBackendOffline, "cannot create storage root", b.Name(), "", err)
	}
	return nil
}

func (b *LocalBackend) keyPath(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", NewStorageError(ErrCodeInvalidRequest, "invalid storage key", b.Name(), key, nil)
	}
	return filepath.Join(b.basePath, clean), nil
}

// Put writes the object to a temp file and renames it into place, so a
// crashed upload never leaves a truncated object under the key.
func (b *LocalBackend) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if err := ctx.Err(); err != nil {
		return ClassifyError(err, b.Name(), key)
	}

	dest, err := b.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return NewStorageError(ErrCodeInvalidRequest, "cannot create object directory", b.Name(), key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return NewStorageError(ErrCodeInvalidRequest, "cannot create temp object", b.Name(), key, err)
	}
	tmpName := tmp.Name()

	written, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpName)
		return NewStorageError(ErrCodeInvalidRequest, "write failed", b.Name(), key, err)
	}
	if size >= 0 && written != size {
		os.Remove(tmpName)
		return NewStorageError(ErrCodeInvalidRequest,
			fmt.Sprintf("short write: expected %d bytes, wrote %d", size, written), b.Name(), key, nil)
	}

	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return NewStorageError(ErrCodeInvalidRequest, "rename failed", b.Name(), key, err)
	}
	return nil
}

// Get retrieves an object's bytes
func (b *LocalBackend) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, ClassifyError(err, b.Name(), key)
	}

	path, err := b.keyPath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewNotFoundError(b.Name(), key)
		}
		return nil, NewStorageError(ErrCodeInvalidRequest, "read failed", b.Name(), key, err)
	}
	return data, nil
}

// Has reports whether an object exists under key
func (b *LocalBackend) Has(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, ClassifyError(err, b.Name(), key)
	}

	path, err := b.keyPath(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, NewStorageError(ErrCodeInvalidRequest, "stat failed", b.Name(), key, err)
	}
	return true, nil
}

// Delete removes an object. Deleting a missing key is not an error.
func (b *LocalBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return ClassifyError(err, b.Name(), key)
	}

	path, err := b.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return NewStorageError(ErrCodeInvalidRequest, "delete failed", b.Name(), key, err)
	}
	return nil
}

// PublicURL returns the serving reference for a key
func (b *LocalBackend) PublicURL(key string) string {
	key = strings.TrimLeft(key, "/")
	if b.publicURL == "" {
		return "/storage/" + key
	}
	return b.publicURL + "/" + key
}
