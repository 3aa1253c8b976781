// Package storage provides the content-store abstraction the sync
// reconciler uploads into. Two backends implement the same contract: a
// local filesystem tree and an S3-compatible object store. The
// reconciler is agnostic to which one is configured.
package storage

import (
	"context"
	"io"
)

// Backend is the capability contract implemented uniformly by all
// content stores.
type Backend interface {
	// Connect verifies the backend is reachable. Failure here is fatal
	// for a sync run; failures of individual calls afterwards are not.
	Connect(ctx context.Context) error

	// Put stores an object under key. Overwrite-safe and idempotent for
	// identical content.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// Get retrieves an object's bytes. Missing keys yield a NotFound
	// StorageError.
	Get(ctx context.Context, key string) ([]byte, error)

	// Has reports whether an object exists under key
	Has(ctx context.Context, key string) (bool, error)

	// Delete removes an object. Used only by out-of-band cleanup, never
	// by normal sync.
	Delete(ctx context.Context, key string) error

	// PublicURL returns the CDN-resolvable reference for a key
	PublicURL(key string) string

	// Name identifies the backend type ("local", "s3")
	Name() string
}
