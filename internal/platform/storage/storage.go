// Package storage defines the blob-storage contracts the SHL engine and
// builder operate over, together with the concrete backends: an in-memory
// store for tests and development, a local-directory store, an S3-compatible
// object store, and a write-only hosted-service store.
//
// Keys are slash-separated and rooted at the SHL id, e.g.
// "{shlId}/manifest.json". Backends may apply an operator-configured key
// prefix uniformly; the prefix never appears in served URLs.
package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested key (or the metadata blob for an
	// UpdateMetadata call) does not exist.
	ErrNotFound = errors.New("storage: key not found")

	// ErrContention indicates an UpdateMetadata call exhausted its
	// conditional-write retries against a backend with optimistic
	// concurrency control.
	ErrContention = errors.New("storage: metadata update contention")
)

// OpError wraps a backend failure with the sub-operation and key that
// failed, so callers can classify storage errors without parsing messages.
type OpError struct {
	Op  string // "put", "get", "delete", "update"
	Key string
	Err error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Decision is the outcome of a metadata updater. A non-nil Commit is
// written back atomically; a nil Commit writes nothing and hands Reason
// (opaque to the storage layer) back to the caller.
type Decision struct {
	Commit []byte
	Reason string
}

// MetadataUpdater transforms the current metadata bytes into a Decision.
// Backends with optimistic concurrency re-execute the updater from scratch
// on contention, so it must be a pure function of its input and any state
// captured before the UpdateMetadata call.
type MetadataUpdater func(current []byte) Decision

// Store is the write-only contract the SHL builder needs.
type Store interface {
	// BaseURL returns the fixed HTTPS origin (no trailing slash) under
	// which this store's files are served.
	BaseURL() string

	// Put writes a blob. Repeating a key replaces its content.
	Put(ctx context.Context, key string, data []byte) error

	// DeletePrefix removes every key beginning with prefix. A missing
	// prefix is not an error.
	DeletePrefix(ctx context.Context, prefix string) error
}

// ServerStore extends Store with the read and atomic-update operations the
// access-control engine needs.
type ServerStore interface {
	Store

	// Get returns the blob at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// UpdateMetadata runs an atomic read-modify-write on the metadata
	// blob for shlID. Atomicity holds with respect to concurrent calls
	// for the same shlID; distinct ids are independent. Returns
	// ErrNotFound when the metadata blob does not exist.
	UpdateMetadata(ctx context.Context, shlID string, fn MetadataUpdater) (Decision, error)
}

// MetadataKey returns the storage key of the private metadata blob.
func MetadataKey(shlID string) string {
	return shlID + "/metadata.json"
}
