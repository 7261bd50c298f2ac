// Package blob defines the object store port: opaque byte storage keyed by
// path-like strings, with optional time-limited URLs. Two backends share the
// contract, a remote S3-compatible store and a local-disk store, and the
// fallback store composes them so ingestion survives remote outages.
package blob

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get when the key has no stored blob.
var ErrNotFound = errors.New("blob not found")

// Backend tags a StoragePointer with the store that holds the bytes.
type Backend string

// Known backends.
const (
	BackendS3    Backend = "s3"
	BackendLocal Backend = "local"
)

// Method selects the HTTP verb a signed URL authorizes.
type Method string

// Signed URL methods.
const (
	MethodGet Method = "GET"
	MethodPut Method = "PUT"
)

type (
	// StoragePointer locates a stored blob: which backend holds it and
	// under which key. Pointers are persisted alongside the rows that
	// reference the blob.
	StoragePointer struct {
		Backend Backend `json:"backend" bson:"backend"`
		Key     string  `json:"key" bson:"key"`
	}

	// Store is the single-backend contract. Put overwrites, Delete of an
	// absent key succeeds, and SignedURL yields a URL usable by an
	// unauthenticated client until the TTL elapses.
	Store interface {
		Backend() Backend
		Put(ctx context.Context, key string, data []byte, mediaType string) (StoragePointer, error)
		Get(ctx context.Context, key string) ([]byte, error)
		// Delete removes the blob and reports whether it existed.
		Delete(ctx context.Context, key string) (bool, error)
		SignedURL(ctx context.Context, key string, ttl time.Duration, method Method) (string, error)
	}
)

// FallbackStore writes to the remote backend first and falls back to the
// local backend when the remote write fails. Reads, deletes and signed URLs
// dispatch on the pointer's backend tag.
type FallbackStore struct {
	remote Store
	local  Store
}

// NewFallback composes a remote and a local store. Remote may be nil when no
// remote backend is configured; every write then lands on local.
func NewFallback(remote, local Store) (*FallbackStore, error) {
	if local == nil {
		return nil, errors.New("local store is required")
	}
	return &FallbackStore{remote: remote, local: local}, nil
}

// Put stores the blob, preferring the remote backend. The returned pointer
// records where the bytes actually landed. An error means neither backend
// accepted the write and no row may reference the key.
func (f *FallbackStore) Put(ctx context.Context, key string, data []byte, mediaType string) (StoragePointer, error) {
	var remoteErr error
	if f.remote != nil {
		ptr, err := f.remote.Put(ctx, key, data, mediaType)
		if err == nil {
			return ptr, nil
		}
		remoteErr = err
	}
	ptr, err := f.local.Put(ctx, key, data, mediaType)
	if err != nil {
		if remoteErr != nil {
			return StoragePointer{}, fmt.Errorf("put %s: remote failed (%v), local failed: %w", key, remoteErr, err)
		}
		return StoragePointer{}, fmt.Errorf("put %s: %w", key, err)
	}
	return ptr, nil
}

// Get fetches the bytes from the backend named by the pointer.
func (f *FallbackStore) Get(ctx context.Context, ptr StoragePointer) ([]byte, error) {
	store, err := f.dispatch(ptr)
	if err != nil {
		return nil, err
	}
	return store.Get(ctx, ptr.Key)
}

// Delete removes the blob named by the pointer and reports whether it
// existed.
func (f *FallbackStore) Delete(ctx context.Context, ptr StoragePointer) (bool, error) {
	store, err := f.dispatch(ptr)
	if err != nil {
		return false, err
	}
	return store.Delete(ctx, ptr.Key)
}

// SignedURL produces a time-limited URL for the blob named by the pointer.
func (f *FallbackStore) SignedURL(ctx context.Context, ptr StoragePointer, ttl time.Duration, method Method) (string, error) {
	store, err := f.dispatch(ptr)
	if err != nil {
		return "", err
	}
	return store.SignedURL(ctx, ptr.Key, ttl, method)
}

func (f *FallbackStore) dispatch(ptr StoragePointer) (Store, error) {
	switch ptr.Backend {
	case BackendLocal:
		return f.local, nil
	case BackendS3:
		if f.remote == nil {
			return nil, fmt.Errorf("blob %s: remote backend not configured", ptr.Key)
		}
		return f.remote, nil
	default:
		return nil, fmt.Errorf("blob %s: unknown backend %q", ptr.Key, ptr.Backend)
	}
}
