// Package bucket abstracts the shared blob store that devices sync through.
// All blobs are opaque (encrypted) to the bucket; implementations only move
// bytes under the agreed key scheme.
package bucket

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist in the bucket.
var ErrNotFound = errors.New("bucket: key not found")

// Bucket is the capability set implemented by every blob-store backend.
// Cloud-provider adapters (S3-compatible services, consumer drives) implement
// the same interface out of tree; this repo carries the local-directory and
// in-memory variants.
type Bucket interface {
	// Write stores data under key, overwriting any existing blob.
	Write(ctx context.Context, key string, data []byte) error

	// Read returns the full blob stored under key, or ErrNotFound.
	Read(ctx context.Context, key string) ([]byte, error)

	// ReadRange returns length bytes of the blob starting at offset. A
	// negative length reads to the end.
	ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error)

	// List returns all keys with the given prefix, in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes a blob. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether a blob is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// GrantAccess shares the bucket with another device's credentials.
	GrantAccess(ctx context.Context, deviceID string) error

	// RevokeAccess removes a device's access.
	RevokeAccess(ctx context.Context, deviceID string) error
}
