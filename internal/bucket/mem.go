package bucket

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemBucket is an in-memory Bucket used by tests and by the convergence
// scenarios in this repo's test suite. It is safe for concurrent use.
type MemBucket struct {
	mu    sync.RWMutex
	blobs map[string][]byte

	// FailWrites makes every Write return an error while set, simulating an
	// unreachable store.
	FailWrites bool
	failErr    error
}

// NewMemBucket creates an empty MemBucket.
func NewMemBucket() *MemBucket {
	return &MemBucket{blobs: make(map[string][]byte)}
}

// SetFailWrites toggles simulated write failures.
func (b *MemBucket) SetFailWrites(fail bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.FailWrites = fail
	b.failErr = err
}

// Write implements Bucket.
func (b *MemBucket) Write(ctx context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.FailWrites {
		return b.failErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	b.blobs[key] = cp
	return nil
}

// Read implements Bucket.
func (b *MemBucket) Read(ctx context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

// ReadRange implements Bucket.
func (b *MemBucket) ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	data, err := b.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	if offset >= int64(len(data)) {
		return nil, nil
	}
	end := int64(len(data))
	if length >= 0 && offset+length < end {
		end = offset + length
	}
	return data[offset:end], nil
}

// List implements Bucket.
func (b *MemBucket) List(ctx context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var keys []string
	for k := range b.blobs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete implements Bucket.
func (b *MemBucket) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.blobs, key)
	return nil
}

// Exists implements Bucket.
func (b *MemBucket) Exists(ctx context.Context, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.blobs[key]
	return ok, nil
}

// GrantAccess implements Bucket.
func (b *MemBucket) GrantAccess(ctx context.Context, deviceID string) error {
	return nil
}

// RevokeAccess implements Bucket.
func (b *MemBucket) RevokeAccess(ctx context.Context, deviceID string) error {
	return nil
}
