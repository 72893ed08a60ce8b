package bucket

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DirBucket stores blobs as files under a base directory, mapping key slashes
// to directories. It backs locally mounted stores (network shares, folders
// mirrored by a drive client) and tests.
type DirBucket struct {
	baseDir string
}

// NewDirBucket creates a DirBucket rooted at baseDir, creating it if needed.
func NewDirBucket(baseDir string) (*DirBucket, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bucket directory: %w", err)
	}
	return &DirBucket{baseDir: baseDir}, nil
}

func (b *DirBucket) path(key string) string {
	return filepath.Join(b.baseDir, filepath.FromSlash(key))
}

// Write implements Bucket. The blob is written to a temp file and renamed so
// readers never observe partial content.
func (b *DirBucket) Write(ctx context.Context, key string, data []byte) error {
	path := b.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to commit %s: %w", key, err)
	}
	return nil
}

// Read implements Bucket.
func (b *DirBucket) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// ReadRange implements Bucket.
func (b *DirBucket) ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	f, err := os.Open(b.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	defer f.Close()

	if length < 0 {
		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", key, err)
		}
		length = info.Size() - offset
	}
	if length <= 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && n == 0 {
		return nil, fmt.Errorf("failed to read range of %s: %w", key, err)
	}
	return buf[:n], nil
}

// List implements Bucket.
func (b *DirBucket) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(b.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(b.baseDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete implements Bucket.
func (b *DirBucket) Delete(ctx context.Context, key string) error {
	if err := os.Remove(b.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Exists implements Bucket.
func (b *DirBucket) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(b.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return true, nil
}

// GrantAccess implements Bucket. Directory buckets rely on filesystem
// permissions; sharing is managed by whatever mounts the directory.
func (b *DirBucket) GrantAccess(ctx context.Context, deviceID string) error {
	return nil
}

// RevokeAccess implements Bucket.
func (b *DirBucket) RevokeAccess(ctx context.Context, deviceID string) error {
	return nil
}
