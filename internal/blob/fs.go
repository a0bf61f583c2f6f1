package blob

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

// FSStore stores blobs on a local filesystem, sharded by the first six hex
// characters of the key into six nested directories so no single directory
// grows unbounded.
type FSStore struct {
	root     string
	compress bool
	// verify re-hashes blobs on read and rejects mismatches. Off by default
	// since it doubles CPU on the hot download path.
	verify bool
}

// NewFSStore creates a filesystem-backed store rooted at root.
func NewFSStore(root string, compress bool) *FSStore {
	return &FSStore{root: root, compress: compress}
}

// NewVerifyingFSStore is NewFSStore with read-time hash verification enabled.
func NewVerifyingFSStore(root string, compress bool) *FSStore {
	return &FSStore{root: root, compress: compress, verify: true}
}

// path returns the sharded on-disk path for a key, e.g.
// root/ab/cd/ef/01/23/45/<key>.
func (s *FSStore) path(key string) string {
	parts := make([]string, 0, 8)
	parts = append(parts, s.root)
	for i := 0; i < 12; i += 2 {
		parts = append(parts, key[i:i+2])
	}
	parts = append(parts, key)
	return filepath.Join(parts...)
}

// Save writes data under key. Zero-length input is a no-op with a warning;
// saving an existing key is a no-op.
func (s *FSStore) Save(ctx context.Context, key string, data []byte) error {
	if len(data) == 0 {
		log.Printf("blob: ignoring zero-length save for key %s", key)
		return nil
	}
	if !ValidKey(key) {
		return fmt.Errorf("invalid blob key %q", key)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	target := s.path(key)
	if _, err := os.Stat(target); err == nil {
		return nil
	}

	stored := data
	if s.compress {
		compressed, err := maybeCompress(data)
		if err != nil {
			return err
		}
		stored = compressed
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}

	// Write to a temp file and rename so readers never see partial blobs.
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+key+".tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp blob file: %w", err)
	}
	if _, err := tmp.Write(stored); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close blob file: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to rename blob file: %w", err)
	}

	return nil
}

// Get returns the uncompressed payload for key, or (nil, nil) on a miss.
func (s *FSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if !ValidKey(key) {
		return nil, fmt.Errorf("invalid blob key %q", key)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stored, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}

	data := stored
	if isCompressed(stored) {
		data, err = decompress(stored)
		if err != nil {
			return nil, err
		}
	}

	if s.verify && Key(data) != key {
		return nil, fmt.Errorf("blob %s failed hash verification", key)
	}

	return data, nil
}

// Delete removes the blob for key. Missing blobs are not an error.
func (s *FSStore) Delete(ctx context.Context, key string) error {
	if !ValidKey(key) {
		return fmt.Errorf("invalid blob key %q", key)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// DeleteMany removes a set of blobs, continuing past individual failures.
func (s *FSStore) DeleteMany(ctx context.Context, keys []string) error {
	var firstErr error
	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			log.Printf("blob: failed to delete %s: %v", key, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Ensure FSStore implements Store.
var _ Store = (*FSStore)(nil)
