// Package blob implements content-addressed storage for raw MIME bodies.
// Keys are the lowercase hex SHA-256 of the uncompressed payload; the stored
// bytes may be the payload verbatim or a Zstandard frame that decompresses
// to it.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/klauspost/compress/zstd"
)

// zstdMagic is the Zstandard frame magic number, 0xFD2FB528 little-endian.
const zstdMagic = 0xFD2FB528

var keyPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Store is a content-addressed object store. Save is idempotent; Get returns
// (nil, nil) on a miss so the caller can re-fetch from the remote provider
// and re-save. Delete and DeleteMany are best-effort.
type Store interface {
	Save(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	DeleteMany(ctx context.Context, keys []string) error
}

// Key computes the store key for a raw payload.
func Key(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ValidKey reports whether key is a well-formed lowercase hex SHA-256.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// isCompressed reports whether the stored bytes begin with the Zstandard
// frame magic.
func isCompressed(data []byte) bool {
	return len(data) >= 4 && binary.LittleEndian.Uint32(data[:4]) == zstdMagic
}

// maybeCompress compresses data, keeping the uncompressed form when
// compression would not shrink it.
func maybeCompress(data []byte) ([]byte, error) {
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer func() { _ = encoder.Close() }()

	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)))
	if len(compressed) >= len(data) {
		return data, nil
	}
	return compressed, nil
}

// decompress inflates a Zstandard frame.
func decompress(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer decoder.Close()

	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress blob: %w", err)
	}
	return raw, nil
}
