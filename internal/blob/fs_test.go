package blob

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	ctx := context.Background()

	for _, compress := range []bool{false, true} {
		name := "uncompressed"
		if compress {
			name = "compressed"
		}
		t.Run(name, func(t *testing.T) {
			store := NewVerifyingFSStore(t.TempDir(), compress)

			// Repetitive content so zstd actually shrinks it.
			raw := bytes.Repeat([]byte("From: a@example.com\r\nSubject: hello\r\n\r\nbody body body\r\n"), 50)
			key := Key(raw)

			require.NoError(t, store.Save(ctx, key, raw))

			got, err := store.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, raw, got)
		})
	}
}

func TestSaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewFSStore(t.TempDir(), true)

	raw := []byte("Subject: once\r\n\r\nhi\r\n")
	key := Key(raw)

	require.NoError(t, store.Save(ctx, key, raw))
	require.NoError(t, store.Save(ctx, key, raw))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestZeroLengthSaveIsNoOp(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := NewFSStore(root, true)

	require.NoError(t, store.Save(ctx, Key(nil), nil))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGetMissReturnsNil(t *testing.T) {
	store := NewFSStore(t.TempDir(), false)

	got, err := store.Get(context.Background(), Key([]byte("never saved")))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestIncompressibleDataStoredVerbatim(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := NewFSStore(root, true)

	// Tiny high-entropy payload; zstd framing overhead exceeds any gain.
	raw := []byte{0x8f, 0x12, 0xa9, 0x03, 0xde, 0x5c, 0x77, 0x01}
	key := Key(raw)

	require.NoError(t, store.Save(ctx, key, raw))

	stored, err := os.ReadFile(store.path(key))
	require.NoError(t, err)
	assert.Equal(t, raw, stored)
	assert.False(t, isCompressed(stored))
}

func TestCompressedFormDetectedByMagic(t *testing.T) {
	ctx := context.Background()
	store := NewFSStore(t.TempDir(), true)

	raw := bytes.Repeat([]byte("abcdefgh"), 1000)
	key := Key(raw)

	require.NoError(t, store.Save(ctx, key, raw))

	stored, err := os.ReadFile(store.path(key))
	require.NoError(t, err)
	assert.True(t, isCompressed(stored))
	assert.Less(t, len(stored), len(raw))
}

func TestShardedLayout(t *testing.T) {
	store := NewFSStore("/data", false)

	key := "abcdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789"
	want := filepath.Join("/data", "ab", "cd", "ef", "01", "23", "45", key)
	assert.Equal(t, want, store.path(key))
}

func TestDeleteMany(t *testing.T) {
	ctx := context.Background()
	store := NewFSStore(t.TempDir(), false)

	var keys []string
	for _, body := range []string{"one", "two", "three"} {
		raw := []byte(body)
		key := Key(raw)
		require.NoError(t, store.Save(ctx, key, raw))
		keys = append(keys, key)
	}

	require.NoError(t, store.DeleteMany(ctx, keys))

	for _, key := range keys {
		got, err := store.Get(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, got)
	}
}

func TestValidKey(t *testing.T) {
	assert.True(t, ValidKey(Key([]byte("x"))))
	assert.False(t, ValidKey("ABCDEF"))
	assert.False(t, ValidKey("zz"))
}
