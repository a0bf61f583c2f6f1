package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSyncbackAssignments(t *testing.T) {
	t.Run("empty value defaults to a single shard", func(t *testing.T) {
		assignments, err := parseSyncbackAssignments("")
		require.NoError(t, err)
		assert.Equal(t, map[int][]int{0: {0}}, assignments)
	})

	t.Run("parses JSON map keyed by syncback id", func(t *testing.T) {
		assignments, err := parseSyncbackAssignments(`{"0": [0, 2], "1": [1, 3]}`)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 2}, assignments[0])
		assert.Equal(t, []int{1, 3}, assignments[1])
	})

	t.Run("rejects non-numeric keys", func(t *testing.T) {
		_, err := parseSyncbackAssignments(`{"east": [0]}`)
		assert.Error(t, err)
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		_, err := parseSyncbackAssignments(`{`)
		assert.Error(t, err)
	})
}

func TestConfigDefaults(t *testing.T) {
	t.Setenv("MAILSYNC_ENV", "test")
	t.Setenv("SYNCBACK_ASSIGNMENTS", "")

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, 480, cfg.BaseAliveThreshold)
	assert.Equal(t, 200, cfg.ThrottleCount)
	assert.Equal(t, 60, cfg.ThrottleWait)
	assert.Equal(t, 150, cfg.MaxAccountsPerProcess)
	assert.True(t, cfg.CompressRawMIME)
}

func TestProcessIdentifier(t *testing.T) {
	t.Setenv("MAILSYNC_ENV", "test")
	t.Setenv("MAILSYNC_PROCESS_NUMBER", "3")

	cfg, err := NewConfig()
	require.NoError(t, err)

	id := cfg.ProcessIdentifier()
	assert.Contains(t, id, ":3")
}
