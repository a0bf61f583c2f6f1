package scheduler

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/queue"
)

func TestEventAccountID(t *testing.T) {
	// Events round-tripped through Redis decode numbers as float64.
	var event queue.Event
	require.NoError(t, json.Unmarshal([]byte(`{"event": "claim", "account_id": 42}`), &event))

	id, ok := eventAccountID(event)
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)

	_, ok = eventAccountID(queue.Event{"event": "claim"})
	assert.False(t, ok)

	_, ok = eventAccountID(queue.Event{"account_id": "42"})
	assert.False(t, ok)
}

func TestStartingLoadCountsOnlyRecentStarts(t *testing.T) {
	s := &Scheduler{startedAt: map[int64]time.Time{
		1: time.Now(),
		2: time.Now().Add(-startingWindow / 2),
		3: time.Now().Add(-2 * startingWindow),
	}}

	assert.Equal(t, 2, s.startingLoadLocked())
}
