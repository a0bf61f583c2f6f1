package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/testutil"
)

func TestQueueSendReceive(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	client := testutil.NewTestRedis(t)
	ctx := context.Background()

	q := New("sync:queue:test", client)
	require.NoError(t, q.SendEvent(ctx, Event{"event": "claim", "account_id": 1}))
	require.NoError(t, q.SendEvent(ctx, Event{"event": "claim", "account_id": 2}))

	first, err := q.ReceiveEvent(ctx, -1)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "claim", first["event"])
	assert.Equal(t, float64(1), first["account_id"])
	assert.Equal(t, "sync:queue:test", first["queue_name"])

	second, err := q.ReceiveEvent(ctx, -1)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, float64(2), second["account_id"])
}

func TestQueueReceiveEmpty(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	client := testutil.NewTestRedis(t)
	ctx := context.Background()

	q := New("sync:queue:empty", client)

	// Non-blocking pop on an empty queue.
	event, err := q.ReceiveEvent(ctx, -1)
	require.NoError(t, err)
	assert.Nil(t, event)

	// Blocking pop times out.
	start := time.Now()
	event, err = q.ReceiveEvent(ctx, time.Second)
	require.NoError(t, err)
	assert.Nil(t, event)
	assert.GreaterOrEqual(t, time.Since(start), 500*time.Millisecond)
}

func TestGroupReceivesFromAnyQueue(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	client := testutil.NewTestRedis(t)
	ctx := context.Background()

	private := New("sync:private:host-a:0", client)
	zone := New("sync:queue:default", client)
	group := NewGroup(client, private, zone)

	require.NoError(t, zone.SendEvent(ctx, Event{"event": "claim", "account_id": 7}))

	event, err := group.ReceiveEvent(ctx, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "sync:queue:default", event["queue_name"])
	assert.Equal(t, float64(7), event["account_id"])

	// Private queue events win the same way.
	require.NoError(t, private.SendEvent(ctx, Event{"event": "migrate"}))
	event, err = group.ReceiveEvent(ctx, 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, event)
	assert.Equal(t, "sync:private:host-a:0", event["queue_name"])
	assert.Equal(t, "migrate", event["event"])
}
