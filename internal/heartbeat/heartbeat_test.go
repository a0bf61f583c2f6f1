package heartbeat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/testutil"
)

func TestPublishAndClear(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	client := testutil.NewTestRedis(t)
	ctx := context.Background()
	p := NewPublisher(client)

	p.Publish(ctx, 1, 10, "initial")
	p.Publish(ctx, 1, 11, "poll")

	exists, err := client.Exists(ctx, "1:10", "1:11").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), exists)

	// The per-account sorted set tracks both folders, and the global index
	// carries the account keyed by its oldest folder heartbeat.
	members, err := client.ZRange(ctx, "1", 0, -1).Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"10", "11"}, members)

	score, err := client.ZScore(ctx, accountIndexKey, "1").Result()
	require.NoError(t, err)
	assert.Greater(t, score, float64(0))

	p.Clear(ctx, 1, []int64{10, 11})

	exists, err = client.Exists(ctx, "1:10", "1:11", "1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)

	_, err = client.ZScore(ctx, accountIndexKey, "1").Result()
	assert.Error(t, err, "account should be dropped from the index")
}
