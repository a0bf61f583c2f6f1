// Package heartbeat publishes coarse per-folder liveness signals to a shared
// Redis instance. The signal is write-only from the sync engine's point of
// view; external monitoring decides what "alive" means.
package heartbeat

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// AliveExpiry is how old a heartbeat may be before monitoring considers
	// the folder dead.
	AliveExpiry = 480 * time.Second

	// accountIndexKey tracks the oldest folder heartbeat per account.
	accountIndexKey = "account_index"
)

// Publisher writes (timestamp, state) pairs keyed by (account, folder).
// Publishing is fire-and-forget: errors are logged, never propagated into
// the sync path.
type Publisher struct {
	client *redis.Client
}

// NewPublisher returns a publisher bound to the given Redis client.
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish records a heartbeat for (accountID, folderID) with the engine's
// current state string.
func (p *Publisher) Publish(ctx context.Context, accountID, folderID int64, state string) {
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	key := fmt.Sprintf("%d:%d", accountID, folderID)
	accountKey := strconv.FormatInt(accountID, 10)

	pipe := p.client.Pipeline()
	pipe.Set(ctx, key, fmt.Sprintf("%f %s", now, state), 2*AliveExpiry)
	pipe.ZAdd(ctx, accountKey, redis.Z{Score: now, Member: strconv.FormatInt(folderID, 10)})
	pipe.Expire(ctx, accountKey, 2*AliveExpiry)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("heartbeat: failed to publish for account %d folder %d: %v", accountID, folderID, err)
		return
	}

	// The global index holds each account's oldest folder heartbeat, so
	// monitoring can scan one sorted set for stale accounts.
	oldest, err := p.client.ZRangeWithScores(ctx, accountKey, 0, 0).Result()
	if err != nil || len(oldest) == 0 {
		return
	}
	if err := p.client.ZAdd(ctx, accountIndexKey, redis.Z{Score: oldest[0].Score, Member: accountKey}).Err(); err != nil {
		log.Printf("heartbeat: failed to update account index for %d: %v", accountID, err)
	}
}

// Clear removes all heartbeat keys for an account, called when a monitor
// stops cleanly.
func (p *Publisher) Clear(ctx context.Context, accountID int64, folderIDs []int64) {
	accountKey := strconv.FormatInt(accountID, 10)

	pipe := p.client.Pipeline()
	for _, folderID := range folderIDs {
		pipe.Del(ctx, fmt.Sprintf("%d:%d", accountID, folderID))
	}
	pipe.Del(ctx, accountKey)
	pipe.ZRem(ctx, accountIndexKey, accountKey)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("heartbeat: failed to clear account %d: %v", accountID, err)
	}
}
