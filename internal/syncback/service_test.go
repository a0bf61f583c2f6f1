package syncback

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/blob"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
	"github.com/vdavid/mailsync/internal/testutil"
)

func pendingEntry(id, record int64, action models.ActionKind, retries int, updatedAt time.Time) *models.ActionLogEntry {
	return &models.ActionLogEntry{
		ID:          id,
		NamespaceID: 1,
		RecordID:    record,
		Action:      action,
		Retries:     retries,
		UpdatedAt:   updatedAt,
	}
}

func TestNewSplitsShardsAcrossProcesses(t *testing.T) {
	base := config.Config{
		SyncbackAssignments: map[int][]int{0: {0, 1, 2, 3}},
		SyncbackID:          0,
		SyncbackProcesses:   2,
	}

	first := base
	first.ProcessNumber = 0
	second := base
	second.ProcessNumber = 1

	p0 := New(&first, nil, nil, nil)
	p1 := New(&second, nil, nil, nil)

	// Two processes sharing one SYNCBACK_ID split its shards; no shard has
	// two owners, none is orphaned.
	assert.Equal(t, map[int]struct{}{0: {}, 2: {}}, p0.shards)
	assert.Equal(t, map[int]struct{}{1: {}, 3: {}}, p1.shards)
	assert.Equal(t, 4, p0.totalShards)
	assert.Equal(t, 4, p1.totalShards)

	// A single process keeps the whole assignment.
	alone := base
	alone.SyncbackProcesses = 1
	assert.Len(t, New(&alone, nil, nil, nil).shards, 4)
}

func TestNamespaceCoolingDownParksWholeNamespace(t *testing.T) {
	now := time.Now()

	fresh := []*models.ActionLogEntry{
		pendingEntry(1, 10, models.ActionMove, 0, now),
		pendingEntry(2, 11, models.ActionMarkUnread, 0, now),
	}
	assert.False(t, namespaceCoolingDown(fresh, now))

	// One retried entry parks everything, other records included: letting
	// entry 3 run while entry 1 waits would reorder record 10.
	cooling := []*models.ActionLogEntry{
		pendingEntry(1, 10, models.ActionMove, 1, now.Add(-retryInterval/2)),
		pendingEntry(3, 10, models.ActionMarkUnread, 0, now),
		pendingEntry(4, 11, models.ActionMarkUnread, 0, now),
	}
	assert.True(t, namespaceCoolingDown(cooling, now))

	// Once the interval has passed the namespace runs again.
	aged := []*models.ActionLogEntry{
		pendingEntry(1, 10, models.ActionMove, 1, now.Add(-2*retryInterval)),
		pendingEntry(3, 10, models.ActionMarkUnread, 0, now.Add(-2*retryInterval)),
	}
	assert.False(t, namespaceCoolingDown(aged, now))
}

func TestEligibleEntriesScopesMoveCooldownToMoves(t *testing.T) {
	p := &Processor{running: make(map[recordKey]struct{})}
	now := time.Now()
	entries := []*models.ActionLogEntry{
		// Record 10 moved recently, but a flag flip is not a move: runs.
		pendingEntry(1, 10, models.ActionMarkUnread, 0, now),
		// Record 11's move is inside the cooldown: deferred, and the flag
		// flip queued behind it must wait with it.
		pendingEntry(2, 11, models.ActionMove, 0, now),
		pendingEntry(3, 11, models.ActionMarkUnread, 0, now),
		// Record 12 has no recent move: its move runs.
		pendingEntry(4, 12, models.ActionMove, 0, now),
	}
	recent := map[int64]struct{}{10: {}, 11: {}}

	eligible := p.eligibleEntries(1, entries, recent)
	ids := make([]int64, len(eligible))
	for i, e := range eligible {
		ids[i] = e.ID
	}
	assert.Equal(t, []int64{1, 4}, ids)
}

func TestEligibleEntriesDefersBusyRecords(t *testing.T) {
	p := &Processor{running: map[recordKey]struct{}{
		{namespaceID: 1, recordID: 10}: {},
	}}
	now := time.Now()
	entries := []*models.ActionLogEntry{
		pendingEntry(1, 10, models.ActionMarkUnread, 0, now),
		pendingEntry(2, 10, models.ActionMove, 0, now),
		pendingEntry(3, 11, models.ActionMarkUnread, 0, now),
	}

	eligible := p.eligibleEntries(1, entries, nil)
	require.Len(t, eligible, 1)
	assert.Equal(t, int64(3), eligible[0].ID)
}

func TestExtendTailRunFetchesWholeRun(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	ctx := context.Background()
	pool := testutil.NewTestDB(t)
	s := store.New(pool, blob.NewFSStore(t.TempDir(), false))
	p := &Processor{store: s}

	// A run of moves on one record longer than two fetch pages, then an
	// entry on another record.
	total := fetchBatchSize*2 + 25
	for i := 0; i < total; i++ {
		_, err := s.AppendAction(ctx, 1, models.ActionMove, 10, json.RawMessage(`{"destination": "Archive"}`))
		require.NoError(t, err)
	}
	tailID, err := s.AppendAction(ctx, 1, models.ActionMarkUnread, 11, json.RawMessage(`{"unread": true}`))
	require.NoError(t, err)

	entries, err := s.PendingActions(ctx, 1, fetchBatchSize)
	require.NoError(t, err)
	require.Len(t, entries, fetchBatchSize)

	entries, err = p.extendTailRun(ctx, 1, entries)
	require.NoError(t, err)
	require.Len(t, entries, total)
	assert.NotEqual(t, tailID, entries[len(entries)-1].ID, "the run must stop at the next record")

	// The whole run folds into one task.
	tasks := Coalesce(entries)
	require.Len(t, tasks, 1)
	assert.Len(t, tasks[0].EntryIDs, total)
}
