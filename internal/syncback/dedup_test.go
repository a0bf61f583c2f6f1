package syncback

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/models"
)

func entry(id int64, record int64, action models.ActionKind, args string) *models.ActionLogEntry {
	return &models.ActionLogEntry{
		ID:          id,
		NamespaceID: 1,
		Action:      action,
		RecordID:    record,
		ExtraArgs:   json.RawMessage(args),
	}
}

func TestCoalesceMoveKeepsLatestDestination(t *testing.T) {
	tasks := Coalesce([]*models.ActionLogEntry{
		entry(1, 10, models.ActionMove, `{"destination": "Archive"}`),
		entry(2, 10, models.ActionMove, `{"destination": "Trash"}`),
		entry(3, 10, models.ActionMove, `{"destination": "Work"}`),
	})

	require.Len(t, tasks, 1)
	assert.Equal(t, []int64{1, 2, 3}, tasks[0].EntryIDs)
	assert.JSONEq(t, `{"destination": "Work"}`, string(tasks[0].ExtraArgs))
}

func TestCoalesceMarkUnreadKeepsLatestState(t *testing.T) {
	tasks := Coalesce([]*models.ActionLogEntry{
		entry(1, 10, models.ActionMarkUnread, `{"unread": true}`),
		entry(2, 10, models.ActionMarkUnread, `{"unread": false}`),
	})

	require.Len(t, tasks, 1)
	assert.JSONEq(t, `{"unread": false}`, string(tasks[0].ExtraArgs))
}

func TestCoalesceChangeLabelsNetEffect(t *testing.T) {
	tasks := Coalesce([]*models.ActionLogEntry{
		entry(1, 10, models.ActionChangeLabels, `{"added_labels": ["a", "b"], "removed_labels": []}`),
		entry(2, 10, models.ActionChangeLabels, `{"added_labels": ["c"], "removed_labels": ["a"]}`),
	})

	// "a" was added then removed: both sides cancel, it is neither added
	// nor removed.
	require.Len(t, tasks, 1)
	var args labelChange
	require.NoError(t, json.Unmarshal(tasks[0].ExtraArgs, &args))
	assert.Equal(t, []string{"b", "c"}, args.AddedLabels)
	assert.Empty(t, args.RemovedLabels)
}

func TestCoalesceChangeLabelsFullCancellation(t *testing.T) {
	tasks := Coalesce([]*models.ActionLogEntry{
		entry(1, 10, models.ActionChangeLabels, `{"added_labels": ["a"], "removed_labels": []}`),
		entry(2, 10, models.ActionChangeLabels, `{"added_labels": [], "removed_labels": ["a"]}`),
	})

	// The task survives (its entries still need an outcome) but the net
	// change is empty.
	require.Len(t, tasks, 1)
	var args labelChange
	require.NoError(t, json.Unmarshal(tasks[0].ExtraArgs, &args))
	assert.Empty(t, args.AddedLabels)
	assert.Empty(t, args.RemovedLabels)
}

func TestCoalesceDoesNotFoldAcrossRecords(t *testing.T) {
	tasks := Coalesce([]*models.ActionLogEntry{
		entry(1, 10, models.ActionMove, `{"destination": "A"}`),
		entry(2, 11, models.ActionMove, `{"destination": "B"}`),
	})

	require.Len(t, tasks, 2)
	assert.Equal(t, int64(10), tasks[0].RecordID)
	assert.Equal(t, int64(11), tasks[1].RecordID)
}

func TestCoalesceNonCoalescibleBreaksFold(t *testing.T) {
	// A delete_draft between two moves on the same record must keep the
	// moves apart, preserving application order.
	tasks := Coalesce([]*models.ActionLogEntry{
		entry(1, 10, models.ActionMove, `{"destination": "A"}`),
		entry(2, 10, models.ActionDeleteDraft, `{}`),
		entry(3, 10, models.ActionMove, `{"destination": "B"}`),
	})

	require.Len(t, tasks, 3)
	assert.Equal(t, models.ActionMove, tasks[0].Action)
	assert.Equal(t, models.ActionDeleteDraft, tasks[1].Action)
	assert.Equal(t, models.ActionMove, tasks[2].Action)
	assert.JSONEq(t, `{"destination": "A"}`, string(tasks[0].ExtraArgs))
	assert.JSONEq(t, `{"destination": "B"}`, string(tasks[2].ExtraArgs))
}

func TestCoalescePreservesOrder(t *testing.T) {
	tasks := Coalesce([]*models.ActionLogEntry{
		entry(1, 10, models.ActionMarkStarred, `{"starred": true}`),
		entry(2, 10, models.ActionMarkUnread, `{"unread": true}`),
		entry(3, 10, models.ActionMarkStarred, `{"starred": false}`),
	})

	// mark_starred is not coalescible: three entries, three tasks, in
	// order.
	require.Len(t, tasks, 3)
	assert.Equal(t, []int64{1}, tasks[0].EntryIDs)
	assert.Equal(t, []int64{2}, tasks[1].EntryIDs)
	assert.Equal(t, []int64{3}, tasks[2].EntryIDs)
}

func TestCoalesceFoldsLongRuns(t *testing.T) {
	// An uninterrupted run folds whole, no matter how long; nothing is left
	// over for a later pass.
	const n = 5050
	entries := make([]*models.ActionLogEntry, n)
	for i := range entries {
		entries[i] = entry(int64(i+1), 10, models.ActionMove, `{"destination": "A"}`)
	}

	tasks := Coalesce(entries)
	require.Len(t, tasks, 1)
	assert.Len(t, tasks[0].EntryIDs, n)
	assert.Equal(t, int64(1), tasks[0].EntryIDs[0])
	assert.Equal(t, int64(n), tasks[0].EntryIDs[n-1])
}

func TestProcessorShardOwnership(t *testing.T) {
	p := &Processor{
		shards:      map[int]struct{}{0: {}, 2: {}},
		totalShards: 4,
	}

	assert.True(t, p.ownsNamespace(0))
	assert.False(t, p.ownsNamespace(1))
	assert.True(t, p.ownsNamespace(2))
	assert.False(t, p.ownsNamespace(3))
	assert.True(t, p.ownsNamespace(4))
	assert.True(t, p.ownsNamespace(6))
}
