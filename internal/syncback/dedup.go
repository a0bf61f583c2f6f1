// Package syncback drains the action log: deferred local mutations are
// coalesced into tasks and replayed against the remote mailbox by a bounded
// worker pool, one account at a time.
package syncback

import (
	"encoding/json"
	"log"
	"sort"

	"github.com/vdavid/mailsync/internal/models"
)

// Task is one unit of remote work, folded from one or more action log
// entries on the same record.
type Task struct {
	NamespaceID int64
	RecordID    int64
	Action      models.ActionKind
	ExtraArgs   json.RawMessage
	// EntryIDs are the folded entries, oldest first. All of them share the
	// task's outcome.
	EntryIDs []int64
}

// labelChange is the extra_args payload of a change_labels action.
type labelChange struct {
	AddedLabels   []string `json:"added_labels"`
	RemovedLabels []string `json:"removed_labels"`
}

// Coalesce folds pending entries into tasks, preserving per-record order.
// Consecutive move and mark_unread entries on one record collapse to the
// latest arguments; change_labels entries collapse to their net effect
// (a label added then removed cancels out). Everything else stays one
// entry per task.
func Coalesce(entries []*models.ActionLogEntry) []*Task {
	var tasks []*Task
	// open tracks the latest coalescible task per (record, action) so a
	// non-coalescible entry in between breaks the fold.
	type key struct {
		record int64
		action models.ActionKind
	}
	open := make(map[key]*Task)

	for _, e := range entries {
		if !e.Action.Coalescible() {
			// A non-coalescible action on a record seals any open fold on
			// it, keeping application order intact.
			for k := range open {
				if k.record == e.RecordID {
					delete(open, k)
				}
			}
			tasks = append(tasks, &Task{
				NamespaceID: e.NamespaceID,
				RecordID:    e.RecordID,
				Action:      e.Action,
				ExtraArgs:   e.ExtraArgs,
				EntryIDs:    []int64{e.ID},
			})
			continue
		}

		k := key{record: e.RecordID, action: e.Action}
		task, ok := open[k]
		if !ok {
			task = &Task{
				NamespaceID: e.NamespaceID,
				RecordID:    e.RecordID,
				Action:      e.Action,
				ExtraArgs:   e.ExtraArgs,
				EntryIDs:    []int64{e.ID},
			}
			open[k] = task
			tasks = append(tasks, task)
			continue
		}

		task.EntryIDs = append(task.EntryIDs, e.ID)
		switch e.Action {
		case models.ActionMove, models.ActionMarkUnread:
			// Only the final destination / final read state matters.
			task.ExtraArgs = e.ExtraArgs
		case models.ActionChangeLabels:
			task.ExtraArgs = mergeLabelChanges(task.ExtraArgs, e.ExtraArgs)
		}
	}
	return tasks
}

// mergeLabelChanges folds a later change_labels payload into an earlier
// one. An add followed by a remove of the same label cancels both sides,
// and vice versa, so flip-flops net out to nothing.
func mergeLabelChanges(earlier, later json.RawMessage) json.RawMessage {
	var a, b labelChange
	if err := json.Unmarshal(earlier, &a); err != nil {
		log.Printf("[syncback] malformed change_labels args %s: %v", earlier, err)
		return later
	}
	if err := json.Unmarshal(later, &b); err != nil {
		log.Printf("[syncback] malformed change_labels args %s: %v", later, err)
		return earlier
	}

	added := make(map[string]struct{})
	removed := make(map[string]struct{})
	for _, l := range a.AddedLabels {
		added[l] = struct{}{}
	}
	for _, l := range a.RemovedLabels {
		removed[l] = struct{}{}
	}
	for _, l := range b.AddedLabels {
		if _, pending := removed[l]; pending {
			// Remove-then-add cancels both, not just the remove.
			delete(removed, l)
			continue
		}
		added[l] = struct{}{}
	}
	for _, l := range b.RemovedLabels {
		if _, pending := added[l]; pending {
			delete(added, l)
			continue
		}
		removed[l] = struct{}{}
	}

	merged := labelChange{
		AddedLabels:   sortedKeys(added),
		RemovedLabels: sortedKeys(removed),
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return later
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
