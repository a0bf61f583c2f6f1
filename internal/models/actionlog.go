package models

import (
	"encoding/json"
	"time"
)

// ActionStatus is the lifecycle of an action log entry.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionSuccessful ActionStatus = "successful"
	ActionFailed     ActionStatus = "failed"
)

// ActionKind enumerates the mutations the syncback processor can apply
// remotely.
type ActionKind string

const (
	ActionSaveDraft       ActionKind = "save_draft"
	ActionUpdateDraft     ActionKind = "update_draft"
	ActionDeleteDraft     ActionKind = "delete_draft"
	ActionSaveSentEmail   ActionKind = "save_sent_email"
	ActionDeleteSentEmail ActionKind = "delete_sent_email"
	ActionMarkUnread      ActionKind = "mark_unread"
	ActionMarkStarred     ActionKind = "mark_starred"
	ActionMove            ActionKind = "move"
	ActionChangeLabels    ActionKind = "change_labels"
	ActionCreateFolder    ActionKind = "create_folder"
	ActionUpdateFolder    ActionKind = "update_folder"
	ActionDeleteFolder    ActionKind = "delete_folder"
	ActionCreateLabel     ActionKind = "create_label"
	ActionUpdateLabel     ActionKind = "update_label"
	ActionDeleteLabel     ActionKind = "delete_label"
	ActionCreateEvent     ActionKind = "create_event"
	ActionUpdateEvent     ActionKind = "update_event"
	ActionDeleteEvent     ActionKind = "delete_event"
)

// Coalescible reports whether consecutive entries of this kind on one record
// can be folded into a single task.
func (k ActionKind) Coalescible() bool {
	switch k {
	case ActionMove, ActionMarkUnread, ActionChangeLabels:
		return true
	}
	return false
}

// ActionLogEntry records a deferred mutation written by the API layer and
// consumed by the syncback processor. Per-record application order follows
// the monotonic ID.
type ActionLogEntry struct {
	ID            int64           `json:"id"`
	NamespaceID   int64           `json:"namespace_id"`
	Action        ActionKind      `json:"action"`
	RecordID      int64           `json:"record_id"`
	ExtraArgs     json.RawMessage `json:"extra_args"`
	Status        ActionStatus    `json:"status"`
	Retries       int             `json:"retries"`
	Discriminator string          `json:"discriminator"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// TransactionCommand is the kind of entity mutation a Transaction records.
type TransactionCommand string

const (
	TxInsert TransactionCommand = "insert"
	TxUpdate TransactionCommand = "update"
	TxDelete TransactionCommand = "delete"
)

// Transaction is an append-only record of an entity mutation, read by the
// external delta-feed API. The core only writes these.
type Transaction struct {
	ID          int64              `json:"id"`
	NamespaceID int64              `json:"namespace_id"`
	ObjectType  string             `json:"object_type"`
	ObjectID    int64              `json:"object_id"`
	PublicID    string             `json:"public_id"`
	Command     TransactionCommand `json:"command"`
	CreatedAt   time.Time          `json:"created_at"`
}
