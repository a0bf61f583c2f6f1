package models

import "time"

// FolderRole is the canonical role of a folder, derived from SPECIAL-USE
// attributes or well-known names.
type FolderRole string

const (
	RoleInbox     FolderRole = "inbox"
	RoleSent      FolderRole = "sent"
	RoleDrafts    FolderRole = "drafts"
	RoleTrash     FolderRole = "trash"
	RoleSpam      FolderRole = "spam"
	RoleArchive   FolderRole = "archive"
	RoleAll       FolderRole = "all"
	RoleImportant FolderRole = "important"
	RoleStarred   FolderRole = "starred"
	RoleNone      FolderRole = "none"
)

// Folder is a remote IMAP folder known to an account. Created and removed by
// the account monitor based on the remote LIST response.
type Folder struct {
	ID          int64      `json:"id"`
	PublicID    string     `json:"public_id"`
	AccountID   int64      `json:"account_id"`
	Name        string     `json:"name"`
	Role        FolderRole `json:"role"`
	CategoryID  *int64     `json:"category_id"`
	CreatedAt   time.Time  `json:"created_at"`
}

// IsInbox reports whether this is the account's inbox folder.
func (f *Folder) IsInbox() bool {
	return f.Role == RoleInbox
}

// Label is a Gmail server-side tag. Labels are tombstoned rather than
// deleted when they disappear remotely, because messages fetched in a
// concurrent pass may still reference them.
type Label struct {
	ID        int64      `json:"id"`
	AccountID int64      `json:"account_id"`
	Name      string     `json:"name"`
	Role      FolderRole `json:"role"`
	DeletedAt *time.Time `json:"deleted_at"`
}

// Category is the namespace-scoped folder/label handle exposed to the API.
// Unique by (namespace, canonical name, display name).
type Category struct {
	ID          int64      `json:"id"`
	PublicID    string     `json:"public_id"`
	NamespaceID int64      `json:"namespace_id"`
	Name        string     `json:"name"`
	DisplayName string     `json:"display_name"`
	Role        FolderRole `json:"role"`
	DeletedAt   *time.Time `json:"deleted_at"`
}

// ImapFolderInfo remembers per-folder IMAP session state between polls.
// UIDValidity is monotonic; any observed decrease is ignored and any
// increase forces a resync.
type ImapFolderInfo struct {
	AccountID       int64      `json:"account_id"`
	FolderID        int64      `json:"folder_id"`
	UIDValidity     uint32     `json:"uidvalidity"`
	UIDNext         uint32     `json:"uidnext"`
	HighestModSeq   uint64     `json:"highestmodseq"`
	LastSlowRefresh *time.Time `json:"last_slow_refresh"`
}

// EngineState is the folder sync engine's persisted state.
type EngineState string

const (
	StateInitial           EngineState = "initial"
	StateInitialUIDInvalid EngineState = "initial_uidinvalid"
	StatePoll              EngineState = "poll"
	StatePollUIDInvalid    EngineState = "poll_uidinvalid"
	StateFinish            EngineState = "finish"
)

// UIDInvalid returns the uidinvalid variant of the state. Calling it on a
// variant that is already uidinvalid returns the state unchanged.
func (s EngineState) UIDInvalid() EngineState {
	switch s {
	case StateInitial, StateInitialUIDInvalid:
		return StateInitialUIDInvalid
	case StatePoll, StatePollUIDInvalid:
		return StatePollUIDInvalid
	}
	return s
}

// Base strips the uidinvalid suffix from the state.
func (s EngineState) Base() EngineState {
	switch s {
	case StateInitialUIDInvalid:
		return StateInitial
	case StatePollUIDInvalid:
		return StatePoll
	}
	return s
}

// ImapFolderSyncStatus is the engine state row for a folder, plus coarse
// metrics for monitoring.
type ImapFolderSyncStatus struct {
	AccountID        int64       `json:"account_id"`
	FolderID         int64       `json:"folder_id"`
	State            EngineState `json:"state"`
	SyncShouldRun    bool        `json:"sync_should_run"`
	UIDInvalidRuns   int         `json:"uidinvalid_runs"`
	RemoteUIDCount   int         `json:"remote_uid_count"`
	DownloadUIDCount int         `json:"download_uid_count"`
	UpdatedAt        time.Time   `json:"updated_at"`
}
