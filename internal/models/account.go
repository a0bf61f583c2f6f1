package models

import "time"

// SyncState is the lifecycle state of an account's sync.
type SyncState string

const (
	SyncStateRunning           SyncState = "running"
	SyncStateInvalid           SyncState = "invalid"
	SyncStateStopped           SyncState = "stopped"
	SyncStateMarkedForDeletion SyncState = "marked_for_deletion"
)

// Account is a remote mailbox we replicate locally. Credentials are held by
// an external token provider; the account only carries a reference to it.
type Account struct {
	ID              int64      `json:"id"`
	PublicID        string     `json:"public_id"`
	NamespaceID     int64      `json:"namespace_id"`
	EmailAddress    string     `json:"email_address"`
	Provider        Provider   `json:"provider"`
	IMAPServer      string     `json:"imap_server"`
	SMTPServer      string     `json:"smtp_server"`
	FolderPrefix    string     `json:"folder_prefix"`
	FolderSeparator string     `json:"folder_separator"`
	SyncHost        *string    `json:"sync_host"`
	DesiredSyncHost *string    `json:"desired_sync_host"`
	SyncState       SyncState  `json:"sync_state"`
	SyncShouldRun   bool       `json:"sync_should_run"`
	SyncError       *string    `json:"sync_error"`
	Throttled       bool       `json:"throttled"`
	CreatedAt       time.Time  `json:"created_at"`
	DeletedAt       *time.Time `json:"deleted_at"`
}

// EffectiveHost decides whether the given process identifier should be
// syncing this account. The three allowed (desired_sync_host, sync_host)
// combinations are:
//   - desired set and equal to the process
//   - desired unset, sync_host set and equal to the process
//   - desired unset, sync_host unset (claimable by anyone)
func (a *Account) EffectiveHost(processID string) bool {
	if !a.SyncShouldRun {
		return false
	}
	if a.DesiredSyncHost != nil {
		return *a.DesiredSyncHost == processID
	}
	if a.SyncHost != nil {
		return *a.SyncHost == processID
	}
	return false
}

// Claimable reports whether any process may claim the account.
func (a *Account) Claimable() bool {
	return a.SyncShouldRun && a.SyncHost == nil && a.DesiredSyncHost == nil
}
