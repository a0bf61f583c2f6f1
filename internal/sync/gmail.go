package sync

import (
	"context"
	"log"

	"github.com/vdavid/mailsync/internal/imapconn"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
)

// gmailSystemRoles marks the folders that exist as folders even on Gmail;
// everything else in the LIST response is a user label.
var gmailSystemRoles = map[models.FolderRole]bool{
	models.RoleInbox:     true,
	models.RoleSent:      true,
	models.RoleDrafts:    true,
	models.RoleTrash:     true,
	models.RoleSpam:      true,
	models.RoleAll:       true,
	models.RoleImportant: true,
	models.RoleStarred:   true,
}

// reconcileGmailLabels syncs the Label rows with the server's folder list:
// user labels that appeared are created, ones that vanished are tombstoned
// (never deleted — a concurrent fetch may still be writing g_labels that
// reference them). It returns the label names that appeared and vanished
// this pass so the monitor can spot renames.
func reconcileGmailLabels(ctx context.Context, st *store.Store, account *models.Account, remote []imapconn.RemoteFolder) (created, tombstoned []string, err error) {
	remoteLabels := make(map[string]models.FolderRole)
	for _, f := range remote {
		if gmailSystemRoles[f.Role] {
			continue
		}
		remoteLabels[f.Name] = f.Role
	}

	existing, err := st.ListLabels(ctx, account.ID)
	if err != nil {
		return nil, nil, err
	}
	known := make(map[string]*models.Label, len(existing))
	for _, l := range existing {
		known[l.Name] = l
	}

	for name, role := range remoteLabels {
		l, ok := known[name]
		if !ok || l.DeletedAt != nil || l.Role != role {
			if _, err := st.UpsertLabel(ctx, account, name, role); err != nil {
				return nil, nil, err
			}
			// A role change alone is not an appearance.
			if !ok || l.DeletedAt != nil {
				created = append(created, name)
			}
		}
	}

	for name, l := range known {
		if l.DeletedAt != nil {
			continue
		}
		if _, ok := remoteLabels[name]; !ok {
			log.Printf("[sync] account %d: label %q disappeared remotely, tombstoning", account.ID, name)
			if err := st.TombstoneLabel(ctx, account.ID, name); err != nil {
				return nil, nil, err
			}
			tombstoned = append(tombstoned, name)
		}
	}
	return created, tombstoned, nil
}

// detectLabelRename decides whether one reconcile pass looks like a rename.
// Gmail reports a rename only as the old label vanishing while a new one
// appears, so a pass with exactly one of each is treated as one.
func detectLabelRename(created, tombstoned []string) (oldName, newName string, ok bool) {
	if len(created) != 1 || len(tombstoned) != 1 {
		return "", "", false
	}
	return tombstoned[0], created[0], true
}

// LabelRenameHandler re-resolves message labels after a label rename, which
// Gmail reports only as the old name vanishing and the new one appearing.
// Every syncable folder gets a label re-search; the size-1 semaphore keeps
// concurrent renames on one account from stampeding the server.
type LabelRenameHandler struct {
	store   *store.Store
	pool    *imapconn.Pool
	conn    imapconn.AccountConn
	account *models.Account
	sem     chan struct{}
}

func NewLabelRenameHandler(st *store.Store, pool *imapconn.Pool, account *models.Account) *LabelRenameHandler {
	return &LabelRenameHandler{
		store:   st,
		pool:    pool,
		conn:    imapconn.ConnFor(account.ID, account.IMAPServer),
		account: account,
		sem:     make(chan struct{}, 1),
	}
}

// HandleRename refreshes the flags of every message that carried the old
// label or carries the new one, folder by folder.
func (h *LabelRenameHandler) HandleRename(ctx context.Context, oldName, newName string) error {
	select {
	case h.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-h.sem }()

	folders, err := h.store.ListFolders(ctx, h.account.ID)
	if err != nil {
		return err
	}

	session, release, err := h.pool.Acquire(ctx, h.conn)
	if err != nil {
		return err
	}
	defer release()

	mapper := imapconn.NameMapper{Prefix: h.account.FolderPrefix, Separator: h.account.FolderSeparator}
	for _, folder := range folders {
		status, err := h.store.GetSyncStatus(ctx, h.account.ID, folder.ID)
		if err != nil {
			return err
		}
		if !status.SyncShouldRun {
			continue
		}

		if _, err := session.Select(mapper.ToRemote(folder.Name), nil); err != nil {
			if imapconn.IsFolderMissing(err) {
				continue
			}
			return err
		}

		remoteUIDs, err := session.SearchGmailLabel(newName)
		if err != nil {
			return err
		}
		storedUIDs, err := h.store.UIDsForGmailLabel(ctx, h.account.ID, folder.ID, oldName)
		if err != nil {
			return err
		}

		affected := make(map[uint32]struct{}, len(remoteUIDs)+len(storedUIDs))
		for _, uid := range remoteUIDs {
			affected[uid] = struct{}{}
		}
		for _, uid := range storedUIDs {
			affected[uid] = struct{}{}
		}
		if len(affected) == 0 {
			continue
		}

		uids := make([]uint32, 0, len(affected))
		for uid := range affected {
			uids = append(uids, uid)
		}
		flags, err := session.FetchFlags(uids)
		if err != nil {
			return err
		}
		if err := h.store.UpdateMetadata(ctx, h.account, folder, flags); err != nil {
			return err
		}
	}
	return nil
}
