package sync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/blob"
	"github.com/vdavid/mailsync/internal/imapconn"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
	"github.com/vdavid/mailsync/internal/testutil"
)

func TestReconcileGmailLabels(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	ctx := context.Background()

	db := testutil.NewTestDB(t)
	st := store.New(db, blob.NewFSStore(t.TempDir(), false))

	var id int64
	err := db.QueryRow(ctx, `
		INSERT INTO accounts (public_id, namespace_id, email_address, provider, imap_server)
		VALUES ($1, 1, 'user@gmail.com', 'gmail', 'imap.gmail.com:993')
		RETURNING id`,
		fmt.Sprintf("acct-%d", time.Now().UnixNano())).Scan(&id)
	require.NoError(t, err)
	account, err := st.GetAccount(ctx, id)
	require.NoError(t, err)

	remote := []imapconn.RemoteFolder{
		{Name: "INBOX", Role: models.RoleInbox},
		{Name: "[Gmail]/All Mail", Role: models.RoleAll},
		{Name: "Work", Role: models.RoleNone},
		{Name: "Receipts", Role: models.RoleNone},
	}
	created, tombstoned, err := reconcileGmailLabels(ctx, st, account, remote)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Receipts", "Work"}, created)
	assert.Empty(t, tombstoned)

	labels, err := st.ListLabels(ctx, account.ID)
	require.NoError(t, err)
	names := labelNames(labels)
	assert.Equal(t, []string{"Receipts", "Work"}, names, "system folders must not become labels")

	// "Receipts" vanishes from the LIST response: tombstoned, not deleted.
	remote = remote[:3]
	created, tombstoned, err = reconcileGmailLabels(ctx, st, account, remote)
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Equal(t, []string{"Receipts"}, tombstoned)

	labels, err = st.ListLabels(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, labels, 2)
	byName := make(map[string]*models.Label, len(labels))
	for _, l := range labels {
		byName[l.Name] = l
	}
	assert.NotNil(t, byName["Receipts"].DeletedAt)
	assert.Nil(t, byName["Work"].DeletedAt)

	// It comes back: the tombstone is lifted on the same row and the label
	// counts as appeared again.
	remote = append(remote, imapconn.RemoteFolder{Name: "Receipts", Role: models.RoleNone})
	created, tombstoned, err = reconcileGmailLabels(ctx, st, account, remote)
	require.NoError(t, err)
	assert.Equal(t, []string{"Receipts"}, created)
	assert.Empty(t, tombstoned)

	labels, err = st.ListLabels(ctx, account.ID)
	require.NoError(t, err)
	for _, l := range labels {
		assert.Nil(t, l.DeletedAt, "label %q should be live again", l.Name)
	}

	// "Work" becomes "Projects" in one pass: exactly the shape a Gmail
	// rename leaves behind.
	remote[2] = imapconn.RemoteFolder{Name: "Projects", Role: models.RoleNone}
	created, tombstoned, err = reconcileGmailLabels(ctx, st, account, remote)
	require.NoError(t, err)
	oldName, newName, ok := detectLabelRename(created, tombstoned)
	require.True(t, ok)
	assert.Equal(t, "Work", oldName)
	assert.Equal(t, "Projects", newName)
}

func TestDetectLabelRename(t *testing.T) {
	oldName, newName, ok := detectLabelRename([]string{"Projects"}, []string{"Work"})
	assert.True(t, ok)
	assert.Equal(t, "Work", oldName)
	assert.Equal(t, "Projects", newName)

	_, _, ok = detectLabelRename([]string{"A", "B"}, []string{"Work"})
	assert.False(t, ok, "bulk changes are not renames")
	_, _, ok = detectLabelRename([]string{"A"}, nil)
	assert.False(t, ok, "a plain new label is not a rename")
	_, _, ok = detectLabelRename(nil, []string{"Work"})
	assert.False(t, ok, "a plain deletion is not a rename")
}

func labelNames(labels []*models.Label) []string {
	names := make([]string, len(labels))
	for i, l := range labels {
		names[i] = l.Name
	}
	return names
}
