package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/blob"
	"github.com/vdavid/mailsync/internal/imapconn"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/testutil"
)

func newTestStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	pool := testutil.NewTestDB(t)
	blobs := blob.NewFSStore(t.TempDir(), true)
	return New(pool, blobs), pool
}

func seedAccount(t *testing.T, pool *pgxpool.Pool, provider models.Provider) *models.Account {
	t.Helper()
	ctx := context.Background()

	var id int64
	err := pool.QueryRow(ctx, `
		INSERT INTO accounts (public_id, namespace_id, email_address, provider, imap_server)
		VALUES ($1, 1, 'user@example.com', $2, 'imap.example.com:993')
		RETURNING id`,
		fmt.Sprintf("acct-%d", time.Now().UnixNano()), string(provider)).Scan(&id)
	require.NoError(t, err)

	s := &Store{pool: pool}
	account, err := s.GetAccount(ctx, id)
	require.NoError(t, err)
	return account
}

func seedFolder(t *testing.T, s *Store, account *models.Account, name string, role models.FolderRole) *models.Folder {
	t.Helper()
	folder, err := s.UpsertFolder(context.Background(), account, name, role)
	require.NoError(t, err)
	return folder
}

func rawMessage(uid uint32, messageID, subject, body string) *imapconn.RawMessage {
	mime := fmt.Sprintf(
		"Message-Id: <%s>\r\nFrom: Alice <alice@example.com>\r\nTo: Bob <bob@example.com>\r\nSubject: %s\r\nDate: Mon, 02 Jan 2006 15:04:05 -0700\r\n\r\n%s",
		messageID, subject, body)
	return &imapconn.RawMessage{
		UID:          uid,
		Flags:        []string{"\\Seen"},
		InternalDate: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Body:         []byte(mime),
	}
}

func TestClaimAccount(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	s, pool := newTestStore(t)
	ctx := context.Background()
	account := seedAccount(t, pool, models.ProviderGeneric)

	claimed, err := s.ClaimAccount(ctx, account.ID, "host-a:0")
	require.NoError(t, err)
	require.NotNil(t, claimed.SyncHost)
	assert.Equal(t, "host-a:0", *claimed.SyncHost)

	// A second process cannot steal the claim.
	_, err = s.ClaimAccount(ctx, account.ID, "host-b:0")
	assert.ErrorIs(t, err, ErrAccountClaimed)

	// The holder re-claims without error.
	_, err = s.ClaimAccount(ctx, account.ID, "host-a:0")
	assert.NoError(t, err)

	// Release by the wrong host is a no-op.
	require.NoError(t, s.ReleaseAccount(ctx, account.ID, "host-b:0"))
	got, err := s.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SyncHost)

	require.NoError(t, s.ReleaseAccount(ctx, account.ID, "host-a:0"))
	got, err = s.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Nil(t, got.SyncHost)

	_, err = s.ClaimAccount(ctx, account.ID, "host-b:0")
	assert.NoError(t, err)
}

func TestClaimAccountHonorsDesiredHost(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	s, pool := newTestStore(t)
	ctx := context.Background()
	account := seedAccount(t, pool, models.ProviderGeneric)

	_, err := pool.Exec(ctx, `UPDATE accounts SET desired_sync_host = 'host-b:0' WHERE id = $1`, account.ID)
	require.NoError(t, err)

	_, err = s.ClaimAccount(ctx, account.ID, "host-a:0")
	assert.ErrorIs(t, err, ErrAccountClaimed)

	claimed, err := s.ClaimAccount(ctx, account.ID, "host-b:0")
	require.NoError(t, err)
	assert.Equal(t, "host-b:0", *claimed.SyncHost)
}

func TestCreateIMAPMessageDeduplicatesByHash(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	s, pool := newTestStore(t)
	ctx := context.Background()
	account := seedAccount(t, pool, models.ProviderGeneric)
	inbox := seedFolder(t, s, account, "INBOX", models.RoleInbox)
	archive := seedFolder(t, s, account, "Archive", models.RoleArchive)

	raw := rawMessage(1, "a@example.com", "Hello", "body text")
	first, err := s.CreateIMAPMessage(ctx, account, inbox, raw)
	require.NoError(t, err)
	require.NotNil(t, first)

	// The same body in another folder reuses the message row.
	raw2 := rawMessage(9, "a@example.com", "Hello", "body text")
	second, err := s.CreateIMAPMessage(ctx, account, archive, raw2)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	uids, err := s.MessageUIDs(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, uids, 2)

	var messageCount int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&messageCount))
	assert.Equal(t, 1, messageCount)

	// The blob exists under the message's hash.
	body, err := s.Blobs().Get(ctx, first.DataSHA256)
	require.NoError(t, err)
	assert.Equal(t, raw.Body, body)
}

func TestCreateIMAPMessageThreadsReplies(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	s, pool := newTestStore(t)
	ctx := context.Background()
	account := seedAccount(t, pool, models.ProviderGeneric)
	inbox := seedFolder(t, s, account, "INBOX", models.RoleInbox)

	root, err := s.CreateIMAPMessage(ctx, account, inbox, rawMessage(1, "root@example.com", "Topic", "first"))
	require.NoError(t, err)

	replyMIME := "Message-Id: <reply@example.com>\r\nIn-Reply-To: <root@example.com>\r\nSubject: Re: Topic\r\nDate: Mon, 02 Jan 2006 16:00:00 -0700\r\n\r\nsecond"
	reply, err := s.CreateIMAPMessage(ctx, account, inbox, &imapconn.RawMessage{
		UID: 2, InternalDate: time.Now(), Body: []byte(replyMIME),
	})
	require.NoError(t, err)
	assert.Equal(t, root.ThreadID, reply.ThreadID)

	thread, err := s.GetThread(ctx, root.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, 2, thread.MessageCount)
}

func TestThreadOverflowOpensNewThread(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	s, pool := newTestStore(t)
	ctx := context.Background()
	account := seedAccount(t, pool, models.ProviderGmail)
	inbox := seedFolder(t, s, account, "INBOX", models.RoleInbox)

	raw := rawMessage(1, "m1@example.com", "Big thread", "one")
	raw.GThrid = 42
	first, err := s.CreateIMAPMessage(ctx, account, inbox, raw)
	require.NoError(t, err)

	// Fill the thread to the cap without inserting 500 rows.
	_, err = pool.Exec(ctx, `UPDATE threads SET message_count = $2 WHERE id = $1`,
		first.ThreadID, models.MaxThreadLength)
	require.NoError(t, err)

	raw2 := rawMessage(2, "m2@example.com", "Big thread", "two")
	raw2.GThrid = 42
	second, err := s.CreateIMAPMessage(ctx, account, inbox, raw2)
	require.NoError(t, err)
	assert.NotEqual(t, first.ThreadID, second.ThreadID)

	overflow, err := s.GetThread(ctx, second.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "gm-42+1", overflow.ThreadKey)
}

func TestUpdateMetadataSkipsUnchangedRows(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	s, pool := newTestStore(t)
	ctx := context.Background()
	account := seedAccount(t, pool, models.ProviderGeneric)
	inbox := seedFolder(t, s, account, "INBOX", models.RoleInbox)

	msg, err := s.CreateIMAPMessage(ctx, account, inbox, rawMessage(1, "a@example.com", "Hello", "body"))
	require.NoError(t, err)

	before, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)

	// Same flags as stored: no version bump, no transaction.
	var txBefore int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&txBefore))
	err = s.UpdateMetadata(ctx, account, inbox, []imapconn.FlagsResult{{UID: 1, Flags: []string{"\\Seen"}}})
	require.NoError(t, err)

	after, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	var txAfter int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&txAfter))
	assert.Equal(t, txBefore, txAfter)

	// A real change flips the message and bumps the version.
	err = s.UpdateMetadata(ctx, account, inbox, []imapconn.FlagsResult{{UID: 1, Flags: []string{"\\Flagged"}}})
	require.NoError(t, err)

	after, err = s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.False(t, after.IsRead)
	assert.True(t, after.IsStarred)
	assert.Greater(t, after.Version, before.Version)
}

func TestRemoveDeletedUIDsTombstonesMessages(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	s, pool := newTestStore(t)
	ctx := context.Background()
	account := seedAccount(t, pool, models.ProviderGeneric)
	inbox := seedFolder(t, s, account, "INBOX", models.RoleInbox)

	msg, err := s.CreateIMAPMessage(ctx, account, inbox, rawMessage(5, "gone@example.com", "Vanishing", "x"))
	require.NoError(t, err)

	require.NoError(t, s.RemoveDeletedUIDs(ctx, account, inbox, []uint32{5}))

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.DeletedAt, "message should be tombstoned, not deleted")

	// The tombstone reaches the delta feed right away, same as an undelete
	// does, not only at hard-delete time.
	txns, err := s.TransactionsSince(ctx, account.NamespaceID, 0, 100)
	require.NoError(t, err)
	var deletes int
	for _, tr := range txns {
		if tr.ObjectType == "message" && tr.ObjectID == msg.ID && tr.Command == models.TxDelete {
			deletes++
		}
	}
	assert.Equal(t, 1, deletes)

	// Tombstone resolution after the TTL hard-deletes it.
	tombstones, err := s.TombstonedMessages(ctx, time.Now().Add(time.Minute), 100)
	require.NoError(t, err)
	require.Len(t, tombstones, 1)

	deleted, blobInUse, err := s.ResolveTombstone(ctx, tombstones[0])
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, blobInUse)

	_, err = s.GetMessage(ctx, msg.ID)
	assert.ErrorIs(t, err, ErrMessageNotFound)
	_ = pool
}

func TestRemoveDeletedUIDsDeletesDraftsSynchronously(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	s, pool := newTestStore(t)
	ctx := context.Background()
	account := seedAccount(t, pool, models.ProviderGeneric)
	drafts := seedFolder(t, s, account, "Drafts", models.RoleDrafts)

	msg, err := s.CreateIMAPMessage(ctx, account, drafts, rawMessage(3, "draft@example.com", "WIP", "draft body"))
	require.NoError(t, err)

	require.NoError(t, s.RemoveDeletedUIDs(ctx, account, drafts, []uint32{3}))

	_, err = s.GetMessage(ctx, msg.ID)
	assert.ErrorIs(t, err, ErrMessageNotFound)
	_ = pool
}

func TestResolveTombstoneUndeletesRevivedMessage(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	s, pool := newTestStore(t)
	ctx := context.Background()
	account := seedAccount(t, pool, models.ProviderGeneric)
	inbox := seedFolder(t, s, account, "INBOX", models.RoleInbox)
	archive := seedFolder(t, s, account, "Archive", models.RoleArchive)

	msg, err := s.CreateIMAPMessage(ctx, account, inbox, rawMessage(7, "move@example.com", "Moving", "x"))
	require.NoError(t, err)

	// Disappears from the inbox (a move), gets tombstoned...
	require.NoError(t, s.RemoveDeletedUIDs(ctx, account, inbox, []uint32{7}))

	// ...then shows up in Archive before the delete handler runs.
	revived, err := s.CreateIMAPMessage(ctx, account, archive, rawMessage(12, "move@example.com", "Moving", "x"))
	require.NoError(t, err)
	assert.Equal(t, msg.ID, revived.ID)

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Nil(t, got.DeletedAt)
	_ = pool
}

func TestActionLogLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	s, pool := newTestStore(t)
	ctx := context.Background()

	id1, err := s.AppendAction(ctx, 1, models.ActionMarkUnread, 10, json.RawMessage(`{"unread": true}`))
	require.NoError(t, err)
	id2, err := s.AppendAction(ctx, 1, models.ActionMove, 10, json.RawMessage(`{"destination": "Archive"}`))
	require.NoError(t, err)
	_, err = s.AppendAction(ctx, 2, models.ActionMarkStarred, 20, nil)
	require.NoError(t, err)

	namespaces, err := s.NamespacesWithPendingActions(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, namespaces)

	pending, err := s.PendingActions(ctx, 1, 100)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, id1, pending[0].ID, "entries must come back in id order")
	assert.Equal(t, id2, pending[1].ID)

	// Resuming past an id skips everything up to and including it.
	after, err := s.PendingActionsAfter(ctx, 1, id1, 100)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, id2, after[0].ID)

	require.NoError(t, s.MarkActions(ctx, []int64{id1}, models.ActionSuccessful))
	marked, err := s.GetAction(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, models.ActionSuccessful, marked.Status)
	pending, err = s.PendingActions(ctx, 1, 100)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id2, pending[0].ID)

	// Retries: under budget stays pending, at budget is reported exhausted.
	exhausted, err := s.BumpActionRetries(ctx, []int64{id2}, 5)
	require.NoError(t, err)
	assert.Empty(t, exhausted)
	for i := 0; i < 4; i++ {
		exhausted, err = s.BumpActionRetries(ctx, []int64{id2}, 5)
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{id2}, exhausted)
	_ = pool
}

func TestFailPendingEventActionsAndTombstone(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	s, pool := newTestStore(t)
	ctx := context.Background()

	createID, err := s.AppendAction(ctx, 1, models.ActionCreateEvent, 50, nil)
	require.NoError(t, err)
	updateID, err := s.AppendAction(ctx, 1, models.ActionUpdateEvent, 50, json.RawMessage(`{"title": "new"}`))
	require.NoError(t, err)
	deleteID, err := s.AppendAction(ctx, 1, models.ActionDeleteEvent, 50, nil)
	require.NoError(t, err)
	// Not an event action and not the same record: both survive.
	moveID, err := s.AppendAction(ctx, 1, models.ActionMove, 50, json.RawMessage(`{"destination": "Archive"}`))
	require.NoError(t, err)
	otherID, err := s.AppendAction(ctx, 1, models.ActionUpdateEvent, 51, nil)
	require.NoError(t, err)

	n, err := s.FailPendingEventActions(ctx, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, id := range []int64{createID, updateID, deleteID} {
		e, err := s.GetAction(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.ActionFailed, e.Status)
	}

	pending, err := s.PendingActions(ctx, 1, 100)
	require.NoError(t, err)
	ids := make([]int64, len(pending))
	for i, e := range pending {
		ids[i] = e.ID
	}
	assert.ElementsMatch(t, []int64{moveID, otherID}, ids)

	// The abandoned event's disappearance rides the delta feed.
	require.NoError(t, s.TombstoneEvent(ctx, 1, 50))
	txns, err := s.TransactionsSince(ctx, 1, 0, 100)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.Equal(t, "event", txns[0].ObjectType)
	assert.Equal(t, int64(50), txns[0].ObjectID)
	assert.Equal(t, models.TxDelete, txns[0].Command)
	_ = pool
}

func TestFolderLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	s, pool := newTestStore(t)
	ctx := context.Background()
	account := seedAccount(t, pool, models.ProviderGeneric)

	inbox := seedFolder(t, s, account, "INBOX", models.RoleInbox)
	assert.True(t, inbox.IsInbox())
	require.NotNil(t, inbox.CategoryID)

	// Upserting again keeps the same row but can change the role.
	again, err := s.UpsertFolder(ctx, account, "INBOX", models.RoleInbox)
	require.NoError(t, err)
	assert.Equal(t, inbox.ID, again.ID)

	folders, err := s.ListFolders(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, folders, 1)

	// A folder with a message: deleting it tombstones the orphaned message.
	msg, err := s.CreateIMAPMessage(ctx, account, inbox, rawMessage(1, "x@example.com", "Hi", "b"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteFolder(ctx, account, inbox.ID))
	folders, err = s.ListFolders(ctx, account.ID)
	require.NoError(t, err)
	assert.Empty(t, folders)

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.DeletedAt)
}

func TestFolderStateRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	s, pool := newTestStore(t)
	ctx := context.Background()
	account := seedAccount(t, pool, models.ProviderGeneric)
	inbox := seedFolder(t, s, account, "INBOX", models.RoleInbox)

	info, err := s.GetFolderInfo(ctx, account.ID, inbox.ID)
	require.NoError(t, err)
	assert.Nil(t, info, "fresh folder has no session state")

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.SaveFolderInfo(ctx, &models.ImapFolderInfo{
		AccountID: account.ID, FolderID: inbox.ID,
		UIDValidity: 7, UIDNext: 100, HighestModSeq: 555, LastSlowRefresh: &now,
	}))

	info, err = s.GetFolderInfo(ctx, account.ID, inbox.ID)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, uint32(7), info.UIDValidity)
	assert.Equal(t, uint64(555), info.HighestModSeq)

	status, err := s.GetSyncStatus(ctx, account.ID, inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StateInitial, status.State)

	require.NoError(t, s.SetEngineState(ctx, account.ID, inbox.ID, models.StatePoll))
	runs, err := s.IncrementUIDInvalidRuns(ctx, account.ID, inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, runs)

	status, err = s.GetSyncStatus(ctx, account.ID, inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatePoll, status.State)
	assert.Equal(t, 1, status.UIDInvalidRuns)

	require.NoError(t, s.ResetUIDInvalidRuns(ctx, account.ID, inbox.ID))
	status, err = s.GetSyncStatus(ctx, account.ID, inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, status.UIDInvalidRuns)
}
