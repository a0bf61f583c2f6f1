package sync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailsync/internal/blob"
	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/heartbeat"
	"github.com/vdavid/mailsync/internal/imapconn"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/store"
	"github.com/vdavid/mailsync/internal/testutil"
)

// staticTokens hands out the test server's fixed credentials for every
// account.
type staticTokens struct {
	creds imapconn.Credentials
}

func (s staticTokens) Credentials(int64) (imapconn.Credentials, error) {
	return s.creds, nil
}

type engineFixture struct {
	db      *pgxpool.Pool
	store   *store.Store
	imap    *testutil.TestIMAPServer
	pool    *imapconn.Pool
	account *models.Account
	inbox   *models.Folder
	cfg     *config.Config
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	ctx := context.Background()

	db := testutil.NewTestDB(t)
	st := store.New(db, blob.NewFSStore(t.TempDir(), true))

	srv := testutil.NewTestIMAPServer(t)
	t.Cleanup(srv.Close)

	var id int64
	err := db.QueryRow(ctx, `
		INSERT INTO accounts (public_id, namespace_id, email_address, provider, imap_server)
		VALUES ($1, 1, 'user@example.com', 'generic', $2)
		RETURNING id`,
		fmt.Sprintf("acct-%d", time.Now().UnixNano()), srv.Address).Scan(&id)
	require.NoError(t, err)
	account, err := st.GetAccount(ctx, id)
	require.NoError(t, err)

	inbox, err := st.UpsertFolder(ctx, account, "INBOX", models.RoleInbox)
	require.NoError(t, err)

	pool := imapconn.NewPool(staticTokens{imapconn.Credentials{
		Username: srv.Username(),
		Password: srv.Password(),
	}}, 3)
	t.Cleanup(pool.Close)

	return &engineFixture{
		db:      db,
		store:   st,
		imap:    srv,
		pool:    pool,
		account: account,
		inbox:   inbox,
		cfg:     &config.Config{ThrottleCount: 200, ThrottleWait: 60},
	}
}

// engine builds an inbox engine. The heartbeat publisher points at a dead
// address; publishing is fire-and-forget so tests that never reach Run's
// loop don't need Redis at all.
func (f *engineFixture) engine(hb *heartbeat.Publisher) *Engine {
	if hb == nil {
		hb = heartbeat.NewPublisher(redis.NewClient(&redis.Options{
			Addr:        "127.0.0.1:1",
			DialTimeout: 100 * time.Millisecond,
			MaxRetries:  -1,
		}))
	}
	return NewEngine(f.cfg, f.store, f.pool, hb, f.account, f.inbox)
}

// runInitial drives the engine through one initial-sync pass.
func (f *engineFixture) runInitial(t *testing.T, e *Engine) {
	t.Helper()
	e.state = models.StateInitial
	next, err := e.initialSync(context.Background())
	require.NoError(t, err)
	require.Equal(t, models.StatePoll, next)
	e.state = next
}

// pollOnce runs the new-arrival / flag / expunge portion of a poll pass
// without the trailing wait.
func (f *engineFixture) pollOnce(t *testing.T, e *Engine) {
	t.Helper()
	ctx := context.Background()

	session, release, err := f.pool.Acquire(ctx, e.conn)
	require.NoError(t, err)
	defer release()

	info, err := session.Select("INBOX", nil)
	require.NoError(t, err)
	stored, err := f.store.GetFolderInfo(ctx, f.account.ID, f.inbox.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)

	require.NoError(t, e.checkUIDChanges(ctx, session, info, stored))
}

func TestInitialSyncDownloadsFolder(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	f := newEngineFixture(t)
	ctx := context.Background()

	// The in-memory backend seeds INBOX with one message; add two more.
	f.imap.AddMessage(t, "INBOX", "<first@example.com>", "First", "a@example.com", "user@example.com", time.Now())
	f.imap.AddMessage(t, "INBOX", "<second@example.com>", "Second", "b@example.com", "user@example.com", time.Now())

	e := f.engine(nil)
	f.runInitial(t, e)

	local, err := f.store.LocalUIDs(ctx, f.account.ID, f.inbox.ID)
	require.NoError(t, err)
	assert.Len(t, local, 3)

	info, err := f.store.GetFolderInfo(ctx, f.account.ID, f.inbox.ID)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.NotZero(t, info.UIDValidity)
	assert.NotZero(t, info.UIDNext)

	status, err := f.store.GetSyncStatus(ctx, f.account.ID, f.inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, status.RemoteUIDCount)
}

func TestPollDownloadsNewArrival(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	f := newEngineFixture(t)
	ctx := context.Background()

	e := f.engine(nil)
	f.runInitial(t, e)

	uid := f.imap.AddMessage(t, "INBOX", "<fresh@example.com>", "Fresh", "a@example.com", "user@example.com", time.Now())
	f.pollOnce(t, e)

	local, err := f.store.LocalUIDs(ctx, f.account.ID, f.inbox.ID)
	require.NoError(t, err)
	_, ok := local[uid]
	assert.True(t, ok, "new arrival should be downloaded")

	// The cursor advances past the arrival so the next pass is a no-op.
	info, err := f.store.GetFolderInfo(ctx, f.account.ID, f.inbox.ID)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Greater(t, info.UIDNext, uid)
}

func TestPollAppliesFlagChange(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	f := newEngineFixture(t)
	ctx := context.Background()

	uid := f.imap.AddMessage(t, "INBOX", "<flagged@example.com>", "Flagged", "a@example.com", "user@example.com", time.Now())

	e := f.engine(nil)
	f.runInitial(t, e)

	var isRead, isStarred bool
	readFlags := func() {
		err := f.db.QueryRow(ctx, `
			SELECT m.is_read, m.is_starred
			FROM messages m
			JOIN imap_uids u ON u.message_id = m.id
			WHERE u.folder_id = $1 AND u.uid = $2`,
			f.inbox.ID, int64(uid)).Scan(&isRead, &isStarred)
		require.NoError(t, err)
	}

	readFlags()
	require.True(t, isRead, "test messages arrive \\Seen")
	require.False(t, isStarred)

	f.imap.SetFlag(t, "INBOX", uid, "\\Seen", false)
	f.imap.SetFlag(t, "INBOX", uid, "\\Flagged", true)
	f.pollOnce(t, e)

	readFlags()
	assert.False(t, isRead)
	assert.True(t, isStarred)
}

func TestPollRemovesExpungedMessage(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	f := newEngineFixture(t)
	ctx := context.Background()

	uid := f.imap.AddMessage(t, "INBOX", "<doomed@example.com>", "Doomed", "a@example.com", "user@example.com", time.Now())

	e := f.engine(nil)
	f.runInitial(t, e)

	f.imap.DeleteMessage(t, "INBOX", uid)
	f.pollOnce(t, e)

	local, err := f.store.LocalUIDs(ctx, f.account.ID, f.inbox.ID)
	require.NoError(t, err)
	_, ok := local[uid]
	assert.False(t, ok, "expunged uid should be gone locally")

	// The message had a single uid, so it is tombstoned rather than deleted.
	var tombstoned int
	err = f.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE message_id_header = '<doomed@example.com>' AND deleted_at IS NOT NULL`).Scan(&tombstoned)
	require.NoError(t, err)
	assert.Equal(t, 1, tombstoned)
}

func TestResyncSpuriousUIDValidityKeepsState(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	f := newEngineFixture(t)
	ctx := context.Background()

	e := f.engine(nil)
	f.runInitial(t, e)

	before, err := f.store.LocalUIDs(ctx, f.account.ID, f.inbox.ID)
	require.NoError(t, err)

	// The server still reports the uidvalidity we hold, so the invalid
	// state resolves back to poll without wiping anything.
	e.state = models.StatePollUIDInvalid
	next, err := e.resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StatePoll, next)

	after, err := f.store.LocalUIDs(ctx, f.account.ID, f.inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestResyncWipesFolderOnUIDValidityChange(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	f := newEngineFixture(t)
	ctx := context.Background()

	e := f.engine(nil)
	f.runInitial(t, e)

	// Pretend we synced under an older uidvalidity than the server now
	// reports.
	info, err := f.store.GetFolderInfo(ctx, f.account.ID, f.inbox.ID)
	require.NoError(t, err)
	require.NotNil(t, info)
	info.UIDValidity--
	require.NoError(t, f.store.SaveFolderInfo(ctx, info))

	e.state = models.StatePollUIDInvalid
	next, err := e.resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StateInitial, next)

	local, err := f.store.LocalUIDs(ctx, f.account.ID, f.inbox.ID)
	require.NoError(t, err)
	assert.Empty(t, local)

	cleared, err := f.store.GetFolderInfo(ctx, f.account.ID, f.inbox.ID)
	require.NoError(t, err)
	assert.Nil(t, cleared)

	status, err := f.store.GetSyncStatus(ctx, f.account.ID, f.inbox.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.UIDInvalidRuns)
}

func TestResyncStopsFolderAfterTooManyRuns(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	f := newEngineFixture(t)
	ctx := context.Background()

	e := f.engine(nil)
	f.runInitial(t, e)

	info, err := f.store.GetFolderInfo(ctx, f.account.ID, f.inbox.ID)
	require.NoError(t, err)
	require.NotNil(t, info)
	info.UIDValidity--
	require.NoError(t, f.store.SaveFolderInfo(ctx, info))

	_, err = f.db.Exec(ctx, `
		UPDATE imap_folder_sync_status SET uidinvalid_runs = $1
		WHERE account_id = $2 AND folder_id = $3`,
		maxUIDInvalidResyncs, f.account.ID, f.inbox.ID)
	require.NoError(t, err)

	e.state = models.StatePollUIDInvalid
	next, err := e.resync(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StateFinish, next)

	status, err := f.store.GetSyncStatus(ctx, f.account.ID, f.inbox.ID)
	require.NoError(t, err)
	assert.False(t, status.SyncShouldRun)

	// An unstable inbox stops the whole account.
	account, err := f.store.GetAccount(ctx, f.account.ID)
	require.NoError(t, err)
	assert.False(t, account.SyncShouldRun)
	assert.Equal(t, models.SyncStateStopped, account.SyncState)
}

func TestEngineRunReachesPollAndPublishesHeartbeat(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}
	f := newEngineFixture(t)
	ctx := context.Background()

	client := testutil.NewTestRedis(t)
	e := f.engine(heartbeat.NewPublisher(client))

	runCtx, cancel := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Run(runCtx)
	}()

	select {
	case <-e.PollReached():
	case <-time.After(60 * time.Second):
		t.Fatal("engine never reached poll")
	}

	local, err := f.store.LocalUIDs(ctx, f.account.ID, f.inbox.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, local, "initial sync should have downloaded the seed message")

	key := fmt.Sprintf("%d:%d", f.account.ID, f.inbox.ID)
	exists, err := client.Exists(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists, "heartbeat should be published for the folder")

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(30 * time.Second):
		t.Fatal("engine did not stop on cancellation")
	}
}
