// Package sync runs the per-account replication machinery: one monitor per
// account discovering folders, one engine per folder walking the
// initial/poll state machine, and one delete handler per account applying
// tombstone TTLs.
package sync

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/heartbeat"
	"github.com/vdavid/mailsync/internal/imapconn"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/retry"
	"github.com/vdavid/mailsync/internal/store"
)

const (
	// maxUIDInvalidResyncs is how many consecutive uidvalidity-forced
	// resyncs a folder gets before it is stopped.
	maxUIDInvalidResyncs = 5

	pollIntervalInbox = 10 * time.Second
	pollInterval      = 30 * time.Second
	idleWait          = 60 * time.Second

	downloadBatchSize = 100
)

// coordination is the process-wide semaphore around full UID-set diffs, so
// hundreds of folders entering initial sync at once don't all hold their
// remote UID sets in memory simultaneously.
var coordination = make(chan struct{}, 1)

// Engine replicates one folder. It is created by the account monitor and
// runs until its folder finishes, its context is canceled, or the folder is
// stopped.
type Engine struct {
	cfg     *config.Config
	store   *store.Store
	pool    *imapconn.Pool
	hb      *heartbeat.Publisher
	conn    imapconn.AccountConn
	account *models.Account
	folder  *models.Folder
	state   models.EngineState

	pollReached chan struct{}
	pollOnce    bool

	// downloadsSinceWait counts messages fetched since the last throttle
	// pause for throttled accounts.
	downloadsSinceWait int

	// lastFlagsDigest fingerprints the previous fast flag refresh response
	// so an identical response skips the store entirely.
	lastFlagsDigest string
}

// NewEngine builds a folder engine. Run must be called exactly once.
func NewEngine(cfg *config.Config, st *store.Store, pool *imapconn.Pool, hb *heartbeat.Publisher, account *models.Account, folder *models.Folder) *Engine {
	return &Engine{
		cfg:         cfg,
		store:       st,
		pool:        pool,
		hb:          hb,
		conn:        imapconn.ConnFor(account.ID, account.IMAPServer),
		account:     account,
		folder:      folder,
		pollReached: make(chan struct{}),
	}
}

// PollReached is closed the first time the engine enters the poll state (or
// exits without reaching it). The monitor staggers engine startup on it.
func (e *Engine) PollReached() <-chan struct{} {
	return e.pollReached
}

func (e *Engine) markPollReached() {
	if !e.pollOnce {
		e.pollOnce = true
		close(e.pollReached)
	}
}

// Run drives the folder's state machine until finish or cancellation.
// Transient errors retry the current state forever with jittered backoff;
// uidvalidity changes shunt into the _uidinvalid variant of the state.
func (e *Engine) Run(ctx context.Context) error {
	defer e.markPollReached()

	status, err := e.store.GetSyncStatus(ctx, e.account.ID, e.folder.ID)
	if err != nil {
		return err
	}
	if !status.SyncShouldRun {
		log.Printf("[sync] account %d folder %q: sync disabled, not starting", e.account.ID, e.folder.Name)
		return nil
	}
	e.state = status.State

	policy := retry.Policy{Name: fmt.Sprintf("sync account=%d folder=%s", e.account.ID, e.folder.Name)}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if e.state == models.StateFinish {
			e.hb.Publish(ctx, e.account.ID, e.folder.ID, string(e.state))
			return nil
		}

		e.hb.Publish(ctx, e.account.ID, e.folder.ID, string(e.state))
		if e.state.Base() == models.StatePoll {
			e.markPollReached()
		}

		var next models.EngineState
		err := policy.Run(ctx, func() error {
			n, herr := e.runState(ctx)
			if herr != nil {
				// State-machine results and auth failures must not be
				// retried as if they were network blips.
				if imapconn.IsUIDInvalid(herr) || imapconn.IsFolderMissing(herr) || imapconn.IsAuthFailure(herr) {
					return retry.Permanent(herr)
				}
				return herr
			}
			next = n
			return nil
		})
		if err != nil {
			switch {
			case imapconn.IsUIDInvalid(err):
				next = e.state.UIDInvalid()
			case imapconn.IsFolderMissing(err):
				log.Printf("[sync] account %d folder %q disappeared remotely, finishing", e.account.ID, e.folder.Name)
				next = models.StateFinish
			case imapconn.IsAuthFailure(err):
				reason := err.Error()
				if merr := e.store.MarkAccountInvalid(ctx, e.account.ID, reason); merr != nil {
					log.Printf("[sync] account %d: failed to mark invalid: %v", e.account.ID, merr)
				}
				return err
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				return err
			}
		}

		if next != e.state {
			e.state = next
			if err := e.store.SetEngineState(ctx, e.account.ID, e.folder.ID, next); err != nil {
				log.Printf("[sync] account %d folder %q: failed to persist state %s: %v", e.account.ID, e.folder.Name, next, err)
			}
		}
	}
}

func (e *Engine) runState(ctx context.Context) (models.EngineState, error) {
	switch e.state {
	case models.StateInitial:
		return e.initialSync(ctx)
	case models.StatePoll:
		return e.poll(ctx)
	case models.StateInitialUIDInvalid, models.StatePollUIDInvalid:
		return e.resync(ctx)
	}
	return models.StateFinish, nil
}

// uidValidityCallback compares the remote UIDVALIDITY against what we have
// stored. A greater remote value invalidates every cached UID.
func (e *Engine) uidValidityCallback(ctx context.Context) imapconn.UIDValidityCallback {
	return func(folder string, remote uint32) error {
		info, err := e.store.GetFolderInfo(ctx, e.account.ID, e.folder.ID)
		if err != nil {
			return err
		}
		if info != nil && remote > info.UIDValidity {
			return &imapconn.UIDInvalidError{Folder: folder, Remote: remote, Stored: info.UIDValidity}
		}
		return nil
	}
}

// resync handles the _uidinvalid states: confirm the uidvalidity really
// changed, wipe the folder's UIDs, and start over — or stop the folder
// after too many consecutive wipes.
func (e *Engine) resync(ctx context.Context) (models.EngineState, error) {
	session, release, err := e.pool.Acquire(ctx, e.conn)
	if err != nil {
		return e.state, err
	}
	defer release()

	// Select without the validity callback to read the remote value.
	info, err := session.Select(e.remoteName(), nil)
	if err != nil {
		return e.state, err
	}

	stored, err := e.store.GetFolderInfo(ctx, e.account.ID, e.folder.ID)
	if err != nil {
		return e.state, err
	}
	if stored == nil || info.UIDValidity <= stored.UIDValidity {
		// Spurious: the server reports the value we already hold.
		return e.state.Base(), nil
	}

	runs, err := e.store.IncrementUIDInvalidRuns(ctx, e.account.ID, e.folder.ID)
	if err != nil {
		return e.state, err
	}
	if runs > maxUIDInvalidResyncs {
		log.Printf("[sync] account %d folder %q: uidvalidity changed %d times in a row, stopping folder",
			e.account.ID, e.folder.Name, runs)
		if err := e.store.StopFolderSync(ctx, e.account.ID, e.folder.ID); err != nil {
			return e.state, err
		}
		if e.folder.IsInbox() {
			reason := fmt.Sprintf("inbox uidvalidity changed %d times consecutively", runs)
			if err := e.store.StopAccountSync(ctx, e.account.ID, reason); err != nil {
				return e.state, err
			}
		}
		return models.StateFinish, nil
	}

	log.Printf("[sync] account %d folder %q: uidvalidity %d -> %d, resyncing (run %d)",
		e.account.ID, e.folder.Name, stored.UIDValidity, info.UIDValidity, runs)

	local, err := e.store.LocalUIDs(ctx, e.account.ID, e.folder.ID)
	if err != nil {
		return e.state, err
	}
	all := make([]uint32, 0, len(local))
	for uid := range local {
		all = append(all, uid)
	}
	if err := e.store.RemoveDeletedUIDs(ctx, e.account, e.folder, all); err != nil {
		return e.state, err
	}
	if err := e.store.ClearFolderInfo(ctx, e.account.ID, e.folder.ID); err != nil {
		return e.state, err
	}

	return models.StateInitial, nil
}

// remoteName maps the local folder name to the provider's naming scheme.
func (e *Engine) remoteName() string {
	mapper := imapconn.NameMapper{Prefix: e.account.FolderPrefix, Separator: e.account.FolderSeparator}
	return mapper.ToRemote(e.folder.Name)
}

// throttle pauses a throttled account's downloads every ThrottleCount
// messages.
func (e *Engine) throttle(ctx context.Context, downloaded int) error {
	if !e.account.Throttled {
		return nil
	}
	e.downloadsSinceWait += downloaded
	if e.downloadsSinceWait < e.cfg.ThrottleCount {
		return nil
	}
	e.downloadsSinceWait = 0
	wait := time.Duration(e.cfg.ThrottleWait) * time.Second
	log.Printf("[sync] account %d folder %q: throttled, pausing %s", e.account.ID, e.folder.Name, wait)
	return retry.Sleep(ctx, retry.Jitter(wait, 0.1))
}

// downloadUIDs fetches and stores the given UIDs in batches, newest first.
func (e *Engine) downloadUIDs(ctx context.Context, session *imapconn.Session, uids []uint32) error {
	for start := 0; start < len(uids); start += downloadBatchSize {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		end := start + downloadBatchSize
		if end > len(uids) {
			end = len(uids)
		}
		batch := uids[start:end]

		messages, err := session.FetchMessages(batch)
		if err != nil {
			return err
		}
		for _, raw := range messages {
			if _, err := e.store.CreateIMAPMessage(ctx, e.account, e.folder, raw); err != nil {
				return err
			}
		}
		if err := e.throttle(ctx, len(batch)); err != nil {
			return err
		}
	}
	return nil
}
