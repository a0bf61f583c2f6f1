package sync

import (
	"context"
	"log"
	stdsync "sync"
	"time"

	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/heartbeat"
	"github.com/vdavid/mailsync/internal/imapconn"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/retry"
	"github.com/vdavid/mailsync/internal/store"
)

// folderRefreshInterval is how often the monitor re-lists remote folders.
const folderRefreshInterval = 30 * time.Second

// Monitor owns the sync of one account: it discovers folders, keeps one
// engine per folder running, and runs the account's delete handler.
type Monitor struct {
	cfg     *config.Config
	store   *store.Store
	pool    *imapconn.Pool
	hb      *heartbeat.Publisher
	account *models.Account
	conn    imapconn.AccountConn

	Renames *LabelRenameHandler

	mu      stdsync.Mutex
	engines map[int64]*engineHandle

	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

type engineHandle struct {
	engine *Engine
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor builds an account monitor. Start launches it.
func NewMonitor(cfg *config.Config, st *store.Store, pool *imapconn.Pool, hb *heartbeat.Publisher, account *models.Account) *Monitor {
	m := &Monitor{
		cfg:     cfg,
		store:   st,
		pool:    pool,
		hb:      hb,
		account: account,
		conn:    imapconn.ConnFor(account.ID, account.IMAPServer),
		engines: make(map[int64]*engineHandle),
	}
	if account.Provider.SupportsLabels() {
		m.Renames = NewLabelRenameHandler(st, pool, account)
	}
	return m
}

// Account returns the monitored account.
func (m *Monitor) Account() *models.Account {
	return m.account
}

// Start launches the monitor loop and the account's delete handler.
func (m *Monitor) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel

	deletes := NewDeleteHandler(m.store, m.account)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		deletes.Run(ctx)
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()
}

// Stop cancels the delete handler and every folder engine, then waits for
// them to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	folderIDs := make([]int64, 0, len(m.engines))
	for id := range m.engines {
		folderIDs = append(folderIDs, id)
	}
	m.engines = make(map[int64]*engineHandle)
	m.mu.Unlock()

	m.hb.Clear(context.Background(), m.account.ID, folderIDs)
	m.pool.RemoveAccount(m.account.ID)
}

func (m *Monitor) run(ctx context.Context) {
	for {
		if err := m.refreshFolders(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			if imapconn.IsAuthFailure(err) {
				log.Printf("[monitor] account %d: credentials rejected, marking invalid: %v", m.account.ID, err)
				if merr := m.store.MarkAccountInvalid(ctx, m.account.ID, err.Error()); merr != nil {
					log.Printf("[monitor] account %d: failed to mark invalid: %v", m.account.ID, merr)
				}
				return
			}
			log.Printf("[monitor] account %d: folder refresh failed: %v", m.account.ID, err)
		}

		if err := retry.Sleep(ctx, retry.Jitter(folderRefreshInterval, 0.2)); err != nil {
			return
		}
	}
}

// refreshFolders lists the remote folders, reconciles the local Folder (and
// Gmail Label) rows, and starts or reaps engines to match. New engines
// start one at a time: each must reach its poll state before the next
// spawns, so a fresh account doesn't open a connection per folder at once.
func (m *Monitor) refreshFolders(ctx context.Context) error {
	session, release, err := m.pool.Acquire(ctx, m.conn)
	if err != nil {
		return err
	}
	remote, err := session.List()
	release()
	if err != nil {
		return err
	}

	mapper := imapconn.NameMapper{Prefix: m.account.FolderPrefix, Separator: m.account.FolderSeparator}

	if m.account.Provider.SupportsLabels() {
		created, tombstoned, err := reconcileGmailLabels(ctx, m.store, m.account, remote)
		if err != nil {
			return err
		}
		if oldName, newName, ok := detectLabelRename(created, tombstoned); ok {
			log.Printf("[monitor] account %d: label %q renamed to %q, re-resolving message labels", m.account.ID, oldName, newName)
			// The re-search can take a while on big accounts; don't stall
			// folder reconciliation on it.
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				if err := m.Renames.HandleRename(ctx, oldName, newName); err != nil && ctx.Err() == nil {
					log.Printf("[monitor] account %d: label rename refresh failed: %v", m.account.ID, err)
				}
			}()
		}
	}

	remoteByLocal := make(map[string]imapconn.RemoteFolder, len(remote))
	for _, rf := range remote {
		remoteByLocal[mapper.ToLocal(rf.Name)] = rf
	}

	syncable := make(map[int64]*models.Folder)
	for localName, rf := range remoteByLocal {
		folder, err := m.store.UpsertFolder(ctx, m.account, localName, rf.Role)
		if err != nil {
			return err
		}
		syncable[folder.ID] = folder
	}

	local, err := m.store.ListFolders(ctx, m.account.ID)
	if err != nil {
		return err
	}
	for _, folder := range local {
		if _, ok := remoteByLocal[folder.Name]; ok {
			continue
		}
		log.Printf("[monitor] account %d: folder %q removed remotely", m.account.ID, folder.Name)
		m.stopEngine(folder.ID)
		if err := m.store.DeleteFolder(ctx, m.account, folder.ID); err != nil {
			return err
		}
	}

	return m.reconcileEngines(ctx, syncable)
}

func (m *Monitor) reconcileEngines(ctx context.Context, folders map[int64]*models.Folder) error {
	// Reap engines that exited on their own.
	m.mu.Lock()
	for id, h := range m.engines {
		select {
		case <-h.done:
			delete(m.engines, id)
		default:
		}
	}
	m.mu.Unlock()

	// Inbox-first order comes from ListFolders; preserve it here.
	ordered, err := m.store.ListFolders(ctx, m.account.ID)
	if err != nil {
		return err
	}

	for _, folder := range ordered {
		f, ok := folders[folder.ID]
		if !ok {
			continue
		}
		m.mu.Lock()
		_, running := m.engines[f.ID]
		m.mu.Unlock()
		if running {
			continue
		}

		status, err := m.store.GetSyncStatus(ctx, m.account.ID, f.ID)
		if err != nil {
			return err
		}
		if !status.SyncShouldRun {
			continue
		}

		engine := NewEngine(m.cfg, m.store, m.pool, m.hb, m.account, f)
		engineCtx, cancel := context.WithCancel(ctx)
		h := &engineHandle{engine: engine, cancel: cancel, done: make(chan struct{})}

		m.mu.Lock()
		m.engines[f.ID] = h
		m.mu.Unlock()

		m.wg.Add(1)
		go func(f *models.Folder) {
			defer m.wg.Done()
			defer close(h.done)
			if err := engine.Run(engineCtx); err != nil && engineCtx.Err() == nil {
				log.Printf("[monitor] account %d folder %q: engine exited: %v", m.account.ID, f.Name, err)
			}
		}(f)

		select {
		case <-engine.PollReached():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Monitor) stopEngine(folderID int64) {
	m.mu.Lock()
	h, ok := m.engines[folderID]
	if ok {
		delete(m.engines, folderID)
	}
	m.mu.Unlock()
	if ok {
		h.cancel()
		<-h.done
	}
}

// RunningFolderIDs returns the folder ids with live engines, for the
// control listener's snapshot.
func (m *Monitor) RunningFolderIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.engines))
	for id := range m.engines {
		ids = append(ids, id)
	}
	return ids
}
