// Package scheduler decides which accounts this process syncs. Unclaimed
// accounts circulate on a per-zone shared queue; each process also has a
// private queue for targeted events such as migrations. Ownership is
// recorded in accounts.sync_host and only ever written for this process's
// own identifier.
package scheduler

import (
	"context"
	"errors"
	"log"
	"math/rand"
	stdsync "sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/heartbeat"
	"github.com/vdavid/mailsync/internal/imapconn"
	"github.com/vdavid/mailsync/internal/queue"
	"github.com/vdavid/mailsync/internal/retry"
	"github.com/vdavid/mailsync/internal/store"
	enginesync "github.com/vdavid/mailsync/internal/sync"
)

const (
	// pollIntervalMax bounds the randomized wait between reconcile passes;
	// the actual wait is uniform in [pollIntervalMin, pollIntervalMax].
	pollIntervalMin = 5 * time.Second
	pollIntervalMax = 30 * time.Second

	// maxStartingLoad is the number of recently started monitors past which
	// the process re-enqueues claims instead of taking on more.
	maxStartingLoad = 10

	// startingWindow is how long a monitor counts against the starting
	// load.
	startingWindow = 30 * time.Second
)

// Scheduler runs account monitors for the accounts this process owns and
// negotiates claims over the shared zone queue.
type Scheduler struct {
	cfg       *config.Config
	store     *store.Store
	pool      *imapconn.Pool
	hb        *heartbeat.Publisher
	processID string

	zoneQueue    *queue.Queue
	privateQueue *queue.Queue
	group        *queue.Group

	// mu is the process-wide scheduler lock: poll passes and claim
	// handling are serialized under it.
	mu        stdsync.Mutex
	monitors  map[int64]*enginesync.Monitor
	startedAt map[int64]time.Time

	cancel context.CancelFunc
}

// New builds a scheduler. Queue names derive from the zone and the process
// identifier.
func New(cfg *config.Config, st *store.Store, pool *imapconn.Pool, hb *heartbeat.Publisher, redisClient *redis.Client) *Scheduler {
	processID := cfg.ProcessIdentifier()
	zoneQueue := queue.New("sync:queue:"+cfg.Zone, redisClient)
	privateQueue := queue.New("sync:private:"+processID, redisClient)

	return &Scheduler{
		cfg:          cfg,
		store:        st,
		pool:         pool,
		hb:           hb,
		processID:    processID,
		zoneQueue:    zoneQueue,
		privateQueue: privateQueue,
		group:        queue.NewGroup(redisClient, privateQueue, zoneQueue),
		monitors:     make(map[int64]*enginesync.Monitor),
		startedAt:    make(map[int64]time.Time),
	}
}

// ProcessID returns this process's sync_host identifier.
func (s *Scheduler) ProcessID() string {
	return s.processID
}

// Run reconciles and waits on the queues until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	log.Printf("[scheduler] %s starting in zone %q", s.processID, s.cfg.Zone)

	for {
		if err := s.poll(runCtx); err != nil {
			if runCtx.Err() != nil {
				return runCtx.Err()
			}
			log.Printf("[scheduler] poll failed: %v", err)
		}

		wait := pollIntervalMin + time.Duration(rand.Int63n(int64(pollIntervalMax-pollIntervalMin)))
		event, err := s.group.ReceiveEvent(runCtx, wait)
		if err != nil {
			if runCtx.Err() != nil {
				return runCtx.Err()
			}
			log.Printf("[scheduler] queue receive failed: %v", err)
			_ = retry.Sleep(runCtx, wait)
			continue
		}
		if event == nil {
			continue
		}

		switch event["queue_name"] {
		case s.privateQueue.Name():
			s.handlePrivateEvent(runCtx, event)
		case s.zoneQueue.Name():
			s.handleClaim(runCtx, event)
		}
	}
}

// Stop shuts the scheduler down, stopping every monitor. Ownership stays
// recorded in sync_host so a restart reclaims the same accounts.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}

	s.mu.Lock()
	monitors := make([]*enginesync.Monitor, 0, len(s.monitors))
	for _, m := range s.monitors {
		monitors = append(monitors, m)
	}
	s.monitors = make(map[int64]*enginesync.Monitor)
	s.startedAt = make(map[int64]time.Time)
	s.mu.Unlock()

	for _, m := range monitors {
		m.Stop()
	}
}

// poll reconciles the desired monitor set against the running one and
// re-enqueues unassigned accounts onto the zone queue.
func (s *Scheduler) poll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	desired, err := s.store.AccountsForHost(ctx, s.processID)
	if err != nil {
		return err
	}
	desiredSet := make(map[int64]struct{}, len(desired))
	for _, account := range desired {
		desiredSet[account.ID] = struct{}{}
		if _, running := s.monitors[account.ID]; !running {
			s.startMonitorLocked(ctx, account.ID)
		}
	}

	// Accounts we run but no longer own (stopped, invalidated, or pinned
	// elsewhere) get their monitors stopped.
	for id, m := range s.monitors {
		if _, ok := desiredSet[id]; !ok {
			log.Printf("[scheduler] %s no longer owns account %d, stopping monitor", s.processID, id)
			delete(s.monitors, id)
			delete(s.startedAt, id)
			go m.Stop()
		}
	}

	// Hand off accounts whose desired host is someone else.
	migrating, err := s.store.MigratingAccountIDs(ctx, s.processID)
	if err != nil {
		return err
	}
	for _, id := range migrating {
		if m, ok := s.monitors[id]; ok {
			delete(s.monitors, id)
			delete(s.startedAt, id)
			go m.Stop()
		}
		if err := s.store.ReleaseAccount(ctx, id, s.processID); err != nil {
			return err
		}
		if err := s.zoneQueue.SendEvent(ctx, queue.Event{"event": "claim", "account_id": id}); err != nil {
			return err
		}
	}

	// Reconcile: any runnable account without a host goes on the queue.
	unassigned, err := s.store.UnassignedAccountIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range unassigned {
		if err := s.zoneQueue.SendEvent(ctx, queue.Event{"event": "claim", "account_id": id}); err != nil {
			return err
		}
	}
	return nil
}

// handleClaim attempts to take ownership of the account named by a zone
// queue event, re-enqueueing it when this process is at capacity.
func (s *Scheduler) handleClaim(ctx context.Context, event queue.Event) {
	accountID, ok := eventAccountID(event)
	if !ok {
		log.Printf("[scheduler] malformed claim event: %v", event)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, running := s.monitors[accountID]; running {
		return
	}

	if len(s.monitors) >= s.cfg.MaxAccountsPerProcess || s.startingLoadLocked() >= maxStartingLoad {
		// Someone else should take it; put it back.
		if err := s.zoneQueue.SendEvent(ctx, event); err != nil {
			log.Printf("[scheduler] failed to re-enqueue account %d: %v", accountID, err)
		}
		return
	}

	if !s.cfg.SyncStealAccounts {
		account, err := s.store.GetAccount(ctx, accountID)
		if err != nil || !account.Claimable() {
			return
		}
	}

	if _, err := s.store.ClaimAccount(ctx, accountID, s.processID); err != nil {
		if !errors.Is(err, store.ErrAccountClaimed) {
			log.Printf("[scheduler] claim of account %d failed: %v", accountID, err)
		}
		return
	}
	log.Printf("[scheduler] %s claimed account %d", s.processID, accountID)
	s.startMonitorLocked(ctx, accountID)
}

// handlePrivateEvent processes targeted events. A migrate event triggers an
// immediate re-poll, which releases any account pinned elsewhere.
func (s *Scheduler) handlePrivateEvent(ctx context.Context, event queue.Event) {
	switch event["event"] {
	case "migrate":
		// Drain any batched migrate events; one poll handles them all.
		for {
			extra, err := s.privateQueue.ReceiveEvent(ctx, -1)
			if err != nil || extra == nil {
				break
			}
		}
		if err := s.poll(ctx); err != nil {
			log.Printf("[scheduler] migrate poll failed: %v", err)
		}
	default:
		log.Printf("[scheduler] unknown private event: %v", event)
	}
}

// startMonitorLocked launches a monitor for an account. Caller holds mu.
func (s *Scheduler) startMonitorLocked(ctx context.Context, accountID int64) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		log.Printf("[scheduler] failed to load account %d: %v", accountID, err)
		return
	}
	if !account.EffectiveHost(s.processID) {
		return
	}

	monitor := enginesync.NewMonitor(s.cfg, s.store, s.pool, s.hb, account)
	monitor.Start(ctx)
	s.monitors[accountID] = monitor
	s.startedAt[accountID] = time.Now()
}

// startingLoadLocked counts monitors still inside their startup window.
func (s *Scheduler) startingLoadLocked() int {
	var n int
	for _, t := range s.startedAt {
		if time.Since(t) < startingWindow {
			n++
		}
	}
	return n
}

// RunningAccounts snapshots the accounts with live monitors, for the
// control listener.
func (s *Scheduler) RunningAccounts() map[int64][]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[int64][]int64, len(s.monitors))
	for id, m := range s.monitors {
		snapshot[id] = m.RunningFolderIDs()
	}
	return snapshot
}

// eventAccountID extracts the account id from a queue event; JSON numbers
// decode as float64.
func eventAccountID(event queue.Event) (int64, bool) {
	switch v := event["account_id"].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}
