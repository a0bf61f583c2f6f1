package syncback

import (
	"context"
	"errors"
	"log"
	stdsync "sync"
	"time"

	"github.com/vdavid/mailsync/internal/config"
	"github.com/vdavid/mailsync/internal/imapconn"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/retry"
	"github.com/vdavid/mailsync/internal/store"
)

const (
	// namespaceSampleSize bounds how many pending namespaces one pass
	// considers.
	namespaceSampleSize = 500
	// fetchBatchSize is how many raw entries are pulled per namespace.
	fetchBatchSize = 100
	// batchSize caps the tasks handed to one worker at once.
	batchSize = 20
	// maxWorkers bounds concurrent batch executions across all accounts.
	maxWorkers = 500

	schedulerPollInterval = 1 * time.Second

	// maxActionRetries is the transient retry budget per entry.
	maxActionRetries = 5
	// invalidGracePeriod is how long pending actions survive on an account
	// that went invalid, in case the user fixes the credentials.
	invalidGracePeriod = 2 * time.Hour
	// retryInterval is the minimum wait before retrying an entry that
	// already failed transiently.
	retryInterval = 120 * time.Second
	// moveCooldown keeps further actions off a record right after a move,
	// giving the destination folder's poll a chance to observe it.
	moveCooldown = 90 * time.Second
)

// recordKey identifies a record within its namespace for in-flight
// tracking.
type recordKey struct {
	namespaceID int64
	recordID    int64
}

// Processor drains pending action log entries for the namespaces in this
// process's shards.
type Processor struct {
	cfg    *config.Config
	store  *store.Store
	pool   *imapconn.Pool
	tokens imapconn.TokenProvider

	shards      map[int]struct{}
	totalShards int

	workers chan struct{}
	// wake is signaled when a worker finishes, so the scheduling loop can
	// refill without waiting out the full poll interval.
	wake chan struct{}

	mu          stdsync.Mutex
	running     map[recordKey]struct{}
	accountSems map[int64]chan struct{}

	wg stdsync.WaitGroup
}

// New builds a processor. Shard ownership comes from SYNCBACK_ASSIGNMENTS:
// a namespace belongs to shard `namespace_id % totalShards`, this process's
// SYNCBACK_ID selects an assignment, and sibling processes sharing the id
// split its shards by `shard % SYNCBACK_PROCESSES == process number`, so no
// shard ever has two owners.
func New(cfg *config.Config, st *store.Store, pool *imapconn.Pool, tokens imapconn.TokenProvider) *Processor {
	shards := make(map[int]struct{})
	total := 0
	seen := make(map[int]struct{})
	for _, ids := range cfg.SyncbackAssignments {
		for _, shard := range ids {
			if _, ok := seen[shard]; !ok {
				seen[shard] = struct{}{}
				total++
			}
		}
	}
	procs := cfg.SyncbackProcesses
	if procs < 1 {
		procs = 1
	}
	for _, shard := range cfg.SyncbackAssignments[cfg.SyncbackID] {
		if shard%procs == cfg.ProcessNumber%procs {
			shards[shard] = struct{}{}
		}
	}
	if total == 0 {
		// No assignments configured: one implicit shard, same split.
		total = 1
		if cfg.ProcessNumber%procs == 0 {
			shards[0] = struct{}{}
		}
	}

	return &Processor{
		cfg:         cfg,
		store:       st,
		pool:        pool,
		tokens:      tokens,
		shards:      shards,
		totalShards: total,
		workers:     make(chan struct{}, maxWorkers),
		wake:        make(chan struct{}, 1),
		running:     make(map[recordKey]struct{}),
		accountSems: make(map[int64]chan struct{}),
	}
}

// ownsNamespace reports whether this process's shards cover the namespace.
func (p *Processor) ownsNamespace(namespaceID int64) bool {
	shard := int(namespaceID % int64(p.totalShards))
	_, ok := p.shards[shard]
	return ok
}

// Run schedules batches until the context is canceled, then waits for
// in-flight workers.
func (p *Processor) Run(ctx context.Context) error {
	log.Printf("[syncback] processor %d starting, shards %v of %d", p.cfg.SyncbackID, p.shardList(), p.totalShards)

	for {
		if err := p.schedule(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[syncback] scheduling pass failed: %v", err)
		}

		select {
		case <-ctx.Done():
			p.wg.Wait()
			return ctx.Err()
		case <-p.wake:
		case <-time.After(schedulerPollInterval):
		}
	}
}

func (p *Processor) shardList() []int {
	out := make([]int, 0, len(p.shards))
	for s := range p.shards {
		out = append(out, s)
	}
	return out
}

// schedule runs one pass: sample pending namespaces, fold their entries
// into tasks, and hand batches to workers.
func (p *Processor) schedule(ctx context.Context) error {
	namespaces, err := p.store.NamespacesWithPendingActions(ctx, namespaceSampleSize)
	if err != nil {
		return err
	}

	for _, namespaceID := range namespaces {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !p.ownsNamespace(namespaceID) {
			continue
		}
		if err := p.scheduleNamespace(ctx, namespaceID); err != nil {
			log.Printf("[syncback] namespace %d: %v", namespaceID, err)
		}
	}
	return nil
}

func (p *Processor) scheduleNamespace(ctx context.Context, namespaceID int64) error {
	account, err := p.store.AccountForNamespace(ctx, namespaceID)
	if err != nil {
		return err
	}

	if account.SyncState != models.SyncStateRunning {
		// The account can't take writes. Entries older than the grace
		// period fail; newer ones wait in case the credentials come back.
		failed, err := p.store.FailPendingForNamespace(ctx, namespaceID, time.Now().Add(-invalidGracePeriod))
		if err != nil {
			return err
		}
		if failed > 0 {
			log.Printf("[syncback] namespace %d: failed %d actions on %s account", namespaceID, failed, account.SyncState)
		}
		return nil
	}

	entries, err := p.store.PendingActions(ctx, namespaceID, fetchBatchSize)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	entries, err = p.extendTailRun(ctx, namespaceID, entries)
	if err != nil {
		return err
	}

	if namespaceCoolingDown(entries, time.Now()) {
		return nil
	}

	recentMoves, err := p.store.RecentlyMovedRecords(ctx, namespaceID, time.Now().Add(-moveCooldown))
	if err != nil {
		return err
	}

	tasks := Coalesce(p.eligibleEntries(namespaceID, entries, recentMoves))
	for start := 0; start < len(tasks); start += batchSize {
		end := start + batchSize
		if end > len(tasks) {
			end = len(tasks)
		}
		if err := p.submitBatch(ctx, account, tasks[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// extendTailRun keeps fetching past the batch limit while the tail entry's
// coalescible run continues, so a long streak of one action on one record
// folds into a single task instead of dribbling out a page per pass.
func (p *Processor) extendTailRun(ctx context.Context, namespaceID int64, entries []*models.ActionLogEntry) ([]*models.ActionLogEntry, error) {
	if len(entries) < fetchBatchSize {
		return entries, nil
	}
	last := entries[len(entries)-1]
	if !last.Action.Coalescible() {
		return entries, nil
	}

	afterID := last.ID
	for {
		more, err := p.store.PendingActionsAfter(ctx, namespaceID, afterID, fetchBatchSize)
		if err != nil {
			return nil, err
		}
		for _, e := range more {
			if e.RecordID != last.RecordID || e.Action != last.Action {
				return entries, nil
			}
			entries = append(entries, e)
			afterID = e.ID
		}
		if len(more) < fetchBatchSize {
			return entries, nil
		}
	}
}

// namespaceCoolingDown reports whether any fetched entry is waiting out the
// retry interval. One cooling entry parks the whole namespace for the round:
// applying anything newer while it waits could reorder actions on its
// record.
func namespaceCoolingDown(entries []*models.ActionLogEntry, now time.Time) bool {
	for _, e := range entries {
		if e.Retries > 0 && now.Sub(e.UpdatedAt) < retryInterval {
			return true
		}
	}
	return false
}

// eligibleEntries drops entries that cannot run this round: records already
// in flight, and moves still inside the post-move cooldown. A skip always
// takes the record's later entries with it, never just the one entry, so
// per-record application order holds.
func (p *Processor) eligibleEntries(namespaceID int64, entries []*models.ActionLogEntry, recentMoves map[int64]struct{}) []*models.ActionLogEntry {
	eligible := make([]*models.ActionLogEntry, 0, len(entries))
	deferred := make(map[int64]struct{})

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range entries {
		if _, wait := deferred[e.RecordID]; wait {
			continue
		}
		if _, busy := p.running[recordKey{namespaceID, e.RecordID}]; busy {
			deferred[e.RecordID] = struct{}{}
			continue
		}
		if e.Action == models.ActionMove {
			if _, moved := recentMoves[e.RecordID]; moved {
				deferred[e.RecordID] = struct{}{}
				continue
			}
		}
		eligible = append(eligible, e)
	}
	return eligible
}

// submitBatch marks the batch's records in flight and hands it to a
// worker, blocking when all workers are busy.
func (p *Processor) submitBatch(ctx context.Context, account *models.Account, batch []*Task) error {
	p.mu.Lock()
	for _, t := range batch {
		p.running[recordKey{t.NamespaceID, t.RecordID}] = struct{}{}
	}
	p.mu.Unlock()

	select {
	case p.workers <- struct{}{}:
	case <-ctx.Done():
		p.clearRunning(batch)
		return ctx.Err()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			<-p.workers
			p.clearRunning(batch)
			select {
			case p.wake <- struct{}{}:
			default:
			}
		}()
		p.executeBatch(ctx, account, batch)
	}()
	return nil
}

func (p *Processor) clearRunning(batch []*Task) {
	p.mu.Lock()
	for _, t := range batch {
		delete(p.running, recordKey{t.NamespaceID, t.RecordID})
	}
	p.mu.Unlock()
}

// accountSem returns the size-1 semaphore serializing batches per account.
func (p *Processor) accountSem(accountID int64) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	sem, ok := p.accountSems[accountID]
	if !ok {
		sem = make(chan struct{}, 1)
		p.accountSems[accountID] = sem
	}
	return sem
}

// executeBatch applies a batch of tasks sequentially on one account with
// one IMAP acquisition and a deadline proportional to the batch size. The
// first failure aborts the rest of the batch; its entries stay pending.
func (p *Processor) executeBatch(ctx context.Context, account *models.Account, batch []*Task) {
	sem := p.accountSem(account.ID)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-sem }()

	deadline := time.Duration(len(batch)) * 60 * time.Second
	batchCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	x := newExecutor(p.store, p.pool, p.tokens, account)
	defer x.close()

	// Records whose create_event terminally failed; later event tasks in
	// this batch fail without touching the remote.
	failedEvents := make(map[int64]struct{})

	for i, task := range batch {
		if batchCtx.Err() != nil {
			return
		}
		if task.Action == models.ActionUpdateEvent || task.Action == models.ActionDeleteEvent {
			if _, dead := failedEvents[task.RecordID]; dead {
				if err := p.store.MarkActions(batchCtx, task.EntryIDs, models.ActionFailed); err != nil {
					log.Printf("[syncback] failed to cascade-fail entries %v: %v", task.EntryIDs, err)
				}
				continue
			}
		}

		started := time.Now()
		err := x.apply(batchCtx, task)
		if err == nil {
			if err := p.store.MarkActions(batchCtx, task.EntryIDs, models.ActionSuccessful); err != nil {
				log.Printf("[syncback] failed to mark entries %v successful: %v", task.EntryIDs, err)
				return
			}
			log.Printf("[syncback] namespace %d record %d %s ok in %s (%d entries)",
				task.NamespaceID, task.RecordID, task.Action, time.Since(started).Round(time.Millisecond), len(task.EntryIDs))
			continue
		}

		terminal := p.handleFailure(batchCtx, task, err)
		if task.Action == models.ActionCreateEvent {
			if terminal {
				// The event will never exist remotely, so nothing queued
				// against it can succeed either.
				p.abandonEvent(batchCtx, task)
				failedEvents[task.RecordID] = struct{}{}
			}
			continue
		}
		if i < len(batch)-1 {
			log.Printf("[syncback] account %d: aborting %d remaining tasks after failure", account.ID, len(batch)-1-i)
		}
		return
	}
}

// isRetryable separates errors worth burning a retry on from ones that can
// never succeed (missing folders, rejected credentials, bad arguments).
func isRetryable(err error) bool {
	if imapconn.IsFolderMissing(err) || imapconn.IsAuthFailure(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return retry.IsTransient(err)
}

// handleFailure routes a task error: transient failures burn a retry and
// stay pending until the budget runs out, anything else fails immediately.
// Reports whether the task is now terminally failed rather than awaiting a
// retry.
func (p *Processor) handleFailure(ctx context.Context, task *Task, taskErr error) bool {
	log.Printf("[syncback] namespace %d record %d %s failed: %v",
		task.NamespaceID, task.RecordID, task.Action, taskErr)

	if !isRetryable(taskErr) {
		if err := p.store.MarkActions(ctx, task.EntryIDs, models.ActionFailed); err != nil {
			log.Printf("[syncback] failed to mark entries %v failed: %v", task.EntryIDs, err)
		}
		return true
	}

	exhausted, err := p.store.BumpActionRetries(ctx, task.EntryIDs, maxActionRetries)
	if err != nil {
		log.Printf("[syncback] failed to bump retries for %v: %v", task.EntryIDs, err)
		return false
	}
	if len(exhausted) > 0 {
		if err := p.store.MarkActions(ctx, exhausted, models.ActionFailed); err != nil {
			log.Printf("[syncback] failed to mark exhausted entries %v failed: %v", exhausted, err)
		}
	}
	return len(exhausted) > 0
}

// abandonEvent gives up on an event whose create is beyond saving: every
// action still queued against it fails store-side and the event is
// tombstoned on the delta feed so consumers drop their copy.
func (p *Processor) abandonEvent(ctx context.Context, task *Task) {
	n, err := p.store.FailPendingEventActions(ctx, task.NamespaceID, task.RecordID)
	if err != nil {
		log.Printf("[syncback] failed to fail queued actions on event %d: %v", task.RecordID, err)
	} else if n > 0 {
		log.Printf("[syncback] namespace %d: failed %d queued actions on unsendable event %d",
			task.NamespaceID, n, task.RecordID)
	}
	if err := p.store.TombstoneEvent(ctx, task.NamespaceID, task.RecordID); err != nil {
		log.Printf("[syncback] failed to tombstone event %d: %v", task.RecordID, err)
	}
}
