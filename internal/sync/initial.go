package sync

import (
	"context"
	"log"
	"sort"
	"time"

	"github.com/vdavid/mailsync/internal/imapconn"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/retry"
)

const (
	// hugeFolderThreshold is the remote UID count past which the initial
	// inbox search is bounded to recent messages instead of the whole
	// folder.
	hugeFolderThreshold = 1_000_000
	// hugeFolderWindow bounds the initial search on huge folders.
	hugeFolderWindow = 30 * 24 * time.Hour

	// siblingPollInterval is how often the change poller looks for new
	// arrivals while the initial download is still running.
	siblingPollInterval = 60 * time.Second
)

// initialSync downloads the folder from scratch: diff the remote UID set
// against local state, drop what vanished, download what's missing newest
// first. A sibling goroutine keeps watching for new arrivals so a
// multi-hour initial sync still surfaces fresh mail quickly.
func (e *Engine) initialSync(ctx context.Context) (models.EngineState, error) {
	session, release, err := e.pool.Acquire(ctx, e.conn)
	if err != nil {
		return e.state, err
	}
	defer release()

	info, err := session.Select(e.remoteName(), e.uidValidityCallback(ctx))
	if err != nil {
		return e.state, err
	}

	if err := e.ensureFolderInfo(ctx, info); err != nil {
		return e.state, err
	}

	toDownload, toDelete, remoteCount, err := e.diffUIDs(ctx, session, info)
	if err != nil {
		return e.state, err
	}

	if err := e.store.UpdateSyncCounts(ctx, e.account.ID, e.folder.ID, remoteCount, len(toDownload)); err != nil {
		return e.state, err
	}
	if len(toDelete) > 0 {
		if err := e.store.RemoveDeletedUIDs(ctx, e.account, e.folder, toDelete); err != nil {
			return e.state, err
		}
	}

	if len(toDownload) > 0 {
		log.Printf("[sync] account %d folder %q: initial sync downloading %d messages",
			e.account.ID, e.folder.Name, len(toDownload))

		pollerCtx, stopPoller := context.WithCancel(ctx)
		pollerDone := make(chan struct{})
		go func() {
			defer close(pollerDone)
			e.pollNewDuringInitial(pollerCtx, info.UIDNext)
		}()

		err = e.downloadUIDs(ctx, session, toDownload)
		stopPoller()
		<-pollerDone
		if err != nil {
			return e.state, err
		}
	}

	if err := e.saveFolderCursor(ctx, session, info); err != nil {
		return e.state, err
	}
	return models.StatePoll, nil
}

// diffUIDs computes the remote-vs-local UID difference under the global
// coordination semaphore. Download order is newest first, with Gmail's
// All Mail additionally pulling inbox-labeled messages to the front.
func (e *Engine) diffUIDs(ctx context.Context, session *imapconn.Session, info *imapconn.SelectInfo) (toDownload, toDelete []uint32, remoteCount int, err error) {
	select {
	case coordination <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, 0, ctx.Err()
	}
	defer func() { <-coordination }()

	remote, err := e.remoteUIDs(session, info)
	if err != nil {
		return nil, nil, 0, err
	}

	local, err := e.store.LocalUIDs(ctx, e.account.ID, e.folder.ID)
	if err != nil {
		return nil, nil, 0, err
	}

	remoteSet := make(map[uint32]struct{}, len(remote))
	for _, uid := range remote {
		remoteSet[uid] = struct{}{}
		if _, have := local[uid]; !have {
			toDownload = append(toDownload, uid)
		}
	}
	for uid := range local {
		if _, ok := remoteSet[uid]; !ok {
			toDelete = append(toDelete, uid)
		}
	}

	sort.Slice(toDownload, func(i, j int) bool { return toDownload[i] > toDownload[j] })

	if e.account.Provider.SupportsLabels() && e.folder.Role == models.RoleAll && session.SupportsGmailExt() {
		toDownload = e.prioritizeInboxUIDs(session, toDownload)
	} else if !e.account.Provider.SupportsLabels() {
		toDownload = groupThreadSiblings(session, toDownload)
	}

	return toDownload, toDelete, len(remote), nil
}

// remoteUIDs fetches the folder's UID set, bounding the search window on
// enormous folders so the initial pass stays tractable.
func (e *Engine) remoteUIDs(session *imapconn.Session, info *imapconn.SelectInfo) ([]uint32, error) {
	if info.Exists >= hugeFolderThreshold && (e.folder.IsInbox() || e.folder.Role == models.RoleAll) {
		log.Printf("[sync] account %d folder %q: %d messages remotely, limiting initial sync to %s",
			e.account.ID, e.folder.Name, info.Exists, hugeFolderWindow)
		return session.UIDsSince(time.Now().Add(-hugeFolderWindow))
	}
	return session.AllUIDs()
}

// prioritizeInboxUIDs reorders an All Mail download so messages carrying
// the \Inbox label come down first. Search failure just keeps the original
// order.
func (e *Engine) prioritizeInboxUIDs(session *imapconn.Session, uids []uint32) []uint32 {
	inboxUIDs, err := session.SearchGmailLabel("\\Inbox")
	if err != nil {
		log.Printf("[sync] account %d: inbox label search failed, keeping uid order: %v", e.account.ID, err)
		return uids
	}
	inbox := make(map[uint32]struct{}, len(inboxUIDs))
	for _, uid := range inboxUIDs {
		inbox[uid] = struct{}{}
	}

	reordered := make([]uint32, 0, len(uids))
	var rest []uint32
	for _, uid := range uids {
		if _, ok := inbox[uid]; ok {
			reordered = append(reordered, uid)
		} else {
			rest = append(rest, uid)
		}
	}
	return append(reordered, rest...)
}

// groupThreadSiblings reorders a download so messages from one conversation
// arrive consecutively: the reference resolver can then attach a reply to
// the thread row created moments earlier instead of falling back to the
// subject heuristic. Servers without THREAD keep the newest-first order.
func groupThreadSiblings(session *imapconn.Session, uids []uint32) []uint32 {
	if len(uids) < 2 {
		return uids
	}
	roots, err := session.ThreadRoots()
	if err != nil {
		return uids
	}

	order := make([]uint32, 0, len(uids))
	members := make(map[uint32][]uint32, len(uids))
	for _, uid := range uids {
		root, ok := roots[uid]
		if !ok {
			root = uid
		}
		if _, seen := members[root]; !seen {
			order = append(order, root)
		}
		members[root] = append(members[root], uid)
	}

	grouped := make([]uint32, 0, len(uids))
	for _, root := range order {
		grouped = append(grouped, members[root]...)
	}
	return grouped
}

// pollNewDuringInitial watches for arrivals above the UIDNEXT observed at
// the start of the initial sync and downloads them on a second session, so
// new mail doesn't wait behind a long backfill.
func (e *Engine) pollNewDuringInitial(ctx context.Context, startUIDNext uint32) {
	lastSeen := startUIDNext
	for {
		if err := retry.Sleep(ctx, retry.Jitter(siblingPollInterval, 0.2)); err != nil {
			return
		}

		session, release, err := e.pool.Acquire(ctx, e.conn)
		if err != nil {
			continue
		}
		uidNext, err := session.UIDNext(e.remoteName())
		if err != nil || uidNext <= lastSeen {
			release()
			continue
		}

		if _, err := session.Select(e.remoteName(), nil); err != nil {
			release()
			continue
		}
		all, err := session.AllUIDs()
		if err != nil {
			release()
			continue
		}
		var fresh []uint32
		for _, uid := range all {
			if uid >= lastSeen {
				fresh = append(fresh, uid)
			}
		}
		if err := e.downloadUIDs(ctx, session, fresh); err != nil {
			log.Printf("[sync] account %d folder %q: change poller download failed: %v",
				e.account.ID, e.folder.Name, err)
		} else {
			lastSeen = uidNext
		}
		release()
	}
}

// ensureFolderInfo persists the folder's session state on first select.
func (e *Engine) ensureFolderInfo(ctx context.Context, info *imapconn.SelectInfo) error {
	stored, err := e.store.GetFolderInfo(ctx, e.account.ID, e.folder.ID)
	if err != nil {
		return err
	}
	if stored != nil {
		return nil
	}
	return e.store.SaveFolderInfo(ctx, &models.ImapFolderInfo{
		AccountID:     e.account.ID,
		FolderID:      e.folder.ID,
		UIDValidity:   info.UIDValidity,
		UIDNext:       info.UIDNext,
		HighestModSeq: info.HighestModSeq,
	})
}

// saveFolderCursor records where the poll state should pick up.
func (e *Engine) saveFolderCursor(ctx context.Context, session *imapconn.Session, info *imapconn.SelectInfo) error {
	stored, err := e.store.GetFolderInfo(ctx, e.account.ID, e.folder.ID)
	if err != nil {
		return err
	}
	var lastSlowRefresh *time.Time
	if stored != nil {
		lastSlowRefresh = stored.LastSlowRefresh
	}
	return e.store.SaveFolderInfo(ctx, &models.ImapFolderInfo{
		AccountID:       e.account.ID,
		FolderID:        e.folder.ID,
		UIDValidity:     info.UIDValidity,
		UIDNext:         info.UIDNext,
		HighestModSeq:   info.HighestModSeq,
		LastSlowRefresh: lastSlowRefresh,
	})
}
