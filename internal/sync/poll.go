package sync

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/vdavid/mailsync/internal/imapconn"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/retry"
)

const (
	// condstoreBatchSize is how many changed UIDs are flag-fetched per
	// CHANGEDSINCE batch, checkpointing highestmodseq after each.
	condstoreBatchSize = 200

	slowRefreshCount    = 2000
	slowRefreshInterval = 3600 * time.Second
	fastRefreshCount    = 100
)

// poll runs one steady-state pass: pick up new arrivals via UIDNEXT, then
// flag changes via CONDSTORE when the server has it or a windowed flag
// refresh when it doesn't, then wait — IDLE on the inbox, a jittered sleep
// elsewhere.
func (e *Engine) poll(ctx context.Context) (models.EngineState, error) {
	session, release, err := e.pool.Acquire(ctx, e.conn)
	if err != nil {
		return e.state, err
	}
	defer release()

	info, err := session.Select(e.remoteName(), e.uidValidityCallback(ctx))
	if err != nil {
		return e.state, err
	}

	stored, err := e.store.GetFolderInfo(ctx, e.account.ID, e.folder.ID)
	if err != nil {
		return e.state, err
	}
	if stored == nil {
		// Poll without a cursor means the folder info was wiped under us.
		return models.StateInitial, nil
	}

	if err := e.checkUIDChanges(ctx, session, info, stored); err != nil {
		return e.state, err
	}

	if err := e.store.ResetUIDInvalidRuns(ctx, e.account.ID, e.folder.ID); err != nil {
		return e.state, err
	}

	if err := e.waitForChanges(ctx, session); err != nil {
		return e.state, err
	}
	return models.StatePoll, nil
}

func (e *Engine) checkUIDChanges(ctx context.Context, session *imapconn.Session, info *imapconn.SelectInfo, stored *models.ImapFolderInfo) error {
	if info.UIDNext > stored.UIDNext {
		if err := e.downloadNewArrivals(ctx, session); err != nil {
			return err
		}
	}

	switch {
	case session.SupportsCondstore():
		if err := e.condstorePass(ctx, session, info, stored); err != nil {
			return err
		}
	default:
		if err := e.flagRefresh(ctx, session, stored); err != nil {
			return err
		}
	}

	stored.UIDNext = info.UIDNext
	stored.UIDValidity = info.UIDValidity
	return e.store.SaveFolderInfo(ctx, stored)
}

// downloadNewArrivals fetches every remote UID above the highest one we
// hold.
func (e *Engine) downloadNewArrivals(ctx context.Context, session *imapconn.Session) error {
	lastSeen, err := e.store.LastSeenUID(ctx, e.account.ID, e.folder.ID)
	if err != nil {
		return err
	}

	all, err := session.AllUIDs()
	if err != nil {
		return err
	}
	var fresh []uint32
	for _, uid := range all {
		if uid > lastSeen {
			fresh = append(fresh, uid)
		}
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i] > fresh[j] })

	return e.downloadUIDs(ctx, session, fresh)
}

// condstorePass applies flag changes the server reports since our stored
// highestmodseq, in batches ordered by modseq so an interrupted pass can
// checkpoint and resume. Afterwards the UID sets are diffed for expunges.
func (e *Engine) condstorePass(ctx context.Context, session *imapconn.Session, info *imapconn.SelectInfo, stored *models.ImapFolderInfo) error {
	if info.HighestModSeq < stored.HighestModSeq {
		// Some servers (notably after mailbox restores) report a lower
		// HIGHESTMODSEQ than we stored. Adjust down and carry on rather
		// than refusing to sync.
		log.Printf("[sync] account %d folder %q: highestmodseq went backwards (%d -> %d), accepting",
			e.account.ID, e.folder.Name, stored.HighestModSeq, info.HighestModSeq)
		stored.HighestModSeq = info.HighestModSeq
		if err := e.store.SaveFolderInfo(ctx, stored); err != nil {
			return err
		}
	}

	if info.HighestModSeq > stored.HighestModSeq {
		changed, err := session.ChangedSinceUIDs(stored.HighestModSeq)
		if err != nil {
			return err
		}
		if len(changed) > 0 {
			flags, err := session.FetchFlags(changed)
			if err != nil {
				return err
			}
			sort.Slice(flags, func(i, j int) bool { return flags[i].ModSeq < flags[j].ModSeq })

			for start := 0; start < len(flags); start += condstoreBatchSize {
				end := start + condstoreBatchSize
				if end > len(flags) {
					end = len(flags)
				}
				batch := flags[start:end]
				if err := e.store.UpdateMetadata(ctx, e.account, e.folder, batch); err != nil {
					return err
				}
				// Checkpoint so a crash mid-pass does not replay from the
				// start.
				if max := batch[len(batch)-1].ModSeq; max > stored.HighestModSeq {
					stored.HighestModSeq = max
					if err := e.store.SaveFolderInfo(ctx, stored); err != nil {
						return err
					}
				}
			}
		}
		stored.HighestModSeq = info.HighestModSeq
	}

	return e.diffForExpunges(ctx, session)
}

// diffForExpunges removes local UIDs the server no longer reports.
func (e *Engine) diffForExpunges(ctx context.Context, session *imapconn.Session) error {
	remote, err := session.AllUIDs()
	if err != nil {
		return err
	}
	local, err := e.store.LocalUIDs(ctx, e.account.ID, e.folder.ID)
	if err != nil {
		return err
	}

	remoteSet := make(map[uint32]struct{}, len(remote))
	for _, uid := range remote {
		remoteSet[uid] = struct{}{}
	}
	var gone []uint32
	for uid := range local {
		if _, ok := remoteSet[uid]; !ok {
			gone = append(gone, uid)
		}
	}
	if len(gone) == 0 {
		return nil
	}
	return e.store.RemoveDeletedUIDs(ctx, e.account, e.folder, gone)
}

// flagRefresh is the no-CONDSTORE fallback: every pass refreshes the flags
// of the newest fastRefreshCount UIDs, and once an hour a slow pass covers
// the newest slowRefreshCount. An identical fast response to the previous
// one skips the store write entirely.
func (e *Engine) flagRefresh(ctx context.Context, session *imapconn.Session, stored *models.ImapFolderInfo) error {
	local, err := e.store.LocalUIDs(ctx, e.account.ID, e.folder.ID)
	if err != nil {
		return err
	}
	uids := make([]uint32, 0, len(local))
	for uid := range local {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })

	count := fastRefreshCount
	slow := stored.LastSlowRefresh == nil || time.Since(*stored.LastSlowRefresh) > slowRefreshInterval
	if slow {
		count = slowRefreshCount
	}
	if len(uids) > count {
		uids = uids[:count]
	}
	if len(uids) == 0 {
		return nil
	}

	flags, err := session.FetchFlags(uids)
	if err != nil {
		return err
	}

	digest := flagsDigest(flags)
	if !slow && digest == e.lastFlagsDigest {
		return e.diffForExpunges(ctx, session)
	}
	e.lastFlagsDigest = digest

	if err := e.store.UpdateMetadata(ctx, e.account, e.folder, flags); err != nil {
		return err
	}
	if slow {
		now := time.Now()
		stored.LastSlowRefresh = &now
		if err := e.store.SaveFolderInfo(ctx, stored); err != nil {
			return err
		}
	}

	return e.diffForExpunges(ctx, session)
}

// flagsDigest fingerprints a flags response for the identical-response
// short-circuit.
func flagsDigest(flags []imapconn.FlagsResult) string {
	parts := make([]string, len(flags))
	for i, f := range flags {
		parts[i] = fmt.Sprintf("%d:%v:%v", f.UID, f.Flags, f.GLabels)
	}
	sort.Strings(parts)
	return fmt.Sprint(parts)
}

// waitForChanges blocks until something probably changed: IDLE on the
// inbox when the server supports it, a jittered poll-frequency sleep
// otherwise.
func (e *Engine) waitForChanges(ctx context.Context, session *imapconn.Session) error {
	if e.folder.IsInbox() && session.SupportsIdle() {
		_, err := session.Idle(ctx, retry.Jitter(idleWait, 0.2))
		return err
	}

	interval := pollInterval
	if e.folder.IsInbox() {
		interval = pollIntervalInbox
	}
	return retry.Sleep(ctx, retry.Jitter(interval, 0.2))
}
