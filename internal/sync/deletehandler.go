package sync

import (
	"context"
	"log"
	"time"

	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/retry"
	"github.com/vdavid/mailsync/internal/store"
)

const (
	// messageTTL is how long a tombstoned message survives before the
	// delete handler finalizes it. The window lets a move (expunge here,
	// append there) resolve to an undelete instead of a delete.
	messageTTL = 120 * time.Second
	// threadTTL is how long tombstoned threads are kept around.
	threadTTL = 7 * 24 * time.Hour
	// deleteBatchSize bounds one sweep.
	deleteBatchSize = 1000
)

// DeleteHandler finalizes tombstones for one account's namespace: messages
// past their TTL are either revived (a UID reappeared) or hard-deleted,
// their blobs garbage-collected when unshared, and stale categories and
// threads swept up.
type DeleteHandler struct {
	store   *store.Store
	account *models.Account
}

func NewDeleteHandler(st *store.Store, account *models.Account) *DeleteHandler {
	return &DeleteHandler{store: st, account: account}
}

// Run sweeps every messageTTL until the context is canceled.
func (h *DeleteHandler) Run(ctx context.Context) {
	for {
		if err := retry.Sleep(ctx, retry.Jitter(messageTTL, 0.1)); err != nil {
			return
		}
		if err := h.sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[deletes] account %d: sweep failed: %v", h.account.ID, err)
		}
	}
}

func (h *DeleteHandler) sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-messageTTL)
	tombstones, err := h.store.TombstonedMessages(ctx, cutoff, deleteBatchSize)
	if err != nil {
		return err
	}

	var deleted, revived int
	for _, m := range tombstones {
		if m.NamespaceID != h.account.NamespaceID {
			continue
		}
		wasDeleted, blobInUse, err := h.store.ResolveTombstone(ctx, m)
		if err != nil {
			return err
		}
		if !wasDeleted {
			revived++
			continue
		}
		deleted++
		if !blobInUse {
			if err := h.store.Blobs().Delete(ctx, m.DataSHA256); err != nil {
				log.Printf("[deletes] account %d: failed to delete blob %s: %v", h.account.ID, m.DataSHA256, err)
			}
		}
	}
	if deleted > 0 || revived > 0 {
		log.Printf("[deletes] account %d: finalized %d deletes, revived %d", h.account.ID, deleted, revived)
	}

	if _, err := h.store.SweepUnusedCategories(ctx, h.account.NamespaceID); err != nil {
		return err
	}

	purged, err := h.store.PurgeThreads(ctx, time.Now().Add(-threadTTL), deleteBatchSize)
	if err != nil {
		return err
	}
	if purged > 0 {
		log.Printf("[deletes] account %d: purged %d expired threads", h.account.ID, purged)
	}
	return nil
}
