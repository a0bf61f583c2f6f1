package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vdavid/mailsync/internal/models"
)

// AppendAction writes a pending action log entry. The core's own writers
// are tests and the API layer; the syncback processor only consumes.
func (s *Store) AppendAction(ctx context.Context, namespaceID int64, action models.ActionKind, recordID int64, extraArgs json.RawMessage) (int64, error) {
	if extraArgs == nil {
		extraArgs = json.RawMessage(`{}`)
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO action_log (namespace_id, action, record_id, extra_args)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		namespaceID, string(action), recordID, extraArgs).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to append action: %w", err)
	}
	return id, nil
}

// NamespacesWithPendingActions returns distinct namespace ids that have
// pending entries, capped at limit.
func (s *Store) NamespacesWithPendingActions(ctx context.Context, limit int) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT namespace_id FROM action_log
		WHERE status = 'pending'
		ORDER BY namespace_id
		LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending namespaces: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan namespace id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PendingActions returns a namespace's oldest pending entries in id order.
// Application order per record follows the monotonic id, so the batch must
// never be reordered downstream.
func (s *Store) PendingActions(ctx context.Context, namespaceID int64, limit int) ([]*models.ActionLogEntry, error) {
	return s.PendingActionsAfter(ctx, namespaceID, 0, limit)
}

// PendingActionsAfter is PendingActions resuming past afterID. The syncback
// processor uses it to pull in the rest of a coalescible run that the fetch
// limit cut off, so the whole run folds in one pass.
func (s *Store) PendingActionsAfter(ctx context.Context, namespaceID, afterID int64, limit int) ([]*models.ActionLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, namespace_id, action, record_id, extra_args, status, retries,
		       discriminator, created_at, updated_at
		FROM action_log
		WHERE namespace_id = $1 AND status = 'pending' AND id > $2
		ORDER BY id
		LIMIT $3`,
		namespaceID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending actions: %w", err)
	}
	defer rows.Close()

	var entries []*models.ActionLogEntry
	for rows.Next() {
		var e models.ActionLogEntry
		var action, status string
		if err := rows.Scan(&e.ID, &e.NamespaceID, &action, &e.RecordID, &e.ExtraArgs,
			&status, &e.Retries, &e.Discriminator, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan action entry: %w", err)
		}
		e.Action = models.ActionKind(action)
		e.Status = models.ActionStatus(status)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// MarkActions sets the status of a set of entries.
func (s *Store) MarkActions(ctx context.Context, ids []int64, status models.ActionStatus) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE action_log SET status = $2, updated_at = now()
		WHERE id = ANY($1)`,
		ids, string(status))
	if err != nil {
		return fmt.Errorf("failed to mark actions %s: %w", status, err)
	}
	return nil
}

// BumpActionRetries increments the retry counter on entries that failed
// transiently, leaving them pending. Returns entries that crossed the retry
// budget; the caller marks those failed.
func (s *Store) BumpActionRetries(ctx context.Context, ids []int64, maxRetries int) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE action_log SET retries = retries + 1, updated_at = now()
		WHERE id = ANY($1)
		RETURNING id, retries`,
		ids)
	if err != nil {
		return nil, fmt.Errorf("failed to bump action retries: %w", err)
	}
	defer rows.Close()

	var exhausted []int64
	for rows.Next() {
		var id int64
		var retries int
		if err := rows.Scan(&id, &retries); err != nil {
			return nil, fmt.Errorf("failed to scan retried action: %w", err)
		}
		if retries >= maxRetries {
			exhausted = append(exhausted, id)
		}
	}
	return exhausted, rows.Err()
}

// RecentlyMovedRecords returns record ids in a namespace with a successful
// move or label change newer than the cutoff. Further moves on those records
// wait out the cooldown so the destination folder's poll can observe the
// relocation first.
func (s *Store) RecentlyMovedRecords(ctx context.Context, namespaceID int64, cutoff time.Time) (map[int64]struct{}, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT record_id FROM action_log
		WHERE namespace_id = $1
		  AND action IN ('move', 'change_labels')
		  AND status = 'successful'
		  AND updated_at > $2`,
		namespaceID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent moves: %w", err)
	}
	defer rows.Close()

	records := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan moved record: %w", err)
		}
		records[id] = struct{}{}
	}
	return records, rows.Err()
}

// FailPendingForNamespace marks pending actions failed for an account whose
// credentials have been invalid longer than the grace period. Entries newer
// than the cutoff stay pending in case the user fixes the account.
func (s *Store) FailPendingForNamespace(ctx context.Context, namespaceID int64, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE action_log SET status = 'failed', updated_at = now()
		WHERE namespace_id = $1 AND status = 'pending' AND created_at < $2`,
		namespaceID, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to fail pending actions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// FailPendingEventActions fails every pending event action on one record.
// Used when the event's create can no longer succeed: nothing queued against
// a nonexistent remote event can either.
func (s *Store) FailPendingEventActions(ctx context.Context, namespaceID, recordID int64) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE action_log SET status = 'failed', updated_at = now()
		WHERE namespace_id = $1 AND record_id = $2 AND status = 'pending'
		  AND action IN ('create_event', 'update_event', 'delete_event')`,
		namespaceID, recordID)
	if err != nil {
		return 0, fmt.Errorf("failed to fail pending event actions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AccountForNamespace resolves the syncing account behind a namespace.
func (s *Store) AccountForNamespace(ctx context.Context, namespaceID int64) (*models.Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT`+accountColumns+`
		FROM accounts WHERE namespace_id = $1 AND deleted_at IS NULL
		ORDER BY id LIMIT 1`,
		namespaceID)
	return scanAccount(row)
}

// GetAction fetches one entry by id.
func (s *Store) GetAction(ctx context.Context, id int64) (*models.ActionLogEntry, error) {
	var e models.ActionLogEntry
	var action, status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, namespace_id, action, record_id, extra_args, status, retries,
		       discriminator, created_at, updated_at
		FROM action_log WHERE id = $1`,
		id,
	).Scan(&e.ID, &e.NamespaceID, &action, &e.RecordID, &e.ExtraArgs,
		&status, &e.Retries, &e.Discriminator, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	e.Action = models.ActionKind(action)
	e.Status = models.ActionStatus(status)
	return &e, nil
}
