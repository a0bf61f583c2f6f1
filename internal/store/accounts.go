package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vdavid/mailsync/internal/models"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountClaimed  = errors.New("account already claimed by another host")
)

const accountColumns = `
	id, public_id, namespace_id, email_address, provider, imap_server,
	smtp_server, folder_prefix, folder_separator, sync_host,
	desired_sync_host, sync_state, sync_should_run, sync_error, throttled,
	created_at, deleted_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	var provider, syncState string
	err := row.Scan(
		&a.ID, &a.PublicID, &a.NamespaceID, &a.EmailAddress, &provider,
		&a.IMAPServer, &a.SMTPServer, &a.FolderPrefix, &a.FolderSeparator,
		&a.SyncHost, &a.DesiredSyncHost, &syncState, &a.SyncShouldRun,
		&a.SyncError, &a.Throttled, &a.CreatedAt, &a.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}
	a.Provider = models.Provider(provider)
	a.SyncState = models.SyncState(syncState)
	return &a, nil
}

// GetAccount fetches one account by id.
func (s *Store) GetAccount(ctx context.Context, accountID int64) (*models.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+accountColumns+` FROM accounts WHERE id = $1`, accountID)
	return scanAccount(row)
}

// AccountsForHost returns the accounts the given process should be syncing:
// desired_sync_host pinned to it, or unpinned accounts whose sync_host it
// already holds.
func (s *Store) AccountsForHost(ctx context.Context, processID string) ([]*models.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT`+accountColumns+`
		FROM accounts
		WHERE sync_should_run
		  AND deleted_at IS NULL
		  AND (desired_sync_host = $1
		       OR (desired_sync_host IS NULL AND sync_host = $1))
		ORDER BY id`,
		processID)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts for host: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UnassignedAccountIDs returns runnable accounts no process currently owns.
// The scheduler enqueues these on the zone's shared queue.
func (s *Store) UnassignedAccountIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM accounts
		WHERE sync_should_run
		  AND deleted_at IS NULL
		  AND sync_host IS NULL
		  AND desired_sync_host IS NULL
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unassigned accounts: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MigratingAccountIDs returns accounts whose desired_sync_host names another
// process than the one currently holding them. The holder is expected to
// release them.
func (s *Store) MigratingAccountIDs(ctx context.Context, processID string) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM accounts
		WHERE sync_host = $1
		  AND desired_sync_host IS NOT NULL
		  AND desired_sync_host <> $1`,
		processID)
	if err != nil {
		return nil, fmt.Errorf("failed to query migrating accounts: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AccountCountForHost counts accounts currently owned by a process, used to
// enforce the per-process cap before claiming more.
func (s *Store) AccountCountForHost(ctx context.Context, processID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM accounts WHERE sync_host = $1`,
		processID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count accounts for host: %w", err)
	}
	return n, nil
}

// ClaimAccount takes ownership of an account for the given process. The row
// is locked with SELECT ... FOR UPDATE so two processes racing on the same
// queue entry cannot both win; the loser gets ErrAccountClaimed.
func (s *Store) ClaimAccount(ctx context.Context, accountID int64, processID string) (*models.Account, error) {
	var account *models.Account
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT`+accountColumns+`
			FROM accounts WHERE id = $1 FOR UPDATE`,
			accountID)
		a, err := scanAccount(row)
		if err != nil {
			return err
		}

		if !a.SyncShouldRun || a.DeletedAt != nil {
			return ErrAccountClaimed
		}
		if a.DesiredSyncHost != nil && *a.DesiredSyncHost != processID {
			return ErrAccountClaimed
		}
		if a.SyncHost != nil && *a.SyncHost != processID && a.DesiredSyncHost == nil {
			return ErrAccountClaimed
		}

		_, err = tx.Exec(ctx, `
			UPDATE accounts SET sync_host = $2 WHERE id = $1`,
			accountID, processID)
		if err != nil {
			return fmt.Errorf("failed to set sync host: %w", err)
		}
		a.SyncHost = &processID
		account = a
		return nil
	})
	return account, err
}

// ReleaseAccount gives up ownership. A no-op when some other process holds
// the account, so a stale release cannot clobber a newer claim.
func (s *Store) ReleaseAccount(ctx context.Context, accountID int64, processID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts SET sync_host = NULL
		WHERE id = $1 AND sync_host = $2`,
		accountID, processID)
	if err != nil {
		return fmt.Errorf("failed to release account: %w", err)
	}
	return nil
}

// MarkAccountInvalid flags an account whose credentials no longer work and
// stops its sync. The error text lands in sync_error for operators.
func (s *Store) MarkAccountInvalid(ctx context.Context, accountID int64, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET sync_state = $2, sync_should_run = FALSE, sync_error = $3
		WHERE id = $1`,
		accountID, string(models.SyncStateInvalid), reason)
	if err != nil {
		return fmt.Errorf("failed to mark account invalid: %w", err)
	}
	return nil
}

// StopAccountSync stops an account without marking it invalid, e.g. after
// the inbox exhausted its uidvalidity resync budget.
func (s *Store) StopAccountSync(ctx context.Context, accountID int64, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET sync_state = $2, sync_should_run = FALSE, sync_error = $3
		WHERE id = $1`,
		accountID, string(models.SyncStateStopped), reason)
	if err != nil {
		return fmt.Errorf("failed to stop account sync: %w", err)
	}
	return nil
}

// SetAccountThrottled toggles the per-account throttle flag.
func (s *Store) SetAccountThrottled(ctx context.Context, accountID int64, throttled bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts SET throttled = $2 WHERE id = $1`,
		accountID, throttled)
	if err != nil {
		return fmt.Errorf("failed to set account throttle: %w", err)
	}
	return nil
}
