package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vdavid/mailsync/internal/models"
)

// GetFolderInfo loads the persisted IMAP session state for a folder, or nil
// when the folder has never been selected.
func (s *Store) GetFolderInfo(ctx context.Context, accountID, folderID int64) (*models.ImapFolderInfo, error) {
	var info models.ImapFolderInfo
	err := s.pool.QueryRow(ctx, `
		SELECT account_id, folder_id, uidvalidity, uidnext, highestmodseq, last_slow_refresh
		FROM imap_folder_info
		WHERE account_id = $1 AND folder_id = $2`,
		accountID, folderID,
	).Scan(&info.AccountID, &info.FolderID, &info.UIDValidity, &info.UIDNext, &info.HighestModSeq, &info.LastSlowRefresh)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get folder info: %w", err)
	}
	return &info, nil
}

// SaveFolderInfo upserts the IMAP session state for a folder.
func (s *Store) SaveFolderInfo(ctx context.Context, info *models.ImapFolderInfo) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO imap_folder_info (account_id, folder_id, uidvalidity, uidnext, highestmodseq, last_slow_refresh)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, folder_id)
		DO UPDATE SET uidvalidity = EXCLUDED.uidvalidity,
		              uidnext = EXCLUDED.uidnext,
		              highestmodseq = EXCLUDED.highestmodseq,
		              last_slow_refresh = EXCLUDED.last_slow_refresh`,
		info.AccountID, info.FolderID, info.UIDValidity, info.UIDNext, info.HighestModSeq, info.LastSlowRefresh)
	if err != nil {
		return fmt.Errorf("failed to save folder info: %w", err)
	}
	return nil
}

// ClearFolderInfo drops the persisted session state, forcing the next run
// through the initial sync path. Used on uidvalidity changes.
func (s *Store) ClearFolderInfo(ctx context.Context, accountID, folderID int64) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM imap_folder_info WHERE account_id = $1 AND folder_id = $2`,
		accountID, folderID)
	if err != nil {
		return fmt.Errorf("failed to clear folder info: %w", err)
	}
	return nil
}

// GetSyncStatus loads the engine state row for a folder, creating the
// default initial row on first access.
func (s *Store) GetSyncStatus(ctx context.Context, accountID, folderID int64) (*models.ImapFolderSyncStatus, error) {
	var st models.ImapFolderSyncStatus
	var state string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO imap_folder_sync_status (account_id, folder_id)
		VALUES ($1, $2)
		ON CONFLICT (account_id, folder_id) DO UPDATE SET account_id = EXCLUDED.account_id
		RETURNING account_id, folder_id, state, sync_should_run, uidinvalid_runs,
		          remote_uid_count, download_uid_count, updated_at`,
		accountID, folderID,
	).Scan(&st.AccountID, &st.FolderID, &state, &st.SyncShouldRun, &st.UIDInvalidRuns,
		&st.RemoteUIDCount, &st.DownloadUIDCount, &st.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get folder sync status: %w", err)
	}
	st.State = models.EngineState(state)
	return &st, nil
}

// SetEngineState persists an engine state transition.
func (s *Store) SetEngineState(ctx context.Context, accountID, folderID int64, state models.EngineState) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE imap_folder_sync_status
		SET state = $3, updated_at = now()
		WHERE account_id = $1 AND folder_id = $2`,
		accountID, folderID, string(state))
	if err != nil {
		return fmt.Errorf("failed to set engine state: %w", err)
	}
	return nil
}

// IncrementUIDInvalidRuns bumps the consecutive resync counter and returns
// the new value.
func (s *Store) IncrementUIDInvalidRuns(ctx context.Context, accountID, folderID int64) (int, error) {
	var runs int
	err := s.pool.QueryRow(ctx, `
		UPDATE imap_folder_sync_status
		SET uidinvalid_runs = uidinvalid_runs + 1, updated_at = now()
		WHERE account_id = $1 AND folder_id = $2
		RETURNING uidinvalid_runs`,
		accountID, folderID).Scan(&runs)
	if err != nil {
		return 0, fmt.Errorf("failed to increment uidinvalid runs: %w", err)
	}
	return runs, nil
}

// ResetUIDInvalidRuns clears the counter once a folder completes a healthy
// poll pass.
func (s *Store) ResetUIDInvalidRuns(ctx context.Context, accountID, folderID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE imap_folder_sync_status
		SET uidinvalid_runs = 0, updated_at = now()
		WHERE account_id = $1 AND folder_id = $2 AND uidinvalid_runs <> 0`,
		accountID, folderID)
	if err != nil {
		return fmt.Errorf("failed to reset uidinvalid runs: %w", err)
	}
	return nil
}

// UpdateSyncCounts records coarse progress metrics for monitoring.
func (s *Store) UpdateSyncCounts(ctx context.Context, accountID, folderID int64, remote, toDownload int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE imap_folder_sync_status
		SET remote_uid_count = $3, download_uid_count = $4, updated_at = now()
		WHERE account_id = $1 AND folder_id = $2`,
		accountID, folderID, remote, toDownload)
	if err != nil {
		return fmt.Errorf("failed to update sync counts: %w", err)
	}
	return nil
}

// StopFolderSync turns a single folder off, used when it exhausts its
// uidvalidity resync budget.
func (s *Store) StopFolderSync(ctx context.Context, accountID, folderID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE imap_folder_sync_status
		SET sync_should_run = FALSE, updated_at = now()
		WHERE account_id = $1 AND folder_id = $2`,
		accountID, folderID)
	if err != nil {
		return fmt.Errorf("failed to stop folder sync: %w", err)
	}
	return nil
}

// LocalUIDs returns the set of UIDs already stored for a folder.
func (s *Store) LocalUIDs(ctx context.Context, accountID, folderID int64) (map[uint32]struct{}, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT uid FROM imap_uids WHERE account_id = $1 AND folder_id = $2`,
		accountID, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query local uids: %w", err)
	}
	defer rows.Close()

	uids := make(map[uint32]struct{})
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("failed to scan uid: %w", err)
		}
		uids[uint32(uid)] = struct{}{}
	}
	return uids, rows.Err()
}

// LastSeenUID returns the highest UID stored for a folder, zero when empty.
func (s *Store) LastSeenUID(ctx context.Context, accountID, folderID int64) (uint32, error) {
	var uid int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(uid), 0) FROM imap_uids
		WHERE account_id = $1 AND folder_id = $2`,
		accountID, folderID).Scan(&uid)
	if err != nil {
		return 0, fmt.Errorf("failed to query last seen uid: %w", err)
	}
	return uint32(uid), nil
}
