package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vdavid/mailsync/internal/models"
)

var ErrFolderNotFound = errors.New("folder not found")

// GetFolder fetches one folder by id.
func (s *Store) GetFolder(ctx context.Context, folderID int64) (*models.Folder, error) {
	var f models.Folder
	var role string
	err := s.pool.QueryRow(ctx, `
		SELECT id, public_id, account_id, name, role, category_id, created_at
		FROM folders WHERE id = $1`,
		folderID).Scan(&f.ID, &f.PublicID, &f.AccountID, &f.Name, &role, &f.CategoryID, &f.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFolderNotFound
		}
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	f.Role = models.FolderRole(role)
	return &f, nil
}

// ListFolders returns all folders of an account, inbox first.
func (s *Store) ListFolders(ctx context.Context, accountID int64) ([]*models.Folder, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, public_id, account_id, name, role, category_id, created_at
		FROM folders
		WHERE account_id = $1
		ORDER BY (role = 'inbox') DESC, name`,
		accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	defer rows.Close()

	var folders []*models.Folder
	for rows.Next() {
		var f models.Folder
		var role string
		if err := rows.Scan(&f.ID, &f.PublicID, &f.AccountID, &f.Name, &role, &f.CategoryID, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		f.Role = models.FolderRole(role)
		folders = append(folders, &f)
	}
	return folders, rows.Err()
}

// UpsertFolder creates or updates a folder from the remote LIST response,
// along with its namespace-level category. Role changes on an existing
// folder are applied; the name is the identity within the account.
func (s *Store) UpsertFolder(ctx context.Context, account *models.Account, name string, role models.FolderRole) (*models.Folder, error) {
	var folder *models.Folder
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		categoryID, err := ensureCategory(ctx, tx, account.NamespaceID, name, role)
		if err != nil {
			return err
		}

		var f models.Folder
		var roleStr string
		var inserted bool
		err = tx.QueryRow(ctx, `
			INSERT INTO folders (public_id, account_id, name, role, category_id)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (account_id, name)
			DO UPDATE SET role = EXCLUDED.role, category_id = EXCLUDED.category_id
			RETURNING id, public_id, account_id, name, role, category_id, created_at,
			          (xmax = 0) AS inserted`,
			uuid.NewString(), account.ID, name, string(role), categoryID,
		).Scan(&f.ID, &f.PublicID, &f.AccountID, &f.Name, &roleStr, &f.CategoryID, &f.CreatedAt, &inserted)
		if err != nil {
			return fmt.Errorf("failed to upsert folder: %w", err)
		}
		f.Role = models.FolderRole(roleStr)

		command := models.TxUpdate
		if inserted {
			command = models.TxInsert
		}
		if err := appendTransaction(ctx, tx, account.NamespaceID, "folder", f.ID, f.PublicID, command); err != nil {
			return err
		}
		folder = &f
		return nil
	})
	return folder, err
}

// DeleteFolder removes a folder that disappeared remotely. The imap_uids
// rows cascade away; messages left without any uid are tombstoned so the
// delete handler can apply the usual TTL.
func (s *Store) DeleteFolder(ctx context.Context, account *models.Account, folderID int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var publicID string
		var categoryID *int64
		err := tx.QueryRow(ctx, `
			SELECT public_id, category_id FROM folders WHERE id = $1 AND account_id = $2`,
			folderID, account.ID).Scan(&publicID, &categoryID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("failed to load folder for delete: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE messages SET deleted_at = now(), version = version + 1
			WHERE deleted_at IS NULL
			  AND id IN (SELECT message_id FROM imap_uids WHERE folder_id = $1)
			  AND NOT EXISTS (
			      SELECT 1 FROM imap_uids u
			      WHERE u.message_id = messages.id AND u.folder_id <> $1)`,
			folderID)
		if err != nil {
			return fmt.Errorf("failed to tombstone orphaned messages: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM folders WHERE id = $1`, folderID); err != nil {
			return fmt.Errorf("failed to delete folder: %w", err)
		}

		if categoryID != nil {
			_, err = tx.Exec(ctx, `
				UPDATE categories SET deleted_at = now()
				WHERE id = $1 AND deleted_at IS NULL`,
				*categoryID)
			if err != nil {
				return fmt.Errorf("failed to tombstone category: %w", err)
			}
		}

		return appendTransaction(ctx, tx, account.NamespaceID, "folder", folderID, publicID, models.TxDelete)
	})
}

// ListLabels returns an account's labels, tombstoned ones included.
func (s *Store) ListLabels(ctx context.Context, accountID int64) ([]*models.Label, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, name, role, deleted_at
		FROM labels WHERE account_id = $1 ORDER BY name`,
		accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}
	defer rows.Close()

	var labels []*models.Label
	for rows.Next() {
		var l models.Label
		var role string
		if err := rows.Scan(&l.ID, &l.AccountID, &l.Name, &role, &l.DeletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		l.Role = models.FolderRole(role)
		labels = append(labels, &l)
	}
	return labels, rows.Err()
}

// UpsertLabel creates a Gmail label or revives a tombstoned one.
func (s *Store) UpsertLabel(ctx context.Context, account *models.Account, name string, role models.FolderRole) (*models.Label, error) {
	var label *models.Label
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		categoryID, err := ensureCategory(ctx, tx, account.NamespaceID, name, role)
		if err != nil {
			return err
		}

		var l models.Label
		var roleStr string
		err = tx.QueryRow(ctx, `
			INSERT INTO labels (account_id, name, role, category_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account_id, name)
			DO UPDATE SET role = EXCLUDED.role, category_id = EXCLUDED.category_id, deleted_at = NULL
			RETURNING id, account_id, name, role, deleted_at`,
			account.ID, name, string(role), categoryID,
		).Scan(&l.ID, &l.AccountID, &l.Name, &roleStr, &l.DeletedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert label: %w", err)
		}
		l.Role = models.FolderRole(roleStr)
		label = &l
		return nil
	})
	return label, err
}

// TombstoneLabel marks a label deleted without removing the row, since a
// concurrent fetch may still be writing g_labels that reference it.
func (s *Store) TombstoneLabel(ctx context.Context, accountID int64, name string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE labels SET deleted_at = now()
		WHERE account_id = $1 AND name = $2 AND deleted_at IS NULL`,
		accountID, name)
	if err != nil {
		return fmt.Errorf("failed to tombstone label: %w", err)
	}
	return nil
}

// ensureCategory creates or revives the (namespace, name, display_name)
// category row behind a folder or label.
func ensureCategory(ctx context.Context, tx pgx.Tx, namespaceID int64, displayName string, role models.FolderRole) (int64, error) {
	name := canonicalCategoryName(displayName, role)

	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO categories (public_id, namespace_id, name, display_name, role)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (namespace_id, name, display_name)
		DO UPDATE SET role = EXCLUDED.role, deleted_at = NULL
		RETURNING id`,
		uuid.NewString(), namespaceID, name, displayName, string(role),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to ensure category: %w", err)
	}
	return id, nil
}

// canonicalCategoryName maps a role-bearing folder to its canonical name so
// "INBOX" and a localized inbox land on the same category.
func canonicalCategoryName(displayName string, role models.FolderRole) string {
	if role != models.RoleNone {
		return string(role)
	}
	return displayName
}

// SweepUnusedCategories tombstones categories no live folder, label, or
// message association still references. Called by the delete handler.
func (s *Store) SweepUnusedCategories(ctx context.Context, namespaceID int64) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE categories SET deleted_at = now()
		WHERE namespace_id = $1
		  AND deleted_at IS NULL
		  AND NOT EXISTS (SELECT 1 FROM folders f WHERE f.category_id = categories.id)
		  AND NOT EXISTS (SELECT 1 FROM labels l WHERE l.category_id = categories.id AND l.deleted_at IS NULL)
		  AND NOT EXISTS (SELECT 1 FROM message_categories mc WHERE mc.category_id = categories.id)`,
		namespaceID)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep categories: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
