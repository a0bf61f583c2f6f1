package store

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vdavid/mailsync/internal/blob"
	"github.com/vdavid/mailsync/internal/imapconn"
	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/threading"
)

// flagSet is the persisted per-UID view of an IMAP flag response.
type flagSet struct {
	Seen     bool
	Flagged  bool
	Draft    bool
	Answered bool
}

func flagsFromIMAP(flags []string) flagSet {
	var fs flagSet
	for _, f := range flags {
		switch f {
		case "\\Seen":
			fs.Seen = true
		case "\\Flagged":
			fs.Flagged = true
		case "\\Draft":
			fs.Draft = true
		case "\\Answered":
			fs.Answered = true
		}
	}
	return fs
}

// CreateIMAPMessage stores one downloaded message: raw body into the blob
// store, headers and flags into the database. Messages are deduplicated by
// body hash within the namespace, so a Gmail message appearing in three
// folders yields one messages row and three imap_uids rows.
func (s *Store) CreateIMAPMessage(ctx context.Context, account *models.Account, folder *models.Folder, raw *imapconn.RawMessage) (*models.Message, error) {
	if len(raw.Body) == 0 {
		log.Printf("[store] account %d folder %q uid %d: empty body, skipping", account.ID, folder.Name, raw.UID)
		return nil, nil
	}

	sha := blob.Key(raw.Body)
	if err := s.blobs.Save(ctx, sha, raw.Body); err != nil {
		return nil, fmt.Errorf("failed to save message blob: %w", err)
	}

	headers := parseRawMessage(raw.Body, raw.InternalDate)
	fs := flagsFromIMAP(raw.Flags)
	if folder.Role == models.RoleDrafts {
		fs.Draft = true
	}

	var msg *models.Message
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		existing, err := s.findMessageBySHA(ctx, tx, account.NamespaceID, sha)
		if err != nil {
			return err
		}

		if existing != nil {
			msg = existing
			if existing.DeletedAt != nil {
				// The body reappeared before the delete handler ran.
				_, err := tx.Exec(ctx, `
					UPDATE messages SET deleted_at = NULL, version = version + 1
					WHERE id = $1`,
					existing.ID)
				if err != nil {
					return fmt.Errorf("failed to undelete message: %w", err)
				}
				existing.DeletedAt = nil
				if err := appendTransaction(ctx, tx, account.NamespaceID, "message", existing.ID, existing.PublicID, models.TxUpdate); err != nil {
					return err
				}
			}
		} else {
			threadID, err := s.resolveThreadTx(ctx, tx, account, headers, raw)
			if err != nil {
				return err
			}

			m := &models.Message{
				PublicID:        uuid.NewString(),
				NamespaceID:     account.NamespaceID,
				ThreadID:        threadID,
				DataSHA256:      sha,
				Size:            int64(len(raw.Body)),
				MessageIDHeader: headers.MessageID,
				InReplyTo:       headers.InReplyTo,
				References:      headers.References,
				Subject:         headers.Subject,
				FromAddress:     headers.From,
				ToAddresses:     headers.To,
				CCAddresses:     headers.CC,
				Snippet:         headers.Snippet,
				ReceivedDate:    headers.ReceivedDate,
				IsRead:          fs.Seen,
				IsStarred:       fs.Flagged,
				IsDraft:         fs.Draft,
				GThrid:          raw.GThrid,
				GMsgid:          raw.GMsgid,
			}
			err = tx.QueryRow(ctx, `
				INSERT INTO messages (
					public_id, namespace_id, thread_id, data_sha256, size,
					message_id_header, in_reply_to, references_headers, subject,
					from_address, to_addresses, cc_addresses, snippet,
					received_date, is_read, is_starred, is_draft, g_thrid, g_msgid)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
				RETURNING id`,
				m.PublicID, m.NamespaceID, m.ThreadID, m.DataSHA256, m.Size,
				m.MessageIDHeader, m.InReplyTo, emptyIfNil(m.References), m.Subject,
				m.FromAddress, emptyIfNil(m.ToAddresses), emptyIfNil(m.CCAddresses), m.Snippet,
				m.ReceivedDate, m.IsRead, m.IsStarred, m.IsDraft, m.GThrid, m.GMsgid,
			).Scan(&m.ID)
			if err != nil {
				return fmt.Errorf("failed to insert message: %w", err)
			}

			if err := appendTransaction(ctx, tx, account.NamespaceID, "message", m.ID, m.PublicID, models.TxInsert); err != nil {
				return err
			}
			if err := recomputeThreadTx(ctx, tx, account.NamespaceID, threadID); err != nil {
				return err
			}
			msg = m
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO imap_uids (account_id, folder_id, message_id, uid, is_seen, is_flagged, is_draft, is_answered, g_labels)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (account_id, folder_id, uid)
			DO UPDATE SET message_id = EXCLUDED.message_id,
			              is_seen = EXCLUDED.is_seen,
			              is_flagged = EXCLUDED.is_flagged,
			              is_draft = EXCLUDED.is_draft,
			              is_answered = EXCLUDED.is_answered,
			              g_labels = EXCLUDED.g_labels`,
			account.ID, folder.ID, msg.ID, int64(raw.UID),
			fs.Seen, fs.Flagged, fs.Draft, fs.Answered, emptyIfNil(raw.GLabels))
		if err != nil {
			return fmt.Errorf("failed to insert imap uid: %w", err)
		}

		if account.Provider.SupportsLabels() && len(raw.GLabels) > 0 {
			if err := s.applyLabelCategoriesTx(ctx, tx, account, msg.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *Store) findMessageBySHA(ctx context.Context, tx pgx.Tx, namespaceID int64, sha string) (*models.Message, error) {
	var m models.Message
	err := tx.QueryRow(ctx, `
		SELECT id, public_id, namespace_id, thread_id, data_sha256, is_draft, deleted_at
		FROM messages
		WHERE namespace_id = $1 AND data_sha256 = $2
		ORDER BY id
		LIMIT 1`,
		namespaceID, sha,
	).Scan(&m.ID, &m.PublicID, &m.NamespaceID, &m.ThreadID, &m.DataSHA256, &m.IsDraft, &m.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up message by hash: %w", err)
	}
	return &m, nil
}

// resolveThreadTx decides which thread a new message belongs to. Gmail
// accounts use the server-assigned thread id; everything else walks the
// reference chain against message ids we already hold, falling back to the
// normalized subject.
func (s *Store) resolveThreadTx(ctx context.Context, tx pgx.Tx, account *models.Account, headers parsedHeaders, raw *imapconn.RawMessage) (int64, error) {
	var key string
	if account.Provider.SupportsLabels() && raw.GThrid != 0 {
		key = threading.GmailKey(raw.GThrid)
	} else {
		known, err := s.threadKeysForMessageIDs(ctx, tx, account.NamespaceID, headers)
		if err != nil {
			return 0, err
		}
		key = threading.NewResolver(known).Resolve(threading.Headers{
			MessageID:  headers.MessageID,
			InReplyTo:  headers.InReplyTo,
			References: headers.References,
			Subject:    headers.Subject,
		})
	}
	return getOrCreateThreadTx(ctx, tx, account.NamespaceID, key, headers)
}

// threadKeysForMessageIDs looks up the thread keys of the messages a new
// message references, to seed the in-memory resolver.
func (s *Store) threadKeysForMessageIDs(ctx context.Context, tx pgx.Tx, namespaceID int64, headers parsedHeaders) (map[string]string, error) {
	candidates := make([]string, 0, len(headers.References)+1)
	for _, ref := range headers.References {
		candidates = append(candidates, ref, "<"+ref+">")
	}
	if headers.InReplyTo != "" {
		candidates = append(candidates, headers.InReplyTo)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	rows, err := tx.Query(ctx, `
		SELECT m.message_id_header, t.thread_key
		FROM messages m
		JOIN threads t ON t.id = m.thread_id
		WHERE m.namespace_id = $1
		  AND m.message_id_header = ANY($2)
		  AND m.deleted_at IS NULL`,
		namespaceID, candidates)
	if err != nil {
		return nil, fmt.Errorf("failed to query referenced threads: %w", err)
	}
	defer rows.Close()

	known := make(map[string]string)
	for rows.Next() {
		var id, key string
		if err := rows.Scan(&id, &key); err != nil {
			return nil, fmt.Errorf("failed to scan referenced thread: %w", err)
		}
		known[id] = key
	}
	return known, rows.Err()
}

// UpdateMetadata applies a batch of flag/label responses to stored UIDs.
// Rows whose values did not change are skipped entirely, so a full-folder
// refresh with no remote changes writes nothing. Work is chunked so a slow
// refresh of thousands of UIDs never holds one long transaction.
func (s *Store) UpdateMetadata(ctx context.Context, account *models.Account, folder *models.Folder, results []imapconn.FlagsResult) error {
	for start := 0; start < len(results); start += metadataBatchSize {
		end := start + metadataBatchSize
		if end > len(results) {
			end = len(results)
		}
		if err := s.updateMetadataChunk(ctx, account, folder, results[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) updateMetadataChunk(ctx context.Context, account *models.Account, folder *models.Folder, results []imapconn.FlagsResult) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		changed := make(map[int64]struct{})
		for _, r := range results {
			fs := flagsFromIMAP(r.Flags)
			var messageID int64
			err := tx.QueryRow(ctx, `
				UPDATE imap_uids
				SET is_seen = $4, is_flagged = $5, is_draft = $6, is_answered = $7, g_labels = $8
				WHERE account_id = $1 AND folder_id = $2 AND uid = $3
				  AND (is_seen IS DISTINCT FROM $4
				       OR is_flagged IS DISTINCT FROM $5
				       OR is_draft IS DISTINCT FROM $6
				       OR is_answered IS DISTINCT FROM $7
				       OR g_labels IS DISTINCT FROM $8)
				RETURNING message_id`,
				account.ID, folder.ID, int64(r.UID),
				fs.Seen, fs.Flagged, fs.Draft, fs.Answered, emptyIfNil(r.GLabels),
			).Scan(&messageID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					continue
				}
				return fmt.Errorf("failed to update uid flags: %w", err)
			}
			changed[messageID] = struct{}{}
		}

		for messageID := range changed {
			if err := s.recomputeMessageFlagsTx(ctx, tx, account, messageID); err != nil {
				return err
			}
		}
		return nil
	})
}

// recomputeMessageFlagsTx rederives the message-level is_read/is_starred/
// is_draft columns from all of the message's UIDs, bumps the version, and
// refreshes Gmail label categories.
func (s *Store) recomputeMessageFlagsTx(ctx context.Context, tx pgx.Tx, account *models.Account, messageID int64) error {
	var publicID string
	var namespaceID int64
	err := tx.QueryRow(ctx, `
		UPDATE messages m
		SET is_read = agg.seen,
		    is_starred = agg.flagged,
		    is_draft = agg.draft,
		    version = m.version + 1
		FROM (
			SELECT BOOL_OR(is_seen) AS seen,
			       BOOL_OR(is_flagged) AS flagged,
			       BOOL_OR(is_draft) AS draft
			FROM imap_uids WHERE message_id = $1
		) agg
		WHERE m.id = $1
		RETURNING m.public_id, m.namespace_id`,
		messageID).Scan(&publicID, &namespaceID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("failed to recompute message flags: %w", err)
	}

	if account.Provider.SupportsLabels() {
		if err := s.applyLabelCategoriesTx(ctx, tx, account, messageID); err != nil {
			return err
		}
	}

	return appendTransaction(ctx, tx, namespaceID, "message", messageID, publicID, models.TxUpdate)
}

// applyLabelCategoriesTx replaces a message's category associations with the
// categories behind the union of g_labels across its UIDs. Labels we have
// not discovered yet are skipped; the next label reconciliation pass picks
// them up.
func (s *Store) applyLabelCategoriesTx(ctx context.Context, tx pgx.Tx, account *models.Account, messageID int64) error {
	_, err := tx.Exec(ctx, `
		DELETE FROM message_categories
		WHERE message_id = $1
		  AND category_id IN (
			SELECT category_id FROM labels WHERE account_id = $2 AND category_id IS NOT NULL)`,
		messageID, account.ID)
	if err != nil {
		return fmt.Errorf("failed to clear label categories: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO message_categories (message_id, category_id)
		SELECT DISTINCT $1, l.category_id
		FROM imap_uids u
		JOIN labels l ON l.account_id = u.account_id
		 AND l.name = ANY(u.g_labels)
		 AND l.deleted_at IS NULL
		 AND l.category_id IS NOT NULL
		WHERE u.message_id = $1 AND u.account_id = $2
		ON CONFLICT DO NOTHING`,
		messageID, account.ID)
	if err != nil {
		return fmt.Errorf("failed to apply label categories: %w", err)
	}
	return nil
}

// RemoveDeletedUIDs deletes UID rows that disappeared remotely. A message
// losing its last UID is tombstoned for the delete handler, except drafts,
// which are removed synchronously so a draft edit (delete + re-append) never
// shows a ghost version.
func (s *Store) RemoveDeletedUIDs(ctx context.Context, account *models.Account, folder *models.Folder, uids []uint32) error {
	for start := 0; start < len(uids); start += metadataBatchSize {
		end := start + metadataBatchSize
		if end > len(uids) {
			end = len(uids)
		}
		if err := s.removeDeletedUIDsChunk(ctx, account, folder, uids[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) removeDeletedUIDsChunk(ctx context.Context, account *models.Account, folder *models.Folder, uids []uint32) error {
	ids := make([]int64, len(uids))
	for i, uid := range uids {
		ids[i] = int64(uid)
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			DELETE FROM imap_uids
			WHERE account_id = $1 AND folder_id = $2 AND uid = ANY($3)
			RETURNING message_id`,
			account.ID, folder.ID, ids)
		if err != nil {
			return fmt.Errorf("failed to delete uids: %w", err)
		}
		affected := make(map[int64]struct{})
		for rows.Next() {
			var messageID int64
			if err := rows.Scan(&messageID); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan deleted uid: %w", err)
			}
			affected[messageID] = struct{}{}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		threads := make(map[int64]struct{})
		for messageID := range affected {
			var remaining int
			var threadID int64
			var publicID string
			var isDraft bool
			err := tx.QueryRow(ctx, `
				SELECT (SELECT COUNT(*) FROM imap_uids WHERE message_id = m.id),
				       m.thread_id, m.public_id, m.is_draft
				FROM messages m WHERE m.id = $1`,
				messageID).Scan(&remaining, &threadID, &publicID, &isDraft)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					continue
				}
				return fmt.Errorf("failed to inspect message after uid delete: %w", err)
			}
			threads[threadID] = struct{}{}

			switch {
			case remaining > 0:
				if err := s.recomputeMessageFlagsTx(ctx, tx, account, messageID); err != nil {
					return err
				}
			case isDraft:
				if _, err := tx.Exec(ctx, `DELETE FROM message_categories WHERE message_id = $1`, messageID); err != nil {
					return fmt.Errorf("failed to clear draft categories: %w", err)
				}
				if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE id = $1`, messageID); err != nil {
					return fmt.Errorf("failed to delete draft message: %w", err)
				}
				if err := appendTransaction(ctx, tx, account.NamespaceID, "message", messageID, publicID, models.TxDelete); err != nil {
					return err
				}
			default:
				tag, err := tx.Exec(ctx, `
					UPDATE messages SET deleted_at = now(), version = version + 1
					WHERE id = $1 AND deleted_at IS NULL`,
					messageID)
				if err != nil {
					return fmt.Errorf("failed to tombstone message: %w", err)
				}
				// Feed consumers learn about the disappearance now, not
				// when the tombstone is hard-deleted later.
				if tag.RowsAffected() > 0 {
					if err := appendTransaction(ctx, tx, account.NamespaceID, "message", messageID, publicID, models.TxDelete); err != nil {
						return err
					}
				}
			}
		}

		for threadID := range threads {
			if err := recomputeThreadTx(ctx, tx, account.NamespaceID, threadID); err != nil {
				return err
			}
		}
		return nil
	})
}

// UIDsForGmailLabel returns stored UIDs in a folder whose g_labels carry the
// given label. Used when reconciling a renamed or deleted label.
func (s *Store) UIDsForGmailLabel(ctx context.Context, accountID, folderID int64, label string) ([]uint32, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT uid FROM imap_uids
		WHERE account_id = $1 AND folder_id = $2 AND $3 = ANY(g_labels)`,
		accountID, folderID, label)
	if err != nil {
		return nil, fmt.Errorf("failed to query uids for label: %w", err)
	}
	defer rows.Close()

	var uids []uint32
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("failed to scan uid: %w", err)
		}
		uids = append(uids, uint32(uid))
	}
	return uids, rows.Err()
}

// GetMessage fetches one message by id.
func (s *Store) GetMessage(ctx context.Context, messageID int64) (*models.Message, error) {
	var m models.Message
	err := s.pool.QueryRow(ctx, `
		SELECT id, public_id, namespace_id, thread_id, data_sha256, size,
		       message_id_header, in_reply_to, references_headers, subject,
		       from_address, to_addresses, cc_addresses, snippet, received_date,
		       is_read, is_starred, is_draft, version, g_thrid, g_msgid, deleted_at
		FROM messages WHERE id = $1`,
		messageID,
	).Scan(&m.ID, &m.PublicID, &m.NamespaceID, &m.ThreadID, &m.DataSHA256, &m.Size,
		&m.MessageIDHeader, &m.InReplyTo, &m.References, &m.Subject,
		&m.FromAddress, &m.ToAddresses, &m.CCAddresses, &m.Snippet, &m.ReceivedDate,
		&m.IsRead, &m.IsStarred, &m.IsDraft, &m.Version, &m.GThrid, &m.GMsgid, &m.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &m, nil
}

// MessageUIDs returns the UID rows currently pointing at a message.
func (s *Store) MessageUIDs(ctx context.Context, messageID int64) ([]*models.ImapUid, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, folder_id, message_id, uid, is_seen, is_flagged, is_draft, is_answered, g_labels
		FROM imap_uids WHERE message_id = $1 ORDER BY id`,
		messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query message uids: %w", err)
	}
	defer rows.Close()

	var uids []*models.ImapUid
	for rows.Next() {
		var u models.ImapUid
		var uid int64
		if err := rows.Scan(&u.ID, &u.AccountID, &u.FolderID, &u.MessageID, &uid,
			&u.IsSeen, &u.IsFlagged, &u.IsDraft, &u.IsAnswered, &u.GLabels); err != nil {
			return nil, fmt.Errorf("failed to scan imap uid: %w", err)
		}
		u.UID = uint32(uid)
		uids = append(uids, &u)
	}
	return uids, rows.Err()
}

var ErrMessageNotFound = errors.New("message not found")

// emptyIfNil keeps TEXT[] columns NOT NULL friendly.
func emptyIfNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
