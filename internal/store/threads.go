package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/threading"
)

var ErrThreadNotFound = errors.New("thread not found")

// getOrCreateThreadTx finds the live thread for a key, walking overflow
// generations when the base thread is full. A thread at the message cap
// spills into "<key>+1", then "<key>+2", and so on.
func getOrCreateThreadTx(ctx context.Context, tx pgx.Tx, namespaceID int64, key string, headers parsedHeaders) (int64, error) {
	candidate := key
	for generation := 1; ; generation++ {
		var id int64
		var count int
		err := tx.QueryRow(ctx, `
			SELECT id, message_count FROM threads
			WHERE namespace_id = $1 AND thread_key = $2 AND deleted_at IS NULL
			ORDER BY id DESC
			LIMIT 1`,
			namespaceID, candidate).Scan(&id, &count)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return createThreadTx(ctx, tx, namespaceID, candidate, headers)
			}
			return 0, fmt.Errorf("failed to look up thread: %w", err)
		}
		if count < models.MaxThreadLength {
			return id, nil
		}
		candidate = threading.OverflowKey(key, generation)
	}
}

func createThreadTx(ctx context.Context, tx pgx.Tx, namespaceID int64, key string, headers parsedHeaders) (int64, error) {
	publicID := uuid.NewString()
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO threads (public_id, namespace_id, thread_key, subject)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		publicID, namespaceID, key, headers.Subject).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create thread: %w", err)
	}
	if err := appendTransaction(ctx, tx, namespaceID, "thread", id, publicID, models.TxInsert); err != nil {
		return 0, err
	}
	return id, nil
}

// recomputeThreadTx rederives a thread's aggregates from its live messages,
// tombstoning the thread when none remain.
func recomputeThreadTx(ctx context.Context, tx pgx.Tx, namespaceID, threadID int64) error {
	var publicID string
	var count int
	err := tx.QueryRow(ctx, `
		UPDATE threads t
		SET message_count = agg.count,
		    snippet = COALESCE(agg.snippet, ''),
		    first_message_at = agg.first_at,
		    last_message_at = agg.last_at,
		    deleted_at = CASE WHEN agg.count = 0 THEN now() ELSE NULL END,
		    version = t.version + 1
		FROM (
			SELECT COUNT(*) AS count,
			       MIN(received_date) AS first_at,
			       MAX(received_date) AS last_at,
			       (SELECT snippet FROM messages
			        WHERE thread_id = $1 AND deleted_at IS NULL
			        ORDER BY received_date DESC LIMIT 1) AS snippet
			FROM messages
			WHERE thread_id = $1 AND deleted_at IS NULL
		) agg
		WHERE t.id = $1
		RETURNING t.public_id, agg.count`,
		threadID).Scan(&publicID, &count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("failed to recompute thread: %w", err)
	}

	command := models.TxUpdate
	if count == 0 {
		command = models.TxDelete
	}
	return appendTransaction(ctx, tx, namespaceID, "thread", threadID, publicID, command)
}

// GetThread fetches one thread by id.
func (s *Store) GetThread(ctx context.Context, threadID int64) (*models.Thread, error) {
	var t models.Thread
	err := s.pool.QueryRow(ctx, `
		SELECT id, public_id, namespace_id, thread_key, subject, snippet,
		       message_count, first_message_at, last_message_at, version, deleted_at
		FROM threads WHERE id = $1`,
		threadID,
	).Scan(&t.ID, &t.PublicID, &t.NamespaceID, &t.ThreadKey, &t.Subject, &t.Snippet,
		&t.MessageCount, &t.FirstMessageAt, &t.LastMessageAt, &t.Version, &t.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrThreadNotFound
		}
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return &t, nil
}

// tombstonedMessage is what the delete handler needs to decide a message's
// fate.
type tombstonedMessage struct {
	ID          int64
	PublicID    string
	NamespaceID int64
	ThreadID    int64
	DataSHA256  string
	DeletedAt   time.Time
}

// TombstonedMessages returns up to limit messages whose tombstone is older
// than the cutoff, oldest first.
func (s *Store) TombstonedMessages(ctx context.Context, cutoff time.Time, limit int) ([]tombstonedMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, public_id, namespace_id, thread_id, data_sha256, deleted_at
		FROM messages
		WHERE deleted_at IS NOT NULL AND deleted_at < $1
		ORDER BY deleted_at
		LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query tombstoned messages: %w", err)
	}
	defer rows.Close()

	var msgs []tombstonedMessage
	for rows.Next() {
		var m tombstonedMessage
		if err := rows.Scan(&m.ID, &m.PublicID, &m.NamespaceID, &m.ThreadID, &m.DataSHA256, &m.DeletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tombstoned message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ResolveTombstone finalizes one tombstoned message. A message that regained
// a UID since being tombstoned is undeleted; otherwise it is hard-deleted
// and the caller learns whether its blob is still shared. Returns
// (deleted, blobInUse, error).
func (s *Store) ResolveTombstone(ctx context.Context, m tombstonedMessage) (bool, bool, error) {
	var deleted, blobInUse bool
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var uidCount int
		err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM imap_uids WHERE message_id = $1`,
			m.ID).Scan(&uidCount)
		if err != nil {
			return fmt.Errorf("failed to count uids for tombstone: %w", err)
		}

		if uidCount > 0 {
			_, err := tx.Exec(ctx, `
				UPDATE messages SET deleted_at = NULL, version = version + 1
				WHERE id = $1 AND deleted_at IS NOT NULL`,
				m.ID)
			if err != nil {
				return fmt.Errorf("failed to undelete message: %w", err)
			}
			if err := appendTransaction(ctx, tx, m.NamespaceID, "message", m.ID, m.PublicID, models.TxUpdate); err != nil {
				return err
			}
			return recomputeThreadTx(ctx, tx, m.NamespaceID, m.ThreadID)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM message_categories WHERE message_id = $1`, m.ID); err != nil {
			return fmt.Errorf("failed to clear tombstoned categories: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE id = $1`, m.ID); err != nil {
			return fmt.Errorf("failed to delete tombstoned message: %w", err)
		}
		if err := appendTransaction(ctx, tx, m.NamespaceID, "message", m.ID, m.PublicID, models.TxDelete); err != nil {
			return err
		}
		if err := recomputeThreadTx(ctx, tx, m.NamespaceID, m.ThreadID); err != nil {
			return err
		}
		deleted = true

		err = tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM messages
				WHERE namespace_id = $1 AND data_sha256 = $2)`,
			m.NamespaceID, m.DataSHA256).Scan(&blobInUse)
		if err != nil {
			return fmt.Errorf("failed to check blob references: %w", err)
		}
		return nil
	})
	return deleted, blobInUse, err
}

// PurgeThreads hard-deletes threads tombstoned longer than the TTL and with
// no remaining messages. Returns how many were removed.
func (s *Store) PurgeThreads(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM threads
		WHERE id IN (
			SELECT id FROM threads
			WHERE deleted_at IS NOT NULL AND deleted_at < $1
			  AND NOT EXISTS (SELECT 1 FROM messages m WHERE m.thread_id = threads.id)
			ORDER BY deleted_at
			LIMIT $2)`,
		cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to purge threads: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
