package store

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/vdavid/mailsync/internal/models"
)

// appendTransaction records an entity mutation in the same database
// transaction that performs it, so the delta feed never sees a change
// without its transaction row or vice versa.
func appendTransaction(ctx context.Context, tx pgx.Tx, namespaceID int64, objectType string, objectID int64, publicID string, command models.TransactionCommand) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO transactions (namespace_id, object_type, object_id, public_id, command)
		VALUES ($1, $2, $3, $4, $5)`,
		namespaceID, objectType, objectID, publicID, string(command))
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// TombstoneEvent records a delete for an event on the delta feed. Events
// carry no core row, so the transaction is the only local trace of the
// event's disappearance and the record id stands in for the public id.
func (s *Store) TombstoneEvent(ctx context.Context, namespaceID, recordID int64) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return appendTransaction(ctx, tx, namespaceID, "event", recordID, strconv.FormatInt(recordID, 10), models.TxDelete)
	})
}

// TransactionsSince returns up to limit transaction rows for a namespace
// with id greater than afterID, oldest first. Used by the delta feed.
func (s *Store) TransactionsSince(ctx context.Context, namespaceID, afterID int64, limit int) ([]models.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, namespace_id, object_type, object_id, public_id, command, created_at
		FROM transactions
		WHERE namespace_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3`,
		namespaceID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txns []models.Transaction
	for rows.Next() {
		var t models.Transaction
		var command string
		if err := rows.Scan(&t.ID, &t.NamespaceID, &t.ObjectType, &t.ObjectID, &t.PublicID, &command, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.Command = models.TransactionCommand(command)
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// LatestTransactionID returns the newest transaction id for a namespace, or
// zero when the namespace has none.
func (s *Store) LatestTransactionID(ctx context.Context, namespaceID int64) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(id), 0) FROM transactions WHERE namespace_id = $1`,
		namespaceID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to query latest transaction id: %w", err)
	}
	return id, nil
}
