package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/larsjm/notiq/internal/lifecycle"
	"github.com/larsjm/notiq/internal/metrics"
)

// FeedRetention is how long feed entries are kept before the retention
// sweep removes them. Deletion never renumbers surviving entries.
const FeedRetention = 90 * 24 * time.Hour

// appendFeedEntryTx writes the single status-feed entry for an order's
// terminal transition, inside the caller's transaction. The per-creator
// sequence is assigned through a dedicated counter row: the upsert takes a
// row-level lock on the creator's counter, serializing concurrent
// completions for that creator without cross-creator contention.
func (r *Repository) appendFeedEntryTx(ctx context.Context, tx pgx.Tx, o *Order, at time.Time) (int64, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE order_id = $1 ORDER BY created_at, id`,
		o.ID)
	if err != nil {
		return 0, fmt.Errorf("query notifications for snapshot: %w", err)
	}
	notifications, err := collectNotifications(rows)
	rows.Close()
	if err != nil {
		return 0, err
	}

	snapshot, err := json.Marshal(buildOrderSnapshot(o, notifications, at))
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	var seq int64
	err = tx.QueryRow(ctx, `
		INSERT INTO feed_sequences (creator, last_seq)
		VALUES ($1, 1)
		ON CONFLICT (creator)
		DO UPDATE SET last_seq = feed_sequences.last_seq + 1
		RETURNING last_seq
	`, o.Creator).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("assign feed sequence: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO status_feed (seq, creator, order_id, order_status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, seq, o.Creator, o.ID, snapshot, at)
	if err != nil {
		return 0, fmt.Errorf("insert feed entry: %w", err)
	}

	return seq, nil
}

// GetStatusFeed returns up to pageSize feed entries for a creator with
// sequence numbers strictly greater than afterSeq, in sequence order.
// Consumers track afterSeq themselves; re-reads after a consumer crash are
// expected, so entries must stay re-processable.
func (r *Repository) GetStatusFeed(ctx context.Context, afterSeq int64, creator string, pageSize int) ([]*StatusFeedEntry, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT seq, creator, order_id, order_status, created_at
		FROM status_feed
		WHERE creator = $1 AND seq > $2
		ORDER BY seq
		LIMIT $3
	`, creator, afterSeq, pageSize)
	if err != nil {
		return nil, fmt.Errorf("query status feed: %w", err)
	}
	defer rows.Close()

	var entries []*StatusFeedEntry
	for rows.Next() {
		var e StatusFeedEntry
		var snapshot []byte
		if err := rows.Scan(&e.Seq, &e.Creator, &e.OrderID, &snapshot, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan feed entry: %w", err)
		}
		if err := json.Unmarshal(snapshot, &e.OrderStatus); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	if err := checkFeedPage(entries, afterSeq); err != nil {
		return nil, err
	}
	return entries, nil
}

// checkFeedPage verifies a page against the consumer contract: every
// sequence strictly greater than the one before it, and all of them past
// the caller's cursor. A violation means feed storage is corrupt and the
// page must not reach consumers.
func checkFeedPage(entries []*StatusFeedEntry, afterSeq int64) error {
	prev := afterSeq
	for _, e := range entries {
		if e.Seq <= prev {
			return fmt.Errorf("feed sequence not strictly increasing: %d after %d", e.Seq, prev)
		}
		prev = e.Seq
	}
	return nil
}

// backfillDecision is the reconciliation rule for one order: skip silently
// when the feed already has its entry, refuse orders that never reached a
// terminal status, insert otherwise.
func backfillDecision(hasEntry bool, status lifecycle.OrderStatus) (bool, error) {
	if hasEntry {
		return false, nil
	}
	if !status.IsTerminal() {
		return false, ErrOrderNotTerminal
	}
	return true, nil
}

// InsertStatusFeedForOrder backfills the feed entry for a historical order
// whose terminal transition predates the feed. No-op when an entry already
// exists, so a reconciliation pass can never duplicate a live-path entry;
// the unique index on order_id backs the check against concurrent inserts.
// Returns true when an entry was written.
func (r *Repository) InsertStatusFeedForOrder(ctx context.Context, orderID uuid.UUID) (bool, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
	o, err := scanOrder(row)
	if err == pgx.ErrNoRows {
		return false, ErrOrderNotFound
	}
	if err != nil {
		return false, fmt.Errorf("query order: %w", err)
	}

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM status_feed WHERE order_id = $1)`,
		orderID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check existing feed entry: %w", err)
	}

	insert, err := backfillDecision(exists, o.Status)
	if err != nil {
		return false, err
	}
	if !insert {
		return false, nil
	}

	at := o.CreatedAt
	if o.ProcessedAt != nil {
		at = *o.ProcessedAt
	}

	seq, err := r.appendFeedEntryTx(ctx, tx, o, at)
	if err != nil {
		// A live-path entry can land between the existence check and the
		// insert; the unique index on order_id turns that into a benign
		// no-op instead of a reconciliation failure.
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}

	metrics.RecordFeedEntry("reconcile")

	r.logger.Info("feed entry backfilled",
		zap.String("order_id", orderID.String()),
		zap.String("creator", o.Creator),
		zap.Int64("feed_seq", seq),
	)
	return true, nil
}

// DeleteOldStatusFeedRecords removes feed entries older than the retention
// window and reports how many were deleted. Sequence numbers of surviving
// entries are untouched.
func (r *Repository) DeleteOldStatusFeedRecords(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = FeedRetention
	}
	tag, err := r.db.Pool().Exec(ctx,
		`DELETE FROM status_feed WHERE created_at < NOW() - $1::interval`,
		retention.String())
	if err != nil {
		return 0, fmt.Errorf("delete old feed records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListOrdersMissingFeedEntry returns terminal orders without a feed entry,
// filtered by creator and/or processed-at window. Used by the offline
// reconciliation tool.
func (r *Repository) ListOrdersMissingFeedEntry(ctx context.Context, creator string, from, to *time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT o.id
		FROM orders o
		LEFT JOIN status_feed f ON f.order_id = o.id
		WHERE f.order_id IS NULL
		  AND o.status IN ($1, $2, $3)
		  AND ($4 = '' OR o.creator = $4)
		  AND ($5::timestamptz IS NULL OR o.processed_at >= $5)
		  AND ($6::timestamptz IS NULL OR o.processed_at < $6)
		ORDER BY o.processed_at
		LIMIT $7
	`,
		"completed", "send_condition_not_met", "cancelled",
		creator, from, to, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query orders missing feed entry: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
