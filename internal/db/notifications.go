package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/larsjm/notiq/internal/lifecycle"
)

const notificationColumns = `
	id, order_id, recipient_id, channel, destination, result, result_at,
	operation_id, expires_at, created_at
`

// AddNotifications inserts the notifications generated for an order when it
// enters processing. One transaction so a partially fanned-out order never
// becomes visible to the dispatcher.
func (r *Repository) AddNotifications(ctx context.Context, notifications []*Notification) error {
	if len(notifications) == 0 {
		return nil
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, n := range notifications {
		err := tx.QueryRow(ctx, `
			INSERT INTO notifications (
				id, order_id, recipient_id, channel, destination, result,
				result_at, expires_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING created_at
		`,
			n.ID, n.OrderID, n.RecipientID, n.Channel, n.Destination,
			n.Result, n.ResultAt, n.ExpiresAt,
		).Scan(&n.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetNotification retrieves a notification by id.
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID) (*Notification, error) {
	row := r.db.Pool().QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	n, err := scanNotification(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotificationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}
	return n, nil
}

// GetOrderNotifications retrieves all notifications belonging to an order.
func (r *Repository) GetOrderNotifications(ctx context.Context, orderID uuid.UUID) ([]*Notification, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE order_id = $1 ORDER BY created_at, id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()
	return collectNotifications(rows)
}

// UpdateSendStatus applies a provider-reported result to a notification,
// addressed by notification id or by the provider operation id. Idempotent:
// re-applying the same terminal result is a no-op, and a result ranking
// below the stored one (an out-of-order callback) never regresses the state.
// Returns the notification as stored after the call.
func (r *Repository) UpdateSendStatus(ctx context.Context, id *uuid.UUID, operationID *string, result lifecycle.Result, at time.Time) (*Notification, error) {
	if id == nil && operationID == nil {
		return nil, fmt.Errorf("update send status: notification id or operation id required")
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE ($1::uuid IS NOT NULL AND id = $1)
		   OR ($2::text IS NOT NULL AND operation_id = $2)
		FOR UPDATE
	`, id, operationID)
	n, err := scanNotification(row)
	if err == pgx.ErrNoRows {
		return nil, ErrNotificationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}

	if !lifecycle.ValidResult(n.Channel, result) {
		return nil, fmt.Errorf("invalid %s result %q", n.Channel, result)
	}

	// Stale or duplicate callback: keep the stored state.
	if result.Rank() <= n.Result.Rank() {
		r.logger.Debug("ignoring stale result update",
			zap.String("notification_id", n.ID.String()),
			zap.String("stored", n.Result.String()),
			zap.String("reported", result.String()),
		)
		return n, tx.Commit(ctx)
	}

	if at.IsZero() {
		at = time.Now()
	}
	_, err = tx.Exec(ctx, `
		UPDATE notifications SET result = $1, result_at = $2 WHERE id = $3
	`, result, at, n.ID)
	if err != nil {
		return nil, fmt.Errorf("update notification result: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	n.Result = result
	n.ResultAt = at
	return n, nil
}

// SetOperationID records the provider's message id after a successful hand-
// off so asynchronous delivery reports can be correlated back.
func (r *Repository) SetOperationID(ctx context.Context, id uuid.UUID, operationID string) error {
	tag, err := r.db.Pool().Exec(ctx,
		`UPDATE notifications SET operation_id = $1 WHERE id = $2`,
		operationID, id)
	if err != nil {
		return fmt.Errorf("set operation id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// ClaimNewNotifications atomically claims notifications awaiting dispatch on
// a channel and marks them sending.
func (r *Repository) ClaimNewNotifications(ctx context.Context, channel lifecycle.Channel, limit int) ([]*Notification, error) {
	rows, err := r.db.Pool().Query(ctx, `
		UPDATE notifications
		SET result = $1, result_at = NOW()
		WHERE id IN (
			SELECT id FROM notifications
			WHERE channel = $2 AND result = $3
			ORDER BY created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+notificationColumns,
		lifecycle.ResultSending, channel, lifecycle.ResultNew, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim new notifications: %w", err)
	}
	defer rows.Close()
	return collectNotifications(rows)
}

// RequeueNotification returns a claimed notification to the dispatch queue.
// Used when the provider is unavailable (circuit open): legal only from
// sending with no operation id recorded, so a message the provider may have
// accepted is never sent twice.
func (r *Repository) RequeueNotification(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE notifications
		SET result = $1
		WHERE id = $2 AND result = $3 AND operation_id IS NULL
	`, lifecycle.ResultNew, id, lifecycle.ResultSending)
	if err != nil {
		return fmt.Errorf("requeue notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// TerminateExpiredNotifications forces notifications stuck in a non-terminal
// state past their expiry into failed_ttl. It returns the distinct owning
// order ids so the caller can re-evaluate their completion, plus the number
// of notifications terminated, which can exceed the order count when one
// order had several hung notifications. Guarantees a provider that never
// calls back cannot block an order forever.
func (r *Repository) TerminateExpiredNotifications(ctx context.Context) (map[uuid.UUID]uuid.UUID, int, error) {
	rows, err := r.db.Pool().Query(ctx, `
		UPDATE notifications
		SET result = $1, result_at = NOW()
		WHERE result IN ($2, $3) AND expires_at <= NOW()
		RETURNING id, order_id
	`, lifecycle.ResultFailedTTL, lifecycle.ResultNew, lifecycle.ResultSending)
	if err != nil {
		return nil, 0, fmt.Errorf("terminate expired notifications: %w", err)
	}
	defer rows.Close()

	// One representative notification id per order, enough to hand the
	// completion aggregator.
	affected := make(map[uuid.UUID]uuid.UUID)
	terminated := 0
	for rows.Next() {
		var id, orderID uuid.UUID
		if err := rows.Scan(&id, &orderID); err != nil {
			return nil, 0, fmt.Errorf("scan terminated notification: %w", err)
		}
		affected[orderID] = id
		terminated++
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate rows: %w", err)
	}

	if terminated > 0 {
		r.logger.Info("expired notifications terminated",
			zap.Int("notifications", terminated),
			zap.Int("orders_affected", len(affected)),
		)
	}
	return affected, terminated, nil
}

func scanNotification(row pgx.Row) (*Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID, &n.OrderID, &n.RecipientID, &n.Channel, &n.Destination,
		&n.Result, &n.ResultAt, &n.OperationID, &n.ExpiresAt, &n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func collectNotifications(rows pgx.Rows) ([]*Notification, error) {
	var notifications []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return notifications, nil
}
