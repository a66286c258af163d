package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/larsjm/notiq/internal/lifecycle"
	"github.com/larsjm/notiq/internal/metrics"
)

// Repository handles database operations for orders, notifications and the
// status feed.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const orderColumns = `
	id, shipment_id, chain_id, shipment_type, creator, idempotency_key,
	senders_reference, requested_at, scheme, status, templates,
	created_at, processed_at
`

// CreateOrderChain inserts a main order plus its reminder orders and their
// recipients in one transaction. The creator-scoped idempotency key is
// enforced by a unique index; a collision surfaces as ErrDuplicateOrder.
func (r *Repository) CreateOrderChain(ctx context.Context, orders []*Order) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, o := range orders {
		templates, err := json.Marshal(o.Templates)
		if err != nil {
			return fmt.Errorf("marshal templates: %w", err)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO orders (
				id, shipment_id, chain_id, shipment_type, creator,
				idempotency_key, senders_reference, requested_at, scheme,
				status, templates
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING created_at
		`,
			o.ID, o.ShipmentID, o.ChainID, o.ShipmentType, o.Creator,
			o.IdempotencyKey, o.SendersReference, o.RequestedAt, o.Scheme,
			o.Status, templates,
		).Scan(&o.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateOrder
			}
			return fmt.Errorf("insert order: %w", err)
		}

		for i := range o.Recipients {
			rec := &o.Recipients[i]
			rec.OrderID = o.ID
			if rec.ID == uuid.Nil {
				rec.ID = uuid.New()
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO order_recipients (id, order_id, email, phone)
				VALUES ($1, $2, $3, $4)
			`, rec.ID, rec.OrderID, rec.Email, rec.Phone)
			if err != nil {
				return fmt.Errorf("insert recipient: %w", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("order chain created",
		zap.String("chain_id", orders[0].ChainID.String()),
		zap.String("creator", orders[0].Creator),
		zap.Int("orders", len(orders)),
	)

	return nil
}

// GetOrderWithStatusByID retrieves an order and its recipients scoped to a
// creator.
func (r *Repository) GetOrderWithStatusByID(ctx context.Context, id uuid.UUID, creator string) (*Order, error) {
	row := r.db.Pool().QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 AND creator = $2`,
		id, creator,
	)
	o, err := scanOrder(row)
	if err == pgx.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}

	if err := r.loadRecipients(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// GetOrderByID retrieves an order without creator scoping. Internal use only:
// the HTTP surface goes through GetOrderWithStatusByID.
func (r *Repository) GetOrderByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	row := r.db.Pool().QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id,
	)
	o, err := scanOrder(row)
	if err == pgx.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return o, nil
}

// CancelOrder transitions an order to cancelled. Legal only while the order
// is still registered; the conditional update distinguishes a lost race from
// a missing order. A successful cancellation is a terminal transition, so it
// appends a feed entry in the same transaction.
func (r *Repository) CancelOrder(ctx context.Context, id uuid.UUID, creator string) (*Order, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now()
	row := tx.QueryRow(ctx, `
		UPDATE orders
		SET status = $1, processed_at = $2
		WHERE id = $3 AND creator = $4 AND status = $5
		RETURNING `+orderColumns,
		lifecycle.OrderCancelled, now, id, creator, lifecycle.OrderRegistered,
	)
	o, err := scanOrder(row)
	if err == pgx.ErrNoRows {
		var status lifecycle.OrderStatus
		err := tx.QueryRow(ctx,
			`SELECT status FROM orders WHERE id = $1 AND creator = $2`,
			id, creator,
		).Scan(&status)
		if err == pgx.ErrNoRows {
			return nil, ErrOrderNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("query order status: %w", err)
		}
		return nil, ErrCancellationProhibited
	}
	if err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}

	if _, err := r.appendFeedEntryTx(ctx, tx, o, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	metrics.RecordOrderCompleted(o.Status.String(), "cancel")
	metrics.RecordFeedEntry("live")

	r.logger.Info("order cancelled",
		zap.String("order_id", id.String()),
		zap.String("creator", creator),
	)

	return o, nil
}

// ClaimDueOrders atomically claims registered orders whose requested send
// time has passed and moves them to processing. SKIP LOCKED keeps multiple
// service instances from claiming the same order.
func (r *Repository) ClaimDueOrders(ctx context.Context, limit int) ([]*Order, error) {
	rows, err := r.db.Pool().Query(ctx, `
		UPDATE orders
		SET status = $1
		WHERE id IN (
			SELECT id FROM orders
			WHERE status = $2 AND requested_at <= NOW()
			ORDER BY requested_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+orderColumns,
		lifecycle.OrderProcessing, lifecycle.OrderRegistered, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due orders: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	for _, o := range orders {
		if err := r.loadRecipients(ctx, o); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

// SetProcessingStatus moves an order to a non-terminal status. Terminal
// transitions must go through TryCompleteOrderBasedOnNotificationsState,
// CancelOrder or StopOrder so the feed entry is never skipped.
func (r *Repository) SetProcessingStatus(ctx context.Context, id uuid.UUID, status lifecycle.OrderStatus) error {
	if status.IsTerminal() {
		return fmt.Errorf("terminal status %s requires a feed-writing transition", status)
	}

	tag, err := r.db.Pool().Exec(ctx, `
		UPDATE orders
		SET status = $1
		WHERE id = $2 AND status NOT IN ($3, $4, $5)
	`, status, id,
		lifecycle.OrderCompleted, lifecycle.OrderSendConditionNotMet, lifecycle.OrderCancelled,
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// StopOrder moves a claimed order to send_condition_not_met and appends the
// feed entry for the terminal transition.
func (r *Repository) StopOrder(ctx context.Context, id uuid.UUID) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now()
	row := tx.QueryRow(ctx, `
		UPDATE orders
		SET status = $1, processed_at = $2
		WHERE id = $3 AND status NOT IN ($4, $5, $6)
		RETURNING `+orderColumns,
		lifecycle.OrderSendConditionNotMet, now, id,
		lifecycle.OrderCompleted, lifecycle.OrderSendConditionNotMet, lifecycle.OrderCancelled,
	)
	o, err := scanOrder(row)
	if err == pgx.ErrNoRows {
		return ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("stop order: %w", err)
	}

	if _, err := r.appendFeedEntryTx(ctx, tx, o, now); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	metrics.RecordOrderCompleted(o.Status.String(), "condition")
	metrics.RecordFeedEntry("live")
	return nil
}

// TryCompleteOrderBasedOnNotificationsState is the completion aggregator.
// Invoked after every result update that reaches a terminal state, it checks
// whether all notifications of the owning order are terminal and, if so,
// performs the order's terminal transition at most once. The compare-and-set
// tolerates concurrent callers racing on independently-arriving results:
// all may observe "all terminal", only one commits the transition and the
// single feed entry.
//
// Returns false for "not yet complete" and for "another caller won" — both
// benign. The transaction runs on a detached context so a cancelled caller
// cannot leave the order marked completed without its feed entry.
func (r *Repository) TryCompleteOrderBasedOnNotificationsState(ctx context.Context, notificationID uuid.UUID, source string) (bool, error) {
	ctx = context.WithoutCancel(ctx)

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = (SELECT order_id FROM notifications WHERE id = $1)
	`, notificationID)
	o, err := scanOrder(row)
	if err == pgx.ErrNoRows {
		return false, ErrNotificationNotFound
	}
	if err != nil {
		return false, fmt.Errorf("query owning order: %w", err)
	}

	if o.Status.IsTerminal() {
		return false, nil
	}

	var pending bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM notifications
			WHERE order_id = $1 AND result IN ($2, $3)
		)
	`, o.ID, lifecycle.ResultNew, lifecycle.ResultSending).Scan(&pending)
	if err != nil {
		return false, fmt.Errorf("check notification states: %w", err)
	}
	if pending {
		return false, nil
	}

	now := time.Now()
	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $1, processed_at = $2
		WHERE id = $3 AND status NOT IN ($4, $5, $6)
	`, lifecycle.OrderCompleted, now, o.ID,
		lifecycle.OrderCompleted, lifecycle.OrderSendConditionNotMet, lifecycle.OrderCancelled,
	)
	if err != nil {
		return false, fmt.Errorf("complete order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race: a concurrent caller already completed the order.
		metrics.RecordCompletionConflict()
		return false, nil
	}

	o.Status = lifecycle.OrderCompleted
	o.ProcessedAt = &now

	seq, err := r.appendFeedEntryTx(ctx, tx, o, now)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit transaction: %w", err)
	}

	metrics.RecordOrderCompleted(o.Status.String(), source)
	metrics.RecordFeedEntry("live")

	r.logger.Info("order completed",
		zap.String("order_id", o.ID.String()),
		zap.String("creator", o.Creator),
		zap.Int64("feed_seq", seq),
		zap.String("source", source),
	)

	return true, nil
}

// GetOrderTemplate returns the message template an order carries for a
// channel. The dispatcher uses it to build provider payloads without loading
// the full order.
func (r *Repository) GetOrderTemplate(ctx context.Context, orderID uuid.UUID, channel lifecycle.Channel) (*Template, error) {
	var raw []byte
	err := r.db.Pool().QueryRow(ctx,
		`SELECT templates FROM orders WHERE id = $1`, orderID,
	).Scan(&raw)
	if err == pgx.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}

	var templates []Template
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &templates); err != nil {
			return nil, fmt.Errorf("unmarshal templates: %w", err)
		}
	}
	for i := range templates {
		if templates[i].Channel == channel {
			return &templates[i], nil
		}
	}
	return nil, fmt.Errorf("order %s has no %s template", orderID, channel)
}

func (r *Repository) loadRecipients(ctx context.Context, o *Order) error {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, order_id, email, phone
		FROM order_recipients
		WHERE order_id = $1
		ORDER BY id
	`, o.ID)
	if err != nil {
		return fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()

	o.Recipients = nil
	for rows.Next() {
		var rec Recipient
		if err := rows.Scan(&rec.ID, &rec.OrderID, &rec.Email, &rec.Phone); err != nil {
			return fmt.Errorf("scan recipient: %w", err)
		}
		o.Recipients = append(o.Recipients, rec)
	}
	return rows.Err()
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var templates []byte
	err := row.Scan(
		&o.ID, &o.ShipmentID, &o.ChainID, &o.ShipmentType, &o.Creator,
		&o.IdempotencyKey, &o.SendersReference, &o.RequestedAt, &o.Scheme,
		&o.Status, &templates, &o.CreatedAt, &o.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(templates) > 0 {
		if err := json.Unmarshal(templates, &o.Templates); err != nil {
			return nil, fmt.Errorf("unmarshal templates: %w", err)
		}
	}
	return &o, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
