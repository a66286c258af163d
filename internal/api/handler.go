package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/larsjm/notiq/internal/db"
	"github.com/larsjm/notiq/internal/lifecycle"
	"github.com/larsjm/notiq/internal/metrics"
	"github.com/larsjm/notiq/internal/redis"
)

// statusClientClosedRequest is the nginx convention for a request the client
// abandoned before the response was written.
const statusClientClosedRequest = 499

// CreatorHeader carries the creator (service owner) identity on every
// request.
const CreatorHeader = "X-Creator"

// OrderRepository defines the storage operations the HTTP surface needs.
type OrderRepository interface {
	CreateOrderChain(ctx context.Context, orders []*db.Order) error
	GetOrderWithStatusByID(ctx context.Context, id uuid.UUID, creator string) (*db.Order, error)
	GetOrderNotifications(ctx context.Context, orderID uuid.UUID) ([]*db.Notification, error)
	GetOrderByID(ctx context.Context, id uuid.UUID) (*db.Order, error)
	CancelOrder(ctx context.Context, id uuid.UUID, creator string) (*db.Order, error)
	UpdateSendStatus(ctx context.Context, id *uuid.UUID, operationID *string, result lifecycle.Result, at time.Time) (*db.Notification, error)
	TryCompleteOrderBasedOnNotificationsState(ctx context.Context, notificationID uuid.UUID, source string) (bool, error)
	GetStatusFeed(ctx context.Context, afterSeq int64, creator string, pageSize int) ([]*db.StatusFeedEntry, error)
	GetDeliveryManifest(ctx context.Context, shipmentID uuid.UUID, creator string) (*db.Manifest, error)
}

// OrderEventPublisher announces registered order chains (SQS).
type OrderEventPublisher interface {
	PublishChain(ctx context.Context, orders []*db.Order) ([]string, error)
}

// CompletionPublisher announces terminal orders (SNS).
type CompletionPublisher interface {
	PublishOrderCompleted(ctx context.Context, o *db.Order) (string, error)
}

// TemplateRequest is the per-channel message content of an order request.
type TemplateRequest struct {
	Sender  string `json:"sender,omitempty"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// RecipientRequest is one addressee with its contact points.
type RecipientRequest struct {
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// ReminderRequest describes a follow-up order of the chain, sent delay_days
// after the main order's send time.
type ReminderRequest struct {
	DelayDays int              `json:"delay_days"`
	Scheme    string           `json:"scheme,omitempty"`
	Email     *TemplateRequest `json:"email,omitempty"`
	SMS       *TemplateRequest `json:"sms,omitempty"`
}

// OrderRequest is the incoming order chain registration.
type OrderRequest struct {
	IdempotencyID    string             `json:"idempotency_id,omitempty"`
	SendersReference string             `json:"senders_reference,omitempty"`
	RequestedSendAt  *time.Time         `json:"requested_send_at,omitempty"`
	Scheme           string             `json:"scheme"`
	Recipients       []RecipientRequest `json:"recipients"`
	Email            *TemplateRequest   `json:"email,omitempty"`
	SMS              *TemplateRequest   `json:"sms,omitempty"`
	Reminders        []ReminderRequest  `json:"reminders,omitempty"`
}

// OrderRef identifies one order of a created chain.
type OrderRef struct {
	OrderID    string `json:"order_id"`
	ShipmentID string `json:"shipment_id"`
}

// OrderResponse is returned after registering an order chain.
type OrderResponse struct {
	OrderRef
	Reminders []OrderRef `json:"reminders,omitempty"`
}

// DeliveryCallback is the provider status callback body. Unknown fields are
// rejected so provider contract drift surfaces as 400s instead of silently
// dropped data.
type DeliveryCallback struct {
	NotificationID string     `json:"notification_id,omitempty"`
	OperationID    string     `json:"operation_id,omitempty"`
	Status         string     `json:"status"`
	OccurredAt     *time.Time `json:"occurred_at,omitempty"`
}

// FeedResponse is one page of the per-creator status feed.
type FeedResponse struct {
	Entries []*db.StatusFeedEntry `json:"entries"`
	NextSeq int64                 `json:"next_seq"`
}

// ErrorResponse represents an error in problem+json format.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers.
type Handler struct {
	logger       *zap.Logger
	repo         OrderRepository
	idempotency  *redis.IdempotencyService // nil if Redis not configured
	producer     OrderEventPublisher       // nil if SQS not configured
	publisher    CompletionPublisher       // nil if no completion topic
	feedPageSize int
}

// NewHandler creates a new API handler.
func NewHandler(logger *zap.Logger, repo OrderRepository) *Handler {
	return &Handler{
		logger:       logger,
		repo:         repo,
		feedPageSize: 50,
	}
}

// WithIdempotency enables Redis-backed idempotent order creation.
func (h *Handler) WithIdempotency(svc *redis.IdempotencyService) *Handler {
	h.idempotency = svc
	return h
}

// WithOrderEvents enables order-registered event publishing.
func (h *Handler) WithOrderEvents(p OrderEventPublisher) *Handler {
	h.producer = p
	return h
}

// WithCompletionEvents enables order-completed event publishing.
func (h *Handler) WithCompletionEvents(p CompletionPublisher) *Handler {
	h.publisher = p
	return h
}

// WithFeedPageSize overrides the status feed page size.
func (h *Handler) WithFeedPageSize(n int) *Handler {
	if n > 0 {
		h.feedPageSize = n
	}
	return h
}

// CreateOrder handles POST /v1/orders. Registers the main order plus any
// reminder orders as one chain. Identity and content are fixed here; only
// the status mutates afterwards.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	creator := r.Header.Get(CreatorHeader)
	if creator == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing creator", CreatorHeader+" header is required")
		return
	}

	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	scheme, err := lifecycle.ParseScheme(req.Scheme)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid scheme",
			"scheme must be one of: email, sms, email_preferred, sms_preferred, email_and_sms")
		return
	}
	if msg := validateOrderRequest(&req, scheme); msg != "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid order request", msg)
		return
	}

	// Fast-path idempotency via Redis; the database unique index on
	// (creator, idempotency_key) is the backstop.
	if req.IdempotencyID != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, creator, req.IdempotencyID)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency id is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_id", req.IdempotencyID),
			)
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(OrderResponse{
				OrderRef: OrderRef{ShipmentID: cached.ShipmentID},
			})
			return
		}
	}

	orders := buildOrderChain(&req, scheme, creator)

	if err := h.repo.CreateOrderChain(ctx, orders); err != nil {
		h.releaseIdempotency(ctx, creator, req.IdempotencyID)
		if errors.Is(err, db.ErrDuplicateOrder) {
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Idempotency id already used",
				"An order with this idempotency id already exists for this creator")
			return
		}
		h.logger.Error("failed to create order chain",
			zap.Error(err),
			zap.String("creator", creator),
		)
		h.writeRepoError(w, r, err)
		return
	}

	metrics.RecordOrderCreated(creator, scheme.String())
	h.logger.Info("order chain registered",
		zap.String("order_id", orders[0].ID.String()),
		zap.String("creator", creator),
		zap.Int("reminders", len(orders)-1),
	)

	if req.IdempotencyID != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			ShipmentID: orders[0].ShipmentID.String(),
			StatusCode: http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, creator, req.IdempotencyID, result); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_id", req.IdempotencyID),
			)
		}
	}

	if h.producer != nil {
		if _, err := h.producer.PublishChain(ctx, orders); err != nil {
			// The chain is committed; event publication is best effort.
			h.logger.Error("failed to publish order events", zap.Error(err))
		}
	}

	resp := OrderResponse{
		OrderRef: OrderRef{
			OrderID:    orders[0].ID.String(),
			ShipmentID: orders[0].ShipmentID.String(),
		},
	}
	for _, o := range orders[1:] {
		resp.Reminders = append(resp.Reminders, OrderRef{
			OrderID:    o.ID.String(),
			ShipmentID: o.ShipmentID.String(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

// GetOrder handles GET /v1/orders/{id}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	creator := r.Header.Get(CreatorHeader)
	if creator == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing creator", CreatorHeader+" header is required")
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid order ID", "ID must be a valid UUID")
		return
	}

	o, err := h.repo.GetOrderWithStatusByID(ctx, orderID, creator)
	if err != nil {
		h.writeRepoError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(o)
}

// CancelOrder handles PUT /v1/orders/{id}/cancel. Cancellation is legal only
// before processing starts; afterwards the client gets a 409.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	creator := r.Header.Get(CreatorHeader)
	if creator == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing creator", CreatorHeader+" header is required")
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid order ID", "ID must be a valid UUID")
		return
	}

	o, err := h.repo.CancelOrder(ctx, orderID, creator)
	if err != nil {
		h.writeRepoError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(o)
}

// EmailCallback handles POST /v1/callbacks/email.
func (h *Handler) EmailCallback(w http.ResponseWriter, r *http.Request) {
	h.applyCallback(w, r, lifecycle.ChannelEmail)
}

// SMSCallback handles POST /v1/callbacks/sms.
func (h *Handler) SMSCallback(w http.ResponseWriter, r *http.Request) {
	h.applyCallback(w, r, lifecycle.ChannelSMS)
}

func (h *Handler) applyCallback(w http.ResponseWriter, r *http.Request, channel lifecycle.Channel) {
	ctx := r.Context()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var cb DeliveryCallback
	if err := dec.Decode(&cb); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed callback body", err.Error())
		return
	}

	result, err := lifecycle.ParseResult(channel, cb.Status)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status", err.Error())
		return
	}

	var id *uuid.UUID
	var operationID *string
	switch {
	case cb.NotificationID != "":
		parsed, err := uuid.Parse(cb.NotificationID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "notification_id must be a valid UUID")
			return
		}
		id = &parsed
	case cb.OperationID != "":
		operationID = &cb.OperationID
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing reference",
			"either notification_id or operation_id is required")
		return
	}

	at := time.Now()
	if cb.OccurredAt != nil {
		at = *cb.OccurredAt
	}

	n, err := h.repo.UpdateSendStatus(ctx, id, operationID, result, at)
	if err != nil {
		h.writeRepoError(w, r, err)
		return
	}

	metrics.RecordCallbackResult(channel.String(), result.String())

	if n.Result.IsTerminal() {
		completed, err := h.repo.TryCompleteOrderBasedOnNotificationsState(ctx, n.ID, "callback")
		if err != nil {
			h.writeRepoError(w, r, err)
			return
		}
		if completed {
			h.publishCompletion(ctx, n.OrderID)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"notification_id": n.ID.String(),
		"result":          n.Result.String(),
	})
}

// GetStatusFeed handles GET /v1/feed?seq=N. Returns the creator's feed
// entries with sequence numbers strictly greater than seq, oldest first.
func (h *Handler) GetStatusFeed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	creator := r.Header.Get(CreatorHeader)
	if creator == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing creator", CreatorHeader+" header is required")
		return
	}

	var afterSeq int64
	if s := r.URL.Query().Get("seq"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid seq", "seq must be a non-negative integer")
			return
		}
		afterSeq = v
	}

	entries, err := h.repo.GetStatusFeed(ctx, afterSeq, creator, h.feedPageSize)
	if err != nil {
		h.writeRepoError(w, r, err)
		return
	}

	resp := FeedResponse{Entries: entries, NextSeq: afterSeq}
	if len(entries) > 0 {
		resp.NextSeq = entries[len(entries)-1].Seq
	}
	if resp.Entries == nil {
		resp.Entries = []*db.StatusFeedEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// GetManifest handles GET /v1/shipments/{id}/manifest.
func (h *Handler) GetManifest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	creator := r.Header.Get(CreatorHeader)
	if creator == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing creator", CreatorHeader+" header is required")
		return
	}

	shipmentID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid shipment ID", "ID must be a valid UUID")
		return
	}

	manifest, err := h.repo.GetDeliveryManifest(ctx, shipmentID, creator)
	if err != nil {
		h.writeRepoError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(manifest)
}

func (h *Handler) publishCompletion(ctx context.Context, orderID uuid.UUID) {
	if h.publisher == nil {
		return
	}
	o, err := h.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		h.logger.Error("failed to load completed order for event",
			zap.String("order_id", orderID.String()),
			zap.Error(err),
		)
		return
	}
	if _, err := h.publisher.PublishOrderCompleted(ctx, o); err != nil {
		h.logger.Error("failed to publish completion event",
			zap.String("order_id", orderID.String()),
			zap.Error(err),
		)
	}
}

func (h *Handler) releaseIdempotency(ctx context.Context, creator, idempotencyID string) {
	if idempotencyID == "" || h.idempotency == nil {
		return
	}
	if err := h.idempotency.Release(ctx, creator, idempotencyID); err != nil {
		h.logger.Warn("failed to release idempotency reservation", zap.Error(err))
	}
}

// writeRepoError maps storage errors to HTTP statuses: missing resources to
// 404, illegal cancellations to 409, a client that went away to 499, and
// everything else to 503 so callers know to retry.
func (h *Handler) writeRepoError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, db.ErrOrderNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Order not found", "")
	case errors.Is(err, db.ErrNotificationNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
	case errors.Is(err, db.ErrShipmentNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Shipment not found", "")
	case errors.Is(err, db.ErrCancellationProhibited):
		h.writeError(w, http.StatusConflict, "cancellation_prohibited",
			"Order can no longer be cancelled", "Processing of the order has already started")
	case errors.Is(err, context.Canceled), errors.Is(r.Context().Err(), context.Canceled):
		h.writeError(w, statusClientClosedRequest, "client_closed_request",
			"Client closed request", "")
	default:
		h.logger.Error("storage error", zap.Error(err))
		h.writeError(w, http.StatusServiceUnavailable, "storage_unavailable",
			"Storage temporarily unavailable", "Retry the request")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
