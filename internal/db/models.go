package db

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/larsjm/notiq/internal/lifecycle"
)

// Sentinel errors surfaced by the repositories.
var (
	ErrOrderNotFound          = errors.New("order not found")
	ErrNotificationNotFound   = errors.New("notification not found")
	ErrShipmentNotFound       = errors.New("shipment not found")
	ErrCancellationProhibited = errors.New("cancellation prohibited: processing has started")
	ErrDuplicateOrder         = errors.New("duplicate order: idempotency key already used by this creator")
	ErrOrderNotTerminal       = errors.New("order has not reached a terminal status")
)

// Shipment type constants. A reminder is a full order linked to its main
// order through the shared chain id.
const (
	ShipmentTypeNotification = "notification"
	ShipmentTypeReminder     = "reminder"
)

// Template is the per-channel message content carried by an order.
type Template struct {
	Channel lifecycle.Channel `json:"channel"`
	Sender  string            `json:"sender,omitempty"`
	Subject string            `json:"subject,omitempty"`
	Body    string            `json:"body"`
}

// Recipient is one addressee of an order with its resolved contact points.
type Recipient struct {
	ID      uuid.UUID `json:"id"`
	OrderID uuid.UUID `json:"order_id"`
	Email   string    `json:"email,omitempty"`
	Phone   string    `json:"phone,omitempty"`
}

// ContactPoints adapts a recipient to the channel resolver.
func (r *Recipient) ContactPoints() lifecycle.ContactPoints {
	return lifecycle.ContactPoints{Email: r.Email, Phone: r.Phone}
}

// Order represents a notification order. Identity and content are immutable
// after creation; only the processing status (and its timestamp) mutate.
type Order struct {
	ID               uuid.UUID             `json:"id"`
	ShipmentID       uuid.UUID             `json:"shipment_id"`
	ChainID          uuid.UUID             `json:"chain_id"`
	ShipmentType     string                `json:"shipment_type"`
	Creator          string                `json:"creator"`
	IdempotencyKey   *string               `json:"idempotency_key,omitempty"`
	SendersReference *string               `json:"senders_reference,omitempty"`
	RequestedAt      time.Time             `json:"requested_at"`
	Scheme           lifecycle.Scheme      `json:"scheme"`
	Status           lifecycle.OrderStatus `json:"status"`
	Templates        []Template            `json:"templates"`
	Recipients       []Recipient           `json:"recipients,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
	ProcessedAt      *time.Time            `json:"processed_at,omitempty"`
}

// Template returns the template for the given channel, or nil.
func (o *Order) Template(c lifecycle.Channel) *Template {
	for i := range o.Templates {
		if o.Templates[i].Channel == c {
			return &o.Templates[i]
		}
	}
	return nil
}

// Notification is a single email or SMS delivery tied to an order. The
// channel field discriminates the variant; the aggregator and manifest
// operate over the common fields only.
type Notification struct {
	ID          uuid.UUID         `json:"id"`
	OrderID     uuid.UUID         `json:"order_id"`
	RecipientID uuid.UUID         `json:"recipient_id"`
	Channel     lifecycle.Channel `json:"channel"`
	Destination string            `json:"destination"`
	Result      lifecycle.Result  `json:"result"`
	ResultAt    time.Time         `json:"result_at"`
	OperationID *string           `json:"operation_id,omitempty"`
	ExpiresAt   time.Time         `json:"expires_at"`
	CreatedAt   time.Time         `json:"created_at"`
}

// RecipientSnapshot is the per-recipient slice of a feed snapshot.
type RecipientSnapshot struct {
	Destination string    `json:"destination"`
	Status      string    `json:"status"`
	Description string    `json:"description,omitempty"`
	LastUpdate  time.Time `json:"last_update"`
}

// OrderSnapshot is the point-in-time view of an order serialized into a
// status-feed entry. The reconciliation path produces the exact same shape
// as the live path; both go through buildOrderSnapshot.
type OrderSnapshot struct {
	ShipmentID       uuid.UUID           `json:"shipment_id"`
	SendersReference string              `json:"senders_reference,omitempty"`
	ShipmentType     string              `json:"shipment_type"`
	Status           string              `json:"status"`
	LastUpdated      time.Time           `json:"last_updated"`
	Recipients       []RecipientSnapshot `json:"recipients"`
}

// StatusFeedEntry is one immutable row of the per-creator feed.
type StatusFeedEntry struct {
	Seq         int64         `json:"seq"`
	Creator     string        `json:"creator"`
	OrderID     uuid.UUID     `json:"-"`
	OrderStatus OrderSnapshot `json:"order_status"`
	CreatedAt   time.Time     `json:"created_at"`
}

// ManifestRecipient is one row of the delivery manifest.
type ManifestRecipient struct {
	Destination string    `json:"destination"`
	Status      string    `json:"status"`
	Description string    `json:"description,omitempty"`
	LastUpdate  time.Time `json:"last_update"`
}

// Manifest is the externally consumable read view of a shipment.
type Manifest struct {
	ShipmentID       uuid.UUID                `json:"shipment_id"`
	SendersReference string                   `json:"senders_reference,omitempty"`
	ShipmentType     string                   `json:"shipment_type"`
	Status           lifecycle.ShipmentStatus `json:"status"`
	LastUpdated      time.Time                `json:"last_updated"`
	Recipients       []ManifestRecipient      `json:"recipients"`
}

// buildOrderSnapshot assembles the feed snapshot for an order and its
// notifications at the moment of the terminal transition.
func buildOrderSnapshot(o *Order, notifications []*Notification, at time.Time) OrderSnapshot {
	snap := OrderSnapshot{
		ShipmentID:   o.ShipmentID,
		ShipmentType: o.ShipmentType,
		Status:       o.Status.String(),
		LastUpdated:  at.UTC(),
		Recipients:   make([]RecipientSnapshot, 0, len(notifications)),
	}
	if o.SendersReference != nil {
		snap.SendersReference = *o.SendersReference
	}
	for _, n := range notifications {
		snap.Recipients = append(snap.Recipients, RecipientSnapshot{
			Destination: n.Destination,
			Status:      n.Result.String(),
			Description: n.Result.Description(),
			LastUpdate:  n.ResultAt.UTC(),
		})
	}
	return snap
}
