// Package lifecycle defines the state vocabulary for notification orders and
// their per-channel deliveries: the legal order transitions, the per-channel
// result types reported by providers, and the terminal predicate the
// completion aggregator relies on.
package lifecycle

import (
	"fmt"
	"strings"
)

// OrderStatus represents the processing state of a notification order.
type OrderStatus string

const (
	OrderRegistered          OrderStatus = "registered"
	OrderProcessing          OrderStatus = "processing"
	OrderProcessed           OrderStatus = "processed"
	OrderCompleted           OrderStatus = "completed"
	OrderSendConditionNotMet OrderStatus = "send_condition_not_met"
	OrderCancelled           OrderStatus = "cancelled"
)

func (s OrderStatus) String() string { return string(s) }

func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderRegistered, OrderProcessing, OrderProcessed,
		OrderCompleted, OrderSendConditionNotMet, OrderCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further automatic transition can occur.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderCompleted, OrderSendConditionNotMet, OrderCancelled:
		return true
	}
	return false
}

// TerminalOrderStatuses is the set used in conditional updates guarding the
// at-most-once terminal transition.
func TerminalOrderStatuses() []OrderStatus {
	return []OrderStatus{OrderCompleted, OrderSendConditionNotMet, OrderCancelled}
}

// CanTransitionTo reports whether moving from s to next follows the legal
// forward path. Processed is an optional intermediate: processing may move
// straight to a terminal status.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case OrderRegistered:
		return next == OrderProcessing || next == OrderCancelled || next == OrderSendConditionNotMet
	case OrderProcessing:
		return next == OrderProcessed || next == OrderCompleted || next == OrderSendConditionNotMet
	case OrderProcessed:
		return next == OrderCompleted
	}
	return false
}

func ParseOrderStatus(s string) (OrderStatus, error) {
	st := OrderStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("invalid order status %q", s)
	}
	return st, nil
}

// Channel identifies a concrete delivery channel.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	return c == ChannelEmail || c == ChannelSMS
}

// Result is the provider-reported state of a single delivery attempt.
// The namespace is shared between channels; ValidResult restricts which
// values a given channel may report.
type Result string

const (
	ResultNew      Result = "new"
	ResultSending  Result = "sending"
	ResultSucceeded Result = "succeeded" // email: provider accepted the message
	ResultAccepted  Result = "accepted"  // sms: gateway accepted the message
	ResultDelivered Result = "delivered"

	ResultFailed                   Result = "failed"
	ResultFailedBounced            Result = "failed_bounced"             // email
	ResultFailedInvalidAddress     Result = "failed_invalid_address"     // email
	ResultFailedSuppressed         Result = "failed_suppressed"          // email
	ResultFailedQuarantined        Result = "failed_quarantined"         // email
	ResultFailedInvalidRecipient   Result = "failed_invalid_recipient"   // sms
	ResultFailedBarredReceiver     Result = "failed_barred_receiver"     // sms
	ResultFailedRejected           Result = "failed_rejected"            // sms
	ResultFailedUndeliverable      Result = "failed_undeliverable"       // sms
	ResultFailedExpired            Result = "failed_expired"             // sms
	ResultFailedRecipientReserved  Result = "failed_recipient_reserved"  // both
	ResultFailedRecipientNotIdentified Result = "failed_recipient_not_identified" // both, set at fan-out
	ResultFailedTTL                Result = "failed_ttl"                 // both, set by the expiry sweep
)

func (r Result) String() string { return string(r) }

// IsTerminal reports whether the delivery has reached a final state. This is
// the single predicate consumed by the completion aggregator.
func (r Result) IsTerminal() bool {
	switch r {
	case ResultNew, ResultSending:
		return false
	}
	return r.IsValidAny()
}

// Succeeded reports whether the delivery reached the recipient (or the
// provider accepted it without a later failure report).
func (r Result) Succeeded() bool {
	switch r {
	case ResultSucceeded, ResultAccepted, ResultDelivered:
		return true
	}
	return false
}

// Rank orders results along the natural channel progression. Updates must
// never lower the rank: an out-of-order "sending" callback arriving after
// "delivered" is a no-op, not a regression.
func (r Result) Rank() int {
	switch r {
	case ResultNew:
		return 0
	case ResultSending:
		return 1
	case ResultSucceeded, ResultAccepted:
		return 2
	default:
		// delivered and all failure variants
		return 3
	}
}

func (r Result) IsValidAny() bool {
	return ValidResult(ChannelEmail, r) || ValidResult(ChannelSMS, r)
}

// ValidResult reports whether a channel may report the given result.
func ValidResult(c Channel, r Result) bool {
	switch r {
	case ResultNew, ResultSending, ResultDelivered, ResultFailed,
		ResultFailedRecipientReserved, ResultFailedRecipientNotIdentified, ResultFailedTTL:
		return true
	case ResultSucceeded, ResultFailedBounced, ResultFailedInvalidAddress,
		ResultFailedSuppressed, ResultFailedQuarantined:
		return c == ChannelEmail
	case ResultAccepted, ResultFailedInvalidRecipient, ResultFailedBarredReceiver,
		ResultFailedRejected, ResultFailedUndeliverable, ResultFailedExpired:
		return c == ChannelSMS
	}
	return false
}

func ParseResult(c Channel, s string) (Result, error) {
	r := Result(strings.ToLower(strings.TrimSpace(s)))
	if !ValidResult(c, r) {
		return "", fmt.Errorf("invalid %s result %q", c, s)
	}
	return r, nil
}

// Description returns a human-readable explanation of a result for the
// delivery manifest. Empty for non-failure states.
func (r Result) Description() string {
	switch r {
	case ResultFailedBounced:
		return "The message bounced at the receiving server"
	case ResultFailedInvalidAddress:
		return "The email address is not in a valid format"
	case ResultFailedInvalidRecipient:
		return "The phone number is not a valid mobile number"
	case ResultFailedSuppressed:
		return "The address is on the suppression list"
	case ResultFailedQuarantined:
		return "The message was quarantined by the receiving server"
	case ResultFailedBarredReceiver:
		return "The receiver number is barred from receiving messages"
	case ResultFailedRejected:
		return "The message was rejected by the gateway"
	case ResultFailedUndeliverable:
		return "The message could not be delivered"
	case ResultFailedExpired:
		return "The message expired before it could be delivered"
	case ResultFailedRecipientReserved:
		return "The recipient has reserved themselves from this kind of message"
	case ResultFailedRecipientNotIdentified:
		return "No contact point satisfied the requested channel scheme"
	case ResultFailedTTL:
		return "No delivery confirmation arrived before the message expired"
	case ResultFailed:
		return "The delivery failed"
	}
	return ""
}

// ShipmentStatus is the externally-facing rollup exposed by the delivery
// manifest.
type ShipmentStatus string

const (
	ShipmentInitialized        ShipmentStatus = "initialized"
	ShipmentProcessing         ShipmentStatus = "processing"
	ShipmentCompleted          ShipmentStatus = "completed"
	ShipmentPartiallyCompleted ShipmentStatus = "partially_completed"
	ShipmentFailed             ShipmentStatus = "failed"
	ShipmentCancelled          ShipmentStatus = "cancelled"
	ShipmentNotSent            ShipmentStatus = "not_sent"
)

// ReduceShipmentStatus computes the shipment-level status from the owning
// order's status and the per-recipient outcomes. While the order is
// non-terminal the shipment mirrors the order; once completed it reduces the
// recipient results.
func ReduceShipmentStatus(order OrderStatus, results []Result) ShipmentStatus {
	switch order {
	case OrderRegistered:
		return ShipmentInitialized
	case OrderProcessing, OrderProcessed:
		return ShipmentProcessing
	case OrderCancelled:
		return ShipmentCancelled
	case OrderSendConditionNotMet:
		return ShipmentNotSent
	}

	succeeded := 0
	for _, r := range results {
		if r.Succeeded() {
			succeeded++
		}
	}
	switch {
	case len(results) == 0:
		return ShipmentFailed
	case succeeded == len(results):
		return ShipmentCompleted
	case succeeded > 0:
		return ShipmentPartiallyCompleted
	default:
		return ShipmentFailed
	}
}
