package sns

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/larsjm/notiq/internal/db"
	"github.com/larsjm/notiq/internal/lifecycle"
)

func TestCompletionEvent_Marshal(t *testing.T) {
	event := CompletionEvent{
		OrderID:      uuid.New().String(),
		ShipmentID:   uuid.New().String(),
		ShipmentType: db.ShipmentTypeNotification,
		Creator:      "ttd",
		Status:       "completed",
		CompletedAt:  1234567890,
	}

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}

	var decoded CompletionEvent
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal event: %v", err)
	}

	if decoded.OrderID != event.OrderID {
		t.Errorf("order id mismatch: got %s, want %s", decoded.OrderID, event.OrderID)
	}
	if decoded.Status != "completed" {
		t.Errorf("status mismatch: got %s", decoded.Status)
	}
}

func TestNewCompletionEvent(t *testing.T) {
	processedAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	o := &db.Order{
		ID:           uuid.New(),
		ShipmentID:   uuid.New(),
		ShipmentType: db.ShipmentTypeReminder,
		Creator:      "ttd",
		Status:       lifecycle.OrderSendConditionNotMet,
		ProcessedAt:  &processedAt,
	}

	event := newCompletionEvent(o)

	if event.Status != "send_condition_not_met" {
		t.Errorf("status = %s", event.Status)
	}
	if event.ShipmentType != db.ShipmentTypeReminder {
		t.Errorf("shipment type = %s", event.ShipmentType)
	}
	if event.CompletedAt != processedAt.Unix() {
		t.Errorf("completed_at = %d, want %d", event.CompletedAt, processedAt.Unix())
	}
}

func TestNewCompletionEvent_TimestampFallback(t *testing.T) {
	// Terminal orders always carry processed_at, but the event must still
	// have a timestamp if one slips through without it.
	o := &db.Order{
		ID:         uuid.New(),
		ShipmentID: uuid.New(),
		Creator:    "ttd",
		Status:     lifecycle.OrderCompleted,
	}

	if newCompletionEvent(o).CompletedAt == 0 {
		t.Fatal("completed_at must be set")
	}
}
