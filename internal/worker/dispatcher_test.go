package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/larsjm/notiq/internal/circuitbreaker"
	"github.com/larsjm/notiq/internal/db"
	"github.com/larsjm/notiq/internal/lifecycle"
)

func queuedNotification(repo *mockRepo, orderID uuid.UUID, ch lifecycle.Channel, dest string) *db.Notification {
	n := &db.Notification{
		ID:          uuid.New(),
		OrderID:     orderID,
		RecipientID: uuid.New(),
		Channel:     ch,
		Destination: dest,
		Result:      lifecycle.ResultNew,
	}
	repo.newNotifs = append(repo.newNotifs, n)
	repo.notifResults[n.ID] = lifecycle.ResultNew
	repo.notifOrders[n.ID] = orderID
	return n
}

func withTemplate(repo *mockRepo, orderID uuid.UUID, ch lifecycle.Channel) {
	if repo.templates[orderID] == nil {
		repo.templates[orderID] = make(map[lifecycle.Channel]*db.Template)
	}
	repo.templates[orderID][ch] = &db.Template{Channel: ch, Subject: "hi", Body: "hello"}
}

func TestDispatcher_SuccessRecordsOperationID(t *testing.T) {
	repo := newMockRepo()
	orderID := uuid.New()
	repo.orderStatus[orderID] = lifecycle.OrderProcessed
	withTemplate(repo, orderID, lifecycle.ChannelEmail)
	n := queuedNotification(repo, orderID, lifecycle.ChannelEmail, "a@example.com")

	sender := &fakeSender{opID: "ses-msg-1"}
	d := NewDispatcher(repo, sender, DispatcherConfig{}, testLogger())

	d.dispatchChannel(context.Background(), lifecycle.ChannelEmail)

	if len(sender.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sender.sent))
	}
	if repo.operationIDs[n.ID] != "ses-msg-1" {
		t.Fatalf("operation id = %q", repo.operationIDs[n.ID])
	}
	// Hand-off succeeded: the delivery awaits its callback, still sending.
	if repo.notifResults[n.ID] != lifecycle.ResultSending {
		t.Fatalf("result = %s, want sending", repo.notifResults[n.ID])
	}
	if repo.completions != 0 {
		t.Fatal("order must not complete on hand-off")
	}
}

func TestDispatcher_ProviderRejectionIsTerminal(t *testing.T) {
	repo := newMockRepo()
	orderID := uuid.New()
	repo.orderStatus[orderID] = lifecycle.OrderProcessed
	withTemplate(repo, orderID, lifecycle.ChannelSMS)
	n := queuedNotification(repo, orderID, lifecycle.ChannelSMS, "+4799999999")

	sender := &fakeSender{sendErr: errors.New("invalid number")}
	d := NewDispatcher(repo, sender, DispatcherConfig{}, testLogger())

	d.dispatchChannel(context.Background(), lifecycle.ChannelSMS)

	if repo.notifResults[n.ID] != lifecycle.ResultFailed {
		t.Fatalf("result = %s, want failed", repo.notifResults[n.ID])
	}
	// The only delivery is terminal, so the completion check must fire and
	// complete the order.
	if repo.tryCompleteCalls != 1 {
		t.Fatalf("tryComplete calls = %d, want 1", repo.tryCompleteCalls)
	}
	if repo.orderStatus[orderID] != lifecycle.OrderCompleted {
		t.Fatalf("order status = %s, want completed", repo.orderStatus[orderID])
	}
}

func TestDispatcher_CircuitOpenRequeuesAndAbandonsBatch(t *testing.T) {
	repo := newMockRepo()
	orderID := uuid.New()
	repo.orderStatus[orderID] = lifecycle.OrderProcessed
	withTemplate(repo, orderID, lifecycle.ChannelEmail)
	first := queuedNotification(repo, orderID, lifecycle.ChannelEmail, "a@example.com")
	second := queuedNotification(repo, orderID, lifecycle.ChannelEmail, "b@example.com")

	sender := &fakeSender{sendErr: circuitbreaker.ErrCircuitOpen}
	d := NewDispatcher(repo, sender, DispatcherConfig{}, testLogger())

	d.dispatchChannel(context.Background(), lifecycle.ChannelEmail)

	if len(repo.requeued) != 2 {
		t.Fatalf("requeued = %v, want the whole claimed batch", repo.requeued)
	}
	if repo.notifResults[first.ID] != lifecycle.ResultNew || repo.notifResults[second.ID] != lifecycle.ResultNew {
		t.Fatal("both notifications should be back to new after requeue")
	}
	// Nothing marked failed: provider downtime is not a delivery failure.
	if repo.tryCompleteCalls != 0 {
		t.Fatalf("tryComplete calls = %d, want 0", repo.tryCompleteCalls)
	}
}

func TestDispatcher_MissingTemplateFailsNotification(t *testing.T) {
	repo := newMockRepo()
	orderID := uuid.New()
	repo.orderStatus[orderID] = lifecycle.OrderProcessed
	n := queuedNotification(repo, orderID, lifecycle.ChannelEmail, "a@example.com")

	sender := &fakeSender{}
	d := NewDispatcher(repo, sender, DispatcherConfig{}, testLogger())

	d.dispatchChannel(context.Background(), lifecycle.ChannelEmail)

	if len(sender.sent) != 0 {
		t.Fatal("nothing should reach the provider without a template")
	}
	if repo.notifResults[n.ID] != lifecycle.ResultFailed {
		t.Fatalf("result = %s, want failed", repo.notifResults[n.ID])
	}
}

func TestDispatcher_OnlyClaimsRequestedChannel(t *testing.T) {
	repo := newMockRepo()
	orderID := uuid.New()
	repo.orderStatus[orderID] = lifecycle.OrderProcessed
	withTemplate(repo, orderID, lifecycle.ChannelEmail)
	withTemplate(repo, orderID, lifecycle.ChannelSMS)
	queuedNotification(repo, orderID, lifecycle.ChannelEmail, "a@example.com")
	sms := queuedNotification(repo, orderID, lifecycle.ChannelSMS, "+4799999999")

	sender := &fakeSender{}
	d := NewDispatcher(repo, sender, DispatcherConfig{}, testLogger())

	d.dispatchChannel(context.Background(), lifecycle.ChannelEmail)

	if len(sender.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sender.sent))
	}
	if repo.notifResults[sms.ID] != lifecycle.ResultNew {
		t.Fatalf("sms result = %s, want new (unclaimed)", repo.notifResults[sms.ID])
	}
}
