package sqs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/larsjm/notiq/internal/db"
	"github.com/larsjm/notiq/internal/lifecycle"
)

type mockRepo struct {
	notifications map[uuid.UUID]*db.Notification
	byOperationID map[string]uuid.UUID

	updates          []lifecycle.Result
	tryCompleteCalls int
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		notifications: make(map[uuid.UUID]*db.Notification),
		byOperationID: make(map[string]uuid.UUID),
	}
}

func (m *mockRepo) add(n *db.Notification) {
	m.notifications[n.ID] = n
	if n.OperationID != nil {
		m.byOperationID[*n.OperationID] = n.ID
	}
}

func (m *mockRepo) UpdateSendStatus(ctx context.Context, id *uuid.UUID, operationID *string, result lifecycle.Result, at time.Time) (*db.Notification, error) {
	var n *db.Notification
	switch {
	case id != nil:
		n = m.notifications[*id]
	case operationID != nil:
		if nid, ok := m.byOperationID[*operationID]; ok {
			n = m.notifications[nid]
		}
	}
	if n == nil {
		return nil, db.ErrNotificationNotFound
	}
	if result.Rank() > n.Result.Rank() {
		n.Result = result
		n.ResultAt = at
	}
	m.updates = append(m.updates, result)
	return n, nil
}

func (m *mockRepo) TryCompleteOrderBasedOnNotificationsState(ctx context.Context, notificationID uuid.UUID, source string) (bool, error) {
	m.tryCompleteCalls++
	return true, nil
}

func (m *mockRepo) GetOrderByID(ctx context.Context, id uuid.UUID) (*db.Order, error) {
	return &db.Order{ID: id, Status: lifecycle.OrderCompleted}, nil
}

func testConsumer(repo Repository) *Consumer {
	return &Consumer{repo: repo, logger: zap.NewNop()}
}

func TestApply_TerminalReportTriggersCompletion(t *testing.T) {
	repo := newMockRepo()
	opID := "ses-op-1"
	n := &db.Notification{
		ID:          uuid.New(),
		OrderID:     uuid.New(),
		Channel:     lifecycle.ChannelEmail,
		Result:      lifecycle.ResultSending,
		OperationID: &opID,
	}
	repo.add(n)

	report := &DeliveryReport{
		OperationID: opID,
		Channel:     "email",
		Status:      "delivered",
		OccurredAt:  time.Now().Unix(),
	}

	if err := testConsumer(repo).Apply(context.Background(), report); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.Result != lifecycle.ResultDelivered {
		t.Fatalf("result = %s, want delivered", n.Result)
	}
	if repo.tryCompleteCalls != 1 {
		t.Fatalf("tryComplete calls = %d, want 1", repo.tryCompleteCalls)
	}
}

func TestApply_IntermediateReportSkipsCompletion(t *testing.T) {
	repo := newMockRepo()
	n := &db.Notification{
		ID:      uuid.New(),
		Channel: lifecycle.ChannelEmail,
		Result:  lifecycle.ResultSending,
	}
	repo.add(n)

	report := &DeliveryReport{
		NotificationID: n.ID.String(),
		Channel:        "email",
		Status:         "succeeded",
	}

	if err := testConsumer(repo).Apply(context.Background(), report); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if repo.tryCompleteCalls != 0 {
		t.Fatalf("tryComplete calls = %d, want 0 for non-terminal result", repo.tryCompleteCalls)
	}
}

func TestApply_MalformedReports(t *testing.T) {
	tests := []struct {
		name   string
		report DeliveryReport
	}{
		{"unknown channel", DeliveryReport{OperationID: "op", Channel: "fax", Status: "delivered"}},
		{"status invalid for channel", DeliveryReport{OperationID: "op", Channel: "email", Status: "failed_barred_receiver"}},
		{"no reference", DeliveryReport{Channel: "email", Status: "delivered"}},
		{"bad notification id", DeliveryReport{NotificationID: "nope", Channel: "email", Status: "delivered"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := testConsumer(newMockRepo()).Apply(context.Background(), &tt.report)
			if !isMalformed(err) {
				t.Fatalf("expected malformed error, got: %v", err)
			}
		})
	}
}

func TestApply_UnknownOperationID(t *testing.T) {
	report := &DeliveryReport{OperationID: "never-seen", Channel: "sms", Status: "delivered"}
	err := testConsumer(newMockRepo()).Apply(context.Background(), report)
	if err != db.ErrNotificationNotFound {
		t.Fatalf("expected ErrNotificationNotFound, got: %v", err)
	}
}

type mockPublisher struct {
	published []string
}

func (m *mockPublisher) PublishOrderCompleted(ctx context.Context, o *db.Order) (string, error) {
	m.published = append(m.published, o.ID.String())
	return "msg-1", nil
}

func TestApply_CompletionPublishesEvent(t *testing.T) {
	repo := newMockRepo()
	n := &db.Notification{
		ID:      uuid.New(),
		OrderID: uuid.New(),
		Channel: lifecycle.ChannelSMS,
		Result:  lifecycle.ResultSending,
	}
	repo.add(n)

	pub := &mockPublisher{}
	c := testConsumer(repo).WithPublisher(pub)

	report := &DeliveryReport{
		NotificationID: n.ID.String(),
		Channel:        "sms",
		Status:         "delivered",
	}
	if err := c.Apply(context.Background(), report); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.published) != 1 || pub.published[0] != n.OrderID.String() {
		t.Fatalf("published = %v, want the owning order", pub.published)
	}
}

func TestPublishChainEmpty(t *testing.T) {
	producer := &Producer{
		queueURL: "https://sqs.eu-west-1.amazonaws.com/123456789/orders",
		logger:   zap.NewNop(),
	}

	result, err := producer.PublishChain(context.Background(), []*db.Order{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 0 {
		t.Errorf("expected empty result, got %d items", len(result))
	}
}
