package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/larsjm/notiq/internal/db"
	"github.com/larsjm/notiq/internal/lifecycle"
)

// mockRepo is a hand-written in-memory Repository. TryComplete reproduces
// the storage compare-and-set: however many callers race, only the first
// performs the terminal transition.
type mockRepo struct {
	mu sync.Mutex

	dueOrders     []*db.Order
	newNotifs     []*db.Notification
	templates     map[uuid.UUID]map[lifecycle.Channel]*db.Template
	expiredByCall []map[uuid.UUID]uuid.UUID
	expiredCounts []int // terminated rows per call; defaults to one per order

	orderStatus  map[uuid.UUID]lifecycle.OrderStatus
	notifResults map[uuid.UUID]lifecycle.Result
	notifOrders  map[uuid.UUID]uuid.UUID

	added        []*db.Notification
	operationIDs map[uuid.UUID]string
	requeued     []uuid.UUID
	stopped      []uuid.UUID

	completions      int
	tryCompleteCalls int
	completeSources  []string

	retentionCalls []time.Duration

	claimErr error
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		templates:    make(map[uuid.UUID]map[lifecycle.Channel]*db.Template),
		orderStatus:  make(map[uuid.UUID]lifecycle.OrderStatus),
		notifResults: make(map[uuid.UUID]lifecycle.Result),
		notifOrders:  make(map[uuid.UUID]uuid.UUID),
		operationIDs: make(map[uuid.UUID]string),
	}
}

func (m *mockRepo) ClaimDueOrders(ctx context.Context, limit int) ([]*db.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	orders := m.dueOrders
	m.dueOrders = nil
	for _, o := range orders {
		m.orderStatus[o.ID] = lifecycle.OrderProcessing
	}
	return orders, nil
}

func (m *mockRepo) SetProcessingStatus(ctx context.Context, id uuid.UUID, status lifecycle.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderStatus[id] = status
	return nil
}

func (m *mockRepo) StopOrder(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderStatus[id] = lifecycle.OrderSendConditionNotMet
	m.stopped = append(m.stopped, id)
	return nil
}

func (m *mockRepo) AddNotifications(ctx context.Context, notifications []*db.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range notifications {
		m.added = append(m.added, n)
		m.notifResults[n.ID] = n.Result
		m.notifOrders[n.ID] = n.OrderID
	}
	return nil
}

func (m *mockRepo) ClaimNewNotifications(ctx context.Context, channel lifecycle.Channel, limit int) ([]*db.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	var claimed, rest []*db.Notification
	for _, n := range m.newNotifs {
		if n.Channel == channel && len(claimed) < limit {
			n.Result = lifecycle.ResultSending
			m.notifResults[n.ID] = lifecycle.ResultSending
			claimed = append(claimed, n)
			continue
		}
		rest = append(rest, n)
	}
	m.newNotifs = rest
	return claimed, nil
}

func (m *mockRepo) SetOperationID(ctx context.Context, id uuid.UUID, operationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operationIDs[id] = operationID
	return nil
}

func (m *mockRepo) RequeueNotification(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifResults[id] = lifecycle.ResultNew
	m.requeued = append(m.requeued, id)
	return nil
}

func (m *mockRepo) UpdateSendStatus(ctx context.Context, id *uuid.UUID, operationID *string, result lifecycle.Result, at time.Time) (*db.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == nil {
		return nil, db.ErrNotificationNotFound
	}
	stored, ok := m.notifResults[*id]
	if !ok {
		return nil, db.ErrNotificationNotFound
	}
	if result.Rank() > stored.Rank() {
		m.notifResults[*id] = result
		stored = result
	}
	return &db.Notification{ID: *id, OrderID: m.notifOrders[*id], Result: stored}, nil
}

func (m *mockRepo) GetOrderTemplate(ctx context.Context, orderID uuid.UUID, channel lifecycle.Channel) (*db.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byChannel, ok := m.templates[orderID]
	if !ok {
		return nil, db.ErrOrderNotFound
	}
	tmpl, ok := byChannel[channel]
	if !ok {
		return nil, db.ErrOrderNotFound
	}
	return tmpl, nil
}

func (m *mockRepo) TryCompleteOrderBasedOnNotificationsState(ctx context.Context, notificationID uuid.UUID, source string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tryCompleteCalls++
	m.completeSources = append(m.completeSources, source)

	orderID, ok := m.notifOrders[notificationID]
	if !ok {
		return false, db.ErrNotificationNotFound
	}
	if m.orderStatus[orderID].IsTerminal() {
		return false, nil
	}
	for id, oid := range m.notifOrders {
		if oid == orderID && !m.notifResults[id].IsTerminal() {
			return false, nil
		}
	}
	m.orderStatus[orderID] = lifecycle.OrderCompleted
	m.completions++
	return true, nil
}

func (m *mockRepo) TerminateExpiredNotifications(ctx context.Context) (map[uuid.UUID]uuid.UUID, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.expiredByCall) == 0 {
		return nil, 0, nil
	}
	affected := m.expiredByCall[0]
	m.expiredByCall = m.expiredByCall[1:]
	terminated := len(affected)
	if len(m.expiredCounts) > 0 {
		terminated = m.expiredCounts[0]
		m.expiredCounts = m.expiredCounts[1:]
	}
	for orderID, notifID := range affected {
		m.notifResults[notifID] = lifecycle.ResultFailedTTL
		m.notifOrders[notifID] = orderID
	}
	return affected, terminated, nil
}

func (m *mockRepo) DeleteOldStatusFeedRecords(ctx context.Context, retention time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retentionCalls = append(m.retentionCalls, retention)
	return 3, nil
}

// fakeSender records sends and returns a canned operation id or error.
type fakeSender struct {
	mu      sync.Mutex
	sent    []*db.Notification
	sendErr error
	opID    string
}

func (f *fakeSender) Send(ctx context.Context, notif *db.Notification, tmpl *db.Template) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, notif)
	if f.opID == "" {
		return "op-" + notif.ID.String(), nil
	}
	return f.opID, nil
}

func (f *fakeSender) SupportsChannel(channel lifecycle.Channel) bool { return true }

func testLogger() *zap.Logger { return zap.NewNop() }
