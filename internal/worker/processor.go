package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/larsjm/notiq/internal/db"
	"github.com/larsjm/notiq/internal/lifecycle"
)

// Repository is the storage surface the background workers need.
type Repository interface {
	ClaimDueOrders(ctx context.Context, limit int) ([]*db.Order, error)
	SetProcessingStatus(ctx context.Context, id uuid.UUID, status lifecycle.OrderStatus) error
	StopOrder(ctx context.Context, id uuid.UUID) error
	AddNotifications(ctx context.Context, notifications []*db.Notification) error
	ClaimNewNotifications(ctx context.Context, channel lifecycle.Channel, limit int) ([]*db.Notification, error)
	SetOperationID(ctx context.Context, id uuid.UUID, operationID string) error
	RequeueNotification(ctx context.Context, id uuid.UUID) error
	UpdateSendStatus(ctx context.Context, id *uuid.UUID, operationID *string, result lifecycle.Result, at time.Time) (*db.Notification, error)
	GetOrderTemplate(ctx context.Context, orderID uuid.UUID, channel lifecycle.Channel) (*db.Template, error)
	TryCompleteOrderBasedOnNotificationsState(ctx context.Context, notificationID uuid.UUID, source string) (bool, error)
	TerminateExpiredNotifications(ctx context.Context) (map[uuid.UUID]uuid.UUID, int, error)
	DeleteOldStatusFeedRecords(ctx context.Context, retention time.Duration) (int64, error)
}

// ConditionChecker decides whether a claimed order should actually be sent.
// Returning false stops the order with send_condition_not_met.
type ConditionChecker interface {
	ShouldSend(ctx context.Context, order *db.Order) (bool, error)
}

// Processor claims due orders and fans them out into per-recipient,
// per-channel notifications.
type Processor struct {
	repo      Repository
	condition ConditionChecker
	config    ProcessorConfig
	logger    *zap.Logger
}

type ProcessorConfig struct {
	PollInterval       time.Duration
	BatchSize          int
	NotificationExpiry time.Duration
}

// NewProcessor creates the order processor. condition may be nil, in which
// case every claimed order is sent.
func NewProcessor(repo Repository, condition ConditionChecker, cfg ProcessorConfig, logger *zap.Logger) *Processor {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 25
	}
	if cfg.NotificationExpiry == 0 {
		cfg.NotificationExpiry = 48 * time.Hour
	}

	return &Processor{
		repo:      repo,
		condition: condition,
		config:    cfg,
		logger:    logger,
	}
}

func (p *Processor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("order processor stopping")
			return
		case <-ticker.C:
			p.processBatch(ctx)
		}
	}
}

func (p *Processor) processBatch(ctx context.Context) {
	orders, err := p.repo.ClaimDueOrders(ctx, p.config.BatchSize)
	if err != nil {
		p.logger.Error("failed to claim due orders", zap.Error(err))
		return
	}

	for _, o := range orders {
		if err := p.ProcessOrder(ctx, o); err != nil {
			p.logger.Error("failed to process order",
				zap.String("order_id", o.ID.String()),
				zap.Error(err),
			)
		}
	}
}

// ProcessOrder fans one claimed order out into notifications. Recipients
// whose contact points cannot satisfy the channel scheme get a terminal
// placeholder notification so the manifest shows them and completion is
// never blocked on them.
func (p *Processor) ProcessOrder(ctx context.Context, o *db.Order) error {
	if p.condition != nil {
		send, err := p.condition.ShouldSend(ctx, o)
		if err != nil {
			// Condition evaluation failures leave the order in processing;
			// the next poll retries it via the expiry path.
			return err
		}
		if !send {
			p.logger.Info("send condition not met, stopping order",
				zap.String("order_id", o.ID.String()),
			)
			return p.repo.StopOrder(ctx, o.ID)
		}
	}

	now := time.Now()
	expiresAt := now.Add(p.config.NotificationExpiry)

	var notifications []*db.Notification
	var firstTerminal *uuid.UUID

	for i := range o.Recipients {
		rec := &o.Recipients[i]
		channels, err := lifecycle.Resolve(o.Scheme, rec.ContactPoints())
		if errors.Is(err, lifecycle.ErrRecipientNotIdentified) {
			n := &db.Notification{
				ID:          uuid.New(),
				OrderID:     o.ID,
				RecipientID: rec.ID,
				Channel:     o.Scheme.PrimaryChannel(),
				Destination: rec.ContactPoints().Destination(o.Scheme.PrimaryChannel()),
				Result:      lifecycle.ResultFailedRecipientNotIdentified,
				ResultAt:    now,
				ExpiresAt:   expiresAt,
			}
			notifications = append(notifications, n)
			if firstTerminal == nil {
				firstTerminal = &n.ID
			}
			continue
		}
		if err != nil {
			return err
		}

		for _, ch := range channels {
			notifications = append(notifications, &db.Notification{
				ID:          uuid.New(),
				OrderID:     o.ID,
				RecipientID: rec.ID,
				Channel:     ch,
				Destination: rec.ContactPoints().Destination(ch),
				Result:      lifecycle.ResultNew,
				ResultAt:    now,
				ExpiresAt:   expiresAt,
			})
		}
	}

	if err := p.repo.AddNotifications(ctx, notifications); err != nil {
		return err
	}
	if err := p.repo.SetProcessingStatus(ctx, o.ID, lifecycle.OrderProcessed); err != nil {
		return err
	}

	p.logger.Info("order fanned out",
		zap.String("order_id", o.ID.String()),
		zap.String("scheme", o.Scheme.String()),
		zap.Int("notifications", len(notifications)),
	)

	// If every recipient resolved terminal (nobody identified), no callback
	// will ever arrive; evaluate completion now.
	if firstTerminal != nil {
		if _, err := p.repo.TryCompleteOrderBasedOnNotificationsState(ctx, *firstTerminal, "processor"); err != nil {
			return err
		}
	}
	return nil
}
