package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/larsjm/notiq/internal/circuitbreaker"
	"github.com/larsjm/notiq/internal/db"
	"github.com/larsjm/notiq/internal/lifecycle"
	"github.com/larsjm/notiq/internal/metrics"
)

// Dispatcher claims notifications awaiting dispatch and hands them to the
// channel providers. A successful hand-off records the provider operation id
// and leaves the notification in sending until the delivery report arrives;
// a provider rejection is a terminal failure and triggers the completion
// check immediately.
type Dispatcher struct {
	repo   Repository
	sender Sender
	config DispatcherConfig
	logger *zap.Logger
}

type DispatcherConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

func NewDispatcher(repo Repository, sender Sender, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 25
	}

	return &Dispatcher{
		repo:   repo,
		sender: sender,
		config: cfg,
		logger: logger,
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
			d.dispatchChannel(ctx, lifecycle.ChannelEmail)
			d.dispatchChannel(ctx, lifecycle.ChannelSMS)
		}
	}
}

func (d *Dispatcher) dispatchChannel(ctx context.Context, channel lifecycle.Channel) {
	notifications, err := d.repo.ClaimNewNotifications(ctx, channel, d.config.BatchSize)
	if err != nil {
		d.logger.Error("failed to claim notifications",
			zap.String("channel", channel.String()),
			zap.Error(err),
		)
		return
	}
	if len(notifications) == 0 {
		return
	}

	// Templates are identical for all notifications of the same order; cache
	// per batch.
	templates := make(map[string]*db.Template)

	for i, n := range notifications {
		key := n.OrderID.String() + "/" + n.Channel.String()
		tmpl, ok := templates[key]
		if !ok {
			tmpl, err = d.repo.GetOrderTemplate(ctx, n.OrderID, n.Channel)
			if err != nil {
				d.logger.Error("failed to load template",
					zap.String("notification_id", n.ID.String()),
					zap.Error(err),
				)
				d.failNotification(ctx, n)
				continue
			}
			templates[key] = tmpl
		}

		if stop := d.dispatchOne(ctx, n, tmpl); stop {
			// Provider unavailable: put the claimed remainder back and let a
			// later poll retry the whole channel.
			d.requeue(ctx, notifications[i:])
			return
		}
	}
}

func (d *Dispatcher) requeue(ctx context.Context, notifications []*db.Notification) {
	for _, n := range notifications {
		metrics.RecordDispatch(n.Channel.String(), "requeued")
		if err := d.repo.RequeueNotification(ctx, n.ID); err != nil {
			d.logger.Error("failed to requeue notification",
				zap.String("notification_id", n.ID.String()),
				zap.Error(err),
			)
		}
	}
}

// dispatchOne hands a single notification to the provider. Returns true when
// the rest of the batch should be abandoned (circuit open).
func (d *Dispatcher) dispatchOne(ctx context.Context, n *db.Notification, tmpl *db.Template) bool {
	opID, err := d.sender.Send(ctx, n, tmpl)
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return true
		}

		d.logger.Error("provider rejected notification",
			zap.String("notification_id", n.ID.String()),
			zap.String("channel", n.Channel.String()),
			zap.Error(err),
		)
		metrics.RecordDispatch(n.Channel.String(), "failed")
		d.failNotification(ctx, n)
		return false
	}

	if err := d.repo.SetOperationID(ctx, n.ID, opID); err != nil {
		d.logger.Error("failed to record operation id",
			zap.String("notification_id", n.ID.String()),
			zap.String("operation_id", opID),
			zap.Error(err),
		)
		return false
	}

	metrics.RecordDispatch(n.Channel.String(), "sent")
	return false
}

// failNotification marks a notification terminally failed and evaluates the
// owning order's completion.
func (d *Dispatcher) failNotification(ctx context.Context, n *db.Notification) {
	if _, err := d.repo.UpdateSendStatus(ctx, &n.ID, nil, lifecycle.ResultFailed, time.Now()); err != nil {
		d.logger.Error("failed to mark notification failed",
			zap.String("notification_id", n.ID.String()),
			zap.Error(err),
		)
		return
	}
	if _, err := d.repo.TryCompleteOrderBasedOnNotificationsState(ctx, n.ID, "dispatcher"); err != nil {
		d.logger.Error("completion check failed",
			zap.String("notification_id", n.ID.String()),
			zap.Error(err),
		)
	}
}
