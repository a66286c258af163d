package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/larsjm/notiq/internal/db"
	"github.com/larsjm/notiq/internal/lifecycle"
)

// Sender hands a single notification to a provider. A successful send
// returns the provider's operation id, which asynchronous delivery reports
// reference later.
// Implementations: Email (SES), SMS (SNS).
type Sender interface {
	Send(ctx context.Context, notif *db.Notification, tmpl *db.Template) (operationID string, err error)
	SupportsChannel(channel lifecycle.Channel) bool
}

// MultiSender routes notifications to the appropriate channel sender.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over multiple underlying senders.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the notification to the first sender supporting its channel.
func (m *MultiSender) Send(ctx context.Context, notif *db.Notification, tmpl *db.Template) (string, error) {
	for _, sender := range m.senders {
		if sender.SupportsChannel(notif.Channel) {
			m.logger.Debug("routing notification to sender",
				zap.String("channel", notif.Channel.String()),
				zap.String("notification_id", notif.ID.String()),
			)
			return sender.Send(ctx, notif, tmpl)
		}
	}

	return "", fmt.Errorf("no sender found for channel: %s", notif.Channel)
}

// SupportsChannel checks if any underlying sender supports the channel.
func (m *MultiSender) SupportsChannel(channel lifecycle.Channel) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs notifications instead of sending them (development mode).
// It fabricates an operation id so the rest of the pipeline behaves as in
// production.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, notif *db.Notification, tmpl *db.Template) (string, error) {
	opID := "log-" + uuid.New().String()
	s.logger.Info("logging notification (development mode)",
		zap.String("id", notif.ID.String()),
		zap.String("channel", notif.Channel.String()),
		zap.String("destination", notif.Destination),
		zap.String("operation_id", opID),
	)
	return opID, nil
}

func (s *LogSender) SupportsChannel(channel lifecycle.Channel) bool {
	return channel == lifecycle.ChannelEmail || channel == lifecycle.ChannelSMS
}
