package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/larsjm/notiq/internal/db"
	"github.com/larsjm/notiq/internal/lifecycle"
)

// Sender mirrors the worker.Sender interface to avoid circular imports.
type Sender interface {
	Send(ctx context.Context, notif *db.Notification, tmpl *db.Template) (string, error)
	SupportsChannel(channel lifecycle.Channel) bool
}

// ProtectedSender wraps a Sender with a CircuitBreaker. When the provider
// (SES, SNS) starts failing, the circuit opens and sends fail fast with
// ErrCircuitOpen so the dispatcher can requeue instead of piling up on a
// dead service.
type ProtectedSender struct {
	sender  Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts the hand-off through the circuit breaker. An open circuit
// returns ErrCircuitOpen immediately without touching the provider.
func (p *ProtectedSender) Send(ctx context.Context, notif *db.Notification, tmpl *db.Template) (string, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("notification_id", notif.ID.String()),
			zap.String("channel", notif.Channel.String()),
			zap.String("state", p.breaker.GetState().String()),
		)
		return "", fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	opID, err := p.sender.Send(ctx, notif, tmpl)
	if err != nil {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
		return "", err
	}

	p.breaker.RecordSuccess()
	return opID, nil
}

// SupportsChannel delegates to the underlying sender.
func (p *ProtectedSender) SupportsChannel(channel lifecycle.Channel) bool {
	return p.sender.SupportsChannel(channel)
}

// Breaker returns the underlying circuit breaker for metrics/monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
