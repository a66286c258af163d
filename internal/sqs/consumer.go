package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/larsjm/notiq/internal/db"
	"github.com/larsjm/notiq/internal/lifecycle"
	"github.com/larsjm/notiq/internal/metrics"
)

// DeliveryReport is the provider status message read off the report queue.
// Reports reference the notification either by our id or by the provider's
// operation id.
type DeliveryReport struct {
	NotificationID string `json:"notification_id,omitempty"`
	OperationID    string `json:"operation_id,omitempty"`
	Channel        string `json:"channel"`
	Status         string `json:"status"`
	OccurredAt     int64  `json:"occurred_at,omitempty"`
}

// Repository is the slice of storage the report consumer needs.
type Repository interface {
	UpdateSendStatus(ctx context.Context, id *uuid.UUID, operationID *string, result lifecycle.Result, at time.Time) (*db.Notification, error)
	TryCompleteOrderBasedOnNotificationsState(ctx context.Context, notificationID uuid.UUID, source string) (bool, error)
	GetOrderByID(ctx context.Context, id uuid.UUID) (*db.Order, error)
}

// CompletionPublisher announces orders that reached a terminal status.
type CompletionPublisher interface {
	PublishOrderCompleted(ctx context.Context, o *db.Order) (string, error)
}

// Consumer long-polls the delivery report queue and applies provider results
// to notifications. Applying a terminal result triggers the completion check
// for the owning order.
type Consumer struct {
	client    *sqs.Client
	queueURL  string
	repo      Repository
	publisher CompletionPublisher // nil when no completion topic is configured
	logger    *zap.Logger
}

// WithPublisher attaches a completion event publisher.
func (c *Consumer) WithPublisher(p CompletionPublisher) *Consumer {
	c.publisher = p
	return c
}

// NewConsumer creates a new delivery report consumer.
func NewConsumer(ctx context.Context, cfg Config, repo Repository, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	logger.Info("sqs report consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client:   client,
		queueURL: cfg.QueueURL,
		repo:     repo,
		logger:   logger,
	}, nil
}

// Start runs the receive loop until the context is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("report consumer stopping")
			return
		default:
		}

		report, receiptHandle, err := c.receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("failed to receive delivery report", zap.Error(err))
			continue
		}
		if report == nil {
			continue
		}

		if err := c.Apply(ctx, report); err != nil {
			if errors.Is(err, db.ErrNotificationNotFound) || isMalformed(err) {
				// Poison message: no retry will ever make it applicable.
				c.logger.Warn("dropping unprocessable delivery report",
					zap.String("operation_id", report.OperationID),
					zap.Error(err),
				)
				c.delete(ctx, receiptHandle)
				continue
			}
			// Transient failure: leave the message for redelivery.
			c.logger.Error("failed to apply delivery report", zap.Error(err))
			continue
		}

		c.delete(ctx, receiptHandle)
	}
}

// Apply validates a delivery report and applies it to the notification it
// references.
func (c *Consumer) Apply(ctx context.Context, report *DeliveryReport) error {
	channel := lifecycle.Channel(report.Channel)
	if !channel.IsValid() {
		return malformedf("invalid channel %q", report.Channel)
	}
	result, err := lifecycle.ParseResult(channel, report.Status)
	if err != nil {
		return malformedf("invalid status: %v", err)
	}

	var id *uuid.UUID
	var operationID *string
	switch {
	case report.NotificationID != "":
		parsed, err := uuid.Parse(report.NotificationID)
		if err != nil {
			return malformedf("invalid notification id: %v", err)
		}
		id = &parsed
	case report.OperationID != "":
		operationID = &report.OperationID
	default:
		return malformedf("report carries neither notification id nor operation id")
	}

	at := time.Now()
	if report.OccurredAt > 0 {
		at = time.Unix(report.OccurredAt, 0)
	}

	n, err := c.repo.UpdateSendStatus(ctx, id, operationID, result, at)
	if err != nil {
		return err
	}

	metrics.RecordCallbackResult(channel.String(), result.String())

	if n.Result.IsTerminal() {
		completed, err := c.repo.TryCompleteOrderBasedOnNotificationsState(ctx, n.ID, "delivery_report")
		if err != nil {
			return err
		}
		if completed {
			c.publishCompletion(ctx, n.OrderID)
		}
	}
	return nil
}

func (c *Consumer) publishCompletion(ctx context.Context, orderID uuid.UUID) {
	if c.publisher == nil {
		return
	}
	o, err := c.repo.GetOrderByID(ctx, orderID)
	if err != nil {
		c.logger.Error("failed to load completed order for event",
			zap.String("order_id", orderID.String()),
			zap.Error(err),
		)
		return
	}
	if _, err := c.publisher.PublishOrderCompleted(ctx, o); err != nil {
		// The feed entry is already committed; the event is best effort.
		c.logger.Error("failed to publish completion event",
			zap.String("order_id", orderID.String()),
			zap.Error(err),
		)
	}
}

func (c *Consumer) receive(ctx context.Context) (*DeliveryReport, string, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, "", fmt.Errorf("sqs receive failed: %w", err)
	}

	if len(result.Messages) == 0 {
		return nil, "", nil
	}

	msgData := result.Messages[0]

	var report DeliveryReport
	if err := json.Unmarshal([]byte(*msgData.Body), &report); err != nil {
		c.logger.Error("failed to unmarshal delivery report", zap.Error(err))
		// Drop it: a body that never parses redelivers forever otherwise.
		c.delete(ctx, *msgData.ReceiptHandle)
		return nil, "", nil
	}

	return &report, *msgData.ReceiptHandle, nil
}

func (c *Consumer) delete(ctx context.Context, receiptHandle string) {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}
	if _, err := c.client.DeleteMessage(ctx, input); err != nil {
		c.logger.Error("sqs delete failed", zap.Error(err))
	}
}

// malformedError marks reports that can never be applied.
type malformedError struct{ msg string }

func (e *malformedError) Error() string { return e.msg }

func malformedf(format string, args ...any) error {
	return &malformedError{msg: fmt.Sprintf(format, args...)}
}

func isMalformed(err error) bool {
	var me *malformedError
	return errors.As(err, &me)
}
