package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/larsjm/notiq/internal/db"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// OrderEvent is the payload published when an order chain is registered.
// Downstream systems subscribe to it to track shipment intake.
type OrderEvent struct {
	OrderID      string `json:"order_id"`
	ShipmentID   string `json:"shipment_id"`
	ChainID      string `json:"chain_id"`
	ShipmentType string `json:"shipment_type"`
	Creator      string `json:"creator"`
	Scheme       string `json:"scheme"`
	RequestedAt  int64  `json:"requested_at"`
	EnqueuedAt   int64  `json:"enqueued_at"`
}

// Producer publishes order events to SQS.
type Producer struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// PublishOrderRegistered announces a newly registered order. Returns the
// message id for tracking.
func (p *Producer) PublishOrderRegistered(ctx context.Context, o *db.Order) (string, error) {
	event := OrderEvent{
		OrderID:      o.ID.String(),
		ShipmentID:   o.ShipmentID.String(),
		ChainID:      o.ChainID.String(),
		ShipmentType: o.ShipmentType,
		Creator:      o.Creator,
		Scheme:       o.Scheme.String(),
		RequestedAt:  o.RequestedAt.Unix(),
		EnqueuedAt:   time.Now().UnixNano(),
	}

	body, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("order_id", o.ID.String()),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return *result.MessageId, nil
}

// PublishChain announces every order of a registered chain.
func (p *Producer) PublishChain(ctx context.Context, orders []*db.Order) ([]string, error) {
	if len(orders) == 0 {
		return []string{}, nil
	}

	messageIDs := make([]string, 0, len(orders))
	for _, o := range orders {
		msgID, err := p.PublishOrderRegistered(ctx, o)
		if err != nil {
			p.logger.Warn("failed to publish order event", zap.Error(err))
			continue
		}
		messageIDs = append(messageIDs, msgID)
	}

	return messageIDs, nil
}
