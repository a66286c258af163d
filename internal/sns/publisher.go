package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/larsjm/notiq/internal/db"
)

// Publisher announces terminal order transitions on an SNS topic so
// downstream consumers (archiving, dialogue systems) learn about finished
// shipments without polling the feed.
type Publisher struct {
	client   *sns.Client
	topicARN string
}

// CompletionEvent is the message published when an order reaches a terminal
// status.
type CompletionEvent struct {
	OrderID      string `json:"order_id"`
	ShipmentID   string `json:"shipment_id"`
	ShipmentType string `json:"shipment_type"`
	Creator      string `json:"creator"`
	Status       string `json:"status"`
	CompletedAt  int64  `json:"completed_at"`
}

// NewPublisher creates an SNS publisher for the given topic.
func NewPublisher(ctx context.Context, topicARN string, optFns ...func(*config.LoadOptions) error) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Publisher{
		client:   sns.NewFromConfig(cfg),
		topicARN: topicARN,
	}, nil
}

// NewPublisherWithEndpoint creates a publisher with a custom endpoint (for
// LocalStack).
func NewPublisherWithEndpoint(ctx context.Context, topicARN, endpoint, region string) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &Publisher{
		client:   client,
		topicARN: topicARN,
	}, nil
}

func newCompletionEvent(o *db.Order) CompletionEvent {
	event := CompletionEvent{
		OrderID:      o.ID.String(),
		ShipmentID:   o.ShipmentID.String(),
		ShipmentType: o.ShipmentType,
		Creator:      o.Creator,
		Status:       o.Status.String(),
	}
	if o.ProcessedAt != nil {
		event.CompletedAt = o.ProcessedAt.Unix()
	} else {
		event.CompletedAt = time.Now().Unix()
	}
	return event
}

// PublishOrderCompleted publishes the completion event for a terminal order.
// Creator and status ride along as message attributes so subscriptions can
// filter without parsing the body.
func (p *Publisher) PublishOrderCompleted(ctx context.Context, o *db.Order) (string, error) {
	event := newCompletionEvent(o)

	payload, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"creator": {
				DataType:    aws.String("String"),
				StringValue: aws.String(o.Creator),
			},
			"status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(o.Status.String()),
			},
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return *result.MessageId, nil
}
