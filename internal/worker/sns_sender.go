package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/larsjm/notiq/internal/db"
	"github.com/larsjm/notiq/internal/lifecycle"
)

// SNSSender sends SMS notifications via AWS SNS.
type SNSSender struct {
	client *sns.Client
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

// NewSNSSender creates a new SNS sender for SMS notifications.
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send sends an SMS via SNS and returns the publish MessageId as the
// operation id.
func (s *SNSSender) Send(ctx context.Context, notif *db.Notification, tmpl *db.Template) (string, error) {
	if notif.Channel != lifecycle.ChannelSMS {
		return "", fmt.Errorf("SNS sender only supports SMS, got: %s", notif.Channel)
	}
	if notif.Destination == "" {
		return "", fmt.Errorf("notification %s has no phone destination", notif.ID)
	}
	if tmpl == nil || tmpl.Body == "" {
		return "", fmt.Errorf("notification %s has no SMS template body", notif.ID)
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(notif.Destination),
		Message:     aws.String(tmpl.Body),
	}
	if tmpl.Sender != "" {
		input.MessageAttributes = senderIDAttribute(tmpl.Sender)
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("id", notif.ID.String()),
		zap.String("message_id", *result.MessageId),
	)

	return *result.MessageId, nil
}

func (s *SNSSender) SupportsChannel(channel lifecycle.Channel) bool {
	return channel == lifecycle.ChannelSMS
}

func senderIDAttribute(sender string) map[string]snstypes.MessageAttributeValue {
	return map[string]snstypes.MessageAttributeValue{
		"AWS.SNS.SMS.SenderID": {
			DataType:    aws.String("String"),
			StringValue: aws.String(sender),
		},
	}
}
