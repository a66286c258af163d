package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/larsjm/notiq/internal/db"
	"github.com/larsjm/notiq/internal/lifecycle"
)

// SESSender sends email notifications via AWS SES.
type SESSender struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESSender{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// Send sends an email via SES. The returned MessageId is the operation id
// delivery reports carry.
func (s *SESSender) Send(ctx context.Context, notif *db.Notification, tmpl *db.Template) (string, error) {
	if notif.Channel != lifecycle.ChannelEmail {
		return "", fmt.Errorf("SES sender only supports email, got: %s", notif.Channel)
	}
	if notif.Destination == "" {
		return "", fmt.Errorf("notification %s has no email destination", notif.ID)
	}
	if tmpl == nil || tmpl.Body == "" {
		return "", fmt.Errorf("notification %s has no email template body", notif.ID)
	}

	from := s.from
	if tmpl.Sender != "" {
		from = tmpl.Sender
	}

	input := &ses.SendEmailInput{
		Source: aws.String(from),
		Destination: &types.Destination{
			ToAddresses: []string{notif.Destination},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(tmpl.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(tmpl.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.String("id", notif.ID.String()),
		zap.String("message_id", *result.MessageId),
	)

	return *result.MessageId, nil
}

func (s *SESSender) SupportsChannel(channel lifecycle.Channel) bool {
	return channel == lifecycle.ChannelEmail
}
