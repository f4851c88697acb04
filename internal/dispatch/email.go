package dispatch

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/herald-run/herald/internal/notification"
)

// sesAPI is the slice of the SES client the dispatcher uses.
type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// EmailConfig configures the SES email dispatcher.
type EmailConfig struct {
	Region    string
	FromEmail string
}

// EmailDispatcher sends email notifications via AWS SES.
type EmailDispatcher struct {
	client sesAPI
	from   string
	logger *zap.Logger
}

// NewEmailDispatcher creates an SES-backed email dispatcher.
func NewEmailDispatcher(ctx context.Context, cfg EmailConfig, logger *zap.Logger) (*EmailDispatcher, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &EmailDispatcher{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

func newEmailDispatcherWithClient(client sesAPI, from string, logger *zap.Logger) *EmailDispatcher {
	return &EmailDispatcher{client: client, from: from, logger: logger}
}

func (e *EmailDispatcher) Channel() notification.Channel { return notification.ChannelEmail }

// ValidateAddress accepts addresses that parse per RFC 5322 addr-spec.
func (e *EmailDispatcher) ValidateAddress(addr string) bool {
	if addr == "" {
		return false
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return false
	}
	// Reject display-name forms; addressing metadata carries a bare
	// address.
	return parsed.Address == addr && strings.Contains(addr, "@")
}

// Send delivers the notification title and message as a plain-text
// email.
func (e *EmailDispatcher) Send(ctx context.Context, d *Delivery) (string, error) {
	n := d.Notification
	input := &ses.SendEmailInput{
		Source: aws.String(e.from),
		Destination: &types.Destination{
			ToAddresses: []string{d.Address},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(n.Title),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(n.Message),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := e.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send failed: %w", err)
	}

	e.logger.Info("email sent via SES",
		zap.String("notification_id", n.ID.String()),
		zap.String("to", d.Address),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return aws.ToString(result.MessageId), nil
}
