package dispatch

import (
	"context"
	"fmt"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/herald-run/herald/internal/notification"
)

// snsAPI is the slice of the SNS client the dispatcher uses.
type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// E.164: leading +, country code 1-9, up to 15 digits total.
var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// SMSConfig configures the SNS SMS dispatcher.
type SMSConfig struct {
	Region string
}

// SMSDispatcher sends SMS notifications via AWS SNS.
type SMSDispatcher struct {
	client snsAPI
	logger *zap.Logger
}

// NewSMSDispatcher creates an SNS-backed SMS dispatcher.
func NewSMSDispatcher(ctx context.Context, cfg SMSConfig, logger *zap.Logger) (*SMSDispatcher, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for SNS: %w", err)
	}
	return &SMSDispatcher{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

func newSMSDispatcherWithClient(client snsAPI, logger *zap.Logger) *SMSDispatcher {
	return &SMSDispatcher{client: client, logger: logger}
}

func (s *SMSDispatcher) Channel() notification.Channel { return notification.ChannelSMS }

// ValidateAddress accepts E.164 phone numbers only.
func (s *SMSDispatcher) ValidateAddress(addr string) bool {
	return e164.MatchString(addr)
}

// Send delivers the notification message as an SMS.
func (s *SMSDispatcher) Send(ctx context.Context, d *Delivery) (string, error) {
	n := d.Notification
	input := &sns.PublishInput{
		PhoneNumber: aws.String(d.Address),
		Message:     aws.String(n.Message),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("notification_id", n.ID.String()),
		zap.String("phone_number", d.Address),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return aws.ToString(result.MessageId), nil
}
