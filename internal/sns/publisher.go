// Package sns publishes critical notifications for offline users to an SNS
// topic. Mobile push, SMS and email are topic subscriptions, filtered on the
// message attributes set here.
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
	"go.uber.org/zap"

	"github.com/lalithlochan/hrpulse/internal/models"
)

// API is the part of *sns.Client the publisher calls.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type Publisher struct {
	client   API
	topicARN string
	logger   *zap.Logger
}

// Message is the JSON body subscribers receive.
type Message struct {
	NotificationID string    `json:"notification_id"`
	UserID         string    `json:"user_id"`
	Type           string    `json:"type"`
	Priority       string    `json:"priority"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewPublisher loads the default AWS config. A non-empty endpoint overrides
// the service URL (LocalStack).
func NewPublisher(ctx context.Context, topicARN, region, endpoint string, logger *zap.Logger) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewPublisherWithClient(client, topicARN, logger), nil
}

func NewPublisherWithClient(client API, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, topicARN: topicARN, logger: logger}
}

func newMessage(userID string, n models.Notification) Message {
	return Message{
		NotificationID: n.ID,
		UserID:         userID,
		Type:           string(n.Type),
		Priority:       n.Priority.String(),
		Title:          n.Title,
		Body:           n.Message,
		CreatedAt:      n.CreatedAt,
	}
}

// Escalate publishes one notification addressed to one user.
func (p *Publisher) Escalate(ctx context.Context, userID string, n models.Notification) error {
	msg := newMessage(userID, n)
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Subject:  aws.String(subject(n.Title)),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"user_id":  stringAttr(msg.UserID),
			"type":     stringAttr(msg.Type),
			"priority": stringAttr(msg.Priority),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Info("notification escalated",
		zap.String("notification_id", n.ID),
		zap.String("user_id", userID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}

// SNS subjects are limited to 100 characters.
func subject(title string) string {
	if title == "" {
		return "HR notification"
	}
	r := []rune(title)
	if len(r) > 100 {
		return string(r[:100])
	}
	return title
}
