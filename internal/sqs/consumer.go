package sqs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// Received is one delivery of a queue message. Message is nil when the body
// could not be decoded; such deliveries still carry a receipt handle so the
// caller can delete them.
type Received struct {
	MessageID     string
	ReceiptHandle string
	Message       *Message
	DecodeErr     error
}

type Consumer struct {
	client            API
	queueURL          string
	batchSize         int32
	waitSeconds       int32
	visibilitySeconds int32
	logger            *zap.Logger
}

func NewConsumer(client API, queueURL string, logger *zap.Logger) *Consumer {
	return &Consumer{
		client:            client,
		queueURL:          queueURL,
		batchSize:         10,
		waitSeconds:       20,
		visibilitySeconds: 60,
		logger:            logger,
	}
}

// Receive long-polls for up to ten messages. An empty slice means the wait
// elapsed with nothing to read.
func (c *Consumer) Receive(ctx context.Context) ([]Received, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.batchSize,
		WaitTimeSeconds:     c.waitSeconds,
		VisibilityTimeout:   c.visibilitySeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	out := make([]Received, 0, len(result.Messages))
	for _, m := range result.Messages {
		r := Received{
			MessageID:     aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		}
		var msg Message
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &msg); err != nil {
			r.DecodeErr = fmt.Errorf("invalid message format: %w", err)
		} else {
			r.Message = &msg
		}
		out = append(out, r)
	}
	return out, nil
}

// Delete acknowledges a message.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// Release makes a message visible again after the given delay so another
// poll can retry it.
func (c *Consumer) Release(ctx context.Context, receiptHandle string, delaySeconds int32) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: delaySeconds,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}
