// Package worker runs the SQS ingress bridge: notification commands from
// business modules are deduplicated and applied to the NotificationService.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/hrpulse/internal/metrics"
	"github.com/lalithlochan/hrpulse/internal/models"
	"github.com/lalithlochan/hrpulse/internal/redis"
	"github.com/lalithlochan/hrpulse/internal/sqs"
)

const dedupeScope = "sqs"

type Consumer interface {
	Receive(ctx context.Context) ([]sqs.Received, error)
	Delete(ctx context.Context, receiptHandle string) error
	Release(ctx context.Context, receiptHandle string, delaySeconds int32) error
}

type Deduper interface {
	CheckOrReserve(ctx context.Context, scope, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, scope, key string, result *redis.IdempotencyResult, ttl time.Duration) error
	Release(ctx context.Context, scope, key string) error
}

// Service is the part of *notify.Service commands can reach.
type Service interface {
	SendToUser(ctx context.Context, userID string, n models.Notification)
	SendBulk(ctx context.Context, userIDs []string, n models.Notification) []models.DeliveryStatus
	SendHighPriority(ctx context.Context, userID string, n models.Notification)
	QueueForOffline(ctx context.Context, userID string, n models.Notification) error
	BroadcastSystemMaintenance(ctx context.Context, message string, scheduled time.Time)
}

type Config struct {
	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
	// RetryDelay is how long a failed command stays invisible before SQS
	// redelivers it.
	RetryDelay time.Duration
}

type Bridge struct {
	consumer Consumer
	deduper  Deduper
	service  Service
	config   Config
	logger   *zap.Logger
}

func New(consumer Consumer, deduper Deduper, service Service, cfg Config, logger *zap.Logger) *Bridge {
	if cfg.ErrorBackoff == 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 30 * time.Second
	}

	return &Bridge{
		consumer: consumer,
		deduper:  deduper,
		service:  service,
		config:   cfg,
		logger:   logger,
	}
}

// Start polls until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) {
	b.logger.Info("sqs bridge started")
	for {
		if ctx.Err() != nil {
			b.logger.Info("sqs bridge stopping")
			return
		}

		batch, err := b.consumer.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			b.logger.Error("failed to receive notification commands", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(b.config.ErrorBackoff):
			}
			continue
		}

		b.processBatch(ctx, batch)
	}
}

func (b *Bridge) processBatch(ctx context.Context, batch []sqs.Received) {
	if len(batch) == 0 {
		return
	}
	metrics.SetSQSMessagesInFlight(len(batch))
	defer metrics.SetSQSMessagesInFlight(0)

	for _, msg := range batch {
		b.process(ctx, msg)
	}
}

func (b *Bridge) process(ctx context.Context, msg sqs.Received) {
	log := b.logger.With(zap.String("message_id", msg.MessageID))

	if msg.DecodeErr != nil || msg.Message == nil {
		log.Error("dropping undecodable notification command", zap.Error(msg.DecodeErr))
		b.ack(ctx, log, msg)
		return
	}
	if err := msg.Message.Validate(); err != nil {
		log.Error("dropping invalid notification command", zap.Error(err))
		b.ack(ctx, log, msg)
		return
	}

	cached, err := b.deduper.CheckOrReserve(ctx, dedupeScope, msg.MessageID)
	switch {
	case errors.Is(err, redis.ErrDuplicateRequest):
		log.Debug("notification command already in flight")
		return
	case err != nil:
		log.Warn("dedupe unavailable, deferring command", zap.Error(err))
		b.retry(ctx, log, msg)
		return
	case cached != nil:
		log.Info("notification command already applied")
		b.ack(ctx, log, msg)
		return
	}

	result, err := b.apply(ctx, *msg.Message)
	if err != nil {
		log.Error("failed to apply notification command",
			zap.Error(err),
			zap.String("action", string(msg.Message.Action)),
		)
		if rerr := b.deduper.Release(ctx, dedupeScope, msg.MessageID); rerr != nil {
			log.Warn("failed to release dedupe reservation", zap.Error(rerr))
		}
		b.retry(ctx, log, msg)
		return
	}

	if err := b.deduper.Store(ctx, dedupeScope, msg.MessageID, result, redis.IdempotencyTTL); err != nil {
		log.Warn("failed to store dedupe result", zap.Error(err))
	}
	log.Info("notification command applied",
		zap.String("action", string(msg.Message.Action)),
		zap.String("notification_id", result.NotificationID),
	)
	b.ack(ctx, log, msg)
}

func (b *Bridge) apply(ctx context.Context, m sqs.Message) (*redis.IdempotencyResult, error) {
	n := m.Notification()
	result := &redis.IdempotencyResult{NotificationID: n.ID, StatusCode: http.StatusOK}

	switch m.Action {
	case sqs.ActionSend:
		b.service.SendToUser(ctx, m.UserIDs[0], n)
	case sqs.ActionHighPriority:
		b.service.SendHighPriority(ctx, m.UserIDs[0], n)
	case sqs.ActionSendBulk:
		for _, s := range b.service.SendBulk(ctx, m.UserIDs, n) {
			result.DeliveryIDs = append(result.DeliveryIDs, s.DeliveryID)
		}
	case sqs.ActionQueueOffline:
		if err := b.service.QueueForOffline(ctx, m.UserIDs[0], n); err != nil {
			return nil, err
		}
	case sqs.ActionMaintenance:
		result.NotificationID = ""
		b.service.BroadcastSystemMaintenance(ctx, m.Body, *m.ScheduledTime)
	default:
		return nil, fmt.Errorf("%w: unknown action %q", sqs.ErrInvalidCommand, m.Action)
	}
	return result, nil
}

func (b *Bridge) ack(ctx context.Context, log *zap.Logger, msg sqs.Received) {
	if err := b.consumer.Delete(ctx, msg.ReceiptHandle); err != nil {
		log.Warn("failed to delete notification command", zap.Error(err))
	}
}

func (b *Bridge) retry(ctx context.Context, log *zap.Logger, msg sqs.Received) {
	if err := b.consumer.Release(ctx, msg.ReceiptHandle, int32(b.config.RetryDelay/time.Second)); err != nil {
		log.Warn("failed to release notification command", zap.Error(err))
	}
}
