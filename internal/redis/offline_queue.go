package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/hrpulse/internal/metrics"
	"github.com/lalithlochan/hrpulse/internal/models"
)

// OfflineQueue stores each user's backlog in a Redis list so it survives a
// gateway restart and is shared between gateway replicas.
type OfflineQueue struct {
	client     *Client
	logger     *zap.Logger
	maxPerUser int
	ttl        time.Duration
}

// NewOfflineQueue creates a queue. maxPerUser <= 0 leaves backlogs unbounded;
// ttl <= 0 keeps them until drained.
func NewOfflineQueue(client *Client, logger *zap.Logger, maxPerUser int, ttl time.Duration) *OfflineQueue {
	return &OfflineQueue{
		client:     client,
		logger:     logger,
		maxPerUser: maxPerUser,
		ttl:        ttl,
	}
}

func (q *OfflineQueue) key(userID string) string {
	return keyPrefix + "offline:" + userID
}

// Enqueue appends entry, trimming the oldest entries once the cap is hit.
func (q *OfflineQueue) Enqueue(ctx context.Context, entry models.QueuedNotification) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal queued notification: %w", err)
	}

	key := q.key(entry.UserID)
	pipe := q.client.rdb.TxPipeline()
	pushCmd := pipe.RPush(ctx, key, data)
	if q.maxPerUser > 0 {
		pipe.LTrim(ctx, key, int64(-q.maxPerUser), -1)
	}
	if q.ttl > 0 {
		pipe.Expire(ctx, key, q.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis enqueue failed: %w", err)
	}

	metrics.RecordOfflineEnqueued()
	if q.maxPerUser > 0 {
		if evicted := int(pushCmd.Val()) - q.maxPerUser; evicted > 0 {
			metrics.RecordOfflineEvicted(evicted)
			q.logger.Debug("offline backlog full, dropped oldest",
				zap.String("user_id", entry.UserID),
				zap.Int("evicted", evicted),
			)
		}
	}
	return nil
}

// Requeue pushes entries back onto the head of the list in one MULTI/EXEC,
// keeping their order ahead of anything enqueued after the drain.
func (q *OfflineQueue) Requeue(ctx context.Context, userID string, entries []models.QueuedNotification) error {
	if len(entries) == 0 {
		return nil
	}

	// LPUSH prepends one value at a time, so push in reverse
	values := make([]any, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		data, err := json.Marshal(entries[i])
		if err != nil {
			return fmt.Errorf("failed to marshal queued notification: %w", err)
		}
		values = append(values, data)
	}

	key := q.key(userID)
	pipe := q.client.rdb.TxPipeline()
	pushCmd := pipe.LPush(ctx, key, values...)
	if q.maxPerUser > 0 {
		pipe.LTrim(ctx, key, int64(-q.maxPerUser), -1)
	}
	if q.ttl > 0 {
		pipe.Expire(ctx, key, q.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis requeue failed: %w", err)
	}

	if q.maxPerUser > 0 {
		if evicted := int(pushCmd.Val()) - q.maxPerUser; evicted > 0 {
			metrics.RecordOfflineEvicted(evicted)
		}
	}
	return nil
}

// Drain reads and deletes the backlog in one MULTI/EXEC.
func (q *OfflineQueue) Drain(ctx context.Context, userID string) ([]models.QueuedNotification, error) {
	key := q.key(userID)

	pipe := q.client.rdb.TxPipeline()
	rangeCmd := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis drain failed: %w", err)
	}

	raw := rangeCmd.Val()
	entries := make([]models.QueuedNotification, 0, len(raw))
	for _, item := range raw {
		var entry models.QueuedNotification
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			q.logger.Warn("skipping corrupt offline entry",
				zap.Error(err),
				zap.String("user_id", userID),
			)
			continue
		}
		entries = append(entries, entry)
	}

	if len(entries) > 0 {
		metrics.RecordOfflineFlushed(len(entries))
	}
	return entries, nil
}

func (q *OfflineQueue) Clear(ctx context.Context, userID string) error {
	if err := q.client.rdb.Del(ctx, q.key(userID)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

func (q *OfflineQueue) Len(ctx context.Context, userID string) (int, error) {
	n, err := q.client.rdb.LLen(ctx, q.key(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen failed: %w", err)
	}
	return int(n), nil
}
