// Package offline holds the per-user backlog of notifications addressed to
// users with no live connection.
package offline

import (
	"context"
	"sync"

	"github.com/lalithlochan/hrpulse/internal/metrics"
	"github.com/lalithlochan/hrpulse/internal/models"
)

// Queue is implemented by the in-memory queue here and the Redis list queue
// in internal/redis.
//
// Drain removes and returns a user's backlog in arrival order. It is atomic:
// concurrent drains for the same user never return the same entry twice.
//
// Requeue puts drained entries that could not be delivered back at the head
// of the backlog, ahead of anything enqueued since the drain. The per-user
// cap still applies and evicts from the head.
type Queue interface {
	Enqueue(ctx context.Context, entry models.QueuedNotification) error
	Requeue(ctx context.Context, userID string, entries []models.QueuedNotification) error
	Drain(ctx context.Context, userID string) ([]models.QueuedNotification, error)
	Clear(ctx context.Context, userID string) error
	Len(ctx context.Context, userID string) (int, error)
}

// MemoryQueue keeps backlogs in process memory.
// With maxPerUser > 0 the oldest entries are dropped once a backlog is full.
type MemoryQueue struct {
	mu         sync.Mutex
	queues     map[string][]models.QueuedNotification
	maxPerUser int
}

func NewMemoryQueue(maxPerUser int) *MemoryQueue {
	return &MemoryQueue{
		queues:     make(map[string][]models.QueuedNotification),
		maxPerUser: maxPerUser,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, entry models.QueuedNotification) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.queues[entry.UserID] = q.capped(append(q.queues[entry.UserID], entry))
	metrics.RecordOfflineEnqueued()
	return nil
}

func (q *MemoryQueue) Requeue(ctx context.Context, userID string, entries []models.QueuedNotification) error {
	if len(entries) == 0 {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	backlog := make([]models.QueuedNotification, 0, len(entries)+len(q.queues[userID]))
	backlog = append(backlog, entries...)
	backlog = append(backlog, q.queues[userID]...)
	q.queues[userID] = q.capped(backlog)
	return nil
}

// capped drops the oldest entries beyond maxPerUser. Callers hold q.mu.
func (q *MemoryQueue) capped(backlog []models.QueuedNotification) []models.QueuedNotification {
	if q.maxPerUser <= 0 || len(backlog) <= q.maxPerUser {
		return backlog
	}
	evicted := len(backlog) - q.maxPerUser
	metrics.RecordOfflineEvicted(evicted)
	return append([]models.QueuedNotification(nil), backlog[evicted:]...)
}

func (q *MemoryQueue) Drain(ctx context.Context, userID string) ([]models.QueuedNotification, error) {
	q.mu.Lock()
	backlog := q.queues[userID]
	delete(q.queues, userID)
	q.mu.Unlock()

	if len(backlog) > 0 {
		metrics.RecordOfflineFlushed(len(backlog))
	}
	return backlog, nil
}

func (q *MemoryQueue) Clear(ctx context.Context, userID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, userID)
	return nil
}

func (q *MemoryQueue) Len(ctx context.Context, userID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[userID]), nil
}
