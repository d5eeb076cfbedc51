package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/hrpulse/internal/metrics"
)

const (
	// IdempotencyTTL outlives SQS redelivery after a visibility timeout.
	IdempotencyTTL = 15 * time.Minute
	// IdempotencyTTLExact is kept for caller supplied Idempotency-Key headers.
	IdempotencyTTLExact = 24 * time.Hour

	// pendingTTL bounds how long a crashed request can hold its key.
	pendingTTL = 2 * time.Minute
	pending    = "pending"
)

// ErrDuplicateRequest means another request holds the key right now.
var ErrDuplicateRequest = errors.New("idempotency key is in use")

// IdempotencyResult is what a retry of a finished request gets back.
type IdempotencyResult struct {
	NotificationID string   `json:"notification_id"`
	DeliveryIDs    []string `json:"delivery_ids,omitempty"`
	StatusCode     int      `json:"status_code"`
	CreatedAt      int64    `json:"created_at"`
}

// claimScript returns the stored value, or takes the key and returns false.
var claimScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
	return v
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return false
`)

// IdempotencyService remembers which requests already ran. Keys live under a
// scope: the X-Client-ID for the API, "sqs" for the bridge.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{client: client, logger: logger}
}

func idempotencyKey(scope, key string) string {
	return keyPrefix + "idempotency:" + scope + ":" + key
}

// CheckOrReserve is the entry point for a new request:
//
//	unseen key     -> reserved, (nil, nil)
//	pending key    -> ErrDuplicateRequest
//	finished key   -> the stored result
//
// The lookup and the reservation happen in one round trip.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, scope, key string) (*IdempotencyResult, error) {
	val, err := claimScript.Run(ctx, s.client.rdb,
		[]string{idempotencyKey(scope, key)},
		pending, pendingTTL.Milliseconds(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s/%s: %w", scope, key, err)
	}
	return s.decode(scope, val)
}

// Check only looks. It never reserves.
func (s *IdempotencyService) Check(ctx context.Context, scope, key string) (*IdempotencyResult, error) {
	val, err := s.client.rdb.Get(ctx, idempotencyKey(scope, key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s/%s: %w", scope, key, err)
	}
	return s.decode(scope, val)
}

func (s *IdempotencyService) decode(scope, val string) (*IdempotencyResult, error) {
	metrics.RecordIdempotencyHit()
	if val == pending {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		s.logger.Error("corrupt idempotency entry", zap.String("scope", scope), zap.Error(err))
		return nil, fmt.Errorf("decode idempotency entry: %w", err)
	}
	s.logger.Debug("replaying stored result",
		zap.String("scope", scope),
		zap.String("notification_id", result.NotificationID),
	)
	return &result, nil
}

// Reserve takes the key only if nobody has it. false means it is taken.
func (s *IdempotencyService) Reserve(ctx context.Context, scope, key string) (bool, error) {
	ok, err := s.client.rdb.SetNX(ctx, idempotencyKey(scope, key), pending, pendingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("reserve %s/%s: %w", scope, key, err)
	}
	return ok, nil
}

// Store overwrites the reservation with the finished result.
func (s *IdempotencyService) Store(ctx context.Context, scope, key string, result *IdempotencyResult, ttl time.Duration) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode idempotency entry: %w", err)
	}
	if err := s.client.rdb.Set(ctx, idempotencyKey(scope, key), data, ttl).Err(); err != nil {
		return fmt.Errorf("store %s/%s: %w", scope, key, err)
	}
	return nil
}

// Release frees the key so the request can be retried.
func (s *IdempotencyService) Release(ctx context.Context, scope, key string) error {
	if err := s.client.rdb.Del(ctx, idempotencyKey(scope, key)).Err(); err != nil {
		return fmt.Errorf("release %s/%s: %w", scope, key, err)
	}
	return nil
}
