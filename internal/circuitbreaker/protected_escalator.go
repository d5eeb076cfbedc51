package circuitbreaker

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/hrpulse/internal/models"
)

// Escalator mirrors notify.Escalator.
type Escalator interface {
	Escalate(ctx context.Context, userID string, n models.Notification) error
}

// ProtectedEscalator wraps an Escalator with a breaker. While the breaker is
// open, Escalate returns ErrCircuitOpen without calling the wrapped escalator.
type ProtectedEscalator struct {
	escalator Escalator
	breaker   *CircuitBreaker
	logger    *zap.Logger
}

func NewProtectedEscalator(escalator Escalator, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedEscalator {
	return &ProtectedEscalator{
		escalator: escalator,
		breaker:   breaker,
		logger:    logger,
	}
}

func (p *ProtectedEscalator) Escalate(ctx context.Context, userID string, n models.Notification) error {
	err := p.breaker.Do(func() error {
		return p.escalator.Escalate(ctx, userID, n)
	})
	if err != nil {
		p.logger.Debug("escalation not delivered",
			zap.Error(err),
			zap.String("breaker", p.breaker.Name()),
			zap.String("state", p.breaker.State().String()),
			zap.String("notification_id", n.ID),
		)
	}
	return err
}

func (p *ProtectedEscalator) Breaker() *CircuitBreaker {
	return p.breaker
}
