package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/lalithlochan/hrpulse/internal/models"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository stores delivery statuses in the delivery_statuses table.
type Repository struct {
	q      Querier
	logger *zap.Logger
}

func NewRepository(q Querier, logger *zap.Logger) *Repository {
	return &Repository{q: q, logger: logger}
}

const upsertDeliveryStatus = `
	INSERT INTO delivery_statuses (
		delivery_id, notification_id, user_id, state,
		sent_at, confirmed_at, read_at, failed_at, error
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (delivery_id) DO UPDATE SET
		state        = EXCLUDED.state,
		confirmed_at = EXCLUDED.confirmed_at,
		read_at      = EXCLUDED.read_at,
		failed_at    = EXCLUDED.failed_at,
		error        = EXCLUDED.error,
		updated_at   = NOW()
`

// SaveDeliveryStatus inserts or overwrites one status.
func (r *Repository) SaveDeliveryStatus(ctx context.Context, s *models.DeliveryStatus) error {
	var errMsg *string
	if s.Error != "" {
		errMsg = &s.Error
	}

	_, err := r.q.Exec(ctx, upsertDeliveryStatus,
		s.DeliveryID,
		s.NotificationID,
		s.UserID,
		string(s.State),
		s.SentAt,
		s.ConfirmedAt,
		s.ReadAt,
		s.FailedAt,
		errMsg,
	)
	if err != nil {
		r.logger.Error("failed to save delivery status",
			zap.Error(err),
			zap.String("delivery_id", s.DeliveryID),
		)
		return fmt.Errorf("upsert delivery status: %w", err)
	}
	return nil
}

// LoadDeliveryStatus returns (nil, nil) when the id is unknown.
func (r *Repository) LoadDeliveryStatus(ctx context.Context, deliveryID string) (*models.DeliveryStatus, error) {
	query := `
		SELECT delivery_id, notification_id, user_id, state,
			sent_at, confirmed_at, read_at, failed_at, error
		FROM delivery_statuses
		WHERE delivery_id = $1
	`

	var (
		s      models.DeliveryStatus
		state  string
		errMsg *string
	)
	err := r.q.QueryRow(ctx, query, deliveryID).Scan(
		&s.DeliveryID,
		&s.NotificationID,
		&s.UserID,
		&state,
		&s.SentAt,
		&s.ConfirmedAt,
		&s.ReadAt,
		&s.FailedAt,
		&errMsg,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery status: %w", err)
	}

	s.State = models.DeliveryState(state)
	if errMsg != nil {
		s.Error = *errMsg
	}
	return &s, nil
}

// PurgeDeliveryStatuses deletes terminal statuses last updated before the cutoff.
func (r *Repository) PurgeDeliveryStatuses(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.q.Exec(ctx, `
		DELETE FROM delivery_statuses
		WHERE state IN ('Read', 'Failed') AND updated_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("purge delivery statuses: %w", err)
	}

	if n := tag.RowsAffected(); n > 0 {
		r.logger.Info("purged archived delivery statuses", zap.Int64("count", n))
	}
	return tag.RowsAffected(), nil
}
