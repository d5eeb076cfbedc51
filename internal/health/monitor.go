// Package health checks live connections with application heartbeats and
// drives bounded recovery for the ones that stop answering.
package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/hrpulse/internal/metrics"
	"github.com/lalithlochan/hrpulse/internal/registry"
	"github.com/lalithlochan/hrpulse/internal/transport"
)

// ErrUnknownConnection is returned by RequestRecovery for a connection that
// is not in the registry.
var ErrUnknownConnection = errors.New("unknown connection")

// State is the per-connection health as seen by the monitor.
type State int

const (
	StateUnknown State = iota
	StateHealthy
	StateDegraded
	StateUnhealthy
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// StateOf classifies a health record. A connection that has never answered
// a heartbeat and has not failed yet is Unknown.
func StateOf(info registry.ConnectionHealthInfo, threshold int) State {
	switch {
	case info.IsHealthy:
		return StateHealthy
	case info.ConsecutiveFailures >= threshold:
		return StateUnhealthy
	case info.ConsecutiveFailures > 0:
		return StateDegraded
	default:
		return StateUnknown
	}
}

// Pinger writes the monitor's frames to a single connection.
type Pinger interface {
	Heartbeat(connectionID string, sentAt time.Time) error
	AnnounceRecovery(connectionID string, attempt int) error
	Disconnect(connectionID string)
}

// Replayer re-sends a user's queued notifications to a recovering connection.
type Replayer interface {
	ReplayOffline(ctx context.Context, connectionID, userID string) error
}

type Config struct {
	Interval            time.Duration
	ResponseTimeout     time.Duration
	FailureThreshold    int
	MaxRecoveryAttempts int
	Backoff             BackoffPolicy
}

func DefaultConfig() Config {
	return Config{
		Interval:            30 * time.Second,
		ResponseTimeout:     10 * time.Second,
		FailureThreshold:    3,
		MaxRecoveryAttempts: 3,
		Backoff:             DefaultBackoffPolicy(),
	}
}

// Monitor owns no state of its own; everything lives in the registry.
// Registry updates never overlap with transport writes.
type Monitor struct {
	registry *registry.Registry
	pinger   Pinger
	replayer Replayer
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a monitor. replayer may be nil.
func New(reg *registry.Registry, pinger Pinger, replayer Replayer, cfg Config, logger *zap.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = def.ResponseTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.MaxRecoveryAttempts < 0 {
		cfg.MaxRecoveryAttempts = def.MaxRecoveryAttempts
	}

	return &Monitor{
		registry: reg,
		pinger:   pinger,
		replayer: replayer,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start runs the tick loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	m.logger.Info("health monitor started",
		zap.Duration("interval", m.cfg.Interval),
		zap.Duration("response_timeout", m.cfg.ResponseTimeout),
		zap.Int("failure_threshold", m.cfg.FailureThreshold),
		zap.Int("max_recovery_attempts", m.cfg.MaxRecoveryAttempts),
	)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopping")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	snapshot := m.registry.All()
	metrics.SetActiveConnections(len(snapshot))

	for id := range snapshot {
		if ctx.Err() != nil {
			return
		}
		m.safeCheck(ctx, id)
	}
}

func (m *Monitor) safeCheck(ctx context.Context, connectionID string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic in health check",
				zap.Any("panic", r),
				zap.String("connection_id", connectionID),
			)
		}
	}()
	m.check(ctx, connectionID)
}

type verdict struct {
	missed  bool
	evict   bool
	recover bool
	ping    bool
}

func (m *Monitor) check(ctx context.Context, connectionID string) {
	now := m.now()
	var v verdict

	info, ok := m.registry.Update(connectionID, func(info *registry.ConnectionHealthInfo) {
		if info.HeartbeatSentAt != nil {
			if now.Sub(*info.HeartbeatSentAt) < m.cfg.ResponseTimeout {
				return
			}
			info.HeartbeatSentAt = nil
			registry.MarkFailure(info)
			v.missed = true
		}

		if info.ConsecutiveFailures >= m.cfg.FailureThreshold {
			if info.RecoveryAttempts >= m.cfg.MaxRecoveryAttempts {
				v.evict = true
				return
			}
			if m.backoffElapsed(info, now) {
				beginRecovery(info, now)
				v.recover = true
			}
		}

		sentAt := now
		info.HeartbeatSentAt = &sentAt
		v.ping = true
	})
	if !ok {
		return
	}

	if v.missed {
		metrics.RecordHeartbeatMissed()
		m.logger.Debug("heartbeat missed",
			zap.String("connection_id", connectionID),
			zap.Int("consecutive_failures", info.ConsecutiveFailures),
		)
	}
	if v.evict {
		m.evict(info)
		return
	}
	if v.recover {
		m.recover(ctx, info, "monitor")
	}
	if v.ping {
		metrics.RecordHeartbeatSent()
		if err := m.pinger.Heartbeat(connectionID, now); err != nil {
			m.recordSendFailure(connectionID, err)
		}
	}
}

func (m *Monitor) backoffElapsed(info *registry.ConnectionHealthInfo, now time.Time) bool {
	if info.LastRecoveryAttempt == nil {
		return true
	}
	return now.Sub(*info.LastRecoveryAttempt) >= m.cfg.Backoff.Delay(info.RecoveryAttempts)
}

// recover announces recovery and, if the connection still accepts writes,
// replays the user's offline backlog.
func (m *Monitor) recover(ctx context.Context, info registry.ConnectionHealthInfo, trigger string) {
	metrics.RecordRecoveryAttempt(trigger)
	m.logger.Info("connection recovery started",
		zap.String("connection_id", info.ConnectionID),
		zap.String("user_id", info.UserID),
		zap.Int("attempt", info.RecoveryAttempts),
		zap.String("trigger", trigger),
	)

	if err := m.pinger.AnnounceRecovery(info.ConnectionID, info.RecoveryAttempts); err != nil {
		m.recordSendFailure(info.ConnectionID, err)
		return
	}
	if m.replayer == nil {
		return
	}
	if err := m.replayer.ReplayOffline(ctx, info.ConnectionID, info.UserID); err != nil {
		// the dispatcher already counted a stalled replay
		if errors.Is(err, transport.ErrSendBufferFull) {
			m.logger.Warn("recovery replay stalled",
				zap.Error(err),
				zap.String("connection_id", info.ConnectionID),
			)
			return
		}
		m.recordSendFailure(info.ConnectionID, err)
	}
}

// evict treats the connection as dead. Later writes to it are dropped by
// the transport.
func (m *Monitor) evict(info registry.ConnectionHealthInfo) {
	m.registry.Remove(info.ConnectionID)
	m.pinger.Disconnect(info.ConnectionID)

	metrics.RecordConnectionEvent("evicted")
	m.logger.Info("connection recovery exhausted, removed",
		zap.String("connection_id", info.ConnectionID),
		zap.String("user_id", info.UserID),
		zap.Int("recovery_attempts", info.RecoveryAttempts),
		zap.Int("consecutive_failures", info.ConsecutiveFailures),
	)
}

func (m *Monitor) recordSendFailure(connectionID string, err error) {
	info, ok := m.registry.Update(connectionID, func(info *registry.ConnectionHealthInfo) {
		info.HeartbeatSentAt = nil
		registry.MarkFailure(info)
	})
	if !ok {
		return
	}
	m.logger.Warn("write to connection failed",
		zap.Error(err),
		zap.String("connection_id", connectionID),
		zap.Int("consecutive_failures", info.ConsecutiveFailures),
	)
}

// RecordHeartbeatResponse is the only path back to Healthy. It resets the
// record unconditionally and reports whether the connection is known.
func (m *Monitor) RecordHeartbeatResponse(connectionID string) bool {
	now := m.now()
	_, ok := m.registry.Update(connectionID, func(info *registry.ConnectionHealthInfo) {
		info.IsHealthy = true
		info.ConsecutiveFailures = 0
		info.RecoveryAttempts = 0
		info.LastRecoveryAttempt = nil
		info.HeartbeatSentAt = nil
		info.LastSeen = now
	})
	return ok
}

// RequestRecovery runs the recovery path for a connection on demand. It is
// not gated by the failure threshold or backoff.
func (m *Monitor) RequestRecovery(ctx context.Context, connectionID string) error {
	now := m.now()
	info, ok := m.registry.Update(connectionID, func(info *registry.ConnectionHealthInfo) {
		beginRecovery(info, now)
	})
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	m.recover(ctx, info, "manual")
	return nil
}

// ConnectionStat is one row of Stats.
type ConnectionStat struct {
	ConnectionID        string     `json:"connection_id"`
	UserID              string     `json:"user_id"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	RecoveryAttempts    int        `json:"recovery_attempts"`
	LastRecoveryAttempt *time.Time `json:"last_recovery_attempt,omitempty"`
	ConnectedAt         time.Time  `json:"connected_at"`
	LastSeen            time.Time  `json:"last_seen"`
}

// Stats summarises every live connection.
type Stats struct {
	TotalConnections int              `json:"total_connections"`
	Healthy          int              `json:"healthy"`
	Degraded         int              `json:"degraded"`
	Unhealthy        int              `json:"unhealthy"`
	Unknown          int              `json:"unknown"`
	OnlineUsers      int              `json:"online_users"`
	Connections      []ConnectionStat `json:"connections"`
	Timestamp        time.Time        `json:"timestamp"`
}

func (m *Monitor) Stats() Stats {
	snapshot := m.registry.All()
	users := make(map[string]struct{}, len(snapshot))
	stats := Stats{
		TotalConnections: len(snapshot),
		Connections:      make([]ConnectionStat, 0, len(snapshot)),
		Timestamp:        m.now(),
	}

	for _, info := range snapshot {
		users[info.UserID] = struct{}{}
		state := StateOf(info, m.cfg.FailureThreshold)
		switch state {
		case StateHealthy:
			stats.Healthy++
		case StateDegraded:
			stats.Degraded++
		case StateUnhealthy:
			stats.Unhealthy++
		default:
			stats.Unknown++
		}
		stats.Connections = append(stats.Connections, ConnectionStat{
			ConnectionID:        info.ConnectionID,
			UserID:              info.UserID,
			State:               state.String(),
			ConsecutiveFailures: info.ConsecutiveFailures,
			RecoveryAttempts:    info.RecoveryAttempts,
			LastRecoveryAttempt: info.LastRecoveryAttempt,
			ConnectedAt:         info.ConnectedAt,
			LastSeen:            info.LastSeen,
		})
	}
	stats.OnlineUsers = len(users)

	sort.Slice(stats.Connections, func(i, j int) bool {
		return stats.Connections[i].ConnectedAt.Before(stats.Connections[j].ConnectedAt)
	})
	return stats
}

// State reports the health of one connection.
func (m *Monitor) State(connectionID string) (State, bool) {
	info, ok := m.registry.Get(connectionID)
	if !ok {
		return StateUnknown, false
	}
	return StateOf(info, m.cfg.FailureThreshold), true
}

func beginRecovery(info *registry.ConnectionHealthInfo, now time.Time) {
	info.RecoveryAttempts++
	at := now
	info.LastRecoveryAttempt = &at
}
