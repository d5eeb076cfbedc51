package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lalithlochan/hrpulse/internal/registry"
	"github.com/lalithlochan/hrpulse/internal/transport"
)

type fakePinger struct {
	mu           sync.Mutex
	heartbeats   []string
	recoveries   []int
	disconnected []string
	heartbeatErr error
	announceErr  error
	panicOn      string
}

func (p *fakePinger) Heartbeat(connectionID string, sentAt time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if connectionID == p.panicOn {
		panic("boom")
	}
	p.heartbeats = append(p.heartbeats, connectionID)
	return p.heartbeatErr
}

func (p *fakePinger) AnnounceRecovery(connectionID string, attempt int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recoveries = append(p.recoveries, attempt)
	return p.announceErr
}

func (p *fakePinger) Disconnect(connectionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnected = append(p.disconnected, connectionID)
}

type fakeReplayer struct {
	calls []string
	err   error
}

func (r *fakeReplayer) ReplayOffline(ctx context.Context, connectionID, userID string) error {
	r.calls = append(r.calls, connectionID+"/"+userID)
	return r.err
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMonitor(t *testing.T, cfg Config) (*Monitor, *registry.Registry, *fakePinger, *fakeReplayer, *clock) {
	t.Helper()
	reg := registry.New()
	pinger := &fakePinger{}
	replayer := &fakeReplayer{}
	clk := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	m := New(reg, pinger, replayer, cfg, zap.NewNop())
	m.now = clk.now
	return m, reg, pinger, replayer, clk
}

func testConfig() Config {
	return Config{
		Interval:            30 * time.Second,
		ResponseTimeout:     10 * time.Second,
		FailureThreshold:    3,
		MaxRecoveryAttempts: 2,
		Backoff:             BackoffPolicy{Initial: 5 * time.Second, Max: time.Minute, Factor: 2},
	}
}

// silentTicks advances past the response window and ticks n times with no
// heartbeat response.
func silentTicks(m *Monitor, clk *clock, n int) {
	for i := 0; i < n; i++ {
		m.tick(context.Background())
		clk.advance(m.cfg.Interval)
	}
}

func TestMonitor_FirstTickSendsHeartbeat(t *testing.T) {
	m, reg, pinger, _, clk := newTestMonitor(t, testConfig())
	reg.Upsert(registry.NewConnectionHealthInfo("c1", "u1", clk.now()))

	m.tick(context.Background())

	if len(pinger.heartbeats) != 1 {
		t.Fatalf("expected 1 heartbeat, got %d", len(pinger.heartbeats))
	}
	info, _ := reg.Get("c1")
	if info.HeartbeatSentAt == nil {
		t.Error("heartbeat should be outstanding")
	}
	if state, _ := m.State("c1"); state != StateUnknown {
		t.Errorf("expected unknown before first response, got %s", state)
	}
}

func TestMonitor_OutstandingWithinWindow(t *testing.T) {
	m, reg, pinger, _, clk := newTestMonitor(t, testConfig())
	reg.Upsert(registry.NewConnectionHealthInfo("c1", "u1", clk.now()))

	m.tick(context.Background())
	clk.advance(time.Second)
	m.tick(context.Background())

	if len(pinger.heartbeats) != 1 {
		t.Errorf("no new heartbeat while one is outstanding, got %d", len(pinger.heartbeats))
	}
	info, _ := reg.Get("c1")
	if info.ConsecutiveFailures != 0 {
		t.Errorf("no failure inside the response window, got %d", info.ConsecutiveFailures)
	}
}

func TestMonitor_MissedHeartbeatsDegrade(t *testing.T) {
	m, reg, _, replayer, clk := newTestMonitor(t, testConfig())
	reg.Upsert(registry.NewConnectionHealthInfo("c1", "u1", clk.now()))
	m.RecordHeartbeatResponse("c1")

	silentTicks(m, clk, 2)
	m.tick(context.Background())

	info, _ := reg.Get("c1")
	if info.ConsecutiveFailures != 2 {
		t.Fatalf("expected 2 failures, got %d", info.ConsecutiveFailures)
	}
	if info.IsHealthy {
		t.Error("a connection with failures must not be healthy")
	}
	if state, _ := m.State("c1"); state != StateDegraded {
		t.Errorf("expected degraded, got %s", state)
	}
	if len(replayer.calls) != 0 {
		t.Error("no recovery below the threshold")
	}
}

func TestMonitor_ThresholdTriggersRecovery(t *testing.T) {
	m, reg, pinger, replayer, clk := newTestMonitor(t, testConfig())
	reg.Upsert(registry.NewConnectionHealthInfo("c1", "u1", clk.now()))

	silentTicks(m, clk, 3)
	m.tick(context.Background())

	info, ok := reg.Get("c1")
	if !ok {
		t.Fatal("connection should still be registered")
	}
	if info.ConsecutiveFailures < m.cfg.FailureThreshold || info.IsHealthy {
		t.Fatalf("expected unhealthy record, got %+v", info)
	}
	if info.RecoveryAttempts != 1 || info.LastRecoveryAttempt == nil {
		t.Errorf("expected one recovery attempt, got %+v", info)
	}
	if len(pinger.recoveries) != 1 || pinger.recoveries[0] != 1 {
		t.Errorf("expected ConnectionRecoveryStarted for attempt 1, got %v", pinger.recoveries)
	}
	if len(replayer.calls) != 1 || replayer.calls[0] != "c1/u1" {
		t.Errorf("expected offline replay for c1/u1, got %v", replayer.calls)
	}
	if state, _ := m.State("c1"); state != StateUnhealthy {
		t.Errorf("expected unhealthy, got %s", state)
	}
}

func TestMonitor_RecoveryBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.Interval = time.Second
	cfg.ResponseTimeout = 500 * time.Millisecond
	cfg.Backoff = BackoffPolicy{Initial: 10 * time.Second, Factor: 2}
	m, reg, pinger, _, clk := newTestMonitor(t, cfg)
	reg.Upsert(registry.NewConnectionHealthInfo("c1", "u1", clk.now()))

	// 3 misses, then the first recovery
	silentTicks(m, clk, 4)
	if len(pinger.recoveries) != 1 {
		t.Fatalf("expected first recovery, got %d", len(pinger.recoveries))
	}

	// still inside the 10s backoff
	silentTicks(m, clk, 3)
	if len(pinger.recoveries) != 1 {
		t.Errorf("recovery should wait for backoff, got %d attempts", len(pinger.recoveries))
	}

	clk.advance(10 * time.Second)
	m.tick(context.Background())
	if len(pinger.recoveries) != 2 {
		t.Errorf("expected second recovery after backoff, got %d", len(pinger.recoveries))
	}
}

func TestMonitor_ExhaustedRecoveryEvicts(t *testing.T) {
	cfg := testConfig()
	cfg.Backoff = BackoffPolicy{}
	m, reg, pinger, _, clk := newTestMonitor(t, cfg)
	reg.Upsert(registry.NewConnectionHealthInfo("c1", "u1", clk.now()))

	// 3 misses, 2 recoveries, then eviction
	silentTicks(m, clk, 8)

	if _, ok := reg.Get("c1"); ok {
		t.Fatal("connection should be removed after max recovery attempts")
	}
	if len(pinger.recoveries) != cfg.MaxRecoveryAttempts {
		t.Errorf("expected %d recovery attempts, got %d", cfg.MaxRecoveryAttempts, len(pinger.recoveries))
	}
	if len(pinger.disconnected) != 1 || pinger.disconnected[0] != "c1" {
		t.Errorf("expected transport disconnect for c1, got %v", pinger.disconnected)
	}
}

func TestMonitor_HeartbeatResponseResets(t *testing.T) {
	m, reg, _, _, clk := newTestMonitor(t, testConfig())
	reg.Upsert(registry.NewConnectionHealthInfo("c1", "u1", clk.now()))
	silentTicks(m, clk, 5)

	before, _ := reg.Get("c1")
	if before.ConsecutiveFailures < m.cfg.FailureThreshold || before.IsHealthy {
		t.Fatalf("precondition: expected unhealthy record, got %+v", before)
	}

	for i := 0; i < 2; i++ {
		if !m.RecordHeartbeatResponse("c1") {
			t.Fatal("known connection should be acknowledged")
		}
		info, _ := reg.Get("c1")
		if !info.IsHealthy || info.ConsecutiveFailures != 0 {
			t.Fatalf("response %d should reset the record, got %+v", i, info)
		}
		if info.HeartbeatSentAt != nil || info.RecoveryAttempts != 0 {
			t.Errorf("response should clear outstanding heartbeat and recovery, got %+v", info)
		}
		if !info.LastSeen.Equal(clk.now()) {
			t.Error("response should update last_seen")
		}
	}

	if m.RecordHeartbeatResponse("missing") {
		t.Error("unknown connection should report false")
	}
}

func TestMonitor_WriteErrorCountsAsFailure(t *testing.T) {
	m, reg, pinger, _, clk := newTestMonitor(t, testConfig())
	pinger.heartbeatErr = errors.New("broken pipe")
	reg.Upsert(registry.NewConnectionHealthInfo("c1", "u1", clk.now()))
	m.RecordHeartbeatResponse("c1")

	m.tick(context.Background())

	info, _ := reg.Get("c1")
	if info.ConsecutiveFailures != 1 || info.IsHealthy {
		t.Errorf("write error should count as a failure, got %+v", info)
	}
	if info.HeartbeatSentAt != nil {
		t.Error("failed heartbeat should not stay outstanding")
	}
}

func TestMonitor_PanicDoesNotStopTick(t *testing.T) {
	m, reg, pinger, _, clk := newTestMonitor(t, testConfig())
	pinger.panicOn = "c1"
	reg.Upsert(registry.NewConnectionHealthInfo("c1", "u1", clk.now()))
	reg.Upsert(registry.NewConnectionHealthInfo("c2", "u2", clk.now()))

	m.tick(context.Background())

	if len(pinger.heartbeats) != 1 || pinger.heartbeats[0] != "c2" {
		t.Errorf("other connections should still get heartbeats, got %v", pinger.heartbeats)
	}
}

func TestMonitor_RequestRecovery(t *testing.T) {
	m, reg, pinger, replayer, clk := newTestMonitor(t, testConfig())
	reg.Upsert(registry.NewConnectionHealthInfo("c1", "u1", clk.now()))

	if err := m.RequestRecovery(context.Background(), "c1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	info, _ := reg.Get("c1")
	if info.RecoveryAttempts != 1 {
		t.Errorf("expected 1 attempt, got %d", info.RecoveryAttempts)
	}
	if len(pinger.recoveries) != 1 || len(replayer.calls) != 1 {
		t.Errorf("manual recovery should announce and replay, got %v / %v", pinger.recoveries, replayer.calls)
	}

	if err := m.RequestRecovery(context.Background(), "missing"); !errors.Is(err, ErrUnknownConnection) {
		t.Errorf("expected ErrUnknownConnection, got %v", err)
	}
}

func TestMonitor_AnnounceFailureSkipsReplay(t *testing.T) {
	m, reg, pinger, replayer, clk := newTestMonitor(t, testConfig())
	pinger.announceErr = errors.New("closed")
	reg.Upsert(registry.NewConnectionHealthInfo("c1", "u1", clk.now()))

	m.RequestRecovery(context.Background(), "c1")

	if len(replayer.calls) != 0 {
		t.Error("replay should be skipped when the transport rejects writes")
	}
	info, _ := reg.Get("c1")
	if info.ConsecutiveFailures != 1 {
		t.Errorf("announce failure should count, got %d", info.ConsecutiveFailures)
	}
}

func TestMonitor_ReplayFailureCounting(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"connection gone counts", errors.New("connection not found"), 1},
		{"stalled replay counted upstream", fmt.Errorf("replay to c1: %w", &transport.OverflowError{ConnectionIDs: []string{"c1"}}), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, reg, _, replayer, clk := newTestMonitor(t, testConfig())
			replayer.err = tt.err
			reg.Upsert(registry.NewConnectionHealthInfo("c1", "u1", clk.now()))

			m.RequestRecovery(context.Background(), "c1")

			if info, _ := reg.Get("c1"); info.ConsecutiveFailures != tt.want {
				t.Errorf("expected %d failures, got %d", tt.want, info.ConsecutiveFailures)
			}
		})
	}
}

func TestMonitor_Stats(t *testing.T) {
	m, reg, _, _, clk := newTestMonitor(t, testConfig())
	reg.Upsert(registry.NewConnectionHealthInfo("c1", "u1", clk.now()))
	reg.Upsert(registry.NewConnectionHealthInfo("c2", "u1", clk.now().Add(time.Second)))
	reg.Upsert(registry.NewConnectionHealthInfo("c3", "u2", clk.now().Add(2*time.Second)))
	m.RecordHeartbeatResponse("c1")
	reg.Update("c2", func(info *registry.ConnectionHealthInfo) { info.ConsecutiveFailures = 1 })
	reg.Update("c3", func(info *registry.ConnectionHealthInfo) { info.ConsecutiveFailures = 5 })

	stats := m.Stats()

	if stats.TotalConnections != 3 || stats.OnlineUsers != 2 {
		t.Errorf("expected 3 connections / 2 users, got %d / %d", stats.TotalConnections, stats.OnlineUsers)
	}
	if stats.Healthy != 1 || stats.Degraded != 1 || stats.Unhealthy != 1 {
		t.Errorf("unexpected breakdown %+v", stats)
	}
	if len(stats.Connections) != 3 || stats.Connections[0].ConnectionID != "c1" {
		t.Errorf("connections should be ordered by connect time, got %+v", stats.Connections)
	}
}

func TestMonitor_StartStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Interval = time.Millisecond
	m, _, _, _, _ := newTestMonitor(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on cancel")
	}
}

func TestMonitor_StartLogsOnce(t *testing.T) {
	m, _, _, _, _ := newTestMonitor(t, testConfig())
	core, logs := observer.New(zap.InfoLevel)
	m.logger = zap.New(core)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Start(ctx)

	started := logs.FilterMessage("health monitor started")
	if started.Len() != 1 {
		t.Fatalf("expected one start line, got %d", started.Len())
	}
	fields := started.All()[0].ContextMap()
	if fields["failure_threshold"] != int64(m.cfg.FailureThreshold) {
		t.Errorf("start line should carry the failure threshold, got %v", fields)
	}
}

func TestBackoffPolicy_Delay(t *testing.T) {
	p := BackoffPolicy{Initial: 5 * time.Second, Max: 30 * time.Second, Factor: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	if got := (BackoffPolicy{}).Delay(3); got != 0 {
		t.Errorf("zero policy should never wait, got %v", got)
	}
}

func TestStateOf(t *testing.T) {
	tests := []struct {
		name string
		info registry.ConnectionHealthInfo
		want State
	}{
		{"fresh", registry.ConnectionHealthInfo{}, StateUnknown},
		{"healthy", registry.ConnectionHealthInfo{IsHealthy: true}, StateHealthy},
		{"degraded", registry.ConnectionHealthInfo{ConsecutiveFailures: 2}, StateDegraded},
		{"unhealthy", registry.ConnectionHealthInfo{ConsecutiveFailures: 3}, StateUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StateOf(tt.info, 3); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}
