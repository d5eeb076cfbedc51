package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/hrpulse/internal/models"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(cfg Config) (*CircuitBreaker, *clock) {
	c := &clock{t: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	cb := New(cfg, zap.NewNop())
	cb.now = c.now
	return cb, c
}

func trip(cb *CircuitBreaker, n int) {
	for i := 0; i < n; i++ {
		cb.Allow()
		cb.RecordFailure()
	}
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb, _ := newTestBreaker(DefaultConfig("test"))
	if cb.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %s", cb.State())
	}
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("request %d should be allowed", i)
		}
	}
}

func TestCircuitBreaker_OpensAfterFailureThreshold(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "test", FailureThreshold: 3, OpenTimeout: time.Second})

	trip(cb, 2)
	if cb.State() != StateClosed {
		t.Fatal("should stay closed below the threshold")
	}
	trip(cb, 1)
	if cb.State() != StateOpen {
		t.Fatalf("expected StateOpen, got %s", cb.State())
	}
	if cb.Allow() {
		t.Fatal("should reject when open")
	}
}

func TestCircuitBreaker_HalfOpenTrial(t *testing.T) {
	tests := []struct {
		name      string
		trialOK   bool
		wantState State
	}{
		{"trial succeeds", true, StateClosed},
		{"trial fails", false, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, c := newTestBreaker(Config{Name: "test", FailureThreshold: 2, OpenTimeout: time.Minute})
			trip(cb, 2)

			c.advance(59 * time.Second)
			if cb.Allow() {
				t.Fatal("should reject before the recovery timeout")
			}

			c.advance(time.Second)
			if !cb.Allow() {
				t.Fatal("should allow a trial call after the recovery timeout")
			}
			if cb.State() != StateHalfOpen {
				t.Fatalf("expected StateHalfOpen, got %s", cb.State())
			}
			if cb.Allow() {
				t.Fatal("second half-open request should be rejected")
			}

			if tt.trialOK {
				cb.RecordSuccess()
			} else {
				cb.RecordFailure()
			}
			if cb.State() != tt.wantState {
				t.Fatalf("expected %s, got %s", tt.wantState, cb.State())
			}
		})
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "test", FailureThreshold: 3})
	trip(cb, 2)
	cb.Allow()
	cb.RecordSuccess()
	trip(cb, 2)
	if cb.State() != StateClosed {
		t.Fatal("success should have reset failure count")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "test", FailureThreshold: 2, OpenTimeout: time.Hour})
	trip(cb, 2)
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("expected StateClosed after reset, got %s", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("should allow after reset")
	}
	if cb.Stats().ConsecutiveFailures != 0 {
		t.Fatal("reset should clear the failure streak")
	}
}

func TestCircuitBreaker_Do(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "sns", FailureThreshold: 1, OpenTimeout: time.Hour})
	boom := errors.New("boom")

	if err := cb.Do(func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected the call's error, got %v", err)
	}

	called := false
	err := cb.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("fn must not run while open")
	}
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "stats-test", FailureThreshold: 2, OpenTimeout: time.Hour})
	cb.Allow()
	cb.RecordSuccess()
	trip(cb, 2)
	cb.Allow()

	stats := cb.Stats()
	if stats.Name != "stats-test" || stats.State != "open" {
		t.Fatalf("unexpected identity %+v", stats)
	}
	want := Counts{Requests: 4, Successes: 1, Failures: 2, Rejected: 1}
	if stats.Counts != want {
		t.Fatalf("expected %+v, got %+v", want, stats.Counts)
	}
	if stats.ConsecutiveFailures != 2 || stats.LastFailure.IsZero() {
		t.Fatalf("unexpected failure tracking %+v", stats)
	}
}

func TestCircuitBreaker_DefaultsApplied(t *testing.T) {
	cb, _ := newTestBreaker(Config{Name: "svc"})
	if cb.cfg.FailureThreshold != 5 || cb.cfg.OpenTimeout != 30*time.Second || cb.cfg.HalfOpenTrials != 1 {
		t.Fatalf("unexpected defaults %+v", cb.cfg)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}

type mockEscalator struct {
	err   error
	calls int
}

func (m *mockEscalator) Escalate(ctx context.Context, userID string, n models.Notification) error {
	m.calls++
	return m.err
}

func critical() models.Notification {
	return models.NewNotification("Security alert", "New login from unknown device", models.TypeSecurityAlert, models.PriorityCritical)
}

func TestProtectedEscalator_Lifecycle(t *testing.T) {
	mock := &mockEscalator{}
	cb, c := newTestBreaker(Config{Name: "sns", FailureThreshold: 3, OpenTimeout: time.Minute})
	pe := NewProtectedEscalator(mock, cb, zap.NewNop())
	ctx := context.Background()

	if err := pe.Escalate(ctx, "u1", critical()); err != nil {
		t.Fatalf("healthy escalation failed: %v", err)
	}

	mock.err = errors.New("sns down")
	for i := 0; i < 3; i++ {
		pe.Escalate(ctx, "u1", critical())
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	mock.calls = 0
	if err := pe.Escalate(ctx, "u1", critical()); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if mock.calls != 0 {
		t.Fatal("escalator should not be called while open")
	}

	c.advance(time.Minute)
	mock.err = nil
	if err := pe.Escalate(ctx, "u1", critical()); err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if pe.Breaker().State() != StateClosed {
		t.Fatalf("expected closed after trial call, got %s", cb.State())
	}
}
