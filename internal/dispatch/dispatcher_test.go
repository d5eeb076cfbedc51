package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/hrpulse/internal/delivery"
	"github.com/lalithlochan/hrpulse/internal/events"
	"github.com/lalithlochan/hrpulse/internal/models"
	"github.com/lalithlochan/hrpulse/internal/registry"
	"github.com/lalithlochan/hrpulse/internal/transport"
)

type sent struct {
	target string
	event  events.Event
}

// fakeTransport records every send. Per-target errors and panics can be injected.
type fakeTransport struct {
	mu           sync.Mutex
	groupSends   []sent
	connSends    []sent
	disconnected []string
	failGroups   map[string]error
	panicGroups  map[string]bool
	failConns    map[string]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		failGroups:  make(map[string]error),
		panicGroups: make(map[string]bool),
		failConns:   make(map[string]error),
	}
}

func (f *fakeTransport) SendToGroup(group string, event any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicGroups[group] {
		panic("socket exploded")
	}
	if err := f.failGroups[group]; err != nil {
		return err
	}
	f.groupSends = append(f.groupSends, sent{target: group, event: event.(events.Event)})
	return nil
}

func (f *fakeTransport) SendToConnection(connectionID string, event any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failConns[connectionID]; err != nil {
		return err
	}
	f.connSends = append(f.connSends, sent{target: connectionID, event: event.(events.Event)})
	return nil
}

func (f *fakeTransport) SendToConnectionWait(ctx context.Context, connectionID string, event any) error {
	return f.SendToConnection(connectionID, event)
}

func (f *fakeTransport) Disconnect(connectionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, connectionID)
}

func newTestDispatcher() (*Dispatcher, *fakeTransport, *delivery.Tracker) {
	ft := newFakeTransport()
	tracker := delivery.NewTracker(nil, zap.NewNop())
	return New(ft, tracker, registry.New(), zap.NewNop()), ft, tracker
}

// panickyTracker blows up when tracking one user.
type panickyTracker struct {
	*delivery.Tracker
	panicUser string
}

func (p *panickyTracker) Track(ctx context.Context, notificationID, userID string) models.DeliveryStatus {
	if userID == p.panicUser {
		panic("tracker exploded")
	}
	return p.Tracker.Track(ctx, notificationID, userID)
}

func testNotification() models.Notification {
	return models.NewNotification("Payslip ready", "Your March payslip is available", models.TypePayroll, models.PriorityNormal)
}

func TestDispatcher_SendToUser(t *testing.T) {
	d, ft, tracker := newTestDispatcher()
	n := testNotification()

	d.SendToUser(context.Background(), "u1", n)

	if len(ft.groupSends) != 1 {
		t.Fatalf("expected 1 send, got %d", len(ft.groupSends))
	}
	got := ft.groupSends[0]
	if got.target != "User_u1" {
		t.Errorf("expected User_u1, got %s", got.target)
	}
	if got.event.Type != events.NotificationReceived {
		t.Errorf("expected NotificationReceived, got %s", got.event.Type)
	}
	if tracker.Len() != 0 {
		t.Error("untracked send should not create a delivery status")
	}
}

func TestDispatcher_SendToUserSwallowsErrors(t *testing.T) {
	d, ft, _ := newTestDispatcher()
	ft.failGroups["User_u1"] = errors.New("broken pipe")

	// must not panic or surface the error
	d.SendToUser(context.Background(), "u1", testNotification())
}

func TestDispatcher_SendWithConfirmation(t *testing.T) {
	d, ft, tracker := newTestDispatcher()
	n := testNotification()

	status := d.SendWithConfirmation(context.Background(), "u1", n)

	if status.DeliveryID == "" || status.State != models.DeliverySent {
		t.Fatalf("unexpected status %+v", status)
	}
	if status.NotificationID != n.ID || status.UserID != "u1" {
		t.Errorf("status should reference notification and user, got %+v", status)
	}

	data := ft.groupSends[0].event.Data.(events.NotificationData)
	if data.DeliveryID != status.DeliveryID {
		t.Errorf("client frame should carry delivery id %s, got %s", status.DeliveryID, data.DeliveryID)
	}

	stored, err := tracker.GetStatus(context.Background(), status.DeliveryID)
	if err != nil || stored.State != models.DeliverySent {
		t.Errorf("tracker should hold Sent status, got %+v, %v", stored, err)
	}
}

func TestDispatcher_SendWithConfirmationFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.DeliveryState
	}{
		{"fatal error marks failed", errors.New("marshal event: unsupported type"), models.DeliveryFailed},
		{"full buffer stays sent", fmt.Errorf("%w: c1", transport.ErrSendBufferFull), models.DeliverySent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ft, _ := newTestDispatcher()
			ft.failGroups["User_u1"] = tt.err

			status := d.SendWithConfirmation(context.Background(), "u1", testNotification())
			if status.State != tt.want {
				t.Errorf("expected %s, got %s", tt.want, status.State)
			}
		})
	}
}

func TestDispatcher_SendBulk(t *testing.T) {
	d, ft, _ := newTestDispatcher()
	ft.failGroups["User_u2"] = errors.New("connection reset")
	n := testNotification()

	statuses := d.SendBulk(context.Background(), []string{"u1", "u2", "u3"}, n)

	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	seen := make(map[string]bool)
	for i, want := range []string{"u1", "u2", "u3"} {
		s := statuses[i]
		if s.DeliveryID == "" || seen[s.DeliveryID] {
			t.Errorf("status %d: delivery id %q missing or duplicated", i, s.DeliveryID)
		}
		seen[s.DeliveryID] = true
		if s.UserID != want {
			t.Errorf("status %d: expected user %s, got %s", i, want, s.UserID)
		}
	}
	if statuses[1].State != models.DeliveryFailed {
		t.Errorf("failing user should be Failed, got %s", statuses[1].State)
	}
	if len(ft.groupSends) != 2 {
		t.Errorf("other users should still receive the notification, got %d sends", len(ft.groupSends))
	}
}

func TestDispatcher_SendBulkSurvivesPanic(t *testing.T) {
	d, ft, _ := newTestDispatcher()
	ft.panicGroups["User_u2"] = true

	statuses := d.SendBulk(context.Background(), []string{"u1", "u2", "u3"}, testNotification())

	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	if statuses[1].UserID != "u2" || statuses[1].State != models.DeliveryFailed {
		t.Errorf("panicking send should produce a Failed status for u2, got %+v", statuses[1])
	}
	if statuses[2].State != models.DeliverySent {
		t.Errorf("u3 should be unaffected, got %s", statuses[2].State)
	}
}

func TestDispatcher_SendBulkSurvivesTrackerPanic(t *testing.T) {
	ft := newFakeTransport()
	tracker := &panickyTracker{Tracker: delivery.NewTracker(nil, zap.NewNop()), panicUser: "u2"}
	d := New(ft, tracker, nil, zap.NewNop())

	statuses := d.SendBulk(context.Background(), []string{"u1", "u2", "u3"}, testNotification())

	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	if statuses[1].UserID != "u2" || statuses[1].State != models.DeliveryFailed || statuses[1].Error == "" {
		t.Errorf("tracker panic should produce a Failed status for u2, got %+v", statuses[1])
	}
	for _, i := range []int{0, 2} {
		if statuses[i].State != models.DeliverySent || statuses[i].DeliveryID == "" {
			t.Errorf("status %d should be tracked and Sent, got %+v", i, statuses[i])
		}
	}
	if len(ft.groupSends) != 2 {
		t.Errorf("expected sends for u1 and u3, got %d", len(ft.groupSends))
	}
}

func TestDispatcher_OverflowCountsAsConnectionFailure(t *testing.T) {
	overflow := &transport.OverflowError{ConnectionIDs: []string{"c1", "c2"}}

	tests := []struct {
		name string
		send func(d *Dispatcher, ft *fakeTransport)
	}{
		{"send to user", func(d *Dispatcher, ft *fakeTransport) {
			ft.failGroups["User_u1"] = overflow
			d.SendToUser(context.Background(), "u1", testNotification())
		}},
		{"tracked send", func(d *Dispatcher, ft *fakeTransport) {
			ft.failGroups["User_u1"] = overflow
			d.SendWithConfirmation(context.Background(), "u1", testNotification())
		}},
		{"broadcast", func(d *Dispatcher, ft *fakeTransport) {
			ft.failGroups["AllConnections"] = overflow
			d.BroadcastSystemMaintenance(context.Background(), "upgrade", time.Now())
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := registry.New()
			for _, id := range []string{"c1", "c2", "c3"} {
				info := registry.NewConnectionHealthInfo(id, "u1", time.Now())
				info.IsHealthy = true
				reg.Upsert(info)
			}
			ft := newFakeTransport()
			d := New(ft, delivery.NewTracker(nil, zap.NewNop()), reg, zap.NewNop())

			tt.send(d, ft)

			for _, id := range []string{"c1", "c2"} {
				info, _ := reg.Get(id)
				if info.ConsecutiveFailures != 1 || info.IsHealthy {
					t.Errorf("%s should have one failure and be unhealthy, got %+v", id, info)
				}
			}
			if info, _ := reg.Get("c3"); info.ConsecutiveFailures != 0 || !info.IsHealthy {
				t.Errorf("c3 did not overflow and should be untouched, got %+v", info)
			}
		})
	}
}

func TestDispatcher_SendHighPriority(t *testing.T) {
	d, ft, _ := newTestDispatcher()
	n := testNotification()
	n.Priority = models.PriorityLow

	d.SendHighPriority(context.Background(), "u1", n)

	data := ft.groupSends[0].event.Data.(events.NotificationData)
	if data.Notification.Priority != models.PriorityCritical {
		t.Errorf("expected Critical, got %s", data.Notification.Priority)
	}
	if n.Priority != models.PriorityLow {
		t.Error("caller's notification should not be mutated")
	}
}

func TestDispatcher_BroadcastSystemMaintenance(t *testing.T) {
	d, ft, tracker := newTestDispatcher()
	scheduled := time.Date(2026, 11, 1, 2, 0, 0, 0, time.UTC)

	d.BroadcastSystemMaintenance(context.Background(), "Payroll system upgrade", scheduled)

	if len(ft.groupSends) != 1 || ft.groupSends[0].target != "AllConnections" {
		t.Fatalf("expected one send to AllConnections, got %+v", ft.groupSends)
	}
	data := ft.groupSends[0].event.Data.(events.MaintenanceData)
	if !data.ScheduledTime.Equal(scheduled) || data.Message != "Payroll system upgrade" {
		t.Errorf("unexpected payload %+v", data)
	}
	if tracker.Len() != 0 {
		t.Error("broadcasts must not create delivery statuses")
	}
}

func TestDispatcher_PerUserOrder(t *testing.T) {
	d, ft, _ := newTestDispatcher()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		n := testNotification()
		ids = append(ids, n.ID)
		if i%2 == 0 {
			d.SendToUser(ctx, "u1", n)
		} else {
			d.SendWithConfirmation(ctx, "u1", n)
		}
	}

	for i, s := range ft.groupSends {
		got := s.event.Data.(events.NotificationData).Notification.ID
		if got != ids[i] {
			t.Fatalf("send %d out of order", i)
		}
	}
}

func TestDispatcher_Replay(t *testing.T) {
	d, ft, _ := newTestDispatcher()
	entries := []models.QueuedNotification{
		{UserID: "u1", DeliveryID: "d1", Notification: testNotification()},
		{UserID: "u1", DeliveryID: "d2", Notification: testNotification()},
	}

	n, err := d.Replay(context.Background(), "c1", entries)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 replayed, got %d, %v", n, err)
	}
	for i, s := range ft.connSends {
		data := s.event.Data.(events.NotificationData)
		if !data.Replayed || data.DeliveryID != entries[i].DeliveryID {
			t.Errorf("entry %d: unexpected frame %+v", i, data)
		}
	}
}

func TestDispatcher_ReplayStopsOnError(t *testing.T) {
	reg := registry.New()
	reg.Upsert(registry.NewConnectionHealthInfo("c1", "u1", time.Now()))
	ft := newFakeTransport()
	d := New(ft, delivery.NewTracker(nil, zap.NewNop()), reg, zap.NewNop())
	ft.failConns["c1"] = &transport.OverflowError{ConnectionIDs: []string{"c1"}}

	n, err := d.Replay(context.Background(), "c1", []models.QueuedNotification{{UserID: "u1"}})
	if !errors.Is(err, transport.ErrSendBufferFull) {
		t.Fatalf("expected buffer full error, got %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 replayed, got %d", n)
	}
	if info, _ := reg.Get("c1"); info.ConsecutiveFailures != 1 {
		t.Errorf("stalled replay should count a failure, got %d", info.ConsecutiveFailures)
	}
}

func TestDispatcher_ConnectionFrames(t *testing.T) {
	d, ft, _ := newTestDispatcher()
	now := time.Now()

	if err := d.Heartbeat("c1", now); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if err := d.AnnounceRecovery("c1", 2); err != nil {
		t.Fatalf("announce failed: %v", err)
	}
	d.Disconnect("c1")

	if ft.connSends[0].event.Type != events.Heartbeat {
		t.Errorf("expected Heartbeat, got %s", ft.connSends[0].event.Type)
	}
	rec := ft.connSends[1].event.Data.(events.RecoveryData)
	if ft.connSends[1].event.Type != events.ConnectionRecoveryStarted || rec.Attempt != 2 {
		t.Errorf("unexpected recovery frame %+v", ft.connSends[1])
	}
	if len(ft.disconnected) != 1 || ft.disconnected[0] != "c1" {
		t.Errorf("expected c1 disconnected, got %v", ft.disconnected)
	}
}
