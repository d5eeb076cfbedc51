package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/lalithlochan/hrpulse/internal/models"
)

type execCall struct {
	sql  string
	args []any
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *time.Time:
			*p = r.values[i].(time.Time)
		case **time.Time:
			*p = r.values[i].(*time.Time)
		case **string:
			*p = r.values[i].(*string)
		default:
			return errors.New("unsupported scan target")
		}
	}
	return nil
}

type fakeQuerier struct {
	execs   []execCall
	execErr error
	tag     pgconn.CommandTag
	row     fakeRow
}

func (f *fakeQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	return f.tag, f.execErr
}

func (f *fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return f.row
}

func TestConfig_DSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			"with password",
			Config{Host: "db", Port: 5432, User: "hr", Password: "s3cret", Database: "hrpulse", SSLMode: "require"},
			"host=db port=5432 user=hr password=s3cret dbname=hrpulse sslmode=require",
		},
		{
			"without password",
			Config{Host: "localhost", Port: 5433, User: "hr", Database: "hrpulse", SSLMode: "disable"},
			"host=localhost port=5433 user=hr dbname=hrpulse sslmode=disable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.DSN(); got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPoolConfig(t *testing.T) {
	pc, err := PoolConfig("postgres://hr@db:5432/hrpulse?sslmode=disable", "hrpulse-test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pc.MaxConns != 10 || pc.MinConns != 2 {
		t.Errorf("unexpected pool sizing %d/%d", pc.MinConns, pc.MaxConns)
	}
	if got := pc.ConnConfig.RuntimeParams["application_name"]; got != "hrpulse-test" {
		t.Errorf("expected application_name hrpulse-test, got %q", got)
	}
	if pc.ConnConfig.Host != "db" || pc.ConnConfig.Database != "hrpulse" {
		t.Errorf("unexpected target %s/%s", pc.ConnConfig.Host, pc.ConnConfig.Database)
	}

	if _, err := PoolConfig("postgres://%zz", "x"); err == nil {
		t.Error("expected parse error for malformed dsn")
	}
}

func TestRepository_SaveDeliveryStatus(t *testing.T) {
	q := &fakeQuerier{}
	repo := NewRepository(q, zap.NewNop())
	now := time.Now().UTC()

	s := &models.DeliveryStatus{DeliveryID: "d1", NotificationID: "n1", UserID: "u1", State: models.DeliveryConfirmed, SentAt: now, ConfirmedAt: &now}
	if err := repo.SaveDeliveryStatus(context.Background(), s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(q.execs) != 1 || !strings.Contains(q.execs[0].sql, "ON CONFLICT (delivery_id)") {
		t.Fatalf("expected one upsert, got %+v", q.execs)
	}
	args := q.execs[0].args
	if args[0] != "d1" || args[3] != "Confirmed" {
		t.Errorf("unexpected args %v", args)
	}
	if args[8].(*string) != nil {
		t.Error("empty error should be stored as NULL")
	}
}

func TestRepository_SaveDeliveryStatusError(t *testing.T) {
	q := &fakeQuerier{execErr: errors.New("connection refused")}
	repo := NewRepository(q, zap.NewNop())

	err := repo.SaveDeliveryStatus(context.Background(), &models.DeliveryStatus{DeliveryID: "d1"})
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestRepository_LoadDeliveryStatus(t *testing.T) {
	sent := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	read := sent.Add(time.Minute)
	cause := "socket closed"
	q := &fakeQuerier{row: fakeRow{values: []any{
		"d1", "n1", "u1", "Failed", sent, (*time.Time)(nil), &read, &read, &cause,
	}}}
	repo := NewRepository(q, zap.NewNop())

	got, err := repo.LoadDeliveryStatus(context.Background(), "d1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != models.DeliveryFailed || got.Error != cause || !got.SentAt.Equal(sent) {
		t.Errorf("unexpected status %+v", got)
	}
	if got.ConfirmedAt != nil || got.ReadAt == nil {
		t.Errorf("nullable timestamps not mapped: %+v", got)
	}
}

func TestRepository_LoadDeliveryStatusMissing(t *testing.T) {
	q := &fakeQuerier{row: fakeRow{err: pgx.ErrNoRows}}
	repo := NewRepository(q, zap.NewNop())

	got, err := repo.LoadDeliveryStatus(context.Background(), "nope")
	if err != nil || got != nil {
		t.Fatalf("expected (nil, nil), got (%+v, %v)", got, err)
	}

	q.row = fakeRow{err: errors.New("timeout")}
	if _, err := repo.LoadDeliveryStatus(context.Background(), "nope"); err == nil {
		t.Fatal("expected query error")
	}
}

func TestRepository_PurgeDeliveryStatuses(t *testing.T) {
	q := &fakeQuerier{tag: pgconn.NewCommandTag("DELETE 3")}
	repo := NewRepository(q, zap.NewNop())
	cutoff := time.Now().Add(-24 * time.Hour)

	n, err := repo.PurgeDeliveryStatuses(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 purged, got %d", n)
	}
	if q.execs[0].args[0] != cutoff {
		t.Errorf("cutoff not passed through: %v", q.execs[0].args)
	}
}
