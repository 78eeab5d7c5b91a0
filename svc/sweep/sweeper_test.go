package sweep

import (
	"context"
	"fmt"
	"testing"
	"time"

	"burnbin/pkg/domain"
	"burnbin/svc/db"
)

func newTestDB(t *testing.T) *db.SQLite {
	t.Helper()
	dsn := fmt.Sprintf("file:memdb%d?mode=memory&cache=shared", time.Now().UnixNano())
	s, err := db.NewSQLiteWithConfig(dsn, 25, 5, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *db.SQLite, p *domain.Paste) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := tx.CreatePaste(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}

func status(t *testing.T, s *db.SQLite, id string) domain.Status {
	t.Helper()
	ctx := context.Background()
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	p, err := tx.GetPaste(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	return p.Status
}

func TestSweepExpiresDuePastes(t *testing.T) {
	s := newTestDB(t)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	seed(t, s, domain.NewPaste("due-active", "x", 1, 0, &past, "", domain.StatusActive, now, now))
	seed(t, s, domain.NewPaste("due-viewed", "x", 3, 1, &past, "", domain.StatusViewed, now, now))
	seed(t, s, domain.NewPaste("not-due", "x", 1, 0, &future, "", domain.StatusActive, now, now))
	seed(t, s, domain.NewPaste("no-expiry", "x", 1, 0, nil, "", domain.StatusActive, now, now))

	sw := New(s, time.Second, 100)
	expired, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if expired != 2 {
		t.Errorf("expired = %d, want 2", expired)
	}
	if got := status(t, s, "due-active"); got != domain.StatusExpired {
		t.Errorf("due-active = %s, want EXPIRED", got)
	}
	if got := status(t, s, "due-viewed"); got != domain.StatusExpired {
		t.Errorf("due-viewed = %s, want EXPIRED", got)
	}
	if got := status(t, s, "not-due"); got != domain.StatusActive {
		t.Errorf("not-due = %s, want ACTIVE", got)
	}
	if got := status(t, s, "no-expiry"); got != domain.StatusActive {
		t.Errorf("no-expiry = %s, want ACTIVE", got)
	}
}

func TestSweepIdempotentAcrossCycles(t *testing.T) {
	s := newTestDB(t)
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	seed(t, s, domain.NewPaste("once", "x", 1, 0, &past, "", domain.StatusActive, now, now))

	sw := New(s, time.Second, 100)
	first, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first != 1 {
		t.Fatalf("first cycle expired %d, want 1", first)
	}
	second, err := sw.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if second != 0 {
		t.Errorf("second cycle expired %d, want 0", second)
	}
	if got := status(t, s, "once"); got != domain.StatusExpired {
		t.Errorf("status = %s, want EXPIRED", got)
	}
}

func TestSweepLeavesDeletedPastesAlone(t *testing.T) {
	s := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	seed(t, s, domain.NewPaste("raced", "x", 1, 0, &past, "", domain.StatusActive, now, now))
	seed(t, s, domain.NewPaste("plain", "x", 1, 0, &past, "", domain.StatusActive, now, now))

	sw := New(s, time.Second, 100)

	// a delete lands before the cycle runs; the sweeper must not touch it
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	p, err := tx.GetPaste(ctx, "raced")
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.UpdateStatus(ctx, p, domain.StatusDeleted); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	expired, err := sw.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if expired != 1 {
		t.Errorf("expired = %d, want 1 (deleted paste skipped, not failed)", expired)
	}
	if got := status(t, s, "raced"); got != domain.StatusDeleted {
		t.Errorf("raced = %s, want DELETED untouched", got)
	}
	if got := status(t, s, "plain"); got != domain.StatusExpired {
		t.Errorf("plain = %s, want EXPIRED", got)
	}
}

func TestStartRejectsDuplicate(t *testing.T) {
	s := newTestDB(t)
	sw := New(s, time.Hour, 100)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sw.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer sw.Stop()
	if err := sw.Start(ctx); err == nil {
		t.Error("second Start must fail")
	}
}
