package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/outfield/companion/internal/acquire"
	"github.com/outfield/companion/internal/health"
	"github.com/outfield/companion/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "records.db"), "", store.Options{}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testImagePath(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "frame.jpg")
	if err := os.WriteFile(path, []byte("jpeg-bytes"), 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	return path
}

func TestRunCycle_CommitsPendingRecord(t *testing.T) {
	st := openTestStore(t)
	facade := acquire.NewFacade(
		&acquire.FileCamera{Path: testImagePath(t)},
		&acquire.MockGNSS{Fix: acquire.Fix{Lat: 47.37, Lon: 8.54, AccuracyM: 3}},
		acquire.FacadeOptions{}, nil)
	sched := New(st, facade, nil, nil, nil, Options{ImagesPerCycle: 3})

	rec, err := sched.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if rec.State != store.StatePending {
		t.Fatalf("state = %s, want PENDING", rec.State)
	}
	if len(rec.Images) != 3 {
		t.Fatalf("images = %d, want 3", len(rec.Images))
	}
	if rec.Location == nil || rec.Location.Lat != 47.37 {
		t.Fatalf("location = %+v, want captured fix", rec.Location)
	}
}

func TestRunCycle_PartialImagesStillCommit(t *testing.T) {
	st := openTestStore(t)
	// Camera works; GNSS is down. The cycle must proceed without location.
	facade := acquire.NewFacade(
		&acquire.FileCamera{Path: testImagePath(t)},
		&acquire.MockGNSS{Err: errors.New("no satellites")},
		acquire.FacadeOptions{}, nil)
	sched := New(st, facade, nil, nil, nil, Options{ImagesPerCycle: 2})

	rec, err := sched.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if rec.Location != nil {
		t.Fatalf("location = %+v, want none", rec.Location)
	}
	if len(rec.Images) != 2 {
		t.Fatalf("images = %d, want 2", len(rec.Images))
	}
}

func TestRunCycle_ZeroImagesDiscards(t *testing.T) {
	st := openTestStore(t)
	tracker := health.NewTracker(map[string]int{health.SubsystemCapture: 2}, nil, nil)
	facade := acquire.NewFacade(
		&acquire.FileCamera{Path: "/nonexistent/frame.jpg"},
		nil, acquire.FacadeOptions{}, nil)
	sched := New(st, facade, tracker, nil, nil, Options{ImagesPerCycle: 3})

	for i := 0; i < 2; i++ {
		if _, err := sched.RunCycle(context.Background()); !errors.Is(err, ErrNoImages) {
			t.Fatalf("cycle %d error = %v, want ErrNoImages", i, err)
		}
	}

	counts, err := st.Counts(context.Background())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[store.StatePending] != 0 {
		t.Fatalf("pending = %d, want 0 after discarded cycles", counts[store.StatePending])
	}
	if snap := tracker.Snapshot(); !snap.Degraded {
		t.Fatal("expected capture health degraded after consecutive all-image failures")
	}
}

func TestNextDue_FirstBootIsImmediate(t *testing.T) {
	st := openTestStore(t)
	sched := New(st, nil, nil, nil, nil, Options{Interval: 30 * time.Minute})

	now := time.Now()
	due, err := sched.NextDue(context.Background(), now)
	if err != nil {
		t.Fatalf("next due: %v", err)
	}
	if !due.Equal(now) {
		t.Fatalf("first boot due = %v, want %v", due, now)
	}
}

func TestNextDue_DerivedFromAnchor(t *testing.T) {
	st := openTestStore(t)
	sched := New(st, nil, nil, nil, nil, Options{Interval: 30 * time.Minute, JitterPct: 10})
	ctx := context.Background()

	anchor := time.Now().UTC().Truncate(time.Second)
	if err := sched.anchor(ctx, anchor); err != nil {
		t.Fatalf("anchor: %v", err)
	}

	due, err := sched.NextDue(ctx, anchor)
	if err != nil {
		t.Fatalf("next due: %v", err)
	}
	min := anchor.Add(27 * time.Minute)
	max := anchor.Add(33 * time.Minute)
	if due.Before(min) || due.After(max) {
		t.Fatalf("due = %v, want within [%v, %v]", due, min, max)
	}
}

func TestNextDue_InvalidAnchorResets(t *testing.T) {
	st := openTestStore(t)
	sched := New(st, nil, nil, nil, nil, Options{Interval: time.Minute})
	ctx := context.Background()

	if err := st.KVSet(ctx, "scheduler.anchor", "not-a-timestamp"); err != nil {
		t.Fatalf("seed bad anchor: %v", err)
	}
	now := time.Now()
	due, err := sched.NextDue(ctx, now)
	if err != nil {
		t.Fatalf("next due: %v", err)
	}
	if !due.Equal(now) {
		t.Fatalf("due = %v, want reset to now", due)
	}
}

func TestRun_CatchUpCycleThenReanchor(t *testing.T) {
	st := openTestStore(t)
	facade := acquire.NewFacade(
		&acquire.FileCamera{Path: testImagePath(t)},
		&acquire.MockGNSS{Fix: acquire.Fix{Lat: 1}},
		acquire.FacadeOptions{}, nil)
	sched := New(st, facade, nil, nil, nil, Options{Interval: time.Hour, JitterPct: 0, ImagesPerCycle: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Anchor far in the past: several slots were missed while powered off.
	if err := sched.anchor(ctx, time.Now().Add(-10*time.Hour)); err != nil {
		t.Fatalf("anchor: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		counts, err := st.Counts(context.Background())
		if err != nil {
			t.Fatalf("counts: %v", err)
		}
		if counts[store.StatePending] >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("catch-up cycle never ran")
		case <-time.After(20 * time.Millisecond):
		}
	}
	// Give the loop a moment: exactly one catch-up, no burst.
	time.Sleep(200 * time.Millisecond)
	counts, err := st.Counts(context.Background())
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[store.StatePending] != 1 {
		t.Fatalf("pending = %d, want exactly one catch-up record", counts[store.StatePending])
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v, want context.Canceled", err)
	}
}
