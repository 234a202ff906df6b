package maintenance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

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

func TestNew_RejectsBadSchedule(t *testing.T) {
	if _, err := New(openTestStore(t), Options{Schedule: "not cron"}, nil); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestNextRun_DailyWindow(t *testing.T) {
	r, err := New(openTestStore(t), Options{Schedule: "0 3 * * *"}, nil)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	next := r.NextRun(now)
	want := time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next run = %v, want %v", next, want)
	}
}

func TestRunOnce_CompactsAndBacksUp(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	rec, err := st.PutNew(ctx, store.NewRecord{
		CapturedAt: time.Now(),
		Images:     []store.NewImage{{Data: []byte("frame")}},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := st.MarkUploading(ctx, rec.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := st.MarkDelivered(ctx, rec.ID); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	past := time.Now().UTC().Add(-100 * time.Hour)
	if _, err := st.DB().Exec(`UPDATE records SET delivered_at = ? WHERE id = ?;`, past, rec.ID); err != nil {
		t.Fatalf("age delivery: %v", err)
	}

	backupDir := t.TempDir()
	r, err := New(st, Options{Grace: 72 * time.Hour, BackupDir: backupDir}, nil)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if err := r.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	counts, err := st.Counts(ctx)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[store.StateDelivered] != 0 {
		t.Fatalf("delivered = %d, want compacted away", counts[store.StateDelivered])
	}
	matches, err := filepath.Glob(filepath.Join(backupDir, "records-*.db"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("backup files = %v (%v), want one", matches, err)
	}
}
