package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/outfield/companion/internal/bus"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "records.db"), filepath.Join(dir, "spool"), Options{}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func putTestRecord(t *testing.T, s *Store) Record {
	t.Helper()
	rec, err := s.PutNew(context.Background(), NewRecord{
		CapturedAt: time.Now().UTC(),
		Location:   &Fix{Lat: 47.37, Lon: 8.54, AccuracyM: 5},
		Images: []NewImage{
			{Data: []byte("frame-0"), OffsetMS: 0},
			{Data: []byte("frame-1"), OffsetMS: 2000},
		},
	})
	if err != nil {
		t.Fatalf("put record: %v", err)
	}
	return rec
}

func TestPutNew_AssignsIncreasingSeq(t *testing.T) {
	s := openTestStore(t)

	var prev int64
	for i := 0; i < 5; i++ {
		rec := putTestRecord(t, s)
		if rec.CreatedSeq <= prev {
			t.Fatalf("created_seq not increasing: %d after %d", rec.CreatedSeq, prev)
		}
		prev = rec.CreatedSeq
		if rec.State != StatePending {
			t.Fatalf("new record state = %s, want PENDING", rec.State)
		}
		if len(rec.Images) != 2 {
			t.Fatalf("image count = %d, want 2", len(rec.Images))
		}
	}
}

func TestPutNew_RejectsZeroImages(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.PutNew(context.Background(), NewRecord{CapturedAt: time.Now()}); err == nil {
		t.Fatal("expected error for record without images")
	}
}

func TestPutNew_SpoolsBlobsWithChecksums(t *testing.T) {
	s := openTestStore(t)
	rec := putTestRecord(t, s)

	for _, ref := range rec.Images {
		data, err := s.ReadBlob(ref)
		if err != nil {
			t.Fatalf("read blob %d: %v", ref.Seq, err)
		}
		if int64(len(data)) != ref.SizeBytes {
			t.Fatalf("blob size = %d, want %d", len(data), ref.SizeBytes)
		}
	}
}

func TestReadBlob_DetectsCorruption(t *testing.T) {
	s := openTestStore(t)
	rec := putTestRecord(t, s)

	if err := os.WriteFile(rec.Images[0].Path, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("tamper blob: %v", err)
	}
	if _, err := s.ReadBlob(rec.Images[0]); !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("corrupted blob error = %v, want ErrCorruptRecord", err)
	}
}

func TestMarkUploading_ClaimIsExclusive(t *testing.T) {
	s := openTestStore(t)
	rec := putTestRecord(t, s)
	ctx := context.Background()

	ok, err := s.MarkUploading(ctx, rec.ID)
	if err != nil || !ok {
		t.Fatalf("first claim = (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = s.MarkUploading(ctx, rec.ID)
	if err != nil {
		t.Fatalf("second claim error: %v", err)
	}
	if ok {
		t.Fatal("second claim succeeded, want lost CAS")
	}
}

func TestMarkDelivered_TerminalAndIdempotent(t *testing.T) {
	s := openTestStore(t)
	rec := putTestRecord(t, s)
	ctx := context.Background()

	if _, err := s.MarkUploading(ctx, rec.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.MarkDelivered(ctx, rec.ID); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	// Late duplicate confirmation is a no-op.
	if err := s.MarkDelivered(ctx, rec.ID); err != nil {
		t.Fatalf("duplicate deliver: %v", err)
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateDelivered {
		t.Fatalf("state = %s, want DELIVERED", got.State)
	}
	if got.DeliveredAt == nil {
		t.Fatal("delivered_at not set")
	}

	// A delivered record can never be reclaimed for upload.
	ok, err := s.MarkUploading(ctx, rec.ID)
	if err != nil {
		t.Fatalf("claim delivered: %v", err)
	}
	if ok {
		t.Fatal("claimed a DELIVERED record")
	}
}

func TestMarkDelivered_CountsSuccessfulAttempt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	firstTry := putTestRecord(t, s)
	if _, err := s.MarkUploading(ctx, firstTry.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.MarkDelivered(ctx, firstTry.ID); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	got, err := s.Get(ctx, firstTry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Attempt != 1 {
		t.Fatalf("first-try attempt = %d, want 1", got.Attempt)
	}

	retried := putTestRecord(t, s)
	if _, err := s.MarkUploading(ctx, retried.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.MarkFailed(ctx, retried.ID, ErrKindNetwork); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if _, err := s.db.Exec(`UPDATE records SET next_retry_at = ? WHERE id = ?;`, time.Now().UTC().Add(-time.Second), retried.ID); err != nil {
		t.Fatalf("rewind retry: %v", err)
	}
	if ok, err := s.MarkUploading(ctx, retried.ID); err != nil || !ok {
		t.Fatalf("reclaim: (%v, %v)", ok, err)
	}
	if err := s.MarkDelivered(ctx, retried.ID); err != nil {
		t.Fatalf("deliver after retry: %v", err)
	}
	got, err = s.Get(ctx, retried.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Attempt != 2 {
		t.Fatalf("attempt after one failure = %d, want 2", got.Attempt)
	}

	// A late duplicate confirmation must not count anything twice.
	if err := s.MarkDelivered(ctx, retried.ID); err != nil {
		t.Fatalf("duplicate deliver: %v", err)
	}
	got, err = s.Get(ctx, retried.ID)
	if err != nil {
		t.Fatalf("get after duplicate: %v", err)
	}
	if got.Attempt != 2 {
		t.Fatalf("attempt after duplicate = %d, want 2", got.Attempt)
	}
}

func TestMarkDelivered_DuplicateEmitsNoEvent(t *testing.T) {
	dir := t.TempDir()
	b := bus.New()
	s, err := Open(filepath.Join(dir, "records.db"), filepath.Join(dir, "spool"), Options{}, b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	rec := putTestRecord(t, s)
	ctx := context.Background()
	if _, err := s.MarkUploading(ctx, rec.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	sub := b.Subscribe(bus.TopicRecordStateChanged)
	defer b.Unsubscribe(sub)

	if err := s.MarkDelivered(ctx, rec.ID); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := s.MarkDelivered(ctx, rec.ID); err != nil {
		t.Fatalf("duplicate deliver: %v", err)
	}

	delivered := 0
	for drained := false; !drained; {
		select {
		case ev := <-sub.Ch():
			payload, ok := ev.Payload.(bus.RecordStateChangedEvent)
			if !ok {
				t.Fatalf("unexpected payload type %T", ev.Payload)
			}
			if payload.NewState != string(StateDelivered) {
				continue
			}
			delivered++
			if payload.Attempt != 1 {
				t.Fatalf("delivered event attempt = %d, want 1", payload.Attempt)
			}
		default:
			drained = true
		}
	}
	if delivered != 1 {
		t.Fatalf("delivered events = %d, want exactly 1", delivered)
	}
}

func TestMarkDelivered_FromPendingIsConflict(t *testing.T) {
	s := openTestStore(t)
	rec := putTestRecord(t, s)

	if err := s.MarkDelivered(context.Background(), rec.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("deliver from PENDING = %v, want ErrConflict", err)
	}
}

func TestMarkFailed_SchedulesMonotonicBackoff(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "records.db"), "", Options{
		MaxAttempts: 10,
		BackoffBase: 30 * time.Second,
		BackoffCap:  30 * time.Minute,
	}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	rec := putTestRecord(t, s)
	ctx := context.Background()

	var prevDelay time.Duration
	for attempt := 1; attempt <= 8; attempt++ {
		if ok, err := s.MarkUploading(ctx, rec.ID); err != nil || !ok {
			t.Fatalf("claim attempt %d: (%v, %v)", attempt, ok, err)
		}
		before := time.Now().UTC()
		permanent, err := s.MarkFailed(ctx, rec.ID, ErrKindNetwork)
		if err != nil {
			t.Fatalf("fail attempt %d: %v", attempt, err)
		}
		if permanent {
			t.Fatalf("attempt %d marked permanent under max_attempts=10", attempt)
		}

		got, err := s.Get(ctx, rec.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Attempt != attempt {
			t.Fatalf("attempt = %d, want %d", got.Attempt, attempt)
		}
		if got.NextRetryAt == nil {
			t.Fatal("next_retry_at not set")
		}
		delay := got.NextRetryAt.Sub(before)
		if delay < prevDelay {
			t.Fatalf("backoff not monotonic: attempt %d delay %v < previous %v", attempt, delay, prevDelay)
		}
		if delay > 30*time.Minute+time.Second {
			t.Fatalf("backoff exceeds cap: %v", delay)
		}
		prevDelay = delay

		// Make the record immediately due again for the next round.
		if _, err := s.db.Exec(`UPDATE records SET next_retry_at = ? WHERE id = ?;`, time.Now().UTC().Add(-time.Second), rec.ID); err != nil {
			t.Fatalf("rewind retry: %v", err)
		}
	}
}

func TestMarkFailed_PermanentAtMaxAttempts(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "records.db"), "", Options{MaxAttempts: 2}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	rec := putTestRecord(t, s)
	ctx := context.Background()

	if _, err := s.MarkUploading(ctx, rec.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	permanent, err := s.MarkFailed(ctx, rec.ID, ErrKindTimeout)
	if err != nil || permanent {
		t.Fatalf("first failure = (%v, %v), want transient", permanent, err)
	}

	if _, err := s.db.Exec(`UPDATE records SET next_retry_at = ? WHERE id = ?;`, time.Now().UTC().Add(-time.Second), rec.ID); err != nil {
		t.Fatalf("rewind retry: %v", err)
	}
	if ok, err := s.MarkUploading(ctx, rec.ID); err != nil || !ok {
		t.Fatalf("reclaim: (%v, %v)", ok, err)
	}
	permanent, err = s.MarkFailed(ctx, rec.ID, ErrKindTimeout)
	if err != nil {
		t.Fatalf("second failure: %v", err)
	}
	if !permanent {
		t.Fatal("second failure should cross max_attempts=2")
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateFailedPermanent {
		t.Fatalf("state = %s, want FAILED_PERMANENT", got.State)
	}
	if got.NextRetryAt != nil {
		t.Fatal("permanent record still has next_retry_at")
	}
}

func TestQuarantineCorrupt(t *testing.T) {
	s := openTestStore(t)
	rec := putTestRecord(t, s)
	ctx := context.Background()

	if _, err := s.MarkUploading(ctx, rec.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.QuarantineCorrupt(ctx, rec.ID, "checksum mismatch on img_000.jpg"); err != nil {
		t.Fatalf("quarantine: %v", err)
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateFailedPermanent {
		t.Fatalf("state = %s, want FAILED_PERMANENT", got.State)
	}
	if got.LastErrorKind != ReasonCorruptRecord {
		t.Fatalf("last_error_kind = %s, want %s", got.LastErrorKind, ReasonCorruptRecord)
	}
}

func TestRecoverStalled_RestoresFailedWithoutBurningAttempt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	stalled := putTestRecord(t, s)
	fresh := putTestRecord(t, s)
	for _, rec := range []Record{stalled, fresh} {
		if ok, err := s.MarkUploading(ctx, rec.ID); err != nil || !ok {
			t.Fatalf("claim %s: (%v, %v)", rec.ID, ok, err)
		}
	}

	// Simulate a crash: one claim is far in the past.
	past := time.Now().UTC().Add(-time.Hour)
	if _, err := s.db.Exec(`UPDATE records SET uploading_since = ? WHERE id = ?;`, past, stalled.ID); err != nil {
		t.Fatalf("age claim: %v", err)
	}

	n, err := s.RecoverStalled(ctx, time.Now(), 10*time.Minute)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}

	got, err := s.Get(ctx, stalled.ID)
	if err != nil {
		t.Fatalf("get stalled: %v", err)
	}
	if got.State != StateFailed {
		t.Fatalf("stalled state = %s, want FAILED", got.State)
	}
	if got.Attempt != 0 {
		t.Fatalf("stall recovery burned an attempt: %d", got.Attempt)
	}
	if got.NextRetryAt == nil {
		t.Fatal("recovered record has no next_retry_at")
	}

	other, err := s.Get(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("get fresh: %v", err)
	}
	if other.State != StateUploading {
		t.Fatalf("fresh claim state = %s, want UPLOADING", other.State)
	}

	// Recovered records are immediately due again.
	due, err := s.ListDue(ctx, time.Now().Add(time.Second), 0)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 || due[0].ID != stalled.ID {
		t.Fatalf("due after recovery = %v, want just the stalled record", dueIDs(due))
	}
}

func TestListDue_FIFOAndRetryGating(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := putTestRecord(t, s)
	second := putTestRecord(t, s)
	third := putTestRecord(t, s)

	// Fail the first record so it carries a future next_retry_at.
	if _, err := s.MarkUploading(ctx, first.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.MarkFailed(ctx, first.ID, ErrKindNetwork); err != nil {
		t.Fatalf("fail: %v", err)
	}

	due, err := s.ListDue(ctx, time.Now(), 0)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 2 || due[0].ID != second.ID || due[1].ID != third.ID {
		t.Fatalf("due = %v, want [%s %s]", dueIDs(due), second.ID, third.ID)
	}

	// Once the backoff elapses the failed record drains first again.
	due, err = s.ListDue(ctx, time.Now().Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("list due after backoff: %v", err)
	}
	if len(due) != 3 || due[0].ID != first.ID {
		t.Fatalf("due after backoff = %v, want %s first", dueIDs(due), first.ID)
	}
}

func TestCompact_RemovesExpiredDeliveredAndOrphans(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := putTestRecord(t, s)
	recent := putTestRecord(t, s)
	pending := putTestRecord(t, s)

	for _, rec := range []Record{old, recent} {
		if _, err := s.MarkUploading(ctx, rec.ID); err != nil {
			t.Fatalf("claim: %v", err)
		}
		if err := s.MarkDelivered(ctx, rec.ID); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	past := time.Now().UTC().Add(-100 * time.Hour)
	if _, err := s.db.Exec(`UPDATE records SET delivered_at = ? WHERE id = ?;`, past, old.ID); err != nil {
		t.Fatalf("age delivery: %v", err)
	}

	// An orphan spool with no backing row, as left by a crash mid-insert,
	// aged past the grace window so the sweep may take it.
	orphanDir := filepath.Join(s.SpoolDir(), "deadbeef-0000")
	if err := os.MkdirAll(orphanDir, 0o755); err != nil {
		t.Fatalf("make orphan: %v", err)
	}
	if err := os.Chtimes(orphanDir, past, past); err != nil {
		t.Fatalf("age orphan: %v", err)
	}

	// A rowless spool inside the grace window could be an insert still in
	// flight and must survive the sweep.
	freshDir := filepath.Join(s.SpoolDir(), "deadbeef-0001")
	if err := os.MkdirAll(freshDir, 0o755); err != nil {
		t.Fatalf("make fresh spool: %v", err)
	}

	res, err := s.Compact(ctx, time.Now(), 72*time.Hour)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if res.RecordsDeleted != 1 {
		t.Fatalf("records deleted = %d, want 1", res.RecordsDeleted)
	}
	if res.OrphansSwept != 1 {
		t.Fatalf("orphans swept = %d, want 1", res.OrphansSwept)
	}

	if _, err := s.Get(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old record still present: %v", err)
	}
	if _, err := s.Get(ctx, recent.ID); err != nil {
		t.Fatalf("recent delivered record gone: %v", err)
	}
	if _, err := s.Get(ctx, pending.ID); err != nil {
		t.Fatalf("pending record gone: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(old.Images[0].Path)); !os.IsNotExist(err) {
		t.Fatal("old record spool not removed")
	}
	if _, err := os.Stat(orphanDir); !os.IsNotExist(err) {
		t.Fatal("orphan spool not removed")
	}
	if _, err := os.Stat(freshDir); err != nil {
		t.Fatalf("young rowless spool swept: %v", err)
	}
	if _, err := os.Stat(pending.Images[0].Path); err != nil {
		t.Fatalf("pending record blob removed: %v", err)
	}
}

func TestBackup_VacuumInto(t *testing.T) {
	s := openTestStore(t)
	putTestRecord(t, s)

	dest := filepath.Join(t.TempDir(), "backup", "records.db")
	if err := s.Backup(context.Background(), dest); err != nil {
		t.Fatalf("backup: %v", err)
	}
	info, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("stat backup: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("backup file is empty")
	}
	if err := s.Backup(context.Background(), dest); err == nil {
		t.Fatal("expected error overwriting existing backup")
	}
}

func TestKVRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if v, err := s.KVGet(ctx, "scheduler.anchor"); err != nil || v != "" {
		t.Fatalf("missing key = (%q, %v), want empty", v, err)
	}
	if err := s.KVSet(ctx, "scheduler.anchor", "2026-08-24T10:00:00Z"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.KVSet(ctx, "scheduler.anchor", "2026-08-24T10:30:00Z"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, err := s.KVGet(ctx, "scheduler.anchor")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "2026-08-24T10:30:00Z" {
		t.Fatalf("value = %q, want overwritten anchor", v)
	}
}

func TestSchemaReopenAndChecksumGuard(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "records.db")

	s, err := Open(path, "", Options{}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	putTestRecord(t, s)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen against the same checksum is fine.
	s, err = Open(path, "", Options{}, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := s.Counts(context.Background()); err != nil {
		t.Fatalf("counts after reopen: %v", err)
	}

	// A database from a newer build must be rejected, not migrated down.
	if _, err := s.db.Exec(`INSERT INTO schema_migrations (version, checksum) VALUES (99, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := Open(path, "", Options{}, nil); err == nil {
		t.Fatal("expected rejection of newer schema version")
	}
}

func dueIDs(recs []Record) []string {
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	return ids
}
