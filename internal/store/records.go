package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/outfield/companion/internal/bus"
)

// NewImage is one acquired image handed to PutNew. Data is spooled to disk
// by the store; callers never manage blob files.
type NewImage struct {
	Data     []byte
	OffsetMS int64
}

// NewRecord is the input to PutNew. Callers never pre-supply an id.
type NewRecord struct {
	CapturedAt time.Time
	Location   *Fix
	Images     []NewImage
}

// PutNew atomically assigns an id and created_seq, spools the image blobs
// and persists the record as PENDING. A record with zero images is not
// meaningful and is rejected.
func (s *Store) PutNew(ctx context.Context, in NewRecord) (Record, error) {
	if len(in.Images) == 0 {
		return Record{}, fmt.Errorf("record requires at least one image")
	}
	id := uuid.NewString()

	refs, err := s.spoolImages(id, in.Images)
	if err != nil {
		return Record{}, fmt.Errorf("spool images: %w", err)
	}

	var seq int64
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin put tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC()
		var lat, lon, alt, acc, age any
		if in.Location != nil {
			lat, lon = in.Location.Lat, in.Location.Lon
			alt, acc = in.Location.AltitudeM, in.Location.AccuracyM
			age = in.Location.FixAgeSeconds
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO records (
				id, captured_at, lat, lon, altitude_m, accuracy_m, fix_age_seconds,
				state, attempt, max_attempts, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?);
		`, id, in.CapturedAt.UTC(), lat, lon, alt, acc, age,
			StatePending, s.opts.MaxAttempts, now, now)
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		seq, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("read created_seq: %w", err)
		}
		for _, ref := range refs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO record_images (record_id, seq, path, sha256, offset_ms, size_bytes)
				VALUES (?, ?, ?, ?, ?, ?);
			`, id, ref.Seq, ref.Path, ref.SHA256, ref.OffsetMS, ref.SizeBytes); err != nil {
				return fmt.Errorf("insert image ref: %w", err)
			}
		}
		if err := s.appendRecordEventTx(ctx, tx, id, "record.created", "", StatePending, `{"reason":"capture_cycle"}`); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		// The row never committed; reclaim the spooled blobs.
		s.removeSpooled(id)
		return Record{}, err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicRecordCreated, bus.RecordCreatedEvent{
			RecordID:   id,
			CreatedSeq: seq,
			ImageCount: len(refs),
			HasFix:     in.Location != nil,
		})
	}
	return s.Get(ctx, id)
}

// Get returns the record by id, including its image refs.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	err := scanRecord(s.db.QueryRowContext(ctx, selectRecordSQL+` WHERE id = ?;`, id).Scan, &rec)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	images, err := s.imageRefs(ctx, id)
	if err != nil {
		return Record{}, err
	}
	rec.Images = images
	return rec, nil
}

// ListDue returns records eligible for (re)delivery: PENDING, plus FAILED
// whose next_retry_at has elapsed. FIFO by created_seq so the oldest record
// bounds worst-case staleness. limit <= 0 means no limit.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectRecordSQL+`
		WHERE state = ? OR (state = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?)
		ORDER BY created_seq ASC
		LIMIT ?;
	`, StatePending, StateFailed, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list due records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := scanRecord(rows.Scan, &rec); err != nil {
			return nil, fmt.Errorf("scan due record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("due record rows: %w", err)
	}
	for i := range out {
		images, err := s.imageRefs(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Images = images
	}
	return out, nil
}

// MarkUploading claims a record for delivery: PENDING|FAILED -> UPLOADING.
// Returns false when another pass already owns it (lost compare-and-swap).
// This is the sole synchronization primitive between the drain loop and the
// stall-recovery sweep.
func (s *Store) MarkUploading(ctx context.Context, id string) (bool, error) {
	var claimed bool
	var prev RecordState
	var attempt int
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `SELECT state, attempt FROM records WHERE id = ?;`, id).Scan(&prev, &attempt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read record for claim: %w", err)
		}

		ok, err := s.transitionRecordTx(ctx, tx, id,
			[]RecordState{StatePending, StateFailed}, StateUploading,
			"record.uploading", `{"reason":"drain_claim"}`)
		if err != nil {
			return err
		}
		if !ok {
			claimed = false
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE records SET uploading_since = ? WHERE id = ? AND state = ?;
		`, time.Now().UTC(), id, StateUploading); err != nil {
			return fmt.Errorf("set uploading_since: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if claimed {
		s.publishStateChange(id, prev, StateUploading, attempt)
	}
	return claimed, nil
}

// MarkDelivered records delivery confirmation: UPLOADING -> DELIVERED. The
// confirmed attempt is counted, so a record that delivers on its first try
// ends with attempt 1 and one that failed once first ends with attempt 2.
// Idempotent when the record is already DELIVERED; a late duplicate
// confirmation changes nothing and emits no event.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	var attempt int
	var duplicate bool
	err := retryOnBusy(ctx, 5, func() error {
		duplicate = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin deliver tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current RecordState
		if err := tx.QueryRowContext(ctx, `SELECT state, attempt FROM records WHERE id = ?;`, id).Scan(&current, &attempt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read record for delivery: %w", err)
		}
		if current == StateDelivered {
			duplicate = true
			return tx.Commit()
		}

		ok, err := s.transitionRecordTx(ctx, tx, id,
			[]RecordState{StateUploading}, StateDelivered,
			"record.delivered", `{"reason":"endpoint_confirmed"}`)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: cannot deliver from state %s", ErrConflict, current)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE records
			SET delivered_at = ?, attempt = attempt + 1, uploading_since = NULL, next_retry_at = NULL
			WHERE id = ? AND state = ?;
		`, time.Now().UTC(), id, StateDelivered); err != nil {
			return fmt.Errorf("set delivered_at: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	if duplicate {
		return nil
	}
	s.publishStateChange(id, StateUploading, StateDelivered, attempt+1)
	return nil
}

// MarkFailed records a failed delivery attempt: UPLOADING -> FAILED with
// attempt incremented and next_retry_at set by exponential backoff. Crossing
// the max-attempt ceiling moves the record to FAILED_PERMANENT instead,
// surfaced for manual inspection rather than retried forever.
func (s *Store) MarkFailed(ctx context.Context, id, errKind string) (permanent bool, err error) {
	var nextAttempt int
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var attempt, maxAttempts int
		if err := tx.QueryRowContext(ctx, `
			SELECT attempt, max_attempts FROM records WHERE id = ? AND state = ?;
		`, id, StateUploading).Scan(&attempt, &maxAttempts); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrConflict
			}
			return fmt.Errorf("read record for failure: %w", err)
		}
		nextAttempt = attempt + 1

		if nextAttempt >= maxAttempts {
			ok, err := s.transitionRecordTx(ctx, tx, id,
				[]RecordState{StateUploading}, StateFailedPermanent,
				"record.failed_permanent",
				fmt.Sprintf(`{"reason_code":%q,"error_kind":%q,"attempt":%d}`, ReasonMaxAttempts, errKind, nextAttempt))
			if err != nil {
				return err
			}
			if !ok {
				return ErrConflict
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE records
				SET attempt = ?, last_error_kind = ?, next_retry_at = NULL, uploading_since = NULL, updated_at = ?
				WHERE id = ? AND state = ?;
			`, nextAttempt, errKind, time.Now().UTC(), id, StateFailedPermanent); err != nil {
				return fmt.Errorf("update permanent failure metadata: %w", err)
			}
			permanent = true
			return tx.Commit()
		}

		ok, err := s.transitionRecordTx(ctx, tx, id,
			[]RecordState{StateUploading}, StateFailed,
			"record.failed",
			fmt.Sprintf(`{"error_kind":%q,"attempt":%d}`, errKind, nextAttempt))
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}
		nextRetryAt := time.Now().UTC().Add(s.backoffDelay(nextAttempt))
		if _, err := tx.ExecContext(ctx, `
			UPDATE records
			SET attempt = ?, last_error_kind = ?, next_retry_at = ?, uploading_since = NULL, updated_at = ?
			WHERE id = ? AND state = ?;
		`, nextAttempt, errKind, nextRetryAt, time.Now().UTC(), id, StateFailed); err != nil {
			return fmt.Errorf("update failure metadata: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return false, err
	}
	to := StateFailed
	if permanent {
		to = StateFailedPermanent
	}
	s.publishStateChange(id, StateUploading, to, nextAttempt)
	return permanent, nil
}

// QuarantineCorrupt isolates a record whose stored blobs no longer match
// their checksums: it goes to FAILED_PERMANENT without aborting the store
// or the drain pass.
func (s *Store) QuarantineCorrupt(ctx context.Context, id, detail string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin quarantine tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err := s.transitionRecordTx(ctx, tx, id,
			[]RecordState{StateUploading, StateFailed}, StateFailedPermanent,
			"record.quarantined",
			fmt.Sprintf(`{"reason_code":%q,"detail":%q}`, ReasonCorruptRecord, detail))
		if err != nil {
			return err
		}
		if !ok {
			return ErrConflict
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE records
			SET last_error_kind = ?, next_retry_at = NULL, uploading_since = NULL, updated_at = ?
			WHERE id = ? AND state = ?;
		`, ReasonCorruptRecord, time.Now().UTC(), id, StateFailedPermanent); err != nil {
			return fmt.Errorf("update quarantine metadata: %w", err)
		}
		return tx.Commit()
	})
}

// RecoverStalled reclaims records stuck UPLOADING longer than stallTimeout
// (crash or lost connectivity mid-upload): they return to FAILED with
// attempt unchanged and become immediately retryable. Runs at startup and
// before each drain pass.
func (s *Store) RecoverStalled(ctx context.Context, now time.Time, stallTimeout time.Duration) (int64, error) {
	cutoff := now.UTC().Add(-stallTimeout)

	var recovered int64
	err := retryOnBusy(ctx, 5, func() error {
		recovered = 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin recover tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM records
			WHERE state = ? AND uploading_since IS NOT NULL AND uploading_since <= ?;
		`, StateUploading, cutoff)
		if err != nil {
			return fmt.Errorf("query stalled records: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan stalled record: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate stalled records: %w", err)
		}
		rows.Close()

		for _, id := range ids {
			ok, err := s.transitionRecordTx(ctx, tx, id,
				[]RecordState{StateUploading}, StateFailed,
				"record.stall_recovered",
				fmt.Sprintf(`{"reason_code":%q}`, ReasonStallRecovered))
			if err != nil {
				return fmt.Errorf("recover stalled transition: %w", err)
			}
			if !ok {
				continue
			}
			// Attempt count is deliberately unchanged: the upload outcome
			// is unknown, so this does not consume a retry budget slot.
			if _, err := tx.ExecContext(ctx, `
				UPDATE records
				SET uploading_since = NULL, next_retry_at = ?, updated_at = ?
				WHERE id = ? AND state = ?;
			`, now.UTC(), time.Now().UTC(), id, StateFailed); err != nil {
				return fmt.Errorf("clear stalled metadata: %w", err)
			}
			recovered++
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return recovered, nil
}

// Counts returns per-state record counts.
func (s *Store) Counts(ctx context.Context) (map[RecordState]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM records GROUP BY state;`)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()

	out := make(map[RecordState]int)
	for rows.Next() {
		var state RecordState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan record count: %w", err)
		}
		out[state] = n
	}
	return out, rows.Err()
}

// QueueDepth returns the number of records awaiting delivery (PENDING,
// FAILED or in-flight UPLOADING).
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var depth int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM records WHERE state IN (?, ?, ?);
	`, StatePending, StateFailed, StateUploading).Scan(&depth); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

// KVSet stores a durable scalar (scheduler anchor, bookkeeping).
func (s *Store) KVSet(ctx context.Context, key, val string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
	`, key, val)
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// KVGet retrieves a value from kv_store. Returns empty string if absent.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?;`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("kv get: %w", err)
	}
	return val, nil
}

const selectRecordSQL = `
	SELECT created_seq, id, captured_at, lat, lon, altitude_m, accuracy_m, fix_age_seconds,
		state, attempt, max_attempts, COALESCE(last_error_kind, ''),
		next_retry_at, uploading_since, delivered_at, created_at, updated_at
	FROM records`

func scanRecord(scan func(...any) error, rec *Record) error {
	var (
		lat, lon, alt, acc, age         sql.NullFloat64
		nextRetry, uploading, delivered sql.NullTime
	)
	if err := scan(
		&rec.CreatedSeq,
		&rec.ID,
		&rec.CapturedAt,
		&lat, &lon, &alt, &acc, &age,
		&rec.State,
		&rec.Attempt,
		&rec.MaxAttempts,
		&rec.LastErrorKind,
		&nextRetry,
		&uploading,
		&delivered,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return err
	}
	if lat.Valid && lon.Valid {
		rec.Location = &Fix{
			Lat:           lat.Float64,
			Lon:           lon.Float64,
			AltitudeM:     alt.Float64,
			AccuracyM:     acc.Float64,
			FixAgeSeconds: age.Float64,
		}
	}
	if nextRetry.Valid {
		t := nextRetry.Time
		rec.NextRetryAt = &t
	}
	if uploading.Valid {
		t := uploading.Time
		rec.UploadingSince = &t
	}
	if delivered.Valid {
		t := delivered.Time
		rec.DeliveredAt = &t
	}
	return nil
}

func (s *Store) imageRefs(ctx context.Context, recordID string) ([]ImageRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, path, sha256, offset_ms, size_bytes
		FROM record_images
		WHERE record_id = ?
		ORDER BY seq ASC;
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("query image refs: %w", err)
	}
	defer rows.Close()

	var out []ImageRef
	for rows.Next() {
		var ref ImageRef
		if err := rows.Scan(&ref.Seq, &ref.Path, &ref.SHA256, &ref.OffsetMS, &ref.SizeBytes); err != nil {
			return nil, fmt.Errorf("scan image ref: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}
