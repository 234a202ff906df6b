// Package store is the durable capture record store. It owns the record
// lifecycle: the scheduler only creates records, the sync engine only
// transitions delivery state, and every mutation goes through a legality
// check against the transition graph.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/outfield/companion/internal/bus"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "companion-v1-2026-08-capture-records"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// Sentinel errors for callers that branch on store outcomes.
var (
	ErrNotFound      = errors.New("record not found")
	ErrConflict      = errors.New("record state conflict")
	ErrCorruptRecord = errors.New("corrupt record")
)

// RecordState is the delivery state of a capture record.
type RecordState string

const (
	StatePending         RecordState = "PENDING"
	StateUploading       RecordState = "UPLOADING"
	StateDelivered       RecordState = "DELIVERED"
	StateFailed          RecordState = "FAILED"
	StateFailedPermanent RecordState = "FAILED_PERMANENT"
)

// allowedTransitions is the record state machine. DELIVERED and
// FAILED_PERMANENT are terminal. UPLOADING -> FAILED covers both a failed
// attempt and stall recovery after a crash mid-upload.
var allowedTransitions = map[RecordState]map[RecordState]struct{}{
	StatePending: {
		StateUploading: {},
	},
	StateUploading: {
		StateDelivered:       {},
		StateFailed:          {},
		StateFailedPermanent: {},
	},
	StateFailed: {
		StateUploading:       {},
		StateFailedPermanent: {},
	},
}

// Upload error kinds persisted on failed records.
const (
	ErrKindTimeout  = "TIMEOUT"
	ErrKindNetwork  = "NETWORK_ERROR"
	ErrKindRejected = "REJECTED"
)

// Deterministic reason codes for terminal and recovery transitions.
const (
	ReasonMaxAttempts    = "MAX_ATTEMPTS_EXCEEDED"
	ReasonCorruptRecord  = "CORRUPT_RECORD"
	ReasonStallRecovered = "STALL_RECOVERED"
)

// Fix is the location snapshot persisted with a record.
type Fix struct {
	Lat           float64 `json:"lat"`
	Lon           float64 `json:"lon"`
	AltitudeM     float64 `json:"altitude_m"`
	AccuracyM     float64 `json:"accuracy_m"`
	FixAgeSeconds float64 `json:"fix_age_seconds"`
}

// ImageRef is one image blob reference inside a record. The set is fixed at
// creation and never mutates.
type ImageRef struct {
	Seq       int    `json:"seq"`
	Path      string `json:"path"`
	SHA256    string `json:"sha256"`
	OffsetMS  int64  `json:"offset_ms"`
	SizeBytes int64  `json:"size_bytes"`
}

// Record is one committed observation cycle.
type Record struct {
	ID             string      `json:"id"`
	CreatedSeq     int64       `json:"created_seq"`
	CapturedAt     time.Time   `json:"captured_at"`
	Location       *Fix        `json:"location,omitempty"`
	Images         []ImageRef  `json:"images"`
	State          RecordState `json:"state"`
	Attempt        int         `json:"attempt"`
	MaxAttempts    int         `json:"max_attempts"`
	LastErrorKind  string      `json:"last_error_kind,omitempty"`
	NextRetryAt    *time.Time  `json:"next_retry_at,omitempty"`
	UploadingSince *time.Time  `json:"uploading_since,omitempty"`
	DeliveredAt    *time.Time  `json:"delivered_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Options tune the retry state machine. Zero values fall back to defaults
// matching the shipped config.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (o *Options) normalize() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 30 * time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Minute
	}
}

// Store is the sqlite-backed capture record store plus its image spool.
type Store struct {
	db       *sql.DB
	spoolDir string
	opts     Options
	bus      *bus.Bus // may be nil in tests
}

// Open opens (or creates) the record database at path and the image spool
// directory next to it.
func Open(path string, spoolDir string, opts Options, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path required")
	}
	if spoolDir == "" {
		spoolDir = filepath.Join(filepath.Dir(path), "spool")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	opts.normalize()
	store := &Store{db: db, spoolDir: spoolDir, opts: opts, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// SpoolDir returns the image spool directory.
func (s *Store) SpoolDir() string {
	return s.spoolDir
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS records (
			created_seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			captured_at DATETIME NOT NULL,
			lat REAL,
			lon REAL,
			altitude_m REAL,
			accuracy_m REAL,
			fix_age_seconds REAL,
			state TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			last_error_kind TEXT,
			next_retry_at DATETIME,
			uploading_since DATETIME,
			delivered_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_records_state ON records(state, next_retry_at);

		CREATE TABLE IF NOT EXISTS record_images (
			record_id TEXT NOT NULL REFERENCES records(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			path TEXT NOT NULL,
			sha256 TEXT NOT NULL,
			offset_ms INTEGER NOT NULL DEFAULT 0,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (record_id, seq)
		);

		CREATE TABLE IF NOT EXISTS record_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			record_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS kv_store (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema v1: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionV1, schemaChecksumV1); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// transitionRecordTx applies a guarded state transition inside tx. Returns
// false when the record is not currently in one of fromStates (lost CAS race
// or illegal transition), without error.
func (s *Store) transitionRecordTx(ctx context.Context, tx *sql.Tx, id string, fromStates []RecordState, to RecordState, eventType, detail string) (bool, error) {
	var current RecordState
	err := tx.QueryRowContext(ctx, `SELECT state FROM records WHERE id = ?;`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read record state: %w", err)
	}

	legal := false
	for _, from := range fromStates {
		if current != from {
			continue
		}
		if _, ok := allowedTransitions[from][to]; ok {
			legal = true
		}
		break
	}
	if !legal {
		return false, nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE records
		SET state = ?, updated_at = ?
		WHERE id = ? AND state = ?;
	`, to, time.Now().UTC(), id, current)
	if err != nil {
		return false, fmt.Errorf("update record state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if n != 1 {
		return false, nil
	}
	if err := s.appendRecordEventTx(ctx, tx, id, eventType, current, to, detail); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) appendRecordEventTx(ctx context.Context, tx *sql.Tx, id, eventType string, from, to RecordState, detail string) error {
	if detail == "" {
		detail = "{}"
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO record_events (record_id, event_type, state_from, state_to, detail)
		VALUES (?, ?, ?, ?, ?);
	`, id, eventType, string(from), string(to), detail); err != nil {
		return fmt.Errorf("append record event: %w", err)
	}
	return nil
}

func (s *Store) publishStateChange(id string, from, to RecordState, attempt int) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicRecordStateChanged, bus.RecordStateChangedEvent{
		RecordID: id,
		OldState: string(from),
		NewState: string(to),
		Attempt:  attempt,
	})
}

// backoffDelay computes the retry delay for the given attempt count:
// base * 2^(attempt-1), capped. Deterministic so next_retry_at is strictly
// increasing with attempt up to the cap.
func (s *Store) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := s.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.opts.BackoffCap {
			return s.opts.BackoffCap
		}
	}
	if delay > s.opts.BackoffCap {
		delay = s.opts.BackoffCap
	}
	return delay
}
