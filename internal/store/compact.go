package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// CompactResult summarizes one compaction pass.
type CompactResult struct {
	RecordsDeleted int64
	SpoolsRemoved  int
	OrphansSwept   int
}

// Compact deletes DELIVERED records whose confirmation is older than grace,
// along with their spooled blobs, then sweeps spool directories older than
// grace that no longer have a backing row. DELIVERED records inside the
// grace window stay on disk so an operator can still inspect what recently
// shipped.
func (s *Store) Compact(ctx context.Context, now time.Time, grace time.Duration) (CompactResult, error) {
	cutoff := now.UTC().Add(-grace)
	var res CompactResult

	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM records
		WHERE state = ? AND delivered_at IS NOT NULL AND delivered_at <= ?;
	`, StateDelivered, cutoff)
	if err != nil {
		return res, fmt.Errorf("query compactable records: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return res, fmt.Errorf("scan compactable record: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return res, fmt.Errorf("iterate compactable records: %w", err)
	}
	rows.Close()

	for _, id := range ids {
		err := retryOnBusy(ctx, 5, func() error {
			// record_images rows go with the record via ON DELETE CASCADE.
			_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ? AND state = ?;`, id, StateDelivered)
			return err
		})
		if err != nil {
			return res, fmt.Errorf("delete record %s: %w", id, err)
		}
		res.RecordsDeleted++
		s.removeSpooled(id)
		res.SpoolsRemoved++
	}

	swept, err := s.sweepOrphanSpools(ctx, cutoff)
	if err != nil {
		return res, err
	}
	res.OrphansSwept = swept
	return res, nil
}

// sweepOrphanSpools removes spool directories whose record row no longer
// exists. These appear when a crash lands between blob spooling and the
// record insert commit. Directories modified after cutoff are left alone:
// blobs are spooled before their row commits, so a young rowless directory
// may belong to an insert still in flight.
func (s *Store) sweepOrphanSpools(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(s.spoolDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read spool dir: %w", err)
	}

	swept := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		var n int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM records WHERE id = ?;`, e.Name()).Scan(&n); err != nil {
			return swept, fmt.Errorf("check spool owner: %w", err)
		}
		if n > 0 {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.spoolDir, e.Name())); err != nil {
			return swept, fmt.Errorf("remove orphan spool %s: %w", e.Name(), err)
		}
		swept++
	}
	return swept, nil
}

// Backup writes a consistent snapshot of the database to destPath using
// VACUUM INTO. The destination must not already exist.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("vacuum into backup: %w", err)
	}
	return nil
}
