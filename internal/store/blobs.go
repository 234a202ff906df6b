package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// spoolImages writes image blobs to the spool directory before the record
// row exists. Each blob lands atomically (temp file + rename) so a crash
// mid-write never leaves a partial file behind a committed checksum.
func (s *Store) spoolImages(recordID string, images []NewImage) ([]ImageRef, error) {
	dir := filepath.Join(s.spoolDir, recordID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	refs := make([]ImageRef, 0, len(images))
	for i, img := range images {
		name := fmt.Sprintf("img_%03d.jpg", i)
		path := filepath.Join(dir, name)
		if err := atomic.WriteFile(path, bytes.NewReader(img.Data)); err != nil {
			s.removeSpooled(recordID)
			return nil, fmt.Errorf("write blob %s: %w", name, err)
		}
		sum := sha256.Sum256(img.Data)
		refs = append(refs, ImageRef{
			Seq:       i,
			Path:      path,
			SHA256:    hex.EncodeToString(sum[:]),
			OffsetMS:  img.OffsetMS,
			SizeBytes: int64(len(img.Data)),
		})
	}
	return refs, nil
}

// ReadBlob loads an image blob and verifies it against the stored checksum.
// A mismatch or a missing file returns ErrCorruptRecord so the caller can
// quarantine rather than upload garbage.
func (s *Store) ReadBlob(ref ImageRef) ([]byte, error) {
	data, err := os.ReadFile(ref.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrCorruptRecord, filepath.Base(ref.Path), err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != ref.SHA256 {
		return nil, fmt.Errorf("%w: checksum mismatch for %s", ErrCorruptRecord, filepath.Base(ref.Path))
	}
	return data, nil
}

// removeSpooled deletes a record's spool directory. Best effort: compaction
// sweeps orphans later.
func (s *Store) removeSpooled(recordID string) {
	_ = os.RemoveAll(filepath.Join(s.spoolDir, recordID))
}
