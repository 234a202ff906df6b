package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// LocalEndpoint writes payloads into a directory, one JSON file per request
// id. It stands in for a real collector on the bench and doubles as a
// dead-simple export path. Idempotent by construction: a replayed upload
// finds its file already present and confirms immediately.
type LocalEndpoint struct {
	Dir string
}

func NewLocalEndpoint(dir string) *LocalEndpoint {
	return &LocalEndpoint{Dir: dir}
}

func (e *LocalEndpoint) Name() string { return "local" }

func (e *LocalEndpoint) Upload(ctx context.Context, p Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(e.Dir, 0o755); err != nil {
		return fmt.Errorf("create destination dir: %w", err)
	}

	dest := filepath.Join(e.Dir, p.RequestID+".json")
	if _, err := os.Stat(dest); err == nil {
		return nil
	}

	body, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := atomic.WriteFile(dest, bytes.NewReader(body)); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}
