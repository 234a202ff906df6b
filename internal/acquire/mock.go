package acquire

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// FileCamera is a bench camera that serves a fixed image file. It stands in
// for hardware on development hosts and in tests.
type FileCamera struct {
	Path  string
	Delay time.Duration
}

func (c *FileCamera) Name() string { return "file-camera" }

func (c *FileCamera) CaptureImage(ctx context.Context) ([]byte, error) {
	if c.Delay > 0 {
		select {
		case <-time.After(c.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, &AcquisitionError{Kind: KindDeviceUnavailable, Op: "capture_image", Err: err}
	}
	if len(data) == 0 {
		return nil, &AcquisitionError{Kind: KindIOError, Op: "capture_image",
			Err: fmt.Errorf("image file %s is empty", c.Path)}
	}
	return data, nil
}

// RotatingCamera cycles through a set of file cameras, one per capture, so
// multi-image cycles on the bench produce distinct frames.
type RotatingCamera struct {
	cams []CameraProvider

	mu  sync.Mutex
	idx int
}

func NewRotatingCamera(paths []string) *RotatingCamera {
	cams := make([]CameraProvider, 0, len(paths))
	for _, p := range paths {
		cams = append(cams, &FileCamera{Path: p})
	}
	return &RotatingCamera{cams: cams}
}

func (r *RotatingCamera) Name() string { return "rotating-camera" }

func (r *RotatingCamera) CaptureImage(ctx context.Context) ([]byte, error) {
	if len(r.cams) == 0 {
		return nil, &AcquisitionError{Kind: KindDeviceUnavailable, Op: "capture_image"}
	}
	r.mu.Lock()
	cam := r.cams[r.idx%len(r.cams)]
	r.idx++
	r.mu.Unlock()
	return cam.CaptureImage(ctx)
}

// MockGNSS is a bench GNSS receiver that reports a fixed position after an
// optional delay, or a configured error.
type MockGNSS struct {
	Fix   Fix
	Delay time.Duration
	Err   error
}

func (g *MockGNSS) Name() string { return "mock-gnss" }

func (g *MockGNSS) ReadFix(ctx context.Context) (Fix, error) {
	if g.Delay > 0 {
		select {
		case <-time.After(g.Delay):
		case <-ctx.Done():
			return Fix{}, ctx.Err()
		}
	}
	if g.Err != nil {
		return Fix{}, g.Err
	}
	fix := g.Fix
	if fix.Timestamp.IsZero() {
		fix.Timestamp = time.Now().UTC()
	}
	return fix, nil
}
