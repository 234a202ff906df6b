package acquire

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type stuckCamera struct{}

func (stuckCamera) Name() string { return "stuck" }
func (stuckCamera) CaptureImage(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func writeTestImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "frame.jpg")
	if err := os.WriteFile(path, []byte{0xff, 0xd8, 0xff, 0xe0}, 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}
	return path
}

func TestCaptureImage_FileCamera(t *testing.T) {
	f := NewFacade(&FileCamera{Path: writeTestImage(t)}, nil, FacadeOptions{}, nil)
	data, err := f.CaptureImage(context.Background())
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if len(data) != 4 {
		t.Fatalf("image size = %d, want 4", len(data))
	}
}

func TestCaptureImage_TimeoutDoesNotBlock(t *testing.T) {
	f := NewFacade(stuckCamera{}, nil, FacadeOptions{ImageTimeout: 50 * time.Millisecond}, nil)

	start := time.Now()
	_, err := f.CaptureImage(context.Background())
	if !IsTimeout(err) {
		t.Fatalf("error = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took %v, facade blocked on a wedged driver", elapsed)
	}
}

func TestCaptureImage_NoProvider(t *testing.T) {
	f := NewFacade(nil, nil, FacadeOptions{}, nil)
	_, err := f.CaptureImage(context.Background())
	var ae *AcquisitionError
	if !errors.As(err, &ae) || ae.Kind != KindDeviceUnavailable {
		t.Fatalf("error = %v, want DEVICE_UNAVAILABLE", err)
	}
}

func TestCaptureImage_MissingFile(t *testing.T) {
	f := NewFacade(&FileCamera{Path: "/nonexistent/frame.jpg"}, nil, FacadeOptions{}, nil)
	_, err := f.CaptureImage(context.Background())
	var ae *AcquisitionError
	if !errors.As(err, &ae) || ae.Kind != KindDeviceUnavailable {
		t.Fatalf("error = %v, want DEVICE_UNAVAILABLE", err)
	}
}

func TestAcquireFix_FreshRead(t *testing.T) {
	gps := &MockGNSS{Fix: Fix{Lat: 47.37, Lon: 8.54, AccuracyM: 4}}
	f := NewFacade(nil, gps, FacadeOptions{}, nil)

	rep, err := f.AcquireFix(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("acquire fix: %v", err)
	}
	if rep == nil || rep.Fix.Lat != 47.37 {
		t.Fatalf("fix = %+v, want configured position", rep)
	}
}

func TestAcquireFix_FallsBackToRecentFix(t *testing.T) {
	gps := &MockGNSS{Fix: Fix{Lat: 47.37, Lon: 8.54}}
	f := NewFacade(nil, gps, FacadeOptions{FixStaleness: 5 * time.Minute}, nil)

	now := time.Now()
	if _, err := f.AcquireFix(context.Background(), now); err != nil {
		t.Fatalf("seed fix: %v", err)
	}

	gps.Err = errors.New("no satellites")
	rep, err := f.AcquireFix(context.Background(), now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("fallback fix: %v", err)
	}
	if rep == nil {
		t.Fatal("expected last known fix within staleness window")
	}
	if rep.AgeSeconds < 110 || rep.AgeSeconds > 130 {
		t.Fatalf("age = %v, want ~120s", rep.AgeSeconds)
	}
}

func TestAcquireFix_StaleFixDropped(t *testing.T) {
	gps := &MockGNSS{Fix: Fix{Lat: 47.37, Lon: 8.54}}
	f := NewFacade(nil, gps, FacadeOptions{FixStaleness: 5 * time.Minute}, nil)

	now := time.Now()
	if _, err := f.AcquireFix(context.Background(), now); err != nil {
		t.Fatalf("seed fix: %v", err)
	}

	gps.Err = errors.New("no satellites")
	rep, err := f.AcquireFix(context.Background(), now.Add(10*time.Minute))
	if err == nil {
		t.Fatal("expected error when fix is past staleness threshold")
	}
	if rep != nil {
		t.Fatalf("got stale fix %+v, want none", rep)
	}
}

func TestAcquireFix_TimeoutNoHistory(t *testing.T) {
	gps := &MockGNSS{Fix: Fix{Lat: 1}, Delay: time.Second}
	f := NewFacade(nil, gps, FacadeOptions{FixTimeout: 50 * time.Millisecond}, nil)

	rep, err := f.AcquireFix(context.Background(), time.Now())
	if !IsTimeout(err) {
		t.Fatalf("error = %v, want timeout", err)
	}
	if rep != nil {
		t.Fatalf("got fix %+v with no history, want none", rep)
	}
}
