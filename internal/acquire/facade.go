package acquire

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// FacadeOptions tune the per-call deadlines and the fix staleness policy.
type FacadeOptions struct {
	ImageTimeout time.Duration
	FixTimeout   time.Duration
	FixStaleness time.Duration
}

func (o *FacadeOptions) normalize() {
	if o.ImageTimeout <= 0 {
		o.ImageTimeout = 15 * time.Second
	}
	if o.FixTimeout <= 0 {
		o.FixTimeout = 30 * time.Second
	}
	if o.FixStaleness <= 0 {
		o.FixStaleness = 5 * time.Minute
	}
}

// FixReport is a fix plus its age at report time. A fresh read has age zero.
type FixReport struct {
	Fix        Fix
	AgeSeconds float64
}

// Facade is the single acquisition entry point for the scheduler. It holds
// the last known fix so short GNSS outages degrade to a stale-but-recent
// position instead of losing location entirely.
type Facade struct {
	camera CameraProvider
	gps    GPSProvider
	opts   FacadeOptions
	logger *slog.Logger

	mu        sync.Mutex
	lastFix   Fix
	lastFixAt time.Time
	hasFix    bool
}

// NewFacade wires the providers. Either provider may be nil; the matching
// acquisition then reports DEVICE_UNAVAILABLE.
func NewFacade(camera CameraProvider, gps GPSProvider, opts FacadeOptions, logger *slog.Logger) *Facade {
	opts.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{camera: camera, gps: gps, opts: opts, logger: logger}
}

// CaptureImage takes one still image, bounded by the image timeout.
func (f *Facade) CaptureImage(ctx context.Context) ([]byte, error) {
	if f.camera == nil {
		return nil, &AcquisitionError{Kind: KindDeviceUnavailable, Op: "capture_image"}
	}
	return callDetached(ctx, f.opts.ImageTimeout, "capture_image", f.camera.CaptureImage)
}

// AcquireFix reads the current position. On GNSS failure it falls back to
// the last known fix if that fix is still within the staleness threshold;
// otherwise it returns (nil, err) and the cycle proceeds without location.
func (f *Facade) AcquireFix(ctx context.Context, now time.Time) (*FixReport, error) {
	if f.gps == nil {
		return f.fallbackFix(now, &AcquisitionError{Kind: KindDeviceUnavailable, Op: "read_fix"})
	}

	fix, err := callDetached(ctx, f.opts.FixTimeout, "read_fix", f.gps.ReadFix)
	if err != nil {
		return f.fallbackFix(now, err)
	}
	if fix.Timestamp.IsZero() {
		fix.Timestamp = now
	}

	f.mu.Lock()
	f.lastFix = fix
	f.lastFixAt = now
	f.hasFix = true
	f.mu.Unlock()

	return &FixReport{Fix: fix, AgeSeconds: now.Sub(fix.Timestamp).Seconds()}, nil
}

func (f *Facade) fallbackFix(now time.Time, cause error) (*FixReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.hasFix {
		return nil, cause
	}
	age := now.Sub(f.lastFixAt)
	if age > f.opts.FixStaleness {
		// A fix this old is worse than none: do not attach it.
		return nil, cause
	}
	f.logger.Warn("gnss read failed, using last known fix",
		"age_seconds", age.Seconds(), "error", cause.Error())
	return &FixReport{Fix: f.lastFix, AgeSeconds: age.Seconds()}, nil
}

// LastFix returns the last known fix and its acquisition time, if any.
func (f *Facade) LastFix() (Fix, time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastFix, f.lastFixAt, f.hasFix
}
