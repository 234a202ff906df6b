// Package acquire wraps camera and GNSS providers behind hard timeouts so a
// wedged sensor driver never blocks the capture scheduler.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies acquisition failures.
type ErrorKind string

const (
	KindTimeout           ErrorKind = "TIMEOUT"
	KindDeviceUnavailable ErrorKind = "DEVICE_UNAVAILABLE"
	KindIOError           ErrorKind = "IO_ERROR"
)

// AcquisitionError is the single error type sensors surface to callers.
type AcquisitionError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *AcquisitionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is an acquisition timeout.
func IsTimeout(err error) bool {
	var ae *AcquisitionError
	return errors.As(err, &ae) && ae.Kind == KindTimeout
}

// Fix is one GNSS position report.
type Fix struct {
	Lat       float64
	Lon       float64
	AltitudeM float64
	AccuracyM float64
	Timestamp time.Time
}

// CameraProvider captures a single still image. Implementations must honor
// ctx cancellation but callers cannot rely on it: the facade abandons calls
// that outlive their deadline.
type CameraProvider interface {
	Name() string
	CaptureImage(ctx context.Context) ([]byte, error)
}

// GPSProvider reads the current position fix.
type GPSProvider interface {
	Name() string
	ReadFix(ctx context.Context) (Fix, error)
}

// callDetached runs f in its own goroutine with a deadline. On timeout the
// goroutine is abandoned (it still gets a cancelled ctx) and the caller
// moves on immediately.
func callDetached[T any](ctx context.Context, timeout time.Duration, op string, f func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		val, err := f(ctx)
		ch <- result{val, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			var zero T
			return zero, classify(op, r.err)
		}
		return r.val, nil
	case <-ctx.Done():
		var zero T
		return zero, &AcquisitionError{Kind: KindTimeout, Op: op, Err: ctx.Err()}
	}
}

func classify(op string, err error) error {
	var ae *AcquisitionError
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &AcquisitionError{Kind: KindTimeout, Op: op, Err: err}
	}
	return &AcquisitionError{Kind: KindIOError, Op: op, Err: err}
}
