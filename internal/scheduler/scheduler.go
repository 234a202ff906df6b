// Package scheduler runs the periodic capture cycle: acquire images and a
// fix, commit one PENDING record. The loop survives restarts by anchoring
// the cycle clock in the store's kv table.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/outfield/companion/internal/acquire"
	"github.com/outfield/companion/internal/health"
	"github.com/outfield/companion/internal/otel"
	"github.com/outfield/companion/internal/store"
)

const anchorKey = "scheduler.anchor"

// ErrNoImages marks a cycle where every image acquisition failed. The cycle
// is discarded; a record with nothing to deliver is not worth a row.
var ErrNoImages = errors.New("capture cycle produced no images")

// Options tune the capture loop.
type Options struct {
	Interval       time.Duration
	JitterPct      int
	ImagesPerCycle int
}

func (o *Options) normalize() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Minute
	}
	if o.JitterPct < 0 || o.JitterPct > 50 {
		o.JitterPct = 10
	}
	if o.ImagesPerCycle <= 0 {
		o.ImagesPerCycle = 3
	}
}

// Scheduler owns the capture loop.
type Scheduler struct {
	store   *store.Store
	facade  *acquire.Facade
	tracker *health.Tracker
	metrics *otel.Metrics
	logger  *slog.Logger
	opts    Options
}

func New(st *store.Store, facade *acquire.Facade, tracker *health.Tracker, metrics *otel.Metrics, logger *slog.Logger, opts Options) *Scheduler {
	opts.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   st,
		facade:  facade,
		tracker: tracker,
		metrics: metrics,
		logger:  logger,
		opts:    opts,
	}
}

// Run drives capture cycles until ctx is cancelled. A missed deadline
// (daemon was down) triggers at most one immediate catch-up cycle; the
// anchor is then re-derived from now, never from the missed slots.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		next, err := s.NextDue(ctx, time.Now())
		if err != nil {
			return fmt.Errorf("compute next capture: %w", err)
		}
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		s.logger.Debug("next capture scheduled", "due_at", next.UTC().Format(time.RFC3339), "wait", wait.String())

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if _, err := s.RunCycle(ctx); err != nil && !errors.Is(err, ErrNoImages) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("capture cycle failed", "error", err.Error())
		}
		if err := s.anchor(ctx, time.Now()); err != nil {
			s.logger.Error("persist capture anchor", "error", err.Error())
		}
	}
}

// NextDue returns when the next cycle should run, derived from the persisted
// anchor plus the jittered interval. With no anchor (first boot) the first
// cycle is due immediately.
func (s *Scheduler) NextDue(ctx context.Context, now time.Time) (time.Time, error) {
	raw, err := s.store.KVGet(ctx, anchorKey)
	if err != nil {
		return time.Time{}, err
	}
	if raw == "" {
		return now, nil
	}
	anchor, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		s.logger.Warn("invalid capture anchor, resetting", "value", raw)
		return now, nil
	}
	return anchor.Add(s.jitteredInterval()), nil
}

// RunCycle performs one capture cycle: N sequential images, then a fix,
// then one PENDING record. Partial image sets are kept; zero images
// discard the cycle with ErrNoImages.
func (s *Scheduler) RunCycle(ctx context.Context) (store.Record, error) {
	start := time.Now()
	if s.metrics != nil {
		s.metrics.CaptureCycles.Add(ctx, 1)
		defer func() {
			s.metrics.CaptureDuration.Record(ctx, time.Since(start).Seconds())
		}()
	}

	var images []store.NewImage
	for i := 0; i < s.opts.ImagesPerCycle; i++ {
		data, err := s.facade.CaptureImage(ctx)
		if err != nil {
			s.logger.Warn("image acquisition failed", "index", i, "error", err.Error())
			if s.metrics != nil {
				s.metrics.AcquisitionErrors.Add(ctx, 1)
			}
			if ctx.Err() != nil {
				return store.Record{}, ctx.Err()
			}
			continue
		}
		images = append(images, store.NewImage{
			Data:     data,
			OffsetMS: time.Since(start).Milliseconds(),
		})
	}
	if len(images) == 0 {
		s.logger.Warn("capture cycle discarded, no images acquired")
		if s.tracker != nil {
			s.tracker.RecordFailure(health.SubsystemCapture)
		}
		return store.Record{}, ErrNoImages
	}

	var loc *store.Fix
	rep, err := s.facade.AcquireFix(ctx, time.Now())
	if err != nil {
		s.logger.Warn("fix acquisition failed, capturing without location", "error", err.Error())
		if s.metrics != nil {
			s.metrics.AcquisitionErrors.Add(ctx, 1)
		}
	}
	if rep != nil {
		loc = &store.Fix{
			Lat:           rep.Fix.Lat,
			Lon:           rep.Fix.Lon,
			AltitudeM:     rep.Fix.AltitudeM,
			AccuracyM:     rep.Fix.AccuracyM,
			FixAgeSeconds: rep.AgeSeconds,
		}
	}

	rec, err := s.store.PutNew(ctx, store.NewRecord{
		CapturedAt: start.UTC(),
		Location:   loc,
		Images:     images,
	})
	if err != nil {
		if s.tracker != nil {
			s.tracker.RecordFailure(health.SubsystemCapture)
		}
		return store.Record{}, fmt.Errorf("persist capture record: %w", err)
	}

	if s.tracker != nil {
		s.tracker.RecordSuccess(health.SubsystemCapture)
	}
	if s.metrics != nil {
		s.metrics.RecordsCreated.Add(ctx, 1)
	}
	s.logger.Info("capture cycle committed",
		"record_id", rec.ID,
		"created_seq", rec.CreatedSeq,
		"images", len(rec.Images),
		"has_fix", loc != nil)
	return rec, nil
}

func (s *Scheduler) anchor(ctx context.Context, now time.Time) error {
	return s.store.KVSet(ctx, anchorKey, now.UTC().Format(time.RFC3339))
}

// jitteredInterval spreads cycles so a fleet on the same power-on schedule
// does not hit the backend in lockstep.
func (s *Scheduler) jitteredInterval() time.Duration {
	if s.opts.JitterPct == 0 {
		return s.opts.Interval
	}
	span := int64(s.opts.Interval) * int64(s.opts.JitterPct) / 100
	if span <= 0 {
		return s.opts.Interval
	}
	offset := rand.Int64N(2*span+1) - span
	return s.opts.Interval + time.Duration(offset)
}
