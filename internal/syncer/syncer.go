// Package syncer drains the capture record store to an upload endpoint.
// Delivery is at-least-once-attempted and at-most-once-confirmed: the store's
// compare-and-swap claim plus a deterministic per-record request id keep
// retries idempotent on the endpoint side.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/outfield/companion/internal/bus"
	"github.com/outfield/companion/internal/health"
	"github.com/outfield/companion/internal/netcheck"
	"github.com/outfield/companion/internal/otel"
	"github.com/outfield/companion/internal/store"
)

// ErrRejected marks a permanent endpoint rejection: retrying the same
// payload can never succeed.
var ErrRejected = errors.New("upload rejected by endpoint")

// Payload is the wire form of one record upload.
type Payload struct {
	RequestID  string         `json:"request_id"`
	RecordID   string         `json:"record_id"`
	CapturedAt time.Time      `json:"captured_at"`
	Location   *store.Fix     `json:"location,omitempty"`
	Images     []PayloadImage `json:"images"`
}

// PayloadImage carries one image blob; Data is base64 in JSON.
type PayloadImage struct {
	Seq      int    `json:"seq"`
	OffsetMS int64  `json:"offset_ms"`
	SHA256   string `json:"sha256"`
	Data     []byte `json:"data"`
}

// Endpoint delivers a payload. Implementations return nil on confirmed
// delivery, an ErrRejected-wrapped error on permanent rejection, and any
// other error for transient failures.
type Endpoint interface {
	Name() string
	Upload(ctx context.Context, p Payload) error
}

var requestNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("companion/record-upload"))

// RequestID derives the deterministic upload request id for a record. The
// same record always produces the same id, across retries and restarts, so
// the endpoint can deduplicate replays of an upload it already accepted.
func RequestID(recordID string) string {
	return uuid.NewSHA1(requestNamespace, []byte(recordID)).String()
}

// Options tune the drain loop.
type Options struct {
	Poll         time.Duration
	StallTimeout time.Duration
	BatchLimit   int
}

func (o *Options) normalize() {
	if o.Poll <= 0 {
		o.Poll = 30 * time.Second
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = 10 * time.Minute
	}
	if o.BatchLimit <= 0 {
		o.BatchLimit = 50
	}
}

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Recovered   int64
	Attempted   int
	Delivered   int
	Failed      int
	Quarantined int
	Skipped     int
}

// Syncer owns the delivery loop.
type Syncer struct {
	store    *store.Store
	endpoint Endpoint
	monitor  netcheck.Monitor
	tracker  *health.Tracker
	metrics  *otel.Metrics
	logger   *slog.Logger
	bus      *bus.Bus
	opts     Options
}

func New(st *store.Store, endpoint Endpoint, monitor netcheck.Monitor, tracker *health.Tracker, metrics *otel.Metrics, logger *slog.Logger, eventBus *bus.Bus, opts Options) *Syncer {
	opts.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	if monitor == nil {
		monitor = netcheck.Static(true)
	}
	return &Syncer{
		store:    st,
		endpoint: endpoint,
		monitor:  monitor,
		tracker:  tracker,
		metrics:  metrics,
		logger:   logger,
		bus:      eventBus,
		opts:     opts,
	}
}

// Run polls until ctx is cancelled. One stalled-record sweep runs before
// the first pass so records orphaned by a crash become retryable right away.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Poll)
	defer ticker.Stop()

	for {
		if _, err := s.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("drain pass failed", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DrainOnce runs one full drain pass: stall recovery, connectivity gate,
// then FIFO delivery of every due record.
func (s *Syncer) DrainOnce(ctx context.Context) (DrainStats, error) {
	var stats DrainStats

	recovered, err := s.store.RecoverStalled(ctx, time.Now(), s.opts.StallTimeout)
	if err != nil {
		return stats, fmt.Errorf("recover stalled records: %w", err)
	}
	stats.Recovered = recovered
	if recovered > 0 {
		s.logger.Warn("reclaimed stalled uploads", "count", recovered)
		if s.metrics != nil {
			s.metrics.StalledRecovered.Add(ctx, recovered)
		}
	}

	if !s.monitor.Online(ctx) {
		s.logger.Debug("network unusable, skipping drain pass")
		return stats, nil
	}

	due, err := s.store.ListDue(ctx, time.Now(), s.opts.BatchLimit)
	if err != nil {
		return stats, fmt.Errorf("list due records: %w", err)
	}

	for _, rec := range due {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		// Connectivity can vanish mid-drain; end the pass instead of
		// burning the retry budget on a dead link.
		if stats.Attempted > 0 && !s.monitor.Online(ctx) {
			s.logger.Info("connectivity lost mid-drain, ending pass",
				"delivered", stats.Delivered, "remaining", len(due)-stats.Attempted)
			break
		}
		s.deliverOne(ctx, rec, &stats)
	}
	return stats, nil
}

func (s *Syncer) deliverOne(ctx context.Context, rec store.Record, stats *DrainStats) {
	claimed, err := s.store.MarkUploading(ctx, rec.ID)
	if err != nil {
		s.logger.Error("claim record", "record_id", rec.ID, "error", err.Error())
		return
	}
	if !claimed {
		stats.Skipped++
		return
	}

	payload, err := s.buildPayload(rec)
	if err != nil {
		if errors.Is(err, store.ErrCorruptRecord) {
			s.logger.Error("record blobs corrupt, quarantining", "record_id", rec.ID, "error", err.Error())
			if qErr := s.store.QuarantineCorrupt(ctx, rec.ID, err.Error()); qErr != nil {
				s.logger.Error("quarantine record", "record_id", rec.ID, "error", qErr.Error())
			}
			stats.Quarantined++
			if s.tracker != nil {
				s.tracker.RecordFailure(health.SubsystemSync)
			}
			s.publishFailed(rec.ID, store.ReasonCorruptRecord, rec.Attempt, true)
			return
		}
		s.logger.Error("build payload", "record_id", rec.ID, "error", err.Error())
		s.failRecord(ctx, rec, store.ErrKindNetwork, stats)
		return
	}

	stats.Attempted++
	if s.metrics != nil {
		s.metrics.UploadAttempts.Add(ctx, 1)
	}
	start := time.Now()
	uploadErr := s.endpoint.Upload(ctx, payload)
	if s.metrics != nil {
		s.metrics.UploadDuration.Record(ctx, time.Since(start).Seconds())
	}

	if uploadErr == nil {
		if err := s.store.MarkDelivered(ctx, rec.ID); err != nil {
			s.logger.Error("mark delivered", "record_id", rec.ID, "error", err.Error())
			return
		}
		stats.Delivered++
		if s.tracker != nil {
			s.tracker.RecordSuccess(health.SubsystemSync)
		}
		if s.bus != nil {
			s.bus.Publish(bus.TopicSyncDelivered, bus.SyncDeliveredEvent{
				RecordID: rec.ID,
				Attempt:  rec.Attempt + 1,
			})
		}
		s.logger.Info("record delivered",
			"record_id", rec.ID, "request_id", payload.RequestID, "attempt", rec.Attempt+1)
		return
	}

	s.failRecord(ctx, rec, classifyErrKind(uploadErr), stats)
	s.logger.Warn("upload failed",
		"record_id", rec.ID, "endpoint", s.endpoint.Name(), "error", uploadErr.Error())
}

func (s *Syncer) failRecord(ctx context.Context, rec store.Record, errKind string, stats *DrainStats) {
	permanent, err := s.store.MarkFailed(ctx, rec.ID, errKind)
	if err != nil {
		s.logger.Error("mark failed", "record_id", rec.ID, "error", err.Error())
		return
	}
	stats.Failed++
	if s.metrics != nil {
		s.metrics.UploadFailures.Add(ctx, 1)
	}
	// Transient failures are the uploader's normal life on a flaky link;
	// health only tracks deliveries the retry schedule has given up on.
	if s.tracker != nil && permanent {
		s.tracker.RecordFailure(health.SubsystemSync)
	}
	s.publishFailed(rec.ID, errKind, rec.Attempt+1, permanent)
	if permanent {
		s.logger.Error("record failed permanently",
			"record_id", rec.ID, "attempts", rec.Attempt+1, "error_kind", errKind)
	}
}

func (s *Syncer) publishFailed(recordID, errKind string, attempt int, permanent bool) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicSyncFailed, bus.SyncFailedEvent{
		RecordID:  recordID,
		ErrorKind: errKind,
		Attempt:   attempt,
		Permanent: permanent,
	})
}

// buildPayload loads and re-verifies every blob against its checksum before
// anything leaves the device.
func (s *Syncer) buildPayload(rec store.Record) (Payload, error) {
	p := Payload{
		RequestID:  RequestID(rec.ID),
		RecordID:   rec.ID,
		CapturedAt: rec.CapturedAt,
		Location:   rec.Location,
		Images:     make([]PayloadImage, 0, len(rec.Images)),
	}
	for _, ref := range rec.Images {
		data, err := s.store.ReadBlob(ref)
		if err != nil {
			return Payload{}, err
		}
		p.Images = append(p.Images, PayloadImage{
			Seq:      ref.Seq,
			OffsetMS: ref.OffsetMS,
			SHA256:   ref.SHA256,
			Data:     data,
		})
	}
	return p, nil
}

func classifyErrKind(err error) string {
	if errors.Is(err, ErrRejected) {
		return store.ErrKindRejected
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return store.ErrKindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return store.ErrKindTimeout
	}
	return store.ErrKindNetwork
}
