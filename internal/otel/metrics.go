package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all companiond metric instruments.
type Metrics struct {
	CaptureCycles     metric.Int64Counter
	CaptureDuration   metric.Float64Histogram
	AcquisitionErrors metric.Int64Counter
	RecordsCreated    metric.Int64Counter
	UploadAttempts    metric.Int64Counter
	UploadFailures    metric.Int64Counter
	UploadDuration    metric.Float64Histogram
	QueueDepth        metric.Int64UpDownCounter
	StalledRecovered  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CaptureCycles, err = meter.Int64Counter("companion.capture.cycles",
		metric.WithDescription("Capture cycles attempted"),
	)
	if err != nil {
		return nil, err
	}

	m.CaptureDuration, err = meter.Float64Histogram("companion.capture.duration",
		metric.WithDescription("Capture cycle duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AcquisitionErrors, err = meter.Int64Counter("companion.acquire.errors",
		metric.WithDescription("Failed image or fix acquisitions"),
	)
	if err != nil {
		return nil, err
	}

	m.RecordsCreated, err = meter.Int64Counter("companion.records.created",
		metric.WithDescription("Capture records committed to the store"),
	)
	if err != nil {
		return nil, err
	}

	m.UploadAttempts, err = meter.Int64Counter("companion.upload.attempts",
		metric.WithDescription("Record upload attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.UploadFailures, err = meter.Int64Counter("companion.upload.failures",
		metric.WithDescription("Failed record upload attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.UploadDuration, err = meter.Float64Histogram("companion.upload.duration",
		metric.WithDescription("Record upload duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("companion.queue.depth",
		metric.WithDescription("Records awaiting delivery"),
	)
	if err != nil {
		return nil, err
	}

	m.StalledRecovered, err = meter.Int64Counter("companion.sync.stalled_recovered",
		metric.WithDescription("Records reclaimed from a stalled UPLOADING state"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
