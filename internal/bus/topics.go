package bus

// Record lifecycle topics.
const (
	TopicRecordCreated      = "record.created"
	TopicRecordStateChanged = "record.state_changed"
)

// Sync engine topics.
const (
	TopicSyncDelivered = "sync.delivered"
	TopicSyncFailed    = "sync.failed"
)

// Health topics.
const (
	TopicHealthDegraded  = "health.degraded"
	TopicHealthRecovered = "health.recovered"
)

// RecordCreatedEvent is published when the scheduler commits a new capture
// record to the store.
type RecordCreatedEvent struct {
	RecordID   string // Record ID
	CreatedSeq int64  // Store-assigned delivery sequence
	ImageCount int    // Number of image refs in the record
	HasFix     bool   // Whether a GPS fix was captured
}

// RecordStateChangedEvent is published on every record state transition.
type RecordStateChangedEvent struct {
	RecordID string // Record ID
	OldState string // Previous state (e.g. PENDING)
	NewState string // New state (e.g. UPLOADING)
	Attempt  int    // Delivery attempt count after the transition
}

// SyncDeliveredEvent is published when a record is confirmed delivered.
type SyncDeliveredEvent struct {
	RecordID string // Record ID
	Attempt  int    // Attempt count at confirmation
}

// SyncFailedEvent is published when an upload attempt fails.
type SyncFailedEvent struct {
	RecordID  string // Record ID
	ErrorKind string // TIMEOUT, NETWORK_ERROR or REJECTED
	Attempt   int    // Attempt count after the failure
	Permanent bool   // True when the record crossed the max-attempt ceiling
}

// HealthEvent is published when the degraded-health signal flips.
type HealthEvent struct {
	Degraded bool     // New degraded state
	Reasons  []string // Active degradation reasons
}
