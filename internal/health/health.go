// Package health tracks consecutive capture and sync failures and flips a
// single degraded flag when configured thresholds are crossed.
package health

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/outfield/companion/internal/bus"
)

// Subsystem names tracked by the monitor.
const (
	SubsystemCapture = "capture"
	SubsystemSync    = "sync"
)

// Snapshot is the externally visible health state.
type Snapshot struct {
	Degraded bool     `json:"degraded"`
	Reasons  []string `json:"reasons,omitempty"`
}

// Tracker counts consecutive failures per subsystem. A subsystem degrades
// when its streak reaches the threshold and recovers on the next success.
type Tracker struct {
	mu         sync.Mutex
	thresholds map[string]int
	streaks    map[string]int
	logger     *slog.Logger
	bus        *bus.Bus
}

// NewTracker creates a tracker. A threshold of 0 disables tracking for that
// subsystem.
func NewTracker(thresholds map[string]int, logger *slog.Logger, eventBus *bus.Bus) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		thresholds: thresholds,
		streaks:    make(map[string]int),
		logger:     logger,
		bus:        eventBus,
	}
}

// RecordFailure notes one failed operation for the subsystem.
func (t *Tracker) RecordFailure(subsystem string) {
	t.mu.Lock()
	was := t.degradedLocked()
	t.streaks[subsystem]++
	streak := t.streaks[subsystem]
	now := t.degradedLocked()
	snap := t.snapshotLocked()
	t.mu.Unlock()

	if !was && now {
		t.logger.Warn("health degraded", "subsystem", subsystem, "consecutive_failures", streak)
		t.publish(bus.TopicHealthDegraded, snap)
	}
}

// RecordSuccess resets the subsystem's failure streak.
func (t *Tracker) RecordSuccess(subsystem string) {
	t.mu.Lock()
	wasDegraded := t.degradedLocked()
	t.streaks[subsystem] = 0
	nowDegraded := t.degradedLocked()
	snap := t.snapshotLocked()
	t.mu.Unlock()

	if wasDegraded && !nowDegraded {
		t.logger.Info("health recovered", "subsystem", subsystem)
		t.publish(bus.TopicHealthRecovered, snap)
	}
}

// Snapshot returns the current degraded flag and reasons.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) degradedLocked() bool {
	for sub, threshold := range t.thresholds {
		if threshold > 0 && t.streaks[sub] >= threshold {
			return true
		}
	}
	return false
}

func (t *Tracker) snapshotLocked() Snapshot {
	var reasons []string
	for sub, threshold := range t.thresholds {
		if threshold > 0 && t.streaks[sub] >= threshold {
			reasons = append(reasons, fmt.Sprintf("%s: %d consecutive failures", sub, t.streaks[sub]))
		}
	}
	sort.Strings(reasons)
	return Snapshot{Degraded: len(reasons) > 0, Reasons: reasons}
}

func (t *Tracker) publish(topic string, snap Snapshot) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(topic, bus.HealthEvent{Degraded: snap.Degraded, Reasons: snap.Reasons})
}
