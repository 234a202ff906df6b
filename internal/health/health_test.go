package health

import (
	"testing"
	"time"

	"github.com/outfield/companion/internal/bus"
)

func TestTracker_DegradesAtThreshold(t *testing.T) {
	tr := NewTracker(map[string]int{SubsystemCapture: 3}, nil, nil)

	tr.RecordFailure(SubsystemCapture)
	tr.RecordFailure(SubsystemCapture)
	if snap := tr.Snapshot(); snap.Degraded {
		t.Fatalf("degraded after 2 failures with threshold 3: %+v", snap)
	}

	tr.RecordFailure(SubsystemCapture)
	snap := tr.Snapshot()
	if !snap.Degraded {
		t.Fatal("not degraded after reaching threshold")
	}
	if len(snap.Reasons) != 1 {
		t.Fatalf("reasons = %v, want one capture entry", snap.Reasons)
	}
}

func TestTracker_SuccessResetsStreak(t *testing.T) {
	tr := NewTracker(map[string]int{SubsystemSync: 2}, nil, nil)

	tr.RecordFailure(SubsystemSync)
	tr.RecordSuccess(SubsystemSync)
	tr.RecordFailure(SubsystemSync)
	if snap := tr.Snapshot(); snap.Degraded {
		t.Fatalf("streak not reset by success: %+v", snap)
	}

	tr.RecordFailure(SubsystemSync)
	if snap := tr.Snapshot(); !snap.Degraded {
		t.Fatal("expected degraded after uninterrupted streak")
	}
	tr.RecordSuccess(SubsystemSync)
	if snap := tr.Snapshot(); snap.Degraded {
		t.Fatalf("still degraded after recovery: %+v", snap)
	}
}

func TestTracker_ZeroThresholdDisables(t *testing.T) {
	tr := NewTracker(map[string]int{SubsystemCapture: 0}, nil, nil)
	for i := 0; i < 10; i++ {
		tr.RecordFailure(SubsystemCapture)
	}
	if snap := tr.Snapshot(); snap.Degraded {
		t.Fatalf("zero threshold should never degrade: %+v", snap)
	}
}

func TestTracker_PublishesFlipsOnly(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("health.")
	defer b.Unsubscribe(sub)

	tr := NewTracker(map[string]int{SubsystemSync: 2}, nil, b)
	tr.RecordFailure(SubsystemSync)
	tr.RecordFailure(SubsystemSync)
	tr.RecordFailure(SubsystemSync) // already degraded, no second event
	tr.RecordSuccess(SubsystemSync)

	var topics []string
	timeout := time.After(time.Second)
	for len(topics) < 2 {
		select {
		case msg := <-sub.Ch():
			topics = append(topics, msg.Topic)
		case <-timeout:
			t.Fatalf("timed out waiting for health events, got %v", topics)
		}
	}
	if topics[0] != bus.TopicHealthDegraded || topics[1] != bus.TopicHealthRecovered {
		t.Fatalf("topics = %v, want degraded then recovered", topics)
	}

	select {
	case msg := <-sub.Ch():
		t.Fatalf("unexpected extra event %s", msg.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}
