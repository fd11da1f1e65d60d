package buffer

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/wa-session-console/backend/internal/model"
)

func eventWithSeq(seq int) model.LifecycleEvent {
	return model.NewLifecycleEvent(model.EventReady, fmt.Sprintf("seq-%d", seq), nil)
}

func TestEventRing_Basics(t *testing.T) {
	t.Run("empty ring", func(t *testing.T) {
		ring := NewEventRing(4)
		if ring.Len() != 0 {
			t.Errorf("Expected empty ring, got %d", ring.Len())
		}
		if ring.Snapshot() != nil {
			t.Error("Empty ring should snapshot to nil")
		}
	})

	t.Run("append below capacity", func(t *testing.T) {
		ring := NewEventRing(4)
		ring.Append(eventWithSeq(0))
		ring.Append(eventWithSeq(1))

		events := ring.Snapshot()
		if len(events) != 2 {
			t.Fatalf("Expected 2 events, got %d", len(events))
		}
		if events[0].InstanceID != "seq-0" || events[1].InstanceID != "seq-1" {
			t.Error("Snapshot should be oldest first")
		}
	})

	t.Run("append past capacity evicts oldest", func(t *testing.T) {
		ring := NewEventRing(3)
		for i := 0; i < 5; i++ {
			ring.Append(eventWithSeq(i))
		}

		events := ring.Snapshot()
		if len(events) != 3 {
			t.Fatalf("Expected 3 events, got %d", len(events))
		}
		for i, ev := range events {
			want := fmt.Sprintf("seq-%d", i+2)
			if ev.InstanceID != want {
				t.Errorf("Position %d: expected %s, got %s", i, want, ev.InstanceID)
			}
		}
	})

	t.Run("clear empties the ring", func(t *testing.T) {
		ring := NewEventRing(3)
		ring.Append(eventWithSeq(0))
		ring.Clear()
		if ring.Len() != 0 {
			t.Errorf("Expected empty ring after clear, got %d", ring.Len())
		}
	})

	t.Run("non-positive capacity is clamped", func(t *testing.T) {
		ring := NewEventRing(0)
		if ring.Cap() != 1 {
			t.Errorf("Expected capacity 1, got %d", ring.Cap())
		}
		ring.Append(eventWithSeq(0))
		ring.Append(eventWithSeq(1))
		if ring.Len() != 1 {
			t.Errorf("Expected 1 retained event, got %d", ring.Len())
		}
	})
}

// After appending any sequence of events, the ring retains exactly the
// at-most-capacity suffix of the sequence, in order.
func TestEventRingSuffixProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("ring retains the bounded suffix in order", prop.ForAll(
		func(appended int, capacity int) bool {
			ring := NewEventRing(capacity)
			for i := 0; i < appended; i++ {
				ring.Append(eventWithSeq(i))
			}

			events := ring.Snapshot()
			want := appended
			if want > capacity {
				want = capacity
			}
			if len(events) != want {
				t.Logf("expected %d events, got %d", want, len(events))
				return false
			}

			for i, ev := range events {
				if ev.InstanceID != fmt.Sprintf("seq-%d", appended-want+i) {
					t.Logf("unexpected event at %d: %s", i, ev.InstanceID)
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 100),
		gen.IntRange(1, 32),
	))

	properties.TestingRun(t)
}
