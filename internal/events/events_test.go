package events

import (
	"testing"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(SessionStart)
	other := bus.Subscribe(ArtifactCreated)

	bus.Publish(New(SessionStart, "lua", "corr-1", map[string]interface{}{"id": "s1"}))

	select {
	case e := <-sub.C:
		if e.EventType != SessionStart || e.CorrelationID != "corr-1" {
			t.Errorf("envelope = %+v", e)
		}
		if e.EventID == "" || e.Timestamp.IsZero() {
			t.Error("envelope missing id or timestamp")
		}
	default:
		t.Fatal("subscriber did not receive event")
	}
	select {
	case e := <-other.C:
		t.Errorf("non-matching subscriber received %v", e.EventType)
	default:
	}
}

func TestWildcardPatterns(t *testing.T) {
	tests := []struct {
		pattern   string
		eventType string
		want      bool
	}{
		{"", SessionStart, true},
		{"*", ArtifactCreated, true},
		{"session.*", SessionSave, true},
		{"session.*", ArtifactCreated, false},
		{"session.start", SessionStart, true},
		{"session.start", SessionEnd, false},
	}
	for _, tt := range tests {
		if got := matches(tt.pattern, tt.eventType); got != tt.want {
			t.Errorf("matches(%q, %q) = %v, want %v", tt.pattern, tt.eventType, got, tt.want)
		}
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("")
	// Overfill the buffer; Publish must never block.
	for i := 0; i < subscriberBuffer+10; i++ {
		bus.Publish(New(ExecutionStart, "lua", "c", nil))
	}
	if bus.Dropped() != 10 {
		t.Errorf("dropped = %d, want 10", bus.Dropped())
	}
	// The buffered events are still there.
	n := 0
	for {
		select {
		case <-sub.C:
			n++
			continue
		default:
		}
		break
	}
	if n != subscriberBuffer {
		t.Errorf("delivered = %d, want %d", n, subscriberBuffer)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe("")
	bus.Unsubscribe(sub)
	if _, ok := <-sub.C; ok {
		t.Error("channel should be closed after unsubscribe")
	}
	// Publishing after unsubscribe is a no-op for this feed.
	bus.Publish(New(SessionEnd, "lua", "c", nil))
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("")
	bus.Close()
	bus.Close()
	if _, ok := <-sub.C; ok {
		t.Error("subscription should be closed")
	}
	// Subscribing after close yields a closed feed rather than a leak.
	late := bus.Subscribe("")
	if _, ok := <-late.C; ok {
		t.Error("late subscription should be closed")
	}
}
