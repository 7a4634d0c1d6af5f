package fabric

import (
	"testing"
	"time"
)

func TestPublishFiltersByAudienceAndContext(t *testing.T) {
	bus := NewBus(Config{}, nil)
	agentA := bus.Subscribe(AudienceAgent, "room-a")
	agentB := bus.Subscribe(AudienceAgent, "room-b")
	sup := bus.Subscribe(AudienceSupervisor, "")
	defer bus.Unsubscribe(agentA)
	defer bus.Unsubscribe(agentB)
	defer bus.Unsubscribe(sup)

	bus.Publish(Event{Type: "request.resolved", RequestID: "r1", CustomerContext: "room-a", Audience: AudienceAgent})
	bus.Publish(Event{Type: "request.created", RequestID: "r2", Audience: AudienceSupervisor})

	select {
	case evt := <-agentA.C:
		if evt.RequestID != "r1" {
			t.Fatalf("agent-a got %+v", evt)
		}
	default:
		t.Fatalf("agent-a expected an event")
	}
	select {
	case evt := <-agentB.C:
		t.Fatalf("agent-b should see nothing, got %+v", evt)
	default:
	}
	select {
	case evt := <-sup.C:
		if evt.RequestID != "r2" {
			t.Fatalf("supervisor got %+v", evt)
		}
	default:
		t.Fatalf("supervisor expected an event")
	}
}

func TestHeldEventsReplayOnSubscribe(t *testing.T) {
	bus := NewBus(Config{}, nil)

	// Nobody listening for room-x yet: both events are held.
	bus.Publish(Event{Type: "request.resolved", RequestID: "r1", CustomerContext: "room-x", Audience: AudienceAgent})
	bus.Publish(Event{Type: "request.timed_out", RequestID: "r2", CustomerContext: "room-x", Audience: AudienceAgent})
	if got := bus.Held("room-x"); got != 2 {
		t.Fatalf("expected 2 held, got %d", got)
	}

	sub := bus.Subscribe(AudienceAgent, "room-x")
	defer bus.Unsubscribe(sub)
	if got := bus.Held("room-x"); got != 0 {
		t.Fatalf("expected held buffer drained, got %d", got)
	}
	for i, want := range []string{"r1", "r2"} {
		select {
		case evt := <-sub.C:
			if evt.RequestID != want {
				t.Fatalf("replay %d: want %s got %s", i, want, evt.RequestID)
			}
		default:
			t.Fatalf("replay %d: missing event", i)
		}
	}
}

func TestHoldBufferBounded(t *testing.T) {
	bus := NewBus(Config{HoldBuffer: 2}, nil)
	for _, id := range []string{"r1", "r2", "r3"} {
		bus.Publish(Event{Type: "request.resolved", RequestID: id, CustomerContext: "room-y", Audience: AudienceAgent})
	}
	if got := bus.Held("room-y"); got != 2 {
		t.Fatalf("expected buffer capped at 2, got %d", got)
	}

	sub := bus.Subscribe(AudienceAgent, "room-y")
	defer bus.Unsubscribe(sub)
	// Oldest (r1) was dropped to make room.
	for _, want := range []string{"r2", "r3"} {
		select {
		case evt := <-sub.C:
			if evt.RequestID != want {
				t.Fatalf("want %s got %s", want, evt.RequestID)
			}
		default:
			t.Fatalf("missing %s", want)
		}
	}
}

func TestCausalOrderPerContext(t *testing.T) {
	bus := NewBus(Config{}, nil)
	sub := bus.Subscribe(AudienceAgent, "room-z")
	defer bus.Unsubscribe(sub)

	for i := 0; i < 50; i++ {
		bus.Publish(Event{Type: "request.resolved", RequestID: "r", CustomerContext: "room-z", Audience: AudienceAgent})
	}
	var last uint64
	for i := 0; i < 50; i++ {
		select {
		case evt := <-sub.C:
			if evt.Seq <= last {
				t.Fatalf("sequence went backwards: %d after %d", evt.Seq, last)
			}
			last = evt.Seq
		default:
			t.Fatalf("missing event %d", i)
		}
	}
}

func TestSlowSubscriberEvicted(t *testing.T) {
	bus := NewBus(Config{SubscriberQueue: 1}, nil)
	sub := bus.Subscribe(AudienceSupervisor, "")

	bus.Publish(Event{Type: "request.created", RequestID: "r1", Audience: AudienceSupervisor})
	// Queue is full; the second publish evicts the subscriber.
	bus.Publish(Event{Type: "request.created", RequestID: "r2", Audience: AudienceSupervisor})

	got := 0
	for range sub.C {
		got++
	}
	if got != 1 {
		t.Fatalf("expected 1 delivered before eviction, got %d", got)
	}
}

func TestRetentionSweepDropsExpired(t *testing.T) {
	bus := NewBus(Config{Retention: time.Minute}, nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bus.now = func() time.Time { return base }

	bus.Publish(Event{Type: "request.resolved", RequestID: "r1", CustomerContext: "room-r", Audience: AudienceAgent})
	bus.now = func() time.Time { return base.Add(30 * time.Second) }
	bus.sweep()
	if got := bus.Held("room-r"); got != 1 {
		t.Fatalf("expected event retained, got %d held", got)
	}

	bus.now = func() time.Time { return base.Add(2 * time.Minute) }
	bus.sweep()
	if got := bus.Held("room-r"); got != 0 {
		t.Fatalf("expected event dropped after retention, got %d held", got)
	}
}
