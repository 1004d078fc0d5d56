package events

import (
	"testing"

	"go.uber.org/zap"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	h := NewHub(zap.NewNop())

	var a, b []Event
	h.Subscribe(func(ev Event) { a = append(a, ev) })
	h.Subscribe(func(ev Event) { b = append(b, ev) })

	h.Publish(Event{Type: ModeLoaded, Mode: "mode-a"})

	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("subscriber counts = %d, %d, want 1, 1", len(a), len(b))
	}
	if a[0].Mode != "mode-a" || a[0].Type != ModeLoaded {
		t.Errorf("event = %+v", a[0])
	}
	if a[0].At.IsZero() {
		t.Error("Publish should stamp At when unset")
	}
}

func TestPanickingSubscriberDoesNotBreakPeers(t *testing.T) {
	h := NewHub(zap.NewNop())

	h.Subscribe(func(Event) { panic("boom") })

	got := 0
	h.Subscribe(func(Event) { got++ })

	h.Publish(Event{Type: JobQueued, JobID: "j1"})
	h.Publish(Event{Type: JobFinished, JobID: "j1"})

	if got != 2 {
		t.Fatalf("surviving subscriber saw %d events, want 2", got)
	}
}
