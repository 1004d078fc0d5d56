package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type Type string

const (
	ModeLoaded   Type = "mode_loaded"
	ModeUnloaded Type = "mode_unloaded"
	JobQueued    Type = "job_queued"
	JobStarted   Type = "job_started"
	JobFinished  Type = "job_finished"
	JobFailed    Type = "job_failed"
)

// Event is one scheduler state transition.
type Event struct {
	Type  Type      `json:"type"`
	Mode  string    `json:"mode,omitempty"`
	JobID string    `json:"job_id,omitempty"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// Hub fans events out to subscribers. Publishing never blocks on scheduler
// locks and a panicking subscriber never breaks the publisher or its peers.
type Hub struct {
	mu   sync.RWMutex
	subs []func(Event)
	log  *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{log: log}
}

// Subscribe registers a callback invoked for every published event.
// Callbacks run on the publisher's goroutine and should return quickly.
func (h *Hub) Subscribe(fn func(Event)) {
	h.mu.Lock()
	h.subs = append(h.subs, fn)
	h.mu.Unlock()
}

func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	h.mu.RLock()
	subs := make([]func(Event), len(h.subs))
	copy(subs, h.subs)
	h.mu.RUnlock()

	for _, fn := range subs {
		h.dispatch(fn, ev)
	}
}

func (h *Hub) dispatch(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("event subscriber panicked",
				zap.String("type", string(ev.Type)), zap.Any("panic", r))
		}
	}()
	fn(ev)
}
