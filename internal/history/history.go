package history

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of audit event.
type EventType string

const (
	EventSessionStarted  EventType = "session_started"
	EventSessionStopped  EventType = "session_stopped"
	EventArtifactStored  EventType = "artifact_stored"
	EventArtifactEvicted EventType = "artifact_evicted"
	EventLockDenied      EventType = "lock_denied"
)

// Event is one audit record exported to external systems.
// Kind names the emitting component (debugger, logcapture, recorder, artifact, lock).
type Event struct {
	Type       EventType `json:"type"`
	Kind       string    `json:"kind"`
	SessionID  string    `json:"session_id,omitempty"`
	Target     string    `json:"target,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

const (
	queueSize   = 256
	sendTimeout = 5 * time.Second
)

// Recorder delivers events to every sink from a single background goroutine
// so callers never block on a slow database. A nil *Recorder discards events.
type Recorder struct {
	sinks []Sink
	queue chan Event

	// mu orders Record's send against Close closing the queue.
	mu     sync.RWMutex
	closed bool

	closeOnce sync.Once
	done      chan struct{}
}

func NewRecorder(sinks ...Sink) *Recorder {
	r := &Recorder{
		sinks: sinks,
		queue: make(chan Event, queueSize),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			if err := s.Send(ctx, e); err != nil {
				slog.Warn("History sink send failed", "type", e.Type, "kind", e.Kind, "error", err)
			}
			cancel()
		}
	}
}

// Record queues e. Events are dropped when the queue is full or the
// recorder is closed.
func (r *Recorder) Record(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		slog.Debug("History queue full, event dropped", "type", e.Type, "kind", e.Kind)
	}
}

// Close drains queued events and closes sinks that implement io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var firstErr error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
		<-r.done
		for _, s := range r.sinks {
			if c, ok := s.(io.Closer); ok {
				if err := c.Close(); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		}
	})
	return firstErr
}
