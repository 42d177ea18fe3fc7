package dispatch

import (
	"sync"

	"github.com/ignite/relay/internal/domain"
)

// EventType names a stream event.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// Event is one entry on a progress stream. Progress events describe the
// batch just finished; terminal events carry the job totals.
type Event struct {
	Type  EventType `json:"type"`
	JobID string    `json:"job_id"`

	Percent    int    `json:"percent"`
	Sent       int64  `json:"sent"`
	Errors     int64  `json:"errors"`
	Credential string `json:"credential,omitempty"`
	Batch      int    `json:"batch,omitempty"`
	BatchIndex int    `json:"batch_index,omitempty"`
	Batches    int    `json:"batches,omitempty"`
	ETASeconds int    `json:"eta"`

	Total  int    `json:"total,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool { return e.Type != EventProgress }

func terminalEvent(state domain.JobState) EventType {
	switch state {
	case domain.JobCompleted:
		return EventCompleted
	case domain.JobCancelled:
		return EventCancelled
	default:
		return EventFailed
	}
}

// Stream is the append-only event sequence of one job. The producer never
// blocks: progress events are dropped when the consumer falls behind, and
// one slot is always kept free for the terminal event, after which the
// channel is closed.
type Stream struct {
	jobID  string
	events chan Event
	buffer int
	onDrop func()

	mu      sync.Mutex
	closed  bool
	dropped int
}

func newStream(jobID string, buffer int, onDrop func()) *Stream {
	if buffer < 1 {
		buffer = 1
	}
	return &Stream{
		jobID:  jobID,
		events: make(chan Event, buffer+1),
		buffer: buffer,
		onDrop: onDrop,
	}
}

// JobID returns the ID of the job feeding this stream.
func (s *Stream) JobID() string { return s.jobID }

// Events returns the receive side. It is closed after the terminal event.
func (s *Stream) Events() <-chan Event { return s.events }

// Dropped returns how many progress events were discarded.
func (s *Stream) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// emit appends a progress event, dropping it if the buffer is full.
func (s *Stream) emit(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	e.JobID = s.jobID
	if len(s.events) >= s.buffer {
		s.dropped++
		if s.onDrop != nil {
			s.onDrop()
		}
		return false
	}
	s.events <- e
	return true
}

// finish appends the terminal event and closes the stream. Later calls are
// no-ops.
func (s *Stream) finish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	e.JobID = s.jobID
	s.events <- e
	s.closed = true
	close(s.events)
}
