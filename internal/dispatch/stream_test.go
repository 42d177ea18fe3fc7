package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ignite/relay/internal/domain"
)

func TestStream_TerminalClosesAndIsSingle(t *testing.T) {
	s := newStream("job-1", 4, nil)

	assert.True(t, s.emit(Event{Type: EventProgress, Percent: 50}))
	s.finish(Event{Type: EventCompleted})
	s.finish(Event{Type: EventFailed})
	assert.False(t, s.emit(Event{Type: EventProgress, Percent: 100}))

	var got []Event
	for e := range s.Events() {
		got = append(got, e)
	}
	if assert.Len(t, got, 2) {
		assert.Equal(t, "job-1", got[0].JobID)
		assert.Equal(t, EventCompleted, got[1].Type)
	}
}

func TestStream_DropCallback(t *testing.T) {
	drops := 0
	s := newStream("job", 2, func() { drops++ })
	for i := 0; i < 5; i++ {
		s.emit(Event{Type: EventProgress})
	}
	s.finish(Event{Type: EventCancelled})

	assert.Equal(t, 3, drops)
	assert.Equal(t, 3, s.Dropped())
	assert.Len(t, s.Events(), 3)
}

func TestTerminalEvent(t *testing.T) {
	assert.Equal(t, EventCompleted, terminalEvent(domain.JobCompleted))
	assert.Equal(t, EventCancelled, terminalEvent(domain.JobCancelled))
	assert.Equal(t, EventFailed, terminalEvent(domain.JobFailed))
	assert.False(t, Event{Type: EventProgress}.Terminal())
	assert.True(t, Event{Type: EventFailed}.Terminal())
}
