package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("streaming unsupported by response writer")

// EventStream writes server-sent events, one "data: <json>" frame per Send,
// flushing after each.
type EventStream struct {
	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration
	opened       bool
}

// NewEventStream checks that w can stream. writeTimeout bounds each Send
// when the underlying connection supports deadlines; zero disables it.
func NewEventStream(w http.ResponseWriter, writeTimeout time.Duration) (*EventStream, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, ErrStreamingUnsupported
	}
	return &EventStream{w: w, rc: http.NewResponseController(w), writeTimeout: writeTimeout}, nil
}

// Open sends the event-stream headers with a 200.
func (s *EventStream) Open() {
	if s.opened {
		return
	}
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.opened = true
}

// Send writes v as one event. An error means the client is gone or too
// slow; the stream should be abandoned.
func (s *EventStream) Send(v any) error {
	s.Open()
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if s.writeTimeout > 0 {
		if err := s.rc.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	return s.rc.Flush()
}
