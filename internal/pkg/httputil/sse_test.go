package httputil

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noFlushWriter hides the recorder's Flush method.
type noFlushWriter struct{ http.ResponseWriter }

func TestEventStream(t *testing.T) {
	rec := httptest.NewRecorder()
	s, err := NewEventStream(rec, time.Second)
	require.NoError(t, err)

	require.NoError(t, s.Send(map[string]int{"percent": 50}))
	require.NoError(t, s.Send(map[string]string{"type": "completed"}))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "data: {\"percent\":50}\n\ndata: {\"type\":\"completed\"}\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}

func TestEventStreamUnsupported(t *testing.T) {
	_, err := NewEventStream(noFlushWriter{httptest.NewRecorder()}, 0)
	assert.True(t, errors.Is(err, ErrStreamingUnsupported))
}

func TestEventStreamMarshalError(t *testing.T) {
	s, err := NewEventStream(httptest.NewRecorder(), 0)
	require.NoError(t, err)
	assert.Error(t, s.Send(make(chan int)))
}
