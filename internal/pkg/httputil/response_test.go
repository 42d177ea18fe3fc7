package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, http.StatusAccepted, map[string]int{"sent": 3})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"sent":3}`, rec.Body.String())
}

func TestErrorHelpers(t *testing.T) {
	rec := httptest.NewRecorder()
	BadRequest(rec, "no targets")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"no targets"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	NotFound(rec, "no report")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDecode(t *testing.T) {
	var dst struct {
		Key string `json:"key"`
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"key":"k"}`))
	rec := httptest.NewRecorder()
	require.True(t, Decode(rec, req, &dst))
	assert.Equal(t, "k", dst.Key)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"key":`))
	rec = httptest.NewRecorder()
	assert.False(t, Decode(rec, req, &dst))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid JSON")
}
