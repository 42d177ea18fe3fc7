package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ignite/relay/internal/dispatch"
	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/pkg/httputil"
	"github.com/ignite/relay/internal/pkg/logger"
	"github.com/ignite/relay/internal/stats"
	"github.com/ignite/relay/internal/storage"
)

const maxDispatchBody = 8 << 20

// Dispatcher starts jobs. *dispatch.Pipeline satisfies it.
type Dispatcher interface {
	Start(ctx context.Context, job domain.Job) (*dispatch.Stream, error)
}

// History lists archived job summaries. *storage.Storage satisfies it.
type History interface {
	Recent(ctx context.Context, limit int) ([]stats.Summary, error)
}

// Handlers contains all HTTP handlers
type Handlers struct {
	dispatcher         Dispatcher
	stats              *stats.Registry
	history            History
	authKey            []byte
	defaultBatchSize   int
	streamWriteTimeout time.Duration
}

// NewHandlers creates a new Handlers instance. history may be nil.
func NewHandlers(d Dispatcher, reg *stats.Registry, history History, authKey string, defaultBatchSize int, streamWriteTimeout time.Duration) *Handlers {
	if defaultBatchSize <= 0 {
		defaultBatchSize = 25
	}
	return &Handlers{
		dispatcher:         d,
		stats:              reg,
		history:            history,
		authKey:            []byte(authKey),
		defaultBatchSize:   defaultBatchSize,
		streamWriteTimeout: streamWriteTimeout,
	}
}

// DispatchRequest is the job submission body.
type DispatchRequest struct {
	Key       string                 `json:"key"`
	Targets   []string               `json:"targets"`
	Template  domain.MessageTemplate `json:"template"`
	Link      string                 `json:"link"`
	BatchSize int                    `json:"batch_size"`
}

func (req DispatchRequest) job(defaultBatchSize int) domain.Job {
	targets := make([]domain.Target, len(req.Targets))
	for i, t := range req.Targets {
		targets[i] = domain.Target(t)
	}
	tmpl := req.Template
	if req.Link != "" {
		tmpl.Link = req.Link
	}
	size := req.BatchSize
	if size == 0 {
		size = defaultBatchSize
	}
	return domain.Job{Targets: targets, Template: tmpl, BatchSize: size}
}

// authorized compares the presented key without short-circuiting. An
// unconfigured key rejects everything.
func (h *Handlers) authorized(key string) bool {
	if len(h.authKey) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), h.authKey) == 1
}

// HandleDispatch submits a job and streams its progress as server-sent
// events until the terminal event.
//
//	POST /api/dispatch
func (h *Handlers) HandleDispatch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxDispatchBody)
	var req DispatchRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	if !h.authorized(req.Key) {
		logger.Warn("dispatch rejected", "remote", r.RemoteAddr, "reason", domain.ErrAuthorization)
		httputil.Error(w, http.StatusUnauthorized, "Invalid key")
		return
	}

	events, err := httputil.NewEventStream(w, h.streamWriteTimeout)
	if err != nil {
		respondSafeError(w, http.StatusInternalServerError, err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream, err := h.dispatcher.Start(ctx, req.job(h.defaultBatchSize))
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidJob):
		httputil.BadRequest(w, err.Error())
		return
	case errors.Is(err, domain.ErrJobInProgress):
		httputil.Error(w, http.StatusConflict, "A job is already in progress")
		return
	default:
		respondSafeError(w, http.StatusInternalServerError, err)
		return
	}

	events.Open()
	for ev := range stream.Events() {
		if err := events.Send(ev); err != nil {
			// The pipeline notices the cancellation at the next batch
			// boundary and still emits its terminal event into the buffer.
			logger.Warn("progress stream closed by client", "job_id", stream.JobID(), "error", err)
			cancel()
			return
		}
	}
	if n := stream.Dropped(); n > 0 {
		logger.Warn("progress events dropped for slow client", "job_id", stream.JobID(), "dropped", n)
	}
}

// HandleStats returns the live counters.
//
//	GET /api/stats
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, h.stats.Snapshot())
}

// HandleReport exports the last finished job as a plain-text attachment,
// or as JSON with ?format=json.
//
//	GET /api/report
func (h *Handlers) HandleReport(w http.ResponseWriter, r *http.Request) {
	summary, ok := h.stats.LastSummary()
	if !ok {
		httputil.NotFound(w, "No job has finished yet")
		return
	}

	if r.URL.Query().Get("format") == "json" {
		httputil.OK(w, summary)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", storage.ReportFilename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(storage.RenderText(summary)))
}

// HandleJobs lists archived job summaries, newest first.
//
//	GET /api/jobs?limit=N
func (h *Handlers) HandleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.BadRequest(w, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	jobs := []stats.Summary{}
	if h.history != nil {
		recent, err := h.history.Recent(r.Context(), limit)
		if err != nil {
			respondSafeError(w, http.StatusInternalServerError, err)
			return
		}
		jobs = append(jobs, recent...)
	}
	httputil.OK(w, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}
