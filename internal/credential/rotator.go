package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/metrics"
	"github.com/ignite/relay/internal/pkg/logger"
	"github.com/ignite/relay/internal/stats"
)

// ErrNoSources is returned by NewRotator when no sources are configured.
var ErrNoSources = errors.New("credential: no sources configured")

// Source supplies one credential set on demand.
type Source interface {
	Name() string
	Fetch(ctx context.Context) (domain.Credentials, error)
}

// Rotator rotates round-robin over its sources. It is safe for concurrent
// use, though the pipeline only calls it from one goroutine per job.
type Rotator struct {
	sources []Source
	stats   *stats.Registry
	metrics metrics.Sink

	mu    sync.Mutex
	calls uint64
}

// NewRotator builds a rotator over sources in the given order.
func NewRotator(sources []Source, reg *stats.Registry, sink metrics.Sink) (*Rotator, error) {
	if len(sources) == 0 {
		return nil, ErrNoSources
	}
	if reg == nil {
		reg = stats.NewRegistry()
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	return &Rotator{
		sources: append([]Source(nil), sources...),
		stats:   reg,
		metrics: sink,
	}, nil
}

// Acquire fetches credentials from the next source in rotation.
// On success it bumps the rotation counter and records the source label;
// on failure it bumps the error counter and returns a wrapped ErrHarvest.
func (r *Rotator) Acquire(ctx context.Context) (domain.Credentials, error) {
	src, index := r.next()

	creds, err := src.Fetch(ctx)
	if err == nil {
		err = creds.Validate()
	}
	if err != nil {
		r.stats.RecordError()
		r.metrics.CredentialFailed(src.Name())
		logger.Warn("credential acquisition failed", "source", src.Name(), "index", index, "error", err)
		return domain.Credentials{}, fmt.Errorf("%w: source %s: %w", domain.ErrHarvest, src.Name(), err)
	}

	creds.Label = src.Name()
	r.stats.RecordRotation(creds.Label)
	r.metrics.CredentialAcquired(src.Name())
	logger.Debug("credential acquired", "source", src.Name(), "index", index, "identity", creds.Identity)
	return creds, nil
}

// next claims the source for the current call and advances the counter.
func (r *Rotator) next() (Source, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	index := int(r.calls % uint64(len(r.sources)))
	r.calls++
	return r.sources[index], index
}

// Calls returns how many acquisitions have been attempted.
func (r *Rotator) Calls() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Sources returns the source names in rotation order.
func (r *Rotator) Sources() []string {
	names := make([]string, len(r.sources))
	for i, s := range r.sources {
		names[i] = s.Name()
	}
	return names
}
