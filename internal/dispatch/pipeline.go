// Package dispatch runs jobs: it splits targets into batches, rotates
// credentials per batch, hands each batch to the sender and streams
// progress to the caller.
package dispatch

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/mailing"
	"github.com/ignite/relay/internal/metrics"
	"github.com/ignite/relay/internal/pkg/logger"
	"github.com/ignite/relay/internal/stats"
)

const (
	// maxBatchAttempts is the first try plus one rotate-and-retry.
	maxBatchAttempts = 2

	// CredentialDisplayLen is how much of a credential identity progress
	// events reveal.
	CredentialDisplayLen = 25

	DefaultInterBatchDelay   = 1500 * time.Millisecond
	DefaultAssumedThroughput = 50
	DefaultEventBuffer       = 64
)

// CredentialProvider hands out one credential set per call. Implementations
// record their own rotation and error counts.
type CredentialProvider interface {
	Acquire(ctx context.Context) (domain.Credentials, error)
}

// Sender delivers one batch. A non-nil error means the whole batch failed
// before any recipient was attempted.
type Sender interface {
	Send(ctx context.Context, creds domain.Credentials, batch []domain.Target, tmpl domain.MessageTemplate) ([]domain.BatchResult, error)
}

// Pipeline runs one job at a time.
type Pipeline struct {
	provider  CredentialProvider
	sender    Sender
	stats     *stats.Registry
	slot      Slot
	metrics   metrics.Sink
	templates *mailing.TemplateService
	onFinish  func(stats.Summary)

	interBatchDelay   time.Duration
	assumedThroughput int
	eventBuffer       int

	mu    sync.Mutex
	state domain.JobState
	wg    sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSlot replaces the default in-process job slot.
func WithSlot(s Slot) Option {
	return func(p *Pipeline) {
		if s != nil {
			p.slot = s
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(p *Pipeline) {
		if sink != nil {
			p.metrics = sink
		}
	}
}

// WithTemplates sets the template service used to validate jobs.
func WithTemplates(ts *mailing.TemplateService) Option {
	return func(p *Pipeline) {
		if ts != nil {
			p.templates = ts
		}
	}
}

// WithInterBatchDelay sets the pause between batches. Zero disables it.
func WithInterBatchDelay(d time.Duration) Option {
	return func(p *Pipeline) {
		if d >= 0 {
			p.interBatchDelay = d
		}
	}
}

// WithAssumedThroughput sets the recipients-per-second figure behind the
// ETA in progress events.
func WithAssumedThroughput(perSecond int) Option {
	return func(p *Pipeline) {
		if perSecond > 0 {
			p.assumedThroughput = perSecond
		}
	}
}

// WithEventBuffer sets how many progress events a slow consumer may lag
// before events are dropped.
func WithEventBuffer(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.eventBuffer = n
		}
	}
}

// WithFinishHook registers fn to receive each job's summary after its
// terminal event has been emitted. fn runs on the job goroutine, so Wait
// also waits for it.
func WithFinishHook(fn func(stats.Summary)) Option {
	return func(p *Pipeline) { p.onFinish = fn }
}

// NewPipeline creates an idle pipeline.
func NewPipeline(provider CredentialProvider, sender Sender, reg *stats.Registry, opts ...Option) *Pipeline {
	if reg == nil {
		reg = stats.NewRegistry()
	}
	p := &Pipeline{
		provider:          provider,
		sender:            sender,
		stats:             reg,
		slot:              NewLocalSlot(),
		metrics:           metrics.NewNoopSink(),
		templates:         mailing.NewTemplateService(),
		interBatchDelay:   DefaultInterBatchDelay,
		assumedThroughput: DefaultAssumedThroughput,
		eventBuffer:       DefaultEventBuffer,
		state:             domain.JobIdle,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the state of the current or most recent job.
func (p *Pipeline) State() domain.JobState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s domain.JobState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Start validates job, takes the job slot and runs the job in the
// background. Cancelling ctx cancels the job at the next batch boundary.
// Errors wrap domain.ErrInvalidJob or domain.ErrJobInProgress, or report a
// slot backend failure; in every case nothing has changed.
func (p *Pipeline) Start(ctx context.Context, job domain.Job) (*Stream, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	if err := p.templates.Validate(job.Template); err != nil {
		return nil, err
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	ok, err := p.slot.TryAcquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire job slot: %w", err)
	}
	if !ok {
		return nil, domain.ErrJobInProgress
	}

	p.setState(domain.JobRunning)
	p.stats.Reset(job.ID, len(job.Targets), time.Now())
	p.metrics.JobStarted()

	stream := newStream(job.ID, p.eventBuffer, p.metrics.EventDropped)
	logger.Info("job started", "job_id", job.ID, "targets", len(job.Targets), "batch_size", job.BatchSize)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx, job, stream)
	}()
	return stream, nil
}

// Wait blocks until the running job, if any, has finished.
func (p *Pipeline) Wait() { p.wg.Wait() }

func (p *Pipeline) run(ctx context.Context, job domain.Job, stream *Stream) {
	// A batch, once begun, runs to completion even if the caller leaves.
	batchCtx := context.WithoutCancel(ctx)

	batches := job.Batches()
	total := len(job.Targets)
	processed := 0

	for i, batch := range batches {
		if ctx.Err() != nil {
			p.finish(job, stream, domain.JobCancelled, "caller disconnected")
			return
		}

		creds, err := p.runBatch(batchCtx, job, batch)
		if err != nil {
			p.finish(job, stream, domain.JobFailed, err.Error())
			return
		}

		offset := processed
		processed += len(batch)
		percent := p.stats.SetProgress(int(math.Round(float64(processed) / float64(total) * 100)))
		snap := p.stats.Snapshot()
		stream.emit(Event{
			Type:       EventProgress,
			Percent:    percent,
			Sent:       snap.TotalSent,
			Errors:     snap.ErrorCount,
			Credential: creds.TruncatedIdentity(CredentialDisplayLen),
			Batch:      len(batch),
			BatchIndex: i + 1,
			Batches:    len(batches),
			ETASeconds: p.eta(total - offset),
		})

		if r, ok := p.slot.(refresher); ok {
			if err := r.Refresh(batchCtx); err != nil {
				logger.Warn("job slot refresh failed", "job_id", job.ID, "error", err)
			}
		}

		if i < len(batches)-1 && !p.pause(ctx) {
			p.finish(job, stream, domain.JobCancelled, "caller disconnected")
			return
		}
	}

	p.finish(job, stream, domain.JobCompleted, "")
}

// runBatch acquires credentials and sends one batch. A harvest or
// transport-setup failure gets one retry with the next credential set.
func (p *Pipeline) runBatch(ctx context.Context, job domain.Job, batch []domain.Target) (domain.Credentials, error) {
	var lastErr error
	for attempt := 1; attempt <= maxBatchAttempts; attempt++ {
		if attempt > 1 {
			p.metrics.BatchRetried()
			logger.Warn("retrying batch with rotated credentials", "job_id", job.ID, "error", lastErr)
		}

		creds, err := p.provider.Acquire(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		results, err := p.sender.Send(ctx, creds, batch, job.Template)
		if err != nil {
			p.stats.RecordError()
			lastErr = err
			continue
		}
		if len(results) != len(batch) {
			logger.Warn("sender returned short result set", "job_id", job.ID, "want", len(batch), "got", len(results))
		}
		return creds, nil
	}
	return domain.Credentials{}, fmt.Errorf("batch failed after %d attempts: %w", maxBatchAttempts, lastErr)
}

// pause waits out the inter-batch delay. It returns false if ctx ends first.
func (p *Pipeline) pause(ctx context.Context) bool {
	if p.interBatchDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(p.interBatchDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// eta counts from the start of the batch just sent, so the last progress
// event still reports that batch's share.
func (p *Pipeline) eta(remaining int) int {
	return int(math.Round(float64(remaining) / float64(p.assumedThroughput)))
}

func (p *Pipeline) finish(job domain.Job, stream *Stream, state domain.JobState, reason string) {
	summary := p.stats.Finish(state, reason, time.Now())
	p.metrics.JobFinished(string(state), summary.Duration())
	p.setState(state)

	if err := p.slot.Release(context.Background()); err != nil {
		logger.Warn("job slot release failed", "job_id", job.ID, "error", err)
	}

	fields := []interface{}{
		"job_id", job.ID, "state", string(state), "sent", summary.Sent,
		"errors", summary.Errors, "duration", summary.Duration().String(),
	}
	if state == domain.JobFailed {
		logger.Error("job failed", append(fields, "reason", reason)...)
	} else {
		logger.Info("job finished", fields...)
	}

	stream.finish(Event{
		Type:    terminalEvent(state),
		Percent: summary.Progress,
		Sent:    summary.Sent,
		Errors:  summary.Errors,
		Total:   summary.TotalTargets,
		Reason:  reason,
	})

	if p.onFinish != nil {
		p.onFinish(summary)
	}
}
