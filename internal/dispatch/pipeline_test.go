package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/relay/internal/credential"
	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/stats"
)

// scriptedSource returns errs[i] on its i-th call (nil = success).
type scriptedSource struct {
	name string
	mu   sync.Mutex
	errs []error
	call int
}

func (s *scriptedSource) Name() string { return s.name }

func (s *scriptedSource) Fetch(ctx context.Context) (domain.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.call < len(s.errs) {
		err = s.errs[s.call]
	}
	s.call++
	if err != nil {
		return domain.Credentials{}, err
	}
	return domain.Credentials{
		Identity: "notifications-" + s.name + "@mail.relay.example.com",
		Secret:   "pw",
		Endpoint: "smtp.example.com",
		Port:     587,
	}, nil
}

// recordingSender mimics the batch sender's counter updates.
type recordingSender struct {
	stats *stats.Registry

	mu       sync.Mutex
	batches  [][]domain.Target
	creds    []string
	failFor  map[domain.Target]bool
	setupErr []error
	gate     chan struct{}
	calls    int
}

func (s *recordingSender) Send(ctx context.Context, creds domain.Credentials, batch []domain.Target, tmpl domain.MessageTemplate) ([]domain.BatchResult, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	call := s.calls
	s.calls++
	if call < len(s.setupErr) && s.setupErr[call] != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransportSetup, s.setupErr[call])
	}

	s.batches = append(s.batches, append([]domain.Target(nil), batch...))
	s.creds = append(s.creds, creds.Label)
	results := make([]domain.BatchResult, len(batch))
	for i, t := range batch {
		results[i] = domain.BatchResult{Target: t, Outcome: domain.OutcomeDelivered}
		if s.failFor[t] {
			results[i].Outcome = domain.OutcomeFailed
			s.stats.RecordDeliveryError()
		} else {
			s.stats.RecordSent()
		}
	}
	return results, nil
}

type fixture struct {
	reg      *stats.Registry
	sources  []*scriptedSource
	sender   *recordingSender
	pipeline *Pipeline
}

func newFixture(t *testing.T, nSources int, opts ...Option) *fixture {
	t.Helper()
	reg := stats.NewRegistry()
	f := &fixture{reg: reg, sender: &recordingSender{stats: reg}}
	var sources []credential.Source
	for i := 0; i < nSources; i++ {
		src := &scriptedSource{name: fmt.Sprintf("src%d", i)}
		f.sources = append(f.sources, src)
		sources = append(sources, src)
	}
	rot, err := credential.NewRotator(sources, reg, nil)
	require.NoError(t, err)

	opts = append([]Option{WithInterBatchDelay(0)}, opts...)
	f.pipeline = NewPipeline(rot, f.sender, reg, opts...)
	return f
}

func makeJob(n, batchSize int) domain.Job {
	targets := make([]domain.Target, n)
	for i := range targets {
		targets[i] = domain.Target(fmt.Sprintf("user%d@example.com", i))
	}
	return domain.Job{
		Targets:   targets,
		BatchSize: batchSize,
		Template:  domain.MessageTemplate{Subject: "Hello {{ target }}", Body: "id {{ id }}"},
	}
}

func collect(t *testing.T, s *Stream) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, e)
		case <-timeout:
			t.Fatalf("stream did not close; got %d events", len(events))
		}
	}
}

func TestPipeline_SevenTargetsBatchOfThree(t *testing.T) {
	f := newFixture(t, 2)
	job := makeJob(7, 3)

	stream, err := f.pipeline.Start(context.Background(), job)
	require.NoError(t, err)
	events := collect(t, stream)
	f.pipeline.Wait()

	require.Len(t, events, 4)
	var sizes, percents []int
	for _, e := range events[:3] {
		assert.Equal(t, EventProgress, e.Type)
		sizes = append(sizes, e.Batch)
		percents = append(percents, e.Percent)
	}
	assert.Equal(t, []int{3, 3, 1}, sizes)
	assert.Equal(t, []int{43, 86, 100}, percents)

	last := events[3]
	assert.Equal(t, EventCompleted, last.Type)
	assert.True(t, last.Terminal())
	assert.EqualValues(t, 7, last.Sent)
	assert.Equal(t, 7, last.Total)
	assert.Equal(t, stream.JobID(), last.JobID)

	snap := f.reg.Snapshot()
	assert.Equal(t, 7, snap.TotalTargets)
	assert.False(t, snap.Active)
	assert.Equal(t, domain.JobCompleted, f.pipeline.State())
}

func TestPipeline_BatchesPartitionTargetsInOrder(t *testing.T) {
	f := newFixture(t, 3)
	job := makeJob(23, 5)

	stream, err := f.pipeline.Start(context.Background(), job)
	require.NoError(t, err)
	collect(t, stream)

	var flat []domain.Target
	for _, b := range f.sender.batches {
		flat = append(flat, b...)
	}
	assert.Equal(t, job.Targets, flat)
	assert.Equal(t, []string{"src0", "src1", "src2", "src0", "src1"}, f.sender.creds)
}

func TestPipeline_CompletedCountsAddUp(t *testing.T) {
	f := newFixture(t, 1)
	job := makeJob(10, 4)
	f.sender.failFor = map[domain.Target]bool{job.Targets[2]: true, job.Targets[9]: true}

	stream, err := f.pipeline.Start(context.Background(), job)
	require.NoError(t, err)
	events := collect(t, stream)

	last := events[len(events)-1]
	assert.Equal(t, EventCompleted, last.Type)
	summary, ok := f.reg.LastSummary()
	require.True(t, ok)
	assert.EqualValues(t, 8, summary.Sent)
	assert.EqualValues(t, 2, summary.DeliveryErrors)
	assert.EqualValues(t, summary.TotalTargets, summary.Sent+summary.DeliveryErrors)
	assert.EqualValues(t, 2, last.Errors)
}

func TestPipeline_ProgressIsMonotonic(t *testing.T) {
	f := newFixture(t, 2)
	stream, err := f.pipeline.Start(context.Background(), makeJob(101, 7))
	require.NoError(t, err)

	prev := -1
	for _, e := range collect(t, stream) {
		assert.GreaterOrEqual(t, e.Percent, prev)
		prev = e.Percent
	}
	assert.Equal(t, 100, prev)
}

func TestPipeline_ProgressEventFields(t *testing.T) {
	f := newFixture(t, 1, WithAssumedThroughput(50))
	stream, err := f.pipeline.Start(context.Background(), makeJob(150, 25))
	require.NoError(t, err)
	events := collect(t, stream)

	first := events[0]
	assert.Equal(t, "notifications-src0@mail.r...", first.Credential)
	assert.Equal(t, 3, first.ETASeconds) // 150 from offset 0 at 50/s
	assert.Equal(t, 1, first.BatchIndex)
	assert.Equal(t, 6, first.Batches)
	assert.EqualValues(t, 25, first.Sent)
	assert.Equal(t, 1, events[5].ETASeconds) // 25 from offset 125 rounds up
}

func TestPipeline_HarvestFailureRetriesWithRotation(t *testing.T) {
	f := newFixture(t, 2)
	f.sources[0].errs = []error{errors.New("broker timeout")}

	stream, err := f.pipeline.Start(context.Background(), makeJob(4, 2))
	require.NoError(t, err)
	events := collect(t, stream)

	require.Len(t, events, 3)
	assert.Equal(t, EventCompleted, events[2].Type)
	// call 0 failed on src0, retry took src1; batch 2 is call 2 on src0
	assert.Equal(t, []string{"src1", "src0"}, f.sender.creds)

	summary, _ := f.reg.LastSummary()
	assert.EqualValues(t, 1, summary.Errors)
	assert.EqualValues(t, 2, summary.Rotations)
	assert.EqualValues(t, 4, summary.Sent)
}

func TestPipeline_TransportSetupFailureRetriesOnce(t *testing.T) {
	f := newFixture(t, 2)
	f.sender.setupErr = []error{errors.New("535 auth failed")}

	stream, err := f.pipeline.Start(context.Background(), makeJob(3, 3))
	require.NoError(t, err)
	events := collect(t, stream)

	require.Len(t, events, 2)
	assert.Equal(t, EventCompleted, events[1].Type)
	assert.Equal(t, []string{"src1"}, f.sender.creds)
	assert.EqualValues(t, 1, f.reg.Snapshot().ErrorCount)
}

func TestPipeline_RetryExhaustedFailsJob(t *testing.T) {
	f := newFixture(t, 2)
	f.sources[0].errs = []error{errors.New("down")}
	f.sources[1].errs = []error{errors.New("also down")}

	stream, err := f.pipeline.Start(context.Background(), makeJob(6, 2))
	require.NoError(t, err)
	events := collect(t, stream)
	f.pipeline.Wait()

	require.Len(t, events, 1)
	assert.Equal(t, EventFailed, events[0].Type)
	assert.Contains(t, events[0].Reason, "also down")
	assert.Empty(t, f.sender.batches)
	assert.Equal(t, domain.JobFailed, f.pipeline.State())

	snap := f.reg.Snapshot()
	assert.False(t, snap.Active)
	assert.EqualValues(t, 2, snap.ErrorCount)
}

func TestPipeline_FailureAfterSomeBatches(t *testing.T) {
	f := newFixture(t, 1)
	f.sources[0].errs = []error{nil, errors.New("x"), errors.New("y")}

	stream, err := f.pipeline.Start(context.Background(), makeJob(6, 2))
	require.NoError(t, err)
	events := collect(t, stream)

	require.Len(t, events, 2)
	assert.Equal(t, EventProgress, events[0].Type)
	assert.Equal(t, EventFailed, events[1].Type)
	assert.EqualValues(t, 2, events[1].Sent)
}

func TestPipeline_CancelStopsBeforeNextBatch(t *testing.T) {
	f := newFixture(t, 1, WithInterBatchDelay(300*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := f.pipeline.Start(ctx, makeJob(9, 3))
	require.NoError(t, err)

	first := <-stream.Events()
	require.Equal(t, EventProgress, first.Type)
	cancel()

	rest := collect(t, stream)
	require.Len(t, rest, 1)
	assert.Equal(t, EventCancelled, rest[0].Type)
	assert.Len(t, f.sender.batches, 1)
	assert.Equal(t, domain.JobCancelled, f.pipeline.State())

	_, open := <-stream.Events()
	assert.False(t, open, "no events after the cancelled event")
}

func TestPipeline_CancelledBeforeFirstBatch(t *testing.T) {
	f := newFixture(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stream, err := f.pipeline.Start(ctx, makeJob(3, 1))
	require.NoError(t, err)
	events := collect(t, stream)

	require.Len(t, events, 1)
	assert.Equal(t, EventCancelled, events[0].Type)
	assert.Zero(t, f.sender.calls)
}

func TestPipeline_SecondStartWhileRunning(t *testing.T) {
	f := newFixture(t, 1)
	f.sender.gate = make(chan struct{})

	stream, err := f.pipeline.Start(context.Background(), makeJob(2, 1))
	require.NoError(t, err)
	assert.Equal(t, domain.JobRunning, f.pipeline.State())

	_, err = f.pipeline.Start(context.Background(), makeJob(5, 1))
	assert.ErrorIs(t, err, domain.ErrJobInProgress)
	assert.Equal(t, 2, f.reg.Snapshot().TotalTargets, "running job's stats untouched")

	close(f.sender.gate)
	events := collect(t, stream)
	assert.Equal(t, EventCompleted, events[len(events)-1].Type)
	assert.EqualValues(t, 2, events[len(events)-1].Sent)

	// slot is free again
	stream, err = f.pipeline.Start(context.Background(), makeJob(1, 1))
	require.NoError(t, err)
	collect(t, stream)
}

func TestPipeline_InvalidJob(t *testing.T) {
	tests := []struct {
		name string
		job  domain.Job
	}{
		{"zero batch size", makeJob(3, 0)},
		{"no targets", makeJob(0, 3)},
		{"unknown placeholder", func() domain.Job {
			j := makeJob(3, 1)
			j.Template.Body = "{{ password }}"
			return j
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1)
			_, err := f.pipeline.Start(context.Background(), tt.job)
			assert.ErrorIs(t, err, domain.ErrInvalidJob)
			assert.Equal(t, domain.JobIdle, f.pipeline.State())
			assert.False(t, f.reg.Snapshot().Active)
		})
	}
}

func TestPipeline_InterBatchDelaySkippedAfterLastBatch(t *testing.T) {
	f := newFixture(t, 1, WithInterBatchDelay(100*time.Millisecond))
	start := time.Now()
	stream, err := f.pipeline.Start(context.Background(), makeJob(3, 1))
	require.NoError(t, err)
	collect(t, stream)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 300*time.Millisecond+200*time.Millisecond)
}

func TestPipeline_SlowConsumerDropsProgressKeepsTerminal(t *testing.T) {
	f := newFixture(t, 1, WithEventBuffer(1))
	stream, err := f.pipeline.Start(context.Background(), makeJob(5, 1))
	require.NoError(t, err)
	f.pipeline.Wait()

	events := collect(t, stream)
	require.Len(t, events, 2)
	assert.Equal(t, EventProgress, events[0].Type)
	assert.Equal(t, EventCompleted, events[1].Type)
	assert.Equal(t, 4, stream.Dropped())
}

func TestPipeline_FinishHookReceivesSummary(t *testing.T) {
	var got []stats.Summary
	f := newFixture(t, 1, WithFinishHook(func(s stats.Summary) { got = append(got, s) }))

	stream, err := f.pipeline.Start(context.Background(), makeJob(5, 2))
	require.NoError(t, err)
	collect(t, stream)
	f.pipeline.Wait()

	require.Len(t, got, 1)
	assert.Equal(t, stream.JobID(), got[0].JobID)
	assert.Equal(t, domain.JobCompleted, got[0].State)
	assert.EqualValues(t, 5, got[0].Sent)
}

// handoffSlot resets the registry on release, as a job starting the moment
// the slot frees up would.
type handoffSlot struct {
	*LocalSlot
	reg *stats.Registry
}

func (s handoffSlot) Release(ctx context.Context) error {
	err := s.LocalSlot.Release(ctx)
	s.reg.Reset("next-job", 1, time.Now())
	return err
}

func TestPipeline_TerminalPercentSurvivesSlotHandoff(t *testing.T) {
	f := newFixture(t, 1)
	f.pipeline = NewPipeline(f.pipeline.provider, f.sender, f.reg,
		WithInterBatchDelay(0), WithSlot(handoffSlot{LocalSlot: NewLocalSlot(), reg: f.reg}))

	stream, err := f.pipeline.Start(context.Background(), makeJob(4, 2))
	require.NoError(t, err)
	events := collect(t, stream)

	last := events[len(events)-1]
	require.Equal(t, EventCompleted, last.Type)
	assert.Equal(t, 100, last.Percent)
	assert.EqualValues(t, 4, last.Sent)

	summary, ok := f.reg.LastSummary()
	require.True(t, ok)
	assert.Equal(t, 100, summary.Progress)
}
