// Package stats holds the dispatch counters read by the stats and report
// endpoints while a job runs.
//
// A Registry is an explicitly owned value: the server creates one and hands
// it to the credential rotator, the batch sender and the pipeline. Tests
// create isolated instances per job.
package stats

import (
	"sync"
	"time"

	"github.com/ignite/relay/internal/domain"
)

// Snapshot is a point-in-time copy of the registry.
type Snapshot struct {
	JobID                  string          `json:"job_id,omitempty"`
	State                  domain.JobState `json:"state"`
	TotalSent              int64           `json:"sent"`
	RotationCount          int64           `json:"rotations"`
	ErrorCount             int64           `json:"errors"`
	DeliveryErrors         int64           `json:"delivery_errors"`
	Active                 bool            `json:"active"`
	ProgressPercent        int             `json:"progress"`
	CurrentCredentialLabel string          `json:"current_credential"`
	TotalTargets           int             `json:"targets"`
	StartedAt              time.Time       `json:"started_at"`
}

// Summary is the frozen result of the last job that left the Running state.
type Summary struct {
	JobID          string          `json:"job_id"`
	State          domain.JobState `json:"state"`
	TotalTargets   int             `json:"targets"`
	Sent           int64           `json:"sent"`
	Errors         int64           `json:"errors"`
	DeliveryErrors int64           `json:"delivery_errors"`
	Rotations      int64           `json:"rotations"`
	Progress       int             `json:"progress"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
	Reason         string          `json:"reason,omitempty"`
}

// Duration returns how long the job ran.
func (s Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// Registry is the mutex-guarded counter set shared by one pipeline.
type Registry struct {
	mu   sync.RWMutex
	cur  Snapshot
	last *Summary
}

// NewRegistry returns an idle registry.
func NewRegistry() *Registry {
	return &Registry{cur: Snapshot{State: domain.JobIdle}}
}

// Reset clears all counters and marks a new job active.
func (r *Registry) Reset(jobID string, totalTargets int, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cur = Snapshot{
		JobID:        jobID,
		State:        domain.JobRunning,
		Active:       true,
		TotalTargets: totalTargets,
		StartedAt:    now,
	}
}

// RecordSent counts one delivered recipient.
func (r *Registry) RecordSent() {
	r.mu.Lock()
	r.cur.TotalSent++
	r.mu.Unlock()
}

// RecordDeliveryError counts one failed recipient. It also bumps the
// aggregate error counter.
func (r *Registry) RecordDeliveryError() {
	r.mu.Lock()
	r.cur.DeliveryErrors++
	r.cur.ErrorCount++
	r.mu.Unlock()
}

// RecordError counts a credential or transport-setup failure.
func (r *Registry) RecordError() {
	r.mu.Lock()
	r.cur.ErrorCount++
	r.mu.Unlock()
}

// RecordRotation counts a successful credential acquisition from label.
func (r *Registry) RecordRotation(label string) {
	r.mu.Lock()
	r.cur.RotationCount++
	r.cur.CurrentCredentialLabel = label
	r.mu.Unlock()
}

// SetProgress raises the progress percentage. Lower values are ignored so
// progress never goes backwards within a job.
func (r *Registry) SetProgress(percent int) int {
	if percent > 100 {
		percent = 100
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if percent > r.cur.ProgressPercent {
		r.cur.ProgressPercent = percent
	}
	return r.cur.ProgressPercent
}

// Sent returns the delivered count so far.
func (r *Registry) Sent() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cur.TotalSent
}

// Finish marks the job inactive in the given terminal state and freezes
// its counters, progress included, as the last summary. Callers report from
// the returned value; the live counters may be reset by the next job as soon
// as the slot is released.
func (r *Registry) Finish(state domain.JobState, reason string, now time.Time) Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cur.Active = false
	r.cur.State = state
	s := Summary{
		JobID:          r.cur.JobID,
		State:          state,
		TotalTargets:   r.cur.TotalTargets,
		Sent:           r.cur.TotalSent,
		Errors:         r.cur.ErrorCount,
		DeliveryErrors: r.cur.DeliveryErrors,
		Rotations:      r.cur.RotationCount,
		Progress:       r.cur.ProgressPercent,
		StartedAt:      r.cur.StartedAt,
		FinishedAt:     now,
		Reason:         reason,
	}
	r.last = &s
	return s
}

// Snapshot returns a copy of the live counters.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cur
}

// LastSummary returns the summary of the most recent finished job.
func (r *Registry) LastSummary() (Summary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return Summary{}, false
	}
	return *r.last, true
}
