// Package metrics records dispatch pipeline metrics.
package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Credential rotation
	CredentialAcquired(source string)
	CredentialFailed(source string)

	// Batch sender
	RecipientOutcome(outcome string)
	BatchCompleted(size int, duration time.Duration)
	TransportSetupFailed()

	// Pipeline
	JobStarted()
	JobFinished(state string, duration time.Duration)
	BatchRetried()
	EventDropped()
}

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) CredentialAcquired(source string)                 {}
func (n *NoopSink) CredentialFailed(source string)                   {}
func (n *NoopSink) RecipientOutcome(outcome string)                  {}
func (n *NoopSink) BatchCompleted(size int, duration time.Duration)  {}
func (n *NoopSink) TransportSetupFailed()                            {}
func (n *NoopSink) JobStarted()                                      {}
func (n *NoopSink) JobFinished(state string, duration time.Duration) {}
func (n *NoopSink) BatchRetried()                                    {}
func (n *NoopSink) EventDropped()                                    {}
