// Package worker delivers batches of rendered messages through a transport.
//
// Transports are split into individual files:
//   - smtp_transport.go: SMTP submission with STARTTLS and PLAIN auth
//   - ses_transport.go:  AWS SES v2 with per-batch static credentials
//   - batch_sender.go:   renders and delivers one batch with bounded concurrency
package worker

import (
	"context"
	"fmt"

	"github.com/ignite/relay/internal/config"
	"github.com/ignite/relay/internal/domain"
)

// Envelope is one rendered message addressed to one target.
type Envelope struct {
	From     string
	FromName string
	To       domain.Target
	Subject  string
	Body     string
}

// Session is an authenticated connection opened with one credential set.
// Deliver may be called from several goroutines.
type Session interface {
	Deliver(ctx context.Context, env Envelope) (messageID string, err error)
	Close() error
}

// Transport opens sessions. A failed Open fails the whole batch.
type Transport interface {
	Name() string
	Open(ctx context.Context, creds domain.Credentials) (Session, error)
}

// NewTransport builds the configured transport.
func NewTransport(cfg config.TransportConfig) (Transport, error) {
	switch domain.TransportType(cfg.Type) {
	case domain.TransportSMTP, "":
		return NewSMTPTransport(cfg.Timeout(), cfg.RequireTLS), nil
	case domain.TransportSES:
		return NewSESTransport(cfg.SESRegion), nil
	default:
		return nil, fmt.Errorf("unknown transport type %q", cfg.Type)
	}
}
