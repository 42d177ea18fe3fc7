package worker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/mailing"
	"github.com/ignite/relay/internal/metrics"
	"github.com/ignite/relay/internal/pkg/logger"
	"github.com/ignite/relay/internal/stats"
)

// DefaultConcurrency is the number of in-flight deliveries per batch.
const DefaultConcurrency = 5

// BatchSender renders and delivers one batch with one credential set.
// It is the only component that moves the delivered and delivery-error
// counters.
type BatchSender struct {
	transport   Transport
	templates   *mailing.TemplateService
	stats       *stats.Registry
	metrics     metrics.Sink
	concurrency int
	limiter     *rate.Limiter
	fromName    string
	fromAddress string
}

// Option configures a BatchSender.
type Option func(*BatchSender)

// WithConcurrency bounds in-flight deliveries within a batch.
func WithConcurrency(n int) Option {
	return func(s *BatchSender) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithRate paces deliveries to perSecond across the sender. Zero disables pacing.
func WithRate(perSecond int) Option {
	return func(s *BatchSender) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
		}
	}
}

// WithSender sets the display name and, when non-empty, a fixed sender
// address that overrides the credential identity.
func WithSender(name, address string) Option {
	return func(s *BatchSender) {
		s.fromName = name
		s.fromAddress = address
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(sink metrics.Sink) Option {
	return func(s *BatchSender) {
		if sink != nil {
			s.metrics = sink
		}
	}
}

// NewBatchSender creates a sender over transport.
func NewBatchSender(transport Transport, templates *mailing.TemplateService, reg *stats.Registry, opts ...Option) *BatchSender {
	if templates == nil {
		templates = mailing.NewTemplateService()
	}
	if reg == nil {
		reg = stats.NewRegistry()
	}
	s := &BatchSender{
		transport:   transport,
		templates:   templates,
		stats:       reg,
		metrics:     metrics.NewNoopSink(),
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send delivers tmpl to every target in batch using creds. Per-recipient
// failures become Failed results; the returned error is non-nil only when
// no session could be opened (wrapping domain.ErrTransportSetup), in which
// case no recipient counters are touched. Results follow batch order.
func (s *BatchSender) Send(ctx context.Context, creds domain.Credentials, batch []domain.Target, tmpl domain.MessageTemplate) ([]domain.BatchResult, error) {
	start := time.Now()

	sess, err := s.transport.Open(ctx, creds)
	if err != nil {
		s.metrics.TransportSetupFailed()
		return nil, fmt.Errorf("%w: %s via %s: %w", domain.ErrTransportSetup, s.transport.Name(), creds.Label, err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Debug("session close failed", "transport", s.transport.Name(), "error", err)
		}
	}()

	from := creds.Identity
	if s.fromAddress != "" {
		from = s.fromAddress
	}

	results := make([]domain.BatchResult, len(batch))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, target := range batch {
		g.Go(func() error {
			results[i] = s.deliver(ctx, sess, from, target, tmpl)
			return nil
		})
	}
	g.Wait()

	s.metrics.BatchCompleted(len(batch), time.Since(start))
	return results, nil
}

func (s *BatchSender) deliver(ctx context.Context, sess Session, from string, target domain.Target, tmpl domain.MessageTemplate) domain.BatchResult {
	result := domain.BatchResult{Target: target}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return s.fail(result, err)
		}
	}

	msg, err := s.templates.Render(tmpl, mailing.Variables{
		Target: target,
		ID:     s.stats.Sent(),
		Sender: from,
		Link:   tmpl.LinkOrDefault(),
	})
	if err != nil {
		return s.fail(result, err)
	}

	messageID, err := sess.Deliver(ctx, Envelope{
		From:     from,
		FromName: s.fromName,
		To:       target,
		Subject:  msg.Subject,
		Body:     msg.Body,
	})
	if err != nil {
		return s.fail(result, err)
	}

	s.stats.RecordSent()
	s.metrics.RecipientOutcome(string(domain.OutcomeDelivered))
	logger.Debug("delivered", "target", string(target), "message_id", messageID)
	result.Outcome = domain.OutcomeDelivered
	return result
}

func (s *BatchSender) fail(result domain.BatchResult, err error) domain.BatchResult {
	s.stats.RecordDeliveryError()
	s.metrics.RecipientOutcome(string(domain.OutcomeFailed))
	logger.Warn("delivery failed", "target", string(result.Target), "error", err)
	result.Outcome = domain.OutcomeFailed
	result.Reason = fmt.Errorf("%w: %v", domain.ErrDelivery, err).Error()
	return result
}
