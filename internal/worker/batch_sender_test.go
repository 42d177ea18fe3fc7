package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/relay/internal/domain"
	"github.com/ignite/relay/internal/stats"
)

// fakeTransport records every envelope and fails targets listed in failFor.
type fakeTransport struct {
	openErr error
	failFor map[domain.Target]bool
	delay   time.Duration

	mu        sync.Mutex
	opened    int
	closed    int
	envelopes []Envelope
	inFlight  int32
	maxFlight int32
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Open(ctx context.Context, creds domain.Credentials) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	f.opened++
	return &fakeSession{t: f}, nil
}

type fakeSession struct{ t *fakeTransport }

func (s *fakeSession) Deliver(ctx context.Context, env Envelope) (string, error) {
	n := atomic.AddInt32(&s.t.inFlight, 1)
	defer atomic.AddInt32(&s.t.inFlight, -1)
	for {
		m := atomic.LoadInt32(&s.t.maxFlight)
		if n <= m || atomic.CompareAndSwapInt32(&s.t.maxFlight, m, n) {
			break
		}
	}
	if s.t.delay > 0 {
		time.Sleep(s.t.delay)
	}

	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.envelopes = append(s.t.envelopes, env)
	if s.t.failFor[env.To] {
		return "", errors.New("550 mailbox unavailable")
	}
	return fmt.Sprintf("msg-%d", len(s.t.envelopes)), nil
}

func (s *fakeSession) Close() error {
	s.t.mu.Lock()
	s.t.closed++
	s.t.mu.Unlock()
	return nil
}

func testCreds() domain.Credentials {
	return domain.Credentials{
		Label:    "primary",
		Identity: "alerts@relay.example.com",
		Secret:   "pw",
		Endpoint: "smtp.example.com",
		Port:     587,
	}
}

func targets(n int) []domain.Target {
	out := make([]domain.Target, n)
	for i := range out {
		out[i] = domain.Target(fmt.Sprintf("user%d@example.com", i))
	}
	return out
}

func TestBatchSender_DeliversAllInOrder(t *testing.T) {
	transport := &fakeTransport{}
	reg := stats.NewRegistry()
	reg.Reset("job", 6, time.Now())
	sender := NewBatchSender(transport, nil, reg, WithConcurrency(3))

	batch := targets(6)
	results, err := sender.Send(context.Background(), testCreds(), batch, domain.MessageTemplate{
		Subject: "Hi {{ target }}",
		Body:    "from {{ sender }}",
	})
	require.NoError(t, err)
	require.Len(t, results, 6)

	for i, r := range results {
		assert.Equal(t, batch[i], r.Target)
		assert.True(t, r.Delivered())
	}
	snap := reg.Snapshot()
	assert.EqualValues(t, 6, snap.TotalSent)
	assert.Zero(t, snap.DeliveryErrors)
	assert.Equal(t, 1, transport.opened)
	assert.Equal(t, 1, transport.closed)

	for _, env := range transport.envelopes {
		assert.Equal(t, "alerts@relay.example.com", env.From)
		assert.Equal(t, "Hi "+string(env.To), env.Subject)
		assert.Equal(t, "from alerts@relay.example.com", env.Body)
	}
}

func TestBatchSender_PerRecipientFailuresAreRecorded(t *testing.T) {
	batch := targets(4)
	transport := &fakeTransport{failFor: map[domain.Target]bool{batch[1]: true, batch[3]: true}}
	reg := stats.NewRegistry()
	reg.Reset("job", 4, time.Now())
	sender := NewBatchSender(transport, nil, reg)

	results, err := sender.Send(context.Background(), testCreds(), batch, domain.MessageTemplate{Body: "x"})
	require.NoError(t, err)

	assert.True(t, results[0].Delivered())
	assert.False(t, results[1].Delivered())
	assert.Contains(t, results[1].Reason, "mailbox unavailable")
	assert.True(t, results[2].Delivered())
	assert.False(t, results[3].Delivered())

	snap := reg.Snapshot()
	assert.EqualValues(t, 2, snap.TotalSent)
	assert.EqualValues(t, 2, snap.DeliveryErrors)
	assert.EqualValues(t, 2, snap.ErrorCount)
}

func TestBatchSender_SetupFailureTouchesNoRecipientCounters(t *testing.T) {
	transport := &fakeTransport{openErr: errors.New("535 authentication failed")}
	reg := stats.NewRegistry()
	reg.Reset("job", 3, time.Now())
	sender := NewBatchSender(transport, nil, reg)

	results, err := sender.Send(context.Background(), testCreds(), targets(3), domain.MessageTemplate{Body: "x"})
	require.Error(t, err)
	assert.Nil(t, results)
	assert.True(t, errors.Is(err, domain.ErrTransportSetup))
	assert.Contains(t, err.Error(), "primary")

	snap := reg.Snapshot()
	assert.Zero(t, snap.TotalSent)
	assert.Zero(t, snap.DeliveryErrors)
	assert.Zero(t, snap.ErrorCount)
}

func TestBatchSender_ConcurrencyIsBounded(t *testing.T) {
	transport := &fakeTransport{delay: 10 * time.Millisecond}
	sender := NewBatchSender(transport, nil, nil, WithConcurrency(2))

	_, err := sender.Send(context.Background(), testCreds(), targets(8), domain.MessageTemplate{Body: "x"})
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&transport.maxFlight), int32(2))
}

func TestBatchSender_SenderOverride(t *testing.T) {
	transport := &fakeTransport{}
	sender := NewBatchSender(transport, nil, nil, WithSender("Status Page", "status@example.com"))

	_, err := sender.Send(context.Background(), testCreds(), targets(1), domain.MessageTemplate{Body: "{{ sender }}"})
	require.NoError(t, err)
	require.Len(t, transport.envelopes, 1)
	assert.Equal(t, "status@example.com", transport.envelopes[0].From)
	assert.Equal(t, "Status Page", transport.envelopes[0].FromName)
	assert.Equal(t, "status@example.com", transport.envelopes[0].Body)
}

func TestBatchSender_IDIsRunningSentCount(t *testing.T) {
	transport := &fakeTransport{}
	reg := stats.NewRegistry()
	reg.Reset("job", 3, time.Now())
	sender := NewBatchSender(transport, nil, reg, WithConcurrency(1))

	_, err := sender.Send(context.Background(), testCreds(), targets(3), domain.MessageTemplate{Body: "{{ id }}"})
	require.NoError(t, err)

	var ids []string
	for _, env := range transport.envelopes {
		ids = append(ids, env.Body)
	}
	assert.Equal(t, "0,1,2", strings.Join(ids, ","))
}

func TestBatchSender_RateLimitCancelled(t *testing.T) {
	transport := &fakeTransport{}
	reg := stats.NewRegistry()
	sender := NewBatchSender(transport, nil, reg, WithRate(1), WithConcurrency(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := sender.Send(ctx, testCreds(), targets(2), domain.MessageTemplate{Body: "x"})
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, domain.OutcomeFailed, r.Outcome)
	}
	assert.EqualValues(t, 2, reg.Snapshot().DeliveryErrors)
}
