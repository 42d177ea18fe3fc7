package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ignite/relay/internal/pkg/distlock"
)

// Slot enforces one running job. TryAcquire never blocks waiting for the
// holder.
type Slot interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// refresher is implemented by slots whose hold expires unless renewed.
type refresher interface {
	Refresh(ctx context.Context) error
}

// LocalSlot is an in-process slot.
type LocalSlot struct {
	held atomic.Bool
}

// NewLocalSlot returns a free in-process slot.
func NewLocalSlot() *LocalSlot { return &LocalSlot{} }

func (s *LocalSlot) TryAcquire(ctx context.Context) (bool, error) {
	return s.held.CompareAndSwap(false, true), nil
}

func (s *LocalSlot) Release(ctx context.Context) error {
	s.held.Store(false)
	return nil
}

// Held reports whether the slot is taken.
func (s *LocalSlot) Held() bool { return s.held.Load() }

// SharedSlot extends the in-process slot across relay instances through a
// distributed lock (Redis or Postgres advisory lock).
type SharedSlot struct {
	local LocalSlot
	lock  distlock.Lock
	ttl   time.Duration
}

// NewSharedSlot wraps lock. ttl is the renewal period used by Refresh for
// locks that expire.
func NewSharedSlot(lock distlock.Lock, ttl time.Duration) *SharedSlot {
	return &SharedSlot{lock: lock, ttl: ttl}
}

func (s *SharedSlot) TryAcquire(ctx context.Context) (bool, error) {
	if ok, _ := s.local.TryAcquire(ctx); !ok {
		return false, nil
	}
	ok, err := s.lock.Acquire(ctx)
	if err != nil || !ok {
		s.local.Release(ctx)
		if err != nil {
			return false, fmt.Errorf("job slot: %w", err)
		}
		return false, nil
	}
	return true, nil
}

func (s *SharedSlot) Release(ctx context.Context) error {
	defer s.local.Release(ctx)
	return s.lock.Release(ctx)
}

// Refresh renews an expiring lock so long jobs keep the slot.
func (s *SharedSlot) Refresh(ctx context.Context) error {
	if l, ok := s.lock.(*distlock.RedisLock); ok {
		return l.Extend(ctx, s.ttl)
	}
	return nil
}
