package shared

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Locker guards a named critical section. The returned func releases it.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// StockLockKey builds the key for the per item and warehouse critical section.
func StockLockKey(companyID, itemID, warehouseID uuid.UUID) string {
	return fmt.Sprintf("inventory:%s:%s:%s:lock", companyID, itemID, warehouseID)
}

// PeriodLockKey builds the key serialising period state changes.
func PeriodLockKey(companyID, periodID uuid.UUID) string {
	return fmt.Sprintf("finance:%s:period:%s:lock", companyID, periodID)
}

// KeyedMutex is an in-process Locker with one slot per key.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
	wait  time.Duration
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex returns a KeyedMutex that gives up after wait. A zero wait
// blocks until ctx is done.
func NewKeyedMutex(wait time.Duration) *KeyedMutex {
	return &KeyedMutex{slots: make(map[string]*slot), wait: wait}
}

// Lock enters the critical section for key.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	s.refs++
	k.mu.Unlock()

	if k.wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.wait)
		defer cancel()
	}
	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, s, false)
		return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
	}
	var once sync.Once
	return func() {
		once.Do(func() { k.release(key, s, true) })
	}, nil
}

func (k *KeyedMutex) release(key string, s *slot, held bool) {
	if held {
		<-s.ch
	}
	k.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(k.slots, key)
	}
	k.mu.Unlock()
}
