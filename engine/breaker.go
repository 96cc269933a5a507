package engine

import (
	"context"
	"sync"
	"time"
)

// Breaker states
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half-open"
)

// BreakerState is the per-principal failure record kept in the state store.
type BreakerState struct {
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	NextRetry   time.Time `json:"next_retry"`
}

// StateStore is the keyed state service behind the breaker. Entries carry a
// TTL so stale principals age out; the store is injected so state can be
// shared across instances (Redis) instead of living in a process singleton.
type StateStore interface {
	Get(ctx context.Context, key string) (*BreakerState, error)
	Set(ctx context.Context, key string, state *BreakerState, ttl time.Duration) error
}

// MemoryStateStore is the process-local fallback store.
type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	state     BreakerState
	expiresAt time.Time
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStateStore) Get(ctx context.Context, key string) (*BreakerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.entries, key)
		return nil, nil
	}
	state := entry.state
	return &state, nil
}

func (s *MemoryStateStore) Set(ctx context.Context, key string, state *BreakerState, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{state: *state, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Breaker isolates a failing external principal (a connected sending
// account) from the rest of the engine. After FailureThreshold consecutive
// failures the principal opens for OpenCooldown; one probing call is then
// allowed and its outcome decides the next state.
type Breaker struct {
	Store            StateStore
	FailureThreshold int
	OpenCooldown     time.Duration
	RetryAfter       time.Duration
	EntryTTL         time.Duration

	mu  sync.Mutex
	now func() time.Time
}

func NewBreaker(store StateStore) *Breaker {
	return &Breaker{
		Store:            store,
		FailureThreshold: 5,
		OpenCooldown:     5 * time.Minute,
		RetryAfter:       time.Minute,
		EntryTTL:         time.Hour,
		now:              time.Now,
	}
}

// Call invokes fn unless the principal's circuit is open. While open and
// before NextRetry it fails fast with CircuitOpenError without calling fn;
// at or after NextRetry exactly one caller gets through as the half-open
// probe and concurrent callers keep failing fast until the probe resolves.
func (b *Breaker) Call(ctx context.Context, principal string, fn func() error) error {
	b.mu.Lock()
	state, err := b.Store.Get(ctx, principal)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	if state == nil {
		state = &BreakerState{State: BreakerClosed}
	}

	switch state.State {
	case BreakerOpen:
		if b.now().Before(state.NextRetry) {
			b.mu.Unlock()
			return &CircuitOpenError{Principal: principal, RetryAt: state.NextRetry}
		}
		// Cooldown elapsed: this caller becomes the probe.
		state.State = BreakerHalfOpen
		if err := b.Store.Set(ctx, principal, state, b.EntryTTL); err != nil {
			b.mu.Unlock()
			return err
		}
	case BreakerHalfOpen:
		// A probe is already in flight.
		b.mu.Unlock()
		return &CircuitOpenError{Principal: principal, RetryAt: state.NextRetry}
	}
	b.mu.Unlock()

	callErr := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	// Re-read under the lock: another caller may have recorded an outcome
	// while fn was in flight, and overwriting its count would let the
	// circuit absorb more than FailureThreshold consecutive failures.
	state, err = b.Store.Get(ctx, principal)
	if err != nil {
		return err
	}
	if state == nil {
		state = &BreakerState{State: BreakerClosed}
	}

	if callErr == nil {
		if state.State != BreakerClosed || state.Failures > 0 {
			reset := &BreakerState{State: BreakerClosed}
			if err := b.Store.Set(ctx, principal, reset, b.EntryTTL); err != nil {
				return err
			}
		}
		return nil
	}

	state.Failures++
	state.LastFailure = b.now()
	if state.Failures >= b.FailureThreshold {
		state.State = BreakerOpen
		state.NextRetry = b.now().Add(b.OpenCooldown)
	} else {
		state.State = BreakerClosed
		state.NextRetry = b.now().Add(b.RetryAfter)
	}
	if err := b.Store.Set(ctx, principal, state, b.EntryTTL); err != nil {
		return err
	}
	return callErr
}

// Snapshot returns the current state for a principal, nil when the breaker
// has never tripped for it (or the entry expired).
func (b *Breaker) Snapshot(ctx context.Context, principal string) (*BreakerState, error) {
	return b.Store.Get(ctx, principal)
}
