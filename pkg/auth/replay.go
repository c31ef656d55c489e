package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/tendant/simple-idm-totp/pkg/domain"
)

// StepStore persists the last accepted TOTP step per account key.
type StepStore interface {
	// LastAccepted returns the stored step for key, if any.
	LastAccepted(ctx context.Context, key string) (step int64, ok bool, err error)
	// Advance records step for key only if it is greater than the stored
	// value, and reports whether it did. Implementations must make the
	// compare and the write atomic.
	Advance(ctx context.Context, key string, step int64) (bool, error)
}

// ReplayGuard rejects a code whose time step was already accepted for the
// same account.
type ReplayGuard struct {
	store StepStore
	locks *keyedMutex
}

// NewReplayGuard creates a replay guard backed by store.
func NewReplayGuard(store StepStore) *ReplayGuard {
	return &ReplayGuard{
		store: store,
		locks: newKeyedMutex(),
	}
}

// ReplayKey normalizes an account identifier into a store key.
func ReplayKey(accountID string) string {
	return strings.ToLower(strings.TrimSpace(accountID))
}

// CheckAndAccept records step as the account's last accepted step.
// It returns domain.ErrOTPReplayed when step is not newer than the stored
// value. Call it once per successful TOTP match, never speculatively.
func (g *ReplayGuard) CheckAndAccept(ctx context.Context, accountID string, step int64) error {
	key := ReplayKey(accountID)

	unlock := g.locks.lock(key)
	defer unlock()

	accepted, err := g.store.Advance(ctx, key, step)
	if err != nil {
		return fmt.Errorf("failed to record accepted step: %w", err)
	}
	if !accepted {
		return domain.ErrOTPReplayed
	}
	return nil
}

// LastAccepted returns the last accepted step for an account.
func (g *ReplayGuard) LastAccepted(ctx context.Context, accountID string) (int64, bool, error) {
	return g.store.LastAccepted(ctx, ReplayKey(accountID))
}

// keyedMutex serializes work per key. Entries are dropped once no
// goroutine holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// MemoryStepStore is an in-process StepStore for tests and single-instance
// deployments. It does not survive restarts.
type MemoryStepStore struct {
	mu    sync.Mutex
	steps map[string]int64
}

// NewMemoryStepStore creates an empty in-memory step store.
func NewMemoryStepStore() *MemoryStepStore {
	return &MemoryStepStore{steps: make(map[string]int64)}
}

// LastAccepted implements StepStore.
func (s *MemoryStepStore) LastAccepted(_ context.Context, key string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[key]
	return step, ok, nil
}

// Advance implements StepStore.
func (s *MemoryStepStore) Advance(_ context.Context, key string, step int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.steps[key]; ok && step <= last {
		return false, nil
	}
	s.steps[key] = step
	return true, nil
}
