package auth

import (
	"sync"
	"time"
)

// ChallengeTokenTTL bounds how long a password-verified login may wait for
// its second factor.
const ChallengeTokenTTL = 5 * time.Minute

const challengeTokenLen = 32

// pendingTable holds short-lived values keyed by a string. Expired entries
// read as missing but stay in the table until sweep hands them back, so the
// owner can clean up after every one of them.
type pendingTable[V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   Clock
	entries map[string]pendingEntry[V]
}

type pendingEntry[V any] struct {
	value     V
	expiresAt time.Time
}

func newPendingTable[V any](ttl time.Duration, clock Clock) *pendingTable[V] {
	if clock == nil {
		clock = SystemClock()
	}
	return &pendingTable[V]{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]pendingEntry[V]),
	}
}

func (t *pendingTable[V]) put(key string, value V) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key] = pendingEntry[V]{value: value, expiresAt: t.clock.Now().Add(t.ttl)}
}

func (t *pendingTable[V]) get(key string) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key]
	if !ok || !t.clock.Now().Before(entry.expiresAt) {
		var zero V
		return zero, false
	}
	return entry.value, true
}

func (t *pendingTable[V]) take(key string) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key]
	if !ok || !t.clock.Now().Before(entry.expiresAt) {
		var zero V
		return zero, false
	}
	delete(t.entries, key)
	return entry.value, true
}

// sweep drops expired entries and returns them.
func (t *pendingTable[V]) sweep() []V {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	var expired []V
	for key, entry := range t.entries {
		if !now.Before(entry.expiresAt) {
			expired = append(expired, entry.value)
			delete(t.entries, key)
		}
	}
	return expired
}

func (t *pendingTable[V]) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// LoginChallenges maps opaque challenge tokens to login attempts waiting for
// their second factor. Only the SHA-256 of a token is kept.
type LoginChallenges struct {
	table *pendingTable[*LoginSession]
}

// NewLoginChallenges creates a challenge table with the given TTL. A zero TTL
// uses ChallengeTokenTTL.
func NewLoginChallenges(ttl time.Duration, clock Clock) *LoginChallenges {
	if ttl <= 0 {
		ttl = ChallengeTokenTTL
	}
	return &LoginChallenges{table: newPendingTable[*LoginSession](ttl, clock)}
}

// Issue stores session and returns the raw challenge token for the client.
func (c *LoginChallenges) Issue(session *LoginSession) (string, error) {
	rawToken, err := GenerateToken(challengeTokenLen)
	if err != nil {
		return "", err
	}
	c.table.put(HashToken(rawToken), session)
	return rawToken, nil
}

// Lookup returns the attempt for token.
func (c *LoginChallenges) Lookup(token string) (*LoginSession, bool) {
	return c.table.get(HashToken(token))
}

// Consume removes token and returns its attempt. An expired token is left
// for Sweep.
func (c *LoginChallenges) Consume(token string) (*LoginSession, bool) {
	return c.table.take(HashToken(token))
}

// Sweep removes expired challenges, including ones a Lookup or Consume
// already missed, and returns their attempts so the caller can sign them out.
func (c *LoginChallenges) Sweep() []*LoginSession {
	return c.table.sweep()
}

// Len returns the number of stored challenges, including expired ones not
// yet swept.
func (c *LoginChallenges) Len() int {
	return c.table.len()
}

// PendingEnrollments keeps at most one unconfirmed Enrollment per account.
type PendingEnrollments struct {
	table *pendingTable[*Enrollment]
}

// NewPendingEnrollments creates the table. Entries expire after ttl.
func NewPendingEnrollments(ttl time.Duration, clock Clock) *PendingEnrollments {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &PendingEnrollments{table: newPendingTable[*Enrollment](ttl, clock)}
}

// Put replaces the pending enrollment for its account.
func (p *PendingEnrollments) Put(e *Enrollment) {
	p.table.put(ReplayKey(e.AccountID()), e)
}

// Get returns the pending enrollment for accountID.
func (p *PendingEnrollments) Get(accountID string) (*Enrollment, bool) {
	e, ok := p.table.get(ReplayKey(accountID))
	if !ok || e.Status() != EnrollmentPending {
		return nil, false
	}
	return e, true
}

// Remove drops the pending enrollment for accountID.
func (p *PendingEnrollments) Remove(accountID string) (*Enrollment, bool) {
	return p.table.take(ReplayKey(accountID))
}

// Sweep drops expired enrollments.
func (p *PendingEnrollments) Sweep() int {
	return len(p.table.sweep())
}
