package auth

import (
	"context"
	"testing"
	"time"

	"github.com/tendant/simple-idm-totp/pkg/domain"
)

func TestLoginChallenges(t *testing.T) {
	clock := newFakeClock()
	challenges := NewLoginChallenges(0, clock)
	h := newHarness(t)
	session := h.coord.NewLoginSession()

	token, err := challenges.Issue(session)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if token == "" {
		t.Fatal("Issue() returned empty token")
	}

	got, ok := challenges.Lookup(token)
	if !ok || got != session {
		t.Fatal("Lookup() did not return the issued session")
	}
	if _, ok := challenges.Lookup(token + "x"); ok {
		t.Error("Lookup() accepted an unknown token")
	}

	got, ok = challenges.Consume(token)
	if !ok || got != session {
		t.Fatal("Consume() did not return the issued session")
	}
	if _, ok := challenges.Lookup(token); ok {
		t.Error("token still present after Consume()")
	}
}

func TestLoginChallenges_Expiry(t *testing.T) {
	clock := newFakeClock()
	challenges := NewLoginChallenges(time.Minute, clock)
	h := newHarness(t)

	expiring, _ := challenges.Issue(h.coord.NewLoginSession())
	clock.Advance(30 * time.Second)
	fresh, _ := challenges.Issue(h.coord.NewLoginSession())
	clock.Advance(31 * time.Second)

	if _, ok := challenges.Lookup(expiring); ok {
		t.Error("expired token still valid")
	}
	if _, ok := challenges.Lookup(fresh); !ok {
		t.Error("fresh token expired early")
	}

	clock.Advance(time.Minute)
	if _, ok := challenges.Consume(fresh); ok {
		t.Error("Consume() accepted an expired token")
	}
	if swept := challenges.Sweep(); len(swept) != 2 {
		t.Errorf("Sweep() returned %d sessions, want 2", len(swept))
	}
	if challenges.Len() != 0 {
		t.Errorf("Len() = %d after sweep, want 0", challenges.Len())
	}
}

func TestLoginChallenges_ExpiredAttemptSignedOutBySweep(t *testing.T) {
	h := newHarness(t)
	session := h.awaiting(t)
	challenges := NewLoginChallenges(time.Minute, h.clock)

	token, err := challenges.Issue(session)
	if err != nil {
		t.Fatal(err)
	}
	h.clock.Advance(2 * time.Minute)
	if _, ok := challenges.Lookup(token); ok {
		t.Fatal("Lookup() returned an expired challenge")
	}

	before := h.creds.signOutCount()
	swept := challenges.Sweep()
	if len(swept) != 1 || swept[0] != session {
		t.Fatalf("Sweep() = %v, want the expired attempt", swept)
	}
	for _, attempt := range swept {
		if err := attempt.SignOut(testContext(t)); err != nil {
			t.Fatalf("SignOut() error = %v", err)
		}
	}
	if got := h.creds.signOutCount() - before; got != 1 {
		t.Errorf("SignOut called %d times, want 1", got)
	}
	if session.State() != domain.StateUnauthenticated {
		t.Errorf("state = %v, want unauthenticated", session.State())
	}
}

func TestPendingEnrollments(t *testing.T) {
	clock := newFakeClock()
	pending := NewPendingEnrollments(0, clock)
	h := newHarness(t)
	svc := newEnrollmentService(h)

	e, err := svc.Begin(testContext(t), "Acct-1", "alice@example.com", "")
	if err != nil {
		t.Fatal(err)
	}
	pending.Put(e)

	if got, ok := pending.Get("acct-1"); !ok || got != e {
		t.Fatal("Get() did not return the pending enrollment")
	}

	svc.Cancel(e)
	if _, ok := pending.Get("acct-1"); ok {
		t.Error("Get() returned a cancelled enrollment")
	}

	e2, _ := svc.Begin(testContext(t), "acct-1", "alice@example.com", "")
	pending.Put(e2)
	clock.Advance(16 * time.Minute)
	if _, ok := pending.Get("acct-1"); ok {
		t.Error("Get() returned an expired enrollment")
	}
	if n := pending.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
}

// testContext mirrors testing.T.Context (Go 1.24+): a context canceled
// just before the test's Cleanup functions run.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
