package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/tendant/simple-idm-totp/pkg/domain"
)

// CredentialStore verifies passwords and owns the session a successful
// verification opens.
type CredentialStore interface {
	// Verify returns domain.ErrInvalidCredentials for a bad email/password pair.
	Verify(ctx context.Context, email, password string) (domain.Principal, error)
	// SignOut closes the session opened by Verify. It must accept a
	// principal that never reached Authenticated.
	SignOut(ctx context.Context, principal domain.Principal) error
}

// ProfileStore persists per-account second factor settings.
type ProfileStore interface {
	// FetchSecurityRecord returns domain.ErrSecurityRecordNotFound for an unknown account.
	FetchSecurityRecord(ctx context.Context, accountID string) (*domain.SecurityRecord, error)
	// PersistSecret stores secret and the enabled flag. Disabling passes an
	// empty secret.
	PersistSecret(ctx context.Context, accountID string, secret domain.SharedSecret, enabled bool) error
}

// CoordinatorConfig wires the login coordinator. Credentials and Profiles
// are required.
type CoordinatorConfig struct {
	Credentials CredentialStore
	Profiles    ProfileStore
	Engine      *TOTPEngine
	Guard       *ReplayGuard
	Events      EventSink
	Clock       Clock
	Logger      *slog.Logger
}

// Coordinator drives password plus optional TOTP logins. Each login attempt
// runs in its own LoginSession; sessions share only the replay guard.
type Coordinator struct {
	credentials CredentialStore
	profiles    ProfileStore
	engine      *TOTPEngine
	guard       *ReplayGuard
	events      EventSink
	clock       Clock
	logger      *slog.Logger
}

// NewCoordinator creates a login coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Engine == nil {
		cfg.Engine = NewTOTPEngine(TOTPConfig{})
	}
	if cfg.Guard == nil {
		cfg.Guard = NewReplayGuard(NewMemoryStepStore())
	}
	if cfg.Events == nil {
		cfg.Events = noopSink{}
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		credentials: cfg.Credentials,
		profiles:    cfg.Profiles,
		engine:      cfg.Engine,
		guard:       cfg.Guard,
		events:      cfg.Events,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
}

// NewLoginSession starts a login attempt in StateUnauthenticated.
func (c *Coordinator) NewLoginSession() *LoginSession {
	return &LoginSession{c: c}
}

func (c *Coordinator) emit(ctx context.Context, kind domain.EventKind, principal domain.Principal) {
	c.events.Publish(ctx, domain.Event{
		Kind:      kind,
		AccountID: principal.AccountID,
		SessionID: principal.SessionID,
		At:        c.clock.Now().UTC(),
	})
}

func (c *Coordinator) signOut(ctx context.Context, principal domain.Principal) error {
	if err := c.credentials.SignOut(ctx, principal); err != nil {
		c.logger.Error("failed to sign out", "error", err, "account_id", principal.AccountID)
		return fmt.Errorf("failed to sign out: %w", err)
	}
	return nil
}

// LoginSession is one login attempt. Its fields are only touched under mu,
// which is never held across a store call. Every reset bumps epoch so a
// result that arrives after a cancel or sign-out is recognised as stale.
type LoginSession struct {
	c *Coordinator

	mu            sync.Mutex
	state         domain.LoginState
	email         string
	principal     domain.Principal
	pendingSecret domain.SharedSecret
	lastStep      int64
	hasLastStep   bool
	epoch         uint64
}

// State returns the current login state.
func (s *LoginSession) State() domain.LoginState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Principal returns the verified principal, zero before the password step.
func (s *LoginSession) Principal() domain.Principal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal
}

// Email returns the email the attempt was started with.
func (s *LoginSession) Email() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.email
}

// LastAcceptedStep returns the step index this attempt was accepted at.
func (s *LoginSession) LastAcceptedStep() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStep, s.hasLastStep
}

// BeginLogin verifies the password and decides whether a second factor is
// required. It is only valid from StateUnauthenticated.
func (s *LoginSession) BeginLogin(ctx context.Context, email, password string) (domain.LoginState, error) {
	c := s.c
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return s.State(), domain.ErrCredentialsRequired
	}

	s.mu.Lock()
	if s.state != domain.StateUnauthenticated {
		state := s.state
		s.mu.Unlock()
		return state, domain.ErrInvalidState
	}
	epoch := s.epoch
	s.mu.Unlock()

	principal, err := c.credentials.Verify(ctx, email, password)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCredentials) || errors.Is(err, domain.ErrAccountLocked) {
			c.logger.Info("login rejected", "reason", err.Error())
			return s.State(), err
		}
		return s.State(), fmt.Errorf("failed to verify credentials: %w", err)
	}

	if !s.transition(epoch, domain.StatePasswordVerified, func() {
		s.email = email
		s.principal = principal
	}) {
		_ = c.signOut(ctx, principal)
		return s.State(), domain.ErrStaleLoginAttempt
	}

	record, err := c.profiles.FetchSecurityRecord(ctx, principal.AccountID)
	if err != nil {
		if !s.abort(ctx, epoch, principal) {
			return s.State(), domain.ErrStaleLoginAttempt
		}
		return s.State(), fmt.Errorf("failed to fetch security record: %w", err)
	}

	switch {
	case !record.SecondFactorEnabled:
		if !s.transition(epoch, domain.StateAuthenticated, nil) {
			return s.State(), domain.ErrStaleLoginAttempt
		}
		c.logger.Info("login succeeded", "account_id", principal.AccountID, "second_factor", false)
		c.emit(ctx, domain.EventLoginSucceeded, principal)
		return domain.StateAuthenticated, nil

	case record.IsCorrupt():
		if !s.abort(ctx, epoch, principal) {
			return s.State(), domain.ErrStaleLoginAttempt
		}
		c.logger.Error("security record corrupt, forced sign-out", "account_id", principal.AccountID)
		return s.State(), domain.ErrCorruptSecurityRecord

	default:
		if !s.transition(epoch, domain.StateAwaitingSecondFactor, func() {
			s.pendingSecret = record.Secret
			s.hasLastStep = false
		}) {
			return s.State(), domain.ErrStaleLoginAttempt
		}
		c.logger.Info("second factor required", "account_id", principal.AccountID)
		c.emit(ctx, domain.EventSecondFactorRequired, principal)
		return domain.StateAwaitingSecondFactor, nil
	}
}

// SubmitSecondFactor checks a TOTP code. Any failure leaves the attempt in
// StateAwaitingSecondFactor.
func (s *LoginSession) SubmitSecondFactor(ctx context.Context, code string) (domain.LoginState, error) {
	c := s.c

	s.mu.Lock()
	if s.state != domain.StateAwaitingSecondFactor {
		state := s.state
		s.mu.Unlock()
		return state, domain.ErrInvalidState
	}
	if !c.engine.WellFormed(code) {
		s.mu.Unlock()
		return domain.StateAwaitingSecondFactor, domain.ErrMalformedCode
	}
	epoch := s.epoch
	secret := s.pendingSecret
	principal := s.principal
	s.mu.Unlock()

	// One clock read per submission: validation and the replay check must
	// agree on the step.
	now := c.clock.Now()

	step, ok, err := c.engine.Validate(secret, code, now)
	if err != nil {
		return s.State(), fmt.Errorf("failed to validate code: %w", err)
	}
	if !ok {
		return s.State(), domain.ErrOTPIncorrectOrExpired
	}
	if s.stale(epoch) {
		return s.State(), domain.ErrStaleLoginAttempt
	}

	if err := c.guard.CheckAndAccept(ctx, principal.AccountID, step); err != nil {
		if errors.Is(err, domain.ErrOTPReplayed) {
			c.logger.Warn("replayed second factor code", "account_id", principal.AccountID, "step", step)
		}
		return s.State(), err
	}

	if !s.transition(epoch, domain.StateAuthenticated, func() {
		s.pendingSecret = ""
		s.lastStep = step
		s.hasLastStep = true
	}) {
		return s.State(), domain.ErrStaleLoginAttempt
	}

	c.logger.Info("login succeeded", "account_id", principal.AccountID, "second_factor", true)
	c.emit(ctx, domain.EventLoginSucceeded, principal)
	return domain.StateAuthenticated, nil
}

// CancelSecondFactor abandons an attempt waiting for its second factor and
// signs out the session the password step opened. Outside
// StateAwaitingSecondFactor it does nothing.
func (s *LoginSession) CancelSecondFactor(ctx context.Context) error {
	s.mu.Lock()
	if s.state != domain.StateAwaitingSecondFactor {
		s.mu.Unlock()
		return nil
	}
	principal := s.principal
	s.resetLocked()
	s.mu.Unlock()

	s.c.emit(ctx, domain.EventSecondFactorCleared, principal)
	return s.c.signOut(ctx, principal)
}

// SignOut ends the attempt from any state. The credential store is only
// called when a password was verified.
func (s *LoginSession) SignOut(ctx context.Context) error {
	s.mu.Lock()
	principal := s.principal
	s.resetLocked()
	s.mu.Unlock()

	var err error
	if principal.AccountID != "" {
		err = s.c.signOut(ctx, principal)
	}
	s.c.emit(ctx, domain.EventSignedOut, principal)
	return err
}

// ObserveSignOut reacts to a sign-out that happened elsewhere, such as the
// session being revoked from another device. No store is called.
func (s *LoginSession) ObserveSignOut(ctx context.Context) {
	s.mu.Lock()
	principal := s.principal
	s.resetLocked()
	s.mu.Unlock()

	s.c.emit(ctx, domain.EventSignedOut, principal)
}

// transition moves to state and applies fn, unless the attempt was reset
// since epoch was read.
func (s *LoginSession) transition(epoch uint64, to domain.LoginState, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return false
	}
	if fn != nil {
		fn()
	}
	s.state = to
	return true
}

func (s *LoginSession) stale(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch != epoch
}

// abort resets a half-finished attempt and runs the compensating sign-out.
// It returns false, doing nothing, when the attempt was already reset since
// epoch; whoever reset it owns the sign-out.
func (s *LoginSession) abort(ctx context.Context, epoch uint64, principal domain.Principal) bool {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return false
	}
	s.resetLocked()
	s.mu.Unlock()

	_ = s.c.signOut(ctx, principal)
	s.c.emit(ctx, domain.EventSignedOut, principal)
	return true
}

func (s *LoginSession) resetLocked() {
	s.state = domain.StateUnauthenticated
	s.email = ""
	s.principal = domain.Principal{}
	s.pendingSecret = ""
	s.lastStep = 0
	s.hasLastStep = false
	s.epoch++
}
