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

// EnrollmentStatus tracks an Enrollment through its short life.
type EnrollmentStatus int

const (
	EnrollmentPending EnrollmentStatus = iota
	EnrollmentConfirmed
	EnrollmentCancelled
)

func (s EnrollmentStatus) String() string {
	switch s {
	case EnrollmentPending:
		return "pending"
	case EnrollmentConfirmed:
		return "confirmed"
	case EnrollmentCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Enrollment holds a provisioned secret until the user confirms it. Nothing
// is persisted before Confirm.
type Enrollment struct {
	accountID  string
	descriptor domain.ProvisioningDescriptor

	mu     sync.Mutex
	status EnrollmentStatus
}

// AccountID returns the account being enrolled.
func (e *Enrollment) AccountID() string { return e.accountID }

// Descriptor returns a copy of the provisioning parameters.
func (e *Enrollment) Descriptor() domain.ProvisioningDescriptor { return e.descriptor }

// Secret returns the pending secret.
func (e *Enrollment) Secret() domain.SharedSecret { return e.descriptor.Secret }

// Status returns the current status.
func (e *Enrollment) Status() EnrollmentStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// EnrollmentService provisions and commits second factor secrets.
type EnrollmentService struct {
	profiles ProfileStore
	builder  *ProvisioningBuilder
	engine   *TOTPEngine
	guard    *ReplayGuard
	events   EventSink
	clock    Clock
	logger   *slog.Logger
}

// EnrollmentConfig wires an EnrollmentService. Profiles and Builder are
// required. When Guard is set, the step a confirmation code was accepted at
// is recorded so the same code cannot be reused to log in.
type EnrollmentConfig struct {
	Profiles ProfileStore
	Builder  *ProvisioningBuilder
	Engine   *TOTPEngine
	Guard    *ReplayGuard
	Events   EventSink
	Clock    Clock
	Logger   *slog.Logger
}

// NewEnrollmentService creates an enrollment service.
func NewEnrollmentService(cfg EnrollmentConfig) *EnrollmentService {
	if cfg.Engine == nil {
		cfg.Engine = NewTOTPEngine(TOTPConfig{})
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
	return &EnrollmentService{
		profiles: cfg.Profiles,
		builder:  cfg.Builder,
		engine:   cfg.Engine,
		guard:    cfg.Guard,
		events:   cfg.Events,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
}

// Begin provisions a secret for accountID. A non-empty pending secret is
// reused so a page reload does not invalidate a QR code the user already
// scanned.
func (s *EnrollmentService) Begin(ctx context.Context, accountID, email string, pending domain.SharedSecret) (*Enrollment, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, domain.ErrSecurityRecordNotFound
	}

	desc, err := s.builder.BuildDescriptor(pending, email)
	if err != nil {
		return nil, err
	}

	s.logger.Info("second factor enrollment started", "account_id", accountID, "reused_secret", !pending.IsZero())
	return &Enrollment{accountID: accountID, descriptor: *desc}, nil
}

// SetupResponse renders what a client needs to add the secret to an
// authenticator app.
func (s *EnrollmentService) SetupResponse(e *Enrollment) (*domain.MFASetupResponse, error) {
	desc := e.Descriptor()
	uri, err := s.builder.ScannableURI(&desc)
	if err != nil {
		return nil, err
	}
	qr, err := s.builder.QRCodeDataURI(&desc, qrCodeSize)
	if err != nil {
		return nil, err
	}
	return &domain.MFASetupResponse{
		Secret:        desc.Secret.Base32(),
		OTPAuthURI:    uri,
		QRCodeDataURI: qr,
	}, nil
}

// Confirm persists the pending secret and enables the second factor. A
// persistence failure leaves the enrollment pending so it can be retried.
func (s *EnrollmentService) Confirm(ctx context.Context, e *Enrollment) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != EnrollmentPending {
		return domain.ErrEnrollmentClosed
	}

	if err := s.profiles.PersistSecret(ctx, e.accountID, e.descriptor.Secret, true); err != nil {
		s.logger.Error("failed to persist second factor secret", "error", err, "account_id", e.accountID)
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	e.status = EnrollmentConfirmed
	s.logger.Info("second factor enabled", "account_id", e.accountID)
	return nil
}

// ConfirmWithCode checks that the user's authenticator produces codes for the
// pending secret, then confirms.
func (s *EnrollmentService) ConfirmWithCode(ctx context.Context, e *Enrollment, code string) error {
	if e.Status() != EnrollmentPending {
		return domain.ErrEnrollmentClosed
	}
	if !s.engine.WellFormed(code) {
		return domain.ErrMalformedCode
	}

	step, ok, err := s.engine.Validate(e.Secret(), code, s.clock.Now())
	if err != nil {
		return fmt.Errorf("failed to validate code: %w", err)
	}
	if !ok {
		return domain.ErrOTPIncorrectOrExpired
	}

	if err := s.Confirm(ctx, e); err != nil {
		return err
	}

	if s.guard != nil {
		if err := s.guard.CheckAndAccept(ctx, e.accountID, step); err != nil && !errors.Is(err, domain.ErrOTPReplayed) {
			s.logger.Warn("failed to record enrollment step", "error", err, "account_id", e.accountID)
		}
	}
	return nil
}

// Cancel discards a pending enrollment. Nothing is persisted.
func (s *EnrollmentService) Cancel(e *Enrollment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == EnrollmentPending {
		e.status = EnrollmentCancelled
	}
}

// Disable turns the second factor off and destroys the stored secret.
func (s *EnrollmentService) Disable(ctx context.Context, accountID string) error {
	record, err := s.profiles.FetchSecurityRecord(ctx, accountID)
	if err != nil {
		return err
	}
	if !record.SecondFactorEnabled {
		return domain.ErrMFANotEnabled
	}

	if err := s.profiles.PersistSecret(ctx, accountID, "", false); err != nil {
		s.logger.Error("failed to disable second factor", "error", err, "account_id", accountID)
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	s.logger.Info("second factor disabled", "account_id", accountID)
	s.events.Publish(ctx, domain.Event{
		Kind:      domain.EventSecondFactorCleared,
		AccountID: accountID,
		At:        s.clock.Now().UTC(),
	})
	return nil
}

// Status reports whether accountID has a second factor enabled.
func (s *EnrollmentService) Status(ctx context.Context, accountID string) (bool, error) {
	record, err := s.profiles.FetchSecurityRecord(ctx, accountID)
	if err != nil {
		return false, err
	}
	return record.SecondFactorEnabled, nil
}
