package domain

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// MFAMethod represents the type of MFA method
type MFAMethod string

const (
	// MFAMethodTOTP represents Time-based One-Time Password authentication
	MFAMethodTOTP MFAMethod = "totp"
)

// TOTP profile used for every account.
const (
	TOTPAlgorithm = "SHA1"
	TOTPDigits    = 6
	TOTPPeriod    = 30 // seconds
)

// SharedSecret is a second-factor secret in base32 text form.
// Its String and slog renderings are redacted; use Base32 to read it.
type SharedSecret string

// Base32 returns the secret text.
func (s SharedSecret) Base32() string {
	return string(s)
}

// IsZero reports whether the secret is absent.
func (s SharedSecret) IsZero() bool {
	return s == ""
}

func (s SharedSecret) String() string {
	if s == "" {
		return ""
	}
	return "[redacted]"
}

// LogValue implements slog.LogValuer.
func (s SharedSecret) LogValue() slog.Value {
	return slog.StringValue(s.String())
}

// SecurityRecord is the per-account second factor state.
// SecondFactorEnabled with an empty Secret is corrupt, see IsCorrupt.
type SecurityRecord struct {
	AccountID           string
	SecondFactorEnabled bool
	Secret              SharedSecret
}

// IsCorrupt reports whether the record claims a second factor it cannot verify.
func (r *SecurityRecord) IsCorrupt() bool {
	return r.SecondFactorEnabled && r.Secret.IsZero()
}

// ProvisioningDescriptor holds what an authenticator app needs to reproduce
// the code stream. It is recomputed on demand and never stored.
type ProvisioningDescriptor struct {
	Issuer    string
	Label     string
	Algorithm string
	Digits    int
	Period    int
	Secret    SharedSecret
}

// MFASecret represents an encrypted MFA secret for a user
type MFASecret struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	Method          MFAMethod
	SecretEncrypted string // AES-256-GCM encrypted TOTP secret
	CreatedAt       time.Time
	LastUsedAt      *time.Time
}

// MFASetupResponse contains data returned when setting up MFA
type MFASetupResponse struct {
	Secret        string // Base32 TOTP secret (for manual entry)
	OTPAuthURI    string // otpauth://totp/... provisioning URI
	QRCodeDataURI string // QR code as data:image/png;base64,...
}
