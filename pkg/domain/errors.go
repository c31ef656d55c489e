package domain

import "errors"

// Authentication errors
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked due to too many failed login attempts")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionExpired     = errors.New("session expired")
	ErrSessionRevoked     = errors.New("session revoked")
	ErrInvalidToken       = errors.New("invalid token")
)

// Validation errors
var (
	ErrCredentialsRequired = errors.New("email and password are required")
	ErrInvalidEmail        = errors.New("invalid email address")
	ErrMalformedCode       = errors.New("code must be a fixed-length numeric code")
)

// Login flow errors
var (
	ErrInvalidState          = errors.New("operation not allowed in the current login state")
	ErrCorruptSecurityRecord = errors.New("security record has second factor enabled but no secret")
	ErrOTPIncorrectOrExpired = errors.New("one-time code is incorrect or expired")
	ErrOTPReplayed           = errors.New("one-time code was already used, wait for the next code")
	ErrStaleLoginAttempt     = errors.New("login attempt was cancelled while the request was in flight")
	ErrLoginSessionNotFound  = errors.New("login session not found or expired")
)

// Second factor errors
var (
	ErrSecurityRecordNotFound = errors.New("security record not found")
	ErrMFANotEnabled          = errors.New("MFA is not enabled for this account")
	ErrMFAAlreadyEnabled      = errors.New("MFA is already enabled")
	ErrSecretGeneration       = errors.New("failed to generate second factor secret")
	ErrInvalidSecret          = errors.New("second factor secret is not valid base32")
	ErrPersistence            = errors.New("failed to persist second factor settings")
	ErrEnrollmentClosed       = errors.New("enrollment is no longer pending")
	ErrEnrollmentNotFound     = errors.New("no pending enrollment")
)
