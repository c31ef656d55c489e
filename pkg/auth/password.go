package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-idm-totp/pkg/domain"
	"github.com/tendant/simple-idm-totp/pkg/repository"
	"golang.org/x/crypto/argon2"
)

// Argon2 parameters (OWASP recommended)
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024 // 64 MB
	argon2Threads = 4
	argon2KeyLen  = 32
	saltLen       = 16
)

// Lockout policy
const (
	maxFailedAttempts = 5
	lockoutDuration   = 15 * time.Minute
	maxEmailLength    = 254 // RFC 5321
)

// PasswordService verifies passwords and opens the session a successful
// verification belongs to. It is the CredentialStore used by the login
// coordinator.
type PasswordService struct {
	db         *sql.DB
	users      *repository.UsersRepository
	creds      *repository.CredentialsRepository
	sessions   *repository.SessionsRepository
	pendingTTL time.Duration
	logger     *slog.Logger
}

// NewPasswordService creates a new password service.
func NewPasswordService(db *sql.DB, users *repository.UsersRepository, creds *repository.CredentialsRepository, sessions *repository.SessionsRepository, logger *slog.Logger) *PasswordService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PasswordService{
		db:         db,
		users:      users,
		creds:      creds,
		sessions:   sessions,
		pendingTTL: ChallengeTokenTTL,
		logger:     logger,
	}
}

// SetPendingSessionTTL sets how long the session opened by a successful
// password check stays valid before the login completes.
func (s *PasswordService) SetPendingSessionTTL(ttl time.Duration) {
	if ttl > 0 {
		s.pendingTTL = ttl
	}
}

// Register creates a new user with password credentials.
func (s *PasswordService) Register(ctx context.Context, email, password, name string) (*domain.User, error) {
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}
	if password == "" {
		return nil, domain.ErrCredentialsRequired
	}
	email = NormalizeEmail(email)

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	user := &domain.User{
		ID:        uuid.New(),
		Email:     email,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if name = strings.TrimSpace(name); name != "" {
		user.Name = &name
	}

	err = repository.Tx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.users.WithTx(tx).Create(ctx, user); err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}
		return s.creds.WithTx(tx).Create(ctx, &domain.UserPassword{
			UserID:            user.ID,
			PasswordHash:      hash,
			PasswordUpdatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	return user, nil
}

// Authenticate verifies email and password, returns user ID on success.
// Implements account lockout after 5 failed attempts with 15-minute lockout duration.
func (s *PasswordService) Authenticate(ctx context.Context, email, password string) (uuid.UUID, error) {
	user, err := s.users.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			burnPasswordCheck(password)
			return uuid.Nil, domain.ErrInvalidCredentials
		}
		return uuid.Nil, err
	}

	if user.IsLocked() {
		return uuid.Nil, domain.ErrAccountLocked
	}

	cred, err := s.creds.GetByUserID(ctx, user.ID)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			burnPasswordCheck(password)
			return uuid.Nil, domain.ErrInvalidCredentials
		}
		return uuid.Nil, err
	}

	if !VerifyPassword(password, cred.PasswordHash) {
		if err := s.users.IncrementFailedLoginAttempts(ctx, user.ID, lockoutDuration, maxFailedAttempts); err != nil {
			s.logger.Error("failed to record failed login attempt", "error", err, "user_id", user.ID)
		}
		return uuid.Nil, domain.ErrInvalidCredentials
	}

	if user.FailedLoginAttempts > 0 || user.LockedUntil != nil {
		_ = s.users.ResetFailedLoginAttempts(ctx, user.ID)
	}

	return user.ID, nil
}

// Verify authenticates the password and opens a pending session for it.
func (s *PasswordService) Verify(ctx context.Context, email, password string) (domain.Principal, error) {
	userID, err := s.Authenticate(ctx, email, password)
	if err != nil {
		return domain.Principal{}, err
	}

	now := time.Now()
	session := &domain.Session{
		ID:        uuid.New(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.pendingTTL),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return domain.Principal{}, fmt.Errorf("failed to open session: %w", err)
	}

	return domain.Principal{
		AccountID: userID.String(),
		SessionID: session.ID.String(),
	}, nil
}

// SignOut revokes the session opened by Verify. An already revoked session
// is not an error.
func (s *PasswordService) SignOut(ctx context.Context, principal domain.Principal) error {
	sessionID, err := uuid.Parse(principal.SessionID)
	if err != nil {
		return domain.ErrSessionNotFound
	}
	if err := s.sessions.Revoke(ctx, sessionID); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		return err
	}
	return nil
}

// CheckPassword re-verifies the password of an authenticated user, for
// sensitive operations such as turning the second factor off.
func (s *PasswordService) CheckPassword(ctx context.Context, userID uuid.UUID, password string) error {
	cred, err := s.creds.GetByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return domain.ErrInvalidCredentials
		}
		return err
	}
	if !VerifyPassword(password, cred.PasswordHash) {
		return domain.ErrInvalidCredentials
	}
	return nil
}

// GetUserByID retrieves a user by ID.
func (s *PasswordService) GetUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	return s.users.GetByID(ctx, userID)
}

// ValidateEmail validates an email address for format and length.
func ValidateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("%w: address is required", domain.ErrInvalidEmail)
	}
	if len(email) > maxEmailLength {
		return fmt.Errorf("%w: too long (max %d characters)", domain.ErrInvalidEmail, maxEmailLength)
	}
	addr, err := mail.ParseAddress(NormalizeEmail(email))
	if err != nil || addr.Name != "" {
		return domain.ErrInvalidEmail
	}
	return nil
}

// NormalizeEmail normalizes an email address by lowercasing and trimming.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// HashPassword hashes a password using Argon2id.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	// Encode as: $argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
	return encodeArgon2Hash(hash, salt, argon2Time, argon2Memory, argon2Threads), nil
}

// VerifyPassword verifies a password against an Argon2id hash.
func VerifyPassword(password, encodedHash string) bool {
	hash, salt, t, memory, threads, err := decodeArgon2Hash(encodedHash)
	if err != nil {
		return false
	}

	computed := argon2.IDKey([]byte(password), salt, t, memory, threads, uint32(len(hash)))
	return subtle.ConstantTimeCompare(hash, computed) == 1
}

func encodeArgon2Hash(hash, salt []byte, t, memory uint32, threads uint8) string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, memory, t, threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)
}

var errInvalidHash = errors.New("invalid argon2id hash")

// dummyHash is verified against when there is no stored hash, so an unknown
// email costs the same argon2 work as a wrong password.
var dummyHash = sync.OnceValue(func() string {
	hash, err := HashPassword("unknown-account")
	if err != nil {
		return encodeArgon2Hash(make([]byte, argon2KeyLen), make([]byte, saltLen), argon2Time, argon2Memory, argon2Threads)
	}
	return hash
})

func burnPasswordCheck(password string) {
	_ = VerifyPassword(password, dummyHash())
}

func decodeArgon2Hash(encoded string) (hash, salt []byte, t, memory uint32, threads uint8, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, nil, 0, 0, 0, errInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return nil, nil, 0, 0, 0, errInvalidHash
	}
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &t, &threads); err != nil {
		return nil, nil, 0, 0, 0, errInvalidHash
	}

	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, 0, 0, 0, errInvalidHash
	}
	hash, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(hash) == 0 {
		return nil, nil, 0, 0, 0, errInvalidHash
	}
	return hash, salt, t, memory, threads, nil
}
