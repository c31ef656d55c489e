package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tendant/simple-idm-totp/pkg/domain"
	"github.com/tendant/simple-idm-totp/pkg/repository"
)

const (
	refreshTokenLen = 32

	// Default token lifetimes
	DefaultAccessTokenTTL  = 15 * time.Minute
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

// SessionConfig holds session configuration.
type SessionConfig struct {
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	JWTSecret       []byte
	Issuer          string
}

// SessionService issues tokens for sessions that completed the login flow.
type SessionService struct {
	config   SessionConfig
	sessions *repository.SessionsRepository
	users    *repository.UsersRepository
}

// NewSessionService creates a new session service.
func NewSessionService(config SessionConfig, sessions *repository.SessionsRepository, users *repository.UsersRepository) *SessionService {
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	return &SessionService{
		config:   config,
		sessions: sessions,
		users:    users,
	}
}

// AccessTokenClaims represents the claims in an access token.
type AccessTokenClaims struct {
	jwt.RegisteredClaims
	Email       string `json:"email,omitempty"`
	Name        string `json:"name,omitempty"`
	MFAVerified bool   `json:"mfa_verified,omitempty"`
}

// IssueSession activates the session the password step opened and returns
// access/refresh tokens for it. mfaVerified records whether a second factor
// was checked on the way.
func (s *SessionService) IssueSession(ctx context.Context, principal domain.Principal, mfaVerified bool) (*domain.TokenPair, error) {
	userID, err := uuid.Parse(principal.AccountID)
	if err != nil {
		return nil, domain.ErrUserNotFound
	}
	sessionID, err := uuid.Parse(principal.SessionID)
	if err != nil {
		return nil, domain.ErrSessionNotFound
	}

	pending, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if pending.UserID != userID {
		return nil, domain.ErrSessionNotFound
	}
	if pending.RevokedAt != nil {
		return nil, domain.ErrSessionRevoked
	}
	if !pending.IsValid() {
		return nil, domain.ErrSessionExpired
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	refreshToken, err := GenerateToken(refreshTokenLen)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := s.sessions.Activate(ctx, sessionID, HashToken(refreshToken), mfaVerified, now.Add(s.config.RefreshTokenTTL)); err != nil {
		return nil, fmt.Errorf("failed to activate session: %w", err)
	}

	return s.tokenPair(user, sessionID, refreshToken, mfaVerified, now)
}

// RefreshSession issues a new access token for a refresh token.
func (s *SessionService) RefreshSession(ctx context.Context, refreshToken string) (*domain.TokenPair, error) {
	session, err := s.sessions.GetByTokenHash(ctx, HashToken(refreshToken))
	if err != nil {
		return nil, err
	}

	if !session.IsValid() {
		if session.RevokedAt != nil {
			return nil, domain.ErrSessionRevoked
		}
		return nil, domain.ErrSessionExpired
	}

	_ = s.sessions.UpdateLastSeen(ctx, session.ID)

	user, err := s.users.GetByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}

	return s.tokenPair(user, session.ID, refreshToken, session.MFAVerified, time.Now())
}

func (s *SessionService) tokenPair(user *domain.User, sessionID uuid.UUID, refreshToken string, mfaVerified bool, now time.Time) (*domain.TokenPair, error) {
	accessTokenExpiry := now.Add(s.config.AccessTokenTTL)
	name := ""
	if user.Name != nil {
		name = *user.Name
	}
	claims := AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(accessTokenExpiry),
			Issuer:    s.config.Issuer,
			ID:        sessionID.String(),
		},
		Email:       user.Email,
		Name:        name,
		MFAVerified: !user.MFAEnabled || mfaVerified,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	accessToken, err := token.SignedString(s.config.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	return &domain.TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.config.AccessTokenTTL.Seconds()),
		ExpiresAt:    accessTokenExpiry,
	}, nil
}

// RevokeSession revokes a session by ID. Revoking twice is not an error.
func (s *SessionService) RevokeSession(ctx context.Context, sessionID uuid.UUID) error {
	if err := s.sessions.Revoke(ctx, sessionID); err != nil && !errors.Is(err, domain.ErrSessionNotFound) {
		return err
	}
	return nil
}

// RevokeAllSessions revokes every session of a user.
func (s *SessionService) RevokeAllSessions(ctx context.Context, userID uuid.UUID) error {
	return s.sessions.RevokeAllByUserID(ctx, userID)
}

// AccessTokenTTL returns the access token lifetime.
func (s *SessionService) AccessTokenTTL() time.Duration { return s.config.AccessTokenTTL }

// RefreshTokenTTL returns the refresh token lifetime.
func (s *SessionService) RefreshTokenTTL() time.Duration { return s.config.RefreshTokenTTL }

// ValidateAccessToken validates an access token and returns the claims.
func (s *SessionService) ValidateAccessToken(tokenString string) (*AccessTokenClaims, error) {
	return ParseAccessToken(tokenString, s.config.JWTSecret)
}

// ParseAccessToken validates an HS256 access token signed with secret.
func ParseAccessToken(tokenString string, secret []byte) (*AccessTokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AccessTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, domain.ErrInvalidToken
		}
		return secret, nil
	})
	if err != nil {
		return nil, domain.ErrInvalidToken
	}

	claims, ok := token.Claims.(*AccessTokenClaims)
	if !ok || !token.Valid {
		return nil, domain.ErrInvalidToken
	}

	return claims, nil
}

// GenerateToken returns n random bytes, URL-safe base64 encoded.
func GenerateToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken hashes a token using SHA-256
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return base64.StdEncoding.EncodeToString(hash[:])
}
