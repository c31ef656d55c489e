package auth

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-idm-totp/pkg/domain"
	"github.com/tendant/simple-idm-totp/pkg/repository"
)

// ErrInvalidEncryptionKey is returned when the MFA encryption key is not 32 bytes.
var ErrInvalidEncryptionKey = errors.New("MFA encryption key must be 32 bytes")

// MFAConfig contains configuration for the MFA service
type MFAConfig struct {
	EncryptionKey []byte // 32 bytes for AES-256
}

// MFAService stores per-account second factor settings in Postgres with the
// secret encrypted at rest. It is the ProfileStore used by the login
// coordinator and the enrollment service.
type MFAService struct {
	config  MFAConfig
	db      *sql.DB
	secrets *repository.MFASecretsRepository
	users   *repository.UsersRepository
	logger  *slog.Logger
}

// NewMFAService creates a new MFA service
func NewMFAService(config MFAConfig, db *sql.DB, secrets *repository.MFASecretsRepository, users *repository.UsersRepository, logger *slog.Logger) (*MFAService, error) {
	if len(config.EncryptionKey) != 32 {
		return nil, ErrInvalidEncryptionKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MFAService{
		config:  config,
		db:      db,
		secrets: secrets,
		users:   users,
		logger:  logger,
	}, nil
}

// FetchSecurityRecord loads the second factor state of an account. A record
// whose stored secret is missing or cannot be decrypted comes back enabled
// with an empty secret, which callers treat as corrupt.
func (s *MFAService) FetchSecurityRecord(ctx context.Context, accountID string) (*domain.SecurityRecord, error) {
	userID, err := uuid.Parse(accountID)
	if err != nil {
		return nil, domain.ErrSecurityRecordNotFound
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrUserNotFound) {
			return nil, domain.ErrSecurityRecordNotFound
		}
		return nil, err
	}

	record := &domain.SecurityRecord{
		AccountID:           accountID,
		SecondFactorEnabled: user.MFAEnabled,
	}
	if !user.MFAEnabled {
		return record, nil
	}

	stored, err := s.secrets.GetByUserIDAndMethod(ctx, userID, domain.MFAMethodTOTP)
	if errors.Is(err, domain.ErrMFANotEnabled) {
		return record, nil
	}
	if err != nil {
		return nil, err
	}

	plaintext, err := s.decryptSecret(stored.SecretEncrypted)
	if err != nil {
		s.logger.Error("failed to decrypt TOTP secret", "error", err, "user_id", userID)
		return record, nil
	}
	record.Secret = domain.SharedSecret(plaintext)
	return record, nil
}

// PersistSecret stores secret and the enabled flag together. Disabling
// deletes the stored secret.
func (s *MFAService) PersistSecret(ctx context.Context, accountID string, secret domain.SharedSecret, enabled bool) error {
	userID, err := uuid.Parse(accountID)
	if err != nil {
		return domain.ErrSecurityRecordNotFound
	}

	if enabled && secret.IsZero() {
		return domain.ErrCorruptSecurityRecord
	}

	var encrypted string
	if enabled {
		encrypted, err = s.encryptSecret(secret.Base32())
		if err != nil {
			return fmt.Errorf("failed to encrypt TOTP secret: %w", err)
		}
	}

	return repository.Tx(ctx, s.db, func(tx *sql.Tx) error {
		secrets := s.secrets.WithTx(tx)
		if enabled {
			if err := secrets.Upsert(ctx, &domain.MFASecret{
				ID:              uuid.New(),
				UserID:          userID,
				Method:          domain.MFAMethodTOTP,
				SecretEncrypted: encrypted,
				CreatedAt:       time.Now(),
			}); err != nil {
				return err
			}
		} else if err := secrets.DeleteAllByUserID(ctx, userID); err != nil {
			return err
		}

		if err := s.users.WithTx(tx).UpdateMFAEnabled(ctx, userID, enabled); err != nil {
			return fmt.Errorf("failed to update MFA flag: %w", err)
		}
		return nil
	})
}

// MarkUsed records that the account's TOTP secret was just used to log in.
func (s *MFAService) MarkUsed(ctx context.Context, accountID string) error {
	userID, err := uuid.Parse(accountID)
	if err != nil {
		return domain.ErrSecurityRecordNotFound
	}
	return s.secrets.UpdateLastUsed(ctx, userID, domain.MFAMethodTOTP)
}

func (s *MFAService) encryptSecret(plaintext string) (string, error) {
	return encryptSecret(s.config.EncryptionKey, plaintext)
}

func (s *MFAService) decryptSecret(encrypted string) (string, error) {
	return decryptSecret(s.config.EncryptionKey, encrypted)
}

// encryptSecret encrypts a plaintext secret using AES-256-GCM
func encryptSecret(key []byte, plaintext string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decryptSecret decrypts an encrypted secret using AES-256-GCM
func decryptSecret(key []byte, encrypted string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
