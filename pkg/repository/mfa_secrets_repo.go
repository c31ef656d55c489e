package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tendant/simple-idm-totp/pkg/domain"
)

// MFASecretsRepository handles database operations for MFA secrets
type MFASecretsRepository struct {
	db DBTX
}

// NewMFASecretsRepository creates a new MFA secrets repository
func NewMFASecretsRepository(db DBTX) *MFASecretsRepository {
	return &MFASecretsRepository{db: db}
}

// WithTx returns a copy of the repository bound to tx.
func (r *MFASecretsRepository) WithTx(tx *sql.Tx) *MFASecretsRepository {
	return &MFASecretsRepository{db: tx}
}

// Upsert stores the secret for (user, method), replacing any previous one.
func (r *MFASecretsRepository) Upsert(ctx context.Context, secret *domain.MFASecret) error {
	query := `
		INSERT INTO mfa_secrets (id, user_id, method, secret_encrypted, created_at, last_used_at)
		VALUES ($1, $2, $3, $4, $5, NULL)
		ON CONFLICT (user_id, method) DO UPDATE
		SET secret_encrypted = EXCLUDED.secret_encrypted,
		    created_at = EXCLUDED.created_at,
		    last_used_at = NULL
	`
	_, err := r.db.ExecContext(ctx, query,
		secret.ID,
		secret.UserID,
		secret.Method,
		secret.SecretEncrypted,
		secret.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store MFA secret: %w", err)
	}
	return nil
}

// GetByUserIDAndMethod retrieves an MFA secret by user ID and method
func (r *MFASecretsRepository) GetByUserIDAndMethod(ctx context.Context, userID uuid.UUID, method domain.MFAMethod) (*domain.MFASecret, error) {
	query := `
		SELECT id, user_id, method, secret_encrypted, created_at, last_used_at
		FROM mfa_secrets
		WHERE user_id = $1 AND method = $2
	`

	secret := &domain.MFASecret{}
	err := r.db.QueryRowContext(ctx, query, userID, method).Scan(
		&secret.ID,
		&secret.UserID,
		&secret.Method,
		&secret.SecretEncrypted,
		&secret.CreatedAt,
		&secret.LastUsedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrMFANotEnabled
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get MFA secret: %w", err)
	}
	return secret, nil
}

// UpdateLastUsed updates the last used timestamp for an MFA secret
func (r *MFASecretsRepository) UpdateLastUsed(ctx context.Context, userID uuid.UUID, method domain.MFAMethod) error {
	query := `
		UPDATE mfa_secrets
		SET last_used_at = NOW()
		WHERE user_id = $1 AND method = $2
	`
	_, err := r.db.ExecContext(ctx, query, userID, method)
	if err != nil {
		return fmt.Errorf("failed to update MFA secret last used: %w", err)
	}
	return nil
}

// DeleteAllByUserID removes all MFA secrets for a user
func (r *MFASecretsRepository) DeleteAllByUserID(ctx context.Context, userID uuid.UUID) error {
	query := `
		DELETE FROM mfa_secrets
		WHERE user_id = $1
	`
	_, err := r.db.ExecContext(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("failed to delete all MFA secrets: %w", err)
	}
	return nil
}
