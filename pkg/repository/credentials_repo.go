package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/tendant/simple-idm-totp/pkg/domain"
)

// CredentialsRepository stores password hashes.
type CredentialsRepository struct {
	db DBTX
}

// NewCredentialsRepository creates a new credentials repository.
func NewCredentialsRepository(db DBTX) *CredentialsRepository {
	return &CredentialsRepository{db: db}
}

// WithTx returns a copy of the repository bound to tx.
func (r *CredentialsRepository) WithTx(tx *sql.Tx) *CredentialsRepository {
	return &CredentialsRepository{db: tx}
}

// Create stores a password hash for a user.
func (r *CredentialsRepository) Create(ctx context.Context, cred *domain.UserPassword) error {
	query := `
		INSERT INTO user_passwords (user_id, password_hash, password_updated_at)
		VALUES ($1, $2, $3)
	`
	_, err := r.db.ExecContext(ctx, query, cred.UserID, cred.PasswordHash, cred.PasswordUpdatedAt)
	return err
}

// GetByUserID retrieves the password hash for a user.
func (r *CredentialsRepository) GetByUserID(ctx context.Context, userID uuid.UUID) (*domain.UserPassword, error) {
	query := `
		SELECT user_id, password_hash, password_updated_at
		FROM user_passwords
		WHERE user_id = $1
	`
	cred := &domain.UserPassword{}
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&cred.UserID, &cred.PasswordHash, &cred.PasswordUpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return cred, nil
}
