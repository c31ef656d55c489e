package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ReplayStepsRepository records the last accepted TOTP step per account in
// Postgres. Advance is a single conditional upsert, so concurrent writers
// across processes cannot both accept the same step.
type ReplayStepsRepository struct {
	db DBTX
}

// NewReplayStepsRepository creates a new replay steps repository.
func NewReplayStepsRepository(db DBTX) *ReplayStepsRepository {
	return &ReplayStepsRepository{db: db}
}

// LastAccepted returns the stored step for key.
func (r *ReplayStepsRepository) LastAccepted(ctx context.Context, key string) (int64, bool, error) {
	query := `SELECT last_step FROM totp_replay_steps WHERE account_key = $1`
	var step int64
	err := r.db.QueryRowContext(ctx, query, key).Scan(&step)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get last accepted step: %w", err)
	}
	return step, true, nil
}

// Advance stores step when it is newer than the stored one and reports
// whether it did.
func (r *ReplayStepsRepository) Advance(ctx context.Context, key string, step int64) (bool, error) {
	query := `
		INSERT INTO totp_replay_steps (account_key, last_step, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (account_key) DO UPDATE
		SET last_step = EXCLUDED.last_step, updated_at = NOW()
		WHERE totp_replay_steps.last_step < EXCLUDED.last_step
	`
	result, err := r.db.ExecContext(ctx, query, key, step)
	if err != nil {
		return false, fmt.Errorf("failed to advance accepted step: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// DeleteOlderThan removes rows whose step is below minStep. Such steps can
// no longer validate, so the row carries no information.
func (r *ReplayStepsRepository) DeleteOlderThan(ctx context.Context, minStep int64) (int64, error) {
	query := `DELETE FROM totp_replay_steps WHERE last_step < $1`
	result, err := r.db.ExecContext(ctx, query, minStep)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
