package me

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/tendant/simple-idm-totp/internal/http/middleware"
	"github.com/tendant/simple-idm-totp/pkg/auth"
	"github.com/tendant/simple-idm-totp/pkg/domain"
)

type fakeAccounts map[uuid.UUID]*domain.User

func (f fakeAccounts) GetUserByID(_ context.Context, userID uuid.UUID) (*domain.User, error) {
	if user, ok := f[userID]; ok {
		return user, nil
	}
	return nil, domain.ErrUserNotFound
}

type failingAccounts struct{}

func (failingAccounts) GetUserByID(context.Context, uuid.UUID) (*domain.User, error) {
	return nil, errors.New("db down")
}

func TestGetMe(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	userID := uuid.New()
	accounts := fakeAccounts{userID: {ID: userID, Email: "alice@example.com", MFAEnabled: true}}

	tests := []struct {
		name       string
		accounts   Accounts
		identity   bool
		userID     uuid.UUID
		wantStatus int
	}{
		{"unauthenticated", accounts, false, userID, http.StatusUnauthorized},
		{"found", accounts, true, userID, http.StatusOK},
		{"unknown user", accounts, true, uuid.New(), http.StatusNotFound},
		{"store failure", failingAccounts{}, true, userID, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler(logger, tt.accounts)
			req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
			if tt.identity {
				claims := &auth.AccessTokenClaims{MFAVerified: true}
				req = req.WithContext(middleware.WithIdentity(req.Context(), tt.userID, uuid.New(), claims))
			}
			rec := httptest.NewRecorder()

			handler.GetMe(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("Status code = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp UserResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Email != "alice@example.com" || !resp.MFAEnabled || !resp.MFAVerified {
				t.Errorf("response = %+v", resp)
			}
		})
	}
}
