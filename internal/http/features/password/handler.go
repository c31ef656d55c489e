package password

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tendant/simple-idm-totp/internal/httputil"
	"github.com/tendant/simple-idm-totp/pkg/domain"
)

// Registrar creates password accounts.
type Registrar interface {
	Register(ctx context.Context, email, password, name string) (*domain.User, error)
}

// Handler handles password account endpoints.
type Handler struct {
	logger    *slog.Logger
	registrar Registrar
}

// NewHandler creates a new password handler.
func NewHandler(logger *slog.Logger, registrar Registrar) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, registrar: registrar}
}

// RegisterRequest represents a registration request.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// RegisterResponse is returned for a new account. The client logs in
// separately.
type RegisterResponse struct {
	ID    string  `json:"id"`
	Email string  `json:"email"`
	Name  *string `json:"name,omitempty"`
}

// Register handles user registration.
// POST /v1/auth/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	if req.Email == "" || req.Password == "" {
		httputil.Error(w, http.StatusBadRequest, "email and password are required")
		return
	}

	user, err := h.registrar.Register(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUserAlreadyExists):
			httputil.Error(w, http.StatusConflict, "user already exists")
		case errors.Is(err, domain.ErrInvalidEmail):
			httputil.Error(w, http.StatusBadRequest, "invalid email address")
		case errors.Is(err, domain.ErrCredentialsRequired):
			httputil.Error(w, http.StatusBadRequest, "email and password are required")
		default:
			h.logger.Error("registration failed", "error", err)
			httputil.Error(w, http.StatusInternalServerError, "registration failed")
		}
		return
	}

	h.logger.Info("user registered", "user_id", user.ID)
	httputil.JSON(w, http.StatusCreated, RegisterResponse{
		ID:    user.ID.String(),
		Email: user.Email,
		Name:  user.Name,
	})
}
