// Package idm provides an identity management library with password login
// and an optional TOTP second factor.
//
// Setup:
//
//  1. Run migrations from migrations/ folder using your preferred tool
//  2. Create IDM instance and mount routes
//
// Basic usage:
//
//	db, _ := sql.Open("postgres", "postgres://localhost/myapp?sslmode=disable")
//
//	auth, err := idm.New(idm.Config{
//	    DB:            db,
//	    JWTSecret:     "your-secret-key-at-least-32-chars",
//	    EncryptionKey: key, // 32 bytes, encrypts TOTP secrets at rest
//	    TOTPIssuer:    "Acme",
//	})
//	if err != nil {
//	    log.Fatal(err) // Will fail if migrations haven't been run
//	}
//	defer auth.Close()
//
//	r := chi.NewRouter()
//	r.Mount("/", auth.Router())
//	go auth.RunSweeper(ctx, time.Minute)
//	http.ListenAndServe(":8080", r)
//
// Replay protection keeps the last accepted TOTP step per account in
// Postgres by default. Pass a shared StepStore (for example the Redis store
// in pkg/repository) to use something else; every replica must see the
// same store.
package idm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-idm-totp/internal/config"
	httpserver "github.com/tendant/simple-idm-totp/internal/http"
	"github.com/tendant/simple-idm-totp/internal/http/middleware"
	"github.com/tendant/simple-idm-totp/internal/httputil"
	"github.com/tendant/simple-idm-totp/pkg/auth"
	"github.com/tendant/simple-idm-totp/pkg/domain"
	"github.com/tendant/simple-idm-totp/pkg/repository"
)

// RateLimitConfig holds per endpoint group rate limits.
type RateLimitConfig = config.RateLimitConfig

// SecurityHeadersConfig holds response security headers.
type SecurityHeadersConfig = config.SecurityHeadersConfig

// Revoked and expired sessions are kept this long before Sweep deletes them.
const sessionRetention = 24 * time.Hour

// Config holds the configuration for the IDM library.
type Config struct {
	// DB is the database connection (required).
	DB *sql.DB

	// JWTSecret is the secret key for signing JWT tokens (required, min 32 chars).
	JWTSecret string

	// JWTIssuer is the issuer claim in JWT tokens (default: "simple-idm").
	JWTIssuer string

	// AccessTokenTTL is the lifetime of access tokens (default: 15 minutes).
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the lifetime of refresh tokens (default: 7 days).
	RefreshTokenTTL time.Duration

	// EncryptionKey encrypts TOTP secrets at rest (required, 32 bytes).
	EncryptionKey []byte

	// TOTPIssuer is the issuer shown in authenticator apps (default: "simple-idm").
	TOTPIssuer string

	// TOTPWindow is how many steps either side of now a code may match.
	// Values above 1 are clamped to 1.
	TOTPWindow uint

	// ChallengeTTL bounds the wait for a second factor (default: 5 minutes).
	ChallengeTTL time.Duration

	// EnrollmentTTL bounds an unconfirmed enrollment (default: 15 minutes).
	EnrollmentTTL time.Duration

	// StepStore backs the replay guard (default: Postgres).
	StepStore auth.StepStore

	// Events receives login flow events in addition to Subscribe channels.
	Events auth.EventSink

	RateLimit          RateLimitConfig
	SecurityHeaders    SecurityHeadersConfig
	MaxRequestBodySize int64
	CookieSecure       bool

	// Logger is the structured logger (default: JSON to stdout).
	Logger *slog.Logger

	// Clock drives TOTP validation and expiry (default: system time).
	Clock auth.Clock
}

// IDM is the main identity management instance.
type IDM struct {
	config          Config
	db              *sql.DB
	logger          *slog.Logger
	clock           auth.Clock
	usersRepo       *repository.UsersRepository
	sessionsRepo    *repository.SessionsRepository
	replaySteps     *repository.ReplayStepsRepository
	stepStore       auth.StepStore
	engine          *auth.TOTPEngine
	passwordService *auth.PasswordService
	sessionService  *auth.SessionService
	mfaService      *auth.MFAService
	coordinator     *auth.Coordinator
	challenges      *auth.LoginChallenges
	enrollments     *auth.EnrollmentService
	pending         *auth.PendingEnrollments
	broadcaster     *auth.Broadcaster
	router          http.Handler
}

// New creates a new IDM instance with the given configuration.
// Returns an error if required database tables don't exist.
// Run migrations first - see migrations/ folder for SQL files.
func New(cfg Config) (*IDM, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := validateSchema(ctx, cfg.DB); err != nil {
		return nil, err
	}

	// Initialize repositories
	usersRepo := repository.NewUsersRepository(cfg.DB)
	credsRepo := repository.NewCredentialsRepository(cfg.DB)
	sessionsRepo := repository.NewSessionsRepository(cfg.DB)
	mfaSecretsRepo := repository.NewMFASecretsRepository(cfg.DB)

	if cfg.StepStore == nil {
		cfg.StepStore = repository.NewReplayStepsRepository(cfg.DB)
	}
	replaySteps, _ := cfg.StepStore.(*repository.ReplayStepsRepository)

	// Initialize services
	passwordService := auth.NewPasswordService(cfg.DB, usersRepo, credsRepo, sessionsRepo, cfg.Logger)
	passwordService.SetPendingSessionTTL(cfg.ChallengeTTL)

	sessionService := auth.NewSessionService(auth.SessionConfig{
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		JWTSecret:       []byte(cfg.JWTSecret),
		Issuer:          cfg.JWTIssuer,
	}, sessionsRepo, usersRepo)

	mfaService, err := auth.NewMFAService(auth.MFAConfig{
		EncryptionKey: cfg.EncryptionKey,
	}, cfg.DB, mfaSecretsRepo, usersRepo, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("idm: %w", err)
	}

	broadcaster := auth.NewBroadcaster()
	events := auth.MultiSink{broadcaster, cfg.Events}
	engine := auth.NewTOTPEngine(auth.TOTPConfig{Window: cfg.TOTPWindow})
	guard := auth.NewReplayGuard(cfg.StepStore)

	coordinator := auth.NewCoordinator(auth.CoordinatorConfig{
		Credentials: passwordService,
		Profiles:    mfaService,
		Engine:      engine,
		Guard:       guard,
		Events:      events,
		Clock:       cfg.Clock,
		Logger:      cfg.Logger,
	})
	enrollments := auth.NewEnrollmentService(auth.EnrollmentConfig{
		Profiles: mfaService,
		Builder:  auth.NewProvisioningBuilder(cfg.TOTPIssuer, nil),
		Engine:   engine,
		Guard:    guard,
		Events:   events,
		Clock:    cfg.Clock,
		Logger:   cfg.Logger,
	})

	i := &IDM{
		config:          cfg,
		db:              cfg.DB,
		logger:          cfg.Logger,
		clock:           cfg.Clock,
		usersRepo:       usersRepo,
		sessionsRepo:    sessionsRepo,
		replaySteps:     replaySteps,
		stepStore:       cfg.StepStore,
		engine:          engine,
		passwordService: passwordService,
		sessionService:  sessionService,
		mfaService:      mfaService,
		coordinator:     coordinator,
		challenges:      auth.NewLoginChallenges(cfg.ChallengeTTL, cfg.Clock),
		enrollments:     enrollments,
		pending:         auth.NewPendingEnrollments(cfg.EnrollmentTTL, cfg.Clock),
		broadcaster:     broadcaster,
	}

	cookieConfig := httputil.DefaultCookieConfig()
	cookieConfig.Secure = cfg.CookieSecure

	i.router = httpserver.NewRouter(httpserver.RouterConfig{
		Logger:             cfg.Logger,
		Coordinator:        coordinator,
		Challenges:         i.challenges,
		Enrollments:        enrollments,
		PendingEnrollments: i.pending,
		Accounts:           passwordService,
		Sessions:           sessionService,
		Usage:              mfaService,
		Events:             events,
		RateLimitConfig:    cfg.RateLimit,
		SecurityHeaders:    cfg.SecurityHeaders,
		MaxRequestBodySize: cfg.MaxRequestBodySize,
		CookieConfig:       cookieConfig,
		Health:             i.Healthcheck,
	})

	return i, nil
}

// Router returns the HTTP handler with all auth routes.
//
// Routes:
//
//	GET  /health                - Database and replay store health
//	POST /v1/auth/register      - Register with email/password
//	POST /v1/auth/login         - Password step; may return a challenge token
//	POST /v1/auth/mfa/verify    - Submit the TOTP code for a challenge
//	POST /v1/auth/mfa/cancel    - Abandon a challenge
//	POST /v1/auth/refresh       - Refresh access token
//	POST /v1/auth/logout        - Revoke the current session (protected)
//	POST /v1/auth/logout/all    - Revoke all sessions (protected)
//	GET  /v1/me                 - Current user (protected)
//	GET  /v1/me/mfa/status      - Second factor status (protected)
//	POST /v1/me/mfa/setup       - Start enrollment (protected)
//	POST /v1/me/mfa/confirm     - Confirm enrollment with a code (protected)
//	POST /v1/me/mfa/cancel      - Drop a pending enrollment (protected)
//	POST /v1/me/mfa/disable     - Turn the second factor off (protected, MFA verified)
func (i *IDM) Router() http.Handler {
	return i.router
}

// Handler returns an http.Handler for mounting with http.StripPrefix.
//
//	mux := http.NewServeMux()
//	mux.Handle("/auth/", http.StripPrefix("/auth", auth.Handler()))
func (i *IDM) Handler() http.Handler {
	return i.router
}

// Routes registers all auth routes on an http.ServeMux with the given prefix.
//
//	mux := http.NewServeMux()
//	auth.Routes(mux, "/auth")
func (i *IDM) Routes(mux *http.ServeMux, prefix string) {
	mux.Handle(prefix+"/", http.StripPrefix(prefix, i.router))
}

// SessionService returns the session service for advanced usage.
func (i *IDM) SessionService() *auth.SessionService {
	return i.sessionService
}

// Coordinator returns the login coordinator for callers driving logins
// without the bundled HTTP handlers.
func (i *IDM) Coordinator() *auth.Coordinator {
	return i.coordinator
}

// Enrollments returns the enrollment service.
func (i *IDM) Enrollments() *auth.EnrollmentService {
	return i.enrollments
}

// Subscribe returns login flow events until ctx is done or the IDM is
// closed. Slow readers miss events.
func (i *IDM) Subscribe(ctx context.Context) <-chan domain.Event {
	return i.broadcaster.Subscribe(ctx)
}

// AuthMiddleware returns middleware that validates JWT tokens.
// Use this to protect your own routes:
//
//	r.Group(func(r chi.Router) {
//	    r.Use(auth.AuthMiddleware())
//	    r.Get("/protected", handler)
//	})
func (i *IDM) AuthMiddleware() func(http.Handler) http.Handler {
	return middleware.Auth(i.sessionService)
}

// RequireMFA returns middleware that rejects tokens issued without a second
// factor check for accounts that have one. Apply after AuthMiddleware.
func (i *IDM) RequireMFA() func(http.Handler) http.Handler {
	return middleware.RequireMFA()
}

// GetUserID extracts the user ID from a request.
// Use after AuthMiddleware:
//
//	userID, ok := idm.GetUserID(r)
func GetUserID(r *http.Request) (string, bool) {
	id, ok := middleware.GetUserID(r.Context())
	if !ok {
		return "", false
	}
	return id.String(), true
}

// GetUserIDFromContext extracts the user ID from a context.
func GetUserIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	return middleware.GetUserID(ctx)
}

// User represents basic user info returned by GetUser.
type User struct {
	ID         string
	Email      string
	Name       *string
	MFAEnabled bool
}

// GetUser retrieves the current user from the database.
// Use after AuthMiddleware:
//
//	user, err := auth.GetUser(r)
func (i *IDM) GetUser(r *http.Request) (*User, error) {
	id, ok := middleware.GetUserID(r.Context())
	if !ok {
		return nil, errors.New("user not authenticated")
	}

	u, err := i.usersRepo.GetByID(r.Context(), id)
	if err != nil {
		return nil, err
	}

	return &User{
		ID:         u.ID.String(),
		Email:      u.Email,
		Name:       u.Name,
		MFAEnabled: u.MFAEnabled,
	}, nil
}

// Healthcheck pings the database and, when it supports it, the replay
// step store.
func (i *IDM) Healthcheck(ctx context.Context) error {
	if err := i.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if hc, ok := i.stepStore.(interface{ Healthcheck(context.Context) error }); ok {
		if err := hc.Healthcheck(ctx); err != nil {
			return fmt.Errorf("replay store: %w", err)
		}
	}
	return nil
}

// SweepResult counts what one Sweep removed.
type SweepResult struct {
	Challenges  int
	Enrollments int
	Sessions    int64
	ReplaySteps int64
}

// Sweep signs out login attempts whose challenge expired, drops expired
// enrollments and deletes dead sessions and replay rows.
func (i *IDM) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	for _, attempt := range i.challenges.Sweep() {
		if err := attempt.SignOut(ctx); err != nil {
			i.logger.Warn("failed to sign out expired login attempt", "error", err)
		}
		res.Challenges++
	}
	res.Enrollments = i.pending.Sweep()

	n, err := i.sessionsRepo.DeleteExpired(ctx, sessionRetention)
	if err != nil {
		return res, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	res.Sessions = n

	if i.replaySteps != nil {
		n, err := i.replaySteps.DeleteOlderThan(ctx, replayCutoff(i.engine, i.clock.Now()))
		if err != nil {
			return res, fmt.Errorf("failed to delete old replay steps: %w", err)
		}
		res.ReplaySteps = n
	}

	return res, nil
}

// replayCutoff is the oldest step whose replay row Sweep must keep. A code
// can still validate at the current step minus the window, and a submission
// that read its clock just before a step boundary may reach the guard after
// the boundary, so one more step is kept.
func replayCutoff(engine *auth.TOTPEngine, now time.Time) int64 {
	return engine.StepIndex(now) - int64(engine.Window()) - 1
}

// RunSweeper calls Sweep every interval until ctx is done.
func (i *IDM) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := i.Sweep(ctx)
			if err != nil {
				i.logger.Error("sweep failed", "error", err)
				continue
			}
			if res != (SweepResult{}) {
				i.logger.Info("sweep completed",
					"challenges", res.Challenges,
					"enrollments", res.Enrollments,
					"sessions", res.Sessions,
					"replay_steps", res.ReplaySteps,
				)
			}
		}
	}
}

// Close stops event delivery to subscribers. The database is owned by the
// caller and stays open.
func (i *IDM) Close() {
	i.broadcaster.Close()
}

func validateConfig(cfg *Config) error {
	if cfg.DB == nil {
		return errors.New("idm: DB is required")
	}
	if cfg.JWTSecret == "" {
		return errors.New("idm: JWTSecret is required")
	}
	if len(cfg.JWTSecret) < 32 {
		return errors.New("idm: JWTSecret must be at least 32 characters")
	}
	if len(cfg.EncryptionKey) != 32 {
		return errors.New("idm: EncryptionKey must be 32 bytes")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.JWTIssuer == "" {
		cfg.JWTIssuer = "simple-idm"
	}
	if cfg.TOTPIssuer == "" {
		cfg.TOTPIssuer = cfg.JWTIssuer
	}
	if cfg.AccessTokenTTL == 0 {
		cfg.AccessTokenTTL = auth.DefaultAccessTokenTTL
	}
	if cfg.RefreshTokenTTL == 0 {
		cfg.RefreshTokenTTL = auth.DefaultRefreshTokenTTL
	}
	if cfg.ChallengeTTL == 0 {
		cfg.ChallengeTTL = auth.ChallengeTokenTTL
	}
	if cfg.EnrollmentTTL == 0 {
		cfg.EnrollmentTTL = 15 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	if cfg.Clock == nil {
		cfg.Clock = auth.SystemClock()
	}
}

// requiredTables lists the tables created by migrations/001_init.sql.
var requiredTables = []string{"users", "user_passwords", "sessions", "mfa_secrets", "totp_replay_steps"}

// validateSchema checks that required database tables exist.
func validateSchema(ctx context.Context, db *sql.DB) error {
	query := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = 'public' AND table_name = $1
	`

	for _, table := range requiredTables {
		var name string
		err := db.QueryRowContext(ctx, query, table).Scan(&name)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("idm: missing table '%s' - run migrations first (see migrations/ folder)", table)
		}
		if err != nil {
			return fmt.Errorf("idm: failed to check schema: %w", err)
		}
	}

	return nil
}
