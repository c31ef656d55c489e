package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/tendant/simple-idm-totp/idm"
	"github.com/tendant/simple-idm-totp/internal/config"
	"github.com/tendant/simple-idm-totp/internal/events"
	"github.com/tendant/simple-idm-totp/pkg/auth"
	"github.com/tendant/simple-idm-totp/pkg/repository"
)

func main() {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	// Setup logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to database
	db, err := repository.NewDB(ctx, repository.DBConfig{
		URL:             cfg.DSN(),
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	logger.Info("connected to database")

	stepStore, closeStore, err := newStepStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info("replay store ready", "backend", cfg.ReplayStore)

	var sink auth.EventSink
	if cfg.HasNATS() {
		natsSink, err := events.NewNATSSink(events.NATSConfig{
			URL:           cfg.NATSURL,
			SubjectPrefix: cfg.NATSSubjectPrefix,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer natsSink.Close()
		sink = natsSink
		logger.Info("publishing login events to NATS", "prefix", cfg.NATSSubjectPrefix)
	}

	service, err := idm.New(idm.Config{
		DB:                 db,
		JWTSecret:          cfg.JWTSecret,
		JWTIssuer:          cfg.JWTIssuer,
		AccessTokenTTL:     cfg.AccessTokenTTL,
		RefreshTokenTTL:    cfg.RefreshTokenTTL,
		EncryptionKey:      cfg.MFAEncryptionKey,
		TOTPIssuer:         cfg.MFAIssuer,
		TOTPWindow:         cfg.TOTPWindow,
		ChallengeTTL:       cfg.ChallengeTTL,
		EnrollmentTTL:      cfg.EnrollmentTTL,
		StepStore:          stepStore,
		Events:             sink,
		RateLimit:          cfg.RateLimit,
		SecurityHeaders:    cfg.SecurityHeaders,
		MaxRequestBodySize: cfg.MaxRequestBodySize,
		CookieSecure:       cfg.CookieSecure,
		Logger:             logger,
	})
	if err != nil {
		return err
	}
	defer service.Close()

	go service.RunSweeper(ctx, cfg.SweepInterval)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.ServerAddr, cfg.ServerPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      service.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
	return nil
}

// newStepStore returns the replay step store selected by REPLAY_STORE and a
// function releasing it.
func newStepStore(ctx context.Context, cfg *config.Config, db repository.DBTX) (auth.StepStore, func(), error) {
	switch cfg.ReplayStore {
	case config.ReplayStoreMemory:
		return auth.NewMemoryStepStore(), func() {}, nil
	case config.ReplayStoreRedis:
		client, err := repository.ConnectRedis(ctx, repository.RedisConfig{ConnectionURL: cfg.RedisURL})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return repository.NewRedisStepStore(client, cfg.RedisStepTTL), func() { client.Close() }, nil
	default:
		return repository.NewReplayStepsRepository(db), func() {}, nil
	}
}
