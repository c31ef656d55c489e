package idm

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-idm-totp/pkg/auth"
	"github.com/tendant/simple-idm-totp/pkg/domain"
	"github.com/tendant/simple-idm-totp/pkg/repository"
)

var testKey = bytes.Repeat([]byte{0x42}, 32)

func TestValidateConfig(t *testing.T) {
	db := &sql.DB{}
	secret := strings.Repeat("s", 32)

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{"missing db", Config{JWTSecret: secret, EncryptionKey: testKey}, "DB is required"},
		{"missing secret", Config{DB: db, EncryptionKey: testKey}, "JWTSecret is required"},
		{"short secret", Config{DB: db, JWTSecret: "short", EncryptionKey: testKey}, "at least 32"},
		{"missing key", Config{DB: db, JWTSecret: secret}, "EncryptionKey"},
		{"short key", Config{DB: db, JWTSecret: secret, EncryptionKey: testKey[:16]}, "EncryptionKey"},
		{"valid", Config{DB: db, JWTSecret: secret, EncryptionKey: testKey}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfig(&tt.cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validateConfig() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validateConfig() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestReplayCutoff(t *testing.T) {
	boundary := time.Unix(300, 0) // first instant of step 10

	tests := []struct {
		name   string
		window uint
		want   int64
	}{
		{"exact step", 0, 9},
		{"one step window", 1, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := auth.NewTOTPEngine(auth.TOTPConfig{Window: tt.window})
			got := replayCutoff(engine, boundary)
			if got != tt.want {
				t.Errorf("replayCutoff() = %d, want %d", got, tt.want)
			}

			// A code validated a moment before the boundary, at the oldest
			// step the window allowed, must keep its replay row.
			lateStep := engine.StepIndex(boundary.Add(-time.Second)) - int64(tt.window)
			if lateStep < got {
				t.Errorf("step %d would be swept with cutoff %d", lateStep, got)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	applyDefaults(&cfg)

	if cfg.JWTIssuer != "simple-idm" || cfg.TOTPIssuer != "simple-idm" {
		t.Errorf("issuers = %q, %q", cfg.JWTIssuer, cfg.TOTPIssuer)
	}
	if cfg.AccessTokenTTL != auth.DefaultAccessTokenTTL {
		t.Errorf("AccessTokenTTL = %v", cfg.AccessTokenTTL)
	}
	if cfg.RefreshTokenTTL != auth.DefaultRefreshTokenTTL {
		t.Errorf("RefreshTokenTTL = %v", cfg.RefreshTokenTTL)
	}
	if cfg.ChallengeTTL != auth.ChallengeTokenTTL {
		t.Errorf("ChallengeTTL = %v", cfg.ChallengeTTL)
	}
	if cfg.EnrollmentTTL != 15*time.Minute {
		t.Errorf("EnrollmentTTL = %v", cfg.EnrollmentTTL)
	}
	if cfg.Logger == nil || cfg.Clock == nil {
		t.Error("Logger and Clock should be defaulted")
	}

	custom := Config{JWTIssuer: "acme-api", TOTPIssuer: "Acme"}
	applyDefaults(&custom)
	if custom.JWTIssuer != "acme-api" || custom.TOTPIssuer != "Acme" {
		t.Errorf("custom issuers overwritten: %q, %q", custom.JWTIssuer, custom.TOTPIssuer)
	}
}

func TestNew_RequiresDB(t *testing.T) {
	if _, err := New(Config{JWTSecret: strings.Repeat("s", 32), EncryptionKey: testKey}); err == nil {
		t.Fatal("New() without DB should fail")
	}
}

// testClock is a settable clock for walking TOTP steps.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type client struct {
	t       *testing.T
	handler http.Handler
	token   string
}

func (c *client) do(method, path string, body any, out any) int {
	c.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			c.t.Fatal(err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-Type", "mobile")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			c.t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code
}

type loginResult struct {
	State          string `json:"state"`
	ChallengeToken string `json:"challenge_token"`
	AccessToken    string `json:"access_token"`
	Error          string `json:"error"`
}

func TestIDM_TwoFactorFlow(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Skipping integration test - TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := repository.NewDB(ctx, repository.DBConfig{URL: url})
	if err != nil {
		t.Fatalf("NewDB() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clock := &testClock{now: time.Now().Truncate(30 * time.Second).Add(5 * time.Second)}
	svc, err := New(Config{
		DB:            db,
		JWTSecret:     strings.Repeat("j", 32),
		EncryptionKey: testKey,
		TOTPIssuer:    "Acme",
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(svc.Close)

	events := svc.Subscribe(testContext(t))
	engine := auth.NewTOTPEngine(auth.TOTPConfig{})
	email := "totp-" + uuid.NewString()[:8] + "@example.com"
	const password = "correct horse battery staple"

	c := &client{t: t, handler: svc.Router()}

	if code := c.do(http.MethodPost, "/v1/auth/register", map[string]string{"email": email, "password": password}, nil); code != http.StatusCreated {
		t.Fatalf("register status = %d", code)
	}

	var login loginResult
	if code := c.do(http.MethodPost, "/v1/auth/login", map[string]string{"email": email, "password": password}, &login); code != http.StatusOK {
		t.Fatalf("login status = %d (%s)", code, login.Error)
	}
	if login.State != domain.StateAuthenticated.String() || login.AccessToken == "" {
		t.Fatalf("password-only login = %+v", login)
	}
	c.token = login.AccessToken

	var setup struct {
		Secret string `json:"secret"`
	}
	if code := c.do(http.MethodPost, "/v1/me/mfa/setup", nil, &setup); code != http.StatusOK {
		t.Fatalf("setup status = %d", code)
	}
	secret := domain.SharedSecret(setup.Secret)

	code, err := engine.CurrentCode(secret, clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	if status := c.do(http.MethodPost, "/v1/me/mfa/confirm", map[string]string{"code": code}, nil); status != http.StatusOK {
		t.Fatalf("confirm status = %d", status)
	}

	// Same step as the confirmation code: rejected as a replay.
	c.token = ""
	if status := c.do(http.MethodPost, "/v1/auth/login", map[string]string{"email": email, "password": password}, &login); status != http.StatusOK {
		t.Fatalf("login status = %d", status)
	}
	if login.ChallengeToken == "" {
		t.Fatalf("expected a challenge, got %+v", login)
	}
	status := c.do(http.MethodPost, "/v1/auth/mfa/verify", map[string]string{"challenge_token": login.ChallengeToken, "code": code}, &login)
	if status != http.StatusUnauthorized {
		t.Fatalf("replayed verify status = %d, want %d", status, http.StatusUnauthorized)
	}

	clock.advance(30 * time.Second)
	code, err = engine.CurrentCode(secret, clock.Now())
	if err != nil {
		t.Fatal(err)
	}

	var challenge loginResult
	c.do(http.MethodPost, "/v1/auth/login", map[string]string{"email": email, "password": password}, &challenge)
	var verified loginResult
	if status := c.do(http.MethodPost, "/v1/auth/mfa/verify", map[string]string{"challenge_token": challenge.ChallengeToken, "code": code}, &verified); status != http.StatusOK {
		t.Fatalf("verify status = %d (%s)", status, verified.Error)
	}
	c.token = verified.AccessToken

	var mfaStatus struct {
		Enabled bool `json:"enabled"`
	}
	if s := c.do(http.MethodGet, "/v1/me/mfa/status", nil, &mfaStatus); s != http.StatusOK || !mfaStatus.Enabled {
		t.Fatalf("status = %d, enabled = %v", s, mfaStatus.Enabled)
	}

	if s := c.do(http.MethodPost, "/v1/auth/logout", nil, nil); s != http.StatusNoContent {
		t.Fatalf("logout status = %d", s)
	}

	res, err := svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if res.Challenges != 0 {
		t.Errorf("swept %d challenges, want 0", res.Challenges)
	}

	seen := map[domain.EventKind]bool{}
drain:
	for {
		select {
		case e := <-events:
			seen[e.Kind] = true
		default:
			break drain
		}
	}
	for _, kind := range []domain.EventKind{domain.EventLoginSucceeded, domain.EventSignedOut} {
		if !seen[kind] {
			t.Errorf("missing %s event", kind)
		}
	}
}

// testContext mirrors testing.T.Context (Go 1.24+): a context canceled
// just before the test's Cleanup functions run.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
