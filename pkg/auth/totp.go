package auth

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/tendant/simple-idm-totp/pkg/domain"
)

// maxTOTPWindow bounds the validation window. The replay guard tracks a
// single accepted step per account, which only stays sound while a code
// can match at most one step either side of now.
const maxTOTPWindow = 1

// TOTPConfig configures the TOTP engine. Zero values select the standard
// profile: 30 second period, 6 digits, exact step match.
type TOTPConfig struct {
	Period uint
	Digits otp.Digits
	Window uint
}

// TOTPEngine computes and validates RFC 6238 codes.
type TOTPEngine struct {
	period uint
	digits otp.Digits
	window uint
}

// NewTOTPEngine creates a TOTP engine.
func NewTOTPEngine(cfg TOTPConfig) *TOTPEngine {
	if cfg.Period == 0 {
		cfg.Period = domain.TOTPPeriod
	}
	if cfg.Digits != otp.DigitsSix && cfg.Digits != otp.DigitsEight {
		cfg.Digits = otp.DigitsSix
	}
	if cfg.Window > maxTOTPWindow {
		cfg.Window = maxTOTPWindow
	}
	return &TOTPEngine{
		period: cfg.Period,
		digits: cfg.Digits,
		window: cfg.Window,
	}
}

// Digits returns the code length.
func (e *TOTPEngine) Digits() int {
	return e.digits.Length()
}

// Period returns the step length in seconds.
func (e *TOTPEngine) Period() uint {
	return e.period
}

// Window returns how many steps either side of now a code may match.
func (e *TOTPEngine) Window() uint {
	return e.window
}

// StepIndex returns floor(now / period).
func (e *TOTPEngine) StepIndex(now time.Time) int64 {
	sec := now.Unix()
	p := int64(e.period)
	step := sec / p
	if sec < 0 && sec%p != 0 {
		step--
	}
	return step
}

// WellFormed reports whether code is exactly Digits ASCII digits.
func (e *TOTPEngine) WellFormed(code string) bool {
	if len(code) != e.Digits() {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// CurrentCode returns the zero-padded code for the step containing now.
func (e *TOTPEngine) CurrentCode(secret domain.SharedSecret, now time.Time) (string, error) {
	return e.codeAt(secret, e.StepIndex(now))
}

// Validate checks code against the step containing now and, when a window
// is configured, its neighbours. It returns the matched step index.
// Comparison is on the padded string, so "000123" never matches "123".
func (e *TOTPEngine) Validate(secret domain.SharedSecret, code string, now time.Time) (int64, bool, error) {
	if len(code) != e.Digits() {
		return 0, false, nil
	}

	step := e.StepIndex(now)
	candidates := []int64{step}
	for i := int64(1); i <= int64(e.window); i++ {
		candidates = append(candidates, step-i, step+i)
	}

	for _, candidate := range candidates {
		expected, err := e.codeAt(secret, candidate)
		if err != nil {
			return 0, false, err
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return candidate, true, nil
		}
	}
	return 0, false, nil
}

func (e *TOTPEngine) codeAt(secret domain.SharedSecret, step int64) (string, error) {
	normalized, err := NormalizeSecret(secret)
	if err != nil {
		return "", err
	}
	at := time.Unix(step*int64(e.period), 0).UTC()
	code, err := totp.GenerateCodeCustom(normalized.Base32(), at, totp.ValidateOpts{
		Period:    e.period,
		Digits:    e.digits,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate TOTP code: %w", err)
	}
	return code, nil
}
