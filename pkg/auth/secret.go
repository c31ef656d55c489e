package auth

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"io"
	"strings"

	"github.com/tendant/simple-idm-totp/pkg/domain"
)

const (
	// DefaultSecretSize is the RFC 4226 recommended secret length in bytes.
	DefaultSecretSize = 20
	minSecretSize     = 16
)

// Authenticator apps expect unpadded RFC 4648 base32.
var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// SecretCodec generates second factor secrets and converts them between
// raw bytes and their base32 text form.
type SecretCodec struct {
	rand io.Reader
}

// NewSecretCodec creates a codec reading randomness from r.
// A nil reader uses crypto/rand.
func NewSecretCodec(r io.Reader) *SecretCodec {
	if r == nil {
		r = rand.Reader
	}
	return &SecretCodec{rand: r}
}

// Generate returns a new random secret of size bytes.
// Sizes below 16 bytes fall back to DefaultSecretSize.
func (c *SecretCodec) Generate(size int) (domain.SharedSecret, error) {
	if size < minSecretSize {
		size = DefaultSecretSize
	}
	raw := make([]byte, size)
	if _, err := io.ReadFull(c.rand, raw); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrSecretGeneration, err)
	}
	return EncodeSecret(raw), nil
}

// EncodeSecret renders raw secret bytes as base32 text.
func EncodeSecret(raw []byte) domain.SharedSecret {
	return domain.SharedSecret(secretEncoding.EncodeToString(raw))
}

// DecodeSecret returns the raw bytes of a base32 secret. Input is
// normalized first, so manually typed secrets with spaces or lowercase
// letters decode the same as the canonical form.
func DecodeSecret(secret domain.SharedSecret) ([]byte, error) {
	text := normalizeSecretText(secret.Base32())
	if text == "" {
		return nil, domain.ErrInvalidSecret
	}
	raw, err := secretEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidSecret, err)
	}
	return raw, nil
}

// NormalizeSecret returns the canonical text form of secret, or an error
// if it does not decode.
func NormalizeSecret(secret domain.SharedSecret) (domain.SharedSecret, error) {
	raw, err := DecodeSecret(secret)
	if err != nil {
		return "", err
	}
	return EncodeSecret(raw), nil
}

func normalizeSecretText(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "-", "")
	return strings.TrimRight(s, "=")
}
