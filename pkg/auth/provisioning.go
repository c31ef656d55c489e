package auth

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"
	"strings"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/tendant/simple-idm-totp/pkg/domain"
)

const (
	defaultIssuer = "simple-idm"
	defaultLabel  = "user"
	qrCodeSize    = 200
)

// ProvisioningBuilder produces enrollment descriptors and their scannable
// otpauth:// form.
type ProvisioningBuilder struct {
	issuer     string
	secretSize int
	codec      *SecretCodec
}

// NewProvisioningBuilder creates a builder that labels secrets with issuer.
func NewProvisioningBuilder(issuer string, codec *SecretCodec) *ProvisioningBuilder {
	if strings.TrimSpace(issuer) == "" {
		issuer = defaultIssuer
	}
	if codec == nil {
		codec = NewSecretCodec(nil)
	}
	return &ProvisioningBuilder{
		issuer:     issuer,
		secretSize: DefaultSecretSize,
		codec:      codec,
	}
}

// Issuer returns the issuer shown in authenticator apps.
func (b *ProvisioningBuilder) Issuer() string {
	return b.issuer
}

// BuildDescriptor returns a descriptor for email. An existing pending secret
// is reused so that re-rendering the enrollment screen never mints a second
// secret the user did not confirm.
func (b *ProvisioningBuilder) BuildDescriptor(existing domain.SharedSecret, email string) (*domain.ProvisioningDescriptor, error) {
	secret := existing
	if secret.IsZero() {
		generated, err := b.codec.Generate(b.secretSize)
		if err != nil {
			return nil, err
		}
		secret = generated
	} else {
		normalized, err := NormalizeSecret(secret)
		if err != nil {
			return nil, err
		}
		secret = normalized
	}

	label := strings.TrimSpace(email)
	if label == "" {
		label = defaultLabel
	}

	return &domain.ProvisioningDescriptor{
		Issuer:    b.issuer,
		Label:     label,
		Algorithm: domain.TOTPAlgorithm,
		Digits:    domain.TOTPDigits,
		Period:    domain.TOTPPeriod,
		Secret:    secret,
	}, nil
}

// ScannableURI serializes desc into the otpauth:// key URI format.
func (b *ProvisioningBuilder) ScannableURI(desc *domain.ProvisioningDescriptor) (string, error) {
	key, err := descriptorKey(desc)
	if err != nil {
		return "", err
	}
	return key.URL(), nil
}

// QRCodeDataURI renders desc as a PNG QR code data URI. A size of zero
// uses 200x200.
func (b *ProvisioningBuilder) QRCodeDataURI(desc *domain.ProvisioningDescriptor, size int) (string, error) {
	if size <= 0 {
		size = qrCodeSize
	}
	key, err := descriptorKey(desc)
	if err != nil {
		return "", err
	}

	img, err := key.Image(size, size)
	if err != nil {
		return "", fmt.Errorf("failed to generate QR code image: %w", err)
	}
	var qrBuf bytes.Buffer
	if err := png.Encode(&qrBuf, img); err != nil {
		return "", fmt.Errorf("failed to encode QR code: %w", err)
	}
	return fmt.Sprintf("data:image/png;base64,%s", base64.StdEncoding.EncodeToString(qrBuf.Bytes())), nil
}

func descriptorKey(desc *domain.ProvisioningDescriptor) (*otp.Key, error) {
	raw, err := DecodeSecret(desc.Secret)
	if err != nil {
		return nil, err
	}

	digits := otp.DigitsSix
	if desc.Digits == otp.DigitsEight.Length() {
		digits = otp.DigitsEight
	}
	period := uint(desc.Period)
	if period == 0 {
		period = domain.TOTPPeriod
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      desc.Issuer,
		AccountName: desc.Label,
		Period:      period,
		Digits:      digits,
		Algorithm:   otp.AlgorithmSHA1,
		Secret:      raw,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build TOTP key: %w", err)
	}
	return key, nil
}
