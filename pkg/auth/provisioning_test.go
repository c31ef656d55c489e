package auth

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image/png"
	"net/url"
	"strings"
	"testing"

	"github.com/tendant/simple-idm-totp/pkg/domain"
)

func TestProvisioningBuilder_BuildDescriptor(t *testing.T) {
	b := NewProvisioningBuilder("Acme", nil)

	tests := []struct {
		name       string
		existing   domain.SharedSecret
		email      string
		wantLabel  string
		wantSecret domain.SharedSecret
	}{
		{name: "fresh secret", email: "alice@example.com", wantLabel: "alice@example.com"},
		{name: "reuses pending", existing: rfcSecret, email: "alice@example.com", wantLabel: "alice@example.com", wantSecret: rfcSecret},
		{name: "normalizes pending", existing: "gezd gnbv gy3d mojq gezd gnbv gy3d mojq", email: "a@b.c", wantLabel: "a@b.c", wantSecret: rfcSecret},
		{name: "trims email", email: "  bob@example.com ", wantLabel: "bob@example.com"},
		{name: "empty email", email: "   ", wantLabel: "user"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, err := b.BuildDescriptor(tt.existing, tt.email)
			if err != nil {
				t.Fatalf("BuildDescriptor() error = %v", err)
			}
			if desc.Label != tt.wantLabel {
				t.Errorf("Label = %q, want %q", desc.Label, tt.wantLabel)
			}
			if desc.Issuer != "Acme" || desc.Algorithm != "SHA1" || desc.Digits != 6 || desc.Period != 30 {
				t.Errorf("unexpected parameters %+v", desc)
			}
			if tt.wantSecret != "" && desc.Secret != tt.wantSecret {
				t.Errorf("Secret = %q, want %q", desc.Secret.Base32(), tt.wantSecret.Base32())
			}
			if len(desc.Secret.Base32()) != 32 {
				t.Errorf("secret length = %d, want 32", len(desc.Secret.Base32()))
			}
		})
	}
}

func TestProvisioningBuilder_InvalidPending(t *testing.T) {
	_, err := NewProvisioningBuilder("", nil).BuildDescriptor("not*base32", "a@b.c")
	if !errors.Is(err, domain.ErrInvalidSecret) {
		t.Errorf("BuildDescriptor() error = %v, want %v", err, domain.ErrInvalidSecret)
	}
}

func TestProvisioningBuilder_DefaultIssuer(t *testing.T) {
	if got := NewProvisioningBuilder("  ", nil).Issuer(); got != defaultIssuer {
		t.Errorf("Issuer() = %q, want %q", got, defaultIssuer)
	}
}

func TestProvisioningBuilder_ScannableURI(t *testing.T) {
	b := NewProvisioningBuilder("Acme", nil)
	desc, err := b.BuildDescriptor(rfcSecret, "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}

	raw, err := b.ScannableURI(desc)
	if err != nil {
		t.Fatalf("ScannableURI() error = %v", err)
	}

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	if u.Scheme != "otpauth" || u.Host != "totp" {
		t.Errorf("scheme/host = %s/%s, want otpauth/totp", u.Scheme, u.Host)
	}
	if u.Path != "/Acme:alice@example.com" {
		t.Errorf("path = %q, want /Acme:alice@example.com", u.Path)
	}

	q := u.Query()
	want := map[string]string{
		"secret":    rfcSecret.Base32(),
		"issuer":    "Acme",
		"algorithm": "SHA1",
		"digits":    "6",
		"period":    "30",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("query %s = %q, want %q", k, got, v)
		}
	}
}

func TestProvisioningBuilder_QRCodeDataURI(t *testing.T) {
	b := NewProvisioningBuilder("Acme", nil)
	desc, err := b.BuildDescriptor("", "alice@example.com")
	if err != nil {
		t.Fatal(err)
	}

	uri, err := b.QRCodeDataURI(desc, 0)
	if err != nil {
		t.Fatalf("QRCodeDataURI() error = %v", err)
	}

	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(uri, prefix) {
		t.Fatalf("QRCodeDataURI() = %.40q..., want %s prefix", uri, prefix)
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(uri, prefix))
	if err != nil {
		t.Fatalf("base64 decode error = %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("png.Decode() error = %v", err)
	}
	if img.Bounds().Dx() != qrCodeSize || img.Bounds().Dy() != qrCodeSize {
		t.Errorf("image size = %v, want %dx%d", img.Bounds(), qrCodeSize, qrCodeSize)
	}
}
