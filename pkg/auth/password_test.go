package auth

import (
	"errors"
	"strings"
	"testing"

	"github.com/tendant/simple-idm-totp/pkg/domain"
)

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("s3cret-pass")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=1,p=4$") {
		t.Errorf("HashPassword() = %q, unexpected parameters", hash)
	}

	again, _ := HashPassword("s3cret-pass")
	if hash == again {
		t.Error("HashPassword() produced identical hashes for two salts")
	}
}

func TestVerifyPassword(t *testing.T) {
	hash, err := HashPassword("s3cret-pass")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		password string
		hash     string
		want     bool
	}{
		{"correct", "s3cret-pass", hash, true},
		{"wrong password", "s3cret-Pass", hash, false},
		{"empty password", "", hash, false},
		{"empty hash", "s3cret-pass", "", false},
		{"bcrypt hash", "s3cret-pass", "$2a$10$abcdefghijklmnopqrstuv", false},
		{"wrong version", "s3cret-pass", strings.Replace(hash, "v=19", "v=16", 1), false},
		{"bad params", "s3cret-pass", strings.Replace(hash, "m=65536", "m=x", 1), false},
		{"bad salt", "s3cret-pass", "$argon2id$v=19$m=65536,t=1,p=4$!!!$aGFzaA", false},
		{"empty digest", "s3cret-pass", "$argon2id$v=19$m=65536,t=1,p=4$c2FsdHNhbHQ$", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifyPassword(tt.password, tt.hash); got != tt.want {
				t.Errorf("VerifyPassword() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodeArgon2Hash(t *testing.T) {
	encoded := encodeArgon2Hash([]byte("digestdigestdigest"), []byte("saltsaltsaltsalt"), 3, 32*1024, 2)

	hash, salt, tm, memory, threads, err := decodeArgon2Hash(encoded)
	if err != nil {
		t.Fatalf("decodeArgon2Hash() error = %v", err)
	}
	if string(hash) != "digestdigestdigest" || string(salt) != "saltsaltsaltsalt" {
		t.Errorf("decoded hash/salt = %q/%q", hash, salt)
	}
	if tm != 3 || memory != 32*1024 || threads != 2 {
		t.Errorf("decoded params = t=%d m=%d p=%d", tm, memory, threads)
	}
}

func TestDummyHash_CostsLikeARealCheck(t *testing.T) {
	first := dummyHash()
	if first != dummyHash() {
		t.Error("dummyHash() changed between calls")
	}

	hash, salt, tm, memory, threads, err := decodeArgon2Hash(first)
	if err != nil {
		t.Fatalf("decodeArgon2Hash(dummyHash()) error = %v", err)
	}
	if tm != argon2Time || memory != argon2Memory || threads != argon2Threads {
		t.Errorf("dummy params = t=%d m=%d p=%d, want the stored hash parameters", tm, memory, threads)
	}
	if len(hash) != argon2KeyLen || len(salt) != saltLen {
		t.Errorf("dummy hash/salt lengths = %d/%d", len(hash), len(salt))
	}
	if VerifyPassword("s3cret-pass", first) {
		t.Error("dummy hash accepted a user password")
	}
}

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		name    string
		email   string
		wantErr bool
	}{
		{"valid", "alice@example.com", false},
		{"valid with spaces and case", "  Alice@Example.COM ", false},
		{"empty", "", true},
		{"no at sign", "alice.example.com", true},
		{"display name", "Alice <alice@example.com>", true},
		{"too long", strings.Repeat("a", 250) + "@example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEmail(tt.email)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEmail(%q) error = %v, wantErr %v", tt.email, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, domain.ErrInvalidEmail) {
				t.Errorf("ValidateEmail(%q) error = %v, want ErrInvalidEmail", tt.email, err)
			}
		})
	}
}

func TestNormalizeEmail(t *testing.T) {
	if got := NormalizeEmail("  Alice@Example.COM\t"); got != "alice@example.com" {
		t.Errorf("NormalizeEmail() = %q", got)
	}
}
