package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate random key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewAESEncryptorKeyValidation(t *testing.T) {
	tests := []struct {
		name      string
		key       string
		errorMsg  string
		wantError bool
	}{
		{name: "empty key", key: "", wantError: true, errorMsg: "encryption key is empty"},
		{name: "invalid base64", key: "not-valid-base64!@#$", wantError: true, errorMsg: "base64 decode failed"},
		{name: "key too short", key: base64.StdEncoding.EncodeToString(make([]byte, 16)), wantError: true, errorMsg: "must be 32 bytes"},
		{name: "key too long", key: base64.StdEncoding.EncodeToString(make([]byte, 64)), wantError: true, errorMsg: "must be 32 bytes"},
		{name: "valid 32-byte key", key: base64.StdEncoding.EncodeToString(make([]byte, 32))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewAESEncryptor(tt.key)
			if tt.wantError {
				if err == nil {
					t.Fatal("NewAESEncryptor() expected error but got nil")
				}
				if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("NewAESEncryptor() error = %v, want error containing %q", err, tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewAESEncryptor() unexpected error = %v", err)
			}
			if enc == nil {
				t.Error("NewAESEncryptor() returned nil encryptor")
			}
		})
	}
}

func TestEncryptStringRoundTrip(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatal(err)
	}

	plaintext := "oauth-token-abc123"
	ct, err := EncryptString(enc, plaintext)
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}
	if ct == plaintext {
		t.Error("ciphertext equals plaintext")
	}
	got, err := DecryptString(enc, ct)
	if err != nil {
		t.Fatalf("DecryptString() error = %v", err)
	}
	if got != plaintext {
		t.Errorf("round trip = %q, want %q", got, plaintext)
	}

	// Fresh nonce per call: encrypting the same value twice must differ.
	ct2, err := EncryptString(enc, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if ct == ct2 {
		t.Error("two encryptions produced identical ciphertext")
	}
}

func TestEncryptStringEmptyPassesThrough(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	ct, err := EncryptString(enc, "")
	if err != nil || ct != "" {
		t.Errorf("EncryptString(\"\") = %q, %v, want empty and nil", ct, err)
	}
	pt, err := DecryptString(enc, "")
	if err != nil || pt != "" {
		t.Errorf("DecryptString(\"\") = %q, %v, want empty and nil", pt, err)
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	ct, err := enc.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}

	ct[len(ct)-1] ^= 0xff
	if _, err := enc.Decrypt(ct); err == nil {
		t.Error("Decrypt() accepted tampered ciphertext")
	}

	if _, err := enc.Decrypt(ct[:4]); err == nil {
		t.Error("Decrypt() accepted truncated ciphertext")
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	encA, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	encB, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatal(err)
	}
	ct, err := encA.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := encB.Decrypt(ct); err == nil {
		t.Error("Decrypt() with wrong key succeeded")
	}
}
