package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncryptDecrypt(t *testing.T) {
	plain := []byte(`{"API_KEY":"abc"}`)
	sealed, err := Encrypt("secret", plain)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(sealed, plain) {
		t.Fatalf("ciphertext leaks plaintext")
	}
	opened, err := Decrypt("secret", sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(opened, plain) {
		t.Fatalf("expected %q, got %q", plain, opened)
	}
	if _, err := Decrypt("other", sealed); err == nil {
		t.Fatalf("expected wrong key to fail")
	}
}

func TestEmptySecret(t *testing.T) {
	if _, err := Encrypt("", []byte("x")); !errors.Is(err, ErrEmptySecret) {
		t.Fatalf("expected ErrEmptySecret, got %v", err)
	}
}
