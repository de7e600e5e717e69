package keychain

import (
	"bytes"
	"errors"
	"testing"
)

// fastParams returns low-cost Argon2 params for fast tests.
func fastParams() EncryptionParams {
	return EncryptionParams{
		Memory:      64, // 64 KiB (minimal)
		Iterations:  1,
		Parallelism: 1,
	}
}

func TestEncryptDecrypt_Roundtrip(t *testing.T) {
	plaintext := []byte(`{"version":1,"keychains":[]}`)
	password := []byte("strong-password-123")

	encrypted, err := Encrypt(plaintext, password, fastParams())
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if encrypted[0] != vaultVersion {
		t.Errorf("version byte = %d, want %d", encrypted[0], vaultVersion)
	}
	decrypted, err := Decrypt(encrypted, password)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("decrypted = %q, want %q", decrypted, plaintext)
	}
}

func TestDecrypt_WrongPassword(t *testing.T) {
	encrypted, _ := Encrypt([]byte("secret"), []byte("right"), fastParams())
	if _, err := Decrypt(encrypted, []byte("wrong")); !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("Decrypt() error = %v, want ErrWrongPassword", err)
	}
}

func TestDecrypt_TamperedParams(t *testing.T) {
	encrypted, _ := Encrypt([]byte("secret"), []byte("pw"), fastParams())
	// Bump the iteration count in the header: authenticated, so it must fail.
	encrypted[1+SaltSize+4]++
	if _, err := Decrypt(encrypted, []byte("pw")); err == nil {
		t.Fatal("Decrypt() accepted a tampered header")
	}
}

func TestDecrypt_Truncated(t *testing.T) {
	if _, err := Decrypt(make([]byte, 10), []byte("pw")); err == nil {
		t.Fatal("Decrypt() accepted truncated input")
	}
}

func TestEncrypt_DifferentEachTime(t *testing.T) {
	a, _ := Encrypt([]byte("same"), []byte("pw"), fastParams())
	b, _ := Encrypt([]byte("same"), []byte("pw"), fastParams())
	if bytes.Equal(a, b) {
		t.Fatal("two encryptions produced identical output")
	}
}
