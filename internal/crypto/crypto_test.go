package crypto

import (
	"errors"
	"testing"
)

func TestEncryptorRoundTrip(t *testing.T) {
	enc, err := NewEncryptor([]byte("a-sufficiently-long-passphrase"))
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}

	plaintext := []byte(`{"state":{"step":3},"pending":null}`)
	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if ciphertext == string(plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}

	got, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Errorf("Decrypt = %q, want %q", got, plaintext)
	}
}

func TestEncryptorNonceUniqueness(t *testing.T) {
	enc, err := NewEncryptor([]byte("a-sufficiently-long-passphrase"))
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}

	a, err := enc.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	b, err := enc.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if a == b {
		t.Error("two encryptions of the same payload produced identical ciphertext")
	}
}

func TestEncryptorWrongKey(t *testing.T) {
	enc1, err := NewEncryptor([]byte("the-first-passphrase-here"))
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}
	enc2, err := NewEncryptor([]byte("a-different-passphrase-xx"))
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}

	ciphertext, err := enc1.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err := enc2.Decrypt(ciphertext); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Decrypt with wrong key = %v, want ErrDecryptionFailed", err)
	}
}

func TestEncryptorRejectsBadInput(t *testing.T) {
	if _, err := NewEncryptor([]byte("short")); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("NewEncryptor(short key) = %v, want ErrInvalidKey", err)
	}

	enc, err := NewEncryptor([]byte("a-sufficiently-long-passphrase"))
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}

	if _, err := enc.Decrypt("not base64 !!!"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("Decrypt(garbage) = %v, want ErrInvalidCiphertext", err)
	}
	if _, err := enc.Decrypt("AAAA"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("Decrypt(too short) = %v, want ErrInvalidCiphertext", err)
	}
}
