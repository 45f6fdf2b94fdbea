package vault

import (
	"errors"
	"strings"
	"testing"
)

const hexKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestRoundTrip(t *testing.T) {
	v, err := New(hexKey)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	sealed, err := v.Encrypt("EAAG-token", "binding-1")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if strings.Contains(sealed, "EAAG") {
		t.Fatal("ciphertext leaks plaintext")
	}
	got, err := v.Decrypt(sealed, "binding-1")
	if err != nil || got != "EAAG-token" {
		t.Fatalf("decrypt = %q, %v", got, err)
	}
}

func TestDecryptRejectsOtherOwner(t *testing.T) {
	v, _ := New("a passphrase that is not hex")
	sealed, err := v.Encrypt("secret", "binding-1")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := v.Decrypt(sealed, "binding-2"); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("err = %v, want ErrDecryptionFailed", err)
	}
	if _, err := v.Decrypt("not base64!", "binding-1"); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("err = %v, want ErrDecryptionFailed", err)
	}
}

func TestNonceIsFresh(t *testing.T) {
	v, _ := New(hexKey)
	a, _ := v.Encrypt("same", "o")
	b, _ := v.Encrypt("same", "o")
	if a == b {
		t.Fatal("two encryptions produced identical output")
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	if _, err := New(""); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("err = %v, want ErrInvalidKey", err)
	}
}
