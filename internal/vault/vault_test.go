package vault

import (
	"bytes"
	"errors"
	"testing"
)

func TestSealOpen(t *testing.T) {
	v := New("test-passphrase")
	plaintext := []byte(`{"tasks":[]}`)

	sealed, err := v.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !IsSealed(sealed) {
		t.Fatal("expected sealed header")
	}

	opened, err := v.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(plaintext, opened) {
		t.Fatalf("got %q, want %q", opened, plaintext)
	}
}

func TestWrongPassphrase(t *testing.T) {
	sealed, err := New("correct-passphrase").Seal([]byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := New("wrong-passphrase").Open(sealed); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestSealIsSalted(t *testing.T) {
	v := New("same")
	a, _ := v.Seal([]byte("payload"))
	b, _ := v.Seal([]byte("payload"))
	if bytes.Equal(a, b) {
		t.Fatal("expected different output for repeated seals")
	}
}

func TestOpenRejectsBadInput(t *testing.T) {
	v := New("test")

	if _, err := v.Open([]byte("plain zstd bytes here")); !errors.Is(err, ErrNotSealed) {
		t.Errorf("expected ErrNotSealed, got %v", err)
	}

	sealed, _ := v.Seal([]byte("payload"))
	if _, err := v.Open(sealed[:len(sealed)-20]); !errors.Is(err, ErrDecrypt) {
		t.Errorf("expected ErrDecrypt for truncated blob, got %v", err)
	}

	sealed[len(sealed)-1] ^= 0xff
	if _, err := v.Open(sealed); !errors.Is(err, ErrDecrypt) {
		t.Errorf("expected ErrDecrypt for tampered blob, got %v", err)
	}
}

func TestEmptyPlaintext(t *testing.T) {
	v := New("test")
	sealed, err := v.Seal(nil)
	if err != nil {
		t.Fatalf("seal empty: %v", err)
	}
	opened, err := v.Open(sealed)
	if err != nil {
		t.Fatalf("open empty: %v", err)
	}
	if len(opened) != 0 {
		t.Fatalf("expected empty plaintext, got %d bytes", len(opened))
	}
}
