package sessions

import (
	"bytes"
	"errors"
	"testing"
)

func TestChainRatchetSkipsAheadToCounter(t *testing.T) {
	ratchet := NewChainRatchet()
	initial, err := NewSessionState()
	if err != nil {
		t.Fatalf("failed to create state: %v", err)
	}

	state := initial
	var ciphertexts [][]byte
	for _, message := range []string{"first", "second", "third"} {
		next, ciphertext, err := ratchet.Encrypt(state, []byte(message))
		if err != nil {
			t.Fatalf("encrypt failed: %v", err)
		}
		state = next
		ciphertexts = append(ciphertexts, ciphertext)
	}

	opened, err := ratchet.Decrypt(initial, ciphertexts[2])
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(opened, []byte("third")) {
		t.Fatalf("expected third message, got %q", opened)
	}
	if len(ciphertexts[0]) != len("first")+ratchet.Overhead() {
		t.Fatalf("unexpected ciphertext length %d", len(ciphertexts[0]))
	}
}

func TestChainRatchetRejectsOlderCounter(t *testing.T) {
	ratchet := NewChainRatchet()
	initial, err := NewSessionState()
	if err != nil {
		t.Fatalf("failed to create state: %v", err)
	}
	advanced, ciphertext, err := ratchet.Encrypt(initial, []byte("hello"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if _, err := ratchet.Decrypt(advanced, ciphertext); !errors.Is(err, ErrCounterBehind) {
		t.Fatalf("expected counter behind error, got %v", err)
	}
}

func TestChainRatchetDetectsTampering(t *testing.T) {
	ratchet := NewChainRatchet()
	initial, err := NewSessionState()
	if err != nil {
		t.Fatalf("failed to create state: %v", err)
	}
	_, ciphertext, err := ratchet.Encrypt(initial, []byte("hello"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	ciphertext[len(ciphertext)-1] ^= 0xff
	if _, err := ratchet.Decrypt(initial, ciphertext); !errors.Is(err, ErrInvalidCiphertext) {
		t.Fatalf("expected invalid ciphertext error, got %v", err)
	}
}

func TestChainRatchetRejectsMalformedState(t *testing.T) {
	ratchet := NewChainRatchet()
	if _, _, err := ratchet.Encrypt([]byte("short"), []byte("hello")); !errors.Is(err, ErrInvalidSessionState) {
		t.Fatalf("expected invalid state error, got %v", err)
	}
}
