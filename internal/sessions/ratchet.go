package sessions

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	chainKeySize     = 32
	counterSize      = 8
	stateSize        = chainKeySize + counterSize
	infoMessageKey   = "courier/ratchet/message"
	infoNextChainKey = "courier/ratchet/chain"
)

var (
	// ErrInvalidSessionState indicates that serialized ratchet state is malformed.
	ErrInvalidSessionState = errors.New("sessions: invalid session state")
	// ErrInvalidCiphertext indicates that a ciphertext cannot be parsed or authenticated.
	ErrInvalidCiphertext = errors.New("sessions: invalid ciphertext")
	// ErrCounterBehind indicates that a ciphertext predates the receiver state.
	ErrCounterBehind = errors.New("sessions: ciphertext counter behind receiver state")
)

// Cipher advances serialized session state while encrypting one message.
type Cipher interface {
	Encrypt(state []byte, plaintext []byte) ([]byte, []byte, error)
}

// ChainRatchet is a symmetric hash ratchet: each message consumes one chain step.
// Ciphertexts are counter || nonce || sealed box.
type ChainRatchet struct {
	random io.Reader
}

// NewChainRatchet returns a ratchet that draws nonces from crypto/rand.
func NewChainRatchet() *ChainRatchet {
	return &ChainRatchet{random: rand.Reader}
}

// NewSessionState returns a fresh state with a random chain key at counter zero.
func NewSessionState() ([]byte, error) {
	chainKey := make([]byte, chainKeySize)
	if _, err := io.ReadFull(rand.Reader, chainKey); err != nil {
		return nil, err
	}
	return encodeState(chainKey, 0), nil
}

// Overhead is the number of bytes a ciphertext adds to its plaintext.
func (ratchet *ChainRatchet) Overhead() int {
	return counterSize + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
}

// Encrypt seals plaintext with the current message key and returns the advanced state.
func (ratchet *ChainRatchet) Encrypt(state []byte, plaintext []byte) ([]byte, []byte, error) {
	chainKey, counter, err := decodeState(state)
	if err != nil {
		return nil, nil, err
	}
	messageKey, err := deriveKey(chainKey, infoMessageKey)
	if err != nil {
		return nil, nil, err
	}
	nextChainKey, err := deriveKey(chainKey, infoNextChainKey)
	if err != nil {
		return nil, nil, err
	}
	aead, err := chacha20poly1305.NewX(messageKey)
	if err != nil {
		return nil, nil, err
	}

	header := make([]byte, counterSize)
	binary.BigEndian.PutUint64(header, counter)
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(ratchet.random, nonce); err != nil {
		return nil, nil, err
	}

	ciphertext := make([]byte, 0, len(header)+len(nonce)+len(plaintext)+aead.Overhead())
	ciphertext = append(ciphertext, header...)
	ciphertext = append(ciphertext, nonce...)
	ciphertext = aead.Seal(ciphertext, nonce, plaintext, header)

	return encodeState(nextChainKey, counter+1), ciphertext, nil
}

// Decrypt opens a ciphertext produced at or after the counter held by receiverState.
func (ratchet *ChainRatchet) Decrypt(receiverState []byte, ciphertext []byte) ([]byte, error) {
	chainKey, counter, err := decodeState(receiverState)
	if err != nil {
		return nil, err
	}
	target, err := CiphertextCounter(ciphertext)
	if err != nil {
		return nil, err
	}
	if target < counter {
		return nil, fmt.Errorf("%w: %d < %d", ErrCounterBehind, target, counter)
	}
	for step := counter; step < target; step++ {
		chainKey, err = deriveKey(chainKey, infoNextChainKey)
		if err != nil {
			return nil, err
		}
	}
	messageKey, err := deriveKey(chainKey, infoMessageKey)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(messageKey)
	if err != nil {
		return nil, err
	}
	header := ciphertext[:counterSize]
	nonce := ciphertext[counterSize : counterSize+aead.NonceSize()]
	plaintext, err := aead.Open(nil, nonce, ciphertext[counterSize+aead.NonceSize():], header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return plaintext, nil
}

// CiphertextCounter returns the chain position recorded in a ciphertext header.
func CiphertextCounter(ciphertext []byte) (uint64, error) {
	if len(ciphertext) < counterSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return 0, fmt.Errorf("%w: too short", ErrInvalidCiphertext)
	}
	return binary.BigEndian.Uint64(ciphertext[:counterSize]), nil
}

func deriveKey(chainKey []byte, info string) ([]byte, error) {
	key := make([]byte, chainKeySize)
	reader := hkdf.New(sha256.New, chainKey, nil, []byte(info))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

func encodeState(chainKey []byte, counter uint64) []byte {
	state := make([]byte, stateSize)
	copy(state, chainKey)
	binary.BigEndian.PutUint64(state[chainKeySize:], counter)
	return state
}

func decodeState(state []byte) ([]byte, uint64, error) {
	if len(state) != stateSize {
		return nil, 0, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSessionState, stateSize, len(state))
	}
	chainKey := make([]byte, chainKeySize)
	copy(chainKey, state[:chainKeySize])
	return chainKey, binary.BigEndian.Uint64(state[chainKeySize:]), nil
}
