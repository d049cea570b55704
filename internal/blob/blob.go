// Package blob stores oversized notification payloads that devices fetch out of band.
package blob

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const (
	blobPrefix   = "blobs/"
	holderPrefix = "holders/"
)

var (
	// ErrNotFound indicates that no blob is stored under the hash.
	ErrNotFound = errors.New("blob: not found")
	// ErrInvalidHash indicates a hash that is not lowercase hex SHA-256.
	ErrInvalidHash = errors.New("blob: invalid hash")
	// ErrNoHolders indicates an upload without anyone to hold it.
	ErrNoHolders = errors.New("blob: at least one holder is required")
)

// Upload describes a stored blob and the holder token issued for each requested holder.
type Upload struct {
	Hash    string
	Holders map[string]string
}

// Store keeps content-addressed blobs alive for as long as any holder references them.
type Store interface {
	Upload(ctx context.Context, content []byte, holders []string) (Upload, error)
	Fetch(ctx context.Context, hash string) ([]byte, error)
	Release(ctx context.Context, hash string, holder string) error
}

// ContentHash returns the lowercase hex SHA-256 of content.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func validateHash(hash string) error {
	if len(hash) != sha256.Size*2 {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	if _, err := hex.DecodeString(hash); err != nil || strings.ToLower(hash) != hash {
		return fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	return nil
}

func blobKey(hash string) string {
	return blobPrefix + hash
}

func holderKey(hash string, holder string) string {
	return holderPrefix + hash + "/" + holder
}

func holdersPrefix(hash string) string {
	return holderPrefix + hash + "/"
}

// issueHolders mints one opaque token per distinct requested holder.
func issueHolders(holders []string) (map[string]string, error) {
	if len(holders) == 0 {
		return nil, ErrNoHolders
	}
	issued := make(map[string]string, len(holders))
	for _, holder := range holders {
		if _, ok := issued[holder]; ok {
			continue
		}
		buffer := make([]byte, 16)
		if _, err := rand.Read(buffer); err != nil {
			return nil, fmt.Errorf("blob: generate holder token: %w", err)
		}
		issued[holder] = hex.EncodeToString(buffer)
	}
	return issued, nil
}
