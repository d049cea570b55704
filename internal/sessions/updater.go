package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBackoff = 20 * time.Millisecond
	defaultBudget  = 5 * time.Second

	opUpdaterNew = "sessions.updater.new"
	opEncrypt    = "sessions.encrypt"

	reasonMissingStore   = "missing_store"
	reasonMissingCipher  = "missing_cipher"
	reasonReadFailed     = "read_failed"
	reasonEncryptFailed  = "encrypt_failed"
	reasonWriteFailed    = "write_failed"
	reasonBudgetExceeded = "budget_exceeded"
	reasonCanceled       = "canceled"
)

var (
	errMissingStore  = errors.New("session store is required")
	errMissingCipher = errors.New("session cipher is required")
	// ErrBudgetExceeded indicates that version conflicts outlasted the retry budget.
	ErrBudgetExceeded = errors.New("sessions: compare-and-swap budget exceeded")
	noOpLogger        = zap.NewNop()
)

// ServiceError carries a stable code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// VersionedStore is the read/compare-and-write primitive the updater drives.
type VersionedStore interface {
	Read(ctx context.Context, key Key) (Snapshot, error)
	CompareAndSwap(ctx context.Context, key Key, expectedVersion int64, state []byte) (bool, error)
}

// UpdaterConfig wires the updater dependencies.
type UpdaterConfig struct {
	Store   VersionedStore
	Cipher  Cipher
	Backoff time.Duration
	Budget  time.Duration
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Updater encrypts for one session under optimistic concurrency control.
type Updater struct {
	store   VersionedStore
	cipher  Cipher
	backoff time.Duration
	budget  time.Duration
	clock   func() time.Time
	logger  *zap.Logger
}

// EncryptResult reports the outcome of one encryption attempt.
// Order is the version read before the successful write.
type EncryptResult struct {
	Ciphertext []byte
	Order      int64
	Accepted   bool
	Size       int
}

// NewUpdater validates configuration and applies defaults.
func NewUpdater(cfg UpdaterConfig) (*Updater, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opUpdaterNew, reasonMissingStore, errMissingStore)
	}
	if cfg.Cipher == nil {
		return nil, newServiceError(opUpdaterNew, reasonMissingCipher, errMissingCipher)
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	budget := cfg.Budget
	if budget <= 0 {
		budget = defaultBudget
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Updater{
		store:   cfg.Store,
		cipher:  cfg.Cipher,
		backoff: backoff,
		budget:  budget,
		clock:   clock,
		logger:  logger,
	}, nil
}

// Encrypt reads the session, encrypts plaintext and writes the advanced state at version+1.
// When validate rejects the ciphertext nothing is written and Accepted is false.
// Version conflicts are retried after a fixed backoff until the budget runs out.
func (updater *Updater) Encrypt(ctx context.Context, key Key, plaintext []byte, validate func([]byte) bool) (EncryptResult, error) {
	startedAt := updater.clock()
	attempts := 0
	for {
		attempts++
		snapshot, err := updater.store.Read(ctx, key)
		if err != nil {
			updater.logError(opEncrypt, reasonReadFailed, err, zap.String("session", key.String()))
			return EncryptResult{}, newServiceError(opEncrypt, reasonReadFailed, err)
		}

		nextState, ciphertext, err := updater.cipher.Encrypt(snapshot.State, plaintext)
		if err != nil {
			updater.logError(opEncrypt, reasonEncryptFailed, err, zap.String("session", key.String()))
			return EncryptResult{}, newServiceError(opEncrypt, reasonEncryptFailed, err)
		}
		if validate != nil && !validate(ciphertext) {
			return EncryptResult{Order: snapshot.Version, Size: len(ciphertext)}, nil
		}

		swapped, err := updater.store.CompareAndSwap(ctx, key, snapshot.Version, nextState)
		if err != nil {
			updater.logError(opEncrypt, reasonWriteFailed, err, zap.String("session", key.String()))
			return EncryptResult{}, newServiceError(opEncrypt, reasonWriteFailed, err)
		}
		if swapped {
			return EncryptResult{
				Ciphertext: ciphertext,
				Order:      snapshot.Version,
				Accepted:   true,
				Size:       len(ciphertext),
			}, nil
		}

		if updater.clock().Sub(startedAt)+updater.backoff > updater.budget {
			updater.logError(opEncrypt, reasonBudgetExceeded, ErrBudgetExceeded,
				zap.String("session", key.String()),
				zap.Int("attempts", attempts))
			return EncryptResult{}, newServiceError(opEncrypt, reasonBudgetExceeded, ErrBudgetExceeded)
		}
		updater.logger.Debug("session version conflict",
			zap.String("session", key.String()),
			zap.Int64("version", snapshot.Version),
			zap.Int("attempt", attempts))

		timer := time.NewTimer(updater.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return EncryptResult{}, newServiceError(opEncrypt, reasonCanceled, ctx.Err())
		case <-timer.C:
		}
	}
}

func (updater *Updater) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	updater.logger.Error("session updater error", attrs...)
}
