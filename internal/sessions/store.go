package sessions

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	querySessionKey        = "session_id = ? AND kind = ?"
	querySessionKeyVersion = "session_id = ? AND kind = ? AND version = ?"
)

// Store persists encryption sessions and exposes a versioned compare-and-swap.
type Store struct {
	db *gorm.DB
}

// NewStore binds a Store to the provided database handle.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Create inserts a session at version zero. It reports false when the key already exists.
func (store *Store) Create(ctx context.Context, key Key, state []byte) (bool, error) {
	model := Session{
		SessionID: key.SessionID,
		Kind:      string(key.Kind),
		State:     state,
		Version:   0,
	}
	result := store.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Read loads the current state and version.
func (store *Store) Read(ctx context.Context, key Key) (Snapshot, error) {
	var model Session
	err := store.db.WithContext(ctx).
		Where(querySessionKey, key.SessionID, string(key.Kind)).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, ErrSessionNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{State: model.State, Version: model.Version}, nil
}

// CompareAndSwap writes state at expectedVersion+1 only if the stored version still equals expectedVersion.
func (store *Store) CompareAndSwap(ctx context.Context, key Key, expectedVersion int64, state []byte) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Session{}).
		Where(querySessionKeyVersion, key.SessionID, string(key.Kind), expectedVersion).
		Updates(map[string]any{
			"state":   state,
			"version": expectedVersion + 1,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
