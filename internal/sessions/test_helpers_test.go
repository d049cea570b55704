package sessions

import (
	"context"
	"fmt"
	"strings"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	database, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := database.AutoMigrate(&Session{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func mustKey(t *testing.T, sessionID string) Key {
	t.Helper()
	key, err := NewKey(sessionID, KindNotification)
	if err != nil {
		t.Fatalf("unexpected key error: %v", err)
	}
	return key
}

func mustProvisionedSession(t *testing.T, store *Store, key Key) []byte {
	t.Helper()
	state, err := NewSessionState()
	if err != nil {
		t.Fatalf("failed to create session state: %v", err)
	}
	created, err := store.Create(context.Background(), key, state)
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if !created {
		t.Fatalf("expected session %s to be created", key)
	}
	return state
}
