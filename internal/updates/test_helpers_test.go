package updates

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/courier/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/pubsub"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var baseTime = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func at(offset int) time.Time {
	return baseTime.Add(time.Duration(offset) * time.Second)
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (provider *sequenceIDs) NewID() (string, error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	provider.next++
	return fmt.Sprintf("update-%03d", provider.next), nil
}

type publishedMessage struct {
	target  pubsub.Target
	message pubsub.Message
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []publishedMessage
}

func (publisher *recordingPublisher) Publish(_ context.Context, target pubsub.Target, message pubsub.Message) error {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	publisher.published = append(publisher.published, publishedMessage{target: target, message: message})
	return nil
}

func (publisher *recordingPublisher) messages() []publishedMessage {
	publisher.mu.Lock()
	defer publisher.mu.Unlock()
	result := make([]publishedMessage, len(publisher.published))
	copy(result, publisher.published)
	return result
}

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
	models := append([]any{&Record{}}, chat.Models()...)
	if err := database.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func mustService(t *testing.T) (*Service, *gorm.DB, *recordingPublisher) {
	t.Helper()
	database := mustDatabase(t)
	reader, err := chat.NewStore(database)
	if err != nil {
		t.Fatalf("failed to build chat store: %v", err)
	}
	hydrator, err := NewHydrator(HydratorConfig{Reader: reader})
	if err != nil {
		t.Fatalf("failed to build hydrator: %v", err)
	}
	publisher := &recordingPublisher{}
	service, err := NewService(ServiceConfig{
		Database:   database,
		Hydrator:   hydrator,
		Publisher:  publisher,
		IDProvider: &sequenceIDs{},
		Clock:      func() time.Time { return baseTime },
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	t.Cleanup(service.Wait)
	return service, database, publisher
}

func seedThreads(t *testing.T, database *gorm.DB, userID string, threadIDs ...string) {
	t.Helper()
	if err := database.Create(&chat.User{UserID: userID, Username: userID}).Error; err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	for _, threadID := range threadIDs {
		if err := database.Create(&chat.Thread{ThreadID: threadID, Name: threadID, CreatorID: userID}).Error; err != nil {
			t.Fatalf("failed to seed thread: %v", err)
		}
		if err := database.Create(&chat.Membership{ThreadID: threadID, UserID: userID, Role: chat.RoleMember}).Error; err != nil {
			t.Fatalf("failed to seed membership: %v", err)
		}
	}
}

func storedRecords(t *testing.T, database *gorm.DB, userID string) []Record {
	t.Helper()
	var records []Record
	if err := database.Where("user_id = ?", userID).Order("time_ms ASC, update_id ASC").Find(&records).Error; err != nil {
		t.Fatalf("failed to load records: %v", err)
	}
	return records
}

func updateTypes(infos []UpdateInfo) []Type {
	types := make([]Type, len(infos))
	for index, info := range infos {
		types[index] = info.Type
	}
	return types
}
