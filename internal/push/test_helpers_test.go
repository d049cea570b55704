package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/courier/backend/internal/blob"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/devices"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/sessions"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/updates"
	"github.com/cockroachdb/pebble/vfs"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

var fixedNow = time.Date(2026, time.April, 2, 9, 30, 0, 0, time.UTC)

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (provider *sequenceIDs) NewID() (string, error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	provider.next++
	return fmt.Sprintf("notification-%03d", provider.next), nil
}

type recordingGateway struct {
	mu       sync.Mutex
	sent     []TargetedNotification
	invalid  map[string]bool
	failing  map[string]bool
	overhead int
}

func newRecordingGateway() *recordingGateway {
	return &recordingGateway{invalid: map[string]bool{}, failing: map[string]bool{}}
}

// Encode pads the body the way a platform wrapper would.
func (gateway *recordingGateway) Encode(notification TargetedNotification) ([]byte, error) {
	gateway.mu.Lock()
	overhead := gateway.overhead
	gateway.mu.Unlock()
	return append(bytes.Repeat([]byte(" "), overhead), notification.Body...), nil
}

func (gateway *recordingGateway) Send(_ context.Context, notifications []TargetedNotification) (SendResult, error) {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	result := SendResult{
		IDs:    make([]string, len(notifications)),
		Errors: make([]error, len(notifications)),
	}
	for index, notification := range notifications {
		gateway.sent = append(gateway.sent, notification)
		if gateway.invalid[notification.Device.DeviceToken] {
			result.InvalidTokens = append(result.InvalidTokens, notification.Device.DeviceToken)
			continue
		}
		if gateway.failing[notification.Device.DeviceToken] {
			result.Errors[index] = errors.New("gateway unavailable")
			continue
		}
		result.IDs[index] = fmt.Sprintf("gw-%d", len(gateway.sent))
	}
	return result, nil
}

func (gateway *recordingGateway) notifications() []TargetedNotification {
	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	result := make([]TargetedNotification, len(gateway.sent))
	copy(result, gateway.sent)
	return result
}

func (gateway *recordingGateway) forDevice(deviceID string) []TargetedNotification {
	var result []TargetedNotification
	for _, notification := range gateway.notifications() {
		if notification.Device.DeviceID == deviceID {
			result = append(result, notification)
		}
	}
	return result
}

type recordingSubmitter struct {
	mu    sync.Mutex
	facts []updates.Fact
}

func (submitter *recordingSubmitter) Submit(_ context.Context, facts []updates.Fact, _ updates.DeliveryMode, _ *updates.Viewer) (updates.SubmitResult, error) {
	submitter.mu.Lock()
	defer submitter.mu.Unlock()
	submitter.facts = append(submitter.facts, facts...)
	return updates.SubmitResult{}, nil
}

type harness struct {
	database  *gorm.DB
	engine    *Engine
	registry  *devices.Registry
	sessions  *sessions.Store
	blobs     *blob.PebbleStore
	apple     *recordingGateway
	android   *recordingGateway
	submitter *recordingSubmitter
	states    map[string][]byte
}

type harnessOptions struct {
	withoutBlobs bool
}

func newHarness(t *testing.T, options harnessOptions) *harness {
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
	models := append(chat.Models(), &devices.Device{}, &sessions.Session{}, &updates.Record{})
	models = append(models, Models()...)
	if err := database.AutoMigrate(models...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	chatStore, err := chat.NewStore(database)
	if err != nil {
		t.Fatalf("failed to build chat store: %v", err)
	}
	registry, err := devices.NewRegistry(devices.RegistryConfig{Database: database})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	sessionStore := sessions.NewStore(database)
	updater, err := sessions.NewUpdater(sessions.UpdaterConfig{Store: sessionStore, Cipher: sessions.NewChainRatchet()})
	if err != nil {
		t.Fatalf("failed to build updater: %v", err)
	}

	h := &harness{
		database:  database,
		registry:  registry,
		sessions:  sessionStore,
		apple:     newRecordingGateway(),
		android:   newRecordingGateway(),
		submitter: &recordingSubmitter{},
		states:    map[string][]byte{},
	}
	cfg := EngineConfig{
		Database: database,
		Chat:     chatStore,
		Devices:  registry,
		Sessions: updater,
		Gateways: map[devices.Platform]Gateway{
			devices.PlatformIOS:     h.apple,
			devices.PlatformMacOS:   h.apple,
			devices.PlatformAndroid: h.android,
		},
		Updates:    h.submitter,
		IDProvider: &sequenceIDs{},
		Clock:      func() time.Time { return fixedNow },
	}
	if !options.withoutBlobs {
		blobs, err := blob.OpenPebbleStore("blobs", vfs.NewMem())
		if err != nil {
			t.Fatalf("failed to open blob store: %v", err)
		}
		t.Cleanup(func() {
			_ = blobs.Close()
		})
		h.blobs = blobs
		cfg.Blobs = blobs
	}
	engine, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	h.engine = engine
	return h
}

// seedConversation creates a recipient with two unread threads and a sender message in thread-1.
func (h *harness) seedConversation(t *testing.T, text string) {
	t.Helper()
	rows := []any{
		&chat.User{UserID: "user-a", Username: "alice"},
		&chat.User{UserID: "user-b", Username: "bob"},
		&chat.Thread{ThreadID: "thread-1", Name: "general", CreatorID: "user-b"},
		&chat.Thread{ThreadID: "thread-2", Name: "random", CreatorID: "user-b"},
		&chat.Membership{ThreadID: "thread-1", UserID: "user-a", Role: chat.RoleMember, Unread: true},
		&chat.Membership{ThreadID: "thread-2", UserID: "user-a", Role: chat.RoleMember, Unread: true},
		&chat.Membership{ThreadID: "thread-1", UserID: "user-b", Role: chat.RoleAdmin},
	}
	for _, row := range rows {
		if err := h.database.Create(row).Error; err != nil {
			t.Fatalf("failed to seed %T: %v", row, err)
		}
	}
	h.addMessage(t, "msg-1", text)
}

func (h *harness) addMessage(t *testing.T, messageID string, text string) {
	t.Helper()
	message := chat.Message{MessageID: messageID, ThreadID: "thread-1", CreatorID: "user-b", Text: text, CreatedAt: fixedNow}
	if err := h.database.Create(&message).Error; err != nil {
		t.Fatalf("failed to seed message: %v", err)
	}
}

// registerDevice registers a device and, for encryption-capable clients, provisions its session.
func (h *harness) registerDevice(t *testing.T, deviceID string, platform devices.Platform, codeVersion int) {
	t.Helper()
	sessionID := "session-" + deviceID
	_, err := h.registry.Register(context.Background(), devices.Registration{
		DeviceID:    deviceID,
		UserID:      "user-a",
		SessionID:   sessionID,
		Platform:    platform,
		DeviceToken: "token-" + deviceID,
		CodeVersion: codeVersion,
	})
	if err != nil {
		t.Fatalf("failed to register device: %v", err)
	}
	if codeVersion == 0 {
		return
	}
	key, err := sessions.NewKey(sessionID, sessions.KindNotification)
	if err != nil {
		t.Fatalf("failed to build session key: %v", err)
	}
	state, err := sessions.NewSessionState()
	if err != nil {
		t.Fatalf("failed to build session state: %v", err)
	}
	if _, err := h.sessions.Create(context.Background(), key, state); err != nil {
		t.Fatalf("failed to provision session: %v", err)
	}
	h.states[deviceID] = state
}

// openBody returns the client-visible body of a delivered notification.
func (h *harness) openBody(t *testing.T, notification TargetedNotification) Body {
	t.Helper()
	raw := notification.Body
	if notification.Encrypted {
		var envelope Envelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			t.Fatalf("failed to decode envelope: %v", err)
		}
		plaintext, err := sessions.NewChainRatchet().Decrypt(h.states[notification.Device.DeviceID], envelope.Ciphertext)
		if err != nil {
			t.Fatalf("failed to decrypt body: %v", err)
		}
		raw = plaintext
	}
	var body Body
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	return body
}

func (h *harness) notificationsFor(t *testing.T, userID string) []Notification {
	t.Helper()
	var rows []Notification
	if err := h.database.Where("user_id = ?", userID).Order("created_at ASC, notification_id ASC").Find(&rows).Error; err != nil {
		t.Fatalf("failed to load notifications: %v", err)
	}
	return rows
}
