// Package threads holds the thread mutations that feed the update log and the push engine.
package threads

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/courier/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/ids"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/pubsub"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/push"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/updates"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew = "threads.service.new"
	opPost       = "threads.post_message"
	opMarkRead   = "threads.mark_read"
	opNotify     = "threads.notify"
	opRescind    = "threads.rescind"

	reasonMissingChat       = "missing_chat"
	reasonMissingUpdates    = "missing_updates"
	reasonMissingIDProvider = "missing_id_provider"
	reasonInvalidInput      = "invalid_input"
	reasonNotMember         = "not_member"
	reasonLookupFailed      = "lookup_failed"
	reasonIDFailed          = "id_failed"
	reasonStoreFailed       = "store_failed"
	reasonSubmitFailed      = "submit_failed"
	reasonPublishFailed     = "publish_failed"
	reasonPushFailed        = "push_failed"

	maxMessageBytes = 16 * 1024
)

var (
	// ErrInvalidInput reports an empty thread, viewer or message text.
	ErrInvalidInput = errors.New("threads: invalid input")
	// ErrNotMember reports a viewer outside the thread.
	ErrNotMember = errors.New("threads: viewer is not a member")

	errMissingChat       = errors.New("chat store is required")
	errMissingUpdates    = errors.New("update log is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable code for callers.
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

// ChatStore is the subset of the chat store thread mutations use.
type ChatStore interface {
	Membership(ctx context.Context, threadID string, userID string) (chat.Membership, error)
	CreateMessage(ctx context.Context, message chat.Message) (chat.MessageInfo, error)
	MarkUnreadExcept(ctx context.Context, threadID string, userID string) ([]string, error)
	MarkRead(ctx context.Context, threadID string, userID string) (bool, error)
	PushRecipients(ctx context.Context, threadID string, excludeUserID string) ([]chat.Membership, error)
}

// UpdateLog accepts update facts.
type UpdateLog interface {
	Submit(ctx context.Context, facts []updates.Fact, mode updates.DeliveryMode, viewer *updates.Viewer) (updates.SubmitResult, error)
}

// Notifier sends and rescinds push notifications.
type Notifier interface {
	SendNotifications(ctx context.Context, events []push.Event) (push.Report, error)
	Rescind(ctx context.Context, predicate push.Predicate) (push.RescindReport, error)
}

// ServiceConfig wires the thread service. Publisher and Notifier are optional.
type ServiceConfig struct {
	Chat       ChatStore
	Updates    UpdateLog
	Notifier   Notifier
	Publisher  pubsub.Publisher
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service posts messages and tracks read state.
type Service struct {
	chat       ChatStore
	updates    UpdateLog
	notifier   Notifier
	publisher  pubsub.Publisher
	idProvider ids.Provider
	clock      func() time.Time
	logger     *zap.Logger
	background sync.WaitGroup
}

// PostResult is the stored message plus the updates the sender's session applies.
type PostResult struct {
	Message chat.MessageInfo
	Updates []updates.UpdateInfo
}

// NewService validates configuration.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Chat == nil {
		return nil, newServiceError(opServiceNew, reasonMissingChat, errMissingChat)
	}
	if cfg.Updates == nil {
		return nil, newServiceError(opServiceNew, reasonMissingUpdates, errMissingUpdates)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, reasonMissingIDProvider, errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		chat:       cfg.Chat,
		updates:    cfg.Updates,
		notifier:   cfg.Notifier,
		publisher:  cfg.Publisher,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// PostMessage stores a message from the viewer, flags the thread unread for the other
// members and notifies them. Push delivery runs after the call returns.
func (service *Service) PostMessage(ctx context.Context, viewer updates.Viewer, threadID string, text string) (PostResult, error) {
	threadID = strings.TrimSpace(threadID)
	if viewer.UserID == "" || threadID == "" || strings.TrimSpace(text) == "" || len(text) > maxMessageBytes {
		return PostResult{}, newServiceError(opPost, reasonInvalidInput, ErrInvalidInput)
	}
	if err := service.requireMember(ctx, opPost, threadID, viewer.UserID); err != nil {
		return PostResult{}, err
	}

	messageID, err := service.idProvider.NewID()
	if err != nil {
		service.logError(opPost, reasonIDFailed, err)
		return PostResult{}, newServiceError(opPost, reasonIDFailed, err)
	}
	now := service.clock().UTC()
	message, err := service.chat.CreateMessage(ctx, chat.Message{
		MessageID: messageID,
		ThreadID:  threadID,
		CreatorID: viewer.UserID,
		Text:      text,
		CreatedAt: now,
	})
	if err != nil {
		service.logError(opPost, reasonStoreFailed, err, zap.String("thread_id", threadID))
		return PostResult{}, newServiceError(opPost, reasonStoreFailed, err)
	}
	recipients, err := service.chat.MarkUnreadExcept(ctx, threadID, viewer.UserID)
	if err != nil {
		service.logError(opPost, reasonStoreFailed, err, zap.String("thread_id", threadID))
		return PostResult{}, newServiceError(opPost, reasonStoreFailed, err)
	}

	if len(recipients) > 0 {
		facts := make([]updates.Fact, len(recipients))
		for index, userID := range recipients {
			facts[index] = updates.Fact{
				UserID:  userID,
				Time:    now,
				Payload: updates.ThreadReadStatusUpdate{ThreadID: threadID, Unread: true},
			}
		}
		if _, err := service.updates.Submit(ctx, facts, updates.DeliveryBroadcast, nil); err != nil {
			service.logError(opPost, reasonSubmitFailed, err, zap.String("thread_id", threadID))
			return PostResult{}, newServiceError(opPost, reasonSubmitFailed, err)
		}
	}
	senderFacts := []updates.Fact{{
		UserID:  viewer.UserID,
		Time:    now,
		Payload: updates.ThreadReadStatusUpdate{ThreadID: threadID, Unread: false},
	}}
	submitted, err := service.updates.Submit(ctx, senderFacts, updates.DeliveryReturn, &viewer)
	if err != nil {
		service.logError(opPost, reasonSubmitFailed, err, zap.String("thread_id", threadID))
		return PostResult{}, newServiceError(opPost, reasonSubmitFailed, err)
	}

	service.publishMessages(ctx, viewer, message)
	service.notifyDetached(ctx, viewer.UserID, message)
	return PostResult{Message: message, Updates: submitted.ViewerUpdates}, nil
}

// MarkRead clears the viewer's unread flag and rescinds notifications that are now stale.
func (service *Service) MarkRead(ctx context.Context, viewer updates.Viewer, threadID string) ([]updates.UpdateInfo, error) {
	threadID = strings.TrimSpace(threadID)
	if viewer.UserID == "" || threadID == "" {
		return nil, newServiceError(opMarkRead, reasonInvalidInput, ErrInvalidInput)
	}
	if err := service.requireMember(ctx, opMarkRead, threadID, viewer.UserID); err != nil {
		return nil, err
	}
	if _, err := service.chat.MarkRead(ctx, threadID, viewer.UserID); err != nil {
		service.logError(opMarkRead, reasonStoreFailed, err, zap.String("thread_id", threadID))
		return nil, newServiceError(opMarkRead, reasonStoreFailed, err)
	}
	facts := []updates.Fact{{
		UserID:  viewer.UserID,
		Time:    service.clock().UTC(),
		Payload: updates.ThreadReadStatusUpdate{ThreadID: threadID, Unread: false},
	}}
	submitted, err := service.updates.Submit(ctx, facts, updates.DeliveryReturn, &viewer)
	if err != nil {
		service.logError(opMarkRead, reasonSubmitFailed, err, zap.String("thread_id", threadID))
		return nil, newServiceError(opMarkRead, reasonSubmitFailed, err)
	}
	service.rescindDetached(ctx, push.Predicate{UserID: viewer.UserID, ThreadID: threadID})
	return submitted.ViewerUpdates, nil
}

// Wait blocks until detached push work has finished.
func (service *Service) Wait() {
	service.background.Wait()
}

func (service *Service) requireMember(ctx context.Context, operation, threadID, userID string) error {
	membership, err := service.chat.Membership(ctx, threadID, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(operation, reasonNotMember, ErrNotMember)
	}
	if err != nil {
		service.logError(operation, reasonLookupFailed, err, zap.String("thread_id", threadID))
		return newServiceError(operation, reasonLookupFailed, err)
	}
	if membership.Role <= chat.RoleNone {
		return newServiceError(operation, reasonNotMember, ErrNotMember)
	}
	return nil
}

func (service *Service) publishMessages(ctx context.Context, viewer updates.Viewer, message chat.MessageInfo) {
	if service.publisher == nil {
		return
	}
	err := service.publisher.Publish(ctx, pubsub.Target{UserID: viewer.UserID}, pubsub.Message{
		Kind:          pubsub.KindNewMessages,
		IgnoreSession: viewer.SessionID,
		MessageIDs:    []string{message.ID},
	})
	if err != nil {
		service.logError(opPost, reasonPublishFailed, err, zap.String("message_id", message.ID))
	}
}

func (service *Service) notifyDetached(ctx context.Context, senderID string, message chat.MessageInfo) {
	if service.notifier == nil {
		return
	}
	detached := context.WithoutCancel(ctx)
	service.background.Add(1)
	go func() {
		defer service.background.Done()
		recipients, err := service.chat.PushRecipients(detached, message.ThreadID, senderID)
		if err != nil {
			service.logError(opNotify, reasonLookupFailed, err, zap.String("thread_id", message.ThreadID))
			return
		}
		if len(recipients) == 0 {
			return
		}
		events := make([]push.Event, len(recipients))
		for index, recipient := range recipients {
			events[index] = push.Event{
				UserID:    recipient.UserID,
				ThreadID:  message.ThreadID,
				MessageID: message.ID,
				Time:      time.UnixMilli(message.Time).UTC(),
			}
		}
		report, err := service.notifier.SendNotifications(detached, events)
		if err != nil {
			service.logError(opNotify, reasonPushFailed, err, zap.String("message_id", message.ID))
			return
		}
		service.logger.Debug("notifications sent",
			zap.String("message_id", message.ID),
			zap.Int("deliveries", report.Deliveries),
			zap.Int("failures", report.Failures))
	}()
}

func (service *Service) rescindDetached(ctx context.Context, predicate push.Predicate) {
	if service.notifier == nil {
		return
	}
	detached := context.WithoutCancel(ctx)
	service.background.Add(1)
	go func() {
		defer service.background.Done()
		if _, err := service.notifier.Rescind(detached, predicate); err != nil {
			service.logError(opRescind, reasonPushFailed, err,
				zap.String("user_id", predicate.UserID),
				zap.String("thread_id", predicate.ThreadID))
		}
	}()
}

func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	service.logger.Error("thread service error", allFields...)
}
