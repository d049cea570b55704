package chat

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrMissingDatabase indicates that the store was built without a database handle.
var ErrMissingDatabase = errors.New("chat: database connection required")

// Store answers the read-mostly membership, thread and message queries the sync core depends on.
type Store struct {
	db *gorm.DB
}

// NewStore constructs a Store.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, ErrMissingDatabase
	}
	return &Store{db: db}, nil
}

type threadRow struct {
	ThreadID       string
	ParentThreadID string
	Name           string
	Description    string
	CreatorID      string
	Role           *int
	Unread         *bool
	PushEnabled    *bool
	Muted          *bool
}

// ThreadsByID loads threads together with the viewer's membership in a single query.
func (store *Store) ThreadsByID(ctx context.Context, viewerID string, threadIDs []string) (map[string]ThreadInfo, error) {
	result := make(map[string]ThreadInfo, len(threadIDs))
	if len(threadIDs) == 0 {
		return result, nil
	}
	var rows []threadRow
	err := store.db.WithContext(ctx).
		Table("threads").
		Select("threads.thread_id, threads.parent_thread_id, threads.name, threads.description, threads.creator_id, "+
			"memberships.role AS role, memberships.unread AS unread, memberships.push_enabled AS push_enabled, memberships.muted AS muted").
		Joins("LEFT JOIN memberships ON memberships.thread_id = threads.thread_id AND memberships.user_id = ?", viewerID).
		Where("threads.thread_id IN ?", threadIDs).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("chat: load threads: %w", err)
	}
	for _, row := range rows {
		info := ThreadInfo{
			ID:             row.ThreadID,
			ParentThreadID: row.ParentThreadID,
			Name:           row.Name,
			Description:    row.Description,
			CreatorID:      row.CreatorID,
		}
		if row.Role != nil {
			info.CurrentUser.Role = *row.Role
		}
		if row.Unread != nil {
			info.CurrentUser.Unread = *row.Unread
		}
		if row.PushEnabled != nil {
			info.CurrentUser.PushEnabled = *row.PushEnabled
		}
		if row.Muted != nil {
			info.CurrentUser.Muted = *row.Muted
		}
		result[row.ThreadID] = info
	}
	return result, nil
}

// EntriesByID loads entries by identifier.
func (store *Store) EntriesByID(ctx context.Context, entryIDs []string) (map[string]EntryInfo, error) {
	result := make(map[string]EntryInfo, len(entryIDs))
	if len(entryIDs) == 0 {
		return result, nil
	}
	var entries []Entry
	if err := store.db.WithContext(ctx).Where("entry_id IN ?", entryIDs).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("chat: load entries: %w", err)
	}
	for _, entry := range entries {
		result[entry.EntryID] = EntryInfo{
			ID:        entry.EntryID,
			ThreadID:  entry.ThreadID,
			CreatorID: entry.CreatorID,
			Day:       entry.Day,
			Text:      entry.Text,
			Deleted:   entry.Deleted,
		}
	}
	return result, nil
}

// UsersByID loads user profiles by identifier.
func (store *Store) UsersByID(ctx context.Context, userIDs []string) (map[string]UserInfo, error) {
	result := make(map[string]UserInfo, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}
	var users []User
	if err := store.db.WithContext(ctx).Where("user_id IN ?", userIDs).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("chat: load users: %w", err)
	}
	for _, user := range users {
		result[user.UserID] = UserInfo{ID: user.UserID, Username: user.Username, AvatarURL: user.AvatarURL}
	}
	return result, nil
}

// MessagesByID loads messages by identifier.
func (store *Store) MessagesByID(ctx context.Context, messageIDs []string) (map[string]MessageInfo, error) {
	result := make(map[string]MessageInfo, len(messageIDs))
	if len(messageIDs) == 0 {
		return result, nil
	}
	var messages []Message
	if err := store.db.WithContext(ctx).Where("message_id IN ?", messageIDs).Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("chat: load messages: %w", err)
	}
	for _, message := range messages {
		result[message.MessageID] = toMessageInfo(message)
	}
	return result, nil
}

// UnreadThreadCount counts threads the user belongs to and has not read.
func (store *Store) UnreadThreadCount(ctx context.Context, userID string) (int, error) {
	counts, err := store.UnreadThreadCounts(ctx, []string{userID})
	if err != nil {
		return 0, err
	}
	return counts[userID], nil
}

// UnreadThreadCounts counts unread threads for several users in one query.
func (store *Store) UnreadThreadCounts(ctx context.Context, userIDs []string) (map[string]int, error) {
	result := make(map[string]int, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}
	type countRow struct {
		UserID string
		Total  int
	}
	var rows []countRow
	err := store.db.WithContext(ctx).
		Model(&Membership{}).
		Select("user_id, COUNT(*) AS total").
		Where("user_id IN ? AND unread = ? AND role > ?", userIDs, true, RoleNone).
		Group("user_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("chat: count unread threads: %w", err)
	}
	for _, row := range rows {
		result[row.UserID] = row.Total
	}
	return result, nil
}

// PushRecipients lists members other than excludeUserID that accept pushes for the thread.
func (store *Store) PushRecipients(ctx context.Context, threadID string, excludeUserID string) ([]Membership, error) {
	var memberships []Membership
	err := store.db.WithContext(ctx).
		Where("thread_id = ? AND user_id <> ? AND role > ? AND push_enabled = ? AND muted = ?",
			threadID, excludeUserID, RoleNone, true, false).
		Order("user_id ASC").
		Find(&memberships).Error
	if err != nil {
		return nil, fmt.Errorf("chat: load push recipients: %w", err)
	}
	return memberships, nil
}

// Membership returns the membership row for the user in the thread.
func (store *Store) Membership(ctx context.Context, threadID string, userID string) (Membership, error) {
	var membership Membership
	err := store.db.WithContext(ctx).
		Where("thread_id = ? AND user_id = ?", threadID, userID).
		Take(&membership).Error
	if err != nil {
		return Membership{}, err
	}
	return membership, nil
}

// CreateMessage stores a new message.
func (store *Store) CreateMessage(ctx context.Context, message Message) (MessageInfo, error) {
	if err := store.db.WithContext(ctx).Create(&message).Error; err != nil {
		return MessageInfo{}, fmt.Errorf("chat: create message: %w", err)
	}
	return toMessageInfo(message), nil
}

// MarkUnreadExcept flags the thread unread for every other member and returns their user ids.
func (store *Store) MarkUnreadExcept(ctx context.Context, threadID string, userID string) ([]string, error) {
	var userIDs []string
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Membership{}).
			Where("thread_id = ? AND user_id <> ? AND role > ?", threadID, userID, RoleNone).
			Order("user_id ASC").
			Pluck("user_id", &userIDs).Error; err != nil {
			return err
		}
		if len(userIDs) == 0 {
			return nil
		}
		return tx.Model(&Membership{}).
			Where("thread_id = ? AND user_id IN ?", threadID, userIDs).
			Update("unread", true).Error
	})
	if err != nil {
		return nil, fmt.Errorf("chat: mark unread: %w", err)
	}
	return userIDs, nil
}

// MarkRead clears the unread flag and reports whether it was set.
func (store *Store) MarkRead(ctx context.Context, threadID string, userID string) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Membership{}).
		Where("thread_id = ? AND user_id = ? AND unread = ?", threadID, userID, true).
		Update("unread", false)
	if result.Error != nil {
		return false, fmt.Errorf("chat: mark read: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

func toMessageInfo(message Message) MessageInfo {
	return MessageInfo{
		ID:        message.MessageID,
		ThreadID:  message.ThreadID,
		CreatorID: message.CreatorID,
		Text:      message.Text,
		Time:      message.CreatedAt.UnixMilli(),
	}
}
