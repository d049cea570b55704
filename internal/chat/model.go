package chat

import "time"

// Membership roles; zero means the user left or was never a member.
const (
	RoleNone   = 0
	RoleMember = 1
	RoleAdmin  = 2
)

// User is the account profile read by the update hydrator.
type User struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Username  string    `gorm:"column:username;size:190;not null"`
	AvatarURL string    `gorm:"column:avatar_url;size:512"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}

// Thread is a conversation container.
type Thread struct {
	ThreadID       string    `gorm:"column:thread_id;primaryKey;size:190;not null"`
	ParentThreadID string    `gorm:"column:parent_thread_id;size:190;not null;default:''"`
	Name           string    `gorm:"column:name;size:190;not null;default:''"`
	Description    string    `gorm:"column:description;type:text"`
	CreatorID      string    `gorm:"column:creator_id;size:190;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Thread) TableName() string {
	return "threads"
}

// Membership links a user to a thread with per-user read and push state.
type Membership struct {
	ThreadID    string    `gorm:"column:thread_id;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_memberships_user_unread,priority:1"`
	Role        int       `gorm:"column:role;not null;default:0"`
	Unread      bool      `gorm:"column:unread;not null;default:false;index:idx_memberships_user_unread,priority:2"`
	PushEnabled bool      `gorm:"column:push_enabled;not null;default:true"`
	Muted       bool      `gorm:"column:muted;not null;default:false"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "memberships"
}

// Message is a text message posted to a thread.
type Message struct {
	MessageID string    `gorm:"column:message_id;primaryKey;size:190;not null"`
	ThreadID  string    `gorm:"column:thread_id;size:190;not null;index"`
	CreatorID string    `gorm:"column:creator_id;size:190;not null"`
	Text      string    `gorm:"column:text;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// Entry is a calendar entry attached to a thread.
type Entry struct {
	EntryID   string    `gorm:"column:entry_id;primaryKey;size:190;not null"`
	ThreadID  string    `gorm:"column:thread_id;size:190;not null;index"`
	CreatorID string    `gorm:"column:creator_id;size:190;not null"`
	Day       string    `gorm:"column:day;size:10;not null"`
	Text      string    `gorm:"column:text;type:text;not null"`
	Deleted   bool      `gorm:"column:deleted;not null;default:false"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "entries"
}

// MembershipInfo is the viewer's relationship to a thread.
type MembershipInfo struct {
	Role        int  `json:"role"`
	Unread      bool `json:"unread"`
	PushEnabled bool `json:"push_enabled"`
	Muted       bool `json:"muted"`
}

// ThreadInfo is a thread as seen by one viewer.
type ThreadInfo struct {
	ID             string         `json:"id"`
	ParentThreadID string         `json:"parent_thread_id,omitempty"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	CreatorID      string         `json:"creator_id"`
	CurrentUser    MembershipInfo `json:"current_user"`
}

// EntryInfo is the client shape of an entry.
type EntryInfo struct {
	ID        string `json:"id"`
	ThreadID  string `json:"thread_id"`
	CreatorID string `json:"creator_id"`
	Day       string `json:"day"`
	Text      string `json:"text"`
	Deleted   bool   `json:"deleted"`
}

// UserInfo is the client shape of a user profile.
type UserInfo struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// MessageInfo is the client shape of a message.
type MessageInfo struct {
	ID        string `json:"id"`
	ThreadID  string `json:"thread_id"`
	CreatorID string `json:"creator_id"`
	Text      string `json:"text"`
	Time      int64  `json:"time"`
}

// Models lists the tables owned by this package for migration.
func Models() []any {
	return []any{&User{}, &Thread{}, &Membership{}, &Message{}, &Entry{}}
}
