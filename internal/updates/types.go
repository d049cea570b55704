package updates

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type enumerates the kinds of client-visible state change.
type Type int

const (
	TypeDeleteAccount Type = iota
	TypeUpdateThread
	TypeUpdateThreadReadStatus
	TypeDeleteThread
	TypeJoinThread
	TypeBadDeviceToken
	TypeUpdateEntry
	TypeUpdateCurrentUser
	TypeUpdateUser
)

var typeNames = map[Type]string{
	TypeDeleteAccount:          "DELETE_ACCOUNT",
	TypeUpdateThread:           "UPDATE_THREAD",
	TypeUpdateThreadReadStatus: "UPDATE_THREAD_READ_STATUS",
	TypeDeleteThread:           "DELETE_THREAD",
	TypeJoinThread:             "JOIN_THREAD",
	TypeBadDeviceToken:         "BAD_DEVICE_TOKEN",
	TypeUpdateEntry:            "UPDATE_ENTRY",
	TypeUpdateCurrentUser:      "UPDATE_CURRENT_USER",
	TypeUpdateUser:             "UPDATE_USER",
}

// ErrUnknownType indicates a persisted or submitted type outside the enumeration.
var ErrUnknownType = errors.New("updates: unknown update type")

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// MarshalText renders the type by name.
func (t Type) MarshalText() ([]byte, error) {
	name, ok := typeNames[t]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, int(t))
	}
	return []byte(name), nil
}

// Payload is the type-specific body of an update. The set of implementations is closed.
type Payload interface {
	Type() Type
	dedupKey(userID string) string
}

// ThreadUpdate reports that thread metadata changed.
type ThreadUpdate struct {
	ThreadID string `json:"thread_id"`
}

func (ThreadUpdate) Type() Type               { return TypeUpdateThread }
func (p ThreadUpdate) dedupKey(string) string { return threadKey(p.ThreadID) }

// ThreadReadStatusUpdate reports a change of the viewer's unread flag.
type ThreadReadStatusUpdate struct {
	ThreadID string `json:"thread_id"`
	Unread   bool   `json:"unread"`
}

func (ThreadReadStatusUpdate) Type() Type               { return TypeUpdateThreadReadStatus }
func (p ThreadReadStatusUpdate) dedupKey(string) string { return threadKey(p.ThreadID) }

// ThreadDeletion reports that a thread is gone.
type ThreadDeletion struct {
	ThreadID string `json:"thread_id"`
}

func (ThreadDeletion) Type() Type               { return TypeDeleteThread }
func (p ThreadDeletion) dedupKey(string) string { return threadKey(p.ThreadID) }

// ThreadJoin reports that the user joined a thread.
type ThreadJoin struct {
	ThreadID string `json:"thread_id"`
}

func (ThreadJoin) Type() Type               { return TypeJoinThread }
func (p ThreadJoin) dedupKey(string) string { return threadKey(p.ThreadID) }

// BadDeviceToken tells the owning session that its push registration lapsed.
type BadDeviceToken struct {
	DeviceToken string `json:"device_token"`
}

func (BadDeviceToken) Type() Type               { return TypeBadDeviceToken }
func (p BadDeviceToken) dedupKey(string) string { return "device:" + p.DeviceToken }

// EntryUpdate reports that a calendar entry changed.
type EntryUpdate struct {
	EntryID string `json:"entry_id"`
}

func (EntryUpdate) Type() Type               { return TypeUpdateEntry }
func (p EntryUpdate) dedupKey(string) string { return "entry:" + p.EntryID }

// CurrentUserUpdate reports that the viewer's own profile changed.
type CurrentUserUpdate struct{}

func (CurrentUserUpdate) Type() Type                    { return TypeUpdateCurrentUser }
func (CurrentUserUpdate) dedupKey(userID string) string { return userKey(userID) }

// UserUpdate reports that another user's profile changed.
type UserUpdate struct {
	UpdatedUserID string `json:"updated_user_id"`
}

func (UserUpdate) Type() Type               { return TypeUpdateUser }
func (p UserUpdate) dedupKey(string) string { return userKey(p.UpdatedUserID) }

// AccountDeletion reports that a user deleted their account. It is never deduplicated.
type AccountDeletion struct {
	DeletedUserID string `json:"deleted_user_id"`
}

func (AccountDeletion) Type() Type             { return TypeDeleteAccount }
func (AccountDeletion) dedupKey(string) string { return "" }

func threadKey(threadID string) string {
	return "thread:" + threadID
}

func userKey(userID string) string {
	return "user:" + userID
}

// Fact is one server-generated notice, produced once and consumed once.
type Fact struct {
	UserID        string
	Time          time.Time
	TargetSession string
	TargetDevice  string
	Payload       Payload
}

// DedupKey returns the merge key, or "" for facts that are never merged.
func (fact Fact) DedupKey() string {
	return fact.Payload.dedupKey(fact.UserID)
}

// DeleteCondition describes which earlier records of the same key a record supersedes.
type DeleteCondition struct {
	UserID   string
	Key      string
	Target   string
	Types    []Type
	AllTypes bool
}

// Covers reports whether a record of the given type and target is superseded.
func (condition DeleteCondition) Covers(updateType Type, target string) bool {
	if condition.Target != "" && condition.Target != target {
		return false
	}
	if condition.AllTypes {
		return true
	}
	for _, covered := range condition.Types {
		if covered == updateType {
			return true
		}
	}
	return false
}

func (condition DeleteCondition) signature() string {
	return fmt.Sprintf("%s|%s|%s|%t|%v", condition.UserID, condition.Key, condition.Target, condition.AllTypes, condition.Types)
}

var partialCoverage = map[Type][]Type{
	TypeUpdateThread:           {TypeUpdateThread, TypeUpdateThreadReadStatus},
	TypeUpdateThreadReadStatus: {TypeUpdateThreadReadStatus},
}

var fullCoverage = map[Type]bool{
	TypeDeleteThread:      true,
	TypeJoinThread:        true,
	TypeBadDeviceToken:    true,
	TypeUpdateEntry:       true,
	TypeUpdateCurrentUser: true,
	TypeUpdateUser:        true,
}

// deleteConditionFor derives the condition of a keyed update. A keyed type without a
// condition is a corrupted call site, not a runtime error.
func deleteConditionFor(userID string, key string, target string, updateType Type) DeleteCondition {
	if types, ok := partialCoverage[updateType]; ok {
		return DeleteCondition{UserID: userID, Key: key, Target: target, Types: types}
	}
	if fullCoverage[updateType] {
		return DeleteCondition{UserID: userID, Key: key, Target: target, AllTypes: true}
	}
	panic(fmt.Sprintf("updates: keyed update type %s has no delete condition", updateType))
}

func encodePayload(payload Payload) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func decodePayload(updateType Type, content string) (Payload, error) {
	var payload Payload
	switch updateType {
	case TypeDeleteAccount:
		payload = &AccountDeletion{}
	case TypeUpdateThread:
		payload = &ThreadUpdate{}
	case TypeUpdateThreadReadStatus:
		payload = &ThreadReadStatusUpdate{}
	case TypeDeleteThread:
		payload = &ThreadDeletion{}
	case TypeJoinThread:
		payload = &ThreadJoin{}
	case TypeBadDeviceToken:
		payload = &BadDeviceToken{}
	case TypeUpdateEntry:
		payload = &EntryUpdate{}
	case TypeUpdateCurrentUser:
		payload = &CurrentUserUpdate{}
	case TypeUpdateUser:
		payload = &UserUpdate{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, int(updateType))
	}
	if err := json.Unmarshal([]byte(content), payload); err != nil {
		return nil, err
	}
	return derefPayload(payload), nil
}

func derefPayload(payload Payload) Payload {
	switch value := payload.(type) {
	case *AccountDeletion:
		return *value
	case *ThreadUpdate:
		return *value
	case *ThreadReadStatusUpdate:
		return *value
	case *ThreadDeletion:
		return *value
	case *ThreadJoin:
		return *value
	case *BadDeviceToken:
		return *value
	case *EntryUpdate:
		return *value
	case *CurrentUserUpdate:
		return *value
	case *UserUpdate:
		return *value
	default:
		return payload
	}
}
