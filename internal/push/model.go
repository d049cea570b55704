package push

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Source records what produced a notification row.
type Source string

const (
	SourceMessage Source = "message"
	SourceRescind Source = "rescind"
)

// Delivery is the outcome of one attempt to reach one device.
type Delivery struct {
	DeviceID        string    `json:"device_id"`
	Platform        string    `json:"platform"`
	DeviceToken     string    `json:"device_token"`
	CodeVersion     int       `json:"code_version"`
	StateVersion    int       `json:"state_version"`
	EncryptionOrder *int64    `json:"encryption_order,omitempty"`
	BlobHash        string    `json:"blob_hash,omitempty"`
	BlobHolder      string    `json:"blob_holder,omitempty"`
	MessageIDs      []string  `json:"message_ids,omitempty"`
	GatewayIDs      []string  `json:"gateway_ids,omitempty"`
	Error           string    `json:"error,omitempty"`
	DeliveredAt     time.Time `json:"delivered_at"`
}

// Deliveries is stored as a JSON array column.
type Deliveries []Delivery

// Value implements driver.Valuer.
func (deliveries Deliveries) Value() (driver.Value, error) {
	if deliveries == nil {
		return "[]", nil
	}
	encoded, err := json.Marshal([]Delivery(deliveries))
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

// Scan implements sql.Scanner.
func (deliveries *Deliveries) Scan(value any) error {
	var raw []byte
	switch typed := value.(type) {
	case nil:
		*deliveries = nil
		return nil
	case string:
		raw = []byte(typed)
	case []byte:
		raw = typed
	default:
		return fmt.Errorf("push: unsupported deliveries column type %T", value)
	}
	if len(raw) == 0 {
		*deliveries = nil
		return nil
	}
	var decoded []Delivery
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	*deliveries = decoded
	return nil
}

// Notification is the append-only audit row of one OS-level notification.
// Deliveries only grow; Rescinded is the only other mutable column.
type Notification struct {
	NotificationID string     `gorm:"column:notification_id;primaryKey;size:64;not null"`
	UserID         string     `gorm:"column:user_id;size:190;not null;index:idx_notifications_user_thread,priority:1;index:idx_notifications_user_collapse,priority:1"`
	ThreadID       string     `gorm:"column:thread_id;size:190;not null;default:'';index:idx_notifications_user_thread,priority:2"`
	MessageID      string     `gorm:"column:message_id;size:190;not null;default:''"`
	CollapseKey    string     `gorm:"column:collapse_key;size:190;not null;default:'';index:idx_notifications_user_collapse,priority:2"`
	Source         Source     `gorm:"column:source;size:16;not null"`
	Deliveries     Deliveries `gorm:"column:deliveries;type:text;not null"`
	Rescinded      bool       `gorm:"column:rescinded;not null;default:false"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}

// MessageIDs lists every message the row has carried, in first-seen order.
func (notification Notification) MessageIDs() []string {
	seen := make(map[string]struct{})
	var result []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		result = append(result, id)
	}
	add(notification.MessageID)
	for _, delivery := range notification.Deliveries {
		for _, id := range delivery.MessageIDs {
			add(id)
		}
	}
	return result
}

// Models lists the tables owned by this package for migration.
func Models() []any {
	return []any{&Notification{}}
}
