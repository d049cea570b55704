package push

import (
	"context"

	"github.com/MarcoPoloResearchLab/courier/backend/internal/devices"
)

// TargetedNotification is one rendered body addressed to one device.
type TargetedNotification struct {
	NotificationID  string
	Kind            Kind
	Device          devices.Device
	CollapseKey     string
	Badge           int
	Body            []byte
	Encrypted       bool
	EncryptionOrder *int64
	BlobHash        string
	BlobHolder      string
	MessageIDs      []string
}

// SendResult reports per-notification gateway outcomes, index-aligned with the request.
type SendResult struct {
	IDs           []string
	Errors        []error
	InvalidTokens []string
}

// Gateway delivers notifications through one platform's push service. Encode returns
// the exact per-notification payload Send puts on the wire; platform limits apply to it.
type Gateway interface {
	Encode(notification TargetedNotification) ([]byte, error)
	Send(ctx context.Context, notifications []TargetedNotification) (SendResult, error)
}
