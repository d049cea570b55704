package push

import (
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/courier/backend/internal/devices"
)

// Kind distinguishes the notification variants carried on the wire.
type Kind string

const (
	KindMessage Kind = "message"
	KindRescind Kind = "rescind"
)

const (
	envelopeVersion = 1
	// clients at or above this state version render the structured messages list.
	structuredMessagesStateVersion = 1
	defaultPlatformLimit           = 4000
)

var platformLimits = map[devices.Platform]int{
	devices.PlatformIOS:     4096,
	devices.PlatformMacOS:   4096,
	devices.PlatformAndroid: 4000,
	devices.PlatformWeb:     5000,
	devices.PlatformWindows: 5000,
}

// PlatformLimit returns the maximum body size in bytes a platform gateway accepts.
func PlatformLimit(platform devices.Platform) int {
	if limit, ok := platformLimits[platform]; ok {
		return limit
	}
	return defaultPlatformLimit
}

// MessageContent is one message embedded in a full payload.
type MessageContent struct {
	ID          string `json:"id"`
	CreatorID   string `json:"creator_id"`
	CreatorName string `json:"creator_name,omitempty"`
	Text        string `json:"text"`
	Time        int64  `json:"time"`
}

// Body is the notification body a client receives, either directly or inside an
// encrypted envelope. Blob fields replace the content when the full body overflowed.
type Body struct {
	Kind           Kind             `json:"kind"`
	NotificationID string           `json:"notification_id"`
	ThreadID       string           `json:"thread_id,omitempty"`
	CollapseKey    string           `json:"collapse_key,omitempty"`
	Badge          int              `json:"badge"`
	Title          string           `json:"title,omitempty"`
	Text           string           `json:"text,omitempty"`
	MessageCount   int              `json:"message_count,omitempty"`
	MessageIDs     []string         `json:"message_ids,omitempty"`
	Messages       []MessageContent `json:"messages,omitempty"`
	RescindedID    string           `json:"rescinded_id,omitempty"`
	BlobHash       string           `json:"blob_hash,omitempty"`
	EncryptionKey  string           `json:"encryption_key,omitempty"`
	BlobHolder     string           `json:"blob_holder,omitempty"`
}

// Envelope wraps session-encrypted bodies.
type Envelope struct {
	Version    int    `json:"v"`
	Ciphertext []byte `json:"ciphertext"`
}

func encodeEnvelope(ciphertext []byte) ([]byte, error) {
	return json.Marshal(Envelope{Version: envelopeVersion, Ciphertext: ciphertext})
}

// payloadBuilder renders the full and reduced body variants for a client state version.
type payloadBuilder interface {
	kind() Kind
	build(stateVersion int) (full Body, reduced Body)
}

type messagePayload struct {
	notificationID string
	threadID       string
	collapseKey    string
	badge          int
	title          string
	messages       []MessageContent
}

func (messagePayload) kind() Kind { return KindMessage }

func (payload messagePayload) build(stateVersion int) (Body, Body) {
	ids := make([]string, len(payload.messages))
	for index, message := range payload.messages {
		ids[index] = message.ID
	}
	reduced := Body{
		Kind:           KindMessage,
		NotificationID: payload.notificationID,
		ThreadID:       payload.threadID,
		CollapseKey:    payload.collapseKey,
		Badge:          payload.badge,
		Title:          payload.title,
		MessageCount:   len(payload.messages),
	}
	full := reduced
	full.Text = summarize(payload.messages)
	full.MessageIDs = ids
	if stateVersion >= structuredMessagesStateVersion {
		full.Messages = payload.messages
	}
	return full, reduced
}

func summarize(messages []MessageContent) string {
	switch len(messages) {
	case 0:
		return ""
	case 1:
		if messages[0].CreatorName == "" {
			return messages[0].Text
		}
		return fmt.Sprintf("%s: %s", messages[0].CreatorName, messages[0].Text)
	default:
		return fmt.Sprintf("%d new messages", len(messages))
	}
}

type rescindPayload struct {
	notificationID string
	rescindedID    string
	threadID       string
	collapseKey    string
	badge          int
}

func (rescindPayload) kind() Kind { return KindRescind }

func (payload rescindPayload) build(int) (Body, Body) {
	body := Body{
		Kind:           KindRescind,
		NotificationID: payload.notificationID,
		RescindedID:    payload.rescindedID,
		ThreadID:       payload.threadID,
		CollapseKey:    payload.collapseKey,
		Badge:          payload.badge,
	}
	return body, body
}

func blobReference(full Body, hash string, encodedKey string, holder string) Body {
	return Body{
		Kind:           full.Kind,
		NotificationID: full.NotificationID,
		ThreadID:       full.ThreadID,
		CollapseKey:    full.CollapseKey,
		Badge:          full.Badge,
		Title:          full.Title,
		MessageCount:   full.MessageCount,
		BlobHash:       hash,
		EncryptionKey:  encodedKey,
		BlobHolder:     holder,
	}
}
