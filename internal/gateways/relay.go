package gateways

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/courier/backend/internal/push"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// RelayMaxMessagesPerRequest is the batch ceiling of Expo-compatible relays.
	RelayMaxMessagesPerRequest = 100

	relayStatusOK            = "ok"
	relayDeviceNotRegistered = "DeviceNotRegistered"
	maxRelayResponseBytes    = 1 << 20
)

// RelayConfig configures the batch relay client used for web and windows devices.
type RelayConfig struct {
	Endpoint    string
	AccessToken string
	HTTPClient  *http.Client
	Limits      LimitConfig
	Logger      *zap.Logger
}

// RelayClient delivers through an Expo-compatible push relay.
type RelayClient struct {
	endpoint    string
	accessToken string
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *zap.Logger
}

// NewRelayClient validates configuration.
func NewRelayClient(cfg RelayConfig) (*RelayClient, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errMissingEndpoint
	}
	return &RelayClient{
		endpoint:    cfg.Endpoint,
		accessToken: strings.TrimSpace(cfg.AccessToken),
		httpClient:  httpClientOrDefault(cfg.HTTPClient),
		limiter:     newLimiter(cfg.Limits),
		logger:      loggerOrDefault(cfg.Logger),
	}, nil
}

type relayMessage struct {
	To          string          `json:"to"`
	Data        json.RawMessage `json:"data"`
	Badge       *int            `json:"badge,omitempty"`
	Priority    string          `json:"priority,omitempty"`
	CollapseKey string          `json:"collapseId,omitempty"`
	Silent      bool            `json:"_contentAvailable,omitempty"`
}

type relayTicket struct {
	Status  string                 `json:"status"`
	ID      string                 `json:"id,omitempty"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type relayAPIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type relayResponse struct {
	Data   []relayTicket   `json:"data"`
	Errors []relayAPIError `json:"errors,omitempty"`
}

// TicketError is a per-message rejection reported by the relay.
type TicketError struct {
	Reason  string
	Message string
}

func (e *TicketError) Error() string {
	if e.Reason == "" {
		return "relay rejected message: " + e.Message
	}
	return fmt.Sprintf("relay rejected message: %s: %s", e.Reason, e.Message)
}

// Send posts notifications in batches. A failed batch marks every notification in it as failed.
func (client *RelayClient) Send(ctx context.Context, notifications []push.TargetedNotification) (push.SendResult, error) {
	result := push.SendResult{
		IDs:    make([]string, len(notifications)),
		Errors: make([]error, len(notifications)),
	}
	for start := 0; start < len(notifications); start += RelayMaxMessagesPerRequest {
		end := start + RelayMaxMessagesPerRequest
		if end > len(notifications) {
			end = len(notifications)
		}
		if err := client.limiter.Wait(ctx); err != nil {
			return result, err
		}
		batch := notifications[start:end]
		tickets, err := client.sendBatch(ctx, batch)
		if err != nil {
			client.logger.Warn("relay batch failed",
				zap.Int("batch_size", len(batch)),
				zap.Error(err))
			for index := start; index < end; index++ {
				result.Errors[index] = err
			}
			continue
		}
		for offset, notification := range batch {
			index := start + offset
			if offset >= len(tickets) {
				result.Errors[index] = &TicketError{Message: "missing ticket"}
				continue
			}
			ticket := tickets[offset]
			if ticket.Status == relayStatusOK {
				result.IDs[index] = ticket.ID
				continue
			}
			reason := ticketReason(ticket)
			result.Errors[index] = &TicketError{Reason: reason, Message: ticket.Message}
			if reason == relayDeviceNotRegistered {
				result.InvalidTokens = append(result.InvalidTokens, notification.Device.DeviceToken)
			}
		}
	}
	return result, nil
}

func relayMessageFor(notification push.TargetedNotification) relayMessage {
	badge := notification.Badge
	message := relayMessage{
		To:          notification.Device.DeviceToken,
		Data:        json.RawMessage(notification.Body),
		Badge:       &badge,
		Priority:    "high",
		CollapseKey: notification.CollapseKey,
	}
	if notification.Kind == push.KindRescind {
		message.Priority = "normal"
		message.Silent = true
	}
	return message
}

// Encode renders one batch entry. The relay enforces its size limit per entry.
func (client *RelayClient) Encode(notification push.TargetedNotification) ([]byte, error) {
	return json.Marshal(relayMessageFor(notification))
}

func (client *RelayClient) sendBatch(ctx context.Context, batch []push.TargetedNotification) ([]relayTicket, error) {
	messages := make([]relayMessage, len(batch))
	for index, notification := range batch {
		messages[index] = relayMessageFor(notification)
	}
	encoded, err := json.Marshal(messages)
	if err != nil {
		return nil, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")
	if client.accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+client.accessToken)
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(response.Body, maxRelayResponseBytes))
	if err != nil {
		return nil, err
	}
	if response.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: response.StatusCode, Reason: strings.TrimSpace(string(raw))}
	}
	var decoded relayResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("gateways: decode relay response: %w", err)
	}
	if len(decoded.Errors) > 0 {
		return nil, &StatusError{StatusCode: response.StatusCode, Reason: decoded.Errors[0].Code}
	}
	return decoded.Data, nil
}

func ticketReason(ticket relayTicket) string {
	if ticket.Details == nil {
		return ""
	}
	reason, _ := ticket.Details["error"].(string)
	return reason
}
