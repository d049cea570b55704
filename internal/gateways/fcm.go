package gateways

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/courier/backend/internal/push"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	fcmPriorityHigh   = "HIGH"
	fcmPriorityNormal = "NORMAL"
	fcmUnregistered   = "UNREGISTERED"
	fcmTTL            = "86400s"
)

// FCMConfig configures the Firebase Cloud Messaging v1 client.
type FCMConfig struct {
	// Endpoint is the full messages:send URL for the project.
	Endpoint string
	// AccessToken is sent as a bearer credential when set.
	AccessToken string
	HTTPClient  *http.Client
	Limits      LimitConfig
	Logger      *zap.Logger
}

// FCMClient delivers to android devices.
type FCMClient struct {
	endpoint    string
	accessToken string
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *zap.Logger
}

// NewFCMClient validates configuration.
func NewFCMClient(cfg FCMConfig) (*FCMClient, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errMissingEndpoint
	}
	return &FCMClient{
		endpoint:    cfg.Endpoint,
		accessToken: strings.TrimSpace(cfg.AccessToken),
		httpClient:  httpClientOrDefault(cfg.HTTPClient),
		limiter:     newLimiter(cfg.Limits),
		logger:      loggerOrDefault(cfg.Logger),
	}, nil
}

type fcmAndroid struct {
	CollapseKey string `json:"collapse_key,omitempty"`
	Priority    string `json:"priority"`
	TTL         string `json:"ttl,omitempty"`
}

type fcmMessage struct {
	Token   string            `json:"token"`
	Data    map[string]string `json:"data"`
	Android fcmAndroid        `json:"android"`
}

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmResponse struct {
	Name string `json:"name"`
}

type fcmErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type      string `json:"@type"`
			ErrorCode string `json:"errorCode"`
		} `json:"details"`
	} `json:"error"`
}

// errorCode prefers the FCM specific code over the generic RPC status.
func (response fcmErrorResponse) errorCode() string {
	for _, detail := range response.Error.Details {
		if detail.ErrorCode != "" {
			return detail.ErrorCode
		}
	}
	return response.Error.Status
}

// Send posts each notification as its own request, in order.
func (client *FCMClient) Send(ctx context.Context, notifications []push.TargetedNotification) (push.SendResult, error) {
	result := push.SendResult{
		IDs:    make([]string, len(notifications)),
		Errors: make([]error, len(notifications)),
	}
	for index, notification := range notifications {
		if err := client.limiter.Wait(ctx); err != nil {
			return result, err
		}
		id, err := client.sendOne(ctx, notification)
		if err != nil {
			result.Errors[index] = err
			if isFCMInvalidToken(err) {
				result.InvalidTokens = append(result.InvalidTokens, notification.Device.DeviceToken)
			}
			continue
		}
		result.IDs[index] = id
	}
	return result, nil
}

// Encode renders the v1 send request for one notification.
func (client *FCMClient) Encode(notification push.TargetedNotification) ([]byte, error) {
	priority := fcmPriorityHigh
	if notification.Kind == push.KindRescind {
		priority = fcmPriorityNormal
	}
	return json.Marshal(fcmRequest{Message: fcmMessage{
		Token: notification.Device.DeviceToken,
		Data: map[string]string{
			"kind":    string(notification.Kind),
			"badge":   strconv.Itoa(notification.Badge),
			"payload": string(notification.Body),
		},
		Android: fcmAndroid{
			CollapseKey: notification.CollapseKey,
			Priority:    priority,
			TTL:         fcmTTL,
		},
	}})
}

func (client *FCMClient) sendOne(ctx context.Context, notification push.TargetedNotification) (string, error) {
	encoded, err := client.Encode(notification)
	if err != nil {
		return "", err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.endpoint, bytes.NewReader(encoded))
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", "application/json")
	if client.accessToken != "" {
		request.Header.Set("Authorization", "Bearer "+client.accessToken)
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	if response.StatusCode == http.StatusOK {
		var decoded fcmResponse
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return "", err
		}
		return decoded.Name, nil
	}
	var failure fcmErrorResponse
	_ = json.Unmarshal(raw, &failure)
	reason := failure.errorCode()
	client.logger.Warn("fcm rejected notification",
		zap.String("device_id", notification.Device.DeviceID),
		zap.Int("status", response.StatusCode),
		zap.String("reason", reason))
	return "", &StatusError{StatusCode: response.StatusCode, Reason: reason}
}

func isFCMInvalidToken(err error) bool {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.StatusCode == http.StatusNotFound || statusErr.Reason == fcmUnregistered
}
