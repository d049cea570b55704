package gateways

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/courier/backend/internal/push"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	apnsTokenLifetime    = 50 * time.Minute
	apnsMaxCollapseBytes = 64
	apnsPushTypeAlert    = "alert"
	apnsPushTypeSilent   = "background"
	apnsPriorityAlert    = "10"
	apnsPrioritySilent   = "5"
)

var (
	errMissingAPNsKey        = errors.New("gateways: apns signing key is required")
	errMissingAPNsIdentifier = errors.New("gateways: apns key id, team id and topic are required")
)

// APNsConfig configures the Apple push client.
type APNsConfig struct {
	Endpoint   string
	KeyID      string
	TeamID     string
	Topic      string
	SigningKey *ecdsa.PrivateKey
	HTTPClient *http.Client
	Limits     LimitConfig
	Clock      func() time.Time
	Logger     *zap.Logger
}

// ParseAPNsKey reads a PKCS#8 PEM encoded ES256 key as issued by Apple.
func ParseAPNsKey(pemBytes []byte) (*ecdsa.PrivateKey, error) {
	return jwt.ParseECPrivateKeyFromPEM(pemBytes)
}

// APNsClient delivers to ios and macos devices over the APNs provider API.
type APNsClient struct {
	endpoint   string
	keyID      string
	teamID     string
	topic      string
	signingKey *ecdsa.PrivateKey
	httpClient *http.Client
	limiter    *rate.Limiter
	clock      func() time.Time
	logger     *zap.Logger

	tokenMu       sync.Mutex
	cachedToken   string
	cachedTokenAt time.Time
}

// NewAPNsClient validates configuration.
func NewAPNsClient(cfg APNsConfig) (*APNsClient, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errMissingEndpoint
	}
	if cfg.SigningKey == nil {
		return nil, errMissingAPNsKey
	}
	if cfg.KeyID == "" || cfg.TeamID == "" || cfg.Topic == "" {
		return nil, errMissingAPNsIdentifier
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &APNsClient{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		keyID:      cfg.KeyID,
		teamID:     cfg.TeamID,
		topic:      cfg.Topic,
		signingKey: cfg.SigningKey,
		httpClient: httpClientOrDefault(cfg.HTTPClient),
		limiter:    newLimiter(cfg.Limits),
		clock:      clock,
		logger:     loggerOrDefault(cfg.Logger),
	}, nil
}

type apnsAlert struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

type apnsAps struct {
	Alert            *apnsAlert `json:"alert,omitempty"`
	Badge            int        `json:"badge"`
	MutableContent   int        `json:"mutable-content,omitempty"`
	ContentAvailable int        `json:"content-available,omitempty"`
	ThreadID         string     `json:"thread-id,omitempty"`
}

type apnsPayload struct {
	Aps     apnsAps         `json:"aps"`
	Courier json.RawMessage `json:"courier"`
}

type apnsErrorBody struct {
	Reason string `json:"reason"`
}

// Send posts each notification as its own request, in order.
func (client *APNsClient) Send(ctx context.Context, notifications []push.TargetedNotification) (push.SendResult, error) {
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
			if isAPNsInvalidToken(err) {
				result.InvalidTokens = append(result.InvalidTokens, notification.Device.DeviceToken)
			}
			continue
		}
		result.IDs[index] = id
	}
	return result, nil
}

// Encode renders the aps dictionary around the notification body.
func (client *APNsClient) Encode(notification push.TargetedNotification) ([]byte, error) {
	payload := apnsPayload{
		Aps:     apnsAps{Badge: notification.Badge},
		Courier: json.RawMessage(notification.Body),
	}
	if notification.Kind == push.KindRescind {
		payload.Aps.ContentAvailable = 1
	} else {
		payload.Aps.Alert = &apnsAlert{Title: "New message"}
		payload.Aps.MutableContent = 1
	}
	return json.Marshal(payload)
}

func (client *APNsClient) sendOne(ctx context.Context, notification push.TargetedNotification) (string, error) {
	pushType, priority := apnsPushTypeAlert, apnsPriorityAlert
	if notification.Kind == push.KindRescind {
		pushType, priority = apnsPushTypeSilent, apnsPrioritySilent
	}
	encoded, err := client.Encode(notification)
	if err != nil {
		return "", err
	}

	token, err := client.providerToken()
	if err != nil {
		return "", err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.endpoint+"/3/device/"+notification.Device.DeviceToken, bytes.NewReader(encoded))
	if err != nil {
		return "", err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "bearer "+token)
	request.Header.Set("apns-topic", client.topic)
	request.Header.Set("apns-push-type", pushType)
	request.Header.Set("apns-priority", priority)
	if collapse := notification.CollapseKey; collapse != "" && len(collapse) <= apnsMaxCollapseBytes {
		request.Header.Set("apns-collapse-id", collapse)
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return "", err
	}
	defer response.Body.Close()
	if response.StatusCode == http.StatusOK {
		return response.Header.Get("apns-id"), nil
	}
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
	var body apnsErrorBody
	_ = json.Unmarshal(raw, &body)
	client.logger.Warn("apns rejected notification",
		zap.String("device_id", notification.Device.DeviceID),
		zap.Int("status", response.StatusCode),
		zap.String("reason", body.Reason))
	return "", &StatusError{StatusCode: response.StatusCode, Reason: body.Reason}
}

// providerToken returns the cached ES256 provider token, refreshing it before Apple's one hour cutoff.
func (client *APNsClient) providerToken() (string, error) {
	client.tokenMu.Lock()
	defer client.tokenMu.Unlock()
	now := client.clock()
	if client.cachedToken != "" && now.Sub(client.cachedTokenAt) < apnsTokenLifetime {
		return client.cachedToken, nil
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": client.teamID,
		"iat": now.Unix(),
	})
	token.Header["kid"] = client.keyID
	signed, err := token.SignedString(client.signingKey)
	if err != nil {
		return "", fmt.Errorf("gateways: sign apns provider token: %w", err)
	}
	client.cachedToken = signed
	client.cachedTokenAt = now
	return signed, nil
}

func isAPNsInvalidToken(err error) bool {
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	if statusErr.StatusCode == http.StatusGone {
		return true
	}
	return statusErr.Reason == "BadDeviceToken" || statusErr.Reason == "Unregistered"
}
