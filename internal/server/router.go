package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/courier/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/devices"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/pubsub"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/threads"
	"github.com/MarcoPoloResearchLab/courier/backend/internal/updates"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	principalContextKey = "courier_principal"
	accessTokenQuery    = "access_token"
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingUpdateFeed     = errors.New("update feed dependency required")
	errMissingDeviceRegistry = errors.New("device registry dependency required")
	errMissingThreadService  = errors.New("thread service dependency required")
	errMissingSubscriber     = errors.New("subscriber dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator authenticates bearer tokens.
type TokenValidator interface {
	Validate(token string) (auth.Principal, error)
}

// UpdateFeed serves the update log to re-polling clients.
type UpdateFeed interface {
	FetchSince(ctx context.Context, viewer updates.Viewer, sinceMillis int64) ([]updates.UpdateInfo, error)
}

// DeviceRegistry records push endpoints.
type DeviceRegistry interface {
	Register(ctx context.Context, registration devices.Registration) (devices.Device, error)
}

// ThreadService applies thread mutations.
type ThreadService interface {
	PostMessage(ctx context.Context, viewer updates.Viewer, threadID string, text string) (threads.PostResult, error)
	MarkRead(ctx context.Context, viewer updates.Viewer, threadID string) ([]updates.UpdateInfo, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Tokens         TokenValidator
	Updates        UpdateFeed
	Devices        DeviceRegistry
	Threads        ThreadService
	Subscriber     pubsub.Subscriber
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Updates == nil {
		return nil, errMissingUpdateFeed
	}
	if deps.Devices == nil {
		return nil, errMissingDeviceRegistry
	}
	if deps.Threads == nil {
		return nil, errMissingThreadService
	}
	if deps.Subscriber == nil {
		return nil, errMissingSubscriber
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		tokens:     deps.Tokens,
		updates:    deps.Updates,
		devices:    deps.Devices,
		threads:    deps.Threads,
		subscriber: deps.Subscriber,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/updates", handler.handleFetchUpdates)
	protected.GET("/updates/socket", handler.handleUpdateSocket)
	protected.POST("/devices", handler.handleRegisterDevice)
	protected.POST("/threads/:thread_id/messages", handler.handlePostMessage)
	protected.POST("/threads/:thread_id/read", handler.handleMarkRead)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = allowedOrigins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

type httpHandler struct {
	tokens     TokenValidator
	updates    UpdateFeed
	devices    DeviceRegistry
	threads    ThreadService
	subscriber pubsub.Subscriber
	logger     *zap.Logger
}

type updatesResponsePayload struct {
	Updates []updates.UpdateInfo `json:"updates"`
	Cursor  int64                `json:"cursor"`
}

type deviceRequestPayload struct {
	DeviceID     string `json:"device_id"`
	Platform     string `json:"platform"`
	DeviceToken  string `json:"device_token"`
	CodeVersion  int    `json:"code_version"`
	StateVersion int    `json:"state_version"`
}

type deviceResponsePayload struct {
	DeviceID  string           `json:"device_id"`
	Platform  devices.Platform `json:"platform"`
	SessionID string           `json:"session_id"`
}

type messageRequestPayload struct {
	Text string `json:"text"`
}

type messageResponsePayload struct {
	Message chat.MessageInfo     `json:"message"`
	Updates []updates.UpdateInfo `json:"updates"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleFetchUpdates(c *gin.Context) {
	viewer := viewerFromContext(c)
	since := int64(0)
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor"})
			return
		}
		since = parsed
	}

	infos, err := h.updates.FetchSince(c.Request.Context(), viewer, since)
	if err != nil {
		h.logger.Error("failed to fetch updates", zap.String("user_id", viewer.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fetch_failed"})
		return
	}
	cursor := since
	for _, info := range infos {
		if info.Time > cursor {
			cursor = info.Time
		}
	}
	if infos == nil {
		infos = []updates.UpdateInfo{}
	}
	c.JSON(http.StatusOK, updatesResponsePayload{Updates: infos, Cursor: cursor})
}

func (h *httpHandler) handleRegisterDevice(c *gin.Context) {
	viewer := viewerFromContext(c)
	var request deviceRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	platform, err := devices.ParsePlatform(request.Platform)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_platform"})
		return
	}
	device, err := h.devices.Register(c.Request.Context(), devices.Registration{
		DeviceID:     request.DeviceID,
		UserID:       viewer.UserID,
		SessionID:    viewer.SessionID,
		Platform:     platform,
		DeviceToken:  request.DeviceToken,
		CodeVersion:  request.CodeVersion,
		StateVersion: request.StateVersion,
	})
	if errors.Is(err, devices.ErrInvalidRegistration) || errors.Is(err, devices.ErrInvalidPlatform) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err != nil {
		h.logger.Error("failed to register device", zap.String("user_id", viewer.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "register_failed"})
		return
	}
	c.JSON(http.StatusOK, deviceResponsePayload{
		DeviceID:  device.DeviceID,
		Platform:  device.Platform,
		SessionID: device.SessionID,
	})
}

func (h *httpHandler) handlePostMessage(c *gin.Context) {
	viewer := viewerFromContext(c)
	var request messageRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.threads.PostMessage(c.Request.Context(), viewer, c.Param("thread_id"), request.Text)
	if err != nil {
		h.writeThreadError(c, "failed to post message", err)
		return
	}
	c.JSON(http.StatusOK, messageResponsePayload{Message: result.Message, Updates: nonNilUpdates(result.Updates)})
}

func (h *httpHandler) handleMarkRead(c *gin.Context) {
	viewer := viewerFromContext(c)
	infos, err := h.threads.MarkRead(c.Request.Context(), viewer, c.Param("thread_id"))
	if err != nil {
		h.writeThreadError(c, "failed to mark thread read", err)
		return
	}
	c.JSON(http.StatusOK, updatesResponsePayload{Updates: nonNilUpdates(infos)})
}

func (h *httpHandler) writeThreadError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, threads.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, threads.ErrNotMember):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	default:
		h.logger.Error(message, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

// authorizeRequest accepts a bearer header, or an access_token query parameter for
// websocket upgrades where browsers cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	switch {
	case strings.HasPrefix(header, "Bearer "):
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case header == "":
		token = strings.TrimSpace(c.Query(accessTokenQuery))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	principal, err := h.tokens.Validate(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func viewerFromContext(c *gin.Context) updates.Viewer {
	value, _ := c.Get(principalContextKey)
	principal, _ := value.(auth.Principal)
	return updates.Viewer{UserID: principal.UserID, SessionID: principal.SessionID}
}

func nonNilUpdates(infos []updates.UpdateInfo) []updates.UpdateInfo {
	if infos == nil {
		return []updates.UpdateInfo{}
	}
	return infos
}
