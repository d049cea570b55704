package server

import (
	"context"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/courier/backend/internal/pubsub"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	socketWriteWait  = 10 * time.Second
	socketPongWait   = 60 * time.Second
	socketPingPeriod = (socketPongWait * 9) / 10
	socketReadLimit  = 512
)

var socketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks are handled by the CORS layer and token auth.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// socketEvent is the frame clients receive; they re-poll /updates on NEW_UPDATES.
type socketEvent struct {
	Kind       pubsub.Kind `json:"kind"`
	UpdateIDs  []string    `json:"update_ids,omitempty"`
	MessageIDs []string    `json:"message_ids,omitempty"`
	At         int64       `json:"at"`
}

func (h *httpHandler) handleUpdateSocket(c *gin.Context) {
	viewer := viewerFromContext(c)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	stream, unsubscribe, err := h.subscriber.Subscribe(ctx, viewer.UserID, viewer.SessionID)
	if err != nil {
		h.logger.Error("failed to subscribe", zap.String("user_id", viewer.UserID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "subscribe_failed"})
		return
	}
	defer unsubscribe()

	conn, err := socketUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	go readUntilClosed(conn, cancel)

	ticker := time.NewTicker(socketPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case message, ok := <-stream:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			event := socketEvent{
				Kind:       message.Kind,
				UpdateIDs:  message.UpdateIDs,
				MessageIDs: message.MessageIDs,
				At:         message.PublishedAt.UnixMilli(),
			}
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug("websocket write failed", zap.String("user_id", viewer.UserID), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readUntilClosed drains client frames so pongs and close frames are processed.
func readUntilClosed(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(socketReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(socketPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(socketPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
