package admin

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

// LiveMessage is one frame of the live analytics feed.
type LiveMessage struct {
	Type      string      `json:"type"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
}

func (h *Handler) requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// LiveAnalytics pushes the analytics summary to the socket every live
// interval until the client goes away.
func (h *Handler) LiveAnalytics() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		defer conn.Close()

		if h.deps.Analytics == nil {
			_ = conn.WriteJSON(LiveMessage{Type: "error", Timestamp: h.now().UnixMilli(), Error: "analytics is not enabled"})
			return
		}

		h.logger.Debug("Live analytics client connected", zap.String("remote", conn.RemoteAddr().String()))
		defer h.logger.Debug("Live analytics client disconnected", zap.String("remote", conn.RemoteAddr().String()))

		// Reads only detect the close; clients send nothing.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(h.liveInterval)
		defer ticker.Stop()

		for {
			if err := h.pushSummary(conn); err != nil {
				return
			}
			select {
			case <-gone:
				return
			case <-ticker.C:
			}
		}
	})
}

func (h *Handler) pushSummary(conn *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.queryTimeout)
	defer cancel()

	msg := LiveMessage{Type: "summary", Timestamp: h.now().UnixMilli()}
	summary, err := h.deps.Analytics.Summary(ctx)
	if err != nil {
		h.logger.Warn("Live analytics query failed", zap.Error(err))
		msg.Type = "error"
		msg.Error = "analytics unavailable"
	} else {
		msg.Data = summary
	}

	_ = conn.SetWriteDeadline(time.Now().Add(h.queryTimeout))
	return conn.WriteJSON(msg)
}
