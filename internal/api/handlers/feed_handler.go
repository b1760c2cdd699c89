package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/line-relay/backend/internal/feed"
	"github.com/line-relay/backend/pkg/logger"
)

const (
	feedWriteTimeout = 10 * time.Second
	feedPingInterval = 30 * time.Second
)

type FeedHandler struct {
	hub *feed.Hub
}

func NewFeedHandler(hub *feed.Hub) *FeedHandler {
	return &FeedHandler{hub: hub}
}

// Upgrade rejects plain HTTP requests to the feed endpoint.
func (h *FeedHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	c.Locals("user_filter", c.Query("user_id"))
	return c.Next()
}

// HandleConnection streams feed events until the client goes away or the
// hub closes. Messages from the client are read only to detect closure.
func (h *FeedHandler) HandleConnection(c *websocket.Conn) {
	filter, _ := c.Locals("user_filter").(string)
	sub := h.hub.Subscribe(filter)
	logger.Info("Feed connection established", zap.String("user_filter", filter))

	defer func() {
		h.hub.Unsubscribe(sub)
		c.Close()
		logger.Info("Feed connection closed", zap.String("user_filter", filter))
	}()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(feedPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case ev, ok := <-sub.C:
			if !ok {
				h.sendClose(c)
				return
			}
			c.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := c.WriteJSON(ev); err != nil {
				logger.Warn("Failed to write feed event", zap.Error(err))
				return
			}
		case <-ping.C:
			c.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *FeedHandler) sendClose(c *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
