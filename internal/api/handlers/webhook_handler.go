package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/line-relay/backend/internal/line"
	"github.com/line-relay/backend/internal/processor"
	"github.com/line-relay/backend/pkg/logger"
)

type EventHandler interface {
	HandleEvent(ctx context.Context, ev line.Event) error
}

type WebhookHandler struct {
	events EventHandler
}

func NewWebhookHandler(events EventHandler) *WebhookHandler {
	return &WebhookHandler{events: events}
}

// HandleCallback acknowledges the webhook once the events are queued.
// The signature has been checked by middleware at this point.
func (h *WebhookHandler) HandleCallback(c *fiber.Ctx) error {
	events, err := line.ParseEvents(c.Body())
	if err != nil {
		logger.Warn("Failed to parse webhook body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	for _, ev := range events {
		// Queued work must outlive the request context.
		if err := h.events.HandleEvent(context.Background(), ev); err != nil {
			if errors.Is(err, processor.ErrClosed) {
				logger.Warn("Dropping event during shutdown", zap.String("user_id", ev.UserID))
				continue
			}
			logger.Error("Failed to queue event",
				zap.String("user_id", ev.UserID),
				zap.String("type", string(ev.Type)),
				zap.Error(err),
			)
		}
	}

	return c.SendString("OK")
}
