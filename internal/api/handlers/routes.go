package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/line-relay/backend/internal/metrics"
	"github.com/line-relay/backend/internal/middleware/validation"
)

// Routes bundles everything Register mounts. Nil handlers are skipped.
type Routes struct {
	Webhook   *WebhookHandler
	Admin     *AdminHandler
	Feed      *FeedHandler
	Health    *HealthHandler
	Signature fiber.Handler
	// AdminGuard runs before every admin route, typically auth then rate limiting.
	AdminGuard []fiber.Handler
}

func Register(app *fiber.App, r Routes) {
	if r.Webhook != nil {
		callback := []fiber.Handler{}
		if r.Signature != nil {
			callback = append(callback, r.Signature)
		}
		callback = append(callback, r.Webhook.HandleCallback)
		app.Post("/callback", callback...)
	}

	app.Get("/metrics", metrics.MetricsHandler())

	api := app.Group("/api/v1")
	if r.Health != nil {
		api.Get("/health", r.Health.Health)
		api.Get("/ready", r.Health.Ready)
	}

	adminAPI := api.Group("/admin", r.AdminGuard...)

	if r.Feed != nil {
		adminAPI.Get("/feed", r.Feed.Upgrade, websocket.New(r.Feed.HandleConnection))
	}

	if r.Admin == nil {
		return
	}
	adminAPI.Use(validation.JSONBody())
	adminAPI.Get("/buffer/stats", r.Admin.GetBufferStats)

	adminAPI.Get("/users", r.Admin.ListUsers)

	userID := validation.UserIDParam("id")
	adminAPI.Get("/users/:id", userID, r.Admin.GetUser)
	adminAPI.Get("/users/:id/history", userID, r.Admin.GetHistory)
	adminAPI.Get("/users/:id/handover", userID, r.Admin.GetHandover)
	adminAPI.Post("/users/:id/handover", userID, r.Admin.SetHandover)
	adminAPI.Delete("/users/:id/handover", userID, r.Admin.ClearHandover)
	adminAPI.Post("/users/:id/flush", userID, r.Admin.FlushUser)
}
