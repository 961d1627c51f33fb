package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/paywallet/internal/reconcile"
)

// RegisterWebhookRoutes wires the provider callback. It carries no auth
// middleware; the engine checks the payload signature.
func RegisterWebhookRoutes(app *fiber.App, h *reconcile.Handler) {
	app.Post("/webhooks/provider", h.Webhook)
}
