package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/paywallet/internal/apikey"
)

// RegisterKeyRoutes wires API key management. Scope checks happen in the
// service since a key may only delegate scopes its issuer holds.
func RegisterKeyRoutes(r fiber.Router, h *apikey.Handler) {
	r.Post("/keys", h.Create)
	r.Get("/keys", h.List)
	r.Post("/keys/rollover", h.Rollover)
	r.Post("/keys/:keyId/revoke", h.Revoke)
}
