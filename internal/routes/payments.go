package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/paywallet/internal/auth"
	"github.com/congo-pay/paywallet/internal/middleware"
	"github.com/congo-pay/paywallet/internal/payments"
)

// RegisterPaymentRoutes wires the customer money-moving endpoints. Customers
// fund wallets through deposits; direct credit is an admin route.
func RegisterPaymentRoutes(r fiber.Router, h *payments.Handler) {
	r.Post("/wallets/:walletId/debit", middleware.RequireScope(auth.ScopeTransfer), h.Debit)
	r.Post("/transfers", middleware.RequireScope(auth.ScopeTransfer), h.Transfer)
}
