package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/paywallet/internal/auth"
	"github.com/congo-pay/paywallet/internal/funding"
	"github.com/congo-pay/paywallet/internal/middleware"
)

// RegisterFundingRoutes wires provider deposit endpoints.
func RegisterFundingRoutes(r fiber.Router, h *funding.Handler) {
	r.Post("/wallets/:walletId/deposits", middleware.RequireScope(auth.ScopeDeposit), h.Deposit)
	r.Get("/deposits/:reference", middleware.RequireScope(auth.ScopeRead), h.Status)
}
