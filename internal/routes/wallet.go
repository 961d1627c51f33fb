package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/paywallet/internal/auth"
	"github.com/congo-pay/paywallet/internal/middleware"
	"github.com/congo-pay/paywallet/internal/payments"
	"github.com/congo-pay/paywallet/internal/wallet"
)

// RegisterWalletRoutes wires wallet lifecycle and read endpoints.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler, p *payments.Handler) {
	read := middleware.RequireScope(auth.ScopeRead)
	r.Post("/wallets", middleware.RequireScope(auth.ScopeDeposit), h.Create)
	// Registered before :walletId so "me" is not taken as an id.
	r.Get("/wallets/me", read, h.Mine)
	r.Get("/wallets/:walletId", read, h.Get)
	r.Get("/wallets/:walletId/balance", read, p.Balance)
	r.Get("/wallets/:walletId/history", read, p.History)
}
