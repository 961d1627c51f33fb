package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/paywallet/internal/payments"
	"github.com/congo-pay/paywallet/internal/reconcile"
	"github.com/congo-pay/paywallet/internal/wallet"
)

// RegisterAdminRoutes wires operator endpoints. The group must already
// require the admin scope.
func RegisterAdminRoutes(r fiber.Router, w *wallet.Handler, p *payments.Handler, events *reconcile.Handler) {
	r.Post("/wallets/:walletId/freeze", w.Freeze)
	r.Post("/wallets/:walletId/unfreeze", w.Unfreeze)
	r.Post("/wallets/:walletId/close", w.Close)
	r.Post("/wallets/:walletId/overdraft", w.SetOverdraft)
	r.Post("/wallets/:walletId/credit", p.Credit)
	r.Post("/wallets/:walletId/adjust", p.Adjust)
	r.Get("/wallets/:walletId/verify", p.Verify)

	r.Get("/events", events.List)
	r.Get("/events/:eventId", events.Get)
}
