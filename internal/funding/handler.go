package funding

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/paywallet/internal/auth"
	"github.com/congo-pay/paywallet/internal/httpapi"
	"github.com/congo-pay/paywallet/internal/wallet"
)

// Handler exposes HTTP endpoints for provider deposits.
type Handler struct {
	service *Service
}

// NewHandler constructs a funding handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type depositRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0,lte=1000000000000000"`
}

// Deposit starts a provider checkout for the wallet.
func (h *Handler) Deposit(c *fiber.Ctx) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	key, err := httpapi.IdempotencyKey(c)
	if err != nil {
		return err
	}
	var req depositRequest
	if err := httpapi.Bind(c, &req); err != nil {
		return err
	}
	intent, replayed, err := h.service.InitiateDeposit(c.UserContext(), DepositInput{
		AccountID:      p.AccountID,
		WalletID:       c.Params("walletId"),
		Amount:         req.Amount,
		IdempotencyKey: key,
	})
	if err != nil {
		return mapError(err)
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	return c.Status(status).JSON(intent)
}

// Status reports a deposit by reference.
func (h *Handler) Status(c *fiber.Ctx) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	intent, err := h.service.Status(c.UserContext(), p.AccountID, c.Params("reference"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(fiber.Map{
		"reference": intent.Reference,
		"status":    intent.Status,
		"amount":    intent.Amount,
		"currency":  intent.Currency,
	})
}

func mapError(err error) error {
	if errors.Is(err, ErrProvider) {
		return fiber.NewError(http.StatusBadGateway, err.Error())
	}
	return wallet.MapError(err)
}
