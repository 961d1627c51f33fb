package wallet

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/paywallet/internal/auth"
	"github.com/congo-pay/paywallet/internal/httpapi"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createRequest struct {
	Currency string `json:"currency" validate:"omitempty,len=3"`
}

type overdraftRequest struct {
	Allow *bool `json:"allow" validate:"required"`
}

// Response is the wallet JSON representation.
type Response struct {
	ID             string `json:"id"`
	WalletNumber   string `json:"wallet_number"`
	OwnerID        string `json:"owner_id"`
	Currency       string `json:"currency"`
	Status         string `json:"status"`
	AllowOverdraft bool   `json:"allow_overdraft"`
	CreatedAt      string `json:"created_at"`
}

// ToResponse renders w for API clients.
func ToResponse(w Wallet) Response {
	return Response{
		ID:             w.ID,
		WalletNumber:   w.WalletNumber,
		OwnerID:        w.OwnerID,
		Currency:       w.Currency,
		Status:         w.Status,
		AllowOverdraft: w.AllowOverdraft,
		CreatedAt:      w.CreatedAt.Format(http.TimeFormat),
	}
}

// Create provisions a wallet for the authenticated owner.
func (h *Handler) Create(c *fiber.Ctx) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	var req createRequest
	if err := httpapi.Bind(c, &req); err != nil {
		return err
	}
	w, err := h.service.Create(c.UserContext(), CreateInput{OwnerID: p.AccountID, Currency: req.Currency})
	if err != nil {
		return MapError(err)
	}
	return c.Status(http.StatusCreated).JSON(ToResponse(w))
}

// Mine lists the caller's wallets.
func (h *Handler) Mine(c *fiber.Ctx) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	wallets, err := h.service.ListByOwner(c.UserContext(), p.AccountID)
	if err != nil {
		return MapError(err)
	}
	out := make([]Response, 0, len(wallets))
	for _, w := range wallets {
		out = append(out, ToResponse(w))
	}
	return c.JSON(fiber.Map{"wallets": out})
}

// Get returns one wallet the caller owns. Admins may read any wallet.
func (h *Handler) Get(c *fiber.Ctx) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	var w Wallet
	if p.Has(auth.ScopeAdmin) {
		w, err = h.service.Get(c.UserContext(), c.Params("walletId"))
	} else {
		w, err = h.service.Authorize(c.UserContext(), c.Params("walletId"), p.AccountID)
	}
	if err != nil {
		return MapError(err)
	}
	return c.JSON(ToResponse(w))
}

// Freeze is an operator action.
func (h *Handler) Freeze(c *fiber.Ctx) error {
	return h.respond(c)(h.service.Freeze(c.UserContext(), c.Params("walletId")))
}

// Unfreeze is an operator action.
func (h *Handler) Unfreeze(c *fiber.Ctx) error {
	return h.respond(c)(h.service.Unfreeze(c.UserContext(), c.Params("walletId")))
}

// Close is an operator action.
func (h *Handler) Close(c *fiber.Ctx) error {
	return h.respond(c)(h.service.Close(c.UserContext(), c.Params("walletId")))
}

// SetOverdraft is an operator action.
func (h *Handler) SetOverdraft(c *fiber.Ctx) error {
	var req overdraftRequest
	if err := httpapi.Bind(c, &req); err != nil {
		return err
	}
	return h.respond(c)(h.service.SetOverdraft(c.UserContext(), c.Params("walletId"), *req.Allow))
}

func (h *Handler) respond(c *fiber.Ctx) func(Wallet, error) error {
	return func(w Wallet, err error) error {
		if err != nil {
			return MapError(err)
		}
		return c.JSON(ToResponse(w))
	}
}

// MapError converts wallet errors into HTTP errors, deferring to httpapi.Error.
func MapError(err error) error {
	switch {
	case errors.Is(err, ErrNotOwner):
		return fiber.NewError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrAlreadyExists):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNonZeroBalance):
		return fiber.NewError(http.StatusConflict, err.Error())
	}
	return httpapi.Error(err)
}
