package payments

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/paywallet/internal/auth"
	"github.com/congo-pay/paywallet/internal/httpapi"
	"github.com/congo-pay/paywallet/internal/ledger"
	"github.com/congo-pay/paywallet/internal/wallet"
)

// Handler exposes payment endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Amount tags mirror ledger.MaxAmount.
type moveRequest struct {
	Amount int64 `json:"amount" validate:"required,gt=0,lte=1000000000000000"`
}

type transferRequest struct {
	FromWalletID   string `json:"from_wallet_id" validate:"required"`
	ToWalletNumber string `json:"to_wallet_number" validate:"required,numeric,len=13"`
	Amount         int64  `json:"amount" validate:"required,gt=0,lte=1000000000000000"`
}

type adjustRequest struct {
	Amount int64  `json:"amount" validate:"required,ne=0,gte=-1000000000000000,lte=1000000000000000"`
	Reason string `json:"reason" validate:"required,max=200"`
}

// Credit adds funds to the wallet in the path.
func (h *Handler) Credit(c *fiber.Ctx) error {
	return h.move(c, h.service.Credit)
}

// Debit removes funds from the wallet in the path.
func (h *Handler) Debit(c *fiber.Ctx) error {
	return h.move(c, h.service.Debit)
}

func (h *Handler) move(c *fiber.Ctx, op func(context.Context, MoveInput) (ledger.Entry, bool, error)) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	key, err := httpapi.IdempotencyKey(c)
	if err != nil {
		return err
	}
	var req moveRequest
	if err := httpapi.Bind(c, &req); err != nil {
		return err
	}
	entry, replayed, err := op(c.UserContext(), MoveInput{
		Caller:         caller,
		WalletID:       c.Params("walletId"),
		Amount:         req.Amount,
		IdempotencyKey: key,
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(created(replayed)).JSON(entry)
}

// Transfer moves funds between wallets.
func (h *Handler) Transfer(c *fiber.Ctx) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	key, err := httpapi.IdempotencyKey(c)
	if err != nil {
		return err
	}
	var req transferRequest
	if err := httpapi.Bind(c, &req); err != nil {
		return err
	}
	t, replayed, err := h.service.Transfer(c.UserContext(), TransferInput{
		Caller:         caller,
		FromWalletID:   req.FromWalletID,
		ToWalletNumber: req.ToWalletNumber,
		Amount:         req.Amount,
		IdempotencyKey: key,
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(created(replayed)).JSON(t)
}

// Adjust posts an operator correction.
func (h *Handler) Adjust(c *fiber.Ctx) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	key, err := httpapi.IdempotencyKey(c)
	if err != nil {
		return err
	}
	var req adjustRequest
	if err := httpapi.Bind(c, &req); err != nil {
		return err
	}
	entry, replayed, err := h.service.Adjust(c.UserContext(), AdjustInput{
		ActorID:        p.AccountID,
		WalletID:       c.Params("walletId"),
		Amount:         req.Amount,
		Reason:         req.Reason,
		IdempotencyKey: key,
	})
	if err != nil {
		return mapError(err)
	}
	return c.Status(created(replayed)).JSON(entry)
}

// Balance reports the projected balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	b, err := h.service.Balance(c.UserContext(), caller, c.Params("walletId"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(b)
}

// History pages through ledger entries with ?cursor=&limit=.
func (h *Handler) History(c *fiber.Ctx) error {
	caller, err := callerFrom(c)
	if err != nil {
		return err
	}
	cursor, err := queryInt(c, "cursor")
	if err != nil {
		return err
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	page, err := h.service.History(c.UserContext(), caller, c.Params("walletId"), cursor, int(limit))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(page)
}

// Verify reports projection drift for one wallet.
func (h *Handler) Verify(c *fiber.Ctx) error {
	d, err := h.service.Verify(c.UserContext(), c.Params("walletId"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(d)
}

func callerFrom(c *fiber.Ctx) (Caller, error) {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return Caller{}, err
	}
	return Caller{AccountID: p.AccountID, Admin: p.Has(auth.ScopeAdmin)}, nil
}

func queryInt(c *fiber.Ctx, name string) (int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fiber.NewError(http.StatusBadRequest, "invalid "+name)
	}
	return v, nil
}

func created(replayed bool) int {
	if replayed {
		return http.StatusOK
	}
	return http.StatusCreated
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrSameWallet), errors.Is(err, ErrCurrencyMismatch):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	}
	return wallet.MapError(err)
}
