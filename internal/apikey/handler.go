package apikey

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/paywallet/internal/auth"
	"github.com/congo-pay/paywallet/internal/httpapi"
)

// Handler exposes key management endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a key handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type issueRequest struct {
	Name   string   `json:"name" validate:"required,max=64"`
	Scopes []string `json:"permissions" validate:"required,min=1,dive,required"`
	Expiry string   `json:"expiry" validate:"required,oneof=1H 1D 1M 1Y"`
}

type rolloverRequest struct {
	ExpiredKeyID string `json:"expired_key_id" validate:"required"`
	Expiry       string `json:"expiry" validate:"required,oneof=1H 1D 1M 1Y"`
}

// Create issues a key. The plaintext is only ever returned here.
func (h *Handler) Create(c *fiber.Ctx) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	var req issueRequest
	if err := httpapi.Bind(c, &req); err != nil {
		return err
	}
	issued, err := h.service.Issue(c.UserContext(), IssueInput{Issuer: p, Name: req.Name, Scopes: req.Scopes, Expiry: req.Expiry})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(issued)
}

// Rollover replaces an expired key.
func (h *Handler) Rollover(c *fiber.Ctx) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	var req rolloverRequest
	if err := httpapi.Bind(c, &req); err != nil {
		return err
	}
	issued, err := h.service.Rollover(c.UserContext(), p.AccountID, req.ExpiredKeyID, req.Expiry)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(issued)
}

// List returns the caller's keys without secrets.
func (h *Handler) List(c *fiber.Ctx) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	keys, err := h.service.List(c.UserContext(), p.AccountID)
	if err != nil {
		return mapError(err)
	}
	if keys == nil {
		keys = []Key{}
	}
	return c.JSON(fiber.Map{"keys": keys})
}

// Revoke disables one of the caller's keys.
func (h *Handler) Revoke(c *fiber.Ctx) error {
	p, err := auth.MustPrincipal(c)
	if err != nil {
		return err
	}
	if err := h.service.Revoke(c.UserContext(), p.AccountID, c.Params("keyId")); err != nil {
		return mapError(err)
	}
	return c.SendStatus(http.StatusNoContent)
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrLimitReached):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotExpired):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidScope):
		return fiber.NewError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalidExpiry), errors.Is(err, ErrNameRequired):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	}
	return httpapi.Error(err)
}
