package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/paywallet/internal/idempotency"
	"github.com/congo-pay/paywallet/internal/ledger"
)

// Validate is shared so struct tag metadata is cached once.
var Validate = validator.New()

// IdempotencyKeyHeader carries the caller-supplied key for mutating requests.
const IdempotencyKeyHeader = "Idempotency-Key"

// Bind parses the JSON body into dst and validates its struct tags.
func Bind(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	if err := Validate.Struct(dst); err != nil {
		return fiber.NewError(http.StatusUnprocessableEntity, formatValidationError(err))
	}
	return nil
}

// IdempotencyKey returns the request's idempotency key or a 400.
func IdempotencyKey(c *fiber.Ctx) (string, error) {
	key := strings.TrimSpace(c.Get(IdempotencyKeyHeader))
	if key == "" {
		return "", fiber.NewError(http.StatusBadRequest, "missing Idempotency-Key header")
	}
	if len(key) > 255 {
		return "", fiber.NewError(http.StatusBadRequest, "Idempotency-Key too long")
	}
	return key, nil
}

// Error maps ledger and idempotency failures onto HTTP errors. Unknown errors become 500s.
func Error(err error) error {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fiber.NewError(http.StatusUnprocessableEntity, "insufficient funds")
	case errors.Is(err, ledger.ErrInvalidEntry):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ledger.ErrWalletNotActive):
		return fiber.NewError(http.StatusConflict, "wallet not active")
	case errors.Is(err, ledger.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrConflict), errors.Is(err, idempotency.ErrInProgress):
		return fiber.NewError(http.StatusConflict, "request conflicted with a concurrent operation, retry later")
	case errors.Is(err, idempotency.ErrFingerprintMismatch):
		return fiber.NewError(http.StatusUnprocessableEntity, "idempotency key already used for a different request")
	case errors.Is(err, idempotency.ErrClaimFailed):
		return fiber.NewError(http.StatusConflict, "idempotency key failed and requires review")
	default:
		return fiber.NewError(http.StatusInternalServerError, "internal error")
	}
}

// ErrorHandler renders fiber errors as JSON bodies.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := http.StatusInternalServerError
	message := "internal error"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code, message = fe.Code, fe.Message
	}
	return c.Status(code).JSON(fiber.Map{"error": message, "status": code})
}

func formatValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "gt", "gte", "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", field, fe.Param()))
		case "lt", "lte", "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", field, fe.Param()))
		case "len":
			msgs = append(msgs, fmt.Sprintf("%s must be %s characters", field, fe.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", field, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid", field))
		}
	}
	return strings.Join(msgs, "; ")
}
