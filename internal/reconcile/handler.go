package reconcile

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/paywallet/internal/httpapi"
)

// Handler receives provider webhooks and serves operator queries.
type Handler struct {
	engine *Engine
	queue  Enqueuer
}

// NewHandler builds a handler. With a nil queue webhooks are ingested inline.
func NewHandler(engine *Engine, queue Enqueuer) *Handler {
	return &Handler{engine: engine, queue: queue}
}

// Webhook accepts a raw provider notification.
func (h *Handler) Webhook(c *fiber.Ctx) error {
	// Body is only valid for the handler's lifetime.
	payload := append([]byte(nil), c.Body()...)
	if len(payload) == 0 {
		return fiber.NewError(http.StatusBadRequest, "empty payload")
	}
	d := Delivery{
		Payload:   payload,
		Signature: c.Get(SignatureHeader),
		Attempt:   ParseAttempt(c.Get(AttemptHeader)),
	}

	if h.queue != nil {
		if err := h.queue.Enqueue(c.UserContext(), d); err != nil {
			return fiber.NewError(http.StatusServiceUnavailable, "could not accept event, retry later")
		}
		return c.Status(http.StatusAccepted).JSON(fiber.Map{"status": "queued"})
	}

	ev, err := h.engine.Ingest(c.UserContext(), d)
	if err != nil {
		// Pending events are retried by the provider's redelivery.
		return fiber.NewError(http.StatusServiceUnavailable, "event not processed, retry later")
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"event_id": ev.ID,
		"status":   ev.Status,
		"reason":   ev.Reason,
	})
}

// List returns events in a status, rejected by default.
func (h *Handler) List(c *fiber.Ctx) error {
	status := c.Query("status", StatusRejected)
	switch status {
	case StatusPending, StatusApplied, StatusRejected, StatusDuplicate:
	default:
		return fiber.NewError(http.StatusBadRequest, "unknown status")
	}
	limit, _ := strconv.Atoi(c.Query("limit", "100"))
	events, err := h.engine.Events().ListByStatus(c.UserContext(), status, limit)
	if err != nil {
		return httpapi.Error(err)
	}
	return c.JSON(fiber.Map{"events": events})
}

// Get returns one event.
func (h *Handler) Get(c *fiber.Ctx) error {
	ev, err := h.engine.Events().Get(c.UserContext(), c.Params("eventId"))
	if err != nil {
		return httpapi.Error(err)
	}
	return c.JSON(ev)
}
