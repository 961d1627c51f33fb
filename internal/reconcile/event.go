package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrValidationFailed marks events rejected for operator review.
	ErrValidationFailed = errors.New("payment event validation failed")

	// ErrDuplicateEvent reports a redelivery of an event that already reached a terminal state.
	ErrDuplicateEvent = errors.New("duplicate payment event")

	// ErrAlreadyFinal is returned by EventStore.Finalize when the event left pending earlier.
	ErrAlreadyFinal = errors.New("payment event already final")
)

// Event types published by the provider.
const (
	TypePaymentSuccess = "payment.success"
	TypePaymentFailed  = "payment.failed"
	TypeRefund         = "refund"
	TypeChargeback     = "chargeback"
)

// Processing statuses. Only pending is non-terminal.
const (
	StatusPending   = "pending"
	StatusApplied   = "applied"
	StatusRejected  = "rejected"
	StatusDuplicate = "duplicate"
)

// UnverifiedPrefix namespaces events whose signature or shape could not be trusted.
const UnverifiedPrefix = "unverified:"

func knownType(t string) bool {
	switch t {
	case TypePaymentSuccess, TypePaymentFailed, TypeRefund, TypeChargeback:
		return true
	}
	return false
}

// Terminal reports whether status is final.
func Terminal(status string) bool {
	return status == StatusApplied || status == StatusRejected || status == StatusDuplicate
}

// PaymentEvent is one provider notification and its processing outcome.
type PaymentEvent struct {
	ID              string     `json:"id"`
	Type            string     `json:"type"`
	WalletID        string     `json:"wallet_id,omitempty"`
	Amount          int64      `json:"amount"`
	Currency        string     `json:"currency,omitempty"`
	Reference       string     `json:"reference,omitempty"`
	OriginalEventID string     `json:"original_event_id,omitempty"`
	Checksum        string     `json:"checksum"`
	Status          string     `json:"status"`
	Reason          string     `json:"reason,omitempty"`
	EntryID         string     `json:"entry_id,omitempty"`
	Attempt         int        `json:"attempt"`
	Deliveries      int        `json:"deliveries"`
	Payload         []byte     `json:"-"`
	ReceivedAt      time.Time  `json:"received_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
}

// Err maps the outcome onto the error taxonomy. Applied events yield nil.
func (e PaymentEvent) Err() error {
	switch e.Status {
	case StatusDuplicate:
		return ErrDuplicateEvent
	case StatusRejected:
		return fmt.Errorf("%w: %s", ErrValidationFailed, e.Reason)
	}
	return nil
}

// Outcome is the terminal result recorded for an event.
type Outcome struct {
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	EntryID string `json:"entry_id,omitempty"`
}

// Delivery is one at-least-once delivery of a raw provider payload.
type Delivery struct {
	Payload   []byte
	Signature string
	Attempt   int
}

// ParseAttempt reads an attempt header value. Missing or malformed values
// count as the first attempt.
func ParseAttempt(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// envelope is the provider's wire format.
type envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		WalletID        string `json:"wallet_id"`
		Amount          int64  `json:"amount"`
		Currency        string `json:"currency"`
		Reference       string `json:"reference"`
		OriginalEventID string `json:"original_event_id"`
	} `json:"data"`
}

func decodeEnvelope(payload []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return envelope{}, fmt.Errorf("malformed payload: %v", err)
	}
	if env.ID == "" {
		return envelope{}, errors.New("payload has no event id")
	}
	return env, nil
}
