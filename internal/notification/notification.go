package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// KindDepositApplied fires when a provider payment is credited.
	KindDepositApplied = "deposit_applied"
	// KindReversalApplied fires when a refund or chargeback debits a wallet.
	KindReversalApplied = "reversal_applied"
	// KindTransfer indicates a wallet-to-wallet payment.
	KindTransfer = "transfer"
	// KindDebit fires on client-initiated debits.
	KindDebit = "debit"
)

// Message describes a notification payload.
type Message struct {
	Kind        string         `json:"kind"`
	Destination string         `json:"destination"`
	Body        string         `json:"body"`
	Data        map[string]any `json:"data,omitempty"`
	SentAt      time.Time      `json:"sent_at"`
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification", "kind", message.Kind, "destination", message.Destination, "body", message.Body)
	return nil
}

// Publisher is the subset of *nats.Conn used for fan-out.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSNotifier publishes JSON messages on notifications.<kind>.
type NATSNotifier struct {
	pub    Publisher
	prefix string
}

// NewNATSNotifier builds a notifier over a NATS connection.
func NewNATSNotifier(pub Publisher) *NATSNotifier {
	return &NATSNotifier{pub: pub, prefix: "notifications"}
}

// Subject returns the subject a message of kind is published on.
func (n *NATSNotifier) Subject(kind string) string {
	return n.prefix + "." + kind
}

// Send publishes the message.
func (n *NATSNotifier) Send(_ context.Context, message Message) error {
	if message.SentAt.IsZero() {
		message.SentAt = time.Now().UTC()
	}
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	msg := nats.NewMsg(n.Subject(message.Kind))
	msg.Data = data
	msg.Header.Set("Destination", message.Destination)
	if err := n.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Multi sends to every notifier, joining their errors.
type Multi []Notifier

// Send implements Notifier.
func (m Multi) Send(ctx context.Context, message Message) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Send(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
