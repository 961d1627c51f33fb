package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/congo-pay/paywallet/internal/logging"
)

// Enqueuer hands a webhook delivery to the background workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, d Delivery) error
}

// Publisher enqueues deliveries on a JetStream subject.
type Publisher struct {
	js      jetstream.JetStream
	subject string
}

// NewPublisher builds a publisher for subject.
func NewPublisher(js jetstream.JetStream, subject string) *Publisher {
	return &Publisher{js: js, subject: subject}
}

// Enqueue implements Enqueuer. The publish is acknowledged by the stream
// before it returns, so an accepted webhook is durable.
func (p *Publisher) Enqueue(ctx context.Context, d Delivery) error {
	msg := nats.NewMsg(p.subject)
	msg.Data = d.Payload
	msg.Header.Set(SignatureHeader, d.Signature)
	msg.Header.Set(AttemptHeader, strconv.Itoa(d.Attempt))
	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("enqueue delivery: %w", err)
	}
	return nil
}

// JetStreamSource feeds a Pool from a durable consumer.
type JetStreamSource struct {
	consumer jetstream.Consumer
	logger   *slog.Logger
}

// NewJetStreamSource wraps consumer.
func NewJetStreamSource(consumer jetstream.Consumer, logger *slog.Logger) *JetStreamSource {
	return &JetStreamSource{consumer: consumer, logger: logging.Component(logger, "reconcile.source")}
}

// Run pulls messages into out until ctx is cancelled, then closes out.
func (s *JetStreamSource) Run(ctx context.Context, out chan<- Message) error {
	defer close(out)
	iter, err := s.consumer.Messages()
	if err != nil {
		return fmt.Errorf("open message iterator: %w", err)
	}
	go func() {
		<-ctx.Done()
		iter.Stop()
	}()

	for {
		msg, err := iter.Next()
		if err != nil {
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) || ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("fetch message failed", "error", err)
			continue
		}
		select {
		case out <- jsMessage{msg: msg}:
		case <-ctx.Done():
			_ = msg.Nak()
			return nil
		}
	}
}

type jsMessage struct {
	msg jetstream.Msg
}

// Delivery counts the provider's attempt plus any stream redeliveries.
func (m jsMessage) Delivery() Delivery {
	attempt := ParseAttempt(m.msg.Headers().Get(AttemptHeader))
	if meta, err := m.msg.Metadata(); err == nil && meta.NumDelivered > 1 {
		attempt += int(meta.NumDelivered) - 1
	}
	return Delivery{
		Payload:   m.msg.Data(),
		Signature: m.msg.Headers().Get(SignatureHeader),
		Attempt:   attempt,
	}
}

func (m jsMessage) Ack() error { return m.msg.Ack() }

func (m jsMessage) Nak(delay time.Duration) error {
	if delay <= 0 {
		return m.msg.Nak()
	}
	return m.msg.NakWithDelay(delay)
}
