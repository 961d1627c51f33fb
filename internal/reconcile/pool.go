package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/congo-pay/paywallet/internal/infra"
	"github.com/congo-pay/paywallet/internal/logging"
)

// Message is one queued delivery with its acknowledgement hooks.
type Message interface {
	Delivery() Delivery
	Ack() error
	// Nak asks for redelivery after delay.
	Nak(delay time.Duration) error
}

// Ingester processes deliveries; *Engine implements it.
type Ingester interface {
	Ingest(ctx context.Context, d Delivery) (PaymentEvent, error)
}

// Pool runs a fixed number of workers over a message channel.
type Pool struct {
	ingester Ingester
	workers  int
	backoff  infra.Backoff
	logger   *slog.Logger
}

// NewPool builds a pool. Redelivery delays follow backoff by delivery attempt.
func NewPool(ingester Ingester, workers int, backoff infra.Backoff, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{ingester: ingester, workers: workers, backoff: backoff, logger: logging.Component(logger, "reconcile.pool")}
}

// Run consumes msgs until the channel closes or ctx is cancelled.
func (p *Pool) Run(ctx context.Context, msgs <-chan Message) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case msg, ok := <-msgs:
					if !ok {
						return nil
					}
					p.handle(ctx, worker, msg)
				}
			}
		})
	}
	return g.Wait()
}

func (p *Pool) handle(ctx context.Context, worker int, msg Message) {
	d := msg.Delivery()
	ev, err := p.ingester.Ingest(ctx, d)
	if err != nil {
		delay := p.backoff.Delay(d.Attempt)
		if errors.Is(err, context.Canceled) {
			delay = 0
		}
		p.logger.Warn("delivery not settled, requeueing",
			"worker", worker, "event_id", ev.ID, "attempt", d.Attempt, "delay", delay, "error", err)
		if nakErr := msg.Nak(delay); nakErr != nil {
			p.logger.Error("nak failed", "event_id", ev.ID, "error", nakErr)
		}
		return
	}
	if ackErr := msg.Ack(); ackErr != nil {
		p.logger.Error("ack failed", "event_id", ev.ID, "error", ackErr)
		return
	}
	p.logger.Debug("delivery settled", "worker", worker, "event_id", ev.ID, "status", ev.Status)
}
