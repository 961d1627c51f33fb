package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATS wraps a connection and its JetStream context.
type NATS struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewNATS connects to the server and initialises JetStream.
func NewNATS(url, name string, logger *slog.Logger) (*NATS, error) {
	if url == "" {
		return nil, fmt.Errorf("nats url is required")
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}

	return &NATS{conn: conn, js: js, logger: logger}, nil
}

// Conn exposes the core connection for plain publishes.
func (n *NATS) Conn() *nats.Conn {
	return n.conn
}

// JetStream exposes the JetStream context.
func (n *NATS) JetStream() jetstream.JetStream {
	return n.js
}

// EnsureStream creates or updates a file-backed stream for the given subjects.
func (n *NATS) EnsureStream(ctx context.Context, name string, subjects ...string) (jetstream.Stream, error) {
	stream, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  subjects,
		MaxAge:    7 * 24 * time.Hour,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		Replicas:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", name, err)
	}
	n.logger.Info("stream ensured", "name", name, "subjects", subjects)
	return stream, nil
}

// EnsureConsumer creates or updates a durable explicit-ack consumer.
func (n *NATS) EnsureConsumer(ctx context.Context, stream, name, subject string, maxDeliver int, ackWait time.Duration) (jetstream.Consumer, error) {
	consumer, err := n.js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Name:          name,
		Durable:       name,
		FilterSubject: subject,
		MaxDeliver:    maxDeliver,
		AckWait:       ackWait,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure consumer %s: %w", name, err)
	}
	n.logger.Info("consumer ensured", "name", name, "stream", stream, "filter", subject)
	return consumer, nil
}

// Ping reports whether the connection is currently up.
func (n *NATS) Ping() error {
	if n == nil || !n.conn.IsConnected() {
		return fmt.Errorf("nats not connected")
	}
	return nil
}

// Close drains the connection.
func (n *NATS) Close() {
	if n == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}
