package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/sync/errgroup"

	"github.com/congo-pay/paywallet/internal/httpapi"
	"github.com/congo-pay/paywallet/internal/routes"
)

// Server wraps the Fiber application and its background workers.
type Server struct {
	app     *fiber.App
	addr    string
	workers []routes.Worker
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(ctx context.Context, d routes.Deps) (*Server, error) {
	app := fiber.New(fiber.Config{
		AppName:      d.Cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorHandler: httpapi.ErrorHandler,
	})

	workers, err := routes.Setup(ctx, app, d)
	if err != nil {
		return nil, err
	}

	return &Server{app: app, addr: d.Cfg.Address(), workers: workers, logger: d.Logger}, nil
}

// App exposes the Fiber application, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the background workers and then the HTTP server. It blocks
// until the listener stops.
func (s *Server) Listen() error {
	s.mu.Lock()
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range s.workers {
		w := w
		g.Go(func() error { return w(ctx) })
	}
	s.cancel, s.group = cancel, g
	s.mu.Unlock()

	s.logger.Info("http server listening", "addr", s.addr, "workers", len(s.workers))
	return s.app.Listen(s.addr)
}

// Shutdown stops accepting requests, then stops the workers and waits for
// in-flight deliveries to settle.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)

	s.mu.Lock()
	cancel, g := s.cancel, s.group
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		done := make(chan error, 1)
		go func() { done <- g.Wait() }()
		select {
		case werr := <-done:
			err = errors.Join(err, werr)
		case <-ctx.Done():
			err = errors.Join(err, ctx.Err())
		}
	}
	return err
}
