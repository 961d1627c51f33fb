package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/paywallet/internal/auth"
	"github.com/congo-pay/paywallet/internal/config"
	"github.com/congo-pay/paywallet/internal/infra"
	"github.com/congo-pay/paywallet/internal/middleware"
)

// Deps aggregates shared dependencies required to wire routes. DB, Cache and
// NATS may be nil in development, in which case in-memory backends are used.
type Deps struct {
	Cfg    config.Config
	DB     *pgxpool.Pool
	Cache  *redis.Client
	NATS   *infra.NATS
	Logger *slog.Logger
}

// Worker is a background loop started alongside the HTTP server.
type Worker func(ctx context.Context) error

// Setup configures middlewares and all application routes. The returned
// workers must be run for queued webhooks to be reconciled.
func Setup(ctx context.Context, app *fiber.App, d Deps) ([]Worker, error) {
	// Enforce DB/Redis presence outside of dev, even though config also checks.
	if !d.Cfg.IsDevelopment() {
		if d.DB == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	comp, err := build(ctx, d)
	if err != nil {
		return nil, err
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)
	RegisterWebhookRoutes(app, comp.eventHandler)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": middleware.RequestIDFrom(c),
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	protected := api.Group("",
		middleware.Authenticate(comp.keys, []byte(d.Cfg.JWTSecret)),
		middleware.RateLimit(d.Cache, d.Cfg.RateLimitPerMinute, d.Logger),
	)
	RegisterWalletRoutes(protected, comp.walletHandler, comp.paymentHandler)
	RegisterFundingRoutes(protected, comp.fundingHandler)
	RegisterPaymentRoutes(protected, comp.paymentHandler)
	RegisterKeyRoutes(protected, comp.keyHandler)

	admin := protected.Group("/admin", middleware.RequireScope(auth.ScopeAdmin))
	RegisterAdminRoutes(admin, comp.walletHandler, comp.paymentHandler, comp.eventHandler)

	return comp.workers, nil
}
