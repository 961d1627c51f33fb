package routes

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/congo-pay/paywallet/internal/apikey"
	"github.com/congo-pay/paywallet/internal/funding"
	"github.com/congo-pay/paywallet/internal/idempotency"
	"github.com/congo-pay/paywallet/internal/infra"
	"github.com/congo-pay/paywallet/internal/ledger"
	"github.com/congo-pay/paywallet/internal/middleware"
	"github.com/congo-pay/paywallet/internal/notification"
	"github.com/congo-pay/paywallet/internal/payments"
	"github.com/congo-pay/paywallet/internal/projector"
	"github.com/congo-pay/paywallet/internal/reconcile"
	"github.com/congo-pay/paywallet/internal/wallet"
)

type components struct {
	keys           middleware.KeyAuthenticator
	walletHandler  *wallet.Handler
	paymentHandler *payments.Handler
	fundingHandler *funding.Handler
	keyHandler     *apikey.Handler
	eventHandler   *reconcile.Handler
	workers        []Worker
}

// build selects Postgres/Redis/NATS backends when configured and in-memory
// ones otherwise, then assembles the services on top of them.
func build(ctx context.Context, d Deps) (*components, error) {
	cfg := d.Cfg
	logger := d.Logger

	var (
		walletRepo wallet.Repository
		store      ledger.Store
		intents    funding.IntentRepository
		events     reconcile.EventStore
		keyRepo    apikey.Repository
	)
	if d.DB != nil {
		walletRepo = wallet.NewPostgresRepository(d.DB)
		store = ledger.NewPostgresStore(d.DB, infra.Backoff{
			Attempts:  cfg.Ledger.RetryAttempts,
			BaseDelay: cfg.Ledger.RetryBaseDelay,
			MaxDelay:  time.Second,
		}, logger)
		intents = funding.NewPostgresIntentRepository(d.DB)
		events = reconcile.NewPostgresEventStore(d.DB)
		keyRepo = apikey.NewPostgresRepository(d.DB)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory stores")
		walletRepo = wallet.NewMemoryRepository()
		store = ledger.NewMemoryStore(wallet.Policies(walletRepo))
		intents = funding.NewMemoryIntentRepository()
		events = reconcile.NewMemoryEventStore()
		keyRepo = apikey.NewMemoryRepository()
	}

	guardOpts := idempotency.Options{
		Window:      cfg.Idempotency.ClaimWindow,
		MaxAttempts: cfg.Idempotency.MaxAttempts,
		TTL:         cfg.Idempotency.TTL,
	}
	var (
		guard idempotency.Guard
		cache projector.Cache
	)
	if d.Cache != nil {
		rg := idempotency.NewRedisGuard(d.Cache, guardOpts)
		rc := projector.NewRedisCache(d.Cache)
		infra.PreloadScripts(d.Cache, logger, append(rg.Scripts(), rc.Scripts()...)...)
		guard, cache = rg, rc
	} else {
		logger.Warn("REDIS_URL not set, using in-memory idempotency guard and balance cache")
		guard = idempotency.NewMemoryGuard(guardOpts)
		cache = projector.NewMemoryCache()
	}

	notifier := notification.Notifier(notification.NewLoggerNotifier(logger))
	if d.NATS != nil {
		notifier = notification.Multi{notifier, notification.NewNATSNotifier(d.NATS.Conn())}
	}

	proj := projector.New(store, cache, logger)
	wallets := wallet.NewService(walletRepo, store, wallet.Defaults{
		Currency:       cfg.Ledger.DefaultCurrency,
		AllowOverdraft: cfg.Ledger.AllowOverdraftDefault,
	}, logger)

	fundingSvc, err := funding.NewService(intents, wallets, funding.StaticProvider{CheckoutURL: cfg.Provider.CheckoutURL}, guard, logger)
	if err != nil {
		return nil, fmt.Errorf("funding service: %w", err)
	}
	paymentSvc, err := payments.NewService(store, wallets, guard, proj, notifier, logger)
	if err != nil {
		return nil, fmt.Errorf("payment service: %w", err)
	}
	engine, err := reconcile.NewEngine(reconcile.Deps{
		Events:    events,
		Ledger:    store,
		Guard:     guard,
		Wallets:   wallets,
		Deposits:  fundingSvc,
		Projector: proj,
		Notifier:  notifier,
		Verifier:  reconcile.NewVerifier(cfg.Provider.WebhookSecret),
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile engine: %w", err)
	}
	keySvc := apikey.NewService(keyRepo, logger)

	c := &components{
		keys:           keySvc,
		walletHandler:  wallet.NewHandler(wallets),
		paymentHandler: payments.NewHandler(paymentSvc),
		fundingHandler: funding.NewHandler(fundingSvc),
		keyHandler:     apikey.NewHandler(keySvc),
	}

	if d.NATS == nil {
		logger.Warn("NATS_URL not set, webhooks are reconciled inline")
		c.eventHandler = reconcile.NewHandler(engine, nil)
		return c, nil
	}

	rc := cfg.Reconcile
	if _, err := d.NATS.EnsureStream(ctx, rc.Stream, rc.Subject); err != nil {
		return nil, err
	}
	consumer, err := d.NATS.EnsureConsumer(ctx, rc.Stream, rc.Consumer, rc.Subject, rc.MaxDeliver, rc.AckWait)
	if err != nil {
		return nil, err
	}
	c.eventHandler = reconcile.NewHandler(engine, reconcile.NewPublisher(d.NATS.JetStream(), rc.Subject))

	source := reconcile.NewJetStreamSource(consumer, logger)
	pool := reconcile.NewPool(engine, rc.Workers, infra.Backoff{
		Attempts:  rc.MaxDeliver,
		BaseDelay: time.Second,
		MaxDelay:  rc.AckWait,
	}, logger)
	c.workers = append(c.workers, func(ctx context.Context) error {
		msgs := make(chan reconcile.Message, rc.Workers)
		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return source.Run(ctx, msgs) })
		g.Go(func() error { return pool.Run(ctx, msgs) })
		return g.Wait()
	})
	return c, nil
}
