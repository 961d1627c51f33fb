// walletctl runs operator tasks against the wallet database: schema
// migrations, projection drift checks, event review and bootstrap of
// admin API keys.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/congo-pay/paywallet/internal/apikey"
	"github.com/congo-pay/paywallet/internal/auth"
	"github.com/congo-pay/paywallet/internal/config"
	"github.com/congo-pay/paywallet/internal/infra"
	"github.com/congo-pay/paywallet/internal/ledger"
	"github.com/congo-pay/paywallet/internal/logging"
	"github.com/congo-pay/paywallet/internal/projector"
	"github.com/congo-pay/paywallet/internal/reconcile"
)

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			printUsage()
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `walletctl: operator tasks for the wallet ledger.

Usage:
  walletctl migrate [--status]
  walletctl verify --wallet ID [--wallet ID ...]
  walletctl events [--status rejected] [--limit 100]
  walletctl issue-key --account ID --name NAME [--scope admin ...] [--expiry 1Y]

Configuration is read from the environment (DATABASE_URL, REDIS_URL, ...).
`)
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "help", "-h", "--help":
		return errUsage
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	switch args[0] {
	case "migrate":
		return runMigrate(cfg, args[1:], out)
	case "verify":
		return runVerify(ctx, cfg, args[1:], out)
	case "events":
		return runEvents(ctx, cfg, args[1:], out)
	case "issue-key":
		return runIssueKey(ctx, cfg, args[1:], out)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func parse(name string, args []string, define func(fs *pflag.FlagSet)) error {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	define(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return errUsage
		}
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected argument %q", errUsage, fs.Arg(0))
	}
	return nil
}

func runMigrate(cfg config.Config, args []string, out io.Writer) error {
	var statusOnly bool
	if err := parse("migrate", args, func(fs *pflag.FlagSet) {
		fs.BoolVar(&statusOnly, "status", false, "print the current schema version without migrating")
	}); err != nil {
		return err
	}
	if !statusOnly {
		if err := infra.Migrate(cfg.DatabaseURL); err != nil {
			return err
		}
	}
	version, dirty, err := infra.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "schema version %d (dirty=%t)\n", version, dirty)
	return nil
}

func runVerify(ctx context.Context, cfg config.Config, args []string, out io.Writer) error {
	var wallets []string
	if err := parse("verify", args, func(fs *pflag.FlagSet) {
		fs.StringSliceVar(&wallets, "wallet", nil, "wallet id to verify (repeatable)")
	}); err != nil {
		return err
	}
	if len(wallets) == 0 {
		return fmt.Errorf("%w: at least one --wallet is required", errUsage)
	}

	logger := logging.New(cfg.LogLevel)
	db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	store := ledger.NewPostgresStore(db, infra.DefaultBackoff(), logger)

	var cache projector.Cache
	if cfg.RedisURL != "" {
		rdb, err := infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		cache = projector.NewRedisCache(rdb)
	}
	proj := projector.New(store, cache, logger)

	drifted := 0
	enc := json.NewEncoder(out)
	for _, id := range wallets {
		d, err := proj.Verify(ctx, id)
		if err != nil {
			return fmt.Errorf("verify %s: %w", id, err)
		}
		if d.Mismatch {
			drifted++
		}
		if err := enc.Encode(d); err != nil {
			return err
		}
	}
	if drifted > 0 {
		return fmt.Errorf("%d wallet(s) drifted from the ledger", drifted)
	}
	return nil
}

func runEvents(ctx context.Context, cfg config.Config, args []string, out io.Writer) error {
	var (
		status string
		limit  int
	)
	if err := parse("events", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&status, "status", reconcile.StatusRejected, "event status to list")
		fs.IntVar(&limit, "limit", 100, "maximum events to print")
	}); err != nil {
		return err
	}

	db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	events, err := reconcile.NewPostgresEventStore(db).ListByStatus(ctx, status, limit)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}

// runIssueKey mints a key outside the API. It is the only way to obtain the
// admin scope, since bearer tokens never carry it.
func runIssueKey(ctx context.Context, cfg config.Config, args []string, out io.Writer) error {
	var (
		account string
		name    string
		scopes  []string
		expiry  string
	)
	if err := parse("issue-key", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&account, "account", "", "account the key belongs to")
		fs.StringVar(&name, "name", "", "key name")
		fs.StringSliceVar(&scopes, "scope", []string{string(auth.ScopeAdmin)}, "scope to grant (repeatable)")
		fs.StringVar(&expiry, "expiry", "1Y", "validity: 1H, 1D, 1M or 1Y")
	}); err != nil {
		return err
	}
	if account == "" {
		return fmt.Errorf("%w: --account is required", errUsage)
	}

	db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	svc := apikey.NewService(apikey.NewPostgresRepository(db), logging.New(cfg.LogLevel))
	issued, err := svc.Issue(ctx, apikey.IssueInput{
		Issuer: auth.Principal{AccountID: account, Scopes: []auth.Scope{auth.ScopeAdmin}},
		Name:   name,
		Scopes: scopes,
		Expiry: expiry,
	})
	if err != nil {
		return err
	}
	return json.NewEncoder(out).Encode(issued)
}
