// Command ledgerd runs the position ledger: the intent API, the execution
// engine and the broker reconciliation loop.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/position_ledger/internal/broker"
	"github.com/eddiefleurent/position_ledger/internal/config"
	"github.com/eddiefleurent/position_ledger/internal/contract"
	"github.com/eddiefleurent/position_ledger/internal/dashboard"
	"github.com/eddiefleurent/position_ledger/internal/dispatch"
	"github.com/eddiefleurent/position_ledger/internal/lock"
	"github.com/eddiefleurent/position_ledger/internal/mock"
	"github.com/eddiefleurent/position_ledger/internal/orders"
	"github.com/eddiefleurent/position_ledger/internal/reconcile"
	"github.com/eddiefleurent/position_ledger/internal/resolver"
	"github.com/eddiefleurent/position_ledger/internal/storage"
)

const shutdownTimeout = 15 * time.Second

func main() {
	var (
		configPath string
		once       bool
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.BoolVar(&once, "once", false, "Run a single reconciliation pass and exit")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, once); err != nil {
		logger.WithError(err).Error("Ledger daemon stopped with error")
		stop()
		os.Exit(1)
	}
	logger.Info("Ledger daemon stopped")
}

func newLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetLevel(cfg.LogLevel())
	if cfg.IsPaperTrading() {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

// app holds the wired components.
type app struct {
	store      *storage.Store
	broker     broker.Broker
	locks      lock.Manager
	memLocks   *lock.MemoryManager
	engine     *orders.Engine
	reconciler *reconcile.Reconciler
	dispatcher *dispatch.Dispatcher
	closers    []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger, once bool) error {
	logger.WithFields(logrus.Fields{
		"mode":     cfg.Environment.Mode,
		"provider": cfg.Broker.Provider,
		"storage":  cfg.Storage.Backend,
		"locks":    cfg.Locks.Backend,
	}).Info("Starting position ledger")
	if !cfg.IsPaperTrading() {
		logger.Warn("LIVE TRADING MODE - real orders will be placed")
	}

	a, err := build(ctx, cfg, logger)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			logger.Info("Shutdown requested during startup")
			return nil
		}
		return err
	}
	defer a.close()

	if once {
		report, err := a.reconciler.RunOnce(ctx)
		if report != nil {
			out, _ := json.MarshalIndent(report, "", "  ")
			fmt.Println(string(out))
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.reconciler.Run(gctx) })

	if a.memLocks != nil {
		g.Go(func() error { return a.memLocks.Run(gctx, cfg.SweepInterval()) })
	}

	if cfg.Server.Port > 0 {
		srv := dashboard.NewServer(dashboard.Config{
			Port:           cfg.Server.Port,
			AuthToken:      cfg.Server.AuthToken,
			RequestTimeout: cfg.RequestTimeout(),
		}, a.store, a.dispatcher, a.reconciler, logger)

		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// build wires config into the component graph.
func build(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{}
	contract.Symbols.Set(cfg.Symbols)

	persister, err := newPersister(ctx, cfg, a)
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = storage.NewStore(persister, logger)
	if err := a.store.Load(ctx); err != nil {
		a.close()
		return nil, err
	}

	a.broker = newBroker(cfg, logger)

	if err := newLocks(ctx, cfg, logger, a); err != nil {
		a.close()
		return nil, err
	}

	oc, err := cfg.OrdersConfig()
	if err != nil {
		a.close()
		return nil, err
	}
	rc, err := cfg.ReconcilerConfig()
	if err != nil {
		a.close()
		return nil, err
	}

	res := resolver.New(a.store, broker.QuoteOracle{Broker: a.broker}, cfg.Location(), logger)
	a.engine = orders.NewEngine(a.broker, a.store, logger, oc)
	a.reconciler = reconcile.NewReconciler(a.broker, a.store, a.locks, logger, rc)
	a.dispatcher = dispatch.New(res, a.engine, a.locks, logger, dispatch.Config{
		Heuristic:   cfg.Heuristic(),
		LockTimeout: cfg.LockTimeout(),
		MaxHold:     oc.MaxFlowDuration(),
	})
	return a, nil
}

func newPersister(ctx context.Context, cfg *config.Config, a *app) (storage.Persister, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		p := storage.NewPostgresPersister(pool)
		if err := p.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrating ledger schema: %w", err)
		}
		return p, nil
	default:
		p, err := storage.NewJSONPersister(cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// newBroker builds adapter -> rate limiter -> circuit breaker.
func newBroker(cfg *config.Config, logger *logrus.Logger) broker.Broker {
	limits := cfg.RateLimits()
	paper := cfg.IsPaperTrading()

	var base broker.Broker
	switch cfg.Broker.Provider {
	case "tradier":
		t := broker.NewTradierAPIWithBaseURL(cfg.Broker.APIKey, cfg.Broker.AccountID, paper, cfg.Broker.APIEndpoint, limits).
			WithTimeout(cfg.BrokerTimeout()).
			WithLogger(logger)
		limits = t.RateLimits()
		base = t
	case "alpaca":
		quotes := broker.NewTradierAPIWithBaseURL(cfg.Broker.QuotesKey, "", paper, "").
			WithTimeout(cfg.BrokerTimeout()).
			WithLogger(logger)
		base = broker.NewAlpacaBroker(cfg.Broker.APIKey, cfg.Broker.APISecret, cfg.Broker.APIEndpoint, quotes)
	default:
		logger.Warn("Using the in-process mock broker; quotes must be seeded before orders can fill")
		base = mock.NewBroker()
	}

	limited := broker.NewRateLimitedBroker(base, limits, cfg.Broker.RateLimits.Burst)
	return broker.NewCircuitBreakerBroker(limited, logger)
}

func newLocks(ctx context.Context, cfg *config.Config, logger *logrus.Logger, a *app) error {
	if cfg.Locks.Backend == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Locks.RedisAddr,
			Password: cfg.Locks.RedisPassword,
			DB:       cfg.Locks.RedisDB,
		})
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		a.locks = lock.NewRedisManager(rdb, cfg.Locks.Prefix)
		return nil
	}
	a.memLocks = lock.NewMemoryManager(logger)
	a.locks = a.memLocks
	return nil
}
