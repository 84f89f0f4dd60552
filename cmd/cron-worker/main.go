package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/keymarket-backend/internal/cart"
	"github.com/angelmondragon/keymarket-backend/internal/cron"
	"github.com/angelmondragon/keymarket-backend/internal/gateway"
	"github.com/angelmondragon/keymarket-backend/internal/inventory"
	"github.com/angelmondragon/keymarket-backend/internal/payments"
	"github.com/angelmondragon/keymarket-backend/pkg/config"
	"github.com/angelmondragon/keymarket-backend/pkg/db"
	"github.com/angelmondragon/keymarket-backend/pkg/logger"
	"github.com/angelmondragon/keymarket-backend/pkg/metrics"
	"github.com/angelmondragon/keymarket-backend/pkg/migrate"
	"github.com/angelmondragon/keymarket-backend/pkg/orderref"
	"github.com/angelmondragon/keymarket-backend/pkg/outbox"
	"github.com/angelmondragon/keymarket-backend/pkg/redis"
)

func main() {
	once := flag.Bool("once", false, "run every sweeper a single time and exit")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	registry, err := buildRegistry(context.Background(), cfg, logg, dbClient)
	if err != nil {
		logg.Error(context.Background(), "failed to build sweepers", err)
		os.Exit(1)
	}

	lock, err := cron.NewRedisLock(redisClient, cfg.Cron.LockKey, cfg.Cron.LockTTL)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"jobs":        registry.Names(),
	})

	if *once {
		logg.Info(ctx, "running sweepers once")
		if err := service.RunOnce(ctx); err != nil {
			logg.Error(ctx, "sweep failed", err)
			os.Exit(1)
		}
		return
	}

	logg.Info(ctx, "starting cron worker")
	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func buildRegistry(ctx context.Context, cfg *config.Config, logg *logger.Logger, dbClient *db.Client) (*cron.Registry, error) {
	conn := dbClient.DB()
	checkoutMetrics := metrics.NewCheckoutMetrics(prometheus.DefaultRegisterer)
	outboxRepo := outbox.NewRepository(conn)
	emitter := outbox.NewService(outboxRepo, logg)
	cartRepo := cart.NewRepository(conn)

	machine, err := cart.NewStateMachine(cart.MachineParams{
		Repo:    cartRepo,
		DB:      dbClient,
		Outbox:  emitter,
		Logger:  logg,
		Metrics: checkoutMetrics,
		Policy:  cart.PolicyFromConfig(cfg.Checkout),
	})
	if err != nil {
		return nil, err
	}

	refs, err := orderref.NewCodec(cfg.Gateway.OrderRefKey)
	if err != nil {
		return nil, err
	}
	gw, err := gateway.New(ctx, cfg, refs, logg)
	if err != nil {
		return nil, err
	}
	paymentSvc, err := payments.NewService(payments.ServiceParams{
		Repo:      payments.NewRepository(conn),
		DB:        dbClient,
		Gateway:   gw,
		Inventory: inventory.NewStore(conn),
		Refs:      refs,
		Outbox:    emitter,
		Logger:    logg,
		Metrics:   checkoutMetrics,
		Config:    cfg.Checkout,
	})
	if err != nil {
		return nil, err
	}

	cartJobs := cron.CartJobParams{
		Logger:    logg,
		Repo:      cartRepo,
		Machine:   machine,
		Metrics:   checkoutMetrics,
		BatchSize: cfg.Cron.BatchSize,
	}
	stuck, err := cron.NewStuckCartRecoveryJob(cartJobs)
	if err != nil {
		return nil, err
	}
	expiry, err := cron.NewCartExpiryJob(cartJobs)
	if err != nil {
		return nil, err
	}
	timeouts, err := cron.NewPaymentTimeoutJob(cron.PaymentTimeoutJobParams{
		Logger:    logg,
		Payments:  paymentSvc,
		Grace:     cfg.Cron.PaymentGrace,
		BatchSize: cfg.Cron.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:      logg,
		DB:          dbClient,
		Repository:  outboxRepo,
		Retention:   cfg.Outbox.Retention,
		MinAttempts: cfg.Outbox.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}

	return cron.NewRegistry(stuck, expiry, timeouts, retention), nil
}
