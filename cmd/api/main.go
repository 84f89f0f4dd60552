package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/angelmondragon/keymarket-backend/api/controllers"
	"github.com/angelmondragon/keymarket-backend/api/routes"
	"github.com/angelmondragon/keymarket-backend/internal/cart"
	"github.com/angelmondragon/keymarket-backend/internal/checkout"
	"github.com/angelmondragon/keymarket-backend/internal/gateway"
	"github.com/angelmondragon/keymarket-backend/internal/inventory"
	"github.com/angelmondragon/keymarket-backend/internal/orders"
	"github.com/angelmondragon/keymarket-backend/internal/payments"
	product "github.com/angelmondragon/keymarket-backend/internal/products"
	paymentwebhook "github.com/angelmondragon/keymarket-backend/internal/webhooks/payment"
	"github.com/angelmondragon/keymarket-backend/pkg/config"
	"github.com/angelmondragon/keymarket-backend/pkg/db"
	"github.com/angelmondragon/keymarket-backend/pkg/idempotency"
	"github.com/angelmondragon/keymarket-backend/pkg/logger"
	"github.com/angelmondragon/keymarket-backend/pkg/metrics"
	"github.com/angelmondragon/keymarket-backend/pkg/migrate"
	"github.com/angelmondragon/keymarket-backend/pkg/orderref"
	"github.com/angelmondragon/keymarket-backend/pkg/outbox"
	"github.com/angelmondragon/keymarket-backend/pkg/redis"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "api"

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	checkoutMetrics := metrics.NewCheckoutMetrics(registry)

	deps, err := buildServices(context.Background(), cfg, logg, dbClient, redisClient, checkoutMetrics)
	if err != nil {
		logg.Error(context.Background(), "failed to wire services", err)
		os.Exit(1)
	}
	deps.Pingers = map[string]controllers.Pinger{"db": dbClient, "redis": redisClient}
	deps.Idempotency = redisClient
	deps.Limiter = redisClient
	deps.Gatherer = registry
	deps.HTTPMetrics = metrics.NewHTTPMetrics(registry)

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":     cfg.App.Env,
		"addr":    addr,
		"gateway": cfg.Gateway.Provider,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:              addr,
		Handler:           routes.NewRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "api server shutdown failed", err)
		}
		logg.Info(ctx, "api server shut down gracefully")
	}
}

func buildServices(ctx context.Context, cfg *config.Config, logg *logger.Logger, dbClient *db.Client, redisClient *redis.Client, m *metrics.CheckoutMetrics) (routes.Deps, error) {
	refs, err := orderref.NewCodec(cfg.Gateway.OrderRefKey)
	if err != nil {
		return routes.Deps{}, err
	}
	gw, err := gateway.New(ctx, cfg, refs, logg)
	if err != nil {
		return routes.Deps{}, err
	}

	conn := dbClient.DB()
	emitter := outbox.NewService(outbox.NewRepository(conn), logg)
	stock := inventory.NewStore(conn)
	catalog := product.NewRepository(conn)
	cartRepo := cart.NewRepository(conn)
	orderRepo := orders.NewRepository(conn)

	machine, err := cart.NewStateMachine(cart.MachineParams{
		Repo:    cartRepo,
		DB:      dbClient,
		Outbox:  emitter,
		Logger:  logg,
		Metrics: m,
		Policy:  cart.PolicyFromConfig(cfg.Checkout),
	})
	if err != nil {
		return routes.Deps{}, err
	}
	carts, err := cart.NewService(cartRepo, dbClient, machine, catalog)
	if err != nil {
		return routes.Deps{}, err
	}

	paymentSvc, err := payments.NewService(payments.ServiceParams{
		Repo:      payments.NewRepository(conn),
		DB:        dbClient,
		Gateway:   gw,
		Inventory: stock,
		Refs:      refs,
		Outbox:    emitter,
		Logger:    logg,
		Metrics:   m,
		Config:    cfg.Checkout,
	})
	if err != nil {
		return routes.Deps{}, err
	}

	checkoutSvc, err := checkout.NewService(checkout.ServiceParams{
		DB:        dbClient,
		Carts:     cartRepo,
		Machine:   machine,
		Catalog:   catalog,
		Orders:    orderRepo,
		Inventory: stock,
		Payments:  paymentSvc,
		Outbox:    emitter,
		Logger:    logg,
		Metrics:   m,
		Config:    cfg.Checkout,
	})
	if err != nil {
		return routes.Deps{}, err
	}

	orderSvc, err := orders.NewService(orders.ServiceParams{
		Repo:      orderRepo,
		DB:        dbClient,
		Payments:  paymentSvc,
		Inventory: stock,
		Outbox:    emitter,
		Logger:    logg,
	})
	if err != nil {
		return routes.Deps{}, err
	}

	guard, err := idempotency.NewGuard(redisClient, cfg.Webhook.IdempotencyTTL)
	if err != nil {
		return routes.Deps{}, err
	}
	webhookSvc, err := paymentwebhook.NewService(paymentwebhook.ServiceParams{
		Payments: paymentSvc,
		Guard:    guard,
		Secret:   cfg.Webhook.Secret,
		Logger:   logg,
		Metrics:  m,
	})
	if err != nil {
		return routes.Deps{}, err
	}

	return routes.Deps{
		Config:   cfg,
		Logger:   logg,
		Carts:    carts,
		Checkout: checkoutSvc,
		Orders:   orderSvc,
		Reviews:  paymentSvc,
		Webhooks: webhookSvc,
	}, nil
}
