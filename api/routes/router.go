package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/keymarket-backend/api/controllers"
	cartcontrollers "github.com/angelmondragon/keymarket-backend/api/controllers/cart"
	checkoutcontrollers "github.com/angelmondragon/keymarket-backend/api/controllers/checkout"
	ordercontrollers "github.com/angelmondragon/keymarket-backend/api/controllers/orders"
	webhookcontrollers "github.com/angelmondragon/keymarket-backend/api/controllers/webhooks"
	"github.com/angelmondragon/keymarket-backend/api/middleware"
	"github.com/angelmondragon/keymarket-backend/internal/cart"
	checkoutsvc "github.com/angelmondragon/keymarket-backend/internal/checkout"
	"github.com/angelmondragon/keymarket-backend/internal/orders"
	"github.com/angelmondragon/keymarket-backend/pkg/config"
	"github.com/angelmondragon/keymarket-backend/pkg/enums"
	"github.com/angelmondragon/keymarket-backend/pkg/logger"
	"github.com/angelmondragon/keymarket-backend/pkg/metrics"
	pkgredis "github.com/angelmondragon/keymarket-backend/pkg/redis"
)

// Deps are the services the HTTP surface is built from. Nil services make
// their endpoints answer 500; nil redis capabilities disable idempotency
// replay and rate limiting.
type Deps struct {
	Config      *config.Config
	Logger      *logger.Logger
	Pingers     map[string]controllers.Pinger
	Idempotency pkgredis.IdempotencyStore
	Limiter     pkgredis.RateLimiter
	Gatherer    prometheus.Gatherer
	HTTPMetrics *metrics.HTTPMetrics

	Carts    cart.Service
	Checkout checkoutsvc.Service
	Orders   orders.Service
	Reviews  ordercontrollers.ReviewResolver
	Webhooks webhookcontrollers.PaymentWebhookService
}

func NewRouter(d Deps) http.Handler {
	cfg, logg := d.Config, d.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg, d.HTTPMetrics),
		middleware.CORS(cfg.App.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, d.Pingers, logg))
	})
	if d.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/payments", webhookcontrollers.PaymentWebhook(d.Webhooks, logg))
	})

	idempotent := middleware.Idempotency(d.Idempotency, cfg.Checkout.IdempotencyTTL, logg)
	checkoutLimit := middleware.RateLimit(
		middleware.NewRateLimitPolicy("checkout", time.Minute, cfg.Checkout.RateLimitPerMin),
		d.Limiter,
		logg,
	)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Shopper(cfg.JWT, logg))

			r.Route("/cart", func(r chi.Router) {
				r.Get("/", cartcontrollers.Get(d.Carts, logg))
				r.Put("/items", cartcontrollers.SetItem(d.Carts, cfg.JWT, logg))
				r.Delete("/", cartcontrollers.Clear(d.Carts, logg))
				r.Post("/token", cartcontrollers.Token(cfg.JWT, logg))
			})
			r.With(checkoutLimit, idempotent).Post("/checkout", checkoutcontrollers.Checkout(d.Checkout, logg))
			r.Route("/orders", func(r chi.Router) {
				r.Get("/", ordercontrollers.List(d.Orders, logg))
				r.Get("/{orderId}", ordercontrollers.Get(d.Orders, logg))
			})
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWT, logg))
			r.Use(middleware.RequireRole(enums.RoleAdmin, logg))

			r.Get("/orders", ordercontrollers.AdminList(d.Orders, logg))
			r.Get("/orders/{orderId}", ordercontrollers.AdminGet(d.Orders, logg))
			r.With(idempotent).Patch("/orders/{orderId}/status", ordercontrollers.OverrideStatus(d.Orders, logg))
			r.With(idempotent).Patch("/payments/{paymentId}/review", ordercontrollers.ResolveReview(d.Reviews, logg))
		})
	})

	return r
}
