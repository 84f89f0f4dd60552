package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/angelmondragon/keymarket-backend/pkg/enums"
)

// EnvPrefix is the envconfig namespace; tags below carry full variable names.
const EnvPrefix = "KEYMARKET"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv            = "KEYMARKET_APP_ENV"
	EnvPort              = "KEYMARKET_APP_PORT"
	EnvLogLevel          = "KEYMARKET_LOG_LEVEL"
	EnvDBDSN             = "KEYMARKET_DB_DSN"
	EnvDBHost            = "KEYMARKET_DB_HOST"
	EnvDBUser            = "KEYMARKET_DB_USER"
	EnvDBName            = "KEYMARKET_DB_NAME"
	EnvRedisURL          = "KEYMARKET_REDIS_URL"
	EnvJWTSecret         = "KEYMARKET_JWT_SECRET"
	EnvJWTIssuer         = "KEYMARKET_JWT_ISSUER"
	EnvJWTExpMins        = "KEYMARKET_JWT_EXPIRATION_MINUTES"
	EnvPaymentTimeout    = "KEYMARKET_CHECKOUT_PAYMENT_TIMEOUT"
	EnvCartLockTimeout   = "KEYMARKET_CHECKOUT_CART_LOCK_TIMEOUT"
	EnvCheckoutCurrency  = "KEYMARKET_CHECKOUT_CURRENCY"
	EnvGatewayProvider   = "KEYMARKET_GATEWAY_PROVIDER"
	EnvOrderRefKey       = "KEYMARKET_ORDER_REF_KEY"
	EnvWebhookSecret     = "KEYMARKET_WEBHOOK_SECRET"
	EnvSquareAccessToken = "KEYMARKET_SQUARE_ACCESS_TOKEN"
	EnvSquareLocationID  = "KEYMARKET_SQUARE_LOCATION_ID"
	EnvGCPProjectID      = "KEYMARKET_GCP_PROJECT_ID"
	EnvPubSubDomainTopic = "KEYMARKET_PUBSUB_DOMAIN_TOPIC"
	EnvPubSubOrdersTopic = "KEYMARKET_PUBSUB_ORDERS_TOPIC"
	EnvPubSubAuditTopic  = "KEYMARKET_PUBSUB_AUDIT_TOPIC"
	EnvCronInterval      = "KEYMARKET_CRON_INTERVAL"
	EnvUseSQLite         = "KEYMARKET_USE_SQLITE"
	EnvAutoMigrate       = "KEYMARKET_AUTO_MIGRATE"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	JWT          JWTConfig
	Checkout     CheckoutConfig
	Gateway      GatewayConfig
	Square       SquareConfig
	Webhook      WebhookConfig
	Cron         CronConfig
	FeatureFlags FeatureFlagsConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Gateway.validate(cfg.Square); err != nil {
		return nil, err
	}
	currency, err := enums.ParseCurrency(cfg.Checkout.Currency)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", EnvCheckoutCurrency, err)
	}
	cfg.Checkout.Currency = currency.String()
	return &cfg, nil
}

type AppConfig struct {
	Env          string   `envconfig:"KEYMARKET_APP_ENV" required:"true"`
	Port         string   `envconfig:"KEYMARKET_APP_PORT" required:"true"`
	LogLevel     string   `envconfig:"KEYMARKET_LOG_LEVEL" default:"info"`
	LogWarnStack bool     `envconfig:"KEYMARKET_LOG_WARN_STACK" default:"false"`
	PublicURL    string   `envconfig:"KEYMARKET_PUBLIC_URL" default:"http://localhost:8080"`
	CORSOrigins  []string `envconfig:"KEYMARKET_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"KEYMARKET_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"KEYMARKET_DB_DSN"`
	Driver string `envconfig:"KEYMARKET_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"KEYMARKET_DB_HOST"`
	LegacyPort     int    `envconfig:"KEYMARKET_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"KEYMARKET_DB_USER"`
	LegacyPassword string `envconfig:"KEYMARKET_DB_PASSWORD"`
	LegacyName     string `envconfig:"KEYMARKET_DB_NAME"`
	LegacySSLMode  string `envconfig:"KEYMARKET_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"KEYMARKET_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"KEYMARKET_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"KEYMARKET_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"KEYMARKET_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"KEYMARKET_REDIS_URL" required:"true"`
	Address      string        `envconfig:"KEYMARKET_REDIS_ADDR"`
	Password     string        `envconfig:"KEYMARKET_REDIS_PASSWORD"`
	DB           int           `envconfig:"KEYMARKET_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"KEYMARKET_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"KEYMARKET_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"KEYMARKET_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"KEYMARKET_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"KEYMARKET_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string `envconfig:"KEYMARKET_JWT_SECRET" required:"true"`
	Issuer            string `envconfig:"KEYMARKET_JWT_ISSUER" required:"true"`
	ExpirationMinutes int    `envconfig:"KEYMARKET_JWT_EXPIRATION_MINUTES" required:"true"`
	CartTokenTTLHours int    `envconfig:"KEYMARKET_CART_TOKEN_TTL_HOURS" default:"168"`
}

// CartTokenTTL bounds anonymous cart tokens to the anonymous cart lifetime.
func (j JWTConfig) CartTokenTTL() time.Duration {
	if j.CartTokenTTLHours <= 0 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(j.CartTokenTTLHours) * time.Hour
}

// CheckoutConfig carries the windows that bound claims, reservations and attempts.
type CheckoutConfig struct {
	PaymentTimeout    time.Duration `envconfig:"KEYMARKET_CHECKOUT_PAYMENT_TIMEOUT" default:"5m"`
	CartLockTimeout   time.Duration `envconfig:"KEYMARKET_CHECKOUT_CART_LOCK_TIMEOUT" default:"5m"`
	RegisteredCartTTL time.Duration `envconfig:"KEYMARKET_CHECKOUT_REGISTERED_CART_TTL" default:"720h"`
	AnonymousCartTTL  time.Duration `envconfig:"KEYMARKET_CHECKOUT_ANONYMOUS_CART_TTL" default:"168h"`
	Currency          string        `envconfig:"KEYMARKET_CHECKOUT_CURRENCY" default:"USD"`
	DefaultReturnURL  string        `envconfig:"KEYMARKET_CHECKOUT_RETURN_URL" default:"http://localhost:3000/checkout/success"`
	DefaultCancelURL  string        `envconfig:"KEYMARKET_CHECKOUT_CANCEL_URL" default:"http://localhost:3000/checkout/cancel"`
	RateLimitPerMin   int           `envconfig:"KEYMARKET_CHECKOUT_RATE_LIMIT_PER_MIN" default:"10"`
	IdempotencyTTL    time.Duration `envconfig:"KEYMARKET_CHECKOUT_IDEMPOTENCY_TTL" default:"24h"`
}

const (
	GatewaySandbox = "sandbox"
	GatewaySquare  = "square"
)

type GatewayConfig struct {
	Provider        string        `envconfig:"KEYMARKET_GATEWAY_PROVIDER" default:"sandbox"`
	CallTimeout     time.Duration `envconfig:"KEYMARKET_GATEWAY_CALL_TIMEOUT" default:"8s"`
	BreakerFailures uint32        `envconfig:"KEYMARKET_GATEWAY_BREAKER_FAILURES" default:"5"`
	BreakerOpenFor  time.Duration `envconfig:"KEYMARKET_GATEWAY_BREAKER_OPEN_FOR" default:"30s"`
	SandboxBaseURL  string        `envconfig:"KEYMARKET_GATEWAY_SANDBOX_URL" default:"http://localhost:8080/sandbox/pay"`
	OrderRefKey     string        `envconfig:"KEYMARKET_ORDER_REF_KEY" required:"true"`
}

func (g GatewayConfig) validate(sq SquareConfig) error {
	switch strings.ToLower(strings.TrimSpace(g.Provider)) {
	case GatewaySandbox, "":
		return nil
	case GatewaySquare:
		if strings.TrimSpace(sq.AccessToken) == "" || strings.TrimSpace(sq.LocationID) == "" {
			return fmt.Errorf("%s and %s are required for the square gateway", EnvSquareAccessToken, EnvSquareLocationID)
		}
		return nil
	default:
		return fmt.Errorf("unsupported gateway provider %q", g.Provider)
	}
}

type SquareConfig struct {
	AccessToken string `envconfig:"KEYMARKET_SQUARE_ACCESS_TOKEN"`
	LocationID  string `envconfig:"KEYMARKET_SQUARE_LOCATION_ID"`
	Env         string `envconfig:"KEYMARKET_SQUARE_ENV" default:"sandbox"`
}

// Environment returns the normalized Square environment (sandbox/production).
func (s SquareConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "sandbox"
	}
	return env
}

type WebhookConfig struct {
	Secret         string        `envconfig:"KEYMARKET_WEBHOOK_SECRET" required:"true"`
	IdempotencyTTL time.Duration `envconfig:"KEYMARKET_WEBHOOK_IDEMPOTENCY_TTL" default:"168h"`
}

type CronConfig struct {
	Interval     time.Duration `envconfig:"KEYMARKET_CRON_INTERVAL" default:"1m"`
	LockKey      string        `envconfig:"KEYMARKET_CRON_LOCK_KEY" default:"km:cron:sweepers"`
	LockTTL      time.Duration `envconfig:"KEYMARKET_CRON_LOCK_TTL" default:"55s"`
	BatchSize    int           `envconfig:"KEYMARKET_CRON_BATCH_SIZE" default:"200"`
	PaymentGrace time.Duration `envconfig:"KEYMARKET_CRON_PAYMENT_GRACE" default:"10m"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"KEYMARKET_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"KEYMARKET_AUTO_MIGRATE" default:"false"`
}

type GCPConfig struct {
	ProjectID       string `envconfig:"KEYMARKET_GCP_PROJECT_ID"`
	CredentialsFile string `envconfig:"KEYMARKET_GOOGLE_APPLICATION_CREDENTIALS"`
	PubSubEndpoint  string `envconfig:"KEYMARKET_PUBSUB_ENDPOINT"`
}

type PubSubConfig struct {
	DomainTopic string `envconfig:"KEYMARKET_PUBSUB_DOMAIN_TOPIC" default:"km-domain-events"`
	OrdersTopic string `envconfig:"KEYMARKET_PUBSUB_ORDERS_TOPIC" default:"km-order-events"`
	AuditTopic  string `envconfig:"KEYMARKET_PUBSUB_AUDIT_TOPIC" default:"km-audit-events"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"KEYMARKET_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"KEYMARKET_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"KEYMARKET_OUTBOX_MAX_ATTEMPTS" default:"10"`

	Retention time.Duration `envconfig:"KEYMARKET_OUTBOX_RETENTION" default:"720h"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}
	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
