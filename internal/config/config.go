package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"billing-service/internal/pkg/jwt"

	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type AppConfig struct {
	// Server
	Env      string
	LogLevel string
	HTTPAddr string

	// Storage
	StoreDriver string
	DatabaseURL string
	RedisAddr   string
	RedisPass   string
	RedisDB     int

	// Providers
	Provider    ProviderConfig
	MercadoPago MercadoPagoConfig
	Stripe      StripeConfig

	Billing      BillingConfig
	Dunning      DunningConfig
	Notification NotificationConfig

	WebhookTimeout time.Duration

	// JWT for the admin API
	JWT jwt.Config
}

type ProviderConfig struct {
	Timeout    time.Duration
	MaxRetries int
}

type MercadoPagoConfig struct {
	BaseURL         string
	AccessToken     string
	WebhookSecret   string
	NotificationURL string
	BackURL         string
}

type StripeConfig struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

type BillingConfig struct {
	Currency            string
	DefaultIntervalDays int
	PlanIntervals       map[string]int
}

// IntervalDays returns the billing interval of a plan.
func (b BillingConfig) IntervalDays(planID string) int {
	if days, ok := b.PlanIntervals[planID]; ok && days > 0 {
		return days
	}
	return b.DefaultIntervalDays
}

type DunningConfig struct {
	Interval           time.Duration
	InitialDelay       time.Duration
	LockTTL            time.Duration
	SuspendMaxAttempts int
}

type NotificationConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Workers int
}

// Load reads configuration from the environment. Call godotenv first if a
// .env file should be honored.
func Load() (AppConfig, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	planIntervals, err := parsePlanIntervals(v.GetString("BILLING_PLAN_INTERVALS"))
	if err != nil {
		return AppConfig{}, err
	}

	cfg := AppConfig{
		Env:      v.GetString("APP_ENV"),
		LogLevel: v.GetString("LOG_LEVEL"),
		HTTPAddr: v.GetString("HTTP_ADDR"),

		StoreDriver: strings.ToLower(v.GetString("STORE_DRIVER")),
		DatabaseURL: v.GetString("DATABASE_URL"),
		RedisAddr:   v.GetString("REDIS_ADDR"),
		RedisPass:   v.GetString("REDIS_PASS"),
		RedisDB:     v.GetInt("REDIS_DB"),

		Provider: ProviderConfig{
			Timeout:    v.GetDuration("PROVIDER_TIMEOUT"),
			MaxRetries: v.GetInt("PROVIDER_MAX_RETRIES"),
		},
		MercadoPago: MercadoPagoConfig{
			BaseURL:         strings.TrimRight(v.GetString("MERCADOPAGO_BASE_URL"), "/"),
			AccessToken:     v.GetString("MERCADOPAGO_ACCESS_TOKEN"),
			WebhookSecret:   v.GetString("MERCADOPAGO_WEBHOOK_SECRET"),
			NotificationURL: v.GetString("MERCADOPAGO_NOTIFICATION_URL"),
			BackURL:         v.GetString("MERCADOPAGO_BACK_URL"),
		},
		Stripe: StripeConfig{
			BaseURL:       strings.TrimRight(v.GetString("STRIPE_BASE_URL"), "/"),
			SecretKey:     v.GetString("STRIPE_SECRET_KEY"),
			WebhookSecret: v.GetString("STRIPE_WEBHOOK_SECRET"),
			SuccessURL:    v.GetString("STRIPE_SUCCESS_URL"),
			CancelURL:     v.GetString("STRIPE_CANCEL_URL"),
		},

		Billing: BillingConfig{
			Currency:            strings.ToLower(v.GetString("BILLING_CURRENCY")),
			DefaultIntervalDays: v.GetInt("BILLING_PLAN_INTERVAL_DAYS"),
			PlanIntervals:       planIntervals,
		},
		Dunning: DunningConfig{
			Interval:           v.GetDuration("DUNNING_SWEEP_INTERVAL"),
			InitialDelay:       v.GetDuration("DUNNING_INITIAL_DELAY"),
			LockTTL:            v.GetDuration("DUNNING_LOCK_TTL"),
			SuspendMaxAttempts: v.GetInt("DUNNING_SUSPEND_MAX_ATTEMPTS"),
		},
		Notification: NotificationConfig{
			BaseURL: strings.TrimRight(v.GetString("NOTIFY_BASE_URL"), "/"),
			Token:   v.GetString("NOTIFY_TOKEN"),
			Timeout: v.GetDuration("NOTIFY_TIMEOUT"),
			Workers: v.GetInt("NOTIFY_WORKERS"),
		},

		WebhookTimeout: v.GetDuration("WEBHOOK_TIMEOUT"),

		JWT: jwt.Config{
			PubPath:  v.GetString("JWT_PUBLIC_KEY_PATH"),
			Issuer:   v.GetString("JWT_ISSUER"),
			Audience: v.GetString("JWT_AUDIENCE"),
		},
	}

	if err := validate(cfg); err != nil {
		return AppConfig{}, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_ENV", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_ADDR", ":8000")

	v.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("PROVIDER_TIMEOUT", 8*time.Second)
	v.SetDefault("PROVIDER_MAX_RETRIES", 2)
	v.SetDefault("MERCADOPAGO_BASE_URL", "https://api.mercadopago.com")
	v.SetDefault("STRIPE_BASE_URL", "https://api.stripe.com")

	v.SetDefault("BILLING_CURRENCY", "brl")
	v.SetDefault("BILLING_PLAN_INTERVAL_DAYS", 30)

	v.SetDefault("DUNNING_SWEEP_INTERVAL", 24*time.Hour)
	v.SetDefault("DUNNING_INITIAL_DELAY", time.Minute)
	v.SetDefault("DUNNING_LOCK_TTL", 30*time.Minute)
	v.SetDefault("DUNNING_SUSPEND_MAX_ATTEMPTS", 8)

	v.SetDefault("NOTIFY_TIMEOUT", 5*time.Second)
	v.SetDefault("NOTIFY_WORKERS", 4)

	v.SetDefault("WEBHOOK_TIMEOUT", 15*time.Second)

	v.SetDefault("JWT_PUBLIC_KEY_PATH", "/app/secrets/jwt_public.pem")
	v.SetDefault("JWT_ISSUER", "identity-service")
	v.SetDefault("JWT_AUDIENCE", "billing-admin")
}

func validate(cfg AppConfig) error {
	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=%s", StoreDriverPostgres)
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	if cfg.Billing.DefaultIntervalDays <= 0 {
		return fmt.Errorf("BILLING_PLAN_INTERVAL_DAYS must be positive")
	}
	if cfg.Provider.Timeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if cfg.Dunning.Interval <= 0 {
		return fmt.Errorf("DUNNING_SWEEP_INTERVAL must be positive")
	}

	return nil
}

// --- Helper functions ---

// parsePlanIntervals reads "plan_a=30,plan_b=365".
func parsePlanIntervals(raw string) (map[string]int, error) {
	out := make(map[string]int)
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		plan, days, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid BILLING_PLAN_INTERVALS entry %q", pair)
		}
		n, err := strconv.Atoi(strings.TrimSpace(days))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid interval for plan %q: %q", plan, days)
		}
		out[strings.TrimSpace(plan)] = n
	}

	return out, nil
}
