// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const callbackPath = "/payments/callback"

// Config is the API process configuration. Every field maps to one
// environment variable named by its mapstructure tag.
type Config struct {
	Env  string `mapstructure:"APP_ENV" validate:"required"`
	Port string `mapstructure:"PORT" validate:"required,numeric"`

	JWTSecret string `mapstructure:"JWT_SECRET" validate:"required,min=16"`

	MpesaBaseURL         string        `mapstructure:"MPESA_BASE_URL" validate:"required,url"`
	MpesaConsumerKey     string        `mapstructure:"MPESA_CONSUMER_KEY" validate:"required"`
	MpesaConsumerSecret  string        `mapstructure:"MPESA_CONSUMER_SECRET" validate:"required"`
	MpesaShortCode       string        `mapstructure:"MPESA_SHORTCODE" validate:"required,numeric"`
	MpesaPasskey         string        `mapstructure:"MPESA_PASSKEY" validate:"required"`
	MpesaCallbackBaseURL string        `mapstructure:"MPESA_CALLBACK_BASE_URL" validate:"required,url"`
	MpesaTimeout         time.Duration `mapstructure:"MPESA_TIMEOUT" validate:"gt=0"`
	MpesaRateLimit       float64       `mapstructure:"MPESA_RATE_LIMIT" validate:"gt=0"`
	MpesaRateBurst       int           `mapstructure:"MPESA_RATE_BURST" validate:"gte=1"`

	OrdersTable      string `mapstructure:"ORDERS_TABLE" validate:"required"`
	CartsTable       string `mapstructure:"CARTS_TABLE" validate:"required"`
	ProductsTable    string `mapstructure:"PRODUCTS_TABLE" validate:"required"`
	IdempotencyTable string `mapstructure:"IDEMPOTENCY_TABLE" validate:"required"`

	OrderEventsQueueURL string        `mapstructure:"ORDER_EVENTS_QUEUE_URL" validate:"omitempty,url"`
	IdempotencyTTL      time.Duration `mapstructure:"IDEMPOTENCY_TTL" validate:"gt=0"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB" validate:"gte=0"`
}

// WorkerConfig is the order-events worker configuration.
type WorkerConfig struct {
	Env              string `mapstructure:"APP_ENV" validate:"required"`
	MetricsNamespace string `mapstructure:"METRICS_NAMESPACE" validate:"required"`
}

// IsProduction reports whether internal error details must be hidden.
func (c *Config) IsProduction() bool {
	return c.Env != "dev" && c.Env != "qa" && c.Env != "test"
}

// CallbackURL is the absolute URL the gateway posts payment results to.
func (c *Config) CallbackURL() string {
	return strings.TrimRight(c.MpesaCallbackBaseURL, "/") + callbackPath
}

// Load reads Config from the environment, applying defaults for optional values.
func Load(logger *zap.Logger) (*Config, error) {
	v := viper.New()
	v.SetDefault("APP_ENV", "prod")
	v.SetDefault("PORT", "8080")
	v.SetDefault("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke")
	v.SetDefault("MPESA_TIMEOUT", "10s")
	v.SetDefault("MPESA_RATE_LIMIT", 5)
	v.SetDefault("MPESA_RATE_BURST", 5)
	v.SetDefault("IDEMPOTENCY_TTL", "48h")
	v.SetDefault("REDIS_DB", 0)

	cfg := &Config{}
	if err := load(v, cfg); err != nil {
		return nil, err
	}

	logger.Info("configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("port", cfg.Port),
		zap.String("mpesa_base_url", cfg.MpesaBaseURL),
		zap.Bool("redis_enabled", cfg.RedisAddr != ""),
		zap.Bool("events_enabled", cfg.OrderEventsQueueURL != ""),
	)
	return cfg, nil
}

// LoadWorker reads WorkerConfig from the environment.
func LoadWorker() (*WorkerConfig, error) {
	v := viper.New()
	v.SetDefault("APP_ENV", "prod")
	v.SetDefault("METRICS_NAMESPACE", "SwiftMart/Orders")

	cfg := &WorkerConfig{}
	if err := load(v, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(v *viper.Viper, out any) error {
	v.AutomaticEnv()
	if err := readConfigFile(v); err != nil {
		return err
	}
	if err := bindEnvs(v, out); err != nil {
		return fmt.Errorf("bind env: %w", err)
	}
	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return validateConfig(out)
}

// readConfigFile merges an optional config.<APP_ENV>.yaml from . or ./configs.
// Environment variables still take precedence over file values.
func readConfigFile(v *viper.Viper) error {
	v.SetConfigName("config." + v.GetString("APP_ENV"))
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

// bindEnvs registers every mapstructure tag so Unmarshal sees env-only keys.
func bindEnvs(v *viper.Viper, cfg any) error {
	t := reflect.TypeOf(cfg).Elem()
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("mapstructure")
		if tag == "" {
			continue
		}
		if err := v.BindEnv(tag); err != nil {
			return err
		}
	}
	return nil
}

func validateConfig(cfg any) error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return fld.Tag.Get("mapstructure")
	})

	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	sort.Strings(problems)
	return fmt.Errorf("missing or invalid configuration: %s", strings.Join(problems, ", "))
}
