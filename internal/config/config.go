/**
 * @description
 * This package handles the configuration management for the fulfillment service.
 * It uses the Viper library to read settings from environment variables or an
 * optional local .env file. Configuration is loaded once at process start.
 *
 * @dependencies
 * - github.com/spf13/viper: A powerful configuration library for Go applications.
 */
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supported idempotency backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`

	StripeWebhookSecret     string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	WebhookToleranceSeconds int    `mapstructure:"WEBHOOK_TOLERANCE_SECONDS"`

	DatabaseURL        string `mapstructure:"DATABASE_URL"`
	IdempotencyBackend string `mapstructure:"IDEMPOTENCY_BACKEND"`
	RedisURL           string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix     string `mapstructure:"REDIS_KEY_PREFIX"`
	ClaimStaleSeconds  int    `mapstructure:"CLAIM_STALE_SECONDS"`
	ClaimRetentionHrs  int    `mapstructure:"CLAIM_RETENTION_HOURS"`
	CartRetentionHrs   int    `mapstructure:"CART_RETENTION_HOURS"`

	EmailHost      string `mapstructure:"EMAIL_HOST"`
	EmailPort      int    `mapstructure:"EMAIL_PORT"`
	EmailUser      string `mapstructure:"EMAIL_USER"`
	EmailPass      string `mapstructure:"EMAIL_PASS"`
	EmailTLSPolicy string `mapstructure:"EMAIL_TLS_POLICY"`

	MailFromAddress          string `mapstructure:"MAIL_FROM_ADDRESS"`
	MailFromName             string `mapstructure:"MAIL_FROM_NAME"`
	MerchantNotificationAddr string `mapstructure:"MERCHANT_NOTIFICATION_ADDRESS"`
	StoreName                string `mapstructure:"STORE_NAME"`
	CurrencySymbol           string `mapstructure:"CURRENCY_SYMBOL"`

	MailSendTimeoutSeconds    int   `mapstructure:"MAIL_SEND_TIMEOUT_SECONDS"`
	NotifyMaxAttempts         int   `mapstructure:"NOTIFY_MAX_ATTEMPTS"`
	NotifyStageTimeoutSeconds int   `mapstructure:"NOTIFY_STAGE_TIMEOUT_SECONDS"`
	AmountToleranceMinor      int64 `mapstructure:"AMOUNT_TOLERANCE_MINOR"`

	RabbitMQURL                  string `mapstructure:"RABBITMQ_URL"`
	NotificationRetryExchange    string `mapstructure:"NOTIFICATION_RETRY_EXCHANGE"`
	NotificationRetryQueue       string `mapstructure:"NOTIFICATION_RETRY_QUEUE"`
	NotificationRetryMaxAttempts int    `mapstructure:"NOTIFICATION_RETRY_MAX_ATTEMPTS"`

	RedriveSchedule string `mapstructure:"REDRIVE_SCHEDULE"`
	PurgeSchedule   string `mapstructure:"PURGE_SCHEDULE"`
}

// LoadConfig reads configuration from environment variables and an optional
// .env file found in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8081")
	viper.SetDefault("WEBHOOK_TOLERANCE_SECONDS", 300)
	viper.SetDefault("IDEMPOTENCY_BACKEND", BackendPostgres)
	viper.SetDefault("REDIS_KEY_PREFIX", "ecom:webhook_claim")
	viper.SetDefault("CLAIM_STALE_SECONDS", 120)
	viper.SetDefault("CLAIM_RETENTION_HOURS", 720)
	viper.SetDefault("CART_RETENTION_HOURS", 168)
	viper.SetDefault("EMAIL_PORT", 587)
	viper.SetDefault("EMAIL_TLS_POLICY", "opportunistic")
	viper.SetDefault("MAIL_FROM_NAME", "Nedifoods")
	viper.SetDefault("STORE_NAME", "Nedifoods")
	viper.SetDefault("CURRENCY_SYMBOL", "£")
	viper.SetDefault("MAIL_SEND_TIMEOUT_SECONDS", 10)
	viper.SetDefault("NOTIFY_MAX_ATTEMPTS", 3)
	viper.SetDefault("NOTIFY_STAGE_TIMEOUT_SECONDS", 30)
	viper.SetDefault("AMOUNT_TOLERANCE_MINOR", 0)
	viper.SetDefault("NOTIFICATION_RETRY_EXCHANGE", "ecom.events")
	viper.SetDefault("NOTIFICATION_RETRY_QUEUE", "fulfillment.notification_retry")
	viper.SetDefault("NOTIFICATION_RETRY_MAX_ATTEMPTS", 5)
	viper.SetDefault("REDRIVE_SCHEDULE", "@every 5m")
	viper.SetDefault("PURGE_SCHEDULE", "@daily")

	// Bind env vars explicitly so they appear in Unmarshal.
	for _, key := range []string{
		"SERVER_PORT", "STRIPE_WEBHOOK_SECRET", "WEBHOOK_TOLERANCE_SECONDS",
		"DATABASE_URL", "IDEMPOTENCY_BACKEND", "REDIS_KEY_PREFIX",
		"CLAIM_STALE_SECONDS", "CLAIM_RETENTION_HOURS", "CART_RETENTION_HOURS",
		"EMAIL_HOST", "EMAIL_PORT", "EMAIL_USER", "EMAIL_PASS", "EMAIL_TLS_POLICY",
		"MAIL_FROM_NAME", "MERCHANT_NOTIFICATION_ADDRESS",
		"STORE_NAME", "CURRENCY_SYMBOL", "MAIL_SEND_TIMEOUT_SECONDS",
		"NOTIFY_MAX_ATTEMPTS", "NOTIFY_STAGE_TIMEOUT_SECONDS", "AMOUNT_TOLERANCE_MINOR",
		"RABBITMQ_URL", "NOTIFICATION_RETRY_EXCHANGE", "NOTIFICATION_RETRY_QUEUE",
		"NOTIFICATION_RETRY_MAX_ATTEMPTS", "REDRIVE_SCHEDULE", "PURGE_SCHEDULE",
	} {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "FULFILLMENT_REDIS_URL")
	_ = viper.BindEnv("MAIL_FROM_ADDRESS", "MAIL_FROM_ADDRESS", "EMAIL_USER")

	// Read the config file if it exists.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.normalize()
	return
}

func (c *Config) normalize() {
	c.StripeWebhookSecret = strings.TrimSpace(c.StripeWebhookSecret)
	c.IdempotencyBackend = strings.ToLower(strings.TrimSpace(c.IdempotencyBackend))
	if c.IdempotencyBackend == "" {
		c.IdempotencyBackend = BackendPostgres
	}
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RedisKeyPrefix = strings.TrimSuffix(strings.TrimSpace(c.RedisKeyPrefix), ":")
	if c.RedisKeyPrefix == "" {
		c.RedisKeyPrefix = "ecom:webhook_claim"
	}
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)
	c.MerchantNotificationAddr = strings.TrimSpace(c.MerchantNotificationAddr)
	c.MailFromAddress = strings.TrimSpace(c.MailFromAddress)

	if c.WebhookToleranceSeconds < 0 {
		c.WebhookToleranceSeconds = 0
	}
	if c.ClaimStaleSeconds <= 0 {
		c.ClaimStaleSeconds = 120
	}
	if c.ClaimRetentionHrs <= 0 {
		c.ClaimRetentionHrs = 720
	}
	if c.CartRetentionHrs <= 0 {
		c.CartRetentionHrs = 168
	}
	if c.MailSendTimeoutSeconds <= 0 {
		c.MailSendTimeoutSeconds = 10
	}
	if c.NotifyMaxAttempts <= 0 {
		c.NotifyMaxAttempts = 3
	}
	if c.NotifyStageTimeoutSeconds <= 0 {
		c.NotifyStageTimeoutSeconds = 30
	}
	if c.AmountToleranceMinor < 0 {
		log.Printf("level=warn component=config msg=\"negative amount tolerance configured; coercing to zero\" tolerance=%d", c.AmountToleranceMinor)
		c.AmountToleranceMinor = 0
	}
	if c.NotificationRetryMaxAttempts <= 0 {
		c.NotificationRetryMaxAttempts = 5
	}
}

// Validate reports settings the service cannot start without.
func (c Config) Validate() error {
	var problems []error
	if c.StripeWebhookSecret == "" {
		problems = append(problems, errors.New("STRIPE_WEBHOOK_SECRET must be set"))
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		problems = append(problems, errors.New("DATABASE_URL must be set"))
	}
	if c.MerchantNotificationAddr == "" {
		problems = append(problems, errors.New("MERCHANT_NOTIFICATION_ADDRESS must be set"))
	}
	if c.MailFromAddress == "" {
		problems = append(problems, errors.New("MAIL_FROM_ADDRESS must be set"))
	}
	switch c.IdempotencyBackend {
	case BackendPostgres:
	case BackendRedis:
		if c.RedisURL == "" {
			problems = append(problems, errors.New("REDIS_URL must be set when IDEMPOTENCY_BACKEND=redis"))
		}
	default:
		problems = append(problems, fmt.Errorf("unsupported IDEMPOTENCY_BACKEND %q", c.IdempotencyBackend))
	}
	return errors.Join(problems...)
}

func (c Config) WebhookTolerance() time.Duration {
	return time.Duration(c.WebhookToleranceSeconds) * time.Second
}

func (c Config) ClaimStaleWindow() time.Duration {
	return time.Duration(c.ClaimStaleSeconds) * time.Second
}

func (c Config) ClaimRetention() time.Duration {
	return time.Duration(c.ClaimRetentionHrs) * time.Hour
}

func (c Config) CartRetention() time.Duration {
	return time.Duration(c.CartRetentionHrs) * time.Hour
}

func (c Config) MailSendTimeout() time.Duration {
	return time.Duration(c.MailSendTimeoutSeconds) * time.Second
}

func (c Config) NotifyStageTimeout() time.Duration {
	return time.Duration(c.NotifyStageTimeoutSeconds) * time.Second
}
