package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ServiceName string `yaml:"service_name"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`

	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	MySQLDSN      string `yaml:"mysql_dsn"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	Kafka          KafkaConfig        `yaml:"kafka"`
	Gateway        GatewayConfig      `yaml:"gateway"`
	Lock           LockConfig         `yaml:"lock"`
	Webhook        WebhookConfig      `yaml:"webhook"`
	Notification   NotificationConfig `yaml:"notification"`
	JaegerEndpoint string             `yaml:"jaeger_endpoint"`
}

type KafkaConfig struct {
	Brokers           []string `yaml:"brokers"`
	NotificationTopic string   `yaml:"notification_topic"`
	ReviewTopic       string   `yaml:"review_topic"`
	ReviewGroupID     string   `yaml:"review_group_id"`
}

type GatewayConfig struct {
	KeyID           string        `yaml:"key_id"`
	KeySecret       string        `yaml:"key_secret"`
	WebhookSecret   string        `yaml:"webhook_secret"`
	BaseURL         string        `yaml:"base_url"`
	DefaultCurrency string        `yaml:"default_currency"`
	Timeout         time.Duration `yaml:"timeout"`
}

type LockConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	CounterTTL time.Duration `yaml:"counter_ttl"`
}

type WebhookConfig struct {
	MaxRetries           int             `yaml:"max_retries"`
	RetryBackoff         []time.Duration `yaml:"retry_backoff"`
	InlineRetry          bool            `yaml:"inline_retry"`
	RetryPollInterval    time.Duration   `yaml:"retry_poll_interval"`
	PendingSweepInterval time.Duration   `yaml:"pending_sweep_interval"`
}

type NotificationConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

func Default() *Config {
	return &Config{
		ServiceName: "travel-booking",
		Environment: "development",
		LogLevel:    "info",
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MySQLDSN:    "root:root@tcp(localhost:3306)/travel?parseTime=true",
		RedisAddr:   "localhost:6379",
		Kafka: KafkaConfig{
			Brokers:           []string{"localhost:9092"},
			NotificationTopic: "booking-notifications",
			ReviewTopic:       "webhook-review",
			ReviewGroupID:     "webhook-review-logger",
		},
		Gateway: GatewayConfig{
			BaseURL:         "https://api.razorpay.com/v1",
			DefaultCurrency: "INR",
			Timeout:         10 * time.Second,
		},
		Lock: LockConfig{
			TTL: 30 * time.Minute,
		},
		Webhook: WebhookConfig{
			MaxRetries:           3,
			RetryBackoff:         []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
			RetryPollInterval:    time.Second,
			PendingSweepInterval: time.Minute,
		},
		Notification: NotificationConfig{
			MaxAttempts: 3,
			Backoff:     500 * time.Millisecond,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment, in increasing order of precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config file %s", path)
		}
	}

	cfg.applyEnv()

	if cfg.Lock.CounterTTL < cfg.Lock.TTL {
		cfg.Lock.CounterTTL = cfg.Lock.TTL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)
	c.Environment = getEnv("ENVIRONMENT", c.Environment)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = getEnv("GRPC_ADDR", c.GRPCAddr)

	c.MySQLDSN = getEnv("MYSQL_DSN", c.MySQLDSN)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getEnvAsInt("REDIS_DB", c.RedisDB)

	c.Kafka.Brokers = getEnvAsStringSlice("KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.NotificationTopic = getEnv("NOTIFICATION_TOPIC", c.Kafka.NotificationTopic)
	c.Kafka.ReviewTopic = getEnv("REVIEW_TOPIC", c.Kafka.ReviewTopic)
	c.Kafka.ReviewGroupID = getEnv("REVIEW_GROUP_ID", c.Kafka.ReviewGroupID)

	c.Gateway.KeyID = getEnv("RAZORPAY_KEY_ID", c.Gateway.KeyID)
	c.Gateway.KeySecret = getEnv("RAZORPAY_KEY_SECRET", c.Gateway.KeySecret)
	c.Gateway.WebhookSecret = getEnv("RAZORPAY_WEBHOOK_SECRET", c.Gateway.WebhookSecret)
	c.Gateway.BaseURL = getEnv("RAZORPAY_BASE_URL", c.Gateway.BaseURL)
	c.Gateway.DefaultCurrency = getEnv("DEFAULT_CURRENCY", c.Gateway.DefaultCurrency)
	c.Gateway.Timeout = getEnvAsDuration("RAZORPAY_TIMEOUT", c.Gateway.Timeout)

	c.Lock.TTL = getEnvAsDuration("LOCK_TTL", c.Lock.TTL)
	c.Lock.CounterTTL = getEnvAsDuration("COUNTER_TTL", c.Lock.CounterTTL)

	c.Webhook.MaxRetries = getEnvAsInt("WEBHOOK_MAX_RETRIES", c.Webhook.MaxRetries)
	c.Webhook.RetryBackoff = getEnvAsDurationSlice("WEBHOOK_RETRY_BACKOFF", c.Webhook.RetryBackoff)
	c.Webhook.InlineRetry = getEnvAsBool("WEBHOOK_INLINE_RETRY", c.Webhook.InlineRetry)
	c.Webhook.RetryPollInterval = getEnvAsDuration("RETRY_POLL_INTERVAL", c.Webhook.RetryPollInterval)
	c.Webhook.PendingSweepInterval = getEnvAsDuration("PENDING_SWEEP_INTERVAL", c.Webhook.PendingSweepInterval)

	c.Notification.MaxAttempts = getEnvAsInt("NOTIFY_MAX_ATTEMPTS", c.Notification.MaxAttempts)
	c.Notification.Backoff = getEnvAsDuration("NOTIFY_BACKOFF", c.Notification.Backoff)

	c.JaegerEndpoint = getEnv("JAEGER_ENDPOINT", c.JaegerEndpoint)
}

func (c *Config) Validate() error {
	switch {
	case c.Gateway.WebhookSecret == "":
		return errors.New("RAZORPAY_WEBHOOK_SECRET is required")
	case c.Gateway.KeyID == "" || c.Gateway.KeySecret == "":
		return errors.New("RAZORPAY_KEY_ID and RAZORPAY_KEY_SECRET are required")
	case c.Lock.TTL <= 0:
		return errors.New("LOCK_TTL must be positive")
	case c.Webhook.MaxRetries < 0:
		return errors.New("WEBHOOK_MAX_RETRIES must not be negative")
	case len(c.Webhook.RetryBackoff) == 0:
		return errors.New("WEBHOOK_RETRY_BACKOFF must list at least one delay")
	case c.Notification.MaxAttempts < 1:
		return errors.New("NOTIFY_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	value := getEnv(key, "")
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsDurationSlice(key string, defaultValue []time.Duration) []time.Duration {
	parts := getEnvAsStringSlice(key, nil)
	if len(parts) == 0 {
		return defaultValue
	}
	out := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		d, err := time.ParseDuration(part)
		if err != nil {
			return defaultValue
		}
		out = append(out, d)
	}
	return out
}
