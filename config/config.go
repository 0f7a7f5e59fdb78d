package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTPAddr string

	DB       DBConfig
	Kafka    KafkaConfig
	Redis    RedisConfig
	Catalog  CatalogConfig
	Gateway  GatewayConfig
	Webhook  WebhookConfig
	Auth     AuthConfig
	Payment  PaymentConfig
	Tracing  TracingConfig
	LogLevel string
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.Name)
}

type KafkaConfig struct {
	Brokers             []string
	Topic               string
	ReconciliationTopic string
	ConsumerGroup       string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

type CatalogConfig struct {
	Address  string
	CacheTTL time.Duration
}

type GatewayConfig struct {
	BaseURL   string
	APISecret string
	StoreID   string
	Timeout   time.Duration
}

type WebhookConfig struct {
	Secret    string
	Tolerance time.Duration
}

type AuthConfig struct {
	JWTSecret string
}

type PaymentConfig struct {
	Currency             string
	RefundPendingTimeout time.Duration
}

type TracingConfig struct {
	JaegerEndpoint string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8082")
	v.SetDefault("log.level", "info")

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "postgres")
	v.SetDefault("db.name", "orderdb")

	v.SetDefault("kafka.broker", "localhost:9092")
	v.SetDefault("kafka.topic", "order_events")
	v.SetDefault("kafka.reconciliation_topic", "payment_reconciliation")
	v.SetDefault("kafka.consumer_group", "order-service-reconciliation")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")

	v.SetDefault("product_service.grpc", "localhost:50052")
	v.SetDefault("catalog.cache_ttl", 10*time.Minute)

	v.SetDefault("gateway.base_url", "https://api.portone.io")
	v.SetDefault("gateway.api_secret", "")
	v.SetDefault("gateway.store_id", "")
	v.SetDefault("gateway.timeout", 10*time.Second)

	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.tolerance", 5*time.Minute)

	v.SetDefault("auth.jwt_secret", "your-secret-key-change-in-production")

	v.SetDefault("payment.currency", "KRW")
	v.SetDefault("refund.pending_timeout", 15*time.Minute)

	v.SetDefault("tracing.jaeger_endpoint", "http://localhost:14268/api/traces")
}

// Load reads defaults, an optional config file and the environment, in that
// order of increasing precedence. Environment keys are the upper-cased config
// keys with dots replaced by underscores (db.host -> DB_HOST).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		HTTPAddr: v.GetString("http.addr"),
		LogLevel: v.GetString("log.level"),
		DB: DBConfig{
			Host:     v.GetString("db.host"),
			Port:     v.GetString("db.port"),
			User:     v.GetString("db.user"),
			Password: v.GetString("db.password"),
			Name:     v.GetString("db.name"),
		},
		Kafka: KafkaConfig{
			Brokers:             splitList(v.GetString("kafka.broker")),
			Topic:               v.GetString("kafka.topic"),
			ReconciliationTopic: v.GetString("kafka.reconciliation_topic"),
			ConsumerGroup:       v.GetString("kafka.consumer_group"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetString("redis.port"),
			Password: v.GetString("redis.password"),
		},
		Catalog: CatalogConfig{
			Address:  v.GetString("product_service.grpc"),
			CacheTTL: v.GetDuration("catalog.cache_ttl"),
		},
		Gateway: GatewayConfig{
			BaseURL:   strings.TrimRight(v.GetString("gateway.base_url"), "/"),
			APISecret: v.GetString("gateway.api_secret"),
			StoreID:   v.GetString("gateway.store_id"),
			Timeout:   v.GetDuration("gateway.timeout"),
		},
		Webhook: WebhookConfig{
			Secret:    v.GetString("webhook.secret"),
			Tolerance: v.GetDuration("webhook.tolerance"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("auth.jwt_secret"),
		},
		Payment: PaymentConfig{
			Currency:             strings.ToUpper(v.GetString("payment.currency")),
			RefundPendingTimeout: v.GetDuration("refund.pending_timeout"),
		},
		Tracing: TracingConfig{
			JaegerEndpoint: v.GetString("tracing.jaeger_endpoint"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Gateway.Timeout <= 0 {
		return fmt.Errorf("gateway.timeout must be positive, got %s", c.Gateway.Timeout)
	}
	if c.Webhook.Tolerance <= 0 {
		return fmt.Errorf("webhook.tolerance must be positive, got %s", c.Webhook.Tolerance)
	}
	if c.Payment.Currency == "" {
		return fmt.Errorf("payment.currency is required")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.broker is required")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
