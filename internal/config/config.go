package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/Shijas786/p2p-kerala/libs/config"
	"github.com/spf13/viper"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type KafkaTopics struct {
	OrdersCreated     string
	OrdersCancelled   string
	OrdersExpired     string
	TradesStarted     string
	TradesPaymentSent string
	TradesCompleted   string
	TradesDisputed    string
	TradesResolved    string
	DeadLetter        string
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
}

type GatewayConfig struct {
	BaseURL     string
	BearerToken string
	Timeout     time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateConfig struct {
	OrdersPerWindow int
	TradesPerWindow int
	Window          time.Duration
}

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

type AdminConfig struct {
	APIKeyHash  string
	IPWhitelist string
}

type WalletConfig struct {
	MasterSeedHex string
	ChainPrefix   string
}

type TradeConfig struct {
	AutoReleaseTimeout time.Duration
	LockTimeoutSeconds int
	MinTradeAmount     string
}

type NotifierConfig struct {
	WebhookSecret  string
	WebhookTimeout time.Duration
	DLQMaxAttempts int
}

type SweepConfig struct {
	ExpireSchedule      string
	AutoReleaseSchedule string
	OrderTTL            time.Duration
}

type Config struct {
	App      base.AppConfig
	DB       DBConfig
	Kafka    KafkaConfig
	Gateway  GatewayConfig
	Redis    RedisConfig
	Rate     RateConfig
	Auth     AuthConfig
	Admin    AdminConfig
	Wallet   WalletConfig
	Trade    TradeConfig
	Notifier NotifierConfig
	Sweep    SweepConfig
}

func Load() (*Config, error) {
	appCfg, err := base.Load(os.Getenv("P2P_CONFIG"))
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("P2P")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := os.Getenv("P2P_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "p2p-notifier")
	v.SetDefault("kafka.topics.orders_created", "p2p.orders.created")
	v.SetDefault("kafka.topics.orders_cancelled", "p2p.orders.cancelled")
	v.SetDefault("kafka.topics.orders_expired", "p2p.orders.expired")
	v.SetDefault("kafka.topics.trades_started", "p2p.trades.started")
	v.SetDefault("kafka.topics.trades_payment_sent", "p2p.trades.payment_sent")
	v.SetDefault("kafka.topics.trades_completed", "p2p.trades.completed")
	v.SetDefault("kafka.topics.trades_disputed", "p2p.trades.disputed")
	v.SetDefault("kafka.topics.trades_resolved", "p2p.trades.resolved")
	v.SetDefault("kafka.topics.dead_letter", "p2p.events.dlq")

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("DB_HOST", envString("POSTGRES_HOST", "localhost")),
			Port:     envInt("DB_PORT", envInt("POSTGRES_PORT", 5432)),
			Name:     envString("DB_NAME", envString("POSTGRES_DB", "p2p_core")),
			User:     envString("DB_USER", envString("POSTGRES_USER", "p2p")),
			Password: envString("DB_PASSWORD", envString("POSTGRES_PASSWORD", "p2p")),
			SSLMode:  envString("DB_SSLMODE", envString("POSTGRES_SSLMODE", "disable")),
		},
		Kafka: KafkaConfig{
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				OrdersCreated:     envString("KAFKA_ORDERS_CREATED_TOPIC", v.GetString("kafka.topics.orders_created")),
				OrdersCancelled:   envString("KAFKA_ORDERS_CANCELLED_TOPIC", v.GetString("kafka.topics.orders_cancelled")),
				OrdersExpired:     envString("KAFKA_ORDERS_EXPIRED_TOPIC", v.GetString("kafka.topics.orders_expired")),
				TradesStarted:     envString("KAFKA_TRADES_STARTED_TOPIC", v.GetString("kafka.topics.trades_started")),
				TradesPaymentSent: envString("KAFKA_TRADES_PAYMENT_SENT_TOPIC", v.GetString("kafka.topics.trades_payment_sent")),
				TradesCompleted:   envString("KAFKA_TRADES_COMPLETED_TOPIC", v.GetString("kafka.topics.trades_completed")),
				TradesDisputed:    envString("KAFKA_TRADES_DISPUTED_TOPIC", v.GetString("kafka.topics.trades_disputed")),
				TradesResolved:    envString("KAFKA_TRADES_RESOLVED_TOPIC", v.GetString("kafka.topics.trades_resolved")),
				DeadLetter:        envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
		},
		Gateway: GatewayConfig{
			BaseURL:     envString("GATEWAY_BASE_URL", "http://localhost:8090"),
			BearerToken: envString("GATEWAY_TOKEN", ""),
			Timeout:     envDuration("GATEWAY_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", "localhost:6379"),
			Password: envString("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		Rate: RateConfig{
			OrdersPerWindow: envInt("RATE_ORDERS_PER_WINDOW", 10),
			TradesPerWindow: envInt("RATE_TRADES_PER_WINDOW", 20),
			Window:          envDuration("RATE_WINDOW", time.Minute),
		},
		Auth: AuthConfig{
			JWTSecret: envString("JWT_SECRET", ""),
			TokenTTL:  envDuration("JWT_TTL", 24*time.Hour),
		},
		Admin: AdminConfig{
			APIKeyHash:  envString("ADMIN_API_KEY_HASH", ""),
			IPWhitelist: envString("ADMIN_IP_WHITELIST", ""),
		},
		Wallet: WalletConfig{
			MasterSeedHex: envString("WALLET_MASTER_SEED", ""),
			ChainPrefix:   envString("WALLET_CHAIN_PREFIX", "0x"),
		},
		Trade: TradeConfig{
			AutoReleaseTimeout: envDuration("TRADE_AUTO_RELEASE_TIMEOUT", 30*time.Minute),
			LockTimeoutSeconds: envInt("TRADE_LOCK_TIMEOUT_SECONDS", 1800),
			MinTradeAmount:     envString("TRADE_MIN_AMOUNT", "0"),
		},
		Notifier: NotifierConfig{
			WebhookSecret:  envString("WEBHOOK_SECRET", ""),
			WebhookTimeout: envDuration("WEBHOOK_TIMEOUT", 5*time.Second),
			DLQMaxAttempts: envInt("NOTIFIER_DLQ_MAX_ATTEMPTS", 3),
		},
		Sweep: SweepConfig{
			ExpireSchedule:      envString("SWEEP_EXPIRE_SCHEDULE", "0 * * * * *"),
			AutoReleaseSchedule: envString("SWEEP_AUTO_RELEASE_SCHEDULE", "30 * * * * *"),
			OrderTTL:            envDuration("ORDER_TTL", 72*time.Hour),
		},
	}

	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if cfg.Kafka.ConsumerGroup == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("P2P_JWT_SECRET required")
	}
	if cfg.Wallet.MasterSeedHex == "" {
		return nil, fmt.Errorf("P2P_WALLET_MASTER_SEED required")
	}
	if cfg.Gateway.BaseURL == "" {
		return nil, fmt.Errorf("gateway base url required")
	}
	if cfg.Trade.LockTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("trade lock timeout must be positive")
	}
	if cfg.Trade.AutoReleaseTimeout <= 0 {
		return nil, fmt.Errorf("auto release timeout must be positive")
	}

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv("P2P_" + key); v != "" {
		return v
	}
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv("P2P_" + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv("P2P_" + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	for _, k := range []string{"P2P_" + key, key} {
		v := os.Getenv(k)
		if v == "" {
			continue
		}
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
