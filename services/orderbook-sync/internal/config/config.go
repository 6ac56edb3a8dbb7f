package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/AfshinJalili/obsync/libs/config"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

// DSN renders the pgx connection string.
func (c DBConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

type GRPCConfig struct {
	Host string
	Port int
}

type KafkaTopics struct {
	OffChainUpdates string
	Subaccounts     string
	Orderbooks      string
	DeadLetter      string
}

type RetryConfig struct {
	MaxAttempts int
	Window      time.Duration
	Backoff     time.Duration
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
	Retry         RetryConfig
}

type FlagsConfig struct {
	SendSubaccountMessagesForStatefulOrders       bool
	SendSubaccountMessagesForCancelsMissingOrders bool
}

type BatchConfig struct {
	MaxMessages      int
	MaxQueueMessages int
	FlushInterval    time.Duration
	DrainTimeout     time.Duration
}

type RefreshConfig struct {
	MarketInterval      time.Duration
	BlockHeightInterval time.Duration
}

// CacheConfig bounds the lifetime of auxiliary redis state.
type CacheConfig struct {
	CanceledOrderTTL  time.Duration
	StatefulUpdateTTL time.Duration
	JanitorInterval   time.Duration
}

type Config struct {
	App     base.AppConfig
	DB      DBConfig
	Redis   RedisConfig
	GRPC    GRPCConfig
	Kafka   KafkaConfig
	Flags   FlagsConfig
	Batch   BatchConfig
	Refresh RefreshConfig
	Cache   CacheConfig
}

func Load() (*Config, error) {
	path := os.Getenv("OBSYNC_CONFIG")
	appCfg, err := base.Load(path)
	if err != nil {
		return nil, err
	}

	v, err := base.NewViper(path)
	if err != nil {
		return nil, err
	}

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "orderbook-sync")
	v.SetDefault("kafka.topics.off_chain_updates", "to-vulcan")
	v.SetDefault("kafka.topics.subaccounts", "to-websockets-subaccounts")
	v.SetDefault("kafka.topics.orderbooks", "to-websockets-orderbooks")
	v.SetDefault("kafka.topics.dead_letter", "to-vulcan.dlq")
	v.SetDefault("kafka.retry.max_attempts", 10)
	v.SetDefault("kafka.retry.window", "10m")
	v.SetDefault("kafka.retry.backoff", "100ms")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("flags.send_subaccount_websocket_message_for_stateful_orders", true)
	v.SetDefault("flags.send_subaccount_websocket_message_for_cancels_missing_orders", false)
	v.SetDefault("batch.max_messages", 100)
	v.SetDefault("batch.max_queue_messages", 100000)
	v.SetDefault("batch.flush_interval", "10ms")
	v.SetDefault("batch.drain_timeout", "10s")
	v.SetDefault("refresh.market_interval", "5s")
	v.SetDefault("refresh.block_height_interval", "1s")
	v.SetDefault("cache.canceled_order_ttl", "30s")
	v.SetDefault("cache.stateful_update_ttl", "5m")
	v.SetDefault("cache.janitor_interval", "30s")

	cfg := &Config{
		App: *appCfg,
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "indexer"),
			User:     envString("POSTGRES_USER", "obsync"),
			Password: envString("POSTGRES_PASSWORD", "obsync"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", v.GetString("redis.addr")),
			Password: envString("REDIS_PASSWORD", v.GetString("redis.password")),
			DB:       envInt("REDIS_DB", v.GetInt("redis.db")),
			PoolSize: envInt("REDIS_POOL_SIZE", v.GetInt("redis.pool_size")),
		},
		GRPC: GRPCConfig{
			Host: envString("OBSYNC_GRPC_HOST", "0.0.0.0"),
			Port: envInt("OBSYNC_GRPC_PORT", 9095),
		},
		Kafka: KafkaConfig{
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				OffChainUpdates: envString("KAFKA_OFF_CHAIN_UPDATES_TOPIC", v.GetString("kafka.topics.off_chain_updates")),
				Subaccounts:     envString("KAFKA_SUBACCOUNTS_TOPIC", v.GetString("kafka.topics.subaccounts")),
				Orderbooks:      envString("KAFKA_ORDERBOOKS_TOPIC", v.GetString("kafka.topics.orderbooks")),
				DeadLetter:      envString("KAFKA_DEAD_LETTER_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
			Retry: RetryConfig{
				MaxAttempts: envInt("KAFKA_RETRY_MAX_ATTEMPTS", v.GetInt("kafka.retry.max_attempts")),
				Window:      envDuration("KAFKA_RETRY_WINDOW", v.GetDuration("kafka.retry.window")),
				Backoff:     envDuration("KAFKA_RETRY_BACKOFF", v.GetDuration("kafka.retry.backoff")),
			},
		},
		Flags: FlagsConfig{
			SendSubaccountMessagesForStatefulOrders: envBool(
				"SEND_SUBACCOUNT_WEBSOCKET_MESSAGE_FOR_STATEFUL_ORDERS",
				v.GetBool("flags.send_subaccount_websocket_message_for_stateful_orders"),
			),
			SendSubaccountMessagesForCancelsMissingOrders: envBool(
				"SEND_SUBACCOUNT_WEBSOCKET_MESSAGE_FOR_CANCELS_MISSING_ORDERS",
				v.GetBool("flags.send_subaccount_websocket_message_for_cancels_missing_orders"),
			),
		},
		Batch: BatchConfig{
			MaxMessages:      envInt("BATCH_MAX_MESSAGES", v.GetInt("batch.max_messages")),
			MaxQueueMessages: envInt("BATCH_MAX_QUEUE_MESSAGES", v.GetInt("batch.max_queue_messages")),
			FlushInterval:    envDuration("BATCH_FLUSH_INTERVAL", v.GetDuration("batch.flush_interval")),
			DrainTimeout:     envDuration("BATCH_DRAIN_TIMEOUT", v.GetDuration("batch.drain_timeout")),
		},
		Refresh: RefreshConfig{
			MarketInterval:      envDuration("MARKET_REFRESH_INTERVAL", v.GetDuration("refresh.market_interval")),
			BlockHeightInterval: envDuration("BLOCK_HEIGHT_REFRESH_INTERVAL", v.GetDuration("refresh.block_height_interval")),
		},
		Cache: CacheConfig{
			CanceledOrderTTL:  envDuration("CANCELED_ORDER_TTL", v.GetDuration("cache.canceled_order_ttl")),
			StatefulUpdateTTL: envDuration("STATEFUL_UPDATE_TTL", v.GetDuration("cache.stateful_update_ttl")),
			JanitorInterval:   envDuration("CACHE_JANITOR_INTERVAL", v.GetDuration("cache.janitor_interval")),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.GRPC.Port <= 0 {
		return fmt.Errorf("OBSYNC_GRPC_PORT must be positive")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers required")
	}
	if c.Kafka.ConsumerGroup == "" {
		return fmt.Errorf("kafka consumer group required")
	}
	if c.Kafka.Topics.OffChainUpdates == "" {
		return fmt.Errorf("kafka off-chain updates topic required")
	}
	if c.Kafka.Topics.Subaccounts == "" || c.Kafka.Topics.Orderbooks == "" {
		return fmt.Errorf("kafka websocket topics required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr required")
	}
	if c.Batch.MaxMessages <= 0 {
		return fmt.Errorf("batch max messages must be positive")
	}
	if c.Batch.FlushInterval <= 0 {
		return fmt.Errorf("batch flush interval must be positive")
	}
	if c.Cache.CanceledOrderTTL <= 0 {
		return fmt.Errorf("canceled order ttl must be positive")
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
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
