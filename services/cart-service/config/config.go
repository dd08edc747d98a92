package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	aws_pkg "github.com/yashrajoria/cart-sync/pkg/aws"
)

// Event sinks the relay can forward committed changes to, besides the realtime hub.
const (
	SinkNone  = "none"
	SinkKafka = "kafka"
	SinkSNS   = "sns"
)

const secretName = "cart-sync/CONFIG"

type Config struct {
	Port           string
	Env            string
	AllowedOrigins string

	CartsTable       string
	LeasesTable      string
	StreamARN        string
	PreferredRegions []string

	RelayEnabled       bool
	RelayProcessorName string
	RelayInstanceName  string
	RelayPollInterval  time.Duration
	RelayMaxItems      int32
	RelayLeaseTTL      time.Duration

	HubSendTimeout time.Duration

	RedisURL     string
	RedisChannel string

	EventSink    string
	KafkaBrokers []string
	KafkaTopic   string
	// KafkaFanout feeds every instance's hub from the topic instead of directly from the relay.
	KafkaFanout        bool
	CartEventsTopicARN string
	DLQQueueURL        string

	RateLimitPerMinute int
	RateLimitBurst     int
	RequestTimeout     time.Duration
}

// Load reads the environment (and .env when present). With AWS_USE_SECRETS=true the JSON secret
// cart-sync/CONFIG overrides any key it contains.
func Load() (*Config, error) {
	_ = godotenv.Load()

	if os.Getenv("AWS_USE_SECRETS") == "true" {
		if err := overlaySecrets(context.Background()); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8086"),
		Env:            getEnv("ENV", "development"),
		AllowedOrigins: os.Getenv("ALLOWED_ORIGINS"),

		CartsTable:       getEnv("CARTS_TABLE", "Carts"),
		LeasesTable:      getEnv("LEASES_TABLE", "CartLeases"),
		StreamARN:        os.Getenv("CARTS_STREAM_ARN"),
		PreferredRegions: splitList(os.Getenv("PREFERRED_REGIONS")),

		RelayEnabled:       getEnv("RELAY_ENABLED", "true") == "true",
		RelayProcessorName: getEnv("RELAY_PROCESSOR_NAME", "cartChangeFeedProcessor"),
		RelayInstanceName:  os.Getenv("RELAY_INSTANCE_NAME"),

		RedisURL:     os.Getenv("REDIS_URL"),
		RedisChannel: getEnv("REDIS_CHANNEL", "cart-sync:events"),

		EventSink:          strings.ToLower(getEnv("EVENT_SINK", SinkNone)),
		KafkaBrokers:       splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:         getEnv("KAFKA_TOPIC", "cart.changed"),
		KafkaFanout:        os.Getenv("KAFKA_FANOUT") == "true",
		CartEventsTopicARN: os.Getenv("CART_EVENTS_TOPIC_ARN"),
		DLQQueueURL:        os.Getenv("DLQ_QUEUE_URL"),
	}

	var err error
	if cfg.RelayPollInterval, err = getDuration("RELAY_POLL_INTERVAL", 200*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.RelayLeaseTTL, err = getDuration("RELAY_LEASE_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.HubSendTimeout, err = getDuration("HUB_SEND_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = getDuration("REQUEST_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	maxItems, err := getInt("RELAY_MAX_ITEMS", 100)
	if err != nil {
		return nil, err
	}
	cfg.RelayMaxItems = int32(maxItems)
	if cfg.RateLimitPerMinute, err = getInt("RATE_LIMIT_PER_MINUTE", 600); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = getInt("RATE_LIMIT_BURST", 100); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the service cannot start with.
func (c *Config) Validate() error {
	if c.RelayMaxItems < 1 || c.RelayMaxItems > 1000 {
		return fmt.Errorf("RELAY_MAX_ITEMS must be between 1 and 1000, got %d", c.RelayMaxItems)
	}
	if c.RelayPollInterval <= 0 {
		return fmt.Errorf("RELAY_POLL_INTERVAL must be positive")
	}
	if c.RelayLeaseTTL < time.Second {
		return fmt.Errorf("RELAY_LEASE_TTL must be at least 1s")
	}
	if c.HubSendTimeout <= 0 {
		return fmt.Errorf("HUB_SEND_TIMEOUT must be positive")
	}
	if c.RateLimitPerMinute < 1 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive")
	}
	switch c.EventSink {
	case SinkNone:
	case SinkKafka:
		if len(c.KafkaBrokers) == 0 || c.KafkaTopic == "" {
			return fmt.Errorf("EVENT_SINK=kafka requires KAFKA_BROKERS and KAFKA_TOPIC")
		}
	case SinkSNS:
		if c.CartEventsTopicARN == "" {
			return fmt.Errorf("EVENT_SINK=sns requires CART_EVENTS_TOPIC_ARN")
		}
	default:
		return fmt.Errorf("unknown EVENT_SINK %q", c.EventSink)
	}
	if c.KafkaFanout && c.EventSink != SinkKafka {
		return fmt.Errorf("KAFKA_FANOUT requires EVENT_SINK=kafka")
	}
	return nil
}

// PrimaryRegion is the first preferred region, or empty to use the default chain.
func (c *Config) PrimaryRegion() string {
	if len(c.PreferredRegions) == 0 {
		return ""
	}
	return c.PreferredRegions[0]
}

func overlaySecrets(ctx context.Context) error {
	awsCfg, err := aws_pkg.LoadAWSConfig(ctx)
	if err != nil {
		return err
	}
	values, err := aws_pkg.NewSecretsClient(awsCfg).GetSecretMap(ctx, secretName)
	if err != nil {
		return fmt.Errorf("load %s: %w", secretName, err)
	}
	for k, v := range values {
		if v != "" {
			_ = os.Setenv(k, v)
		}
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
