package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type (
	Config struct {
		// Domain is the messaging domain this relay serves.
		Domain     string `env:"TDMX_DOMAIN,required"`
		ListenAddr string `env:"TDMX_LISTEN_ADDR"  envDefault:"localhost:9090"`
		// PublicAddr is advertised to notifiers as the live receiver endpoint.
		PublicAddr string `env:"TDMX_PUBLIC_ADDR"`

		Mongo    MongoConfig
		Redis    RedisConfig
		Relay    RelayConfig
		Delivery DeliveryConfig

		// TrustAnchors maps a domain to the fingerprint of its published root.
		TrustAnchors map[string]string `env:"TDMX_TRUST_ANCHORS" envSeparator:"," envKeyValSeparator:"="`

		LogLevel    string `env:"TDMX_LOG_LEVEL" envDefault:"info"`
		Development bool   `env:"TDMX_DEVELOPMENT"`
	}

	MongoConfig struct {
		URI      string `env:"TDMX_MONGO_URI"      envDefault:"mongodb://localhost:27017"`
		Database string `env:"TDMX_MONGO_DATABASE" envDefault:"tdmx"`
	}

	RedisConfig struct {
		Addr     string `env:"TDMX_REDIS_ADDR"     envDefault:"localhost:6379"`
		Password string `env:"TDMX_REDIS_PASSWORD"`
		DB       int    `env:"TDMX_REDIS_DB"       envDefault:"0"`
	}

	RelayConfig struct {
		ChunkIdleTimeout   time.Duration `env:"TDMX_CHUNK_IDLE_TIMEOUT"   envDefault:"2m"`
		SessionIdleTimeout time.Duration `env:"TDMX_SESSION_IDLE_TIMEOUT" envDefault:"10m"`
		EndpointCacheTTL   time.Duration `env:"TDMX_ENDPOINT_CACHE_TTL"   envDefault:"30m"`
		OrphanChunkAge     time.Duration `env:"TDMX_ORPHAN_CHUNK_AGE"     envDefault:"1h"`
		SweepSchedule      string        `env:"TDMX_SWEEP_SCHEDULE"       envDefault:"* * * * *"`
		RateLimit          float64       `env:"TDMX_RATE_LIMIT"           envDefault:"200"`
		RateBurst          int           `env:"TDMX_RATE_BURST"           envDefault:"400"`
		// Limits given to channels a peer opens before they are configured locally.
		DefaultHighMarkBytes   int64 `env:"TDMX_DEFAULT_HIGH_MARK_BYTES"   envDefault:"67108864"`
		DefaultLowMarkBytes    int64 `env:"TDMX_DEFAULT_LOW_MARK_BYTES"    envDefault:"16777216"`
		DefaultMaxMessageBytes int64 `env:"TDMX_DEFAULT_MAX_MESSAGE_BYTES" envDefault:"16777216"`
	}

	DeliveryConfig struct {
		SafetyPollInterval time.Duration `env:"TDMX_SAFETY_POLL_INTERVAL" envDefault:"5m"`
		TxTimeout          time.Duration `env:"TDMX_TX_TIMEOUT"           envDefault:"60s"`
		RedeliveryBackoff  time.Duration `env:"TDMX_REDELIVERY_BACKOFF"   envDefault:"5s"`
		MaxDeliveries      int           `env:"TDMX_MAX_DELIVERIES"       envDefault:"10"`
		FetchLimit         int           `env:"TDMX_FETCH_LIMIT"          envDefault:"100"`
		MaxWait            time.Duration `env:"TDMX_MAX_WAIT"             envDefault:"30s"`
	}
)

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Domain == "" {
		return fmt.Errorf("domain must be set")
	}
	if c.Relay.ChunkIdleTimeout <= 0 {
		return fmt.Errorf("chunk idle timeout must be positive")
	}
	if c.Delivery.MaxDeliveries <= 0 {
		return fmt.Errorf("max deliveries must be positive")
	}
	if c.Delivery.FetchLimit <= 0 {
		return fmt.Errorf("fetch limit must be positive")
	}
	if c.Relay.DefaultMaxMessageBytes <= 0 {
		return fmt.Errorf("default max message bytes must be positive")
	}
	if c.Relay.DefaultHighMarkBytes <= 0 {
		return fmt.Errorf("default high mark must be positive")
	}
	// A reassembly's newest chunk is never older than the idle timeout.
	if c.Relay.OrphanChunkAge <= c.Relay.ChunkIdleTimeout {
		return fmt.Errorf("orphan chunk age must exceed chunk idle timeout")
	}
	if c.Relay.DefaultLowMarkBytes > c.Relay.DefaultHighMarkBytes {
		return fmt.Errorf("low mark must not exceed high mark")
	}
	if c.PublicAddr == "" {
		c.PublicAddr = c.ListenAddr
	}
	return nil
}
