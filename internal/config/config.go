// Package config defines all configuration for the POS backend.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via OPENPOS_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Store     StoreConfig     `mapstructure:"store"`
	Bus       BusConfig       `mapstructure:"bus"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Cart      CartConfig      `mapstructure:"cart"`
	Stock     StockConfig     `mapstructure:"stock"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Hub       HubConfig       `mapstructure:"hub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig holds JWT signing and API-key settings.
// Secret signs HS256 tokens; override it with OPENPOS_JWT_SECRET.
type AuthConfig struct {
	Secret      string        `mapstructure:"secret"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"`
}

// StoreConfig sets where tenant databases live and how many handles stay open.
//
//   - DataDir: directory holding one sqlite file per tenant.
//   - Prefix: database file prefix; files are named {prefix}_{tenantId}.db.
//   - MaxTenantHandles: cap on cached per-tenant handles; least-recently-used
//     handles beyond the cap are closed and reopened on demand.
type StoreConfig struct {
	DataDir          string `mapstructure:"data_dir"`
	Prefix           string `mapstructure:"prefix"`
	MaxTenantHandles int    `mapstructure:"max_tenant_handles"`
}

// BusConfig tunes event delivery: retry cadence and outbox dispatch.
type BusConfig struct {
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBase        time.Duration `mapstructure:"retry_base"`
	RetryMax         time.Duration `mapstructure:"retry_max"`
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
	HandlerTimeout   time.Duration `mapstructure:"handler_timeout"`
}

// CatalogConfig points at the Master-Data service. When BaseURL is empty the
// engines read master data from the local store (single-process deployment).
type CatalogConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

// CartConfig tunes the cart engine cache and CAS behavior.
type CartConfig struct {
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
	CacheSize  int           `mapstructure:"cache_size"`
	CASRetries int           `mapstructure:"cas_retries"`
}

// StockConfig tunes threshold alerting and snapshots.
//
//   - AlertCooldownSeconds: minimum seconds between alerts for the same
//     (tenant, store, item, alertType); 0 disables the cooldown.
//   - SnapshotPageSize: stock rows read per batch while building a snapshot.
type StockConfig struct {
	AlertCooldownSeconds int `mapstructure:"alert_cooldown_seconds"`
	SnapshotPageSize     int `mapstructure:"snapshot_page_size"`
}

// SchedulerConfig tunes the snapshot scheduler.
type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	LeaseTTL     time.Duration `mapstructure:"lease_ttl"`
	RunTimeout   time.Duration `mapstructure:"run_timeout"`
}

// HubConfig tunes the WebSocket alert hub.
type HubConfig struct {
	SendQueueSize int           `mapstructure:"send_queue_size"`
	PongWait      time.Duration `mapstructure:"pong_wait"`
	WriteWait     time.Duration `mapstructure:"write_wait"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: OPENPOS_JWT_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("OPENPOS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if secret := os.Getenv("OPENPOS_JWT_SECRET"); secret != "" {
		cfg.Auth.Secret = secret
	}

	return &cfg, nil
}

// Default returns a Config populated with every default, for tests and for
// deployments that configure exclusively through the environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("auth.token_expiry", 24*time.Hour)

	v.SetDefault("store.data_dir", "data")
	v.SetDefault("store.prefix", "pos")
	v.SetDefault("store.max_tenant_handles", 64)

	v.SetDefault("bus.max_retries", 5)
	v.SetDefault("bus.retry_base", 500*time.Millisecond)
	v.SetDefault("bus.retry_max", 30*time.Second)
	v.SetDefault("bus.dispatch_interval", time.Second)
	v.SetDefault("bus.handler_timeout", 30*time.Second)

	v.SetDefault("catalog.timeout", 30*time.Second)
	v.SetDefault("catalog.retry_count", 3)
	v.SetDefault("catalog.cache_ttl", time.Minute)

	v.SetDefault("cart.cache_ttl", 10*time.Hour)
	v.SetDefault("cart.cache_size", 4096)
	v.SetDefault("cart.cas_retries", 3)

	v.SetDefault("stock.alert_cooldown_seconds", 60)
	v.SetDefault("stock.snapshot_page_size", 10000)

	v.SetDefault("scheduler.tick_interval", 30*time.Second)
	v.SetDefault("scheduler.lease_ttl", 10*time.Minute)
	v.SetDefault("scheduler.run_timeout", 5*time.Minute)

	v.SetDefault("hub.send_queue_size", 256)
	v.SetDefault("hub.pong_wait", 60*time.Second)
	v.SetDefault("hub.write_wait", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret is required (set OPENPOS_JWT_SECRET)")
	}
	if c.Auth.TokenExpiry <= 0 {
		return fmt.Errorf("auth.token_expiry must be > 0")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}
	if c.Store.MaxTenantHandles <= 0 {
		return fmt.Errorf("store.max_tenant_handles must be > 0")
	}
	if c.Bus.MaxRetries <= 0 {
		return fmt.Errorf("bus.max_retries must be > 0")
	}
	if c.Cart.CASRetries <= 0 {
		return fmt.Errorf("cart.cas_retries must be > 0")
	}
	if c.Stock.AlertCooldownSeconds < 0 {
		return fmt.Errorf("stock.alert_cooldown_seconds must be >= 0")
	}
	if c.Stock.SnapshotPageSize <= 0 {
		return fmt.Errorf("stock.snapshot_page_size must be > 0")
	}
	if c.Scheduler.RunTimeout > c.Scheduler.LeaseTTL {
		// A run outliving its lease would release a lease another instance
		// has since acquired, double-firing the schedule.
		return fmt.Errorf("scheduler.run_timeout must not exceed scheduler.lease_ttl")
	}
	return nil
}
