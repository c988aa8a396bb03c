package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Auth.Secret = "test-secret"
	return cfg
}

func TestDefaultsValidate(t *testing.T) {
	t.Parallel()
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing secret", func(c *Config) { c.Auth.Secret = "" }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"no data dir", func(c *Config) { c.Store.DataDir = "" }},
		{"zero handles", func(c *Config) { c.Store.MaxTenantHandles = 0 }},
		{"zero retries", func(c *Config) { c.Bus.MaxRetries = 0 }},
		{"negative cooldown", func(c *Config) { c.Stock.AlertCooldownSeconds = -1 }},
		{"run timeout over lease", func(c *Config) {
			c.Scheduler.LeaseTTL = time.Minute
			c.Scheduler.RunTimeout = 2 * time.Minute
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted an invalid config")
			}
		})
	}
}
