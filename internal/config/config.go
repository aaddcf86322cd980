// Package config composes the storefront configuration from the shared pkg/config sections.
package config

import (
	"fmt"
	"strings"

	"github.com/abgdnv/storefront/pkg/config"
	"github.com/abgdnv/storefront/pkg/config/configloader"
)

var _ configloader.Validator = (*Config)(nil)

type Config struct {
	HTTPServer  config.HTTPConfig        `koanf:"server"`
	Database    config.DatabaseConfig    `koanf:"database"`
	Transaction config.TransactionConfig `koanf:"transaction"`
	Log         config.LogConfig         `koanf:"log"`
	PProf       config.PProfConfig       `koanf:"pprof"`
	GRPC        config.GrpcServerConfig  `koanf:"grpc"`
	Shutdown    config.ShutdownConfig    `koanf:"shutdown"`
	Nats        config.NATSConfig        `koanf:"nats"`
	Redis       config.RedisConfig       `koanf:"redis"`
	Telemetry   config.TelemetryConfig   `koanf:"telemetry"`
	Resilience  config.ResilienceConfig  `koanf:"resilience"`
}

// String renders every section; credentials in the database url are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString(c.HTTPServer.String())
	b.WriteString(c.GRPC.String())
	b.WriteString(c.Database.String())
	b.WriteString(c.Transaction.String())
	b.WriteString(c.Nats.String())
	b.WriteString(c.Redis.String())
	b.WriteString(c.Resilience.String())
	b.WriteString(c.Telemetry.String())
	b.WriteString(c.Log.String())
	b.WriteString(c.PProf.String())
	b.WriteString(c.Shutdown.String())
	return b.String()
}

type validator interface {
	Validate() error
}

// Validate checks every section and reports the first invalid one.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		v    validator
	}{
		{"server", &c.HTTPServer},
		{"grpc", &c.GRPC},
		{"database", &c.Database},
		{"transaction", &c.Transaction},
		{"log", &c.Log},
		{"pprof", &c.PProf},
		{"shutdown", &c.Shutdown},
		{"nats", &c.Nats},
		{"redis", &c.Redis},
		{"telemetry", &c.Telemetry},
	}
	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	if c.Nats.Enabled {
		if err := c.Resilience.Validate(); err != nil {
			return fmt.Errorf("resilience: %w", err)
		}
	}
	return nil
}
