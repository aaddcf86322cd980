package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverMemory   = "memory"
)

type DatabaseConfig struct {
	Driver         string        `koanf:"driver"`
	URL            string        `koanf:"url"`
	Timeout        time.Duration `koanf:"timeout"`
	Migrate        bool          `koanf:"migrate"`
	MigrationsPath string        `koanf:"migrations"`
}

// String returns a string representation of the database configuration with credentials masked.
func (c *DatabaseConfig) String() string {
	var b strings.Builder
	b.WriteString("\n--- Database ---\n")
	b.WriteString(fmt.Sprintf("  driver: %s\n", c.Driver))
	b.WriteString(fmt.Sprintf("  url: %s\n", MaskURL(c.URL)))
	b.WriteString(fmt.Sprintf("  connect.timeout: %s\n", c.Timeout))
	b.WriteString(fmt.Sprintf("  migrate: %t\n", c.Migrate))
	b.WriteString(fmt.Sprintf("  migrations: %s\n", c.MigrationsPath))
	return b.String()
}

func (c *DatabaseConfig) Validate() error {
	if c.Driver == "" {
		c.Driver = DriverPostgres
	}
	switch c.Driver {
	case DriverMemory:
		return nil
	case DriverPostgres:
		if c.URL == "" {
			return fmt.Errorf("database URL is not configured")
		}
		if !isValidPostgresURL(c.URL) {
			return fmt.Errorf("database URL must start with 'postgres://': %s", MaskURL(c.URL))
		}
	case DriverMySQL:
		if c.URL == "" {
			return fmt.Errorf("database URL is not configured")
		}
		if !strings.Contains(c.URL, "@tcp(") && !strings.Contains(c.URL, "@unix(") {
			return fmt.Errorf("database URL must be a MySQL DSN like 'user:pass@tcp(host:3306)/db': %s", MaskURL(c.URL))
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Driver)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("database connect timeout is not configured")
	}
	if c.Migrate && c.MigrationsPath == "" {
		return fmt.Errorf("database migrations are enabled but the migrations path is not configured")
	}
	return nil
}

// isValidPostgresURL checks if the provided URL is a valid PostgreSQL URL
func isValidPostgresURL(url string) bool {
	return strings.HasPrefix(url, "postgres://") ||
		strings.HasPrefix(url, "postgresql://")
}

// MaskURL hides the credentials part of a connection string.
func MaskURL(url string) string {
	if url == "" {
		return "<not configured>"
	}
	i := strings.LastIndex(url, "@")
	if i < 0 {
		return "****"
	}
	if scheme := strings.Index(url, "://"); scheme >= 0 && scheme < i {
		return url[:scheme+3] + "****" + url[i:]
	}
	return "****" + url[i:]
}
