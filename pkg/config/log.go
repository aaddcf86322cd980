package config

import (
	"fmt"
	"slices"
	"strings"
)

// LogLevels lists the accepted values of log.level. An empty level means info.
var LogLevels = []string{"debug", "info", "warn", "error"}

type LogConfig struct {
	Level string `koanf:"level"`
}

// String returns a string representation of the log configuration.
func (c *LogConfig) String() string {
	var b strings.Builder
	b.WriteString("\n--- Log ---\n")
	b.WriteString(fmt.Sprintf("  level: %s\n", c.Level))
	return b.String()
}

func (c *LogConfig) Validate() error {
	if c.Level != "" && !slices.Contains(LogLevels, c.Level) {
		return fmt.Errorf("unknown log level %q, expected one of %s", c.Level, strings.Join(LogLevels, ", "))
	}
	return nil
}
