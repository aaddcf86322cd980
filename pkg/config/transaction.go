package config

import (
	"fmt"
	"strings"
	"time"
)

// TransactionConfig bounds every unit of work, lock waits included.
type TransactionConfig struct {
	Timeout time.Duration `koanf:"timeout"`
}

// String returns a string representation of the transaction configuration.
func (c *TransactionConfig) String() string {
	var b strings.Builder
	b.WriteString("\n--- Transaction ---\n")
	b.WriteString(fmt.Sprintf("  timeout: %s\n", c.Timeout))
	return b.String()
}

func (c *TransactionConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("transaction timeout must be greater than 0")
	}
	return nil
}
