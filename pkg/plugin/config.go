package plugin

import (
	"errors"
	"fmt"
	"os"
)

// Config describes where external statistics live and which statistics are switched off.
type Config struct {
	Dir      string   `yaml:"dir"`
	Disabled []string `yaml:"disabled"`
}

// Validate ensures the configuration is internally consistent.
func (c Config) Validate() error {
	if c.Dir != "" {
		info, err := os.Stat(c.Dir)
		if err != nil {
			return fmt.Errorf("plugin directory: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("plugin directory %s is not a directory", c.Dir)
		}
	}
	for _, name := range c.Disabled {
		if name == "" {
			return errors.New("disabled statistic name cannot be empty")
		}
	}
	return nil
}

// Options turns the configuration into Load options.
func (c Config) Options() []Option {
	if len(c.Disabled) == 0 {
		return nil
	}
	return []Option{WithDisabled(c.Disabled...)}
}
