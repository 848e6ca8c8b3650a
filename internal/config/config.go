// Package config is used to load the configuration file
package config

import (
	"fmt"
	"runtime"

	"github.com/spf13/viper"
)

type extract struct {
	MinConfidence float64 `json:"min-confidence" mapstructure:"min-confidence"`
	MaxWindow     int     `json:"max-window" mapstructure:"max-window"`
	Workers       int     `json:"workers" mapstructure:"workers"`
}

type scan struct {
	Workers       int     `json:"workers" mapstructure:"workers"`
	MinConfidence float64 `json:"min-confidence" mapstructure:"min-confidence"`
}

// Config is the configuration struct
type Config struct {
	Extract extract `json:"extract" mapstructure:"extract"`
	Scan    scan    `json:"scan" mapstructure:"scan"`
}

func (c *Config) verify() error {
	if c.Extract.Workers < 0 || c.Scan.Workers < 0 {
		return fmt.Errorf("config: workers cannot be negative")
	}
	if c.Extract.Workers == 0 {
		c.Extract.Workers = runtime.GOMAXPROCS(0)
	}
	if c.Scan.Workers == 0 {
		c.Scan.Workers = runtime.GOMAXPROCS(0)
	}
	if c.Extract.MinConfidence < 0 || c.Extract.MinConfidence > 1 {
		return fmt.Errorf("config: extract min-confidence must be in [0,1]")
	}
	if c.Scan.MinConfidence < 0 || c.Scan.MinConfidence > 1 {
		return fmt.Errorf("config: scan min-confidence must be in [0,1]")
	}
	return nil
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	var c *Config

	if err := viper.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return c, nil
}
