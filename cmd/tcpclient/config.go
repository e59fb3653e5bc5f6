package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// serveConfig is the configuration of the serve command. Values given on the
// command line replace those read from the config file.
type serveConfig struct {
	Listen      string        `yaml:"listen"`
	WebSocket   string        `yaml:"websocket"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	LogLevel    string        `yaml:"log_level"`
}

// loadConfig reads a config file from path. If path is empty, it returns the
// default config.
func loadConfig(path string) (*serveConfig, error) {
	cfg := &serveConfig{
		DialTimeout: 30 * time.Second,
		LogLevel:    "info",
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// merge applies non-empty command-line values to c.
func (c *serveConfig) merge(listen, websocket, dialTimeout, logLevel string) error {
	if listen != "" {
		c.Listen = listen
	}
	if websocket != "" {
		c.WebSocket = websocket
	}
	if dialTimeout != "" {
		d, err := time.ParseDuration(dialTimeout)
		if err != nil {
			return fmt.Errorf("invalid dial timeout: %w", err)
		}
		c.DialTimeout = d
	}
	if logLevel != "" {
		c.LogLevel = logLevel
	}
	return nil
}
