// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads server configuration from a config file, environment
// variables and CLI flags, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stacklok/umauth/pkg/storage"
)

// Redis holds the optional Redis backend settings. When disabled, tokens and
// tickets live in the in-memory store.
type Redis struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Config is the full server configuration.
type Config struct {
	// Issuer is the server's issuer identifier, used as the "iss" claim of
	// every minted JWT and as the audience of client assertions.
	Issuer string `mapstructure:"issuer"`

	// Address is the HTTP listen address.
	Address string `mapstructure:"address"`

	// MetricsAddress is the Prometheus listen address; empty disables it.
	MetricsAddress string `mapstructure:"metrics_address"`

	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
	AuthCodeTTL    time.Duration `mapstructure:"auth_code_ttl"`
	TicketTTL      time.Duration `mapstructure:"ticket_ttl"`

	Redis Redis `mapstructure:"redis"`

	Debug bool `mapstructure:"debug"`
}

func setDefaults() {
	viper.SetDefault("issuer", "http://localhost:8080")
	viper.SetDefault("address", ":8080")
	viper.SetDefault("metrics_address", "")
	viper.SetDefault("access_token_ttl", storage.DefaultAccessTokenTTL)
	viper.SetDefault("auth_code_ttl", storage.DefaultAuthCodeTTL)
	viper.SetDefault("ticket_ttl", storage.DefaultTicketTTL)
	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.key_prefix", "umauth:")
	viper.SetDefault("debug", false)
}

// Load reads the configuration. A config file is optional; environment
// variables with the UMAUTH_ prefix override it (UMAUTH_REDIS_ADDR and so
// on), and flags bound through viper override both.
func Load(configFile string) (*Config, error) {
	setDefaults()

	viper.SetEnvPrefix("umauth")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if c.Address == "" {
		return errors.New("listen address is required")
	}
	if c.AccessTokenTTL <= 0 || c.AuthCodeTTL <= 0 || c.TicketTTL <= 0 {
		return errors.New("token, code and ticket lifetimes must be positive")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}
	return nil
}
