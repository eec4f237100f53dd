// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package config loads the configuration of the pollq binaries from an
// optional YAML file and POLLQ_ environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/hemant/pollq"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "POLLQ"

// Config holds the configuration shared by the front door, worker and client binaries.
type Config struct {
	Redis  RedisConfig  `mapstructure:"redis" validate:"required"`
	Broker BrokerConfig `mapstructure:"broker" validate:"required"`
	Worker WorkerConfig `mapstructure:"worker" validate:"required"`
	Server ServerConfig `mapstructure:"server" validate:"required"`
}

// RedisConfig locates the store.
type RedisConfig struct {
	// URL is parsed with pollq.ParseRedisURI; pending_db selects the pending database.
	URL string `mapstructure:"url" validate:"required,url"`
}

// BrokerConfig must agree between every process of a deployment.
type BrokerConfig struct {
	Mode              string        `mapstructure:"mode" validate:"required,oneof=flat sharded distributed"`
	Namespace         string        `mapstructure:"namespace" validate:"required,excludesall={}"`
	PendingTTL        time.Duration `mapstructure:"pending_ttl" validate:"gt=0"`
	RefreshPendingTTL bool          `mapstructure:"refresh_pending_ttl"`
	ResultTTL         time.Duration `mapstructure:"result_ttl" validate:"gt=0"`
}

// WorkerConfig configures the worker process.
type WorkerConfig struct {
	// Types is read from a comma separated list or a YAML sequence.
	Types             []string      `mapstructure:"-"`
	Concurrency       int           `mapstructure:"concurrency" validate:"gte=0"`
	TaskCheckInterval time.Duration `mapstructure:"task_check_interval" validate:"gt=0"`
	TaskTimeout       time.Duration `mapstructure:"task_timeout" validate:"gt=0"`
	// MaxRetry is the number of retries of a failed task. Zero disables retries.
	MaxRetry        int           `mapstructure:"max_retry" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// ServerConfig configures the HTTP front door and logging.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	// RateLimit is the number of requests per second the front door admits. Zero disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst int     `mapstructure:"rate_burst" validate:"gte=0"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("broker.mode", "flat")
	v.SetDefault("broker.namespace", "pollq")
	v.SetDefault("broker.pending_ttl", 60*time.Second)
	v.SetDefault("broker.refresh_pending_ttl", false)
	v.SetDefault("broker.result_ttl", 10*time.Minute)
	v.SetDefault("worker.types", "")
	v.SetDefault("worker.concurrency", 0)
	v.SetDefault("worker.task_check_interval", time.Second)
	v.SetDefault("worker.task_timeout", 30*time.Second)
	v.SetDefault("worker.max_retry", 3)
	v.SetDefault("worker.shutdown_timeout", 8*time.Second)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.rate_burst", 50)
}

// Load reads the configuration. Environment variables such as
// POLLQ_BROKER_MODE take precedence over the file at path, which is
// optional when path is empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	types, err := parseTypes(v.Get("worker.types"))
	if err != nil {
		return nil, fmt.Errorf("invalid worker.types: %w", err)
	}
	cfg.Worker.Types = types

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// parseTypes accepts "a,b" as well as a list.
func parseTypes(raw interface{}) ([]string, error) {
	var items []string
	if s, ok := raw.(string); ok {
		items = strings.Split(s, ",")
	} else {
		var err error
		if items, err = cast.ToStringSliceE(raw); err != nil {
			return nil, err
		}
	}
	var types []string
	for _, t := range items {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}
	return types, nil
}

// Mode returns the configured pending store strategy.
func (c *Config) Mode() pollq.Mode {
	m, err := pollq.ParseMode(c.Broker.Mode)
	if err != nil {
		return pollq.ModeFlat // unreachable after validation
	}
	return m
}

// RedisConnOpt returns the store connection option.
func (c *Config) RedisConnOpt() (pollq.RedisConnOpt, error) {
	return pollq.ParseRedisURI(c.Redis.URL)
}

// ClientConfig returns the configuration of a submitting client.
func (c *Config) ClientConfig() pollq.ClientConfig {
	return pollq.ClientConfig{
		Mode:              c.Mode(),
		Namespace:         c.Broker.Namespace,
		PendingTTL:        c.Broker.PendingTTL,
		RefreshPendingTTL: c.Broker.RefreshPendingTTL,
	}
}

// ServerConfig returns the configuration of a worker server. Logging and
// callbacks are left to the caller.
func (c *Config) ServerConfig() pollq.Config {
	var level pollq.LogLevel
	if err := level.Set(c.Server.LogLevel); err != nil {
		level = pollq.InfoLevel
	}
	maxRetry := c.Worker.MaxRetry
	if maxRetry == 0 {
		maxRetry = -1 // pollq treats zero as the default
	}
	return pollq.Config{
		Mode:              c.Mode(),
		Namespace:         c.Broker.Namespace,
		Types:             c.Worker.Types,
		Concurrency:       c.Worker.Concurrency,
		TaskCheckInterval: c.Worker.TaskCheckInterval,
		TaskTimeout:       c.Worker.TaskTimeout,
		MaxRetry:          maxRetry,
		ResultTTL:         c.Broker.ResultTTL,
		ShutdownTimeout:   c.Worker.ShutdownTimeout,
		LogLevel:          level,
	}
}
