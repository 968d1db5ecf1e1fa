// Package config defines the daemon's configuration. Config is loaded
// from a YAML file (default: config.yaml) with select fields overridable
// via POLYHIST_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/MarcelWind/polymarket-history-generator/internal/errs"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	MarketQueries            []string `mapstructure:"market_queries"`
	CandleIntervalSeconds    int      `mapstructure:"candle_interval_seconds"`
	DiscoveryIntervalSeconds int      `mapstructure:"discovery_interval_seconds"`
	FlushIntervalSeconds     int      `mapstructure:"flush_interval_seconds"`
	DataDir                  string   `mapstructure:"data_dir"`
	LogLevel                 string   `mapstructure:"log_level"`
	LogFormat                string   `mapstructure:"log_format"`
	Verbose                  bool     `mapstructure:"verbose"`
	MetricsAddr              string   `mapstructure:"metrics_addr"`
	GammaBaseURL             string   `mapstructure:"gamma_base_url"`
	WSMarketURL              string   `mapstructure:"ws_market_url"`
	ArchivePath              string   `mapstructure:"archive_path"`
}

// CandleInterval returns the candle interval as a time.Duration.
func (c Config) CandleInterval() time.Duration {
	return time.Duration(c.CandleIntervalSeconds) * time.Second
}

// DiscoveryInterval returns the discovery cadence as a time.Duration.
func (c Config) DiscoveryInterval() time.Duration {
	return time.Duration(c.DiscoveryIntervalSeconds) * time.Second
}

// FlushInterval returns the flush/archive cadence as a time.Duration.
func (c Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalSeconds) * time.Second
}

func defaults(v *viper.Viper) {
	v.SetDefault("candle_interval_seconds", 60)
	v.SetDefault("discovery_interval_seconds", 300)
	v.SetDefault("flush_interval_seconds", 120)
	v.SetDefault("data_dir", "data")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("verbose", false)
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("ws_market_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("archive_path", "data.zip")
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLYHIST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	defaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, &errs.ConfigError{Reason: fmt.Sprintf("read config %s: %v", path, err)}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &errs.ConfigError{Reason: fmt.Sprintf("unmarshal config: %v", err)}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.MarketQueries) == 0 {
		return &errs.ConfigError{Reason: "market_queries must have at least one entry"}
	}
	for _, q := range c.MarketQueries {
		if strings.TrimSpace(q) == "" {
			return &errs.ConfigError{Reason: "market_queries must not contain empty entries"}
		}
	}
	if c.CandleIntervalSeconds <= 0 {
		return &errs.ConfigError{Reason: "candle_interval_seconds must be > 0"}
	}
	if c.DiscoveryIntervalSeconds <= 0 {
		return &errs.ConfigError{Reason: "discovery_interval_seconds must be > 0"}
	}
	if c.FlushIntervalSeconds <= 0 {
		return &errs.ConfigError{Reason: "flush_interval_seconds must be > 0"}
	}
	if c.DataDir == "" {
		return &errs.ConfigError{Reason: "data_dir must not be empty"}
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return &errs.ConfigError{Reason: fmt.Sprintf("log_level must be one of debug/info/warn/error, got %q", c.LogLevel)}
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return &errs.ConfigError{Reason: fmt.Sprintf("log_format must be one of text/json, got %q", c.LogFormat)}
	}
	return nil
}
