package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/tanq16/partdl/internal/session"
	"github.com/tanq16/partdl/internal/transport"
	"github.com/tanq16/partdl/internal/utils"
)

const (
	EnvPrefix  = "PARTDL"
	DefaultDir = "~/.partdl"
)

// Config is the resolved runtime configuration: defaults, then the config
// file, then PARTDL_* environment variables, then bound flags.
type Config struct {
	Threads          int           `mapstructure:"threads"`
	ThrottleMs       int           `mapstructure:"throttle_ms"`
	Workers          int           `mapstructure:"workers"`
	Timeout          time.Duration `mapstructure:"timeout"`
	KeepAliveTimeout time.Duration `mapstructure:"keep_alive_timeout"`
	UserAgent        string        `mapstructure:"user_agent"`
	Proxy            string        `mapstructure:"proxy"`
	ProxyUsername    string        `mapstructure:"proxy_username"`
	ProxyPassword    string        `mapstructure:"proxy_password"`
	Headers          []string      `mapstructure:"headers"`
	StorePath        string        `mapstructure:"store_path"`
	LogFile          string        `mapstructure:"log_file"`
	Debug            bool          `mapstructure:"debug"`
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("threads", 8)
	v.SetDefault("throttle_ms", 100)
	v.SetDefault("workers", 1)
	v.SetDefault("timeout", "3m")
	v.SetDefault("keep_alive_timeout", "90s")
	v.SetDefault("user_agent", utils.ToolUserAgent)
	v.SetDefault("proxy", "")
	v.SetDefault("proxy_username", "")
	v.SetDefault("proxy_password", "")
	v.SetDefault("headers", []string{})
	v.SetDefault("store_path", filepath.Join(DefaultDir, "sessions.db"))
	v.SetDefault("log_file", "")
	v.SetDefault("debug", false)
}

// Load resolves the configuration held by v. An explicit configFile must
// exist; the default one is optional.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, configFile); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	storePath, err := homedir.Expand(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to expand store_path: %w", err)
	}
	cfg.StorePath = storePath
	if cfg.LogFile != "" {
		if cfg.LogFile, err = homedir.Expand(cfg.LogFile); err != nil {
			return nil, fmt.Errorf("failed to expand log_file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func readConfigFile(v *viper.Viper, configFile string) error {
	v.SetConfigType("yaml")
	if configFile != "" {
		path, err := homedir.Expand(configFile)
		if err != nil {
			return fmt.Errorf("failed to expand config path: %w", err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		return nil
	}
	path, err := homedir.Expand(filepath.Join(DefaultDir, "config.yaml"))
	if err != nil {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Threads < session.MinThreads || c.Threads > session.MaxThreads {
		return fmt.Errorf("threads: %w", session.ErrThreadCount)
	}
	if c.ThrottleMs < session.MinThrottleMs || c.ThrottleMs > session.MaxThrottleMs {
		return fmt.Errorf("throttle_ms: %w", session.ErrThrottle)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.KeepAliveTimeout < 0 {
		return fmt.Errorf("keep_alive_timeout must not be negative")
	}
	if c.StorePath == "" {
		return fmt.Errorf("store_path is required")
	}
	return nil
}

// Transport returns the HTTP client settings for this configuration.
func (c *Config) Transport() transport.Config {
	return transport.Config{
		Timeout:        c.Timeout,
		KATimeout:      c.KeepAliveTimeout,
		ProxyURL:       c.Proxy,
		ProxyUsername:  c.ProxyUsername,
		ProxyPassword:  c.ProxyPassword,
		UserAgent:      c.UserAgent,
		HighThreadMode: c.Threads*c.Workers > 5,
	}
}

// Options builds session options for one download using the configured
// threads, throttle and headers. extra headers override configured ones.
func (c *Config) Options(link, dir, filename string, extra map[string]string) session.Options {
	headers := utils.ParseHeaderArgs(c.Headers)
	for k, val := range extra {
		headers[k] = val
	}
	return session.Options{
		URL:        link,
		Dir:        dir,
		Filename:   filename,
		Threads:    c.Threads,
		Headers:    headers,
		ThrottleMs: c.ThrottleMs,
	}
}
