// Package config handles loading and validation of the janode connection
// configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/janode-go/janode"
)

// DefaultConfigPath is the default location for the CLI demo's config file.
const DefaultConfigPath = "./janode.yaml"

// ServerEntry is one candidate server as read from the config file.
type ServerEntry struct {
	URL       string `mapstructure:"url" yaml:"url"`
	APISecret string `mapstructure:"api_secret" yaml:"api_secret"`
	Token     string `mapstructure:"token" yaml:"token"`
	Key       string `mapstructure:"key" yaml:"key"`
}

// Config holds everything the CLI demo needs to open a janode Connection.
type Config struct {
	Servers       []ServerEntry `mapstructure:"servers" yaml:"servers"`
	RetryTimeSecs int           `mapstructure:"retry_time_secs" yaml:"retry_time_secs"`
	MaxRetries    int           `mapstructure:"max_retries" yaml:"max_retries"`
	IsAdmin       bool          `mapstructure:"is_admin" yaml:"is_admin"`
	LogLevel      string        `mapstructure:"log_level" yaml:"log_level"`

	WSOptions struct {
		HandshakeTimeoutMs int `mapstructure:"handshake_timeout_ms" yaml:"handshake_timeout_ms"`
	} `mapstructure:"ws_options" yaml:"ws_options"`
}

// Load reads configuration from configPath, falling back to
// DefaultConfigPath when empty. JANODE_-prefixed environment variables
// override file values.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("retry_time_secs", 10)
	v.SetDefault("max_retries", 5)
	v.SetDefault("is_admin", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("ws_options.handshake_timeout_ms", 5000)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(DefaultConfigPath)
	}

	v.SetEnvPrefix("JANODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	envBindings := map[string]string{
		"retry_time_secs":              "JANODE_RETRY_TIME_SECS",
		"max_retries":                  "JANODE_MAX_RETRIES",
		"is_admin":                     "JANODE_IS_ADMIN",
		"log_level":                    "JANODE_LOG_LEVEL",
		"ws_options.handshake_timeout_ms": "JANODE_WS_HANDSHAKE_TIMEOUT_MS",
	}
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			// Config file not found; rely on env vars and defaults.
		} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// viper wraps a missing file as viper.ConfigFileNotFoundError on
			// some platforms instead of *os.PathError.
		} else {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("config must list at least one server under 'servers'")
	}

	return &cfg, nil
}

// ServerAddress resolves serverKey (a numeric index or a ServerEntry.Key
// string) to one configured server, falling back to index 0 when serverKey
// is nil.
func (c *Config) ServerAddress(serverKey any) (janode.ServerAddress, error) {
	if serverKey == nil {
		return c.toAddress(c.Servers[0]), nil
	}

	switch v := serverKey.(type) {
	case int:
		if v < 0 || v >= len(c.Servers) {
			return janode.ServerAddress{}, fmt.Errorf("server index %d out of range", v)
		}
		return c.toAddress(c.Servers[v]), nil
	case string:
		if idx, err := strconv.Atoi(v); err == nil {
			return c.ServerAddress(idx)
		}
		for _, s := range c.Servers {
			if s.Key == v {
				return c.toAddress(s), nil
			}
		}
		return janode.ServerAddress{}, fmt.Errorf("no server configured with key %q", v)
	default:
		return janode.ServerAddress{}, fmt.Errorf("unsupported server key type %T", serverKey)
	}
}

func (c *Config) toAddress(s ServerEntry) janode.ServerAddress {
	return janode.ServerAddress{URL: s.URL, APISecret: s.APISecret, Token: s.Token}
}

// ToConfiguration builds the janode.Configuration this Config describes,
// listing every configured server as a failover candidate.
func (c *Config) ToConfiguration() janode.Configuration {
	addrs := make([]janode.ServerAddress, len(c.Servers))
	for i, s := range c.Servers {
		addrs[i] = c.toAddress(s)
	}

	handshakeTimeout := time.Duration(c.WSOptions.HandshakeTimeoutMs) * time.Millisecond

	retryTimeSecs := c.RetryTimeSecs
	maxRetries := c.MaxRetries

	return janode.Configuration{
		Addresses:     addrs,
		RetryTimeSecs: &retryTimeSecs,
		MaxRetries:    &maxRetries,
		IsAdmin:       c.IsAdmin,
		WSOptions:     janode.WSOptions{HandshakeTimeout: handshakeTimeout},
	}
}
