// Package config loads the settings of a consortium node.
//
// Settings come from, lowest priority first: built-in defaults, an optional
// YAML file, and CONSORTIUM_* environment variables. Keys are the
// snake_case field tags below; the environment variable of a key is its
// upper-cased name behind the prefix, e.g. CONSORTIUM_REMOTE_PORT.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dreamware/consortium/internal/pipeline"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "CONSORTIUM"

// Auth plugins understood by the transport.
const (
	AuthNone  = ""
	AuthToken = "token"
)

// Config holds the options of one node.
type Config struct {
	// AuthOpts are plugin specific; the token plugin reads "token"
	// (also CONSORTIUM_AUTH_TOKEN).
	AuthOpts           map[string]string `mapstructure:"auth_opts"`
	Mode               pipeline.Mode     `mapstructure:"mode"`
	ClientID           string            `mapstructure:"client_id"`
	OperatingDirectory string            `mapstructure:"operating_directory"`
	RemotePathname     string            `mapstructure:"remote_pathname"`
	RemoteProtocol     string            `mapstructure:"remote_protocol"`
	RemoteURL          string            `mapstructure:"remote_url"`
	AuthPlugin         string            `mapstructure:"auth_plugin"`
	APIAddr            string            `mapstructure:"api_addr"`
	LogLevel           string            `mapstructure:"log_level"`
	RemotePort         int               `mapstructure:"remote_port"`
	LivenessInterval   time.Duration     `mapstructure:"liveness_interval"`
	StaleAfter         time.Duration     `mapstructure:"stale_after"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Mode:               pipeline.ModeLocal,
		OperatingDirectory: "./",
		RemotePort:         3300,
		RemoteProtocol:     "http:",
		RemoteURL:          "localhost",
		LogLevel:           "info",
	}
}

// Override adjusts a loaded Config before it is validated.
type Override func(*Config)

// WithMode pins the mode regardless of file and environment.
func WithMode(mode pipeline.Mode) Override {
	return func(c *Config) { c.Mode = mode }
}

// Load reads the file at path (skipped when empty) over the defaults,
// applies the environment on top and then the overrides.
func Load(path string, overrides ...Override) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	// every key needs a default for the environment to be consulted on
	// Unmarshal
	def := Default()
	v.SetDefault("mode", string(def.Mode))
	v.SetDefault("client_id", def.ClientID)
	v.SetDefault("operating_directory", def.OperatingDirectory)
	v.SetDefault("remote_pathname", def.RemotePathname)
	v.SetDefault("remote_protocol", def.RemoteProtocol)
	v.SetDefault("remote_url", def.RemoteURL)
	v.SetDefault("auth_plugin", def.AuthPlugin)
	v.SetDefault("api_addr", def.APIAddr)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("remote_port", def.RemotePort)
	v.SetDefault("liveness_interval", def.LivenessInterval)
	v.SetDefault("stale_after", def.StaleAfter)
	if err := v.BindEnv("auth_opts.token", EnvPrefix+"_AUTH_TOKEN"); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	for _, o := range overrides {
		o(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings for consistency.
func (c Config) Validate() error {
	var errs []error
	if !c.Mode.Valid() {
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}
	if c.Mode == pipeline.ModeLocal && c.ClientID == "" {
		errs = append(errs, errors.New("client_id is required in local mode"))
	}
	if c.RemotePort < 0 || c.RemotePort > 65535 {
		errs = append(errs, fmt.Errorf("remote_port %d out of range", c.RemotePort))
	}
	switch c.AuthPlugin {
	case AuthNone:
	case AuthToken:
		if c.AuthOpts["token"] == "" {
			errs = append(errs, errors.New("auth_opts.token is required by the token plugin"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown auth plugin %q", c.AuthPlugin))
	}
	if c.LivenessInterval < 0 || c.StaleAfter < 0 {
		errs = append(errs, errors.New("liveness durations must not be negative"))
	}
	return errors.Join(errs...)
}

// Secure reports whether the coordinator link uses TLS.
func (c Config) Secure() bool {
	return strings.TrimSuffix(c.RemoteProtocol, ":") == "https"
}

// ListenAddr is the address the coordinator's transport listens on.
func (c Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.RemotePort)
}

// CoordinatorURL is the websocket URL a participant dials.
func (c Config) CoordinatorURL() string {
	scheme := "ws"
	if c.Secure() {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d%s?id=%s",
		scheme, c.RemoteURL, c.RemotePort, c.RemotePathname, url.QueryEscape(c.ClientID))
}
