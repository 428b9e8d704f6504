package config

import (
	"fmt"
	"strings"
	"time"
)

// Features toggles the optional protocol capabilities announced to clients.
type Features struct {
	PublicChannels   bool `mapstructure:"public_channels" yaml:"public_channels"`
	ServerCommands   bool `mapstructure:"server_commands" yaml:"server_commands"`
	SimpleQueries    bool `mapstructure:"simple_queries" yaml:"simple_queries"`
	ChannelPasswords bool `mapstructure:"channel_passwords" yaml:"channel_passwords"`
}

// Config holds broker configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`

	// AppIDPattern narrows the accepted application ids beyond the
	// structural pattern. Empty accepts any structurally valid id.
	AppIDPattern string   `mapstructure:"app_id_pattern" yaml:"app_id_pattern"`
	Features     Features `mapstructure:"features" yaml:"features"`

	// JWTSecret enables the bearer-token gate on the HTTP endpoints when
	// non-empty.
	JWTSecret   string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string `mapstructure:"jwt_audience" yaml:"jwt_audience"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		LogLevel:          "info",
		Features: Features{
			PublicChannels:   true,
			ServerCommands:   true,
			SimpleQueries:    true,
			ChannelPasswords: true,
		},
	}
}

// validate rejects values that would otherwise only surface as a confusing
// failure far from their cause.
func (c Config) validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr must not be empty")
	}
	if c.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("read_header_timeout must be positive, got %s", c.ReadHeaderTimeout)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive, got %s", c.ShutdownTimeout)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}
