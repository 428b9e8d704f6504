package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix            = "WIREHUB"
	envConfigDefaultPath = "WIREHUB_CONFIG_DEFAULT_PATH"
	defaultConfigName    = "config.yaml"
)

// Load resolves configuration with precedence defaults < file < env and
// returns the path of the file it used. A missing file is not an error: the
// defaults are written there so the operator has something to edit.
func Load(logger *zerolog.Logger, explicitPath string) (Config, string, error) {
	cfg := Default()
	v := newViper(cfg)

	path := resolvePath(explicitPath)
	v.SetConfigFile(path)

	switch err := v.ReadInConfig(); {
	case err == nil:
	case isMissingFile(err):
		seedDefaultConfig(logger, path, cfg)
		// A failed seed just means we run on defaults and env.
		_ = v.ReadInConfig()
	default:
		return cfg, path, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, path, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, path, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, path, nil
}

// newViper registers every known key with its default. Registration also
// makes the corresponding WIREHUB_* environment variable visible to
// Unmarshal; an unregistered key cannot be overridden from the environment.
func newViper(cfg Config) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	defaults := map[string]any{
		"addr":                       cfg.Addr,
		"read_header_timeout":        cfg.ReadHeaderTimeout,
		"shutdown_timeout":           cfg.ShutdownTimeout,
		"log_level":                  cfg.LogLevel,
		"app_id_pattern":             cfg.AppIDPattern,
		"features.public_channels":   cfg.Features.PublicChannels,
		"features.server_commands":   cfg.Features.ServerCommands,
		"features.simple_queries":    cfg.Features.SimpleQueries,
		"features.channel_passwords": cfg.Features.ChannelPasswords,
		"jwt_secret":                 cfg.JWTSecret,
		"jwt_issuer":                 cfg.JWTIssuer,
		"jwt_audience":               cfg.JWTAudience,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func isMissingFile(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
}

func seedDefaultConfig(logger *zerolog.Logger, path string, cfg Config) {
	err := writeConfig(path, cfg)
	if logger == nil {
		return
	}
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("failed to write default config")
		return
	}
	logger.Info().Str("path", path).Msg("created default config")
}

func writeConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func resolvePath(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}
	if base := os.Getenv(envConfigDefaultPath); base != "" {
		if err := os.MkdirAll(base, 0o755); err == nil {
			return filepath.Join(base, defaultConfigName)
		}
	}
	cwd, err := os.Getwd()
	if err != nil {
		return defaultConfigName
	}
	return filepath.Join(cwd, defaultConfigName)
}
