// Package config loads and validates daemon configuration from a YAML
// file, environment variables and an optional .env file. A configuration
// error is fatal at startup; nothing runs half-configured.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "github.com/mwaldrop/reverie/internal/errors"
)

// Config is the full daemon configuration.
type Config struct {
	DataDir string        `mapstructure:"data_dir" validate:"required"`
	Logging LoggingConfig `mapstructure:"logging"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	Remote  RemoteConfig  `mapstructure:"remote"`
	Sync    SyncConfig    `mapstructure:"sync"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	File  string `mapstructure:"file"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

// RemoteConfig configures the cloud-drive adapter. The access token comes
// from the auth collaborator at runtime, never from configuration.
type RemoteConfig struct {
	BaseURL        string        `mapstructure:"base_url" validate:"required,url"`
	Scope          string        `mapstructure:"scope" validate:"required"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	PageSize       int           `mapstructure:"page_size" validate:"gt=0,lte=1000"`
	// TokenFile is where the auth collaborator keeps the current access
	// token. Empty means the REVERIE_ACCESS_TOKEN environment variable.
	TokenFile string `mapstructure:"token_file"`
}

type SyncConfig struct {
	Workers  int           `mapstructure:"workers" validate:"gte=1,lte=8"`
	Debounce time.Duration `mapstructure:"debounce" validate:"gt=0"`
	Interval time.Duration `mapstructure:"interval"`
}

// Load reads configuration. Precedence, lowest to highest: built-in
// defaults, the YAML config file, .env, then REVERIE_* environment
// variables.
func Load(configFile string) (*Config, error) {
	// A missing .env is fine; it only exists in development setups.
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to load .env", err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("REVERIE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfig,
				fmt.Sprintf("failed to read config file %s", configFile), err)
		}
	} else {
		v.SetConfigName("reverie")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "reverie"))
		}
		if err := v.ReadInConfig(); err != nil {
			// Running purely on defaults and environment is supported.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to read config file", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to parse configuration", err)
	}

	if err := validator.New().Struct(&config); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "invalid configuration", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	dataDir := "./data"
	if dir, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(dir, ".reverie")
	}
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("http.addr", "127.0.0.1:7430")
	v.SetDefault("remote.base_url", "https://drive.example.com/api/v1")
	v.SetDefault("remote.scope", "app")
	v.SetDefault("remote.request_timeout", 30*time.Second)
	v.SetDefault("remote.page_size", 100)
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.debounce", 2*time.Second)
	v.SetDefault("sync.interval", 5*time.Minute)
}
