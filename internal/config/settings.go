package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "PHASELINE"

// Settings is the runtime configuration. It is built once at start-up and
// passed to every component; nothing mutates it afterwards.
type Settings struct {
	Workspace    string        `mapstructure:"workspace"`
	Namespace    string        `mapstructure:"namespace"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// Projects maps a namespace to its project directory. Unlisted
	// namespaces live in workspace/<namespace>.
	Projects map[string]string `mapstructure:"projects"`
	DB       struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"db"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	NATS struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"nats"`
	Server struct {
		Addr      string `mapstructure:"addr"`
		BasePath  string `mapstructure:"base_path"`
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"server"`
	Anthropic struct {
		APIKey    string `mapstructure:"api_key"`
		Model     string `mapstructure:"model"`
		MaxTokens int64  `mapstructure:"max_tokens"`
	} `mapstructure:"anthropic"`
	Generator struct {
		RatePerMinute float64 `mapstructure:"rate_per_minute"`
	} `mapstructure:"generator"`
}

// SetDefaults configures default values.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("workspace", ".")
	v.SetDefault("namespace", "")
	v.SetDefault("poll_interval", "2s")
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("nats.url", "")
	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("server.base_path", "/v0")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-20250514")
	v.SetDefault("anthropic.max_tokens", 8192)
	v.SetDefault("generator.rate_per_minute", 30)
}

// BindEnv wires PHASELINE_* variables plus the conventional unprefixed ones.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("anthropic.api_key", EnvPrefix+"_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("db.dsn", EnvPrefix+"_DB_DSN", "DATABASE_URL")
	_ = v.BindEnv("nats.url", EnvPrefix+"_NATS_URL", "NATS_URL")
}

// LoadSettings reads an optional settings file from the workspace and
// unmarshals v into Settings.
func LoadSettings(v *viper.Viper) (*Settings, error) {
	if v.ConfigFileUsed() == "" {
		v.SetConfigName("phaseline.settings")
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString("workspace"))
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading settings: %w", err)
			}
		}
	}
	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("unmarshaling settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate ensures the settings can drive the engine.
func (s *Settings) Validate() error {
	if s.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", s.PollInterval)
	}
	switch strings.ToLower(s.DB.Driver) {
	case "sqlite", "postgres", "pgx":
	default:
		return fmt.Errorf("db.driver must be sqlite or postgres, got %q", s.DB.Driver)
	}
	if s.Generator.RatePerMinute < 0 {
		return errors.New("generator.rate_per_minute must not be negative")
	}
	return nil
}

// RequireNamespace returns the namespace or an error when it is unset.
func (s *Settings) RequireNamespace() (string, error) {
	ns := strings.TrimSpace(s.Namespace)
	if ns == "" {
		return "", errors.New("namespace is required; use --namespace")
	}
	return ns, nil
}
