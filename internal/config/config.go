package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "CRAFTFOLIO"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "craftfolio-sync.db"
	defaultLogLevel         = "info"
	defaultTokenIssuer      = "craftfolio-auth"
	defaultTokenTTLMinutes  = 60
	defaultMaxClockSkewMins = 10
	defaultHeartbeatSeconds = 25
)

// AppConfig captures runtime configuration for the sync API server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	SigningSecret   string
	TokenIssuer     string
	TokenTTL        time.Duration
	MaxClockSkew    time.Duration
	StreamHeartbeat time.Duration
	EntityTypes     []string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("sync.max_clock_skew_minutes", defaultMaxClockSkewMins)
	configViper.SetDefault("sync.entity_types", defaultEntityTypes())
	configViper.SetDefault("stream.heartbeat_seconds", defaultHeartbeatSeconds)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		TokenIssuer:     configViper.GetString("auth.issuer"),
		TokenTTL:        time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		MaxClockSkew:    time.Duration(configViper.GetInt("sync.max_clock_skew_minutes")) * time.Minute,
		StreamHeartbeat: time.Duration(configViper.GetInt("stream.heartbeat_seconds")) * time.Second,
		EntityTypes:     configViper.GetStringSlice("sync.entity_types"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TokenIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.MaxClockSkew < 0 {
		return fmt.Errorf("sync.max_clock_skew_minutes must not be negative")
	}
	if len(c.EntityTypes) == 0 {
		return fmt.Errorf("sync.entity_types must name at least one entity type")
	}
	return nil
}

func defaultEntityTypes() []string {
	return []string{"resume", "cover_letter", "job_application", "interview"}
}
