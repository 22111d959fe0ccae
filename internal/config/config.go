package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                    = "PIXELCANVAS"
	defaultHTTPAddress           = "0.0.0.0:8080"
	defaultDatabasePath          = "pixelcanvas.db"
	defaultLogLevel              = "info"
	defaultTokenTTLMinutes       = 60
	defaultBoardSize             = 1024
	defaultRotationCheckSeconds  = 60
	defaultReportThreshold       = 2500
	defaultFreeWindowSize        = 5000
	defaultTokenIssuer           = "pixelcanvas-api"
	defaultTokenAudience         = "pixelcanvas-client"
	minimumSigningSecretLength   = 16
	minimumRotationCheckInterval = time.Second
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress           string
	DatabasePath          string
	LogLevel              string
	SigningSecret         string
	TokenIssuer           string
	TokenAudience         string
	TokenTTL              time.Duration
	BoardSize             int
	RotationCheckInterval time.Duration
	ReportThreshold       int64
	FreeWindowSize        int64
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
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("board.size", defaultBoardSize)
	configViper.SetDefault("rotation.check_interval_seconds", defaultRotationCheckSeconds)
	configViper.SetDefault("economy.report_threshold", defaultReportThreshold)
	configViper.SetDefault("economy.free_window_size", defaultFreeWindowSize)
}

// Load parses the full API server configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := read(configViper)
	if err := cfg.validateStore(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.validateServer(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadStore parses configuration for offline tooling that only touches the database.
func LoadStore(configViper *viper.Viper) (AppConfig, error) {
	cfg := read(configViper)
	if err := cfg.validateStore(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func read(configViper *viper.Viper) AppConfig {
	return AppConfig{
		HTTPAddress:           configViper.GetString("http.address"),
		DatabasePath:          configViper.GetString("database.path"),
		LogLevel:              configViper.GetString("log.level"),
		SigningSecret:         configViper.GetString("auth.signing_secret"),
		TokenIssuer:           configViper.GetString("auth.issuer"),
		TokenAudience:         configViper.GetString("auth.audience"),
		TokenTTL:              time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		BoardSize:             configViper.GetInt("board.size"),
		RotationCheckInterval: time.Duration(configViper.GetInt("rotation.check_interval_seconds")) * time.Second,
		ReportThreshold:       configViper.GetInt64("economy.report_threshold"),
		FreeWindowSize:        configViper.GetInt64("economy.free_window_size"),
	}
}

func (c AppConfig) validateServer() error {
	if len(strings.TrimSpace(c.SigningSecret)) < minimumSigningSecretLength {
		return fmt.Errorf("auth.signing_secret must be at least %d characters", minimumSigningSecretLength)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.RotationCheckInterval < minimumRotationCheckInterval {
		return fmt.Errorf("rotation.check_interval_seconds must be at least 1")
	}
	return nil
}

func (c AppConfig) validateStore() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.BoardSize <= 0 {
		return fmt.Errorf("board.size must be positive")
	}
	if c.ReportThreshold <= 0 {
		return fmt.Errorf("economy.report_threshold must be positive")
	}
	if c.FreeWindowSize < 0 {
		return fmt.Errorf("economy.free_window_size must not be negative")
	}
	return nil
}
