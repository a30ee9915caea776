// Package config loads botdeck settings from the environment and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds settings shared by the backend server and the botctl client.
type Config struct {
	// ServerAddr is the address the backend HTTP server listens on.
	ServerAddr string `mapstructure:"SERVER_ADDR"`
	// DBDSN is the SQLite DSN used by the store and the whatsmeow device container.
	DBDSN string `mapstructure:"DB_DSN"`
	// APIBaseURL is where botctl reaches the backend REST API.
	APIBaseURL string `mapstructure:"API_BASE_URL"`
	// SocketPath is the real-time channel endpoint, relative to APIBaseURL.
	SocketPath string `mapstructure:"SOCKET_PATH"`
	// RedirectDelay is how long a successful registration waits before handing off.
	RedirectDelay time.Duration `mapstructure:"REDIRECT_DELAY"`
	// RequestTimeout bounds each REST call made by botctl.
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	// PairingTimeout bounds a pairing session on the backend.
	PairingTimeout time.Duration `mapstructure:"PAIRING_TIMEOUT"`
	// SocketReconnectAttempts is how many times the channel client redials.
	SocketReconnectAttempts int `mapstructure:"SOCKET_RECONNECT_ATTEMPTS"`
	// SocketReconnectDelay is the fixed pause between redials.
	SocketReconnectDelay time.Duration `mapstructure:"SOCKET_RECONNECT_DELAY"`
	// TokenTTL is the default lifetime of tokens issued through the admin endpoint.
	TokenTTL time.Duration `mapstructure:"TOKEN_TTL"`
	// LogLevel is a zerolog level name.
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogPretty switches to the human-readable console writer.
	LogPretty bool `mapstructure:"LOG_PRETTY"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // missing .env is fine

	v.AutomaticEnv()

	v.SetDefault("SERVER_ADDR", ":4001")
	v.SetDefault("DB_DSN", "file:botdeck.db?_foreign_keys=on")
	v.SetDefault("API_BASE_URL", "http://localhost:4001")
	v.SetDefault("SOCKET_PATH", "/socket")
	v.SetDefault("REDIRECT_DELAY", "2s")
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("PAIRING_TIMEOUT", "120s")
	v.SetDefault("SOCKET_RECONNECT_ATTEMPTS", 5)
	v.SetDefault("SOCKET_RECONNECT_DELAY", "1s")
	v.SetDefault("TOKEN_TTL", "720h")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", true)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.ServerAddr == "" {
		return nil, errors.New("config: SERVER_ADDR must be set")
	}
	if cfg.APIBaseURL == "" {
		return nil, errors.New("config: API_BASE_URL must be set")
	}
	cfg.APIBaseURL = strings.TrimRight(cfg.APIBaseURL, "/")
	if !strings.HasPrefix(cfg.SocketPath, "/") {
		cfg.SocketPath = "/" + cfg.SocketPath
	}
	if cfg.RedirectDelay < 0 {
		return nil, errors.New("config: REDIRECT_DELAY must not be negative")
	}
	if cfg.SocketReconnectAttempts < 0 {
		cfg.SocketReconnectAttempts = 0
	}
	return &cfg, nil
}

// SocketURL returns the ws:// or wss:// URL of the real-time channel.
func (c *Config) SocketURL() string {
	base := c.APIBaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + c.SocketPath
}
