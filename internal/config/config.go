// Package config provides configuration loading for the coordination daemon.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the daemon.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Auth settings. AuthDisabled skips JWT validation entirely; meant for
	// local development only.
	AuthDisabled bool
	JWKSEndpoint string
	JWTAudience  string
	JWTIssuer    string

	// Persistence
	DBPath string

	// Runner settings
	RunnerMode       string // "cli" or "acp"
	AssistantCommand string
	AssistantModel   string
	AllowedTools     []string

	// Session settings
	TmuxSocketPath  string
	DefaultShell    string
	DefaultRows     int
	DefaultCols     int
	SettleDelay     time.Duration
	ReplayCapacity  int
	IdleTimeout     time.Duration
	CleanupInterval time.Duration

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int
	EventBufferSize   int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnvInt("AGENT_DAEMON_PORT", 8080),
		Host:           getEnv("AGENT_DAEMON_HOST", "0.0.0.0"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", []string{"*"}),

		AuthDisabled: getEnvBool("AUTH_DISABLED", false),
		JWKSEndpoint: getEnv("JWKS_ENDPOINT", ""),
		JWTAudience:  getEnv("JWT_AUDIENCE", "agent-daemon"),
		JWTIssuer:    getEnv("JWT_ISSUER", ""),

		DBPath: getEnv("DB_PATH", "orchestrations.db"),

		RunnerMode:       getEnv("RUNNER_MODE", "cli"),
		AssistantCommand: getEnv("ASSISTANT_COMMAND", ""),
		AssistantModel:   getEnv("ASSISTANT_MODEL", ""),
		AllowedTools:     getEnvStringSlice("ALLOWED_TOOLS", nil),

		TmuxSocketPath:  getEnv("TMUX_SOCKET_PATH", ""),
		DefaultShell:    getEnv("DEFAULT_SHELL", "/bin/bash"),
		DefaultRows:     getEnvInt("DEFAULT_ROWS", 24),
		DefaultCols:     getEnvInt("DEFAULT_COLS", 80),
		SettleDelay:     getEnvDuration("SESSION_SETTLE_DELAY", 3*time.Second),
		ReplayCapacity:  getEnvInt("SESSION_REPLAY_BYTES", 262144),
		IdleTimeout:     getEnvDuration("SESSION_IDLE_TIMEOUT", 0), // 0 disables reaping
		CleanupInterval: getEnvDuration("SESSION_CLEANUP_INTERVAL", time.Minute),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),
		EventBufferSize:   getEnvInt("EVENT_BUFFER_SIZE", 64),
	}

	if cfg.RunnerMode != "cli" && cfg.RunnerMode != "acp" {
		return nil, fmt.Errorf("RUNNER_MODE must be \"cli\" or \"acp\", got %q", cfg.RunnerMode)
	}

	if !cfg.AuthDisabled {
		if cfg.JWKSEndpoint == "" {
			return nil, fmt.Errorf("JWKS_ENDPOINT is required unless AUTH_DISABLED=true")
		}
		// The issuer defaults to the JWKS endpoint's origin.
		if cfg.JWTIssuer == "" {
			cfg.JWTIssuer = originOf(cfg.JWKSEndpoint)
		}
	}

	return cfg, nil
}

// originOf reduces a URL to its scheme://host origin.
func originOf(url string) string {
	rest := url
	scheme := ""
	if idx := strings.Index(rest, "://"); idx != -1 {
		scheme = rest[:idx+3]
		rest = rest[idx+3:]
	}
	if idx := strings.Index(rest, "/"); idx != -1 {
		rest = rest[:idx]
	}
	return scheme + rest
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
