package server

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
}

type ServerSection struct {
	Port                 int    `toml:"port"`
	BlockDurationSeconds int    `toml:"block_duration_seconds"`
	TimeoutSeconds       int    `toml:"timeout_seconds"`
	CredentialsPath      string `toml:"credentials_path"`
	MetricsPort          int    `toml:"metrics_port"`
	WebSocketPort        int    `toml:"websocket_port"`
	PasswordCost         int    `toml:"password_cost"`
	Debug                bool   `toml:"debug"`
}

// Config holds the resolved server settings.
type Config struct {
	Port            int
	BlockDuration   time.Duration // lockout length after three failed logins
	Timeout         time.Duration // idle timeout for authenticated sessions, 0 disables
	CredentialsPath string
	MetricsPort     int // /metrics and /health, 0 disables
	WebSocketPort   int // /ws, 0 disables
	PasswordCost    int
	Debug           bool
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		Port:            6465,
		BlockDuration:   60 * time.Second,
		Timeout:         120 * time.Second,
		CredentialsPath: "credentials.txt",
		MetricsPort:     9090,
		WebSocketPort:   8080,
		PasswordCost:    10,
	}
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	d := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			Port:                 d.Port,
			BlockDurationSeconds: int(d.BlockDuration / time.Second),
			TimeoutSeconds:       int(d.Timeout / time.Second),
			CredentialsPath:      d.CredentialsPath,
			MetricsPort:          d.MetricsPort,
			WebSocketPort:        d.WebSocketPort,
			PasswordCost:         d.PasswordCost,
		},
	}
}

// LoadConfig loads configuration from a TOML file and applies environment
// variable overrides. A missing file yields the defaults, and a default file is
// written there when possible.
func LoadConfig(path string) (TOMLConfig, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return TOMLConfig{}, errors.Wrap(err, "failed to get home directory")
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path); err != nil {
			logger.WithError(err).Debug("could not write default config")
		}
		return applyEnvOverrides(config), nil
	}

	config := DefaultTOMLConfig()
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, errors.Wrap(err, "failed to parse config file")
	}

	return applyEnvOverrides(config), nil
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: PEERCHAT_SERVER_KEY
// Example: PEERCHAT_SERVER_PORT=7000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	ints := map[string]*int{
		"PEERCHAT_SERVER_PORT":                   &config.Server.Port,
		"PEERCHAT_SERVER_BLOCK_DURATION_SECONDS": &config.Server.BlockDurationSeconds,
		"PEERCHAT_SERVER_TIMEOUT_SECONDS":        &config.Server.TimeoutSeconds,
		"PEERCHAT_SERVER_METRICS_PORT":           &config.Server.MetricsPort,
		"PEERCHAT_SERVER_WEBSOCKET_PORT":         &config.Server.WebSocketPort,
		"PEERCHAT_SERVER_PASSWORD_COST":          &config.Server.PasswordCost,
	}
	for key, field := range ints {
		if val := os.Getenv(key); val != "" {
			if n, err := strconv.Atoi(val); err == nil {
				*field = n
			}
		}
	}

	if val := os.Getenv("PEERCHAT_SERVER_CREDENTIALS_PATH"); val != "" {
		config.Server.CredentialsPath = val
	}
	if val := os.Getenv("PEERCHAT_SERVER_DEBUG"); val != "" {
		if debug, err := strconv.ParseBool(val); err == nil {
			config.Server.Debug = debug
		}
	}

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	content := `# PeerChat Server Configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# PEERCHAT_SERVER_KEY (e.g., PEERCHAT_SERVER_PORT=7000)
# Positional command line arguments override both.

[server]
# Port for chat connections
port = 6465

# Seconds an account stays locked after three failed logins
block_duration_seconds = 60

# Seconds of silence before a logged-in session is logged out (0 = never)
timeout_seconds = 120

# Account seed file, one "username password" per line
credentials_path = "credentials.txt"

# Port for /metrics and /health (0 = disabled, keep it internal)
metrics_port = 9090

# Port for the /ws WebSocket endpoint (0 = disabled)
websocket_port = 8080

# bcrypt cost used when hashing seed passwords
password_cost = 10

# Verbose diagnostics
debug = false
`

	return errors.Wrap(os.WriteFile(path, []byte(content), 0644), "failed to write config")
}

// ToConfig converts TOMLConfig to Config. Zero ports and durations keep their
// meaning ("disabled"); a zero port for chat traffic picks the default.
func (c TOMLConfig) ToConfig() Config {
	cfg := DefaultConfig()

	if c.Server.Port != 0 {
		cfg.Port = c.Server.Port
	}
	cfg.BlockDuration = time.Duration(c.Server.BlockDurationSeconds) * time.Second
	cfg.Timeout = time.Duration(c.Server.TimeoutSeconds) * time.Second
	if strings.TrimSpace(c.Server.CredentialsPath) != "" {
		cfg.CredentialsPath = c.Server.CredentialsPath
	}
	cfg.MetricsPort = c.Server.MetricsPort
	cfg.WebSocketPort = c.Server.WebSocketPort
	if c.Server.PasswordCost != 0 {
		cfg.PasswordCost = c.Server.PasswordCost
	}
	cfg.Debug = c.Server.Debug

	return cfg
}

// ApplyArgs overrides port, block duration and timeout from positional
// command line arguments, in that order. Any prefix may be given.
func (cfg *Config) ApplyArgs(args []string) error {
	names := []string{"port", "block_duration", "timeout"}
	if len(args) > len(names) {
		return errors.Errorf("expected at most %d arguments, got %d", len(names), len(args))
	}
	for i, arg := range args {
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 {
			return errors.Errorf("%s must be a non-negative integer, got %q", names[i], arg)
		}
		switch i {
		case 0:
			cfg.Port = n
		case 1:
			cfg.BlockDuration = time.Duration(n) * time.Second
		case 2:
			cfg.Timeout = time.Duration(n) * time.Second
		}
	}
	return nil
}
