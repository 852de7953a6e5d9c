package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	"github.com/aeolun/securechat/pkg/crypto"
	"github.com/aeolun/securechat/pkg/protocol"
)

// Config holds server configuration
type Config struct {
	Host            string
	TCPPort         int
	SSHPort         int
	SSHHostKeyPath  string
	HTTPPort        int
	PrivateKeyPath  string
	KeyBits         int
	ProtocolVersion string

	OTPSecret       string
	InsecureSkipOTP bool

	RateLimitAttempts   int
	RateLimitWindow     time.Duration
	MaxFileSize         int64
	MaxPackageSize      uint64
	MaxNicknameLength   int
	MaxNicknameAttempts int
	OutboxSize          int
	WriteTimeout        time.Duration
	HandshakeTimeout    time.Duration

	SweepInterval     time.Duration
	MaxAcceptFailures int
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		TCPPort:         6465,
		SSHPort:         6466,
		SSHHostKeyPath:  "~/.securechat/ssh_host_key",
		HTTPPort:        6467,
		PrivateKeyPath:  "~/.securechat/server.pem",
		KeyBits:         crypto.DefaultKeyBits,
		ProtocolVersion: "1.0.0",

		RateLimitAttempts:   5,
		RateLimitWindow:     120 * time.Second,
		MaxFileSize:         100_000_000,
		MaxPackageSize:      protocol.DefaultMaxPackageSize,
		MaxNicknameLength:   20,
		MaxNicknameAttempts: 3,
		OutboxSize:          256,
		WriteTimeout:        30 * time.Second,
		HandshakeTimeout:    30 * time.Second,

		SweepInterval:     60 * time.Second,
		MaxAcceptFailures: 10,
	}
}

// Validate rejects configurations the server cannot run with
func (c Config) Validate() error {
	if c.OTPSecret == "" && !c.InsecureSkipOTP {
		return errors.New("no one-time-password secret configured; set [security].otp_secret or SECURECHAT_AUTHKEY")
	}
	if c.RateLimitAttempts <= 0 || c.RateLimitWindow <= 0 {
		return errors.New("rate limit attempts and window must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	if c.ProtocolVersion == "" {
		return errors.New("protocol version must not be empty")
	}
	return nil
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server      ServerSection      `toml:"server"`
	Security    SecuritySection    `toml:"security"`
	Limits      LimitsSection      `toml:"limits"`
	Maintenance MaintenanceSection `toml:"maintenance"`
}

type ServerSection struct {
	Host            string `toml:"host"`
	TCPPort         int    `toml:"tcp_port"`
	SSHPort         int    `toml:"ssh_port"`
	SSHHostKey      string `toml:"ssh_host_key"`
	HTTPPort        int    `toml:"http_port"`
	PrivateKeyPath  string `toml:"private_key_path"`
	KeyBits         int    `toml:"key_bits"`
	ProtocolVersion string `toml:"protocol_version"`
}

type SecuritySection struct {
	OTPSecret       string `toml:"otp_secret"`
	InsecureSkipOTP bool   `toml:"insecure_skip_otp"`
}

type LimitsSection struct {
	RateLimitAttempts       int    `toml:"rate_limit_attempts"`
	RateLimitWindowSeconds  int    `toml:"rate_limit_window_seconds"`
	MaxFileSize             int64  `toml:"max_file_size"`
	MaxPackageSize          uint64 `toml:"max_package_size"`
	MaxNicknameLength       int    `toml:"max_nickname_length"`
	MaxNicknameAttempts     int    `toml:"max_nickname_attempts"`
	OutboxSize              int    `toml:"outbox_size"`
	WriteTimeoutSeconds     int    `toml:"write_timeout_seconds"`
	HandshakeTimeoutSeconds int    `toml:"handshake_timeout_seconds"`
}

type MaintenanceSection struct {
	SweepIntervalSeconds int `toml:"sweep_interval_seconds"`
	MaxAcceptFailures    int `toml:"max_accept_failures"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	d := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			Host:            d.Host,
			TCPPort:         d.TCPPort,
			SSHPort:         d.SSHPort,
			SSHHostKey:      d.SSHHostKeyPath,
			HTTPPort:        d.HTTPPort,
			PrivateKeyPath:  d.PrivateKeyPath,
			KeyBits:         d.KeyBits,
			ProtocolVersion: d.ProtocolVersion,
		},
		Limits: LimitsSection{
			RateLimitAttempts:       d.RateLimitAttempts,
			RateLimitWindowSeconds:  int(d.RateLimitWindow / time.Second),
			MaxFileSize:             d.MaxFileSize,
			MaxPackageSize:          d.MaxPackageSize,
			MaxNicknameLength:       d.MaxNicknameLength,
			MaxNicknameAttempts:     d.MaxNicknameAttempts,
			OutboxSize:              d.OutboxSize,
			WriteTimeoutSeconds:     int(d.WriteTimeout / time.Second),
			HandshakeTimeoutSeconds: int(d.HandshakeTimeout / time.Second),
		},
		Maintenance: MaintenanceSection{
			SweepIntervalSeconds: int(d.SweepInterval / time.Second),
			MaxAcceptFailures:    d.MaxAcceptFailures,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := crypto.ExpandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// If we can't write, just return defaults without error
			// (might be a permissions issue, but we can still run)
			return config, nil
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# SecureChat Server Configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect
#
# [security].otp_secret is the base32 TOTP secret shared with users out of band.
# SECURECHAT_AUTHKEY overrides it. insecure_skip_otp disables the one-time-code
# check entirely and must only be used for local testing.

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to Config. Zero values keep the defaults.
func (c *TOMLConfig) ToServerConfig() Config {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.Host) != "" {
		cfg.Host = c.Server.Host
	}
	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	// Negative ports disable the listener
	if c.Server.SSHPort != 0 {
		cfg.SSHPort = c.Server.SSHPort
	}
	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if strings.TrimSpace(c.Server.PrivateKeyPath) != "" {
		cfg.PrivateKeyPath = c.Server.PrivateKeyPath
	}
	if c.Server.KeyBits != 0 {
		cfg.KeyBits = c.Server.KeyBits
	}
	if strings.TrimSpace(c.Server.ProtocolVersion) != "" {
		cfg.ProtocolVersion = c.Server.ProtocolVersion
	}

	cfg.OTPSecret = strings.TrimSpace(c.Security.OTPSecret)
	cfg.InsecureSkipOTP = c.Security.InsecureSkipOTP

	if c.Limits.RateLimitAttempts != 0 {
		cfg.RateLimitAttempts = c.Limits.RateLimitAttempts
	}
	if c.Limits.RateLimitWindowSeconds != 0 {
		cfg.RateLimitWindow = time.Duration(c.Limits.RateLimitWindowSeconds) * time.Second
	}
	if c.Limits.MaxFileSize != 0 {
		cfg.MaxFileSize = c.Limits.MaxFileSize
	}
	if c.Limits.MaxPackageSize != 0 {
		cfg.MaxPackageSize = c.Limits.MaxPackageSize
	}
	if c.Limits.MaxNicknameLength != 0 {
		cfg.MaxNicknameLength = c.Limits.MaxNicknameLength
	}
	if c.Limits.MaxNicknameAttempts != 0 {
		cfg.MaxNicknameAttempts = c.Limits.MaxNicknameAttempts
	}
	if c.Limits.OutboxSize != 0 {
		cfg.OutboxSize = c.Limits.OutboxSize
	}
	if c.Limits.WriteTimeoutSeconds != 0 {
		cfg.WriteTimeout = time.Duration(c.Limits.WriteTimeoutSeconds) * time.Second
	}
	if c.Limits.HandshakeTimeoutSeconds != 0 {
		cfg.HandshakeTimeout = time.Duration(c.Limits.HandshakeTimeoutSeconds) * time.Second
	}

	if c.Maintenance.SweepIntervalSeconds != 0 {
		cfg.SweepInterval = time.Duration(c.Maintenance.SweepIntervalSeconds) * time.Second
	}
	if c.Maintenance.MaxAcceptFailures != 0 {
		cfg.MaxAcceptFailures = c.Maintenance.MaxAcceptFailures
	}

	return cfg
}

// Environment holds settings read from the process environment
type Environment struct {
	AuthKey    string `env:"SECURECHAT_AUTHKEY"`
	ConfigPath string `env:"SECURECHAT_CONFIG"`
}

// LoadEnvironment reads the environment, loading a .env file first when one exists
func LoadEnvironment() (Environment, error) {
	_ = godotenv.Load()

	var e Environment
	if _, err := env.UnmarshalFromEnviron(&e); err != nil {
		return Environment{}, fmt.Errorf("config error: %w", err)
	}
	return e, nil
}

// Apply overrides file settings with environment settings
func (e Environment) Apply(cfg *Config) {
	if strings.TrimSpace(e.AuthKey) != "" {
		cfg.OTPSecret = strings.TrimSpace(e.AuthKey)
	}
}
