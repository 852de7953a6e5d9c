package client

import (
	"crypto/rsa"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/aeolun/securechat/pkg/crypto"
)

// TOMLConfig represents the structure of the client config file
type TOMLConfig struct {
	Connection ConnectionSection `toml:"connection"`
	Local      LocalSection      `toml:"local"`
	UI         UISection         `toml:"ui"`
}

type ConnectionSection struct {
	Server  string `toml:"server"`
	Version string `toml:"protocol_version"`
	// ServerKeyPath pins the server public key (PEM). Empty trusts whatever the server presents.
	ServerKeyPath string `toml:"server_key_path"`
}

type LocalSection struct {
	Nickname    string `toml:"nickname"`
	KeyPath     string `toml:"key_path"`
	KeyBits     int    `toml:"key_bits"`
	DownloadDir string `toml:"download_dir"`
}

type UISection struct {
	ShowTimestamps  bool   `toml:"show_timestamps"`
	TimestampFormat string `toml:"timestamp_format"` // Go layout, e.g. 15:04
}

// ConfigError represents a structured configuration error
type ConfigError struct {
	Path       string
	Message    string
	LineNumber int // 0 if not a parse error
}

func (e *ConfigError) Error() string {
	if e.LineNumber > 0 {
		return fmt.Sprintf("%s: %s (line %d)", e.Path, e.Message, e.LineNumber)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// getXDGDataHome returns the XDG data directory
func getXDGDataHome() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return xdg
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".local", "share")
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	dataHome := filepath.Join(getXDGDataHome(), "securechat")

	return TOMLConfig{
		Connection: ConnectionSection{
			Server:  "localhost:6465",
			Version: DefaultVersion,
		},
		Local: LocalSection{
			KeyPath:     filepath.Join(dataHome, "client.pem"),
			KeyBits:     crypto.DefaultKeyBits,
			DownloadDir: filepath.Join(dataHome, "downloads"),
		},
		UI: UISection{
			ShowTimestamps:  true,
			TimestampFormat: "15:04",
		},
	}
}

// LoadClientConfig loads configuration from a TOML file, creates default if not found
func LoadClientConfig(path string) (TOMLConfig, error) {
	path, err := crypto.ExpandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// An unwritable location still leaves us with usable defaults
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, &ConfigError{
			Path:       path,
			Message:    strings.TrimPrefix(err.Error(), "toml: "),
			LineNumber: extractLineNumber(err.Error()),
		}
	}

	if err := validateConfig(&config); err != nil {
		return TOMLConfig{}, &ConfigError{Path: path, Message: err.Error()}
	}

	return config, nil
}

var lineNumberPattern = regexp.MustCompile(`line (\d+)`)

// extractLineNumber tries to extract a line number from a TOML parse error
func extractLineNumber(errMsg string) int {
	matches := lineNumberPattern.FindStringSubmatch(errMsg)
	if len(matches) > 1 {
		if num, err := strconv.Atoi(matches[1]); err == nil {
			return num
		}
	}
	return 0
}

func validateConfig(config *TOMLConfig) error {
	var problems []string

	if strings.TrimSpace(config.Connection.Server) == "" {
		problems = append(problems, "server address cannot be empty")
	}
	if config.Local.KeyBits != 0 && config.Local.KeyBits < 2048 {
		problems = append(problems, fmt.Sprintf("key_bits %d is too small (minimum 2048)", config.Local.KeyBits))
	}
	if strings.TrimSpace(config.Local.KeyPath) == "" {
		problems = append(problems, "key_path cannot be empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  • %s", strings.Join(problems, "\n  • "))
	}
	return nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# SecureChat Client Configuration
# This file was auto-generated with default values
# Edit as needed - changes take effect on next client start

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Options builds client options from the file: it loads (or creates) the identity key
// and the pinned server key. Nickname and one-time code are left to the caller when
// the file does not set them.
func (c *TOMLConfig) Options() (Options, error) {
	keyPath, err := crypto.ExpandHome(c.Local.KeyPath)
	if err != nil {
		return Options{}, err
	}
	key, _, err := crypto.LoadOrGenerate(keyPath, c.Local.KeyBits)
	if err != nil {
		return Options{}, fmt.Errorf("client key: %w", err)
	}

	var serverKey *rsa.PublicKey
	if c.Connection.ServerKeyPath != "" {
		serverKey, err = loadPublicKey(c.Connection.ServerKeyPath)
		if err != nil {
			return Options{}, fmt.Errorf("pinned server key: %w", err)
		}
	}

	downloads, err := crypto.ExpandHome(c.Local.DownloadDir)
	if err != nil {
		return Options{}, err
	}

	return Options{
		Nickname:    c.Local.Nickname,
		Version:     c.Connection.Version,
		Key:         key,
		ServerKey:   serverKey,
		DownloadDir: downloads,
	}, nil
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	path, err := crypto.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return crypto.ParsePublicKey(string(data))
}
