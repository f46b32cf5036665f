package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"

	DefaultRequestTimeoutMS     = 30_000
	DefaultStatusCheckRetries   = 2
	DefaultReconnectBaseDelayMS = 1_000
	DefaultReconnectMaxDelayMS  = 30_000
	DefaultReconnectMaxAttempts = 5
	DefaultIdleTimeoutMS        = 90_000
	DefaultToolIndicatorClearMS = 3_000
)

// Config is the on-disk configuration for redeven-stream.
//
// NOTE: This file contains the API token. Always keep it chmod 0600.
type Config struct {
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIToken string `json:"api_token,omitempty" yaml:"api_token,omitempty"`

	// Transport is "sse" (default) or "websocket".
	Transport string `json:"transport,omitempty" yaml:"transport,omitempty"`

	RequestTimeoutMS   int `json:"request_timeout_ms,omitempty" yaml:"request_timeout_ms,omitempty"`
	StatusCheckRetries *int `json:"status_check_retries,omitempty" yaml:"status_check_retries,omitempty"`

	Reconnect ReconnectConfig `json:"reconnect" yaml:"reconnect"`

	// IdleTimeoutMS closes a stream that sent nothing, not even a ping, for this
	// long. Zero after defaults means the default; a negative value disables it.
	IdleTimeoutMS        int `json:"idle_timeout_ms,omitempty" yaml:"idle_timeout_ms,omitempty"`
	ToolIndicatorClearMS int `json:"tool_indicator_clear_ms,omitempty" yaml:"tool_indicator_clear_ms,omitempty"`

	// StateDir holds the snapshot database and the lock file.
	// If empty, the directory of the config file is used.
	StateDir string `json:"state_dir,omitempty" yaml:"state_dir,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty" yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

type ReconnectConfig struct {
	BaseDelayMS int `json:"base_delay_ms,omitempty" yaml:"base_delay_ms,omitempty"`
	MaxDelayMS  int `json:"max_delay_ms,omitempty" yaml:"max_delay_ms,omitempty"`
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c == nil {
		return
	}
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	switch c.Transport {
	case "":
		c.Transport = TransportSSE
	case "ws":
		c.Transport = TransportWebSocket
	}
	if c.RequestTimeoutMS <= 0 {
		c.RequestTimeoutMS = DefaultRequestTimeoutMS
	}
	if c.StatusCheckRetries == nil {
		n := DefaultStatusCheckRetries
		c.StatusCheckRetries = &n
	}
	if c.Reconnect.BaseDelayMS <= 0 {
		c.Reconnect.BaseDelayMS = DefaultReconnectBaseDelayMS
	}
	if c.Reconnect.MaxDelayMS <= 0 {
		c.Reconnect.MaxDelayMS = DefaultReconnectMaxDelayMS
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = DefaultReconnectMaxAttempts
	}
	if c.IdleTimeoutMS == 0 {
		c.IdleTimeoutMS = DefaultIdleTimeoutMS
	}
	if c.ToolIndicatorClearMS <= 0 {
		c.ToolIndicatorClearMS = DefaultToolIndicatorClearMS
	}
	if strings.TrimSpace(c.LogFormat) == "" {
		c.LogFormat = "text"
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	base := strings.TrimSpace(c.BaseURL)
	if base == "" {
		return errors.New("missing base_url")
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid base_url %q", base)
	}
	switch strings.ToLower(strings.TrimSpace(c.Transport)) {
	case "", TransportSSE, TransportWebSocket, "ws":
	default:
		return fmt.Errorf("invalid transport %q", c.Transport)
	}
	if c.StatusCheckRetries != nil && *c.StatusCheckRetries < 0 {
		return errors.New("status_check_retries must not be negative")
	}
	if c.Reconnect.MaxDelayMS > 0 && c.Reconnect.BaseDelayMS > c.Reconnect.MaxDelayMS {
		return errors.New("reconnect.base_delay_ms exceeds reconnect.max_delay_ms")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

func (c *Config) IdleTimeout() time.Duration {
	if c.IdleTimeoutMS < 0 {
		return 0
	}
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}

func (c *Config) ToolIndicatorClear() time.Duration {
	return time.Duration(c.ToolIndicatorClearMS) * time.Millisecond
}

// DefaultConfigPath returns the default config path:
//
//	~/.redeven-stream/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "redeven-stream.config.json"
	}
	return filepath.Join(home, ".redeven-stream", "config.json")
}

// ResolveStateDir returns StateDir, or the config file's directory when unset.
func (c *Config) ResolveStateDir(configPath string) string {
	if dir := strings.TrimSpace(c.StateDir); dir != "" {
		return dir
	}
	return filepath.Dir(configPath)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// Load reads, defaults and validates the config at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if isYAML(path) {
		err = yaml.Unmarshal(b, &cfg)
	} else {
		err = json.Unmarshal(b, &cfg)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	var (
		b   []byte
		err error
	)
	if isYAML(path) {
		b, err = yaml.Marshal(cfg)
	} else {
		b, err = json.MarshalIndent(cfg, "", "  ")
		b = append(b, '\n')
	}
	if err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
