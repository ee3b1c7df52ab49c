package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed config.toml.sample
var configTemplate string

// Transport names understood by the realtime server and client.
const (
	TransportWebSocket = "websocket"
	TransportPolling   = "polling"
)

type Config struct {
	ListenAddr     string         `toml:"listen_addr"`
	StorageDir     string         `toml:"storage_dir"`
	AllowedOrigins []string       `toml:"allowed_origins"`
	Admins         []string       `toml:"admins"`
	Auth           AuthConfig     `toml:"auth"`
	OAuth          OAuthConfig    `toml:"oauth"`
	Realtime       RealtimeConfig `toml:"realtime"`
	Client         ClientConfig   `toml:"client"`
}

type AuthConfig struct {
	JWTSecret string   `toml:"jwt_secret"`
	TokenTTL  Duration `toml:"token_ttl"`
	// HandshakeTimeout bounds credential verification on new realtime
	// connections.
	HandshakeTimeout Duration `toml:"handshake_timeout"`
}

type OAuthConfig struct {
	GitHub *GitHubOAuthConfig `toml:"github,omitempty"`
}

type GitHubOAuthConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RedirectURL  string `toml:"redirect_url"`
}

type RealtimeConfig struct {
	// Transports in preference order.
	Transports      []string `toml:"transports"`
	SessionBuffer   int      `toml:"session_buffer"`
	PollTimeout     Duration `toml:"poll_timeout"`
	PollIdleTimeout Duration `toml:"poll_idle_timeout"`
	PingInterval    Duration `toml:"ping_interval"`
}

type ClientConfig struct {
	ServerURL         string   `toml:"server_url"`
	Token             string   `toml:"token,omitempty"`
	MaxConnectErrors  int      `toml:"max_connect_errors"`
	ReconnectDelay    Duration `toml:"reconnect_delay"`
	ReconnectDelayMax Duration `toml:"reconnect_delay_max"`
	ServerDropDelay   Duration `toml:"server_drop_delay"`
	HandshakeTimeout  Duration `toml:"handshake_timeout"`
}

type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func GetDefaultConfig() (*Config, error) {
	storageDir, err := GetDefaultStorageDir()
	if err != nil {
		return nil, fmt.Errorf("getting default storage directory: %w", err)
	}
	cfg := &Config{StorageDir: storageDir}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadConfig reads configPath, falling back to defaults when the file does
// not exist.
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return GetDefaultConfig()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.StorageDir == "" {
		storageDir, err := GetDefaultStorageDir()
		if err != nil {
			return nil, fmt.Errorf("getting default storage directory: %w", err)
		}
		cfg.StorageDir = storageDir
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "localhost:6969"
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"http://localhost:5173"}
	}
	if c.Auth.TokenTTL.Duration == 0 {
		c.Auth.TokenTTL = Duration{7 * 24 * time.Hour}
	}
	if c.Auth.HandshakeTimeout.Duration == 0 {
		c.Auth.HandshakeTimeout = Duration{5 * time.Second}
	}
	if len(c.Realtime.Transports) == 0 {
		c.Realtime.Transports = []string{TransportWebSocket, TransportPolling}
	}
	if c.Realtime.SessionBuffer <= 0 {
		c.Realtime.SessionBuffer = 32
	}
	if c.Realtime.PollTimeout.Duration == 0 {
		c.Realtime.PollTimeout = Duration{25 * time.Second}
	}
	if c.Realtime.PollIdleTimeout.Duration == 0 {
		c.Realtime.PollIdleTimeout = Duration{60 * time.Second}
	}
	if c.Realtime.PingInterval.Duration == 0 {
		c.Realtime.PingInterval = Duration{54 * time.Second}
	}
	if c.Client.ServerURL == "" {
		c.Client.ServerURL = "http://" + c.ListenAddr
	}
	if c.Client.MaxConnectErrors <= 0 {
		c.Client.MaxConnectErrors = 3
	}
	if c.Client.ReconnectDelay.Duration == 0 {
		c.Client.ReconnectDelay = Duration{2 * time.Second}
	}
	if c.Client.ReconnectDelayMax.Duration == 0 {
		c.Client.ReconnectDelayMax = Duration{5 * time.Second}
	}
	if c.Client.ServerDropDelay.Duration == 0 {
		c.Client.ServerDropDelay = Duration{time.Second}
	}
	if c.Client.HandshakeTimeout.Duration == 0 {
		c.Client.HandshakeTimeout = Duration{10 * time.Second}
	}
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	for _, t := range c.Realtime.Transports {
		if t != TransportWebSocket && t != TransportPolling {
			return fmt.Errorf("unknown realtime transport %q", t)
		}
	}
	if c.Realtime.PollIdleTimeout.Duration <= c.Realtime.PollTimeout.Duration {
		return errors.New("realtime.poll_idle_timeout must be longer than realtime.poll_timeout")
	}
	if c.Client.ReconnectDelayMax.Duration < c.Client.ReconnectDelay.Duration {
		return errors.New("client.reconnect_delay_max must not be shorter than client.reconnect_delay")
	}
	return nil
}

// DBPath is the sqlite database holding users, posts and notifications.
func (c *Config) DBPath() string {
	return filepath.Join(c.StorageDir, "chirper.db")
}

// OriginAllowed reports whether a browser origin may open realtime sessions.
// Requests without an Origin header (CLI clients) are always allowed.
func (c *Config) OriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	origin = strings.TrimSuffix(origin, "/")
	for _, o := range c.AllowedOrigins {
		if o == "*" || strings.EqualFold(strings.TrimSuffix(o, "/"), origin) {
			return true
		}
	}
	return false
}

// IsAdmin reports whether username may post announcements.
func (c *Config) IsAdmin(username string) bool {
	return slices.Contains(c.Admins, username)
}

func (c *Config) SaveConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(configPath, data, 0600)
}

// SaveTemplateConfig writes the commented sample configuration with the
// storage directory and JWT secret filled in.
func (c *Config) SaveTemplateConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	template := strings.Replace(configTemplate, "/home/user/.local/share/chirper", c.StorageDir, 1)
	template = strings.Replace(template, "change-me", c.Auth.JWTSecret, 1)
	return os.WriteFile(configPath, []byte(template), 0600)
}

// GetDefaultStorageDir returns the default storage directory for databases
func GetDefaultStorageDir() (string, error) {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	dir := filepath.Join(dataDir, "chirper")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating storage directory %s: %w", dir, err)
	}
	return dir, nil
}

// GetConfigDir returns the configuration directory for chirper
func GetConfigDir() (string, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	dir := filepath.Join(configDir, "chirper")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory %s: %w", dir, err)
	}
	return dir, nil
}

// GetDefaultConfigPath returns the default configuration file path
func GetDefaultConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.toml"), nil
}
