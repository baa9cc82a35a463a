package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/zach-source/idleguard/internal/util"
)

// EnvPrefix is the prefix of every environment override, e.g.
// IDLEGUARD_INACTIVITY_TIMEOUT=15m.
const EnvPrefix = "IDLEGUARD"

// Flag store backends.
const (
	FlagStoreFile   = "file"
	FlagStoreMemory = "memory"
	FlagStoreRedis  = "redis"
)

// Daemon configures idleguardd. Values are layered: defaults, then
// config.yaml, then IDLEGUARD_* environment, then command-line flags.
type Daemon struct {
	SocketPath string `yaml:"socket_path" envconfig:"SOCKET"`
	LogLevel   string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	Verbose    bool   `yaml:"verbose" envconfig:"VERBOSE"`

	// Guard defaults, overridden per attachment by the settings service.
	InactivityTimeout time.Duration `yaml:"inactivity_timeout" envconfig:"INACTIVITY_TIMEOUT"`
	LogoutCountdown   time.Duration `yaml:"logout_countdown" envconfig:"LOGOUT_COUNTDOWN"`
	PostTimeoutAction string        `yaml:"post_timeout_action" envconfig:"POST_TIMEOUT_ACTION"`
	RedirectURL       string        `yaml:"redirect_url" envconfig:"REDIRECT_URL"`
	LogoURL           string        `yaml:"logo_url" envconfig:"LOGO_URL"`
	LogoutPath        string        `yaml:"logout_path" envconfig:"LOGOUT_PATH"`
	PollInterval      time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`

	// Settings service.
	SettingsURL  string        `yaml:"settings_url" envconfig:"SETTINGS_URL"`
	SettingsFile string        `yaml:"settings_file" envconfig:"SETTINGS_FILE"`
	SettingsTTL  time.Duration `yaml:"settings_ttl" envconfig:"SETTINGS_TTL"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" envconfig:"FETCH_TIMEOUT"`
	// SettingsToken is sent as a bearer token to SettingsURL.
	SettingsToken string `yaml:"-" envconfig:"SETTINGS_TOKEN"`

	// Durable logout flag.
	FlagStore     string `yaml:"flag_store" envconfig:"FLAG_STORE"`
	RedisAddr     string `yaml:"redis_addr" envconfig:"REDIS_ADDR"`
	RedisDB       int    `yaml:"redis_db" envconfig:"REDIS_DB"`
	RedisPassword string `yaml:"-" envconfig:"REDIS_PASSWORD"`

	EnableAuditLog     bool `yaml:"enable_audit_log" envconfig:"ENABLE_AUDIT_LOG"`
	AuditRetentionDays int  `yaml:"audit_retention_days" envconfig:"AUDIT_RETENTION_DAYS"`
}

// DefaultDaemon returns the built-in daemon configuration.
func DefaultDaemon() *Daemon {
	return &Daemon{
		LogLevel:           "info",
		InactivityTimeout:  DefaultInactivityTimeout,
		LogoutCountdown:    DefaultLogoutCountdown,
		PostTimeoutAction:  string(ActionLogout),
		LogoutPath:         "/secur/logout.jsp",
		PollInterval:       250 * time.Millisecond,
		SettingsTTL:        5 * time.Minute,
		FetchTimeout:       10 * time.Second,
		FlagStore:          FlagStoreFile,
		AuditRetentionDays: 30,
	}
}

// LoadDaemon layers config.yaml and the environment over the defaults.
// A missing config file is not an error.
func LoadDaemon() (*Daemon, error) {
	cfg := DefaultDaemon()

	path, err := DaemonConfigPath()
	if err != nil {
		return nil, err
	}
	if err := cfg.loadFromFile(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DaemonConfigPath is config.yaml inside the XDG config directory.
func DaemonConfigPath() (string, error) {
	dir, err := util.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func (c *Daemon) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// Validate rejects settings the daemon cannot start with and fills the
// ones that merely have unusable values.
func (c *Daemon) Validate() error {
	if c.InactivityTimeout < 0 {
		return errors.New("inactivity timeout cannot be negative")
	}
	if c.LogoutCountdown < 0 {
		return errors.New("logout countdown cannot be negative")
	}
	if c.PollInterval < 0 {
		return errors.New("poll interval cannot be negative")
	}

	switch c.FlagStore {
	case "":
		c.FlagStore = FlagStoreFile
	case FlagStoreFile, FlagStoreMemory:
	case FlagStoreRedis:
		if c.RedisAddr == "" {
			return errors.New("redis flag store requires redis_addr")
		}
	default:
		return fmt.Errorf("unknown flag store %q", c.FlagStore)
	}

	if c.LogoutPath == "" {
		c.LogoutPath = "/secur/logout.jsp"
	}
	if !strings.HasPrefix(c.LogoutPath, "/") {
		c.LogoutPath = "/" + c.LogoutPath
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.AuditRetentionDays < 0 {
		c.AuditRetentionDays = 0
	}
	return nil
}

// Timeouts converts the daemon-level guard defaults into the TimeoutConfig
// every attachment starts from.
func (c *Daemon) Timeouts() TimeoutConfig {
	d := Defaults()
	d.InactivityTimeout = c.InactivityTimeout
	d.LogoutCountdown = c.LogoutCountdown
	d.PostTimeoutAction = Action(c.PostTimeoutAction)
	d.RedirectURL = c.RedirectURL
	d.LogoURL = c.LogoURL
	return d.Normalize()
}

// Save writes the configuration back to config.yaml.
func (c *Daemon) Save() error {
	path, err := DaemonConfigPath()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
