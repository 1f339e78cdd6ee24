// Package config provides configuration management for the seatkeeper license client.
package config

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Caller tiers control the outbound timeout cap.
const (
	CallerFrontend = "frontend"
	CallerAdmin    = "admin"
	CallerCLI      = "cli"
)

// Package types.
const (
	TypePlugin = "plugin"
	TypeTheme  = "theme"
)

const (
	defaultAPINamespace  = "storeengine"
	defaultAPIVersion    = "v1"
	defaultCheckInterval = 24 * time.Hour
	defaultTickSpec      = "@every 1m"

	// schedules are persisted in whole seconds
	minInterval = time.Second
)

// DefaultConfigDir returns the default config directory (~/.seatkeeper).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".seatkeeper"), nil
}

// DefaultConfigPath returns the default config file path (~/.seatkeeper/config.yml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yml"), nil
}

// ProxyConfig holds outbound proxy settings for license server requests.
type ProxyConfig struct {
	HTTPProxy   string `yaml:"http_proxy,omitempty"`
	HTTPSProxy  string `yaml:"https_proxy,omitempty"`
	NoProxy     string `yaml:"no_proxy,omitempty"`
	SOCKS5Proxy string `yaml:"socks5_proxy,omitempty"`
}

// HasProxy reports whether any proxy is configured.
func (p *ProxyConfig) HasProxy() bool {
	return p != nil && (p.HTTPProxy != "" || p.HTTPSProxy != "" || p.SOCKS5Proxy != "")
}

// StoreConfig selects and configures the option store backend.
type StoreConfig struct {
	Driver    string `yaml:"driver,omitempty"`
	Path      string `yaml:"path,omitempty"`
	RedisAddr string `yaml:"redis_addr,omitempty"`
	RedisDB   int    `yaml:"redis_db,omitempty"`
	// OptionName is the backend key holding the option bag of every installation.
	OptionName string `yaml:"option_name,omitempty"`
}

// Config holds the configuration of one licensed product installation.
type Config struct {
	LicenseServer  string `yaml:"license_server"`
	APINamespace   string `yaml:"api_namespace,omitempty"`
	APIVersion     string `yaml:"api_version,omitempty"`
	ProductID      uint64 `yaml:"product_id"`
	Slug           string `yaml:"slug"`
	PackageName    string `yaml:"package_name,omitempty"`
	PackageVersion string `yaml:"package_version,omitempty"`
	PackageType    string `yaml:"package_type,omitempty"`
	// InstallPath identifies the installed package on disk; part of the installation hash.
	InstallPath string `yaml:"install_path,omitempty"`
	IsFree      bool   `yaml:"is_free,omitempty"`
	UseUpdate   bool   `yaml:"use_update,omitempty"`

	SiteURL    string `yaml:"site_url,omitempty"`
	HomeURL    string `yaml:"home_url,omitempty"`
	SiteName   string `yaml:"site_name,omitempty"`
	Locale     string `yaml:"locale,omitempty"`
	AdminEmail string `yaml:"admin_email,omitempty"`
	AdminName  string `yaml:"admin_name,omitempty"`

	// AuthKey and AuthSalt are the site-wide secret material the keyed hash is seeded with.
	AuthKey  string `yaml:"auth_key,omitempty"`
	AuthSalt string `yaml:"auth_salt,omitempty"`

	Caller         string        `yaml:"caller,omitempty"`
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
	CheckInterval  time.Duration `yaml:"check_interval,omitempty"`
	MaxStaleness   time.Duration `yaml:"max_staleness,omitempty"`
	TickSpec       string        `yaml:"tick_spec,omitempty"`
	// AllowLocal permits usage reports from development sites.
	AllowLocal     bool          `yaml:"allow_local,omitempty"`
	Debug          bool          `yaml:"debug,omitempty"`

	Store StoreConfig  `yaml:"store,omitempty"`
	Proxy *ProxyConfig `yaml:"proxy,omitempty"`

	Insights InsightsConfig `yaml:"insights,omitempty"`
}

// InsightsConfig configures opt-in usage telemetry.
type InsightsConfig struct {
	Enabled  bool          `yaml:"enabled,omitempty"`
	Interval time.Duration `yaml:"interval,omitempty"`
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.APINamespace == "" {
		c.APINamespace = defaultAPINamespace
	}
	if c.APIVersion == "" {
		c.APIVersion = defaultAPIVersion
	}
	if c.PackageType == "" {
		c.PackageType = TypePlugin
	}
	if c.PackageName == "" {
		c.PackageName = c.Slug
	}
	if c.HomeURL == "" {
		c.HomeURL = c.SiteURL
	}
	if c.Locale == "" {
		c.Locale = "en_US"
	}
	if c.Caller == "" {
		c.Caller = CallerAdmin
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = defaultCheckInterval
	}
	if c.TickSpec == "" {
		c.TickSpec = defaultTickSpec
	}
	if c.Store.Driver == "" {
		c.Store.Driver = StoreSQLite
	}
	if c.Store.OptionName == "" {
		c.Store.OptionName = "seatkeeper_software_data"
	}
	if c.Insights.Interval <= 0 {
		c.Insights.Interval = 7 * 24 * time.Hour
	}
}

// Validate checks that the configuration has required fields for operation.
func (c *Config) Validate() error {
	if c.LicenseServer == "" {
		return errors.New("license_server is required")
	}
	u, err := url.Parse(c.LicenseServer)
	if err != nil {
		return fmt.Errorf("invalid license_server: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("license_server must use http or https scheme")
	}
	if c.ProductID == 0 {
		return errors.New("product_id is required")
	}
	if c.Slug == "" {
		return errors.New("slug is required")
	}
	if c.AuthKey == "" && c.AuthSalt == "" {
		return errors.New("auth_key or auth_salt is required")
	}
	switch c.Store.Driver {
	case StoreMemory, StoreSQLite:
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("store.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown store driver: %q", c.Store.Driver)
	}
	switch c.Caller {
	case CallerFrontend, CallerAdmin, CallerCLI:
	default:
		return fmt.Errorf("unknown caller: %q", c.Caller)
	}
	switch c.PackageType {
	case TypePlugin, TypeTheme:
	default:
		return fmt.Errorf("unknown package_type: %q", c.PackageType)
	}
	if c.CheckInterval < minInterval {
		return fmt.Errorf("check_interval must be at least %s, got %s", minInterval, c.CheckInterval)
	}
	if c.Insights.Interval < minInterval {
		return fmt.Errorf("insights.interval must be at least %s, got %s", minInterval, c.Insights.Interval)
	}
	return nil
}

// IsPro reports whether the product requires a license.
func (c *Config) IsPro() bool {
	return !c.IsFree
}

// UpdatesEnabled reports whether update checks should run for this product.
func (c *Config) UpdatesEnabled() bool {
	return !c.IsFree || c.UseUpdate
}

// InstallHash identifies this installation inside a shared option store.
func (c *Config) InstallHash() string {
	sum := md5.Sum([]byte(c.InstallPath + c.Slug + strconv.FormatUint(c.ProductID, 10) + c.LicenseServer))
	return hex.EncodeToString(sum[:])
}

// HookName returns an installation-scoped name for schedules and transients.
func (c *Config) HookName(hook string) string {
	return "seatkeeper_" + c.PackageType + "_" + c.InstallHash() + "_" + c.Slug + "_" + hook
}

// Load reads the configuration from the given path.
// If the file does not exist, an empty config is returned.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return &cfg, nil
}

// LoadWithEnv loads the file at path, applies environment overrides and defaults.
func LoadWithEnv(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	cfg.ApplyDefaults()
	return cfg, nil
}

// Save writes the configuration to the given path, creating directories as needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// auth material lives in this file
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}
