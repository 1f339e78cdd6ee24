package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnv overrides file settings with SEATKEEPER_* environment variables.
func (c *Config) ApplyEnv() {
	c.LicenseServer = getEnvString("SEATKEEPER_LICENSE_SERVER", c.LicenseServer)
	c.ProductID = getEnvUint("SEATKEEPER_PRODUCT_ID", c.ProductID)
	c.Slug = getEnvString("SEATKEEPER_SLUG", c.Slug)
	c.PackageVersion = getEnvString("SEATKEEPER_PACKAGE_VERSION", c.PackageVersion)
	c.SiteURL = getEnvString("SEATKEEPER_SITE_URL", c.SiteURL)
	c.AuthKey = getEnvString("SEATKEEPER_AUTH_KEY", c.AuthKey)
	c.AuthSalt = getEnvString("SEATKEEPER_AUTH_SALT", c.AuthSalt)
	c.Caller = getEnvString("SEATKEEPER_CALLER", c.Caller)
	c.Store.Driver = getEnvString("SEATKEEPER_STORE", c.Store.Driver)
	c.Store.Path = getEnvString("SEATKEEPER_STORE_PATH", c.Store.Path)
	c.Store.RedisAddr = getEnvString("SEATKEEPER_REDIS_ADDR", c.Store.RedisAddr)
	c.RequestTimeout = getEnvDuration("SEATKEEPER_REQUEST_TIMEOUT", c.RequestTimeout)
	c.MaxStaleness = getEnvDuration("SEATKEEPER_MAX_STALENESS", c.MaxStaleness)
	c.AllowLocal = getEnvBool("SEATKEEPER_ALLOW_LOCAL", c.AllowLocal)
	c.Debug = getEnvBool("SEATKEEPER_DEBUG", c.Debug)
}

func getEnvString(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}

// getEnvBool reads a boolean from an environment variable, returning the default if unset or invalid.
func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultVal
	}
}

func getEnvUint(key string, defaultVal uint64) uint64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil || d < 0 {
		return defaultVal
	}
	return d
}
