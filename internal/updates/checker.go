// Package updates checks the license server for newer package versions.
// Checks for paid products require a valid license.
package updates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/seatkeeper/internal/client"
)

// DefaultCheckInterval is the default interval between version checks (12 hours).
const DefaultCheckInterval = 12 * time.Hour

var (
	// ErrCheckDisabled is returned when update checking is disabled.
	ErrCheckDisabled = errors.New("update checking disabled")
	// ErrLicenseInvalid is returned for paid products without a valid license.
	ErrLicenseInvalid = errors.New("a valid license is required for updates")
)

// UpdateInfo contains information about an available update.
type UpdateInfo struct {
	UpdateAvailable bool   `json:"update_available"`
	CurrentVersion  string `json:"current_version"`
	LatestVersion   string `json:"latest_version,omitempty"`
	// Package is the download URL of the new version.
	Package       string `json:"package,omitempty"`
	URL           string `json:"url,omitempty"`
	Tested        string `json:"tested,omitempty"`
	Requires      string `json:"requires,omitempty"`
	RequiresPHP   string `json:"requires_php,omitempty"`
	UpgradeNotice string `json:"upgrade_notice,omitempty"`
	CheckedAt     string `json:"checked_at"`
	NextCheckAt   string `json:"next_check_at,omitempty"`
}

// PackageInfo is the product description served by the license server.
type PackageInfo struct {
	Name        string            `json:"name"`
	Slug        string            `json:"slug"`
	Version     string            `json:"version"`
	Author      string            `json:"author,omitempty"`
	Homepage    string            `json:"homepage,omitempty"`
	LastUpdated string            `json:"last_updated,omitempty"`
	Requires    string            `json:"requires,omitempty"`
	RequiresPHP string            `json:"requires_php,omitempty"`
	Tested      string            `json:"tested,omitempty"`
	Sections    map[string]string `json:"sections,omitempty"`
	// Raw holds every field the server sent.
	Raw map[string]any `json:"-"`
}

// License is the license state the checker is gated on.
type License interface {
	IsValid(ctx context.Context) bool
	CheckUpdate(ctx context.Context) client.Result
	Information(ctx context.Context) client.Result
}

// Requester sends unlicensed requests for free products.
type Requester interface {
	Request(ctx context.Context, route client.Route, body map[string]any) client.Result
}

// Config holds configuration for the update checker.
type Config struct {
	// CurrentVersion is the installed package version.
	CurrentVersion string
	// CheckInterval is how long a check result is reused.
	CheckInterval time.Duration
	// Enabled controls whether update checking is enabled.
	Enabled bool
	// IsFree skips the license requirement.
	IsFree bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(currentVersion string) Config {
	return Config{
		CurrentVersion: currentVersion,
		CheckInterval:  DefaultCheckInterval,
		Enabled:        true,
	}
}

// Checker handles checking for package updates.
type Checker struct {
	config    Config
	license   License
	requester Requester
	logger    zerolog.Logger
	now       func() time.Time

	mu          sync.RWMutex
	cachedInfo  *UpdateInfo
	lastCheckAt time.Time
}

// NewChecker creates a new update Checker.
func NewChecker(config Config, license License, requester Requester, logger zerolog.Logger) *Checker {
	if config.CheckInterval == 0 {
		config.CheckInterval = DefaultCheckInterval
	}

	return &Checker{
		config:    config,
		license:   license,
		requester: requester,
		logger:    logger.With().Str("component", "update_checker").Logger(),
		now:       time.Now,
	}
}

// CheckForUpdate checks for an available update.
// Returns the cached result if within the check interval.
func (c *Checker) CheckForUpdate(ctx context.Context) (*UpdateInfo, error) {
	if err := c.allowed(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	if c.cachedInfo != nil && c.now().Sub(c.lastCheckAt) < c.config.CheckInterval {
		cached := *c.cachedInfo
		c.mu.RUnlock()
		return &cached, nil
	}
	c.mu.RUnlock()

	return c.forceCheck(ctx)
}

// ForceCheck performs an update check regardless of cache.
func (c *Checker) ForceCheck(ctx context.Context) (*UpdateInfo, error) {
	if err := c.allowed(ctx); err != nil {
		return nil, err
	}
	return c.forceCheck(ctx)
}

// PackageInfo fetches the product description.
func (c *Checker) PackageInfo(ctx context.Context) (*PackageInfo, error) {
	if err := c.allowed(ctx); err != nil {
		return nil, err
	}

	var res client.Result
	if c.config.IsFree {
		res = c.requester.Request(ctx, client.RoutePackageInfo, nil)
	} else {
		res = c.license.Information(ctx)
	}
	if !res.Success {
		return nil, fmt.Errorf("fetch package info: %w", resultError(res))
	}

	data := infoData(res.Data)
	return &PackageInfo{
		Name:        str(data, "name"),
		Slug:        str(data, "slug"),
		Version:     str(data, "new_version", "version"),
		Author:      str(data, "author"),
		Homepage:    str(data, "homepage"),
		LastUpdated: str(data, "last_updated"),
		Requires:    str(data, "requires"),
		RequiresPHP: str(data, "requires_php"),
		Tested:      str(data, "tested"),
		Sections:    sections(data["sections"]),
		Raw:         data,
	}, nil
}

func (c *Checker) allowed(ctx context.Context) error {
	if !c.config.Enabled {
		return ErrCheckDisabled
	}
	if !c.config.IsFree && !c.license.IsValid(ctx) {
		return ErrLicenseInvalid
	}
	return nil
}

func (c *Checker) forceCheck(ctx context.Context) (*UpdateInfo, error) {
	c.logger.Debug().Msg("checking for updates")

	var res client.Result
	if c.config.IsFree {
		res = c.requester.Request(ctx, client.RouteCheckUpdate, nil)
	} else {
		res = c.license.CheckUpdate(ctx)
	}
	if !res.Success {
		err := resultError(res)
		c.logger.Warn().Err(err).Str("code", res.Code).Msg("failed to check for updates")
		return nil, fmt.Errorf("check update: %w", err)
	}

	data := infoData(res.Data)
	latest := str(data, "new_version", "version")

	now := c.now().UTC()
	info := &UpdateInfo{
		CurrentVersion: c.config.CurrentVersion,
		LatestVersion:  latest,
		Package:        str(data, "package", "download_link"),
		URL:            str(data, "url", "homepage"),
		Tested:         str(data, "tested"),
		Requires:       str(data, "requires"),
		RequiresPHP:    str(data, "requires_php"),
		UpgradeNotice:  str(data, "upgrade_notice"),
		CheckedAt:      now.Format(time.RFC3339),
		NextCheckAt:    now.Add(c.config.CheckInterval).Format(time.RFC3339),
	}
	info.UpdateAvailable = latest != "" && isNewerVersion(normalizeVersion(latest), normalizeVersion(c.config.CurrentVersion))

	if info.UpdateAvailable {
		c.logger.Info().
			Str("current_version", c.config.CurrentVersion).
			Str("latest_version", latest).
			Msg("update available")
	} else {
		c.logger.Debug().
			Str("current_version", c.config.CurrentVersion).
			Str("latest_version", latest).
			Msg("no update available")
	}

	c.mu.Lock()
	c.cachedInfo = info
	c.lastCheckAt = c.now()
	c.mu.Unlock()

	return info, nil
}

// GetCachedInfo returns the cached update info without making a network call.
// Returns nil if no cached info is available.
func (c *Checker) GetCachedInfo() *UpdateInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.cachedInfo == nil {
		return nil
	}
	cached := *c.cachedInfo
	return &cached
}

// ClearCache drops the cached result, for example after the license changed.
func (c *Checker) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cachedInfo = nil
	c.lastCheckAt = time.Time{}
}

// IsEnabled returns whether update checking is enabled.
func (c *Checker) IsEnabled() bool {
	return c.config.Enabled
}

// SetEnabled enables or disables update checking.
func (c *Checker) SetEnabled(enabled bool) {
	c.config.Enabled = enabled
}

func resultError(res client.Result) error {
	msg := res.Error
	if msg == "" {
		msg = client.MessageUnknownError
	}
	if res.Err != nil {
		return fmt.Errorf("%w: %s", res.Err, msg)
	}
	return errors.New(msg)
}

// infoData returns the package description, which the server sends either
// under "info" or at the top level.
func infoData(data map[string]any) map[string]any {
	if info, ok := data["info"].(map[string]any); ok {
		return info
	}
	if data == nil {
		return map[string]any{}
	}
	return data
}

// str returns the first non-empty string among keys.
func str(data map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := data[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func sections(v any) map[string]string {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}

// normalizeVersion removes 'v' prefix and returns clean semver string.
func normalizeVersion(version string) string {
	return strings.TrimPrefix(strings.TrimSpace(version), "v")
}

// isNewerVersion compares two semver strings.
// Returns true if latest is newer than current.
func isNewerVersion(latest, current string) bool {
	// Handle dev version
	if current == "dev" || current == "" {
		return true
	}
	if latest == "dev" || latest == "" {
		return false
	}

	latestParts := parseSemver(latest)
	currentParts := parseSemver(current)

	for i := 0; i < 3; i++ {
		if latestParts[i] > currentParts[i] {
			return true
		}
		if latestParts[i] < currentParts[i] {
			return false
		}
	}

	return false
}

// parseSemver parses a semver string into [major, minor, patch].
func parseSemver(version string) [3]int {
	var parts [3]int
	// Remove any pre-release suffix (e.g., -rc1, -beta)
	if idx := strings.IndexAny(version, "-+"); idx != -1 {
		version = version[:idx]
	}

	segments := strings.Split(version, ".")
	for i := 0; i < 3 && i < len(segments); i++ {
		var val int
		fmt.Sscanf(segments[i], "%d", &val)
		parts[i] = val
	}

	return parts
}
