// Package sdk assembles one licensed product installation: option store,
// device identity, license server client, scheduler, license manager,
// update checker and usage insights.
package sdk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/seatkeeper/internal/client"
	"github.com/MacJediWizard/seatkeeper/internal/config"
	"github.com/MacJediWizard/seatkeeper/internal/crypto"
	"github.com/MacJediWizard/seatkeeper/internal/device"
	"github.com/MacJediWizard/seatkeeper/internal/httpclient"
	"github.com/MacJediWizard/seatkeeper/internal/insights"
	"github.com/MacJediWizard/seatkeeper/internal/license"
	"github.com/MacJediWizard/seatkeeper/internal/metrics"
	"github.com/MacJediWizard/seatkeeper/internal/options"
	"github.com/MacJediWizard/seatkeeper/internal/schedule"
	"github.com/MacJediWizard/seatkeeper/internal/updates"
)

// Scheduler hooks, scoped per installation with config.HookName.
const (
	HookLicenseCheck = "license_check_event"
	HookTrackerSend  = "tracker_send_event"
)

const redisKeyPrefix = "seatkeeper:"

// Option customizes New.
type Option func(*settings)

type settings struct {
	backend    options.Backend
	httpClient *http.Client
	metrics    *metrics.PrometheusMetrics
}

// WithBackend uses backend instead of the one named by the configured driver.
func WithBackend(backend options.Backend) Option {
	return func(s *settings) { s.backend = backend }
}

// WithHTTPClient uses httpClient instead of one built from the proxy settings.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(s *settings) { s.httpClient = httpClient }
}

// WithMetrics records requests, license validity, events and hook runs.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(s *settings) { s.metrics = m }
}

// Client is one product installation.
type Client struct {
	cfg    *config.Config
	logger zerolog.Logger

	backend   options.Backend
	store     *options.Store
	device    *device.Identity
	api       *client.Client
	scheduler *schedule.Scheduler
	license   *license.Manager
	updates   *updates.Checker
	insights  *insights.Service
	metrics   *metrics.PrometheusMetrics
}

// New builds an installation from cfg. The caller must Close it.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var set settings
	for _, opt := range opts {
		opt(&set)
	}

	logger = logger.With().Str("slug", cfg.Slug).Uint64("product_id", cfg.ProductID).Logger()

	backend := set.backend
	if backend == nil {
		var err error
		backend, err = OpenBackend(ctx, cfg.Store, logger)
		if err != nil {
			return nil, err
		}
	}

	c, err := build(ctx, cfg, logger, backend, set)
	if err != nil {
		if closeErr := backend.Close(); closeErr != nil {
			logger.Warn().Err(closeErr).Msg("close option backend")
		}
		return nil, err
	}
	return c, nil
}

func build(ctx context.Context, cfg *config.Config, logger zerolog.Logger, backend options.Backend, set settings) (*Client, error) {
	store, err := options.Open(ctx, options.StoreConfig{
		Backend:    backend,
		OptionName: cfg.Store.OptionName,
		Scope:      cfg.InstallHash(),
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open option store: %w", err)
	}

	hasher, err := crypto.NewHasher(cfg.AuthKey, cfg.AuthSalt)
	if err != nil {
		return nil, fmt.Errorf("create hasher: %w", err)
	}

	identity := device.NewIdentity(store, hasher, device.Inputs{
		SiteURL:     cfg.SiteURL,
		HomeURL:     cfg.HomeURL,
		InstallHash: cfg.InstallHash(),
		ProductID:   cfg.ProductID,
		Version:     cfg.PackageVersion,
		Slug:        cfg.Slug,
	}, logger)

	httpClient := set.httpClient
	if httpClient == nil {
		httpClient, err = httpclient.NewFromConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("create http client: %w", err)
		}
	}

	clientOpts := []client.Option{client.WithDeviceID(identity.ID)}
	if set.metrics != nil {
		clientOpts = append(clientOpts, client.WithRecorder(set.metrics))
	}
	api := client.New(client.Config{
		Server:         cfg.LicenseServer,
		Namespace:      cfg.APINamespace,
		APIVersion:     cfg.APIVersion,
		Slug:           cfg.Slug,
		ProductID:      cfg.ProductID,
		Version:        cfg.PackageVersion,
		PackageName:    cfg.PackageName,
		PackageType:    cfg.PackageType,
		IsFree:         cfg.IsFree,
		SiteURL:        cfg.SiteURL,
		HomeURL:        cfg.HomeURL,
		SiteName:       cfg.SiteName,
		Locale:         cfg.Locale,
		Caller:         client.Caller(cfg.Caller),
		RequestTimeout: cfg.RequestTimeout,
	}, httpClient, logger, clientOpts...)

	scheduler, err := schedule.New(ctx, store, logger)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	c := &Client{
		cfg:       cfg,
		logger:    logger.With().Str("component", "sdk").Logger(),
		backend:   backend,
		store:     store,
		device:    identity,
		api:       api,
		scheduler: scheduler,
		metrics:   set.metrics,
	}

	c.license = license.NewManager(license.ManagerConfig{
		Store:     store,
		Scheduler: scheduler,
		Transport: license.NewRemoteTransport(api, license.AdminInfo{
			Email: cfg.AdminEmail,
			Name:  cfg.AdminName,
		}),
		Guard:         license.NewGuard(hasher, cfg.Slug),
		Device:        identity,
		Slug:          cfg.Slug,
		ProductID:     cfg.ProductID,
		Hook:          cfg.HookName(HookLicenseCheck),
		CheckInterval: cfg.CheckInterval,
		MaxStaleness:  cfg.MaxStaleness,
		OnValidity:    c.observeValidity,
		Logger:        logger,
	})
	if !cfg.IsFree {
		api.SetLicenseKeySource(c.license.Key)
	}

	c.updates = updates.NewChecker(updates.Config{
		CurrentVersion: cfg.PackageVersion,
		CheckInterval:  updates.DefaultCheckInterval,
		Enabled:        cfg.UpdatesEnabled(),
		IsFree:         cfg.IsFree,
	}, c.license, api, logger)

	c.insights = insights.NewService(insights.Config{
		Slug:       cfg.Slug,
		Version:    cfg.PackageVersion,
		SiteURL:    cfg.SiteURL,
		HomeURL:    cfg.HomeURL,
		SiteName:   cfg.SiteName,
		Locale:     cfg.Locale,
		AdminEmail: cfg.AdminEmail,
		AdminName:  cfg.AdminName,
		Hook:       cfg.HookName(HookTrackerSend),
		Interval:   cfg.Insights.Interval,
		AllowLocal: cfg.AllowLocal,
		HideNotice: !cfg.Insights.Enabled,
	}, store, scheduler, api, logger)

	c.license.Subscribe(c.onLicenseEvent)
	scheduler.Handle(cfg.HookName(HookLicenseCheck), c.hook(HookLicenseCheck, c.license.CheckStatus))
	scheduler.Handle(cfg.HookName(HookTrackerSend), c.hook(HookTrackerSend, c.insights.Tick))

	return c, nil
}

// OpenBackend opens the option backend named by the store configuration.
func OpenBackend(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (options.Backend, error) {
	switch cfg.Driver {
	case config.StoreMemory:
		return options.NewMemoryBackend(), nil
	case config.StoreRedis:
		backend, err := options.NewRedisBackend(ctx, cfg.RedisAddr, cfg.RedisDB, redisKeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return backend, nil
	case config.StoreSQLite, "":
		path := cfg.Path
		if path == "" {
			dir, err := config.DefaultConfigDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, "options.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		backend, err := options.NewSQLiteBackend(path, logger)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %q", cfg.Driver)
	}
}

func (c *Client) observeValidity(valid bool) {
	if c.metrics != nil {
		c.metrics.SetLicenseValid(valid)
	}
}

func (c *Client) onLicenseEvent(e license.Event) {
	if c.metrics != nil {
		c.metrics.RecordEvent(string(e.Type))
	}
	switch e.Type {
	case license.EventActivated, license.EventDeactivated, license.EventDegraded:
		c.updates.ClearCache()
	}
}

func (c *Client) hook(name string, fn schedule.Handler) schedule.Handler {
	return func(ctx context.Context) error {
		err := fn(ctx)
		if c.metrics != nil {
			c.metrics.RecordHookRun(name, err)
		}
		if err != nil {
			c.logger.Error().Err(err).Str("hook", name).Msg("scheduled hook failed")
		}
		return err
	}
}

// Config returns the installation configuration.
func (c *Client) Config() *config.Config { return c.cfg }

// Logger returns the installation logger.
func (c *Client) Logger() zerolog.Logger { return c.logger }

// License returns the license manager.
func (c *Client) License() *license.Manager { return c.license }

// Updates returns the update checker.
func (c *Client) Updates() *updates.Checker { return c.updates }

// Insights returns the usage insights service.
func (c *Client) Insights() *insights.Service { return c.insights }

// Scheduler returns the installation scheduler.
func (c *Client) Scheduler() *schedule.Scheduler { return c.scheduler }

// Store returns the installation option store.
func (c *Client) Store() *options.Store { return c.store }

// API returns the license server client.
func (c *Client) API() *client.Client { return c.api }

// DeviceID returns the installation's device ID.
func (c *Client) DeviceID(ctx context.Context) (string, error) {
	return c.device.ID(ctx)
}

// IsValid reports whether the stored license is active and untampered.
func (c *Client) IsValid(ctx context.Context) bool {
	if c.cfg.IsFree {
		return true
	}
	return c.license.IsValid(ctx)
}

// Key returns the stored license key, or "" when none is set.
func (c *Client) Key(ctx context.Context) string {
	return c.license.Key(ctx)
}

// Activate activates key for this installation.
func (c *Client) Activate(ctx context.Context, key string) (string, error) {
	return c.license.Activate(ctx, key)
}

// Deactivate releases the stored license.
func (c *Client) Deactivate(ctx context.Context) (string, error) {
	return c.license.Deactivate(ctx)
}

// Refresh persists buffered writes and re-reads the option store, picking
// up changes written by other processes sharing the backend.
func (c *Client) Refresh(ctx context.Context) error {
	if err := c.store.Flush(ctx); err != nil {
		return fmt.Errorf("flush options: %w", err)
	}
	c.device.Reset()
	if err := c.license.Reload(ctx); err != nil {
		return err
	}
	return c.scheduler.Reload(ctx)
}

// ProjectActivated is called when the package is enabled: the periodic
// license check and the usage report are scheduled again.
func (c *Client) ProjectActivated(ctx context.Context) error {
	var errs []error
	if !c.cfg.IsFree {
		if err := c.license.ScheduleCheck(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.insights.ProjectActivated(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ProjectDeactivated is called when the package is disabled: the license
// is released and scheduled work cancelled.
func (c *Client) ProjectDeactivated(ctx context.Context) error {
	var errs []error
	if !c.cfg.IsFree {
		if err := c.license.ProjectDeactivated(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.insights.ProjectDeactivated(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close flushes pending option writes, waits for background requests and
// closes the backend.
func (c *Client) Close(ctx context.Context) error {
	var errs []error
	if err := c.store.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush options: %w", err))
	}
	c.api.Wait()
	if err := c.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close option backend: %w", err))
	}
	return errors.Join(errs...)
}
