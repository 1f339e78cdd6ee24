// Package insights provides opt-in usage reporting for a product installation.
//
// Nothing is sent until the site administrator opts in. Reports carry the
// site identity and environment facts (runtime, operating system, memory,
// CPU) plus whatever the product adds through a usage callback; they are sent
// at most once per interval.
package insights

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/seatkeeper/internal/client"
	"github.com/MacJediWizard/seatkeeper/internal/httpclient"
)

// Option keys.
const (
	OptionAllowTracking  = "allow_tracking"
	OptionTrackingNotice = "tracking_notice"
	OptionLastSend       = "tracking_last_send"
)

// DefaultInterval is the minimum time between two reports (weekly).
const DefaultInterval = 7 * 24 * time.Hour

// ErrReasonRequired is returned by SubmitUninstallReason without a reason.
var ErrReasonRequired = errors.New("uninstall reason is required")

// Store is the subset of the option store insights needs.
type Store interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any) error
	Flush(ctx context.Context) error
}

// Scheduler schedules the weekly report.
type Scheduler interface {
	Schedule(ctx context.Context, hook string, first time.Time, every time.Duration) error
	Cancel(ctx context.Context, hook string) error
	Next(hook string) (time.Time, bool)
}

// Sender delivers requests to the license server.
type Sender interface {
	Dispatch(ctx context.Context, route client.Route, body map[string]any)
	Request(ctx context.Context, route client.Route, body map[string]any) client.Result
}

// Config describes the installation being reported on.
type Config struct {
	Slug       string
	Version    string
	SiteURL    string
	HomeURL    string
	SiteName   string
	Locale     string
	AdminEmail string
	AdminName  string
	// Hook is the scheduler hook of the weekly report.
	Hook     string
	Interval time.Duration
	// AllowLocal permits reports from development sites.
	AllowLocal bool
	// HideNotice disables tracking entirely, as if the opt-in notice was never shown.
	HideNotice bool
}

// Service manages the opt-in state and sends usage reports.
type Service struct {
	cfg       Config
	store     Store
	scheduler Scheduler
	sender    Sender
	collector *Collector
	logger    zerolog.Logger
	now       func() time.Time

	mu       sync.RWMutex
	usageLog func(ctx context.Context) map[string]any
	lastData *Data
}

// NewService creates a Service.
func NewService(cfg Config, store Store, scheduler Scheduler, sender Sender, logger zerolog.Logger) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.HomeURL == "" {
		cfg.HomeURL = cfg.SiteURL
	}
	return &Service{
		cfg:       cfg,
		store:     store,
		scheduler: scheduler,
		sender:    sender,
		collector: NewCollector(),
		logger:    logger.With().Str("component", "insights").Logger(),
		now:       time.Now,
	}
}

// SetUsageLog registers a callback whose fields are added to every report.
// Fields already present in the report are not replaced.
func (s *Service) SetUsageLog(fn func(ctx context.Context) map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usageLog = fn
}

// IsLocal reports whether the installation is a development site.
func (s *Service) IsLocal() bool {
	return httpclient.IsLocalURL(s.cfg.HomeURL)
}

// IsTrackingAllowed reports whether the administrator opted in.
func (s *Service) IsTrackingAllowed(ctx context.Context) bool {
	if s.cfg.HideNotice {
		return false
	}
	return s.option(ctx, OptionAllowTracking, "no") == "yes"
}

// NoticeDismissed reports whether the opt-in notice was hidden.
func (s *Service) NoticeDismissed(ctx context.Context) bool {
	return s.option(ctx, OptionTrackingNotice, "show") == "hide"
}

// LastSend returns when a report was last sent, or the zero time.
func (s *Service) LastSend(ctx context.Context) time.Time {
	var ts int64
	if ok, err := s.store.Get(ctx, OptionLastSend, &ts); err != nil || !ok || ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

func (s *Service) option(ctx context.Context, key, fallback string) string {
	var v string
	ok, err := s.store.Get(ctx, key, &v)
	if err != nil {
		s.logger.Warn().Err(err).Str("option", key).Msg("read option")
		return fallback
	}
	if !ok || v == "" {
		return fallback
	}
	return v
}

// OptIn records consent, schedules the weekly report and sends the first
// one. With override the interval since the last report is ignored.
func (s *Service) OptIn(ctx context.Context, override bool) error {
	if err := s.store.Set(ctx, OptionAllowTracking, "yes"); err != nil {
		return fmt.Errorf("save tracking consent: %w", err)
	}
	if err := s.store.Set(ctx, OptionTrackingNotice, "hide"); err != nil {
		return fmt.Errorf("save tracking notice: %w", err)
	}
	if err := s.scheduler.Cancel(ctx, s.cfg.Hook); err != nil {
		return fmt.Errorf("cancel tracking schedule: %w", err)
	}
	if err := s.scheduler.Schedule(ctx, s.cfg.Hook, s.now(), s.cfg.Interval); err != nil {
		return fmt.Errorf("schedule tracking: %w", err)
	}

	s.sender.Dispatch(ctx, client.RouteOptIn, map[string]any{"opt_in": true})
	s.logger.Info().Msg("tracking opted in")

	if _, err := s.Send(ctx, override); err != nil {
		return err
	}
	return s.flush(ctx)
}

// OptOut sends a final report if one is due, withdraws consent and cancels
// the weekly report.
func (s *Service) OptOut(ctx context.Context, hideNotice bool) error {
	if _, err := s.Send(ctx, false); err != nil {
		return err
	}

	notice := "show"
	if hideNotice {
		notice = "hide"
	}
	if err := s.store.Set(ctx, OptionAllowTracking, "no"); err != nil {
		return fmt.Errorf("save tracking consent: %w", err)
	}
	if err := s.store.Set(ctx, OptionTrackingNotice, notice); err != nil {
		return fmt.Errorf("save tracking notice: %w", err)
	}

	s.sender.Dispatch(ctx, client.RouteOptIn, map[string]any{"opt_in": false})

	if err := s.scheduler.Cancel(ctx, s.cfg.Hook); err != nil {
		return fmt.Errorf("cancel tracking schedule: %w", err)
	}
	s.logger.Info().Msg("tracking opted out")
	return s.flush(ctx)
}

// Send dispatches a usage report when tracking is allowed (or override is
// set) and the last report is older than the interval (unless override).
// It reports whether a report was sent.
func (s *Service) Send(ctx context.Context, override bool) (bool, error) {
	if !override && !s.IsTrackingAllowed(ctx) {
		return false, nil
	}
	if s.IsLocal() && !s.cfg.AllowLocal {
		s.logger.Debug().Str("home_url", s.cfg.HomeURL).Msg("skipping usage report from local site")
		return false, nil
	}

	last := s.LastSend(ctx)
	if !override && !last.IsZero() && s.now().Sub(last) < s.cfg.Interval {
		return false, nil
	}

	data, err := s.Collect(ctx)
	if err != nil {
		return false, err
	}
	body, err := data.Map()
	if err != nil {
		return false, err
	}

	s.sender.Dispatch(ctx, client.RouteLogUsage, body)

	if err := s.store.Set(ctx, OptionLastSend, s.now().Unix()); err != nil {
		return true, fmt.Errorf("save tracking last send: %w", err)
	}
	s.logger.Info().Msg("usage report sent")
	return true, nil
}

// Tick is the scheduler handler of the weekly report.
func (s *Service) Tick(ctx context.Context) error {
	_, err := s.Send(ctx, false)
	return err
}

// ProjectActivated re-schedules the report and forces a send when the
// administrator had opted in before the package was deactivated.
func (s *Service) ProjectActivated(ctx context.Context) error {
	if s.option(ctx, OptionAllowTracking, "no") != "yes" {
		return nil
	}
	if err := s.scheduler.Schedule(ctx, s.cfg.Hook, s.now(), s.cfg.Interval); err != nil {
		return fmt.Errorf("schedule tracking: %w", err)
	}
	if _, err := s.Send(ctx, true); err != nil {
		return err
	}
	return s.flush(ctx)
}

// ProjectDeactivated cancels the weekly report.
func (s *Service) ProjectDeactivated(ctx context.Context) error {
	if err := s.scheduler.Cancel(ctx, s.cfg.Hook); err != nil {
		return fmt.Errorf("cancel tracking schedule: %w", err)
	}
	return s.flush(ctx)
}

// SubmitUninstallReason reports why the package is being removed. It is
// sent regardless of tracking consent and waits for the server.
func (s *Service) SubmitUninstallReason(ctx context.Context, reason, details string) error {
	if reason == "" {
		return ErrReasonRequired
	}

	data, err := s.Collect(ctx)
	if err != nil {
		return err
	}
	usage, err := data.Map()
	if err != nil {
		return err
	}

	res := s.sender.Request(ctx, client.RouteDeactivate, map[string]any{
		"reason":      reason,
		"message":     details,
		"site":        s.siteName(),
		"url":         s.cfg.HomeURL,
		"admin_name":  s.cfg.AdminName,
		"admin_email": s.cfg.AdminEmail,
		"usage_log":   usage,
		"type":        "uninstall",
	})
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = client.MessageUnknownError
		}
		if res.Err != nil {
			return fmt.Errorf("submit uninstall reason: %w: %s", res.Err, msg)
		}
		return fmt.Errorf("submit uninstall reason: %s", msg)
	}
	return nil
}

// Collect gathers the report that would be sent now.
func (s *Service) Collect(ctx context.Context) (*Data, error) {
	host := s.collector.Host(ctx)

	data := &Data{
		CoreName:       "seatkeeper",
		CoreVersion:    client.SDKVersion,
		Locale:         s.cfg.Locale,
		Runtime:        host.Runtime,
		RuntimeVersion: host.RuntimeVersion,
		OSName:         host.OSName,
		OSArch:         host.OSArch,
		OSVersion:      host.OSVersion,
		CollectedAt:    s.now().UTC(),
		UsageLog: map[string]any{
			"admin_name":      s.cfg.AdminName,
			"admin_email":     s.cfg.AdminEmail,
			"os_info":         host.KernelVersion,
			"url":             s.cfg.HomeURL,
			"site":            s.siteName(),
			"slug":            s.cfg.Slug,
			"package_version": s.cfg.Version,
			"cpu_model":       host.CPUModel,
			"cpu_count":       host.CPUCount,
			"memory_total":    host.MemoryTotal,
			"uptime_seconds":  host.UptimeSeconds,
			"go_max_procs":    host.MaxProcs,
			"timezone":        host.Timezone,
		},
	}

	s.mu.RLock()
	usageLog := s.usageLog
	s.mu.RUnlock()
	if usageLog != nil {
		for k, v := range usageLog(ctx) {
			if _, exists := data.UsageLog[k]; !exists {
				data.UsageLog[k] = v
			}
		}
	}

	s.mu.Lock()
	s.lastData = data
	s.mu.Unlock()

	return data, nil
}

// Preview returns what would be sent, without sending it.
func (s *Service) Preview(ctx context.Context) (*Data, error) {
	return s.Collect(ctx)
}

// LastData returns the most recently collected report, or nil.
func (s *Service) LastData() *Data {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastData
}

func (s *Service) siteName() string {
	if s.cfg.SiteName != "" {
		return s.cfg.SiteName
	}
	return s.cfg.HomeURL
}

func (s *Service) flush(ctx context.Context) error {
	if err := s.store.Flush(ctx); err != nil {
		return fmt.Errorf("flush options: %w", err)
	}
	return nil
}

// Data is one usage report.
type Data struct {
	CoreName       string         `json:"core_name"`
	CoreVersion    string         `json:"core_version"`
	Locale         string         `json:"locale"`
	Runtime        string         `json:"runtime"`
	RuntimeVersion string         `json:"runtime_version"`
	OSName         string         `json:"os_name"`
	OSArch         string         `json:"os_arch"`
	OSVersion      string         `json:"os_version"`
	CollectedAt    time.Time      `json:"collected_at"`
	UsageLog       map[string]any `json:"usage_log"`
}

// Map returns the report as a request body.
func (d *Data) Map() (map[string]any, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal usage report: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal usage report: %w", err)
	}
	return out, nil
}

// Explanation describes what a usage report contains.
func Explanation() string {
	return `USAGE REPORTS

Reports are sent only after you opt in, at most once a week.

WHAT IS SENT:
- Site name and URL, administrator name and email
- Package slug and version, client version and locale
- Runtime, operating system, CPU and memory facts
- Any usage details the product adds

YOUR CONTROL:
- You can preview a report before opting in
- You can opt out at any time; licensing keeps working either way`
}
