package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/seatkeeper/internal/client"
)

// Option keys and lease settings.
const (
	OptionRecord    = "license_data"
	OptionSignature = "license_signature"

	// LeaseName is the transient marking a license flow in progress.
	LeaseName = "is_updating_license"
	// LeaseTTL bounds how long an abandoned flow keeps the lease.
	LeaseTTL = 20 * time.Second

	// DefaultFirstCheckDelay is how long after activation the first periodic check runs.
	DefaultFirstCheckDelay = 60 * time.Second
	// DefaultCheckInterval is the periodic check interval.
	DefaultCheckInterval = 24 * time.Hour
)

// Result messages.
const (
	MessageActivated   = "License activated successfully."
	MessageUpdated     = "License updated successfully."
	MessageDeactivated = "License deactivated successfully."
	MessageUnknown     = "Unknown error occurred."
)

var (
	// ErrKeyRequired is returned by Activate for an empty key.
	ErrKeyRequired = errors.New("the license key field is required")
	// ErrKeyNotFound is returned by Deactivate when no key is stored.
	ErrKeyNotFound = errors.New("license key not found")
)

// ActionError is a license action the server refused. Error returns the
// server's message verbatim.
type ActionError struct {
	Action  Action
	Message string
	Code    string
	Data    map[string]any
	Err     error
}

func newActionError(action Action, r client.Result) *ActionError {
	msg := r.Error
	if msg == "" {
		msg = MessageUnknown
	}
	return &ActionError{
		Action:  action,
		Message: msg,
		Code:    r.Code,
		Data:    r.Data,
		Err:     r.Err,
	}
}

func (e *ActionError) Error() string {
	return e.Message
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// EventType names a state machine transition.
type EventType string

const (
	EventActivated        EventType = "activated"
	EventDeactivated      EventType = "deactivated"
	EventStatusChecked    EventType = "status_checked"
	EventDegraded         EventType = "degraded"
	EventActivationFailed EventType = "activation_failed"
)

// Event is delivered to subscribers after a transition completes.
type Event struct {
	Type    EventType
	Record  Record
	Message string
	Err     error
}

// Store is the option storage the manager persists through.
type Store interface {
	GetRaw(ctx context.Context, key string) (json.RawMessage, bool, error)
	Get(ctx context.Context, key string, dst any) (bool, error)
	SetMany(ctx context.Context, values map[string]any) error
	Flush(ctx context.Context) error
	Reload(ctx context.Context) error
	SetTransient(ctx context.Context, name, value string, ttl time.Duration) error
	Transient(ctx context.Context, name string) (string, bool, error)
	DeleteTransient(ctx context.Context, name string) error
}

// Scheduler schedules the periodic license check.
type Scheduler interface {
	Schedule(ctx context.Context, hook string, first time.Time, every time.Duration) error
	Cancel(ctx context.Context, hook string) error
	Next(hook string) (time.Time, bool)
}

// DeviceSource provides the installation's device ID.
type DeviceSource interface {
	ID(ctx context.Context) (string, error)
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	Store     Store
	Scheduler Scheduler
	Transport Transport
	Guard     *Guard
	Device    DeviceSource

	Slug      string
	ProductID uint64
	// Hook is the scheduler hook of the periodic check.
	Hook            string
	CheckInterval   time.Duration
	FirstCheckDelay time.Duration
	// MaxStaleness, when positive, invalidates records not refreshed within it.
	MaxStaleness time.Duration

	// OnValidity is called whenever validity is recomputed.
	OnValidity func(valid bool)
	Logger     zerolog.Logger
}

// Manager owns one installation's license record. Transitions are
// serialized; reads never wait on a license server call.
type Manager struct {
	cfg    ManagerConfig
	logger zerolog.Logger
	now    func() time.Time

	// opMu serializes transitions, mu guards the cached state.
	opMu      sync.Mutex
	mu        sync.Mutex
	record    *Record
	valid     *bool
	updating  bool
	observers []func(Event)
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.FirstCheckDelay <= 0 {
		cfg.FirstCheckDelay = DefaultFirstCheckDelay
	}
	return &Manager{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "license_manager").Str("slug", cfg.Slug).Logger(),
		now:    time.Now,
	}
}

// SetClock overrides the manager's clock.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Subscribe registers fn to receive transition events.
func (m *Manager) Subscribe(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Manager) emit(events []Event) {
	m.mu.Lock()
	observers := append([]func(Event){}, m.observers...)
	m.mu.Unlock()

	for _, ev := range events {
		for _, fn := range observers {
			fn(ev)
		}
	}
}

// License returns the current record, loading it on first use. When nothing
// is stored the inactive default is created and persisted.
func (m *Manager) License(ctx context.Context) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(ctx); err != nil {
		return Record{}, err
	}
	return *m.record, nil
}

// Key returns the stored license key, or "" when none is stored.
func (m *Manager) Key(ctx context.Context) string {
	rec, err := m.License(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("license unavailable")
		return ""
	}
	return rec.LicenseKey
}

// Reload discards cached state and re-reads the store.
func (m *Manager) Reload(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record = nil
	m.valid = nil
	if err := m.cfg.Store.Reload(ctx); err != nil {
		return fmt.Errorf("reload options: %w", err)
	}
	return m.loadLocked(ctx)
}

func (m *Manager) defaultsLocked(ctx context.Context) (Record, error) {
	deviceID, err := m.cfg.Device.ID(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("device id: %w", err)
	}
	return Default(deviceID, m.cfg.Slug, m.cfg.ProductID), nil
}

func (m *Manager) loadLocked(ctx context.Context) error {
	if m.record != nil {
		return nil
	}

	defaults, err := m.defaultsLocked(ctx)
	if err != nil {
		return err
	}

	raw, found, err := m.cfg.Store.GetRaw(ctx, OptionRecord)
	if err != nil {
		return fmt.Errorf("load license: %w", err)
	}

	var data map[string]any
	if found {
		if err := json.Unmarshal(raw, &data); err != nil || data == nil {
			m.logger.Warn().Msg("stored license has unexpected shape, resetting")
			found = false
		}
	}

	if !found {
		return m.setLicenseLocked(ctx, defaults)
	}

	defaults.UpdatedAt = m.now().Unix()
	rec := Normalize(data, defaults)
	m.record = &rec
	m.valid = nil
	return nil
}

// setLicenseLocked stamps, signs and buffers rec. The record and signature
// are written to the store in one step.
func (m *Manager) setLicenseLocked(ctx context.Context, rec Record) error {
	rec = Normalize(rec.Map(), rec)
	rec.UpdatedAt = m.now().Unix()
	return m.storeLocked(ctx, rec)
}

func (m *Manager) storeLocked(ctx context.Context, rec Record) error {
	next, _ := m.cfg.Scheduler.Next(m.cfg.Hook)
	signature := m.cfg.Guard.Sign(rec, next)

	if err := m.cfg.Store.SetMany(ctx, map[string]any{
		OptionRecord:    rec,
		OptionSignature: signature,
	}); err != nil {
		return fmt.Errorf("save license: %w", err)
	}

	m.record = &rec
	m.valid = nil
	return nil
}

// setLicense persists rec under the state lock.
func (m *Manager) setLicense(ctx context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLicenseLocked(ctx, rec)
}

// IsValid reports whether the stored license is active and its signature
// verifies against the current schedule. The verdict is cached until the
// record next changes.
func (m *Manager) IsValid(ctx context.Context) bool {
	m.mu.Lock()
	if err := m.loadLocked(ctx); err != nil {
		m.mu.Unlock()
		m.logger.Warn().Err(err).Msg("license unavailable")
		return false
	}
	if m.valid != nil {
		v := *m.valid
		m.mu.Unlock()
		return v
	}
	v := m.verifyLocked(ctx)
	m.valid = &v
	m.mu.Unlock()

	if m.cfg.OnValidity != nil {
		m.cfg.OnValidity(v)
	}
	return v
}

func (m *Manager) verifyLocked(ctx context.Context) bool {
	rec := *m.record
	if !rec.IsActive() || rec.LicenseKey == "" || rec.DeviceID == "" || rec.ProductID == 0 {
		return false
	}

	var signature string
	if _, err := m.cfg.Store.Get(ctx, OptionSignature, &signature); err != nil {
		m.logger.Warn().Err(err).Msg("read license signature")
		return false
	}

	next, _ := m.cfg.Scheduler.Next(m.cfg.Hook)
	if !m.cfg.Guard.Verify(rec, next, signature) {
		m.logger.Debug().Msg("license signature mismatch")
		return false
	}

	if m.cfg.MaxStaleness > 0 {
		age := m.now().Sub(time.Unix(rec.UpdatedAt, 0))
		if age > m.cfg.MaxStaleness {
			m.logger.Debug().Dur("age", age).Msg("license record is stale")
			return false
		}
	}
	return true
}

// IsUpdating reports whether a license flow is in progress here or, within
// the lease, in another process.
func (m *Manager) IsUpdating(ctx context.Context) bool {
	m.mu.Lock()
	updating := m.updating
	m.mu.Unlock()
	if updating {
		return true
	}
	val, ok, err := m.cfg.Store.Transient(ctx, LeaseName)
	if err != nil {
		m.logger.Debug().Err(err).Msg("read updating lease")
		return false
	}
	return ok && val == "yes"
}

func (m *Manager) setUpdating(ctx context.Context, updating bool) {
	m.mu.Lock()
	m.updating = updating
	m.mu.Unlock()

	var err error
	if updating {
		err = m.cfg.Store.SetTransient(ctx, LeaseName, "yes", LeaseTTL)
	} else {
		err = m.cfg.Store.DeleteTransient(ctx, LeaseName)
	}
	if err != nil {
		m.logger.Debug().Err(err).Bool("updating", updating).Msg("updating lease not changed")
	}
}

// Activate activates key for this installation and returns a success
// message. A different key already on record is deactivated first. On
// failure the stored record is left as it was and the server's message is
// returned as an *ActionError.
func (m *Manager) Activate(ctx context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrKeyRequired
	}

	var events []Event
	defer func() { m.emit(events) }()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	current, err := m.License(ctx)
	if err != nil {
		return "", err
	}

	m.setUpdating(ctx, true)
	defer m.setUpdating(ctx, false)

	replacing := current.IsComplete() && key != current.LicenseKey
	if replacing {
		res := m.cfg.Transport.Request(ctx, ActionDeactivate, current)
		if !res.Success {
			check := m.cfg.Transport.Request(ctx, ActionStatus, current)
			if check.Success && check.Bool("activated") {
				actionErr := newActionError(ActionDeactivate, res)
				m.logger.Warn().Str("code", res.Code).Str("error", res.Error).Msg("previous license is still active remotely")
				events = append(events, Event{Type: EventActivationFailed, Record: current, Err: actionErr})
				return "", actionErr
			}
			m.logger.Info().Str("code", res.Code).Msg("previous license deactivation failed, server no longer reports it active")
		}
	}

	deviceID, err := m.cfg.Device.ID(ctx)
	if err != nil {
		return "", fmt.Errorf("device id: %w", err)
	}
	candidate := current
	candidate.LicenseKey = key
	candidate.DeviceID = deviceID

	res := m.cfg.Transport.Request(ctx, ActionActivate, candidate)
	if !res.Success {
		actionErr := newActionError(ActionActivate, res)
		m.logger.Warn().Str("license", MaskKey(key)).Str("code", res.Code).Str("error", res.Error).Msg("license activation failed")
		events = append(events, Event{Type: EventActivationFailed, Record: current, Err: actionErr})
		return "", actionErr
	}

	merged := candidate.Merge(res.Data)

	// schedule before persisting so the signature binds to the new next check
	if _, scheduled := m.cfg.Scheduler.Next(m.cfg.Hook); !scheduled {
		first := m.now().Add(m.cfg.FirstCheckDelay)
		if err := m.cfg.Scheduler.Schedule(ctx, m.cfg.Hook, first, m.cfg.CheckInterval); err != nil {
			return "", fmt.Errorf("schedule license check: %w", err)
		}
	}

	if err := m.setLicense(ctx, merged); err != nil {
		return "", err
	}
	if err := m.cfg.Store.Flush(ctx); err != nil {
		return "", fmt.Errorf("flush license: %w", err)
	}

	message := MessageActivated
	if replacing {
		message = MessageUpdated
	}

	stored, _ := m.License(ctx)
	m.logger.Info().Str("license", MaskKey(key)).Str("status", string(stored.Status)).Msg("license activated")
	events = append(events, Event{Type: EventActivated, Record: stored, Message: message})
	return message, nil
}

// Deactivate releases the stored key on the server and resets the local
// record to the inactive default. When the server refuses and a follow-up
// status check confirms the key is still active remotely, the local record
// is kept and the refusal is returned.
func (m *Manager) Deactivate(ctx context.Context) (string, error) {
	var events []Event
	defer func() { m.emit(events) }()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	msg, ev, err := m.deactivateLocked(ctx)
	events = ev
	return msg, err
}

func (m *Manager) deactivateLocked(ctx context.Context) (string, []Event, error) {
	current, err := m.License(ctx)
	if err != nil {
		return "", nil, err
	}
	if current.LicenseKey == "" {
		return "", nil, ErrKeyNotFound
	}

	m.setUpdating(ctx, true)
	defer m.setUpdating(ctx, false)

	res := m.cfg.Transport.Request(ctx, ActionDeactivate, current)
	if !res.Success {
		check := m.cfg.Transport.Request(ctx, ActionStatus, current)
		if check.Success && check.Bool("activated") {
			actionErr := newActionError(ActionDeactivate, res)
			m.logger.Warn().Str("code", res.Code).Str("error", res.Error).Msg("license deactivation refused, still active remotely")
			return "", nil, actionErr
		}
		m.logger.Info().Str("code", res.Code).Msg("license deactivation failed remotely, clearing local state")
	}

	if err := m.resetLocked(ctx); err != nil {
		return "", nil, err
	}

	stored, _ := m.License(ctx)
	m.logger.Info().Str("license", MaskKey(current.LicenseKey)).Msg("license deactivated")
	return MessageDeactivated, []Event{{Type: EventDeactivated, Record: stored, Message: MessageDeactivated}}, nil
}

// resetLocked cancels the periodic check and persists the inactive default.
func (m *Manager) resetLocked(ctx context.Context) error {
	if err := m.cfg.Scheduler.Cancel(ctx, m.cfg.Hook); err != nil {
		return fmt.Errorf("cancel license check: %w", err)
	}

	m.mu.Lock()
	defaults, err := m.defaultsLocked(ctx)
	if err == nil {
		err = m.setLicenseLocked(ctx, defaults)
	}
	m.mu.Unlock()
	if err != nil {
		return err
	}

	if err := m.cfg.Store.Flush(ctx); err != nil {
		return fmt.Errorf("flush license: %w", err)
	}
	return nil
}

// CheckStatus refreshes the record from the server. It is the periodic
// check handler: an inactive record only cancels the schedule, and a failed
// check degrades the record to inactive while keeping its identity.
// Server failures are logged, not returned.
func (m *Manager) CheckStatus(ctx context.Context) error {
	var events []Event
	defer func() { m.emit(events) }()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	current, err := m.License(ctx)
	if err != nil {
		return err
	}

	if current.LicenseKey == "" || !current.IsActive() {
		if err := m.cfg.Scheduler.Cancel(ctx, m.cfg.Hook); err != nil {
			return fmt.Errorf("cancel license check: %w", err)
		}
		return nil
	}

	m.setUpdating(ctx, true)
	defer m.setUpdating(ctx, false)

	var next Record
	res := m.cfg.Transport.Request(ctx, ActionStatus, current)
	if res.Success {
		next = current.Merge(res.Data)
		events = append(events, Event{Type: EventStatusChecked, Message: res.Message})
	} else {
		deviceID, err := m.cfg.Device.ID(ctx)
		if err != nil {
			return fmt.Errorf("device id: %w", err)
		}
		next = current
		next.LicenseKey = ""
		next.Status = StatusInactive
		next.DeviceID = deviceID
		next.Slug = m.cfg.Slug
		next.ProductID = m.cfg.ProductID
		next.Remaining = 0
		next.Activations = 0
		next.Limit = 0
		next.Unlimited = false
		next.Expires = 0

		m.logger.Warn().Str("code", res.Code).Str("error", res.Error).Msg("license check failed, marking inactive")
		events = append(events, Event{Type: EventDegraded, Err: newActionError(ActionStatus, res)})
	}

	if err := m.setLicense(ctx, next); err != nil {
		return err
	}
	if err := m.cfg.Store.Flush(ctx); err != nil {
		return fmt.Errorf("flush license: %w", err)
	}

	stored, _ := m.License(ctx)
	for i := range events {
		events[i].Record = stored
	}
	return nil
}

// Check asks the server for the current record's status.
func (m *Manager) Check(ctx context.Context) client.Result {
	return m.request(ctx, ActionStatus)
}

// CheckUpdate asks the server whether a newer package is available.
func (m *Manager) CheckUpdate(ctx context.Context) client.Result {
	return m.request(ctx, ActionUpdate)
}

// Information fetches package information for the current record.
func (m *Manager) Information(ctx context.Context) client.Result {
	return m.request(ctx, ActionInformation)
}

func (m *Manager) request(ctx context.Context, action Action) client.Result {
	rec, err := m.License(ctx)
	if err != nil {
		return client.Failure(err, client.CodeInvalidLicenseData, err.Error(), nil)
	}
	return m.cfg.Transport.Request(ctx, action, rec)
}

// ScheduleCheck starts the periodic check if a key is stored and nothing
// is scheduled yet. A record that verified before is re-signed for the new
// schedule.
func (m *Manager) ScheduleCheck(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if _, scheduled := m.cfg.Scheduler.Next(m.cfg.Hook); scheduled {
		return nil
	}
	rec, err := m.License(ctx)
	if err != nil {
		return err
	}
	if rec.LicenseKey == "" {
		return nil
	}

	return m.reschedule(ctx, func() error {
		first := m.now().Add(m.cfg.FirstCheckDelay)
		return m.cfg.Scheduler.Schedule(ctx, m.cfg.Hook, first, m.cfg.CheckInterval)
	})
}

// ClearSchedule cancels the periodic check. A record that verified before
// is re-signed for the empty schedule.
func (m *Manager) ClearSchedule(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if _, scheduled := m.cfg.Scheduler.Next(m.cfg.Hook); !scheduled {
		return nil
	}
	return m.reschedule(ctx, func() error {
		return m.cfg.Scheduler.Cancel(ctx, m.cfg.Hook)
	})
}

// reschedule applies change and re-signs the record only if it verified
// beforehand, so a tampered record is never laundered.
func (m *Manager) reschedule(ctx context.Context, change func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.loadLocked(ctx); err != nil {
		return err
	}
	wasValid := m.verifyLocked(ctx)

	if err := change(); err != nil {
		return fmt.Errorf("update license check schedule: %w", err)
	}

	if wasValid {
		if err := m.storeLocked(ctx, *m.record); err != nil {
			return err
		}
	}
	m.valid = nil

	if err := m.cfg.Store.Flush(ctx); err != nil {
		return fmt.Errorf("flush license: %w", err)
	}
	return nil
}

// ProjectDeactivated handles the package being uninstalled or switched
// away from: the license is released and local state reset.
func (m *Manager) ProjectDeactivated(ctx context.Context) error {
	var events []Event
	defer func() { m.emit(events) }()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	_, ev, err := m.deactivateLocked(ctx)
	events = ev
	if errors.Is(err, ErrKeyNotFound) {
		return m.resetLocked(ctx)
	}
	return err
}
