package sdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacJediWizard/seatkeeper/internal/client"
	"github.com/MacJediWizard/seatkeeper/internal/config"
	"github.com/MacJediWizard/seatkeeper/internal/device"
	"github.com/MacJediWizard/seatkeeper/internal/license"
	"github.com/MacJediWizard/seatkeeper/internal/metrics"
	"github.com/MacJediWizard/seatkeeper/internal/options"
	"github.com/MacJediWizard/seatkeeper/internal/updates"
)

const activeReply = `{"success":true,"message":"License activated.","data":{"status":"active","activation_id":7,"remaining":4,"activations":1,"limit":5,"unlimited":false,"expires":"2030-01-01 00:00:00"}}`

type reply struct {
	status int
	body   string
}

type call struct {
	route string
	body  map[string]any
}

// licenseServer fakes the license server routes.
type licenseServer struct {
	mu      sync.Mutex
	replies map[string]reply
	calls   []call
}

func newLicenseServer(t *testing.T) (*licenseServer, *httptest.Server) {
	t.Helper()
	ls := &licenseServer{replies: map[string]reply{
		string(client.RouteActivate):   {http.StatusOK, activeReply},
		string(client.RouteDeactivate): {http.StatusOK, `{"success":true,"message":"License deactivated."}`},
		string(client.RouteCheck):      {http.StatusOK, `{"success":true,"data":{"status":"active","remaining":3}}`},
	}}
	srv := httptest.NewServer(ls)
	t.Cleanup(srv.Close)
	return ls, srv
}

func (ls *licenseServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route := strings.Trim(strings.TrimPrefix(r.URL.Query().Get("rest_route"), "/storeengine/v1/software/"), "/")

	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	ls.mu.Lock()
	ls.calls = append(ls.calls, call{route: route, body: body})
	rep, ok := ls.replies[route]
	ls.mu.Unlock()

	if !ok {
		rep = reply{http.StatusOK, `{"success":true}`}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rep.status)
	_, _ = w.Write([]byte(rep.body))
}

func (ls *licenseServer) set(route client.Route, status int, body string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.replies[string(route)] = reply{status, body}
}

func (ls *licenseServer) routes() []string {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	out := make([]string, 0, len(ls.calls))
	for _, c := range ls.calls {
		out = append(out, c.route)
	}
	return out
}

func (ls *licenseServer) last(route client.Route) map[string]any {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for i := len(ls.calls) - 1; i >= 0; i-- {
		if ls.calls[i].route == string(route) {
			return ls.calls[i].body
		}
	}
	return nil
}

func testConfig(server string) *config.Config {
	return &config.Config{
		LicenseServer:  server,
		ProductID:      42,
		Slug:           "widget",
		PackageVersion: "1.0.0",
		SiteURL:        "https://shop.example.com",
		SiteName:       "Example Shop",
		AdminEmail:     "admin@example.com",
		AdminName:      "Admin",
		AuthKey:        "auth-key",
		AuthSalt:       "auth-salt",
		Caller:         config.CallerCLI,
		Store:          config.StoreConfig{Driver: config.StoreMemory},
	}
}

func open(t *testing.T, cfg *config.Config, opts ...Option) *Client {
	t.Helper()
	c, err := New(context.Background(), cfg, zerolog.Nop(), opts...)
	require.NoError(t, err)
	return c
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig("ftp://license.example.com")
	_, err := New(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestClient_ActivateLifecycle(t *testing.T) {
	ctx := context.Background()
	ls, srv := newLicenseServer(t)
	m, err := metrics.NewPrometheusMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	cfg := testConfig(srv.URL)
	c := open(t, cfg, WithMetrics(m))
	defer c.Close(ctx)

	assert.False(t, c.IsValid(ctx))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.LicenseValid))

	msg, err := c.Activate(ctx, "KEY-1")
	require.NoError(t, err)
	assert.Equal(t, license.MessageActivated, msg)
	assert.True(t, c.IsValid(ctx))
	assert.Equal(t, "KEY-1", c.Key(ctx))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LicenseValid))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventCounter.WithLabelValues(string(license.EventActivated))))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RequestCounter.WithLabelValues(string(client.RouteActivate), client.OutcomeSuccess)))

	body := ls.last(client.RouteActivate)
	require.NotNil(t, body)
	assert.Equal(t, "KEY-1", body["license"])
	assert.Equal(t, "admin@example.com", body["admin_email"])
	deviceID, err := c.DeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, deviceID, body["device_id"])

	_, scheduled := c.Scheduler().Next(cfg.HookName(HookLicenseCheck))
	assert.True(t, scheduled)

	msg, err = c.Deactivate(ctx)
	require.NoError(t, err)
	assert.Equal(t, license.MessageDeactivated, msg)
	assert.False(t, c.IsValid(ctx))
	_, scheduled = c.Scheduler().Next(cfg.HookName(HookLicenseCheck))
	assert.False(t, scheduled)
}

func TestClient_LicenseKeyAddedToRequests(t *testing.T) {
	ctx := context.Background()
	ls, srv := newLicenseServer(t)
	c := open(t, testConfig(srv.URL))
	defer c.Close(ctx)

	_, err := c.Activate(ctx, "KEY-1")
	require.NoError(t, err)

	res := c.API().Request(ctx, client.RoutePromotions, nil)
	require.True(t, res.Success)
	assert.Equal(t, "KEY-1", ls.last(client.RoutePromotions)["license"])
}

func TestClient_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	_, srv := newLicenseServer(t)

	cfg := testConfig(srv.URL)
	cfg.Store = config.StoreConfig{Driver: config.StoreSQLite, Path: filepath.Join(t.TempDir(), "options.db")}

	first := open(t, cfg)
	_, err := first.Activate(ctx, "KEY-1")
	require.NoError(t, err)
	deviceID, err := first.DeviceID(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	second := open(t, cfg)
	defer second.Close(ctx)
	assert.True(t, second.IsValid(ctx))
	assert.Equal(t, "KEY-1", second.License().Key(ctx))
	again, err := second.DeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, deviceID, again)
}

func TestClient_InstallationsAreIsolated(t *testing.T) {
	ctx := context.Background()
	_, srv := newLicenseServer(t)
	backend := options.NewMemoryBackend()

	widget := open(t, testConfig(srv.URL), WithBackend(backend))
	_, err := widget.Activate(ctx, "KEY-1")
	require.NoError(t, err)

	otherCfg := testConfig(srv.URL)
	otherCfg.Slug = "gadget"
	other := open(t, otherCfg, WithBackend(backend))

	assert.True(t, widget.IsValid(ctx))
	assert.False(t, other.IsValid(ctx))
	assert.Empty(t, other.License().Key(ctx))
}

func TestClient_RefreshSharesDeviceID(t *testing.T) {
	ctx := context.Background()
	_, srv := newLicenseServer(t)
	backend := options.NewMemoryBackend()

	// a long-running process touches the store, then refreshes before a tick
	runner := open(t, testConfig(srv.URL), WithBackend(backend))
	runner.IsValid(ctx)
	runnerID, err := runner.DeviceID(ctx)
	require.NoError(t, err)
	require.NoError(t, runner.Refresh(ctx))

	raw, err := backend.Get(ctx, options.DefaultOptionName)
	require.NoError(t, err)
	assert.Contains(t, string(raw), runnerID)

	afterRefresh, err := runner.DeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, runnerID, afterRefresh)

	// a second process on the same installation sees the same id
	cli := open(t, testConfig(srv.URL), WithBackend(backend))
	cliID, err := cli.DeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, runnerID, cliID)

	// and a value it persists is picked up on the runner's next refresh
	require.NoError(t, cli.Store().Set(ctx, device.OptionKey, "replaced-id"))
	require.NoError(t, cli.Store().Flush(ctx))
	require.NoError(t, runner.Refresh(ctx))

	refreshed, err := runner.DeviceID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "replaced-id", refreshed)
}

func TestClient_ScheduledCheckDegrades(t *testing.T) {
	ctx := context.Background()
	ls, srv := newLicenseServer(t)
	m, err := metrics.NewPrometheusMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	cfg := testConfig(srv.URL)
	c := open(t, cfg, WithMetrics(m))
	defer c.Close(ctx)

	_, err = c.Activate(ctx, "KEY-1")
	require.NoError(t, err)
	require.True(t, c.IsValid(ctx))

	ls.set(client.RouteCheck, http.StatusForbidden, `{"code":"license_expired","message":"License expired."}`)
	c.Scheduler().SetClock(func() time.Time { return time.Now().Add(2 * time.Minute) })

	ran, err := c.Scheduler().RunDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)

	assert.False(t, c.IsValid(ctx))
	rec, err := c.License().License(ctx)
	require.NoError(t, err)
	assert.Empty(t, rec.LicenseKey)
	assert.Equal(t, license.StatusInactive, rec.Status)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HookRuns.WithLabelValues(HookLicenseCheck, metrics.OutcomeSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventCounter.WithLabelValues(string(license.EventDegraded))))
	assert.Contains(t, ls.routes(), string(client.RouteCheck))
}

func TestClient_UpdatesRequireLicense(t *testing.T) {
	ctx := context.Background()
	ls, srv := newLicenseServer(t)
	ls.set(client.RouteCheckUpdate, http.StatusOK, `{"success":true,"data":{"new_version":"1.2.0","package":"https://example.com/widget.zip"}}`)

	c := open(t, testConfig(srv.URL))
	defer c.Close(ctx)

	_, err := c.Updates().CheckForUpdate(ctx)
	assert.ErrorIs(t, err, updates.ErrLicenseInvalid)

	_, err = c.Activate(ctx, "KEY-1")
	require.NoError(t, err)

	info, err := c.Updates().CheckForUpdate(ctx)
	require.NoError(t, err)
	assert.True(t, info.UpdateAvailable)
	assert.Equal(t, "1.2.0", info.LatestVersion)
	assert.Equal(t, "KEY-1", ls.last(client.RouteCheckUpdate)["license"])
}

func TestClient_FreeProduct(t *testing.T) {
	ctx := context.Background()
	ls, srv := newLicenseServer(t)
	ls.set(client.RouteCheckUpdate, http.StatusOK, `{"success":true,"data":{"new_version":"1.0.1"}}`)

	cfg := testConfig(srv.URL)
	cfg.IsFree = true
	cfg.UseUpdate = true
	c := open(t, cfg)
	defer c.Close(ctx)

	assert.True(t, c.IsValid(ctx))
	info, err := c.Updates().CheckForUpdate(ctx)
	require.NoError(t, err)
	assert.True(t, info.UpdateAvailable)
	_, hasLicense := ls.last(client.RouteCheckUpdate)["license"]
	assert.False(t, hasLicense)
}

func TestClient_Insights(t *testing.T) {
	ctx := context.Background()
	ls, srv := newLicenseServer(t)

	cfg := testConfig(srv.URL)
	cfg.Insights.Enabled = true
	c := open(t, cfg)

	require.NoError(t, c.Insights().OptIn(ctx, false))
	_, scheduled := c.Scheduler().Next(cfg.HookName(HookTrackerSend))
	assert.True(t, scheduled)

	require.NoError(t, c.Close(ctx))
	routes := ls.routes()
	assert.Contains(t, routes, string(client.RouteOptIn))
	assert.Contains(t, routes, string(client.RouteLogUsage))
	assert.Equal(t, "https://shop.example.com", ls.last(client.RouteLogUsage)["site_url"])
}

func TestClient_InsightsDisabled(t *testing.T) {
	ctx := context.Background()
	ls, srv := newLicenseServer(t)

	c := open(t, testConfig(srv.URL))
	require.NoError(t, c.Insights().OptIn(ctx, false))
	require.NoError(t, c.Close(ctx))

	assert.NotContains(t, ls.routes(), string(client.RouteLogUsage))
}

func TestClient_ProjectLifecycle(t *testing.T) {
	ctx := context.Background()
	ls, srv := newLicenseServer(t)

	cfg := testConfig(srv.URL)
	cfg.Insights.Enabled = true
	c := open(t, cfg)
	defer c.Close(ctx)

	_, err := c.Activate(ctx, "KEY-1")
	require.NoError(t, err)
	require.NoError(t, c.Insights().OptIn(ctx, false))

	require.NoError(t, c.ProjectDeactivated(ctx))
	assert.False(t, c.IsValid(ctx))
	assert.Empty(t, c.Scheduler().Hooks())
	assert.Contains(t, ls.routes(), string(client.RouteDeactivate))

	require.NoError(t, c.ProjectActivated(ctx))
	_, scheduled := c.Scheduler().Next(cfg.HookName(HookTrackerSend))
	assert.True(t, scheduled)
	// no key left, so no license check is scheduled
	_, scheduled = c.Scheduler().Next(cfg.HookName(HookLicenseCheck))
	assert.False(t, scheduled)
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()

	backend, err := OpenBackend(ctx, config.StoreConfig{Driver: config.StoreMemory}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &options.MemoryBackend{}, backend)

	backend, err = OpenBackend(ctx, config.StoreConfig{Driver: config.StoreSQLite, Path: filepath.Join(t.TempDir(), "nested", "options.db")}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &options.SQLiteBackend{}, backend)
	require.NoError(t, backend.Close())

	_, err = OpenBackend(ctx, config.StoreConfig{Driver: "etcd"}, zerolog.Nop())
	assert.Error(t, err)
}
