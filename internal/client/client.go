// Package client talks to the license server's REST API and normalizes every
// reply into a Result.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SDKVersion is reported to the license server with every request.
const SDKVersion = "1.1.0"

// Route names a license server endpoint.
type Route string

const (
	RouteActivate    Route = "activate-license"
	RouteDeactivate  Route = "deactivate-license"
	RouteCheck       Route = "check-license"
	RoutePackageInfo Route = "package-info"
	RouteCheckUpdate Route = "check-update"
	RouteOptIn       Route = "opt-in"
	RouteLogUsage    Route = "log-usage"
	RoutePromotions  Route = "promotions"
)

// dispatchTimeout bounds a fire-and-forget request.
const dispatchTimeout = 5 * time.Second

const maxResponseBody = 1 << 20

// Outcomes reported to a Recorder.
const (
	OutcomeSuccess         = "success"
	OutcomeRemoteError     = "remote_error"
	OutcomeNetworkError    = "network_error"
	OutcomeInvalidResponse = "invalid_response"
)

// Recorder observes completed requests.
type Recorder interface {
	ObserveRequest(route string, outcome string, duration time.Duration)
}

// Config describes the product installation the client speaks for.
type Config struct {
	Server      string
	Namespace   string
	APIVersion  string
	Slug        string
	ProductID   uint64
	Version     string
	PackageName string
	// PackageType is "plugin" or "theme".
	PackageType string
	IsFree      bool
	SiteURL     string
	HomeURL     string
	SiteName    string
	Locale      string
	// Caller is the tier used when the request context carries none.
	Caller Caller
	// RequestTimeout is the timeout requested before tier capping.
	RequestTimeout time.Duration
}

// Client sends requests to the license server.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger
	recorder   Recorder
	deviceID   func(ctx context.Context) (string, error)
	licenseKey func(ctx context.Context) string

	wg sync.WaitGroup
}

// Option customizes a Client.
type Option func(*Client)

// WithRecorder attaches a request observer.
func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

// WithDeviceID sets the source of the device_id body field.
func WithDeviceID(fn func(ctx context.Context) (string, error)) Option {
	return func(c *Client) { c.deviceID = fn }
}

// WithLicenseKey sets the source of the license key added to requests of
// non-free products.
func WithLicenseKey(fn func(ctx context.Context) string) Option {
	return func(c *Client) { c.licenseKey = fn }
}

// New creates a Client.
func New(cfg Config, httpClient *http.Client, logger zerolog.Logger, opts ...Option) *Client {
	if cfg.Namespace == "" {
		cfg.Namespace = "storeengine"
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "v1"
	}
	if cfg.Caller == "" {
		cfg.Caller = CallerAdmin
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultRequestTimeout}
	}

	c := &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.With().Str("component", "license_client").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetLicenseKeySource replaces the license key source after construction.
func (c *Client) SetLicenseKeySource(fn func(ctx context.Context) string) {
	c.licenseKey = fn
}

// Endpoint returns the URL for a route.
func (c *Client) Endpoint(route Route) string {
	server := strings.TrimRight(c.cfg.Server, "/")
	r := strings.Trim(string(route), "/")
	return fmt.Sprintf("%s/index.php?rest_route=/%s/%s/software/%s/", server, c.cfg.Namespace, c.cfg.APIVersion, r)
}

// UserAgent returns the User-Agent header value.
func (c *Client) UserAgent() string {
	pkgType := c.cfg.PackageType
	if pkgType != "" {
		pkgType = strings.ToUpper(pkgType[:1]) + pkgType[1:]
	}
	return fmt.Sprintf("SeatkeeperLicenseClient/%s (Seatkeeper; %s/%s) %s (%s/%s:%s) %s",
		SDKVersion,
		runtime.GOOS, runtime.GOARCH,
		c.cfg.SiteName,
		c.cfg.PackageName,
		c.cfg.Version,
		pkgType,
		c.cfg.HomeURL,
	)
}

// Body merges the installation fields into body. Installation fields win
// over caller supplied values.
func (c *Client) Body(ctx context.Context, body map[string]any) map[string]any {
	out := make(map[string]any, len(body)+9)
	for k, v := range body {
		out[k] = v
	}

	deviceID := ""
	if c.deviceID != nil {
		id, err := c.deviceID(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("device id unavailable")
		}
		deviceID = id
	}

	out["is_free"] = c.cfg.IsFree
	out["slug"] = c.cfg.Slug
	out["site_url"] = c.cfg.SiteURL
	out["product_id"] = c.cfg.ProductID
	out["version"] = c.cfg.Version
	out["sdk_version"] = SDKVersion
	out["device_id"] = deviceID
	out["locale"] = c.cfg.Locale

	if !c.cfg.IsFree && c.licenseKey != nil && isEmpty(out["license"]) {
		if key := c.licenseKey(ctx); key != "" {
			out["license"] = key
		}
	}
	return out
}

// Request sends a blocking request with the configured timeout.
func (c *Client) Request(ctx context.Context, route Route, body map[string]any) Result {
	return c.RequestTimeout(ctx, route, body, c.cfg.RequestTimeout)
}

// RequestTimeout sends a blocking request. The requested timeout is capped
// according to the caller tier carried by ctx.
func (c *Client) RequestTimeout(ctx context.Context, route Route, body map[string]any, requested time.Duration) Result {
	caller := CallerFrom(ctx, c.cfg.Caller)
	timeout := TimeoutFor(caller, requested)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result := c.do(ctx, route, c.Body(ctx, body))
	elapsed := time.Since(start)

	if c.recorder != nil {
		c.recorder.ObserveRequest(string(route), outcomeOf(result), elapsed)
	}

	ev := c.logger.Debug()
	if !result.Success {
		ev = c.logger.Warn()
	}
	ev.Str("route", string(route)).
		Str("caller", string(caller)).
		Dur("timeout", timeout).
		Dur("duration", elapsed).
		Bool("success", result.Success).
		Str("code", result.Code).
		Msg("license server request")

	return result
}

// Dispatch sends a request without waiting for the reply. The request
// outlives ctx cancellation but is bounded by a short timeout.
func (c *Client) Dispatch(ctx context.Context, route Route, body map[string]any) {
	ctx = context.WithoutCancel(ctx)
	merged := c.Body(ctx, body)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
		defer cancel()

		start := time.Now()
		result := c.do(ctx, route, merged)
		if c.recorder != nil {
			c.recorder.ObserveRequest(string(route), outcomeOf(result), time.Since(start))
		}
		if !result.Success {
			c.logger.Debug().Str("route", string(route)).Str("code", result.Code).Str("error", result.Error).Msg("dispatched request failed")
		}
	}()
}

// Wait blocks until every dispatched request has finished.
func (c *Client) Wait() {
	c.wg.Wait()
}

func (c *Client) do(ctx context.Context, route Route, body map[string]any) Result {
	payload, err := json.Marshal(body)
	if err != nil {
		return Failure(fmt.Errorf("%w: marshal request: %v", ErrNetwork, err), CodeRequestFailed, err.Error(), nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint(route), bytes.NewReader(payload))
	if err != nil {
		return Failure(fmt.Errorf("%w: %v", ErrNetwork, err), CodeRequestFailed, err.Error(), nil)
	}
	req.Header.Set("User-Agent", c.UserAgent())
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.New().String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Failure(fmt.Errorf("%w: %v", ErrNetwork, err), CodeRequestFailed, err.Error(), nil)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Failure(fmt.Errorf("%w: read response: %v", ErrNetwork, err), CodeRequestFailed, err.Error(), nil)
	}

	return Normalize(resp.StatusCode, raw)
}

// Normalize converts a raw server reply into a Result.
func Normalize(status int, raw []byte) Result {
	trimmed := bytes.TrimSpace(raw)

	var body map[string]any
	decodeErr := errors.New("empty body")
	if len(trimmed) > 0 {
		decodeErr = json.Unmarshal(trimmed, &body)
	}

	if status >= 400 {
		if decodeErr != nil {
			body = nil
		}
		return remoteFailure(status, body)
	}

	if len(trimmed) == 0 {
		return Result{Success: true, Message: MessageSuccess, Data: map[string]any{}}
	}
	if decodeErr != nil || body == nil {
		return Failure(fmt.Errorf("%w: status %d", ErrMalformedResponse, status), CodeInvalidResponse, MessageInvalidResponse, nil)
	}

	if success, ok := body["success"].(bool); ok && !success {
		return remoteFailure(status, body)
	}

	message := MessageSuccess
	if m, ok := body["message"].(string); ok && m != "" {
		message = m
	}

	data := make(map[string]any, len(body))
	for k, v := range body {
		if k == "message" {
			continue
		}
		data[k] = v
	}
	if nested, ok := body["data"].(map[string]any); ok {
		delete(data, "data")
		for k, v := range nested {
			data[k] = v
		}
	}

	return Result{Success: true, Message: message, Data: data}
}

func remoteFailure(status int, body map[string]any) Result {
	message := MessageUnknownError
	if m, ok := body["message"].(string); ok && m != "" {
		message = m
	}
	code := CodeUnknown
	switch v := body["code"].(type) {
	case string:
		if v != "" {
			code = v
		}
	case float64:
		code = strconv.FormatFloat(v, 'f', -1, 64)
	}
	data, _ := body["data"].(map[string]any)
	return Failure(fmt.Errorf("%w: status %d: %s", ErrRemote, status, message), code, message, data)
}

func outcomeOf(r Result) string {
	switch {
	case r.Success:
		return OutcomeSuccess
	case errors.Is(r.Err, ErrNetwork):
		return OutcomeNetworkError
	case errors.Is(r.Err, ErrMalformedResponse):
		return OutcomeInvalidResponse
	default:
		return OutcomeRemoteError
	}
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	default:
		return false
	}
}
