package client

import (
	"context"
	"time"
)

// Caller identifies the execution context a request is made from. Each tier
// caps how long a blocking request may take.
type Caller string

const (
	CallerFrontend Caller = "frontend"
	CallerAdmin    Caller = "admin"
	CallerCLI      Caller = "cli"
)

// DefaultRequestTimeout is the timeout requested when none is given.
const DefaultRequestTimeout = 45 * time.Second

var timeoutCaps = map[Caller]time.Duration{
	CallerCLI:      30 * time.Second,
	CallerAdmin:    15 * time.Second,
	CallerFrontend: 5 * time.Second,
}

type callerKey struct{}

// WithCaller returns a context tagged with the caller tier.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller tier stored in ctx, or fallback.
func CallerFrom(ctx context.Context, fallback Caller) Caller {
	if c, ok := ctx.Value(callerKey{}).(Caller); ok && c != "" {
		return c
	}
	return fallback
}

// TimeoutFor caps requested at the limit of the caller tier. Unknown tiers
// get the frontend limit.
func TimeoutFor(c Caller, requested time.Duration) time.Duration {
	if requested <= 0 {
		requested = DefaultRequestTimeout
	}
	limit, ok := timeoutCaps[c]
	if !ok {
		limit = timeoutCaps[CallerFrontend]
	}
	if requested > limit {
		return limit
	}
	return requested
}
