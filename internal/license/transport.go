package license

import (
	"context"

	"github.com/MacJediWizard/seatkeeper/internal/client"
)

// Action is a license operation understood by the license server.
type Action string

const (
	ActionActivate    Action = "activate"
	ActionDeactivate  Action = "deactivate"
	ActionStatus      Action = "status"
	ActionInformation Action = "information"
	ActionUpdate      Action = "update"
)

var actionRoutes = map[Action]client.Route{
	ActionActivate:    client.RouteActivate,
	ActionDeactivate:  client.RouteDeactivate,
	ActionStatus:      client.RouteCheck,
	ActionInformation: client.RoutePackageInfo,
	ActionUpdate:      client.RouteCheckUpdate,
}

// Route returns the server route for an action.
func (a Action) Route() (client.Route, bool) {
	r, ok := actionRoutes[a]
	return r, ok
}

// Transport performs a license action for a record. Failures are reported in
// the returned Result, never as a panic.
type Transport interface {
	Request(ctx context.Context, action Action, rec Record) client.Result
}

// Requester sends a request to a license server route.
type Requester interface {
	Request(ctx context.Context, route client.Route, body map[string]any) client.Result
}

// AdminInfo identifies the site administrator on license actions.
type AdminInfo struct {
	Email string
	Name  string
}

// RemoteTransport validates license actions locally and sends them through
// a Requester.
type RemoteTransport struct {
	requester Requester
	admin     AdminInfo
}

var _ Transport = (*RemoteTransport)(nil)

// NewRemoteTransport creates a RemoteTransport.
func NewRemoteTransport(requester Requester, admin AdminInfo) *RemoteTransport {
	return &RemoteTransport{requester: requester, admin: admin}
}

// Request implements Transport. Unknown actions and incomplete records fail
// without a network call.
func (t *RemoteTransport) Request(ctx context.Context, action Action, rec Record) client.Result {
	route, ok := action.Route()
	if !ok {
		return client.InvalidAction()
	}
	if !rec.IsComplete() {
		return client.InvalidLicenseData()
	}

	body := rec.Map()
	body["admin_email"] = t.admin.Email
	body["admin_name"] = t.admin.Name
	return t.requester.Request(ctx, route, body)
}
