package license

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacJediWizard/seatkeeper/internal/client"
)

type fakeRequester struct {
	route client.Route
	body  map[string]any
	calls int
}

func (f *fakeRequester) Request(_ context.Context, route client.Route, body map[string]any) client.Result {
	f.calls++
	f.route = route
	f.body = body
	return client.Result{Success: true, Message: client.MessageSuccess, Data: map[string]any{}}
}

func TestAction_Route(t *testing.T) {
	tests := []struct {
		action Action
		route  client.Route
	}{
		{ActionActivate, client.RouteActivate},
		{ActionDeactivate, client.RouteDeactivate},
		{ActionStatus, client.RouteCheck},
		{ActionInformation, client.RoutePackageInfo},
		{ActionUpdate, client.RouteCheckUpdate},
	}
	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			route, ok := tt.action.Route()
			require.True(t, ok)
			assert.Equal(t, tt.route, route)
		})
	}

	_, ok := Action("refund").Route()
	assert.False(t, ok)
}

func TestRemoteTransport_Request(t *testing.T) {
	ctx := context.Background()
	complete := signedRecord()

	t.Run("unknown action", func(t *testing.T) {
		req := &fakeRequester{}
		res := NewRemoteTransport(req, AdminInfo{}).Request(ctx, Action("refund"), complete)
		assert.False(t, res.Success)
		assert.Equal(t, client.CodeInvalidAction, res.Code)
		assert.Equal(t, client.MessageInvalidAction, res.Error)
		assert.Zero(t, req.calls)
	})

	t.Run("incomplete record", func(t *testing.T) {
		for _, mutate := range []func(r *Record){
			func(r *Record) { r.LicenseKey = "" },
			func(r *Record) { r.DeviceID = "" },
			func(r *Record) { r.Slug = "" },
			func(r *Record) { r.ProductID = 0 },
		} {
			req := &fakeRequester{}
			rec := complete
			mutate(&rec)
			res := NewRemoteTransport(req, AdminInfo{}).Request(ctx, ActionActivate, rec)
			assert.False(t, res.Success)
			assert.Equal(t, client.CodeInvalidLicenseData, res.Code)
			assert.ErrorIs(t, res.Err, client.ErrInvalidLicenseData)
			assert.Zero(t, req.calls)
		}
	})

	t.Run("sends record and admin", func(t *testing.T) {
		req := &fakeRequester{}
		res := NewRemoteTransport(req, AdminInfo{Email: "admin@example.com", Name: "Admin"}).Request(ctx, ActionStatus, complete)
		assert.True(t, res.Success)
		assert.Equal(t, 1, req.calls)
		assert.Equal(t, client.RouteCheck, req.route)
		assert.Equal(t, "KEY-123", req.body["license"])
		assert.Equal(t, "dev", req.body["device_id"])
		assert.Equal(t, "admin@example.com", req.body["admin_email"])
		assert.Equal(t, "Admin", req.body["admin_name"])
	})
}
