package gateway

import (
	"context"
	"net/http"
)

// SessionAPI is the set of session calls. *Client implements it; callers
// should depend on the interface so tests can substitute a fake gateway.
type SessionAPI interface {
	// AuthStatus reports the current auth state. authenticated=false is a
	// normal answer, not an error.
	AuthStatus(ctx context.Context) (*AuthStatus, error)
	// InitSession starts or claims the brokerage session. compete=true takes
	// it over from another holder.
	InitSession(ctx context.Context, compete bool) (*InitSessionResponse, error)
	// InitHistorical enables the historical-data subsystem. Its failure does
	// not invalidate the main session.
	InitHistorical(ctx context.Context) (*HmdsInitResponse, error)
	// ValidateSSO validates the single-sign-on ticket. Result=false means an
	// invalid or expired ticket.
	ValidateSSO(ctx context.Context) (*SsoValidateResponse, error)
	// Tickle is the keepalive primitive. It may be called repeatedly.
	Tickle(ctx context.Context) (*TickleResponse, error)
	// Logout ends the session; a new InitSession is needed afterwards.
	Logout(ctx context.Context) (*LogoutResponse, error)
}

var _ SessionAPI = (*Client)(nil)

// Operation names, used in errors, logs and metric labels.
const (
	OpAuthStatus     = "auth_status"
	OpInitSession    = "init_session"
	OpInitHistorical = "init_historical"
	OpValidateSSO    = "validate_sso"
	OpTickle         = "tickle"
	OpLogout         = "logout"
)

const (
	pathAuthStatus     = "iserver/auth/status"
	pathInitSession    = "iserver/auth/ssodh/init"
	pathInitHistorical = "hmds/auth/init"
	pathValidateSSO    = "sso/validate"
	pathTickle         = "tickle"
	pathLogout         = "logout"
)

// emptyBody encodes as {} which the gateway expects on body-less POSTs.
var emptyBody = struct{}{}

func call[T any](ctx context.Context, c *Client, op, method, path string, body any) (*T, error) {
	var out T
	if err := c.do(ctx, op, method, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AuthStatus(ctx context.Context) (*AuthStatus, error) {
	return call[AuthStatus](ctx, c, OpAuthStatus, http.MethodPost, pathAuthStatus, emptyBody)
}

func (c *Client) InitSession(ctx context.Context, compete bool) (*InitSessionResponse, error) {
	return call[InitSessionResponse](ctx, c, OpInitSession, http.MethodPost, pathInitSession, NewInitSessionRequest(compete))
}

func (c *Client) InitHistorical(ctx context.Context) (*HmdsInitResponse, error) {
	return call[HmdsInitResponse](ctx, c, OpInitHistorical, http.MethodPost, pathInitHistorical, emptyBody)
}

func (c *Client) ValidateSSO(ctx context.Context) (*SsoValidateResponse, error) {
	return call[SsoValidateResponse](ctx, c, OpValidateSSO, http.MethodGet, pathValidateSSO, nil)
}

func (c *Client) Tickle(ctx context.Context) (*TickleResponse, error) {
	return call[TickleResponse](ctx, c, OpTickle, http.MethodPost, pathTickle, emptyBody)
}

func (c *Client) Logout(ctx context.Context) (*LogoutResponse, error) {
	return call[LogoutResponse](ctx, c, OpLogout, http.MethodPost, pathLogout, emptyBody)
}
