package gateway

import "time"

// Required wire fields are plain values; optional ones are pointers tagged
// omitempty. decodeStrict relies on this to reject bodies missing a field.

// AuthStatus is the gateway's view of the current brokerage session.
type AuthStatus struct {
	Authenticated bool        `json:"authenticated"`
	Competing     bool        `json:"competing"`
	Connected     bool        `json:"connected"`
	Message       string      `json:"message"`
	MAC           string      `json:"MAC"`
	ServerInfo    *ServerInfo `json:"serverInfo,omitempty"`
	HardwareInfo  *string     `json:"hardwareInfo,omitempty"`
	Fail          *string     `json:"fail,omitempty"`
}

// ServerInfo identifies the backend server the gateway is connected to.
type ServerInfo struct {
	ServerName    string `json:"serverName"`
	ServerVersion string `json:"serverVersion"`
}

// InitSessionRequest is the body of an init call. Use NewInitSessionRequest;
// publish is always true.
type InitSessionRequest struct {
	Publish bool `json:"publish"`
	Compete bool `json:"compete"`
}

// NewInitSessionRequest builds an init body. compete decides whether this
// client takes the session over from another holder.
func NewInitSessionRequest(compete bool) InitSessionRequest {
	return InitSessionRequest{Publish: true, Compete: compete}
}

// InitSessionResponse is returned by a session init.
type InitSessionResponse struct {
	Authenticated bool        `json:"authenticated"`
	Competing     bool        `json:"competing"`
	Connected     bool        `json:"connected"`
	Message       string      `json:"message"`
	MAC           string      `json:"MAC"`
	ServerInfo    *ServerInfo `json:"serverInfo,omitempty"`
}

// HmdsInitResponse is returned when the historical-data subsystem is enabled.
type HmdsInitResponse struct {
	Authenticated bool `json:"authenticated"`
}

// LogoutResponse is returned by logout.
type LogoutResponse struct {
	Status bool `json:"status"`
}

// TickleResponse acknowledges a keepalive.
type TickleResponse struct {
	Session string `json:"session"`
	// SSOExpires is the remaining SSO validity in milliseconds.
	SSOExpires int64 `json:"ssoExpires"`
	// The gateway spells this field "collission".
	Collision bool         `json:"collission"`
	UserID    int64        `json:"userId"`
	Hmds      *HmdsInfo    `json:"hmds,omitempty"`
	IServer   *IServerInfo `json:"iserver,omitempty"`
}

// ExpiresIn converts SSOExpires to a duration.
func (t *TickleResponse) ExpiresIn() time.Duration {
	return time.Duration(t.SSOExpires) * time.Millisecond
}

// ExpiringWithin reports whether the SSO session ends within d.
func (t *TickleResponse) ExpiringWithin(d time.Duration) bool {
	return t.ExpiresIn() < d
}

// Authenticated returns the embedded iserver auth flag, false when absent.
func (t *TickleResponse) Authenticated() bool {
	return t.IServer != nil && t.IServer.AuthStatus.Authenticated
}

// HmdsInfo is the historical-data subsystem state embedded in a tickle.
type HmdsInfo struct {
	Error *string `json:"error,omitempty"`
}

// IServerInfo wraps the auth status embedded in a tickle.
type IServerInfo struct {
	AuthStatus AuthStatus `json:"authStatus"`
}

// LoginType distinguishes live from paper accounts.
type LoginType int

const (
	LoginTypeLive  LoginType = 1
	LoginTypePaper LoginType = 2
)

func (l LoginType) String() string {
	switch l {
	case LoginTypeLive:
		return "live"
	case LoginTypePaper:
		return "paper"
	default:
		return "unknown"
	}
}

// SsoValidateResponse is the single-sign-on validation payload. Wire names are
// upper snake case.
type SsoValidateResponse struct {
	UserID                 int64     `json:"USER_ID"`
	UserName               string    `json:"USER_NAME"`
	Result                 bool      `json:"RESULT"`
	AuthTime               int64     `json:"AUTH_TIME"`
	SFEnabled              bool      `json:"SF_ENABLED"`
	IsFreeTrial            bool      `json:"IS_FREE_TRIAL"`
	Credential             string    `json:"CREDENTIAL"`
	IP                     string    `json:"IP"`
	Expires                int64     `json:"EXPIRES"`
	QualifiedForMobileAuth *bool     `json:"QUALIFIED_FOR_MOBILE_AUTH,omitempty"`
	LandingApp             string    `json:"LANDING_APP"`
	IsMaster               bool      `json:"IS_MASTER"`
	LastAccessed           int64     `json:"LAST_ACCESSED"`
	LoginType              LoginType `json:"LOGIN_TYPE"`
	PaperUserName          *string   `json:"PAPER_USER_NAME,omitempty"`
	Features               *Features `json:"FEATURES,omitempty"`
	Region                 *string   `json:"REGION,omitempty"`
}

// IsPaper reports whether the validated login is a paper-trading account.
func (s *SsoValidateResponse) IsPaper() bool {
	return s.LoginType == LoginTypePaper
}

// Features lists account entitlements.
type Features struct {
	Env          string `json:"env"`
	WLMS         bool   `json:"wlms"`
	Realtime     bool   `json:"realtime"`
	Bond         bool   `json:"bond"`
	OptionChains bool   `json:"optionChains"`
	Calendar     bool   `json:"calendar"`
	NewMF        bool   `json:"newMf"`
}
