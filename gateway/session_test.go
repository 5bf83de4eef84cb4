package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	authStatusJSON = `{"authenticated":false,"connected":false,"competing":false,"message":"","MAC":"98:F2:B3:23:BF:A0"}`

	ssoValidateJSON = `{
		"USER_ID": 12345678,
		"USER_NAME": "jdoe123",
		"RESULT": true,
		"AUTH_TIME": 1702580846836,
		"SF_ENABLED": false,
		"IS_FREE_TRIAL": false,
		"CREDENTIAL": "jdoe123",
		"IP": "12.345.678.901",
		"EXPIRES": 415890,
		"QUALIFIED_FOR_MOBILE_AUTH": null,
		"LANDING_APP": "UNIVERSAL",
		"IS_MASTER": false,
		"LAST_ACCESSED": 1702581069652,
		"LOGIN_TYPE": 2,
		"PAPER_USER_NAME": "jdoe321",
		"FEATURES": {
			"env": "PROD",
			"wlms": true,
			"realtime": true,
			"bond": true,
			"optionChains": true,
			"calendar": true,
			"newMf": true
		},
		"REGION": "NJ"
	}`
)

// recordedRequest captures what the fake gateway received.
type recordedRequest struct {
	Method string
	Path   string
	Body   []byte
}

// fakeGateway answers each path with a canned status and body, recording requests.
type fakeGateway struct {
	mu        sync.Mutex
	requests  []recordedRequest
	responses map[string][]cannedResponse
}

type cannedResponse struct {
	status int
	body   string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{responses: make(map[string][]cannedResponse)}
}

// on queues responses for path; the last one repeats once the queue drains.
func (g *fakeGateway) on(path string, status int, body string) *fakeGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.responses["/v1/api/"+path] = append(g.responses["/v1/api/"+path], cannedResponse{status, body})
	return g
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	g.mu.Lock()
	g.requests = append(g.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Body: body})
	queue := g.responses[r.URL.Path]
	var resp cannedResponse
	switch {
	case len(queue) == 0:
		resp = cannedResponse{http.StatusNotFound, "not found"}
	case len(queue) == 1:
		resp = queue[0]
	default:
		resp = queue[0]
		g.responses[r.URL.Path] = queue[1:]
	}
	g.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.status)
	_, _ = io.WriteString(w, resp.body)
}

func (g *fakeGateway) last() recordedRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

func (g *fakeGateway) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func TestAuthStatusUnauthenticatedIsNotAnError(t *testing.T) {
	gw := newFakeGateway().on("iserver/auth/status", http.StatusOK, authStatusJSON)
	c := newTestClient(t, gw)

	status, err := c.AuthStatus(context.Background())
	require.NoError(t, err)

	assert.False(t, status.Authenticated)
	assert.False(t, status.Connected)
	assert.False(t, status.Competing)
	assert.Equal(t, "", status.Message)
	assert.Equal(t, "98:F2:B3:23:BF:A0", status.MAC)
	assert.Nil(t, status.ServerInfo, "absent serverInfo is valid")
	assert.Nil(t, status.Fail)

	req := gw.last()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/v1/api/iserver/auth/status", req.Path)
	assert.JSONEq(t, `{}`, string(req.Body))
}

func TestAuthStatusWithServerInfo(t *testing.T) {
	gw := newFakeGateway().on("iserver/auth/status", http.StatusOK, `{
		"authenticated": true, "competing": false, "connected": true,
		"message": "", "MAC": "98:F2:B3:23:BF:A0",
		"serverInfo": {"serverName": "JifN19053", "serverVersion": "Build 10.25.0p"},
		"hardwareInfo": "abc|98:F2:B3:23:BF:A0",
		"fail": ""
	}`)
	c := newTestClient(t, gw)

	status, err := c.AuthStatus(context.Background())
	require.NoError(t, err)

	assert.True(t, status.Authenticated)
	require.NotNil(t, status.ServerInfo)
	assert.Equal(t, "JifN19053", status.ServerInfo.ServerName)
	assert.Equal(t, "Build 10.25.0p", status.ServerInfo.ServerVersion)
	require.NotNil(t, status.HardwareInfo)
	assert.Equal(t, "abc|98:F2:B3:23:BF:A0", *status.HardwareInfo)
}

func TestInitSessionAlwaysPublishes(t *testing.T) {
	for _, compete := range []bool{true, false} {
		gw := newFakeGateway().on("iserver/auth/ssodh/init", http.StatusOK,
			`{"authenticated":true,"competing":false,"connected":true,"message":"","MAC":"98:F2:B3:23:BF:A0"}`)
		c := newTestClient(t, gw)

		resp, err := c.InitSession(context.Background(), compete)
		require.NoError(t, err)
		assert.True(t, resp.Authenticated)
		assert.True(t, resp.Connected)

		req := gw.last()
		assert.Equal(t, http.MethodPost, req.Method)
		assert.Equal(t, "/v1/api/iserver/auth/ssodh/init", req.Path)

		var sent map[string]any
		require.NoError(t, json.Unmarshal(req.Body, &sent))
		assert.Equal(t, true, sent["publish"])
		assert.Equal(t, compete, sent["compete"])
		assert.Len(t, sent, 2)
	}
}

func TestNewInitSessionRequest(t *testing.T) {
	req := NewInitSessionRequest(false)
	assert.True(t, req.Publish)
	assert.False(t, req.Compete)

	data, err := json.Marshal(NewInitSessionRequest(true))
	require.NoError(t, err)
	assert.JSONEq(t, `{"publish":true,"compete":true}`, string(data))
}

func TestInitHistorical(t *testing.T) {
	gw := newFakeGateway().on("hmds/auth/init", http.StatusOK, `{"authenticated":true}`)
	c := newTestClient(t, gw)

	resp, err := c.InitHistorical(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.Authenticated)

	req := gw.last()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/v1/api/hmds/auth/init", req.Path)
	assert.JSONEq(t, `{}`, string(req.Body))
}

func TestValidateSSO(t *testing.T) {
	gw := newFakeGateway().on("sso/validate", http.StatusOK, ssoValidateJSON)
	c := newTestClient(t, gw)

	resp, err := c.ValidateSSO(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(12345678), resp.UserID)
	assert.Equal(t, "jdoe123", resp.UserName)
	assert.True(t, resp.Result)
	assert.Equal(t, int64(1702580846836), resp.AuthTime)
	assert.Equal(t, int64(415890), resp.Expires)
	assert.Nil(t, resp.QualifiedForMobileAuth)
	assert.Equal(t, LoginTypePaper, resp.LoginType)
	assert.True(t, resp.IsPaper())
	assert.Equal(t, "paper", resp.LoginType.String())
	require.NotNil(t, resp.PaperUserName)
	assert.Equal(t, "jdoe321", *resp.PaperUserName)
	require.NotNil(t, resp.Features)
	assert.True(t, resp.Features.OptionChains)
	assert.True(t, resp.Features.NewMF)
	assert.Equal(t, "PROD", resp.Features.Env)
	require.NotNil(t, resp.Region)
	assert.Equal(t, "NJ", *resp.Region)

	req := gw.last()
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/v1/api/sso/validate", req.Path)
	assert.Empty(t, req.Body)
}

func TestValidateSSOInvalidTicketIsNotAnError(t *testing.T) {
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(ssoValidateJSON), &payload))
	payload["RESULT"] = false
	delete(payload, "FEATURES")
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	c := newTestClient(t, newFakeGateway().on("sso/validate", http.StatusOK, string(body)))

	resp, err := c.ValidateSSO(context.Background())
	require.NoError(t, err)
	assert.False(t, resp.Result)
	assert.Nil(t, resp.Features)
}

func TestTickleSequenceIsReportedVerbatim(t *testing.T) {
	gw := newFakeGateway().
		on("tickle", http.StatusOK, `{"session":"abc","ssoExpires":540001,"collission":false,"userId":123,
			"hmds":{"error":"no bridge"},
			"iserver":{"authStatus":{"authenticated":true,"competing":false,"connected":true,"message":"","MAC":"98:F2"}}}`).
		on("tickle", http.StatusOK, `{"session":"abc","ssoExpires":479999,"collission":true,"userId":123}`)
	c := newTestClient(t, gw)

	first, err := c.Tickle(context.Background())
	require.NoError(t, err)
	second, err := c.Tickle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(540001), first.SSOExpires)
	assert.Equal(t, int64(479999), second.SSOExpires)
	assert.Equal(t, 540001*time.Millisecond, first.ExpiresIn())
	assert.False(t, first.Collision)
	assert.True(t, second.Collision)
	assert.Equal(t, int64(123), first.UserID)

	require.NotNil(t, first.Hmds)
	require.NotNil(t, first.Hmds.Error)
	assert.Equal(t, "no bridge", *first.Hmds.Error)
	assert.True(t, first.Authenticated())
	assert.False(t, second.Authenticated())

	req := gw.last()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/v1/api/tickle", req.Path)
	assert.JSONEq(t, `{}`, string(req.Body))
}

func TestTickleExpiringWithin(t *testing.T) {
	resp := &TickleResponse{SSOExpires: 299_999}
	assert.True(t, resp.ExpiringWithin(5*time.Minute))

	resp.SSOExpires = 300_000
	assert.False(t, resp.ExpiringWithin(5*time.Minute))
}

func TestLogoutThenStatusRelaysGateway(t *testing.T) {
	gw := newFakeGateway().
		on("logout", http.StatusOK, `{"status":true}`).
		on("iserver/auth/status", http.StatusOK,
			`{"authenticated":true,"competing":false,"connected":true,"message":"","MAC":"98:F2"}`)
	c := newTestClient(t, gw)

	out, err := c.Logout(context.Background())
	require.NoError(t, err)
	assert.True(t, out.Status)

	// No client-side terminal state: whatever the gateway reports is returned.
	status, err := c.AuthStatus(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Authenticated)
	assert.Equal(t, 2, gw.count())
}

func TestErrorStatusNeverDecodes(t *testing.T) {
	ops := []struct {
		path string
		call func(c *Client) (any, error)
	}{
		{"iserver/auth/status", func(c *Client) (any, error) { return c.AuthStatus(context.Background()) }},
		{"iserver/auth/ssodh/init", func(c *Client) (any, error) { return c.InitSession(context.Background(), true) }},
		{"hmds/auth/init", func(c *Client) (any, error) { return c.InitHistorical(context.Background()) }},
		{"sso/validate", func(c *Client) (any, error) { return c.ValidateSSO(context.Background()) }},
		{"tickle", func(c *Client) (any, error) { return c.Tickle(context.Background()) }},
		{"logout", func(c *Client) (any, error) { return c.Logout(context.Background()) }},
	}
	statuses := []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusNotFound,
		http.StatusInternalServerError,
		http.StatusServiceUnavailable,
	}

	for _, op := range ops {
		for _, status := range statuses {
			// A body that would decode cleanly must still be rejected.
			gw := newFakeGateway().on(op.path, status, `{"status":true,"authenticated":true}`)
			c := newTestClient(t, gw)

			_, err := op.call(c)
			require.Error(t, err, "%s %d", op.path, status)
			assert.True(t, errors.Is(err, ErrRequest))
			assert.False(t, errors.Is(err, ErrDecoding))
			assert.False(t, errors.Is(err, ErrUnreachable))

			var reqErr *RequestError
			require.True(t, errors.As(err, &reqErr))
			assert.Equal(t, status, reqErr.StatusCode)
			assert.Equal(t, `{"status":true,"authenticated":true}`, reqErr.Body)
			assert.Equal(t, status == http.StatusUnauthorized, errors.Is(err, ErrUnauthorized))
		}
	}
}

func TestMissingRequiredFieldIsDecodingError(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
		call func(c *Client) error
	}{
		{
			name: "status without MAC",
			path: "iserver/auth/status",
			body: `{"authenticated":false,"connected":false,"competing":false,"message":""}`,
			call: func(c *Client) error { _, err := c.AuthStatus(context.Background()); return err },
		},
		{
			name: "init without authenticated",
			path: "iserver/auth/ssodh/init",
			body: `{"competing":false,"connected":true,"message":"","MAC":"x"}`,
			call: func(c *Client) error { _, err := c.InitSession(context.Background(), false); return err },
		},
		{
			name: "hmds with null authenticated",
			path: "hmds/auth/init",
			body: `{"authenticated":null}`,
			call: func(c *Client) error { _, err := c.InitHistorical(context.Background()); return err },
		},
		{
			name: "tickle without ssoExpires",
			path: "tickle",
			body: `{"session":"abc","collission":false,"userId":1}`,
			call: func(c *Client) error { _, err := c.Tickle(context.Background()); return err },
		},
		{
			name: "tickle with incomplete embedded auth status",
			path: "tickle",
			body: `{"session":"abc","ssoExpires":1,"collission":false,"userId":1,"iserver":{"authStatus":{"authenticated":true}}}`,
			call: func(c *Client) error { _, err := c.Tickle(context.Background()); return err },
		},
		{
			name: "sso with incomplete features",
			path: "sso/validate",
			body: `{"USER_ID":1,"USER_NAME":"u","RESULT":true,"AUTH_TIME":1,"SF_ENABLED":false,"IS_FREE_TRIAL":false,
				"CREDENTIAL":"u","IP":"1.2.3.4","EXPIRES":1,"LANDING_APP":"x","IS_MASTER":false,"LAST_ACCESSED":1,
				"LOGIN_TYPE":1,"FEATURES":{"env":"PROD"}}`,
			call: func(c *Client) error { _, err := c.ValidateSSO(context.Background()); return err },
		},
		{
			name: "logout with wrong type",
			path: "logout",
			body: `{"status":"yes"}`,
			call: func(c *Client) error { _, err := c.Logout(context.Background()); return err },
		},
		{
			name: "logout with html body",
			path: "logout",
			body: `<html>gateway</html>`,
			call: func(c *Client) error { _, err := c.Logout(context.Background()); return err },
		},
		{
			name: "logout with empty body",
			path: "logout",
			body: ``,
			call: func(c *Client) error { _, err := c.Logout(context.Background()); return err },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, newFakeGateway().on(tt.path, http.StatusOK, tt.body))

			err := tt.call(c)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDecoding))
			assert.False(t, errors.Is(err, ErrRequest))

			var decErr *DecodingError
			require.True(t, errors.As(err, &decErr))
			assert.Equal(t, tt.body, string(decErr.Body))
		})
	}
}

func TestConcurrentTickles(t *testing.T) {
	gw := newFakeGateway().on("tickle", http.StatusOK, `{"session":"abc","ssoExpires":1000,"collission":false,"userId":1}`)
	c := newTestClient(t, gw)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Tickle(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 20, gw.count())
}
