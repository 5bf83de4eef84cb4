package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"pgregory.net/rapid"
)

func TestPropertyValidBaseURLsConstruct(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		scheme := rapid.SampledFrom([]string{"http", "https"}).Draw(t, "scheme")
		host := rapid.StringMatching(`[a-z][a-z0-9]{0,15}(\.[a-z]{2,6})?`).Draw(t, "host")
		port := rapid.IntRange(1, 65535).Draw(t, "port")
		path := rapid.SampledFrom([]string{"", "/", "/v1/api", "/v1/api/", "/gw/v1/api"}).Draw(t, "path")
		raw := fmt.Sprintf("%s://%s:%d%s", scheme, host, port, path)

		var calls atomic.Int32
		hc := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			calls.Add(1)
			return nil, errors.New("unexpected request")
		})}

		c, err := New(Config{BaseURL: raw, HTTPClient: hc, Logger: testLogger()})
		if err != nil {
			t.Fatalf("New(%q) failed: %v", raw, err)
		}
		if calls.Load() != 0 {
			t.Fatalf("New(%q) performed %d requests", raw, calls.Load())
		}
		if !strings.HasSuffix(c.BaseURL(), "/") {
			t.Fatalf("base %q not normalized", c.BaseURL())
		}
		if got := c.endpoint(pathTickle).String(); !strings.HasPrefix(got, c.BaseURL()) {
			t.Fatalf("endpoint %q escapes base %q", got, c.BaseURL())
		}
	})
}

func TestPropertyMalformedBaseURLsFail(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.OneOf(
			rapid.StringMatching(`[a-z]{1,12}`),
			rapid.StringMatching(`(ftp|ws|file|mailto)://[a-z]{1,12}`),
			rapid.StringMatching(`https?://`),
			rapid.StringMatching(`https?://[a-z]{1,8}:[a-z]{1,4}`),
			rapid.StringMatching(`https?://[a-z]{1,8}%[g-z]{2}`),
			rapid.StringMatching(`https?://[a-z]{1,8}:(0|6553[6-9]|65[6-9][0-9]{2}|[7-9][0-9]{4}|[1-9][0-9]{5,8})/v1/api/`),
		).Draw(t, "raw")

		c, err := New(Config{BaseURL: raw, Logger: testLogger()})
		if err == nil {
			t.Fatalf("New(%q) succeeded with base %q", raw, c.BaseURL())
		}
		if c != nil {
			t.Fatalf("New(%q) returned a client alongside an error", raw)
		}
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("New(%q) error %T is not a ConfigurationError", raw, err)
		}
	})
}
