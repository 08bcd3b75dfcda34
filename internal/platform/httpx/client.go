// SPDX-License-Identifier: MIT

// Package httpx builds the hardened HTTP clients used for outbound
// media-server and feed requests. Every client gets explicit dial, TLS,
// and response-header deadlines so a wedged upstream cannot hold a
// scheduled run open indefinitely, and every request identifies itself
// with a plexcache User-Agent.
package httpx

import (
	"net"
	"net/http"
	"time"

	"github.com/StudioNirin/plexcache-r/internal/version"
)

const (
	defaultClientTimeout         = 15 * time.Second
	defaultDialTimeout           = 5 * time.Second
	defaultResponseHeaderTimeout = 10 * time.Second
	defaultIdleConnTimeout       = 90 * time.Second
	defaultExpectContinueTimeout = 1 * time.Second
	defaultMaxIdleConns          = 16
	defaultMaxIdleConnsPerHost   = 4
)

// NewClient returns a hardened HTTP client. A non-positive timeout selects
// the default; shorter timeouts also tighten the dial and header deadlines.
func NewClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}

	dialTimeout := timeout
	if dialTimeout > defaultDialTimeout {
		dialTimeout = defaultDialTimeout
	}

	responseHeaderTimeout := timeout
	if responseHeaderTimeout > defaultResponseHeaderTimeout {
		responseHeaderTimeout = defaultResponseHeaderTimeout
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &identifyingTransport{base: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          defaultMaxIdleConns,
			MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
			IdleConnTimeout:       defaultIdleConnTimeout,
			TLSHandshakeTimeout:   dialTimeout,
			ResponseHeaderTimeout: responseHeaderTimeout,
			ExpectContinueTimeout: defaultExpectContinueTimeout,
		}},
	}
}

// UserAgent is the value identifyingTransport stamps on outbound requests.
func UserAgent() string {
	return "plexcache/" + version.Version
}

// identifyingTransport sets the User-Agent on requests that carry none.
// Plex request logs then attribute traffic to this tool rather than to
// Go's default agent string.
type identifyingTransport struct {
	base http.RoundTripper
}

func (t *identifyingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", UserAgent())
	}
	return t.base.RoundTrip(req)
}
