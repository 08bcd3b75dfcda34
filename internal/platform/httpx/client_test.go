// SPDX-License-Identifier: MIT

package httpx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transportOf(t *testing.T, c *http.Client) *http.Transport {
	t.Helper()
	require.NotNil(t, c.Transport)
	wrapper, ok := c.Transport.(*identifyingTransport)
	require.True(t, ok, "transport type = %T, want *identifyingTransport", c.Transport)
	transport, ok := wrapper.base.(*http.Transport)
	require.True(t, ok, "base transport type = %T, want *http.Transport", wrapper.base)
	return transport
}

func TestNewClient_Defaults(t *testing.T) {
	client := NewClient(0)
	assert.Equal(t, defaultClientTimeout, client.Timeout)

	transport := transportOf(t, client)
	assert.Equal(t, defaultMaxIdleConns, transport.MaxIdleConns)
	assert.Equal(t, defaultMaxIdleConnsPerHost, transport.MaxIdleConnsPerHost)
	assert.Equal(t, defaultIdleConnTimeout, transport.IdleConnTimeout)
	assert.True(t, transport.ForceAttemptHTTP2)
}

func TestNewClient_LongTimeoutStillCapsDialAndHeaders(t *testing.T) {
	// A generous overall budget must not let the dial or the first
	// response header consume all of it.
	transport := transportOf(t, NewClient(30*time.Second))
	assert.Equal(t, defaultDialTimeout, transport.TLSHandshakeTimeout)
	assert.Equal(t, defaultResponseHeaderTimeout, transport.ResponseHeaderTimeout)
}

func TestNewClient_ShortTimeoutTightensEverything(t *testing.T) {
	want := 1500 * time.Millisecond
	client := NewClient(want)

	assert.Equal(t, want, client.Timeout)
	transport := transportOf(t, client)
	assert.Equal(t, want, transport.TLSHandshakeTimeout)
	assert.Equal(t, want, transport.ResponseHeaderTimeout)
}

func TestNewClient_StampsUserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	client := NewClient(time.Second)
	res, err := client.Get(srv.URL)
	require.NoError(t, err)
	require.NoError(t, res.Body.Close())

	assert.Equal(t, UserAgent(), got)
	assert.True(t, strings.HasPrefix(got, "plexcache/"), "user agent = %q", got)
}

func TestNewClient_KeepsCallerUserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "custom-agent/1.0")

	res, err := NewClient(time.Second).Do(req)
	require.NoError(t, err)
	require.NoError(t, res.Body.Close())

	assert.Equal(t, "custom-agent/1.0", got)
}
