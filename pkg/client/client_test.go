package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, origin string, maxBody int64) *Client {
	t.Helper()
	u, err := url.Parse(origin)
	require.NoError(t, err)
	return New(Config{
		Origin:         u,
		ConnectTimeout: time.Second,
		ReadTimeout:    2 * time.Second,
		Timeout:        5 * time.Second,
		MaxConnections: 4,
		Keepalive:      true,
		MaxBodyBytes:   maxBody,
		Logger:         zerolog.Nop(),
	})
}

func TestFetchFresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"a"`)
		w.Write([]byte("v1"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1<<20)
	req := httptest.NewRequest("GET", "http://relay.local/x?q=1", nil)
	out := c.Fetch(context.Background(), req, nil)

	assert.Equal(t, OutcomeFresh, out.Kind)
	assert.Equal(t, 200, out.Status)
	assert.Equal(t, []byte("v1"), out.Body)
	assert.Equal(t, `"a"`, out.Header.Get("ETag"))
}

func TestFetchForwardsPathAndQuery(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1<<20)
	req := httptest.NewRequest("GET", "http://relay.local/a/b?x=1&y=2", nil)
	c.Fetch(context.Background(), req, nil)

	assert.Equal(t, "/a/b", gotPath)
	assert.Equal(t, "x=1&y=2", gotQuery)
}

func TestFetchConditionalHeaders(t *testing.T) {
	var inm, ims string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inm = r.Header.Get("If-None-Match")
		ims = r.Header.Get("If-Modified-Since")
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1<<20)
	req := httptest.NewRequest("GET", "http://relay.local/x", nil)

	out := c.Fetch(context.Background(), req, &Validators{ETag: `"tag"`})
	assert.Equal(t, OutcomeNotModified, out.Kind)
	assert.Equal(t, `"tag"`, inm)
	assert.Empty(t, ims, "etag preferred over last-modified")

	lm := "Wed, 21 Oct 2015 07:28:00 GMT"
	c.Fetch(context.Background(), req, &Validators{LastModified: lm})
	assert.Equal(t, lm, ims)
}

func TestFetch5xxIsOriginError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1<<20)
	out := c.Fetch(context.Background(), httptest.NewRequest("GET", "http://relay.local/x", nil), nil)

	assert.Equal(t, OutcomeError, out.Kind)
	assert.Equal(t, ErrorStatus5xx, out.ErrKind)
	assert.Equal(t, http.StatusBadGateway, out.Status)
}

func TestFetchConnectRefused(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", 1<<20)
	out := c.Fetch(context.Background(), httptest.NewRequest("GET", "http://relay.local/x", nil), nil)

	assert.Equal(t, OutcomeError, out.Kind)
	assert.NotEqual(t, ErrorProtocol, out.ErrKind)
}

func TestFetch4xxNonCacheable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1<<20)
	out := c.Fetch(context.Background(), httptest.NewRequest("GET", "http://relay.local/x", nil), nil)

	assert.Equal(t, OutcomeNonCacheable, out.Kind)
	assert.Equal(t, http.StatusNotFound, out.Status)
}

func TestFetchOversizeBody(t *testing.T) {
	payload := strings.Repeat("x", 1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 100)
	out := c.Fetch(context.Background(), httptest.NewRequest("GET", "http://relay.local/big", nil), nil)

	require.Equal(t, OutcomeFresh, out.Kind)
	assert.True(t, out.Oversize)
	assert.GreaterOrEqual(t, len(out.Body), 100)
	require.NotNil(t, out.Rest)
	out.Rest.Close()
}

func TestFetchExactlyAtCapNotOversize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 100)
	out := c.Fetch(context.Background(), httptest.NewRequest("GET", "http://relay.local/cap", nil), nil)

	require.Equal(t, OutcomeFresh, out.Kind)
	assert.False(t, out.Oversize)
	assert.Len(t, out.Body, 100)
}

func TestFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	c := New(Config{
		Origin:         u,
		Timeout:        50 * time.Millisecond,
		MaxConnections: 1,
		MaxBodyBytes:   1 << 20,
		Logger:         zerolog.Nop(),
	})
	out := c.Fetch(context.Background(), httptest.NewRequest("GET", "http://relay.local/slow", nil), nil)

	assert.Equal(t, OutcomeError, out.Kind)
	assert.Equal(t, ErrorTimeout, out.ErrKind)
}

func TestHopByHopHeadersNotForwarded(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 1<<20)
	req := httptest.NewRequest("GET", "http://relay.local/x", nil)
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Accept", "text/html")
	c.Fetch(context.Background(), req, nil)

	assert.Empty(t, got.Get("Keep-Alive"))
	assert.Empty(t, got.Get("Upgrade"))
	assert.Equal(t, "text/html", got.Get("Accept"))
}
