// Package client issues forward requests to the configured origin and
// classifies the results for the cache engine.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrorKind distinguishes transport-level origin failures.
type ErrorKind int

const (
	ErrorConnect ErrorKind = iota
	ErrorTimeout
	ErrorProtocol
	ErrorStatus5xx
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorConnect:
		return "connect"
	case ErrorTimeout:
		return "timeout"
	case ErrorProtocol:
		return "protocol"
	case ErrorStatus5xx:
		return "status-5xx"
	}
	return "unknown"
}

// OutcomeKind is the classification of one origin exchange.
type OutcomeKind int

const (
	// OutcomeFresh is any 2xx response, body materialized.
	OutcomeFresh OutcomeKind = iota
	// OutcomeNotModified is a 304 with refreshed headers and no body.
	OutcomeNotModified
	// OutcomeError is a transport failure or a 5xx status.
	OutcomeError
	// OutcomeNonCacheable is a response whose status forbids storing: every
	// non-2xx, non-5xx status. Cache-Control is not inspected here; a 2xx
	// with no-store is OutcomeFresh and the engine decides whether to store.
	OutcomeNonCacheable
)

// Outcome is the result of Fetch. For OutcomeFresh and OutcomeNonCacheable
// the body is in Body; when Oversize is set, Body holds the first
// max-object-size bytes and Rest streams the remainder (the caller must close
// it).
type Outcome struct {
	Kind     OutcomeKind
	Status   int
	Header   http.Header
	Body     []byte
	Oversize bool
	Rest     io.ReadCloser

	ErrKind ErrorKind
	Err     error
}

// Validators carries the stored entry's ETag and Last-Modified for
// conditional revalidation.
type Validators struct {
	ETag         string
	LastModified string
}

// Config tunes the origin client.
type Config struct {
	// Origin is the single upstream base URL; request paths are appended.
	Origin *url.URL
	// Host overrides the Host header sent to the origin.
	Host string
	// ConnectTimeout bounds dialing.
	ConnectTimeout time.Duration
	// ReadTimeout bounds waiting for response headers.
	ReadTimeout time.Duration
	// Timeout bounds the whole exchange, body included.
	Timeout time.Duration
	// MaxConnections sizes the keepalive pool.
	MaxConnections int
	// Keepalive toggles connection reuse.
	Keepalive bool
	// MaxBodyBytes is the largest body materialized into memory.
	MaxBodyBytes int64

	Logger zerolog.Logger
}

// Client owns a single keepalive pool to the origin.
type Client struct {
	origin  *url.URL
	host    string
	client  *http.Client
	maxBody int64
	timeout time.Duration
	log     zerolog.Logger
}

func New(cfg Config) *Client {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxConnections,
		MaxIdleConnsPerHost:   cfg.MaxConnections,
		MaxConnsPerHost:       cfg.MaxConnections,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		DisableKeepAlives:     !cfg.Keepalive,
		IdleConnTimeout:       90 * time.Second,
	}
	return &Client{
		origin: cfg.Origin,
		host:   cfg.Host,
		client: &http.Client{
			Transport: transport,
			// do not follow redirects; they are proxied as-is
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxBody: cfg.MaxBodyBytes,
		timeout: cfg.Timeout,
		log:     cfg.Logger,
	}
}

// Fetch forwards r to the origin, adding conditional headers when validators
// are present, and classifies the exchange. The inbound request body is
// forwarded for non-GET methods.
func (c *Client) Fetch(ctx context.Context, r *http.Request, validators *Validators) Outcome {
	cancel := context.CancelFunc(func() {})
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	out := c.fetch(ctx, r, validators)
	if out.Rest != nil {
		// cancel must outlive the caller's streaming of the remainder
		out.Rest = &cancelOnClose{ReadCloser: out.Rest, cancel: cancel}
	} else {
		cancel()
	}
	return out
}

func (c *Client) fetch(ctx context.Context, r *http.Request, validators *Validators) Outcome {
	req, err := c.buildRequest(ctx, r, validators)
	if err != nil {
		return Outcome{Kind: OutcomeError, ErrKind: ErrorProtocol, Err: err}
	}

	res, err := c.client.Do(req)
	if err != nil {
		kind := classifyTransportError(err)
		c.log.Warn().Err(err).Str("kind", kind.String()).Msg("origin request failed")
		return Outcome{Kind: OutcomeError, ErrKind: kind, Err: err}
	}

	return c.classify(res)
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func (c *Client) buildRequest(ctx context.Context, r *http.Request, validators *Validators) (*http.Request, error) {
	target := *c.origin
	target.Path = r.URL.Path
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), r.Body)
	if err != nil {
		return nil, fmt.Errorf("client: build request: %w", err)
	}
	copyForwardHeaders(req.Header, r.Header)
	if c.host != "" {
		req.Host = c.host
	}

	if validators != nil {
		if validators.ETag != "" {
			req.Header.Set("If-None-Match", validators.ETag)
		} else if validators.LastModified != "" {
			req.Header.Set("If-Modified-Since", validators.LastModified)
		}
	}
	return req, nil
}

func (c *Client) classify(res *http.Response) Outcome {
	if res.StatusCode == http.StatusNotModified {
		res.Body.Close()
		return Outcome{Kind: OutcomeNotModified, Status: res.StatusCode, Header: res.Header}
	}

	if res.StatusCode >= 500 {
		// the body is kept so bypass requests can proxy the origin's
		// error page as-is
		body, oversize, readErr := c.readBody(res.Body)
		out := Outcome{
			Kind:     OutcomeError,
			Status:   res.StatusCode,
			Header:   res.Header,
			Body:     body,
			Oversize: oversize,
			ErrKind:  ErrorStatus5xx,
			Err:      fmt.Errorf("client: origin returned %d", res.StatusCode),
		}
		if readErr != nil {
			out.Body = nil
		}
		if oversize {
			out.Rest = res.Body
		} else {
			res.Body.Close()
		}
		return out
	}

	kind := OutcomeFresh
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		kind = OutcomeNonCacheable
	}

	body, oversize, err := c.readBody(res.Body)
	if err != nil {
		res.Body.Close()
		return Outcome{Kind: OutcomeError, ErrKind: classifyTransportError(err), Err: err}
	}

	out := Outcome{
		Kind:     kind,
		Status:   res.StatusCode,
		Header:   res.Header,
		Body:     body,
		Oversize: oversize,
	}
	if oversize {
		out.Rest = res.Body
	} else {
		res.Body.Close()
	}
	return out
}

// readBody materializes at most maxBody bytes. If the body is larger, the
// prefix is returned with oversize=true and the rest left unread on the
// response body for streaming.
func (c *Client) readBody(body io.Reader) ([]byte, bool, error) {
	buf, err := io.ReadAll(io.LimitReader(body, c.maxBody))
	if err != nil {
		return nil, false, err
	}
	if int64(len(buf)) < c.maxBody {
		return buf, false, nil
	}
	// probe one byte past the cap to distinguish exactly-at-cap from over
	var probe [1]byte
	n, err := body.Read(probe[:])
	if n == 0 && (err == io.EOF || err == nil) {
		return buf, false, nil
	}
	if err != nil && err != io.EOF {
		return nil, false, err
	}
	return append(buf, probe[:n]...), true, nil
}

func classifyTransportError(err error) ErrorKind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorConnect
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return ErrorTimeout
		}
		if strings.Contains(urlErr.Err.Error(), "connection refused") {
			return ErrorConnect
		}
	}
	return ErrorProtocol
}

// hop-by-hop headers are not forwarded to the origin.
var skipForward = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func copyForwardHeaders(dst, src http.Header) {
	for name, values := range src {
		if _, skip := skipForward[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}
