// Package proxy implements the caching engine: the request state machine
// that composes the fingerprint builder, rule resolver, storage backend,
// freshness classifier, coalescer and upstream client.
package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/stephenfairchild/relay/pkg/cache"
	"github.com/stephenfairchild/relay/pkg/client"
	"github.com/stephenfairchild/relay/pkg/coalesce"
	"github.com/stephenfairchild/relay/pkg/freshness"
	"github.com/stephenfairchild/relay/pkg/rules"
)

const (
	headerXCache       = "X-Cache"
	headerXCacheReason = "X-Cache-Reason"

	reasonRevalidating  = "revalidating"
	reasonUpstreamError = "upstream-error"
)

// MetricsSink receives counter and histogram events from the engine.
type MetricsSink interface {
	CacheHit()
	CacheMiss()
	StaleServed(reason string)
	UpstreamError()
	Bypass()
	NonCacheable()
	StorageError()
	SetCacheFootprint(bytes, items int64)
	ObserveRequest(d time.Duration)
	ObserveUpstream(d time.Duration)
}

// NopMetrics discards every event.
type NopMetrics struct{}

func (NopMetrics) CacheHit()                        {}
func (NopMetrics) CacheMiss()                       {}
func (NopMetrics) StaleServed(string)               {}
func (NopMetrics) UpstreamError()                   {}
func (NopMetrics) Bypass()                          {}
func (NopMetrics) NonCacheable()                    {}
func (NopMetrics) StorageError()                    {}
func (NopMetrics) SetCacheFootprint(_, _ int64)     {}
func (NopMetrics) ObserveRequest(time.Duration)     {}
func (NopMetrics) ObserveUpstream(time.Duration)    {}

// Config wires the engine's collaborators.
type Config struct {
	Cache    cache.Provider
	Upstream *client.Client
	Rules    *rules.Resolver
	Keys     *cache.Builder
	Metrics  MetricsSink
	Logger   *zerolog.Logger

	// Clock is the time source for age and TTL math; nil means time.Now.
	Clock func() time.Time
	// StorageTimeout bounds individual storage operations.
	StorageTimeout time.Duration
	// BackgroundWorkers bounds concurrent background revalidations.
	BackgroundWorkers int
	// BackgroundTimeout is the deadline for one background revalidation.
	BackgroundTimeout time.Duration
	// AllowSetCookie permits storing Set-Cookie response headers.
	AllowSetCookie bool
}

const (
	upstreamUnknown int32 = iota
	upstreamOK
	upstreamDown
)

// Engine is the cache engine. It implements http.Handler for every proxied
// path; the metrics and health endpoints are mounted separately.
type Engine struct {
	cache     cache.Provider
	upstream  *client.Client
	rules     *rules.Resolver
	keys      *cache.Builder
	metrics   MetricsSink
	log       zerolog.Logger
	clock     func() time.Time
	coalescer *coalesce.Coalescer

	storageTimeout time.Duration
	allowSetCookie bool

	// varyFields remembers, per base fingerprint, which request headers
	// the origin keyed the response on. It is relearned after a restart.
	varyFields sync.Map

	bgSem     chan struct{}
	bgWG      sync.WaitGroup
	bgTimeout time.Duration

	startedAt     time.Time
	upstreamState atomic.Int32
	hits          atomic.Int64
	misses        atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
}

type keyPair struct {
	base  cache.Key
	final cache.Key
}

// served is a materialized response ready to write, shareable between a
// coalescing leader and its followers. stream is set only for oversize
// pass-through bodies, which cannot be shared.
type served struct {
	status int
	header http.Header
	body   []byte
	stream io.ReadCloser

	xcache string
	reason string
	age    time.Duration
	hasAge bool
}

func New(cfg Config) *Engine {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	metricsSink := cfg.Metrics
	if metricsSink == nil {
		metricsSink = NopMetrics{}
	}
	storageTimeout := cfg.StorageTimeout
	if storageTimeout <= 0 {
		storageTimeout = time.Second
	}
	workers := cfg.BackgroundWorkers
	if workers <= 0 {
		workers = 4
	}
	bgTimeout := cfg.BackgroundTimeout
	if bgTimeout <= 0 {
		bgTimeout = 30 * time.Second
	}

	rl := &Engine{
		cache:          cfg.Cache,
		upstream:       cfg.Upstream,
		rules:          cfg.Rules,
		keys:           cfg.Keys,
		metrics:        metricsSink,
		log:            logger,
		clock:          clock,
		coalescer:      coalesce.New(),
		storageTimeout: storageTimeout,
		allowSetCookie: cfg.AllowSetCookie,
		bgSem:          make(chan struct{}, workers),
		bgTimeout:      bgTimeout,
		startedAt:      clock(),
		stop:           make(chan struct{}),
	}
	go rl.footprintLoop()
	return rl
}

// Close drains background revalidations, bounded by ctx.
func (rl *Engine) Close(ctx context.Context) error {
	rl.stopOnce.Do(func() { close(rl.stop) })
	done := make(chan struct{})
	go func() {
		rl.bgWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ServeHTTP runs the request state machine:
// Received -> PolicyResolved -> KeyBuilt -> Lookup -> Classify ->
// Serve|Fetch -> Record -> Done.
func (rl *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { rl.metrics.ObserveRequest(time.Since(start)) }()

	logger := rl.log.With().Str("method", r.Method).Str("url", r.URL.RequestURI()).Logger()

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		rl.metrics.Bypass()
		rl.passThrough(w, r, &logger)
		return
	}

	policy := rl.rules.Resolve(r.URL.Path)
	if policy.Bypass {
		rl.metrics.Bypass()
		rl.passThrough(w, r, &logger)
		return
	}

	kp := rl.requestKey(r)
	entry, found := rl.lookup(r.Context(), kp.final.String(), &logger)

	if found {
		ttl, swr, sie := effectiveWindows(entry, policy)
		age := entry.Age(rl.clock())
		switch freshness.Classify(freshness.Input{Age: age, TTL: ttl, SWR: swr, SIE: sie}) {
		case freshness.Fresh:
			rl.metrics.CacheHit()
			rl.hits.Add(1)
			rl.serveEntry(w, r, entry, "HIT", "", &logger)
			return
		case freshness.StaleRevalidating:
			rl.metrics.StaleServed(reasonRevalidating)
			rl.hits.Add(1)
			rl.scheduleRevalidation(r, kp, policy, &logger)
			rl.serveEntry(w, r, entry, "STALE", reasonRevalidating, &logger)
			return
		}
		// Expired: treat as miss, but keep the entry for conditional
		// revalidation and the stale-if-error fallback.
	}

	rl.metrics.CacheMiss()
	rl.misses.Add(1)

	result, leader, err := rl.coalescer.Do(r.Context(), kp.final.String(), func(ctx context.Context) coalesce.Result {
		return coalesce.Result{Value: rl.originExchange(ctx, r, kp, entry, policy, &logger)}
	})
	if err != nil {
		// the client went away while coalescing; nothing left to write
		logger.Debug().Err(err).Msg("request cancelled while waiting on origin")
		return
	}

	sv, ok := result.Value.(*served)
	if !ok || sv == nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	if sv.stream != nil && !leader {
		// oversize bodies stream once and cannot be replayed for
		// followers; fetch independently without storing
		rl.passThrough(w, r, &logger)
		return
	}
	rl.writeServed(w, r, sv, &logger)
}

// requestKey computes the base fingerprint and, when the origin has declared
// Vary fields for it, the variant fingerprint used for lookup and storage.
func (rl *Engine) requestKey(r *http.Request) keyPair {
	base, _ := rl.keys.Build(r, "")
	kp := keyPair{base: base, final: base}
	if fields, ok := rl.varyFields.Load(base.Hex); ok {
		if sig := cache.VarySignature(fields.([]string), r.Header); sig != "" {
			kp.final, _ = rl.keys.Build(r, sig)
		}
	}
	return kp
}

func (rl *Engine) lookup(ctx context.Context, key string, logger *zerolog.Logger) (*cache.Entry, bool) {
	ctx, cancel := context.WithTimeout(ctx, rl.storageTimeout)
	defer cancel()
	entry, ok, err := rl.cache.Get(ctx, key)
	if err != nil {
		rl.metrics.StorageError()
		logger.Warn().Err(err).Str("key", key).Msg("storage lookup failed, treating as miss")
		return nil, false
	}
	return entry, ok
}

// originExchange is the coalescing leader's synchronous fetch. ctx is
// detached from any single caller and is cancelled only when every waiter
// has gone away.
func (rl *Engine) originExchange(ctx context.Context, r *http.Request, kp keyPair, entry *cache.Entry, policy rules.Policy, logger *zerolog.Logger) *served {
	var validators *client.Validators
	if entry != nil && (entry.ETag != "" || entry.LastModified != "") {
		validators = &client.Validators{ETag: entry.ETag, LastModified: entry.LastModified}
	}

	start := time.Now()
	out := rl.upstream.Fetch(ctx, withoutConditionals(r), validators)
	rl.metrics.ObserveUpstream(time.Since(start))
	rl.noteUpstream(out)

	switch out.Kind {
	case client.OutcomeFresh:
		return rl.recordFresh(r, kp, out, policy, logger)

	case client.OutcomeNotModified:
		if entry == nil {
			logger.Error().Msg("origin sent 304 without a stored entry")
			return errorServed()
		}
		return rl.recordNotModified(kp, entry, out, policy, logger)

	case client.OutcomeNonCacheable:
		rl.metrics.NonCacheable()
		logger.Debug().Int("status", out.Status).Msg("non-cacheable origin response")
		return passServed(out)

	default: // client.OutcomeError
		rl.metrics.UpstreamError()
		if out.Rest != nil {
			out.Rest.Close()
		}
		if entry != nil {
			ttl, swr, sie := effectiveWindows(entry, policy)
			age := entry.Age(rl.clock())
			in := freshness.Input{Age: age, TTL: ttl, SWR: swr, SIE: sie, ErrorContext: true}
			if freshness.Classify(in) == freshness.StaleErrorOnly {
				rl.metrics.StaleServed(reasonUpstreamError)
				logger.Warn().Err(out.Err).Str("key", kp.final.String()).Msg("origin failed, serving stale")
				return entryServed(entry, "STALE", reasonUpstreamError, age)
			}
		}
		logger.Error().Err(out.Err).Str("key", kp.final.String()).Msg("origin failed with no servable stale entry")
		return errorServed()
	}
}

// recordFresh writes a 2xx origin response through to storage, subject to
// size and cacheability rules, and returns the response to serve.
func (rl *Engine) recordFresh(r *http.Request, kp keyPair, out client.Outcome, policy rules.Policy, logger *zerolog.Logger) *served {
	respond := passServed(out)

	if out.Oversize {
		rl.metrics.NonCacheable()
		logger.Debug().Msg("origin body exceeds max object size, passing through")
		return respond
	}

	cc := ParseCacheControl(out.Header.Get("Cache-Control"))
	if !policy.TTLSet && (cc.Has("no-store") || cc.Has("private")) {
		rl.metrics.NonCacheable()
		return respond
	}

	varyFields := parseVary(out.Header)
	for _, f := range varyFields {
		if f == "*" {
			rl.metrics.NonCacheable()
			return respond
		}
	}

	now := rl.clock()
	ttl, swr, sie := windowsForStore(policy, cc)
	entry := &cache.Entry{
		Status:       out.Status,
		Header:       storableHeader(out.Header, rl.allowSetCookie),
		Body:         out.Body,
		StoredAt:     now,
		TTL:          ttl,
		SWR:          swr,
		SIE:          sie,
		ETag:         out.Header.Get("ETag"),
		LastModified: out.Header.Get("Last-Modified"),
		VaryFields:   varyFields,
	}

	storeKey := kp.final
	if len(varyFields) > 0 {
		rl.varyFields.Store(kp.base.Hex, varyFields)
		sig := cache.VarySignature(varyFields, r.Header)
		entry.VarySignature = sig
		if varied, err := rl.keys.Build(r, sig); err == nil {
			storeKey = varied
		}
	} else {
		rl.varyFields.Delete(kp.base.Hex)
		storeKey = kp.base
	}

	rl.store(storeKey.String(), entry, logger)
	return respond
}

// recordNotModified refreshes a stored entry from a 304: headers are merged,
// validators and freshness windows updated, and stored_at bumped to now.
func (rl *Engine) recordNotModified(kp keyPair, entry *cache.Entry, out client.Outcome, policy rules.Policy, logger *zerolog.Logger) *served {
	refreshed := entry.Clone()
	refreshed.StoredAt = rl.clock()
	for name, values := range storableHeader(out.Header, rl.allowSetCookie) {
		refreshed.Header.Del(name)
		for _, v := range values {
			refreshed.Header.Add(name, v)
		}
	}
	if etag := out.Header.Get("ETag"); etag != "" {
		refreshed.ETag = etag
	}
	if lm := out.Header.Get("Last-Modified"); lm != "" {
		refreshed.LastModified = lm
	}

	cc := ParseCacheControl(refreshed.Header.Get("Cache-Control"))
	ttl, swr, sie := windowsForRefresh(refreshed, policy, cc)
	refreshed.TTL, refreshed.SWR, refreshed.SIE = ttl, swr, sie

	rl.store(kp.final.String(), refreshed, logger)
	return entryServed(refreshed, "HIT", "", 0)
}

func (rl *Engine) store(key string, entry *cache.Entry, logger *zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), rl.storageTimeout)
	defer cancel()
	err := rl.cache.Put(ctx, key, entry, entry.SoftExpiry())
	switch {
	case err == nil:
		logger.Trace().Str("key", key).Dur("ttl", entry.TTL).Msg("cache write")
	case isTooLarge(err):
		rl.metrics.NonCacheable()
		logger.Debug().Str("key", key).Msg("entry too large for store")
	default:
		rl.metrics.StorageError()
		logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

// scheduleRevalidation hands the key to the background executor; at most one
// revalidation per key runs at a time, and the work is detached from the
// originating request.
func (rl *Engine) scheduleRevalidation(r *http.Request, kp keyPair, policy rules.Policy, logger *zerolog.Logger) {
	req := r.Clone(context.Background())
	req.Body = nil
	req.Header.Del("If-None-Match")
	req.Header.Del("If-Modified-Since")
	bgLogger := logger.With().Str("task", "revalidate").Logger()

	rl.coalescer.Background(kp.final.String(), func() {
		rl.bgWG.Add(1)
		defer rl.bgWG.Done()

		select {
		case rl.bgSem <- struct{}{}:
			defer func() { <-rl.bgSem }()
		case <-rl.stop:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), rl.bgTimeout)
		defer cancel()
		rl.revalidate(ctx, req, kp, policy, &bgLogger)
	})
}

func (rl *Engine) revalidate(ctx context.Context, r *http.Request, kp keyPair, policy rules.Policy, logger *zerolog.Logger) {
	entry, found := rl.lookup(ctx, kp.final.String(), logger)
	if !found {
		return
	}

	var validators *client.Validators
	if entry.ETag != "" || entry.LastModified != "" {
		validators = &client.Validators{ETag: entry.ETag, LastModified: entry.LastModified}
	}

	start := time.Now()
	out := rl.upstream.Fetch(ctx, r, validators)
	rl.metrics.ObserveUpstream(time.Since(start))
	rl.noteUpstream(out)

	switch out.Kind {
	case client.OutcomeFresh:
		rl.recordFresh(r, kp, out, policy, logger)
	case client.OutcomeNotModified:
		rl.recordNotModified(kp, entry, out, policy, logger)
	case client.OutcomeNonCacheable:
		rl.metrics.NonCacheable()
	default:
		rl.metrics.UpstreamError()
		logger.Warn().Err(out.Err).Str("key", kp.final.String()).Msg("background revalidation failed")
	}
	if out.Rest != nil {
		out.Rest.Close()
	}
}

// passThrough proxies the request without consulting or updating the cache.
func (rl *Engine) passThrough(w http.ResponseWriter, r *http.Request, logger *zerolog.Logger) {
	start := time.Now()
	out := rl.upstream.Fetch(r.Context(), r, nil)
	rl.metrics.ObserveUpstream(time.Since(start))
	rl.noteUpstream(out)

	if out.Kind == client.OutcomeError && out.Status == 0 {
		rl.metrics.UpstreamError()
		logger.Error().Err(out.Err).Msg("bypass request failed")
		sv := errorServed()
		sv.xcache = "BYPASS"
		rl.writeServed(w, r, sv, logger)
		return
	}
	if out.Kind == client.OutcomeError {
		rl.metrics.UpstreamError()
	}

	sv := passServed(out)
	sv.xcache = "BYPASS"
	rl.writeServed(w, r, sv, logger)
}

func (rl *Engine) serveEntry(w http.ResponseWriter, r *http.Request, entry *cache.Entry, xcache, reason string, logger *zerolog.Logger) {
	age := entry.Age(rl.clock())
	if clientHasCurrent(r, entry) {
		h := w.Header()
		copyHeader(h, entry.Header)
		setCacheHeaders(h, xcache, reason, age, true)
		w.WriteHeader(http.StatusNotModified)
		rl.logResponse(logger, http.StatusNotModified, xcache, reason)
		return
	}
	rl.writeServed(w, r, entryServed(entry, xcache, reason, age), logger)
}

func (rl *Engine) writeServed(w http.ResponseWriter, r *http.Request, sv *served, logger *zerolog.Logger) {
	h := w.Header()
	copyHeader(h, sv.header)
	setCacheHeaders(h, sv.xcache, sv.reason, sv.age, sv.hasAge)
	w.WriteHeader(sv.status)

	if r.Method == http.MethodHead {
		if sv.stream != nil {
			sv.stream.Close()
		}
		rl.logResponse(logger, sv.status, sv.xcache, sv.reason)
		return
	}

	if _, err := w.Write(sv.body); err != nil {
		logger.Debug().Err(err).Msg("client write failed")
		if sv.stream != nil {
			sv.stream.Close()
		}
		return
	}
	if sv.stream != nil {
		defer sv.stream.Close()
		if _, err := io.Copy(w, sv.stream); err != nil {
			logger.Debug().Err(err).Msg("client stream failed")
		}
	}
	rl.logResponse(logger, sv.status, sv.xcache, sv.reason)
}

func (rl *Engine) logResponse(logger *zerolog.Logger, status int, xcache, reason string) {
	logger.Debug().
		Int("status", status).
		Str("xcache", xcache).
		Str("reason", reason).
		Msg("response sent")
}

func (rl *Engine) noteUpstream(out client.Outcome) {
	if out.Kind == client.OutcomeError {
		rl.upstreamState.Store(upstreamDown)
		return
	}
	rl.upstreamState.Store(upstreamOK)
}

// footprintLoop refreshes the cache size gauges.
func (rl *Engine) footprintLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), rl.storageTimeout)
			stats, err := rl.cache.Stats(ctx)
			cancel()
			if err == nil {
				rl.metrics.SetCacheFootprint(stats.Bytes, stats.Items)
			}
		case <-rl.stop:
			return
		}
	}
}

// effectiveWindows lets explicit rule overrides win over an entry's stored
// freshness, so operators can re-tune live without purging.
func effectiveWindows(entry *cache.Entry, policy rules.Policy) (ttl, swr, sie time.Duration) {
	ttl, swr, sie = entry.TTL, entry.SWR, entry.SIE
	if policy.TTLSet {
		ttl = policy.TTL
	}
	if policy.SWRSet {
		swr = policy.SWR
	}
	if policy.SIESet {
		sie = policy.SIE
	}
	return ttl, swr, sie
}

// windowsForStore derives the freshness windows for a new entry: explicit
// rule values win, then origin Cache-Control directives, then the defaults
// already merged into the policy.
func windowsForStore(policy rules.Policy, cc CacheControl) (ttl, swr, sie time.Duration) {
	ttl, swr, sie = policy.TTL, policy.SWR, policy.SIE
	if !policy.TTLSet {
		if v, ok := cc.Get("s-maxage"); ok {
			ttl = secondsOr(v, ttl)
		} else if v, ok := cc.Get("max-age"); ok {
			ttl = secondsOr(v, ttl)
		}
	}
	if !policy.SWRSet {
		if v, ok := cc.Get("stale-while-revalidate"); ok {
			swr = secondsOr(v, swr)
		}
	}
	if !policy.SIESet {
		if v, ok := cc.Get("stale-if-error"); ok {
			sie = secondsOr(v, sie)
		}
	}
	return ttl, swr, sie
}

// windowsForRefresh recomputes windows after a 304, keeping the entry's
// current values where neither the rule nor the refreshed headers say
// otherwise.
func windowsForRefresh(entry *cache.Entry, policy rules.Policy, cc CacheControl) (ttl, swr, sie time.Duration) {
	ttl, swr, sie = entry.TTL, entry.SWR, entry.SIE
	if policy.TTLSet {
		ttl = policy.TTL
	} else if v, ok := cc.Get("s-maxage"); ok {
		ttl = secondsOr(v, ttl)
	} else if v, ok := cc.Get("max-age"); ok {
		ttl = secondsOr(v, ttl)
	}
	if policy.SWRSet {
		swr = policy.SWR
	} else if v, ok := cc.Get("stale-while-revalidate"); ok {
		swr = secondsOr(v, swr)
	}
	if policy.SIESet {
		sie = policy.SIE
	} else if v, ok := cc.Get("stale-if-error"); ok {
		sie = secondsOr(v, sie)
	}
	return ttl, swr, sie
}

func secondsOr(v string, fallback time.Duration) time.Duration {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

// withoutConditionals drops the client's validators from a cacheable fetch;
// the engine answers conditional requests itself from the stored entry.
func withoutConditionals(r *http.Request) *http.Request {
	if r.Header.Get("If-None-Match") == "" && r.Header.Get("If-Modified-Since") == "" {
		return r
	}
	clone := r.Clone(r.Context())
	clone.Header.Del("If-None-Match")
	clone.Header.Del("If-Modified-Since")
	return clone
}

func parseVary(h http.Header) []string {
	var fields []string
	for _, value := range h.Values("Vary") {
		for _, field := range strings.Split(value, ",") {
			if field = strings.TrimSpace(field); field != "" {
				fields = append(fields, field)
			}
		}
	}
	return fields
}

// clientHasCurrent reports whether the inbound conditional headers match the
// stored validators, allowing a 304 without a body.
func clientHasCurrent(r *http.Request, entry *cache.Entry) bool {
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		if entry.ETag == "" {
			return false
		}
		for _, candidate := range strings.Split(inm, ",") {
			candidate = strings.TrimSpace(candidate)
			if candidate == "*" || strings.TrimPrefix(candidate, "W/") == strings.TrimPrefix(entry.ETag, "W/") {
				return true
			}
		}
		return false
	}
	if ims := r.Header.Get("If-Modified-Since"); ims != "" && entry.LastModified != "" {
		since, err := http.ParseTime(ims)
		if err != nil {
			return false
		}
		modified, err := http.ParseTime(entry.LastModified)
		if err != nil {
			return false
		}
		return !modified.After(since)
	}
	return false
}

func setCacheHeaders(h http.Header, xcache, reason string, age time.Duration, hasAge bool) {
	h.Set(headerXCache, xcache)
	if reason != "" {
		h.Set(headerXCacheReason, reason)
	}
	if hasAge {
		h.Set("Age", strconv.Itoa(int(age.Seconds())))
	}
}

func entryServed(entry *cache.Entry, xcache, reason string, age time.Duration) *served {
	return &served{
		status: entry.Status,
		header: entry.Header.Clone(),
		body:   entry.Body,
		xcache: xcache,
		reason: reason,
		age:    age,
		hasAge: true,
	}
}

func passServed(out client.Outcome) *served {
	return &served{
		status: out.Status,
		header: out.Header,
		body:   out.Body,
		stream: out.Rest,
		xcache: "MISS",
	}
}

func errorServed() *served {
	return &served{
		status: http.StatusBadGateway,
		header: http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		body:   []byte("upstream error\n"),
		xcache: "MISS",
	}
}

func isTooLarge(err error) bool {
	return errors.Is(err, cache.ErrTooLarge)
}
