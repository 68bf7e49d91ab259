package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stephenfairchild/relay/pkg/cache"
	"github.com/stephenfairchild/relay/pkg/client"
	"github.com/stephenfairchild/relay/pkg/rules"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testSink struct {
	NopMetrics
	hits, misses, bypass, nonCacheable     atomic.Int64
	upstreamErrors, storageErrors          atomic.Int64
	staleRevalidating, staleUpstreamError  atomic.Int64
}

func (s *testSink) CacheHit()      { s.hits.Add(1) }
func (s *testSink) CacheMiss()     { s.misses.Add(1) }
func (s *testSink) Bypass()        { s.bypass.Add(1) }
func (s *testSink) NonCacheable()  { s.nonCacheable.Add(1) }
func (s *testSink) UpstreamError() { s.upstreamErrors.Add(1) }
func (s *testSink) StorageError()  { s.storageErrors.Add(1) }
func (s *testSink) StaleServed(reason string) {
	if reason == reasonRevalidating {
		s.staleRevalidating.Add(1)
	} else {
		s.staleUpstreamError.Add(1)
	}
}

type env struct {
	t          *testing.T
	origin     *httptest.Server
	originHits *atomic.Int64
	handler    atomic.Value // http.HandlerFunc
	clock      *fakeClock
	store      *cache.MemoryCache
	sink       *testSink
	upstreamClient *client.Client
	relay      *Engine
}

// newEnv wires an engine against a counting test origin with the scenario
// defaults: ttl=10s, swr=60s, sie=1h.
func newEnv(t *testing.T, ruleSet ...func(*rules.Resolver)) *env {
	t.Helper()

	e := &env{
		t:          t,
		originHits: &atomic.Int64{},
		clock:      newFakeClock(),
		sink:       &testSink{},
	}
	e.handler.Store(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"a"`)
		w.Write([]byte("v1"))
	}))
	e.origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.originHits.Add(1)
		e.handler.Load().(http.HandlerFunc)(w, r)
	}))
	t.Cleanup(e.origin.Close)

	originURL, _ := url.Parse(e.origin.URL)
	originClient := client.New(client.Config{
		Origin:         originURL,
		ConnectTimeout: time.Second,
		ReadTimeout:    2 * time.Second,
		Timeout:        5 * time.Second,
		MaxConnections: 128,
		Keepalive:      true,
		MaxBodyBytes:   1 << 20,
		Logger:         zerolog.Nop(),
	})

	resolver := rules.NewResolver(rules.Policy{
		TTL: 10 * time.Second,
		SWR: 60 * time.Second,
		SIE: time.Hour,
	})
	for _, apply := range ruleSet {
		apply(resolver)
	}

	e.upstreamClient = originClient
	e.store = cache.NewMemoryCacheWithClock(1<<20, e.clock.Now)
	e.relay = New(Config{
		Cache:             e.store,
		Upstream:          originClient,
		Rules:             resolver,
		Keys:              cache.NewBuilder(nil, false),
		Metrics:           e.sink,
		Clock:             e.clock.Now,
		StorageTimeout:    time.Second,
		BackgroundWorkers: 8,
		BackgroundTimeout: 5 * time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		e.relay.Close(ctx)
	})
	return e
}

func (e *env) get(path string, headers ...string) *httptest.ResponseRecorder {
	e.t.Helper()
	req := httptest.NewRequest("GET", "http://relay.test"+path, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	e.relay.ServeHTTP(rr, req)
	return rr
}

func (e *env) setOrigin(h http.HandlerFunc) { e.handler.Store(h) }

func (e *env) waitOriginHits(want int64, within time.Duration) {
	e.t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if e.originHits.Load() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	e.t.Fatalf("origin hits = %d, want >= %d within %s", e.originHits.Load(), want, within)
}

func (e *env) storeItems() int64 {
	stats, err := e.store.Stats(context.Background())
	if err != nil {
		e.t.Fatal(err)
	}
	return stats.Items
}

// S1: a cold cache forwards to the origin once and records the response.
func TestColdMiss(t *testing.T) {
	e := newEnv(t)

	rr := e.get("/x")
	if rr.Code != 200 || rr.Body.String() != "v1" {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get(headerXCache); got != "MISS" {
		t.Fatalf("X-Cache = %q, want MISS", got)
	}
	if got := e.originHits.Load(); got != 1 {
		t.Fatalf("origin hits = %d, want 1", got)
	}
	if e.storeItems() != 1 {
		t.Fatal("entry not stored")
	}
}

// S2: a fresh entry serves without origin traffic and carries its age.
func TestFreshHit(t *testing.T) {
	e := newEnv(t)
	e.get("/x")

	e.clock.Advance(3 * time.Second)
	rr := e.get("/x")

	if got := rr.Header().Get(headerXCache); got != "HIT" {
		t.Fatalf("X-Cache = %q, want HIT", got)
	}
	if got := rr.Header().Get("Age"); got != "3" {
		t.Fatalf("Age = %q, want 3", got)
	}
	if rr.Body.String() != "v1" {
		t.Fatalf("body = %q", rr.Body.String())
	}
	if got := e.originHits.Load(); got != 1 {
		t.Fatalf("origin hits = %d, want 1", got)
	}
}

// S3: past the ttl but inside swr the stale entry is served immediately and a
// background revalidation tops the entry up.
func TestStaleWhileRevalidate(t *testing.T) {
	e := newEnv(t)
	e.get("/x")

	e.clock.Advance(15 * time.Second)
	rr := e.get("/x")

	if got := rr.Header().Get(headerXCache); got != "STALE" {
		t.Fatalf("X-Cache = %q, want STALE", got)
	}
	if got := rr.Header().Get(headerXCacheReason); got != reasonRevalidating {
		t.Fatalf("X-Cache-Reason = %q", got)
	}
	if rr.Body.String() != "v1" {
		t.Fatalf("body = %q", rr.Body.String())
	}

	e.waitOriginHits(2, 5*time.Second)
}

// S4: with the origin down, requests inside the sie window serve stale.
func TestStaleIfError(t *testing.T) {
	e := newEnv(t)
	e.get("/x")

	e.setOrigin(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	})
	e.clock.Advance(120 * time.Second)
	rr := e.get("/x")

	if got := rr.Header().Get(headerXCache); got != "STALE" {
		t.Fatalf("X-Cache = %q, want STALE", got)
	}
	if got := rr.Header().Get(headerXCacheReason); got != reasonUpstreamError {
		t.Fatalf("X-Cache-Reason = %q", got)
	}
	if rr.Body.String() != "v1" {
		t.Fatalf("body = %q", rr.Body.String())
	}
	if e.sink.staleUpstreamError.Load() == 0 {
		t.Fatal("stale_served{upstream-error} not counted")
	}
}

// S4 complement: past sie, or with nothing cached, an origin failure is a 502.
func TestOriginErrorWithoutStale(t *testing.T) {
	e := newEnv(t)
	e.setOrigin(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	})

	rr := e.get("/nothing-cached")
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
	if e.sink.upstreamErrors.Load() == 0 {
		t.Fatal("upstream_errors not counted")
	}
}

// S5: a burst of stale reads triggers at most one background refresh.
func TestStaleBurstCoalesces(t *testing.T) {
	e := newEnv(t)
	e.get("/x")

	// slow the origin down so the refresh overlaps the burst
	e.setOrigin(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("ETag", `"a"`)
		w.Write([]byte("v1"))
	})
	e.clock.Advance(20 * time.Second)

	const n = 100
	var wg sync.WaitGroup
	bodies := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rr := e.get("/x")
			bodies[i] = rr.Body.String()
		}(i)
	}
	wg.Wait()

	for i, body := range bodies {
		if body != "v1" {
			t.Fatalf("request %d got body %q", i, body)
		}
	}
	e.waitOriginHits(2, 5*time.Second)
	time.Sleep(100 * time.Millisecond)
	if got := e.originHits.Load(); got > 2 {
		t.Fatalf("origin hits = %d, want at most 2", got)
	}
}

// S6: bypass rules skip the cache entirely in both directions.
func TestBypassRule(t *testing.T) {
	e := newEnv(t, func(r *rules.Resolver) {
		if err := r.Add("/admin/*", rules.Override{Bypass: true}); err != nil {
			t.Fatal(err)
		}
	})

	for i := 0; i < 2; i++ {
		rr := e.get("/admin/root")
		if got := rr.Header().Get(headerXCache); got != "BYPASS" {
			t.Fatalf("X-Cache = %q, want BYPASS", got)
		}
	}
	if got := e.originHits.Load(); got != 2 {
		t.Fatalf("origin hits = %d, want 2", got)
	}
	if e.storeItems() != 0 {
		t.Fatal("bypass must not write to the store")
	}
	if e.sink.bypass.Load() != 2 {
		t.Fatalf("bypass counter = %d", e.sink.bypass.Load())
	}
}

// Universal property: N concurrent requests to a cold key issue one origin
// fetch.
func TestColdBurstCoalesces(t *testing.T) {
	e := newEnv(t)
	e.setOrigin(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte("v1"))
	})

	const n = 50
	var wg sync.WaitGroup
	codes := make([]int, n)
	bodies := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rr := e.get("/cold")
			codes[i], bodies[i] = rr.Code, rr.Body.String()
		}(i)
	}
	wg.Wait()

	if got := e.originHits.Load(); got != 1 {
		t.Fatalf("origin hits = %d, want 1", got)
	}
	for i := 0; i < n; i++ {
		if codes[i] != 200 || bodies[i] != "v1" {
			t.Fatalf("request %d: status=%d body=%q", i, codes[i], bodies[i])
		}
	}
}

// Universal property: no-store responses leave storage untouched.
func TestNoStoreNotCached(t *testing.T) {
	e := newEnv(t)
	e.setOrigin(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Write([]byte("secret"))
	})

	for i := 0; i < 2; i++ {
		rr := e.get("/private")
		if rr.Body.String() != "secret" {
			t.Fatalf("body = %q", rr.Body.String())
		}
	}
	if e.storeItems() != 0 {
		t.Fatal("no-store response must not be cached")
	}
	if got := e.originHits.Load(); got != 2 {
		t.Fatalf("origin hits = %d, want 2", got)
	}
	if e.sink.nonCacheable.Load() != 2 {
		t.Fatalf("non_cacheable counter = %d", e.sink.nonCacheable.Load())
	}
}

func TestPrivateNotCachedInSharedMode(t *testing.T) {
	e := newEnv(t)
	e.setOrigin(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "private, max-age=60")
		w.Write([]byte("user-data"))
	})

	e.get("/me")
	if e.storeItems() != 0 {
		t.Fatal("private response must not enter a shared cache")
	}
}

// Explicit rule TTLs override origin Cache-Control.
func TestRuleTTLOverridesOrigin(t *testing.T) {
	short := time.Second
	e := newEnv(t, func(r *rules.Resolver) {
		if err := r.Add("/api/*", rules.Override{TTL: &short}); err != nil {
			t.Fatal(err)
		}
	})
	e.setOrigin(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=3600")
		w.Write([]byte("v1"))
	})

	e.get("/api/data")
	e.clock.Advance(2 * time.Second)
	rr := e.get("/api/data")

	// past the rule's 1s ttl the entry is stale despite origin max-age
	if got := rr.Header().Get(headerXCache); got != "STALE" {
		t.Fatalf("X-Cache = %q, want STALE", got)
	}
}

func TestOriginMaxAgeRespectedWithoutRule(t *testing.T) {
	e := newEnv(t)
	e.setOrigin(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=120")
		w.Write([]byte("v1"))
	})

	e.get("/long")
	e.clock.Advance(60 * time.Second)
	rr := e.get("/long")

	if got := rr.Header().Get(headerXCache); got != "HIT" {
		t.Fatalf("X-Cache = %q, want HIT (inside origin max-age)", got)
	}
	if got := e.originHits.Load(); got != 1 {
		t.Fatalf("origin hits = %d, want 1", got)
	}
}

func TestClientConditionalGets304(t *testing.T) {
	e := newEnv(t)
	e.get("/x")

	rr := e.get("/x", "If-None-Match", `"a"`)
	if rr.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want 304", rr.Code)
	}
	if rr.Body.Len() != 0 {
		t.Fatalf("304 must have no body, got %q", rr.Body.String())
	}
	if got := rr.Header().Get(headerXCache); got != "HIT" {
		t.Fatalf("X-Cache = %q, want HIT", got)
	}
}

func TestRevalidationUses304(t *testing.T) {
	e := newEnv(t)
	e.get("/x")

	// origin answers conditionals with 304 from now on
	e.setOrigin(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"a"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"a"`)
		w.Write([]byte("v1"))
	})

	// expired: the synchronous fetch revalidates and bumps stored_at
	e.clock.Advance(2 * time.Minute)
	rr := e.get("/x")
	if got := rr.Header().Get(headerXCache); got != "HIT" {
		t.Fatalf("X-Cache = %q, want HIT after 304 refresh", got)
	}
	if rr.Body.String() != "v1" {
		t.Fatalf("body = %q", rr.Body.String())
	}

	// the refreshed entry is fresh again
	e.clock.Advance(3 * time.Second)
	rr = e.get("/x")
	if got := rr.Header().Get(headerXCache); got != "HIT" {
		t.Fatalf("X-Cache = %q, want HIT", got)
	}
	if got := rr.Header().Get("Age"); got != "3" {
		t.Fatalf("Age = %q, want 3", got)
	}
}

func TestNonGetMethodsBypass(t *testing.T) {
	e := newEnv(t)

	req := httptest.NewRequest("POST", "http://relay.test/submit", nil)
	rr := httptest.NewRecorder()
	e.relay.ServeHTTP(rr, req)

	if got := rr.Header().Get(headerXCache); got != "BYPASS" {
		t.Fatalf("X-Cache = %q, want BYPASS", got)
	}
	if e.storeItems() != 0 {
		t.Fatal("POST must not be cached")
	}
	if e.sink.bypass.Load() != 1 {
		t.Fatal("bypass not counted")
	}
}

func TestHeadServedWithoutBody(t *testing.T) {
	e := newEnv(t)

	req := httptest.NewRequest("HEAD", "http://relay.test/x", nil)
	rr := httptest.NewRecorder()
	e.relay.ServeHTTP(rr, req)
	if rr.Code != 200 {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Body.Len() != 0 {
		t.Fatalf("HEAD response carried a body: %q", rr.Body.String())
	}
}

func TestVaryCreatesVariants(t *testing.T) {
	e := newEnv(t)
	e.setOrigin(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Accept-Encoding")
		w.Write([]byte("enc:" + r.Header.Get("Accept-Encoding")))
	})

	first := e.get("/v", "Accept-Encoding", "gzip")
	if first.Body.String() != "enc:gzip" {
		t.Fatalf("body = %q", first.Body.String())
	}

	second := e.get("/v", "Accept-Encoding", "br")
	if second.Header().Get(headerXCache) != "MISS" {
		t.Fatal("different vary value must miss")
	}
	if second.Body.String() != "enc:br" {
		t.Fatalf("body = %q", second.Body.String())
	}

	third := e.get("/v", "Accept-Encoding", "br")
	if third.Header().Get(headerXCache) != "HIT" {
		t.Fatalf("X-Cache = %q, want HIT for repeated vary value", third.Header().Get(headerXCache))
	}
	if third.Body.String() != "enc:br" {
		t.Fatalf("body = %q", third.Body.String())
	}
}

func TestStorageErrorTreatedAsMiss(t *testing.T) {
	e := newEnv(t)

	sink := &testSink{}
	broken := New(Config{
		Cache:          &failingProvider{},
		Upstream:       e.upstreamClient,
		Rules:          rules.NewResolver(rules.Policy{TTL: 10 * time.Second, SWR: time.Minute, SIE: time.Hour}),
		Keys:           cache.NewBuilder(nil, false),
		Metrics:        sink,
		Clock:          e.clock.Now,
		StorageTimeout: time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		broken.Close(ctx)
	})

	req := httptest.NewRequest("GET", "http://relay.test/x", nil)
	rr := httptest.NewRecorder()
	broken.ServeHTTP(rr, req)

	if rr.Code != 200 || rr.Body.String() != "v1" {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if sink.storageErrors.Load() == 0 {
		t.Fatal("storage_errors not counted")
	}
}

type failingProvider struct{}

func (f *failingProvider) Get(context.Context, string) (*cache.Entry, bool, error) {
	return nil, false, fmt.Errorf("%w: down", cache.ErrUnavailable)
}
func (f *failingProvider) Put(context.Context, string, *cache.Entry, time.Duration) error {
	return fmt.Errorf("%w: down", cache.ErrUnavailable)
}
func (f *failingProvider) Delete(context.Context, string) error { return nil }
func (f *failingProvider) Purge(context.Context, string) error  { return nil }
func (f *failingProvider) Stats(context.Context) (cache.Stats, error) {
	return cache.Stats{}, nil
}
func (f *failingProvider) Close() error { return nil }

func TestSetCookieStrippedBeforeStoring(t *testing.T) {
	e := newEnv(t)
	e.setOrigin(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Set-Cookie", "session=abc")
		w.Write([]byte("v1"))
	})

	e.get("/x")
	e.clock.Advance(time.Second)
	rr := e.get("/x")

	if rr.Header().Get(headerXCache) != "HIT" {
		t.Fatal("expected cache hit")
	}
	if rr.Header().Get("Set-Cookie") != "" {
		t.Fatal("Set-Cookie must not be replayed from cache")
	}
}

func TestHealthEndpoint(t *testing.T) {
	e := newEnv(t)
	e.get("/x")
	e.get("/x")

	rr := httptest.NewRecorder()
	e.relay.HealthHandler().ServeHTTP(rr, httptest.NewRequest("GET", "http://relay.test/health", nil))

	if rr.Code != 200 {
		t.Fatalf("status = %d", rr.Code)
	}
	body, _ := io.ReadAll(rr.Result().Body)
	for _, want := range []string{`"status":"ok"`, `"items":1`, `"upstream"`, `"hit_ratio":0.5`} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("health payload %s missing %q", body, want)
		}
	}
}
