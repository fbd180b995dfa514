package tokenmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/cache"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/config"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/internal/testutil"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/metrics"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/provider"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/tokenerr"
)

type stubLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *stubLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf(format, args...))
}

func (l *stubLogger) getMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.messages...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func (r *recordingSleeper) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

// recordingCache remembers the TTL of every write.
type recordingCache struct {
	cache.Backend
	mu   sync.Mutex
	ttls map[string]time.Duration
}

func newRecordingCache(t *testing.T) *recordingCache {
	t.Helper()
	mem, err := cache.NewMemory(0)
	if err != nil {
		t.Fatalf("NewMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = mem.Close() })
	return &recordingCache{Backend: mem, ttls: make(map[string]time.Duration)}
}

func (c *recordingCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	c.ttls[key] = ttl
	c.mu.Unlock()
	return c.Backend.Set(ctx, key, value, ttl)
}

func (c *recordingCache) TTL(key string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ttl, ok := c.ttls[key]
	return ttl, ok
}

func serverConfig(name, endpoint string) *config.ServerConfig {
	return &config.ServerConfig{
		Name:          name,
		URL:           "https://" + name + ".example.com/dicom-web",
		TokenEndpoint: endpoint,
		Provider:      "generic",
		ClientID:      "client",
		ClientSecret:  "secret",
		RateLimit:     config.RateLimitConfig{MaxRequests: -1},
	}
}

func newTestManager(t *testing.T, servers []*config.ServerConfig, opts ...Option) *Manager {
	t.Helper()

	sleeper := &recordingSleeper{}
	opts = append([]Option{WithRetrySleeper(sleeper.Sleep)}, opts...)

	m, err := New(servers, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestNewValidation(t *testing.T) {
	valid := serverConfig("svc1", "https://auth.example.com/token")

	tests := []struct {
		name    string
		servers []*config.ServerConfig
	}{
		{name: "no servers", servers: nil},
		{name: "duplicate names", servers: []*config.ServerConfig{valid, serverConfig("svc1", "https://auth.example.com/token")}},
		{name: "missing client id", servers: []*config.ServerConfig{{Name: "svc2", TokenEndpoint: "https://auth.example.com/token", ClientSecret: "s"}}},
		{name: "no endpoint", servers: []*config.ServerConfig{{Name: "svc3", ClientID: "c", ClientSecret: "s"}}},
		{name: "unknown provider", servers: []*config.ServerConfig{{Name: "svc4", Provider: "okta", TokenEndpoint: "https://auth.example.com/token", ClientID: "c", ClientSecret: "s"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.servers)
			if !errors.Is(err, tokenerr.Configuration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestNewDoesNotMutateInput(t *testing.T) {
	cfg := serverConfig("svc1", "https://auth.example.com/token")
	m := newTestManager(t, []*config.ServerConfig{cfg})

	if cfg.Timeout != 0 || cfg.Retry.MaxAttempts != 0 {
		t.Fatal("defaults must be applied to a copy")
	}
	effective, ok := m.ServerConfig("svc1")
	if !ok || effective.Timeout != config.DefaultTimeout || effective.RefreshBuffer != config.DefaultRefreshBuffer {
		t.Fatalf("unexpected effective config: %+v", effective)
	}
	if got := m.Servers(); len(got) != 1 || got[0] != "svc1" {
		t.Fatalf("unexpected servers: %v", got)
	}
}

func TestGetTokenUnknownServer(t *testing.T) {
	m := newTestManager(t, []*config.ServerConfig{serverConfig("svc1", "https://auth.example.com/token")})

	_, err := m.GetToken(context.Background(), "missing")
	if !errors.Is(err, tokenerr.UnknownServer) {
		t.Fatalf("expected UnknownServer, got %v", err)
	}
	if !strings.Contains(tokenerr.HintOf(err), "svc1") {
		t.Errorf("expected hint to list configured servers, got %q", tokenerr.HintOf(err))
	}
}

func TestGetTokenColdCacheSingleFlight(t *testing.T) {
	issuer := testutil.NewIssuer(t, testutil.Response{
		Status: http.StatusOK,
		Body:   `{"access_token":"shared-token","token_type":"Bearer","expires_in":3600}`,
		Delay:  100 * time.Millisecond,
	})
	m := newTestManager(t, []*config.ServerConfig{serverConfig("svc1", issuer.URL)})

	const callers = 50
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.GetToken(context.Background(), "svc1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: unexpected error %v", i, errs[i])
		}
		if tokens[i] != "shared-token" {
			t.Fatalf("caller %d: unexpected token %q", i, tokens[i])
		}
	}
	if calls := issuer.Calls(); calls != 1 {
		t.Fatalf("expected exactly one issuer call, got %d", calls)
	}
}

func TestGetTokenServesFreshTokenFromCache(t *testing.T) {
	issuer := testutil.NewIssuer(t)
	m := newTestManager(t, []*config.ServerConfig{serverConfig("svc1", issuer.URL)})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		token, err := m.GetToken(ctx, "svc1")
		if err != nil {
			t.Fatalf("GetToken() error = %v", err)
		}
		if token != "mock-access-token" {
			t.Fatalf("unexpected token %q", token)
		}
	}

	if calls := issuer.Calls(); calls != 1 {
		t.Fatalf("expected one issuer call, got %d", calls)
	}
	st, err := m.ServerStatus(ctx, "svc1")
	if err != nil {
		t.Fatalf("ServerStatus() error = %v", err)
	}
	if st.CacheHits != 2 || st.CacheMisses != 1 || st.Acquisitions != 1 {
		t.Fatalf("unexpected counters: hits=%d misses=%d acquisitions=%d", st.CacheHits, st.CacheMisses, st.Acquisitions)
	}
}

func TestGetTokenRefreshesStaleToken(t *testing.T) {
	issuer := testutil.NewIssuer(t,
		testutil.TokenResponse("token-1", 3600),
		testutil.TokenResponse("token-2", 3600),
	)
	clock := newFakeClock()
	m := newTestManager(t, []*config.ServerConfig{serverConfig("svc1", issuer.URL)}, WithClock(clock.Now))
	ctx := context.Background()

	first, err := m.Token(ctx, "svc1")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if first.AccessToken != "token-1" {
		t.Fatalf("unexpected token %q", first.AccessToken)
	}
	if want := first.ExpiresAt.Add(-config.DefaultRefreshBuffer); !first.RefreshAt.Equal(want) {
		t.Fatalf("expected refresh at %v, got %v", want, first.RefreshAt)
	}

	clock.Advance(time.Hour - config.DefaultRefreshBuffer - time.Second)
	if token, _ := m.GetToken(ctx, "svc1"); token != "token-1" {
		t.Fatalf("token just before refresh time should be served from cache, got %q", token)
	}

	clock.Advance(2 * time.Second)
	token, err := m.GetToken(ctx, "svc1")
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if token != "token-2" {
		t.Fatalf("expected refreshed token, got %q", token)
	}
	if calls := issuer.Calls(); calls != 2 {
		t.Fatalf("expected two issuer calls, got %d", calls)
	}
}

func TestGetTokenNeverReturnsExpiredToken(t *testing.T) {
	issuer := testutil.NewIssuer(t,
		testutil.TokenResponse("token-1", 3600),
		testutil.ErrorResponse(http.StatusUnauthorized, "invalid_client", "client disabled"),
	)
	clock := newFakeClock()
	cfg := serverConfig("svc1", issuer.URL)
	cfg.ServeStale = true
	m := newTestManager(t, []*config.ServerConfig{cfg}, WithClock(clock.Now))
	ctx := context.Background()

	if _, err := m.GetToken(ctx, "svc1"); err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}

	clock.Advance(time.Hour + time.Second)
	token, err := m.GetToken(ctx, "svc1")
	if err == nil {
		t.Fatalf("expected an error once the token expired, got token %q", token)
	}
	if token != "" {
		t.Fatalf("expired token must not be returned, got %q", token)
	}
}

func TestGetTokenServeStale(t *testing.T) {
	issuer := testutil.NewIssuer(t,
		testutil.TokenResponse("token-1", 3600),
		testutil.TokenResponse("token-2", 3600),
	)
	clock := newFakeClock()
	cfg := serverConfig("svc1", issuer.URL)
	cfg.ServeStale = true
	m := newTestManager(t, []*config.ServerConfig{cfg}, WithClock(clock.Now))
	ctx := context.Background()

	if _, err := m.GetToken(ctx, "svc1"); err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}

	clock.Advance(time.Hour - time.Minute)
	token, err := m.GetToken(ctx, "svc1")
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if token != "token-1" {
		t.Fatalf("expected the stale token to be served, got %q", token)
	}

	m.background.Wait()
	if calls := issuer.Calls(); calls != 2 {
		t.Fatalf("expected a background refresh, got %d issuer calls", calls)
	}

	token, err = m.GetToken(ctx, "svc1")
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if token != "token-2" {
		t.Fatalf("expected refreshed token after background refresh, got %q", token)
	}
}

func TestGetTokenRetriesNetworkErrors(t *testing.T) {
	issuer := testutil.NewIssuer(t,
		testutil.ErrorResponse(http.StatusInternalServerError, "server_error", "boom"),
		testutil.ErrorResponse(http.StatusInternalServerError, "server_error", "boom"),
		testutil.TokenResponse("abc", 3600),
	)
	clock := newFakeClock()
	sleeper := &recordingSleeper{}
	backend := newRecordingCache(t)
	collector := metrics.New()

	m := newTestManager(t, []*config.ServerConfig{serverConfig("svc1", issuer.URL)},
		WithClock(clock.Now),
		WithRetrySleeper(sleeper.Sleep),
		WithCache(backend),
		WithMetrics(collector),
	)

	token, err := m.GetToken(context.Background(), "svc1")
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if token != "abc" {
		t.Fatalf("unexpected token %q", token)
	}
	if calls := issuer.Calls(); calls != 3 {
		t.Fatalf("expected three issuer calls, got %d", calls)
	}

	delays := sleeper.Delays()
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("expected delays [1s 2s], got %v", delays)
	}

	ttl, ok := backend.TTL(cache.TokenKey("svc1"))
	if !ok {
		t.Fatal("expected the token to be cached")
	}
	if ttl > time.Hour-DefaultCacheSafetyMargin || ttl < time.Hour-DefaultCacheSafetyMargin-2*time.Second {
		t.Fatalf("expected TTL of about %v, got %v", time.Hour-DefaultCacheSafetyMargin, ttl)
	}

	st, _ := m.ServerStatus(context.Background(), "svc1")
	if st.ConsecutiveFailures != 0 || st.CircuitState != "closed" {
		t.Fatalf("success must reset the breaker, got %+v", st)
	}

	if n, err := promtestutil.GatherAndCount(collector.Registry(), "tokenbroker_retry_attempts_total"); err != nil || n != 1 {
		t.Fatalf("expected retry metric series, got %d (%v)", n, err)
	}
}

func TestGetTokenAuthorizationErrorIsNotRetried(t *testing.T) {
	issuer := testutil.NewIssuer(t, testutil.ErrorResponse(http.StatusUnauthorized, "invalid_client", "Client authentication failed"))
	sleeper := &recordingSleeper{}
	m := newTestManager(t, []*config.ServerConfig{serverConfig("svc1", issuer.URL)}, WithRetrySleeper(sleeper.Sleep))
	ctx := context.Background()

	_, err := m.GetToken(ctx, "svc1")
	if !errors.Is(err, tokenerr.AcquisitionFailed) {
		t.Fatalf("expected AcquisitionFailed, got %v", err)
	}
	if !errors.Is(err, tokenerr.Authorization) {
		t.Fatalf("expected Authorization cause, got %v", err)
	}
	if tokenerr.Retryable(err) {
		t.Fatal("authorization errors must not be retryable")
	}
	if calls := issuer.Calls(); calls != 1 {
		t.Fatalf("expected one issuer call, got %d", calls)
	}
	if delays := sleeper.Delays(); len(delays) != 0 {
		t.Fatalf("expected no retries, got delays %v", delays)
	}

	st, _ := m.ServerStatus(ctx, "svc1")
	if st.ConsecutiveFailures != 1 || st.Failures != 1 {
		t.Fatalf("expected one recorded failure, got %+v", st)
	}
	if st.Healthy || st.LastOutcome != metrics.OutcomeFailure || st.LastErrorCode != "AUTH-001" {
		t.Fatalf("unexpected status after failure: %+v", st)
	}
	if exists, _ := m.cache.Exists(ctx, cache.TokenKey("svc1")); exists {
		t.Fatal("nothing must be cached after a failure")
	}
}

func TestGetTokenCircuitBreaker(t *testing.T) {
	issuer := testutil.NewIssuer(t, testutil.ErrorResponse(http.StatusServiceUnavailable, "temporarily_unavailable", "down"))
	clock := newFakeClock()
	cfg := serverConfig("svc1", issuer.URL)
	cfg.Retry.MaxAttempts = 1
	cfg.CircuitBreaker = config.CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Minute}
	collector := metrics.New()
	m := newTestManager(t, []*config.ServerConfig{cfg}, WithClock(clock.Now), WithMetrics(collector))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := m.GetToken(ctx, "svc1"); !errors.Is(err, tokenerr.Network) {
			t.Fatalf("attempt %d: expected network failure, got %v", i+1, err)
		}
	}

	_, err := m.GetToken(ctx, "svc1")
	if !errors.Is(err, tokenerr.CircuitOpen) {
		t.Fatalf("expected CircuitOpen, got %v", err)
	}
	if calls := issuer.Calls(); calls != 2 {
		t.Fatalf("open breaker must not call the issuer, got %d calls", calls)
	}
	st, _ := m.ServerStatus(ctx, "svc1")
	if st.CircuitState != "open" || st.Healthy {
		t.Fatalf("expected open and unhealthy, got %+v", st)
	}

	clock.Advance(time.Minute)
	issuer.SetResponses(testutil.TokenResponse("recovered", 3600))

	token, err := m.GetToken(ctx, "svc1")
	if err != nil {
		t.Fatalf("half-open trial should succeed, got %v", err)
	}
	if token != "recovered" {
		t.Fatalf("unexpected token %q", token)
	}
	st, _ = m.ServerStatus(ctx, "svc1")
	if st.CircuitState != "closed" || !st.Healthy {
		t.Fatalf("expected closed and healthy, got %+v", st)
	}
}

func TestGetTokenRateLimited(t *testing.T) {
	issuer := testutil.NewIssuer(t)
	cfg := serverConfig("svc1", issuer.URL)
	cfg.RateLimit = config.RateLimitConfig{MaxRequests: 1, Window: time.Minute}
	m := newTestManager(t, []*config.ServerConfig{cfg})
	ctx := context.Background()

	if _, err := m.Refresh(ctx, "svc1"); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	_, err := m.Refresh(ctx, "svc1")
	if !errors.Is(err, tokenerr.RateLimited) {
		t.Fatalf("expected RateLimited, got %v", err)
	}
	if calls := issuer.Calls(); calls != 1 {
		t.Fatalf("expected one issuer call, got %d", calls)
	}

	st, _ := m.ServerStatus(ctx, "svc1")
	if st.ConsecutiveFailures != 0 {
		t.Fatal("rate limiting must not count as a breaker failure")
	}
}

func TestGetTokenRejectsTamperedJWT(t *testing.T) {
	kp := testutil.GenerateTestKeyPair(t)
	jwks := testutil.CreateJWKSServer(t, kp.PublicKey)
	signed := testutil.NewJWTClaims("https://auth.example.com", "dicom-api", "svc-account").SignToken(t, kp.PrivateKey)

	issuer := testutil.NewIssuer(t, testutil.TokenResponse(testutil.Tamper(signed), 3600))
	cfg := serverConfig("svc1", issuer.URL)
	cfg.JWT = config.JWTConfig{
		Enabled:  true,
		JWKSURL:  jwks.URL,
		Issuer:   "https://auth.example.com",
		Audience: "dicom-api",
	}
	m := newTestManager(t, []*config.ServerConfig{cfg})
	ctx := context.Background()

	_, err := m.GetToken(ctx, "svc1")
	if !errors.Is(err, tokenerr.TokenValidation) {
		t.Fatalf("expected TokenValidation, got %v", err)
	}
	if calls := issuer.Calls(); calls != 1 {
		t.Fatalf("validation failures must not be retried, got %d calls", calls)
	}
	if exists, _ := m.cache.Exists(ctx, cache.TokenKey("svc1")); exists {
		t.Fatal("a rejected token must not be cached")
	}

	issuer.SetResponses(testutil.TokenResponse(signed, 3600))
	tok, err := m.Token(ctx, "svc1")
	if err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	if tok.Claims == nil || tok.Claims.Subject != "svc-account" {
		t.Fatalf("expected validated claims, got %+v", tok.Claims)
	}
}

func TestGetTokenClampsRefreshBuffer(t *testing.T) {
	issuer := testutil.NewIssuer(t, testutil.TokenResponse("short-lived", 60))
	clock := newFakeClock()
	logger := &stubLogger{}
	m := newTestManager(t, []*config.ServerConfig{serverConfig("svc1", issuer.URL)}, WithClock(clock.Now), WithLogger(logger))

	tok, err := m.Token(context.Background(), "svc1")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if got := tok.ExpiresAt.Sub(tok.RefreshAt); got > 30*time.Second || got < 29*time.Second {
		t.Fatalf("expected buffer clamped to 30s, got %v", got)
	}

	found := false
	for _, msg := range logger.getMessages() {
		if strings.Contains(msg, "not longer than refresh_buffer") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the clamp to be logged")
	}
}

func TestGetTokenCallerCancellation(t *testing.T) {
	issuer := testutil.NewIssuer(t, testutil.Response{
		Status: http.StatusOK,
		Body:   `{"access_token":"slow-token","token_type":"Bearer","expires_in":3600}`,
		Delay:  200 * time.Millisecond,
	})
	m := newTestManager(t, []*config.ServerConfig{serverConfig("svc1", issuer.URL)})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.GetToken(ctx, "svc1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the caller's deadline, got %v", err)
	}

	token, err := m.GetToken(context.Background(), "svc1")
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if token != "slow-token" {
		t.Fatalf("unexpected token %q", token)
	}
	if calls := issuer.Calls(); calls != 1 {
		t.Fatalf("the abandoned flight should have been reused, got %d calls", calls)
	}
}

func TestSharedCacheAcrossManagers(t *testing.T) {
	issuer := testutil.NewIssuer(t)
	backend := newRecordingCache(t)
	servers := []*config.ServerConfig{serverConfig("svc1", issuer.URL)}

	first := newTestManager(t, servers, WithCache(backend))
	second := newTestManager(t, servers, WithCache(backend))

	if _, err := first.GetToken(context.Background(), "svc1"); err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	token, err := second.GetToken(context.Background(), "svc1")
	if err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if token != "mock-access-token" || issuer.Calls() != 1 {
		t.Fatalf("second manager should reuse the cached token, got %q after %d calls", token, issuer.Calls())
	}

	raw, ok, _ := backend.Get(context.Background(), cache.TokenKey("svc1"))
	if !ok {
		t.Fatal("expected cache entry")
	}
	var entry map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entry); err != nil {
		t.Fatalf("cache entry is not JSON: %v", err)
	}
	if string(entry["server"]) != `"svc1"` || len(entry["token"]) == 0 {
		t.Fatalf("unexpected cache entry: %s", raw)
	}
}

func TestInvalidate(t *testing.T) {
	issuer := testutil.NewIssuer(t)
	m := newTestManager(t, []*config.ServerConfig{serverConfig("svc1", issuer.URL)})
	ctx := context.Background()

	if _, err := m.GetToken(ctx, "svc1"); err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if err := m.Invalidate(ctx, "svc1"); err != nil {
		t.Fatalf("Invalidate() error = %v", err)
	}
	if _, err := m.GetToken(ctx, "svc1"); err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
	if calls := issuer.Calls(); calls != 2 {
		t.Fatalf("expected a new acquisition after invalidation, got %d calls", calls)
	}
	if err := m.Invalidate(ctx, "missing"); !errors.Is(err, tokenerr.UnknownServer) {
		t.Fatalf("expected UnknownServer, got %v", err)
	}
}

func TestStatusNeverExposesToken(t *testing.T) {
	issuer := testutil.NewIssuer(t, testutil.TokenResponse("super-secret-token", 3600))
	servers := []*config.ServerConfig{serverConfig("svc1", issuer.URL), serverConfig("svc2", issuer.URL)}
	m := newTestManager(t, servers)
	ctx := context.Background()

	if _, err := m.GetToken(ctx, "svc1"); err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}

	st := m.Status(ctx)
	if !st.Healthy || len(st.Servers) != 2 {
		t.Fatalf("unexpected status: %+v", st)
	}
	if !st.Servers[0].HasToken || st.Servers[0].TokenFingerprint != Fingerprint("super-secret-token") {
		t.Fatalf("expected fingerprint for svc1, got %+v", st.Servers[0])
	}
	if st.Servers[1].HasToken {
		t.Fatal("svc2 has not acquired a token")
	}

	data, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal status: %v", err)
	}
	if strings.Contains(string(data), "super-secret-token") {
		t.Fatal("status must never contain the raw token")
	}
}

func TestGetTokenRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	issuer := testutil.NewIssuer(t)
	m := newTestManager(t, []*config.ServerConfig{serverConfig("svc1", issuer.URL)}, WithTracerProvider(tp))

	if _, err := m.GetToken(context.Background(), "svc1"); err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected one span, got %d", len(spans))
	}
	if spans[0].Name() != "tokenmanager.acquire" {
		t.Fatalf("unexpected span name %q", spans[0].Name())
	}

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["tokenbroker.server"] != "svc1" || attrs["tokenbroker.provider"] != "generic" {
		t.Fatalf("unexpected span attributes: %v", attrs)
	}
	if attrs["tokenbroker.acquisition_id"] == "" {
		t.Fatal("expected an acquisition id")
	}
}

type stubProvider struct {
	token *provider.Token
	err   error
}

func (p *stubProvider) Kind() provider.Kind { return provider.Generic }

func (p *stubProvider) Acquire(context.Context, *config.ServerConfig) (*provider.Token, error) {
	return p.token, p.err
}

func TestWithProviderFactory(t *testing.T) {
	stub := &stubProvider{err: errors.New("custom failure")}
	factory := func(kind provider.Kind, cfg *config.ServerConfig, _ *http.Client) (provider.Provider, error) {
		if kind != provider.Generic || cfg.Name != "svc1" {
			t.Errorf("unexpected factory input: %s %s", kind, cfg.Name)
		}
		return stub, nil
	}
	m := newTestManager(t, []*config.ServerConfig{serverConfig("svc1", "https://auth.example.com/token")}, WithProviderFactory(factory))
	ctx := context.Background()

	_, err := m.GetToken(ctx, "svc1")
	if tokenerr.RootKind(err) != tokenerr.Internal {
		t.Fatalf("expected unclassified provider error to be internal, got %v", err)
	}

	stub.err = nil
	stub.token = &provider.Token{AccessToken: "custom", ExpiresIn: time.Hour}
	tok, err := m.Token(ctx, "svc1")
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if tok.AccessToken != "custom" || tok.TokenType != "Bearer" {
		t.Fatalf("unexpected token: %v", tok)
	}

	stub.token = &provider.Token{AccessToken: "no-lifetime"}
	if _, err := m.Refresh(ctx, "svc1"); !errors.Is(err, tokenerr.InvalidIssuerResponse) {
		t.Fatalf("expected InvalidIssuerResponse, got %v", err)
	}
}

func TestClose(t *testing.T) {
	issuer := testutil.NewIssuer(t)
	m, err := New([]*config.ServerConfig{serverConfig("svc1", issuer.URL)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if _, err := m.GetToken(context.Background(), "svc1"); err == nil {
		t.Fatal("expected error after Close")
	}
}

func TestNewFromConfig(t *testing.T) {
	issuer := testutil.NewIssuer(t)
	cfg := &config.Config{
		Cache:   config.CacheConfig{Backend: config.CacheMemory},
		Servers: map[string]*config.ServerConfig{"svc1": serverConfig("svc1", issuer.URL)},
	}

	m, err := NewFromConfig(cfg)
	if err != nil {
		t.Fatalf("NewFromConfig() error = %v", err)
	}
	defer m.Close()

	if !m.ownsCache {
		t.Fatal("manager should own the cache it created")
	}
	if _, err := m.GetToken(context.Background(), "svc1"); err != nil {
		t.Fatalf("GetToken() error = %v", err)
	}
}

func TestGetTokenBreakerOpeningEndsRetries(t *testing.T) {
	issuer := testutil.NewIssuer(t, testutil.ErrorResponse(http.StatusInternalServerError, "server_error", "boom"))
	clock := newFakeClock()
	sleeper := &recordingSleeper{}
	collector := metrics.New()
	cfg := serverConfig("svc1", issuer.URL)
	cfg.Retry.MaxAttempts = 3
	cfg.CircuitBreaker = config.CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Minute}
	m := newTestManager(t, []*config.ServerConfig{cfg},
		WithClock(clock.Now),
		WithRetrySleeper(sleeper.Sleep),
		WithMetrics(collector),
	)
	ctx := context.Background()

	_, err := m.GetToken(ctx, "svc1")
	if !errors.Is(err, tokenerr.AcquisitionFailed) || !errors.Is(err, tokenerr.Network) {
		t.Fatalf("expected AcquisitionFailed caused by the issuer error, got %v", err)
	}
	if errors.Is(err, tokenerr.CircuitOpen) {
		t.Fatalf("the issuer failure must be reported, not the breaker, got %v", err)
	}
	if calls := issuer.Calls(); calls != 2 {
		t.Fatalf("expected two issuer calls, got %d", calls)
	}
	if delays := sleeper.Delays(); len(delays) != 1 || delays[0] != time.Second {
		t.Fatalf("expected a single 1s wait before the breaker opened, got %v", delays)
	}

	st, _ := m.ServerStatus(ctx, "svc1")
	if st.CircuitState != "open" || st.Failures != 1 || st.LastErrorCode != "NET-001" {
		t.Fatalf("expected one recorded network failure and an open breaker, got %+v", st)
	}

	expected := `
# HELP tokenbroker_token_acquisitions_total Token acquisitions from issuers by outcome
# TYPE tokenbroker_token_acquisitions_total counter
tokenbroker_token_acquisitions_total{outcome="failure",server="svc1"} 1
`
	if err := promtestutil.GatherAndCompare(collector.Registry(), strings.NewReader(expected), "tokenbroker_token_acquisitions_total"); err != nil {
		t.Fatalf("unexpected acquisition metrics: %v", err)
	}

	if _, err := m.GetToken(ctx, "svc1"); !errors.Is(err, tokenerr.CircuitOpen) {
		t.Fatalf("expected CircuitOpen once the breaker is open, got %v", err)
	}
	if calls := issuer.Calls(); calls != 2 {
		t.Fatalf("open breaker must not call the issuer, got %d calls", calls)
	}
}

func TestGetTokenBreakerIsPerServer(t *testing.T) {
	failing := testutil.NewIssuer(t, testutil.ErrorResponse(http.StatusServiceUnavailable, "temporarily_unavailable", "down"))
	healthy := testutil.NewIssuer(t, testutil.TokenResponse("svc2-token", 3600))

	svc1 := serverConfig("svc1", failing.URL)
	svc1.Retry.MaxAttempts = 1
	svc1.CircuitBreaker = config.CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Minute}
	svc2 := serverConfig("svc2", healthy.URL)
	svc2.CircuitBreaker = config.CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Minute}

	m := newTestManager(t, []*config.ServerConfig{svc1, svc2})
	ctx := context.Background()

	if _, err := m.GetToken(ctx, "svc1"); !errors.Is(err, tokenerr.Network) {
		t.Fatalf("expected network failure, got %v", err)
	}
	if _, err := m.GetToken(ctx, "svc1"); !errors.Is(err, tokenerr.CircuitOpen) {
		t.Fatalf("expected svc1 breaker to be open, got %v", err)
	}

	token, err := m.GetToken(ctx, "svc2")
	if err != nil {
		t.Fatalf("svc2 must not be affected by svc1, got %v", err)
	}
	if token != "svc2-token" {
		t.Fatalf("unexpected token %q", token)
	}

	st1, _ := m.ServerStatus(ctx, "svc1")
	st2, _ := m.ServerStatus(ctx, "svc2")
	if st1.CircuitState != "open" {
		t.Fatalf("expected svc1 open, got %q", st1.CircuitState)
	}
	if st2.CircuitState != "closed" || !st2.Healthy || st2.ConsecutiveFailures != 0 {
		t.Fatalf("expected svc2 closed and healthy, got %+v", st2)
	}
}

func TestGetTokenColdCacheSingleFlightSharesError(t *testing.T) {
	resp := testutil.ErrorResponse(http.StatusUnauthorized, "invalid_client", "Client authentication failed")
	resp.Delay = 300 * time.Millisecond
	issuer := testutil.NewIssuer(t, resp)
	m := newTestManager(t, []*config.ServerConfig{serverConfig("svc1", issuer.URL)})

	const callers = 50
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = m.GetToken(context.Background(), "svc1")
		}(i)
	}
	close(start)
	wg.Wait()

	if calls := issuer.Calls(); calls != 1 {
		t.Fatalf("expected exactly one issuer call, got %d", calls)
	}

	var first *tokenerr.Error
	if !errors.As(errs[0], &first) {
		t.Fatalf("expected *tokenerr.Error, got %T (%v)", errs[0], errs[0])
	}
	for i, err := range errs {
		var te *tokenerr.Error
		if !errors.As(err, &te) {
			t.Fatalf("caller %d: expected *tokenerr.Error, got %T (%v)", i, err, err)
		}
		if te.Kind != tokenerr.AcquisitionFailed || te.Kind != first.Kind {
			t.Fatalf("caller %d: expected kind %v, got %v", i, first.Kind, te.Kind)
		}
		if got, want := tokenerr.Root(err).ErrorCode(), tokenerr.Root(errs[0]).ErrorCode(); got != want || got != "AUTH-001" {
			t.Fatalf("caller %d: expected code %s, got %s", i, want, got)
		}
	}
}

func TestBackgroundRefreshAfterClose(t *testing.T) {
	issuer := testutil.NewIssuer(t)
	m, err := New([]*config.ServerConfig{serverConfig("svc1", issuer.URL)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s := m.servers["svc1"]

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	m.refreshInBackground(context.Background(), s)
	m.background.Wait()

	if calls := issuer.Calls(); calls != 0 {
		t.Fatalf("no refresh may start after Close, got %d issuer calls", calls)
	}
	if s.refreshing.Load() {
		t.Fatal("refresh slot must stay free after Close")
	}
}

func TestCloseRacesBackgroundRefresh(t *testing.T) {
	issuer := testutil.NewIssuer(t)
	m, err := New([]*config.ServerConfig{serverConfig("svc1", issuer.URL)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	s := m.servers["svc1"]

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					m.refreshInBackground(context.Background(), s)
				}
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	after := issuer.Calls()
	close(stop)
	wg.Wait()
	m.background.Wait()

	if calls := issuer.Calls(); calls != after {
		t.Fatalf("refresh started after Close: %d issuer calls, %d when Close returned", calls, after)
	}
}
