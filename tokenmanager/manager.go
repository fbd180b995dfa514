package tokenmanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/cache"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/config"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/httpclient"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/internal/validator"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/metrics"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/provider"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/resilience"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/tokenerr"
)

// DefaultCacheSafetyMargin is subtracted from the remaining lifetime of a
// token to compute its cache TTL.
const DefaultCacheSafetyMargin = 10 * time.Second

const tracerName = "github.com/rhavekost/orthanc-dicomweb-oauth-sub002/tokenmanager"

// Manager obtains, caches and refreshes access tokens for a fixed set of
// servers. It is safe for concurrent use.
type Manager struct {
	servers map[string]*server
	names   []string

	cache     cache.Backend
	ownsCache bool
	group     singleflight.Group

	logger          Logger
	metrics         *metrics.Collector
	httpClient      *http.Client
	tracerProvider  trace.TracerProvider
	tracer          trace.Tracer
	now             func() time.Time
	sleep           resilience.Sleeper
	providerFactory ProviderFactory
	providerOptions []provider.Option
	safetyMargin    time.Duration

	// lifecycle orders background.Add against Close.
	lifecycle  sync.Mutex
	background sync.WaitGroup
	closed     atomic.Bool
}

// server is the per-server state. cfg is immutable after New.
type server struct {
	cfg      *config.ServerConfig
	kind     provider.Kind
	provider provider.Provider
	client   *http.Client
	policy   resilience.Policy
	breaker  *resilience.CircuitBreaker
	limiter  *resilience.RateLimiter

	refreshing atomic.Bool

	validatorMu sync.Mutex
	validator   *validator.JWTValidator

	mu    sync.Mutex
	stats serverStats
}

type serverStats struct {
	cacheHits      uint64
	cacheMisses    uint64
	acquisitions   uint64
	failures       uint64
	lastOutcome    string
	lastError      string
	lastErrorCode  string
	lastAcquiredAt time.Time
}

// cacheEntry is the value stored under cache.TokenKey.
type cacheEntry struct {
	Server string       `json:"server"`
	Token  *CachedToken `json:"token"`
}

// New creates a Manager for servers.
//
// Parameters:
//   - servers: Server configurations; defaults are applied to copies and each copy is validated
//   - opts: Optional configuration options (WithCache, WithLogger, WithMetrics, ...)
//
// Returns:
//   - *Manager: Manager ready to serve tokens; nothing is fetched until first use
//   - error: Configuration error for invalid or duplicate servers
func New(servers []*config.ServerConfig, opts ...Option) (*Manager, error) {
	m := &Manager{
		servers:      make(map[string]*server, len(servers)),
		now:          time.Now,
		sleep:        resilience.ContextSleep,
		safetyMargin: DefaultCacheSafetyMargin,
	}

	// Apply options
	for _, opt := range opts {
		opt(m)
	}

	if m.tracerProvider == nil {
		m.tracerProvider = otel.GetTracerProvider()
	}
	m.tracer = m.tracerProvider.Tracer(tracerName)

	if len(servers) == 0 {
		return nil, &tokenerr.Error{
			Kind:    tokenerr.Configuration,
			Message: "no servers configured",
		}
	}

	for _, sc := range servers {
		cfg := *sc
		cfg.ApplyDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, dup := m.servers[cfg.Name]; dup {
			return nil, &tokenerr.Error{
				Kind:    tokenerr.Configuration,
				Server:  cfg.Name,
				Message: "duplicate server name",
			}
		}

		s, err := m.newServer(&cfg)
		if err != nil {
			return nil, err
		}
		m.servers[cfg.Name] = s
		m.names = append(m.names, cfg.Name)
	}
	sort.Strings(m.names)

	if m.cache == nil {
		mem, err := cache.NewMemory(0)
		if err != nil {
			return nil, fmt.Errorf("tokenmanager: create cache: %w", err)
		}
		m.cache = mem
		m.ownsCache = true
	}

	return m, nil
}

// NewFromConfig creates a Manager for every server in cfg, using the cache
// backend it selects. The Manager owns that backend and closes it.
func NewFromConfig(cfg *config.Config, opts ...Option) (*Manager, error) {
	probe := &Manager{}
	for _, opt := range opts {
		opt(probe)
	}

	var backend cache.Backend
	if probe.cache == nil {
		var err error
		backend, err = cache.FromConfig(cfg.Cache, probe.logger)
		if err != nil {
			return nil, &tokenerr.Error{Kind: tokenerr.Configuration, Message: "cache", Err: err}
		}
		opts = append(opts, WithCache(backend))
	}

	m, err := New(cfg.ServerList(), opts...)
	if err != nil {
		if backend != nil {
			_ = backend.Close()
		}
		return nil, err
	}
	m.ownsCache = backend != nil
	return m, nil
}

func (m *Manager) newServer(cfg *config.ServerConfig) (*server, error) {
	kind, err := provider.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	client := m.httpClient
	if client == nil {
		client, err = httpclient.NewBuilder().ForServer(cfg).WithoutRedirects().Build()
		if err != nil {
			return nil, &tokenerr.Error{
				Kind:    tokenerr.Configuration,
				Server:  cfg.Name,
				Message: "issuer HTTP client",
				Hint:    "check ca_file",
				Err:     err,
			}
		}
	}

	factory := m.providerFactory
	if factory == nil {
		factory = m.defaultProvider
	}
	p, err := factory(kind, cfg, client)
	if err != nil {
		return nil, err
	}

	s := &server{
		cfg:      cfg,
		kind:     kind,
		provider: p,
		client:   client,
		policy:   resilience.PolicyFromConfig(cfg.Retry),
		breaker: resilience.NewCircuitBreaker(cfg.Name,
			cfg.CircuitBreaker.FailureThreshold,
			cfg.CircuitBreaker.Timeout,
			resilience.WithBreakerClock(m.now),
			resilience.WithStateChange(m.breakerChanged),
		),
		limiter: resilience.NewRateLimiter(cfg.Name,
			cfg.RateLimit.MaxRequests,
			cfg.RateLimit.Window,
			resilience.WithRateLimiterClock(m.now),
		),
	}
	m.metrics.BreakerState(cfg.Name, resilience.Closed)

	m.logf("tokenmanager: server %s uses provider %s", cfg.Name, kind)
	return s, nil
}

func (m *Manager) defaultProvider(kind provider.Kind, _ *config.ServerConfig, client *http.Client) (provider.Provider, error) {
	opts := []provider.Option{provider.WithHTTPClient(client)}
	if m.logger != nil {
		opts = append(opts, provider.WithLogger(m.logger))
	}
	return provider.New(kind, append(opts, m.providerOptions...)...)
}

func (m *Manager) breakerChanged(name string, from, to resilience.State) {
	m.metrics.BreakerState(name, to)
	m.logf("tokenmanager: circuit breaker for %s changed from %s to %s", name, from, to)
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

// GetToken returns a valid access token for the server, fetching or
// refreshing it if necessary.
//
// Parameters:
//   - ctx: Context for the caller; cancelling it abandons the wait, not a shared fetch
//   - id: Configured server name
//
// Returns:
//   - string: Valid access token
//   - error: *tokenerr.Error describing why no token is available
func (m *Manager) GetToken(ctx context.Context, id string) (string, error) {
	tok, err := m.Token(ctx, id)
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

// Token is GetToken returning the full CachedToken.
func (m *Manager) Token(ctx context.Context, id string) (*CachedToken, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	s, err := m.server(id)
	if err != nil {
		m.recordError("unknown", err)
		return nil, err
	}

	// Fast path: a fresh cached token needs no coordination
	tok := m.lookup(ctx, s)
	now := m.now()
	if tok.Fresh(now) {
		s.update(func(st *serverStats) { st.cacheHits++ })
		m.metrics.CacheHit(id)
		m.metrics.GetToken(id, metrics.SourceCache, time.Since(start))
		return tok, nil
	}
	s.update(func(st *serverStats) { st.cacheMisses++ })
	m.metrics.CacheMiss(id)

	if s.cfg.ServeStale && tok.Usable(now) {
		m.refreshInBackground(ctx, s)
		m.metrics.GetToken(id, metrics.SourceStale, time.Since(start))
		return tok, nil
	}

	tok, err = m.wait(ctx, s, false)
	if err != nil {
		m.recordError(id, err)
		return nil, err
	}
	m.metrics.GetToken(id, metrics.SourceIssuer, time.Since(start))
	return tok, nil
}

// Refresh acquires a new token for the server even if a fresh one is cached.
func (m *Manager) Refresh(ctx context.Context, id string) (*CachedToken, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s, err := m.server(id)
	if err != nil {
		m.recordError("unknown", err)
		return nil, err
	}
	tok, err := m.wait(ctx, s, true)
	if err != nil {
		m.recordError(id, err)
		return nil, err
	}
	return tok, nil
}

// wait joins or starts the single flight for s. The flight runs detached
// from ctx; a caller whose ctx ends gets ctx.Err() while the flight goes on.
func (m *Manager) wait(ctx context.Context, s *server, force bool) (*CachedToken, error) {
	flightCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(s.cfg.Name, func() (any, error) {
		return m.acquire(flightCtx, s, force)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*CachedToken), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) refreshInBackground(ctx context.Context, s *server) {
	m.lifecycle.Lock()
	if m.closed.Load() || !s.refreshing.CompareAndSwap(false, true) {
		m.lifecycle.Unlock()
		return
	}
	m.background.Add(1)
	m.lifecycle.Unlock()

	flightCtx := context.WithoutCancel(ctx)
	go func() {
		defer m.background.Done()
		defer s.refreshing.Store(false)

		res := <-m.group.DoChan(s.cfg.Name, func() (any, error) {
			return m.acquire(flightCtx, s, false)
		})
		if res.Err != nil {
			m.logf("tokenmanager: background refresh for %s failed: %v", s.cfg.Name, res.Err)
		}
	}()
}

func (m *Manager) server(id string) (*server, error) {
	s, ok := m.servers[id]
	if !ok {
		return nil, &tokenerr.Error{
			Kind:    tokenerr.UnknownServer,
			Server:  id,
			Message: "server is not configured",
			Hint:    "configured servers: " + strings.Join(m.names, ", "),
		}
	}
	if m.closed.Load() {
		return nil, &tokenerr.Error{Kind: tokenerr.Internal, Server: id, Message: "token manager is closed"}
	}
	return s, nil
}

// acquire runs inside the single flight of s.
func (m *Manager) acquire(ctx context.Context, s *server, force bool) (*CachedToken, error) {
	name := s.cfg.Name
	acquisitionID := uuid.NewString()

	ctx, span := m.tracer.Start(ctx, "tokenmanager.acquire",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("tokenbroker.server", name),
			attribute.String("tokenbroker.provider", string(s.kind)),
			attribute.String("tokenbroker.acquisition_id", acquisitionID),
		),
	)
	defer span.End()

	// Double-check: another flight may have stored a token meanwhile
	if !force {
		if tok := m.lookup(ctx, s); tok.Fresh(m.now()) {
			span.SetAttributes(attribute.Bool("tokenbroker.cache_hit", true))
			return tok, nil
		}
	}

	if err := s.limiter.Allow(); err != nil {
		m.metrics.RateLimited(name)
		return nil, m.fail(span, s, acquisitionID, err)
	}
	if err := s.breaker.Allow(); err != nil {
		m.metrics.BreakerRejection(name)
		return nil, m.fail(span, s, acquisitionID, err)
	}

	start := time.Now()
	attempts := 0
	var tok *CachedToken

	retrier := resilience.NewRetrier(s.policy,
		resilience.WithSleeper(m.sleep),
		resilience.WithNotify(func(a resilience.Attempt) {
			m.metrics.Retry(name)
			span.AddEvent("retry", trace.WithAttributes(
				attribute.Int("attempt", a.Number),
				attribute.String("delay", a.Delay.String()),
			))
			m.logf("tokenmanager: [%s] attempt %d for %s failed, retrying in %s: %v", acquisitionID, a.Number, name, a.Delay, a.Err)
		}),
		// A breaker opened by this sequence ends it without another wait.
		resilience.WithStopWhen(func(error) bool {
			return s.breaker.State() == resilience.Open
		}),
	)

	err := retrier.Do(ctx, func(ctx context.Context) error {
		attempts++
		return s.breaker.Execute(func() error {
			t, err := m.attempt(ctx, s)
			if err != nil {
				return err
			}
			tok = t
			return nil
		})
	})
	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int("tokenbroker.attempts", attempts))

	if err != nil {
		// Execute can still reject a call that Allow admitted.
		if tokenerr.RootKind(err) == tokenerr.CircuitOpen {
			m.metrics.BreakerRejection(name)
			return nil, m.fail(span, s, acquisitionID, err)
		}
		m.metrics.Acquisition(name, metrics.OutcomeFailure, elapsed)
		s.update(func(st *serverStats) { st.failures++ })

		wrapped := &tokenerr.Error{
			Kind:     tokenerr.AcquisitionFailed,
			Server:   name,
			Provider: string(s.kind),
			Message:  fmt.Sprintf("after %d attempt(s)", attempts),
			Hint:     tokenerr.HintOf(err),
			Err:      err,
		}
		if root := tokenerr.Root(err); root != nil {
			wrapped.StatusCode = root.StatusCode
			wrapped.IssuerCode = root.IssuerCode
		}
		return nil, m.fail(span, s, acquisitionID, wrapped)
	}

	m.metrics.Acquisition(name, metrics.OutcomeSuccess, elapsed)
	m.metrics.TokenExpiry(name, tok.ExpiresAt)
	acquiredAt := m.now()
	s.update(func(st *serverStats) {
		st.acquisitions++
		st.lastOutcome = metrics.OutcomeSuccess
		st.lastError = ""
		st.lastErrorCode = ""
		st.lastAcquiredAt = acquiredAt
	})

	m.store(ctx, s, tok)

	span.SetAttributes(attribute.String("tokenbroker.token_fingerprint", tok.Fingerprint()))
	span.SetStatus(codes.Ok, "")
	m.logf("tokenmanager: [%s] obtained new access token %s for %s (expires: %s)",
		acquisitionID, tok.Fingerprint(), name, tok.ExpiresAt.Format(time.RFC3339))

	return tok, nil
}

// attempt performs one issuer call plus optional validation.
func (m *Manager) attempt(ctx context.Context, s *server) (*CachedToken, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	issuedAt := m.now()
	raw, err := s.provider.Acquire(ctx, s.cfg)
	if err != nil {
		return nil, s.annotate(err)
	}
	if raw == nil || raw.AccessToken == "" || raw.ExpiresIn <= 0 {
		return nil, s.annotate(&tokenerr.Error{
			Kind:    tokenerr.InvalidIssuerResponse,
			Message: "token response lacks access_token or a positive expires_in",
		})
	}

	tok := m.newCachedToken(s, raw, issuedAt)

	if s.cfg.JWT.Enabled {
		v, err := m.jwtValidator(s)
		if err != nil {
			return nil, s.annotate(err)
		}
		claims, err := v.Validate(ctx, raw.AccessToken)
		if err != nil {
			return nil, s.annotate(err)
		}
		tok.Claims = claims
	} else if claims, ok := validator.ParseUnverified(raw.AccessToken); ok {
		tok.Claims = claims
	}

	return tok, nil
}

func (m *Manager) newCachedToken(s *server, raw *provider.Token, issuedAt time.Time) *CachedToken {
	lifetime := raw.ExpiresIn
	buffer := s.cfg.RefreshBuffer
	if buffer >= lifetime {
		buffer = lifetime / 2
		m.logf("tokenmanager: token lifetime %s for %s is not longer than refresh_buffer %s, refreshing %s before expiry",
			lifetime, s.cfg.Name, s.cfg.RefreshBuffer, buffer)
	}

	tokenType := raw.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	expiresAt := issuedAt.Add(lifetime)

	return &CachedToken{
		Server:      s.cfg.Name,
		AccessToken: raw.AccessToken,
		TokenType:   tokenType,
		Scope:       raw.Scope,
		IssuedAt:    issuedAt,
		ExpiresAt:   expiresAt,
		RefreshAt:   expiresAt.Add(-buffer),
	}
}

// jwtValidator builds the validator on first use so that JWKS endpoints are
// not contacted at startup. A failed build is retried on the next call.
func (m *Manager) jwtValidator(s *server) (*validator.JWTValidator, error) {
	s.validatorMu.Lock()
	defer s.validatorMu.Unlock()

	if s.validator != nil {
		return s.validator, nil
	}

	cfg := validator.Config{
		JWKSURL:      s.cfg.JWT.JWKSURL,
		PublicKeyPEM: s.cfg.JWT.PublicKey,
		Issuer:       s.cfg.JWT.Issuer,
		Audience:     s.cfg.JWT.Audience,
		Algorithms:   s.cfg.JWT.Algorithms,
		HTTPClient:   s.client,
	}
	if m.logger != nil {
		cfg.Logger = m.logger
	}
	if keys, ok := s.provider.(provider.KeySource); ok {
		if cfg.JWKSURL == "" && cfg.PublicKeyPEM == "" {
			cfg.JWKSURL = keys.JWKSURL(s.cfg)
		}
		if cfg.Issuer == "" {
			cfg.Issuer = keys.Issuer(s.cfg)
		}
	}

	v, err := validator.New(cfg)
	if err != nil {
		return nil, err
	}
	s.validator = v
	return v, nil
}

func (m *Manager) lookup(ctx context.Context, s *server) *CachedToken {
	data, ok, err := m.cache.Get(ctx, cache.TokenKey(s.cfg.Name))
	if err != nil {
		m.logf("tokenmanager: cache read for %s failed: %v", s.cfg.Name, err)
		return nil
	}
	if !ok {
		return nil
	}

	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil || entry.Token == nil || entry.Server != s.cfg.Name {
		m.logf("tokenmanager: ignoring malformed cache entry for %s", s.cfg.Name)
		return nil
	}
	return entry.Token
}

func (m *Manager) store(ctx context.Context, s *server, tok *CachedToken) {
	ttl := tok.ExpiresAt.Sub(m.now()) - m.safetyMargin
	if ttl <= 0 {
		m.logf("tokenmanager: token for %s expires too soon to be cached", s.cfg.Name)
		return
	}

	data, err := json.Marshal(cacheEntry{Server: s.cfg.Name, Token: tok})
	if err != nil {
		m.logf("tokenmanager: encode cache entry for %s: %v", s.cfg.Name, err)
		return
	}
	if err := m.cache.Set(ctx, cache.TokenKey(s.cfg.Name), data, ttl); err != nil {
		m.logf("tokenmanager: cache write for %s failed: %v", s.cfg.Name, err)
	}
}

func (m *Manager) fail(span trace.Span, s *server, acquisitionID string, err error) error {
	code := ""
	if te := tokenerr.Root(err); te != nil {
		code = te.ErrorCode()
	}
	s.update(func(st *serverStats) {
		st.lastOutcome = metrics.OutcomeFailure
		st.lastError = err.Error()
		st.lastErrorCode = code
	})

	span.RecordError(err)
	span.SetStatus(codes.Error, tokenerr.RootKind(err).String())
	m.logf("tokenmanager: [%s] no token for %s: %v", acquisitionID, s.cfg.Name, err)
	return err
}

func (m *Manager) recordError(server string, err error) {
	if m.metrics == nil {
		return
	}
	root := tokenerr.Root(err)
	if root == nil {
		// caller context ended
		m.metrics.Error(server, "canceled", "")
		return
	}
	m.metrics.Error(server, root.Kind.Label(), root.ErrorCode())
}

func (s *server) annotate(err error) error {
	var te *tokenerr.Error
	if !errors.As(err, &te) {
		return &tokenerr.Error{
			Kind:     tokenerr.Internal,
			Server:   s.cfg.Name,
			Provider: string(s.kind),
			Message:  "provider failed",
			Err:      err,
		}
	}
	if te.Server == "" {
		te.Server = s.cfg.Name
	}
	if te.Provider == "" {
		te.Provider = string(s.kind)
	}
	return err
}

func (s *server) update(fn func(*serverStats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.mu.Unlock()
}

// Invalidate drops the cached token of a server.
func (m *Manager) Invalidate(ctx context.Context, id string) error {
	s, err := m.server(id)
	if err != nil {
		return err
	}
	if err := m.cache.Delete(ctx, cache.TokenKey(s.cfg.Name)); err != nil {
		return fmt.Errorf("tokenmanager: invalidate %s: %w", id, err)
	}
	return nil
}

// Servers returns the configured server names in sorted order.
func (m *Manager) Servers() []string {
	return append([]string(nil), m.names...)
}

// ServerConfig returns a copy of the effective configuration of a server,
// with defaults applied.
func (m *Manager) ServerConfig(id string) (*config.ServerConfig, bool) {
	s, ok := m.servers[id]
	if !ok {
		return nil, false
	}
	cfg := *s.cfg
	return &cfg, true
}

// ServerConfigs returns copies of all effective server configurations in
// name order.
func (m *Manager) ServerConfigs() []*config.ServerConfig {
	configs := make([]*config.ServerConfig, 0, len(m.names))
	for _, name := range m.names {
		cfg, _ := m.ServerConfig(name)
		configs = append(configs, cfg)
	}
	return configs
}

// Close waits for background refreshes, stops JWKS refreshers and closes
// the cache if the manager created it. GetToken fails after Close.
func (m *Manager) Close() error {
	m.lifecycle.Lock()
	if m.closed.Load() {
		m.lifecycle.Unlock()
		return nil
	}
	m.closed.Store(true)
	m.lifecycle.Unlock()

	m.background.Wait()

	for _, s := range m.servers {
		s.validatorMu.Lock()
		if s.validator != nil {
			s.validator.Close()
			s.validator = nil
		}
		s.validatorMu.Unlock()
	}

	if m.ownsCache {
		return m.cache.Close()
	}
	return nil
}
