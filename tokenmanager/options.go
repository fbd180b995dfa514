package tokenmanager

import (
	"log"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/cache"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/config"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/metrics"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/provider"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/resilience"
)

// Logger is an interface for optional logging in Manager.
// Implementations can log acquisition and refresh events if desired.
type Logger interface {
	Printf(format string, args ...any)
}

// ProviderFactory creates the provider for a resolved server configuration.
// client is the issuer HTTP client built for that server.
type ProviderFactory func(kind provider.Kind, cfg *config.ServerConfig, client *http.Client) (provider.Provider, error)

// Option is a functional option for configuring Manager.
type Option func(*Manager)

// WithCache sets the token cache backend. The caller keeps ownership and
// closes it. Without this option an in-process cache is created.
func WithCache(backend cache.Backend) Option {
	return func(m *Manager) {
		m.cache = backend
	}
}

// WithLogger sets a custom logger for acquisition events.
// If not set, no logging will occur.
func WithLogger(logger Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithLoggingEnabled enables logging using the default Go log package.
// This is a convenience option that sets the logger to log.Default().
func WithLoggingEnabled() Option {
	return func(m *Manager) {
		m.logger = log.Default()
	}
}

// WithMetrics records token lifecycle metrics on collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(m *Manager) {
		m.metrics = collector
	}
}

// WithHTTPClient uses client for every issuer instead of building one per
// server from its TLS settings.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) {
		m.httpClient = client
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider. The global
// provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) {
		m.tracerProvider = tp
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithRetrySleeper replaces the wait between retries, mainly for tests.
func WithRetrySleeper(sleep resilience.Sleeper) Option {
	return func(m *Manager) {
		m.sleep = sleep
	}
}

// WithProviderFactory registers a custom provider constructor. The default
// factory is provider.New.
func WithProviderFactory(factory ProviderFactory) Option {
	return func(m *Manager) {
		m.providerFactory = factory
	}
}

// WithProviderOptions passes extra options to the default provider factory.
func WithProviderOptions(opts ...provider.Option) Option {
	return func(m *Manager) {
		m.providerOptions = append(m.providerOptions, opts...)
	}
}

// WithCacheSafetyMargin sets how long before expiry a cache entry is
// dropped. Default is 10 seconds.
func WithCacheSafetyMargin(margin time.Duration) Option {
	return func(m *Manager) {
		m.safetyMargin = margin
	}
}
