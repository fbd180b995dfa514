package tokenmanager

import (
	"context"
	"time"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/metrics"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/resilience"
)

// ServerStatus is a point-in-time view of one server. It never carries the
// raw token.
type ServerStatus struct {
	Name                string     `json:"name"`
	URL                 string     `json:"url,omitempty"`
	Provider            string     `json:"provider"`
	Healthy             bool       `json:"healthy"`
	CircuitState        string     `json:"circuit_state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	BreakerRejections   uint64     `json:"breaker_rejections"`
	CacheHits           uint64     `json:"cache_hits"`
	CacheMisses         uint64     `json:"cache_misses"`
	Acquisitions        uint64     `json:"acquisitions"`
	Failures            uint64     `json:"failures"`
	LastOutcome         string     `json:"last_outcome,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	LastErrorCode       string     `json:"last_error_code,omitempty"`
	LastAcquiredAt      *time.Time `json:"last_acquired_at,omitempty"`
	HasToken            bool       `json:"has_token"`
	TokenExpiresAt      *time.Time `json:"token_expires_at,omitempty"`
	TokenFingerprint    string     `json:"token_fingerprint,omitempty"`
	RateLimitRemaining  int        `json:"rate_limit_remaining"`
}

// Status summarises every server.
type Status struct {
	Healthy bool           `json:"healthy"`
	Servers []ServerStatus `json:"servers"`
}

// Status returns the status of all servers in name order.
func (m *Manager) Status(ctx context.Context) Status {
	st := Status{Healthy: true, Servers: make([]ServerStatus, 0, len(m.names))}
	for _, name := range m.names {
		ss := m.serverStatus(ctx, m.servers[name])
		if !ss.Healthy {
			st.Healthy = false
		}
		st.Servers = append(st.Servers, ss)
	}
	return st
}

// ServerStatus returns the status of one server.
func (m *Manager) ServerStatus(ctx context.Context, id string) (ServerStatus, error) {
	s, err := m.server(id)
	if err != nil {
		return ServerStatus{}, err
	}
	return m.serverStatus(ctx, s), nil
}

func (m *Manager) serverStatus(ctx context.Context, s *server) ServerStatus {
	breaker := s.breaker.Snapshot()

	s.mu.Lock()
	stats := s.stats
	s.mu.Unlock()

	ss := ServerStatus{
		Name:                s.cfg.Name,
		URL:                 s.cfg.URL,
		Provider:            string(s.kind),
		CircuitState:        breaker.State.String(),
		ConsecutiveFailures: breaker.ConsecutiveFailures,
		BreakerRejections:   breaker.Rejections,
		CacheHits:           stats.cacheHits,
		CacheMisses:         stats.cacheMisses,
		Acquisitions:        stats.acquisitions,
		Failures:            stats.failures,
		LastOutcome:         stats.lastOutcome,
		LastError:           stats.lastError,
		LastErrorCode:       stats.lastErrorCode,
		RateLimitRemaining:  s.limiter.Remaining(),
	}
	if !stats.lastAcquiredAt.IsZero() {
		at := stats.lastAcquiredAt
		ss.LastAcquiredAt = &at
	}

	if tok := m.lookup(ctx, s); tok.Usable(m.now()) {
		ss.HasToken = true
		expiresAt := tok.ExpiresAt
		ss.TokenExpiresAt = &expiresAt
		ss.TokenFingerprint = tok.Fingerprint()
	}

	ss.Healthy = breaker.State != resilience.Open &&
		(stats.lastOutcome != metrics.OutcomeFailure || ss.HasToken)
	return ss
}
