package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/metrics"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/tokenerr"
	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/tokenmanager"
)

// APIVersion is reported in every response envelope.
const APIVersion = "v1"

// Manager is the part of *tokenmanager.Manager the admin surface needs.
type Manager interface {
	Status(ctx context.Context) tokenmanager.Status
	ServerStatus(ctx context.Context, id string) (tokenmanager.ServerStatus, error)
	Refresh(ctx context.Context, id string) (*tokenmanager.CachedToken, error)
}

// Logger is an interface for optional logging.
type Logger interface {
	Printf(format string, args ...any)
}

// Server serves status, connectivity tests and metrics of a token manager.
type Server struct {
	manager   Manager
	metrics   *metrics.Collector
	logger    Logger
	version   string
	now       func() time.Time
	authorize func(http.Handler) http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a logger for request failures.
func WithLogger(logger Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithLoggingEnabled logs using log.Default().
func WithLoggingEnabled() Option {
	return func(s *Server) {
		s.logger = log.Default()
	}
}

// WithMetrics exposes the collector on GET /metrics.
func WithMetrics(collector *metrics.Collector) Option {
	return func(s *Server) {
		s.metrics = collector
	}
}

// WithVersion sets the version reported in response envelopes.
func WithVersion(version string) Option {
	return func(s *Server) {
		s.version = version
	}
}

// WithClock overrides the time source for envelope timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithAuthentication requires a valid bearer token on every endpoint except
// GET /health and GET /metrics.
func WithAuthentication(validator TokenValidator, opts ...MiddlewareOption) Option {
	return func(s *Server) {
		opts = append([]MiddlewareOption{WithExemptPaths("/health", "/metrics")}, opts...)
		s.authorize = Middleware(validator, opts...)
	}
}

// New creates an admin server for manager.
func New(manager Manager, opts ...Option) *Server {
	s := &Server{
		manager: manager,
		version: "dev",
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler with all routes registered.
//
// Routes:
//   - GET /health: 200 when every server is healthy, 503 otherwise
//   - GET /status: status of every server
//   - GET /servers: configured servers
//   - GET /servers/{name}: status of one server
//   - POST /servers/{name}/test: forces a token acquisition
//   - GET /metrics: Prometheus exposition
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /servers", s.handleServers)
	mux.HandleFunc("GET /servers/{name}", s.handleServer)
	mux.HandleFunc("POST /servers/{name}/test", s.handleTest)
	mux.Handle("GET /metrics", s.metrics.Handler())

	if s.authorize != nil {
		return s.authorize(mux)
	}
	return mux
}

type envelope struct {
	Version    string    `json:"version"`
	APIVersion string    `json:"api_version"`
	Timestamp  time.Time `json:"timestamp"`
	Data       any       `json:"data,omitempty"`
	Error      *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Server  string `json:"server,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

// serverSummary is one entry of GET /servers.
type serverSummary struct {
	Name         string `json:"name"`
	URL          string `json:"url,omitempty"`
	Provider     string `json:"provider"`
	Healthy      bool   `json:"healthy"`
	CircuitState string `json:"circuit_state"`
	HasToken     bool   `json:"has_token"`
}

// testResult is the body of POST /servers/{name}/test.
type testResult struct {
	Server           string     `json:"server"`
	Success          bool       `json:"success"`
	DurationMillis   int64      `json:"duration_ms"`
	TokenFingerprint string     `json:"token_fingerprint,omitempty"`
	TokenType        string     `json:"token_type,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	ExpiresIn        int64      `json:"expires_in_seconds,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.manager.Status(r.Context())
	code := http.StatusOK
	state := "healthy"
	if !st.Healthy {
		code = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	s.writeJSON(w, code, map[string]string{"status": state})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.manager.Status(r.Context()))
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	st := s.manager.Status(r.Context())
	list := make([]serverSummary, 0, len(st.Servers))
	for _, ss := range st.Servers {
		list = append(list, serverSummary{
			Name:         ss.Name,
			URL:          ss.URL,
			Provider:     ss.Provider,
			Healthy:      ss.Healthy,
			CircuitState: ss.CircuitState,
			HasToken:     ss.HasToken,
		})
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleServer(w http.ResponseWriter, r *http.Request) {
	ss, err := s.manager.ServerStatus(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ss)
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	start := s.now()

	tok, err := s.manager.Refresh(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	expiresAt := tok.ExpiresAt
	s.writeJSON(w, http.StatusOK, testResult{
		Server:           name,
		Success:          true,
		DurationMillis:   s.now().Sub(start).Milliseconds(),
		TokenFingerprint: tok.Fingerprint(),
		TokenType:        tok.TokenType,
		ExpiresAt:        &expiresAt,
		ExpiresIn:        int64(expiresAt.Sub(s.now()).Seconds()),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, data any) {
	s.write(w, code, envelope{Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var code int
	body := &apiError{Message: err.Error()}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
		body.Code = tokenerr.Internal.Code()
		body.Kind = "canceled"
	default:
		// The innermost error names the actual cause of a failed acquisition.
		kind := tokenerr.RootKind(err)
		code = kind.HTTPStatus()
		body.Code = kind.Code()
		body.Kind = kind.Label()
		if root := tokenerr.Root(err); root != nil {
			body.Code = root.ErrorCode()
		}

		var te *tokenerr.Error
		if errors.As(err, &te) {
			body.Server = te.Server
		}
		body.Hint = tokenerr.HintOf(err)
	}

	if s.logger != nil {
		s.logger.Printf("admin: %s %s failed: %v", r.Method, r.URL.Path, err)
	}
	s.write(w, code, envelope{Error: body})
}

func (s *Server) write(w http.ResponseWriter, code int, env envelope) {
	env.Version = s.version
	env.APIVersion = APIVersion
	env.Timestamp = s.now().UTC()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(env); err != nil && s.logger != nil {
		s.logger.Printf("admin: encode response: %v", err)
	}
}
