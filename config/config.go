package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/tokenerr"
)

// Default policy values applied by ApplyDefaults.
const (
	DefaultRefreshBuffer           = 5 * time.Minute
	DefaultTimeout                 = 30 * time.Second
	DefaultRetryStrategy           = RetryExponential
	DefaultRetryMaxAttempts        = 3
	DefaultRetryInitialDelay       = time.Second
	DefaultRetryMultiplier         = 2.0
	DefaultRetryMaxDelay           = 30 * time.Second
	DefaultBreakerFailureThreshold = 5
	DefaultBreakerTimeout          = 60 * time.Second
	DefaultRateLimitMaxRequests    = 10
	DefaultRateLimitWindow         = time.Minute
	DefaultValkeyKeyPrefix         = "tokenbroker:"
	DefaultAdminListen             = "127.0.0.1:8042"
)

// ManagedIdentitySecret is the client secret marker that selects the
// platform-issued identity instead of a client secret.
const ManagedIdentitySecret = "managed-identity"

// Retry strategies.
const (
	RetryFixed       = "fixed"
	RetryLinear      = "linear"
	RetryExponential = "exponential"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheValkey = "valkey"
)

// Config is the top-level configuration document.
type Config struct {
	LogLevel string                   `yaml:"log_level"`
	Admin    AdminConfig              `yaml:"admin"`
	Cache    CacheConfig              `yaml:"cache"`
	Servers  map[string]*ServerConfig `yaml:"servers"`
}

// AdminConfig configures the status and metrics HTTP surface.
type AdminConfig struct {
	Listen string          `yaml:"listen"`
	TLS    AdminTLSConfig  `yaml:"tls"`
	Auth   AdminAuthConfig `yaml:"auth"`
}

// AdminTLSConfig enables TLS on the admin listener. Setting CAFile requires
// and verifies client certificates.
type AdminTLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// Enabled reports whether TLS is configured.
func (t AdminTLSConfig) Enabled() bool {
	return t.CertFile != "" || t.KeyFile != ""
}

// AdminAuthConfig protects admin endpoints with bearer JWTs.
type AdminAuthConfig struct {
	Enabled       bool     `yaml:"enabled"`
	JWKSURL       string   `yaml:"jwks_url"`
	PublicKey     string   `yaml:"public_key"`
	Issuer        string   `yaml:"issuer"`
	Audience      string   `yaml:"audience"`
	Algorithms    []string `yaml:"algorithms"`
	RequiredScope string   `yaml:"required_scope"`
}

// CacheConfig selects and configures the token cache backend.
type CacheConfig struct {
	Backend string       `yaml:"backend"`
	Valkey  ValkeyConfig `yaml:"valkey"`
}

// ValkeyConfig configures the shared cache backend.
type ValkeyConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	TLS       bool   `yaml:"tls"`
}

// ServerConfig describes one upstream server and how to obtain tokens for it.
// A ServerConfig is treated as immutable once it has been handed to a manager.
type ServerConfig struct {
	Name          string `yaml:"-"`
	URL           string `yaml:"url"`
	TokenEndpoint string `yaml:"token_endpoint"`
	Provider      string `yaml:"provider"`
	ClientID      string `yaml:"client_id"`
	ClientSecret  string `yaml:"client_secret"`
	Scope         string `yaml:"scope"`
	Audience      string `yaml:"audience"`

	// Provider specific settings.
	TenantID           string `yaml:"tenant_id"`
	Region             string `yaml:"region"`
	Domain             string `yaml:"domain"`
	ServiceAccountJSON string `yaml:"service_account_json"`
	ServiceAccountFile string `yaml:"service_account_file"`

	RefreshBuffer time.Duration `yaml:"refresh_buffer"`
	Timeout       time.Duration `yaml:"timeout"`
	VerifyTLS     *bool         `yaml:"verify_tls"`
	CAFile        string        `yaml:"ca_file"`
	ServeStale    bool          `yaml:"serve_stale"`

	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	JWT            JWTConfig            `yaml:"jwt"`
}

// RetryConfig describes the retry policy around issuer calls.
type RetryConfig struct {
	Strategy     string        `yaml:"strategy"`
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Increment    time.Duration `yaml:"increment"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig describes the per-server circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// RateLimitConfig bounds acquisition attempts per window. MaxRequests < 0
// disables limiting.
type RateLimitConfig struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// JWTConfig enables local validation of acquired tokens.
type JWTConfig struct {
	Enabled    bool     `yaml:"enabled"`
	JWKSURL    string   `yaml:"jwks_url"`
	PublicKey  string   `yaml:"public_key"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	Algorithms []string `yaml:"algorithms"`
}

// TLSVerify reports whether issuer certificates are verified. Defaults to true.
func (s *ServerConfig) TLSVerify() bool {
	return s.VerifyTLS == nil || *s.VerifyTLS
}

// UsesManagedIdentity reports whether the server authenticates with a
// platform-issued identity rather than a client secret.
func (s *ServerConfig) UsesManagedIdentity() bool {
	return s.ClientSecret == ManagedIdentitySecret || s.Provider == "azure_managed_identity"
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &tokenerr.Error{
			Kind:    tokenerr.Configuration,
			Message: fmt.Sprintf("read config file %s", path),
			Hint:    "check the --config flag or the TOKENBROKER_CONFIG environment variable",
			Err:     err,
		}
	}
	return Parse(data)
}

// Parse decodes a YAML configuration document, expands ${VAR} references,
// applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &tokenerr.Error{
			Kind:    tokenerr.Configuration,
			Message: "decode config",
			Hint:    "the configuration must be a YAML document with a servers map",
			Err:     err,
		}
	}

	for name, server := range cfg.Servers {
		if server == nil {
			server = &ServerConfig{}
			cfg.Servers[name] = server
		}
		server.Name = name
	}

	if err := cfg.expandEnv(); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ServerNames returns the configured server names in sorted order.
func (c *Config) ServerNames() []string {
	names := make([]string, 0, len(c.Servers))
	for name := range c.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServerList returns the server configurations sorted by name.
func (c *Config) ServerList() []*ServerConfig {
	list := make([]*ServerConfig, 0, len(c.Servers))
	for _, name := range c.ServerNames() {
		list = append(list, c.Servers[name])
	}
	return list
}

// ApplyDefaults fills unset fields with their default values.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Admin.Listen == "" {
		c.Admin.Listen = DefaultAdminListen
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = CacheMemory
	}
	if c.Cache.Valkey.KeyPrefix == "" {
		c.Cache.Valkey.KeyPrefix = DefaultValkeyKeyPrefix
	}
	for _, server := range c.Servers {
		server.ApplyDefaults()
	}
}

// ApplyDefaults fills unset fields of the server with their default values.
func (s *ServerConfig) ApplyDefaults() {
	if s.Provider == "" {
		s.Provider = "auto"
	}
	if s.RefreshBuffer == 0 {
		s.RefreshBuffer = DefaultRefreshBuffer
	}
	if s.Timeout == 0 {
		s.Timeout = DefaultTimeout
	}

	if s.Retry.Strategy == "" {
		s.Retry.Strategy = DefaultRetryStrategy
	}
	if s.Retry.MaxAttempts == 0 {
		s.Retry.MaxAttempts = DefaultRetryMaxAttempts
	}
	if s.Retry.InitialDelay == 0 {
		s.Retry.InitialDelay = DefaultRetryInitialDelay
	}
	if s.Retry.Increment == 0 {
		s.Retry.Increment = s.Retry.InitialDelay
	}
	if s.Retry.Multiplier == 0 {
		s.Retry.Multiplier = DefaultRetryMultiplier
	}
	if s.Retry.MaxDelay == 0 {
		s.Retry.MaxDelay = DefaultRetryMaxDelay
	}

	if s.CircuitBreaker.FailureThreshold == 0 {
		s.CircuitBreaker.FailureThreshold = DefaultBreakerFailureThreshold
	}
	if s.CircuitBreaker.Timeout == 0 {
		s.CircuitBreaker.Timeout = DefaultBreakerTimeout
	}

	if s.RateLimit.MaxRequests == 0 {
		s.RateLimit.MaxRequests = DefaultRateLimitMaxRequests
	}
	if s.RateLimit.Window == 0 {
		s.RateLimit.Window = DefaultRateLimitWindow
	}
}

// Validate checks the whole document and returns the first problem found.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return &tokenerr.Error{
			Kind:    tokenerr.Configuration,
			Message: "no servers configured",
			Hint:    "add at least one entry under servers",
		}
	}

	if c.Admin.TLS.Enabled() && (c.Admin.TLS.CertFile == "" || c.Admin.TLS.KeyFile == "") {
		return &tokenerr.Error{
			Kind:    tokenerr.Configuration,
			Message: "admin.tls requires both cert_file and key_file",
		}
	}
	if c.Admin.Auth.Enabled {
		if c.Admin.Auth.JWKSURL == "" && c.Admin.Auth.PublicKey == "" {
			return &tokenerr.Error{
				Kind:    tokenerr.Configuration,
				Message: "admin.auth requires jwks_url or public_key",
			}
		}
		if c.Admin.Auth.JWKSURL != "" {
			if err := validateHTTPURL(c.Admin.Auth.JWKSURL); err != nil {
				return &tokenerr.Error{
					Kind:    tokenerr.Configuration,
					Message: fmt.Sprintf("admin.auth.jwks_url: %v", err),
				}
			}
		}
	}

	switch c.Cache.Backend {
	case CacheMemory:
	case CacheValkey:
		if c.Cache.Valkey.Address == "" {
			return &tokenerr.Error{
				Kind:    tokenerr.Configuration,
				Message: "cache.valkey.address is required for the valkey backend",
			}
		}
	default:
		return &tokenerr.Error{
			Kind:    tokenerr.Configuration,
			Message: fmt.Sprintf("unknown cache backend %q", c.Cache.Backend),
			Hint:    "use memory or valkey",
		}
	}

	for _, server := range c.ServerList() {
		if err := server.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks a single server configuration.
func (s *ServerConfig) Validate() error {
	invalid := func(format string, args ...any) error {
		return &tokenerr.Error{
			Kind:    tokenerr.Configuration,
			Server:  s.Name,
			Message: fmt.Sprintf(format, args...),
		}
	}

	if strings.TrimSpace(s.Name) == "" {
		return invalid("server name is required")
	}
	if s.URL != "" {
		if err := validateHTTPURL(s.URL); err != nil {
			return invalid("url: %v", err)
		}
	}
	if s.TokenEndpoint != "" {
		if err := validateHTTPURL(s.TokenEndpoint); err != nil {
			return invalid("token_endpoint: %v", err)
		}
	}

	if !s.UsesManagedIdentity() {
		if s.ClientID == "" && s.ServiceAccountJSON == "" && s.ServiceAccountFile == "" {
			return invalid("client_id is required")
		}
		if s.ClientSecret == "" && s.ServiceAccountJSON == "" && s.ServiceAccountFile == "" {
			return invalid("client_secret is required")
		}
	}

	if s.RefreshBuffer < 0 {
		return invalid("refresh_buffer must not be negative")
	}
	if s.Timeout <= 0 {
		return invalid("timeout must be positive")
	}

	switch s.Retry.Strategy {
	case RetryFixed, RetryLinear, RetryExponential:
	default:
		return invalid("unknown retry strategy %q", s.Retry.Strategy)
	}
	if s.Retry.MaxAttempts < 1 {
		return invalid("retry.max_attempts must be at least 1")
	}
	if s.Retry.InitialDelay < 0 || s.Retry.Increment < 0 || s.Retry.MaxDelay < 0 {
		return invalid("retry delays must not be negative")
	}
	if s.Retry.Multiplier < 1 {
		return invalid("retry.multiplier must be at least 1")
	}

	if s.CircuitBreaker.FailureThreshold < 1 {
		return invalid("circuit_breaker.failure_threshold must be at least 1")
	}
	if s.CircuitBreaker.Timeout <= 0 {
		return invalid("circuit_breaker.timeout must be positive")
	}

	if s.RateLimit.MaxRequests > 0 && s.RateLimit.Window <= 0 {
		return invalid("rate_limit.window must be positive")
	}

	if s.JWT.Enabled && s.JWT.JWKSURL != "" {
		if err := validateHTTPURL(s.JWT.JWKSURL); err != nil {
			return invalid("jwt.jwks_url: %v", err)
		}
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ExpandEnv replaces ${VAR} references with environment values. A reference
// to an unset variable is an error.
func ExpandEnv(value string) (string, error) {
	var missing string
	expanded := envPattern.ReplaceAllStringFunc(value, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		v, ok := os.LookupEnv(name)
		if !ok {
			if missing == "" {
				missing = name
			}
			return match
		}
		return v
	})
	if missing != "" {
		return "", fmt.Errorf("environment variable %s is not set", missing)
	}
	return expanded, nil
}

func (c *Config) expandEnv() error {
	for _, field := range []*string{&c.Cache.Valkey.Address, &c.Cache.Valkey.Password} {
		v, err := ExpandEnv(*field)
		if err != nil {
			return &tokenerr.Error{Kind: tokenerr.Configuration, Message: "cache.valkey", Err: err}
		}
		*field = v
	}
	for _, field := range []*string{&c.Admin.Auth.JWKSURL, &c.Admin.Auth.PublicKey, &c.Admin.Auth.Issuer, &c.Admin.Auth.Audience} {
		v, err := ExpandEnv(*field)
		if err != nil {
			return &tokenerr.Error{Kind: tokenerr.Configuration, Message: "admin.auth", Err: err}
		}
		*field = v
	}

	for _, server := range c.Servers {
		fields := []*string{
			&server.URL, &server.TokenEndpoint, &server.ClientID, &server.ClientSecret,
			&server.Scope, &server.Audience, &server.TenantID, &server.Region, &server.Domain,
			&server.ServiceAccountJSON, &server.ServiceAccountFile, &server.CAFile,
			&server.JWT.JWKSURL, &server.JWT.PublicKey, &server.JWT.Issuer, &server.JWT.Audience,
		}
		for _, field := range fields {
			v, err := ExpandEnv(*field)
			if err != nil {
				return &tokenerr.Error{
					Kind:   tokenerr.Configuration,
					Server: server.Name,
					Hint:   "export the variable or remove the reference",
					Err:    err,
				}
			}
			*field = v
		}
	}
	return nil
}
