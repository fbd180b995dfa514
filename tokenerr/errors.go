package tokenerr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies a token acquisition failure.
//
// Kind implements error so it can be used directly as a sentinel:
//
//	if errors.Is(err, tokenerr.CircuitOpen) { ... }
type Kind uint8

const (
	// Internal is the zero value and marks unexpected failures.
	Internal Kind = iota
	// Configuration means the server configuration is invalid or incomplete.
	Configuration
	// UnknownServer means no configuration exists for the requested server.
	UnknownServer
	// Network covers timeouts, connection and TLS failures, HTTP 5xx and 429.
	Network
	// Authorization means the issuer rejected the credentials or the scope.
	Authorization
	// InvalidIssuerResponse means the issuer answered with an unusable body.
	InvalidIssuerResponse
	// TokenValidation means a JWT failed signature or claim checks.
	TokenValidation
	// CircuitOpen means the server's circuit breaker rejected the call.
	CircuitOpen
	// RateLimited means the server's acquisition rate limit was exceeded.
	RateLimited
	// AcquisitionFailed wraps the final cause of an unsuccessful acquisition.
	AcquisitionFailed
)

var kindNames = map[Kind]string{
	Internal:              "internal error",
	Configuration:         "configuration error",
	UnknownServer:         "unknown server",
	Network:               "network error",
	Authorization:         "authorization error",
	InvalidIssuerResponse: "invalid issuer response",
	TokenValidation:       "token validation failed",
	CircuitOpen:           "circuit breaker open",
	RateLimited:           "rate limit exceeded",
	AcquisitionFailed:     "token acquisition failed",
}

// String returns a human readable name for the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error implements the error interface.
func (k Kind) Error() string {
	return "tokenerr: " + k.String()
}

var kindLabels = map[Kind]string{
	Internal:              "internal",
	Configuration:         "configuration",
	UnknownServer:         "unknown_server",
	Network:               "network",
	Authorization:         "authorization",
	InvalidIssuerResponse: "invalid_response",
	TokenValidation:       "validation",
	CircuitOpen:           "circuit_open",
	RateLimited:           "rate_limited",
	AcquisitionFailed:     "acquisition_failed",
}

// Label returns a metric-friendly label such as "circuit_open".
func (k Kind) Label() string {
	if label, ok := kindLabels[k]; ok {
		return label
	}
	return "unknown"
}

// Code returns the stable error code reported for the kind.
func (k Kind) Code() string {
	switch k {
	case Configuration:
		return "CFG-001"
	case UnknownServer:
		return "CFG-002"
	case AcquisitionFailed:
		return "TOK-001"
	case TokenValidation:
		return "TOK-004"
	case InvalidIssuerResponse:
		return "TOK-005"
	case Network:
		return "NET-001"
	case Authorization:
		return "AUTH-001"
	case CircuitOpen:
		return "AUTH-003"
	case RateLimited:
		return "RATE-001"
	default:
		return "INT-001"
	}
}

// HTTPStatus maps the kind to the status code used by HTTP surfaces.
func (k Kind) HTTPStatus() int {
	switch k {
	case Configuration, Internal:
		return http.StatusInternalServerError
	case UnknownServer:
		return http.StatusNotFound
	case Network, InvalidIssuerResponse:
		return http.StatusBadGateway
	case Authorization, TokenValidation:
		return http.StatusUnauthorized
	case CircuitOpen, AcquisitionFailed:
		return http.StatusServiceUnavailable
	case RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is the structured error returned by every package of this module.
type Error struct {
	Kind       Kind
	Code       string // stable code, defaults to Kind.Code()
	Server     string // server identifier, if known
	Provider   string // provider kind, if known
	Message    string
	Hint       string // troubleshooting guidance
	StatusCode int    // HTTP status returned by the issuer, if any
	IssuerCode string // OAuth error field returned by the issuer, if any
	Err        error
}

// New creates an Error of the given kind.
func New(kind Kind, server, message string) *Error {
	return &Error{Kind: kind, Server: server, Message: message}
}

// Wrap creates an Error of the given kind wrapping err.
func Wrap(kind Kind, server string, err error) *Error {
	return &Error{Kind: kind, Server: server, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("tokenerr: ")
	b.WriteString(e.Kind.String())
	if e.Server != "" {
		b.WriteString(" for server ")
		b.WriteString(e.Server)
	}
	b.WriteString(" [")
	b.WriteString(e.ErrorCode())
	b.WriteString("]")
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// ErrorCode returns Code or the default code of the kind.
func (e *Error) ErrorCode() string {
	if e.Code != "" {
		return e.Code
	}
	return e.Kind.Code()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the Kind of this error.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// HTTPStatus returns the status code used when surfacing this error over HTTP.
func (e *Error) HTTPStatus() int {
	return e.Kind.HTTPStatus()
}

// KindOf returns the Kind of the outermost Error or Kind in err's chain.
// It returns Internal when err carries no classification.
func KindOf(err error) Kind {
	if err == nil {
		return Internal
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Internal
}

// RootKind returns the Kind of the innermost Error in err's chain. For an
// AcquisitionFailed error this is the kind of the underlying cause.
func RootKind(err error) Kind {
	kind := KindOf(err)
	for err != nil {
		var te *Error
		if !errors.As(err, &te) {
			var k Kind
			if errors.As(err, &k) {
				kind = k
			}
			break
		}
		kind = te.Kind
		err = te.Err
	}
	return kind
}

// Retryable reports whether err is worth retrying. Only network-level
// failures are retried.
func Retryable(err error) bool {
	return RootKind(err) == Network
}

// HintOf returns the first troubleshooting hint found in err's chain.
func HintOf(err error) string {
	for err != nil {
		var te *Error
		if !errors.As(err, &te) {
			return ""
		}
		if te.Hint != "" {
			return te.Hint
		}
		err = te.Err
	}
	return ""
}

// Root returns the innermost *Error in the chain of err, or nil.
func Root(err error) *Error {
	var root *Error
	for err != nil {
		var te *Error
		if !errors.As(err, &te) {
			break
		}
		root = te
		err = te.Err
	}
	return root
}
