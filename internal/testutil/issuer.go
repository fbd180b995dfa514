package testutil

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"
)

// NewLocalHTTPServer starts an HTTP server bound to IPv4 loopback only.
// The sandbox blocks IPv6 listeners, so force tcp4 to keep tests runnable.
func NewLocalHTTPServer(tb testing.TB, handler http.Handler) *httptest.Server {
	tb.Helper()

	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("failed to create IPv4 listener: %v", err)
	}

	server := httptest.NewUnstartedServer(handler)
	server.Listener = listener
	server.Start()
	tb.Cleanup(server.Close)

	return server
}

// RoundTripFunc allows inlining http.RoundTripper implementations.
type RoundTripFunc func(*http.Request) (*http.Response, error)

// RoundTrip calls the underlying function.
func (f RoundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// StaticJSONResponse returns a RoundTripper that always responds with the provided JSON body.
func StaticJSONResponse(body string) RoundTripFunc {
	return func(req *http.Request) (*http.Response, error) {
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"application/json"}},
			Body:       io.NopCloser(strings.NewReader(body)),
			Request:    req,
		}, nil
	}
}

// Response is one scripted answer of an Issuer.
type Response struct {
	Status int
	Body   string
	Delay  time.Duration
}

// TokenResponse returns a successful token response.
func TokenResponse(accessToken string, expiresIn int) Response {
	return Response{
		Status: http.StatusOK,
		Body:   fmt.Sprintf(`{"access_token":%q,"token_type":"Bearer","expires_in":%d}`, accessToken, expiresIn),
	}
}

// ErrorResponse returns an OAuth error response.
func ErrorResponse(status int, code, description string) Response {
	return Response{
		Status: status,
		Body:   fmt.Sprintf(`{"error":%q,"error_description":%q}`, code, description),
	}
}

// RecordedRequest captures what the Issuer received.
type RecordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Query  url.Values
	Form   url.Values
}

// Issuer is a scripted OAuth2 token endpoint. Responses are served in order;
// the last one repeats once the script is exhausted.
type Issuer struct {
	Server *httptest.Server
	URL    string // token endpoint URL

	mu        sync.Mutex
	responses []Response
	requests  []RecordedRequest
}

// NewIssuer starts an Issuer serving the given responses. Without responses
// it issues "mock-access-token" valid for one hour.
func NewIssuer(tb testing.TB, responses ...Response) *Issuer {
	tb.Helper()

	if len(responses) == 0 {
		responses = []Response{TokenResponse("mock-access-token", 3600)}
	}
	issuer := &Issuer{responses: responses}
	issuer.Server = NewLocalHTTPServer(tb, http.HandlerFunc(issuer.serve))
	issuer.URL = issuer.Server.URL + "/token"
	return issuer
}

// SetResponses replaces the remaining script.
func (i *Issuer) SetResponses(responses ...Response) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.responses = responses
}

// Calls returns the number of requests served.
func (i *Issuer) Calls() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.requests)
}

// Requests returns a copy of the recorded requests.
func (i *Issuer) Requests() []RecordedRequest {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]RecordedRequest(nil), i.requests...)
}

func (i *Issuer) serve(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()

	i.mu.Lock()
	i.requests = append(i.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Query:  r.URL.Query(),
		Form:   r.PostForm,
	})
	resp := i.responses[0]
	if len(i.responses) > 1 {
		i.responses = i.responses[1:]
	}
	i.mu.Unlock()

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Status)
	_, _ = io.WriteString(w, resp.Body)
}
