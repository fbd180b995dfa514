package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/metrics"
)

// TokenSource provides access tokens for configured servers.
// *tokenmanager.Manager implements it.
type TokenSource interface {
	GetToken(ctx context.Context, server string) (string, error)
}

// Logger is an interface for optional logging in the transport.
type Logger interface {
	Printf(format string, args ...any)
}

// OAuth2Transport is an http.RoundTripper that adds the bearer token of a
// configured server to outgoing requests.
//
// The server is either fixed (Server) or looked up per request (Router).
// Requests that match no server are forwarded untouched. When no token can
// be obtained the request is not sent; the caller receives a synthetic
// 503 Service Unavailable JSON response instead.
type OAuth2Transport struct {
	// Base is the underlying HTTP transport. If nil, http.DefaultTransport is used.
	Base http.RoundTripper

	// Tokens provides OAuth2 access tokens.
	Tokens TokenSource

	// Server pins every request to one configured server.
	Server string

	// Router selects the server by URL when Server is empty.
	Router *Router

	Metrics *metrics.Collector
	Logger  Logger
}

// NewOAuth2Transport creates a transport that authenticates every request
// as server. The base transport defaults to http.DefaultTransport.
func NewOAuth2Transport(tokens TokenSource, server string, base http.RoundTripper) *OAuth2Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &OAuth2Transport{
		Base:   base,
		Tokens: tokens,
		Server: server,
	}
}

// NewRoutingTransport creates a transport that picks the server for each
// request with router.
func NewRoutingTransport(tokens TokenSource, router *Router, base http.RoundTripper) *OAuth2Transport {
	t := NewOAuth2Transport(tokens, "", base)
	t.Router = router
	return t
}

// RoundTrip implements http.RoundTripper.
func (t *OAuth2Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	server := t.Server
	if server == "" && t.Router != nil {
		server, _ = t.Router.Match(req.URL.String())
	}
	if server == "" {
		return base.RoundTrip(req)
	}

	if t.Tokens == nil {
		closeBody(req)
		return nil, fmt.Errorf("httpclient: TokenSource is nil")
	}

	start := time.Now()
	token, err := t.Tokens.GetToken(req.Context(), server)
	if err != nil {
		closeBody(req)
		if t.Logger != nil {
			t.Logger.Printf("httpclient: no token for %s, request to %s not sent: %v", server, req.URL.Redacted(), err)
		}
		t.Metrics.OutboundRequest(server, strconv.Itoa(http.StatusServiceUnavailable), time.Since(start))
		return tokenFailureResponse(req, server, err), nil
	}

	// Clone the request to avoid modifying the original
	reqClone := req.Clone(req.Context())
	reqClone.Header.Set("Authorization", "Bearer "+token)

	resp, err := base.RoundTrip(reqClone)
	if err != nil {
		t.Metrics.OutboundRequest(server, "error", time.Since(start))
		return nil, err
	}
	t.Metrics.OutboundRequest(server, strconv.Itoa(resp.StatusCode), time.Since(start))
	return resp, nil
}

type tokenFailureBody struct {
	Error   string `json:"error"`
	Server  string `json:"server"`
	Details string `json:"details"`
}

func tokenFailureResponse(req *http.Request, server string, err error) *http.Response {
	body, _ := json.Marshal(tokenFailureBody{
		Error:   "OAuth token acquisition failed",
		Server:  server,
		Details: err.Error(),
	})

	return &http.Response{
		Status:        strconv.Itoa(http.StatusServiceUnavailable) + " " + http.StatusText(http.StatusServiceUnavailable),
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"application/json"}},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
}
