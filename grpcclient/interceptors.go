package grpcclient

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/rhavekost/orthanc-dicomweb-oauth-sub002/tokenerr"
)

// TokenSource provides access tokens for configured servers.
// *tokenmanager.Manager implements it.
type TokenSource interface {
	GetToken(ctx context.Context, server string) (string, error)
}

// UnaryClientInterceptor returns a gRPC unary client interceptor that adds
// the bearer token of server to request metadata.
//
// If no token can be obtained the RPC is not sent and a status error is
// returned; see StatusFromError for the code mapping. The interceptor
// respects the RPC context's cancellation and deadline.
//
// Usage:
//
//	conn, err := grpc.NewClient(
//	    "server:9090",
//	    grpc.WithUnaryInterceptor(grpcclient.UnaryClientInterceptor(tm, "pacs")),
//	)
func UnaryClientInterceptor(tokens TokenSource, server string) grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply any,
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		ctx, err := withToken(ctx, tokens, server)
		if err != nil {
			return err
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// StreamClientInterceptor returns a gRPC stream client interceptor that adds
// the bearer token of server to stream metadata.
func StreamClientInterceptor(tokens TokenSource, server string) grpc.StreamClientInterceptor {
	return func(
		ctx context.Context,
		desc *grpc.StreamDesc,
		cc *grpc.ClientConn,
		method string,
		streamer grpc.Streamer,
		opts ...grpc.CallOption,
	) (grpc.ClientStream, error) {
		ctx, err := withToken(ctx, tokens, server)
		if err != nil {
			return nil, err
		}
		return streamer(ctx, desc, cc, method, opts...)
	}
}

func withToken(ctx context.Context, tokens TokenSource, server string) (context.Context, error) {
	if tokens == nil {
		return nil, status.Error(codes.Internal, "grpcclient: TokenSource is nil")
	}
	token, err := tokens.GetToken(ctx, server)
	if err != nil {
		return nil, StatusFromError(err)
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token), nil
}

// StatusFromError converts a token acquisition error into a gRPC status
// error.
func StatusFromError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}

	var code codes.Code
	switch tokenerr.RootKind(err) {
	case tokenerr.Authorization, tokenerr.TokenValidation:
		code = codes.Unauthenticated
	case tokenerr.RateLimited:
		code = codes.ResourceExhausted
	case tokenerr.UnknownServer, tokenerr.Configuration:
		code = codes.FailedPrecondition
	case tokenerr.Internal:
		code = codes.Internal
	default:
		code = codes.Unavailable
	}
	return status.Error(code, "grpcclient: failed to get token: "+err.Error())
}
