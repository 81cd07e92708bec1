package server

import (
	"context"
	"crypto/subtle"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	apiKeyHeader        = "x-api-key"
	authorizationHeader = "authorization"
)

// UnaryAPIKeyInterceptor rejects unary calls without the operator API key.
func UnaryAPIKeyInterceptor(apiKey string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := checkAPIKey(ctx, apiKey); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAPIKeyInterceptor is the streaming counterpart, used by Health/Watch.
func StreamAPIKeyInterceptor(apiKey string) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := checkAPIKey(ss.Context(), apiKey); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

// checkAPIKey accepts the key as x-api-key or as a bearer token. An empty
// expected key disables the check.
func checkAPIKey(ctx context.Context, expected string) error {
	if expected == "" {
		return nil
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}

	presented := first(md.Get(apiKeyHeader))
	if presented == "" {
		auth := first(md.Get(authorizationHeader))
		if token, found := strings.CutPrefix(auth, "Bearer "); found {
			presented = token
		}
	}
	if presented == "" {
		return status.Error(codes.Unauthenticated, "missing api key")
	}

	if subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid api key")
	}
	return nil
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
