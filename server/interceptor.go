package server

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/INLOpen/nexusdb/auth"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// RequestIDHeader carries the request id on HTTP requests and in gRPC metadata.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// WithRequestID returns a context carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the id stored by WithRequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// requestIDOrNew keeps a caller-supplied id and generates one otherwise.
func requestIDOrNew(id string) string {
	if id == "" || len(id) > 128 {
		return uuid.NewString()
	}
	return id
}

// AuthInterceptor provides gRPC interceptors for request ids, authentication
// and the per-method role check. Execute is checked per statement by the
// service, so the interceptor only requires a reader for it.
type AuthInterceptor struct {
	authenticator auth.Authenticator
	logger        *slog.Logger
}

// NewAuthInterceptor creates a new AuthInterceptor.
func NewAuthInterceptor(authenticator auth.Authenticator, logger *slog.Logger) *AuthInterceptor {
	return &AuthInterceptor{
		authenticator: authenticator,
		logger:        logger.With("component", "AuthInterceptor"),
	}
}

// RequestID returns a unary interceptor that attaches a request id, taken
// from the incoming metadata when present, and logs the call.
func (i *AuthInterceptor) RequestID() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		var id string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(RequestIDHeader); len(vals) > 0 {
				id = vals[0]
			}
		}
		id = requestIDOrNew(id)
		ctx = WithRequestID(ctx, id)

		start := time.Now()
		resp, err := handler(ctx, req)
		i.logger.Debug("gRPC call", "method", info.FullMethod, "request_id", id, "duration", time.Since(start), "error", err)
		return resp, err
	}
}

// Unary returns a gRPC unary server interceptor.
func (i *AuthInterceptor) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}
		// Authenticate the request
		newCtx, err := i.authenticator.Authenticate(ctx)
		if err != nil {
			i.logger.Warn("Unary authentication failed", "method", info.FullMethod, "error", err, "request_id", RequestIDFromContext(ctx))
			return nil, err
		}

		requiredRole := i.getRequiredRole(info.FullMethod)
		if err := i.authenticator.Authorize(newCtx, requiredRole); err != nil {
			i.logger.Warn("Unary authorization failed", "method", info.FullMethod, "error", err, "request_id", RequestIDFromContext(ctx))
			return nil, err
		}
		return handler(newCtx, req)
	}
}

// getRequiredRole determines the required role for a given gRPC method.
func (i *AuthInterceptor) getRequiredRole(fullMethod string) string {
	switch fullMethod {
	case Database_Flush_FullMethodName:
		return auth.RoleAdmin
	case Database_Execute_FullMethodName, Database_Stats_FullMethodName:
		return auth.RoleReader
	default:
		// Default to the most restrictive role if method is unknown
		return auth.RoleAdmin
	}
}
