package auth

import (
	"context"
	"net/http"

	"google.golang.org/grpc"
)

// NonAuthenticator lets every request through. Used when security is disabled.
type NonAuthenticator struct{}

var _ Authenticator = (*NonAuthenticator)(nil)

func NewNonAuthenticator() *NonAuthenticator {
	return &NonAuthenticator{}
}

func (a *NonAuthenticator) Authenticate(ctx context.Context) (context.Context, error) {
	return ctx, nil
}

func (a *NonAuthenticator) Authorize(ctx context.Context, requiredRole string) error {
	return nil
}

func (a *NonAuthenticator) UnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	return handler(ctx, req)
}

func (a *NonAuthenticator) Middleware(next http.Handler) http.Handler { return next }

func (a *NonAuthenticator) AuthenticateUserPass(username, password string) (User, error) {
	return User{Username: username, Role: RoleAdmin}, nil
}
