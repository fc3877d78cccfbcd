// Package auth checks Basic credentials against a bcrypt user file and
// enforces roles on gRPC and HTTP requests.
package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Authenticator validates callers and their roles.
type Authenticator interface {
	// Authenticate reads Basic credentials from gRPC metadata and returns a
	// context carrying the user.
	Authenticate(ctx context.Context) (context.Context, error)
	// Authorize checks the role of the user stored in ctx.
	Authorize(ctx context.Context, requiredRole string) error
	UnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error)
	// Middleware authenticates HTTP requests with Basic auth.
	Middleware(next http.Handler) http.Handler
	AuthenticateUserPass(username, password string) (User, error)
}

// User represents an authenticated user with their associated role.
type User struct {
	Username string
	Role     string
}

// contextKey is a private type to avoid context key collisions.
type contextKey string

const (
	// UserContextKey is the key used to store the User object in the context.
	UserContextKey = contextKey("user")

	// RoleReader may run SELECT and read stats.
	RoleReader = "reader"
	// RoleWriter may also change rows and tables.
	RoleWriter = "writer"
	// RoleAdmin may also flush and compact.
	RoleAdmin = "admin"
)

var roleRank = map[string]int{RoleReader: 1, RoleWriter: 2, RoleAdmin: 3}

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	_, ok := roleRank[role]
	return ok
}

// UserFromContext returns the user stored by Authenticate or Middleware.
func UserFromContext(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(UserContextKey).(User)
	return u, ok
}

// BasicAuthenticator checks credentials against the records of a user file.
type BasicAuthenticator struct {
	users  map[string]UserRecord
	logger *slog.Logger
}

var _ Authenticator = (*BasicAuthenticator)(nil)

// NewAuthenticator loads the user file at userFilePath.
func NewAuthenticator(userFilePath string, logger *slog.Logger) (*BasicAuthenticator, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	users, err := ReadUserFile(userFilePath)
	if err != nil {
		return nil, fmt.Errorf("could not load user database: %w", err)
	}
	for name, u := range users {
		if !ValidRole(u.Role) {
			return nil, fmt.Errorf("user %s has unknown role %q", name, u.Role)
		}
	}
	logger = logger.With("component", "Authenticator")
	if len(users) == 0 {
		logger.Warn("User database is empty; every request will be rejected", "path", userFilePath)
	}
	return &BasicAuthenticator{users: users, logger: logger}, nil
}

// AuthenticateUserPass checks a username and password.
func (a *BasicAuthenticator) AuthenticateUserPass(username, password string) (User, error) {
	rec, ok := a.users[username]
	if !ok {
		a.logger.Warn("Authentication failed: invalid username.", "username", username)
		return User{}, status.Error(codes.Unauthenticated, "invalid username or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)); err != nil {
		a.logger.Warn("Authentication failed: password mismatch.", "username", username)
		return User{}, status.Error(codes.Unauthenticated, "invalid username or password")
	}
	return User{Username: rec.Username, Role: rec.Role}, nil
}

// parseBasic decodes the value of an Authorization header.
func parseBasic(header string) (string, string, error) {
	if !strings.HasPrefix(header, "Basic ") {
		return "", "", status.Error(codes.Unauthenticated, "invalid authorization header format")
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, "Basic "))
	if err != nil {
		return "", "", status.Error(codes.Unauthenticated, "invalid base64 in authorization header")
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", status.Error(codes.Unauthenticated, "invalid basic auth format")
	}
	return username, password, nil
}

func (a *BasicAuthenticator) Authenticate(ctx context.Context) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing credentials")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing credentials")
	}
	username, password, err := parseBasic(values[0])
	if err != nil {
		return nil, err
	}
	user, err := a.AuthenticateUserPass(username, password)
	if err != nil {
		return nil, err
	}
	return context.WithValue(ctx, UserContextKey, user), nil
}

// Authorize succeeds when the user's role ranks at least as high as requiredRole.
func (a *BasicAuthenticator) Authorize(ctx context.Context, requiredRole string) error {
	user, ok := UserFromContext(ctx)
	if !ok {
		return status.Error(codes.Internal, "no user information in context")
	}
	if roleRank[user.Role] >= roleRank[requiredRole] {
		return nil
	}
	return status.Error(codes.PermissionDenied, fmt.Sprintf("user '%s' with role '%s' is not authorized for this operation (requires role '%s')", user.Username, user.Role, requiredRole))
}

func (a *BasicAuthenticator) UnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	newCtx, err := a.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	return handler(newCtx, req)
}

func (a *BasicAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="nexusdb"`)
			http.Error(w, "missing credentials", http.StatusUnauthorized)
			return
		}
		user, err := a.AuthenticateUserPass(username, password)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="nexusdb"`)
			http.Error(w, "invalid username or password", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), UserContextKey, user)))
	})
}
