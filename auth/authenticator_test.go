package auth

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// newTestAuthenticator creates an authenticator with a pre-populated user file.
func newTestAuthenticator(t *testing.T) *BasicAuthenticator {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.db")
	users := make(map[string]UserRecord)
	for name, role := range map[string]string{"reader": RoleReader, "writer": RoleWriter, "admin": RoleAdmin} {
		hash, err := HashPassword(name + "_pass")
		require.NoError(t, err)
		users[name] = UserRecord{Username: name, PasswordHash: hash, Role: role}
	}
	require.NoError(t, WriteUserFile(path, users))
	authN, err := NewAuthenticator(path, nil)
	require.NoError(t, err)
	return authN
}

func basic(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestAuthenticator_Authenticate(t *testing.T) {
	authN := newTestAuthenticator(t)

	testCases := []struct {
		name     string
		ctx      context.Context
		wantCode codes.Code
		wantRole string
	}{
		{"valid writer", metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", basic("writer", "writer_pass"))), codes.OK, RoleWriter},
		{"valid reader", metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", basic("reader", "reader_pass"))), codes.OK, RoleReader},
		{"wrong password", metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", basic("writer", "nope"))), codes.Unauthenticated, ""},
		{"unknown user", metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", basic("ghost", "x"))), codes.Unauthenticated, ""},
		{"no metadata", context.Background(), codes.Unauthenticated, ""},
		{"no header", metadata.NewIncomingContext(context.Background(), metadata.MD{}), codes.Unauthenticated, ""},
		{"bearer scheme", metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer token")), codes.Unauthenticated, ""},
		{"bad base64", metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic %%%")), codes.Unauthenticated, ""},
		{"no colon", metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("writer")))), codes.Unauthenticated, ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, err := authN.Authenticate(tc.ctx)
			assert.Equal(t, tc.wantCode, status.Code(err), "err: %v", err)
			if tc.wantCode != codes.OK {
				return
			}
			user, ok := UserFromContext(ctx)
			require.True(t, ok)
			assert.Equal(t, tc.wantRole, user.Role)
		})
	}
}

func TestAuthenticator_Authorize(t *testing.T) {
	authN := newTestAuthenticator(t)
	ctxFor := func(role string) context.Context {
		return context.WithValue(context.Background(), UserContextKey, User{Username: role, Role: role})
	}

	testCases := []struct {
		role, required string
		allowed        bool
	}{
		{RoleReader, RoleReader, true},
		{RoleReader, RoleWriter, false},
		{RoleWriter, RoleReader, true},
		{RoleWriter, RoleWriter, true},
		{RoleWriter, RoleAdmin, false},
		{RoleAdmin, RoleAdmin, true},
	}
	for _, tc := range testCases {
		err := authN.Authorize(ctxFor(tc.role), tc.required)
		if tc.allowed {
			assert.NoError(t, err, "%s doing %s", tc.role, tc.required)
		} else {
			assert.Equal(t, codes.PermissionDenied, status.Code(err), "%s doing %s", tc.role, tc.required)
		}
	}
	assert.Equal(t, codes.Internal, status.Code(authN.Authorize(context.Background(), RoleReader)))
}

func TestAuthenticator_UnaryInterceptor(t *testing.T) {
	authN := newTestAuthenticator(t)
	var seen User
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		seen, _ = UserFromContext(ctx)
		return "ok", nil
	}
	info := &grpc.UnaryServerInfo{FullMethod: "/nexusdb.v1.Database/Execute"}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", basic("admin", "admin_pass")))
	resp, err := authN.UnaryInterceptor(ctx, nil, info, handler)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
	assert.Equal(t, RoleAdmin, seen.Role)

	_, err = authN.UnaryInterceptor(context.Background(), nil, info, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestAuthenticator_Middleware(t *testing.T) {
	authN := newTestAuthenticator(t)
	h := authN.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _ := UserFromContext(r.Context())
		_, _ = w.Write([]byte(user.Role))
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.SetBasicAuth("reader", "reader_pass")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, RoleReader, rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.SetBasicAuth("reader", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
}

func TestNonAuthenticator(t *testing.T) {
	a := NewNonAuthenticator()
	ctx, err := a.Authenticate(context.Background())
	require.NoError(t, err)
	assert.NoError(t, a.Authorize(ctx, RoleAdmin))
	user, err := a.AuthenticateUserPass("anyone", "")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, user.Role)
}
