package server

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/INLOpen/nexusdb/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// mockUnaryHandler is a dummy handler for testing the interceptor.
func mockUnaryHandler(ctx context.Context, req interface{}) (interface{}, error) {
	return "handler called", nil
}

func TestAuthInterceptor_Unary(t *testing.T) {
	interceptor := NewAuthInterceptor(newTestAuthenticator(t), discardLogger)
	unaryInterceptor := interceptor.Unary()

	testCases := []struct {
		name         string
		method       string
		username     string
		expectedCode codes.Code
	}{
		{"reader executes", Database_Execute_FullMethodName, auth.RoleReader, codes.OK},
		{"reader reads stats", Database_Stats_FullMethodName, auth.RoleReader, codes.OK},
		{"reader cannot flush", Database_Flush_FullMethodName, auth.RoleReader, codes.PermissionDenied},
		{"writer cannot flush", Database_Flush_FullMethodName, auth.RoleWriter, codes.PermissionDenied},
		{"admin flushes", Database_Flush_FullMethodName, auth.RoleAdmin, codes.OK},
		{"unknown method needs admin", "/nexusdb.v1.Database/Drop", auth.RoleWriter, codes.PermissionDenied},
		{"no credentials", Database_Stats_FullMethodName, "", codes.Unauthenticated},
		{"health is open", "/grpc.health.v1.Health/Check", "", codes.OK},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			if tc.username != "" {
				token := base64.StdEncoding.EncodeToString([]byte(tc.username + ":" + tc.username + "_pass"))
				ctx = metadata.NewIncomingContext(ctx, metadata.Pairs("authorization", "Basic "+token))
			}
			resp, err := unaryInterceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: tc.method}, mockUnaryHandler)
			assert.Equal(t, tc.expectedCode, status.Code(err), "err: %v", err)
			if tc.expectedCode == codes.OK {
				assert.Equal(t, "handler called", resp)
			}
		})
	}
}

func TestAuthInterceptor_RequestID(t *testing.T) {
	interceptor := NewAuthInterceptor(auth.NewNonAuthenticator(), discardLogger).RequestID()
	info := &grpc.UnaryServerInfo{FullMethod: Database_Stats_FullMethodName}
	var seen string
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		seen = RequestIDFromContext(ctx)
		return nil, nil
	}

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(RequestIDHeader, "req-42"))
	_, err := interceptor(ctx, nil, info, handler)
	require.NoError(t, err)
	assert.Equal(t, "req-42", seen)

	_, err = interceptor(context.Background(), nil, info, handler)
	require.NoError(t, err)
	assert.Len(t, seen, 36)
}
