package server

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/INLOpen/nexusdb/core"
	"github.com/INLOpen/nexusdb/engine"
	"github.com/INLOpen/nexusdb/query"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestToStatus(t *testing.T) {
	testCases := []struct {
		err      error
		code     codes.Code
		httpCode int
	}{
		{&query.Error{Kind: query.KindTableNotFound, Msg: "t"}, codes.NotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", &query.Error{Kind: query.KindDuplicateKey}), codes.AlreadyExists, http.StatusConflict},
		{&query.Error{Kind: query.KindArity}, codes.InvalidArgument, http.StatusBadRequest},
		{invalidf("x"), codes.InvalidArgument, http.StatusBadRequest},
		{fmt.Errorf("flush: %w", core.ErrResourceExhausted), codes.ResourceExhausted, http.StatusInsufficientStorage},
		{core.ErrClosed, codes.Unavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("%w: record 9", engine.ErrWritesHalted), codes.Unavailable, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, codes.DeadlineExceeded, http.StatusGatewayTimeout},
		{status.Error(codes.PermissionDenied, "no"), codes.PermissionDenied, http.StatusForbidden},
		{fmt.Errorf("disk on fire"), codes.Internal, http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		st := ToStatus(tc.err)
		assert.Equal(t, tc.code, st.Code(), "%v", tc.err)
		assert.Equal(t, tc.httpCode, HTTPStatus(st.Code()), "%v", tc.err)
	}
	assert.Nil(t, ToStatus(nil))
}

func TestService_Execute(t *testing.T) {
	st := newTestStack(t, nil)
	ctx := context.Background()
	_, err := st.svc.Execute(ctx, productsTable())
	require.NoError(t, err)
	_, err = st.svc.Execute(ctx, &StatementRequest{Type: "insert", Table: "products", Values: [][]interface{}{
		{int64(1), "Pen", nil, 1.5, true},
		{int64(2), "Ink", nil, 2.5, true},
	}})
	require.NoError(t, err)

	res, err := st.svc.Execute(ctx, &StatementRequest{Type: "update", Table: "products", Set: []AssignmentDef{
		{Column: "price", Value: Expression{Value: float64(9)}},
	}})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.RowsAffected)

	_, err = st.svc.Execute(ctx, &StatementRequest{Type: "delete", Table: "nope"})
	assert.True(t, query.IsKind(err, query.KindTableNotFound))
}
