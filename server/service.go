package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/INLOpen/nexusdb/auth"
	"github.com/INLOpen/nexusdb/core"
	"github.com/INLOpen/nexusdb/engine"
	"github.com/INLOpen/nexusdb/query"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// StatementRunner executes statements. *query.Executor implements it.
type StatementRunner interface {
	Execute(ctx context.Context, stmt query.Statement) (*query.Result, error)
	Stats() query.ExecutorStats
}

// Storage is the part of the engine the API exposes directly.
type Storage interface {
	Flush(ctx context.Context) error
	Stats(ctx context.Context) (*engine.Stats, error)
}

// StatsResponse is returned by the stats endpoints.
type StatsResponse struct {
	Engine   *engine.Stats       `json:"engine"`
	Executor query.ExecutorStats `json:"executor"`
	System   *SystemStats        `json:"system,omitempty"`
}

// Service holds the operations shared by the gRPC and HTTP APIs: statement
// execution through the worker pool, flush, and stats, each checked against
// the caller's role.
type Service struct {
	runner    StatementRunner
	storage   Storage
	authz     auth.Authenticator
	pool      *WorkerPool
	collector *SystemCollector
	logger    *slog.Logger
}

type ServiceOptions struct {
	Runner        StatementRunner
	Storage       Storage
	Authenticator auth.Authenticator
	Pool          *WorkerPool
	// Collector is optional; when set its last sample is part of the stats.
	Collector *SystemCollector
	Logger    *slog.Logger
}

func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Runner == nil || opts.Storage == nil {
		return nil, errors.New("service needs a statement runner and storage")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	authz := opts.Authenticator
	if authz == nil {
		authz = auth.NewNonAuthenticator()
	}
	return &Service{
		runner:    opts.Runner,
		storage:   opts.Storage,
		authz:     authz,
		pool:      opts.Pool,
		collector: opts.Collector,
		logger:    logger.With("component", "Service"),
	}, nil
}

// RequiredRole is the role needed to run stmt: reads need a reader, anything
// else a writer.
func RequiredRole(stmt query.Statement) string {
	if _, ok := stmt.(*query.Select); ok {
		return auth.RoleReader
	}
	return auth.RoleWriter
}

// Execute converts and runs one statement. On a partially applied Update or
// Delete the response is returned along with the error.
func (s *Service) Execute(ctx context.Context, req *StatementRequest) (*ResultResponse, error) {
	stmt, err := req.Statement()
	if err != nil {
		return nil, err
	}
	if err := s.authz.Authorize(ctx, RequiredRole(stmt)); err != nil {
		return nil, err
	}

	var res *query.Result
	run := func(ctx context.Context) error {
		var err error
		res, err = s.runner.Execute(ctx, stmt)
		return err
	}
	if s.pool != nil {
		err = s.pool.Submit(ctx, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		s.logger.Debug("Statement failed", "kind", stmt.Kind(), "table", stmt.Target(), "error", err, "request_id", RequestIDFromContext(ctx))
		if res != nil {
			return newResultResponse(res), err
		}
		return nil, err
	}
	return newResultResponse(res), nil
}

// Flush persists the memtables. Admin only.
func (s *Service) Flush(ctx context.Context) error {
	if err := s.authz.Authorize(ctx, auth.RoleAdmin); err != nil {
		return err
	}
	s.logger.Info("Flush requested", "request_id", RequestIDFromContext(ctx))
	return s.storage.Flush(ctx)
}

func (s *Service) Stats(ctx context.Context) (*StatsResponse, error) {
	if err := s.authz.Authorize(ctx, auth.RoleReader); err != nil {
		return nil, err
	}
	est, err := s.storage.Stats(ctx)
	if err != nil {
		return nil, err
	}
	out := &StatsResponse{Engine: est, Executor: s.runner.Stats()}
	if s.collector != nil {
		sys := s.collector.Last()
		out.System = &sys
	}
	return out, nil
}

// ToStatus maps an error to a gRPC status. Errors that already carry a
// status keep it.
func ToStatus(err error) *status.Status {
	if err == nil {
		return nil
	}
	if st, ok := status.FromError(err); ok {
		return st
	}
	var qe *query.Error
	if errors.As(err, &qe) {
		switch qe.Kind {
		case query.KindTableNotFound, query.KindColumnNotFound:
			return status.New(codes.NotFound, err.Error())
		case query.KindTableExists, query.KindDuplicateKey:
			return status.New(codes.AlreadyExists, err.Error())
		case query.KindTypeMismatch, query.KindArity, query.KindInvalidValue:
			return status.New(codes.InvalidArgument, err.Error())
		}
	}
	switch {
	case errors.Is(err, ErrInvalidStatement):
		return status.New(codes.InvalidArgument, err.Error())
	case errors.Is(err, core.ErrClosed), errors.Is(err, ErrPoolStopped), errors.Is(err, engine.ErrWritesHalted):
		return status.New(codes.Unavailable, err.Error())
	case errors.Is(err, core.ErrResourceExhausted):
		return status.New(codes.ResourceExhausted, err.Error())
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, err.Error())
	}
	return status.New(codes.Internal, fmt.Sprintf("internal error: %v", err))
}

// HTTPStatus maps a gRPC code to the HTTP status used by the JSON API.
func HTTPStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.ResourceExhausted:
		return http.StatusInsufficientStorage
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.Canceled:
		return 499
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}
