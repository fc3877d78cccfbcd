package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"

	"github.com/INLOpen/nexusdb/config"
	jsoniter "github.com/json-iterator/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// The Database service is described by hand over protobuf well-known types:
// requests and results travel as google.protobuf.Struct in the same shape
// as the JSON API.
const (
	DatabaseServiceName             = "nexusdb.v1.Database"
	Database_Execute_FullMethodName = "/nexusdb.v1.Database/Execute"
	Database_Flush_FullMethodName   = "/nexusdb.v1.Database/Flush"
	Database_Stats_FullMethodName   = "/nexusdb.v1.Database/Stats"
)

// DatabaseServer is the server API for the Database service.
type DatabaseServer interface {
	Execute(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Flush(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

var Database_ServiceDesc = grpc.ServiceDesc{
	ServiceName: DatabaseServiceName,
	HandlerType: (*DatabaseServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: _Database_Execute_Handler},
		{MethodName: "Flush", Handler: _Database_Flush_Handler},
		{MethodName: "Stats", Handler: _Database_Stats_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nexusdb/v1/database.proto",
}

func RegisterDatabaseServer(s grpc.ServiceRegistrar, srv DatabaseServer) {
	s.RegisterService(&Database_ServiceDesc, srv)
}

func _Database_Execute_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DatabaseServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Database_Execute_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DatabaseServer).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _Database_Flush_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DatabaseServer).Flush(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Database_Flush_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DatabaseServer).Flush(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _Database_Stats_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DatabaseServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: Database_Stats_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DatabaseServer).Stats(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// DatabaseClient is the client API for the Database service.
type DatabaseClient interface {
	Execute(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Flush(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*emptypb.Empty, error)
	Stats(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type databaseClient struct {
	cc grpc.ClientConnInterface
}

func NewDatabaseClient(cc grpc.ClientConnInterface) DatabaseClient {
	return &databaseClient{cc}
}

func (c *databaseClient) Execute(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, Database_Execute_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *databaseClient) Flush(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, Database_Flush_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *databaseClient) Stats(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, Database_Stats_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GRPCServer wraps the grpc.Server and implements DatabaseServer.
type GRPCServer struct {
	svc       *Service
	server    *grpc.Server
	healthSrv *health.Server
	logger    *slog.Logger
}

var _ DatabaseServer = (*GRPCServer)(nil)

// NewGRPCServer creates and configures a new gRPC server instance.
// It handles TLS, authentication, and service registration.
func NewGRPCServer(svc *Service, cfg *config.ServerConfig, interceptor *AuthInterceptor, logger *slog.Logger) (*GRPCServer, error) {
	s := &GRPCServer{
		svc:       svc,
		logger:    logger.With("component", "GRPCServer"),
		healthSrv: health.NewServer(),
	}

	var opts []grpc.ServerOption
	if cfg.TLS.Enabled {
		creds, err := loadTLSCredentials(&cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("could not load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
		s.logger.Info("gRPC server initialized with TLS.")
	} else {
		s.logger.Info("gRPC server initialized without TLS (insecure).")
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(interceptor.RequestID(), interceptor.Unary()))

	s.server = grpc.NewServer(opts...)
	RegisterDatabaseServer(s.server, s)
	grpc_health_v1.RegisterHealthServer(s.server, s.healthSrv)
	s.healthSrv.SetServingStatus(DatabaseServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	return s, nil
}

// Start begins listening for gRPC requests.
func (s *GRPCServer) Start(lis net.Listener) error {
	s.logger.Info("gRPC server listening", "address", lis.Addr().String())
	return s.server.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (s *GRPCServer) Stop() {
	s.logger.Info("Stopping gRPC server...")
	if s.healthSrv != nil {
		s.healthSrv.Shutdown()
	}
	if s.server != nil {
		s.server.GracefulStop()
	}
	s.logger.Info("gRPC server stopped.")
}

func loadTLSCredentials(cfg *config.TLSConfig) (credentials.TransportCredentials, error) {
	serverCert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.NoClientCert,
	}), nil
}

// structJSON decodes JSON with numbers kept exact, so integers stay integers.
var structJSON = jsoniter.Config{UseNumber: true, EscapeHTML: true, SortMapKeys: true}.Froze()

// Execute runs the statement described by req.
func (s *GRPCServer) Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	raw, err := structJSON.Marshal(req.AsMap())
	if err != nil {
		return nil, ToStatus(invalidf("%v", err)).Err()
	}
	var stmt StatementRequest
	if err := structJSON.Unmarshal(raw, &stmt); err != nil {
		return nil, ToStatus(invalidf("%v", err)).Err()
	}
	res, err := s.svc.Execute(ctx, &stmt)
	if err != nil {
		st := ToStatus(err)
		if res != nil {
			s.logger.Warn("Statement partially applied", "rows_affected", res.RowsAffected, "error", err, "request_id", RequestIDFromContext(ctx))
			// The applied count travels as a Struct detail on the status.
			if detail, derr := structpb.NewStruct(map[string]interface{}{"rows_affected": res.RowsAffected}); derr == nil {
				if withDetail, derr := st.WithDetails(detail); derr == nil {
					st = withDetail
				}
			}
		}
		return nil, st.Err()
	}
	out, err := structpb.NewStruct(res.asMap())
	if err != nil {
		return nil, ToStatus(fmt.Errorf("encode result: %w", err)).Err()
	}
	return out, nil
}

// Flush handles the request to persist the memtables.
func (s *GRPCServer) Flush(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.svc.Flush(ctx); err != nil {
		return nil, ToStatus(err).Err()
	}
	return &emptypb.Empty{}, nil
}

// Stats returns engine and executor statistics as a Struct.
func (s *GRPCServer) Stats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := s.svc.Stats(ctx)
	if err != nil {
		return nil, ToStatus(err).Err()
	}
	// Round-trip through JSON to get the generic map structpb accepts.
	raw, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(st)
	if err != nil {
		return nil, ToStatus(err).Err()
	}
	var m map[string]interface{}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(raw, &m); err != nil {
		return nil, ToStatus(err).Err()
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, ToStatus(err).Err()
	}
	return out, nil
}
