package grpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"alertengine/internal/alert"
	"alertengine/internal/logger"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName  = "shopopti.alerts.v1.AlertsEngine"
	InvokeMethod = "/" + ServiceName + "/Invoke"
)

// AlertsEngineServer accepts the same {action, userId, ...} object as the HTTP endpoint.
type AlertsEngineServer interface {
	Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ServiceDesc 手写的服务描述，消息使用 google.protobuf.Struct
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AlertsEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Invoke",
			Handler:    invokeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "shopopti/alerts/v1/engine.proto",
}

func invokeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AlertsEngineServer).Invoke(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: InvokeMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AlertsEngineServer).Invoke(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ActionHandler runs one engine action.
type ActionHandler interface {
	Handle(ctx context.Context, req alert.ActionRequest) (map[string]interface{}, error)
}

type Server struct {
	engine ActionHandler
}

func NewServer(engine ActionHandler) *Server {
	return &Server{engine: engine}
}

func (s *Server) Invoke(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	raw, err := json.Marshal(req.AsMap())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	var action alert.ActionRequest
	if err := json.Unmarshal(raw, &action); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}

	body, err := s.engine.Handle(ctx, action)
	if err != nil {
		logger.Error("gRPC action failed", zap.String("action", action.Action), zap.Error(err))
		return nil, status.Error(codes.Internal, err.Error())
	}

	out, err := structpb.NewStruct(body)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

// Register 注册告警服务和健康检查
func Register(s *grpc.Server, engine ActionHandler) {
	s.RegisterService(&ServiceDesc, NewServer(engine))

	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
}

// Invoke calls the engine over an existing client connection.
func Invoke(ctx context.Context, conn grpc.ClientConnInterface, req map[string]interface{}) (map[string]interface{}, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, InvokeMethod, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// NewGRPCServer builds a server with the engine registered and request logging.
func NewGRPCServer(engine ActionHandler) *grpc.Server {
	s := grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor))
	Register(s, engine)
	return s
}

func loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	resp, err := handler(ctx, req)
	logger.Debug("gRPC request", zap.String("method", info.FullMethod), zap.Error(err))
	return resp, err
}

// Serve 监听并阻塞，直到 Stop 或 GracefulStop
func Serve(s *grpc.Server, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	logger.Info("gRPC server listening", zap.String("address", addr))
	return s.Serve(lis)
}
