// Package control is the daemon's gRPC control surface on a Unix socket,
// consumed by tgctl. Requests and responses are google.protobuf.Struct
// values carrying the same JSON shapes as the HTTP API.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/tgcrm/internal/status"
	"github.com/matheus3301/tgcrm/internal/store"
	intsync "github.com/matheus3301/tgcrm/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "tgcrm.control.v1.ControlService"

// ControlServer is the server API of the control service.
type ControlServer interface {
	GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	StartGlobalSync(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CancelGlobalSync(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	StartConversationSync(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type unaryFunc func(srv ControlServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unary(method string, fn unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(ControlServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes the control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", ControlServer.GetStatus),
		unary("StartGlobalSync", ControlServer.StartGlobalSync),
		unary("CancelGlobalSync", ControlServer.CancelGlobalSync),
		unary("StartConversationSync", ControlServer.StartConversationSync),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tgcrm/control/v1/control.proto",
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Service implements ControlServer over the sync controller and the status
// reporter.
type Service struct {
	controller *intsync.Controller
	reporter   *status.Reporter
	logger     *zap.Logger
}

// NewService creates the control service.
func NewService(controller *intsync.Controller, reporter *status.Reporter, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{controller: controller, reporter: reporter, logger: logger}
}

func (s *Service) GetStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	snap, err := s.reporter.Snapshot(ctx)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toStruct(snap)
}

func (s *Service) StartGlobalSync(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	run, err := s.controller.StartGlobal(ctx)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toStruct(map[string]any{"run": runFields(run)})
}

func (s *Service) CancelGlobalSync(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.controller.CancelGlobal(ctx); err != nil {
		return nil, s.toStatus(err)
	}
	return toStruct(map[string]any{"cancelRequested": true})
}

func (s *Service) StartConversationSync(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	v, ok := req.GetFields()["conversationId"]
	if !ok {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversationId is required")
	}
	id := int64(v.GetNumberValue())
	if id <= 0 || float64(id) != v.GetNumberValue() {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "invalid conversationId %v", v.GetNumberValue())
	}
	run, err := s.controller.StartSingle(ctx, id)
	if err != nil {
		return nil, s.toStatus(err)
	}
	return toStruct(map[string]any{"run": runFields(run)})
}

func (s *Service) toStatus(err error) error {
	switch {
	case errors.Is(err, intsync.ErrAlreadyRunning):
		return grpcstatus.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, intsync.ErrNotRunning):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return grpcstatus.Error(codes.NotFound, "not found")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.FromContextError(err).Err()
	}
	s.logger.Error("control request failed", zap.Error(err))
	return grpcstatus.Error(codes.Internal, "internal error")
}

func runFields(r *store.SyncRun) map[string]any {
	return map[string]any{
		"id":             r.ID,
		"kind":           r.Kind,
		"conversationId": r.ConversationID,
		"status":         r.Status,
		"workerId":       r.WorkerID,
		"startedAt":      r.StartedAt,
	}
}

// toStruct converts v through its JSON form so the struct carries exactly
// what the HTTP API would return.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, grpcstatus.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, grpcstatus.Error(codes.Internal, err.Error())
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, grpcstatus.Error(codes.Internal, fmt.Sprintf("encode struct: %v", err))
	}
	return out, nil
}

var _ ControlServer = (*Service)(nil)
