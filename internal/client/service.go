package client

import (
	"context"

	"google.golang.org/grpc"

	"github.com/devrev/pairdb/locator/internal/model"
)

const (
	kvServiceName = "pairdb.kv.v1.KV"
	mutateMethod  = "/" + kvServiceName + "/Mutate"
	observeMethod = "/" + kvServiceName + "/Observe"
)

// ObserveRequest is the wire form of an observe check
type ObserveRequest struct {
	Bucket    string               `json:"bucket"`
	Key       []byte               `json:"key"`
	Partition uint16               `json:"partition"`
	Replica   int                  `json:"replica"`
	Token     *model.MutationToken `json:"token,omitempty"`
}

// KVServer is the node side of the kv service
type KVServer interface {
	Mutate(ctx context.Context, req *model.MutationRequest) (*model.MutationResponse, error)
	Observe(ctx context.Context, req *ObserveRequest) (*model.ObserveResult, error)
}

// RegisterKVServer registers srv on s
func RegisterKVServer(s *grpc.Server, srv KVServer) {
	s.RegisterService(&kvServiceDesc, srv)
}

var kvServiceDesc = grpc.ServiceDesc{
	ServiceName: kvServiceName,
	HandlerType: (*KVServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Mutate", Handler: mutateHandler},
		{MethodName: "Observe", Handler: observeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pairdb/kv/v1/kv.proto",
}

func mutateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(model.MutationRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Mutate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: mutateMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KVServer).Mutate(ctx, req.(*model.MutationRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func observeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ObserveRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Observe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: observeMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KVServer).Observe(ctx, req.(*ObserveRequest))
	}
	return interceptor(ctx, in, info, handler)
}
