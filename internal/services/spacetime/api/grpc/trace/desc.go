// Package trace exposes the query surface as the spacetime.trace.v1
// TraceService. Requests and responses are google.protobuf.Struct
// messages, so clients need no generated stubs.
package trace

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "spacetime.trace.v1.TraceService"

// Method names.
const (
	MethodListSessions      = "ListSessions"
	MethodGetSession        = "GetSession"
	MethodListCalls         = "ListCalls"
	MethodSearchCalls       = "SearchCalls"
	MethodGetCall           = "GetCall"
	MethodListChildCalls    = "ListChildCalls"
	MethodGetSource         = "GetSource"
	MethodListBranches      = "ListBranches"
	MethodGetStats          = "GetStats"
	MethodReplaySequence    = "ReplaySequence"
	MethodReplaySubsequence = "ReplaySubsequence"
)

// TraceServer is the server API for TraceService.
type TraceServer interface {
	ListSessions(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSession(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListCalls(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SearchCalls(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetCall(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListChildCalls(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSource(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListBranches(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReplaySequence(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReplaySubsequence(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type handlerFunc func(TraceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call handlerFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			server := srv.(TraceServer)
			if interceptor == nil {
				return call(server, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(server, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes TraceService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TraceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodListSessions, TraceServer.ListSessions),
		unary(MethodGetSession, TraceServer.GetSession),
		unary(MethodListCalls, TraceServer.ListCalls),
		unary(MethodSearchCalls, TraceServer.SearchCalls),
		unary(MethodGetCall, TraceServer.GetCall),
		unary(MethodListChildCalls, TraceServer.ListChildCalls),
		unary(MethodGetSource, TraceServer.GetSource),
		unary(MethodListBranches, TraceServer.ListBranches),
		unary(MethodGetStats, TraceServer.GetStats),
		unary(MethodReplaySequence, TraceServer.ReplaySequence),
		unary(MethodReplaySubsequence, TraceServer.ReplaySubsequence),
	},
	Metadata: "spacetime/trace/v1/trace.proto",
}

// RegisterTraceServer registers srv on s.
func RegisterTraceServer(s grpc.ServiceRegistrar, srv TraceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls TraceService.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Call invokes method with fields as the request.
func (c *Client) Call(ctx context.Context, method string, fields map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
