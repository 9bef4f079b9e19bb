package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "danki.v1.Danki"

// Full method names, as seen by interceptors.
const (
	LoginMethod             = "/" + ServiceName + "/Login"
	RegisterMethod          = "/" + ServiceName + "/Register"
	EchoEmailMethod         = "/" + ServiceName + "/EchoEmail"
	ListCollectionsMethod   = "/" + ServiceName + "/ListCollections"
	CreateCollectionMethod  = "/" + ServiceName + "/CreateCollection"
	RenameCollectionMethod  = "/" + ServiceName + "/RenameCollection"
	DeleteCollectionsMethod = "/" + ServiceName + "/DeleteCollections"
	PingMethod              = "/" + ServiceName + "/Ping"
)

// DankiServer is the server API of danki.v1.Danki. Messages are protobuf
// well-known types so no generated code is needed.
type DankiServer interface {
	// Login takes Struct{email,password}.
	Login(ctx context.Context, in *structpb.Struct) (*wrapperspb.StringValue, error)

	// Register takes Struct{email,password}.
	Register(ctx context.Context, in *structpb.Struct) (*wrapperspb.BoolValue, error)

	EchoEmail(ctx context.Context, in *emptypb.Empty) (*wrapperspb.StringValue, error)

	// ListCollections takes Struct{userId,offset,limit,sort,ascending} and
	// returns a list of Struct{id,name,last_modified}.
	ListCollections(ctx context.Context, in *structpb.Struct) (*structpb.ListValue, error)

	// CreateCollection takes the collection name and returns its id.
	CreateCollection(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error)

	// RenameCollection takes Struct{id,name}.
	RenameCollection(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

	// DeleteCollections takes a list of collection ids.
	DeleteCollections(ctx context.Context, in *structpb.ListValue) (*emptypb.Empty, error)

	Ping(ctx context.Context, in *emptypb.Empty) (*emptypb.Empty, error)
}

func unaryMethod[Req any](
	name string,
	call func(srv DankiServer, ctx context.Context, in *Req) (any, error),
) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name

	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(
			srv any,
			ctx context.Context,
			dec func(any) error,
			interceptor grpc.UnaryServerInterceptor,
		) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(DankiServer), ctx, in)
			}

			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(DankiServer), ctx, req.(*Req))
			}

			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc describes danki.v1.Danki for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DankiServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Login", func(srv DankiServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return srv.Login(ctx, in)
		}),
		unaryMethod("Register", func(srv DankiServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return srv.Register(ctx, in)
		}),
		unaryMethod("EchoEmail", func(srv DankiServer, ctx context.Context, in *emptypb.Empty) (any, error) {
			return srv.EchoEmail(ctx, in)
		}),
		unaryMethod("ListCollections", func(srv DankiServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return srv.ListCollections(ctx, in)
		}),
		unaryMethod("CreateCollection", func(srv DankiServer, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
			return srv.CreateCollection(ctx, in)
		}),
		unaryMethod("RenameCollection", func(srv DankiServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return srv.RenameCollection(ctx, in)
		}),
		unaryMethod("DeleteCollections", func(srv DankiServer, ctx context.Context, in *structpb.ListValue) (any, error) {
			return srv.DeleteCollections(ctx, in)
		}),
		unaryMethod("Ping", func(srv DankiServer, ctx context.Context, in *emptypb.Empty) (any, error) {
			return srv.Ping(ctx, in)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "danki/v1/danki.proto",
}

// RegisterDankiServer attaches srv to the registrar.
func RegisterDankiServer(registrar grpc.ServiceRegistrar, srv DankiServer) {
	registrar.RegisterService(&ServiceDesc, srv)
}
