// Package grpcserver exposes the collection operations as the danki.v1.Danki
// gRPC service and provides a typed client for it.
package grpcserver

import (
	"fmt"
	"net"

	"google.golang.org/grpc"

	"github.com/patric-chuzhbe/danki/internal/grpcserver/interceptor"
)

type tokenParser interface {
	GetEmailFromToken(tokenString string) (string, error)
}

// protectedMethods require a bearer token in the authorization metadata.
var protectedMethods = []string{
	EchoEmailMethod,
	ListCollectionsMethod,
	CreateCollectionMethod,
	RenameCollectionMethod,
	DeleteCollectionsMethod,
}

// NewServer builds a gRPC server with the logging and auth interceptors and
// the Danki service registered.
func NewServer(handler DankiServer, auth tokenParser, opts ...grpc.ServerOption) *grpc.Server {
	authInterceptor := interceptor.NewAuthInterceptor(auth)

	opts = append(opts, grpc.ChainUnaryInterceptor(
		interceptor.UnaryLoggingInterceptor(PingMethod),
		authInterceptor.UnaryAuthInterceptor(protectedMethods),
	))
	server := grpc.NewServer(opts...)
	RegisterDankiServer(server, handler)

	return server
}

// NewGRPCServer is NewServer plus a TCP listener on addr.
func NewGRPCServer(
	addr string,
	handler DankiServer,
	auth tokenParser,
) (*grpc.Server, net.Listener, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("in internal/grpcserver/server.go/NewGRPCServer(): error while `net.Listen()` calling: %w", err)
	}

	return NewServer(handler, auth), lis, nil
}
