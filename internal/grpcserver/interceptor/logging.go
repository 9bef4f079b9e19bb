package interceptor

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/patric-chuzhbe/danki/internal/logger"
)

// UnaryLoggingInterceptor logs every unary call with its method, duration and
// resulting status code. Methods listed in skipMethods are not logged.
func UnaryLoggingInterceptor(skipMethods ...string) grpc.UnaryServerInterceptor {
	skipped := methodSet(skipMethods)

	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (resp interface{}, err error) {
		if _, ok := skipped[info.FullMethod]; ok {
			return handler(ctx, req)
		}

		start := time.Now()

		resp, err = handler(ctx, req)

		st, _ := status.FromError(err)
		logger.Log.Infoln(
			"gRPC request",
			"method", info.FullMethod,
			"duration", time.Since(start),
			"code", st.Code().String(),
		)

		return resp, err
	}
}
