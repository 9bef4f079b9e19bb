package interceptor

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/patric-chuzhbe/danki/internal/auth"
	"github.com/patric-chuzhbe/danki/internal/logger"
)

// AuthorizationKey is the metadata key carrying the bearer token.
const AuthorizationKey = "authorization"

type tokenParser interface {
	GetEmailFromToken(tokenString string) (string, error)
}

type AuthInterceptor struct {
	auth tokenParser
}

func NewAuthInterceptor(auth tokenParser) *AuthInterceptor {
	return &AuthInterceptor{auth: auth}
}

func methodSet(methods []string) map[string]struct{} {
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[m] = struct{}{}
	}
	return set
}

// UnaryAuthInterceptor rejects calls to the protected methods that carry no
// valid bearer token and stores the token's email in the context.
func (a *AuthInterceptor) UnaryAuthInterceptor(protectedMethods []string) grpc.UnaryServerInterceptor {
	protected := methodSet(protectedMethods)

	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if _, ok := protected[info.FullMethod]; !ok {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, auth.ErrMissingToken.Error())
		}

		values := md.Get(AuthorizationKey)
		if len(values) == 0 {
			return nil, status.Error(codes.Unauthenticated, auth.ErrMissingToken.Error())
		}

		tokenString, err := auth.BearerToken(values[0])
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}

		email, err := a.auth.GetEmailFromToken(tokenString)
		if err != nil {
			logger.Log.Debugln("Error calling the `a.auth.GetEmailFromToken()`: ", zap.Error(err))
			return nil, status.Error(codes.Unauthenticated, auth.ErrInvalidToken.Error())
		}

		return handler(auth.WithEmail(ctx, email), req)
	}
}
