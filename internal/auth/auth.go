// Package auth issues and verifies the HS256 bearer tokens of the service,
// exposes the authenticated email to handlers through the request context
// and implements the collection ownership rule.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/patric-chuzhbe/danki/internal/logger"
	"github.com/patric-chuzhbe/danki/internal/models"
)

var (
	// ErrInvalidToken covers every reason a presented token is rejected.
	ErrInvalidToken = errors.New("invalid token")

	// ErrMissingToken is returned when no bearer token accompanies the request.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrAccessDenied is returned when the caller does not own the resource.
	ErrAccessDenied = errors.New("access denied")
)

// Claims represents the JWT claims used by the system.
// It embeds standard JWT claims and adds the account email.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// ContextKey is a custom type for storing values in context to avoid collisions.
type ContextKey string

// EmailKey is the context key holding the authenticated email.
const EmailKey ContextKey = "email"

const bearerPrefix = "Bearer "

// Auth signs and verifies tokens with a single shared secret.
type Auth struct {
	signingKey []byte
	issuer     string
	audience   string
	tokenTTL   time.Duration
	now        func() time.Time
}

// Option tunes an Auth.
type Option func(*Auth)

// WithClock replaces time.Now, for tests that move past expiry.
func WithClock(now func() time.Time) Option {
	return func(a *Auth) {
		a.now = now
	}
}

// New creates an Auth issuing tokens valid for tokenTTL.
func New(
	signingKey []byte,
	issuer string,
	audience string,
	tokenTTL time.Duration,
	options ...Option,
) *Auth {
	a := &Auth{
		signingKey: signingKey,
		issuer:     issuer,
		audience:   audience,
		tokenTTL:   tokenTTL,
		now:        time.Now,
	}
	for _, option := range options {
		option(a)
	}

	return a
}

// BuildJWTString mints a signed token carrying the email claim.
func (a *Auth) BuildJWTString(email string) (string, error) {
	now := a.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   email,
			Audience:  jwt.ClaimStrings{a.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenTTL)),
		},
		Email: email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString(a.signingKey)
	if err != nil {
		return "", fmt.Errorf("in internal/auth/auth.go/BuildJWTString(): error while `token.SignedString()` calling: %w", err)
	}

	return tokenString, nil
}

// GetEmailFromToken verifies signature, issuer, audience and expiry
// and returns the email claim.
func (a *Auth) GetEmailFromToken(tokenString string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return a.signingKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Email == "" {
		return "", ErrInvalidToken
	}

	return claims.Email, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", ErrMissingToken
	}

	return token, nil
}

// AuthenticateUser is an HTTP middleware that rejects requests without a valid
// bearer token with 401 and stores the token's email in the request context.
func (a *Auth) AuthenticateUser(h http.Handler) http.Handler {
	middleware := func(response http.ResponseWriter, request *http.Request) {
		tokenString, err := BearerToken(request.Header.Get("Authorization"))
		if err != nil {
			writeUnauthorized(response, err)
			return
		}

		email, err := a.GetEmailFromToken(tokenString)
		if err != nil {
			logger.Log.Debugln("Error calling the `a.GetEmailFromToken()`: ", zap.Error(err))
			writeUnauthorized(response, ErrInvalidToken)
			return
		}

		h.ServeHTTP(response, request.WithContext(WithEmail(request.Context(), email)))
	}

	return http.HandlerFunc(middleware)
}

// WithEmail returns a copy of ctx carrying the authenticated email.
func WithEmail(ctx context.Context, email string) context.Context {
	return context.WithValue(ctx, EmailKey, email)
}

// EmailFromContext returns the authenticated email, if any.
func EmailFromContext(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(EmailKey).(string)
	return email, ok && email != ""
}

// CheckOwnership allows access only when the resource owner is the caller.
func CheckOwnership(ownerEmail, email string) error {
	if ownerEmail == "" || ownerEmail != email {
		return ErrAccessDenied
	}

	return nil
}

func writeUnauthorized(response http.ResponseWriter, err error) {
	response.Header().Set("Content-Type", "application/json")
	response.Header().Set("WWW-Authenticate", `Bearer realm="danki"`)
	response.WriteHeader(http.StatusUnauthorized)
	if encodeErr := json.NewEncoder(response).Encode(models.ErrorMsg{Message: err.Error()}); encodeErr != nil {
		logger.Log.Debugln("Error calling the `json.NewEncoder().Encode()`: ", zap.Error(encodeErr))
	}
}
