// Package ipchecker gates internal endpoints to a trusted subnet.
//
// By default only the connection's remote address is checked. X-Real-IP and
// X-Forwarded-For are client supplied, so they are honoured only with
// WithProxyHeaders, for deployments where a reverse proxy overwrites them.
package ipchecker

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"go.uber.org/zap"

	"github.com/patric-chuzhbe/danki/internal/logger"
)

var (
	// ErrNoClientIP is returned when neither the proxy headers nor the
	// remote address carry a parsable IP.
	ErrNoClientIP = errors.New("cannot determine client IP")

	// ErrNotTrusted is returned for addresses outside the trusted subnet and
	// for every address when no subnet is configured.
	ErrNotTrusted = errors.New("client IP is not trusted")
)

type IPChecker struct {
	trusted      netip.Prefix
	proxyHeaders bool
}

type Option func(*IPChecker)

// WithProxyHeaders makes the checker take the client address from
// X-Real-IP and X-Forwarded-For before falling back to the remote address.
func WithProxyHeaders(enabled bool) Option {
	return func(c *IPChecker) {
		c.proxyHeaders = enabled
	}
}

// New parses trustedSubnet in CIDR notation. An empty string yields a
// checker that trusts nobody.
func New(trustedSubnet string, opts ...Option) (*IPChecker, error) {
	checker := &IPChecker{}
	for _, opt := range opts {
		opt(checker)
	}
	if trustedSubnet == "" {
		return checker, nil
	}

	prefix, err := netip.ParsePrefix(trustedSubnet)
	if err != nil {
		return nil, fmt.Errorf("in internal/ipchecker/ipchecker.go/New(): error while `netip.ParsePrefix()` calling: %w", err)
	}
	checker.trusted = prefix.Masked()

	return checker, nil
}

// Enabled reports whether a trusted subnet is configured.
func (c *IPChecker) Enabled() bool {
	return c.trusted.IsValid()
}

// ClientAddr returns X-Real-IP, else the first X-Forwarded-For entry, else
// the host of RemoteAddr.
func ClientAddr(r *http.Request) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return addr.Unmap(), nil
	}

	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
			return addr.Unmap(), nil
		}
	}

	return RemoteAddr(r)
}

// RemoteAddr returns the host of r.RemoteAddr.
func RemoteAddr(r *http.Request) (netip.Addr, error) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("in internal/ipchecker/ipchecker.go/RemoteAddr(): error while `net.SplitHostPort()` calling: %w", err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, ErrNoClientIP
	}

	return addr.Unmap(), nil
}

// Allow returns nil when the request comes from the trusted subnet.
func (c *IPChecker) Allow(r *http.Request) error {
	if !c.Enabled() {
		return ErrNotTrusted
	}

	clientAddr := RemoteAddr
	if c.proxyHeaders {
		clientAddr = ClientAddr
	}
	addr, err := clientAddr(r)
	if err != nil {
		return err
	}
	if !c.trusted.Contains(addr) {
		return ErrNotTrusted
	}

	return nil
}

// TrustedSubnetOnly answers 403 to requests that Allow rejects.
func (c *IPChecker) TrustedSubnetOnly(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := c.Allow(r); err != nil {
			logger.Log.Debugw("internal endpoint refused", "uri", r.RequestURI, zap.Error(err))
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		h.ServeHTTP(w, r)
	})
}
