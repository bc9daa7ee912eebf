// Package targetguard decides whether a submitted URL may be scanned. Only
// http and https targets whose host does not point into private, loopback or
// link-local address space are accepted.
package targetguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	ErrInvalidURL   = errors.New("targetguard: invalid URL")
	ErrScheme       = errors.New("targetguard: invalid URL scheme, must be http or https")
	ErrInternal     = errors.New("targetguard: scanning internal addresses is forbidden")
	ErrUnresolvable = errors.New("targetguard: could not resolve hostname")
)

// Resolver is the subset of *net.Resolver the guard needs.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

type Guard struct {
	resolver Resolver
}

// New returns a guard resolving hostnames with r, or net.DefaultResolver
// when r is nil.
func New(r Resolver) *Guard {
	if r == nil {
		r = net.DefaultResolver
	}
	return &Guard{resolver: r}
}

// Validate returns the normalized target or one of the package errors.
func (g *Guard) Validate(ctx context.Context, rawurl string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawurl))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", ErrScheme
	}
	host := u.Hostname()
	if host == "" {
		return "", ErrInvalidURL
	}
	u.Scheme = scheme

	if ip := net.ParseIP(host); ip != nil {
		if Internal(ip) {
			return "", ErrInternal
		}
		return u.String(), nil
	}

	addrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrUnresolvable, host)
	}
	for _, a := range addrs {
		if Internal(a.IP) {
			return "", ErrInternal
		}
	}
	return u.String(), nil
}

// Internal reports whether ip is private, loopback, link-local or
// unspecified.
func Internal(ip net.IP) bool {
	return ip.IsPrivate() ||
		ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
