// Package signals collects the weak location signals the risk engine fuses:
// the country behind a phone number, the country and anonymiser bits behind
// an IP address, and a device fingerprint from request metadata.
//
// Collectors never panic and never block indefinitely. A signal that cannot
// be resolved is reported as ErrSignalUnavailable and the caller decides how
// much uncertainty that represents.
package signals

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrSignalUnavailable means a collector could not resolve its signal
	// (timeout, provider error, unroutable address).
	ErrSignalUnavailable = errors.New("signals: signal unavailable")

	// ErrNotRoutable is returned for private, loopback and malformed IPs.
	// It wraps ErrSignalUnavailable.
	ErrNotRoutable = fmt.Errorf("%w: address is not publicly routable", ErrSignalUnavailable)

	ErrUnsupportedPrefix = errors.New("signals: unsupported phone prefix")
	ErrInvalidLength     = errors.New("signals: invalid phone number length")

	// ErrNationalFormat is returned for a trunk-prefixed local number when
	// no home country is known to supply the country code.
	ErrNationalFormat = errors.New("signals: phone number in national format")
)

// IPInfo is what an IP resolver knows about an address.
type IPInfo struct {
	CountryCode string `json:"countryCode"`
	Proxy       bool   `json:"proxy"`
	Hosting     bool   `json:"hosting"`
}

// Anonymized reports whether the address looks like a VPN, proxy or
// datacenter egress.
func (i IPInfo) Anonymized() bool {
	return i.Proxy || i.Hosting
}

// IPResolver resolves an IP address to a country. Implementations must
// honour ctx cancellation and return an error wrapping ErrSignalUnavailable
// when the answer is unknown.
type IPResolver interface {
	Resolve(ctx context.Context, ip string) (IPInfo, error)
}

// ResolverFunc adapts a function to IPResolver.
type ResolverFunc func(ctx context.Context, ip string) (IPInfo, error)

func (f ResolverFunc) Resolve(ctx context.Context, ip string) (IPInfo, error) {
	return f(ctx, ip)
}
