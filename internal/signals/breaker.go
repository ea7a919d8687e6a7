package signals

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/lendguard/internal/circuitbreaker"
)

// ProviderKey is the circuit breaker key used for the geolocation provider.
const ProviderKey = "geoip"

// BreakerResolver skips the wrapped resolver while its circuit is open.
type BreakerResolver struct {
	next    IPResolver
	breaker *circuitbreaker.Breaker
	key     string
}

// NewBreakerResolver wraps next with cb under ProviderKey.
func NewBreakerResolver(next IPResolver, cb *circuitbreaker.Breaker) *BreakerResolver {
	return &BreakerResolver{next: next, breaker: cb, key: ProviderKey}
}

// Resolve implements IPResolver. Unroutable addresses and caller
// cancellations are not held against the provider.
func (b *BreakerResolver) Resolve(ctx context.Context, ip string) (IPInfo, error) {
	if _, err := PublicAddr(ip); err != nil {
		return IPInfo{}, err
	}
	if !b.breaker.Allow(b.key) {
		return IPInfo{}, fmt.Errorf("%w: provider circuit open", ErrSignalUnavailable)
	}

	info, err := b.next.Resolve(ctx, ip)
	switch {
	case err == nil:
		b.breaker.RecordSuccess(b.key)
	case ctx.Err() != nil && errors.Is(err, ErrSignalUnavailable):
		// caller gave up; says nothing about provider health
	default:
		b.breaker.RecordFailure(b.key)
	}
	return info, err
}
