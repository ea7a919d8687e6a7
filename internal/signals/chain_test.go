package signals

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/lendguard/internal/circuitbreaker"
)

// countingResolver returns a canned answer and counts calls.
type countingResolver struct {
	info  IPInfo
	err   error
	calls int
}

func (c *countingResolver) Resolve(ctx context.Context, ip string) (IPInfo, error) {
	c.calls++
	return c.info, c.err
}

func TestCachingResolver_CachesSuccessOnly(t *testing.T) {
	next := &countingResolver{info: IPInfo{CountryCode: "KE"}}
	r := NewCachingResolver(next, NewMemoryCache(time.Minute), time.Minute)

	for i := 0; i < 3; i++ {
		info, err := r.Resolve(context.Background(), "41.90.1.1")
		require.NoError(t, err)
		assert.Equal(t, "KE", info.CountryCode)
	}
	assert.Equal(t, 1, next.calls)

	failing := &countingResolver{err: ErrSignalUnavailable}
	r = NewCachingResolver(failing, NewMemoryCache(time.Minute), time.Minute)
	for i := 0; i < 3; i++ {
		_, err := r.Resolve(context.Background(), "41.90.1.1")
		assert.ErrorIs(t, err, ErrSignalUnavailable)
	}
	assert.Equal(t, 3, failing.calls, "failures must not be cached")
}

func TestCachingResolver_NonPublicShortCircuits(t *testing.T) {
	next := &countingResolver{info: IPInfo{CountryCode: "KE"}}
	r := NewCachingResolver(next, NewMemoryCache(time.Minute), time.Minute)

	_, err := r.Resolve(context.Background(), "10.1.2.3")
	assert.ErrorIs(t, err, ErrSignalUnavailable)
	assert.Equal(t, 0, next.calls)
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) (IPInfo, bool, error) {
	return IPInfo{}, false, errors.New("cache down")
}
func (brokenCache) Set(context.Context, string, IPInfo, time.Duration) error {
	return errors.New("cache down")
}

func TestCachingResolver_CacheErrorsDegrade(t *testing.T) {
	next := &countingResolver{info: IPInfo{CountryCode: "GH"}}
	r := NewCachingResolver(next, brokenCache{}, time.Minute)

	info, err := r.Resolve(context.Background(), "41.90.1.1")
	require.NoError(t, err)
	assert.Equal(t, "GH", info.CountryCode)
}

func TestBreakerResolver_OpensAfterFailures(t *testing.T) {
	next := &countingResolver{err: ErrSignalUnavailable}
	cb := circuitbreaker.New(2, time.Hour)
	r := NewBreakerResolver(next, cb)

	for i := 0; i < 2; i++ {
		_, err := r.Resolve(context.Background(), "41.90.1.1")
		assert.ErrorIs(t, err, ErrSignalUnavailable)
	}
	assert.Equal(t, circuitbreaker.StateOpen, cb.State(ProviderKey))

	_, err := r.Resolve(context.Background(), "41.90.1.1")
	assert.ErrorIs(t, err, ErrSignalUnavailable)
	assert.Equal(t, 2, next.calls, "open circuit must skip the provider")
}

func TestBreakerResolver_IgnoresUnroutableAndCancelled(t *testing.T) {
	next := &countingResolver{err: ErrSignalUnavailable}
	cb := circuitbreaker.New(1, time.Hour)
	r := NewBreakerResolver(next, cb)

	_, err := r.Resolve(context.Background(), "127.0.0.1")
	assert.ErrorIs(t, err, ErrNotRoutable)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Resolve(ctx, "41.90.1.1")
	assert.ErrorIs(t, err, ErrSignalUnavailable)

	assert.Equal(t, circuitbreaker.StateClosed, cb.State(ProviderKey))
}

func TestBreakerResolver_SuccessKeepsClosed(t *testing.T) {
	next := &countingResolver{info: IPInfo{CountryCode: "KE"}}
	cb := circuitbreaker.New(1, time.Hour)
	r := NewBreakerResolver(next, cb)

	info, err := r.Resolve(context.Background(), "41.90.1.1")
	require.NoError(t, err)
	assert.Equal(t, "KE", info.CountryCode)
	assert.Equal(t, circuitbreaker.StateClosed, cb.State(ProviderKey))
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache(time.Minute)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "41.90.1.1", IPInfo{CountryCode: "KE"}, 20*time.Millisecond))
	info, ok, err := c.Get(ctx, "41.90.1.1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "KE", info.CountryCode)

	time.Sleep(40 * time.Millisecond)
	_, ok, _ = c.Get(ctx, "41.90.1.1")
	assert.False(t, ok)
}

func TestRedisCache_RoundTrip(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	t.Cleanup(func() { rdb.Close() })

	ctx := context.Background()
	c := NewRedisCache(rdb)
	ip := "41.90.77.77"
	t.Cleanup(func() { rdb.Del(ctx, "geoip:"+ip) })

	_, ok, err := c.Get(ctx, ip)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, ip, IPInfo{CountryCode: "NG", Proxy: true}, time.Minute))
	info, ok, err := c.Get(ctx, ip)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, IPInfo{CountryCode: "NG", Proxy: true}, info)
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("Mozilla/5.0", "en-KE")
	assert.Equal(t, a, Fingerprint(" Mozilla/5.0 ", "EN-ke"))
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, Fingerprint("Mozilla/5.0", "sw-KE"))
	// Field boundary matters.
	assert.NotEqual(t, Fingerprint("ab", "c"), Fingerprint("a", "bc"))
}
