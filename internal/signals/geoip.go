package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// HTTPResolver looks addresses up against an ip-api.com compatible JSON
// endpoint. Concurrent lookups for the same IP share one outbound request.
type HTTPResolver struct {
	urlTemplate string // %s is replaced by the IP
	timeout     time.Duration
	client      *http.Client
	group       singleflight.Group
}

// NewHTTPResolver creates a resolver. Every lookup is bounded by timeout
// regardless of the caller's context deadline.
func NewHTTPResolver(urlTemplate string, timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPResolver{
		urlTemplate: urlTemplate,
		timeout:     timeout,
		client:      &http.Client{Timeout: timeout},
	}
}

// WithClient replaces the HTTP client (tests).
func (r *HTTPResolver) WithClient(c *http.Client) *HTTPResolver {
	r.client = c
	return r
}

type providerResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	CountryCode string `json:"countryCode"`
	Proxy       bool   `json:"proxy"`
	Hosting     bool   `json:"hosting"`
}

// Resolve implements IPResolver.
func (r *HTTPResolver) Resolve(ctx context.Context, ip string) (IPInfo, error) {
	addr, err := PublicAddr(ip)
	if err != nil {
		return IPInfo{}, err
	}
	key := addr.String()

	ch := r.group.DoChan(key, func() (interface{}, error) {
		// Detached from any single caller so one cancelled request does not
		// fail the others sharing this flight.
		fetchCtx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		return r.fetch(fetchCtx, key)
	})

	select {
	case <-ctx.Done():
		return IPInfo{}, fmt.Errorf("%w: %v", ErrSignalUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return IPInfo{}, res.Err
		}
		return res.Val.(IPInfo), nil
	}
}

func (r *HTTPResolver) fetch(ctx context.Context, ip string) (IPInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(r.urlTemplate, ip), nil)
	if err != nil {
		return IPInfo{}, fmt.Errorf("%w: build request: %v", ErrSignalUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return IPInfo{}, fmt.Errorf("%w: %v", ErrSignalUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return IPInfo{}, fmt.Errorf("%w: provider returned status %d", ErrSignalUnavailable, resp.StatusCode)
	}

	var pr providerResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&pr); err != nil {
		return IPInfo{}, fmt.Errorf("%w: decode provider response: %v", ErrSignalUnavailable, err)
	}
	if pr.Status != "" && pr.Status != "success" {
		return IPInfo{}, fmt.Errorf("%w: provider status %q: %s", ErrSignalUnavailable, pr.Status, pr.Message)
	}
	cc := strings.ToUpper(strings.TrimSpace(pr.CountryCode))
	if len(cc) != 2 {
		return IPInfo{}, fmt.Errorf("%w: provider returned no country", ErrSignalUnavailable)
	}

	return IPInfo{CountryCode: cc, Proxy: pr.Proxy, Hosting: pr.Hosting}, nil
}

// PublicAddr parses ip and rejects addresses that can never be geolocated:
// malformed, loopback, private, link-local, multicast and unspecified.
func PublicAddr(ip string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrNotRoutable, ip)
	}
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsMulticast() || addr.IsUnspecified() ||
		addr.IsInterfaceLocalMulticast() {
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrNotRoutable, addr)
	}
	return addr, nil
}
