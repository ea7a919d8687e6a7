// Package security provides response hardening middleware and validation
// of the outbound geolocation provider URL.
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// HeadersMiddleware sets hardening headers. The service only serves JSON,
// and decisions are never cacheable.
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Cache-Control", "no-store")
		c.Next()
	}
}

// CORSMiddleware allows the listed browser origins. An empty list allows
// none; "*" allows any origin without credentials.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	wildcard := allowed["*"]

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (wildcard || allowed[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			c.Header("Access-Control-Max-Age", "86400")
			c.Header("Vary", "Origin")
			if !wildcard {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// ValidateProviderURL checks a geolocation URL template before the service
// starts calling it. The template must carry one %s for the IP. Hosts that
// are loopback or private are refused unless allowInternal is set, which
// development uses for a local stub provider.
func ValidateProviderURL(template string, allowInternal bool) error {
	if strings.Count(template, "%s") != 1 {
		return fmt.Errorf("provider URL must contain exactly one %%s placeholder")
	}
	u, err := url.Parse(strings.Replace(template, "%s", "1.1.1.1", 1))
	if err != nil {
		return fmt.Errorf("invalid provider URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("provider URL scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("provider URL must have a host")
	}
	if allowInternal {
		return nil
	}

	if strings.EqualFold(host, "localhost") || strings.HasPrefix(strings.ToLower(host), "metadata.google") {
		return fmt.Errorf("provider host %q is not allowed", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback provider addresses are not allowed")
	case ip.IsPrivate():
		return fmt.Errorf("private provider addresses are not allowed")
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local provider addresses are not allowed")
	case ip.IsUnspecified():
		return fmt.Errorf("unspecified provider addresses are not allowed")
	}
	return nil
}
