package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/lendguard/internal/logging"
)

// ContextKeyPrincipal is the gin context key holding the *Principal.
const ContextKeyPrincipal = "principal"

// Middleware authenticates the Authorization header and rejects revoked
// sessions. A denylist outage is logged and the request continues; the
// session gate re-checks risk on every request regardless.
func Middleware(v *TokenVerifier, denylist Denylist) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := v.Verify(c.GetHeader("Authorization"))
		if err != nil {
			msg := "Valid session credential required. Include 'Authorization: Bearer <token>' header."
			if errors.Is(err, ErrInvalidCredential) {
				msg = "Session credential is invalid or expired."
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": msg,
			})
			return
		}

		revoked, err := denylist.IsRevoked(c.Request.Context(), p.SessionID)
		if err != nil {
			logging.L(c.Request.Context()).Warn("session denylist unavailable", "error", err)
		}
		if revoked {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Session has ended. Please sign in again.",
			})
			return
		}

		c.Set(ContextKeyPrincipal, p)
		c.Request = c.Request.WithContext(logging.WithUser(c.Request.Context(), p.UserID))
		c.Next()
	}
}

// GetPrincipal returns the authenticated principal, if any.
func GetPrincipal(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(ContextKeyPrincipal)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}

// HeaderServiceSecret carries the shared secret of a backend relaying
// requests on behalf of end users.
const HeaderServiceSecret = "X-Service-Secret"

// IsServiceCaller reports whether r presents the service secret. With no
// secret configured no caller qualifies.
func IsServiceCaller(r *http.Request, secret string) bool {
	got := r.Header.Get(HeaderServiceSecret)
	if secret == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
}

// RequireAdmin checks the X-Admin-Secret header. With no secret configured
// every admin request is refused.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader("X-Admin-Secret")
		if secret == "" || got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Admin secret required.",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret.",
			})
			return
		}
		c.Next()
	}
}
