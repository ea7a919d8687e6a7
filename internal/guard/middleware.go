package guard

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/lendguard/internal/auth"
	"github.com/mbd888/lendguard/internal/policy"
)

// ContextKeyDecision holds the session check decision for the request.
const ContextKeyDecision = "sessionDecision"

// HeaderVerificationRequired is set on responses whose session check asked
// for step-up verification.
const HeaderVerificationRequired = "X-Verification-Required"

// MetaFrom extracts request metadata from a gin context.
func MetaFrom(c *gin.Context) RequestMeta {
	return RequestMeta{
		IPAddress:      c.ClientIP(),
		UserAgent:      c.Request.UserAgent(),
		AcceptLanguage: c.GetHeader("Accept-Language"),
	}
}

// SessionGate runs CheckSession ahead of protected routes. It must follow
// auth.Middleware. Blocked sessions get 403; everything else continues.
func SessionGate(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := auth.GetPrincipal(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid session credential required.",
			})
			return
		}

		d := s.CheckSession(c.Request.Context(), p, MetaFrom(c))
		c.Set(ContextKeyDecision, d)
		if !d.Allow {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "access_denied",
				"message": d.Reason,
			})
			return
		}
		if d.RequiresVerification {
			c.Header(HeaderVerificationRequired, "true")
		}
		c.Next()
	}
}

// DecisionFrom returns the decision SessionGate stored, if any.
func DecisionFrom(c *gin.Context) (policy.Decision, bool) {
	v, ok := c.Get(ContextKeyDecision)
	if !ok {
		return policy.Decision{}, false
	}
	d, ok := v.(policy.Decision)
	return d, ok
}
