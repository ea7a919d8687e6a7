package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/lendguard/internal/audit"
	"github.com/mbd888/lendguard/internal/auth"
	"github.com/mbd888/lendguard/internal/guard"
	"github.com/mbd888/lendguard/internal/health"
	"github.com/mbd888/lendguard/internal/logging"
	"github.com/mbd888/lendguard/internal/pagination"
	"github.com/mbd888/lendguard/internal/sessions"
	"github.com/mbd888/lendguard/internal/validation"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, statuses := s.health.CheckAll(c.Request.Context())

	status, httpStatus := "healthy", http.StatusOK
	if !ok {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Decision endpoints
// -----------------------------------------------------------------------------

func badRequest(c *gin.Context, err error) {
	body := gin.H{"error": "invalid_request", "message": err.Error()}
	var verrs validation.ValidationErrors
	if errors.As(err, &verrs) {
		body["fields"] = verrs
	}
	c.JSON(http.StatusBadRequest, body)
}

// writeGuardError maps guard errors onto the error envelope. The partial
// result, when there is one, is returned alongside so callers can see why.
func writeGuardError(c *gin.Context, res *guard.Result, err error) {
	var block *guard.BlockError
	switch {
	case errors.As(err, &block):
		c.JSON(http.StatusForbidden, gin.H{
			"error":    "access_denied",
			"message":  block.Decision.Reason,
			"decision": block.Decision,
			"result":   res,
		})
	case errors.Is(err, guard.ErrUnsupportedCountry):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "unsupported_country",
			"message": "Service is not available in this country.",
			"result":  res,
		})
	case errors.Is(err, guard.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	default:
		logging.L(c.Request.Context()).Error("location check failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Unable to verify location. Please try again.",
		})
	}
}

type verifyLocationRequest struct {
	IPAddress         string `json:"ipAddress"`
	RegisteredCountry string `json:"registeredCountry"`
}

func (s *Server) verifyLocation(c *gin.Context) {
	var req verifyLocationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = c.ClientIP()
	}
	if errs := validation.Validate(
		validation.Required("registeredCountry", req.RegisteredCountry),
		validation.Country("registeredCountry", req.RegisteredCountry),
		validation.IPAddress("ipAddress", req.IPAddress),
	); len(errs) > 0 {
		badRequest(c, errs)
		return
	}

	a, err := s.guard.VerifyLocation(c.Request.Context(), req.IPAddress, req.RegisteredCountry)
	if err != nil {
		writeGuardError(c, nil, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

type signupCheckRequest struct {
	UserID            string `json:"userId"`
	Email             string `json:"email"`
	Phone             string `json:"phone"`
	RegisteredCountry string `json:"registeredCountry"`
	// IPAddress and UserAgent describe the end user when a backend holding
	// the service secret relays the signup. Otherwise they are ignored.
	IPAddress string `json:"ipAddress"`
	UserAgent string `json:"userAgent"`
}

func (s *Server) signupCheck(c *gin.Context) {
	var req signupCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	meta := guard.MetaFrom(c)
	s.relay(c, &meta, req.IPAddress, req.UserAgent)

	validators := []func() *validation.ValidationError{
		validation.Required("registeredCountry", req.RegisteredCountry),
		validation.Country("registeredCountry", req.RegisteredCountry),
		validation.Email("email", req.Email),
		validation.MaxLength("phone", req.Phone, 32),
		validation.IPAddress("ipAddress", meta.IPAddress),
	}
	if req.UserID != "" {
		validators = append(validators, validation.UserID("userId", req.UserID))
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		badRequest(c, errs)
		return
	}

	res, err := s.guard.Signup(c.Request.Context(), guard.SignupRequest{
		UserID:            req.UserID,
		Email:             strings.TrimSpace(req.Email),
		Phone:             req.Phone,
		RegisteredCountry: req.RegisteredCountry,
		RequestMeta:       meta,
	})
	if err != nil {
		writeGuardError(c, res, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type clientMetaRequest struct {
	IPAddress string `json:"ipAddress"`
	UserAgent string `json:"userAgent"`
}

// relay applies an end-user address supplied in the body. Only a caller
// holding the service secret may speak for another client; anyone else is
// scored on its own connection.
func (s *Server) relay(c *gin.Context, meta *guard.RequestMeta, ip, userAgent string) {
	if ip == "" && userAgent == "" {
		return
	}
	if !auth.IsServiceCaller(c.Request, s.cfg.ServiceSecret) {
		logging.L(c.Request.Context()).Warn("relayed client address ignored",
			"path", c.FullPath(),
			"client_ip", meta.IPAddress,
			"claimed_ip", ip,
		)
		return
	}
	if ip != "" {
		meta.IPAddress = ip
	}
	if userAgent != "" {
		meta.UserAgent = validation.SanitizeString(userAgent, validation.MaxStringLength)
	}
}

// relayedMeta reads an optional body naming the end user's address.
func (s *Server) relayedMeta(c *gin.Context) (guard.RequestMeta, error) {
	meta := guard.MetaFrom(c)
	if c.Request.ContentLength == 0 {
		return meta, nil
	}
	var req clientMetaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return meta, err
	}
	s.relay(c, &meta, req.IPAddress, req.UserAgent)
	if errs := validation.Validate(validation.IPAddress("ipAddress", meta.IPAddress)); len(errs) > 0 {
		return meta, errs
	}
	return meta, nil
}

func (s *Server) signinCheck(c *gin.Context) {
	p, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Session required"})
		return
	}
	meta, err := s.relayedMeta(c)
	if err != nil {
		badRequest(c, err)
		return
	}

	res, err := s.guard.Signin(c.Request.Context(), p, meta)
	if err != nil {
		writeGuardError(c, res, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) sessionCheck(c *gin.Context) {
	p, ok := auth.GetPrincipal(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Session required"})
		return
	}
	d := s.guard.CheckSession(c.Request.Context(), p, guard.MetaFrom(c))
	if d.RequiresVerification {
		c.Header(guard.HeaderVerificationRequired, "true")
	}
	c.JSON(http.StatusOK, d)
}

// -----------------------------------------------------------------------------
// Account endpoints (behind the session gate)
// -----------------------------------------------------------------------------

func (s *Server) accountSessions(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	rows, err := s.sessions.ListByUser(c.Request.Context(), p.UserID)
	if err != nil {
		internalError(c, "Failed to list sessions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": emptyIfNil(rows), "current": p.SessionID})
}

func (s *Server) accountDevices(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	rows, err := s.devices.ListDevices(c.Request.Context(), p.UserID)
	if err != nil {
		internalError(c, "Failed to list devices", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": emptyIfNil(rows)})
}

func (s *Server) trustDevice(c *gin.Context) {
	p, _ := auth.GetPrincipal(c)
	fp := c.Param("fingerprint")
	if len(fp) != 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "fingerprint must be 64 hex characters"})
		return
	}
	err := s.devices.SetTrusted(c.Request.Context(), p.UserID, strings.ToLower(fp), true)
	if errors.Is(err, sessions.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Device not found"})
		return
	}
	if err != nil {
		internalError(c, "Failed to update device", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deviceFingerprint": fp, "isTrusted": true})
}

// -----------------------------------------------------------------------------
// Admin endpoints
// -----------------------------------------------------------------------------

// pageParams reads ?limit= and ?cursor= for the audit listings.
func pageParams(c *gin.Context) (*pagination.Cursor, int, bool) {
	n, _ := strconv.Atoi(c.Query("limit"))
	cursor, err := pagination.Parse(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid cursor"})
		return nil, 0, false
	}
	return cursor, pagination.Limit(n), true
}

func (s *Server) listVerificationEvents(c *gin.Context) {
	cursor, limit, ok := pageParams(c)
	if !ok {
		return
	}
	events, err := s.audit.Store().ListEvents(c.Request.Context(), c.Param("userId"), cursor, limit+1)
	if err != nil {
		internalError(c, "Failed to list verification events", err)
		return
	}
	events, next := pagination.Page(events, limit, func(e *audit.VerificationEvent) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	c.JSON(http.StatusOK, gin.H{"events": emptyIfNil(events), "count": len(events), "nextCursor": next})
}

func (s *Server) listBlockedAttempts(c *gin.Context) {
	cursor, limit, ok := pageParams(c)
	if !ok {
		return
	}
	blocked, err := s.audit.Store().ListBlocked(c.Request.Context(), c.Param("userId"), cursor, limit+1)
	if err != nil {
		internalError(c, "Failed to list blocked attempts", err)
		return
	}
	blocked, next := pagination.Page(blocked, limit, func(b *audit.BlockedAttempt) (time.Time, string) {
		return b.CreatedAt, b.ID
	})
	c.JSON(http.StatusOK, gin.H{"blockedAttempts": emptyIfNil(blocked), "count": len(blocked), "nextCursor": next})
}

func (s *Server) listUserSessions(c *gin.Context) {
	rows, err := s.sessions.ListByUser(c.Request.Context(), c.Param("userId"))
	if err != nil {
		internalError(c, "Failed to list sessions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": emptyIfNil(rows), "count": len(rows)})
}

func (s *Server) listUserDevices(c *gin.Context) {
	rows, err := s.devices.ListDevices(c.Request.Context(), c.Param("userId"))
	if err != nil {
		internalError(c, "Failed to list devices", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": emptyIfNil(rows), "count": len(rows)})
}

func (s *Server) terminateSession(c *gin.Context) {
	err := s.guard.TerminateSession(c.Request.Context(), c.Param("userId"), c.Param("sessionId"))
	if errors.Is(err, guard.ErrInvalidRequest) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "sessionId required"})
		return
	}
	if err != nil {
		internalError(c, "Failed to terminate session", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"terminated": true, "sessionId": c.Param("sessionId")})
}

func (s *Server) sweepSessions(c *gin.Context) {
	n, err := s.sweeper.Sweep(c.Request.Context())
	if err != nil {
		internalError(c, "Sweep failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n, "ttl": s.cfg.SessionLocationTTL.String()})
}

// -----------------------------------------------------------------------------
// Development
// -----------------------------------------------------------------------------

type devTokenRequest struct {
	UserID       string `json:"userId" binding:"required"`
	Country      string `json:"country" binding:"required"`
	PhoneCountry string `json:"phoneCountry"`
	TTLSeconds   int    `json:"ttlSeconds"`
}

// issueDevToken mints a session credential so the check endpoints can be
// exercised without an identity provider. Development only.
func (s *Server) issueDevToken(c *gin.Context) {
	var req devTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if errs := validation.Validate(
		validation.UserID("userId", req.UserID),
		validation.Country("country", req.Country),
	); len(errs) > 0 {
		badRequest(c, errs)
		return
	}
	ttl := time.Hour
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	token, err := s.verifier.Issue(req.UserID, strings.ToUpper(req.Country), strings.ToUpper(req.PhoneCountry), ttl)
	if err != nil {
		internalError(c, "Failed to issue token", err)
		return
	}
	p, err := s.verifier.Verify(token)
	if err != nil {
		internalError(c, "Failed to issue token", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": token, "sessionId": p.SessionID, "expiresAt": p.ExpiresAt})
}

func internalError(c *gin.Context, msg string, err error) {
	if !errors.Is(err, context.Canceled) {
		logging.L(c.Request.Context()).Error(msg, "error", err)
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": msg})
}

func emptyIfNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
