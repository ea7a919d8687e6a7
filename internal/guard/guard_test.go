package guard

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/lendguard/internal/audit"
	"github.com/mbd888/lendguard/internal/auth"
	"github.com/mbd888/lendguard/internal/policy"
	"github.com/mbd888/lendguard/internal/risk"
	"github.com/mbd888/lendguard/internal/sessions"
	"github.com/mbd888/lendguard/internal/signals"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var supported = []string{"KE", "NG", "GH", "UG", "TZ", "RW", "ZA"}

type harness struct {
	svc      *Service
	audit    *audit.MemoryStore
	sessions *sessions.MemoryStore
	devices  *sessions.MemoryDeviceStore
	denylist *auth.MemoryDenylist
}

func newHarness(t *testing.T, assessor Assessor) *harness {
	t.Helper()
	h := &harness{
		audit:    audit.NewMemoryStore(),
		sessions: sessions.NewMemoryStore(),
		devices:  sessions.NewMemoryDeviceStore(),
		denylist: auth.NewMemoryDenylist(),
	}
	phones := signals.MustPhoneTable(signals.DefaultCountries).Restrict(supported)
	h.svc = NewService(assessor, phones, audit.NewLog(h.audit), h.sessions, h.devices, h.denylist)
	return h
}

func resolveTo(country string, proxy bool) *risk.Engine {
	return risk.NewEngine(signals.ResolverFunc(func(ctx context.Context, ip string) (signals.IPInfo, error) {
		return signals.IPInfo{CountryCode: country, Proxy: proxy}, nil
	}))
}

func unavailable() *risk.Engine {
	return risk.NewEngine(signals.ResolverFunc(func(ctx context.Context, ip string) (signals.IPInfo, error) {
		return signals.IPInfo{}, signals.ErrSignalUnavailable
	}))
}

type brokenAssessor struct{}

func (brokenAssessor) Assess(ctx context.Context, in risk.Input) (*risk.Assessment, error) {
	return nil, risk.ErrScoringFailed
}

func principal() *auth.Principal {
	return &auth.Principal{
		UserID:            "user-1",
		SessionID:         "sess-abcdef",
		RegisteredCountry: "KE",
		ExpiresAt:         time.Now().Add(time.Hour),
	}
}

var meta = RequestMeta{IPAddress: "41.90.64.1", UserAgent: "Mozilla/5.0", AcceptLanguage: "en-KE"}

func TestSignup_ScenarioA_Proceeds(t *testing.T) {
	h := newHarness(t, resolveTo("KE", false))

	res, err := h.svc.Signup(context.Background(), SignupRequest{
		UserID: "user-1", Email: "a@example.com", Phone: "+254 712 345 678",
		RegisteredCountry: "KE", RequestMeta: meta,
	})
	require.NoError(t, err)
	assert.True(t, res.Decision.Allow)
	assert.Equal(t, policy.ActionNone, res.Decision.Action)
	assert.Less(t, res.Decision.Score, 50)
	require.NotNil(t, res.PhoneCountry)
	assert.Equal(t, "KE", res.PhoneCountry.CountryCode)

	events, blocked := h.audit.Count()
	assert.Equal(t, 1, events)
	assert.Equal(t, 0, blocked)
}

func TestSignup_ScenarioD_UnsupportedPhoneBeforeScoring(t *testing.T) {
	h := newHarness(t, brokenAssessor{})

	_, err := h.svc.Signup(context.Background(), SignupRequest{
		UserID: "user-1", Phone: "+1 415 555 0100", RegisteredCountry: "KE", RequestMeta: meta,
	})
	assert.ErrorIs(t, err, ErrUnsupportedCountry)

	events, blocked := h.audit.Count()
	assert.Zero(t, events, "scoring must not run")
	assert.Zero(t, blocked)
}

func TestSignup_LocalPhoneUsesRegisteredCountry(t *testing.T) {
	h := newHarness(t, resolveTo("KE", false))

	res, err := h.svc.Signup(context.Background(), SignupRequest{
		UserID: "user-1", Phone: "0712 345 678", RegisteredCountry: "KE", RequestMeta: meta,
	})
	require.NoError(t, err)
	require.NotNil(t, res.PhoneCountry)
	assert.Equal(t, "KE", res.PhoneCountry.CountryCode)
	assert.Equal(t, "+254", res.PhoneCountry.PhoneCode)
	assert.Equal(t, policy.ActionNone, res.Decision.Action)
}

func TestSignup_UnsupportedRegisteredCountry(t *testing.T) {
	h := newHarness(t, resolveTo("US", false))
	_, err := h.svc.Signup(context.Background(), SignupRequest{UserID: "user-1", RegisteredCountry: "US", RequestMeta: meta})
	assert.ErrorIs(t, err, ErrUnsupportedCountry)
}

func TestSignup_InvalidPhoneLength(t *testing.T) {
	h := newHarness(t, resolveTo("KE", false))
	_, err := h.svc.Signup(context.Background(), SignupRequest{UserID: "user-1", Phone: "+254 712", RegisteredCountry: "KE", RequestMeta: meta})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestSignup_UnsupportedDetectedCountry(t *testing.T) {
	h := newHarness(t, resolveTo("US", false))
	res, err := h.svc.Signup(context.Background(), SignupRequest{UserID: "user-1", RegisteredCountry: "KE", RequestMeta: meta})
	assert.ErrorIs(t, err, ErrUnsupportedCountry)
	require.NotNil(t, res)
	assert.Equal(t, "US", res.Assessment.DetectedCountry)

	events, _ := h.audit.Count()
	assert.Equal(t, 1, events)
}

func TestSignup_RejectBand(t *testing.T) {
	h := newHarness(t, resolveTo("NG", true))
	res, err := h.svc.Signup(context.Background(), SignupRequest{UserID: "user-1", Email: "a@example.com", RegisteredCountry: "KE", RequestMeta: meta})

	var be *BlockError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, policy.ActionReject, be.Decision.Action)
	assert.False(t, res.Decision.Allow)

	blocked, err := h.audit.ListBlocked(context.Background(), "user-1", nil, 10)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, "a@example.com", blocked[0].Email)
	assert.Equal(t, audit.EventSignup, blocked[0].AttemptType)
}

func TestSignup_FailsClosed(t *testing.T) {
	h := newHarness(t, brokenAssessor{})
	_, err := h.svc.Signup(context.Background(), SignupRequest{UserID: "user-1", RegisteredCountry: "KE", RequestMeta: meta})
	assert.ErrorIs(t, err, ErrAssessmentFailed)
}

func TestSignin_ScenarioB_BlockedAndRevoked(t *testing.T) {
	h := newHarness(t, resolveTo("NG", true))
	p := principal()

	res, err := h.svc.Signin(context.Background(), p, meta)
	var be *BlockError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, policy.ActionBlock, res.Decision.Action)
	assert.GreaterOrEqual(t, res.Decision.Score, 90)

	blocked, err := h.audit.ListBlocked(context.Background(), "user-1", nil, 10)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.True(t, blocked[0].RiskFlags.Has(risk.FlagVPNDetected))
	assert.True(t, blocked[0].RiskFlags.Has(risk.FlagCountryMismatch))

	revoked, _ := h.denylist.IsRevoked(context.Background(), p.SessionID)
	assert.True(t, revoked)

	events, _ := h.audit.ListEvents(context.Background(), "user-1", nil, 10)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventLogin, events[0].EventType)
	assert.False(t, events[0].Result)
}

func TestSignin_RequiresVerification(t *testing.T) {
	h := newHarness(t, resolveTo("NG", false))
	res, err := h.svc.Signin(context.Background(), principal(), meta)
	require.NoError(t, err)
	assert.True(t, res.Decision.Allow)
	assert.True(t, res.Decision.RequiresVerification)

	devices, _ := h.devices.ListDevices(context.Background(), "user-1")
	assert.Len(t, devices, 1)
}

func TestSignin_FailsClosed(t *testing.T) {
	h := newHarness(t, brokenAssessor{})
	_, err := h.svc.Signin(context.Background(), principal(), meta)
	assert.ErrorIs(t, err, ErrAssessmentFailed)

	events, _ := h.audit.ListEvents(context.Background(), "user-1", nil, 10)
	require.Len(t, events, 1)
	assert.False(t, events[0].Result)
}

func TestCheckSession_ScenarioC_ResolverTimeout(t *testing.T) {
	h := newHarness(t, unavailable())
	p := principal()

	d := h.svc.CheckSession(context.Background(), p, meta)
	assert.True(t, d.Allow)
	assert.Equal(t, policy.ActionMonitor, d.Action)
	assert.Less(t, d.Score, 90)

	events, _ := h.audit.ListEvents(context.Background(), "user-1", nil, 10)
	require.Len(t, events, 1)
	assert.True(t, events[0].RiskFlags.Has(risk.FlagGeolocationUnavailable))

	loc, err := h.sessions.Get(context.Background(), "user-1", p.SessionID)
	require.NoError(t, err)
	assert.Equal(t, d.Score, loc.RiskScore)
	assert.Empty(t, loc.CountryCode)
}

func TestCheckSession_FailsOpen(t *testing.T) {
	h := newHarness(t, brokenAssessor{})
	d := h.svc.CheckSession(context.Background(), principal(), meta)
	assert.True(t, d.Allow)
	assert.Equal(t, policy.ActionMonitor, d.Action)
	assert.True(t, d.Degraded)

	events, _ := h.audit.Count()
	assert.Equal(t, 1, events)
}

func TestCheckSession_RepeatedChecksKeepOneRow(t *testing.T) {
	h := newHarness(t, resolveTo("KE", false))
	p := principal()
	for i := 0; i < 3; i++ {
		d := h.svc.CheckSession(context.Background(), p, meta)
		assert.Equal(t, policy.ActionNone, d.Action)
	}
	rows, err := h.sessions.ListByUser(context.Background(), "user-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "KE", rows[0].CountryCode)

	events, _ := h.audit.Count()
	assert.Equal(t, 3, events)
}

func TestCheckSession_BlockRevokes(t *testing.T) {
	h := newHarness(t, resolveTo("NG", true))
	p := principal()
	d := h.svc.CheckSession(context.Background(), p, meta)
	assert.False(t, d.Allow)
	assert.Equal(t, policy.ActionBlock, d.Action)

	revoked, _ := h.denylist.IsRevoked(context.Background(), p.SessionID)
	assert.True(t, revoked)
	_, blocked := h.audit.Count()
	assert.Equal(t, 1, blocked)
}

type failingAudit struct{ *audit.MemoryStore }

func (failingAudit) AppendEvent(context.Context, *audit.VerificationEvent) error {
	return errors.New("disk full")
}

func (failingAudit) AppendBlocked(context.Context, *audit.BlockedAttempt) error {
	return errors.New("disk full")
}

func TestAuditFailureNeverChangesDecision(t *testing.T) {
	phones := signals.MustPhoneTable(signals.DefaultCountries).Restrict(supported)
	denylist := auth.NewMemoryDenylist()
	svc := NewService(resolveTo("NG", true), phones, audit.NewLog(failingAudit{audit.NewMemoryStore()}),
		sessions.NewMemoryStore(), sessions.NewMemoryDeviceStore(), denylist)

	p := principal()
	_, err := svc.Signin(context.Background(), p, meta)
	var be *BlockError
	require.ErrorAs(t, err, &be)

	revoked, _ := denylist.IsRevoked(context.Background(), p.SessionID)
	assert.True(t, revoked)

	svc = NewService(resolveTo("KE", false), phones, audit.NewLog(failingAudit{audit.NewMemoryStore()}),
		sessions.NewMemoryStore(), sessions.NewMemoryDeviceStore(), denylist)
	d := svc.CheckSession(context.Background(), principal(), meta)
	assert.True(t, d.Allow)
}

func TestVerifyLocation(t *testing.T) {
	h := newHarness(t, resolveTo("NG", false))
	a, err := h.svc.VerifyLocation(context.Background(), "102.89.1.1", "ke")
	require.NoError(t, err)
	assert.Equal(t, "NG", a.DetectedCountry)
	assert.True(t, a.Flags.Has(risk.FlagCountryMismatch))

	events, _ := h.audit.Count()
	assert.Zero(t, events)

	_, err = h.svc.VerifyLocation(context.Background(), "102.89.1.1", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func gateRequest(h *harness, p *auth.Principal) (*httptest.ResponseRecorder, *gin.Context) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/v1/account/profile", nil)
	c.Request.RemoteAddr = "41.90.64.1:5000"
	c.Request.Header.Set("User-Agent", "Mozilla/5.0")
	if p != nil {
		c.Set(auth.ContextKeyPrincipal, p)
	}
	SessionGate(h.svc)(c)
	return w, c
}

func TestSessionGate(t *testing.T) {
	w, c := gateRequest(newHarness(t, resolveTo("KE", false)), principal())
	assert.False(t, c.IsAborted())
	d, ok := DecisionFrom(c)
	require.True(t, ok)
	assert.Equal(t, policy.ActionNone, d.Action)
	assert.Empty(t, w.Header().Get(HeaderVerificationRequired))

	w, c = gateRequest(newHarness(t, resolveTo("NG", false)), principal())
	assert.False(t, c.IsAborted())
	assert.Equal(t, "true", w.Header().Get(HeaderVerificationRequired))

	w, c = gateRequest(newHarness(t, resolveTo("NG", true)), principal())
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "access_denied")

	w, c = gateRequest(newHarness(t, resolveTo("KE", false)), nil)
	assert.True(t, c.IsAborted())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
