// Package guard runs the location risk pipeline for the three decision
// points: signup, signin, and the per-request session check.
//
// Each call collects signals, scores them, applies the policy for its
// context and then performs the side effects the decision asks for. Side
// effects are best effort: a failed write is reported and counted but never
// changes a decision that has already been made.
package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/lendguard/internal/audit"
	"github.com/mbd888/lendguard/internal/auth"
	"github.com/mbd888/lendguard/internal/logging"
	"github.com/mbd888/lendguard/internal/metrics"
	"github.com/mbd888/lendguard/internal/policy"
	"github.com/mbd888/lendguard/internal/risk"
	"github.com/mbd888/lendguard/internal/sessions"
	"github.com/mbd888/lendguard/internal/signals"
	"github.com/mbd888/lendguard/internal/traces"
)

var (
	// ErrUnsupportedCountry means the registered, phone or detected country
	// is outside the platform's supported set. Signup only.
	ErrUnsupportedCountry = errors.New("guard: country not supported")
	// ErrAssessmentFailed means scoring failed in a fail-closed context.
	ErrAssessmentFailed = errors.New("guard: risk assessment failed")
	ErrInvalidRequest   = errors.New("guard: invalid request")
)

// BlockError is returned when the policy denies access.
type BlockError struct {
	Decision policy.Decision
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("guard: %s denied (%s, score %d)", e.Decision.Context, e.Decision.Action, e.Decision.Score)
}

// Assessor scores one request. *risk.Engine implements it.
type Assessor interface {
	Assess(ctx context.Context, in risk.Input) (*risk.Assessment, error)
}

// DefaultWriteTimeout bounds each side-effect write.
const DefaultWriteTimeout = 2 * time.Second

// Service orchestrates the pipeline.
type Service struct {
	assessor Assessor
	phones   *signals.PhoneTable
	log      *audit.Log
	sessions sessions.Store
	devices  sessions.DeviceStore
	denylist auth.Denylist
	timeout  time.Duration
	now      func() time.Time
}

// NewService wires the pipeline. phones must already be restricted to the
// supported countries; its code set is the supported set.
func NewService(
	assessor Assessor,
	phones *signals.PhoneTable,
	log *audit.Log,
	sessionStore sessions.Store,
	devices sessions.DeviceStore,
	denylist auth.Denylist,
) *Service {
	return &Service{
		assessor: assessor,
		phones:   phones,
		log:      log,
		sessions: sessionStore,
		devices:  devices,
		denylist: denylist,
		timeout:  DefaultWriteTimeout,
		now:      time.Now,
	}
}

// RequestMeta is what the transport knows about the caller.
type RequestMeta struct {
	IPAddress      string
	UserAgent      string
	AcceptLanguage string
}

// Result is the outcome of a signup or signin check.
type Result struct {
	Decision   policy.Decision  `json:"decision"`
	Assessment *risk.Assessment `json:"assessment,omitempty"`
	// PhoneCountry is set by Signup.
	PhoneCountry *signals.PhoneCountry `json:"phoneCountry,omitempty"`
}

// VerifyLocation scores ip against registeredCountry with no side effects.
func (s *Service) VerifyLocation(ctx context.Context, ip, registeredCountry string) (*risk.Assessment, error) {
	cc := strings.ToUpper(strings.TrimSpace(registeredCountry))
	if len(cc) != 2 {
		return nil, fmt.Errorf("%w: registered country %q", ErrInvalidRequest, registeredCountry)
	}
	a, err := s.assessor.Assess(ctx, risk.Input{IPAddress: ip, RegisteredCountry: cc})
	if errors.Is(err, risk.ErrInvalidInput) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssessmentFailed, err)
	}
	return a, nil
}

// SignupRequest describes a prospective account.
type SignupRequest struct {
	UserID            string
	Email             string
	Phone             string
	RegisteredCountry string
	RequestMeta
}

// Signup checks a new account before it is created. Unsupported registered
// or phone countries are rejected before any scoring. A resolved IP country
// outside the supported set is rejected after scoring, with the event kept.
func (s *Service) Signup(ctx context.Context, req SignupRequest) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "guard.Signup",
		traces.DecisionContext(string(policy.ContextSignup)),
		traces.Country("registered", req.RegisteredCountry),
	)
	defer span.End()

	registered := strings.ToUpper(strings.TrimSpace(req.RegisteredCountry))
	if !s.phones.IsSupported(registered) {
		err := fmt.Errorf("%w: registered country %q", ErrUnsupportedCountry, req.RegisteredCountry)
		traces.Fail(span, err, "unsupported country")
		return nil, err
	}

	var phone *signals.PhoneCountry
	if strings.TrimSpace(req.Phone) != "" {
		pc, err := s.phones.ResolveIn(req.Phone, registered)
		switch {
		case errors.Is(err, signals.ErrUnsupportedPrefix):
			err = fmt.Errorf("%w: phone number prefix", ErrUnsupportedCountry)
			traces.Fail(span, err, "unsupported phone prefix")
			return nil, err
		case err != nil:
			err = fmt.Errorf("%w: %v", ErrInvalidRequest, err)
			traces.Fail(span, err, "invalid phone number")
			return nil, err
		}
		phone = &pc
	}

	in := risk.Input{IPAddress: req.IPAddress, RegisteredCountry: registered}
	if phone != nil {
		in.PhoneCountry = phone.CountryCode
	}
	entry := audit.Entry{
		UserID:            req.UserID,
		Email:             req.Email,
		IPAddress:         req.IPAddress,
		UserAgent:         req.UserAgent,
		RegisteredCountry: registered,
		Context:           policy.ContextSignup,
	}

	res, err := s.decide(ctx, policy.ContextSignup, in, entry)
	if err != nil {
		traces.Fail(span, err, "signup assessment failed")
		return nil, err
	}
	res.PhoneCountry = phone
	span.SetAttributes(traces.Action(string(res.Decision.Action)), traces.RiskScore(res.Decision.Score))

	if !res.Decision.Allow {
		return res, &BlockError{Decision: res.Decision}
	}
	if a := res.Assessment; a.DetectedCountry != "" && !s.phones.IsSupported(a.DetectedCountry) {
		return res, fmt.Errorf("%w: connection from %s", ErrUnsupportedCountry, a.DetectedCountry)
	}
	return res, nil
}

// Signin checks a freshly issued session. A block revokes the session.
func (s *Service) Signin(ctx context.Context, p *auth.Principal, meta RequestMeta) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "guard.Signin",
		traces.DecisionContext(string(policy.ContextSignin)),
		traces.UserID(p.UserID),
		traces.SessionID(p.SessionID),
	)
	defer span.End()

	entry := audit.Entry{
		UserID:            p.UserID,
		IPAddress:         meta.IPAddress,
		UserAgent:         meta.UserAgent,
		RegisteredCountry: p.RegisteredCountry,
		Context:           policy.ContextSignin,
	}
	in := risk.Input{IPAddress: meta.IPAddress, RegisteredCountry: p.RegisteredCountry, PhoneCountry: p.PhoneCountry}

	res, err := s.decide(ctx, policy.ContextSignin, in, entry)
	if err != nil {
		traces.Fail(span, err, "signin assessment failed")
		return nil, err
	}
	span.SetAttributes(traces.Action(string(res.Decision.Action)), traces.RiskScore(res.Decision.Score))

	if res.Decision.InvalidateSession {
		s.revoke(ctx, p)
	}
	if !res.Decision.Allow {
		return res, &BlockError{Decision: res.Decision}
	}
	s.touchDevice(ctx, p.UserID, meta)
	return res, nil
}

// CheckSession re-evaluates an authenticated session. It never returns an
// error: if scoring fails the session is allowed and marked degraded.
func (s *Service) CheckSession(ctx context.Context, p *auth.Principal, meta RequestMeta) policy.Decision {
	ctx, span := traces.StartSpan(ctx, "guard.CheckSession",
		traces.DecisionContext(string(policy.ContextSessionCheck)),
		traces.UserID(p.UserID),
		traces.SessionID(p.SessionID),
	)
	defer span.End()

	entry := audit.Entry{
		UserID:            p.UserID,
		IPAddress:         meta.IPAddress,
		UserAgent:         meta.UserAgent,
		RegisteredCountry: p.RegisteredCountry,
		Context:           policy.ContextSessionCheck,
	}
	in := risk.Input{IPAddress: meta.IPAddress, RegisteredCountry: p.RegisteredCountry, PhoneCountry: p.PhoneCountry}

	res, err := s.decide(ctx, policy.ContextSessionCheck, in, entry)
	if err != nil {
		// decide only errors in fail-closed contexts.
		traces.Fail(span, err, "session check failed")
		d, _ := policy.OnAssessmentFailure(policy.ContextSessionCheck)
		return d
	}
	d := res.Decision
	span.SetAttributes(traces.Action(string(d.Action)), traces.RiskScore(d.Score))

	if a := res.Assessment; a != nil {
		s.upsertLocation(ctx, p, a)
	}
	if d.InvalidateSession {
		s.revoke(ctx, p)
	}
	if d.Allow {
		s.touchDevice(ctx, p.UserID, meta)
	}
	return d
}

// decide runs assess, policy and the audit writes shared by every context.
// When scoring fails it applies the context's failure rule: fail-open
// contexts get a degraded decision, fail-closed ones ErrAssessmentFailed.
func (s *Service) decide(ctx context.Context, c policy.Context, in risk.Input, entry audit.Entry) (*Result, error) {
	a, err := s.assessor.Assess(ctx, in)
	if err != nil {
		metrics.AssessmentFailuresTotal.WithLabelValues(string(c)).Inc()
		logging.L(ctx).Error("risk assessment failed", "context", c, "error", err)

		d, ok := policy.OnAssessmentFailure(c)
		if !ok {
			entry.Decision = policy.Decision{Context: c, Reason: "Risk assessment failed"}
			s.log.RecordEvent(ctx, entry)
			return nil, fmt.Errorf("%w: %v", ErrAssessmentFailed, err)
		}
		entry.Decision = d
		s.log.RecordEvent(ctx, entry)
		metrics.AssessmentsTotal.WithLabelValues(string(c), string(d.Action)).Inc()
		return &Result{Decision: d}, nil
	}

	d, err := policy.Decide(c, a)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAssessmentFailed, err)
	}
	metrics.AssessmentsTotal.WithLabelValues(string(c), string(d.Action)).Inc()

	entry.Assessment = a
	entry.Decision = d
	s.log.RecordEvent(ctx, entry)
	if d.RecordBlocked {
		s.log.RecordBlocked(ctx, entry)
	}
	if d.Action.Severity() >= policy.ActionVerify.Severity() {
		logging.L(ctx).Info("location risk decision",
			"context", c, "action", d.Action, "score", d.Score, "flags", a.Flags.Strings())
	}
	return &Result{Decision: d, Assessment: a}, nil
}

func (s *Service) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
}

func (s *Service) upsertLocation(ctx context.Context, p *auth.Principal, a *risk.Assessment) {
	wctx, cancel := s.writeContext(ctx)
	defer cancel()
	err := s.sessions.Upsert(wctx, &sessions.SessionLocation{
		UserID:       p.UserID,
		SessionID:    p.SessionID,
		IPAddress:    a.IPAddress,
		CountryCode:  a.DetectedCountry,
		IsVPN:        a.IsVPN,
		RiskScore:    a.Score,
		LastActivity: s.now(),
	})
	audit.ReportFailure(ctx, audit.WriteResult{Kind: audit.KindSessionLocation, ID: p.SessionID, Err: err})
}

func (s *Service) revoke(ctx context.Context, p *auth.Principal) {
	wctx, cancel := s.writeContext(ctx)
	defer cancel()
	err := s.denylist.Revoke(wctx, p.SessionID, p.TTL(s.now()))
	if err == nil {
		metrics.SessionsRevokedTotal.Inc()
		logging.L(ctx).Warn("session revoked by location policy", "session_id", p.SessionID)
	}
	audit.ReportFailure(ctx, audit.WriteResult{Kind: audit.KindSessionRevocation, ID: p.SessionID, Err: err})
}

func (s *Service) touchDevice(ctx context.Context, userID string, meta RequestMeta) {
	if strings.TrimSpace(meta.UserAgent) == "" {
		return
	}
	fp := signals.Fingerprint(meta.UserAgent, meta.AcceptLanguage)
	wctx, cancel := s.writeContext(ctx)
	defer cancel()
	err := s.devices.Touch(wctx, userID, fp, s.now())
	audit.ReportFailure(ctx, audit.WriteResult{Kind: audit.KindDevice, ID: fp, Err: err})
}

// TerminateSession revokes a session on operator request and forgets its
// location. The revocation lasts auth.DefaultRevocationTTL.
func (s *Service) TerminateSession(ctx context.Context, userID, sessionID string) error {
	if userID == "" || sessionID == "" {
		return ErrInvalidRequest
	}
	wctx, cancel := s.writeContext(ctx)
	defer cancel()
	if err := s.denylist.Revoke(wctx, sessionID, auth.DefaultRevocationTTL); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	metrics.SessionsRevokedTotal.Inc()
	logging.L(ctx).Warn("session terminated by operator", "user_id", userID, "session_id", sessionID)

	if err := s.sessions.Delete(wctx, userID, sessionID); err != nil {
		audit.ReportFailure(ctx, audit.WriteResult{Kind: audit.KindSessionLocation, ID: sessionID, Err: err})
	}
	return nil
}
