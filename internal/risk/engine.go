package risk

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/lendguard/internal/logging"
	"github.com/mbd888/lendguard/internal/metrics"
	"github.com/mbd888/lendguard/internal/signals"
	"github.com/mbd888/lendguard/internal/traces"
)

var (
	// ErrInvalidInput is returned when the registered country is missing or malformed.
	ErrInvalidInput = errors.New("risk: invalid input")
	// ErrScoringFailed is returned when assessment hit an internal fault.
	ErrScoringFailed = errors.New("risk: scoring failed")
)

// Score computes an assessment from resolved signals. It is pure: no I/O,
// no clock. EvaluatedAt and IPAddress are left for the caller.
func Score(s Signals) Assessment {
	registered := normCountry(s.RegisteredCountry)
	phone := normCountry(s.PhoneCountry)
	ipCountry := normCountry(s.IPCountry)

	var flags Flags
	if s.IPResolved {
		if ipCountry != registered {
			flags = append(flags, FlagCountryMismatch)
		}
		if s.Anonymized {
			flags = append(flags, FlagVPNDetected)
		}
	} else {
		flags = append(flags, FlagGeolocationUnavailable)
	}
	if phone != "" && phone != registered && (!s.IPResolved || phone != ipCountry) {
		flags = append(flags, FlagPhoneCountryMismatch)
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i] < flags[j] })

	total := 0
	verified := true
	for _, f := range flags {
		total += weights[f]
		if f.blocksVerification() {
			verified = false
		}
	}
	if total > MaxScore {
		total = MaxScore
	}

	a := Assessment{
		RegisteredCountry: registered,
		PhoneCountry:      phone,
		IsVPN:             s.IPResolved && s.Anonymized,
		Score:             total,
		Flags:             flags,
		Verified:          verified,
	}
	if s.IPResolved {
		a.DetectedCountry = ipCountry
	}
	if a.Flags == nil {
		a.Flags = Flags{}
	}
	a.Message = message(a)
	return a
}

func message(a Assessment) string {
	switch {
	case a.Flags.Has(FlagCountryMismatch) && a.Flags.Has(FlagVPNDetected):
		return fmt.Sprintf("Connection from %s through a VPN or proxy does not match registered country %s",
			a.DetectedCountry, a.RegisteredCountry)
	case a.Flags.Has(FlagCountryMismatch):
		return fmt.Sprintf("Connection from %s does not match registered country %s",
			a.DetectedCountry, a.RegisteredCountry)
	case a.Flags.Has(FlagVPNDetected):
		return "VPN or proxy connection detected"
	case a.Flags.Has(FlagGeolocationUnavailable):
		return "Location could not be determined"
	default:
		return "Location verified"
	}
}

func normCountry(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}

// Input is one scoring request.
type Input struct {
	IPAddress         string
	RegisteredCountry string
	PhoneCountry      string
}

// Engine resolves signals and scores them. It holds no per-user state and
// is safe for concurrent use.
type Engine struct {
	resolver signals.IPResolver
	now      func() time.Time
}

// NewEngine creates an engine that resolves IPs through resolver.
func NewEngine(resolver signals.IPResolver) *Engine {
	return &Engine{resolver: resolver, now: time.Now}
}

// WithClock overrides the clock used for EvaluatedAt.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Assess resolves the IP signal and scores it. An unresolvable IP becomes
// the geolocation_unavailable flag, never an error. Errors are returned only
// for invalid input (ErrInvalidInput) or an internal fault (ErrScoringFailed).
func (e *Engine) Assess(ctx context.Context, in Input) (a *Assessment, err error) {
	ctx, span := traces.StartSpan(ctx, "risk.Assess", traces.Country("registered", in.RegisteredCountry))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			a = nil
			err = fmt.Errorf("%w: %v", ErrScoringFailed, r)
			traces.Fail(span, err, "panic during assessment")
			logging.L(ctx).Error("risk assessment panicked", "panic", r)
		}
	}()

	if len(normCountry(in.RegisteredCountry)) != 2 {
		err := fmt.Errorf("%w: registered country %q", ErrInvalidInput, in.RegisteredCountry)
		traces.Fail(span, err, "invalid input")
		return nil, err
	}

	sig := Signals{
		RegisteredCountry: in.RegisteredCountry,
		PhoneCountry:      in.PhoneCountry,
	}

	ip := strings.TrimSpace(in.IPAddress)
	if ip != "" {
		info, rerr := e.resolver.Resolve(ctx, ip)
		if rerr != nil {
			if !errors.Is(rerr, signals.ErrSignalUnavailable) {
				logging.L(ctx).Warn("ip resolver returned unexpected error", "error", rerr)
			} else {
				logging.L(ctx).Debug("ip signal unavailable", "ip", ip, "error", rerr)
			}
		} else {
			sig.IPResolved = true
			sig.IPCountry = info.CountryCode
			sig.Anonymized = info.Anonymized()
		}
	}

	out := Score(sig)
	out.IPAddress = ip
	out.EvaluatedAt = e.now()

	span.SetAttributes(traces.RiskScore(out.Score))
	metrics.RiskScore.Observe(float64(out.Score))
	return &out, nil
}
