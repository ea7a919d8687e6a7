package risk

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mbd888/lendguard/internal/signals"
)

func fixedResolver(info signals.IPInfo, err error) signals.IPResolver {
	return signals.ResolverFunc(func(ctx context.Context, ip string) (signals.IPInfo, error) {
		return info, err
	})
}

func TestScore_AlwaysBounded(t *testing.T) {
	countries := []string{"", "KE", "NG", "ke"}
	for _, reg := range []string{"KE", "NG"} {
		for _, phone := range countries {
			for _, ipc := range countries {
				for _, resolved := range []bool{true, false} {
					for _, anon := range []bool{true, false} {
						a := Score(Signals{
							RegisteredCountry: reg, PhoneCountry: phone,
							IPResolved: resolved, IPCountry: ipc, Anonymized: anon,
						})
						if a.Score < MinScore || a.Score > MaxScore {
							t.Fatalf("score %d out of range for reg=%s phone=%s ip=%s resolved=%v anon=%v",
								a.Score, reg, phone, ipc, resolved, anon)
						}
					}
				}
			}
		}
	}
}

func TestScore_Deterministic(t *testing.T) {
	s := Signals{RegisteredCountry: "KE", PhoneCountry: "UG", IPResolved: true, IPCountry: "NG", Anonymized: true}
	first := Score(s)
	for i := 0; i < 100; i++ {
		got := Score(s)
		if got.Score != first.Score || fmt.Sprint(got.Flags) != fmt.Sprint(first.Flags) || got.Message != first.Message {
			t.Fatalf("iteration %d differs: %+v vs %+v", i, got, first)
		}
	}
}

func TestScore_Cases(t *testing.T) {
	tests := []struct {
		name      string
		sig       Signals
		wantScore int
		wantFlags Flags
		verified  bool
	}{
		{
			name:      "clean match",
			sig:       Signals{RegisteredCountry: "KE", IPResolved: true, IPCountry: "KE"},
			wantScore: 0, wantFlags: Flags{}, verified: true,
		},
		{
			name:      "mismatch alone",
			sig:       Signals{RegisteredCountry: "KE", IPResolved: true, IPCountry: "NG"},
			wantScore: 60, wantFlags: Flags{FlagCountryMismatch}, verified: false,
		},
		{
			name:      "vpn alone",
			sig:       Signals{RegisteredCountry: "KE", IPResolved: true, IPCountry: "KE", Anonymized: true},
			wantScore: 50, wantFlags: Flags{FlagVPNDetected}, verified: false,
		},
		{
			name:      "mismatch and vpn",
			sig:       Signals{RegisteredCountry: "KE", IPResolved: true, IPCountry: "NG", Anonymized: true},
			wantScore: 100, wantFlags: Flags{FlagCountryMismatch, FlagVPNDetected}, verified: false,
		},
		{
			name:      "everything capped",
			sig:       Signals{RegisteredCountry: "KE", PhoneCountry: "UG", IPResolved: true, IPCountry: "NG", Anonymized: true},
			wantScore: 100, wantFlags: Flags{FlagCountryMismatch, FlagPhoneCountryMismatch, FlagVPNDetected}, verified: false,
		},
		{
			name:      "unavailable",
			sig:       Signals{RegisteredCountry: "KE"},
			wantScore: 50, wantFlags: Flags{FlagGeolocationUnavailable}, verified: true,
		},
		{
			name:      "unavailable with phone mismatch",
			sig:       Signals{RegisteredCountry: "KE", PhoneCountry: "TZ"},
			wantScore: 65, wantFlags: Flags{FlagGeolocationUnavailable, FlagPhoneCountryMismatch}, verified: true,
		},
		{
			name:      "phone agrees with ip",
			sig:       Signals{RegisteredCountry: "KE", PhoneCountry: "NG", IPResolved: true, IPCountry: "NG"},
			wantScore: 60, wantFlags: Flags{FlagCountryMismatch}, verified: false,
		},
		{
			name:      "phone differs from both",
			sig:       Signals{RegisteredCountry: "KE", PhoneCountry: "UG", IPResolved: true, IPCountry: "KE"},
			wantScore: 15, wantFlags: Flags{FlagPhoneCountryMismatch}, verified: true,
		},
		{
			name:      "case insensitive",
			sig:       Signals{RegisteredCountry: " ke", PhoneCountry: "Ke", IPResolved: true, IPCountry: "kE"},
			wantScore: 0, wantFlags: Flags{}, verified: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Score(tt.sig)
			if a.Score != tt.wantScore {
				t.Errorf("score = %d, want %d", a.Score, tt.wantScore)
			}
			if fmt.Sprint(a.Flags) != fmt.Sprint(tt.wantFlags) {
				t.Errorf("flags = %v, want %v", a.Flags, tt.wantFlags)
			}
			if a.Verified != tt.verified {
				t.Errorf("verified = %v, want %v", a.Verified, tt.verified)
			}
			if a.Message == "" {
				t.Error("expected a message")
			}
		})
	}
}

func TestScore_Monotonic(t *testing.T) {
	// Adding a condition never lowers the score.
	base := Signals{RegisteredCountry: "KE", IPResolved: true, IPCountry: "KE"}
	steps := []func(s *Signals){
		func(s *Signals) { s.PhoneCountry = "UG" },
		func(s *Signals) { s.Anonymized = true },
		func(s *Signals) { s.IPCountry = "NG" },
	}
	prev := Score(base).Score
	for i, step := range steps {
		step(&base)
		got := Score(base).Score
		if got < prev {
			t.Fatalf("step %d lowered score from %d to %d", i, prev, got)
		}
		prev = got
	}
}

func TestScore_UnavailableNeverReachesBlockBand(t *testing.T) {
	for _, phone := range []string{"", "KE", "NG"} {
		a := Score(Signals{RegisteredCountry: "KE", PhoneCountry: phone})
		if a.Score >= 90 {
			t.Fatalf("unavailable signal scored %d with phone %q", a.Score, phone)
		}
	}
}

func TestEngine_ScenarioA_CleanMatch(t *testing.T) {
	e := NewEngine(fixedResolver(signals.IPInfo{CountryCode: "KE"}, nil))

	a, err := e.Assess(context.Background(), Input{IPAddress: "41.90.1.1", RegisteredCountry: "KE"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Score >= 50 {
		t.Errorf("expected score < 50, got %d", a.Score)
	}
	if !a.Verified || a.DetectedCountry != "KE" || a.IPAddress != "41.90.1.1" {
		t.Errorf("unexpected assessment %+v", a)
	}
}

func TestEngine_ScenarioB_MismatchWithVPN(t *testing.T) {
	e := NewEngine(fixedResolver(signals.IPInfo{CountryCode: "NG", Proxy: true}, nil))

	a, err := e.Assess(context.Background(), Input{IPAddress: "102.89.2.2", RegisteredCountry: "KE"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.Score < 90 {
		t.Errorf("expected score >= 90, got %d", a.Score)
	}
	if !a.Flags.Has(FlagVPNDetected) || !a.Flags.Has(FlagCountryMismatch) {
		t.Errorf("expected vpn and mismatch flags, got %v", a.Flags)
	}
	if !a.IsVPN {
		t.Error("expected IsVPN")
	}
}

func TestEngine_ScenarioC_ResolverTimeout(t *testing.T) {
	resolver := signals.ResolverFunc(func(ctx context.Context, ip string) (signals.IPInfo, error) {
		return signals.IPInfo{}, fmt.Errorf("%w: context deadline exceeded", signals.ErrSignalUnavailable)
	})
	e := NewEngine(resolver)

	a, err := e.Assess(context.Background(), Input{IPAddress: "41.90.1.1", RegisteredCountry: "KE"})
	if err != nil {
		t.Fatalf("resolver failure must not surface: %v", err)
	}
	if !a.Flags.Has(FlagGeolocationUnavailable) {
		t.Errorf("expected geolocation_unavailable, got %v", a.Flags)
	}
	if a.Score < 50 || a.Score >= 90 {
		t.Errorf("expected moderate score, got %d", a.Score)
	}
	if a.DetectedCountry != "" {
		t.Errorf("detected country should be empty, got %q", a.DetectedCountry)
	}
}

func TestEngine_MissingIPIsUnavailable(t *testing.T) {
	called := false
	e := NewEngine(signals.ResolverFunc(func(ctx context.Context, ip string) (signals.IPInfo, error) {
		called = true
		return signals.IPInfo{}, nil
	}))

	a, err := e.Assess(context.Background(), Input{RegisteredCountry: "KE"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Error("resolver should not be called without an IP")
	}
	if !a.Flags.Has(FlagGeolocationUnavailable) {
		t.Errorf("expected geolocation_unavailable, got %v", a.Flags)
	}
}

func TestEngine_InvalidInput(t *testing.T) {
	e := NewEngine(fixedResolver(signals.IPInfo{CountryCode: "KE"}, nil))
	for _, reg := range []string{"", "KEN", "K"} {
		_, err := e.Assess(context.Background(), Input{IPAddress: "41.90.1.1", RegisteredCountry: reg})
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("registered %q: expected ErrInvalidInput, got %v", reg, err)
		}
	}
}

func TestEngine_PanicBecomesScoringFailure(t *testing.T) {
	e := NewEngine(signals.ResolverFunc(func(ctx context.Context, ip string) (signals.IPInfo, error) {
		panic("resolver exploded")
	}))

	a, err := e.Assess(context.Background(), Input{IPAddress: "41.90.1.1", RegisteredCountry: "KE"})
	if !errors.Is(err, ErrScoringFailed) {
		t.Fatalf("expected ErrScoringFailed, got %v", err)
	}
	if a != nil {
		t.Error("expected nil assessment on failure")
	}
}

func TestEngine_UsesClock(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := NewEngine(fixedResolver(signals.IPInfo{CountryCode: "KE"}, nil)).WithClock(func() time.Time { return at })

	a, err := e.Assess(context.Background(), Input{IPAddress: "41.90.1.1", RegisteredCountry: "KE"})
	if err != nil {
		t.Fatal(err)
	}
	if !a.EvaluatedAt.Equal(at) {
		t.Errorf("EvaluatedAt = %v, want %v", a.EvaluatedAt, at)
	}
}

func TestParseFlags(t *testing.T) {
	got := ParseFlags([]string{"vpn_detected", "bogus", "country_mismatch", "vpn_detected"})
	want := Flags{FlagCountryMismatch, FlagVPNDetected}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("ParseFlags = %v, want %v", got, want)
	}
	if fmt.Sprint(got.Strings()) != "[country_mismatch vpn_detected]" {
		t.Errorf("Strings = %v", got.Strings())
	}
}
