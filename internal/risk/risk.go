// Package risk fuses location signals into a bounded, explainable score.
//
// Scoring is rule accumulation: each condition that fires adds a fixed
// weight, and the total is capped at MaxScore. There is no model and no
// hidden state, so identical signals always produce identical assessments.
//
// Weights:
//
//	country_mismatch          60  IP country differs from registered country
//	vpn_detected              50  provider marks the IP as proxy or hosting
//	geolocation_unavailable   50  IP country could not be resolved
//	phone_country_mismatch    15  phone country differs from registered and IP country
//
// A mismatch on its own (60) stays below the absolute block band (90); it
// takes a mismatch corroborated by an anonymiser to reach it. An unresolved
// IP can never coexist with a mismatch or VPN flag, so it tops out at 65.
package risk

import (
	"sort"
	"time"
)

// Flag is a symbolic tag recorded when a signal condition fires.
type Flag string

const (
	FlagCountryMismatch        Flag = "country_mismatch"
	FlagVPNDetected            Flag = "vpn_detected"
	FlagGeolocationUnavailable Flag = "geolocation_unavailable"
	FlagPhoneCountryMismatch   Flag = "phone_country_mismatch"
)

// Score bounds.
const (
	MinScore = 0
	MaxScore = 100
)

var weights = map[Flag]int{
	FlagCountryMismatch:        60,
	FlagVPNDetected:            50,
	FlagGeolocationUnavailable: 50,
	FlagPhoneCountryMismatch:   15,
}

// Weight returns the contribution of f to the score.
func Weight(f Flag) int {
	return weights[f]
}

// Valid reports whether f is a known flag.
func (f Flag) Valid() bool {
	_, ok := weights[f]
	return ok
}

// blocksVerification lists flags that mean the location is not verified.
func (f Flag) blocksVerification() bool {
	return f == FlagCountryMismatch || f == FlagVPNDetected
}

// Flags is a set of flags kept sorted for stable output.
type Flags []Flag

// Has reports whether f is in the set.
func (fs Flags) Has(f Flag) bool {
	for _, x := range fs {
		if x == f {
			return true
		}
	}
	return false
}

// Strings returns the flags as plain strings.
func (fs Flags) Strings() []string {
	out := make([]string, len(fs))
	for i, f := range fs {
		out[i] = string(f)
	}
	return out
}

// ParseFlags converts stored strings back into flags, dropping unknown ones.
func ParseFlags(raw []string) Flags {
	out := make(Flags, 0, len(raw))
	for _, r := range raw {
		if f := Flag(r); f.Valid() && !out.Has(f) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Signals are the resolved inputs to Score.
type Signals struct {
	RegisteredCountry string
	PhoneCountry      string // empty when unknown

	// IPResolved is false when the IP country could not be determined.
	IPResolved bool
	IPCountry  string
	Anonymized bool // proxy or hosting egress
}

// Assessment is the result of scoring one set of signals.
type Assessment struct {
	IPAddress         string    `json:"ipAddress,omitempty"`
	DetectedCountry   string    `json:"detectedCountry,omitempty"`
	RegisteredCountry string    `json:"registeredCountry"`
	PhoneCountry      string    `json:"phoneCountry,omitempty"`
	IsVPN             bool      `json:"isVpn"`
	Score             int       `json:"riskScore"`
	Flags             Flags     `json:"flags"`
	Verified          bool      `json:"verified"`
	Message           string    `json:"message,omitempty"`
	EvaluatedAt       time.Time `json:"evaluatedAt"`
}
