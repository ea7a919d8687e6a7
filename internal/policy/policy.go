// Package policy maps a risk assessment to an access decision.
//
// Each decision context carries its own threshold bands. Bands are checked
// from the strictest down and a boundary score belongs to the stricter band.
//
//	context        >=90    >=80     >=70     >=60     >=50
//	signup         reject  reject   monitor  monitor  monitor
//	signin         block   verify   verify   verify   -
//	session_check  block   verify   verify   monitor  monitor
//
// Signup has no established trust, so it rejects from 80. The block cutoff
// at 90 is shared by every authenticated context.
package policy

import (
	"errors"
	"fmt"

	"github.com/mbd888/lendguard/internal/risk"
)

// ErrUnknownContext is returned for a context outside the closed set.
var ErrUnknownContext = errors.New("policy: unknown decision context")

// Context is where in the user lifecycle a decision is being made.
type Context string

const (
	ContextSignup       Context = "signup"
	ContextSignin       Context = "signin"
	ContextSessionCheck Context = "session_check"
)

// Valid reports whether c is a known context.
func (c Context) Valid() bool {
	_, ok := bands[c]
	return ok
}

// Action is what the caller must do with the request.
type Action string

const (
	ActionNone    Action = "none"
	ActionMonitor Action = "monitor"
	ActionVerify  Action = "verify"
	ActionBlock   Action = "block"
	ActionReject  Action = "reject"
)

// Severity orders actions from least to most restrictive.
func (a Action) Severity() int {
	switch a {
	case ActionNone:
		return 0
	case ActionMonitor:
		return 1
	case ActionVerify:
		return 2
	case ActionBlock, ActionReject:
		return 3
	default:
		return -1
	}
}

// Denies reports whether the action refuses access.
func (a Action) Denies() bool {
	return a == ActionBlock || a == ActionReject
}

type band struct {
	min    int
	action Action
}

// bands per context, strictest first.
var bands = map[Context][]band{
	ContextSignup: {
		{min: 80, action: ActionReject},
		{min: 50, action: ActionMonitor},
	},
	ContextSignin: {
		{min: 90, action: ActionBlock},
		{min: 60, action: ActionVerify},
	},
	ContextSessionCheck: {
		{min: 90, action: ActionBlock},
		{min: 70, action: ActionVerify},
		{min: 50, action: ActionMonitor},
	},
}

// Decision is the outcome for one request.
type Decision struct {
	Context              Context `json:"context"`
	Action               Action  `json:"action"`
	Allow                bool    `json:"allowed"`
	Score                int     `json:"riskScore"`
	Reason               string  `json:"reason,omitempty"`
	RequiresVerification bool    `json:"requiresVerification"`
	// InvalidateSession asks the caller to terminate the current session.
	InvalidateSession bool `json:"-"`
	// RecordBlocked asks the caller to write a BlockedAttempt.
	RecordBlocked bool `json:"-"`
	// Degraded is set when the decision was made without an assessment.
	Degraded bool `json:"degraded,omitempty"`
}

// ActionFor returns the action the bands assign to score in c.
func ActionFor(c Context, score int) (Action, error) {
	bs, ok := bands[c]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownContext, c)
	}
	for _, b := range bs {
		if score >= b.min {
			return b.action, nil
		}
	}
	return ActionNone, nil
}

// Decide applies the bands for c to a.
func Decide(c Context, a *risk.Assessment) (Decision, error) {
	if a == nil {
		return Decision{}, errors.New("policy: nil assessment")
	}
	action, err := ActionFor(c, a.Score)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Context: c,
		Action:  action,
		Allow:   !action.Denies(),
		Score:   a.Score,
	}

	switch action {
	case ActionReject:
		d.RecordBlocked = true
		d.Reason = "Sign-up could not be completed from this location"
	case ActionBlock:
		d.RecordBlocked = true
		d.InvalidateSession = true
		d.Reason = "Access denied due to location risk"
	case ActionVerify:
		d.RequiresVerification = true
		d.Reason = "Additional verification required"
	case ActionMonitor:
		d.Reason = "Flagged for monitoring"
	}
	return d, nil
}

// OnAssessmentFailure returns the decision to use when scoring itself
// failed. The second result is false when the context fails closed and the
// caller must surface an error instead. Only session checks fail open:
// they allow with monitoring so an outage never locks out signed-in users.
func OnAssessmentFailure(c Context) (Decision, bool) {
	if c != ContextSessionCheck {
		return Decision{}, false
	}
	return Decision{
		Context:  c,
		Action:   ActionMonitor,
		Allow:    true,
		Reason:   "Risk assessment unavailable",
		Degraded: true,
	}, true
}
