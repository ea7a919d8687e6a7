// Package audit is the append-only record of every verification performed
// and every attempt the policy denied.
//
// Records are immutable once written. Writes are best effort from the
// caller's point of view: a failed write is reported as a WriteResult so the
// caller can log it, but it never changes a decision already made.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/lendguard/internal/pagination"
	"github.com/mbd888/lendguard/internal/policy"
	"github.com/mbd888/lendguard/internal/risk"
)

var (
	ErrDuplicate = errors.New("audit: record already exists")
	ErrInvalid   = errors.New("audit: invalid record")
)

// EventType identifies the flow that produced a verification event.
type EventType string

const (
	EventSignup       EventType = "signup"
	EventLogin        EventType = "login"
	EventSessionCheck EventType = "session_check"
)

// EventTypeFor maps a decision context to its event type.
func EventTypeFor(c policy.Context) EventType {
	switch c {
	case policy.ContextSignup:
		return EventSignup
	case policy.ContextSignin:
		return EventLogin
	default:
		return EventSessionCheck
	}
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	return t == EventSignup || t == EventLogin || t == EventSessionCheck
}

// MethodIP is the only verification method currently produced.
const MethodIP = "ip"

// VerificationEvent records one assessment having been performed.
type VerificationEvent struct {
	ID                string     `json:"id"`
	UserID            string     `json:"userId"`
	EventType         EventType  `json:"eventType"`
	IPAddress         string     `json:"ipAddress"`
	DetectedCountry   string     `json:"detectedCountry,omitempty"`
	RegisteredCountry string     `json:"registeredCountry"`
	Method            string     `json:"method"`
	Result            bool       `json:"result"`
	RiskScore         int        `json:"riskScore"`
	RiskFlags         risk.Flags `json:"riskFlags"`
	UserAgent         string     `json:"userAgent,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// BlockedAttempt records a denial. UserID is empty for rejected signups,
// where no account exists yet.
type BlockedAttempt struct {
	ID                string     `json:"id"`
	UserID            string     `json:"userId,omitempty"`
	Email             string     `json:"email,omitempty"`
	IPAddress         string     `json:"ipAddress"`
	DetectedCountry   string     `json:"detectedCountry,omitempty"`
	RegisteredCountry string     `json:"registeredCountry"`
	AttemptType       EventType  `json:"attemptType"`
	BlockReason       string     `json:"blockReason"`
	RiskScore         int        `json:"riskScore"`
	RiskFlags         risk.Flags `json:"riskFlags"`
	UserAgent         string     `json:"userAgent,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
}

// Store persists audit records. Implementations must never update or delete
// a record and must reject a second record with an existing ID.
type Store interface {
	AppendEvent(ctx context.Context, ev *VerificationEvent) error
	AppendBlocked(ctx context.Context, b *BlockedAttempt) error

	// ListEvents returns a user's events, newest first, starting after
	// before when it is non-nil.
	ListEvents(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*VerificationEvent, error)
	// ListBlocked returns a user's blocked attempts, newest first.
	ListBlocked(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*BlockedAttempt, error)
}

// Kind names the record a write concerned.
type Kind string

const (
	KindVerificationEvent Kind = "verification_event"
	KindBlockedAttempt    Kind = "blocked_attempt"
	KindSessionLocation   Kind = "session_location"
	KindDevice            Kind = "device"
	KindSessionRevocation Kind = "session_revocation"
)

// WriteResult is the outcome of a best-effort write.
type WriteResult struct {
	Kind Kind
	ID   string
	Err  error
}

// OK reports whether the write succeeded.
func (r WriteResult) OK() bool { return r.Err == nil }

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
