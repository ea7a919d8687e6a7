package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/lendguard/internal/logging"
	"github.com/mbd888/lendguard/internal/metrics"
	"github.com/mbd888/lendguard/internal/policy"
	"github.com/mbd888/lendguard/internal/risk"
)

// DefaultWriteTimeout bounds a single audit write.
const DefaultWriteTimeout = 2 * time.Second

// Entry is what the orchestrators know about one decision.
type Entry struct {
	UserID    string
	Email     string
	IPAddress string
	UserAgent string
	// RegisteredCountry is used when Assessment is nil.
	RegisteredCountry string
	Context           policy.Context
	Assessment        *risk.Assessment // nil when scoring failed
	Decision          policy.Decision
}

// Log writes audit records on behalf of the orchestrators.
type Log struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
	newID   func() string
}

// NewLog creates a log backed by store.
func NewLog(store Store) *Log {
	return &Log{
		store:   store,
		timeout: DefaultWriteTimeout,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
}

// WithTimeout overrides the per-write timeout.
func (l *Log) WithTimeout(d time.Duration) *Log {
	l.timeout = d
	return l
}

// Store returns the underlying store for read paths.
func (l *Log) Store() Store { return l.store }

// RecordEvent appends the VerificationEvent for e. The write survives
// cancellation of ctx; it is bounded only by the log's timeout.
func (l *Log) RecordEvent(ctx context.Context, e Entry) WriteResult {
	ev := &VerificationEvent{
		ID:                l.newID(),
		UserID:            e.UserID,
		EventType:         EventTypeFor(e.Context),
		IPAddress:         e.IPAddress,
		RegisteredCountry: e.RegisteredCountry,
		Method:            MethodIP,
		RiskFlags:         risk.Flags{},
		UserAgent:         e.UserAgent,
		CreatedAt:         l.now(),
	}
	if a := e.Assessment; a != nil {
		ev.DetectedCountry = a.DetectedCountry
		ev.RegisteredCountry = a.RegisteredCountry
		ev.Result = a.Verified && e.Decision.Allow
		ev.RiskScore = a.Score
		ev.RiskFlags = a.Flags
		if a.IPAddress != "" {
			ev.IPAddress = a.IPAddress
		}
	}

	wctx, cancel := l.writeContext(ctx)
	defer cancel()
	return l.result(ctx, KindVerificationEvent, ev.ID, l.store.AppendEvent(wctx, ev))
}

// RecordBlocked appends the BlockedAttempt for e.
func (l *Log) RecordBlocked(ctx context.Context, e Entry) WriteResult {
	b := &BlockedAttempt{
		ID:                l.newID(),
		UserID:            e.UserID,
		Email:             e.Email,
		IPAddress:         e.IPAddress,
		RegisteredCountry: e.RegisteredCountry,
		AttemptType:       EventTypeFor(e.Context),
		BlockReason:       e.Decision.Reason,
		RiskScore:         e.Decision.Score,
		RiskFlags:         risk.Flags{},
		UserAgent:         e.UserAgent,
		CreatedAt:         l.now(),
	}
	if a := e.Assessment; a != nil {
		b.DetectedCountry = a.DetectedCountry
		b.RegisteredCountry = a.RegisteredCountry
		b.RiskScore = a.Score
		b.RiskFlags = a.Flags
		if a.IPAddress != "" {
			b.IPAddress = a.IPAddress
		}
	}
	if b.BlockReason == "" {
		b.BlockReason = string(e.Decision.Action)
	}

	wctx, cancel := l.writeContext(ctx)
	defer cancel()
	return l.result(ctx, KindBlockedAttempt, b.ID, l.store.AppendBlocked(wctx, b))
}

func (l *Log) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
}

func (l *Log) result(ctx context.Context, kind Kind, id string, err error) WriteResult {
	res := WriteResult{Kind: kind, ID: id, Err: err}
	if err != nil {
		ReportFailure(ctx, res)
	}
	return res
}

// ReportFailure logs and counts a failed write. It is a no-op for
// successful results.
func ReportFailure(ctx context.Context, res WriteResult) {
	if res.OK() {
		return
	}
	metrics.AuditWriteFailuresTotal.WithLabelValues(string(res.Kind)).Inc()
	logging.L(ctx).Warn("audit write failed", "kind", res.Kind, "id", res.ID, "error", res.Err)
}
