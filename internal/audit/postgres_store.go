package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/mbd888/lendguard/internal/pagination"
	"github.com/mbd888/lendguard/internal/risk"
)

// PostgresStore persists audit records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the audit tables if they don't exist. The goose migration
// in migrations/ is the source of truth; this keeps dev databases usable
// without running the migrate command.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS verification_events (
			id                 VARCHAR(36) PRIMARY KEY,
			user_id            TEXT NOT NULL,
			event_type         VARCHAR(16) NOT NULL CHECK (event_type IN ('signup', 'login', 'session_check')),
			ip_address         TEXT NOT NULL DEFAULT '',
			detected_country   CHAR(2),
			registered_country CHAR(2) NOT NULL,
			method             VARCHAR(16) NOT NULL DEFAULT 'ip',
			result             BOOLEAN NOT NULL,
			risk_score         SMALLINT NOT NULL CHECK (risk_score BETWEEN 0 AND 100),
			risk_flags         TEXT[] NOT NULL DEFAULT '{}',
			user_agent         TEXT NOT NULL DEFAULT '',
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_verification_events_user
			ON verification_events (user_id, created_at DESC);

		CREATE TABLE IF NOT EXISTS blocked_attempts (
			id                 VARCHAR(36) PRIMARY KEY,
			user_id            TEXT,
			email              TEXT NOT NULL DEFAULT '',
			ip_address         TEXT NOT NULL DEFAULT '',
			detected_country   CHAR(2),
			registered_country CHAR(2) NOT NULL,
			attempt_type       VARCHAR(16) NOT NULL CHECK (attempt_type IN ('signup', 'login', 'session_check')),
			block_reason       TEXT NOT NULL,
			risk_score         SMALLINT NOT NULL CHECK (risk_score BETWEEN 0 AND 100),
			risk_flags         TEXT[] NOT NULL DEFAULT '{}',
			user_agent         TEXT NOT NULL DEFAULT '',
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_blocked_attempts_user
			ON blocked_attempts (user_id, created_at DESC) WHERE user_id IS NOT NULL;
	`)
	return err
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *VerificationEvent) error {
	if ev == nil || ev.ID == "" {
		return ErrInvalid
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verification_events (
			id, user_id, event_type, ip_address, detected_country, registered_country,
			method, result, risk_score, risk_flags, user_agent, created_at
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12)
	`,
		ev.ID, ev.UserID, string(ev.EventType), ev.IPAddress, ev.DetectedCountry, ev.RegisteredCountry,
		ev.Method, ev.Result, ev.RiskScore, pq.Array(ev.RiskFlags.Strings()), ev.UserAgent, ev.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to append verification event: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendBlocked(ctx context.Context, b *BlockedAttempt) error {
	if b == nil || b.ID == "" {
		return ErrInvalid
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocked_attempts (
			id, user_id, email, ip_address, detected_country, registered_country,
			attempt_type, block_reason, risk_score, risk_flags, user_agent, created_at
		) VALUES ($1, NULLIF($2, ''), $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11, $12)
	`,
		b.ID, b.UserID, b.Email, b.IPAddress, b.DetectedCountry, b.RegisteredCountry,
		string(b.AttemptType), b.BlockReason, b.RiskScore, pq.Array(b.RiskFlags.Strings()), b.UserAgent, b.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to append blocked attempt: %w", err)
	}
	return nil
}

// keyset appends the cursor predicate and paging clause to a user-scoped
// query whose first placeholder is the user id.
func keyset(query, userID string, before *pagination.Cursor, limit int) (string, []any) {
	args := []any{userID}
	if before != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, before.CreatedAt, before.ID)
	}
	args = append(args, clampLimit(limit))
	return query + fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)), args
}

func (s *PostgresStore) ListEvents(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*VerificationEvent, error) {
	query, args := keyset(`
		SELECT id, user_id, event_type, ip_address, COALESCE(detected_country, ''), registered_country,
		       method, result, risk_score, risk_flags, user_agent, created_at
		FROM verification_events
		WHERE user_id = $1`, userID, before, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list verification events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*VerificationEvent
	for rows.Next() {
		var ev VerificationEvent
		var eventType string
		var flags pq.StringArray
		if err := rows.Scan(&ev.ID, &ev.UserID, &eventType, &ev.IPAddress, &ev.DetectedCountry,
			&ev.RegisteredCountry, &ev.Method, &ev.Result, &ev.RiskScore, &flags, &ev.UserAgent, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan verification event: %w", err)
		}
		ev.EventType = EventType(eventType)
		ev.RiskFlags = risk.ParseFlags(flags)
		result = append(result, &ev)
	}
	return result, rows.Err()
}

func (s *PostgresStore) ListBlocked(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*BlockedAttempt, error) {
	query, args := keyset(`
		SELECT id, COALESCE(user_id, ''), email, ip_address, COALESCE(detected_country, ''), registered_country,
		       attempt_type, block_reason, risk_score, risk_flags, user_agent, created_at
		FROM blocked_attempts
		WHERE user_id = $1`, userID, before, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocked attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*BlockedAttempt
	for rows.Next() {
		var b BlockedAttempt
		var attemptType string
		var flags pq.StringArray
		if err := rows.Scan(&b.ID, &b.UserID, &b.Email, &b.IPAddress, &b.DetectedCountry,
			&b.RegisteredCountry, &attemptType, &b.BlockReason, &b.RiskScore, &flags, &b.UserAgent, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan blocked attempt: %w", err)
		}
		b.AttemptType = EventType(attemptType)
		b.RiskFlags = risk.ParseFlags(flags)
		result = append(result, &b)
	}
	return result, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
