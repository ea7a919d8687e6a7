package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists session locations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed session location store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the session tables if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS session_locations (
			user_id       TEXT NOT NULL,
			session_id    TEXT NOT NULL,
			ip_address    TEXT NOT NULL DEFAULT '',
			country_code  CHAR(2),
			is_vpn        BOOLEAN NOT NULL DEFAULT FALSE,
			risk_score    SMALLINT NOT NULL CHECK (risk_score BETWEEN 0 AND 100),
			last_activity TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (user_id, session_id)
		);

		CREATE INDEX IF NOT EXISTS idx_session_locations_last_activity
			ON session_locations (last_activity);

		CREATE TABLE IF NOT EXISTS user_devices (
			user_id            TEXT NOT NULL,
			device_fingerprint VARCHAR(64) NOT NULL,
			last_used          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			is_trusted         BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (user_id, device_fingerprint)
		);
	`)
	return err
}

// Upsert replaces every column on conflict; see Store for the contract.
func (s *PostgresStore) Upsert(ctx context.Context, loc *SessionLocation) error {
	if err := loc.validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_locations (user_id, session_id, ip_address, country_code, is_vpn, risk_score, last_activity)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7)
		ON CONFLICT (user_id, session_id) DO UPDATE SET
			ip_address    = EXCLUDED.ip_address,
			country_code  = EXCLUDED.country_code,
			is_vpn        = EXCLUDED.is_vpn,
			risk_score    = EXCLUDED.risk_score,
			last_activity = EXCLUDED.last_activity
	`, loc.UserID, loc.SessionID, loc.IPAddress, loc.CountryCode, loc.IsVPN, loc.RiskScore, loc.LastActivity)
	if err != nil {
		return fmt.Errorf("failed to upsert session location: %w", err)
	}
	return nil
}

const selectLocation = `
	SELECT user_id, session_id, ip_address, COALESCE(country_code, ''), is_vpn, risk_score, last_activity
	FROM session_locations`

func scanLocation(sc interface{ Scan(...any) error }) (*SessionLocation, error) {
	var l SessionLocation
	if err := sc.Scan(&l.UserID, &l.SessionID, &l.IPAddress, &l.CountryCode, &l.IsVPN, &l.RiskScore, &l.LastActivity); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PostgresStore) Get(ctx context.Context, userID, sessionID string) (*SessionLocation, error) {
	row := s.db.QueryRowContext(ctx, selectLocation+` WHERE user_id = $1 AND session_id = $2`, userID, sessionID)
	l, err := scanLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session location: %w", err)
	}
	return l, nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*SessionLocation, error) {
	rows, err := s.db.QueryContext(ctx, selectLocation+`
		WHERE user_id = $1
		ORDER BY last_activity DESC, session_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session locations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*SessionLocation
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session location: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_locations WHERE last_activity < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale session locations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted session locations: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Delete(ctx context.Context, userID, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM session_locations WHERE user_id = $1 AND session_id = $2`, userID, sessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session location: %w", err)
	}
	return nil
}

// PostgresDeviceStore persists device records in PostgreSQL. Its table is
// created by PostgresStore.Migrate.
type PostgresDeviceStore struct {
	db *sql.DB
}

// NewPostgresDeviceStore creates a PostgreSQL-backed device store.
func NewPostgresDeviceStore(db *sql.DB) *PostgresDeviceStore {
	return &PostgresDeviceStore{db: db}
}

func (s *PostgresDeviceStore) Touch(ctx context.Context, userID, fingerprint string, at time.Time) error {
	if userID == "" || fingerprint == "" {
		return ErrInvalid
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_devices (user_id, device_fingerprint, last_used, is_trusted)
		VALUES ($1, $2, $3, FALSE)
		ON CONFLICT (user_id, device_fingerprint) DO UPDATE SET
			last_used = GREATEST(user_devices.last_used, EXCLUDED.last_used)
	`, userID, fingerprint, at)
	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	return nil
}

func (s *PostgresDeviceStore) ListDevices(ctx context.Context, userID string) ([]*DeviceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, device_fingerprint, last_used, is_trusted
		FROM user_devices
		WHERE user_id = $1
		ORDER BY last_used DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*DeviceRecord
	for rows.Next() {
		var d DeviceRecord
		if err := rows.Scan(&d.UserID, &d.DeviceFingerprint, &d.LastUsed, &d.IsTrusted); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *PostgresDeviceStore) SetTrusted(ctx context.Context, userID, fingerprint string, trusted bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE user_devices SET is_trusted = $3 WHERE user_id = $1 AND device_fingerprint = $2
	`, userID, fingerprint, trusted)
	if err != nil {
		return fmt.Errorf("failed to update device trust: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
