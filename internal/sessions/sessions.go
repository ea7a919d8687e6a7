// Package sessions tracks the current location and risk of every active
// session, and the devices each user signs in from.
//
// A SessionLocation is a point-in-time snapshot, not a ledger: every check
// overwrites the row for (user_id, session_id) in full. History lives in the
// audit log. Rows whose last activity is older than the configured TTL are
// removed by the Sweeper.
package sessions

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("sessions: not found")
	ErrNoToken  = errors.New("sessions: empty session token")
	ErrInvalid  = errors.New("sessions: invalid record")
)

// SessionLocation is the latest known location of one session.
type SessionLocation struct {
	UserID       string    `json:"userId"`
	SessionID    string    `json:"sessionId"`
	IPAddress    string    `json:"ipAddress"`
	CountryCode  string    `json:"countryCode,omitempty"`
	IsVPN        bool      `json:"isVpn"`
	RiskScore    int       `json:"riskScore"`
	LastActivity time.Time `json:"lastActivity"`
}

func (l *SessionLocation) validate() error {
	if l == nil || l.UserID == "" || l.SessionID == "" {
		return ErrInvalid
	}
	return nil
}

// Store persists session locations.
//
// Upsert is a last-write-wins merge keyed on (UserID, SessionID): if a row
// exists every field is replaced by the incoming values, otherwise a row is
// inserted. Repeating an Upsert with the same payload leaves exactly one row
// holding that payload. Concurrent upserts for the same key are not ordered
// beyond "the write the store applies last wins".
type Store interface {
	Upsert(ctx context.Context, loc *SessionLocation) error
	Get(ctx context.Context, userID, sessionID string) (*SessionLocation, error)
	// ListByUser returns a user's sessions, most recently active first.
	ListByUser(ctx context.Context, userID string) ([]*SessionLocation, error)
	// DeleteStale removes rows whose LastActivity is before cutoff and
	// reports how many were removed.
	DeleteStale(ctx context.Context, cutoff time.Time) (int64, error)
	// Delete removes one session's row. Missing rows are not an error.
	Delete(ctx context.Context, userID, sessionID string) error
}

// DeviceRecord is a device a user has been seen on.
type DeviceRecord struct {
	UserID            string    `json:"userId"`
	DeviceFingerprint string    `json:"deviceFingerprint"`
	LastUsed          time.Time `json:"lastUsed"`
	IsTrusted         bool      `json:"isTrusted"`
}

// DeviceStore persists device records. Touch inserts an untrusted device or
// refreshes LastUsed on an existing one; it never changes IsTrusted.
type DeviceStore interface {
	Touch(ctx context.Context, userID, fingerprint string, at time.Time) error
	ListDevices(ctx context.Context, userID string) ([]*DeviceRecord, error)
	SetTrusted(ctx context.Context, userID, fingerprint string, trusted bool) error
}

// DeriveID derives the session identifier from the active credential as a
// fixed-length prefix. For three-part JWT-shaped tokens the prefix is taken
// from the signature segment, since the header segment is identical across
// every token issued with the same algorithm. Distinct tokens sharing a
// prefix collide; with a 32 character base64 prefix that is negligible.
func DeriveID(token string, prefixLen int) (string, error) {
	token = strings.TrimSpace(token)
	token = strings.TrimPrefix(token, "Bearer ")
	if token == "" {
		return "", ErrNoToken
	}
	if parts := strings.Split(token, "."); len(parts) == 3 && parts[2] != "" {
		token = parts[2]
	}
	if prefixLen > 0 && len(token) > prefixLen {
		token = token[:prefixLen]
	}
	return token, nil
}
