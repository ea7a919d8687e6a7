// Package pagination implements keyset paging over newest-first audit lists.
//
// A cursor names the last row of the previous page by (created_at, id). The
// next page holds rows strictly older than it, with id breaking ties, which
// matches an ORDER BY created_at DESC, id DESC scan.
package pagination

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned for cursors this package did not produce.
var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Limits for a single page.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Cursor is a position in a newest-first list.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// String encodes c as an opaque URL-safe token.
func (c Cursor) String() string {
	raw := strconv.FormatInt(c.CreatedAt.UnixNano(), 36) + "." + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Parse decodes a token produced by Cursor.String. An empty token means the
// first page and yields nil.
func Parse(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	ts, id, ok := strings.Cut(string(raw), ".")
	if !ok || id == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(ts, 36, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// Admits reports whether a row keyed (createdAt, id) belongs after c. A nil
// cursor admits every row.
func (c *Cursor) Admits(createdAt time.Time, id string) bool {
	if c == nil {
		return true
	}
	if createdAt.Equal(c.CreatedAt) {
		return id < c.ID
	}
	return createdAt.Before(c.CreatedAt)
}

// Limit clamps a requested page size.
func Limit(n int) int {
	switch {
	case n <= 0:
		return DefaultLimit
	case n > MaxLimit:
		return MaxLimit
	}
	return n
}

// Page trims rows fetched with limit+1 to limit and returns the token for
// the following page, or "" when rows was the last page.
func Page[T any](rows []T, limit int, key func(T) (time.Time, string)) ([]T, string) {
	if len(rows) <= limit {
		return rows, ""
	}
	rows = rows[:limit]
	createdAt, id := key(rows[len(rows)-1])
	return rows, Cursor{CreatedAt: createdAt, ID: id}.String()
}
