package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/lendguard/internal/pagination"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu      sync.RWMutex
	ids     map[string]struct{}
	events  map[string][]*VerificationEvent // userID → events, ascending (created_at, id)
	blocked map[string][]*BlockedAttempt
}

// NewMemoryStore creates an in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ids:     make(map[string]struct{}),
		events:  make(map[string][]*VerificationEvent),
		blocked: make(map[string][]*BlockedAttempt),
	}
}

func (s *MemoryStore) AppendEvent(ctx context.Context, ev *VerificationEvent) error {
	if ev == nil || ev.ID == "" {
		return ErrInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[ev.ID]; ok {
		return ErrDuplicate
	}
	s.ids[ev.ID] = struct{}{}

	cp := *ev
	cp.RiskFlags = append(cp.RiskFlags[:0:0], ev.RiskFlags...)
	s.events[ev.UserID] = insertSorted(s.events[ev.UserID], &cp, eventKey)
	return nil
}

func (s *MemoryStore) AppendBlocked(ctx context.Context, b *BlockedAttempt) error {
	if b == nil || b.ID == "" {
		return ErrInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[b.ID]; ok {
		return ErrDuplicate
	}
	s.ids[b.ID] = struct{}{}

	cp := *b
	cp.RiskFlags = append(cp.RiskFlags[:0:0], b.RiskFlags...)
	s.blocked[b.UserID] = insertSorted(s.blocked[b.UserID], &cp, blockedKey)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*VerificationEvent, error) {
	limit = clampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[userID]
	result := make([]*VerificationEvent, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		if !before.Admits(all[i].CreatedAt, all[i].ID) {
			continue
		}
		cp := *all[i]
		cp.RiskFlags = append(cp.RiskFlags[:0:0], all[i].RiskFlags...)
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryStore) ListBlocked(ctx context.Context, userID string, before *pagination.Cursor, limit int) ([]*BlockedAttempt, error) {
	limit = clampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.blocked[userID]
	result := make([]*BlockedAttempt, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		if !before.Admits(all[i].CreatedAt, all[i].ID) {
			continue
		}
		cp := *all[i]
		cp.RiskFlags = append(cp.RiskFlags[:0:0], all[i].RiskFlags...)
		result = append(result, &cp)
	}
	return result, nil
}

func eventKey(ev *VerificationEvent) (time.Time, string) { return ev.CreatedAt, ev.ID }
func blockedKey(b *BlockedAttempt) (time.Time, string)    { return b.CreatedAt, b.ID }

// insertSorted keeps rows ordered by (created_at, id) so that walking
// backwards matches the keyset order the cursor compares against.
func insertSorted[T any](rows []T, row T, key func(T) (time.Time, string)) []T {
	at, id := key(row)
	i := sort.Search(len(rows), func(i int) bool {
		t, rid := key(rows[i])
		return t.After(at) || (t.Equal(at) && rid > id)
	})
	rows = append(rows, row)
	copy(rows[i+1:], rows[i:])
	rows[i] = row
	return rows
}

// Count returns the number of stored records of each kind.
func (s *MemoryStore) Count() (events, blocked int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, evs := range s.events {
		events += len(evs)
	}
	for _, bs := range s.blocked {
		blocked += len(bs)
	}
	return events, blocked
}
