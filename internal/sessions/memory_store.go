package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/lendguard/internal/syncutil"
)

type sessionKey struct{ userID, sessionID string }

// MemoryStore is an in-memory Store. Writes for one (user, session) pair
// are serialised through a sharded lock so sessions of different users
// rarely contend.
type MemoryStore struct {
	locks syncutil.ShardedMutex
	rows  sync.Map // sessionKey → *SessionLocation
}

// NewMemoryStore creates an in-memory session location store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func lockKey(userID, sessionID string) string {
	return userID + "\x00" + sessionID
}

func (s *MemoryStore) Upsert(ctx context.Context, loc *SessionLocation) error {
	if err := loc.validate(); err != nil {
		return err
	}
	unlock := s.locks.Lock(lockKey(loc.UserID, loc.SessionID))
	defer unlock()

	cp := *loc
	s.rows.Store(sessionKey{loc.UserID, loc.SessionID}, &cp)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, userID, sessionID string) (*SessionLocation, error) {
	v, ok := s.rows.Load(sessionKey{userID, sessionID})
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v.(*SessionLocation)
	return &cp, nil
}

func (s *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*SessionLocation, error) {
	var out []*SessionLocation
	s.rows.Range(func(k, v any) bool {
		if k.(sessionKey).userID == userID {
			cp := *v.(*SessionLocation)
			out = append(out, &cp)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out, nil
}

func (s *MemoryStore) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	s.rows.Range(func(k, v any) bool {
		if err := ctx.Err(); err != nil {
			return false
		}
		key := k.(sessionKey)
		unlock := s.locks.Lock(lockKey(key.userID, key.sessionID))
		// Re-read under the lock; an upsert may have refreshed the row.
		if cur, ok := s.rows.Load(key); ok && cur.(*SessionLocation).LastActivity.Before(cutoff) {
			s.rows.Delete(key)
			n++
		}
		unlock()
		return true
	})
	return n, ctx.Err()
}

func (s *MemoryStore) Delete(ctx context.Context, userID, sessionID string) error {
	unlock := s.locks.Lock(lockKey(userID, sessionID))
	defer unlock()
	s.rows.Delete(sessionKey{userID, sessionID})
	return nil
}

// MemoryDeviceStore is an in-memory DeviceStore. Each user's devices are
// guarded by a context-aware sharded lock so a cancelled request never
// waits on another user's write.
type MemoryDeviceStore struct {
	locks *syncutil.ContextShardedMutex
	users sync.Map // userID → map[fingerprint]*DeviceRecord
}

// NewMemoryDeviceStore creates an in-memory device store.
func NewMemoryDeviceStore() *MemoryDeviceStore {
	return &MemoryDeviceStore{locks: syncutil.NewContextShardedMutex()}
}

func (s *MemoryDeviceStore) devices(userID string) map[string]*DeviceRecord {
	v, _ := s.users.LoadOrStore(userID, make(map[string]*DeviceRecord))
	return v.(map[string]*DeviceRecord)
}

func (s *MemoryDeviceStore) Touch(ctx context.Context, userID, fingerprint string, at time.Time) error {
	if userID == "" || fingerprint == "" {
		return ErrInvalid
	}
	unlock, err := s.locks.LockContext(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	devices := s.devices(userID)
	if d, ok := devices[fingerprint]; ok {
		if at.After(d.LastUsed) {
			d.LastUsed = at
		}
		return nil
	}
	devices[fingerprint] = &DeviceRecord{UserID: userID, DeviceFingerprint: fingerprint, LastUsed: at}
	return nil
}

func (s *MemoryDeviceStore) ListDevices(ctx context.Context, userID string) ([]*DeviceRecord, error) {
	unlock, err := s.locks.LockContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	devices := s.devices(userID)
	out := make([]*DeviceRecord, 0, len(devices))
	for _, d := range devices {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsed.After(out[j].LastUsed) })
	return out, nil
}

func (s *MemoryDeviceStore) SetTrusted(ctx context.Context, userID, fingerprint string, trusted bool) error {
	unlock, err := s.locks.LockContext(ctx, userID)
	if err != nil {
		return err
	}
	defer unlock()

	d, ok := s.devices(userID)[fingerprint]
	if !ok {
		return ErrNotFound
	}
	d.IsTrusted = trusted
	return nil
}
