package auth

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNonceUsed is returned by Reserve when the nonce is already held.
var ErrNonceUsed = errors.New("nonce already used")

// NonceStore records nonces so a signed request cannot be replayed inside
// the freshness window. Reserve is atomic: of any number of concurrent
// reservations of one key, exactly one succeeds.
type NonceStore interface {
	// Reserve provisionally claims key for ttl. It returns ErrNonceUsed if
	// the key is held and unexpired.
	Reserve(ctx context.Context, key string, ttl time.Duration) (Reservation, error)
}

// Reservation is a provisional nonce claim. Commit it once the request's
// signature verifies; Release it on any failure before that, so a request
// that was never authenticated cannot burn a legitimate client's nonce.
type Reservation interface {
	Commit(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// NonceKey scopes a nonce to the agent that sent it.
func NonceKey(agentID, nonce string) string {
	return agentID + ":" + nonce
}

// MemoryNonceStore is a process-local NonceStore with TTL expiry.
type MemoryNonceStore struct {
	mu        sync.Mutex
	entries   map[string]nonceEntry
	seq       uint64
	lastSweep time.Time
	now       func() time.Time
}

type nonceEntry struct {
	owner     uint64
	expiresAt time.Time
}

// NewMemoryNonceStore returns an empty in-memory nonce store.
func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{
		entries: make(map[string]nonceEntry),
		now:     time.Now,
	}
}

func (s *MemoryNonceStore) Reserve(_ context.Context, key string, ttl time.Duration) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.maybeEvictLocked(now)
	if e, ok := s.entries[key]; ok && now.Before(e.expiresAt) {
		return nil, ErrNonceUsed
	}
	s.seq++
	s.entries[key] = nonceEntry{owner: s.seq, expiresAt: now.Add(ttl)}
	return &memoryReservation{store: s, key: key, owner: s.seq}, nil
}

// Len returns the number of live entries.
func (s *MemoryNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked(s.now())
	return len(s.entries)
}

// maybeEvictLocked sweeps expired entries at most once per second. Caller must hold mu.
func (s *MemoryNonceStore) maybeEvictLocked(now time.Time) {
	if now.Sub(s.lastSweep) < time.Second {
		return
	}
	s.lastSweep = now
	s.evictExpiredLocked(now)
}

// evictExpiredLocked removes expired entries. Caller must hold mu.
func (s *MemoryNonceStore) evictExpiredLocked(now time.Time) {
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
		}
	}
}

type memoryReservation struct {
	store *MemoryNonceStore
	key   string
	owner uint64
}

func (r *memoryReservation) Commit(_ context.Context, ttl time.Duration) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	// Another request may hold the key if our provisional claim lapsed.
	if e, ok := s.entries[r.key]; ok && e.owner != r.owner && now.Before(e.expiresAt) {
		return nil
	}
	s.entries[r.key] = nonceEntry{owner: r.owner, expiresAt: now.Add(ttl)}
	return nil
}

func (r *memoryReservation) Release(_ context.Context) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[r.key]; ok && e.owner == r.owner {
		delete(s.entries, r.key)
	}
	return nil
}

// NonceTable is the persistence a SQLNonceStore needs. storage.SQLiteStore
// implements it.
type NonceTable interface {
	ReserveNonce(ctx context.Context, key string, expiresAt time.Time) (bool, error)
	SetNonceExpiry(ctx context.Context, key string, expiresAt time.Time) error
	DeleteNonce(ctx context.Context, key string) error
}

// SQLNonceStore keeps nonces in the gateway database so replay protection
// survives restarts. Atomicity comes from the table's primary key.
type SQLNonceStore struct {
	table NonceTable
}

// NewSQLNonceStore wraps a NonceTable.
func NewSQLNonceStore(table NonceTable) *SQLNonceStore {
	return &SQLNonceStore{table: table}
}

func (s *SQLNonceStore) Reserve(ctx context.Context, key string, ttl time.Duration) (Reservation, error) {
	ok, err := s.table.ReserveNonce(ctx, key, time.Now().Add(ttl))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNonceUsed
	}
	return &sqlReservation{table: s.table, key: key}, nil
}

type sqlReservation struct {
	table NonceTable
	key   string
}

func (r *sqlReservation) Commit(ctx context.Context, ttl time.Duration) error {
	return r.table.SetNonceExpiry(ctx, r.key, time.Now().Add(ttl))
}

func (r *sqlReservation) Release(ctx context.Context) error {
	return r.table.DeleteNonce(ctx, r.key)
}
