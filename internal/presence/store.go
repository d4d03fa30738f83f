// Package presence implements the uid → gateway route directory: the
// TTL-leased in-memory store served by presenced, the Rock command handlers
// in front of it, and the client gateways use to talk to it.
//
// Durability is intentionally absent: if presenced restarts, gateways
// re-populate the directory within one heartbeat interval, and stale routes
// age out within one TTL.
package presence

import (
	"errors"
	"sync"
	"time"
)

// DefaultTTL is the lease applied when a bind request carries no ttl_sec.
// Gateways heartbeat on every client application ping (25–30 s), giving
// three missed pings of margin before a route expires.
const DefaultTTL = 120 * time.Second

// ErrGatewayMismatch is returned by Heartbeat when the stored binding points
// at a different gateway. The last set-online wins; a stale gateway's
// heartbeat must not resurrect an overridden route.
var ErrGatewayMismatch = errors.New("presence: heartbeat from non-owning gateway")

type entry struct {
	gatewayRPC string
	expiresAt  time.Time
}

// Store is the in-memory route table. Safe for concurrent use.
// The zero value is not usable — create instances with NewStore.
type Store struct {
	mu      sync.RWMutex
	entries map[int64]entry

	// now is replaceable for tests.
	now func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		entries: make(map[int64]entry),
		now:     time.Now,
	}
}

// SetOnline creates or replaces the binding for uid. The last set-online
// wins unconditionally — this is what moves a user between gateways.
func (s *Store) SetOnline(uid int64, gatewayRPC string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[uid] = entry{gatewayRPC: gatewayRPC, expiresAt: s.now().Add(ttl)}
}

// Heartbeat extends the lease for uid. If no binding exists (expired, or
// presenced restarted) the heartbeat is equivalent to SetOnline. A heartbeat
// whose gatewayRPC differs from the stored binding is rejected with
// ErrGatewayMismatch: the older gateway observes its connections are gone
// and stops heartbeating.
func (s *Store) Heartbeat(uid int64, gatewayRPC string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[uid]
	if ok && s.now().Before(e.expiresAt) && e.gatewayRPC != gatewayRPC {
		return ErrGatewayMismatch
	}
	s.entries[uid] = entry{gatewayRPC: gatewayRPC, expiresAt: s.now().Add(ttl)}
	return nil
}

// SetOffline removes the binding for uid. Idempotent.
func (s *Store) SetOffline(uid int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, uid)
}

// GetRoute returns the gateway RPC address bound to uid, or empty when no
// binding exists or the binding has expired. Expiry is enforced lazily here
// so sweep latency is never observable.
func (s *Store) GetRoute(uid int64) string {
	s.mu.RLock()
	e, ok := s.entries[uid]
	s.mu.RUnlock()

	if !ok {
		return ""
	}
	if !s.now().Before(e.expiresAt) {
		// Expired — remove under the write lock, re-checking in case a
		// fresh bind raced in.
		s.mu.Lock()
		if cur, ok := s.entries[uid]; ok && !s.now().Before(cur.expiresAt) {
			delete(s.entries, uid)
		}
		s.mu.Unlock()
		return ""
	}
	return e.gatewayRPC
}

// Sweep removes all expired entries and returns how many were dropped.
// Called periodically by presenced; correctness does not depend on it.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	dropped := 0
	for uid, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, uid)
			dropped++
		}
	}
	return dropped
}

// Len returns the current number of bindings, expired ones included until
// the next sweep. Intended for metrics.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
