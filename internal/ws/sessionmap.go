package ws

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/meshtalk-io/meshtalk/internal/protocol"
)

// connSeq allocates process-unique connection ids. Instantiated once at
// startup, never reset.
var connSeq atomic.Uint64

// nextConnID returns a fresh connection id.
func nextConnID() uint64 {
	return connSeq.Add(1)
}

// SessionMap is the per-process registry of live authenticated sessions,
// indexed both by connection id and by uid. It is safe for concurrent use;
// readers snapshot under the lock and perform I/O after release.
//
// Every entry is removed by the session's close path before the socket is
// torn down, so the map never hands out a dead session for longer than one
// in-flight send.
type SessionMap struct {
	mu    sync.RWMutex
	byID  map[uint64]*Session
	byUID map[int64]map[uint64]*Session
}

// NewSessionMap creates an empty SessionMap.
func NewSessionMap() *SessionMap {
	return &SessionMap{
		byID:  make(map[uint64]*Session),
		byUID: make(map[int64]map[uint64]*Session),
	}
}

// Add inserts s into both indexes.
func (m *SessionMap) Add(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.byID[s.id] = s
	if m.byUID[s.uid] == nil {
		m.byUID[s.uid] = make(map[uint64]*Session)
	}
	m.byUID[s.uid][s.id] = s
}

// Remove deletes the session with the given id. Returns false when the
// entry was already gone (close racing with a slow-consumer eviction).
func (m *SessionMap) Remove(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[id]
	if !ok {
		return false
	}
	delete(m.byID, id)
	delete(m.byUID[s.uid], id)
	if len(m.byUID[s.uid]) == 0 {
		delete(m.byUID, s.uid)
	}
	return true
}

// Collect returns a snapshot of the live sessions for uid. The lock is held
// only long enough to copy the slice; callers send after release.
func (m *SessionMap) Collect(uid int64) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := m.byUID[uid]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	return out
}

// Broadcast sends env to every live session of uid and returns how many
// accepted it. Sessions whose send buffer is full are closed — a consumer
// that slow is indistinguishable from a dead one.
func (m *SessionMap) Broadcast(uid int64, env protocol.Envelope) int {
	data, err := json.Marshal(env)
	if err != nil {
		return 0
	}

	sent := 0
	for _, s := range m.Collect(uid) {
		if s.enqueue(data) {
			sent++
		} else {
			s.close()
		}
	}
	return sent
}

// Count returns the number of live sessions. Intended for metrics and
// health endpoints.
func (m *SessionMap) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}
