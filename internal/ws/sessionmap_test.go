package ws

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/meshtalk-io/meshtalk/internal/protocol"
)

// newBareSession builds a session that is never attached to a socket; only
// map bookkeeping is exercised.
func newBareSession(uid int64) *Session {
	return &Session{
		id:   nextConnID(),
		uid:  uid,
		send: make(chan []byte, sendBufferSize),
	}
}

func TestSessionMapCollectTracksLiveSessions(t *testing.T) {
	m := NewSessionMap()

	a := newBareSession(7)
	b := newBareSession(7)
	c := newBareSession(9)
	m.Add(a)
	m.Add(b)
	m.Add(c)

	assert.Len(t, m.Collect(7), 2)
	assert.Len(t, m.Collect(9), 1)
	assert.Nil(t, m.Collect(11))
	assert.Equal(t, 3, m.Count())

	assert.True(t, m.Remove(a.id))
	assert.Len(t, m.Collect(7), 1)
	assert.Equal(t, b.id, m.Collect(7)[0].id)

	// Second removal of the same id reports the entry as already gone.
	assert.False(t, m.Remove(a.id))

	assert.True(t, m.Remove(b.id))
	assert.Nil(t, m.Collect(7))
	assert.Equal(t, 1, m.Count())
}

func TestSessionMapConcurrentAddRemove(t *testing.T) {
	m := NewSessionMap()

	const perUID = 50
	var wg sync.WaitGroup
	for uid := int64(1); uid <= 4; uid++ {
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			ids := make([]uint64, 0, perUID)
			for i := 0; i < perUID; i++ {
				s := newBareSession(uid)
				m.Add(s)
				ids = append(ids, s.id)
				_ = m.Collect(uid)
			}
			for _, id := range ids[:perUID/2] {
				m.Remove(id)
			}
		}(uid)
	}
	wg.Wait()

	assert.Equal(t, 4*perUID/2, m.Count())
	for uid := int64(1); uid <= 4; uid++ {
		assert.Len(t, m.Collect(uid), perUID/2)
	}
}

func TestBroadcastCountsOnlyAcceptedSends(t *testing.T) {
	m := NewSessionMap()

	ok := newBareSession(7)
	full := newBareSession(7)
	// Saturate one session's buffer so its enqueue fails.
	for i := 0; i < sendBufferSize; i++ {
		full.send <- []byte("x")
	}
	m.Add(ok)
	m.Add(full)

	n := m.Broadcast(7, protocol.Envelope{Event: "im.message"})
	assert.Equal(t, 1, n)
}
