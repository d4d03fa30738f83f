package registry

import (
	"errors"
	"testing"

	"github.com/go-zookeeper/zk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestInstancePayloadRoundTrip(t *testing.T) {
	in := Instance{ID: "a1b2", IP: "10.0.0.3", Port: 9504, Hostname: "gw-1"}

	out, err := ParsePayload(in.ID, in.Payload())
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, "10.0.0.3:9504", out.Addr())
}

func TestParsePayloadWithoutHostname(t *testing.T) {
	out, err := ParsePayload("id", "10.0.0.3:9504")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3", out.IP)
	assert.Equal(t, 9504, out.Port)
	assert.Empty(t, out.Hostname)
}

func TestParsePayloadRejectsMalformed(t *testing.T) {
	for _, payload := range []string{
		"",
		"10.0.0.3",
		"10.0.0.3:notaport",
		"10.0.0.3:0:host",
		"10.0.0.3:70000:host",
	} {
		_, err := ParsePayload("id", payload)
		assert.Error(t, err, "payload %q", payload)
	}
}

func TestPickSmallestID(t *testing.T) {
	c := &Client{
		cache:    make(map[string]map[string]Instance),
		watching: make(map[string]bool),
		done:     make(chan struct{}),
	}
	c.setInstances("meshtalk/gateway", map[string]Instance{
		"node-c": {ID: "node-c", IP: "10.0.0.3", Port: 9504},
		"node-a": {ID: "node-a", IP: "10.0.0.1", Port: 9504},
		"node-b": {ID: "node-b", IP: "10.0.0.2", Port: 9504},
	})

	inst, ok := c.Pick("meshtalk", "gateway")
	require.True(t, ok)
	assert.Equal(t, "node-a", inst.ID)
}

func TestPickMissReportsNotFound(t *testing.T) {
	c := &Client{
		cache: make(map[string]map[string]Instance),
		// Mark the key as already watched so the miss does not spawn a
		// watch loop against a connection this test never dials.
		watching: map[string]bool{"meshtalk/svc-unknown": true},
		done:     make(chan struct{}),
	}

	_, ok := c.Pick("meshtalk", "svc-unknown")
	assert.False(t, ok)
}

func TestWatchErrorKeepsStaleCache(t *testing.T) {
	c := &Client{
		cache:    make(map[string]map[string]Instance),
		watching: map[string]bool{"meshtalk/gateway": true},
		done:     make(chan struct{}),
		logger:   zaptest.NewLogger(t),
	}
	c.setInstances("meshtalk/gateway", map[string]Instance{
		"node-a": {ID: "node-a", IP: "10.0.0.1", Port: 9504},
	})

	// A flapping session must not evict the last-known instances.
	c.handleWatchError("meshtalk/gateway", errors.New("zk: connection closed"))

	inst, ok := c.Pick("meshtalk", "gateway")
	require.True(t, ok)
	assert.Equal(t, "node-a", inst.ID)
}

func TestWatchNoNodeClearsCache(t *testing.T) {
	c := &Client{
		cache:    make(map[string]map[string]Instance),
		watching: map[string]bool{"meshtalk/gateway": true},
		done:     make(chan struct{}),
		logger:   zaptest.NewLogger(t),
	}
	c.setInstances("meshtalk/gateway", map[string]Instance{
		"node-a": {ID: "node-a", IP: "10.0.0.1", Port: 9504},
	})

	// The znode is authoritatively gone: nothing is advertised.
	c.handleWatchError("meshtalk/gateway", zk.ErrNoNode)

	_, ok := c.Pick("meshtalk", "gateway")
	assert.False(t, ok)
	assert.Empty(t, c.List())
}

func TestSetInstancesEmptyClearsEntry(t *testing.T) {
	c := &Client{
		cache:    make(map[string]map[string]Instance),
		watching: make(map[string]bool),
		done:     make(chan struct{}),
	}
	c.setInstances("meshtalk/gateway", map[string]Instance{
		"node-a": {ID: "node-a", IP: "10.0.0.1", Port: 9504},
	})
	c.setInstances("meshtalk/gateway", nil)

	snap := c.List()
	assert.Empty(t, snap)
}
