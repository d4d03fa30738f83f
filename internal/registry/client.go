// Package registry implements the watched service registry client over
// ZooKeeper. The authoritative tree is
//
//	/<root>/<domain>/<service>/<instance-id>  (ephemeral, payload "ip:port:hostname")
//
// The local cache is eventually consistent: Query starts (or continues) an
// asynchronous watch, List returns whatever is currently cached, and Pick is
// deterministic per call — the lexicographically smallest instance id.
// Registry outages never propagate to callers: List returns the stale cache
// and Pick may return none, which dependents surface as an unavailable
// error rather than blocking.
package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"
)

const (
	sessionTimeout = 10 * time.Second

	// rewatchDelay spaces retries when a watched path does not exist yet or
	// a refresh fails transiently.
	rewatchDelay = 2 * time.Second
)

// Snapshot is a point-in-time copy of the cache: domain → service → id →
// instance. Mutating it does not affect the client.
type Snapshot map[string]map[string]map[string]Instance

// registration records one self-advertisement so it can be re-created after
// the ZooKeeper session is re-established.
type registration struct {
	domain, service string
	inst            Instance
}

// Client watches the registry tree and advertises this process.
// The zero value is not usable — create instances with Connect.
type Client struct {
	conn   *zk.Conn
	root   string
	logger *zap.Logger

	mu         sync.RWMutex
	cache      map[string]map[string]Instance // "<domain>/<service>" → id → instance
	watching   map[string]bool
	registered []registration

	done      chan struct{}
	closeOnce sync.Once
}

// Connect dials the ZooKeeper ensemble. endpoints is the comma-separated
// server list from the service_discovery.zk config key; root is the chroot
// prefix for the registry tree (e.g. "/meshtalk").
func Connect(endpoints, root string, logger *zap.Logger) (*Client, error) {
	servers := strings.Split(endpoints, ",")
	for i := range servers {
		servers[i] = strings.TrimSpace(servers[i])
	}

	logger = logger.Named("registry")

	conn, events, err := zk.Connect(servers, sessionTimeout,
		zk.WithLogInfo(false),
	)
	if err != nil {
		return nil, fmt.Errorf("registry: connecting to zookeeper: %w", err)
	}

	c := &Client{
		conn:     conn,
		root:     strings.TrimRight(root, "/"),
		logger:   logger,
		cache:    make(map[string]map[string]Instance),
		watching: make(map[string]bool),
		done:     make(chan struct{}),
	}

	go c.sessionLoop(events)
	return c, nil
}

// Query begins (or continues) watching {domain, service}. Idempotent; the
// watch populates the cache asynchronously.
func (c *Client) Query(domain, service string) {
	key := domain + "/" + service

	c.mu.Lock()
	if c.watching[key] {
		c.mu.Unlock()
		return
	}
	c.watching[key] = true
	c.mu.Unlock()

	go c.watchLoop(domain, service)
}

// List returns a snapshot of the cached registry tree. Non-blocking.
func (c *Client) List() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := make(Snapshot)
	for key, insts := range c.cache {
		domain, service, _ := strings.Cut(key, "/")
		if snap[domain] == nil {
			snap[domain] = make(map[string]map[string]Instance)
		}
		cp := make(map[string]Instance, len(insts))
		for id, inst := range insts {
			cp[id] = inst
		}
		snap[domain][service] = cp
	}
	return snap
}

// Pick returns the cached instance with the lexicographically smallest id,
// or ok=false when nothing is cached. Absence triggers an implicit Query so
// the next call can succeed once the watch has propagated.
func (c *Client) Pick(domain, service string) (Instance, bool) {
	key := domain + "/" + service

	c.mu.RLock()
	insts := c.cache[key]
	var ids []string
	for id := range insts {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	if len(ids) == 0 {
		c.Query(domain, service)
		return Instance{}, false
	}

	sort.Strings(ids)
	c.mu.RLock()
	inst, ok := c.cache[key][ids[0]]
	c.mu.RUnlock()
	return inst, ok
}

// Register advertises this process as an instance of {domain, service}.
// The znode is ephemeral, so it disappears with the session; the session
// loop re-creates it after every reconnect.
func (c *Client) Register(domain, service string, inst Instance) error {
	c.mu.Lock()
	c.registered = append(c.registered, registration{domain: domain, service: service, inst: inst})
	c.mu.Unlock()

	if err := c.createInstance(domain, service, inst); err != nil {
		return err
	}
	c.logger.Info("registered instance",
		zap.String("domain", domain),
		zap.String("service", service),
		zap.String("instance", inst.ID),
		zap.String("addr", inst.Addr()),
	)
	return nil
}

// Close tears down the session. Ephemeral registrations expire with it.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) servicePath(domain, service string) string {
	return c.root + "/" + domain + "/" + service
}

// createInstance creates the persistent parents and the ephemeral leaf.
func (c *Client) createInstance(domain, service string, inst Instance) error {
	// Walk the parent chain, creating each level. ErrNodeExists is the
	// normal case after the first registration.
	path := ""
	for _, seg := range strings.Split(strings.TrimLeft(c.servicePath(domain, service), "/"), "/") {
		path += "/" + seg
		_, err := c.conn.Create(path, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && err != zk.ErrNodeExists {
			return fmt.Errorf("registry: creating %s: %w", path, err)
		}
	}

	leaf := c.servicePath(domain, service) + "/" + inst.ID
	_, err := c.conn.Create(leaf, []byte(inst.Payload()), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		return fmt.Errorf("registry: creating %s: %w", leaf, err)
	}
	return nil
}

// sessionLoop re-advertises every registration each time the session is
// (re-)established. A session expiry removed the ephemeral nodes, so this is
// what keeps the advertisement alive across ZooKeeper hiccups.
func (c *Client) sessionLoop(events <-chan zk.Event) {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != zk.EventSession || ev.State != zk.StateHasSession {
				continue
			}
			c.mu.RLock()
			regs := append([]registration(nil), c.registered...)
			c.mu.RUnlock()

			for _, r := range regs {
				if err := c.createInstance(r.domain, r.service, r.inst); err != nil {
					c.logger.Warn("re-registration failed",
						zap.String("service", r.domain+"/"+r.service),
						zap.Error(err),
					)
				}
			}
		}
	}
}

// watchLoop keeps the cache for one {domain, service} in sync with the
// children of its znode. It survives missing paths and transient errors by
// retrying after rewatchDelay.
func (c *Client) watchLoop(domain, service string) {
	key := domain + "/" + service
	path := c.servicePath(domain, service)

	for {
		select {
		case <-c.done:
			return
		default:
		}

		children, _, ch, err := c.conn.ChildrenW(path)
		if err != nil {
			c.handleWatchError(key, err)
			select {
			case <-c.done:
				return
			case <-time.After(rewatchDelay):
			}
			continue
		}

		insts := make(map[string]Instance, len(children))
		for _, id := range children {
			data, _, err := c.conn.Get(path + "/" + id)
			if err != nil {
				continue
			}
			inst, err := ParsePayload(id, string(data))
			if err != nil {
				c.logger.Warn("skipping malformed instance payload",
					zap.String("service", key),
					zap.String("instance", id),
					zap.Error(err),
				)
				continue
			}
			insts[id] = inst
		}
		c.setInstances(key, insts)

		select {
		case <-c.done:
			return
		case <-ch:
			// Children changed — refresh.
		}
	}
}

// handleWatchError decides what a failed ChildrenW means for the cache.
// ErrNoNode is authoritative — the service has no znode, so nothing is
// advertised and the entry is cleared. Everything else is a transport or
// session fault: the stale cache is kept so Pick keeps returning the
// last-known instances for the duration of the outage.
func (c *Client) handleWatchError(key string, err error) {
	if err == zk.ErrNoNode {
		c.setInstances(key, nil)
		return
	}
	c.logger.Warn("registry watch failed, keeping cached instances",
		zap.String("service", key),
		zap.Error(err),
	)
}

func (c *Client) setInstances(key string, insts map[string]Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(insts) == 0 {
		delete(c.cache, key)
		return
	}
	c.cache[key] = insts
}
