package rock

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pool maintains at most one live client connection per peer address. It is
// the reconnect policy for the transport: a request against a dead or missing
// connection dials a fresh one; a request against a peer that cannot be
// reached fails with ErrNotConnect and the next request tries again.
//
// Lookup follows a read-then-upgrade discipline: a read lock to find an
// existing live connection, and on miss an exclusive lock with a re-check so
// two concurrent misses do not both dial.
type Pool struct {
	opts   Options
	logger *zap.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewPool creates an empty pool.
func NewPool(opts Options, logger *zap.Logger) *Pool {
	return &Pool{
		opts:   opts,
		logger: logger.Named("rock_pool"),
		conns:  make(map[string]*Conn),
	}
}

// Request sends cmd to the peer at addr, reusing the pooled connection or
// dialing a new one, and waits for the correlated response.
func (p *Pool) Request(ctx context.Context, addr string, cmd uint32, body []byte, timeout time.Duration) (*Response, error) {
	conn, err := p.conn(addr)
	if err != nil {
		return nil, err
	}
	return conn.Request(ctx, cmd, body, timeout)
}

// Notify sends a one-way notify frame to the peer at addr.
func (p *Pool) Notify(addr string, cmd uint32, body []byte) error {
	conn, err := p.conn(addr)
	if err != nil {
		return err
	}
	return conn.SendNotify(cmd, body)
}

// conn returns the live connection for addr, dialing one if needed.
func (p *Pool) conn(addr string) (*Conn, error) {
	p.mu.RLock()
	c, ok := p.conns[addr]
	p.mu.RUnlock()
	if ok && c.Alive() {
		return c, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Re-check after upgrading: another goroutine may have dialed while we
	// waited for the write lock.
	if c, ok := p.conns[addr]; ok && c.Alive() {
		return c, nil
	}

	c, err := Dial(addr, p.opts, p.logger)
	if err != nil {
		return nil, err
	}
	p.conns[addr] = c
	p.logger.Debug("dialed peer", zap.String("peer", addr))
	return c, nil
}

// Close tears down every pooled connection. Outstanding requests on each
// complete with ErrNotConnect.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*Conn)
	p.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
