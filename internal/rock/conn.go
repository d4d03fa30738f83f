package rock

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// defaultDialTimeout bounds the TCP connect attempt.
	defaultDialTimeout = 3 * time.Second

	// defaultMaxQueueBytes is the high-water mark for buffered writes. Once
	// this many bytes are queued, further enqueues fail fast with
	// ErrQueueFull instead of blocking.
	defaultMaxQueueBytes = 1 << 20 // 1 MiB

	// writeQueueSlots caps the number of queued frames independently of the
	// byte budget, so a flood of tiny frames cannot grow the queue unbounded.
	writeQueueSlots = 1024

	// writeDeadline bounds a single wire write. A peer that stops reading
	// for this long is treated as dead.
	writeDeadline = 10 * time.Second
)

// Options tunes a client connection. The zero value selects all defaults.
type Options struct {
	// MaxFrame caps the total length of a single frame in either direction.
	// Defaults to DefaultMaxFrame (16 MiB).
	MaxFrame int

	// MaxQueueBytes is the write-queue high-water mark in bytes.
	MaxQueueBytes int

	// DialTimeout bounds the TCP connect attempt.
	DialTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxFrame <= 0 {
		o.MaxFrame = DefaultMaxFrame
	}
	if o.MaxQueueBytes <= 0 {
		o.MaxQueueBytes = defaultMaxQueueBytes
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	return o
}

// outcome is the single completion value of an in-flight request.
type outcome struct {
	resp *Response
	err  error
}

// pending is one entry of the in-flight table. Its channel has capacity one
// so the completer never blocks, even if the waiter already gave up.
type pending struct {
	ch chan outcome
}

// Conn is one persistent client connection to a Rock peer. It owns a reader
// goroutine that demultiplexes responses by sn and a writer goroutine that
// drains the bounded write queue. Reconnect is not automatic: once a Conn is
// closed it stays closed, and the pool decides whether to dial a fresh one.
type Conn struct {
	addr   string
	tcp    net.Conn
	opts   Options
	logger *zap.Logger

	// mu guards inflight, nextSN and closed. Critical sections are short:
	// entries are inserted, removed, or swept — never completed under mu.
	mu       sync.Mutex
	inflight map[uint32]*pending
	nextSN   uint32
	closed   bool

	writeCh chan []byte
	queued  atomic.Int64 // bytes currently in the write queue

	closeOnce sync.Once
	done      chan struct{}
}

// Dial establishes a connection to addr. A failed connect returns
// ErrNotConnect (terminal for this attempt — the caller retries by dialing
// again).
func Dial(addr string, opts Options, logger *zap.Logger) (*Conn, error) {
	opts = opts.withDefaults()

	tcp, err := net.DialTimeout("tcp", addr, opts.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrNotConnect, addr, err)
	}

	c := &Conn{
		addr:     addr,
		tcp:      tcp,
		opts:     opts,
		logger:   logger.Named("rock_conn").With(zap.String("peer", addr)),
		inflight: make(map[uint32]*pending),
		writeCh:  make(chan []byte, writeQueueSlots),
		done:     make(chan struct{}),
	}

	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// Addr returns the peer address this connection was dialed to.
func (c *Conn) Addr() string { return c.addr }

// Alive reports whether the connection is still usable.
func (c *Conn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Request sends cmd with body and blocks until the correlated response
// arrives, the timeout expires, ctx is cancelled, or the connection is torn
// down. Every in-flight entry is completed exactly once, by exactly one of
// those four paths.
func (c *Conn) Request(ctx context.Context, cmd uint32, body []byte, timeout time.Duration) (*Response, error) {
	sn, p, err := c.register()
	if err != nil {
		return nil, err
	}

	frame, err := EncodeMessage(&Request{SN: sn, Cmd: cmd, Body: body}, c.opts.MaxFrame)
	if err != nil {
		c.complete(sn, nil, err)
		return nil, err
	}
	if err := c.enqueue(frame); err != nil {
		c.complete(sn, nil, err)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-p.ch:
		return out.resp, out.err

	case <-timer.C:
		if c.complete(sn, nil, ErrTimeout) {
			return nil, fmt.Errorf("%w: cmd %d after %s", ErrTimeout, cmd, timeout)
		}
		// A response won the race while the timer fired — deliver it.
		out := <-p.ch
		return out.resp, out.err

	case <-ctx.Done():
		if c.complete(sn, nil, ErrCancelled) {
			return nil, fmt.Errorf("%w: cmd %d: %v", ErrCancelled, cmd, ctx.Err())
		}
		out := <-p.ch
		return out.resp, out.err
	}
}

// SendNotify queues a one-way notify frame. No response is expected.
func (c *Conn) SendNotify(cmd uint32, body []byte) error {
	frame, err := EncodeMessage(&Notify{Cmd: cmd, Body: body}, c.opts.MaxFrame)
	if err != nil {
		return err
	}
	return c.enqueue(frame)
}

// Close tears the connection down. All outstanding requests complete with
// ErrNotConnect. Safe to call multiple times.
func (c *Conn) Close() {
	c.teardown(nil)
}

// register allocates a fresh sn and inserts the in-flight entry. Allocation
// is wrap-safe: sns already in flight are skipped, and only live entries
// matter for uniqueness.
func (c *Conn) register() (uint32, *pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, nil, ErrClosed
	}

	for {
		c.nextSN++
		if _, busy := c.inflight[c.nextSN]; !busy {
			break
		}
	}

	p := &pending{ch: make(chan outcome, 1)}
	c.inflight[c.nextSN] = p
	return c.nextSN, p, nil
}

// complete removes the in-flight entry for sn and delivers its outcome.
// Returns false if the entry was already completed by another path.
func (c *Conn) complete(sn uint32, resp *Response, err error) bool {
	c.mu.Lock()
	p, ok := c.inflight[sn]
	if ok {
		delete(c.inflight, sn)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	p.ch <- outcome{resp: resp, err: err}
	return true
}

// enqueue places one encoded frame on the write queue, failing fast when the
// queue is already past the high-water mark or out of slots. The mark gates
// admission on bytes currently buffered, not on the size of the incoming
// frame, so a single frame up to MaxFrame always fits on an idle connection.
func (c *Conn) enqueue(frame []byte) error {
	if c.queued.Load() >= int64(c.opts.MaxQueueBytes) {
		return fmt.Errorf("%w: %d bytes buffered", ErrQueueFull, c.queued.Load())
	}
	c.queued.Add(int64(len(frame)))

	select {
	case <-c.done:
		c.queued.Add(-int64(len(frame)))
		return ErrNotConnect
	case c.writeCh <- frame:
		return nil
	default:
		c.queued.Add(-int64(len(frame)))
		return ErrQueueFull
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.writeCh:
			c.queued.Add(-int64(len(frame)))
			_ = c.tcp.SetWriteDeadline(time.Now().Add(writeDeadline))
			if _, err := c.tcp.Write(frame); err != nil {
				c.teardown(err)
				return
			}
		}
	}
}

func (c *Conn) readLoop() {
	for {
		msg, err := ReadMessage(c.tcp, c.opts.MaxFrame)
		if err != nil {
			c.teardown(err)
			return
		}

		switch m := msg.(type) {
		case *Response:
			if !c.complete(m.SN, m, nil) {
				// Late response after timeout/cancel, or a peer bug.
				c.logger.Warn("dropping response with unknown sn",
					zap.Uint32("sn", m.SN),
					zap.Int32("result", m.Result),
				)
			}
		case *Notify:
			// Client connections have no notify consumers; drop.
			c.logger.Debug("dropping notify on client connection", zap.Uint32("cmd", m.Cmd))
		case *Request:
			c.logger.Warn("dropping request received on client connection", zap.Uint32("cmd", m.Cmd))
		}
	}
}

// teardown closes the socket once and completes every outstanding request
// with ErrNotConnect.
func (c *Conn) teardown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		stalled := c.inflight
		c.inflight = make(map[uint32]*pending)
		c.mu.Unlock()

		close(c.done)
		_ = c.tcp.Close()

		for _, p := range stalled {
			p.ch <- outcome{err: ErrNotConnect}
		}

		if cause != nil {
			c.logger.Debug("connection closed", zap.Error(cause), zap.Int("cancelled_requests", len(stalled)))
		}
	})
}
