package rock

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HandlerFunc processes the body of one request and returns the result code,
// reason string and response body. Handlers run on their own goroutine per
// request, so they may block on downstream calls; ctx is cancelled when the
// server shuts down.
type HandlerFunc func(ctx context.Context, body []byte) (result int32, resultStr string, respBody []byte)

// NotifyFunc consumes a one-way notify frame. No response is produced.
type NotifyFunc func(ctx context.Context, body []byte)

// Server accepts Rock connections and dispatches incoming requests by
// command code. Each service registers its own cmd set; the transport knows
// nothing about the bodies.
type Server struct {
	opts   Options
	logger *zap.Logger

	mu       sync.RWMutex
	handlers map[uint32]HandlerFunc
	notifies map[uint32]NotifyFunc

	lnMu sync.Mutex
	ln   net.Listener
}

// NewServer creates a server with no handlers registered.
func NewServer(opts Options, logger *zap.Logger) *Server {
	return &Server{
		opts:     opts.withDefaults(),
		logger:   logger.Named("rock_server"),
		handlers: make(map[uint32]HandlerFunc),
		notifies: make(map[uint32]NotifyFunc),
	}
}

// Handle registers h for requests carrying cmd. Registering the same cmd
// twice replaces the previous handler.
func (s *Server) Handle(cmd uint32, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[cmd] = h
}

// HandleNotify registers h for notify frames carrying cmd.
func (s *Server) HandleNotify(cmd uint32, h NotifyFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifies[cmd] = h
}

// ListenAndServe binds addr and serves until ctx is cancelled or a fatal
// accept error occurs. Connections are driven by one reader goroutine each;
// every request is processed on its own goroutine so a slow handler cannot
// stall the connection's read loop.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("rock: failed to listen on %s: %w", addr, err)
	}

	s.lnMu.Lock()
	s.ln = ln
	s.lnMu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.logger.Info("rock server listening", zap.String("addr", ln.Addr().String()))

	for {
		tcp, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("rock server stopped")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("rock: accept: %w", err)
		}
		go s.serveConn(ctx, tcp)
	}
}

// Addr returns the bound listen address, or empty before ListenAndServe.
// Useful when the configured address uses port 0 (tests).
func (s *Server) Addr() string {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) serveConn(ctx context.Context, tcp net.Conn) {
	logger := s.logger.With(zap.String("remote", tcp.RemoteAddr().String()))
	defer tcp.Close()

	// wmu serialises response writes from concurrent handler goroutines.
	var wmu sync.Mutex

	write := func(resp *Response) {
		frame, err := EncodeMessage(resp, s.opts.MaxFrame)
		if err != nil {
			logger.Warn("response frame too large, dropping",
				zap.Uint32("sn", resp.SN),
				zap.Error(err),
			)
			return
		}
		wmu.Lock()
		defer wmu.Unlock()
		_ = tcp.SetWriteDeadline(time.Now().Add(writeDeadline))
		if _, err := tcp.Write(frame); err != nil {
			logger.Debug("response write failed", zap.Error(err))
		}
	}

	for {
		msg, err := ReadMessage(tcp, s.opts.MaxFrame)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				logger.Debug("connection read ended", zap.Error(err))
			}
			return
		}

		switch m := msg.(type) {
		case *Request:
			s.mu.RLock()
			h, ok := s.handlers[m.Cmd]
			s.mu.RUnlock()

			if !ok {
				logger.Warn("request for unknown cmd", zap.Uint32("cmd", m.Cmd))
				write(&Response{SN: m.SN, Result: 404, ResultStr: "unknown command"})
				continue
			}

			go func(req *Request) {
				result, resultStr, body := h(ctx, req.Body)
				write(&Response{SN: req.SN, Result: result, ResultStr: resultStr, Body: body})
			}(m)

		case *Notify:
			s.mu.RLock()
			h, ok := s.notifies[m.Cmd]
			s.mu.RUnlock()
			if !ok {
				logger.Debug("notify for unknown cmd, dropping", zap.Uint32("cmd", m.Cmd))
				continue
			}
			go h(ctx, m.Body)

		case *Response:
			// Servers do not issue requests on inbound connections.
			logger.Warn("dropping response on server connection", zap.Uint32("sn", m.SN))
		}
	}
}
