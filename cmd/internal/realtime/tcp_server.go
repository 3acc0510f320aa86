package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"docsync/cmd/internal/document"
	"docsync/cmd/internal/metrics"
)

// TCPConfig configures the TCP transport.
type TCPConfig struct {
	Addr          string
	MaxFrameBytes int
	WriteTimeout  time.Duration
	Session       SessionConfig
}

// TCPServer accepts framed-TCP clients and runs one Session per connection.
type TCPServer struct {
	log      *slog.Logger
	registry *document.Registry
	metrics  metrics.Collector
	cfg      TCPConfig

	mu       sync.Mutex
	listener net.Listener
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewTCPServer constructs a TCP server bound to registry.
func NewTCPServer(log *slog.Logger, registry *document.Registry, m metrics.Collector, cfg TCPConfig) *TCPServer {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = defaultMaxFrameBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Session.WriteTimeout <= 0 {
		cfg.Session.WriteTimeout = cfg.WriteTimeout
	}
	return &TCPServer{
		log:      log,
		registry: registry,
		metrics:  metrics.OrNoop(m),
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// ListenAndServe binds cfg.Addr and serves until ctx is cancelled.
func (s *TCPServer) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("tcp listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes every
// live session and waits for them. It returns nil on shutdown.
func (s *TCPServer) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Info("tcp.listen", "addr", ln.Addr().String())

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = ln.Close()
	}()

	defer s.wait()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.log.Info("tcp.shutdown")
				return nil
			}
			s.log.Warn("tcp.accept.fail", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(acceptRetryDelay):
			}
			continue
		}

		s.handle(ctx, nc)
	}
}

func (s *TCPServer) handle(ctx context.Context, nc net.Conn) {
	id, err := NewSessionID(time.Now().UTC())
	if err != nil {
		s.log.Error("tcp.session.id.fail", "remote", nc.RemoteAddr().String(), "err", err)
		_ = nc.Close()
		return
	}

	conn := newTCPConn(nc, s.cfg.MaxFrameBytes, s.cfg.WriteTimeout)
	sess := NewSession(id, conn, s.registry, s.log, s.metrics, s.cfg.Session)

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.sessions, id)
			s.mu.Unlock()
		}()

		if err := sess.Run(ctx); err != nil {
			s.log.Debug("tcp.session.end", "session_id", id, "err", err)
		}
	}()
}

// wait closes every live session and blocks until their goroutines exit.
func (s *TCPServer) wait() {
	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Addr returns the bound listener address, or nil before Serve.
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SessionCount returns the number of live TCP sessions.
func (s *TCPServer) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close stops accepting connections. Live sessions end once Serve returns.
func (s *TCPServer) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}
