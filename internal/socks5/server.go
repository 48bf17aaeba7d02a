package socks5

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// Server owns the TCP listening socket (C7): it accepts connections, applies
// keepalive settings, spawns one session per accept, and tracks live
// connections for graceful shutdown.
type Server struct {
	cfg ServerConfig

	mu       sync.Mutex
	listener net.Listener
	tracker  *connTracker[net.Conn]

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewServer creates a Server from cfg, applying defaults for any zero-valued
// field (distilled spec §3 defaults).
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		cfg:     cfg.withDefaults(),
		tracker: newConnTracker[net.Conn](),
		stopCh:  make(chan struct{}),
	}
}

// Start binds the listening socket and begins accepting connections in the
// background. It returns once the socket is bound.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("socks5: server already running")
	}

	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("socks5: listen: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the bound listener address, or nil if not started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of sessions currently in flight.
func (s *Server) ConnectionCount() int64 {
	return s.tracker.Count()
}

// Stop performs a graceful shutdown: stop accepting, close all tracked
// sessions (aborting any in-flight relay mid-stream), and wait for the
// accept loop and every session goroutine to exit.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	close(s.stopCh)

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.tracker.closeAll()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.cfg.Logger.Warn("accept failed", "error", err)
				continue
			}
		}

		if s.cfg.MaxConnections > 0 && s.tracker.Count() >= int64(s.cfg.MaxConnections) {
			conn.Close()
			continue
		}

		s.applyKeepAlive(conn)

		s.tracker.add(conn)
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// applyKeepAlive sets TCP keepalive parameters on an accepted socket per
// ServerConfig.KeepAliveIdle/KeepAliveInterval. Non-TCP connections (e.g. the
// WebSocket ingress, which never reaches this path) are left alone.
func (s *Server) applyKeepAlive(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	tc.SetKeepAliveConfig(net.KeepAliveConfig{
		Enable:   true,
		Idle:     s.cfg.KeepAliveIdle,
		Interval: s.cfg.KeepAliveInterval,
	})
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.tracker.remove(conn)
	defer conn.Close()

	(&session{cfg: s.cfg, conn: conn}).handle()
}
