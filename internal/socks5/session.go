package socks5

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"
)

// Dialer makes outbound TCP connections for the CONNECT command. DirectDialer
// is the default; tests substitute a fake to simulate dial failures without
// touching the network.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// DirectDialer dials the network directly.
type DirectDialer struct{}

func (DirectDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, address)
}

// ServerConfig is the server's immutable configuration (distilled spec §3).
// A zero value is usable: NoAuth, a 10s handshake timeout, a DirectDialer,
// and 60s/10s keepalive idle/interval.
type ServerConfig struct {
	// BindAddr is the TCP listen address, e.g. "0.0.0.0:1080".
	BindAddr string

	// Credentials configures RFC 1929 username/password auth. Nil means
	// NoAuth mode.
	Credentials CredentialStore

	// HandshakeTimeout bounds the composite greeting+auth+request read.
	// Defaults to 10s.
	HandshakeTimeout time.Duration

	// KeepAliveIdle / KeepAliveInterval tune TCP keepalive on accepted
	// sockets. Defaulting to 60s / 10s, per the distilled spec.
	KeepAliveIdle     time.Duration
	KeepAliveInterval time.Duration

	// MaxConnections caps concurrent sessions; 0 means unlimited.
	MaxConnections int

	// Dialer makes outbound CONNECT dials. Defaults to DirectDialer.
	Dialer Dialer

	// Logger receives structured handshake/relay events. Defaults to
	// slog.Default() when nil.
	Logger *slog.Logger

	// Metrics, if non-nil, observes session lifecycle events.
	Metrics Metrics
}

// Metrics is the subset of observability hooks the session orchestrator
// drives; internal/metrics.Metrics implements it. Kept as an interface here
// so the protocol package has no hard dependency on Prometheus.
type Metrics interface {
	SessionStarted()
	SessionEnded()
	HandshakeFailed(kind string)
	HandshakeDuration(d time.Duration)
	UDPAssociationStarted()
	UDPAssociationEnded()
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.KeepAliveIdle == 0 {
		c.KeepAliveIdle = 60 * time.Second
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 10 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = DirectDialer{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// session drives one accepted TCP connection through handshake, request
// parsing, and dispatch to the TCP or UDP relay (C6). It owns conn and
// (during CONNECT) the target socket, or (during UDP ASSOCIATE) the
// association's UDP socket.
type session struct {
	cfg  ServerConfig
	conn net.Conn
}

// handle runs the full per-connection lifecycle. It never returns an error
// that the caller needs to act on beyond logging: every failure path already
// sent the appropriate reply (or deliberately sent none) before returning.
func (s *session) handle() {
	cfg := s.cfg
	log := cfg.Logger

	deadline := time.Now().Add(cfg.HandshakeTimeout)
	s.conn.SetDeadline(deadline)
	start := time.Now()

	auth := &authenticator{creds: cfg.Credentials}
	if err := auth.authenticate(s.conn); err != nil {
		s.reportHandshakeFailure(err)
		return
	}

	req, err := readRequest(s.conn)
	if err != nil {
		s.reportHandshakeFailure(err)
		return
	}

	if cfg.Metrics != nil {
		cfg.Metrics.HandshakeDuration(time.Since(start))
	}

	// Clear the handshake deadline; relay phases manage their own lifetime.
	s.conn.SetDeadline(time.Time{})

	switch req.Command {
	case CmdConnect:
		s.handleConnect(req)
	case CmdUDPAssociate:
		s.handleUDPAssociate(req)
	}
}

// reportHandshakeFailure classifies err (a *HandshakeError; a read that hit
// the handshake deadline is recognized by the timeout net.Error it wraps),
// sends a reply when the protocol calls for one, and logs at the severity §7
// specifies.
func (s *session) reportHandshakeFailure(err error) {
	cfg := s.cfg
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		// HandshakeTimeout: close without a reply, regardless of which read
		// in the composite greeting+auth+request activity timed out.
		if cfg.Metrics != nil {
			cfg.Metrics.HandshakeFailed(string(KindHandshakeTimeout))
		}
		cfg.Logger.Warn("handshake timed out", "remote_addr", s.conn.RemoteAddr())
		return
	}

	he, ok := err.(*HandshakeError)
	if !ok {
		cfg.Logger.Error("handshake failed", "error", err)
		return
	}

	if cfg.Metrics != nil {
		cfg.Metrics.HandshakeFailed(string(he.Kind))
	}

	switch he.Kind {
	case KindUnsupportedCommand, KindUnsupportedAddrType:
		writeReply(s.conn, replyCodeFor(he.Kind), nil, 0)
	case KindProtocolError, KindNoAcceptableMethod, KindAuthFailed:
		// NoAcceptableMethod/AuthFailed already wrote their reply inline
		// during authenticate(); ProtocolError never replies.
	}

	attrs := []any{"kind", string(he.Kind), "remote_addr", s.conn.RemoteAddr()}
	if he.Kind.Warn() {
		cfg.Logger.Warn("handshake failed", attrs...)
	} else {
		cfg.Logger.Error("handshake failed", attrs...)
	}
}

// handleConnect implements the CONNECT path (distilled spec §4.4/§4.6):
// dial the target, reply, then relay.
func (s *session) handleConnect(req *Request) {
	cfg := s.cfg

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	target, err := cfg.Dialer.DialContext(ctx, "tcp", req.Target.Address())
	if err != nil {
		writeReply(s.conn, replyCodeForDialError(err), nil, 0)
		cfg.Logger.Error("connect failed", "target", req.Target.Address(), "error", err)
		return
	}
	defer target.Close()

	// BND.ADDR/BND.PORT are all-zeros: clients MUST NOT rely on them, and the
	// proxy's real outbound address is not the client's business.
	if err := writeReply(s.conn, ReplySucceeded, nil, 0); err != nil {
		return
	}

	if cfg.Metrics != nil {
		cfg.Metrics.SessionStarted()
		defer cfg.Metrics.SessionEnded()
	}

	if err := relay(s.conn, target); err != nil {
		cfg.Logger.Info("relay ended", "target", req.Target.Address(), "error", err)
	}
}

// handleUDPAssociate implements the UDP ASSOCIATE path (distilled spec
// §4.5/§4.6): bind a UDP relay socket, reply with its port, run the datagram
// pump, and tear the association down strictly before the session ends —
// triggered by the controlling TCP socket reaching EOF or erroring.
func (s *session) handleUDPAssociate(req *Request) {
	cfg := s.cfg

	var bindIP net.IP
	if tcpAddr, ok := s.conn.LocalAddr().(*net.TCPAddr); ok {
		bindIP = tcpAddr.IP
	}
	var clientIP net.IP
	if tcpAddr, ok := s.conn.RemoteAddr().(*net.TCPAddr); ok {
		clientIP = tcpAddr.IP
	}

	assoc, err := newUDPAssociation(bindIP, clientIP, cfg.Logger)
	if err != nil {
		writeReply(s.conn, ReplyServerFailure, nil, 0)
		cfg.Logger.Error("udp associate failed", "error", err)
		return
	}

	// The bound IP in the reply is always the IPv4 zero address (10-byte
	// reply), whatever family the relay socket uses; only the port is real
	// (the client needs it to know where to send its first datagram).
	localAddr := assoc.LocalAddr()
	if err := writeReply(s.conn, ReplySucceeded, nil, uint16(localAddr.Port)); err != nil {
		assoc.Close()
		return
	}

	if cfg.Metrics != nil {
		cfg.Metrics.UDPAssociationStarted()
		defer cfg.Metrics.UDPAssociationEnded()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go assoc.pump(ctx)

	// The association is destroyed strictly before the session ends: as
	// soon as the controlling TCP connection yields EOF or an error, cancel
	// the pump and close the UDP socket before returning.
	buf := make([]byte, 1)
	for {
		if _, err := s.conn.Read(buf); err != nil {
			break
		}
	}

	cancel()
	assoc.Close()
}
