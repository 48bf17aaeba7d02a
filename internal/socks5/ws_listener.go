package socks5

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// WebSocketConfig configures the WebSocket ingress transport (C8): an
// alternate way to reach the same SOCKS5 session logic over an HTTP(S)
// upgrade, for deployments where a raw TCP listener is blocked but
// outbound HTTPS isn't.
type WebSocketConfig struct {
	// Address to listen on, e.g. "0.0.0.0:8443".
	Address string

	// Path for the WebSocket upgrade. Defaults to "/socks5".
	Path string

	// TLSConfig terminates TLS at this listener. Nil requires PlainText.
	TLSConfig *tls.Config

	// PlainText allows running without TLS, for deployments that
	// terminate TLS at a reverse proxy in front of this listener.
	PlainText bool

	// Credentials, if set, gates the HTTP upgrade itself with HTTP Basic
	// Auth before the SOCKS5 handshake ever runs. This is independent of
	// ServerConfig.Credentials, which still governs the SOCKS5-level
	// negotiation once the tunnel is established.
	Credentials CredentialStore

	// OnError is called with errors the HTTP server hits after Start,
	// e.g. a listener-level accept failure. Optional.
	OnError func(err error)
}

const splashPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Status</title>
</head>
<body>
    <p>ok</p>
</body>
</html>
`

// WebSocketListener accepts SOCKS5 sessions tunneled over a WebSocket
// upgrade (C8). Each accepted connection is wrapped as a net.Conn and
// handed to the same session type the plain TCP listener uses, so the
// protocol implementation is transport-agnostic.
type WebSocketListener struct {
	cfg    WebSocketConfig
	srvCfg ServerConfig
	server *http.Server

	addr net.Addr

	tracker *connTracker[*wsConn]

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewWebSocketListener creates a listener that dispatches accepted
// WebSocket tunnels to sessions configured by srvCfg.
func NewWebSocketListener(cfg WebSocketConfig, srvCfg ServerConfig) (*WebSocketListener, error) {
	if cfg.TLSConfig == nil && !cfg.PlainText {
		return nil, fmt.Errorf("socks5: TLS config required for WebSocket listener (set PlainText to run behind a terminating proxy)")
	}
	if cfg.Path == "" {
		cfg.Path = "/socks5"
	}

	return &WebSocketListener{
		cfg:     cfg,
		srvCfg:  srvCfg.withDefaults(),
		tracker: newConnTracker[*wsConn](),
		stopCh:  make(chan struct{}),
	}, nil
}

// Start binds the HTTP(S) listener and begins serving.
func (l *WebSocketListener) Start() error {
	if l.running.Load() {
		return fmt.Errorf("socks5: websocket listener already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, splashPageTemplate)
	})
	mux.HandleFunc(l.cfg.Path, l.handleWebSocket)

	l.server = &http.Server{
		Addr:      l.cfg.Address,
		Handler:   mux,
		TLSConfig: l.cfg.TLSConfig,
	}

	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("socks5: websocket listen: %w", err)
	}

	l.addr = ln.Addr()
	l.running.Store(true)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		var serveErr error
		if l.cfg.TLSConfig != nil {
			serveErr = l.server.ServeTLS(ln, "", "")
		} else {
			serveErr = l.server.Serve(ln)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) && l.cfg.OnError != nil {
			l.cfg.OnError(serveErr)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server and closes tracked tunnels.
func (l *WebSocketListener) Stop() error {
	if !l.running.Swap(false) {
		return nil
	}
	close(l.stopCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l.server.Shutdown(ctx)

	l.tracker.closeAll()
	l.wg.Wait()
	return nil
}

// Address returns the bound listen address.
func (l *WebSocketListener) Address() string {
	if l.addr != nil {
		return l.addr.String()
	}
	return l.cfg.Address
}

// ConnectionCount returns the number of active WebSocket-tunneled sessions.
func (l *WebSocketListener) ConnectionCount() int64 {
	return l.tracker.Count()
}

// IsRunning reports whether the listener is currently serving.
func (l *WebSocketListener) IsRunning() bool {
	return l.running.Load()
}

// handleWebSocket upgrades the request and drives a SOCKS5 session over
// it. It blocks for the lifetime of the tunnel, as nhooyr.io/websocket
// requires the HTTP handler goroutine to stay alive until the connection
// closes.
func (l *WebSocketListener) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if l.cfg.Credentials != nil {
		username, password, ok := r.BasicAuth()
		if !ok || !l.cfg.Credentials.Valid(username, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="socks5"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	if l.srvCfg.MaxConnections > 0 && l.tracker.Count() >= int64(l.srvCfg.MaxConnections) {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{"socks5"},
	})
	if err != nil {
		return
	}

	if conn.Subprotocol() != "socks5" {
		conn.Close(websocket.StatusProtocolError, "socks5 subprotocol required")
		return
	}

	wc := newWsConn(conn)

	l.tracker.add(wc)
	l.wg.Add(1)
	defer l.wg.Done()
	defer l.tracker.remove(wc)
	defer wc.Close()

	(&session{cfg: l.srvCfg, conn: wc}).handle()
}

// wsConn adapts a *websocket.Conn to net.Conn so the SOCKS5 session can
// treat a WebSocket tunnel exactly like a TCP socket.
type wsConn struct {
	conn       *websocket.Conn
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu             sync.RWMutex
	deadlineCtx    context.Context
	deadlineCancel context.CancelFunc

	readMu sync.Mutex
	reader io.Reader
}

func newWsConn(conn *websocket.Conn) *wsConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsConn{conn: conn, baseCtx: ctx, baseCancel: cancel}
}

func (c *wsConn) getContext() context.Context {
	c.mu.RLock()
	ctx := c.deadlineCtx
	c.mu.RUnlock()
	if ctx != nil {
		return ctx
	}
	return c.baseCtx
}

func (c *wsConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.reader != nil {
		n, err := c.reader.Read(b)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
		} else {
			return n, err
		}
	}

	ctx := c.getContext()
	msgType, reader, err := c.conn.Reader(ctx)
	if err != nil {
		return 0, c.translateError(err)
	}
	if msgType != websocket.MessageBinary {
		return 0, fmt.Errorf("socks5: unexpected websocket message type %v", msgType)
	}

	n, err := reader.Read(b)
	if err == io.EOF {
		return n, nil
	}
	if err != nil {
		return n, err
	}

	c.reader = reader
	return n, nil
}

func (c *wsConn) Write(b []byte) (int, error) {
	ctx := c.getContext()
	if err := c.conn.Write(ctx, websocket.MessageBinary, b); err != nil {
		return 0, c.translateError(err)
	}
	return len(b), nil
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.deadlineCancel != nil {
		c.deadlineCancel()
	}
	c.mu.Unlock()

	c.baseCancel()
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// NoDeadlineMonitor reports that this connection cannot be polled with
// repeated short SetReadDeadline calls: nhooyr.io/websocket tears the
// connection down as soon as its read context is canceled, which would
// turn a polling loop into a connection killer. Callers that need to
// detect peer disconnect on this transport must instead rely on Read
// returning an error.
func (c *wsConn) NoDeadlineMonitor() bool { return true }

// LocalAddr and RemoteAddr are unavailable through this transport; the
// underlying library exposes neither. Callers must handle nil.
func (c *wsConn) LocalAddr() net.Addr  { return nil }
func (c *wsConn) RemoteAddr() net.Addr { return nil }

func (c *wsConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deadlineCancel != nil {
		c.deadlineCancel()
		c.deadlineCancel = nil
		c.deadlineCtx = nil
	}
	if !t.IsZero() {
		c.deadlineCtx, c.deadlineCancel = context.WithDeadline(c.baseCtx, t)
	}
	return nil
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.SetDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.SetDeadline(t) }

type wsTimeoutError struct{ err error }

func (e *wsTimeoutError) Error() string   { return e.err.Error() }
func (e *wsTimeoutError) Timeout() bool   { return true }
func (e *wsTimeoutError) Temporary() bool { return true }

func (c *wsConn) translateError(err error) error {
	if websocket.CloseStatus(err) != -1 {
		return io.EOF
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &wsTimeoutError{err: err}
	}
	return err
}
