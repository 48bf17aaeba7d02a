package socks5

import (
	"context"
	"log/slog"
	"net"
	"sync"
)

// maxUDPDatagram is the maximum size of a single UDP datagram this relay
// will read or emit; comfortably above the largest header (4 + 1 + 255 + 2
// for a maximal length-prefixed domain name) plus a generous payload.
const maxUDPDatagram = 65535

// udpAssociation is the ephemeral per-session UDP relay endpoint created on
// a UDP ASSOCIATE request (C5, distilled spec §4.5). Its lifetime is tied to
// the controlling TCP connection: Close is called as soon as that connection
// reads EOF or errors, from the session orchestrator (C6).
type udpAssociation struct {
	conn *net.UDPConn

	// clientIPPin is fixed at creation from the controlling TCP peer's IP;
	// only datagrams whose source IP matches are ever treated as client-
	// originated. This is the relay's only access control.
	clientIPPin net.IP

	resolver *domainResolver

	mu            sync.RWMutex
	clientUDPAddr *net.UDPAddr // set by each well-formed packet from the pin (last one wins)

	logger *slog.Logger
}

// newUDPAssociation binds a UDP socket to bindIP:0 (falling back to the
// unspecified address if bindIP is nil) and returns an association pinned to
// clientIP.
func newUDPAssociation(bindIP net.IP, clientIP net.IP, logger *slog.Logger) (*udpAssociation, error) {
	network := "udp"
	laddr := &net.UDPAddr{IP: bindIP, Port: 0}
	if bindIP != nil && bindIP.To4() != nil {
		network = "udp4"
	}

	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}

	return &udpAssociation{
		conn:        conn,
		clientIPPin: clientIP,
		resolver:    newDomainResolver(),
		logger:      logger,
	}, nil
}

// LocalAddr returns the bound UDP relay address, whose port goes into the
// UDP ASSOCIATE success reply.
func (a *udpAssociation) LocalAddr() *net.UDPAddr {
	return a.conn.LocalAddr().(*net.UDPAddr)
}

// Close releases the UDP socket. Safe to call more than once.
func (a *udpAssociation) Close() error {
	return a.conn.Close()
}

// pump is the datagram pump (distilled spec §4.5): it reads datagrams until
// the socket is closed (by the caller, when the controlling TCP connection
// ends) or ctx is canceled, dispatching each one as client->target or
// target->client based on source IP.
func (a *udpAssociation) pump(ctx context.Context) {
	buf := make([]byte, maxUDPDatagram)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, src, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed
		}

		if src.IP.Equal(a.clientIPPin) {
			a.handleFromClient(buf[:n], src)
		} else {
			a.handleFromTarget(buf[:n], src)
		}
	}
}

// handleFromClient parses a client-sourced datagram, resolves the
// destination, and forwards the payload. Malformed headers and fragmented
// datagrams (FRAG != 0) are silently dropped, never answered with an error
// datagram, per the distilled spec.
func (a *udpAssociation) handleFromClient(data []byte, src *net.UDPAddr) {
	if len(data) < 4 {
		return
	}
	// RSV(2) must be zero; FRAG(1) must be zero (fragmentation unsupported).
	if data[0] != 0 || data[1] != 0 {
		return
	}
	if data[2] != 0 {
		a.logDrop("fragmented datagram")
		return
	}

	target, offset, err := decodeUDPEndpoint(data, 3)
	if err != nil {
		a.logDrop("malformed udp header")
		return
	}
	payload := data[offset:]

	a.mu.Lock()
	a.clientUDPAddr = src
	a.mu.Unlock()

	destAddr, err := a.resolve(target)
	if err != nil {
		a.logDrop("target resolution failed")
		return
	}

	a.conn.WriteToUDP(payload, destAddr)
}

// handleFromTarget wraps a target-sourced payload in a SOCKS5 UDP header
// carrying the numeric source address and forwards it to the last-known
// client UDP address. Dropped if no client datagram has been seen yet.
func (a *udpAssociation) handleFromTarget(data []byte, src *net.UDPAddr) {
	a.mu.RLock()
	client := a.clientUDPAddr
	a.mu.RUnlock()

	if client == nil {
		a.logDrop("no client association yet")
		return
	}

	header := encodeUDPHeader(endpointFromUDPAddr(src))
	packet := make([]byte, 0, len(header)+len(data))
	packet = append(packet, header...)
	packet = append(packet, data...)

	a.conn.WriteToUDP(packet, client)
}

// resolve turns an Endpoint into a dialable *net.UDPAddr, resolving domain
// names through the association's resolver (with its small TTL cache) and
// using numeric endpoints directly.
func (a *udpAssociation) resolve(ep Endpoint) (*net.UDPAddr, error) {
	if ep.AddrType != AddrTypeDomain {
		return &net.UDPAddr{IP: ep.IP, Port: int(ep.Port)}, nil
	}
	ip, err := a.resolver.lookup(ep.Domain)
	if err != nil {
		return nil, err
	}
	return &net.UDPAddr{IP: ip, Port: int(ep.Port)}, nil
}

func (a *udpAssociation) logDrop(reason string) {
	if a.logger != nil {
		a.logger.Debug("udp datagram dropped", "reason", reason)
	}
}
