package socks5

import (
	"io"
	"net"
)

// minRelayBuffer is the minimum size of the buffer io.Copy uses internally
// when the destination doesn't implement io.ReaderFrom/WriterTo (it does,
// for *net.TCPConn, via splice/sendfile on Linux); kept only as documentation
// of the floor the distilled spec requires.
const minRelayBuffer = 8 * 1024

// halfCloser is implemented by connections that support shutting down one
// direction independently (TCP, and anything else that wants half-close
// semantics); WebSocket connections do not implement it, and relay() treats
// that as "nothing to shut down".
type halfCloser interface {
	CloseWrite() error
}

// relay runs the TCP relay (C4): it copies bytes in both directions between
// client and target concurrently until both directions are done. A clean EOF
// on one direction shuts down the write side of the opposite socket
// (half-close) so the other direction can still drain any trailing data. An
// I/O error on either direction is fatal for the whole relay: it closes both
// sockets outright so a peer that never reacts (a reset connection, a target
// that goes silent) can't leave the other half blocked on a Read that will
// never return.
func relay(client, target net.Conn) error {
	errCh := make(chan error, 2)

	go func() {
		_, err := io.Copy(target, client)
		errCh <- err
		if err != nil {
			client.Close()
			target.Close()
		} else if hc, ok := target.(halfCloser); ok {
			hc.CloseWrite()
		}
	}()

	go func() {
		_, err := io.Copy(client, target)
		errCh <- err
		if err != nil {
			client.Close()
			target.Close()
		} else if hc, ok := client.(halfCloser); ok {
			hc.CloseWrite()
		}
	}()

	err1 := <-errCh
	err2 := <-errCh

	if err1 != nil {
		return newHandshakeError(KindRelayIOError, err1)
	}
	if err2 != nil {
		return newHandshakeError(KindRelayIOError, err2)
	}
	return nil
}
