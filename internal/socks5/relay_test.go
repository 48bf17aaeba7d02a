package socks5

import (
	"io"
	"net"
	"testing"
	"time"
)

func TestRelay_BidirectionalByteOrder(t *testing.T) {
	clientLocal, clientRemote := net.Pipe()
	targetLocal, targetRemote := net.Pipe()
	defer clientLocal.Close()
	defer targetLocal.Close()

	done := make(chan error, 1)
	go func() { done <- relay(clientRemote, targetRemote) }()

	clientToTarget := []byte("client says hello")
	targetToClient := []byte("target says hello back")

	go func() {
		clientLocal.Write(clientToTarget)
	}()

	gotOnTarget := make([]byte, len(clientToTarget))
	if _, err := io.ReadFull(targetLocal, gotOnTarget); err != nil {
		t.Fatalf("read on target side: %v", err)
	}
	if string(gotOnTarget) != string(clientToTarget) {
		t.Fatalf("target received %q, want %q", gotOnTarget, clientToTarget)
	}

	targetLocal.Write(targetToClient)
	targetLocal.Close()

	gotOnClient := make([]byte, len(targetToClient))
	if _, err := io.ReadFull(clientLocal, gotOnClient); err != nil {
		t.Fatalf("read on client side: %v", err)
	}
	if string(gotOnClient) != string(targetToClient) {
		t.Fatalf("client received %q, want %q", gotOnClient, targetToClient)
	}

	// net.Pipe has no half-close, so the client end is only closed once it
	// has read everything the target sent; its EOF then ends the last copy.
	clientLocal.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("relay() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay() did not return after both directions closed")
	}
}

// TestRelay_ErrorCancelsOtherHalf verifies that an I/O error on one half
// unblocks the other half immediately, even though the other peer never
// sends anything and never closes its own side.
func TestRelay_ErrorCancelsOtherHalf(t *testing.T) {
	clientLocal, clientRemote := net.Pipe()
	targetLocal, targetRemote := net.Pipe()
	defer clientLocal.Close()
	defer targetLocal.Close()

	done := make(chan error, 1)
	go func() { done <- relay(clientRemote, targetRemote) }()

	// Simulate an I/O error on the client half: close the relay's own end of
	// the client pipe, so its pending Read fails with io.ErrClosedPipe
	// (closing clientLocal instead would be a clean EOF, not an error).
	// targetLocal is left open and silent, so the target->client io.Copy has
	// nothing to read.
	clientRemote.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("relay() error = nil, want a relay I/O error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay() did not return after one half errored; the other half is leaked")
	}
}
