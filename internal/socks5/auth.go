package socks5

import (
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"
)

// Authentication method codes (RFC 1928 §3).
const (
	AuthMethodNoAuth       = 0x00
	AuthMethodGSSAPI       = 0x01 // unsupported; never offered or selected
	AuthMethodUserPass     = 0x02
	AuthMethodNoAcceptable = 0xFF
)

// Sub-negotiation status codes (RFC 1929 §2).
const (
	AuthStatusSuccess = 0x00
	AuthStatusFailure = 0x01
)

const socks5Version = 0x05

// CredentialStore validates a username/password pair.
type CredentialStore interface {
	Valid(username, password string) bool
}

// StaticCredentials is a plaintext username->password map, compared with a
// constant-time comparison to avoid a trivial timing oracle (the threat is
// modest, but the comparison is free).
type StaticCredentials map[string]string

// Valid reports whether username/password match a stored entry. A dummy
// comparison runs even when the username is unknown so that failure for an
// unknown user takes the same time as a failure for a known one.
func (s StaticCredentials) Valid(username, password string) bool {
	stored, ok := s[username]
	if !ok {
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1
}

// HashedCredentials maps username to a bcrypt hash of the password. Preferred
// over StaticCredentials for anything beyond local testing.
type HashedCredentials map[string]string

// dummyHash is compared against on an unknown-username lookup to keep the
// bcrypt cost constant regardless of whether the user exists.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

func (h HashedCredentials) Valid(username, password string) bool {
	stored, ok := h[username]
	if !ok {
		bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)) == nil
}

// HashPassword bcrypt-hashes password for storage in a HashedCredentials map.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(hash), err
}

// authenticator implements greeting + method selection + (for user/pass)
// the RFC 1929 sub-negotiation, exactly as described in the distilled spec's
// §4.2. A nil CredentialStore means NoAuth mode; a non-nil one means
// UserPass mode and forces authentication — method 0x00 is never offered.
type authenticator struct {
	creds CredentialStore
}

// authenticate runs the greeting and, if configured, the sub-negotiation. On
// success it returns nil; on failure it returns a *HandshakeError with the
// kind needed to pick a reply code, having already written any reply the
// protocol calls for (05 FF, or 01 01).
func (a *authenticator) authenticate(rw io.ReadWriter) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(rw, header); err != nil {
		return newHandshakeError(KindProtocolError, err)
	}
	if header[0] != socks5Version {
		return newHandshakeError(KindProtocolError, fmt.Errorf("unsupported version %d", header[0]))
	}

	nmethods := int(header[1])
	methods := make([]byte, nmethods)
	if _, err := io.ReadFull(rw, methods); err != nil {
		return newHandshakeError(KindProtocolError, err)
	}

	wantMethod := byte(AuthMethodNoAuth)
	if a.creds != nil {
		wantMethod = AuthMethodUserPass
	}

	offered := false
	for _, m := range methods {
		if m == wantMethod {
			offered = true
			break
		}
	}
	if !offered {
		rw.Write([]byte{socks5Version, AuthMethodNoAcceptable})
		return newHandshakeError(KindNoAcceptableMethod, fmt.Errorf("method %#x not offered", wantMethod))
	}

	if _, err := rw.Write([]byte{socks5Version, wantMethod}); err != nil {
		return newHandshakeError(KindProtocolError, err)
	}

	if a.creds == nil {
		return nil
	}
	return a.subNegotiate(rw)
}

// subNegotiate performs the RFC 1929 username/password exchange.
//
//	+----+------+----------+------+----------+
//	|VER | ULEN |  UNAME   | PLEN |  PASSWD  |
//	+----+------+----------+------+----------+
//	| 1  |  1   | 1 to 255 |  1   | 1 to 255 |
//	+----+------+----------+------+----------+
func (a *authenticator) subNegotiate(rw io.ReadWriter) error {
	verAndULen := make([]byte, 2)
	if _, err := io.ReadFull(rw, verAndULen); err != nil {
		return newHandshakeError(KindProtocolError, err)
	}
	if verAndULen[0] != 0x01 {
		return newHandshakeError(KindProtocolError, fmt.Errorf("unsupported auth version %d", verAndULen[0]))
	}

	uLen := int(verAndULen[1])
	username := make([]byte, uLen)
	if uLen > 0 {
		if _, err := io.ReadFull(rw, username); err != nil {
			return newHandshakeError(KindProtocolError, err)
		}
	}

	pLenBuf := make([]byte, 1)
	if _, err := io.ReadFull(rw, pLenBuf); err != nil {
		return newHandshakeError(KindProtocolError, err)
	}
	pLen := int(pLenBuf[0])
	password := make([]byte, pLen)
	if pLen > 0 {
		if _, err := io.ReadFull(rw, password); err != nil {
			return newHandshakeError(KindProtocolError, err)
		}
	}

	if !a.creds.Valid(string(username), string(password)) {
		rw.Write([]byte{0x01, AuthStatusFailure})
		return newHandshakeError(KindAuthFailed, fmt.Errorf("invalid credentials"))
	}

	if _, err := rw.Write([]byte{0x01, AuthStatusSuccess}); err != nil {
		return newHandshakeError(KindProtocolError, err)
	}
	return nil
}
