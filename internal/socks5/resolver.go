package socks5

import (
	"net"
	"sync"
	"time"
)

// domainResolverTTL bounds how long a resolved domain stays cached before
// the next lookup goes back to the host resolver.
const domainResolverTTL = 30 * time.Second

// domainResolver resolves domain-name UDP targets with a short TTL cache.
// It is the one shared mutable structure in the UDP relay path (distilled
// spec §5) and is internally synchronized so multiple associations can use
// one resolver concurrently.
type domainResolver struct {
	mu      sync.Mutex
	entries map[string]resolverEntry
}

type resolverEntry struct {
	ip        net.IP
	expiresAt time.Time
}

func newDomainResolver() *domainResolver {
	return &domainResolver{entries: make(map[string]resolverEntry)}
}

// lookup returns a cached IP for name if still fresh, otherwise resolves via
// net.ResolveIPAddr and caches the first address returned.
func (r *domainResolver) lookup(name string) (net.IP, error) {
	now := time.Now()

	r.mu.Lock()
	if e, ok := r.entries[name]; ok && now.Before(e.expiresAt) {
		r.mu.Unlock()
		return e.ip, nil
	}
	r.mu.Unlock()

	addr, err := net.ResolveIPAddr("ip", name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.entries[name] = resolverEntry{ip: addr.IP, expiresAt: now.Add(domainResolverTTL)}
	r.mu.Unlock()

	return addr.IP, nil
}
