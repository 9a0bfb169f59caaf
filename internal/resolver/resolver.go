// Package resolver provides cached DNS resolution for outbound connects.
package resolver

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// cacheTTL bounds how long a positive lookup is reused.
const cacheTTL = 5 * time.Minute

// Config contains resolver configuration.
type Config struct {
	// Servers lists upstream DNS servers ("host:port"). Empty means the
	// system resolver, which also covers local domains public DNS cannot
	// resolve.
	Servers []string

	// Timeout bounds a single lookup.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Servers: []string{},
		Timeout: 5 * time.Second,
	}
}

// Resolver handles DNS resolution with a positive cache.
type Resolver struct {
	cfg    Config
	mu     sync.Mutex
	cache  map[string]*cacheEntry
	dialer *net.Dialer
}

type cacheEntry struct {
	ip        net.IP
	expiresAt time.Time
}

// New creates a new Resolver. If no servers are configured, the system
// resolver is used.
func New(cfg Config) *Resolver {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	return &Resolver{
		cfg:   cfg,
		cache: make(map[string]*cacheEntry),
		dialer: &net.Dialer{
			Timeout: cfg.Timeout,
		},
	}
}

// Resolve resolves a host to a single IP address. IPv4 addresses are
// preferred because the proxy reply only carries the IPv4 address type.
func (r *Resolver) Resolve(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	if ip := r.getCached(host); ip != nil {
		return ip, nil
	}

	resolveCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	resolver := net.DefaultResolver
	if len(r.cfg.Servers) > 0 {
		resolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				// Use the first server that can be dialed. A UDP dial does
				// not contact the server, so one that never answers is not
				// skipped.
				var lastErr error
				for _, server := range r.cfg.Servers {
					conn, err := r.dialer.DialContext(ctx, "udp", server)
					if err == nil {
						return conn, nil
					}
					lastErr = err
				}
				return nil, lastErr
			},
		}
	}

	addrs, err := resolver.LookupIPAddr(resolveCtx, host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, errors.New("no addresses found")
	}

	var selected net.IP
	for _, addr := range addrs {
		if ipv4 := addr.IP.To4(); ipv4 != nil {
			selected = ipv4
			break
		}
	}
	if selected == nil {
		selected = addrs[0].IP
	}

	r.setCached(host, selected)

	return selected, nil
}

// getCached returns a cached IP if still valid. Expired entries are deleted
// to prevent unbounded cache growth.
func (r *Resolver) getCached(host string) net.IP {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.cache[host]
	if !ok {
		return nil
	}

	if time.Now().After(entry.expiresAt) {
		delete(r.cache, host)
		return nil
	}

	return entry.ip
}

func (r *Resolver) setCached(host string, ip net.IP) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cache[host] = &cacheEntry{
		ip:        ip,
		expiresAt: time.Now().Add(cacheTTL),
	}
}

// ClearCache clears the DNS cache.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]*cacheEntry)
}

// CacheSize returns the number of cached entries.
func (r *Resolver) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
