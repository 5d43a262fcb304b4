package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// Proxy is a resolved (decrypted) proxy configuration for one request.
type Proxy struct {
	Protocol string // http, https or socks5
	Host     string
	Port     int
	Username string
	Password string
}

// URL renders the dispatcher form "protocol://user:pw@host:port" with
// query-escaped credentials (spaces become '+').
func (p *Proxy) URL() string {
	addr := p.Protocol + "://"
	if p.Username != "" {
		addr += url.QueryEscape(p.Username)
		if p.Password != "" {
			addr += ":" + url.QueryEscape(p.Password)
		}
		addr += "@"
	}
	return addr + net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// ParseProxyURL parses an egress proxy URL into a Proxy.
func ParseProxyURL(raw string) (*Proxy, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return nil, fmt.Errorf("proxy url %q: missing scheme or host", raw)
	}
	port := 0
	if u.Port() != "" {
		port, err = strconv.Atoi(u.Port())
		if err != nil {
			return nil, fmt.Errorf("proxy url %q: bad port", raw)
		}
	}
	p := &Proxy{Protocol: u.Scheme, Host: u.Hostname(), Port: port}
	if u.User != nil {
		p.Username = u.User.Username()
		p.Password, _ = u.User.Password()
	}
	return p, nil
}

type poolEntry struct {
	roundTripper http.RoundTripper
	lastUsed     time.Time
}

// Manager memoizes one round-tripper per distinct proxy configuration
// (credentials included) for the life of the process.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
	egress  *Proxy // optional process-wide fallback for direct requests
	timeout time.Duration
}

func NewManager(egress *Proxy, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Manager{
		entries: make(map[string]*poolEntry),
		egress:  egress,
		timeout: timeout,
	}
}

// ClientFor returns an http.Client routed through the given proxy, or
// directly (via the egress proxy when one is configured) for nil.
func (m *Manager) ClientFor(p *Proxy) *http.Client {
	return &http.Client{
		Transport: m.roundTripperFor(p),
		Timeout:   m.timeout,
	}
}

func (m *Manager) roundTripperFor(p *Proxy) http.RoundTripper {
	if p == nil {
		p = m.egress
	}
	key := "direct"
	if p != nil {
		key = p.URL()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok {
		entry.lastUsed = time.Now()
		return entry.roundTripper
	}

	rt := buildRoundTripper(p)
	m.entries[key] = &poolEntry{roundTripper: rt, lastUsed: time.Now()}
	return rt
}

// RunCleanup drops round-trippers idle longer than five minutes.
// Blocks until ctx is canceled.
func (m *Manager) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup(5 * time.Minute)
		}
	}
}

func (m *Manager) cleanup(idleTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-idleTimeout)
	for key, entry := range m.entries {
		if entry.lastUsed.Before(cutoff) {
			if t, ok := entry.roundTripper.(interface{ CloseIdleConnections() }); ok {
				t.CloseIdleConnections()
			}
			delete(m.entries, key)
		}
	}
}

func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range m.entries {
		if t, ok := entry.roundTripper.(interface{ CloseIdleConnections() }); ok {
			t.CloseIdleConnections()
		}
		delete(m.entries, key)
	}
}

func buildRoundTripper(p *Proxy) http.RoundTripper {
	if p != nil {
		return &http.Transport{
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     5 * time.Minute,
			DialTLSContext:      proxyDialer(p),
		}
	}
	// Direct connections speak h2 over the utls handshake.
	return &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialUTLS(ctx, network, addr)
		},
	}
}
