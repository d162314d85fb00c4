package proxy

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/swapgate/swapgate/internal/config"
)

// TimeoutConfig holds the per-request timing parameters.
type TimeoutConfig struct {
	// Connect is the time allowed to establish a TCP connection.
	Connect time.Duration
	// Request bounds the complete request/response exchange, streaming
	// included. It does not reset on activity.
	Request time.Duration
	// Idle bounds the gap between bytes on a streaming response. It
	// resets on every chunk.
	Idle time.Duration
}

// PoolConfig holds connection pool and retry parameters.
type PoolConfig struct {
	PoolIdleTimeout    time.Duration
	PoolMaxIdlePerHost int
	MaxRetries         int
	RetryBackoffBase   time.Duration
}

// TimeoutsFromDefaults converts config defaults into a TimeoutConfig.
func TimeoutsFromDefaults(d config.Defaults) TimeoutConfig {
	return TimeoutConfig{
		Connect: time.Duration(d.ConnectTimeoutSeconds) * time.Second,
		Request: time.Duration(d.RequestTimeoutSeconds) * time.Second,
		Idle:    time.Duration(d.IdleTimeoutSeconds) * time.Second,
	}
}

// PoolFromDefaults converts config defaults into a PoolConfig.
func PoolFromDefaults(d config.Defaults) PoolConfig {
	return PoolConfig{
		PoolIdleTimeout:    time.Duration(d.PoolIdleTimeoutSeconds) * time.Second,
		PoolMaxIdlePerHost: d.PoolMaxIdlePerHost,
		MaxRetries:         d.MaxRetries,
		RetryBackoffBase:   time.Duration(d.RetryBackoffBaseMs) * time.Millisecond,
	}
}

// ClientPool hands out one pooled HTTP client per backend, so each
// backend keeps independent keep-alive connections and idle limits.
// Clients are created lazily and reused for the process lifetime.
type ClientPool struct {
	mu       sync.Mutex
	clients  map[string]*http.Client
	timeouts TimeoutConfig
	pool     PoolConfig
}

// NewClientPool creates an empty pool with the given tuning.
func NewClientPool(timeouts TimeoutConfig, pool PoolConfig) *ClientPool {
	return &ClientPool{
		clients:  make(map[string]*http.Client),
		timeouts: timeouts,
		pool:     pool,
	}
}

// Client returns the HTTP client for a backend name.
func (p *ClientPool) Client(backendName string) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[backendName]; ok {
		return c
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   p.timeouts.Connect,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          p.pool.PoolMaxIdlePerHost * 2,
		MaxIdleConnsPerHost:   p.pool.PoolMaxIdlePerHost,
		IdleConnTimeout:       p.pool.PoolIdleTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	// Overall timeout is enforced per request via context so streaming
	// responses are not cut off by a fixed client timeout.
	c := &http.Client{Transport: transport}
	p.clients[backendName] = c
	return c
}

// CloseIdleConnections drops idle connections on every pooled client.
func (p *ClientPool) CloseIdleConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		if t, ok := c.Transport.(*http.Transport); ok {
			t.CloseIdleConnections()
		}
	}
}
