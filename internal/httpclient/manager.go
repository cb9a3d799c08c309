package httpclient

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"kiro2chat/internal/utils"

	"github.com/sirupsen/logrus"
)

// Config defines the parameters for creating an HTTP client.
// This struct is used to generate a unique fingerprint for client reuse.
//
// RequestTimeout bounds the whole exchange including body reads, so for the
// upstream streaming client it must be as large as the longest expected
// stream (hours), not a typical request timeout.
type Config struct {
	ConnectTimeout        time.Duration
	RequestTimeout        time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	ResponseHeaderTimeout time.Duration
	DisableCompression    bool
	WriteBufferSize       int
	ReadBufferSize        int
	ForceAttemptHTTP2     bool
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ProxyURL              string
}

// HTTPClientManager manages the lifecycle of HTTP clients.
// It creates and caches clients based on their configuration fingerprint,
// ensuring that clients with the same configuration are reused.
type HTTPClientManager struct {
	clients map[string]*http.Client
	lock    sync.RWMutex
}

// NewHTTPClientManager creates a new client manager.
func NewHTTPClientManager() *HTTPClientManager {
	return &HTTPClientManager{
		clients: make(map[string]*http.Client),
	}
}

// testProxyConnectivity tests if the proxy is reachable.
// This runs asynchronously to avoid blocking client creation.
// It helps diagnose proxy configuration issues early.
func testProxyConnectivity(proxyURL *url.URL) {
	dialer := &net.Dialer{
		Timeout: 3 * time.Second,
	}

	sanitized := ""
	if proxyURL != nil {
		sanitized = utils.SanitizeProxyString(proxyURL.String())
	}

	conn, err := dialer.Dial("tcp", proxyURL.Host)
	if err != nil {
		logrus.Warnf("Proxy connectivity test failed for '%s': %v", sanitized, err)
		logrus.Warnf("Requests through this proxy will likely fail; verify the proxy is running at %s and the URL format is correct", proxyURL.Host)
		return
	}
	defer conn.Close()

	logrus.Debugf("Proxy connectivity test passed for '%s' (host: %s)", sanitized, proxyURL.Host)
}

// GetClient returns an HTTP client that matches the given configuration.
// If a matching client already exists in the cache, it is returned.
// Otherwise, a new client is created, cached, and returned.
func (m *HTTPClientManager) GetClient(config *Config) *http.Client {
	fingerprint := config.getFingerprint()

	// Fast path with read lock
	m.lock.RLock()
	client, exists := m.clients[fingerprint]
	m.lock.RUnlock()
	if exists {
		return client
	}

	// Slow path with write lock
	m.lock.Lock()
	defer m.lock.Unlock()

	// Double-check in case another goroutine created the client while we were waiting for the lock.
	if client, exists = m.clients[fingerprint]; exists {
		return client
	}

	// The 2x multiplier over the idle pool allows temporary bursts without
	// connection queuing; the floor of 10 keeps a minimum concurrency even
	// when MaxIdleConnsPerHost is configured very low.
	maxConnsPerHost := config.MaxIdleConnsPerHost * 2
	if maxConnsPerHost < 10 {
		maxConnsPerHost = 10
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   config.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     config.ForceAttemptHTTP2,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		MaxConnsPerHost:       maxConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ExpectContinueTimeout: config.ExpectContinueTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		DisableCompression:    config.DisableCompression,
		WriteBufferSize:       config.WriteBufferSize,
		ReadBufferSize:        config.ReadBufferSize,
		DisableKeepAlives:     false,
	}

	// Trim whitespace from the proxy URL before parsing to handle common
	// configuration issues.
	trimmedProxyURL := strings.TrimSpace(config.ProxyURL)
	if trimmedProxyURL != "" {
		proxyURL, err := url.Parse(trimmedProxyURL)
		if err != nil {
			logrus.Warnf("Invalid proxy URL '%s' provided, falling back to environment settings: %v", trimmedProxyURL, err)
			transport.Proxy = http.ProxyFromEnvironment
		} else {
			if proxyURL.Scheme != "http" && proxyURL.Scheme != "https" && proxyURL.Scheme != "socks5" {
				logrus.Warnf("Unsupported proxy scheme '%s' in URL '%s', falling back to environment settings", proxyURL.Scheme, trimmedProxyURL)
				transport.Proxy = http.ProxyFromEnvironment
			} else {
				transport.Proxy = http.ProxyURL(proxyURL)
				logrus.Debugf("HTTP client configured with proxy: %s (scheme: %s, host: %s)",
					utils.SanitizeProxyString(trimmedProxyURL), proxyURL.Scheme, proxyURL.Host)

				// Test proxy connectivity (non-blocking)
				go testProxyConnectivity(proxyURL)
			}
		}
	} else {
		transport.Proxy = http.ProxyFromEnvironment
	}

	newClient := &http.Client{
		Transport: transport,
		Timeout:   config.RequestTimeout,
		// Matches Go's default (stop after 10 redirects), kept explicit so the
		// bound survives stdlib changes. The upstream never redirects; a
		// redirect here means a misconfigured endpoint or an interfering proxy.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("stopped after 10 redirects")
			}
			return nil
		},
	}

	m.clients[fingerprint] = newClient

	logrus.WithFields(logrus.Fields{
		"fingerprint":        fingerprint,
		"proxy_url":          utils.SanitizeProxyString(trimmedProxyURL),
		"timeout":            config.RequestTimeout,
		"max_conns_per_host": maxConnsPerHost,
	}).Debug("Created new HTTP client with optimized connection pool")

	return newClient
}

// CloseIdleConnections closes idle connections for all managed clients.
// This can be useful for releasing resources during graceful shutdown.
// Note: Clients with non-standard transports are skipped silently.
func (m *HTTPClientManager) CloseIdleConnections() {
	m.lock.RLock()
	defer m.lock.RUnlock()

	for _, client := range m.clients {
		if transport, ok := client.Transport.(*http.Transport); ok {
			transport.CloseIdleConnections()
		}
	}
	logrus.Debug("Closed idle connections for managed HTTP clients")
}

// getFingerprint generates a unique string representation of the client configuration.
// ProxyURL is normalized (trimmed) to ensure configs that differ only by whitespace generate the same fingerprint.
func (c *Config) getFingerprint() string {
	normalizedProxy := strings.TrimSpace(c.ProxyURL)
	return fmt.Sprintf(
		"ct:%.0fs|rt:%.0fs|it:%.0fs|mic:%d|mich:%d|rht:%.0fs|dc:%t|wbs:%d|rbs:%d|fh2:%t|tlst:%.0fs|ect:%.0fs|proxy:%s",
		c.ConnectTimeout.Seconds(),
		c.RequestTimeout.Seconds(),
		c.IdleConnTimeout.Seconds(),
		c.MaxIdleConns,
		c.MaxIdleConnsPerHost,
		c.ResponseHeaderTimeout.Seconds(),
		c.DisableCompression,
		c.WriteBufferSize,
		c.ReadBufferSize,
		c.ForceAttemptHTTP2,
		c.TLSHandshakeTimeout.Seconds(),
		c.ExpectContinueTimeout.Seconds(),
		normalizedProxy,
	)
}
