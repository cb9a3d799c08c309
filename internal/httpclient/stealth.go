package httpclient

import (
	"net/http"
	"sync"
	"time"

	http_tls "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"
	"github.com/sirupsen/logrus"
)

const (
	// BypassMethodNone uses the standard net/http transport.
	BypassMethodNone = "none"
	// BypassMethodStealth uses TLS fingerprint spoofing for deployments where
	// the upstream sits behind fingerprint-sensitive middleboxes.
	BypassMethodStealth = "stealth"
)

// IsStealthBypass reports whether the configured bypass method selects the
// stealth client.
func IsStealthBypass(method string) bool {
	return method == BypassMethodStealth
}

// StealthClientManager manages stealth HTTP clients with TLS fingerprint spoofing.
// It caches clients by proxy URL to enable connection pooling.
// Uses bogdanfinn/tls-client which properly supports HTTP/2 and modern TLS fingerprinting.
type StealthClientManager struct {
	// clients stores cached stealth HTTP clients keyed by proxy URL (empty string for direct)
	clients sync.Map
	// timeout for HTTP requests; must cover the longest expected stream
	timeout time.Duration
}

// NewStealthClientManager creates a new stealth client manager.
func NewStealthClientManager(timeout time.Duration) *StealthClientManager {
	return &StealthClientManager{
		timeout: timeout,
	}
}

// GetClient returns a stealth HTTP client, optionally configured with proxy.
// Clients are cached by proxy URL for connection reuse.
// Returns a standard http.Client that wraps the tls-client for compatibility.
func (m *StealthClientManager) GetClient(proxyURL string) *http.Client {
	cacheKey := proxyURL
	if cacheKey == "" {
		cacheKey = "__direct__"
	}

	if cached, ok := m.clients.Load(cacheKey); ok {
		return cached.(*http.Client)
	}

	client := m.createStealthClient(proxyURL)

	// LoadOrStore handles the racing-creation case
	actual, _ := m.clients.LoadOrStore(cacheKey, client)
	return actual.(*http.Client)
}

// createStealthClient creates a new HTTP client with TLS fingerprint spoofing
// using tls-client, which supports HTTP/2 properly (unlike bare uTLS wiring).
func (m *StealthClientManager) createStealthClient(proxyURL string) *http.Client {
	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(int(m.timeout.Seconds())),
		// Chrome 120 profile for best compatibility with modern TLS stacks
		tls_client.WithClientProfile(profiles.Chrome_120),
		tls_client.WithRandomTLSExtensionOrder(),
	}

	if proxyURL != "" {
		options = append(options, tls_client.WithProxyUrl(proxyURL))
	}

	tlsClient, err := tls_client.NewHttpClient(tls_client.NewNoopLogger(), options...)
	if err != nil {
		logrus.WithError(err).WithField("proxy_url", proxyURL).
			Warn("Failed to create stealth client, falling back to standard client")
		return &http.Client{Timeout: m.timeout}
	}

	return &http.Client{
		Transport: &tlsClientTransport{client: tlsClient},
		Timeout:   m.timeout,
	}
}

// tlsClientTransport adapts tls-client to the http.RoundTripper interface so
// callers can keep using standard *http.Client plumbing.
type tlsClientTransport struct {
	client tls_client.HttpClient
}

func (t *tlsClientTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	fhttpReq := &http_tls.Request{
		Method: req.Method,
		URL:    req.URL,
		Header: convertHeaders(req.Header),
		Body:   req.Body,
	}
	fhttpReq = fhttpReq.WithContext(req.Context())

	fhttpResp, err := t.client.Do(fhttpReq)
	if err != nil {
		return nil, err
	}

	return &http.Response{
		Status:        fhttpResp.Status,
		StatusCode:    fhttpResp.StatusCode,
		Proto:         fhttpResp.Proto,
		ProtoMajor:    fhttpResp.ProtoMajor,
		ProtoMinor:    fhttpResp.ProtoMinor,
		Header:        convertHeadersBack(fhttpResp.Header),
		Body:          fhttpResp.Body,
		ContentLength: fhttpResp.ContentLength,
		Request:       req,
	}, nil
}

func convertHeaders(h http.Header) http_tls.Header {
	fh := make(http_tls.Header, len(h))
	for k, v := range h {
		fh[k] = v
	}
	return fh
}

func convertHeadersBack(fh http_tls.Header) http.Header {
	h := make(http.Header, len(fh))
	for k, v := range fh {
		h[k] = v
	}
	return h
}
