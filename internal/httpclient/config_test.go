package httpclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintDistinguishesConfigs(t *testing.T) {
	base := Config{
		ConnectTimeout:      10 * time.Second,
		RequestTimeout:      2 * time.Hour,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
	}

	variants := map[string]func(c *Config){
		"request timeout": func(c *Config) { c.RequestTimeout = time.Minute },
		"idle pool size":  func(c *Config) { c.MaxIdleConnsPerHost = 50 },
		"compression":     func(c *Config) { c.DisableCompression = true },
		"http2":           func(c *Config) { c.ForceAttemptHTTP2 = true },
		"proxy":           func(c *Config) { c.ProxyURL = "http://proxy.internal:8080" },
		"buffer sizes":    func(c *Config) { c.ReadBufferSize = 256 << 10 },
	}

	for name, mutate := range variants {
		t.Run(name, func(t *testing.T) {
			changed := base
			mutate(&changed)
			assert.NotEqual(t, base.getFingerprint(), changed.getFingerprint())
		})
	}
}

func TestFingerprintIsStable(t *testing.T) {
	c := Config{RequestTimeout: 30 * time.Second, MaxIdleConns: 100}
	assert.Equal(t, c.getFingerprint(), c.getFingerprint())
}

func TestFingerprintNormalizesProxyWhitespace(t *testing.T) {
	a := Config{ProxyURL: "http://proxy.internal:8080"}
	b := Config{ProxyURL: "  http://proxy.internal:8080  "}
	assert.Equal(t, a.getFingerprint(), b.getFingerprint())
}
