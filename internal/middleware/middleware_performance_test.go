package middleware

import (
	"net/http/httptest"
	"testing"

	"kiro2chat/internal/types"

	"github.com/gin-gonic/gin"
)

// BenchmarkCORSMiddleware benchmarks CORS middleware with a credentialed origin
func BenchmarkCORSMiddleware(b *testing.B) {
	router := gin.New()
	corsConfig := types.CORSConfig{
		Enabled:          true,
		AllowedOrigins:   []string{"https://example.com"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}
	router.Use(CORS(corsConfig))
	router.GET("/test", func(c *gin.Context) {
		c.String(200, "OK")
	})

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Origin", "https://example.com")

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}

// BenchmarkCORSPreflightRequest benchmarks CORS preflight handling
func BenchmarkCORSPreflightRequest(b *testing.B) {
	router := gin.New()
	corsConfig := types.CORSConfig{
		Enabled:          true,
		AllowedOrigins:   []string{"https://example.com"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}
	router.Use(CORS(corsConfig))
	router.POST("/test", func(c *gin.Context) {
		c.String(200, "OK")
	})

	req := httptest.NewRequest("OPTIONS", "/test", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}

// BenchmarkAuthBearerToken benchmarks auth validation with a Bearer token
func BenchmarkAuthBearerToken(b *testing.B) {
	router := gin.New()
	router.Use(Auth(types.AuthConfig{Key: "bench-access-key"}))
	router.GET("/v1/models", func(c *gin.Context) {
		c.String(200, "OK")
	})

	req := httptest.NewRequest("GET", "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer bench-access-key")

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}

// BenchmarkAuthApiKeyHeader benchmarks auth validation with x-api-key
func BenchmarkAuthApiKeyHeader(b *testing.B) {
	router := gin.New()
	router.Use(Auth(types.AuthConfig{Key: "bench-access-key"}))
	router.POST("/v1/messages", func(c *gin.Context) {
		c.String(200, "OK")
	})

	req := httptest.NewRequest("POST", "/v1/messages", nil)
	req.Header.Set("X-Api-Key", "bench-access-key")

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}

// BenchmarkRateLimiterUncontended benchmarks semaphore cost with free slots
func BenchmarkRateLimiterUncontended(b *testing.B) {
	router := gin.New()
	router.Use(RateLimiter(types.PerformanceConfig{MaxConcurrentRequests: 100}))
	router.GET("/test", func(c *gin.Context) {
		c.String(200, "OK")
	})

	req := httptest.NewRequest("GET", "/test", nil)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}

// BenchmarkSecurityHeadersPerf benchmarks security headers middleware
func BenchmarkSecurityHeadersPerf(b *testing.B) {
	router := gin.New()
	router.Use(SecurityHeaders())
	router.GET("/test", func(c *gin.Context) {
		c.String(200, "OK")
	})

	req := httptest.NewRequest("GET", "/test", nil)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}

// BenchmarkGatewayMiddlewareChain benchmarks the production middleware stack
// in front of a chat completion handler
func BenchmarkGatewayMiddlewareChain(b *testing.B) {
	router := gin.New()

	corsConfig := types.CORSConfig{
		Enabled:          true,
		AllowedOrigins:   []string{"https://example.com"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}
	router.Use(Recovery())
	router.Use(ErrorHandler())
	router.Use(CORS(corsConfig))
	router.Use(Auth(types.AuthConfig{Key: "bench-access-key"}))
	router.Use(RateLimiter(types.PerformanceConfig{MaxConcurrentRequests: 100}))
	router.Use(SecurityHeaders())

	router.POST("/v1/chat/completions", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	req := httptest.NewRequest("POST", "/v1/chat/completions", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer bench-access-key")

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}

// BenchmarkGatewayMiddlewareChainConcurrent benchmarks the production stack
// under parallel load
func BenchmarkGatewayMiddlewareChainConcurrent(b *testing.B) {
	router := gin.New()

	corsConfig := types.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	}
	router.Use(Recovery())
	router.Use(ErrorHandler())
	router.Use(CORS(corsConfig))
	router.Use(Auth(types.AuthConfig{Key: "bench-access-key"}))
	router.Use(RateLimiter(types.PerformanceConfig{MaxConcurrentRequests: 1000}))
	router.Use(SecurityHeaders())

	router.POST("/v1/messages", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		req := httptest.NewRequest("POST", "/v1/messages", nil)
		req.Header.Set("Origin", "https://example.com")
		req.Header.Set("X-Api-Key", "bench-access-key")

		for pb.Next() {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
		}
	})
}

// BenchmarkCORSMiddlewareConcurrent benchmarks CORS under parallel load
func BenchmarkCORSMiddlewareConcurrent(b *testing.B) {
	router := gin.New()
	corsConfig := types.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"Content-Type"},
	}
	router.Use(CORS(corsConfig))
	router.GET("/test", func(c *gin.Context) {
		c.String(200, "OK")
	})

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("Origin", "https://example.com")

		for pb.Next() {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
		}
	})
}

// BenchmarkStaticCacheMiddleware benchmarks cache header injection for assets
func BenchmarkStaticCacheMiddleware(b *testing.B) {
	router := gin.New()
	router.Use(StaticCache())
	router.GET("/assets/app.js", func(c *gin.Context) {
		c.String(200, "OK")
	})

	req := httptest.NewRequest("GET", "/assets/app.js", nil)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}
}
