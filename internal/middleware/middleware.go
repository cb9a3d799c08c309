// Package middleware provides HTTP middleware for the application
package middleware

import (
	"crypto/subtle"
	"strconv"
	"strings"
	"time"

	app_errors "kiro2chat/internal/errors"
	"kiro2chat/internal/response"
	"kiro2chat/internal/types"
	"kiro2chat/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Logger creates a request logging middleware
func Logger(config types.LogConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		method := c.Request.Method
		statusCode := c.Writer.Status()

		// Sanitize URL so auth keys in query params never reach the logs
		fullPath := utils.SanitizeURLForLog(c.Request.URL)

		// Continuation rounds, when the handler recorded any
		contInfo := ""
		if rounds, exists := c.Get("continuations"); exists {
			var b strings.Builder
			b.WriteString(" - Continue[")
			if n, ok := rounds.(int); ok {
				b.WriteString(strconv.Itoa(n))
			}
			b.WriteByte(']')
			contInfo = b.String()
		}

		// Health probes only get logged when they fail
		if isMonitoringEndpoint(path) {
			if statusCode >= 400 {
				logrus.Warnf("%s %s - %d - %v", method, fullPath, statusCode, latency)
			}
			return
		}

		if statusCode >= 500 {
			logrus.Errorf("%s %s - %d - %v%s", method, fullPath, statusCode, latency, contInfo)
		} else if statusCode >= 400 {
			logrus.Warnf("%s %s - %d - %v%s", method, fullPath, statusCode, latency, contInfo)
		} else {
			logrus.Infof("%s %s - %d - %v%s", method, fullPath, statusCode, latency, contInfo)
		}
	}
}

// CORS creates a CORS middleware with efficient preflight handling
func CORS(config types.CORSConfig) gin.HandlerFunc {
	allowedMethods := strings.Join(config.AllowedMethods, ", ")
	allowedHeaders := strings.Join(config.AllowedHeaders, ", ")

	allowedOriginsMap := make(map[string]bool, len(config.AllowedOrigins))
	hasWildcard := false
	for _, origin := range config.AllowedOrigins {
		if origin == "*" {
			hasWildcard = true
		} else {
			allowedOriginsMap[origin] = true
		}
	}
	// With credentials enabled the explicit allowlist still matters even
	// alongside a wildcard entry.
	if hasWildcard && !config.AllowCredentials {
		allowedOriginsMap = nil
	}
	if config.AllowCredentials && len(config.AllowedOrigins) == 1 && config.AllowedOrigins[0] == "*" {
		logrus.Warn("CORS configuration uses AllowedOrigins=['*'] with AllowCredentials=true; this blocks all credentialed CORS requests. Configure explicit origins instead.")
	}

	return func(c *gin.Context) {
		if !config.Enabled {
			c.Next()
			return
		}

		origin := c.Request.Header.Get("Origin")

		if c.Request.Method == "OPTIONS" {
			if isOriginAllowed(origin, hasWildcard, config.AllowCredentials, allowedOriginsMap) {
				setAllowOriginHeader(c, origin, hasWildcard, config.AllowCredentials)
				c.Header("Access-Control-Allow-Methods", allowedMethods)
				c.Header("Access-Control-Allow-Headers", allowedHeaders)
				if config.AllowCredentials {
					c.Header("Access-Control-Allow-Credentials", "true")
				}
				c.Header("Access-Control-Max-Age", "86400")
			}

			c.AbortWithStatus(204)
			return
		}

		if isOriginAllowed(origin, hasWildcard, config.AllowCredentials, allowedOriginsMap) {
			setAllowOriginHeader(c, origin, hasWildcard, config.AllowCredentials)
			c.Header("Access-Control-Allow-Methods", allowedMethods)
			c.Header("Access-Control-Allow-Headers", allowedHeaders)
			if config.AllowCredentials {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		c.Next()
	}
}

// isOriginAllowed checks if the origin is allowed based on CORS configuration
func isOriginAllowed(origin string, hasWildcard, allowCredentials bool, allowedOriginsMap map[string]bool) bool {
	if hasWildcard && !allowCredentials {
		return true
	}
	return allowedOriginsMap[origin]
}

// setAllowOriginHeader sets the Access-Control-Allow-Origin header and Vary header if needed
func setAllowOriginHeader(c *gin.Context, origin string, hasWildcard, allowCredentials bool) {
	if hasWildcard && !allowCredentials {
		c.Header("Access-Control-Allow-Origin", "*")
	} else {
		c.Header("Access-Control-Allow-Origin", origin)
		// Caches must differentiate responses when echoing specific origins
		addVaryOriginHeader(c)
	}
}

// addVaryOriginHeader adds "Origin" to the Vary header if not already present
func addVaryOriginHeader(c *gin.Context) {
	vary := c.Writer.Header().Get("Vary")
	if vary == "" {
		c.Header("Vary", "Origin")
		return
	}

	for _, h := range strings.Split(vary, ",") {
		if strings.TrimSpace(h) == "Origin" {
			return
		}
	}

	c.Header("Vary", vary+", Origin")
}

// Auth guards the API surfaces with the configured access key. An empty key
// disables authentication entirely.
func Auth(authConfig types.AuthConfig) gin.HandlerFunc {
	enabled := authConfig.Key != ""

	return func(c *gin.Context) {
		if !enabled || isMonitoringEndpoint(c.Request.URL.Path) {
			c.Next()
			return
		}

		key := extractAuthKey(c)
		isValid := key != "" && subtle.ConstantTimeCompare([]byte(key), []byte(authConfig.Key)) == 1
		if !isValid {
			abortAuthError(c)
			return
		}

		c.Next()
	}
}

// abortAuthError writes a 401 in the dialect of the surface being called:
// API clients get their native error JSON, the management API gets the
// standard envelope.
func abortAuthError(c *gin.Context) {
	path := c.Request.URL.Path
	switch {
	case strings.HasPrefix(path, "/v1/messages"):
		c.AbortWithStatusJSON(401, gin.H{
			"type":  "error",
			"error": gin.H{"type": "authentication_error", "message": "invalid or missing api key"},
		})
	case strings.HasPrefix(path, "/v1/"):
		c.AbortWithStatusJSON(401, gin.H{
			"error": gin.H{"message": "invalid or missing api key", "type": "authentication_error"},
		})
	default:
		response.Error(c, app_errors.ErrUnauthorized)
		c.Abort()
	}
}

// Recovery creates a recovery middleware with custom error handling
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logrus.Errorf("Panic recovered: %v", recovered)
		response.Error(c, app_errors.ErrInternalServer)
		c.Abort()
	})
}

// RateLimiter creates a simple rate limiting middleware
func RateLimiter(config types.PerformanceConfig) gin.HandlerFunc {
	// Simple semaphore-based concurrency cap
	semaphore := make(chan struct{}, config.MaxConcurrentRequests)

	return func(c *gin.Context) {
		select {
		case semaphore <- struct{}{}:
			defer func() { <-semaphore }()
			c.Next()
		default:
			response.Error(c, app_errors.NewAPIError(app_errors.ErrInternalServer, "Too many concurrent requests"))
			c.Abort()
		}
	}
}

// ErrorHandler creates an error handling middleware
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			err := c.Errors.Last().Err

			if apiErr, ok := err.(*app_errors.APIError); ok {
				response.Error(c, apiErr)
				return
			}

			logrus.Errorf("Unhandled error: %v", err)
			response.Error(c, app_errors.ErrInternalServer)
		}
	}
}

// isMonitoringEndpoint checks if the path is a monitoring endpoint
func isMonitoringEndpoint(path string) bool {
	return path == "/health"
}

// extractAuthKey pulls the access key from the places API clients put it:
// query param, Bearer token, or the Anthropic-style x-api-key header.
func extractAuthKey(c *gin.Context) string {
	if key := c.Query("key"); key != "" {
		query := c.Request.URL.Query()
		query.Del("key")
		c.Request.URL.RawQuery = query.Encode()
		return key
	}

	authHeader := c.GetHeader("Authorization")
	if authHeader != "" {
		const bearerPrefix = "Bearer "
		if strings.HasPrefix(authHeader, bearerPrefix) {
			return authHeader[len(bearerPrefix):]
		}
	}

	if key := c.GetHeader("X-Api-Key"); key != "" {
		return key
	}

	return ""
}

// StaticCache creates a middleware for caching static resources
func StaticCache() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path

		if isStaticResource(path) {
			c.Header("Cache-Control", "public, max-age=2592000, immutable")
			c.Header("Expires", time.Now().AddDate(1, 0, 0).UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT"))
		}

		c.Next()
	}
}

// isStaticResource checks if the path is a static resource.
func isStaticResource(path string) bool {
	staticPrefixes := []string{"/assets/"}
	staticSuffixes := []string{
		".js", ".css", ".ico", ".png", ".jpg", ".jpeg",
		".gif", ".svg", ".woff", ".woff2", ".ttf", ".eot",
		".webp", ".avif", ".map",
	}

	for _, prefix := range staticPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}

	for _, suffix := range staticSuffixes {
		if strings.HasSuffix(path, suffix) {
			return true
		}
	}

	return false
}

// SecurityHeaders creates a middleware to add security-related headers
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Permissions-Policy", "camera=(), microphone=(), geolocation=(), payment=(), usb=()")
		c.Header("X-Frame-Options", "SAMEORIGIN")

		c.Next()
	}
}
