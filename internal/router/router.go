// Package router provides HTTP routing configuration for the application.
package router

import (
	"embed"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"kiro2chat/internal/handler"
	"kiro2chat/internal/middleware"
	"kiro2chat/internal/proxy"
	"kiro2chat/internal/types"

	"github.com/gin-contrib/gzip"
	"github.com/gin-contrib/static"

	"github.com/gin-gonic/gin"
)

type embedFileSystem struct {
	http.FileSystem
}

func (e embedFileSystem) Exists(prefix string, path string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rel := strings.TrimPrefix(path, prefix)
	if rel == "" {
		// The bare mount path falls through to the no-route handler,
		// which serves the index page uncached.
		return false
	}
	_, err := e.Open(rel)
	return err == nil
}

// EmbedFolder serves targetPath inside fsEmbed as a static file system.
func EmbedFolder(fsEmbed embed.FS, targetPath string) static.ServeFileSystem {
	efs, err := fs.Sub(fsEmbed, targetPath)
	if err != nil {
		panic(err)
	}
	return embedFileSystem{
		FileSystem: http.FS(efs),
	}
}

// NewRouter builds the gin engine: public system routes, the
// authenticated /v1 gateway surfaces, the management API and the
// embedded dashboard.
func NewRouter(
	serverHandler *handler.Server,
	proxyServer *proxy.ProxyServer,
	configManager types.ConfigManager,
	buildFS embed.FS,
	indexPage []byte,
) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Register global middleware
	router.Use(middleware.Recovery())
	router.Use(middleware.ErrorHandler())
	router.Use(middleware.Logger(configManager.GetLogConfig()))
	router.Use(middleware.CORS(configManager.GetCORSConfig()))
	router.Use(middleware.RateLimiter(configManager.GetPerformanceConfig()))
	router.Use(middleware.SecurityHeaders())
	startTime := time.Now()
	router.Use(func(c *gin.Context) {
		c.Set("serverStartTime", startTime)
		c.Next()
	})

	// Register routes
	registerSystemRoutes(router, proxyServer)
	registerGatewayRoutes(router, proxyServer, configManager)
	registerAPIRoutes(router, serverHandler, configManager)
	registerFrontendRoutes(router, buildFS, indexPage)

	return router
}

// registerSystemRoutes registers the public system-level routes.
func registerSystemRoutes(router *gin.Engine, proxyServer *proxy.ProxyServer) {
	router.GET("/", proxyServer.HandleRootInfo)
	router.GET("/health", proxyServer.HandleHealth)
}

// registerGatewayRoutes registers the client-facing /v1 surfaces.
func registerGatewayRoutes(
	router *gin.Engine,
	proxyServer *proxy.ProxyServer,
	configManager types.ConfigManager,
) {
	v1 := router.Group("/v1")
	v1.Use(middleware.Auth(configManager.GetAuthConfig()))

	// OpenAI-compatible surface
	v1.POST("/chat/completions", proxyServer.HandleChatCompletions)
	v1.GET("/models", proxyServer.HandleListModels)

	// Anthropic-compatible surface
	v1.POST("/messages", proxyServer.HandleMessages)
	v1.POST("/messages/count_tokens", proxyServer.HandleCountTokens)
	v1.POST("/messages/batches", proxyServer.HandleMessageBatches)
	v1.GET("/messages/batches", proxyServer.HandleMessageBatches)
}

// registerAPIRoutes registers the management API routes.
func registerAPIRoutes(
	router *gin.Engine,
	serverHandler *handler.Server,
	configManager types.ConfigManager,
) {
	api := router.Group("/api")

	authConfig := configManager.GetAuthConfig()

	// Public routes
	registerPublicAPIRoutes(api, serverHandler)

	// Protected routes
	protectedAPI := api.Group("")
	protectedAPI.Use(middleware.Auth(authConfig))
	registerProtectedAPIRoutes(protectedAPI, serverHandler)
}

// registerPublicAPIRoutes registers public API routes
func registerPublicAPIRoutes(api *gin.RouterGroup, serverHandler *handler.Server) {
	api.POST("/auth/login", serverHandler.Login)
	api.GET("/gateway", serverHandler.GetGatewayInfo)
}

// registerProtectedAPIRoutes registers protected API routes
func registerProtectedAPIRoutes(api *gin.RouterGroup, serverHandler *handler.Server) {
	api.GET("/health", serverHandler.Health)
	api.GET("/surfaces", serverHandler.CommonHandler.GetSurfaces)
	api.POST("/tokens/estimate", serverHandler.CommonHandler.EstimateTokens)

	// Dashboard
	dashboard := api.Group("/dashboard")
	{
		dashboard.GET("/stats", serverHandler.Stats)
		dashboard.GET("/chart", serverHandler.Chart)
		dashboard.GET("/encryption-status", serverHandler.EncryptionStatus)
	}

	// Logs
	logs := api.Group("/logs")
	{
		logs.GET("", serverHandler.GetLogs)
		logs.GET("/export", serverHandler.ExportLogs)
	}

	// Settings
	settings := api.Group("/settings")
	{
		settings.GET("", serverHandler.GetSettings)
		settings.PUT("", serverHandler.UpdateSettings)
	}
}

// registerFrontendRoutes serves the embedded dashboard under /dashboard.
func registerFrontendRoutes(router *gin.Engine, buildFS embed.FS, indexPage []byte) {
	router.Use(gzip.Gzip(gzip.DefaultCompression))
	router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "Method not allowed"})
	})

	// Use static resource cache middleware
	router.Use(middleware.StaticCache())

	router.Use(static.Serve("/dashboard", EmbedFolder(buildFS, "web/dist")))
	router.NoRoute(func(c *gin.Context) {
		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/dashboard") {
			// HTML pages are not cached to ensure updates take effect immediately
			c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
			c.Header("Pragma", "no-cache")
			c.Header("Expires", "0")
			c.Data(http.StatusOK, "text/html; charset=utf-8", indexPage)
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
	})
}
