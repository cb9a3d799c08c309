// Package proxy exposes the OpenAI and Anthropic compatible API surfaces and
// translates them onto the upstream conversation protocol.
package proxy

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"kiro2chat/internal/config"
	app_errors "kiro2chat/internal/errors"
	"kiro2chat/internal/kiro"
	"kiro2chat/internal/models"
	"kiro2chat/internal/sanitize"
	"kiro2chat/internal/services"
	"kiro2chat/internal/types"
	"kiro2chat/internal/utils"
	"kiro2chat/internal/version"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// maxLoggedBodyChars bounds request and response bodies persisted with
// request logs.
const maxLoggedBodyChars = 8192

// ProxyServer translates client requests into upstream conversation calls
// and renders the streamed reply in the caller's dialect.
type ProxyServer struct {
	configManager     types.ConfigManager
	settingsManager   *config.SystemSettingsManager
	client            *kiro.Client
	tokenManager      *kiro.TokenManager
	requestLogService *services.RequestLogService
	sanitizer         *sanitize.Sanitizer
	modelConfig       types.ModelConfig
	startTime         time.Time
}

// NewProxyServer creates a new proxy server instance.
func NewProxyServer(
	configManager types.ConfigManager,
	settingsManager *config.SystemSettingsManager,
	client *kiro.Client,
	tokenManager *kiro.TokenManager,
	requestLogService *services.RequestLogService,
) *ProxyServer {
	modelConfig := configManager.GetModelConfig()
	return &ProxyServer{
		configManager:     configManager,
		settingsManager:   settingsManager,
		client:            client,
		tokenManager:      tokenManager,
		requestLogService: requestLogService,
		sanitizer:         sanitize.NewSanitizer(modelConfig.AssistantIdentity),
		modelConfig:       modelConfig,
		startTime:         time.Now(),
	}
}

// resolveModel maps a client-facing model alias onto a backend model ID.
// With a configured model map the alias must be present; without one every
// alias is pinned to the default backend model.
func (ps *ProxyServer) resolveModel(alias string) (string, error) {
	if len(ps.modelConfig.ModelMap) == 0 {
		return ps.modelConfig.DefaultBackendModel, nil
	}
	if backend, ok := ps.modelConfig.ModelMap[alias]; ok {
		return backend, nil
	}
	return "", app_errors.NewAPIError(app_errors.ErrBadRequest,
		fmt.Sprintf("model %q is not available, see /v1/models", alias))
}

// continuationRounds returns the bound on automatic continuations.
func (ps *ProxyServer) continuationRounds() int {
	if ps.modelConfig.ContinuationRounds > 0 {
		return ps.modelConfig.ContinuationRounds
	}
	return 2
}

// toolCallLog serializes invoked tool names for the request log; nil when
// the reply called no tools, so the column stays NULL.
func toolCallLog(names []string) datatypes.JSON {
	if len(names) == 0 {
		return nil
	}
	payload, _ := json.Marshal(names)
	return datatypes.JSON(payload)
}

// requestLogEntry seeds a request log with everything known up front.
func (ps *ProxyServer) requestLogEntry(c *gin.Context, surface, model, backendModel string, stream bool) *models.RequestLog {
	return &models.RequestLog{
		Surface:      surface,
		Model:        model,
		BackendModel: backendModel,
		IsStream:     stream,
		RequestPath:  c.Request.URL.Path,
		SourceIP:     c.ClientIP(),
		UserAgent:    c.Request.UserAgent(),
	}
}

// recordLog finalizes and persists one request log entry.
func (ps *ProxyServer) recordLog(entry *models.RequestLog, started time.Time, statusCode int, errMsg string) {
	if ps.requestLogService == nil {
		return
	}
	entry.Duration = time.Since(started).Milliseconds()
	entry.StatusCode = statusCode
	entry.IsSuccess = errMsg == "" && statusCode < 400
	entry.ErrorMessage = errMsg

	if !ps.settingsManager.GetSettings().EnableRequestBodyLogging {
		entry.RequestBody = ""
		entry.ResponseBody = ""
	} else {
		entry.RequestBody = utils.TruncateWithMarker(entry.RequestBody, maxLoggedBodyChars)
		entry.ResponseBody = utils.TruncateWithMarker(entry.ResponseBody, maxLoggedBodyChars)
	}

	if err := ps.requestLogService.Record(entry); err != nil {
		logrus.WithError(err).Warn("Failed to record request log")
	}
}

// HandleRootInfo reports the service identity and available endpoints.
func (ps *ProxyServer) HandleRootInfo(c *gin.Context) {
	c.JSON(200, gin.H{
		"name":    "kiro2chat",
		"version": version.Version,
		"status":  "running",
		"endpoints": gin.H{
			"models":       "/v1/models",
			"chat":         "/v1/chat/completions",
			"messages":     "/v1/messages",
			"count_tokens": "/v1/messages/count_tokens",
			"health":       "/health",
		},
	})
}

// HandleHealth reports service health. A failing credential refresh degrades
// the service but keeps the endpoint at 200 so orchestrators restart on
// transport failures, not upstream auth hiccups.
func (ps *ProxyServer) HandleHealth(c *gin.Context) {
	status := "ok"
	checks := gin.H{}

	if _, err := ps.tokenManager.GetAccessToken(c.Request.Context()); err != nil {
		status = "degraded"
		checks["token"] = gin.H{"status": "error", "error": "token_refresh_failed"}
		logrus.WithError(err).Debug("Health check token refresh failed")
	} else {
		checks["token"] = gin.H{"status": "ok"}
	}

	c.JSON(200, gin.H{
		"status": status,
		"uptime": time.Since(ps.startTime).Round(time.Second).String(),
		"checks": checks,
	})
}
