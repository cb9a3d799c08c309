// Package handler provides the management API handlers behind /api.
package handler

import (
	"crypto/subtle"
	"net/http"
	"sort"
	"time"

	"kiro2chat/internal/config"
	"kiro2chat/internal/encryption"
	app_errors "kiro2chat/internal/errors"
	"kiro2chat/internal/response"
	"kiro2chat/internal/services"
	"kiro2chat/internal/store"
	"kiro2chat/internal/types"
	"kiro2chat/internal/version"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Server aggregates the dependencies shared by the management handlers.
type Server struct {
	DB              *gorm.DB
	config          types.ConfigManager
	SettingsManager *config.SystemSettingsManager
	EncryptionSvc   encryption.Service
	LogService      *services.LogService
	Store           store.Store
	CommonHandler   *CommonHandler
}

// NewServer creates a handler server.
func NewServer(
	db *gorm.DB,
	configManager types.ConfigManager,
	settingsManager *config.SystemSettingsManager,
	encryptionSvc encryption.Service,
	logService *services.LogService,
	st store.Store,
) *Server {
	return &Server{
		DB:              db,
		config:          configManager,
		SettingsManager: settingsManager,
		EncryptionSvc:   encryptionSvc,
		LogService:      logService,
		Store:           st,
		CommonHandler:   NewCommonHandler(),
	}
}

// Health reports management-plane health: database connectivity and
// process uptime. Gateway readiness (upstream credentials) lives on the
// public /health endpoint instead.
func (s *Server) Health(c *gin.Context) {
	status := "healthy"
	dbStatus := "ok"
	httpStatus := http.StatusOK

	if s.DB != nil {
		if sqlDB, err := s.DB.DB(); err != nil {
			status = "unhealthy"
			dbStatus = "unavailable"
			httpStatus = http.StatusServiceUnavailable
		} else if err := sqlDB.PingContext(c.Request.Context()); err != nil {
			status = "unhealthy"
			dbStatus = "unavailable"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	uptime := "unknown"
	if startTime, exists := c.Get("serverStartTime"); exists {
		if st, ok := startTime.(time.Time); ok {
			uptime = time.Since(st).Round(time.Second).String()
		}
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"database":  dbStatus,
		"uptime":    uptime,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// LoginRequest is the dashboard login payload.
type LoginRequest struct {
	Key string `json:"key" binding:"required"`
}

// Login validates a dashboard access key against the configured AUTH_KEY.
// When no key is configured authentication is disabled and any login
// succeeds.
func (s *Server) Login(c *gin.Context) {
	authKey := s.config.GetAuthConfig().Key
	if authKey == "" {
		response.Success(c, gin.H{"valid": true, "auth_required": false})
		return
	}

	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, app_errors.NewAPIError(app_errors.ErrInvalidJSON, err.Error()))
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.Key), []byte(authKey)) != 1 {
		response.Error(c, app_errors.NewAPIError(app_errors.ErrUnauthorized, "invalid access key"))
		return
	}

	response.Success(c, gin.H{"valid": true, "auth_required": true})
}

// GatewayInfo describes the gateway for the dashboard landing call.
type GatewayInfo struct {
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	BackendModel  string   `json:"backend_model"`
	Models        []string `json:"models"`
	AuthRequired  bool     `json:"auth_required"`
	UptimeSeconds int64    `json:"uptime_seconds"`
}

// GetGatewayInfo returns the exposed model catalog and basic serving facts.
func (s *Server) GetGatewayInfo(c *gin.Context) {
	modelConfig := s.config.GetModelConfig()

	models := make([]string, 0, len(modelConfig.ModelMap))
	for name := range modelConfig.ModelMap {
		models = append(models, name)
	}
	sort.Strings(models)
	if len(models) == 0 && modelConfig.DefaultBackendModel != "" {
		models = append(models, modelConfig.DefaultBackendModel)
	}

	var uptimeSeconds int64
	if startTime, exists := c.Get("serverStartTime"); exists {
		if st, ok := startTime.(time.Time); ok {
			uptimeSeconds = int64(time.Since(st).Seconds())
		}
	}

	response.Success(c, GatewayInfo{
		Name:          "kiro2chat",
		Version:       version.Version,
		BackendModel:  modelConfig.DefaultBackendModel,
		Models:        models,
		AuthRequired:  s.config.GetAuthConfig().Key != "",
		UptimeSeconds: uptimeSeconds,
	})
}
