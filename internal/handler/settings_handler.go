package handler

import (
	"time"

	app_errors "kiro2chat/internal/errors"
	"kiro2chat/internal/response"

	"github.com/gin-gonic/gin"
)

// GetSettings handles the GET /api/settings request. Settings are returned
// grouped by category with their metadata so the dashboard can render a form.
func (s *Server) GetSettings(c *gin.Context) {
	response.Success(c, s.SettingsManager.GetSettingsInfo())
}

// UpdateSettings handles the PUT /api/settings request.
func (s *Server) UpdateSettings(c *gin.Context) {
	var settingsMap map[string]any
	if err := c.ShouldBindJSON(&settingsMap); err != nil {
		response.Error(c, app_errors.NewAPIError(app_errors.ErrInvalidJSON, err.Error()))
		return
	}

	if len(settingsMap) == 0 {
		response.Success(c, nil)
		return
	}

	if err := s.SettingsManager.UpdateSettings(settingsMap); err != nil {
		response.Error(c, app_errors.NewAPIError(app_errors.ErrDatabase, err.Error()))
		return
	}

	// The invalidation broadcast applies asynchronously; give the local
	// reload a beat so the response reflects the new values.
	time.Sleep(100 * time.Millisecond)

	response.Success(c, nil)
}
