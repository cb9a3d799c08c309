package handler

import (
	"fmt"
	"time"

	"kiro2chat/internal/models"
	"kiro2chat/internal/response"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// GetLogs returns a filtered, paginated page of request logs, newest first.
// Filters come from query params (surface, model, is_success, status_code,
// start_time, end_time and friends).
func (s *Server) GetLogs(c *gin.Context) {
	query := s.LogService.GetLogsQuery(c).Order("timestamp desc")

	var logs []models.RequestLog
	page, err := response.Paginate(c, query, &logs)
	if HandleServiceError(c, err) {
		return
	}

	response.Success(c, page)
}

// ExportLogs streams the filtered logs as a CSV download.
func (s *Server) ExportLogs(c *gin.Context) {
	filename := fmt.Sprintf("kiro2chat-logs-%s.csv", time.Now().Format("20060102-150405"))

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	if err := s.LogService.StreamLogsToCSV(c, c.Writer); err != nil {
		// Headers are already sent; the broken download is all the client sees.
		logrus.WithError(err).Error("Failed to stream logs CSV")
	}
}
