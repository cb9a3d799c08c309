package services

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"kiro2chat/internal/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const likeEscapeChar = "!"

// LogService provides query and export access to request logs.
type LogService struct {
	DB *gorm.DB
}

// NewLogService creates a new LogService.
func NewLogService(db *gorm.DB) *LogService {
	return &LogService{DB: db}
}

// escapeLike escapes special characters in LIKE pattern.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, likeEscapeChar, likeEscapeChar+likeEscapeChar)
	s = strings.ReplaceAll(s, "%", likeEscapeChar+"%")
	s = strings.ReplaceAll(s, "_", likeEscapeChar+"_")
	return s
}

// logFiltersScope returns a GORM scope function that applies filters from the Gin context.
func (s *LogService) logFiltersScope(c *gin.Context) func(db *gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if surface := c.Query("surface"); surface != "" {
			db = db.Where("surface = ?", surface)
		}
		if model := c.Query("model"); model != "" {
			db = db.Where("model LIKE ? ESCAPE '!'", "%"+escapeLike(model)+"%")
		}
		if backendModel := c.Query("backend_model"); backendModel != "" {
			db = db.Where("backend_model LIKE ? ESCAPE '!'", "%"+escapeLike(backendModel)+"%")
		}
		if isSuccessStr := c.Query("is_success"); isSuccessStr != "" {
			if isSuccess, err := strconv.ParseBool(isSuccessStr); err == nil {
				db = db.Where("is_success = ?", isSuccess)
			}
		}
		if isStreamStr := c.Query("is_stream"); isStreamStr != "" {
			if isStream, err := strconv.ParseBool(isStreamStr); err == nil {
				db = db.Where("is_stream = ?", isStream)
			}
		}
		if statusCodeStr := c.Query("status_code"); statusCodeStr != "" {
			if statusCode, err := strconv.Atoi(statusCodeStr); err == nil {
				db = db.Where("status_code = ?", statusCode)
			}
		}
		if finishReason := c.Query("finish_reason"); finishReason != "" {
			db = db.Where("finish_reason = ?", finishReason)
		}
		if sourceIP := c.Query("source_ip"); sourceIP != "" {
			db = db.Where("source_ip = ?", sourceIP)
		}
		if errorContains := c.Query("error_contains"); errorContains != "" {
			db = db.Where("error_message LIKE ? ESCAPE '!'", "%"+escapeLike(errorContains)+"%")
		}
		if startTimeStr := c.Query("start_time"); startTimeStr != "" {
			if startTime, err := time.Parse(time.RFC3339, startTimeStr); err == nil {
				db = db.Where("timestamp >= ?", startTime)
			}
		}
		if endTimeStr := c.Query("end_time"); endTimeStr != "" {
			if endTime, err := time.Parse(time.RFC3339, endTimeStr); err == nil {
				db = db.Where("timestamp <= ?", endTime)
			}
		}
		return db
	}
}

// GetLogsQuery returns a GORM query for fetching logs with filters.
func (s *LogService) GetLogsQuery(c *gin.Context) *gorm.DB {
	return s.DB.Model(&models.RequestLog{}).Scopes(s.logFiltersScope(c))
}

// StreamLogsToCSV writes the filtered logs as CSV, newest first. Rows are
// streamed off the cursor so exports of large tables stay memory-bounded.
func (s *LogService) StreamLogsToCSV(c *gin.Context, writer io.Writer) error {
	csvWriter := csv.NewWriter(writer)
	defer csvWriter.Flush()

	header := []string{
		"timestamp", "surface", "model", "backend_model", "is_success", "is_stream",
		"status_code", "duration_ms", "prompt_tokens", "output_tokens",
		"continuations", "finish_reason", "source_ip", "error_message", "tool_calls",
	}
	if err := csvWriter.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	rows, err := s.DB.Model(&models.RequestLog{}).
		Scopes(s.logFiltersScope(c)).
		Order("timestamp DESC").
		Rows()
	if err != nil {
		return fmt.Errorf("failed to query logs for export: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var log models.RequestLog
		if err := s.DB.ScanRows(rows, &log); err != nil {
			return fmt.Errorf("failed to scan log row: %w", err)
		}

		record := []string{
			log.Timestamp.Format(time.RFC3339),
			log.Surface,
			log.Model,
			log.BackendModel,
			strconv.FormatBool(log.IsSuccess),
			strconv.FormatBool(log.IsStream),
			strconv.Itoa(log.StatusCode),
			strconv.FormatInt(log.Duration, 10),
			strconv.Itoa(log.PromptTokens),
			strconv.Itoa(log.OutputTokens),
			strconv.Itoa(log.Continuations),
			log.FinishReason,
			log.SourceIP,
			log.ErrorMessage,
			string(log.ToolCalls),
		}
		if err := csvWriter.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	return rows.Err()
}
