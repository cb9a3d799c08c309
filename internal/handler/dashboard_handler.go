package handler

import (
	"fmt"
	"os"
	"strings"
	"time"

	app_errors "kiro2chat/internal/errors"
	"kiro2chat/internal/models"
	"kiro2chat/internal/response"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

// Stats returns the dashboard statistic cards: request volume, RPM, error
// rate and token throughput over the last 24 hours, each with a trend
// against the preceding 24 hours.
func (s *Server) Stats(c *gin.Context) {
	now := time.Now()

	rpmStats, err := s.getRPMStats(now)
	if err != nil {
		response.Error(c, app_errors.NewAPIError(app_errors.ErrDatabase, "failed to compute RPM"))
		return
	}

	twentyFourHoursAgo := now.Add(-24 * time.Hour)
	fortyEightHoursAgo := now.Add(-48 * time.Hour)

	currentPeriod, err := s.getHourlyStats(twentyFourHoursAgo, now)
	if err != nil {
		response.Error(c, app_errors.NewAPIError(app_errors.ErrDatabase, "failed to load current period stats"))
		return
	}
	previousPeriod, err := s.getHourlyStats(fortyEightHoursAgo, twentyFourHoursAgo)
	if err != nil {
		response.Error(c, app_errors.NewAPIError(app_errors.ErrDatabase, "failed to load previous period stats"))
		return
	}

	// Request count trend
	reqTrend := 0.0
	reqTrendIsGrowth := true
	if previousPeriod.TotalRequests > 0 {
		reqTrend = (float64(currentPeriod.TotalRequests-previousPeriod.TotalRequests) / float64(previousPeriod.TotalRequests)) * 100
		reqTrendIsGrowth = reqTrend >= 0
	} else if currentPeriod.TotalRequests > 0 {
		reqTrend = 100.0
	}

	// Error rate and its trend. A falling error rate counts as growth.
	currentErrorRate := 0.0
	if currentPeriod.TotalRequests > 0 {
		currentErrorRate = (float64(currentPeriod.TotalFailures) / float64(currentPeriod.TotalRequests)) * 100
	}
	previousErrorRate := 0.0
	if previousPeriod.TotalRequests > 0 {
		previousErrorRate = (float64(previousPeriod.TotalFailures) / float64(previousPeriod.TotalRequests)) * 100
	}

	errorRateTrend := 0.0
	errorRateTrendIsGrowth := true
	if previousPeriod.TotalRequests > 0 {
		errorRateTrend = currentErrorRate - previousErrorRate
		errorRateTrendIsGrowth = errorRateTrend < 0
		if errorRateTrend == 0 {
			errorRateTrendIsGrowth = true
		}
	} else if currentPeriod.TotalRequests > 0 {
		errorRateTrend = currentErrorRate
		errorRateTrendIsGrowth = currentErrorRate == 0
	}

	// Token throughput trend
	tokenTrend := 0.0
	tokenTrendIsGrowth := true
	if previousPeriod.TotalTokens > 0 {
		tokenTrend = (float64(currentPeriod.TotalTokens-previousPeriod.TotalTokens) / float64(previousPeriod.TotalTokens)) * 100
		tokenTrendIsGrowth = tokenTrend >= 0
	} else if currentPeriod.TotalTokens > 0 {
		tokenTrend = 100.0
	}

	stats := models.DashboardStatsResponse{
		RequestCount: models.StatCard{
			Value:         float64(currentPeriod.TotalRequests),
			SubValue:      currentPeriod.TotalFailures,
			SubValueTip:   "Failed requests",
			Trend:         reqTrend,
			TrendIsGrowth: reqTrendIsGrowth,
		},
		RPM: rpmStats,
		ErrorRate: models.StatCard{
			Value:         currentErrorRate,
			Trend:         errorRateTrend,
			TrendIsGrowth: errorRateTrendIsGrowth,
		},
		TokenCount: models.StatCard{
			Value:         float64(currentPeriod.TotalTokens),
			SubValue:      currentPeriod.OutputTokens,
			SubValueTip:   "Output tokens",
			Trend:         tokenTrend,
			TrendIsGrowth: tokenTrendIsGrowth,
		},
		SecurityWarnings: s.getSecurityWarnings(),
	}

	response.Success(c, stats)
}

// Chart returns hourly success/failure series for the dashboard chart.
// The optional surface query narrows the series to one API surface.
func (s *Server) Chart(c *gin.Context) {
	surface := c.Query("surface")
	rangeParam := c.Query("range")

	if surface != "" && !isKnownSurface(surface) {
		response.Error(c, app_errors.NewAPIError(app_errors.ErrBadRequest, fmt.Sprintf("unknown surface: %s", surface)))
		return
	}

	startHour, endExclusive, err := dashboardChartTimeRange(time.Now(), rangeParam)
	if err != nil {
		response.Error(c, app_errors.NewAPIError(app_errors.ErrBadRequest, err.Error()))
		return
	}

	hours := int(endExclusive.Sub(startHour) / time.Hour)
	if hours <= 0 {
		response.Error(c, app_errors.NewAPIError(app_errors.ErrBadRequest, "empty chart range"))
		return
	}

	type hourlyRow struct {
		Time         time.Time `gorm:"column:time"`
		SuccessCount int64     `gorm:"column:success_count"`
		FailureCount int64     `gorm:"column:failure_count"`
	}

	query := s.DB.Table("hourly_stats").
		Where("time >= ? AND time < ?", startHour, endExclusive)

	if surface != "" {
		query = query.
			Select("time, success_count, failure_count").
			Where("surface = ?", surface)
	} else {
		query = query.
			Select("time, COALESCE(SUM(success_count), 0) AS success_count, COALESCE(SUM(failure_count), 0) AS failure_count").
			Group("time")
	}

	var rows []hourlyRow
	if err := query.Find(&rows).Error; err != nil {
		response.Error(c, app_errors.NewAPIError(app_errors.ErrDatabase, "failed to load chart data"))
		return
	}

	labels := make([]string, hours)
	successData := make([]int64, hours)
	failureData := make([]int64, hours)

	for i := 0; i < hours; i++ {
		labels[i] = startHour.Add(time.Duration(i) * time.Hour).Format(time.RFC3339)
	}

	for _, row := range rows {
		hour := row.Time.Local().Truncate(time.Hour)
		idx := int(hour.Sub(startHour) / time.Hour)
		if idx < 0 || idx >= hours {
			continue
		}
		successData[idx] += row.SuccessCount
		failureData[idx] += row.FailureCount
	}

	chartData := models.ChartData{
		Labels: labels,
		Datasets: []models.ChartDataset{
			{
				Label: "Successful requests",
				Data:  successData,
				Color: "rgba(10, 200, 110, 1)",
			},
			{
				Label: "Failed requests",
				Data:  failureData,
				Color: "rgba(255, 70, 70, 1)",
			},
		},
	}

	response.Success(c, chartData)
}

func isKnownSurface(surface string) bool {
	switch surface {
	case models.SurfaceOpenAI, models.SurfaceAnthropic, models.SurfaceTelegram:
		return true
	}
	return false
}

// dashboardChartTimeRange returns the hourly-aligned start and end timestamps
// for the dashboard chart. The end timestamp is exclusive.
func dashboardChartTimeRange(now time.Time, rangeParam string) (time.Time, time.Time, error) {
	endHour := now.Truncate(time.Hour)
	endExclusive := endHour.Add(time.Hour)
	loc := now.Location()

	switch rangeParam {
	case "":
		return endExclusive.Add(-24 * time.Hour), endExclusive, nil
	case "today":
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
		return start, endExclusive, nil
	case "yesterday":
		startOfToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
		return startOfToday.Add(-24 * time.Hour), startOfToday, nil
	case "this_week":
		startOfToday := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
		daysSinceMonday := (int(startOfToday.Weekday()) + 6) % 7
		start := startOfToday.AddDate(0, 0, -daysSinceMonday)
		return start, endExclusive, nil
	case "this_month":
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
		return start, endExclusive, nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("invalid chart range: %s", rangeParam)
	}
}

type hourlyStatResult struct {
	TotalRequests int64
	TotalFailures int64
	TotalTokens   int64
	OutputTokens  int64
}

func (s *Server) getHourlyStats(startTime, endTime time.Time) (hourlyStatResult, error) {
	var result hourlyStatResult
	err := s.DB.Table("hourly_stats").
		Where("time >= ? AND time < ?", startTime, endTime).
		Select("COALESCE(SUM(success_count), 0) + COALESCE(SUM(failure_count), 0) as total_requests, " +
			"COALESCE(SUM(failure_count), 0) as total_failures, " +
			"COALESCE(SUM(prompt_tokens), 0) + COALESCE(SUM(output_tokens), 0) as total_tokens, " +
			"COALESCE(SUM(output_tokens), 0) as output_tokens").
		Scan(&result).Error
	return result, err
}

type rpmStatResult struct {
	CurrentRequests  int64
	PreviousRequests int64
}

func (s *Server) getRPMStats(now time.Time) (models.StatCard, error) {
	tenMinutesAgo := now.Add(-10 * time.Minute)
	twentyMinutesAgo := now.Add(-20 * time.Minute)

	var result rpmStatResult
	err := s.DB.Model(&models.RequestLog{}).
		Select("count(case when timestamp >= ? then 1 end) as current_requests, count(case when timestamp >= ? and timestamp < ? then 1 end) as previous_requests", tenMinutesAgo, twentyMinutesAgo, tenMinutesAgo).
		Where("timestamp >= ?", twentyMinutesAgo).
		Scan(&result).Error

	if err != nil {
		return models.StatCard{}, err
	}

	currentRPM := float64(result.CurrentRequests) / 10.0
	previousRPM := float64(result.PreviousRequests) / 10.0

	rpmTrend := 0.0
	rpmTrendIsGrowth := true
	if previousRPM > 0 {
		rpmTrend = (currentRPM - previousRPM) / previousRPM * 100
		rpmTrendIsGrowth = rpmTrend >= 0
	} else if currentRPM > 0 {
		rpmTrend = 100.0
	}

	return models.StatCard{
		Value:         currentRPM,
		Trend:         rpmTrend,
		TrendIsGrowth: rpmTrendIsGrowth,
	}, nil
}

// getSecurityWarnings checks the access and encryption keys and reports
// weaknesses for the dashboard banner.
func (s *Server) getSecurityWarnings() []models.SecurityWarning {
	var warnings []models.SecurityWarning

	authConfig := s.config.GetAuthConfig()
	encryptionKey := s.config.GetEncryptionKey()

	if authConfig.Key == "" {
		warnings = append(warnings, models.SecurityWarning{
			Type:       "AUTH_KEY",
			Message:    "No access key is configured; the API accepts unauthenticated requests.",
			Severity:   "high",
			Suggestion: "Set AUTH_KEY to a strong random value.",
		})
	} else {
		warnings = append(warnings, checkPasswordSecurity(authConfig.Key, "AUTH_KEY")...)
	}

	if encryptionKey == "" {
		warnings = append(warnings, models.SecurityWarning{
			Type:       "ENCRYPTION_KEY",
			Message:    "No encryption key is configured; cached upstream credentials are stored in plaintext.",
			Severity:   "high",
			Suggestion: "Set ENCRYPTION_KEY so the credential cache is encrypted at rest.",
		})
	} else {
		warnings = append(warnings, checkPasswordSecurity(encryptionKey, "ENCRYPTION_KEY")...)
	}

	return warnings
}

// checkPasswordSecurity flags short, common, or low-complexity key values.
func checkPasswordSecurity(password, keyType string) []models.SecurityWarning {
	var warnings []models.SecurityWarning

	if len(password) < 16 {
		warnings = append(warnings, models.SecurityWarning{
			Type:       keyType,
			Message:    fmt.Sprintf("%s is only %d characters long.", keyType, len(password)),
			Severity:   "high",
			Suggestion: "Use at least 16 characters; 32 or more is recommended.",
		})
	} else if len(password) < 32 {
		warnings = append(warnings, models.SecurityWarning{
			Type:       keyType,
			Message:    fmt.Sprintf("%s is shorter than 32 characters (%d).", keyType, len(password)),
			Severity:   "medium",
			Suggestion: "Use 32 or more characters for long-lived deployments.",
		})
	}

	lower := strings.ToLower(password)
	weakPatterns := []string{
		"password", "123456", "admin", "secret", "test", "demo",
		"key", "token", "pass", "pwd", "qwerty",
		"abc", "default", "user", "login", "auth", "temp",
	}
	for _, pattern := range weakPatterns {
		if strings.Contains(lower, pattern) {
			warnings = append(warnings, models.SecurityWarning{
				Type:       keyType,
				Message:    fmt.Sprintf("%s contains the common pattern %q.", keyType, pattern),
				Severity:   "high",
				Suggestion: "Avoid dictionary words and common substrings in keys.",
			})
			break
		}
	}

	if len(password) >= 16 && !hasGoodComplexity(password) {
		warnings = append(warnings, models.SecurityWarning{
			Type:       keyType,
			Message:    fmt.Sprintf("%s uses a narrow character set.", keyType),
			Severity:   "medium",
			Suggestion: "Mix upper and lower case letters, digits and symbols.",
		})
	}

	return warnings
}

// hasGoodComplexity requires at least three character classes.
func hasGoodComplexity(password string) bool {
	var hasUpper, hasLower, hasDigit, hasSpecial bool

	for _, char := range password {
		switch {
		case char >= 'A' && char <= 'Z':
			hasUpper = true
		case char >= 'a' && char <= 'z':
			hasLower = true
		case char >= '0' && char <= '9':
			hasDigit = true
		default:
			hasSpecial = true
		}
	}

	count := 0
	if hasUpper {
		count++
	}
	if hasLower {
		count++
	}
	if hasDigit {
		count++
	}
	if hasSpecial {
		count++
	}

	return count >= 3
}

// Encryption scenario types
const (
	ScenarioNone             = ""
	ScenarioDataNotEncrypted = "data_not_encrypted"
	ScenarioKeyNotConfigured = "key_not_configured"
	ScenarioKeyMismatch      = "key_mismatch"
)

// EncryptionStatus reports whether the ENCRYPTION_KEY configuration matches
// the state of the on-disk credential cache.
func (s *Server) EncryptionStatus(c *gin.Context) {
	hasMismatch, scenarioType, message, suggestion := s.checkEncryptionMismatch()

	response.Success(c, gin.H{
		"has_mismatch":  hasMismatch,
		"scenario_type": scenarioType,
		"message":       message,
		"suggestion":    suggestion,
	})
}

// checkEncryptionMismatch inspects the credential cache file. A plaintext
// cache is a JSON document; anything else is treated as ciphertext.
func (s *Server) checkEncryptionMismatch() (bool, string, string, string) {
	encryptionKey := s.config.GetEncryptionKey()
	cachePath := s.config.GetUpstreamConfig().CredentialFile
	if cachePath == "" {
		return false, ScenarioNone, "", ""
	}

	raw, err := os.ReadFile(cachePath)
	if err != nil {
		// No cache yet: nothing to mismatch against.
		return false, ScenarioNone, "", ""
	}
	content := strings.TrimSpace(string(raw))
	if content == "" {
		return false, ScenarioNone, "", ""
	}

	isPlaintext := gjson.Valid(content) && strings.HasPrefix(content, "{")

	if encryptionKey != "" && isPlaintext {
		return true,
			ScenarioDataNotEncrypted,
			"ENCRYPTION_KEY is configured but the credential cache is stored in plaintext.",
			"Delete the cache file so it is rewritten encrypted on the next refresh."
	}

	if encryptionKey == "" && !isPlaintext {
		return true,
			ScenarioKeyNotConfigured,
			"The credential cache is encrypted but no ENCRYPTION_KEY is configured.",
			"Configure the ENCRYPTION_KEY the cache was written with."
	}

	if encryptionKey != "" && !isPlaintext {
		if _, err := s.EncryptionSvc.Decrypt(content); err != nil {
			return true,
				ScenarioKeyMismatch,
				"ENCRYPTION_KEY does not decrypt the existing credential cache.",
				"Use the original key, or delete the cache and log in again."
		}
	}

	return false, ScenarioNone, "", ""
}
