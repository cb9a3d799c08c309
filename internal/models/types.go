package models

import (
	"time"

	"gorm.io/datatypes"
)

// Request surface constants. A surface is the client-facing API family a
// request arrived on.
const (
	SurfaceOpenAI    = "openai"
	SurfaceAnthropic = "anthropic"
	SurfaceTelegram  = "telegram"
)

// SystemSetting corresponds to the system_settings table.
type SystemSetting struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	SettingKey   string    `gorm:"type:varchar(255);not null;unique" json:"setting_key"`
	SettingValue string    `gorm:"type:text;not null" json:"setting_value"`
	Description  string    `gorm:"type:varchar(512)" json:"description"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RequestLog corresponds to the request_logs table. One row is written per
// completed exchange, streaming or not, after the response finishes.
type RequestLog struct {
	ID           string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Timestamp    time.Time `gorm:"not null;index:idx_request_logs_timestamp;index:idx_request_logs_success_timestamp" json:"timestamp"`
	Surface      string    `gorm:"type:varchar(20);not null;index" json:"surface"`
	Model        string    `gorm:"type:varchar(255);index" json:"model"`
	BackendModel string    `gorm:"type:varchar(255)" json:"backend_model"`
	IsSuccess    bool      `gorm:"not null;index:idx_request_logs_success_timestamp" json:"is_success"`
	IsStream     bool      `gorm:"not null" json:"is_stream"`
	StatusCode   int       `gorm:"not null" json:"status_code"`
	RequestPath  string    `gorm:"type:varchar(500)" json:"request_path"`
	Duration     int64     `gorm:"not null" json:"duration_ms"`
	// PromptTokens and OutputTokens are estimates; the backend reports no
	// usage, so both come from the local token estimator.
	PromptTokens  int    `gorm:"not null;default:0" json:"prompt_tokens"`
	OutputTokens  int    `gorm:"not null;default:0" json:"output_tokens"`
	Continuations int    `gorm:"not null;default:0" json:"continuations"`
	FinishReason  string `gorm:"type:varchar(50)" json:"finish_reason"`
	// ToolCalls is the JSON array of tool names the model invoked, shown in
	// the dashboard log browser.
	ToolCalls datatypes.JSON `gorm:"type:json" json:"tool_calls,omitempty"`
	ErrorMessage  string `gorm:"type:text" json:"error_message"`
	SourceIP      string `gorm:"type:varchar(64)" json:"source_ip"`
	UserAgent     string `gorm:"type:varchar(512)" json:"user_agent"`
	// RequestBody and ResponseBody are only stored when body logging is
	// enabled in the system settings.
	RequestBody  string `gorm:"type:text" json:"request_body"`
	ResponseBody string `gorm:"type:text" json:"response_body"`
}

// StatCard represents a single statistics card data for the dashboard.
type StatCard struct {
	Value         float64 `json:"value"`
	SubValue      int64   `json:"sub_value,omitempty"`
	SubValueTip   string  `json:"sub_value_tip,omitempty"`
	Trend         float64 `json:"trend"`
	TrendIsGrowth bool    `json:"trend_is_growth"`
}

// SecurityWarning represents security warning information.
type SecurityWarning struct {
	Type       string `json:"type"`       // Warning type: auth_key, encryption_key, etc.
	Message    string `json:"message"`    // Warning message
	Severity   string `json:"severity"`   // Severity level: low, medium, high
	Suggestion string `json:"suggestion"` // Suggested solution
}

// DashboardStatsResponse represents the API response for dashboard basic statistics.
type DashboardStatsResponse struct {
	RequestCount     StatCard          `json:"request_count"`
	RPM              StatCard          `json:"rpm"`
	ErrorRate        StatCard          `json:"error_rate"`
	TokenCount       StatCard          `json:"token_count"`
	SecurityWarnings []SecurityWarning `json:"security_warnings"`
}

// ChartDataset represents a dataset for charts.
type ChartDataset struct {
	Label string  `json:"label"`
	Data  []int64 `json:"data"`
	Color string  `json:"color"`
}

// ChartData represents the API response for charts.
type ChartData struct {
	Labels   []string       `json:"labels"`
	Datasets []ChartDataset `json:"datasets"`
}

// HourlyStat corresponds to the hourly_stats table, storing aggregated
// request counts and token totals per surface and hour.
type HourlyStat struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Time         time.Time `gorm:"not null;index:idx_hourly_stats_time;uniqueIndex:idx_hourly_surface_time" json:"time"`
	Surface      string    `gorm:"type:varchar(20);not null;uniqueIndex:idx_hourly_surface_time" json:"surface"`
	SuccessCount int64     `gorm:"not null;default:0" json:"success_count"`
	FailureCount int64     `gorm:"not null;default:0" json:"failure_count"`
	PromptTokens int64     `gorm:"not null;default:0" json:"prompt_tokens"`
	OutputTokens int64     `gorm:"not null;default:0" json:"output_tokens"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
