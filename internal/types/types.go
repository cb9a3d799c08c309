package types

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	IsMaster() bool
	GetAuthConfig() AuthConfig
	GetCORSConfig() CORSConfig
	GetPerformanceConfig() PerformanceConfig
	GetLogConfig() LogConfig
	GetDatabaseConfig() DatabaseConfig
	GetRedisDSN() string
	GetEncryptionKey() string
	GetEffectiveServerConfig() ServerConfig
	GetUpstreamConfig() UpstreamConfig
	GetModelConfig() ModelConfig
	GetTelegramConfig() TelegramConfig
	IsDebugMode() bool
	Validate() error
	DisplayServerConfig()
	ReloadConfig() error
}

// SystemSettings are the hot-reloadable settings stored in the database and
// editable from the dashboard. The struct tags carry the default value,
// display metadata, and validation rules for each setting.
type SystemSettings struct {
	AppUrl                         string `json:"app_url" default:"http://localhost:8000" name:"App URL" category:"Basic" desc:"Base URL of this service, used for links shown in the dashboard." validate:"required"`
	RequestLogRetentionDays        int    `json:"request_log_retention_days" default:"7" name:"Log Retention Days" category:"Basic" desc:"Days request logs are kept before cleanup. 0 disables cleanup." validate:"required,min=0"`
	RequestLogWriteIntervalMinutes int    `json:"request_log_write_interval_minutes" default:"1" name:"Log Write Interval" category:"Basic" desc:"Minutes between request-log flushes to the database. 0 writes synchronously." validate:"required,min=0"`
	EnableRequestBodyLogging       bool   `json:"enable_request_body_logging" default:"false" name:"Request Body Logging" category:"Basic" desc:"Store request and response bodies alongside request logs."`
	RequestTimeout                 int    `json:"request_timeout" default:"600" name:"Request Timeout" category:"Request" desc:"Upper bound in seconds for a non-streaming exchange with the backend." validate:"required,min=1"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Port                    int    `json:"port"`
	Host                    string `json:"host"`
	IsMaster                bool   `json:"is_master"`
	ReadTimeout             int    `json:"read_timeout"`
	WriteTimeout            int    `json:"write_timeout"`
	IdleTimeout             int    `json:"idle_timeout"`
	GracefulShutdownTimeout int    `json:"graceful_shutdown_timeout"`
}

// AuthConfig represents authentication configuration.
// An empty Key disables authentication on the API surface.
type AuthConfig struct {
	Key string `json:"key"`
}

// CORSConfig represents CORS configuration
type CORSConfig struct {
	Enabled          bool     `json:"enabled"`
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
}

// PerformanceConfig represents performance configuration
type PerformanceConfig struct {
	MaxConcurrentRequests int `json:"max_concurrent_requests"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level      string `json:"level"`
	Format     string `json:"format"`
	EnableFile bool   `json:"enable_file"`
	FilePath   string `json:"file_path"`
}

// DatabaseConfig represents the request-log database configuration
type DatabaseConfig struct {
	DSN string `json:"dsn"`
}

// UpstreamConfig holds everything needed to reach the CodeWhisperer backend
// and the IdC token endpoint.
type UpstreamConfig struct {
	// Endpoint is the generateAssistantResponse URL.
	Endpoint string `json:"endpoint"`
	// RefreshEndpoint is the IdC OIDC token refresh URL.
	RefreshEndpoint string `json:"refresh_endpoint"`
	// ProfileArn overrides the profile ARN read from the credential store.
	ProfileArn string `json:"profile_arn"`
	// CredentialDB is the path to the companion CLI's SQLite credential store.
	CredentialDB string `json:"credential_db"`
	// CredentialFile is an optional JSON credential file for headless
	// deployments without the CLI database.
	CredentialFile string `json:"credential_file"`
	// BypassMethod selects the upstream HTTP client: "none" for the standard
	// transport, "stealth" for TLS fingerprint spoofing.
	BypassMethod string `json:"bypass_method"`
	ProxyURL     string `json:"proxy_url"`
	// ConnectTimeout and ReadTimeout are in seconds. ReadTimeout must be
	// generous: the backend streams for up to two hours on long outputs.
	ConnectTimeout int `json:"connect_timeout"`
	ReadTimeout    int `json:"read_timeout"`
	MaxRetries     int `json:"max_retries"`
}

// ModelConfig controls how inbound model names resolve to backend model IDs.
type ModelConfig struct {
	// ModelMap maps client-facing aliases to backend model IDs. When empty,
	// every request is pinned to DefaultBackendModel regardless of the
	// requested alias. When set, unknown aliases are rejected.
	ModelMap map[string]string `json:"model_map"`
	// DefaultBackendModel is the pinned backend model ID used when ModelMap
	// is empty.
	DefaultBackendModel string `json:"default_backend_model"`
	// ContinuationRounds bounds the automatic continuation loop used when the
	// backend truncates a response near its context limit.
	ContinuationRounds int `json:"continuation_rounds"`
	// AssistantIdentity selects response identity handling: "claude" rewrites
	// backend identity mentions, "kiro" leaves them as-is.
	AssistantIdentity string `json:"assistant_identity"`
}

// TelegramConfig configures the optional Telegram front-end.
type TelegramConfig struct {
	// BotToken enables the bot when non-empty.
	BotToken string `json:"-"`
	// Debug enables verbose bot API logging.
	Debug bool `json:"debug"`
}

// RetryError carries details of a failed upstream attempt for logging.
type RetryError struct {
	StatusCode   int    `json:"status_code"`
	ErrorMessage string `json:"error_message"`
	Attempt      int    `json:"attempt"`
	UpstreamAddr string `json:"-"`
}
