// Package config provides configuration management for the application
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"kiro2chat/internal/types"
	"kiro2chat/internal/utils"

	"github.com/sirupsen/logrus"
)

// Constants holds the validation bounds and fallback values shared across
// the configuration.
type Constants struct {
	MinPort               int
	MaxPort               int
	MinTimeout            int
	DefaultTimeout        int
	DefaultMaxSockets     int
	DefaultMaxFreeSockets int
}

// DefaultConstants provides the default configuration constants.
var DefaultConstants = Constants{
	MinPort:               1,
	MaxPort:               65535,
	MinTimeout:            1,
	DefaultTimeout:        30,
	DefaultMaxSockets:     50,
	DefaultMaxFreeSockets: 10,
}

const minGracefulShutdownTimeout = 10

// Config aggregates the static configuration parsed from the environment.
// Values that change at runtime live in SystemSettingsManager instead.
type Config struct {
	Server        types.ServerConfig
	Auth          types.AuthConfig
	CORS          types.CORSConfig
	Performance   types.PerformanceConfig
	Log           types.LogConfig
	Database      types.DatabaseConfig
	Upstream      types.UpstreamConfig
	Model         types.ModelConfig
	Telegram      types.TelegramConfig
	RedisDSN      string
	EncryptionKey string
	Debug         bool
}

// Manager implements types.ConfigManager backed by environment variables.
type Manager struct {
	settingsManager *SystemSettingsManager
	mu              sync.RWMutex
	config          *Config
}

// NewManager creates a configuration manager and performs the initial load.
func NewManager(settingsManager *SystemSettingsManager) (*Manager, error) {
	manager := &Manager{settingsManager: settingsManager}
	if err := manager.ReloadConfig(); err != nil {
		return nil, err
	}
	return manager, nil
}

// ReloadConfig re-reads the environment, validates the result, and swaps the
// active configuration. On validation failure the previous configuration, if
// any, stays in effect.
func (m *Manager) ReloadConfig() error {
	config := parseConfig()

	if errs := validateConfig(config); len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	if config.Server.GracefulShutdownTimeout < minGracefulShutdownTimeout {
		logrus.Warnf("SERVER_GRACEFUL_SHUTDOWN_TIMEOUT %d is below the minimum, using %d seconds",
			config.Server.GracefulShutdownTimeout, minGracefulShutdownTimeout)
		config.Server.GracefulShutdownTimeout = minGracefulShutdownTimeout
	}
	if config.Model.ContinuationRounds < 0 {
		logrus.Warn("CONTINUATION_ROUNDS cannot be negative, continuation disabled")
		config.Model.ContinuationRounds = 0
	}
	if config.Auth.Key == "" {
		logrus.Warn("AUTH_KEY is not set, API authentication is disabled")
	} else if len(config.Auth.Key) < 16 {
		logrus.Warn("AUTH_KEY is shorter than 16 characters, consider using a stronger key")
	}
	if config.CORS.Enabled && containsWildcard(config.CORS.AllowedOrigins) {
		logrus.Warn("CORS is enabled with a wildcard origin, any site may call this API")
	}

	m.mu.Lock()
	m.config = config
	m.mu.Unlock()
	return nil
}

// parseConfig reads every supported environment variable, applying defaults.
func parseConfig() *Config {
	dataDir := utils.GetEnvOrDefault("KIRO2CHAT_DATA_DIR", "./data")

	// AUTH_KEY is the native name; API_KEY is accepted for compatibility with
	// deployments migrated from the Python gateway.
	authKey := os.Getenv("AUTH_KEY")
	if authKey == "" {
		authKey = os.Getenv("API_KEY")
	}

	return &Config{
		Server: types.ServerConfig{
			Port:                    utils.ParseInteger(os.Getenv("PORT"), 8000),
			Host:                    utils.GetEnvOrDefault("HOST", "0.0.0.0"),
			IsMaster:                !utils.ParseBoolean(os.Getenv("IS_SLAVE"), false),
			ReadTimeout:             utils.ParseInteger(os.Getenv("SERVER_READ_TIMEOUT"), 60),
			WriteTimeout:            utils.ParseInteger(os.Getenv("SERVER_WRITE_TIMEOUT"), 600),
			IdleTimeout:             utils.ParseInteger(os.Getenv("SERVER_IDLE_TIMEOUT"), 120),
			GracefulShutdownTimeout: utils.ParseInteger(os.Getenv("SERVER_GRACEFUL_SHUTDOWN_TIMEOUT"), minGracefulShutdownTimeout),
		},
		Auth: types.AuthConfig{
			Key: authKey,
		},
		CORS: types.CORSConfig{
			Enabled:          utils.ParseBoolean(os.Getenv("ENABLE_CORS"), false),
			AllowedOrigins:   parseStringSlice(os.Getenv("ALLOWED_ORIGINS"), nil),
			AllowedMethods:   parseStringSlice(os.Getenv("ALLOWED_METHODS"), []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders:   parseStringSlice(os.Getenv("ALLOWED_HEADERS"), []string{"*"}),
			AllowCredentials: utils.ParseBoolean(os.Getenv("ALLOW_CREDENTIALS"), false),
		},
		Performance: types.PerformanceConfig{
			MaxConcurrentRequests: utils.ParseInteger(os.Getenv("MAX_CONCURRENT_REQUESTS"), 100),
		},
		Log: types.LogConfig{
			Level:      utils.GetEnvOrDefault("LOG_LEVEL", "info"),
			Format:     utils.GetEnvOrDefault("LOG_FORMAT", "text"),
			EnableFile: utils.ParseBoolean(os.Getenv("LOG_ENABLE_FILE"), false),
			FilePath:   utils.GetEnvOrDefault("LOG_FILE_PATH", "./data/logs/app.log"),
		},
		Database: types.DatabaseConfig{
			DSN: utils.GetEnvOrDefault("DATABASE_DSN", "./data/kiro2chat.db"),
		},
		Upstream: types.UpstreamConfig{
			Endpoint:        utils.GetEnvOrDefault("KIRO_API_ENDPOINT", "https://codewhisperer.us-east-1.amazonaws.com/generateAssistantResponse"),
			RefreshEndpoint: utils.GetEnvOrDefault("IDC_REFRESH_URL", "https://oidc.us-east-1.amazonaws.com/token"),
			ProfileArn:      os.Getenv("PROFILE_ARN"),
			CredentialDB:    expandHomePath(utils.GetEnvOrDefault("KIRO_DB_PATH", "~/.local/share/kiro-cli/data.sqlite3")),
			CredentialFile:  expandHomePath(utils.GetEnvOrDefault("KIRO_CREDENTIAL_FILE", filepath.Join(dataDir, "credentials.json"))),
			BypassMethod:    utils.GetEnvOrDefault("BYPASS_METHOD", "none"),
			ProxyURL:        os.Getenv("PROXY_URL"),
			ConnectTimeout:  utils.ParseInteger(os.Getenv("UPSTREAM_CONNECT_TIMEOUT"), 30),
			ReadTimeout:     utils.ParseInteger(os.Getenv("UPSTREAM_READ_TIMEOUT"), 7200),
			MaxRetries:      utils.ParseInteger(os.Getenv("UPSTREAM_MAX_RETRIES"), 3),
		},
		Model: types.ModelConfig{
			ModelMap:            parseModelMap(os.Getenv("MODEL_MAP")),
			DefaultBackendModel: utils.GetEnvOrDefault("DEFAULT_BACKEND_MODEL", "claude-opus-4.6-1m"),
			ContinuationRounds:  utils.ParseInteger(os.Getenv("CONTINUATION_ROUNDS"), 2),
			AssistantIdentity:   utils.GetEnvOrDefault("ASSISTANT_IDENTITY", "claude"),
		},
		Telegram: types.TelegramConfig{
			BotToken: os.Getenv("TG_BOT_TOKEN"),
			Debug:    utils.ParseBoolean(os.Getenv("TG_BOT_DEBUG"), false),
		},
		RedisDSN:      os.Getenv("REDIS_DSN"),
		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),
		Debug:         utils.ParseBoolean(os.Getenv("DEBUG_MODE"), false),
	}
}

// validateConfig collects every validation failure so the operator sees all
// problems in one pass.
func validateConfig(config *Config) []string {
	var errs []string

	if config.Server.Port < DefaultConstants.MinPort || config.Server.Port > DefaultConstants.MaxPort {
		errs = append(errs, fmt.Sprintf("port must be between %d and %d, got %d",
			DefaultConstants.MinPort, DefaultConstants.MaxPort, config.Server.Port))
	}
	if config.Performance.MaxConcurrentRequests < 1 {
		errs = append(errs, "max concurrent requests cannot be less than 1")
	}
	if config.CORS.Enabled && len(config.CORS.AllowedOrigins) == 0 {
		errs = append(errs, "ALLOWED_ORIGINS must be set when CORS is enabled")
	}
	switch config.Upstream.BypassMethod {
	case "none", "stealth":
	default:
		errs = append(errs, fmt.Sprintf("BYPASS_METHOD must be %q or %q, got %q", "none", "stealth", config.Upstream.BypassMethod))
	}
	if raw := os.Getenv("MODEL_MAP"); raw != "" {
		for _, entry := range strings.Split(raw, ",") {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			alias, backend, found := strings.Cut(entry, "=")
			if !found || strings.TrimSpace(alias) == "" || strings.TrimSpace(backend) == "" {
				errs = append(errs, fmt.Sprintf("invalid MODEL_MAP entry %q, expected alias=backend", entry))
			}
		}
	}

	return errs
}

// parseStringSlice splits a comma-separated value, trimming whitespace and
// dropping empty elements. Returns def when the value is empty.
func parseStringSlice(value string, def []string) []string {
	if value == "" {
		return def
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return def
	}
	return result
}

// parseModelMap parses "alias=backend,alias2=backend2" into a map. Malformed
// entries are skipped here; validateConfig reports them.
func parseModelMap(value string) map[string]string {
	if value == "" {
		return nil
	}
	modelMap := make(map[string]string)
	for _, entry := range strings.Split(value, ",") {
		alias, backend, found := strings.Cut(strings.TrimSpace(entry), "=")
		if !found {
			continue
		}
		alias = strings.TrimSpace(alias)
		backend = strings.TrimSpace(backend)
		if alias == "" || backend == "" {
			continue
		}
		modelMap[alias] = backend
	}
	if len(modelMap) == 0 {
		return nil
	}
	return modelMap
}

// expandHomePath resolves a leading "~" against the current user's home
// directory. Paths without the prefix pass through unchanged.
func expandHomePath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}

func containsWildcard(origins []string) bool {
	for _, origin := range origins {
		if origin == "*" {
			return true
		}
	}
	return false
}

// current returns the active configuration snapshot.
func (m *Manager) current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.config == nil {
		return &Config{}
	}
	return m.config
}

// IsMaster returns whether this instance runs as the master node.
func (m *Manager) IsMaster() bool {
	return m.current().Server.IsMaster
}

// GetAuthConfig returns the authentication configuration.
func (m *Manager) GetAuthConfig() types.AuthConfig {
	return m.current().Auth
}

// GetCORSConfig returns the CORS configuration.
func (m *Manager) GetCORSConfig() types.CORSConfig {
	return m.current().CORS
}

// GetPerformanceConfig returns the performance configuration.
func (m *Manager) GetPerformanceConfig() types.PerformanceConfig {
	return m.current().Performance
}

// GetLogConfig returns the logging configuration.
func (m *Manager) GetLogConfig() types.LogConfig {
	return m.current().Log
}

// GetDatabaseConfig returns the database configuration.
func (m *Manager) GetDatabaseConfig() types.DatabaseConfig {
	return m.current().Database
}

// GetRedisDSN returns the Redis connection string, empty when unset.
func (m *Manager) GetRedisDSN() string {
	return m.current().RedisDSN
}

// GetEncryptionKey returns the key protecting credentials at rest.
func (m *Manager) GetEncryptionKey() string {
	return m.current().EncryptionKey
}

// GetEffectiveServerConfig returns the server configuration.
func (m *Manager) GetEffectiveServerConfig() types.ServerConfig {
	return m.current().Server
}

// GetUpstreamConfig returns the backend connection configuration.
func (m *Manager) GetUpstreamConfig() types.UpstreamConfig {
	return m.current().Upstream
}

// GetModelConfig returns the model resolution configuration.
func (m *Manager) GetModelConfig() types.ModelConfig {
	return m.current().Model
}

// GetTelegramConfig returns the Telegram bot configuration.
func (m *Manager) GetTelegramConfig() types.TelegramConfig {
	return m.current().Telegram
}

// IsDebugMode reports whether debug diagnostics are enabled.
func (m *Manager) IsDebugMode() bool {
	return m.current().Debug
}

// Validate re-checks the active configuration.
func (m *Manager) Validate() error {
	if errs := validateConfig(m.current()); len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// DisplayServerConfig logs a startup summary of the active configuration.
func (m *Manager) DisplayServerConfig() {
	config := m.current()

	authState := "enabled"
	if config.Auth.Key == "" {
		authState = "disabled"
	}
	storage := "memory"
	if config.RedisDSN != "" {
		storage = "redis"
	}
	encryption := "disabled"
	if config.EncryptionKey != "" {
		encryption = "enabled"
	}

	logrus.Info("================= Server Configuration =================")
	logrus.Infof("  Listen Address: %s:%d", config.Server.Host, config.Server.Port)
	logrus.Infof("  Role: %s", map[bool]string{true: "master", false: "slave"}[config.Server.IsMaster])
	logrus.Infof("  Authentication: %s", authState)
	logrus.Infof("  Credential Encryption: %s", encryption)
	logrus.Infof("  Database: %s", config.Database.DSN)
	logrus.Infof("  Cache Storage: %s", storage)
	logrus.Infof("  Max Concurrent Requests: %d", config.Performance.MaxConcurrentRequests)
	logrus.Infof("  Log Level: %s (format: %s)", config.Log.Level, config.Log.Format)
	if config.Log.EnableFile {
		logrus.Infof("  Log File: %s", config.Log.FilePath)
	}
	if config.CORS.Enabled {
		logrus.Infof("  CORS Origins: %s", strings.Join(config.CORS.AllowedOrigins, ", "))
	}
	logrus.Infof("  Upstream Endpoint: %s", config.Upstream.Endpoint)
	if config.Upstream.ProxyURL != "" {
		logrus.Infof("  Upstream Proxy: %s", utils.SanitizeProxyString(config.Upstream.ProxyURL))
	}
	if config.Upstream.BypassMethod != "none" {
		logrus.Infof("  Upstream Bypass: %s", config.Upstream.BypassMethod)
	}
	if len(config.Model.ModelMap) > 0 {
		logrus.Infof("  Model Aliases: %d configured", len(config.Model.ModelMap))
	} else {
		logrus.Infof("  Backend Model: %s (pinned)", config.Model.DefaultBackendModel)
	}
	if config.Telegram.BotToken != "" {
		logrus.Info("  Telegram Bot: enabled")
	}
	logrus.Info("========================================================")
}
