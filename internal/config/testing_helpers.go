package config

import (
	"kiro2chat/internal/types"
)

// MockConfig implements types.ConfigManager for testing
type MockConfig struct {
	AuthKeyValue       string
	EncryptionKeyValue string
	UpstreamValue      types.UpstreamConfig
	ModelValue         types.ModelConfig
}

// IsMaster returns whether this is a master instance
func (m *MockConfig) IsMaster() bool {
	return true
}

// GetAuthConfig returns mock auth configuration
func (m *MockConfig) GetAuthConfig() types.AuthConfig {
	return types.AuthConfig{
		Key: m.AuthKeyValue,
	}
}

// GetCORSConfig returns mock CORS configuration
func (m *MockConfig) GetCORSConfig() types.CORSConfig {
	return types.CORSConfig{
		Enabled:          false,
		AllowedOrigins:   []string{},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}
}

// GetPerformanceConfig returns mock performance configuration
func (m *MockConfig) GetPerformanceConfig() types.PerformanceConfig {
	return types.PerformanceConfig{
		MaxConcurrentRequests: 100,
	}
}

// GetLogConfig returns mock log configuration
func (m *MockConfig) GetLogConfig() types.LogConfig {
	return types.LogConfig{
		Level:      "info",
		Format:     "text",
		EnableFile: false,
		FilePath:   "./data/logs/app.log",
	}
}

// GetDatabaseConfig returns mock database configuration
func (m *MockConfig) GetDatabaseConfig() types.DatabaseConfig {
	return types.DatabaseConfig{
		DSN: ":memory:",
	}
}

// GetRedisDSN returns mock Redis DSN
func (m *MockConfig) GetRedisDSN() string {
	return ""
}

// GetEncryptionKey returns mock encryption key
func (m *MockConfig) GetEncryptionKey() string {
	return m.EncryptionKeyValue
}

// GetEffectiveServerConfig returns effective server configuration
func (m *MockConfig) GetEffectiveServerConfig() types.ServerConfig {
	return types.ServerConfig{
		Port:                    8000,
		Host:                    "0.0.0.0",
		IsMaster:                true,
		ReadTimeout:             60,
		WriteTimeout:            600,
		IdleTimeout:             120,
		GracefulShutdownTimeout: 10,
	}
}

// GetUpstreamConfig returns mock upstream configuration
func (m *MockConfig) GetUpstreamConfig() types.UpstreamConfig {
	return m.UpstreamValue
}

// GetModelConfig returns mock model configuration
func (m *MockConfig) GetModelConfig() types.ModelConfig {
	if m.ModelValue.DefaultBackendModel == "" {
		return types.ModelConfig{
			DefaultBackendModel: "claude-opus-4.6-1m",
			ContinuationRounds:  2,
			AssistantIdentity:   "claude",
		}
	}
	return m.ModelValue
}

// GetTelegramConfig returns mock telegram configuration
func (m *MockConfig) GetTelegramConfig() types.TelegramConfig {
	return types.TelegramConfig{}
}

// IsDebugMode returns mock debug mode
func (m *MockConfig) IsDebugMode() bool {
	return false
}

// Validate validates the configuration
func (m *MockConfig) Validate() error {
	return nil
}

// DisplayServerConfig displays server configuration (no-op for mock)
func (m *MockConfig) DisplayServerConfig() {
	// No-op for testing
}

// ReloadConfig reloads configuration (no-op for mock)
func (m *MockConfig) ReloadConfig() error {
	return nil
}
