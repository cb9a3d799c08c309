package handler

import (
	"testing"

	"kiro2chat/internal/config"
	"kiro2chat/internal/encryption"
	"kiro2chat/internal/models"
	"kiro2chat/internal/services"
	"kiro2chat/internal/store"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB creates an in-memory SQLite database for testing (pure Go, no CGO)
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&models.SystemSetting{},
		&models.RequestLog{},
		&models.HourlyStat{},
	)
	require.NoError(t, err)

	return db
}

// setupTestServer creates a test server with minimal dependencies
func setupTestServer(t *testing.T) *Server {
	t.Helper()

	return setupTestServerWithDB(t, setupTestDB(t))
}

// setupTestServerWithDB creates a test server around a provided database
func setupTestServerWithDB(t *testing.T, db *gorm.DB) *Server {
	t.Helper()

	mockConfig := &config.MockConfig{
		AuthKeyValue:       "test-auth-key-12345678",
		EncryptionKeyValue: "test-encryption-key-12345678",
	}

	settingsManager := config.NewSystemSettingsManager()
	encSvc, err := encryption.NewService("")
	require.NoError(t, err)

	memStore := store.NewMemoryStore()
	t.Cleanup(func() {
		_ = memStore.Close()
	})

	return &Server{
		DB:              db,
		config:          mockConfig,
		SettingsManager: settingsManager,
		EncryptionSvc:   encSvc,
		LogService:      services.NewLogService(db),
		Store:           memStore,
		CommonHandler:   NewCommonHandler(),
	}
}
