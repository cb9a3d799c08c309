package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"kiro2chat/internal/config"
	"kiro2chat/internal/models"
	"kiro2chat/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSettings(t *testing.T) {
	server := setupTestServer(t)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/settings", nil)

	server.GetSettings(c)

	assert.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Code int                          `json:"code"`
		Data []models.CategorizedSettings `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, 0, response.Code)
	require.NotEmpty(t, response.Data)

	keys := make(map[string]bool)
	for _, category := range response.Data {
		assert.NotEmpty(t, category.CategoryName)
		assert.NotEmpty(t, category.Settings)
		for _, setting := range category.Settings {
			keys[setting.Key] = true
			assert.NotEmpty(t, setting.Name)
			assert.NotEmpty(t, setting.Type)
		}
	}
	assert.True(t, keys["app_url"])
	assert.True(t, keys["request_log_retention_days"])
}

func TestUpdateSettings(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		expectedStatus int
	}{
		{
			name:           "empty settings map is a no-op",
			body:           `{}`,
			expectedStatus: http.StatusOK,
		},
		{
			name:           "malformed JSON",
			body:           `{"app_url":`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "unknown setting key",
			body:           `{"no_such_setting": 1}`,
			expectedStatus: http.StatusInternalServerError,
		},
		{
			name:           "type mismatch",
			body:           `{"request_log_retention_days": "seven"}`,
			expectedStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := setupTestServer(t)

			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodPut, "/api/settings", bytes.NewBufferString(tt.body))
			c.Request.Header.Set("Content-Type", "application/json")

			server.UpdateSettings(c)

			assert.Equal(t, tt.expectedStatus, w.Code)
		})
	}
}

func TestUpdateSettingsPersists(t *testing.T) {
	db := setupTestDB(t)
	server := setupTestServerWithDB(t, db)

	memStore := store.NewMemoryStore()
	t.Cleanup(func() {
		_ = memStore.Close()
	})
	require.NoError(t, server.SettingsManager.Initialize(db, memStore, false))
	t.Cleanup(func() {
		server.SettingsManager.Stop(context.Background())
	})

	body := []byte(`{"request_log_retention_days": 30, "app_url": "https://gateway.example.com"}`)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPut, "/api/settings", bytes.NewBuffer(body))
	c.Request.Header.Set("Content-Type", "application/json")

	server.UpdateSettings(c)
	require.Equal(t, http.StatusOK, w.Code)

	var row models.SystemSetting
	require.NoError(t, db.Where("setting_key = ?", "request_log_retention_days").First(&row).Error)
	assert.Equal(t, "30", row.SettingValue)

	// The invalidation broadcast triggers the reload asynchronously
	require.Eventually(t, func() bool {
		settings := server.SettingsManager.GetSettings()
		return settings.RequestLogRetentionDays == 30 &&
			settings.AppUrl == "https://gateway.example.com"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUpdateSettingsWithoutDatabase(t *testing.T) {
	server := &Server{SettingsManager: config.NewSystemSettingsManager()}

	body := []byte(`{"request_log_retention_days": 30}`)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodPut, "/api/settings", bytes.NewBuffer(body))
	c.Request.Header.Set("Content-Type", "application/json")

	server.UpdateSettings(c)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "not initialized")
}
