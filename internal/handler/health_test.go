package handler

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// newPingMockServer builds a Server around a sqlmock connection that records
// pings. gorm.Open issues the first ping itself, so one expectation is queued
// here; the caller queues the one the Health handler will issue.
func newPingMockServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = mockDB.Close()
	})

	mock.ExpectPing()

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      mockDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	return &Server{DB: gormDB}, mock
}

func performHealthCheck(server *Server, startTime *time.Time) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	if startTime != nil {
		c.Set("serverStartTime", *startTime)
	}

	server.Health(c)
	return w
}

func TestHealth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		pingErr          error
		expectedStatus   int
		expectedState    string
		expectedDatabase string
	}{
		{
			name:             "database reachable",
			pingErr:          nil,
			expectedStatus:   http.StatusOK,
			expectedState:    "healthy",
			expectedDatabase: "ok",
		},
		{
			name:             "database ping fails",
			pingErr:          sql.ErrConnDone,
			expectedStatus:   http.StatusServiceUnavailable,
			expectedState:    "unhealthy",
			expectedDatabase: "unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, mock := newPingMockServer(t)
			if tt.pingErr != nil {
				mock.ExpectPing().WillReturnError(tt.pingErr)
			} else {
				mock.ExpectPing()
			}

			start := time.Now().Add(-5 * time.Minute)
			w := performHealthCheck(server, &start)

			assert.Equal(t, tt.expectedStatus, w.Code)

			var response map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
			assert.Equal(t, tt.expectedState, response["status"])
			assert.Equal(t, tt.expectedDatabase, response["database"])
			assert.Contains(t, response, "timestamp")
			assert.Contains(t, response, "uptime")

			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

// Without a database the gateway can still serve requests from the live
// credential cache, so the check stays healthy.
func TestHealthWithoutDatabase(t *testing.T) {
	t.Parallel()

	start := time.Now().Add(-5 * time.Minute)
	w := performHealthCheck(&Server{DB: nil}, &start)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "healthy", response["status"])
	assert.Equal(t, "ok", response["database"])
}

func TestHealthUptime(t *testing.T) {
	t.Parallel()

	t.Run("reports elapsed time", func(t *testing.T) {
		server, mock := newPingMockServer(t)
		mock.ExpectPing()

		start := time.Now().Add(-90 * time.Minute)
		w := performHealthCheck(server, &start)

		assert.Equal(t, http.StatusOK, w.Code)

		var response map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))

		uptime, ok := response["uptime"].(string)
		require.True(t, ok)
		assert.Contains(t, uptime, "h")

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown without start time", func(t *testing.T) {
		server, mock := newPingMockServer(t)
		mock.ExpectPing()

		w := performHealthCheck(server, nil)

		assert.Equal(t, http.StatusOK, w.Code)

		var response map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "unknown", response["uptime"])

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
