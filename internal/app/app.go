// Package app provides the main application logic and lifecycle management.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"kiro2chat/internal/bot"
	"kiro2chat/internal/config"
	"kiro2chat/internal/db"
	"kiro2chat/internal/httpclient"
	"kiro2chat/internal/kiro"
	"kiro2chat/internal/models"
	"kiro2chat/internal/services"
	"kiro2chat/internal/store"
	"kiro2chat/internal/types"
	"kiro2chat/internal/version"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.uber.org/dig"
	"gorm.io/gorm"
)

// App holds all services and manages the application lifecycle.
type App struct {
	engine            *gin.Engine
	configManager     types.ConfigManager
	settingsManager   *config.SystemSettingsManager
	logCleanupService *services.LogCleanupService
	requestLogService *services.RequestLogService
	tokenManager      *kiro.TokenManager
	telegramBot       *bot.Bot
	httpClientManager *httpclient.HTTPClientManager
	storage           store.Store
	db                *gorm.DB
	httpServer        *http.Server
}

// AppParams defines the dependencies for the App.
type AppParams struct {
	dig.In
	Engine            *gin.Engine
	ConfigManager     types.ConfigManager
	SettingsManager   *config.SystemSettingsManager
	LogCleanupService *services.LogCleanupService
	RequestLogService *services.RequestLogService
	TokenManager      *kiro.TokenManager
	TelegramBot       *bot.Bot
	HTTPClientManager *httpclient.HTTPClientManager
	Storage           store.Store
	DB                *gorm.DB
}

// NewApp is the constructor for App, with dependencies injected by dig.
func NewApp(params AppParams) *App {
	return &App{
		engine:            params.Engine,
		configManager:     params.ConfigManager,
		settingsManager:   params.SettingsManager,
		logCleanupService: params.LogCleanupService,
		requestLogService: params.RequestLogService,
		tokenManager:      params.TokenManager,
		telegramBot:       params.TelegramBot,
		httpClientManager: params.HTTPClientManager,
		storage:           params.Storage,
		db:                params.DB,
	}
}

// Start runs the application, it is a non-blocking call.
func (a *App) Start() error {
	if a.configManager.IsMaster() {
		logrus.Info("Starting as Master Node.")

		if err := a.db.AutoMigrate(
			&models.SystemSetting{},
			&models.RequestLog{},
			&models.HourlyStat{},
		); err != nil {
			return fmt.Errorf("database auto-migration failed: %w", err)
		}
		logrus.Info("Database auto-migration completed.")

		if err := a.settingsManager.EnsureSettingsInitialized(a.db); err != nil {
			return fmt.Errorf("failed to initialize system settings: %w", err)
		}
		logrus.Info("System settings initialized in DB.")
	} else {
		logrus.Info("Starting as Slave Node.")
	}

	if err := a.settingsManager.Initialize(a.db, a.storage, a.configManager.IsMaster()); err != nil {
		return fmt.Errorf("failed to initialize settings manager: %w", err)
	}

	// Warm up upstream credentials so the first request doesn't pay the
	// refresh cost. A missing credential store is not fatal at startup:
	// /health reports degraded until credentials appear.
	preloadCtx, cancelPreload := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelPreload()
	if _, err := a.tokenManager.GetAccessToken(preloadCtx); err != nil {
		logrus.WithError(err).Warn("Upstream credentials not ready; serving degraded until they are")
	}

	// Background services only run on the master node.
	if a.configManager.IsMaster() {
		a.requestLogService.Start()
		a.logCleanupService.Start()
	}

	if a.telegramBot.Enabled() {
		if err := a.telegramBot.Start(); err != nil {
			logrus.WithError(err).Warn("Telegram bot failed to start; continuing without it")
		}
	}

	a.configManager.DisplayServerConfig()

	serverConfig := a.configManager.GetEffectiveServerConfig()
	a.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", serverConfig.Host, serverConfig.Port),
		Handler:        a.engine,
		ReadTimeout:    time.Duration(serverConfig.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(serverConfig.WriteTimeout) * time.Second,
		IdleTimeout:    time.Duration(serverConfig.IdleTimeout) * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		logrus.Infof("kiro2chat gateway started successfully on Version: %s", version.Version)
		logrus.Infof("Server address: http://%s:%d", serverConfig.Host, serverConfig.Port)
		logrus.Info("")
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Server startup failed: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the application.
func (a *App) Stop(ctx context.Context) {
	logrus.Info("Shutting down server...")

	serverConfig := a.configManager.GetEffectiveServerConfig()
	totalTimeout := time.Duration(serverConfig.GracefulShutdownTimeout) * time.Second

	// Reserve 5 seconds of the shutdown budget for background services.
	httpShutdownTimeout := totalTimeout - 5*time.Second
	httpShutdownCtx, cancelHTTPShutdown := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancelHTTPShutdown()

	logrus.Debugf("Attempting to gracefully shut down HTTP server (max %v)...", httpShutdownTimeout)
	httpShutdownStart := time.Now()
	if err := a.httpServer.Shutdown(httpShutdownCtx); err != nil {
		logrus.Debug("HTTP server graceful shutdown timed out, forcing remaining connections to close.")
		if closeErr := a.httpServer.Close(); closeErr != nil {
			logrus.Errorf("Error forcing HTTP server to close: %v", closeErr)
		}
	}
	logrus.Infof("HTTP server has been shut down. (took %v)", time.Since(httpShutdownStart))

	stoppableServices := []func(context.Context){
		a.settingsManager.Stop,
	}
	if a.telegramBot.Enabled() {
		stoppableServices = append(stoppableServices, a.telegramBot.Stop)
	}
	if serverConfig.IsMaster {
		stoppableServices = append(stoppableServices,
			a.logCleanupService.Stop,
			a.requestLogService.Stop,
		)
	}

	var wg sync.WaitGroup
	wg.Add(len(stoppableServices))
	for _, stopFunc := range stoppableServices {
		go func(stop func(context.Context)) {
			defer wg.Done()
			stop(ctx)
		}(stopFunc)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	bgServicesStart := time.Now()
	select {
	case <-done:
		logrus.Infof("All background services stopped. (took %v)", time.Since(bgServicesStart))
	case <-ctx.Done():
		logrus.Warnf("Shutdown timed out after %v, some services may not have stopped gracefully.", time.Since(bgServicesStart))
	}

	// Free pooled upstream connections.
	if a.httpClientManager != nil {
		a.httpClientManager.CloseIdleConnections()
	}

	// Close storage and database connections in parallel for faster shutdown.
	var dbWg sync.WaitGroup
	dbCloseStart := time.Now()

	if a.storage != nil {
		dbWg.Add(1)
		go func() {
			defer dbWg.Done()
			a.storage.Close()
		}()
	}

	// The dedicated SQLite read pool is a separate connection; close it
	// alongside the main pool. In WAL mode closure order does not matter.
	if db.ReadDB != nil && db.ReadDB != a.db {
		dbWg.Add(1)
		go func() {
			defer dbWg.Done()
			// The read pool never writes, so it needs no WAL checkpoint.
			closeDBConnectionWithOptions(db.ReadDB, "Read database", false)
		}()
	}

	if a.db != nil {
		dbWg.Add(1)
		go func() {
			defer dbWg.Done()
			closeDBConnection(a.db, "Main database")
		}()
	}

	dbWg.Wait()
	logrus.Debugf("All database connections closed. (took %v)", time.Since(dbCloseStart))
	logrus.Info("Server exited gracefully")
}

// closeDBConnection gracefully closes a GORM database connection.
func closeDBConnection(gormDB *gorm.DB, name string) {
	closeDBConnectionWithOptions(gormDB, name, true)
}

// closeDBConnectionWithOptions closes a database connection. doCheckpoint
// marks connections that own the WAL; checkpointing is skipped on shutdown
// either way because SQLite replays the WAL on the next open, and a
// checkpoint after heavy writes can hold up exit for tens of seconds.
func closeDBConnectionWithOptions(gormDB *gorm.DB, name string, doCheckpoint bool) {
	if gormDB == nil {
		return
	}

	totalStart := time.Now()

	// Release prepared statements first so their connections return to the pool.
	if stmtManager, ok := gormDB.ConnPool.(*gorm.PreparedStmtDB); ok {
		stmtManager.Close()
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		logrus.Errorf("Error getting sql.DB for %s: %v", name, err)
		return
	}

	dialect := gormDB.Dialector.Name()
	if dialect == "sqlite" && doCheckpoint {
		logrus.Debugf("[%s] Skipping WAL checkpoint on shutdown (replayed on next startup)", name)
	}

	// Force idle connections out of the pool so Close has less to wait on.
	sqlDB.SetMaxIdleConns(0)
	sqlDB.SetConnMaxIdleTime(0)
	sqlDB.SetConnMaxLifetime(0)

	// Close with a timeout: a stuck connection must not block process exit.
	closeStart := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- sqlDB.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			logrus.Errorf("[%s] Error closing connection: %v (took %v)", name, err, time.Since(closeStart))
		} else {
			logrus.Debugf("[%s] Connection closed successfully. (took %v)", name, time.Since(totalStart))
		}
	case <-time.After(1 * time.Second):
		logrus.Warnf("[%s] Connection close timed out after 1s, proceeding anyway", name)
	}
}
