// Package container assembles the dependency injection container.
package container

import (
	"kiro2chat/internal/app"
	"kiro2chat/internal/bot"
	"kiro2chat/internal/config"
	"kiro2chat/internal/db"
	"kiro2chat/internal/encryption"
	"kiro2chat/internal/handler"
	"kiro2chat/internal/httpclient"
	"kiro2chat/internal/kiro"
	"kiro2chat/internal/proxy"
	"kiro2chat/internal/router"
	"kiro2chat/internal/services"
	"kiro2chat/internal/store"
	"kiro2chat/internal/types"

	"go.uber.org/dig"
)

// BuildContainer registers every service constructor the gateway needs.
// Providers are lazy: a service is only built once something in the object
// graph asks for it, so resolving just the config manager never touches the
// database or the Telegram API.
func BuildContainer() (*dig.Container, error) {
	container := dig.New()

	providers := []any{
		// Configuration
		config.NewSystemSettingsManager,
		newConfigManager,
		newEncryptionService,

		// Infrastructure
		db.NewDB,
		store.NewStore,
		httpclient.NewHTTPClientManager,

		// Upstream protocol
		kiro.NewTokenManager,
		kiro.NewClient,

		// Request logging
		services.NewRequestLogService,
		services.NewLogCleanupService,
		services.NewLogService,

		// HTTP surfaces
		proxy.NewProxyServer,
		handler.NewServer,
		router.NewRouter,

		// Front-ends and lifecycle
		bot.NewBot,
		app.NewApp,
	}

	for _, provider := range providers {
		if err := container.Provide(provider); err != nil {
			return nil, err
		}
	}

	return container, nil
}

// newConfigManager exposes the static configuration by its interface so
// consumers never depend on the concrete manager type.
func newConfigManager(settingsManager *config.SystemSettingsManager) (types.ConfigManager, error) {
	return config.NewManager(settingsManager)
}

// newEncryptionService derives the at-rest encryption service from the
// configured key; an empty key yields a pass-through implementation.
func newEncryptionService(configManager types.ConfigManager) (encryption.Service, error) {
	return encryption.NewService(configManager.GetEncryptionKey())
}
