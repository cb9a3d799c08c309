package config

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"kiro2chat/internal/models"
	"kiro2chat/internal/store"
	"kiro2chat/internal/syncer"
	"kiro2chat/internal/types"
	"kiro2chat/internal/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettingsUpdateChannel is the pub/sub channel used to broadcast settings
// changes to every instance.
const SettingsUpdateChannel = "system_settings:updated"

// settingMeta describes one SystemSettings field, derived from struct tags.
type settingMeta struct {
	Key          string
	Name         string
	Description  string
	Category     string
	Kind         reflect.Kind
	FieldIndex   int
	DefaultValue any
	MinValue     *int
	Required     bool
}

var settingsMetadata = buildSettingsMetadata()

func buildSettingsMetadata() map[string]settingMeta {
	metas := make(map[string]settingMeta)
	t := reflect.TypeOf(types.SystemSettings{})
	defaults := reflect.ValueOf(utils.DefaultSystemSettings())

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := strings.Split(field.Tag.Get("json"), ",")[0]
		if key == "" || key == "-" {
			continue
		}

		meta := settingMeta{
			Key:          key,
			Name:         field.Tag.Get("name"),
			Description:  field.Tag.Get("desc"),
			Category:     field.Tag.Get("category"),
			Kind:         field.Type.Kind(),
			FieldIndex:   i,
			DefaultValue: defaults.Field(i).Interface(),
		}
		for _, rule := range strings.Split(field.Tag.Get("validate"), ",") {
			rule = strings.TrimSpace(rule)
			if rule == "required" {
				meta.Required = true
			} else if v, ok := strings.CutPrefix(rule, "min="); ok {
				if n, err := strconv.Atoi(v); err == nil {
					minValue := n
					meta.MinValue = &minValue
				}
			}
		}
		metas[key] = meta
	}
	return metas
}

// SystemSettingsManager serves the hot-reloadable settings stored in the
// system_settings table. Until Initialize runs it serves the compiled-in
// defaults, which keeps command-line tools and tests working without a
// database.
type SystemSettingsManager struct {
	db     *gorm.DB
	syncer *syncer.CacheSyncer[types.SystemSettings]
}

// NewSystemSettingsManager creates an uninitialized settings manager.
func NewSystemSettingsManager() *SystemSettingsManager {
	return &SystemSettingsManager{}
}

// EnsureSettingsInitialized seeds missing setting rows with their defaults.
// Only the master instance calls this; existing rows are left untouched.
func (sm *SystemSettingsManager) EnsureSettingsInitialized(db *gorm.DB) error {
	defaults := reflect.ValueOf(utils.DefaultSystemSettings())

	for key, meta := range settingsMetadata {
		raw, err := json.Marshal(defaults.Field(meta.FieldIndex).Interface())
		if err != nil {
			return fmt.Errorf("failed to encode default for setting %s: %w", key, err)
		}

		var row models.SystemSetting
		err = db.Where(models.SystemSetting{SettingKey: key}).
			Attrs(models.SystemSetting{SettingValue: string(raw), Description: meta.Description}).
			FirstOrCreate(&row).Error
		if err != nil {
			return fmt.Errorf("failed to seed setting %s: %w", key, err)
		}
	}
	return nil
}

// Initialize wires the database and store, performs the first load, and
// starts listening for invalidation broadcasts.
func (sm *SystemSettingsManager) Initialize(db *gorm.DB, st store.Store, isMaster bool) error {
	sm.db = db

	logger := logrus.WithField("component", "system_settings")
	cacheSyncer, err := syncer.NewCacheSyncer(sm.loadFromDatabase, st, SettingsUpdateChannel, logger, nil)
	if err != nil {
		return fmt.Errorf("failed to initialize system settings: %w", err)
	}
	sm.syncer = cacheSyncer

	if isMaster {
		sm.DisplaySystemConfig(cacheSyncer.Get())
	}
	return nil
}

// Stop shuts down the invalidation listener.
func (sm *SystemSettingsManager) Stop(ctx context.Context) {
	if sm.syncer != nil {
		sm.syncer.Stop()
	}
}

// loadFromDatabase builds the settings from defaults overlaid with the
// persisted rows. A malformed row keeps its default and logs a warning
// instead of failing the load.
func (sm *SystemSettingsManager) loadFromDatabase() (types.SystemSettings, error) {
	settings := utils.DefaultSystemSettings()

	var rows []models.SystemSetting
	if err := sm.db.Find(&rows).Error; err != nil {
		return settings, fmt.Errorf("failed to load system settings: %w", err)
	}

	target := reflect.ValueOf(&settings).Elem()
	for _, row := range rows {
		meta, known := settingsMetadata[row.SettingKey]
		if !known {
			// Rows left behind by older versions.
			continue
		}

		raw := []byte(row.SettingValue)
		if !json.Valid(raw) {
			// Legacy rows stored strings unquoted.
			raw, _ = json.Marshal(row.SettingValue)
		}
		field := target.Field(meta.FieldIndex)
		if err := json.Unmarshal(raw, field.Addr().Interface()); err != nil {
			logrus.WithField("setting", row.SettingKey).Warn("ignoring malformed system setting value")
		}
	}
	return settings, nil
}

// GetSettings returns the active settings, or the defaults when the manager
// has not been initialized.
func (sm *SystemSettingsManager) GetSettings() types.SystemSettings {
	if sm.syncer == nil {
		return utils.DefaultSystemSettings()
	}
	return sm.syncer.Get()
}

// GetAppUrl returns the externally visible base URL without a trailing
// slash, falling back to the listen address when the setting is empty.
func (sm *SystemSettingsManager) GetAppUrl() string {
	if sm.syncer != nil {
		if appUrl := strings.TrimRight(sm.syncer.Get().AppUrl, "/"); appUrl != "" {
			return appUrl
		}
	}

	host := utils.GetEnvOrDefault("HOST", "0.0.0.0")
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	port := utils.GetEnvOrDefault("PORT", "8000")
	return fmt.Sprintf("http://%s:%s", host, port)
}

// ValidateSettings checks a settings update payload against the metadata.
// Numbers arrive as float64 from JSON decoding; nil values are skipped.
func (sm *SystemSettingsManager) ValidateSettings(settingsMap map[string]any) error {
	for key, value := range settingsMap {
		meta, ok := settingsMetadata[key]
		if !ok {
			return fmt.Errorf("invalid setting key: %s", key)
		}
		if value == nil {
			continue
		}

		switch meta.Kind {
		case reflect.Int:
			num, ok := toFloat(value)
			if !ok {
				return fmt.Errorf("invalid value for %s: expected a number", key)
			}
			if num != math.Trunc(num) {
				return fmt.Errorf("invalid value for %s: must be an integer", key)
			}
			if meta.MinValue != nil && int(num) < *meta.MinValue {
				return fmt.Errorf("value for %s is below minimum value %d", key, *meta.MinValue)
			}
		case reflect.Bool:
			if _, ok := value.(bool); !ok {
				return fmt.Errorf("invalid value for %s: expected a boolean", key)
			}
		case reflect.String:
			str, ok := value.(string)
			if !ok {
				return fmt.Errorf("invalid value for %s: expected a string", key)
			}
			if meta.Required && strings.TrimSpace(str) == "" {
				return fmt.Errorf("value for %s is required", key)
			}
		}
	}
	return nil
}

// UpdateSettings validates and persists a settings update, then broadcasts
// an invalidation so every instance reloads.
func (sm *SystemSettingsManager) UpdateSettings(settingsMap map[string]any) error {
	if err := sm.ValidateSettings(settingsMap); err != nil {
		return err
	}
	if sm.db == nil {
		return fmt.Errorf("system settings manager is not initialized")
	}

	err := sm.db.Transaction(func(tx *gorm.DB) error {
		for key, value := range settingsMap {
			if value == nil {
				continue
			}
			raw, err := json.Marshal(value)
			if err != nil {
				return fmt.Errorf("failed to encode setting %s: %w", key, err)
			}
			setting := models.SystemSetting{
				SettingKey:   key,
				SettingValue: string(raw),
				Description:  settingsMetadata[key].Description,
			}
			err = tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "setting_key"}},
				DoUpdates: clause.AssignmentColumns([]string{"setting_value", "updated_at"}),
			}).Create(&setting).Error
			if err != nil {
				return fmt.Errorf("failed to persist setting %s: %w", key, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if sm.syncer != nil {
		if err := sm.syncer.Invalidate(); err != nil {
			logrus.WithError(err).Error("failed to broadcast settings invalidation, reloading locally")
			return sm.syncer.Reload()
		}
	}
	return nil
}

// GetSettingsInfo returns the active settings with their metadata, grouped
// by category in struct declaration order.
func (sm *SystemSettingsManager) GetSettingsInfo() []models.CategorizedSettings {
	settings := sm.GetSettings()
	v := reflect.ValueOf(settings)
	t := v.Type()

	var categoryOrder []string
	byCategory := make(map[string][]models.SystemSettingInfo)

	for i := 0; i < t.NumField(); i++ {
		key := strings.Split(t.Field(i).Tag.Get("json"), ",")[0]
		meta, ok := settingsMetadata[key]
		if !ok {
			continue
		}

		if _, seen := byCategory[meta.Category]; !seen {
			categoryOrder = append(categoryOrder, meta.Category)
		}
		byCategory[meta.Category] = append(byCategory[meta.Category], models.SystemSettingInfo{
			Key:          key,
			Name:         meta.Name,
			Value:        v.Field(i).Interface(),
			Type:         kindName(meta.Kind),
			DefaultValue: meta.DefaultValue,
			Description:  meta.Description,
			Category:     meta.Category,
			MinValue:     meta.MinValue,
			Required:     meta.Required,
		})
	}

	categorized := make([]models.CategorizedSettings, 0, len(categoryOrder))
	for _, category := range categoryOrder {
		categorized = append(categorized, models.CategorizedSettings{
			CategoryName: category,
			Settings:     byCategory[category],
		})
	}
	return categorized
}

// DisplaySystemConfig logs a summary of the active system settings.
func (sm *SystemSettingsManager) DisplaySystemConfig(settings types.SystemSettings) {
	logrus.Info("================== System Settings =====================")
	logrus.Infof("  App URL: %s", settings.AppUrl)
	logrus.Infof("  Request Timeout: %ds", settings.RequestTimeout)
	logrus.Infof("  Log Retention: %d days, flushed every %dm",
		settings.RequestLogRetentionDays, settings.RequestLogWriteIntervalMinutes)
	logrus.Infof("  Request Body Logging: %t", settings.EnableRequestBodyLogging)
	logrus.Info("========================================================")
}

func kindName(kind reflect.Kind) string {
	switch kind {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "int"
	case reflect.Bool:
		return "bool"
	default:
		return "string"
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
