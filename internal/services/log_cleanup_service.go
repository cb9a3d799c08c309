package services

import (
	"context"
	"sync"
	"time"

	"kiro2chat/internal/config"
	"kiro2chat/internal/models"
	"kiro2chat/internal/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// LogCleanupService deletes request logs past the retention window.
type LogCleanupService struct {
	db              *gorm.DB
	settingsManager *config.SystemSettingsManager
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// NewLogCleanupService creates a new log cleanup service.
func NewLogCleanupService(db *gorm.DB, settingsManager *config.SystemSettingsManager) *LogCleanupService {
	return &LogCleanupService{
		db:              db,
		settingsManager: settingsManager,
		stopCh:          make(chan struct{}),
	}
}

// Start starts the log cleanup service.
func (s *LogCleanupService) Start() {
	s.wg.Add(1)
	go s.run()
	logrus.Debug("Log cleanup service started")
}

// Stop stops the log cleanup service gracefully.
func (s *LogCleanupService) Stop(ctx context.Context) {
	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logrus.Info("LogCleanupService stopped gracefully.")
	case <-ctx.Done():
		logrus.Warn("LogCleanupService stop timed out.")
	}
}

func (s *LogCleanupService) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(2 * time.Hour)
	defer ticker.Stop()

	// Run once at startup so a long-stopped instance catches up immediately
	s.cleanupExpiredLogs()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpiredLogs()
		case <-s.stopCh:
			return
		}
	}
}

// cleanupExpiredLogs deletes expired rows in fixed-size batches against the
// timestamp index. Short transactions keep the table usable for concurrent
// writers while cleanup runs.
func (s *LogCleanupService) cleanupExpiredLogs() {
	retentionDays := s.settingsManager.GetSettings().RequestLogRetentionDays
	if retentionDays <= 0 {
		logrus.Debug("Log retention is disabled (retention_days <= 0)")
		return
	}

	cutoffTime := time.Now().AddDate(0, 0, -retentionDays).UTC()

	const batchSize = 2000
	totalDeleted := int64(0)
	dialect := s.db.Dialector.Name()

	for {
		batchCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		result := s.deleteBatch(batchCtx, dialect, cutoffTime, batchSize)
		cancel()

		if result.Error != nil {
			if utils.IsTransientDBError(result.Error) {
				logrus.WithError(result.Error).Warn("Cleanup of expired request logs hit a transient DB error, will retry next cycle")
				return
			}
			logrus.WithError(result.Error).Error("Failed to cleanup expired request logs")
			return
		}

		totalDeleted += result.RowsAffected

		if result.RowsAffected < int64(batchSize) {
			break
		}

		// Brief pause between batches to let other writers in
		time.Sleep(50 * time.Millisecond)
	}

	if totalDeleted > 0 {
		logrus.WithFields(logrus.Fields{
			"deleted_count":  totalDeleted,
			"cutoff_time":    cutoffTime.Format(time.RFC3339),
			"retention_days": retentionDays,
		}).Info("Successfully cleaned up expired request logs")
	} else {
		logrus.Debug("No expired request logs found to cleanup")
	}
}

// deleteBatch issues one bounded DELETE using whatever LIMIT mechanism the
// dialect offers.
func (s *LogCleanupService) deleteBatch(ctx context.Context, dialect string, cutoffTime time.Time, batchSize int) *gorm.DB {
	switch dialect {
	case "postgres":
		// PostgreSQL has no DELETE ... LIMIT; select the batch in a CTE.
		return s.db.WithContext(ctx).Exec(`
			WITH c AS (
				SELECT id
				FROM request_logs
				WHERE timestamp < ?
				ORDER BY timestamp
				LIMIT ?
			)
			DELETE FROM request_logs
			WHERE id IN (SELECT id FROM c)
		`, cutoffTime, batchSize)
	case "mysql":
		return s.db.WithContext(ctx).Exec(
			"DELETE FROM request_logs WHERE timestamp < ? ORDER BY timestamp LIMIT ?",
			cutoffTime,
			batchSize,
		)
	case "sqlite":
		return s.db.WithContext(ctx).Exec(
			"DELETE FROM request_logs WHERE rowid IN (SELECT rowid FROM request_logs WHERE timestamp < ? LIMIT ?)",
			cutoffTime,
			batchSize,
		)
	default:
		logrus.Warnf("Log cleanup using fallback deletion for unsupported dialect: %s", dialect)
		return s.db.WithContext(ctx).Where("timestamp < ?", cutoffTime).Limit(batchSize).Delete(&models.RequestLog{})
	}
}
