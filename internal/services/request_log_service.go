package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"kiro2chat/internal/config"
	"kiro2chat/internal/models"
	"kiro2chat/internal/store"
	"kiro2chat/internal/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// hourlyStatKey is the composite key for hourly statistics aggregation.
type hourlyStatKey struct {
	Time    time.Time
	Surface string
}

// hourlyStatCounts accumulates one hour's worth of a surface's traffic.
type hourlyStatCounts struct {
	Success      int64
	Failure      int64
	PromptTokens int64
	OutputTokens int64
}

const (
	RequestLogCachePrefix    = "request_log:"
	PendingLogKeysSet        = "pending_log_keys"
	DefaultLogFlushBatchSize = 200

	// CounterRequestsKey and CounterTokensKey are store hashes holding
	// running totals since the store was last cleared.
	CounterRequestsKey = "stats:requests"
	CounterTokensKey   = "stats:tokens"
)

// RequestLogService buffers request logs in the store and flushes them to
// the database on an interval. Interval 0 switches to synchronous writes.
type RequestLogService struct {
	db              *gorm.DB
	store           store.Store
	settingsManager *config.SystemSettingsManager
	stopChan        chan struct{}
	wg              sync.WaitGroup
	ticker          *time.Ticker
}

// NewRequestLogService creates a new RequestLogService instance
func NewRequestLogService(db *gorm.DB, store store.Store, sm *config.SystemSettingsManager) *RequestLogService {
	return &RequestLogService{
		db:              db,
		store:           store,
		settingsManager: sm,
		stopChan:        make(chan struct{}),
	}
}

// Start initializes the service and starts the periodic flush routine
func (s *RequestLogService) Start() {
	s.wg.Add(1)
	go s.runLoop()
}

func (s *RequestLogService) runLoop() {
	defer s.wg.Done()

	// Pick up anything left over from the previous run
	s.flush()

	interval := time.Duration(s.settingsManager.GetSettings().RequestLogWriteIntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = time.Minute
	}
	s.ticker = time.NewTicker(interval)
	defer s.ticker.Stop()

	for {
		select {
		case <-s.ticker.C:
			newInterval := time.Duration(s.settingsManager.GetSettings().RequestLogWriteIntervalMinutes) * time.Minute
			if newInterval <= 0 {
				newInterval = time.Minute
			}
			if newInterval != interval {
				s.ticker.Reset(newInterval)
				interval = newInterval
				logrus.Debugf("Request log write interval updated to: %v", interval)
			}
			s.flush()
		case <-s.stopChan:
			return
		}
	}
}

// Stop gracefully stops the RequestLogService
func (s *RequestLogService) Stop(ctx context.Context) {
	close(s.stopChan)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.flush()
		logrus.Info("RequestLogService stopped gracefully.")
	case <-ctx.Done():
		logrus.Warn("RequestLogService stop timed out.")
	}
}

// Record assigns the log an ID and timestamp, bumps the running counters,
// and either writes it through or parks it in the store buffer.
func (s *RequestLogService) Record(log *models.RequestLog) error {
	log.ID = uuid.NewString()
	log.Timestamp = time.Now()

	s.bumpCounters(log)

	if s.settingsManager.GetSettings().RequestLogWriteIntervalMinutes == 0 {
		return s.writeLogsToDB([]*models.RequestLog{log})
	}

	cacheKey := RequestLogCachePrefix + log.ID

	logBytes, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("failed to marshal request log: %w", err)
	}

	// TTL is generous so logs survive a couple of missed flush cycles
	ttl := time.Duration(s.settingsManager.GetSettings().RequestLogWriteIntervalMinutes*5) * time.Minute
	if err := s.store.Set(cacheKey, logBytes, ttl); err != nil {
		return err
	}

	return s.store.SAdd(PendingLogKeysSet, cacheKey)
}

// RecordError records a failed request with minimal fields. Callers pass
// valid status codes and non-negative durations, so no input validation.
func (s *RequestLogService) RecordError(surface, sourceIP, requestPath, errorMsg string, statusCode int, duration int64) {
	logEntry := &models.RequestLog{
		Surface:      surface,
		IsSuccess:    false,
		SourceIP:     sourceIP,
		StatusCode:   statusCode,
		RequestPath:  requestPath,
		Duration:     duration,
		IsStream:     false,
		ErrorMessage: errorMsg,
	}

	if err := s.Record(logEntry); err != nil {
		logrus.Errorf("Failed to record error log: %v", err)
	}
}

// bumpCounters updates the store-resident running totals. Counter failures
// never fail the request.
func (s *RequestLogService) bumpCounters(log *models.RequestLog) {
	outcome := ":failure"
	if log.IsSuccess {
		outcome = ":success"
	}
	if _, err := s.store.HIncrBy(CounterRequestsKey, log.Surface+outcome, 1); err != nil {
		logrus.WithError(err).Debug("Failed to bump request counter")
	}
	if log.PromptTokens > 0 {
		if _, err := s.store.HIncrBy(CounterTokensKey, "prompt", int64(log.PromptTokens)); err != nil {
			logrus.WithError(err).Debug("Failed to bump prompt token counter")
		}
	}
	if log.OutputTokens > 0 {
		if _, err := s.store.HIncrBy(CounterTokensKey, "output", int64(log.OutputTokens)); err != nil {
			logrus.WithError(err).Debug("Failed to bump output token counter")
		}
	}
}

// flush data from cache to database
func (s *RequestLogService) flush() {
	if s.settingsManager.GetSettings().RequestLogWriteIntervalMinutes == 0 {
		logrus.Debug("Sync mode enabled, skipping scheduled log flush.")
		return
	}

	logrus.Debug("Flushing buffered request logs...")

	for {
		keys, err := s.store.SPopN(PendingLogKeysSet, DefaultLogFlushBatchSize)
		if err != nil {
			logrus.Errorf("Failed to pop pending log keys from store: %v", err)
			return
		}

		if len(keys) == 0 {
			return
		}

		logrus.Debugf("Popped %d request logs to flush.", len(keys))

		logs := make([]*models.RequestLog, 0, len(keys))
		processedKeys := make([]string, 0, len(keys))
		retryKeys := make([]string, 0, len(keys)/10)
		badKeys := make([]string, 0, len(keys)/50)
		for _, key := range keys {
			logBytes, err := s.store.Get(key)
			if err != nil {
				if err == store.ErrNotFound {
					logrus.Warnf("Log key %s found in set but not in store, skipping.", key)
				} else {
					logrus.Warnf("Failed to get log for key %s: %v", key, err)
					retryKeys = append(retryKeys, key)
				}
				continue
			}
			var log models.RequestLog
			if err := json.Unmarshal(logBytes, &log); err != nil {
				logrus.Warnf("Failed to unmarshal log for key %s: %v", key, err)
				badKeys = append(badKeys, key)
				continue
			}
			logs = append(logs, &log)
			processedKeys = append(processedKeys, key)
		}

		if len(logs) == 0 {
			s.dropBadKeys(badKeys)
			s.requeueKeys(retryKeys)
			continue
		}

		if err := s.writeLogsToDB(logs); err != nil {
			logrus.Errorf("Failed to flush request logs batch, will retry next time. Error: %v", err)
			s.requeueKeys(append(processedKeys, retryKeys...))
			s.dropBadKeys(badKeys)
			return
		}

		for _, chunk := range utils.ChunkSlice(processedKeys, 100) {
			if err := s.store.Del(chunk...); err != nil {
				logrus.Errorf("Failed to delete flushed log bodies from store: %v", err)
			}
		}
		s.dropBadKeys(badKeys)
		s.requeueKeys(retryKeys)
		logrus.Infof("Successfully flushed %d request logs.", len(logs))
	}
}

func (s *RequestLogService) dropBadKeys(badKeys []string) {
	if len(badKeys) == 0 {
		return
	}
	if err := s.store.Del(badKeys...); err != nil {
		logrus.WithError(err).Error("Failed to delete corrupted log bodies from store")
	}
}

func (s *RequestLogService) requeueKeys(keys []string) {
	if len(keys) == 0 {
		return
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	if err := s.store.SAdd(PendingLogKeysSet, args...); err != nil {
		logrus.Errorf("CRITICAL: Failed to re-add unflushed log keys to set: %v", err)
	}
}

// writeLogsToDB writes a batch of request logs and folds them into the
// hourly statistics inside one transaction.
func (s *RequestLogService) writeLogsToDB(logs []*models.RequestLog) error {
	if len(logs) == 0 {
		return nil
	}

	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.CreateInBatches(logs, len(logs)).Error; err != nil {
			return fmt.Errorf("failed to batch insert request logs: %w", err)
		}

		hourlyStats := make(map[hourlyStatKey]hourlyStatCounts, len(logs)/10)
		for _, log := range logs {
			hourlyTime := log.Timestamp.Truncate(time.Hour)
			key := hourlyStatKey{Time: hourlyTime, Surface: log.Surface}

			counts := hourlyStats[key]
			if log.IsSuccess {
				counts.Success++
			} else {
				counts.Failure++
			}
			counts.PromptTokens += int64(log.PromptTokens)
			counts.OutputTokens += int64(log.OutputTokens)
			hourlyStats[key] = counts
		}

		if len(hourlyStats) > 0 {
			if err := s.batchUpsertHourlyStats(tx, hourlyStats); err != nil {
				return err
			}
		}

		return nil
	})
}

// batchUpsertHourlyStats performs batch upsert for hourly statistics using
// the dialect's native conflict clause.
func (s *RequestLogService) batchUpsertHourlyStats(tx *gorm.DB, hourlyStats map[hourlyStatKey]hourlyStatCounts) error {
	if len(hourlyStats) == 0 {
		return nil
	}

	now := time.Now()
	stats := make([]models.HourlyStat, 0, len(hourlyStats))
	for key, counts := range hourlyStats {
		stats = append(stats, models.HourlyStat{
			Time:         key.Time,
			Surface:      key.Surface,
			SuccessCount: counts.Success,
			FailureCount: counts.Failure,
			PromptTokens: counts.PromptTokens,
			OutputTokens: counts.OutputTokens,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}

	switch tx.Dialector.Name() {
	case "postgres", "pgx":
		return s.batchUpsertHourlyStatsPostgres(tx, stats)
	case "mysql":
		return s.batchUpsertHourlyStatsMySQL(tx, stats)
	default: // sqlite, sqlite3
		return s.batchUpsertHourlyStatsSQLite(tx, stats)
	}
}

// batchUpsertHourlyStatsPostgres uses ON CONFLICT DO UPDATE with EXCLUDED
// references, batched under the parameter limit.
func (s *RequestLogService) batchUpsertHourlyStatsPostgres(tx *gorm.DB, stats []models.HourlyStat) error {
	const batchSize = 500

	return utils.ProcessInChunks(stats, batchSize, func(batch []models.HourlyStat) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "time"}, {Name: "surface"}},
			DoUpdates: clause.Assignments(map[string]any{
				"success_count": gorm.Expr("hourly_stats.success_count + EXCLUDED.success_count"),
				"failure_count": gorm.Expr("hourly_stats.failure_count + EXCLUDED.failure_count"),
				"prompt_tokens": gorm.Expr("hourly_stats.prompt_tokens + EXCLUDED.prompt_tokens"),
				"output_tokens": gorm.Expr("hourly_stats.output_tokens + EXCLUDED.output_tokens"),
				"updated_at":    gorm.Expr("EXCLUDED.updated_at"),
			}),
		}).CreateInBatches(batch, len(batch)).Error; err != nil {
			return fmt.Errorf("failed to batch upsert hourly stats (postgres): %w", err)
		}
		return nil
	})
}

// batchUpsertHourlyStatsMySQL uses ON DUPLICATE KEY UPDATE. VALUES() is
// deprecated in MySQL 8.0.20+ but still works and GORM's OnConflict clause
// has no alias-syntax support yet.
func (s *RequestLogService) batchUpsertHourlyStatsMySQL(tx *gorm.DB, stats []models.HourlyStat) error {
	const batchSize = 500

	return utils.ProcessInChunks(stats, batchSize, func(batch []models.HourlyStat) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "time"}, {Name: "surface"}},
			DoUpdates: clause.Assignments(map[string]any{
				"success_count": gorm.Expr("success_count + VALUES(success_count)"),
				"failure_count": gorm.Expr("failure_count + VALUES(failure_count)"),
				"prompt_tokens": gorm.Expr("prompt_tokens + VALUES(prompt_tokens)"),
				"output_tokens": gorm.Expr("output_tokens + VALUES(output_tokens)"),
				"updated_at":    gorm.Expr("VALUES(updated_at)"),
			}),
		}).CreateInBatches(batch, len(batch)).Error; err != nil {
			return fmt.Errorf("failed to batch upsert hourly stats (mysql): %w", err)
		}
		return nil
	})
}

// batchUpsertHourlyStatsSQLite uses small batches; the single-writer model
// prefers short transactions.
func (s *RequestLogService) batchUpsertHourlyStatsSQLite(tx *gorm.DB, stats []models.HourlyStat) error {
	// SQLite has a low bound variable limit, so batches stay small.
	const batchSize = 50

	return utils.ProcessInChunks(stats, batchSize, func(batch []models.HourlyStat) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "time"}, {Name: "surface"}},
			DoUpdates: clause.Assignments(map[string]any{
				"success_count": gorm.Expr("hourly_stats.success_count + excluded.success_count"),
				"failure_count": gorm.Expr("hourly_stats.failure_count + excluded.failure_count"),
				"prompt_tokens": gorm.Expr("hourly_stats.prompt_tokens + excluded.prompt_tokens"),
				"output_tokens": gorm.Expr("hourly_stats.output_tokens + excluded.output_tokens"),
				"updated_at":    gorm.Expr("excluded.updated_at"),
			}),
		}).Create(&batch).Error; err != nil {
			return fmt.Errorf("failed to batch upsert hourly stats (sqlite): %w", err)
		}
		return nil
	})
}
