package db

import (
	"context"
	"fmt"
	"kiro2chat/internal/types"
	"kiro2chat/internal/utils"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// ReadDB is a dedicated read pool. Only SQLite gets a separate one; MySQL and
// PostgreSQL handle concurrent readers natively, so there ReadDB aliases DB.
var ReadDB *gorm.DB

// NewDB opens the database described by DATABASE_DSN and configures the
// connection pool for the detected dialect. SQLite is the default when the
// DSN looks like a filesystem path.
func NewDB(configManager types.ConfigManager) (*gorm.DB, error) {
	dbConfig := configManager.GetDatabaseConfig()
	dsn := dbConfig.DSN
	if dsn == "" {
		return nil, fmt.Errorf("DATABASE_DSN is not configured")
	}

	var newLogger logger.Interface
	if configManager.GetLogConfig().Level == "debug" {
		// Route GORM output through logrus so SQL lands in the same sinks
		newLogger = logger.New(
			log.New(logrus.StandardLogger().Out, "\r\n", log.LstdFlags),
			logger.Config{
				SlowThreshold:             time.Second,
				LogLevel:                  logger.Info,
				IgnoreRecordNotFoundError: true,
				Colorful:                  true,
			},
		)
	}

	isPostgres := strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		(strings.Contains(dsn, "host=") && strings.Contains(dsn, "dbname="))
	isMySQL := strings.Contains(dsn, "@tcp(") || strings.Contains(dsn, "@unix(")

	var dialector gorm.Dialector
	if isPostgres {
		dialector = postgres.New(postgres.Config{
			DSN:                  dsn,
			PreferSimpleProtocol: true,
		})
	} else if isMySQL {
		if !strings.Contains(dsn, "parseTime") {
			if strings.Contains(dsn, "?") {
				dsn += "&parseTime=true"
			} else {
				dsn += "?parseTime=true"
			}
		}
		dialector = mysql.Open(dsn)
	} else {
		// file: URIs carry their own path semantics; only mkdir for plain paths
		if !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		// WAL + synchronous=NORMAL is the sweet spot for a single-writer
		// request-log workload. Cache and temp-store sizes stay tunable via env.
		cacheSize := utils.GetEnvOrDefault("SQLITE_CACHE_SIZE", "10000")
		tempStore := utils.GetEnvOrDefault("SQLITE_TEMP_STORE", "MEMORY")
		params := fmt.Sprintf("_pragma=foreign_keys(1)&_busy_timeout=10000&_journal_mode=WAL&_synchronous=NORMAL&cache=shared&_cache_size=%s&_temp_store=%s", cacheSize, tempStore)
		delimiter := "?"
		if strings.Contains(dsn, "?") {
			delimiter = "&"
		}
		dialector = sqlite.Open(dsn + delimiter + params)
	}

	var err error
	DB, err = gorm.Open(dialector, &gorm.Config{
		Logger:      newLogger,
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	if isPostgres || isMySQL {
		sqlDB.SetMaxIdleConns(50)
		sqlDB.SetMaxOpenConns(500)
		sqlDB.SetConnMaxLifetime(time.Hour)

		if isMySQL {
			sqlDB.SetConnMaxIdleTime(time.Minute * 10)
			if err := DB.Exec("SET SESSION sql_mode='TRADITIONAL'").Error; err != nil {
				return nil, fmt.Errorf("failed to set sql_mode: %w", err)
			}
			if err := DB.Exec("SET SESSION innodb_lock_wait_timeout=50").Error; err != nil {
				return nil, fmt.Errorf("failed to set innodb_lock_wait_timeout: %w", err)
			}
		}
		ReadDB = DB
	} else {
		// A single writer connection sidesteps SQLITE_BUSY entirely
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetConnMaxLifetime(time.Hour)

		// The remaining PRAGMAs can't ride on the DSN; apply them on a raw
		// connection so GORM's slow-query log stays quiet during startup.
		rawDB, err := sqlDB.Conn(context.Background())
		if err != nil {
			log.Printf("failed to acquire connection for SQLite PRAGMAs: %v", err)
		} else {
			mmapSize := utils.GetEnvOrDefault("SQLITE_MMAP_SIZE", "30000000000")
			pageSize := utils.GetEnvOrDefault("SQLITE_PAGE_SIZE", "4096")
			journalSizeLimit := utils.GetEnvOrDefault("SQLITE_JOURNAL_SIZE_LIMIT", "67108864")
			walAutocheckpoint := utils.GetEnvOrDefault("SQLITE_WAL_AUTOCHECKPOINT", "1000")

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if _, err := rawDB.ExecContext(ctx, fmt.Sprintf("PRAGMA mmap_size = %s", mmapSize)); err != nil {
				log.Printf("failed to apply PRAGMA mmap_size: %v", err)
			}
			if _, err := rawDB.ExecContext(ctx, fmt.Sprintf("PRAGMA page_size = %s", pageSize)); err != nil {
				log.Printf("failed to apply PRAGMA page_size: %v", err)
			}
			if _, err := rawDB.ExecContext(ctx, fmt.Sprintf("PRAGMA journal_size_limit = %s", journalSizeLimit)); err != nil {
				log.Printf("failed to apply PRAGMA journal_size_limit: %v", err)
			}
			if _, err := rawDB.ExecContext(ctx, fmt.Sprintf("PRAGMA wal_autocheckpoint = %s", walAutocheckpoint)); err != nil {
				log.Printf("failed to apply PRAGMA wal_autocheckpoint: %v", err)
			}
			rawDB.Close()
		}

		// WAL lets readers run beside the writer, but only on separate
		// connections, hence the dedicated read pool.
		ReadDB, err = createSQLiteReadDB(dsn, newLogger)
		if err != nil {
			logrus.WithError(err).Warn("Failed to create SQLite read connection pool, using main DB for reads")
			ReadDB = DB
		}
	}

	return DB, nil
}

// createSQLiteReadDB opens a read pool against the same SQLite file. It drops
// cache=shared (lock contention) and uses a short busy_timeout so reads fail
// fast instead of queueing behind the writer.
func createSQLiteReadDB(dsn string, newLogger logger.Interface) (*gorm.DB, error) {
	cacheSize := utils.GetEnvOrDefault("SQLITE_CACHE_SIZE", "10000")
	tempStore := utils.GetEnvOrDefault("SQLITE_TEMP_STORE", "MEMORY")
	params := fmt.Sprintf("_pragma=foreign_keys(1)&_busy_timeout=1000&_journal_mode=WAL&_synchronous=NORMAL&_cache_size=%s&_temp_store=%s", cacheSize, tempStore)
	delimiter := "?"
	if strings.Contains(dsn, "?") {
		delimiter = "&"
	}
	dialector := sqlite.Open(dsn + delimiter + params)

	// PrepareStmt off: cached statements hold connections open and slow Close()
	readDB, err := gorm.Open(dialector, &gorm.Config{
		Logger:      newLogger,
		PrepareStmt: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite read connection: %w", err)
	}

	sqlDB, err := readDB.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB for read connection: %w", err)
	}

	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)
	sqlDB.SetConnMaxIdleTime(1 * time.Minute)

	logrus.Info("SQLite read-only connection pool created for concurrent reads")
	return readDB, nil
}
