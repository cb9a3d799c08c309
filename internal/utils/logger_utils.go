package utils

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sync"

	"kiro2chat/internal/types"

	"github.com/sirupsen/logrus"
)

// loggerFile holds the open log file so CloseLogger can release it.
var (
	loggerFileMu sync.Mutex
	loggerFile   *os.File
)

// syncWriter wraps an io.Writer with synchronization to ensure thread-safe writes.
// This prevents log entries from being interleaved when multiple goroutines write concurrently.
type syncWriter struct {
	mu     sync.Mutex
	writer io.Writer
}

func (sw *syncWriter) Write(p []byte) (n int, err error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.writer.Write(p)
}

// flushWriter wraps a buffered writer and flushes after each write so entries
// reach the file immediately.
// NOTE: flushWriter is not thread-safe by itself and must be wrapped by syncWriter.
type flushWriter struct {
	file   *os.File
	writer *bufio.Writer
}

func newFlushWriter(file *os.File) *flushWriter {
	return &flushWriter{
		file:   file,
		writer: bufio.NewWriter(file),
	}
}

func (fw *flushWriter) Write(p []byte) (n int, err error) {
	n, err = fw.writer.Write(p)
	if err != nil {
		return n, err
	}
	return n, fw.writer.Flush()
}

// SetupLogger configures the logging system based on the provided configuration.
func SetupLogger(configManager types.ConfigManager) {
	logConfig := configManager.GetLogConfig()

	level, err := logrus.ParseLevel(logConfig.Level)
	if err != nil {
		logrus.Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if logConfig.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00", // ISO 8601 format
		})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	if !logConfig.EnableFile {
		return
	}

	logDir := filepath.Dir(logConfig.FilePath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		logrus.Warnf("Failed to create log directory: %v", err)
		return
	}
	logFile, err := os.OpenFile(logConfig.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		logrus.Warnf("Failed to open log file: %v", err)
		return
	}

	loggerFileMu.Lock()
	loggerFile = logFile
	loggerFileMu.Unlock()

	var fileWriter io.Writer
	// Only flush per entry in debug mode; buffered writes are faster otherwise.
	if level == logrus.DebugLevel || level == logrus.TraceLevel {
		fileWriter = newFlushWriter(logFile)
	} else {
		fileWriter = logFile
	}
	// syncWriter keeps concurrent writes to both outputs from interleaving.
	multiWriter := &syncWriter{
		writer: io.MultiWriter(os.Stdout, fileWriter),
	}
	logrus.SetOutput(multiWriter)
}

// CloseLogger flushes and closes the log file, if any, and restores stdout
// output. Safe to call multiple times.
func CloseLogger() {
	loggerFileMu.Lock()
	defer loggerFileMu.Unlock()

	if loggerFile == nil {
		return
	}
	logrus.SetOutput(os.Stdout)
	if err := loggerFile.Close(); err != nil {
		logrus.Warnf("Failed to close log file: %v", err)
	}
	loggerFile = nil
}
