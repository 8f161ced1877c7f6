package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sensor-gateway/internal/models"
)

var (
	mu           sync.RWMutex
	activeLogger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	logFile      *os.File
)

// InitLogger 初始化日志系统。
func InitLogger(config *models.Config) error {
	if config == nil {
		return fmt.Errorf("配置为空")
	}
	output, file, err := buildLogWriter(config.LogFile, config.LogFormat)
	if err != nil {
		return err
	}

	mu.Lock()
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = file
	activeLogger = zerolog.New(output).With().Timestamp().Logger()
	mu.Unlock()

	SetLogLevel(config.LogLevel)
	return nil
}

func buildLogWriter(path, format string) (io.Writer, *os.File, error) {
	var console io.Writer = os.Stdout
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		console = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	if path == "" {
		return console, nil, nil
	}

	logDir := filepath.Dir(path)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("创建日志目录失败: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, nil, fmt.Errorf("打开日志文件失败: %w", err)
	}

	// 文件中始终保留 JSON 行，便于检索
	return io.MultiWriter(console, file), file, nil
}

// Info 记录信息日志。
func Info(format string, v ...interface{}) {
	logger := current()
	logger.Info().Msgf(format, v...)
}

// Error 记录错误日志。
func Error(format string, v ...interface{}) {
	logger := current()
	logger.Error().Msgf(format, v...)
}

// Warn 记录警告日志。
func Warn(format string, v ...interface{}) {
	logger := current()
	logger.Warn().Msgf(format, v...)
}

// Debug 记录调试日志。
func Debug(format string, v ...interface{}) {
	logger := current()
	logger.Debug().Msgf(format, v...)
}

// SetLogLevel 设置日志级别，无法识别时回退到 info。
func SetLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}

// Close 关闭日志文件。
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	activeLogger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	return err
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return activeLogger
}
