// 本文件用于定义读数历史的公共接口
package history

import (
	"encoding/json"
	"fmt"
	"strings"

	"sensor-gateway/internal/models"
	"sensor-gateway/internal/storage"
)

// Log 有界的读数历史，调用方负责串行化 Append
type Log interface {
	Append(reading models.SensorReading) error
	Recent(limit int) ([]json.RawMessage, error)
	Len() (int, error)
	Capacity() int
	Snapshot() ([]byte, error)
	Reset() error
	HealthStats() HealthStats
	Close() error
}

// HealthStats 历史存储健康指标
type HealthStats struct {
	Backend              string `json:"backend"`
	Location             string `json:"location"`
	Capacity             int    `json:"capacity"`
	AppendTotal          uint64 `json:"appendTotal"`
	WriteFailureTotal    uint64 `json:"writeFailureTotal"`
	CorruptFallbackTotal uint64 `json:"corruptFallbackTotal"`
}

// Open 按配置打开历史存储
func Open(config *models.Config, store storage.Store) (Log, error) {
	if config == nil {
		return nil, fmt.Errorf("配置为空")
	}
	switch strings.ToLower(strings.TrimSpace(config.HistoryBackend)) {
	case "", "json":
		return NewJSONLog(store, config.HistoryFile, config.HistoryCapacity)
	case "sqlite":
		path := store.Path(sqliteFileName(config.HistoryFile))
		return NewSQLiteLog(path, config.HistoryCapacity)
	default:
		return nil, fmt.Errorf("不支持的历史存储类型: %s", config.HistoryBackend)
	}
}

func sqliteFileName(name string) string {
	trimmed := strings.TrimSpace(name)
	if strings.HasSuffix(trimmed, ".json") {
		return strings.TrimSuffix(trimmed, ".json") + ".db"
	}
	if trimmed == "" {
		return "sensor_history.db"
	}
	return trimmed
}

// trimToCapacity 只保留最后 capacity 条
func trimToCapacity(items []json.RawMessage, capacity int) []json.RawMessage {
	if capacity <= 0 || len(items) <= capacity {
		return items
	}
	return append([]json.RawMessage(nil), items[len(items)-capacity:]...)
}

func tail(items []json.RawMessage, limit int) []json.RawMessage {
	if limit <= 0 || limit >= len(items) {
		return append([]json.RawMessage(nil), items...)
	}
	return append([]json.RawMessage(nil), items[len(items)-limit:]...)
}
