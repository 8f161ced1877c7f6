// 本文件用于基于 JSON 文件的读数历史
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"sensor-gateway/internal/logger"
	"sensor-gateway/internal/models"
	"sensor-gateway/internal/storage"
)

// JSONLog 每次追加都读出完整数组、追加、截断后整体写回
type JSONLog struct {
	store    storage.Store
	name     string
	capacity int

	mu sync.Mutex
	// size 为本实例最近一次写入后的条数，sizeKnown 为 false 时从文件读取
	size                 int
	sizeKnown            bool
	appendTotal          uint64
	writeFailureTotal    uint64
	corruptFallbackTotal uint64
}

// NewJSONLog 创建 JSON 历史
func NewJSONLog(store storage.Store, name string, capacity int) (*JSONLog, error) {
	if store == nil {
		return nil, fmt.Errorf("存储未初始化")
	}
	cleaned := strings.TrimSpace(name)
	if cleaned == "" {
		return nil, fmt.Errorf("历史文件名不能为空")
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("历史保留条数必须大于0")
	}
	return &JSONLog{store: store, name: cleaned, capacity: capacity}, nil
}

// Append 追加一条读数，损坏或不可读的文件按空历史处理
func (l *JSONLog) Append(reading models.SensorReading) error {
	record, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("序列化读数失败: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	items := l.readLocked()
	items = append(items, json.RawMessage(record))
	items = trimToCapacity(items, l.capacity)
	if err := l.writeLocked(items); err != nil {
		l.writeFailureTotal++
		return err
	}
	l.size, l.sizeKnown = len(items), true
	l.appendTotal++
	return nil
}

// Recent 返回最近 limit 条，limit<=0 返回全部
func (l *JSONLog) Recent(limit int) ([]json.RawMessage, error) {
	items, err := l.load()
	if err != nil {
		return nil, err
	}
	return tail(items, limit), nil
}

// Len 返回当前条数，本实例写入过之后直接返回缓存值
func (l *JSONLog) Len() (int, error) {
	l.mu.Lock()
	size, known := l.size, l.sizeKnown
	l.mu.Unlock()
	if known {
		return size, nil
	}
	items, err := l.load()
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Capacity 返回保留上限
func (l *JSONLog) Capacity() int {
	return l.capacity
}

// Snapshot 返回完整历史的 JSON 数组
func (l *JSONLog) Snapshot() ([]byte, error) {
	items, err := l.load()
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []json.RawMessage{}
	}
	return json.Marshal(items)
}

// Reset 清空历史
func (l *JSONLog) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writeLocked([]json.RawMessage{}); err != nil {
		l.writeFailureTotal++
		return err
	}
	l.size, l.sizeKnown = 0, true
	return nil
}

// HealthStats 返回健康指标快照
func (l *JSONLog) HealthStats() HealthStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return HealthStats{
		Backend:              "json",
		Location:             l.store.Path(l.name),
		Capacity:             l.capacity,
		AppendTotal:          l.appendTotal,
		WriteFailureTotal:    l.writeFailureTotal,
		CorruptFallbackTotal: l.corruptFallbackTotal,
	}
}

// Close 无需释放资源
func (l *JSONLog) Close() error {
	return nil
}

// load 只读加载，不做损坏备份
func (l *JSONLog) load() ([]json.RawMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, err := l.store.Read(l.name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	items, err := decodeItems(data)
	if err != nil {
		return nil, fmt.Errorf("解析历史文件失败: %w", err)
	}
	return items, nil
}

func (l *JSONLog) readLocked() []json.RawMessage {
	data, err := l.store.Read(l.name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		logger.Error("读取历史文件失败，按空历史处理: %v", err)
		return nil
	}
	items, err := decodeItems(data)
	if err != nil {
		l.corruptFallbackTotal++
		backupPath, backupErr := l.store.Backup(l.name, data)
		if backupErr != nil {
			logger.Error("历史文件损坏且备份失败，按空历史处理: 源文件=%s 错误=%v 备份错误=%v", l.name, err, backupErr)
			return nil
		}
		logger.Error("历史文件损坏，已降级为空历史并完成备份: 源文件=%s 备份文件=%s 错误=%v", l.name, backupPath, err)
		return nil
	}
	return items
}

func (l *JSONLog) writeLocked(items []json.RawMessage) error {
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("序列化历史失败: %w", err)
	}
	return l.store.Write(l.name, data)
}

func decodeItems(data []byte) ([]json.RawMessage, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	return items, nil
}
