// 本文件用于基于 SQLite 的读数历史，追加为单条插入加裁剪
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"sensor-gateway/internal/models"
)

const sqliteTimeout = 5 * time.Second

// SQLiteLog 与 JSONLog 语义一致，但不再整文件重写
type SQLiteLog struct {
	db       *sql.DB
	dbPath   string
	capacity int

	mu                sync.Mutex
	appendTotal       uint64
	writeFailureTotal uint64
}

// NewSQLiteLog 打开或创建 SQLite 历史库
func NewSQLiteLog(dbPath string, capacity int) (*SQLiteLog, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("历史保留条数必须大于0")
	}
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history data dir failed: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history sqlite failed: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set history sqlite wal failed: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS sensor_readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			received_at TEXT NOT NULL,
			payload_json TEXT NOT NULL
		);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history sqlite failed: %w", err)
	}
	return &SQLiteLog{db: db, dbPath: dbPath, capacity: capacity}, nil
}

// Append 插入一条读数并裁剪到容量上限
func (l *SQLiteLog) Append(reading models.SensorReading) error {
	record, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("序列化读数失败: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.appendLocked(record, reading.ReceivedAt); err != nil {
		l.writeFailureTotal++
		return err
	}
	l.appendTotal++
	return nil
}

func (l *SQLiteLog) appendLocked(record []byte, receivedAt time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin history tx failed: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sensor_readings (received_at, payload_json) VALUES (?, ?)`,
		receivedAt.UTC().Format(time.RFC3339Nano), string(record)); err != nil {
		return fmt.Errorf("insert history failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sensor_readings WHERE id NOT IN (SELECT id FROM sensor_readings ORDER BY id DESC LIMIT ?)`,
		l.capacity); err != nil {
		return fmt.Errorf("prune history failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit history failed: %w", err)
	}
	return nil
}

// Recent 按到达顺序返回最近 limit 条
func (l *SQLiteLog) Recent(limit int) ([]json.RawMessage, error) {
	if limit <= 0 || limit > l.capacity {
		limit = l.capacity
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	rows, err := l.db.QueryContext(ctx,
		`SELECT payload_json FROM (SELECT id, payload_json FROM sensor_readings ORDER BY id DESC LIMIT ?) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history failed: %w", err)
	}
	defer rows.Close()
	out := make([]json.RawMessage, 0, limit)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan history failed: %w", err)
		}
		out = append(out, json.RawMessage(payload))
	}
	return out, rows.Err()
}

// Len 返回当前条数
func (l *SQLiteLog) Len() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	var count int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM sensor_readings`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count history failed: %w", err)
	}
	return count, nil
}

// Capacity 返回保留上限
func (l *SQLiteLog) Capacity() int {
	return l.capacity
}

// Snapshot 导出为 JSON 数组，格式与 JSONLog 文件一致
func (l *SQLiteLog) Snapshot() ([]byte, error) {
	items, err := l.Recent(0)
	if err != nil {
		return nil, err
	}
	return json.Marshal(items)
}

// Reset 清空历史
func (l *SQLiteLog) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), sqliteTimeout)
	defer cancel()
	if _, err := l.db.ExecContext(ctx, `DELETE FROM sensor_readings`); err != nil {
		l.writeFailureTotal++
		return fmt.Errorf("reset history failed: %w", err)
	}
	return nil
}

// HealthStats 返回健康指标快照
func (l *SQLiteLog) HealthStats() HealthStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return HealthStats{
		Backend:           "sqlite",
		Location:          l.dbPath,
		Capacity:          l.capacity,
		AppendTotal:       l.appendTotal,
		WriteFailureTotal: l.writeFailureTotal,
	}
}

// Close 关闭数据库
func (l *SQLiteLog) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}
