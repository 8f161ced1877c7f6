package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sensor-gateway/internal/models"
	"sensor-gateway/internal/storage"
)

func newReading(t *testing.T, temp float64) models.SensorReading {
	t.Helper()
	payload := []byte(`{"temperatura": ` + jsonNumber(temp) + `, "umidade": 50}`)
	reading, err := models.ParseReading(payload, models.DefaultReadingKeys(), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("parse reading failed: %v", err)
	}
	return reading
}

func jsonNumber(v float64) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func temperatures(t *testing.T, items []json.RawMessage) []float64 {
	t.Helper()
	out := make([]float64, 0, len(items))
	for _, item := range items {
		var record struct {
			Temperatura float64 `json:"temperatura"`
		}
		if err := json.Unmarshal(item, &record); err != nil {
			t.Fatalf("decode record failed: %v", err)
		}
		out = append(out, record.Temperatura)
	}
	return out
}

func testLogs(t *testing.T, capacity int) map[string]Log {
	t.Helper()
	dir := t.TempDir()
	fs, err := storage.NewFileStore(dir)
	if err != nil {
		t.Fatalf("new store failed: %v", err)
	}
	jsonLog, err := NewJSONLog(fs, "sensor_history.json", capacity)
	if err != nil {
		t.Fatalf("new json log failed: %v", err)
	}
	sqliteLog, err := NewSQLiteLog(filepath.Join(dir, "sensor_history.db"), capacity)
	if err != nil {
		t.Fatalf("new sqlite log failed: %v", err)
	}
	t.Cleanup(func() { _ = sqliteLog.Close() })
	return map[string]Log{"json": jsonLog, "sqlite": sqliteLog}
}

func TestAppendKeepsLastN(t *testing.T) {
	for name, log := range testLogs(t, 3) {
		for i := 1; i <= 5; i++ {
			if err := log.Append(newReading(t, float64(i))); err != nil {
				t.Fatalf("%s: append %d failed: %v", name, i, err)
			}
		}
		items, err := log.Recent(0)
		if err != nil {
			t.Fatalf("%s: recent failed: %v", name, err)
		}
		got := temperatures(t, items)
		want := []float64{3, 4, 5}
		if len(got) != len(want) {
			t.Fatalf("%s: expected %v, got %v", name, want, got)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s: expected %v, got %v", name, want, got)
			}
		}
	}
}

func TestAppendAtCapacityEvictsOldest(t *testing.T) {
	for name, log := range testLogs(t, 2) {
		_ = log.Append(newReading(t, 1))
		_ = log.Append(newReading(t, 2))
		if err := log.Append(newReading(t, 9)); err != nil {
			t.Fatalf("%s: append failed: %v", name, err)
		}
		count, err := log.Len()
		if err != nil || count != 2 {
			t.Fatalf("%s: expected 2 entries, got %d err=%v", name, count, err)
		}
		items, _ := log.Recent(0)
		got := temperatures(t, items)
		if got[0] != 2 || got[1] != 9 {
			t.Fatalf("%s: oldest should be evicted and new last, got %v", name, got)
		}
	}
}

func TestRecentLimitAndSnapshot(t *testing.T) {
	for name, log := range testLogs(t, 10) {
		for i := 1; i <= 4; i++ {
			_ = log.Append(newReading(t, float64(i)))
		}
		items, err := log.Recent(2)
		if err != nil {
			t.Fatalf("%s: recent failed: %v", name, err)
		}
		got := temperatures(t, items)
		if len(got) != 2 || got[0] != 3 || got[1] != 4 {
			t.Fatalf("%s: expected [3 4], got %v", name, got)
		}
		snapshot, err := log.Snapshot()
		if err != nil {
			t.Fatalf("%s: snapshot failed: %v", name, err)
		}
		var decoded []json.RawMessage
		if err := json.Unmarshal(snapshot, &decoded); err != nil || len(decoded) != 4 {
			t.Fatalf("%s: snapshot should hold 4 records, got %d err=%v", name, len(decoded), err)
		}
		if err := log.Reset(); err != nil {
			t.Fatalf("%s: reset failed: %v", name, err)
		}
		if count, _ := log.Len(); count != 0 {
			t.Fatalf("%s: expected empty after reset, got %d", name, count)
		}
	}
}

func TestJSONLogPreservesPassThroughFields(t *testing.T) {
	dir := t.TempDir()
	fs, _ := storage.NewFileStore(dir)
	log, _ := NewJSONLog(fs, "sensor_history.json", 5)
	reading, err := models.ParseReading([]byte(`{"temperatura": 26, "umidade": 41, "timestamp": "10:00:00", "device": "esp32"}`), models.DefaultReadingKeys(), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if err := log.Append(reading); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "sensor_history.json"))
	if err != nil {
		t.Fatalf("read history failed: %v", err)
	}
	var records []map[string]interface{}
	if err := json.Unmarshal(data, &records); err != nil {
		t.Fatalf("history should be a json array: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0]["device"] != "esp32" || records[0]["timestamp"] != "10:00:00" {
		t.Fatalf("pass-through fields lost: %v", records[0])
	}
	if records[0]["received_at"] != "2026-01-01T00:00:00Z" {
		t.Fatalf("received_at missing: %v", records[0])
	}
}

func TestJSONLogCorruptFileFallsBackToEmpty(t *testing.T) {
	dir := t.TempDir()
	fs, _ := storage.NewFileStore(dir)
	path := filepath.Join(dir, "sensor_history.json")
	if err := os.WriteFile(path, []byte("{corrupted"), 0o644); err != nil {
		t.Fatalf("write corrupted file failed: %v", err)
	}
	log, _ := NewJSONLog(fs, "sensor_history.json", 5)
	if err := log.Append(newReading(t, 21)); err != nil {
		t.Fatalf("append should succeed after corrupt fallback: %v", err)
	}
	count, err := log.Len()
	if err != nil || count != 1 {
		t.Fatalf("expected 1 entry after fallback, got %d err=%v", count, err)
	}
	backups, err := filepath.Glob(path + ".corrupt-*.bak")
	if err != nil {
		t.Fatalf("glob backup files failed: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("expected 1 backup file, got %d", len(backups))
	}
	if stats := log.HealthStats(); stats.CorruptFallbackTotal != 1 || stats.AppendTotal != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestNewJSONLogRejectsInvalidCapacity(t *testing.T) {
	fs, _ := storage.NewFileStore(t.TempDir())
	if _, err := NewJSONLog(fs, "h.json", 0); err == nil {
		t.Fatalf("expected error for zero capacity")
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	dir := t.TempDir()
	fs, _ := storage.NewFileStore(dir)
	cfg := &models.Config{HistoryBackend: "sqlite", HistoryFile: "sensor_history.json", HistoryCapacity: 10}
	log, err := Open(cfg, fs)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer log.Close()
	if stats := log.HealthStats(); stats.Backend != "sqlite" || stats.Location != filepath.Join(dir, "sensor_history.db") {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if _, err := Open(&models.Config{HistoryBackend: "redis", HistoryCapacity: 1}, fs); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

type countingStore struct {
	storage.Store
	reads int
}

func (s *countingStore) Read(name string) ([]byte, error) {
	s.reads++
	return s.Store.Read(name)
}

func TestJSONLogLenUsesSizeFromLastWrite(t *testing.T) {
	dir := t.TempDir()
	fs, _ := storage.NewFileStore(dir)
	seed, _ := NewJSONLog(fs, "sensor_history.json", 3)
	_ = seed.Append(newReading(t, 1))
	_ = seed.Append(newReading(t, 2))

	store := &countingStore{Store: fs}
	log, _ := NewJSONLog(store, "sensor_history.json", 3)
	// 本实例尚未写入，条数来自文件
	if count, err := log.Len(); err != nil || count != 2 {
		t.Fatalf("expected 2 entries from disk, got %d err=%v", count, err)
	}

	for i := 3; i <= 5; i++ {
		if err := log.Append(newReading(t, float64(i))); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
	}
	readsAfterAppend := store.reads
	count, err := log.Len()
	if err != nil || count != 3 {
		t.Fatalf("expected 3 entries after trim, got %d err=%v", count, err)
	}
	if store.reads != readsAfterAppend {
		t.Fatalf("Len should not re-read the file after append, reads %d -> %d", readsAfterAppend, store.reads)
	}

	if err := log.Reset(); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if count, _ := log.Len(); count != 0 {
		t.Fatalf("expected 0 entries after reset, got %d", count)
	}
}
