package alert

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sensor-gateway/internal/models"
)

const (
	maxDecisionRecords = 200
	overviewWindow     = 24 * time.Hour // 告警态势概览统计窗口
)

// Dashboard 表示告警控制台数据
type Dashboard struct {
	Overview  Overview       `json:"overview"`
	Decisions []DecisionView `json:"decisions"`
	Stats     Stats          `json:"stats"`
	Sensor    SensorStatus   `json:"sensor"`
	LastAlert string         `json:"lastAlert"`
}

// Overview 表示告警态势概览
type Overview struct {
	Window     string `json:"window"`
	Risk       string `json:"risk"`
	Sent       int    `json:"sent"`
	Suppressed int    `json:"suppressed"`
	Inactive   int    `json:"inactive"`
	Latest     string `json:"latest"`
}

// DecisionView 表示告警列表项
type DecisionView struct {
	ID          string   `json:"id"`
	Time        string   `json:"time"`
	Status      string   `json:"status"`
	Conditions  []string `json:"conditions"`
	Temperature float64  `json:"temperature"`
	Humidity    float64  `json:"humidity"`
	Message     string   `json:"message,omitempty"`
}

// Stats 表示告警统计
type Stats struct {
	Sent       int `json:"sent"`
	Suppressed int `json:"suppressed"`
	Inactive   int `json:"inactive"`
}

// SensorStatus 传感器最近一次上报的连接状态
type SensorStatus struct {
	Status string `json:"status"`
	Since  string `json:"since"`
}

type alertRecord struct {
	id          string
	at          time.Time
	status      DecisionStatus
	conditions  []Condition
	temperature float64
	humidity    float64
	message     string
}

// State 维护最近告警时间与决策记录，进程重启后清空
type State struct {
	mu           sync.RWMutex
	lastAlert    time.Time
	records      []alertRecord
	stats        Stats
	sensorStatus string
	sensorSince  time.Time
}

// NewState 创建告警运行态
func NewState() *State {
	return &State{
		records: make([]alertRecord, 0, maxDecisionRecords),
	}
}

// LastAlert 返回最近一次已发送告警的时间，零值表示尚无告警
func (s *State) LastAlert() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAlert
}

// Commit 写回判定结果，最近告警时间只前进不后退
// 未越限的 clear 结果不进入决策记录
func (s *State) Commit(decision Decision, reading models.SensorReading) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if decision.Status == StatusSent && decision.LastAlert.After(s.lastAlert) {
		s.lastAlert = decision.LastAlert
	}
	if decision.Status == StatusClear || !decision.Breached() {
		return
	}

	s.records = append(s.records, alertRecord{
		id:          uuid.NewString(),
		at:          decision.At,
		status:      decision.Status,
		conditions:  append([]Condition(nil), decision.Conditions...),
		temperature: reading.Temperature,
		humidity:    reading.Humidity,
		message:     decision.Text,
	})
	if len(s.records) > maxDecisionRecords {
		s.records = append([]alertRecord(nil), s.records[len(s.records)-maxDecisionRecords:]...)
	}

	switch decision.Status {
	case StatusSent:
		s.stats.Sent++
	case StatusSuppressed:
		s.stats.Suppressed++
	case StatusInactive:
		s.stats.Inactive++
	}
}

// RecordSensorStatus 记录传感器在线状态，仅用于展示
func (s *State) RecordSensorStatus(status string, at time.Time) {
	s.mu.Lock()
	s.sensorStatus = status
	s.sensorSince = at
	s.mu.Unlock()
}

// Dashboard 输出告警面板数据
func (s *State) Dashboard() Dashboard {
	s.mu.RLock()
	records := append([]alertRecord(nil), s.records...)
	stats := s.stats
	lastAlert := s.lastAlert
	sensor := SensorStatus{Status: s.sensorStatus, Since: formatTime(s.sensorSince)}
	s.mu.RUnlock()

	if sensor.Status == "" {
		sensor.Status = "unknown"
	}
	decisions := make([]DecisionView, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		conditions := make([]string, 0, len(rec.conditions))
		for _, c := range rec.conditions {
			conditions = append(conditions, string(c))
		}
		decisions = append(decisions, DecisionView{
			ID:          rec.id,
			Time:        formatTime(rec.at),
			Status:      string(rec.status),
			Conditions:  conditions,
			Temperature: rec.temperature,
			Humidity:    rec.humidity,
			Message:     strings.TrimSpace(rec.message),
		})
	}

	return Dashboard{
		Overview:  buildOverview(records, time.Now()),
		Decisions: decisions,
		Stats:     stats,
		Sensor:    sensor,
		LastAlert: defaultTime(formatTime(lastAlert)),
	}
}

func buildOverview(records []alertRecord, now time.Time) Overview {
	// 仅统计窗口内的记录用于概览
	windowStart := now.Add(-overviewWindow)

	var sentCount, suppressedCount, inactiveCount int
	var latest string
	for _, record := range records {
		if record.at.Before(windowStart) {
			continue
		}
		switch record.status {
		case StatusSent:
			sentCount++
		case StatusSuppressed:
			suppressedCount++
		case StatusInactive:
			inactiveCount++
		}
		latest = formatTime(record.at)
	}

	risk := "低"
	if sentCount > 0 && suppressedCount > 0 {
		risk = "高"
	} else if sentCount > 0 || inactiveCount > 0 {
		risk = "中"
	}

	return Overview{
		Window:     formatWindow(overviewWindow),
		Risk:       risk,
		Sent:       sentCount,
		Suppressed: suppressedCount,
		Inactive:   inactiveCount,
		Latest:     defaultTime(latest),
	}
}

// formatWindow 统一概览窗口的展示文案
func formatWindow(window time.Duration) string {
	if window%time.Hour == 0 {
		return fmt.Sprintf("最近%d小时", int(window.Hours()))
	}
	return fmt.Sprintf("最近%d分钟", int(window.Minutes()))
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.Format("2006-01-02 15:04:05")
}

func defaultTime(raw string) string {
	if raw == "" {
		return "--"
	}
	return raw
}
