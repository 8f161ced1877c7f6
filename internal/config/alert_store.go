// 本文件用于运行时告警配置的加载、合并与持久化
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"sensor-gateway/internal/logger"
	"sensor-gateway/internal/models"
	"sensor-gateway/internal/storage"
)

// ErrMalformedPatch 配置更新报文无法解析
var ErrMalformedPatch = errors.New("malformed alert config patch")

const (
	keyChatID   = "chatId"
	keyTarget   = "notificationTarget"
	keyTempMax  = "tempMax"
	keyHumMin   = "humMin"
	keyIsActive = "isActive"
)

// fieldOrder 字段按固定顺序生效，chatId 排在别名之后，两者同时出现时以 chatId 为准
var fieldOrder = []string{keyTarget, keyChatID, keyTempMax, keyHumMin, keyIsActive}

// AlertStore 持有进程内唯一的告警配置
type AlertStore struct {
	store   storage.Store
	name    string
	mu      sync.RWMutex
	current models.AlertConfig
}

// NewAlertStore 创建告警配置存储，初始为默认配置
func NewAlertStore(store storage.Store, name string) *AlertStore {
	cleaned := strings.TrimSpace(name)
	if cleaned == "" {
		cleaned = defaultAlertStateFile
	}
	return &AlertStore{
		store:   store,
		name:    cleaned,
		current: models.DefaultAlertConfig(),
	}
}

// Name 返回持久化文件名
func (s *AlertStore) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}

// Load 从持久化文件加载配置，失败时回退默认值，能解析的字段仍然生效
func (s *AlertStore) Load() models.AlertConfig {
	loaded := models.DefaultAlertConfig()
	data, err := s.store.Read(s.name)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		logger.Info("告警配置文件不存在，使用默认配置: %s", s.name)
	case err != nil:
		logger.Error("读取告警配置失败，使用默认配置: %v", err)
	default:
		loaded = overlayStored(loaded, data)
	}
	s.mu.Lock()
	s.current = loaded
	s.mu.Unlock()
	return loaded
}

// Reload 供热加载使用：把文件中有效的字段覆盖到当前配置上；
// 文件缺失、不可读或无法解析时返回错误并保持当前配置不变
func (s *AlertStore) Reload() (models.AlertConfig, error) {
	data, err := s.store.Read(s.name)
	if err != nil {
		return s.Current(), fmt.Errorf("读取告警配置失败: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return s.Current(), fmt.Errorf("解析告警配置失败: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = overlayFields(s.current, fields)
	return s.current, nil
}

func overlayStored(base models.AlertConfig, data []byte) models.AlertConfig {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		logger.Error("解析告警配置失败，使用默认配置: %v", err)
		return base
	}
	return overlayFields(base, fields)
}

// overlayFields 逐个字段覆盖，无效字段跳过并保留 base 中的值
func overlayFields(base models.AlertConfig, fields map[string]json.RawMessage) models.AlertConfig {
	for _, key := range fieldOrder {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		patch, err := parseField(key, raw)
		if err != nil {
			logger.Warn("告警配置字段无效，保留原值: 字段=%s 错误=%v", key, err)
			continue
		}
		base = applyPatch(base, patch)
	}
	return base
}

// Current 返回当前配置快照
func (s *AlertStore) Current() models.AlertConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Merge 按字段覆盖当前配置，未指定的字段保持不变
func (s *AlertStore) Merge(patch models.AlertPatch) models.AlertConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = applyPatch(s.current, patch)
	return s.current
}

// Persist 写入完整配置，失败只记录日志，内存配置仍然有效
func (s *AlertStore) Persist(cfg models.AlertConfig) error {
	data, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		logger.Error("序列化告警配置失败: %v", err)
		return fmt.Errorf("序列化告警配置失败: %w", err)
	}
	if err := s.store.Write(s.name, data); err != nil {
		logger.Error("持久化告警配置失败: %v", err)
		return err
	}
	return nil
}

func applyPatch(cfg models.AlertConfig, patch models.AlertPatch) models.AlertConfig {
	if patch.NotificationTarget != nil {
		cfg.NotificationTarget = *patch.NotificationTarget
	}
	if patch.TempMax != nil {
		cfg.TempMax = *patch.TempMax
	}
	if patch.HumMin != nil {
		cfg.HumMin = *patch.HumMin
	}
	if patch.IsActive != nil {
		cfg.IsActive = *patch.IsActive
	}
	return cfg
}

// ParseAlertPatch 解析配置更新报文，任一已知字段类型错误则整体拒绝，未知字段忽略
func ParseAlertPatch(payload []byte) (models.AlertPatch, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return models.AlertPatch{}, fmt.Errorf("%w: payload is not a json object", ErrMalformedPatch)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return models.AlertPatch{}, fmt.Errorf("%w: %v", ErrMalformedPatch, err)
	}
	var out models.AlertPatch
	for _, key := range fieldOrder {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		patch, err := parseField(key, raw)
		if err != nil {
			return models.AlertPatch{}, fmt.Errorf("%w: %s: %v", ErrMalformedPatch, key, err)
		}
		out = mergePatch(out, patch)
	}
	return out, nil
}

func mergePatch(dst, src models.AlertPatch) models.AlertPatch {
	if src.NotificationTarget != nil {
		dst.NotificationTarget = src.NotificationTarget
	}
	if src.TempMax != nil {
		dst.TempMax = src.TempMax
	}
	if src.HumMin != nil {
		dst.HumMin = src.HumMin
	}
	if src.IsActive != nil {
		dst.IsActive = src.IsActive
	}
	return dst
}

func parseField(key string, raw json.RawMessage) (models.AlertPatch, error) {
	var patch models.AlertPatch
	switch key {
	case keyChatID, keyTarget:
		target, err := parseTarget(raw)
		if err != nil {
			return patch, err
		}
		patch.NotificationTarget = &target
	case keyTempMax:
		value, err := models.ParseNumber(raw)
		if err != nil {
			return patch, err
		}
		patch.TempMax = &value
	case keyHumMin:
		value, err := models.ParseNumber(raw)
		if err != nil {
			return patch, err
		}
		patch.HumMin = &value
	case keyIsActive:
		var active bool
		if err := json.Unmarshal(raw, &active); err != nil {
			return patch, fmt.Errorf("not a boolean: %s", string(raw))
		}
		patch.IsActive = &active
	}
	return patch, nil
}

// parseTarget 接受字符串或数字形式的会话 ID，null 表示清空
func parseTarget(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return "", err
		}
		return strings.TrimSpace(text), nil
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return "", fmt.Errorf("not a string or number: %s", string(trimmed))
	}
	return number.String(), nil
}
