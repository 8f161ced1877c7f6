// 本文件用于按主题分发入站消息：读数、配置更新、传感器在线状态
package ingress

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"sensor-gateway/internal/alert"
	"sensor-gateway/internal/config"
	"sensor-gateway/internal/logger"
	"sensor-gateway/internal/metrics"
	"sensor-gateway/internal/models"
)

// ErrMalformedReading 读数无法解析
var ErrMalformedReading = models.ErrMalformedReading

const (
	// ConfirmationText 配置更新成功后的确认通知
	ConfirmationText = "System configuration updated successfully."
	// OfflineText 传感器掉线通知
	OfflineText = "CRITICAL: Sensor went offline (connection lost)."
	// OnlineText 传感器恢复通知
	OnlineText = "RECOVERY: Sensor is back online."

	statusOnline  = "online"
	statusOffline = "offline"
)

// ConfigStore 告警配置存储
type ConfigStore interface {
	Current() models.AlertConfig
	Merge(patch models.AlertPatch) models.AlertConfig
	Persist(cfg models.AlertConfig) error
}

// ConfigLoader 支持从持久化重新加载的配置存储，失败时保持当前配置
type ConfigLoader interface {
	Reload() (models.AlertConfig, error)
}

// HistoryLog 读数历史
type HistoryLog interface {
	Append(reading models.SensorReading) error
}

// Notifier 通知发送
type Notifier interface {
	Send(ctx context.Context, destination, text string) error
}

// Observer 在锁外接收处理结果，用于实时推送与上云转发
type Observer interface {
	ReadingAccepted(ctx context.Context, reading models.SensorReading, decision alert.Decision)
	ConfigChanged(cfg models.AlertConfig)
	SensorStatus(status string, at time.Time)
}

// NopObserver 空实现，便于只关心部分事件的观察者嵌入
type NopObserver struct{}

// ReadingAccepted 实现 Observer
func (NopObserver) ReadingAccepted(context.Context, models.SensorReading, alert.Decision) {}

// ConfigChanged 实现 Observer
func (NopObserver) ConfigChanged(models.AlertConfig) {}

// SensorStatus 实现 Observer
func (NopObserver) SensorStatus(string, time.Time) {}

// Topics 三类入站主题
type Topics struct {
	Sensor string
	Config string
	Status string
}

// Options 路由依赖
type Options struct {
	Topics    Topics
	Keys      models.ReadingKeys
	Config    ConfigStore
	History   HistoryLog
	Evaluator alert.Evaluator
	State     *alert.State
	Notifier  Notifier
	Observers []Observer
	Metrics   *metrics.Collector
	Now       func() time.Time
}

// Router 入站路由；mu 串行化配置、历史与告警状态的读写，通知在锁外发送
type Router struct {
	mu        sync.Mutex
	topics    Topics
	keys      models.ReadingKeys
	config    ConfigStore
	history   HistoryLog
	evaluator alert.Evaluator
	state     *alert.State
	notifier  Notifier
	observers []Observer
	metrics   *metrics.Collector
	now       func() time.Time
}

// NewRouter 创建路由
func NewRouter(opts Options) (*Router, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("配置存储未初始化")
	}
	if opts.History == nil {
		return nil, fmt.Errorf("历史存储未初始化")
	}
	if opts.Evaluator == nil {
		return nil, fmt.Errorf("告警判定器未初始化")
	}
	if opts.State == nil {
		opts.State = alert.NewState()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Keys.Temperature == "" || opts.Keys.Humidity == "" {
		opts.Keys = models.DefaultReadingKeys()
	}
	observers := make([]Observer, 0, len(opts.Observers))
	for _, o := range opts.Observers {
		if o != nil {
			observers = append(observers, o)
		}
	}
	return &Router{
		topics:    opts.Topics,
		keys:      opts.Keys,
		config:    opts.Config,
		history:   opts.History,
		evaluator: opts.Evaluator,
		state:     opts.State,
		notifier:  opts.Notifier,
		observers: observers,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}, nil
}

// Handle 处理一条入站消息，未知主题直接忽略
func (r *Router) Handle(ctx context.Context, msg Message) {
	switch msg.Topic {
	case r.topics.Sensor:
		r.metrics.IncMessage("sensor")
		r.handleReading(ctx, msg)
	case r.topics.Config:
		r.metrics.IncMessage("config")
		r.handleConfig(ctx, msg)
	case r.topics.Status:
		r.metrics.IncMessage("status")
		r.handleStatus(ctx, msg)
	}
}

func (r *Router) handleReading(ctx context.Context, msg Message) {
	now := msg.ReceivedAt
	if now.IsZero() {
		now = r.now()
	}
	reading, err := models.ParseReading(msg.Payload, r.keys, now)
	if err != nil {
		r.metrics.ObserveReading(false)
		logger.Warn("丢弃无法解析的读数: %v", err)
		return
	}
	r.metrics.ObserveReading(true)

	cfg, decision := r.commitReading(reading, now)

	r.metrics.ObserveAlertDecision(string(decision.Status))
	logger.Debug("读数已接收: 温度=%v 湿度=%v 判定=%s", reading.Temperature, reading.Humidity, decision.Status)

	for _, o := range r.observers {
		o.ReadingAccepted(ctx, reading, decision)
	}
	if decision.Status == alert.StatusSent {
		logger.Info("读数越限，发送告警通知")
		r.notify(ctx, cfg.NotificationTarget, decision.Text)
	}
}

// commitReading 在路由锁内写历史、判定并提交告警状态
func (r *Router) commitReading(reading models.SensorReading, now time.Time) (models.AlertConfig, alert.Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg := r.config.Current()
	if err := r.history.Append(reading); err != nil {
		// 写入失败不影响告警判定
		r.metrics.IncHistoryAppendFailure()
		logger.Error("写入读数历史失败: %v", err)
	}
	decision := r.evaluator.Evaluate(reading, cfg, now, r.state.LastAlert())
	r.state.Commit(decision, reading)
	return cfg, decision
}

func (r *Router) handleConfig(ctx context.Context, msg Message) {
	patch, err := config.ParseAlertPatch(msg.Payload)
	if err != nil {
		r.metrics.ObserveConfigUpdate("broker", "rejected")
		logger.Warn("丢弃无法解析的配置更新: %v", err)
		return
	}
	if patch.Empty() {
		logger.Info("收到远程配置更新，不含已知字段")
	} else {
		logger.Info("收到远程配置更新")
	}
	r.ApplyPatch(ctx, patch, "broker")
}

// ApplyPatch 合并并持久化配置，随后在配置了目标时发送确认通知
func (r *Router) ApplyPatch(ctx context.Context, patch models.AlertPatch, source string) models.AlertConfig {
	cfg, persistErr := r.mergeAndPersist(patch)

	result := "merged"
	if persistErr != nil {
		result = "persist_failed"
	}
	r.metrics.ObserveConfigUpdate(source, result)
	for _, o := range r.observers {
		o.ConfigChanged(cfg)
	}
	if cfg.NotificationTarget != "" {
		r.notify(ctx, cfg.NotificationTarget, ConfirmationText)
	}
	return cfg
}

func (r *Router) mergeAndPersist(patch models.AlertPatch) (models.AlertConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg := r.config.Merge(patch)
	return cfg, r.config.Persist(cfg)
}

// ReloadConfig 在路由锁内重新加载持久化配置，不发送确认通知；
// 文件损坏或写到一半时保留内存中的配置
func (r *Router) ReloadConfig() (models.AlertConfig, bool) {
	loader, ok := r.config.(ConfigLoader)
	if !ok {
		return r.config.Current(), false
	}
	before, cfg, err := r.reload(loader)
	if err != nil {
		r.metrics.ObserveConfigUpdate("file", "rejected")
		logger.Warn("重新加载告警配置失败，保留当前配置: %v", err)
		return cfg, false
	}
	if cfg == before {
		return cfg, false
	}
	r.metrics.ObserveConfigUpdate("file", "reloaded")
	for _, o := range r.observers {
		o.ConfigChanged(cfg)
	}
	return cfg, true
}

func (r *Router) reload(loader ConfigLoader) (before, after models.AlertConfig, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	before = r.config.Current()
	after, err = loader.Reload()
	return before, after, err
}

func (r *Router) handleStatus(ctx context.Context, msg Message) {
	token := strings.ToLower(strings.TrimSpace(string(msg.Payload)))
	var text string
	switch token {
	case statusOffline:
		text = OfflineText
	case statusOnline:
		text = OnlineText
	default:
		logger.Debug("忽略未知的传感器状态: %q", token)
		return
	}
	at := msg.ReceivedAt
	if at.IsZero() {
		at = r.now()
	}
	r.metrics.ObserveStatusEvent(token)
	r.state.RecordSensorStatus(token, at)
	logger.Info("传感器状态变更: %s", token)

	for _, o := range r.observers {
		o.SensorStatus(token, at)
	}
	r.notify(ctx, r.config.Current().NotificationTarget, text)
}

func (r *Router) notify(ctx context.Context, destination, text string) {
	if r.notifier == nil {
		return
	}
	// 失败已由发送方记录，这里不重试也不回滚冷却时间
	_ = r.notifier.Send(ctx, destination, text)
}

// Topics 返回路由的主题配置
func (r *Router) Topics() Topics {
	return r.topics
}

// State 返回告警运行态
func (r *Router) State() *alert.State {
	return r.state
}
