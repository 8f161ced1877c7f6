// 本文件用于组装网关各组件并管理启动与停止
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sensor-gateway/internal/alert"
	"sensor-gateway/internal/config"
	"sensor-gateway/internal/dingtalk"
	"sensor-gateway/internal/email"
	"sensor-gateway/internal/history"
	"sensor-gateway/internal/ingress"
	"sensor-gateway/internal/logger"
	"sensor-gateway/internal/metrics"
	"sensor-gateway/internal/models"
	"sensor-gateway/internal/notify"
	"sensor-gateway/internal/oss"
	"sensor-gateway/internal/storage"
	"sensor-gateway/internal/sysinfo"
	"sensor-gateway/internal/transport"
	"sensor-gateway/internal/uplink"
	"sensor-gateway/internal/watcher"
	"sensor-gateway/internal/wechat"
	"sensor-gateway/internal/websocket"
)

const (
	shutdownTimeout = 10 * time.Second
	archiveTimeout  = 30 * time.Second
)

// ErrArchiveDisabled 未配置历史归档
var ErrArchiveDisabled = errors.New("history archive not configured")

// Dialer 创建消息中间件客户端，测试中可替换
type Dialer func(opts transport.Options) (transport.Client, error)

// Gateway 网关服务
/**
组件关系：
transport 回调只负责入队，单个 worker 从 queue 取消息交给 router；
router 串行化告警配置、读数历史与告警状态，锁外再分发通知和观察者事件；
hub、uplink 作为 router 的观察者，watcher 通过 router 重新加载配置。
*/
type Gateway struct {
	config   *models.Config
	metrics  *metrics.Collector
	store    *storage.FileStore
	alerts   *config.AlertStore
	history  history.Log
	state    *alert.State
	router   *ingress.Router
	queue    *ingress.Queue
	hub      *websocket.Hub
	uplink   *uplink.KafkaForwarder
	watcher  *watcher.ConfigWatcher
	archiver *oss.Archiver
	sysinfo  *sysinfo.Collector
	dial     Dialer

	client    transport.Client
	connected atomic.Bool
	startedAt time.Time

	hubCancel context.CancelFunc
	stopOnce  sync.Once
}

// NewGateway 构造并初始化网关的所有依赖，不建立中间件连接
func NewGateway(cfg *models.Config, collector *metrics.Collector) (*Gateway, error) {
	return newGateway(cfg, collector, transport.New)
}

func newGateway(cfg *models.Config, collector *metrics.Collector, dial Dialer) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置为空")
	}
	if collector == nil {
		collector = metrics.Global()
	}

	store, err := storage.NewFileStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	// 启动时加载持久化的告警配置，文件缺失或损坏时使用默认值
	alerts := config.NewAlertStore(store, cfg.AlertStateFile)
	current := alerts.Load()
	logger.Info("告警配置: 温度上限=%v 湿度下限=%v 启用=%v 通知目标已设置=%v",
		current.TempMax, current.HumMin, current.IsActive, current.NotificationTarget != "")

	historyLog, err := history.Open(cfg, store)
	if err != nil {
		return nil, fmt.Errorf("初始化读数历史失败: %w", err)
	}

	cooldown, err := config.AlertCooldown(cfg)
	if err != nil {
		_ = historyLog.Close()
		return nil, err
	}
	notifyTimeout, err := config.NotifyTimeout(cfg)
	if err != nil {
		_ = historyLog.Close()
		return nil, err
	}

	g := &Gateway{
		config:    cfg,
		metrics:   collector,
		store:     store,
		alerts:    alerts,
		history:   historyLog,
		state:     alert.NewState(),
		hub:       websocket.NewHub(),
		sysinfo:   sysinfo.NewCollector(sysinfo.Options{DataDir: cfg.DataDir}),
		dial:      dial,
		startedAt: time.Now(),
	}

	dispatcher := notify.NewDispatcher(buildPrimarySender(cfg), notify.Options{
		Prefix:  cfg.NotifyPrefix,
		Timeout: notifyTimeout,
		Mirrors: buildMirrors(cfg),
		Metrics: collector,
	})

	observers := []ingress.Observer{g.hub, historySizeObserver{g}}
	if strings.TrimSpace(cfg.UplinkKafkaBrokers) != "" {
		forwarder, err := uplink.NewKafkaForwarder(cfg.UplinkKafkaBrokers, cfg.UplinkKafkaTopic, collector)
		if err != nil {
			_ = historyLog.Close()
			return nil, fmt.Errorf("初始化 Kafka 转发失败: %w", err)
		}
		g.uplink = forwarder
		observers = append(observers, forwarder)
		logger.Info("已启用读数上云转发: topic=%s", cfg.UplinkKafkaTopic)
	}

	router, err := ingress.NewRouter(ingress.Options{
		Topics: ingress.Topics{
			Sensor: cfg.TopicSensor,
			Config: cfg.TopicConfig,
			Status: cfg.TopicStatus,
		},
		Keys:      config.ReadingKeys(cfg),
		Config:    alerts,
		History:   historyLog,
		Evaluator: alert.NewThresholdEvaluator(cooldown),
		State:     g.state,
		Notifier:  dispatcher,
		Observers: observers,
		Metrics:   collector,
	})
	if err != nil {
		_ = historyLog.Close()
		return nil, err
	}
	g.router = router
	g.queue = ingress.NewQueue(cfg.QueueSize, router.Handle, collector)

	if cfg.ConfigWatch == nil || *cfg.ConfigWatch {
		cw, err := watcher.NewConfigWatcher(store.Path(alerts.Name()), router, watcher.DefaultDebounce)
		if err != nil {
			logger.Warn("初始化配置文件监听失败，热加载不可用: %v", err)
		} else {
			g.watcher = cw
		}
	}

	if strings.TrimSpace(cfg.ArchiveBucket) != "" {
		archiver, err := oss.NewArchiver(cfg)
		if err != nil {
			logger.Warn("初始化历史归档失败，归档不可用: %v", err)
		} else {
			g.archiver = archiver
		}
	}

	if size, err := historyLog.Len(); err == nil {
		collector.SetHistorySize(size)
	}
	return g, nil
}

func buildPrimarySender(cfg *models.Config) notify.Sender {
	if strings.TrimSpace(cfg.TelegramToken) == "" {
		logger.Warn("未配置 Telegram Token，告警只写日志")
		return nil
	}
	return notify.NewTelegramSender(cfg.TelegramAPIBase, cfg.TelegramToken)
}

func buildMirrors(cfg *models.Config) []notify.Mirror {
	var mirrors []notify.Mirror
	if strings.TrimSpace(cfg.DingTalkWebhook) != "" {
		logger.Info("已启用钉钉镜像通知")
		mirrors = append(mirrors, dingtalk.NewRobot(cfg.DingTalkWebhook, cfg.DingTalkSecret))
	}
	if strings.TrimSpace(cfg.WeChatRobotKey) != "" {
		logger.Info("已启用企业微信镜像通知")
		mirrors = append(mirrors, wechat.NewRobot(cfg.WeChatRobotKey))
	}
	if strings.TrimSpace(cfg.SMTPHost) != "" {
		logger.Info("已启用邮件镜像通知: %s", cfg.SMTPTo)
		mirrors = append(mirrors, email.NewSender(email.Options{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			To:       email.ParseRecipients(cfg.SMTPTo),
			UseTLS:   cfg.SMTPTLS,
		}))
	}
	return mirrors
}

// historySizeObserver 读数入库后刷新历史条数指标
type historySizeObserver struct {
	g *Gateway
}

func (o historySizeObserver) ReadingAccepted(context.Context, models.SensorReading, alert.Decision) {
	if size, err := o.g.history.Len(); err == nil {
		o.g.metrics.SetHistorySize(size)
	}
}

func (o historySizeObserver) ConfigChanged(models.AlertConfig) {}

func (o historySizeObserver) SensorStatus(string, time.Time) {}

// Start 启动实时推送、配置监听并连接消息中间件；连接失败直接返回错误
func (g *Gateway) Start(ctx context.Context) error {
	logger.Info("启动网关服务...")
	hubCtx, cancel := context.WithCancel(context.Background())
	g.hubCancel = cancel
	go g.hub.Run(hubCtx)

	if g.watcher != nil {
		if err := g.watcher.Start(); err != nil {
			logger.Warn("启动配置文件监听失败: %v", err)
		}
	}

	client, err := g.dial(transport.Options{
		Kind:     g.config.BrokerKind,
		URL:      g.config.BrokerURL,
		ClientID: g.clientID(),
		Username: g.config.BrokerUsername,
		Password: g.config.BrokerPassword,
		OnConnectionChange: func(connected bool) {
			g.connected.Store(connected)
			g.metrics.SetBrokerConnected(connected)
		},
	})
	if err != nil {
		return fmt.Errorf("创建消息中间件客户端失败: %w", err)
	}
	g.client = client

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := client.Connect(); err != nil {
		return err
	}
	subs := []transport.Subscription{
		{Topic: g.config.TopicSensor, QoS: 0},
		{Topic: g.config.TopicConfig, QoS: 1},
		{Topic: g.config.TopicStatus, QoS: 1},
	}
	if err := client.Subscribe(subs, g.onMessage); err != nil {
		return fmt.Errorf("订阅主题失败: %w", err)
	}
	logger.Info("网关服务启动成功，等待传感器数据...")
	return nil
}

func (g *Gateway) clientID() string {
	if id := strings.TrimSpace(g.config.BrokerClientID); id != "" {
		return id
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("sensor-gateway-%s-%d", strings.TrimSpace(host), os.Getpid())
}

// onMessage 中间件回调只入队，满时丢弃
func (g *Gateway) onMessage(topic string, payload []byte) {
	_ = g.queue.Submit(ingress.Message{
		Topic:      topic,
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: time.Now(),
	})
}

// Stop 断开中间件、处理完队列后关闭其余组件，可重复调用
func (g *Gateway) Stop() error {
	g.stopOnce.Do(func() {
		logger.Info("停止网关服务...")
		if g.client != nil {
			g.client.Close()
		}
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		g.queue.Shutdown(ctx)
		cancel()

		if g.watcher != nil {
			if err := g.watcher.Close(); err != nil {
				logger.Error("关闭配置文件监听失败: %v", err)
			}
		}
		if g.config.ArchiveOnShutdown && g.archiver != nil {
			ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
			if _, err := g.Archive(ctx); err != nil {
				logger.Error("停止前归档历史失败: %v", err)
			}
			cancel()
		}
		if g.uplink != nil {
			if err := g.uplink.Close(); err != nil {
				logger.Error("关闭 Kafka 转发失败: %v", err)
			}
		}
		if g.hubCancel != nil {
			g.hubCancel()
		}
		if err := g.history.Close(); err != nil {
			logger.Error("关闭读数历史失败: %v", err)
		}
		logger.Info("网关服务已停止")
	})
	return nil
}

// Router 返回入站路由
func (g *Gateway) Router() *ingress.Router {
	return g.router
}

// Hub 返回实时推送 Hub
func (g *Gateway) Hub() *websocket.Hub {
	return g.hub
}

// Metrics 返回指标采集器
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// Submit 投递一条入站消息，与中间件回调走同一队列
func (g *Gateway) Submit(msg ingress.Message) error {
	return g.queue.Submit(msg)
}

// CurrentConfig 返回当前告警配置
func (g *Gateway) CurrentConfig() models.AlertConfig {
	return g.alerts.Current()
}

// ApplyConfigPatch 通过路由串行化合并配置
func (g *Gateway) ApplyConfigPatch(ctx context.Context, patch models.AlertPatch) models.AlertConfig {
	return g.router.ApplyPatch(ctx, patch, "api")
}

// RecentHistory 返回最近 limit 条读数
func (g *Gateway) RecentHistory(limit int) ([]json.RawMessage, error) {
	return g.history.Recent(limit)
}

// HistoryCapacity 历史保留上限
func (g *Gateway) HistoryCapacity() int {
	return g.history.Capacity()
}

// AlertDashboard 告警面板
func (g *Gateway) AlertDashboard() alert.Dashboard {
	return g.state.Dashboard()
}

// SystemSnapshot 主机资源快照
func (g *Gateway) SystemSnapshot() sysinfo.SystemDashboard {
	return g.sysinfo.Snapshot()
}

// ArchiveEnabled 是否配置了历史归档
func (g *Gateway) ArchiveEnabled() bool {
	return g.archiver != nil
}

// Archive 上传当前完整历史
func (g *Gateway) Archive(ctx context.Context) (oss.ArchiveResult, error) {
	if g.archiver == nil {
		return oss.ArchiveResult{}, ErrArchiveDisabled
	}
	entries, err := g.history.Recent(0)
	if err != nil {
		return oss.ArchiveResult{}, fmt.Errorf("读取读数历史失败: %w", err)
	}
	return g.archiver.Archive(ctx, entries)
}

// HealthSnapshot 获取服务健康指标
func (g *Gateway) HealthSnapshot() models.HealthSnapshot {
	stats := g.history.HealthStats()
	size, err := g.history.Len()
	if err != nil {
		size = -1
	}
	snapshot := models.HealthSnapshot{
		Queue:                g.queue.Stats(),
		HandlerPanics:        g.queue.Panics(),
		BrokerKind:           g.config.BrokerKind,
		BrokerConnected:      g.connected.Load(),
		HistoryBackend:       stats.Backend,
		HistorySize:          size,
		HistoryCapacity:      stats.Capacity,
		HistoryWriteFailures: stats.WriteFailureTotal,
		HistoryCorruptTotal:  stats.CorruptFallbackTotal,
		LiveClients:          g.hub.Clients(),
		LastAlert:            g.state.Dashboard().LastAlert,
		StartedAt:            g.startedAt,
	}
	if g.uplink != nil {
		snapshot.UplinkEnabled = true
		snapshot.UplinkSent, snapshot.UplinkFailed = g.uplink.Stats()
	}
	return snapshot
}
