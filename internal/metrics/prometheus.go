// 本文件用于 Prometheus 指标聚合与导出 将运行时指标统一收口便于监控接入

package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sensor-gateway/internal/models"
)

const namespace = "sgw"

// Collector 聚合运行期指标，使用独立 registry 避免测试间互相污染。
type Collector struct {
	registry *prometheus.Registry

	readingsTotal         *prometheus.CounterVec
	historyAppendFailures prometheus.Counter
	historySize           prometheus.Gauge
	alertDecisions        *prometheus.CounterVec
	notifications         *prometheus.CounterVec
	notifyDuration        *prometheus.HistogramVec
	queueLength           prometheus.Gauge
	queueCapacity         prometheus.Gauge
	queueDropped          prometheus.Counter
	messagesProcessed     *prometheus.CounterVec
	configUpdates         *prometheus.CounterVec
	statusEvents          *prometheus.CounterVec
	handlerPanics         prometheus.Counter
	uplinkMessages        *prometheus.CounterVec
	brokerConnected       prometheus.Gauge
}

var (
	globalCollector = NewCollector()
)

// Global 返回进程级全局指标收集器。
func Global() *Collector {
	return globalCollector
}

// NewCollector 创建指标收集器。
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		readingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_total",
			Help:      "Sensor readings received, by parse result.",
		}, []string{"result"}),
		historyAppendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_append_failures_total",
			Help:      "History appends that failed to persist.",
		}),
		historySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "history_size",
			Help:      "Readings currently kept in the history log.",
		}),
		alertDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_decisions_total",
			Help:      "Alert evaluations, by decision status.",
		}, []string{"status"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Outbound notifications, by channel and outcome.",
		}, []string{"channel", "outcome"}),
		notifyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notification_duration_seconds",
			Help:      "Outbound notification latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"channel"}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingress_queue_length",
			Help:      "Messages waiting in the ingress queue.",
		}),
		queueCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingress_queue_capacity",
			Help:      "Ingress queue capacity.",
		}),
		queueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingress_queue_dropped_total",
			Help:      "Messages dropped because the ingress queue was full.",
		}),
		messagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_processed_total",
			Help:      "Inbound messages handled, by channel.",
		}, []string{"channel"}),
		configUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_updates_total",
			Help:      "Alert config updates, by source and result.",
		}, []string{"source", "result"}),
		statusEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sensor_status_events_total",
			Help:      "Sensor connectivity status tokens received.",
		}, []string{"status"}),
		handlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Panics recovered while handling a message.",
		}),
		uplinkMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uplink_messages_total",
			Help:      "Readings forwarded to the uplink, by outcome.",
		}, []string{"outcome"}),
		brokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connected",
			Help:      "1 when the broker connection is up.",
		}),
	}
	for _, item := range []prometheus.Collector{
		c.readingsTotal, c.historyAppendFailures, c.historySize, c.alertDecisions,
		c.notifications, c.notifyDuration, c.queueLength, c.queueCapacity, c.queueDropped,
		c.messagesProcessed, c.configUpdates, c.statusEvents, c.handlerPanics,
		c.uplinkMessages, c.brokerConnected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		registry.MustRegister(item)
	}
	return c
}

// Registry 返回底层 registry。
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler 返回 /metrics 处理器。
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// SetQueueStats 更新入站队列指标。
func (c *Collector) SetQueueStats(stats models.QueueStats) {
	if c == nil {
		return
	}
	c.queueLength.Set(float64(stats.QueueLength))
	c.queueCapacity.Set(float64(stats.Capacity))
}

// IncQueueDropped 记录队列满丢弃。
func (c *Collector) IncQueueDropped() {
	if c == nil {
		return
	}
	c.queueDropped.Inc()
}

// IncMessage 记录已处理消息。
func (c *Collector) IncMessage(channel string) {
	if c == nil {
		return
	}
	c.messagesProcessed.WithLabelValues(normalizeLabel(channel)).Inc()
}

// ObserveReading 记录读数解析结果。
func (c *Collector) ObserveReading(accepted bool) {
	if c == nil {
		return
	}
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	c.readingsTotal.WithLabelValues(result).Inc()
}

// IncHistoryAppendFailure 记录历史写入失败。
func (c *Collector) IncHistoryAppendFailure() {
	if c == nil {
		return
	}
	c.historyAppendFailures.Inc()
}

// SetHistorySize 更新历史条数。
func (c *Collector) SetHistorySize(size int) {
	if c == nil {
		return
	}
	c.historySize.Set(float64(size))
}

// ObserveAlertDecision 记录告警判定。
func (c *Collector) ObserveAlertDecision(status string) {
	if c == nil {
		return
	}
	c.alertDecisions.WithLabelValues(normalizeLabel(status)).Inc()
}

// ObserveNotification 记录通知发送结果，outcome 为 sent、failed 或 skipped。
func (c *Collector) ObserveNotification(channel, outcome string, latency time.Duration) {
	if c == nil {
		return
	}
	channel = normalizeLabel(channel)
	c.notifications.WithLabelValues(channel, normalizeLabel(outcome)).Inc()
	if latency > 0 {
		c.notifyDuration.WithLabelValues(channel).Observe(latency.Seconds())
	}
}

// ObserveConfigUpdate 记录配置更新。
func (c *Collector) ObserveConfigUpdate(source, result string) {
	if c == nil {
		return
	}
	c.configUpdates.WithLabelValues(normalizeLabel(source), normalizeLabel(result)).Inc()
}

// ObserveStatusEvent 记录传感器状态上报。
func (c *Collector) ObserveStatusEvent(status string) {
	if c == nil {
		return
	}
	c.statusEvents.WithLabelValues(normalizeLabel(status)).Inc()
}

// IncHandlerPanic 记录消息处理中恢复的 panic。
func (c *Collector) IncHandlerPanic() {
	if c == nil {
		return
	}
	c.handlerPanics.Inc()
}

// ObserveUplink 记录上云转发结果。
func (c *Collector) ObserveUplink(success bool) {
	if c == nil {
		return
	}
	outcome := "failed"
	if success {
		outcome = "sent"
	}
	c.uplinkMessages.WithLabelValues(outcome).Inc()
}

// SetBrokerConnected 更新中间件连接状态。
func (c *Collector) SetBrokerConnected(connected bool) {
	if c == nil {
		return
	}
	if connected {
		c.brokerConnected.Set(1)
		return
	}
	c.brokerConnected.Set(0)
}

func normalizeLabel(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return "unknown"
	}
	if len(trimmed) > 64 {
		return trimmed[:64]
	}
	return trimmed
}
