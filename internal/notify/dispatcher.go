// 本文件用于告警通知的统一分发
package notify

import (
	"context"
	"strings"
	"time"

	"sensor-gateway/internal/logger"
	"sensor-gateway/internal/metrics"
)

// DefaultTimeout 单次发送超时
const DefaultTimeout = 10 * time.Second

// Sender 需要目标会话的通知通道
type Sender interface {
	Name() string
	Send(ctx context.Context, destination, text string) error
}

// Mirror 自带固定目标的镜像通道
type Mirror interface {
	Name() string
	SendText(ctx context.Context, text string) error
}

// Options 分发器可选项
type Options struct {
	Prefix  string
	Timeout time.Duration
	Mirrors []Mirror
	Metrics *metrics.Collector
}

// Dispatcher 给文本加统一前缀后发往主通道和镜像通道，失败只记录不重试
type Dispatcher struct {
	primary Sender
	mirrors []Mirror
	prefix  string
	timeout time.Duration
	metrics *metrics.Collector
}

// NewDispatcher 创建分发器，primary 可以为空
func NewDispatcher(primary Sender, opts Options) *Dispatcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	mirrors := make([]Mirror, 0, len(opts.Mirrors))
	for _, m := range opts.Mirrors {
		if m != nil {
			mirrors = append(mirrors, m)
		}
	}
	return &Dispatcher{
		primary: primary,
		mirrors: mirrors,
		prefix:  opts.Prefix,
		timeout: timeout,
		metrics: opts.Metrics,
	}
}

// Send 发送一条通知；目标为空时主通道不发送，只记录告警日志
// 返回主通道的发送错误，镜像通道的错误只记日志
func (d *Dispatcher) Send(ctx context.Context, destination, text string) error {
	if d == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	message := d.prefix + text

	var primaryErr error
	target := strings.TrimSpace(destination)
	switch {
	case d.primary == nil:
	case target == "":
		logger.Warn("告警已触发但未配置通知目标，跳过发送")
		d.metrics.ObserveNotification(d.primary.Name(), "skipped", 0)
	default:
		primaryErr = d.deliver(ctx, d.primary.Name(), func(ctx context.Context) error {
			return d.primary.Send(ctx, target, message)
		})
	}

	for _, mirror := range d.mirrors {
		m := mirror
		_ = d.deliver(ctx, m.Name(), func(ctx context.Context) error {
			return m.SendText(ctx, message)
		})
	}
	return primaryErr
}

func (d *Dispatcher) deliver(ctx context.Context, channel string, send func(context.Context) error) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	start := time.Now()
	err := send(sendCtx)
	latency := time.Since(start)
	if err != nil {
		logger.Error("发送告警通知失败: 通道=%s 错误=%v", channel, err)
		d.metrics.ObserveNotification(channel, "failed", latency)
		return err
	}
	d.metrics.ObserveNotification(channel, "sent", latency)
	return nil
}
