// 本文件用于定义消息中间件的收发接口
package transport

import (
	"fmt"
	"strings"
	"time"
)

// Handler 收到消息的回调，实现方应尽快返回
type Handler func(topic string, payload []byte)

// Subscription 订阅的主题与 QoS
type Subscription struct {
	Topic string
	QoS   byte
}

// Will 遗嘱消息，连接异常断开时由中间件代发
type Will struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// Options 连接参数
type Options struct {
	Kind           string // mqtt 或 nats
	URL            string
	ClientID       string
	Username       string
	Password       string
	Will           *Will
	ConnectTimeout time.Duration
	// OnConnectionChange 连接建立或断开时回调
	OnConnectionChange func(connected bool)
}

// Client 同时具备订阅与发布能力的连接
type Client interface {
	Connect() error
	Subscribe(subs []Subscription, handler Handler) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Connected() bool
	Close()
}

// New 按类型创建客户端，尚未连接
func New(opts Options) (Client, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("消息中间件地址不能为空")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	switch strings.ToLower(strings.TrimSpace(opts.Kind)) {
	case "", "mqtt":
		return newMQTTClient(opts), nil
	case "nats":
		return newNATSClient(opts), nil
	default:
		return nil, fmt.Errorf("不支持的消息中间件类型: %s", opts.Kind)
	}
}
