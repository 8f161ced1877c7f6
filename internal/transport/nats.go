package transport

import (
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"sensor-gateway/internal/logger"
)

// natsClient 以 subject 承载 MQTT 风格的主题，"/" 映射为 "."
// NATS 没有遗嘱消息，主动关闭前代发 Will
type natsClient struct {
	opts Options

	mu   sync.Mutex
	conn *nats.Conn
	subs []*nats.Subscription
}

func newNATSClient(opts Options) *natsClient {
	return &natsClient{opts: opts}
}

// TopicToSubject MQTT 主题转换为 NATS subject
func TopicToSubject(topic string) string {
	subject := strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
	subject = strings.ReplaceAll(subject, "+", "*")
	if strings.HasSuffix(subject, "#") {
		subject = strings.TrimSuffix(subject, "#") + ">"
	}
	return subject
}

// SubjectToTopic NATS subject 转换回 MQTT 主题
func SubjectToTopic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

func (c *natsClient) Connect() error {
	options := []nats.Option{
		nats.Name(c.opts.ClientID),
		nats.Timeout(c.opts.ConnectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS 连接断开: %v", err)
			c.notifyConnection(false)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logger.Info("NATS 已重新连接: %s", conn.ConnectedUrl())
			c.notifyConnection(true)
		}),
	}
	if c.opts.Username != "" {
		options = append(options, nats.UserInfo(c.opts.Username, c.opts.Password))
	}
	conn, err := nats.Connect(c.opts.URL, options...)
	if err != nil {
		return fmt.Errorf("连接 NATS 服务失败: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	logger.Info("已连接 NATS 服务: %s", conn.ConnectedUrl())
	c.notifyConnection(true)
	return nil
}

func (c *natsClient) notifyConnection(connected bool) {
	if c.opts.OnConnectionChange != nil {
		c.opts.OnConnectionChange(connected)
	}
}

// Subscribe NATS 客户端自带重连后的订阅恢复，QoS 忽略
func (c *natsClient) Subscribe(subs []Subscription, handler Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("NATS 未连接")
	}
	for _, s := range subs {
		sub, err := c.conn.Subscribe(TopicToSubject(s.Topic), func(msg *nats.Msg) {
			handler(SubjectToTopic(msg.Subject), msg.Data)
		})
		if err != nil {
			return fmt.Errorf("订阅 NATS subject 失败: %s: %w", s.Topic, err)
		}
		c.subs = append(c.subs, sub)
	}
	logger.Info("已订阅 NATS subject: %d 个", len(subs))
	return nil
}

func (c *natsClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("NATS 未连接")
	}
	return conn.Publish(TopicToSubject(topic), payload)
}

func (c *natsClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.IsConnected()
}

func (c *natsClient) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.subs = nil
	c.mu.Unlock()
	if conn == nil {
		return
	}
	if will := c.opts.Will; will != nil && conn.IsConnected() {
		if err := conn.Publish(TopicToSubject(will.Topic), will.Payload); err != nil {
			logger.Warn("NATS 发送遗嘱消息失败: %v", err)
		}
	}
	_ = conn.Drain()
	conn.Close()
	c.notifyConnection(false)
}
