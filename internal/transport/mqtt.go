package transport

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"sensor-gateway/internal/logger"
)

const publishTimeout = 5 * time.Second

type mqttClient struct {
	opts   Options
	client mqtt.Client

	mu      sync.Mutex
	subs    []Subscription
	handler Handler
}

func newMQTTClient(opts Options) *mqttClient {
	c := &mqttClient{opts: opts}

	o := mqtt.NewClientOptions().
		AddBroker(opts.URL).
		SetClientID(opts.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(opts.ConnectTimeout).
		SetKeepAlive(60 * time.Second)
	if opts.Username != "" {
		o.SetUsername(opts.Username)
		o.SetPassword(opts.Password)
	}
	if opts.Will != nil {
		o.SetBinaryWill(opts.Will.Topic, opts.Will.Payload, opts.Will.QoS, opts.Will.Retained)
	}
	// 每次（重新）连接后重新订阅
	o.SetOnConnectHandler(func(client mqtt.Client) {
		logger.Info("已连接 MQTT 服务: %s", opts.URL)
		c.notifyConnection(true)
		if err := c.subscribeStored(); err != nil {
			logger.Error("MQTT 订阅失败: %v", err)
		}
	})
	o.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logger.Warn("MQTT 连接断开: %v", err)
		c.notifyConnection(false)
	})
	c.client = mqtt.NewClient(o)
	return c
}

func (c *mqttClient) notifyConnection(connected bool) {
	if c.opts.OnConnectionChange != nil {
		c.opts.OnConnectionChange(connected)
	}
}

// Connect 建立连接，超时视为失败
func (c *mqttClient) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(c.opts.ConnectTimeout) {
		return fmt.Errorf("连接 MQTT 服务超时: %s", c.opts.URL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("连接 MQTT 服务失败: %w", err)
	}
	return nil
}

// Subscribe 记录订阅，已连接时立即生效
func (c *mqttClient) Subscribe(subs []Subscription, handler Handler) error {
	c.mu.Lock()
	c.subs = append([]Subscription(nil), subs...)
	c.handler = handler
	c.mu.Unlock()
	if !c.client.IsConnectionOpen() {
		return nil
	}
	return c.subscribeStored()
}

func (c *mqttClient) subscribeStored() error {
	c.mu.Lock()
	subs := append([]Subscription(nil), c.subs...)
	handler := c.handler
	c.mu.Unlock()
	if len(subs) == 0 || handler == nil {
		return nil
	}
	filters := make(map[string]byte, len(subs))
	for _, s := range subs {
		filters[s.Topic] = s.QoS
	}
	token := c.client.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(c.opts.ConnectTimeout) {
		return fmt.Errorf("MQTT 订阅超时")
	}
	if err := token.Error(); err != nil {
		return err
	}
	logger.Info("已订阅 MQTT 主题: %d 个", len(filters))
	return nil
}

// Publish 发布消息
func (c *mqttClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("MQTT 发布超时: %s", topic)
	}
	return token.Error()
}

// Connected 返回连接状态
func (c *mqttClient) Connected() bool {
	return c.client.IsConnectionOpen()
}

// Close 主动断开，遗嘱消息不会被发送
func (c *mqttClient) Close() {
	c.client.Disconnect(250)
	c.notifyConnection(false)
}
