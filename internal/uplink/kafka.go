// 本文件用于将已接收的读数转发到 Kafka
package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"sensor-gateway/internal/alert"
	"sensor-gateway/internal/ingress"
	"sensor-gateway/internal/logger"
	"sensor-gateway/internal/metrics"
	"sensor-gateway/internal/models"
)

const writeTimeout = 5 * time.Second

// ErrClosed 转发器已关闭
var ErrClosed = errors.New("uplink closed")

// MessageWriter kafka.Writer 的最小子集，便于测试替换
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Envelope 转发消息体
type Envelope struct {
	ID       string               `json:"id"`
	Reading  models.SensorReading `json:"reading"`
	Decision string               `json:"decision"`
	Breached []alert.Condition    `json:"breached,omitempty"`
}

// KafkaForwarder 作为路由观察者，逐条同步写入 Kafka；失败只记录不重试
type KafkaForwarder struct {
	ingress.NopObserver

	writer  MessageWriter
	topic   string
	metrics *metrics.Collector
	closed  atomic.Bool
	sent    atomic.Uint64
	failed  atomic.Uint64
}

// NewKafkaForwarder 按逗号分隔的 broker 列表创建转发器
func NewKafkaForwarder(brokers, topic string, collector *metrics.Collector) (*KafkaForwarder, error) {
	addrs := splitBrokers(brokers)
	if len(addrs) == 0 {
		return nil, fmt.Errorf("kafka broker 不能为空")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("kafka topic 不能为空")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    1,
		WriteTimeout: writeTimeout,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  1,
	}
	return NewForwarder(writer, topic, collector), nil
}

// NewForwarder 使用给定的 writer 创建转发器
func NewForwarder(writer MessageWriter, topic string, collector *metrics.Collector) *KafkaForwarder {
	return &KafkaForwarder{writer: writer, topic: topic, metrics: collector}
}

func splitBrokers(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ReadingAccepted 实现 ingress.Observer
func (f *KafkaForwarder) ReadingAccepted(ctx context.Context, reading models.SensorReading, decision alert.Decision) {
	if err := f.Forward(ctx, reading, decision); err != nil {
		logger.Warn("读数转发 Kafka 失败: %v", err)
	}
}

// Forward 写入一条读数，超时 5 秒
func (f *KafkaForwarder) Forward(ctx context.Context, reading models.SensorReading, decision alert.Decision) error {
	if f.closed.Load() {
		return ErrClosed
	}
	id := uuid.NewString()
	data, err := json.Marshal(Envelope{
		ID:       id,
		Reading:  reading,
		Decision: string(decision.Status),
		Breached: decision.Conditions,
	})
	if err != nil {
		f.observe(false)
		return fmt.Errorf("序列化读数失败: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	err = f.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(id),
		Value: data,
		Time:  reading.ReceivedAt,
		Headers: []kafka.Header{
			{Key: "decision", Value: []byte(decision.Status)},
		},
	})
	f.observe(err == nil)
	if err != nil {
		return fmt.Errorf("写入 %s 失败: %w", f.topic, err)
	}
	return nil
}

func (f *KafkaForwarder) observe(success bool) {
	if success {
		f.sent.Add(1)
	} else {
		f.failed.Add(1)
	}
	f.metrics.ObserveUplink(success)
}

// Stats 返回成功与失败条数
func (f *KafkaForwarder) Stats() (sent, failed uint64) {
	return f.sent.Load(), f.failed.Load()
}

// Close 关闭 writer，可重复调用
func (f *KafkaForwarder) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	return f.writer.Close()
}
