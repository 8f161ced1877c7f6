// 本文件用于入站消息的单消费者队列
package ingress

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"sensor-gateway/internal/logger"
	"sensor-gateway/internal/metrics"
	"sensor-gateway/internal/models"
)

var (
	// ErrQueueFull 队列已满，消息被丢弃
	ErrQueueFull = errors.New("ingress queue full")
	// ErrQueueClosed 队列已关闭
	ErrQueueClosed = errors.New("ingress queue closed")
)

// Message 一条入站消息
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// HandlerFunc 消息处理函数
type HandlerFunc func(ctx context.Context, msg Message)

// Queue 有界队列加单个消费协程，保证消息逐条处理
type Queue struct {
	messages chan Message
	handle   HandlerFunc
	metrics  *metrics.Collector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	processed atomic.Uint64
	dropped   atomic.Uint64
	panics    atomic.Uint64
}

// NewQueue 创建队列并启动消费协程
func NewQueue(queueSize int, handle HandlerFunc, collector *metrics.Collector) *Queue {
	if queueSize <= 0 {
		queueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		messages: make(chan Message, queueSize),
		handle:   handle,
		metrics:  collector,
		ctx:      ctx,
		cancel:   cancel,
	}
	q.wg.Add(1)
	go q.worker()
	logger.Info("入站队列已启动，队列大小: %d", queueSize)
	return q
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for msg := range q.messages {
		if q.ctx.Err() != nil {
			q.dropped.Add(1)
			continue
		}
		q.process(msg)
		q.processed.Add(1)
		q.metrics.SetQueueStats(q.Stats())
	}
}

// process 单条消息的 panic 不影响后续消息
func (q *Queue) process(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			q.panics.Add(1)
			q.metrics.IncHandlerPanic()
			logger.Error("处理入站消息时发生 panic: 主题=%s 错误=%v\n%s", msg.Topic, r, debug.Stack())
		}
	}()
	q.handle(q.ctx, msg)
}

// Submit 非阻塞入队，队列满时丢弃并返回 ErrQueueFull
func (q *Queue) Submit(msg Message) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	select {
	case q.messages <- msg:
		q.metrics.SetQueueStats(q.Stats())
		return nil
	default:
		q.dropped.Add(1)
		q.metrics.IncQueueDropped()
		logger.Warn("入站队列已满，丢弃消息: 主题=%s", msg.Topic)
		return ErrQueueFull
	}
}

// Shutdown 停止接收并处理完已入队的消息，ctx 到期后放弃剩余消息
func (q *Queue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.messages)
	q.mu.Unlock()

	logger.Info("正在关闭入站队列...")
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		q.cancel()
		<-done
	}
	q.cancel()
	logger.Info("入站队列已关闭")
}

// Stats 获取队列状态
func (q *Queue) Stats() models.QueueStats {
	return models.QueueStats{
		QueueLength: len(q.messages),
		Capacity:    cap(q.messages),
		Processed:   q.processed.Load(),
		Dropped:     q.dropped.Load(),
	}
}

// Panics 返回恢复过的 panic 次数
func (q *Queue) Panics() uint64 {
	return q.panics.Load()
}
