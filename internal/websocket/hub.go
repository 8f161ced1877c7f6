// 本文件用于向浏览器实时推送读数、配置与传感器状态
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"sensor-gateway/internal/alert"
	"sensor-gateway/internal/logger"
	"sensor-gateway/internal/models"
)

const (
	broadcastBuffer = 64
	clientBuffer    = 32
)

// Event 推送给前端的消息
type Event struct {
	Type    string      `json:"type"` // reading、config、status
	Payload interface{} `json:"payload"`
}

// ReadingPayload 读数事件内容
type ReadingPayload struct {
	Reading  models.SensorReading `json:"reading"`
	Decision string               `json:"decision"`
	Breached []alert.Condition    `json:"breached,omitempty"`
}

// StatusPayload 传感器状态事件内容
type StatusPayload struct {
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// Hub 维护在线客户端并广播事件；慢客户端直接断开
type Hub struct {
	upgrader   websocket.Upgrader
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	mu      sync.RWMutex
	clients map[*Client]struct{}
	done    chan struct{}
}

// NewHub 创建 Hub，需调用 Run 后才会投递
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 跨域由 API 层的 CORS 配置约束
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, broadcastBuffer),
		clients:    make(map[*Client]struct{}),
		done:       make(chan struct{}),
	}
}

// Run 事件循环，ctx 取消后关闭全部客户端
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			logger.Info("实时推送客户端已连接: %s", client.remote)
		case client := <-h.unregister:
			h.remove(client)
		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					logger.Warn("实时推送客户端缓冲已满，断开: %s", client.remote)
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		logger.Info("实时推送客户端已断开: %s", client.remote)
	}
}

// Clients 当前在线客户端数量
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish 广播事件，Hub 繁忙或已停止时丢弃
func (h *Hub) Publish(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.Error("实时推送事件序列化失败: %v", err)
		return
	}
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.broadcast <- data:
	default:
		logger.Warn("实时推送队列已满，丢弃 %s 事件", event.Type)
	}
}

// ReadingAccepted 实现 ingress.Observer
func (h *Hub) ReadingAccepted(_ context.Context, reading models.SensorReading, decision alert.Decision) {
	h.Publish(Event{Type: "reading", Payload: ReadingPayload{
		Reading:  reading,
		Decision: string(decision.Status),
		Breached: decision.Conditions,
	}})
}

// ConfigChanged 实现 ingress.Observer
func (h *Hub) ConfigChanged(cfg models.AlertConfig) {
	h.Publish(Event{Type: "config", Payload: cfg})
}

// SensorStatus 实现 ingress.Observer
func (h *Hub) SensorStatus(status string, at time.Time) {
	h.Publish(Event{Type: "status", Payload: StatusPayload{Status: status, At: at}})
}

// ServeHTTP 升级为 WebSocket 连接
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket 升级失败: %v", err)
		return
	}
	client := &Client{hub: h, conn: conn, send: make(chan []byte, clientBuffer), remote: conn.RemoteAddr().String()}
	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}
