package server

import (
	"encoding/json"
	"sync"
	"time"

	"AirbandBridge/logger"
	"AirbandBridge/model"

	"github.com/gorilla/websocket"
)

// MessageType 事件流消息类型
type MessageType string

const (
	MsgTypeTransition MessageType = "transition" // 录音状态迁移
	MsgTypePing       MessageType = "ping"       // 心跳
	MsgTypePong       MessageType = "pong"       // 心跳响应
)

// WSMessage 事件流消息结构
type WSMessage struct {
	Type      MessageType       `json:"type"`
	Data      *model.Transition `json:"data,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// wsClient 一个事件流连接，frequency 非 0 时只接收该频点的事件
type wsClient struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	frequency int64
}

type broadcastMessage struct {
	frequencyHz int64
	message     []byte
}

// Hub 把流水线的状态迁移推送给所有 WebSocket 客户端
type Hub struct {
	clients map[*wsClient]bool

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan *broadcastMessage

	mu   sync.RWMutex
	done chan struct{}
	stop sync.Once

	onCount func(n int) // 客户端数量变化回调，可为 nil
}

// NewHub 创建 Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan *broadcastMessage, 256),
		done:       make(chan struct{}),
	}
}

// OnClientCount 注册客户端数量变化回调，须在 Run 之前调用
func (h *Hub) OnClientCount(fn func(n int)) {
	h.onCount = fn
}

// Run 启动 Hub 主循环
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.countChanged()
			logger.Debug("event client registered", logger.Int64("frequency", client.frequency))

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastToClients(msg)

		case <-h.done:
			h.cleanup()
			return
		}
	}
}

// Stop 停止 Hub，可重复调用
func (h *Hub) Stop() {
	h.stop.Do(func() { close(h.done) })
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Observe 实现 pipeline.Observer；广播队列满时丢弃
func (h *Hub) Observe(t model.Transition) {
	data, err := json.Marshal(&WSMessage{
		Type:      MsgTypeTransition,
		Data:      &t,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}

	select {
	case h.broadcast <- &broadcastMessage{frequencyHz: t.FrequencyHz, message: data}:
	default:
		logger.Warn("event broadcast queue full, dropping transition", logger.Path(t.Path))
	}
}

func (h *Hub) removeClient(client *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
	if ok {
		h.countChanged()
	}
}

func (h *Hub) broadcastToClients(msg *broadcastMessage) {
	h.mu.RLock()
	clientList := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		if client.frequency != 0 && client.frequency != msg.frequencyHz {
			continue
		}
		clientList = append(clientList, client)
	}
	h.mu.RUnlock()

	for _, client := range clientList {
		select {
		case client.send <- msg.message:
		default:
			// 发送缓冲区满，移除客户端
			h.removeClient(client)
		}
	}
}

func (h *Hub) cleanup() {
	h.mu.Lock()
	for client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[*wsClient]bool)
	h.mu.Unlock()
	h.countChanged()
}

func (h *Hub) countChanged() {
	if h.onCount != nil {
		h.onCount(h.ClientCount())
	}
}

// readPump 读取循环，只处理心跳；连接断开时注销客户端
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error", logger.ErrorField(err))
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil || msg.Type != MsgTypePing {
			continue
		}
		pong, _ := json.Marshal(&WSMessage{Type: MsgTypePong, Timestamp: time.Now().UnixMilli()})
		c.hub.mu.RLock()
		if c.hub.clients[c] {
			select {
			case c.send <- pong:
			default:
			}
		}
		c.hub.mu.RUnlock()
	}
}

// writePump 写入循环
func (c *wsClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub 关闭了通道
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
