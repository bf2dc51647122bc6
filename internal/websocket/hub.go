package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"onlycat/backend/internal/auth/jwt"
	"onlycat/backend/internal/domain"
	"onlycat/backend/internal/middleware"
	"onlycat/backend/internal/monitoring"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	sendBufferSize = 64
)

// upgraderFactory 创建带有 Origin 验证的 WebSocket 升级器
func upgraderFactory(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			requestOrigin := r.Header.Get("Origin")
			if requestOrigin == "" {
				return true
			}
			for _, origin := range allowedOrigins {
				if origin == "*" || origin == requestOrigin {
					return true
				}
			}
			return false
		},
	}
}

// MessageType 定义WebSocket消息类型
type MessageType string

const (
	MessageTypeSaleCreated MessageType = "sale_created"
	MessageTypeConnected   MessageType = "connected"
	MessageTypePing        MessageType = "ping"
)

// Message 定义WebSocket消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client 代表一个WebSocket客户端连接
type Client struct {
	ID     string
	UserID string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
}

type userMessage struct {
	userID string
	data   []byte
}

// Hub 按用户管理 WebSocket 连接并推送销售事件
type Hub struct {
	clients map[string]map[string]*Client // userID -> clientID -> Client
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan userMessage
	done       chan struct{}

	jwtManager     *jwt.Manager
	allowedOrigins []string
	metrics        *monitoring.Metrics
	log            *zap.Logger
}

// NewHub 创建WebSocket Hub
//
// jwtManager 为 nil 时使用 userId 查询参数识别用户，仅用于本地开发。
func NewHub(allowedOrigins []string, jwtManager *jwt.Manager, metrics *monitoring.Metrics, log *zap.Logger) *Hub {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	return &Hub{
		clients:        make(map[string]map[string]*Client),
		register:       make(chan *Client),
		unregister:     make(chan *Client),
		broadcast:      make(chan userMessage, 256),
		done:           make(chan struct{}),
		jwtManager:     jwtManager,
		allowedOrigins: allowedOrigins,
		metrics:        metrics,
		log:            log,
	}
}

// Run 启动Hub，ctx 结束时关闭所有连接
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAllClients()
			h.log.Info("websocket hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.UserID] == nil {
				h.clients[client.UserID] = make(map[string]*Client)
			}
			h.clients[client.UserID][client.ID] = client
			count := h.countLocked()
			h.mu.Unlock()
			h.metrics.UpdateWebSocketClients(count)
			h.log.Debug("websocket client registered", zap.String("client_id", client.ID), zap.String("user_id", client.UserID))

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.UserID]; ok {
				if _, ok := clients[client.ID]; ok {
					delete(clients, client.ID)
					close(client.send)
				}
				if len(clients) == 0 {
					delete(h.clients, client.UserID)
				}
			}
			count := h.countLocked()
			h.mu.Unlock()
			h.metrics.UpdateWebSocketClients(count)
			h.log.Debug("websocket client unregistered", zap.String("client_id", client.ID))

		case msg := <-h.broadcast:
			h.sendToUser(msg.userID, msg.data)

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

// ClientCount 当前连接数
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

func (h *Hub) countLocked() int {
	n := 0
	for _, clients := range h.clients {
		n += len(clients)
	}
	return n
}

// NotifySales 向用户的所有连接推送 sale_created 事件
//
// 广播队列已满时丢弃事件，不阻塞同步流程。
func (h *Hub) NotifySales(_ context.Context, userID string, sales []domain.Sale) {
	for i := range sales {
		data, err := json.Marshal(sales[i])
		if err != nil {
			h.log.Error("failed to marshal sale", zap.Error(err))
			continue
		}
		payload, err := json.Marshal(&Message{
			Type:      MessageTypeSaleCreated,
			Data:      data,
			Timestamp: time.Now().UTC(),
		})
		if err != nil {
			continue
		}

		select {
		case h.broadcast <- userMessage{userID: userID, data: payload}:
		default:
			h.log.Warn("websocket broadcast queue full, dropping event",
				zap.String("user_id", userID),
				zap.String("sale_id", sales[i].ID))
		}
	}
}

// sendToUser 向用户的所有连接发送消息
func (h *Hub) sendToUser(userID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients[userID] {
		select {
		case client.send <- data:
		default:
			h.log.Warn("client channel blocked, skipping", zap.String("client_id", client.ID))
		}
	}
}

// pingAllClients 向所有客户端发送应用层 ping
func (h *Hub) pingAllClients() {
	data, err := json.Marshal(&Message{Type: MessageTypePing, Timestamp: time.Now().UTC()})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, clients := range h.clients {
		for _, client := range clients {
			select {
			case client.send <- data:
			default:
			}
		}
	}
}

// closeAllClients 关闭所有客户端连接
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.clients {
		for _, client := range clients {
			close(client.send)
		}
	}
	h.clients = make(map[string]map[string]*Client)
	h.metrics.UpdateWebSocketClients(0)
}

// authenticate 识别连接所属用户
func (h *Hub) authenticate(c *gin.Context) (string, error) {
	if h.jwtManager == nil {
		if userID := c.Query("userId"); userID != "" {
			return userID, nil
		}
		return "", errors.New("missing userId")
	}

	token := middleware.ExtractToken(c)
	if token == "" {
		token = c.Query("token")
	}
	if token == "" {
		return "", errors.New("missing authentication token")
	}

	claims, err := h.jwtManager.ValidateToken(token)
	if err != nil {
		return "", err
	}
	return claims.UserID(), nil
}

// HandleWebSocket 处理WebSocket连接
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	upgrader := upgraderFactory(hub.allowedOrigins)

	return func(c *gin.Context) {
		userID, err := hub.authenticate(c)
		if err != nil {
			hub.log.Warn("websocket authentication failed",
				zap.Error(err),
				zap.String("remote_addr", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "authentication required"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Warn("failed to upgrade connection",
				zap.Error(err),
				zap.String("origin", c.Request.Header.Get("Origin")))
			return
		}

		client := &Client{
			ID:     uuid.NewString(),
			UserID: userID,
			conn:   conn,
			send:   make(chan []byte, sendBufferSize),
			hub:    hub,
		}

		if data, err := json.Marshal(&Message{Type: MessageTypeConnected, Timestamp: time.Now().UTC()}); err == nil {
			client.send <- data
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			_ = conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// readPump 读取客户端消息，只用于检测断线和处理 pong
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump 发送消息给客户端
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
