package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"margin-core/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源，生产环境应该限制
	},
}

// SnapshotProvider 订单簿快照查询能力
type SnapshotProvider interface {
	GetOrderBookSnapshot(instrument string, depth int) *types.OrderBookSnapshot
}

// Server WebSocket服务器。
// 引擎事件经 HandleEvent 进入, 按品种订阅关系推送给客户端。
type Server struct {
	snapshots  SnapshotProvider
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *zap.Logger
}

// NewServer 创建WebSocket服务器
func NewServer(snapshots SnapshotProvider, logger *zap.Logger) *Server {
	return &Server{
		snapshots:  snapshots,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
	}
}

// Run 运行服务器
func (s *Server) Run() {
	for {
		select {
		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			s.mu.Unlock()
			s.logger.Info("client connected", zap.String("addr", client.conn.RemoteAddr().String()))

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				close(client.send)
				s.logger.Info("client disconnected", zap.String("addr", client.conn.RemoteAddr().String()))
			}
			s.mu.Unlock()
		}
	}
}

// HandleEvent 事件处理入口
func (s *Server) HandleEvent(event types.Event) {
	msg := &WSMessage{
		Type:       event.GetType().String(),
		Instrument: event.GetInstrument(),
		Timestamp:  event.GetTimestamp(),
	}

	switch e := event.(type) {
	case *types.BestPriceChangedEvent:
		msg.Data = e.Price
	case *types.TradeEvent:
		msg.Data = e.Matched
	case *types.OrderExecutedEvent:
		msg.Data = e.Order
	case *types.OrderRejectedEvent:
		msg.Data = e.Order
	case *types.OrderActivatedEvent:
		msg.Data = e.Order
	case *types.PositionOpenedEvent:
		msg.Data = e
	case *types.PositionClosedEvent:
		msg.Data = e
	case *types.RouteChangedEvent:
		msg.Data = e.Route
	}

	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal event", zap.Error(err))
		return
	}

	s.broadcastToSubscribers(event.GetInstrument(), data)
}

// broadcastToSubscribers 广播给订阅者
func (s *Server) broadcastToSubscribers(instrument string, data []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for client := range s.clients {
		if client.isSubscribed(instrument) {
			select {
			case client.send <- data:
			default:
				// 客户端缓冲区满，跳过
			}
		}
	}
}

// HandleConnection 处理WebSocket连接
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := &Client{
		server:        s,
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]bool),
	}

	s.register <- client

	go client.writePump()
	go client.readPump()
}

// Client WebSocket客户端
type Client struct {
	server        *Server
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[string]bool
	mu            sync.RWMutex
}

// isSubscribed 检查是否订阅了某个品种
func (c *Client) isSubscribed(instrument string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscriptions[instrument] || c.subscriptions["*"]
}

// subscribe 订阅品种
func (c *Client) subscribe(instrument string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[instrument] = true
}

// unsubscribe 取消订阅
func (c *Client) unsubscribe(instrument string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, instrument)
}

// readPump 读取消息
func (c *Client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Error("websocket error", zap.Error(err))
			}
			break
		}

		c.handleMessage(message)
	}
}

// writePump 写入消息
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// 批量发送队列中的消息
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理客户端消息
func (c *Client) handleMessage(data []byte) {
	var msg WSRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("invalid message format")
		return
	}

	switch msg.Action {
	case "subscribe":
		c.subscribe(msg.Instrument)
		c.sendResponse(&WSResponse{
			Action:     "subscribed",
			Instrument: msg.Instrument,
			Success:    true,
		})

	case "unsubscribe":
		c.unsubscribe(msg.Instrument)
		c.sendResponse(&WSResponse{
			Action:     "unsubscribed",
			Instrument: msg.Instrument,
			Success:    true,
		})

	case "snapshot":
		// 发送订单簿快照
		snapshot := c.server.snapshots.GetOrderBookSnapshot(msg.Instrument, 20)
		if snapshot != nil {
			data, _ := json.Marshal(&WSMessage{
				Type:       "BOOK_SNAPSHOT",
				Instrument: msg.Instrument,
				Timestamp:  snapshot.Timestamp,
				Data:       snapshot,
			})
			c.send <- data
		}

	case "ping":
		c.sendResponse(&WSResponse{
			Action:  "pong",
			Success: true,
		})

	default:
		c.sendError("unknown action: " + msg.Action)
	}
}

// sendError 发送错误消息
func (c *Client) sendError(message string) {
	c.sendResponse(&WSResponse{
		Action:  "error",
		Success: false,
		Message: message,
	})
}

// sendResponse 发送响应
func (c *Client) sendResponse(resp *WSResponse) {
	data, _ := json.Marshal(resp)
	select {
	case c.send <- data:
	default:
	}
}

// WSMessage WebSocket消息
type WSMessage struct {
	Type       string      `json:"type"`
	Instrument string      `json:"instrument"`
	Timestamp  int64       `json:"timestamp"`
	Data       interface{} `json:"data"`
}

// WSRequest WebSocket请求
type WSRequest struct {
	Action     string                 `json:"action"`
	Instrument string                 `json:"instrument"`
	Params     map[string]interface{} `json:"params,omitempty"`
}

// WSResponse WebSocket响应
type WSResponse struct {
	Action     string `json:"action"`
	Instrument string `json:"instrument,omitempty"`
	Success    bool   `json:"success"`
	Message    string `json:"message,omitempty"`
}
