package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-frame-sync/internal/connection"
	"github.com/koopa0/system-design/14-frame-sync/internal/protocol"
)

// client 一條 WebSocket 連線，實現 connection.Transport
type client struct {
	hub   *Hub
	ws    *websocket.Conn
	codec protocol.Codec
	conn  *connection.Conn

	mu       sync.Mutex
	send     chan []byte
	closed   bool
	lastPong time.Time
}

func newClient(hub *Hub, ws *websocket.Conn, codec protocol.Codec) *client {
	return &client{
		hub:      hub,
		ws:       ws,
		codec:    codec,
		send:     make(chan []byte, sendBufferSize),
		lastPong: time.Now(),
	}
}

// Send 非阻塞投遞；緩衝區滿或已關閉時回傳 false
func (c *client) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close 關閉發送通道，writePump 送出 close frame 後結束
func (c *client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// lastPongAt 最後一次收到 Pong 的時間，連線建立時視為剛收到
func (c *client) lastPongAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

func (c *client) messageType() int {
	if c.codec.Binary() {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// readPump 讀取客戶端請求
//
// 心跳（讀取端）：60 秒內沒有收到任何訊息（包括 Pong）就關閉連線，
// 配合 writePump 的 54 秒 Ping，留 6 秒餘量給網路延遲。
func (c *client) readPump() {
	defer func() {
		c.hub.disconnect(c)
		c.Close()
		c.ws.Close()
		c.hub.wg.Done()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.hub.logger.Error("設置讀取期限失敗", "error", err)
	}
	c.ws.SetPongHandler(func(string) error {
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("WebSocket 讀取錯誤",
					"error", err,
					"connection_id", c.conn.ID())
			}
			return
		}

		// 任何訊息都代表連線存活
		if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.hub.logger.Error("設置讀取期限失敗", "error", err)
		}

		msg, err := c.codec.Decode(data)
		if err != nil {
			c.hub.logger.Debug("解析客戶端訊息失敗", "error", err, "connection_id", c.conn.ID())
			continue
		}
		c.hub.handle(c.conn, msg)
	}
}

// writePump 把發送通道的資料寫到客戶端
//
// 心跳（發送端）：每 54 秒送一次 Ping；通道關閉時送出 close frame 並結束。
// 一次喚醒會把通道內累積的訊息一起寫出。
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		c.hub.wg.Done()
	}()

	msgType := c.messageType()
	for {
		select {
		case data, ok := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				// 嘗試發送關閉訊息，忽略錯誤（連線可能已關閉）
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(msgType, data); err != nil {
				return
			}

			n := len(c.send)
			for range n {
				data, ok := <-c.send
				if !ok {
					return
				}
				if err := c.ws.WriteMessage(msgType, data); err != nil {
					c.hub.logger.Debug("發送訊息失敗", "error", err, "connection_id", c.conn.ID())
					return
				}
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
