// Package connection 管理傳輸層連線的身份與房間綁定
//
// 連線只持有房間 ID（弱引用），需要房間時透過目錄查詢；
// 房間的成員清單才是權威資料。
package connection

import (
	"sync"
	"time"

	"github.com/koopa0/system-design/14-frame-sync/internal/auth"
	"github.com/koopa0/system-design/14-frame-sync/internal/protocol"
)

// Transport 底層傳輸
//
// Send 必須是非阻塞的：緩衝區滿時回傳 false，不能拖慢房間的 tick。
type Transport interface {
	Send(data []byte) bool
	Close()
}

// Conn 一條客戶端連線
type Conn struct {
	id        string
	transport Transport
	codec     protocol.Codec
	createdAt time.Time

	mu       sync.RWMutex
	identity *auth.Identity
	roomID   string
}

// New 創建連線
func New(id string, transport Transport, codec protocol.Codec) *Conn {
	if codec == nil {
		codec = protocol.JSONCodec{}
	}
	return &Conn{
		id:        id,
		transport: transport,
		codec:     codec,
		createdAt: time.Now(),
	}
}

// ID 連線 ID，也是幀資料中的 connectionId
func (c *Conn) ID() string {
	return c.id
}

// Codec 連線使用的編碼
func (c *Conn) Codec() protocol.Codec {
	return c.codec
}

// CreatedAt 建立時間
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// Identity 已認證的身份
func (c *Conn) Identity() (auth.Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity == nil {
		return auth.Identity{}, false
	}
	return *c.identity, true
}

// SetIdentity 綁定身份
func (c *Conn) SetIdentity(id auth.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity = &id
}

// RoomID 目前綁定的房間，未綁定時為空字串
func (c *Conn) RoomID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

// BindRoom 綁定房間，必須在房間的臨界區內呼叫
func (c *Conn) BindRoom(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roomID = roomID
}

// UnbindRoom 只有仍綁定在 roomID 時才解除
func (c *Conn) UnbindRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roomID != roomID {
		return false
	}
	c.roomID = ""
	return true
}

// Send 送出已編碼的資料
func (c *Conn) Send(data []byte) bool {
	return c.transport.Send(data)
}

// SendMessage 以連線的編碼送出訊息
func (c *Conn) SendMessage(msg *protocol.Message) bool {
	data, err := c.codec.Encode(msg)
	if err != nil {
		return false
	}
	return c.transport.Send(data)
}

// Close 關閉底層傳輸
func (c *Conn) Close() {
	c.transport.Close()
}
