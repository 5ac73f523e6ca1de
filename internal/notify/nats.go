// Package notify 透過 NATS 廣播跨程序的使用者房間事件
//
// RPC 通知是點對點的（房間伺服器 → 配對協調器）；
// NATS 讓任何關心「使用者離開房間」的程序都能訂閱，不需要房間伺服器知道對方。
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject 預設主題
const DefaultSubject = "framesync.user_room.cleared"

// Event 使用者已離開房間
type Event struct {
	UserID    string    `json:"user_id"`
	RoomID    string    `json:"room_id"`
	ServerURL string    `json:"server_url,omitempty"`
	ClearedAt time.Time `json:"cleared_at"`
}

// Connect 連接 NATS，斷線時無限重連
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(
		url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS 連線中斷", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS 已重新連線", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("連接 NATS 失敗: %w", err)
	}
	return conn, nil
}

// Publisher 把房間清除事件發佈到 NATS，實現 room.Notifier
type Publisher struct {
	conn      *nats.Conn
	subject   string
	serverURL string
}

// NewPublisher 創建發佈者
func NewPublisher(conn *nats.Conn, subject, serverURL string) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{conn: conn, subject: subject, serverURL: serverURL}
}

// UserRoomCleared 發佈事件
//
// NATS Core 的 Publish 只寫入本地緩衝區，不會等待訂閱者。
func (p *Publisher) UserRoomCleared(_ context.Context, userID, roomID string) error {
	data, err := json.Marshal(Event{
		UserID:    userID,
		RoomID:    roomID,
		ServerURL: p.serverURL,
		ClearedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("序列化事件失敗: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("發佈事件失敗: %w", err)
	}
	return nil
}

// Subscribe 以 queue group 訂閱事件，同一 group 只有一個訂閱者收到
//
// 無法解析的訊息記錄後丟棄。
func Subscribe(conn *nats.Conn, subject, queue string, logger *slog.Logger, handle func(Event)) (*nats.Subscription, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	sub, err := conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			logger.Warn("無法解析房間事件", "subject", msg.Subject, "error", err)
			return
		}
		handle(event)
	})
	if err != nil {
		return nil, fmt.Errorf("訂閱 %s 失敗: %w", subject, err)
	}
	return sub, nil
}
