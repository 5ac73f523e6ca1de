// Package ws 提供客戶端的 WebSocket 接入
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-frame-sync/internal/auth"
	"github.com/koopa0/system-design/14-frame-sync/internal/connection"
	"github.com/koopa0/system-design/14-frame-sync/internal/protocol"
	"github.com/koopa0/system-design/14-frame-sync/internal/room"
	apperrors "github.com/koopa0/system-design/14-frame-sync/pkg/errors"
)

// 系統設計問題：
//   如何讓每秒 60 次的同步幀穩定送達所有玩家，又不讓一個慢客戶端拖慢整個房間？
//
// 核心挑戰：
//   1. 實時通信：同步幀、成員變更需要立即推送
//   2. 連接管理：斷線、重連、同一帳號多分頁
//   3. 心跳機制：檢測死連接（網絡異常、客戶端崩潰）
//   4. 背壓：房間 tick 持有鎖時不能等待網路寫入
//
// 設計方案：
//   ✅ WebSocket - 全雙工通信（低延遲、服務器推送）
//   ✅ 每條連線一對 read/write goroutine - 讀寫互不阻塞
//   ✅ Ping/Pong 心跳 - 檢測死連接（54s/60s）
//   ✅ 緩衝 channel - 房間只做非阻塞投遞，滿了就丟

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
	requestTimeout = 5 * time.Second
)

// Hub WebSocket 連接中心
//
// Hub 本身不持有房間狀態：
//   - 連線註冊表只記錄「有哪些連線」
//   - 連線屬於哪個房間由連線的房間 ID 與目錄決定
//   - 廣播由房間直接對連線投遞，Hub 不做轉發
type Hub struct {
	directory *room.Directory
	resolver  auth.Resolver
	registry  *connection.Registry
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewHub 創建 WebSocket Hub
func NewHub(directory *room.Directory, resolver auth.Resolver, registry *connection.Registry, logger *slog.Logger) *Hub {
	if registry == nil {
		registry = connection.NewRegistry()
	}
	return &Hub{
		directory: directory,
		resolver:  resolver,
		registry:  registry,
		logger:    logger.With("component", "ws"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 在生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// ServeWS 處理 WebSocket 連接
//
// 憑證從 ?token= 或 Authorization: Bearer 讀取；沒有憑證也可以連線，
// 但需要身份的操作會回 NOT_LOGGED_IN。編碼由 ?codec=json|binary 選擇。
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	stopped := h.stopped
	h.mu.Unlock()
	if stopped {
		http.Error(w, "服務正在關閉", http.StatusServiceUnavailable)
		return
	}

	identity, err := h.authenticate(r)
	if err != nil {
		status := http.StatusUnauthorized
		if apperrors.CodeOf(err) == apperrors.ErrCodeUnavailable {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, apperrors.MessageOf(err), status)
		return
	}

	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	codec := protocol.CodecByName(r.URL.Query().Get("codec"))
	c := newClient(h, wsConn, codec)
	conn := connection.New(uuid.NewString(), c, codec)
	if identity != nil {
		conn.SetIdentity(*identity)
	}
	c.conn = conn
	h.registry.Add(conn)

	h.wg.Add(2)
	go c.writePump()
	go c.readPump()

	h.logger.Info("WebSocket 連接建立",
		"connection_id", conn.ID(),
		"user_id", userIDOf(identity),
		"codec", codec.Name())
}

// authenticate 解析憑證；沒有憑證時回傳 nil 身份
func (h *Hub) authenticate(r *http.Request) (*auth.Identity, error) {
	if h.resolver == nil {
		return nil, nil
	}

	token := auth.TokenFromRequest(r)

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	id, err := h.resolver.Resolve(ctx, token)
	if errors.Is(err, apperrors.ErrNotLoggedIn) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// disconnect 連線結束：從註冊表移除並通知目錄
func (h *Hub) disconnect(c *client) {
	conn := c.conn
	if !h.registry.Remove(conn) {
		return
	}
	if id, ok := conn.Identity(); ok {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		h.directory.HandleDisconnect(ctx, id, conn)
		cancel()
	}

	h.logger.Info("WebSocket 連接關閉",
		"connection_id", conn.ID(),
		"room_id", conn.RoomID(),
		"duration", time.Since(conn.CreatedAt()).Round(time.Millisecond),
		"since_last_pong", time.Since(c.lastPongAt()).Round(time.Millisecond))
}

// ConnectionCount 目前連線數
func (h *Hub) ConnectionCount() int {
	return h.registry.Count()
}

// Stop 關閉所有連線並等待 goroutine 結束
func (h *Hub) Stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.mu.Unlock()

	h.registry.CloseAll()
	h.wg.Wait()

	h.logger.Info("WebSocket Hub 已停止")
}

func userIDOf(id *auth.Identity) string {
	if id == nil {
		return ""
	}
	return id.UserID
}
