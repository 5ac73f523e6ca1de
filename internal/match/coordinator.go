// Package match 配對協調器：FIFO 配對佇列、房間伺服器註冊表、使用者房間追蹤
package match

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-frame-sync/internal/notify"
	"github.com/koopa0/system-design/14-frame-sync/internal/rpc"
	"github.com/koopa0/system-design/14-frame-sync/internal/session"
	apperrors "github.com/koopa0/system-design/14-frame-sync/pkg/errors"
)

// RoomCreator 在指定的房間伺服器上開房
type RoomCreator interface {
	CreateRoom(ctx context.Context, serverURL, roomName string, maxUsers int) (rpc.CreateRoomResponse, error)
}

// State 使用者的配對狀態
type State string

const (
	// StateIdle 不在佇列中也沒有房間
	StateIdle State = "idle"
	// StateQueued 排隊中（包含正在開房的批次）
	StateQueued State = "queued"
	// StateMatched 已分配房間
	StateMatched State = "matched"
)

// Status 配對查詢結果
type Status struct {
	State     State  `json:"state"`
	Position  int    `json:"position,omitempty"` // 從 1 開始；開房中為 0
	MatchID   string `json:"matchId,omitempty"`
	ServerURL string `json:"serverUrl,omitempty"`
	RoomID    string `json:"roomId,omitempty"`
}

// Options 協調器配置
type Options struct {
	MatchSize int           // 湊滿幾人開一局
	RoomSize  int           // 開房時的人數上限，0 表示等於 MatchSize
	ServerTTL time.Duration // 房間伺服器多久沒心跳視為離線
	MatchTTL  time.Duration // 分配後多久沒收到清除事件就自動過期
}

type assignment struct {
	matchID    string
	serverURL  string
	roomID     string
	assignedAt time.Time
}

// Coordinator 配對協調器
//
// 系統設計問題：多個房間伺服器 + 一個配對入口，如何把排隊的玩家送進同一個房間？
//
// 核心挑戰：
//  1. 開房是跨程序 RPC，不能在持有鎖時等待
//  2. 開房失敗時玩家不能從佇列中消失
//  3. 使用者離開房間的事實發生在房間伺服器，協調器只能被動得知
//
// 設計方案 ✅：
//   - 湊滿一批後在鎖內出列並標記 pending，釋放鎖再呼叫 CreateRoom
//   - 失敗時整批放回佇列最前面，保持 FIFO 順序
//   - 房間伺服器透過 RPC 與 NATS 通知清除記錄，另有 MatchTTL 兜底過期
type Coordinator struct {
	store    Store
	rooms    RoomCreator
	sessions session.Store // 可為 nil
	opts     Options
	logger   *slog.Logger

	mu       sync.Mutex
	queue    []string
	pending  map[string]struct{}
	assigned map[string]assignment
}

// NewCoordinator 創建協調器
func NewCoordinator(store Store, rooms RoomCreator, sessions session.Store, opts Options, logger *slog.Logger) *Coordinator {
	if opts.MatchSize <= 0 {
		opts.MatchSize = 2
	}
	if opts.RoomSize < opts.MatchSize {
		opts.RoomSize = opts.MatchSize
	}
	if opts.ServerTTL <= 0 {
		opts.ServerTTL = 30 * time.Second
	}
	if opts.MatchTTL <= 0 {
		opts.MatchTTL = 10 * time.Minute
	}
	return &Coordinator{
		store:    store,
		rooms:    rooms,
		sessions: sessions,
		opts:     opts,
		logger:   logger.With("component", "match"),
		pending:  make(map[string]struct{}),
		assigned: make(map[string]assignment),
	}
}

// RequestMatch 加入配對佇列
//
// 已在佇列中時直接回傳目前狀態；已有房間時回傳 ALREADY_IN_ROOM。
// 湊滿一批時由最後加入的請求負責開房，開房失敗的錯誤會回傳給它，
// 但整批玩家仍留在佇列中等待下一次嘗試。
func (c *Coordinator) RequestMatch(ctx context.Context, userID string) (Status, error) {
	if userID == "" {
		return Status{}, apperrors.ErrNotLoggedIn
	}

	if err := c.checkSession(ctx, userID); err != nil {
		return Status{}, err
	}

	c.mu.Lock()
	if a, ok := c.assigned[userID]; ok {
		c.mu.Unlock()
		return Status{}, apperrors.ErrAlreadyInRoom.WithDetails(a.roomID)
	}
	if c.inQueueLocked(userID) {
		status := c.statusLocked(userID)
		c.mu.Unlock()
		return status, nil
	}
	c.queue = append(c.queue, userID)
	batch := c.takeBatchLocked()
	c.mu.Unlock()

	if batch != nil {
		if err := c.form(ctx, batch); err != nil {
			return c.QueryMatch(userID), err
		}
	}
	return c.QueryMatch(userID), nil
}

// CancelMatch 離開佇列
//
// 正在開房的批次不能取消，回傳 INVALID_STATE。
func (c *Coordinator) CancelMatch(userID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[userID]; ok {
		return false, apperrors.ErrInvalidState.WithDetails("正在開房，無法取消")
	}
	idx := slices.Index(c.queue, userID)
	if idx < 0 {
		return false, nil
	}
	c.queue = slices.Delete(c.queue, idx, idx+1)
	return true, nil
}

// QueryMatch 查詢配對狀態
func (c *Coordinator) QueryMatch(userID string) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked(userID)
}

// ClearUserRoomState 使用者已離開房間
//
// roomID 非空時只有記錄仍指向該房間才清除。
func (c *Coordinator) ClearUserRoomState(_ context.Context, userID, roomID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.assigned[userID]
	if !ok {
		return false, nil
	}
	if roomID != "" && a.roomID != roomID {
		return false, nil
	}
	delete(c.assigned, userID)
	return true, nil
}

// RegisterServer 房間伺服器註冊與心跳
func (c *Coordinator) RegisterServer(ctx context.Context, serverURL string, rooms, users int) error {
	return c.store.UpsertServer(ctx, Server{
		URL:      serverURL,
		Rooms:    rooms,
		Users:    users,
		LastSeen: time.Now().UTC(),
	})
}

// HandleEvent 處理 NATS 上的房間清除事件
func (c *Coordinator) HandleEvent(e notify.Event) {
	cleared, err := c.ClearUserRoomState(context.Background(), e.UserID, e.RoomID)
	if err != nil {
		c.logger.Warn("清除使用者房間記錄失敗", "user_id", e.UserID, "room_id", e.RoomID, "error", err)
		return
	}
	if cleared {
		c.logger.Debug("使用者房間記錄已清除", "user_id", e.UserID, "room_id", e.RoomID, "server_url", e.ServerURL)
	}
}

// Servers 存活的房間伺服器
func (c *Coordinator) Servers(ctx context.Context) ([]Server, error) {
	servers, err := c.store.ListServers(ctx, time.Now().Add(-c.opts.ServerTTL))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "讀取伺服器註冊表失敗")
	}
	return servers, nil
}

// Match 查詢配對記錄
func (c *Coordinator) Match(ctx context.Context, id string) (Match, error) {
	m, ok, err := c.store.GetMatch(ctx, id)
	if err != nil {
		return Match{}, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "讀取配對記錄失敗")
	}
	if !ok {
		return Match{}, apperrors.ErrNoRoomInfo.WithDetails(id)
	}
	return m, nil
}

// Stats 統計資訊
type Stats struct {
	Queued   int `json:"queued"`
	Pending  int `json:"pending"`
	Assigned int `json:"assigned"`
}

// Stats 佇列與分配數量
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Queued:   len(c.queue),
		Pending:  len(c.pending),
		Assigned: len(c.assigned),
	}
}

// SweepOnce 清理過期伺服器與分配，並重試因失敗留在佇列中的批次
func (c *Coordinator) SweepOnce(ctx context.Context) {
	now := time.Now()

	if pruned, err := c.store.PruneServers(ctx, now.Add(-c.opts.ServerTTL)); err != nil {
		c.logger.Warn("清理房間伺服器失敗", "error", err)
	} else if pruned > 0 {
		c.logger.Info("已移除離線的房間伺服器", "count", pruned)
	}

	c.mu.Lock()
	for userID, a := range c.assigned {
		if now.Sub(a.assignedAt) > c.opts.MatchTTL {
			delete(c.assigned, userID)
		}
	}
	batch := c.takeBatchLocked()
	c.mu.Unlock()

	if batch != nil {
		if err := c.form(ctx, batch); err != nil {
			c.logger.Warn("重試開房失敗", "error", err)
		}
	}
}

// Run 定期執行 SweepOnce 直到 ctx 結束
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SweepOnce(ctx)
		}
	}
}

// checkSession 使用者仍有房間記錄時拒絕配對
//
// Session Store 不可用時只記錄日誌，不阻擋配對。
func (c *Coordinator) checkSession(ctx context.Context, userID string) error {
	if c.sessions == nil {
		return nil
	}
	entry, ok, err := c.sessions.Get(ctx, userID)
	if err != nil {
		c.logger.WarnContext(ctx, "讀取使用者房間記錄失敗", "user_id", userID, "error", err)
		return nil
	}
	if ok {
		return apperrors.ErrAlreadyInRoom.WithDetails(entry.RoomID)
	}
	return nil
}

// form 為一批玩家開房
func (c *Coordinator) form(ctx context.Context, batch []string) error {
	srv, err := c.pickServer(ctx)
	if err == nil {
		var resp rpc.CreateRoomResponse
		resp, err = c.rooms.CreateRoom(ctx, srv.URL, "match-"+uuid.NewString()[:8], c.opts.RoomSize)
		if err == nil {
			c.assign(ctx, srv, batch, resp)
			return nil
		}
	}

	c.mu.Lock()
	for _, userID := range batch {
		delete(c.pending, userID)
	}
	c.queue = append(slices.Clone(batch), c.queue...)
	c.mu.Unlock()

	c.logger.WarnContext(ctx, "開房失敗，玩家放回佇列", "users", batch, "error", err)
	return err
}

// assign 記錄配對結果
func (c *Coordinator) assign(ctx context.Context, srv Server, batch []string, resp rpc.CreateRoomResponse) {
	m := Match{
		ID:        uuid.NewString(),
		UserIDs:   batch,
		ServerURL: resp.ServerURL,
		RoomID:    resp.RoomID,
		CreatedAt: time.Now().UTC(),
	}
	if m.ServerURL == "" {
		m.ServerURL = srv.URL
	}

	c.mu.Lock()
	for _, userID := range batch {
		delete(c.pending, userID)
		c.assigned[userID] = assignment{
			matchID:    m.ID,
			serverURL:  m.ServerURL,
			roomID:     m.RoomID,
			assignedAt: time.Now(),
		}
	}
	c.mu.Unlock()

	// 心跳之間先自行累加負載，避免同一台伺服器連續被選中
	srv.Rooms++
	srv.Users += len(batch)
	if err := c.store.UpsertServer(ctx, srv); err != nil {
		c.logger.WarnContext(ctx, "更新伺服器負載失敗", "server_url", srv.URL, "error", err)
	}
	if err := c.store.SaveMatch(ctx, m); err != nil {
		c.logger.WarnContext(ctx, "保存配對記錄失敗", "match_id", m.ID, "error", err)
	}

	c.logger.InfoContext(ctx, "配對完成", "match_id", m.ID, "room_id", m.RoomID, "server_url", m.ServerURL, "users", batch)
}

// pickServer 選擇負載最低的存活伺服器（人數優先，其次房間數）
func (c *Coordinator) pickServer(ctx context.Context) (Server, error) {
	servers, err := c.Servers(ctx)
	if err != nil {
		return Server{}, err
	}
	if len(servers) == 0 {
		return Server{}, apperrors.ErrUnavailable.WithDetails("沒有可用的房間伺服器")
	}

	best := servers[0]
	for _, srv := range servers[1:] {
		if srv.Users < best.Users || (srv.Users == best.Users && srv.Rooms < best.Rooms) {
			best = srv
		}
	}
	return best, nil
}

func (c *Coordinator) takeBatchLocked() []string {
	if len(c.queue) < c.opts.MatchSize {
		return nil
	}
	batch := slices.Clone(c.queue[:c.opts.MatchSize])
	c.queue = slices.Delete(c.queue, 0, c.opts.MatchSize)
	for _, userID := range batch {
		c.pending[userID] = struct{}{}
	}
	return batch
}

func (c *Coordinator) inQueueLocked(userID string) bool {
	if _, ok := c.pending[userID]; ok {
		return true
	}
	return slices.Contains(c.queue, userID)
}

func (c *Coordinator) statusLocked(userID string) Status {
	if a, ok := c.assigned[userID]; ok {
		return Status{
			State:     StateMatched,
			MatchID:   a.matchID,
			ServerURL: a.serverURL,
			RoomID:    a.roomID,
		}
	}
	if _, ok := c.pending[userID]; ok {
		return Status{State: StateQueued}
	}
	if idx := slices.Index(c.queue, userID); idx >= 0 {
		return Status{State: StateQueued, Position: idx + 1}
	}
	return Status{State: StateIdle}
}

var _ rpc.MatcherBackend = (*Coordinator)(nil)

