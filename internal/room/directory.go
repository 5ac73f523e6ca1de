package room

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-frame-sync/internal/auth"
	"github.com/koopa0/system-design/14-frame-sync/internal/connection"
	"github.com/koopa0/system-design/14-frame-sync/internal/protocol"
	"github.com/koopa0/system-design/14-frame-sync/internal/session"
	apperrors "github.com/koopa0/system-design/14-frame-sync/pkg/errors"
)

// DirectoryOptions 目錄配置
type DirectoryOptions struct {
	Room          Options
	EmptyGrace    time.Duration // 空房間保留時間
	OfflineGrace  time.Duration // 所有成員都離線的房間保留時間，0 表示不回收
	SweepInterval time.Duration // 回收器掃描間隔，0 表示不啟動回收器
	ServerURL     string        // 寫入 Session Store，跨伺服器重連用
}

// Directory 房間目錄
//
// 系統設計考量：
//
//  1. 兩層鎖：
//     - 目錄的 RWMutex 只保護 id -> Room 映射
//     - 成員變更在各房間自己的鎖內完成，不同房間互不阻塞
//
//  2. Session Store 是事實來源：
//     - 加入、離開、重連都以 Session Store 判斷「使用者在哪個房間」
//     - 能證明房間已不存在時才強制清除，否則回報 ALREADY_IN_ROOM
//
//  3. 外部協作失敗不阻擋：
//     - Session Store 寫入失敗、通知配對協調器失敗都只記錄日誌
//     - 過期的記錄會在下一次重連時自我修復
//
//  4. 同一身份的加入序列化：
//     - 本程序內以每個使用者一把鎖串起「檢查 → 加入 → 寫入」
//     - 跨程序以 Session Store 的 Claim 原子佔位，搶輸的一方回報 ALREADY_IN_ROOM
type Directory struct {
	opts     DirectoryOptions
	sessions session.Store
	notifier Notifier
	colors   *ColorGenerator
	logger   *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*Room

	userMu    sync.Mutex
	userLocks map[string]*userLock

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDirectory 創建房間目錄並啟動回收器
func NewDirectory(opts DirectoryOptions, sessions session.Store, notifier Notifier, logger *slog.Logger) *Directory {
	if sessions == nil {
		sessions = session.NewMemoryStore()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if opts.EmptyGrace <= 0 {
		opts.EmptyGrace = 5 * time.Minute
	}

	d := &Directory{
		opts:      opts,
		sessions:  sessions,
		notifier:  notifier,
		colors:    NewColorGenerator(rand.Uint64()),
		logger:    logger.With("component", "directory"),
		rooms:     make(map[string]*Room),
		userLocks: make(map[string]*userLock),
		stopCh:    make(chan struct{}),
	}

	if opts.SweepInterval > 0 {
		d.wg.Add(1)
		go d.sweepLoop()
	}

	return d
}

// CreateRoom 創建房間，maxUsers 為 0 時使用預設值
func (d *Directory) CreateRoom(name string, maxUsers int) (*Room, error) {
	if maxUsers < 0 || maxUsers > 100 {
		return nil, apperrors.ErrInvalidInput.WithDetails("人數上限必須在 1-100 之間")
	}
	opts := d.opts.Room
	if maxUsers > 0 {
		opts.MaxUsers = maxUsers
	}

	id := uuid.NewString()
	r := New(id, name, opts, d.colors, d.logger)

	d.mu.Lock()
	d.rooms[id] = r
	d.mu.Unlock()

	d.logger.Info("房間已創建", "room_id", id, "name", name, "max_users", r.maxUsers)
	return r, nil
}

// GetRoom 查詢房間，不存在是正常情況
func (d *Directory) GetRoom(id string) (*Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[id]
	return r, ok
}

// roomOf 透過連線的房間 ID 找到房間
func (d *Directory) roomOf(conn *connection.Conn) (*Room, error) {
	roomID := conn.RoomID()
	if roomID == "" {
		return nil, apperrors.ErrNotInRoom
	}
	r, ok := d.GetRoom(roomID)
	if !ok {
		return nil, apperrors.ErrNotInRoom
	}
	return r, nil
}

// userLock 單一使用者的加入鎖，refs 歸零時從映射移除
type userLock struct {
	mu   sync.Mutex
	refs int
}

// lockUser 序列化同一身份的加入、重連、離開
func (d *Directory) lockUser(userID string) func() {
	d.userMu.Lock()
	l, ok := d.userLocks[userID]
	if !ok {
		l = &userLock{}
		d.userLocks[userID] = l
	}
	l.refs++
	d.userMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		d.userMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.userLocks, userID)
		}
		d.userMu.Unlock()
	}
}

// Join 加入房間
//
// 流程（同一身份全程持有使用者鎖）：
//  1. 房間必須存在
//  2. Session Store 指向其他仍有效的房間 → ALREADY_IN_ROOM；已失效則強制清除
//  3. 在 Session Store 原子佔位，其他程序搶先寫入 → ALREADY_IN_ROOM
//  4. 連線仍綁定在其他房間時先釋放
//  5. 房間內加入（容量檢查、踢出同身份舊連線），失敗時撤回佔位
func (d *Directory) Join(ctx context.Context, id auth.Identity, conn *connection.Conn, roomID, nickname string) (protocol.JoinRoomResponse, error) {
	if id.UserID == "" {
		return protocol.JoinRoomResponse{}, apperrors.ErrNotLoggedIn
	}
	unlock := d.lockUser(id.UserID)
	defer unlock()

	r, ok := d.GetRoom(roomID)
	if !ok {
		return protocol.JoinRoomResponse{}, apperrors.ErrRoomNotExists
	}

	if err := d.checkOtherRoom(ctx, id.UserID, roomID); err != nil {
		return protocol.JoinRoomResponse{}, err
	}
	if err := d.claimSession(ctx, id.UserID, roomID); err != nil {
		return protocol.JoinRoomResponse{}, err
	}
	d.releaseOtherRoom(ctx, id, conn, roomID)

	result, err := r.Join(id, conn, nickname)
	if err != nil {
		d.releaseClaim(ctx, id.UserID, r)
		return protocol.JoinRoomResponse{}, err
	}

	return protocol.JoinRoomResponse{
		RoomData:    result.RoomData,
		CurrentUser: result.CurrentUser,
	}, nil
}

// checkOtherRoom 檢查使用者是否仍在其他有效房間
func (d *Directory) checkOtherRoom(ctx context.Context, userID, roomID string) error {
	entry, ok, err := d.sessions.Get(ctx, userID)
	if err != nil {
		d.logger.Warn("讀取使用者房間記錄失敗", "user_id", userID, "error", err)
		return nil
	}
	if !ok || entry.RoomID == roomID {
		return nil
	}

	// 其他伺服器上的房間無法在本地證明已失效
	if entry.ServerURL != "" && d.opts.ServerURL != "" && entry.ServerURL != d.opts.ServerURL {
		return apperrors.ErrAlreadyInRoom.WithDetails(entry.RoomID)
	}
	if other, exists := d.GetRoom(entry.RoomID); exists && other.HasMember(userID) {
		return apperrors.ErrAlreadyInRoom.WithDetails(entry.RoomID)
	}

	d.logger.Info("清除過期的房間記錄", "user_id", userID, "stale_room_id", entry.RoomID)
	if _, err := d.sessions.Clear(ctx, userID, entry.RoomID); err != nil {
		d.logger.Warn("清除過期記錄失敗", "user_id", userID, "error", err)
	}
	return nil
}

// releaseOtherRoom 連線仍綁定在其他房間時先離開
func (d *Directory) releaseOtherRoom(ctx context.Context, id auth.Identity, conn *connection.Conn, roomID string) {
	prevID := conn.RoomID()
	if prevID == "" || prevID == roomID {
		return
	}
	if prev, ok := d.GetRoom(prevID); ok {
		if err := prev.Leave(id, conn); err == nil {
			d.afterRemoval(ctx, id.UserID, prevID)
		}
	}
	conn.UnbindRoom(prevID)
}

// Rejoin 重新加入
//
// 房間 ID 可省略，從 Session Store 查詢。
func (d *Directory) Rejoin(ctx context.Context, id auth.Identity, conn *connection.Conn, roomID string) (protocol.RejoinRoomResponse, error) {
	if id.UserID == "" {
		return protocol.RejoinRoomResponse{}, apperrors.ErrNotLoggedIn
	}
	unlock := d.lockUser(id.UserID)
	defer unlock()

	if roomID == "" {
		entry, ok, err := d.sessions.Get(ctx, id.UserID)
		if err != nil {
			return protocol.RejoinRoomResponse{}, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "讀取房間記錄失敗")
		}
		if !ok {
			return protocol.RejoinRoomResponse{}, apperrors.ErrNoRoomInfo
		}
		roomID = entry.RoomID
	}

	r, ok := d.GetRoom(roomID)
	if !ok {
		if _, err := d.sessions.Clear(ctx, id.UserID, roomID); err != nil {
			d.logger.Warn("清除過期記錄失敗", "user_id", id.UserID, "error", err)
		}
		return protocol.RejoinRoomResponse{}, apperrors.ErrRoomNotExists
	}

	if err := d.checkOtherRoom(ctx, id.UserID, roomID); err != nil {
		return protocol.RejoinRoomResponse{}, err
	}
	if err := d.claimSession(ctx, id.UserID, roomID); err != nil {
		return protocol.RejoinRoomResponse{}, err
	}
	d.releaseOtherRoom(ctx, id, conn, roomID)

	result, err := r.Rejoin(id, conn)
	if err != nil {
		// 讀取後房間才被銷毀，或席位已被占滿
		d.releaseClaim(ctx, id.UserID, r)
		return protocol.RejoinRoomResponse{}, err
	}

	return protocol.RejoinRoomResponse{
		RoomData:    result.RoomData,
		CurrentUser: result.CurrentUser,
		IsRejoin:    result.IsRejoin,
		GamePhase:   result.GamePhase,
	}, nil
}

// Exit 主動離開房間
func (d *Directory) Exit(ctx context.Context, id auth.Identity, conn *connection.Conn) error {
	if id.UserID != "" {
		unlock := d.lockUser(id.UserID)
		defer unlock()
	}
	r, err := d.roomOf(conn)
	if err != nil {
		return err
	}
	if err := r.Leave(id, conn); err != nil {
		return err
	}
	d.afterRemoval(ctx, id.UserID, r.ID())
	return nil
}

// HandleDisconnect 傳輸層斷線
func (d *Directory) HandleDisconnect(ctx context.Context, id auth.Identity, conn *connection.Conn) {
	r, err := d.roomOf(conn)
	if err != nil {
		return
	}
	if r.HandleDisconnect(id, conn) {
		d.afterRemoval(ctx, id.UserID, r.ID())
	}
}

// afterRemoval 成員被完整移除後清除跨程序記錄
func (d *Directory) afterRemoval(ctx context.Context, userID, roomID string) {
	if _, err := d.sessions.Clear(ctx, userID, roomID); err != nil {
		d.logger.Warn("清除使用者房間記錄失敗", "user_id", userID, "room_id", roomID, "error", err)
	}
	if err := d.notifier.UserRoomCleared(ctx, userID, roomID); err != nil {
		d.logger.Warn("通知配對協調器失敗", "user_id", userID, "room_id", roomID, "error", err)
	}
}

// claimSession 在 Session Store 原子佔位
//
// 記錄不存在或已指向同一房間時寫入；指向其他房間表示另一個程序搶先，回報 ALREADY_IN_ROOM。
// Session Store 不可用時只記錄日誌，不阻擋加入。
func (d *Directory) claimSession(ctx context.Context, userID, roomID string) error {
	entry := session.Entry{RoomID: roomID, ServerURL: d.opts.ServerURL}
	current, claimed, err := d.sessions.Claim(ctx, userID, entry)
	if err != nil {
		d.logger.Warn("寫入使用者房間記錄失敗", "user_id", userID, "room_id", roomID, "error", err)
		return nil
	}
	if !claimed {
		d.logger.Info("使用者已被其他房間佔位",
			"user_id", userID,
			"room_id", roomID,
			"other_room_id", current.RoomID,
			"other_server_url", current.ServerURL)
		return apperrors.ErrAlreadyInRoom.WithDetails(current.RoomID)
	}
	return nil
}

// releaseClaim 加入失敗且不是房間成員時撤回佔位
func (d *Directory) releaseClaim(ctx context.Context, userID string, r *Room) {
	if r.HasMember(userID) {
		return
	}
	if _, err := d.sessions.Clear(ctx, userID, r.ID()); err != nil {
		d.logger.Warn("撤回使用者房間記錄失敗", "user_id", userID, "room_id", r.ID(), "error", err)
	}
}

// SetReady 設定準備狀態
func (d *Directory) SetReady(id auth.Identity, conn *connection.Conn, isReady bool) error {
	r, err := d.roomOf(conn)
	if err != nil {
		return err
	}
	return r.SetReady(id, conn, isReady)
}

// StartGame 開始遊戲
func (d *Directory) StartGame(id auth.Identity, conn *connection.Conn) error {
	r, err := d.roomOf(conn)
	if err != nil {
		return err
	}
	return r.StartGame(id, conn)
}

// EndGame 結束遊戲
func (d *Directory) EndGame(id auth.Identity, conn *connection.Conn, reason string) error {
	r, err := d.roomOf(conn)
	if err != nil {
		return err
	}
	return r.EndGame(id, conn, reason)
}

// SendInput 提交輸入
func (d *Directory) SendInput(id auth.Identity, conn *connection.Conn, operates []json.RawMessage) error {
	r, err := d.roomOf(conn)
	if err != nil {
		return err
	}
	return r.SendInput(id, conn, operates)
}

// PauseFrameSync 暫停幀同步
func (d *Directory) PauseFrameSync(id auth.Identity, conn *connection.Conn) error {
	r, err := d.roomOf(conn)
	if err != nil {
		return err
	}
	return r.PauseFrameSync(id, conn)
}

// ResumeFrameSync 恢復幀同步
func (d *Directory) ResumeFrameSync(id auth.Identity, conn *connection.Conn) error {
	r, err := d.roomOf(conn)
	if err != nil {
		return err
	}
	return r.ResumeFrameSync(id, conn)
}

// RequestGameState 追幀
func (d *Directory) RequestGameState(id auth.Identity, conn *connection.Conn, fromFrameIndex *int64) (protocol.GameStateResponse, error) {
	r, err := d.roomOf(conn)
	if err != nil {
		return protocol.GameStateResponse{}, err
	}
	return r.RequestGameState(id, conn, fromFrameIndex)
}

// UploadState 上傳狀態快照
func (d *Directory) UploadState(id auth.Identity, conn *connection.Conn, frameIndex int64, data json.RawMessage) error {
	r, err := d.roomOf(conn)
	if err != nil {
		return err
	}
	return r.UploadState(id, conn, frameIndex, data)
}

// UpdateUserState 更新即時狀態
func (d *Directory) UpdateUserState(id auth.Identity, conn *connection.Conn, state json.RawMessage) error {
	r, err := d.roomOf(conn)
	if err != nil {
		return err
	}
	return r.UpdateUserState(id, conn, state)
}

// DestroyRoom 銷毀房間並清除留在房間內使用者的記錄
func (d *Directory) DestroyRoom(ctx context.Context, roomID, reason string) bool {
	d.mu.Lock()
	r, ok := d.rooms[roomID]
	delete(d.rooms, roomID)
	d.mu.Unlock()

	if !ok {
		return false
	}
	for _, userID := range r.Destroy(reason) {
		d.afterRemoval(ctx, userID, roomID)
	}
	return true
}

// ListRooms 列出房間（依建立時間排序，分頁從 1 開始）
func (d *Directory) ListRooms(phase protocol.GamePhase, page, limit int) ([]Summary, int) {
	d.mu.RLock()
	rooms := make([]*Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		rooms = append(rooms, r)
	}
	d.mu.RUnlock()

	filtered := make([]Summary, 0, len(rooms))
	for _, r := range rooms {
		s := r.Summary()
		if phase != "" && s.GamePhase != phase {
			continue
		}
		filtered = append(filtered, s)
	}
	slices.SortFunc(filtered, func(a, b Summary) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})

	total := len(filtered)
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	start := (page - 1) * limit
	if start >= total {
		return []Summary{}, total
	}
	end := min(start+limit, total)
	return filtered[start:end], total
}

// Stats 目錄統計
type Stats struct {
	TotalRooms  int                        `json:"total_rooms"`
	TotalUsers  int                        `json:"total_users"`
	OnlineUsers int                        `json:"online_users"`
	ByPhase     map[protocol.GamePhase]int `json:"by_phase"`
}

// Stats 取得統計資訊
func (d *Directory) Stats() Stats {
	d.mu.RLock()
	rooms := make([]*Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		rooms = append(rooms, r)
	}
	d.mu.RUnlock()

	stats := Stats{
		TotalRooms: len(rooms),
		ByPhase:    make(map[protocol.GamePhase]int),
	}
	for _, r := range rooms {
		s := r.Summary()
		stats.TotalUsers += s.Users
		stats.OnlineUsers += s.Online
		stats.ByPhase[s.GamePhase]++
	}
	return stats
}

// sweepLoop 定期回收空房間
func (d *Directory) sweepLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			d.SweepOnce(now)
		case <-d.stopCh:
			return
		}
	}
}

// SweepOnce 銷毀閒置超過保留時間的房間，回傳銷毀數量
//
// 條件在各房間的鎖內重新確認，掃描後才有人加入或重連的房間不會被銷毀。
func (d *Directory) SweepOnce(now time.Time) int {
	d.mu.RLock()
	rooms := make([]*Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		rooms = append(rooms, r)
	}
	d.mu.RUnlock()

	policy := IdlePolicy{EmptyGrace: d.opts.EmptyGrace, OfflineGrace: d.opts.OfflineGrace}
	ctx := context.Background()

	count := 0
	for _, r := range rooms {
		userIDs, reason, ok := r.DestroyIfIdle(now, policy)
		if !ok {
			continue
		}
		d.mu.Lock()
		if d.rooms[r.ID()] == r {
			delete(d.rooms, r.ID())
		}
		d.mu.Unlock()

		for _, userID := range userIDs {
			d.afterRemoval(ctx, userID, r.ID())
		}
		d.logger.Info("回收閒置房間", "room_id", r.ID(), "reason", reason, "users", len(userIDs))
		count++
	}
	return count
}

// Stop 停止回收器並銷毀所有房間
func (d *Directory) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	d.wg.Wait()

	d.mu.Lock()
	rooms := d.rooms
	d.rooms = make(map[string]*Room)
	d.mu.Unlock()

	for _, r := range rooms {
		r.Destroy("server_shutdown")
	}

	d.logger.Info("房間目錄已停止", "rooms", len(rooms))
}
