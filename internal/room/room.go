// Package room 實作房間成員管理、生命週期與房間目錄
package room

import (
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-frame-sync/internal/auth"
	"github.com/koopa0/system-design/14-frame-sync/internal/connection"
	"github.com/koopa0/system-design/14-frame-sync/internal/framesync"
	"github.com/koopa0/system-design/14-frame-sync/internal/protocol"
	apperrors "github.com/koopa0/system-design/14-frame-sync/pkg/errors"
)

// 系統設計問題：
//   如何讓玩家在網路抖動、重新整理頁面後回到同一個位置，又不讓空房間佔用資源？
//
// 核心挑戰：
//   1. 唯一性：同一身份在房間內只能有一條活著的連線（多分頁、重連）
//   2. 斷線保留：多人房間的斷線玩家保留席位，標記為離線等待重連
//   3. 資源回收：最後一個人斷線就完整移除，空房間交給回收器
//   4. 停止競態：銷毀房間時不能有 tick 在半拆除的狀態上執行
//
// 設計方案：
//   ✅ 每個房間一把 Mutex - 成員變更與 tick 完全序列化
//   ✅ 單一 goroutine 驅動計時器 - 幀時鐘與使用者狀態廣播
//   ✅ 銷毀順序固定 - 標記 → 停止計時器 → 等待 goroutine → 拆除
//   ✅ 廣播不阻塞 - 每種編碼只編一次，對每條連線非阻塞送出

// Options 房間配置
type Options struct {
	MaxUsers          int
	Engine            framesync.Config
	UserStateInterval time.Duration

	// StateSource 伺服器端的權威狀態快照來源，nil 表示依賴客戶端上傳
	StateSource framesync.SnapshotSource
}

// DefaultOptions 返回預設配置
func DefaultOptions() Options {
	return Options{
		MaxUsers:          4,
		Engine:            framesync.DefaultConfig(),
		UserStateInterval: 100 * time.Millisecond,
	}
}

// member 房間成員
type member struct {
	user     protocol.UserInRoom
	joinedAt time.Time
	state    json.RawMessage // 即時狀態（位置、動畫），與幀同步分開
}

// Room 遊戲房間
type Room struct {
	id        string
	name      string
	seed      int64
	maxUsers  int
	createdAt time.Time

	logger *slog.Logger
	colors *ColorGenerator
	engine *framesync.Engine

	frameInterval     time.Duration
	userStateInterval time.Duration

	mu            sync.Mutex
	users         []*member                   // 加入順序
	conns         map[string]*connection.Conn // userID -> 唯一的活躍連線
	ownerID       string
	phase         protocol.GamePhase
	lastEmptyTime time.Time // 成員數歸零的時間
	offlineSince  time.Time // 仍有成員但全部離線的起始時間
	updateTime    time.Time
	statesDirty   bool
	destroyed     bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New 創建房間並啟動計時器
func New(id, name string, opts Options, colors *ColorGenerator, logger *slog.Logger) *Room {
	def := DefaultOptions()
	if opts.MaxUsers <= 0 {
		opts.MaxUsers = def.MaxUsers
	}
	if opts.UserStateInterval <= 0 {
		opts.UserStateInterval = def.UserStateInterval
	}
	if colors == nil {
		colors = NewColorGenerator(rand.Uint64())
	}

	now := time.Now()
	logger = logger.With("room_id", id)
	engine := framesync.New(opts.Engine, logger.With("component", "framesync"))

	r := &Room{
		id:                id,
		name:              name,
		seed:              rand.Int64(),
		maxUsers:          opts.MaxUsers,
		createdAt:         now,
		logger:            logger,
		colors:            colors,
		engine:            engine,
		frameInterval:     time.Second / time.Duration(engine.Config().FrameRate),
		userStateInterval: opts.UserStateInterval,
		conns:             make(map[string]*connection.Conn),
		phase:             protocol.PhaseWaiting,
		lastEmptyTime:     now, // 剛建立還沒有人加入，同樣受回收器管理
		updateTime:        now,
		stopCh:            make(chan struct{}),
	}

	engine.SetFrameHandler(r.broadcastFrameLocked)
	if opts.StateSource != nil {
		engine.SetSnapshotSource(opts.StateSource)
	}

	r.wg.Add(1)
	go r.loop()

	return r
}

// ID 房間 ID
func (r *Room) ID() string { return r.id }

// Name 房間名稱
func (r *Room) Name() string { return r.name }

// Engine 幀同步引擎
func (r *Room) Engine() *framesync.Engine { return r.engine }

// loop 房間計時器
//
// 幀時鐘與使用者狀態廣播由同一個 goroutine 驅動，
// 暫停時幀時鐘仍在跳動，只是引擎不產生幀。
func (r *Room) loop() {
	defer r.wg.Done()

	frameTicker := time.NewTicker(r.frameInterval)
	defer frameTicker.Stop()

	stateTicker := time.NewTicker(r.userStateInterval)
	defer stateTicker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-frameTicker.C:
			r.Tick()
		case <-stateTicker.C:
			r.FlushUserStates()
		}
	}
}

// Tick 推進一幀（計時器呼叫，測試也可直接呼叫）
func (r *Room) Tick() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return
	}
	r.engine.Tick()
}

// FlushUserStates 廣播有變更的使用者即時狀態
func (r *Room) FlushUserStates() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed || !r.statesDirty {
		return
	}
	r.statesDirty = false

	states := make(map[string]json.RawMessage, len(r.users))
	for _, m := range r.users {
		if m.state != nil {
			states[m.user.ID] = m.state
		}
	}
	r.broadcastLocked(protocol.TypeUserStates, protocol.UserStatesMessage{States: states}, "")
}

// broadcastFrameLocked 引擎的幀回呼，在 Tick 持有房間鎖時執行
func (r *Room) broadcastFrameLocked(frameIndex int64, frame protocol.GameSyncFrame) {
	r.broadcastLocked(protocol.TypeSyncFrame, protocol.SyncFrameMessage{
		FrameIndex: frameIndex,
		SyncFrame:  frame,
	}, "")
}

// broadcastLocked 廣播給房間內所有連線
//
// 每種編碼只編一次；送不出去的連線直接略過，不影響其他人。
func (r *Room) broadcastLocked(typ string, payload any, exceptUserID string) {
	if len(r.conns) == 0 {
		return
	}

	msg, err := protocol.NewBroadcast(typ, payload)
	if err != nil {
		r.logger.Error("建立廣播失敗", "type", typ, "error", err)
		return
	}

	encoded := make(map[string][]byte, 2)
	for userID, conn := range r.conns {
		if userID == exceptUserID {
			continue
		}
		codec := conn.Codec()
		data, ok := encoded[codec.Name()]
		if !ok {
			if data, err = codec.Encode(msg); err != nil {
				r.logger.Error("編碼廣播失敗", "type", typ, "codec", codec.Name(), "error", err)
				continue
			}
			encoded[codec.Name()] = data
		}
		if !conn.Send(data) {
			r.logger.Debug("連線緩衝區滿，略過廣播",
				"type", typ,
				"user_id", userID,
				"connection_id", conn.ID())
		}
	}
}

// JoinResult 加入結果
type JoinResult struct {
	RoomData    protocol.RoomData
	CurrentUser protocol.UserInRoom
	IsRejoin    bool
	GamePhase   protocol.GamePhase
}

// Join 加入房間
//
// 同一身份已有記錄時重新綁定連線，不會產生第二筆記錄。
func (r *Room) Join(id auth.Identity, conn *connection.Conn, nickname string) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return JoinResult{}, apperrors.ErrRoomNotExists
	}
	return r.joinLocked(id, conn, nickname)
}

func (r *Room) joinLocked(id auth.Identity, conn *connection.Conn, nickname string) (JoinResult, error) {
	if m := r.findLocked(id.UserID); m != nil {
		return r.rebindLocked(m, conn, false), nil
	}

	if len(r.users) >= r.maxUsers {
		return JoinResult{}, apperrors.ErrRoomFull
	}

	if nickname == "" {
		nickname = id.Nickname
	}
	if nickname == "" {
		nickname = id.UserID
	}

	used := make([]protocol.Color, 0, len(r.users))
	for _, m := range r.users {
		used = append(used, m.user.Color)
	}

	m := &member{
		user: protocol.UserInRoom{
			ID:       id.UserID,
			Nickname: nickname,
			Color:    r.colors.Next(used),
		},
		joinedAt: time.Now(),
	}
	r.evictLocked(id.UserID, conn)
	r.users = append(r.users, m)
	r.conns[id.UserID] = conn
	conn.BindRoom(r.id)

	if r.ownerID == "" {
		r.ownerID = id.UserID
	}
	r.lastEmptyTime = time.Time{}
	r.offlineSince = time.Time{}
	r.touchLocked()

	r.broadcastLocked(protocol.TypeUserJoin, protocol.UserJoinMessage{
		User:  m.user,
		Color: m.user.Color,
	}, id.UserID)

	r.logger.Info("使用者加入房間",
		"user_id", id.UserID,
		"connection_id", conn.ID(),
		"users", len(r.users))

	return JoinResult{
		RoomData:    r.snapshotLocked(),
		CurrentUser: m.user,
		GamePhase:   r.phase,
	}, nil
}

// Rejoin 重新加入
//
// 記錄還在（只是離線）時恢復上線；記錄已被移除時視為一般加入。
func (r *Room) Rejoin(id auth.Identity, conn *connection.Conn) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return JoinResult{}, apperrors.ErrRoomNotExists
	}
	if m := r.findLocked(id.UserID); m != nil {
		return r.rebindLocked(m, conn, true), nil
	}
	return r.joinLocked(id, conn, id.Nickname)
}

// rebindLocked 把既有記錄綁定到新連線並恢復上線
func (r *Room) rebindLocked(m *member, conn *connection.Conn, isRejoin bool) JoinResult {
	r.evictLocked(m.user.ID, conn)

	wasOffline := m.user.IsOffline
	m.user.IsOffline = false
	r.conns[m.user.ID] = conn
	conn.BindRoom(r.id)
	r.lastEmptyTime = time.Time{}
	r.offlineSince = time.Time{}
	r.touchLocked()

	if wasOffline {
		r.broadcastLocked(protocol.TypeUserOnline, protocol.UserMessage{User: m.user}, m.user.ID)
	}

	r.logger.Info("使用者重新綁定連線",
		"user_id", m.user.ID,
		"connection_id", conn.ID(),
		"was_offline", wasOffline)

	return JoinResult{
		RoomData:    r.snapshotLocked(),
		CurrentUser: m.user,
		IsRejoin:    isRejoin,
		GamePhase:   r.phase,
	}
}

// evictLocked 踢出同一身份在本房間的舊連線
func (r *Room) evictLocked(userID string, keep *connection.Conn) {
	old, ok := r.conns[userID]
	if !ok || old == keep {
		return
	}
	delete(r.conns, userID)
	old.UnbindRoom(r.id)
	old.SendMessage(newNotice(protocol.TypeKicked, protocol.KickedMessage{Reason: "duplicate_login"}))

	r.logger.Info("踢出重複連線",
		"user_id", userID,
		"connection_id", old.ID())
}

// Leave 主動離開：完整移除記錄
func (r *Room) Leave(id auth.Identity, conn *connection.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.boundLocked(id, conn)
	if err != nil {
		return err
	}
	r.removeLocked(m)
	return nil
}

// HandleDisconnect 傳輸層斷線
//
// 回傳 true 表示記錄被完整移除（唯一成員），呼叫方需要清除 Session Store；
// 已被踢出或不在房間的連線是 no-op。
func (r *Room) HandleDisconnect(id auth.Identity, conn *connection.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return false
	}
	m, err := r.boundLocked(id, conn)
	if err != nil {
		return false
	}

	// 唯一成員：與主動離開相同，沒有人需要等他回來
	if len(r.users) == 1 {
		r.removeLocked(m)
		return true
	}

	m.user.IsOffline = true
	delete(r.conns, id.UserID)
	conn.UnbindRoom(r.id)
	r.touchLocked()

	r.broadcastLocked(protocol.TypeUserOffline, protocol.UserMessage{User: m.user}, "")

	// 斷線取消準備，避免「幽靈準備」卡住開局
	if r.phase == protocol.PhaseWaiting && m.user.IsReady {
		m.user.IsReady = false
		r.broadcastLocked(protocol.TypeUserReadyChanged, protocol.UserReadyChangedMessage{
			User:    m.user,
			IsReady: false,
		}, "")
	}

	// 席位仍保留，只開始離線計時
	if len(r.conns) == 0 {
		r.offlineSince = time.Now()
	}

	r.logger.Info("使用者離線",
		"user_id", id.UserID,
		"connection_id", conn.ID(),
		"online", len(r.conns))
	return false
}

// removeLocked 完整移除成員
func (r *Room) removeLocked(m *member) {
	userID := m.user.ID
	r.users = slices.DeleteFunc(r.users, func(x *member) bool { return x == m })
	if conn, ok := r.conns[userID]; ok {
		delete(r.conns, userID)
		conn.UnbindRoom(r.id)
	}
	m.state = nil
	r.touchLocked()

	r.broadcastLocked(protocol.TypeUserExit, protocol.UserMessage{User: m.user}, "")

	if userID == r.ownerID {
		r.transferOwnerLocked()
	}

	if len(r.users) == 0 {
		r.lastEmptyTime = time.Now()
		r.offlineSince = time.Time{}
		// 沒有人可以繼續遊戲，回到等待狀態
		if r.phase == protocol.PhasePlaying {
			r.engine.Pause()
			r.phase = protocol.PhaseWaiting
		}
	} else if len(r.conns) == 0 && r.offlineSince.IsZero() {
		r.offlineSince = time.Now()
	}

	r.logger.Info("使用者離開房間", "user_id", userID, "users", len(r.users))
}

// transferOwnerLocked 房主移交給最早加入的成員，優先選擇在線成員
func (r *Room) transferOwnerLocked() {
	var next *member
	for _, m := range r.users {
		if next == nil || (next.user.IsOffline && !m.user.IsOffline) {
			next = m
		}
	}

	if next == nil {
		r.ownerID = ""
		return
	}
	r.ownerID = next.user.ID
	r.broadcastLocked(protocol.TypeOwnerChanged, protocol.OwnerChangedMessage{OwnerID: r.ownerID}, "")

	r.logger.Info("房主已移交", "owner_id", r.ownerID)
}

// SetReady 設定準備狀態，只在等待階段有效
func (r *Room) SetReady(id auth.Identity, conn *connection.Conn, isReady bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.boundLocked(id, conn)
	if err != nil {
		return err
	}
	switch r.phase {
	case protocol.PhasePlaying:
		return apperrors.ErrInvalidState.WithDetails("遊戲進行中不能切換準備狀態")
	case protocol.PhaseFinished:
		// 結束後第一次切換準備，房間回到等待下一局
		r.phase = protocol.PhaseWaiting
	}
	m.user.IsReady = isReady
	r.touchLocked()

	r.broadcastLocked(protocol.TypeUserReadyChanged, protocol.UserReadyChangedMessage{
		User:    m.user,
		IsReady: isReady,
	}, "")
	return nil
}

// StartGame 房主開始遊戲，所有在線成員都必須已準備
func (r *Room) StartGame(id auth.Identity, conn *connection.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.boundLocked(id, conn); err != nil {
		return err
	}
	if id.UserID != r.ownerID {
		return apperrors.ErrNotOwner
	}
	if r.phase == protocol.PhasePlaying {
		return apperrors.ErrInvalidState.WithDetails("遊戲已在進行中")
	}
	for _, m := range r.users {
		if !m.user.IsOffline && !m.user.IsReady {
			return apperrors.ErrInvalidState.WithDetails("尚有成員未準備: " + m.user.ID)
		}
	}

	// 第一次開始用 Start，之後的回合用 Resume
	if !r.engine.Start() {
		r.engine.Resume()
	}
	r.phase = protocol.PhasePlaying
	r.touchLocked()

	r.broadcastLocked(protocol.TypeGameStart, protocol.GameStartMessage{
		Seed:            r.seed,
		FrameRate:       r.engine.Config().FrameRate,
		StartFrameIndex: r.engine.Stats().NextFrameIndex,
	}, "")

	r.logger.Info("遊戲開始", "users", len(r.users))
	return nil
}

// EndGame 房主結束遊戲
func (r *Room) EndGame(id auth.Identity, conn *connection.Conn, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.boundLocked(id, conn); err != nil {
		return err
	}
	if id.UserID != r.ownerID {
		return apperrors.ErrNotOwner
	}
	if r.phase != protocol.PhasePlaying {
		return apperrors.ErrInvalidState.WithDetails("遊戲尚未開始")
	}

	r.engine.Pause()
	r.phase = protocol.PhaseFinished
	for _, m := range r.users {
		m.user.IsReady = false
	}
	r.touchLocked()

	r.broadcastLocked(protocol.TypeGameOver, protocol.GameOverMessage{Reason: reason}, "")

	r.logger.Info("遊戲結束", "reason", reason)
	return nil
}

// SendInput 提交本幀輸入
//
// 引擎暫停時輸入直接丟棄，不回報錯誤。
func (r *Room) SendInput(id auth.Identity, conn *connection.Conn, operates []json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.boundLocked(id, conn); err != nil {
		return err
	}
	if !r.engine.AddInput(conn.ID(), operates) {
		r.logger.Debug("幀同步未進行，丟棄輸入", "connection_id", conn.ID())
	}
	return nil
}

// PauseFrameSync 暫停幀同步
func (r *Room) PauseFrameSync(id auth.Identity, conn *connection.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.boundLocked(id, conn); err != nil {
		return err
	}
	r.engine.Pause()
	return nil
}

// ResumeFrameSync 恢復幀同步
func (r *Room) ResumeFrameSync(id auth.Identity, conn *connection.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.boundLocked(id, conn); err != nil {
		return err
	}
	r.engine.Resume()
	return nil
}

// RequestGameState 追幀
//
// fromFrameIndex 為 nil 時回傳最近快照與之後的所有幀。
func (r *Room) RequestGameState(id auth.Identity, conn *connection.Conn, fromFrameIndex *int64) (protocol.GameStateResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.boundLocked(id, conn); err != nil {
		return protocol.GameStateResponse{}, err
	}

	if fromFrameIndex == nil {
		state := r.engine.GameState()
		return protocol.GameStateResponse{
			StateData:         state.StateData,
			StateFrameIndex:   state.StateFrameIndex,
			AfterFrames:       state.AfterFrames,
			StartFrameIndex:   state.StartFrameIndex,
			CurrentFrameIndex: state.CurrentFrameIndex,
		}, nil
	}

	result := r.engine.GetCatchUpFrames(*fromFrameIndex)
	switch result.Status {
	case framesync.CatchUpGapTooLarge:
		return protocol.GameStateResponse{}, apperrors.ErrGapTooLarge
	case framesync.CatchUpAhead:
		return protocol.GameStateResponse{}, apperrors.ErrInvalidInput.WithDetails("幀序號尚未產生")
	}
	return protocol.GameStateResponse{
		StateFrameIndex:   result.StartFrameIndex - 1,
		AfterFrames:       result.Frames,
		StartFrameIndex:   result.StartFrameIndex,
		CurrentFrameIndex: result.StartFrameIndex + int64(len(result.Frames)),
	}, nil
}

// UploadState 客戶端上傳權威狀態快照
func (r *Room) UploadState(id auth.Identity, conn *connection.Conn, frameIndex int64, data json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.boundLocked(id, conn); err != nil {
		return err
	}
	if !r.engine.SetStateData(data, frameIndex) {
		return apperrors.ErrInvalidInput.WithDetails("幀序號不在保留視窗內")
	}
	return nil
}

// UpdateUserState 更新使用者即時狀態，下一次狀態廣播時送出
func (r *Room) UpdateUserState(id auth.Identity, conn *connection.Conn, state json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.boundLocked(id, conn)
	if err != nil {
		return err
	}
	m.state = state
	r.statesDirty = true
	return nil
}

// Destroy 銷毀房間，回傳仍留在房間內的使用者
//
// 順序：標記銷毀 → 停止計時器並等待 goroutine 結束 → 停止引擎 → 解除連線綁定。
// 重複呼叫是 no-op。
func (r *Room) Destroy(reason string) []string {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return nil
	}
	r.destroyed = true
	r.mu.Unlock()

	return r.teardown(reason)
}

// IdlePolicy 回收條件，零值的保留時間表示不依該條件回收
type IdlePolicy struct {
	EmptyGrace   time.Duration // 成員數歸零後的保留時間
	OfflineGrace time.Duration // 所有成員都離線後的保留時間
}

// DestroyIfIdle 在房間鎖內重新確認閒置條件，成立才銷毀
//
// 回傳被移除的使用者、觸發的原因，以及是否真的銷毀。
// 檢查與標記銷毀在同一把鎖內完成，檢查後才加入或重連的使用者不會被踢出。
func (r *Room) DestroyIfIdle(now time.Time, policy IdlePolicy) ([]string, string, bool) {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return nil, "", false
	}
	reason := r.idleReasonLocked(now, policy)
	if reason == "" {
		r.mu.Unlock()
		return nil, "", false
	}
	r.destroyed = true
	r.mu.Unlock()

	return r.teardown(reason), reason, true
}

func (r *Room) idleReasonLocked(now time.Time, policy IdlePolicy) string {
	if len(r.users) == 0 && !r.lastEmptyTime.IsZero() &&
		policy.EmptyGrace > 0 && now.Sub(r.lastEmptyTime) > policy.EmptyGrace {
		return "empty_timeout"
	}
	if len(r.users) > 0 && len(r.conns) == 0 && !r.offlineSince.IsZero() &&
		policy.OfflineGrace > 0 && now.Sub(r.offlineSince) > policy.OfflineGrace {
		return "offline_timeout"
	}
	return ""
}

// teardown 停止計時器並拆除房間，呼叫前必須已標記銷毀
func (r *Room) teardown(reason string) []string {
	close(r.stopCh)
	r.wg.Wait()

	r.engine.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	userIDs := make([]string, 0, len(r.users))
	for _, m := range r.users {
		userIDs = append(userIDs, m.user.ID)
		m.state = nil
	}
	kicked := newNotice(protocol.TypeKicked, protocol.KickedMessage{Reason: reason})
	for _, conn := range r.conns {
		conn.UnbindRoom(r.id)
		conn.SendMessage(kicked)
	}
	r.users = nil
	r.conns = make(map[string]*connection.Conn)

	r.logger.Info("房間已銷毀", "reason", reason, "users", len(userIDs))
	return userIDs
}

// Destroyed 是否已銷毀
func (r *Room) Destroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

// HasMember 身份是否在房間內（含離線）
func (r *Room) HasMember(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.destroyed && r.findLocked(userID) != nil
}

// EmptySince 成員數歸零的時間
func (r *Room) EmptySince() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastEmptyTime, !r.lastEmptyTime.IsZero()
}

// OfflineSince 所有成員都離線的起始時間
func (r *Room) OfflineSince() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offlineSince, !r.offlineSince.IsZero()
}

// Snapshot 房間快照
func (r *Room) Snapshot() protocol.RoomData {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Summary 房間列表用的摘要
type Summary struct {
	ID        string             `json:"roomId"`
	Name      string             `json:"roomName"`
	Users     int                `json:"users"`
	Online    int                `json:"online"`
	MaxUsers  int                `json:"maxUsers"`
	OwnerID   string             `json:"ownerId"`
	GamePhase protocol.GamePhase `json:"gamePhase"`
	CreatedAt time.Time          `json:"createdAt"`
}

// Summary 取得摘要
func (r *Room) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Summary{
		ID:        r.id,
		Name:      r.name,
		Users:     len(r.users),
		Online:    len(r.conns),
		MaxUsers:  r.maxUsers,
		OwnerID:   r.ownerID,
		GamePhase: r.phase,
		CreatedAt: r.createdAt,
	}
}

func (r *Room) snapshotLocked() protocol.RoomData {
	users := make([]protocol.UserInRoom, 0, len(r.users))
	for _, m := range r.users {
		users = append(users, m.user)
	}
	return protocol.RoomData{
		ID:         r.id,
		Name:       r.name,
		Seed:       r.seed,
		MaxUsers:   r.maxUsers,
		Users:      users,
		OwnerID:    r.ownerID,
		GamePhase:  r.phase,
		FrameRate:  r.engine.Config().FrameRate,
		UpdateTime: r.updateTime.UnixMilli(),
	}
}

// boundLocked 確認連線是該身份在本房間的活躍連線
func (r *Room) boundLocked(id auth.Identity, conn *connection.Conn) (*member, error) {
	if id.UserID == "" {
		return nil, apperrors.ErrNotLoggedIn
	}
	if r.destroyed || r.conns[id.UserID] != conn {
		return nil, apperrors.ErrNotInRoom
	}
	m := r.findLocked(id.UserID)
	if m == nil {
		return nil, apperrors.ErrNotInRoom
	}
	return m, nil
}

func (r *Room) findLocked(userID string) *member {
	for _, m := range r.users {
		if m.user.ID == userID {
			return m
		}
	}
	return nil
}

func (r *Room) touchLocked() {
	r.updateTime = time.Now()
}

// newNotice 建立單一連線的通知，固定結構不會編碼失敗
func newNotice(typ string, payload any) *protocol.Message {
	msg, err := protocol.NewBroadcast(typ, payload)
	if err != nil {
		return &protocol.Message{Type: typ}
	}
	return msg
}
