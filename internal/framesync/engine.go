// Package framesync 實作房間的鎖步（lockstep）幀同步引擎
package framesync

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/koopa0/system-design/14-frame-sync/internal/protocol"
)

// 系統設計問題：
//   如何讓房間內所有客戶端重現完全相同的遊戲狀態，並讓斷線玩家快速追上進度？
//
// 核心挑戰：
//   1. 確定性：每一幀的輸入順序必須對所有客戶端一致
//   2. 追幀：重連的客戶端需要「最近快照 + 之後所有幀」
//   3. 記憶體：伺服器同時持有大量房間，歷史幀不能無限成長
//
// 設計方案：
//   ✅ 固定頻率時鐘 - 每次 Tick 產生一幀，幀序號單調遞增
//   ✅ 輸入緩衝 - 每個連線在一幀內只保留最後一次提交
//   ✅ 有界歷史 - 最多 600 幀，溢出時強制快照並保留最近 300 幀
//   ✅ 週期快照 - 預設每 60 幀向外部取一次狀態快照
//
// 索引不變式：
//   afterFrames[i] 對應的絕對幀序號是 lastStateFrameIndex + 1 + i，
//   所有 append / trim / rebase 都必須維持這個關係。

// Config 引擎配置
type Config struct {
	FrameRate        int // 每秒幀數
	SnapshotInterval int // 週期快照間隔（幀），0 表示停用
	MaxAfterFrames   int // 歷史幀上限
	TrimAfterFrames  int // 溢出後保留的幀數
}

// DefaultConfig 返回預設配置
func DefaultConfig() Config {
	return Config{
		FrameRate:        60,
		SnapshotInterval: 60,
		MaxAfterFrames:   600,
		TrimAfterFrames:  300,
	}
}

// SnapshotSource 取得指定幀序號的外部狀態快照
//
// 狀態由房間外的應用程式擁有，引擎只負責保存與追幀。
type SnapshotSource func(frameIndex int64) (json.RawMessage, error)

// FrameHandler 接收每一幀的廣播回呼
//
// 在呼叫 Tick 的 goroutine 上執行，並沿用呼叫者持有的鎖。
type FrameHandler func(frameIndex int64, frame protocol.GameSyncFrame)

// CatchUpStatus 追幀結果
type CatchUpStatus int

const (
	// CatchUpOK 在保留視窗內，Frames 為連續的幀（可能為空）
	CatchUpOK CatchUpStatus = iota
	// CatchUpGapTooLarge 請求的幀已被裁剪，需要完整重新同步
	CatchUpGapTooLarge
	// CatchUpAhead 請求的幀尚未產生
	CatchUpAhead
)

// String 供日誌使用
func (s CatchUpStatus) String() string {
	switch s {
	case CatchUpOK:
		return "ok"
	case CatchUpGapTooLarge:
		return "gap_too_large"
	case CatchUpAhead:
		return "ahead"
	default:
		return "unknown"
	}
}

// CatchUp 追幀結果
type CatchUp struct {
	Status          CatchUpStatus
	StartFrameIndex int64
	Frames          []protocol.GameSyncFrame
}

// GameState 完整追幀資料：最近快照 + 之後所有幀
type GameState struct {
	StateData         json.RawMessage
	StateFrameIndex   int64
	AfterFrames       []protocol.GameSyncFrame
	StartFrameIndex   int64
	CurrentFrameIndex int64
}

// Engine 幀同步引擎
//
// 引擎本身不持有計時器：房間以固定頻率呼叫 Tick，
// 並負責在銷毀時先停止計時器再呼叫 Stop。
type Engine struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	paused  bool
	stopped bool

	nextFrameIndex int64
	inputs         map[string][]json.RawMessage
	inputOrder     []string // 本幀首次提交的順序，確保輸出順序確定

	afterFrames         []protocol.GameSyncFrame
	lastStateData       json.RawMessage
	lastStateFrameIndex int64
	snapshotCountdown   int

	snapshotSource SnapshotSource
	onFrame        FrameHandler
}

// New 創建引擎，初始為暫停狀態，需呼叫 Start 開始產生幀
func New(cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = def.FrameRate
	}
	if cfg.MaxAfterFrames <= 0 {
		cfg.MaxAfterFrames = def.MaxAfterFrames
	}
	if cfg.TrimAfterFrames <= 0 || cfg.TrimAfterFrames >= cfg.MaxAfterFrames {
		cfg.TrimAfterFrames = cfg.MaxAfterFrames / 2
	}
	if cfg.SnapshotInterval < 0 {
		cfg.SnapshotInterval = 0
	}

	return &Engine{
		cfg:                 cfg,
		logger:              logger,
		paused:              true,
		inputs:              make(map[string][]json.RawMessage),
		lastStateFrameIndex: -1,
	}
}

// Config 回傳生效的配置
func (e *Engine) Config() Config {
	return e.cfg
}

// SetSnapshotSource 設定外部狀態快照來源
func (e *Engine) SetSnapshotSource(source SnapshotSource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapshotSource = source
}

// SetFrameHandler 設定幀廣播回呼
func (e *Engine) SetFrameHandler(handler FrameHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFrame = handler
}

// Start 第一次開始遊戲時啟動引擎
func (e *Engine) Start() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped || e.started {
		return false
	}
	e.started = true
	e.paused = false
	e.snapshotCountdown = 0

	e.logger.Info("幀同步已開始", "frame_rate", e.cfg.FrameRate)
	return true
}

// Pause 暫停幀同步
//
// 暫停是破壞性的：丟棄歷史幀與待處理輸入，凍結幀序號。
// 語意為「回合結束」，暫停期間無法追幀到暫停點之前。
// 為了維持索引不變式，視窗基準移到最後一個已產生的幀。
func (e *Engine) Pause() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped || !e.started || e.paused {
		e.logger.Debug("幀同步已是暫停狀態，忽略", "next_frame_index", e.nextFrameIndex)
		return false
	}

	e.paused = true
	e.clearInputsLocked()

	last := e.nextFrameIndex - 1
	var data json.RawMessage
	if e.snapshotSource != nil && last >= 0 {
		var err error
		if data, err = e.snapshotSource(last); err != nil {
			e.logger.Warn("暫停時取得快照失敗", "frame_index", last, "error", err)
			data = nil
		}
	}
	e.afterFrames = nil
	e.lastStateData = data
	e.lastStateFrameIndex = last
	e.snapshotCountdown = 0

	e.logger.Info("幀同步已暫停", "next_frame_index", e.nextFrameIndex)
	return true
}

// Resume 恢復幀同步
func (e *Engine) Resume() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped || !e.started || !e.paused {
		e.logger.Debug("幀同步未暫停，忽略恢復", "next_frame_index", e.nextFrameIndex)
		return false
	}
	e.paused = false
	e.snapshotCountdown = 0

	e.logger.Info("幀同步已恢復", "next_frame_index", e.nextFrameIndex)
	return true
}

// Stop 停止引擎並釋放所有緩衝，之後的 Tick 都是 no-op
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return
	}
	e.stopped = true
	e.paused = true
	e.clearInputsLocked()
	// 與暫停相同，視窗基準移到最後一個已產生的幀，追幀只會得到 GapTooLarge 或空結果
	e.afterFrames = nil
	e.lastStateData = nil
	e.lastStateFrameIndex = e.nextFrameIndex - 1
	e.snapshotSource = nil
	e.onFrame = nil
}

// AddInput 覆寫連線在本幀的輸入（同一幀內以最後一次為準）
//
// 暫停或停止時輸入被丟棄，回傳 false。
func (e *Engine) AddInput(connectionID string, operates []json.RawMessage) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped || e.paused {
		return false
	}
	if _, exists := e.inputs[connectionID]; !exists {
		e.inputOrder = append(e.inputOrder, connectionID)
	}
	e.inputs[connectionID] = operates
	return true
}

// Tick 產生一幀
//
// 步驟：組裝幀 → 加入歷史 → 週期快照 → 溢出裁剪 → 廣播 → 幀序號遞增 → 清空輸入。
// 必須由單一 goroutine 依序呼叫，幀才會依序廣播。
func (e *Engine) Tick() (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped || e.paused {
		return 0, false
	}

	frame := protocol.GameSyncFrame{
		ConnectionInputs: make([]protocol.ConnectionInputFrame, 0, len(e.inputOrder)),
	}
	for _, connID := range e.inputOrder {
		frame.ConnectionInputs = append(frame.ConnectionInputs, protocol.ConnectionInputFrame{
			ConnectionID: connID,
			Operates:     e.inputs[connID],
		})
	}

	frameIndex := e.nextFrameIndex
	e.afterFrames = append(e.afterFrames, frame)

	// 週期快照
	e.snapshotCountdown++
	if e.cfg.SnapshotInterval > 0 && e.snapshotCountdown >= e.cfg.SnapshotInterval {
		e.snapshotCountdown = 0
		e.takeSnapshotLocked(frameIndex)
	}

	// 溢出：強制快照並裁剪到最近 TrimAfterFrames 幀
	if len(e.afterFrames) > e.cfg.MaxAfterFrames {
		e.forceTrimLocked()
	}

	if e.onFrame != nil {
		e.onFrame(frameIndex, frame)
	}

	e.nextFrameIndex++
	e.clearInputsLocked()

	return frameIndex, true
}

// takeSnapshotLocked 週期快照，沒有快照來源或來源失敗時保留歷史不動
func (e *Engine) takeSnapshotLocked(frameIndex int64) {
	if e.snapshotSource == nil {
		return
	}
	data, err := e.snapshotSource(frameIndex)
	if err != nil {
		e.logger.Warn("取得狀態快照失敗", "frame_index", frameIndex, "error", err)
		return
	}
	e.rebaseLocked(frameIndex, data)
}

// forceTrimLocked 裁剪歷史幀，視窗基準前移被裁掉的幀數
func (e *Engine) forceTrimLocked() {
	trimmed := int64(len(e.afterFrames) - e.cfg.TrimAfterFrames)
	target := e.lastStateFrameIndex + trimmed

	var data json.RawMessage
	if e.snapshotSource != nil {
		var err error
		if data, err = e.snapshotSource(target); err != nil {
			e.logger.Warn("強制快照失敗，保留空狀態", "frame_index", target, "error", err)
			data = nil
		}
	}
	e.rebaseLocked(target, data)

	e.logger.Debug("歷史幀已裁剪",
		"trimmed", trimmed,
		"state_frame_index", e.lastStateFrameIndex,
		"after_frames", len(e.afterFrames))
}

// rebaseLocked 把視窗基準移到 frameIndex，丟棄序號 <= frameIndex 的幀
func (e *Engine) rebaseLocked(frameIndex int64, data json.RawMessage) {
	drop := int(frameIndex - e.lastStateFrameIndex)
	if drop > len(e.afterFrames) {
		drop = len(e.afterFrames)
	}
	if drop > 0 {
		remaining := make([]protocol.GameSyncFrame, len(e.afterFrames)-drop, e.cfg.MaxAfterFrames+1)
		copy(remaining, e.afterFrames[drop:])
		e.afterFrames = remaining
	}
	e.lastStateData = data
	e.lastStateFrameIndex = frameIndex
}

// SetStateData 客戶端上傳的權威狀態快照
//
// frameIndex 必須落在已產生且仍保留的範圍內，否則忽略並回傳 false。
func (e *Engine) SetStateData(data json.RawMessage, frameIndex int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return false
	}
	if frameIndex <= e.lastStateFrameIndex || frameIndex >= e.nextFrameIndex {
		e.logger.Debug("忽略超出範圍的狀態上傳",
			"frame_index", frameIndex,
			"state_frame_index", e.lastStateFrameIndex,
			"next_frame_index", e.nextFrameIndex)
		return false
	}
	e.rebaseLocked(frameIndex, data)
	e.snapshotCountdown = 0
	return true
}

// GetCatchUpFrames 取得序號 >= fromFrameIndex 的連續幀
func (e *Engine) GetCatchUpFrames(fromFrameIndex int64) CatchUp {
	e.mu.Lock()
	defer e.mu.Unlock()

	base := e.lastStateFrameIndex + 1
	switch {
	case fromFrameIndex < base:
		return CatchUp{Status: CatchUpGapTooLarge, StartFrameIndex: base}
	case fromFrameIndex > e.nextFrameIndex:
		return CatchUp{Status: CatchUpAhead, StartFrameIndex: e.nextFrameIndex}
	}

	k := int(fromFrameIndex - base)
	frames := make([]protocol.GameSyncFrame, len(e.afterFrames)-k)
	copy(frames, e.afterFrames[k:])
	return CatchUp{Status: CatchUpOK, StartFrameIndex: fromFrameIndex, Frames: frames}
}

// GameState 取得最近快照與之後的所有幀
func (e *Engine) GameState() GameState {
	e.mu.Lock()
	defer e.mu.Unlock()

	frames := make([]protocol.GameSyncFrame, len(e.afterFrames))
	copy(frames, e.afterFrames)
	return GameState{
		StateData:         e.lastStateData,
		StateFrameIndex:   e.lastStateFrameIndex,
		AfterFrames:       frames,
		StartFrameIndex:   e.lastStateFrameIndex + 1,
		CurrentFrameIndex: e.nextFrameIndex,
	}
}

// Stats 引擎狀態（監控與測試用）
type Stats struct {
	Started             bool
	Paused              bool
	Stopped             bool
	NextFrameIndex      int64
	LastStateFrameIndex int64
	AfterFrames         int
	PendingInputs       int
}

// Stats 取得引擎狀態
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Stats{
		Started:             e.started,
		Paused:              e.paused,
		Stopped:             e.stopped,
		NextFrameIndex:      e.nextFrameIndex,
		LastStateFrameIndex: e.lastStateFrameIndex,
		AfterFrames:         len(e.afterFrames),
		PendingInputs:       len(e.inputs),
	}
}

func (e *Engine) clearInputsLocked() {
	if len(e.inputs) > 0 {
		e.inputs = make(map[string][]json.RawMessage)
	}
	e.inputOrder = e.inputOrder[:0]
}
