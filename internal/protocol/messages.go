// Package protocol 定義房間伺服器與客戶端之間的訊息格式
//
// 每則訊息都是一個 Message 信封：
//   - 請求：客戶端帶 reqId，伺服器以相同 type + reqId 回應
//   - 回應：失敗時帶 code/message，成功時帶 data
//   - 廣播：reqId 為 0
//
// 信封本身與編碼無關，JSON 與二進位編碼見 codec.go。
package protocol

import (
	"encoding/json"
	"fmt"
)

// 客戶端請求類型
const (
	TypeCreateRoom       = "CreateRoom"
	TypeJoinRoom         = "JoinRoom"
	TypeRejoinRoom       = "RejoinRoom"
	TypeExitRoom         = "ExitRoom"
	TypeSetReady         = "SetReady"
	TypeStartGame        = "StartGame"
	TypeEndGame          = "EndGame"
	TypeSendInput        = "SendInput"
	TypePauseFrameSync   = "PauseFrameSync"
	TypeResumeFrameSync  = "ResumeFrameSync"
	TypeRequestGameState = "RequestGameState"
	TypeUploadState      = "UploadState"
	TypeUpdateUserState  = "UpdateUserState"
	TypePing             = "Ping"
)

// 伺服器廣播類型
const (
	TypeUserJoin         = "UserJoin"
	TypeUserExit         = "UserExit"
	TypeUserOffline      = "UserOffline"
	TypeUserOnline       = "UserOnline"
	TypeUserReadyChanged = "UserReadyChanged"
	TypeUserStates       = "UserStates"
	TypeSyncFrame        = "SyncFrame"
	TypeOwnerChanged     = "OwnerChanged"
	TypeGameStart        = "GameStart"
	TypeGameOver         = "GameOver"
	TypeKicked           = "Kicked"
)

// GamePhase 遊戲階段
type GamePhase string

const (
	PhaseWaiting  GamePhase = "WAITING"
	PhasePlaying  GamePhase = "PLAYING"
	PhaseFinished GamePhase = "FINISHED"
)

// Message 訊息信封
type Message struct {
	Type    string          `json:"type"`
	ReqID   uint64          `json:"reqId,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewMessage 建立帶資料的訊息
func NewMessage(typ string, reqID uint64, payload any) (*Message, error) {
	msg := &Message{Type: typ, ReqID: reqID}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	msg.Data = data
	return msg, nil
}

// NewBroadcast 建立廣播訊息
func NewBroadcast(typ string, payload any) (*Message, error) {
	return NewMessage(typ, 0, payload)
}

// NewError 建立錯誤回應
func NewError(typ string, reqID uint64, code, message string) *Message {
	return &Message{Type: typ, ReqID: reqID, Code: code, Message: message}
}

// IsError 是否為錯誤回應
func (m *Message) IsError() bool {
	return m.Code != ""
}

// DecodeData 解析資料欄位
func (m *Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", m.Type, err)
	}
	return nil
}

// Color 使用者顏色
type Color struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// UserInRoom 房間內的使用者
type UserInRoom struct {
	ID        string `json:"id"`
	Nickname  string `json:"nickname"`
	Color     Color  `json:"color"`
	IsReady   bool   `json:"isReady"`
	IsOffline bool   `json:"isOffline"`
}

// RoomData 房間快照
type RoomData struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Seed       int64        `json:"seed"`
	MaxUsers   int          `json:"maxUsers"`
	Users      []UserInRoom `json:"users"`
	OwnerID    string       `json:"ownerId"`
	GamePhase  GamePhase    `json:"gamePhase"`
	FrameRate  int          `json:"frameRate"`
	UpdateTime int64        `json:"updateTime"` // Unix 毫秒
}

// ConnectionInputFrame 單一連線在一幀內的輸入
//
// Operates 對伺服器而言是不透明的，由應用程式定義。
type ConnectionInputFrame struct {
	ConnectionID string            `json:"connectionId"`
	Operates     []json.RawMessage `json:"operates"`
}

// GameSyncFrame 一幀的同步資料
//
// 沒有出現在 ConnectionInputs 中的連線代表該幀沒有操作，不代表斷線。
type GameSyncFrame struct {
	ConnectionInputs []ConnectionInputFrame `json:"connectionInputs"`
}

// ---- 請求與回應 ----

// CreateRoomRequest 創建房間
type CreateRoomRequest struct {
	RoomName string `json:"roomName"`
	MaxUsers int    `json:"maxUsers,omitempty"`
}

// CreateRoomResponse 創建房間結果
type CreateRoomResponse struct {
	RoomID string `json:"roomId"`
}

// JoinRoomRequest 加入房間
type JoinRoomRequest struct {
	RoomID   string `json:"roomId"`
	Nickname string `json:"nickname"`
}

// JoinRoomResponse 加入房間結果
type JoinRoomResponse struct {
	RoomData    RoomData   `json:"roomData"`
	CurrentUser UserInRoom `json:"currentUser"`
}

// RejoinRoomRequest 重新加入房間，RoomID 可省略（從 Session Store 查詢）
type RejoinRoomRequest struct {
	RoomID string `json:"roomId,omitempty"`
}

// RejoinRoomResponse 重新加入結果
type RejoinRoomResponse struct {
	RoomData    RoomData   `json:"roomData"`
	CurrentUser UserInRoom `json:"currentUser"`
	IsRejoin    bool       `json:"isRejoin"`
	GamePhase   GamePhase  `json:"gamePhase"`
}

// SetReadyRequest 設定準備狀態
type SetReadyRequest struct {
	IsReady bool `json:"isReady"`
}

// SetReadyResponse 設定準備狀態結果
type SetReadyResponse struct {
	NeedLogin bool `json:"needLogin"`
}

// EndGameRequest 結束遊戲
type EndGameRequest struct {
	Reason string `json:"reason,omitempty"`
}

// SendInputRequest 提交本幀輸入
type SendInputRequest struct {
	Operates []json.RawMessage `json:"operates"`
}

// RequestGameStateRequest 追幀請求
//
// FromFrameIndex 為空時回傳最近快照加上之後的所有幀；
// 指定時只回傳該幀之後的幀，超出保留視窗回 GAP_TOO_LARGE。
type RequestGameStateRequest struct {
	FromFrameIndex *int64 `json:"fromFrameIndex,omitempty"`
}

// GameStateResponse 追幀資料
type GameStateResponse struct {
	StateData         json.RawMessage `json:"stateData"`
	StateFrameIndex   int64           `json:"stateFrameIndex"`
	AfterFrames       []GameSyncFrame `json:"afterFrames"`
	StartFrameIndex   int64           `json:"startFrameIndex"`
	CurrentFrameIndex int64           `json:"currentFrameIndex"`
}

// UploadStateRequest 客戶端上傳權威狀態快照
type UploadStateRequest struct {
	FrameIndex int64           `json:"frameIndex"`
	StateData  json.RawMessage `json:"stateData"`
}

// UpdateUserStateRequest 更新使用者即時狀態（位置、動畫）
type UpdateUserStateRequest struct {
	State json.RawMessage `json:"state"`
}

// ---- 廣播 ----

// UserJoinMessage 使用者加入
type UserJoinMessage struct {
	User  UserInRoom `json:"user"`
	Color Color      `json:"color"`
}

// UserMessage 使用者離開、離線、上線共用
type UserMessage struct {
	User UserInRoom `json:"user"`
}

// UserReadyChangedMessage 準備狀態變更
type UserReadyChangedMessage struct {
	User    UserInRoom `json:"user"`
	IsReady bool       `json:"isReady"`
}

// UserStatesMessage 使用者即時狀態（每 100ms）
type UserStatesMessage struct {
	States map[string]json.RawMessage `json:"states"`
}

// SyncFrameMessage 同步幀
type SyncFrameMessage struct {
	FrameIndex int64         `json:"frameIndex"`
	SyncFrame  GameSyncFrame `json:"syncFrame"`
}

// OwnerChangedMessage 房主變更
type OwnerChangedMessage struct {
	OwnerID string `json:"ownerId"`
}

// GameStartMessage 遊戲開始
type GameStartMessage struct {
	Seed            int64 `json:"seed"`
	FrameRate       int   `json:"frameRate"`
	StartFrameIndex int64 `json:"startFrameIndex"`
}

// GameOverMessage 遊戲結束
type GameOverMessage struct {
	Reason string `json:"reason,omitempty"`
}

// KickedMessage 連線被踢出（同一身份在其他地方登入）
type KickedMessage struct {
	Reason string `json:"reason"`
}
