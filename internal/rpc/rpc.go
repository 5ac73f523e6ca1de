// Package rpc 房間伺服器與配對協調器之間的 Connect RPC
//
// 訊息是一般的 Go 結構，以 JSON codec 傳輸，不需要產生 protobuf 程式碼。
// 所有呼叫都以共享密鑰驗證（Authorization: Bearer <token>）。
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"connectrpc.com/connect"

	apperrors "github.com/koopa0/system-design/14-frame-sync/pkg/errors"
)

// 服務路徑
const (
	RoomServiceName    = "framesync.room.v1.RoomService"
	MatcherServiceName = "framesync.matcher.v1.MatcherService"

	CreateRoomProcedure         = "/" + RoomServiceName + "/CreateRoom"
	RoomServerJoinProcedure     = "/" + MatcherServiceName + "/RoomServerJoin"
	ClearUserRoomStateProcedure = "/" + MatcherServiceName + "/ClearUserRoomState"
)

// appCodeHeader 在 Connect 錯誤中保留應用層錯誤碼
const appCodeHeader = "X-App-Code"

// jsonCodec 以 encoding/json 處理一般結構
//
// 名稱與內建的 protojson codec 相同，註冊後會取代它。
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// ---- 訊息 ----

// CreateRoomRequest 配對完成後請房間伺服器開房
type CreateRoomRequest struct {
	RoomName string `json:"roomName"`
	MaxUsers int    `json:"maxUsers"`
}

// CreateRoomResponse 開房結果，客戶端據此連線
type CreateRoomResponse struct {
	ServerURL string `json:"serverUrl"`
	RoomID    string `json:"roomId"`
}

// RoomServerJoinRequest 房間伺服器註冊（也作為心跳）
type RoomServerJoinRequest struct {
	ServerURL string `json:"serverUrl"`
	Rooms     int    `json:"rooms"`
	Users     int    `json:"users"`
}

// RoomServerJoinResponse 註冊結果
type RoomServerJoinResponse struct {
	HeartbeatIntervalMs int64 `json:"heartbeatIntervalMs"`
}

// ClearUserRoomStateRequest 使用者已離開房間
type ClearUserRoomStateRequest struct {
	UserID string `json:"userId"`
	RoomID string `json:"roomId,omitempty"`
}

// ClearUserRoomStateResponse 清除結果
type ClearUserRoomStateResponse struct {
	Cleared bool `json:"cleared"`
}

// ---- 共享密鑰 ----

// NewTokenInterceptor 客戶端附加、服務端驗證共享密鑰
func NewTokenInterceptor(token string) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			if req.Spec().IsClient {
				req.Header().Set("Authorization", "Bearer "+token)
				return next(ctx, req)
			}
			got := strings.TrimPrefix(req.Header().Get("Authorization"), "Bearer ")
			if token == "" || got != token {
				return nil, toConnectError(apperrors.ErrUnauthorized)
			}
			return next(ctx, req)
		}
	}
}

// handlerOptions 服務端共用選項
func handlerOptions(token string) []connect.HandlerOption {
	return []connect.HandlerOption{
		connect.WithCodec(jsonCodec{}),
		connect.WithInterceptors(NewTokenInterceptor(token)),
	}
}

// clientOptions 客戶端共用選項
func clientOptions(token string) []connect.ClientOption {
	return []connect.ClientOption{
		connect.WithCodec(jsonCodec{}),
		connect.WithInterceptors(NewTokenInterceptor(token)),
	}
}

// ---- 錯誤轉換 ----

// toConnectError 應用錯誤轉為 Connect 錯誤，保留錯誤碼
func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	code := apperrors.CodeOf(err)
	cerr := connect.NewError(connectCodeOf(code), errors.New(apperrors.MessageOf(err)))
	cerr.Meta().Set(appCodeHeader, code)
	return cerr
}

// fromConnectError Connect 錯誤轉回應用錯誤
func fromConnectError(err error) error {
	if err == nil {
		return nil
	}
	var cerr *connect.Error
	if !errors.As(err, &cerr) {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "RPC 呼叫失敗")
	}
	code := cerr.Meta().Get(appCodeHeader)
	if code == "" {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, cerr.Message())
	}
	return apperrors.Wrap(err, code, cerr.Message())
}

func connectCodeOf(code string) connect.Code {
	switch code {
	case apperrors.ErrCodeRoomNotExists, apperrors.ErrCodeNoRoomInfo:
		return connect.CodeNotFound
	case apperrors.ErrCodeRoomFull, apperrors.ErrCodeAlreadyInRoom:
		return connect.CodeAlreadyExists
	case apperrors.ErrCodeInvalidInput, apperrors.ErrCodeGapTooLarge:
		return connect.CodeInvalidArgument
	case apperrors.ErrCodeInvalidState, apperrors.ErrCodeNotInRoom, apperrors.ErrCodeNotOwner:
		return connect.CodeFailedPrecondition
	case apperrors.ErrCodeUnauthorized, apperrors.ErrCodeNotLoggedIn:
		return connect.CodeUnauthenticated
	case apperrors.ErrCodeUnavailable:
		return connect.CodeUnavailable
	default:
		return connect.CodeInternal
	}
}

// orDefaultClient nil 時使用預設 HTTP 客戶端
func orDefaultClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return http.DefaultClient
}
