// Package errors 提供房間伺服器的錯誤碼與應用程式錯誤型別
//
// 所有跨越連線邊界的錯誤都必須是 AppError，客戶端只依賴穩定的 Code 字串，
// Message 僅供顯示。
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// 錯誤碼（穩定字串，客戶端依此判斷）
const (
	// ErrCodeRoomNotExists 房間不存在
	ErrCodeRoomNotExists = "ROOM_NOT_EXISTS"
	// ErrCodeRoomFull 房間已滿
	ErrCodeRoomFull = "ROOM_FULL"
	// ErrCodeAlreadyInRoom 使用者已在其他房間
	ErrCodeAlreadyInRoom = "ALREADY_IN_ROOM"
	// ErrCodeNotLoggedIn 尚未登入
	ErrCodeNotLoggedIn = "NOT_LOGGED_IN"
	// ErrCodeNoRoomInfo 找不到使用者的房間記錄
	ErrCodeNoRoomInfo = "NO_ROOM_INFO"
	// ErrCodeNotInRoom 連線未加入房間
	ErrCodeNotInRoom = "NOT_IN_ROOM"
	// ErrCodeNotOwner 非房主
	ErrCodeNotOwner = "NOT_OWNER"
	// ErrCodeInvalidState 目前狀態不允許此操作
	ErrCodeInvalidState = "INVALID_STATE"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeGapTooLarge 追幀範圍超出保留視窗，需要完整重新同步
	ErrCodeGapTooLarge = "GAP_TOO_LARGE"
	// ErrCodeUnauthorized 認證失敗
	ErrCodeUnauthorized = "UNAUTHORIZED"
	// ErrCodeUnavailable 外部服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 以錯誤碼比對，讓預定義錯誤可以搭配 errors.Is 使用
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 回傳附帶詳細資訊的副本（預定義錯誤是共用的，不能原地修改）
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	ErrRoomNotExists = New(ErrCodeRoomNotExists, "房間不存在")
	ErrRoomFull      = New(ErrCodeRoomFull, "房間已滿")
	ErrAlreadyInRoom = New(ErrCodeAlreadyInRoom, "已在其他房間中")
	ErrNotLoggedIn   = New(ErrCodeNotLoggedIn, "尚未登入")
	ErrNoRoomInfo    = New(ErrCodeNoRoomInfo, "沒有房間記錄")
	ErrNotInRoom     = New(ErrCodeNotInRoom, "不在房間中")
	ErrNotOwner      = New(ErrCodeNotOwner, "只有房主可以執行此操作")
	ErrInvalidState  = New(ErrCodeInvalidState, "目前狀態不允許此操作")
	ErrInvalidInput  = New(ErrCodeInvalidInput, "無效的請求")
	ErrGapTooLarge   = New(ErrCodeGapTooLarge, "追幀範圍超出保留視窗")
	ErrUnauthorized  = New(ErrCodeUnauthorized, "認證失敗")
	ErrUnavailable   = New(ErrCodeUnavailable, "服務不可用")
	ErrInternal      = New(ErrCodeInternal, "內部伺服器錯誤")
)

// CodeOf 取得錯誤碼，非 AppError 一律視為內部錯誤
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// MessageOf 取得可顯示的錯誤訊息，非 AppError 不外洩內部細節
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return ErrInternal.Message
}

// IsNotFound 檢查是否為房間不存在或沒有房間記錄
func IsNotFound(err error) bool {
	code := CodeOf(err)
	return code == ErrCodeRoomNotExists || code == ErrCodeNoRoomInfo
}

// IsConflict 檢查是否為衝突錯誤（已在房間、房間已滿）
func IsConflict(err error) bool {
	code := CodeOf(err)
	return code == ErrCodeAlreadyInRoom || code == ErrCodeRoomFull
}

// HTTPStatus 錯誤碼對應的 HTTP 狀態碼
func HTTPStatus(code string) int {
	switch code {
	case ErrCodeRoomNotExists, ErrCodeNoRoomInfo:
		return http.StatusNotFound
	case ErrCodeRoomFull, ErrCodeAlreadyInRoom, ErrCodeInvalidState:
		return http.StatusConflict
	case ErrCodeNotLoggedIn, ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeNotOwner:
		return http.StatusForbidden
	case ErrCodeInvalidInput, ErrCodeNotInRoom, ErrCodeGapTooLarge:
		return http.StatusBadRequest
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
