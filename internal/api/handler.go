// Package api 提供房間伺服器的 HTTP 管理介面
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-frame-sync/internal/protocol"
	"github.com/koopa0/system-design/14-frame-sync/internal/room"
	apperrors "github.com/koopa0/system-design/14-frame-sync/pkg/errors"
	"github.com/koopa0/system-design/14-frame-sync/pkg/logger"
)

// ConnectionCounter 回報目前的客戶端連線數
type ConnectionCounter interface {
	ConnectionCount() int
}

// Handler HTTP 請求處理器
//
// 遊戲內操作只走 WebSocket，這裡只有查詢、創建與管理用的銷毀。
type Handler struct {
	directory *room.Directory
	conns     ConnectionCounter
	logger    *slog.Logger
}

// NewHandler 創建 HTTP 處理器，conns 可為 nil
func NewHandler(directory *room.Directory, conns ConnectionCounter, logger *slog.Logger) *Handler {
	return &Handler{
		directory: directory,
		conns:     conns,
		logger:    logger.With("component", "api"),
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	// 房間管理 API
	mux.HandleFunc("POST /api/v1/rooms", wrap(h.createRoom))
	mux.HandleFunc("GET /api/v1/rooms", wrap(h.listRooms))
	mux.HandleFunc("GET /api/v1/rooms/{room_id}", wrap(h.getRoomDetail))
	mux.HandleFunc("DELETE /api/v1/rooms/{room_id}", wrap(h.destroyRoom))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

type createRoomRequest struct {
	RoomName string `json:"room_name"`
	MaxUsers int    `json:"max_users"`
}

// createRoom 創建房間
func (h *Handler) createRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, apperrors.ErrInvalidInput.WithDetails("無效的請求格式"))
		return
	}
	if req.RoomName == "" {
		h.errorResponse(w, apperrors.ErrInvalidInput.WithDetails("房間名稱不能為空"))
		return
	}

	rm, err := h.directory.CreateRoom(req.RoomName, req.MaxUsers)
	if err != nil {
		h.errorResponse(w, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"room_id":    rm.ID(),
		"game_phase": protocol.PhaseWaiting,
	}, http.StatusCreated)
}

// listRooms 列出房間
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	phase := protocol.GamePhase(query.Get("phase"))

	page := 1
	if p := query.Get("page"); p != "" {
		if val, err := strconv.Atoi(p); err == nil && val > 0 {
			page = val
		}
	}

	limit := 20
	if l := query.Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= 100 {
			limit = val
		}
	}

	rooms, total := h.directory.ListRooms(phase, page, limit)

	h.jsonResponse(w, map[string]any{
		"rooms": rooms,
		"total": total,
		"page":  page,
	}, http.StatusOK)
}

// getRoomDetail 獲取房間詳情
func (h *Handler) getRoomDetail(w http.ResponseWriter, r *http.Request) {
	rm, ok := h.directory.GetRoom(r.PathValue("room_id"))
	if !ok {
		h.errorResponse(w, apperrors.ErrRoomNotExists)
		return
	}

	h.jsonResponse(w, map[string]any{
		"room":   rm.Snapshot(),
		"engine": rm.Engine().Stats(),
	}, http.StatusOK)
}

// destroyRoom 管理用：強制銷毀房間
func (h *Handler) destroyRoom(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "admin"
	}
	if !h.directory.DestroyRoom(r.Context(), r.PathValue("room_id"), reason) {
		h.errorResponse(w, apperrors.ErrRoomNotExists)
		return
	}
	h.jsonResponse(w, map[string]any{"success": true}, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	connections := 0
	if h.conns != nil {
		connections = h.conns.ConnectionCount()
	}
	h.jsonResponse(w, map[string]any{
		"rooms":       h.directory.Stats(),
		"connections": connections,
	}, http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應 {"error": ..., "code": ...}
func (h *Handler) errorResponse(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	message := apperrors.MessageOf(err)
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.Details != "" {
		message = appErr.Details
	}

	h.jsonResponse(w, map[string]any{
		"error": message,
		"code":  code,
	}, apperrors.HTTPStatus(code))
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := logger.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-ID", requestID)

		// 包裝 ResponseWriter 以獲取狀態碼
		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r.WithContext(ctx))

		h.logger.InfoContext(ctx, "HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, apperrors.ErrInternal)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
