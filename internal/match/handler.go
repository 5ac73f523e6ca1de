package match

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/koopa0/system-design/14-frame-sync/internal/auth"
	apperrors "github.com/koopa0/system-design/14-frame-sync/pkg/errors"
	"github.com/koopa0/system-design/14-frame-sync/pkg/logger"
)

// Handler 配對協調器的 HTTP 介面
type Handler struct {
	coordinator *Coordinator
	resolver    auth.Resolver
	logger      *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(coordinator *Coordinator, resolver auth.Resolver, logger *slog.Logger) *Handler {
	return &Handler{
		coordinator: coordinator,
		resolver:    resolver,
		logger:      logger.With("component", "match.api"),
	}
}

// Routes 建立帶中間件的路由
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))

	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes 註冊路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/v1/match", h.requestMatch)
	r.Get("/api/v1/match", h.queryMatch)
	r.Delete("/api/v1/match", h.cancelMatch)
	r.Get("/api/v1/matches/{match_id}", h.getMatch)
	r.Get("/api/v1/servers", h.listServers)

	r.Get("/health", h.health)
	r.Get("/stats", h.stats)
}

// requestMatch 加入配對佇列
func (h *Handler) requestMatch(w http.ResponseWriter, r *http.Request) {
	userID, err := h.identify(r)
	if err != nil {
		h.errorResponse(w, err)
		return
	}

	status, err := h.coordinator.RequestMatch(r.Context(), userID)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.jsonResponse(w, status, http.StatusOK)
}

// queryMatch 查詢配對狀態
func (h *Handler) queryMatch(w http.ResponseWriter, r *http.Request) {
	userID, err := h.identify(r)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.jsonResponse(w, h.coordinator.QueryMatch(userID), http.StatusOK)
}

// cancelMatch 離開佇列
func (h *Handler) cancelMatch(w http.ResponseWriter, r *http.Request) {
	userID, err := h.identify(r)
	if err != nil {
		h.errorResponse(w, err)
		return
	}

	cancelled, err := h.coordinator.CancelMatch(userID)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.jsonResponse(w, map[string]any{"cancelled": cancelled}, http.StatusOK)
}

// getMatch 查詢配對記錄
func (h *Handler) getMatch(w http.ResponseWriter, r *http.Request) {
	m, err := h.coordinator.Match(r.Context(), chi.URLParam(r, "match_id"))
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.jsonResponse(w, m, http.StatusOK)
}

// listServers 列出存活的房間伺服器
func (h *Handler) listServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.coordinator.Servers(r.Context())
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.jsonResponse(w, map[string]any{"servers": servers}, http.StatusOK)
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	h.jsonResponse(w, h.coordinator.Stats(), http.StatusOK)
}

// identify 解析呼叫者身份
func (h *Handler) identify(r *http.Request) (string, error) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	id, err := h.resolver.Resolve(ctx, auth.TokenFromRequest(r))
	if err != nil {
		return "", err
	}
	return id.UserID, nil
}

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
	if code == apperrors.ErrCodeInternal {
		h.logger.Error("處理請求失敗", "error", err)
	}

	h.jsonResponse(w, map[string]any{
		"error": message,
		"code":  code,
	}, apperrors.HTTPStatus(code))
}

// requestLogger 以 slog 記錄請求，request id 由 middleware.RequestID 產生
func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())
		ctx := logger.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-ID", requestID)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		h.logger.InfoContext(ctx, "HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}
