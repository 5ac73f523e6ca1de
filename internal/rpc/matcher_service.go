package rpc

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"

	apperrors "github.com/koopa0/system-design/14-frame-sync/pkg/errors"
)

// MatcherBackend 配對協調器需要提供給 RPC 的操作
type MatcherBackend interface {
	RegisterServer(ctx context.Context, serverURL string, rooms, users int) error
	ClearUserRoomState(ctx context.Context, userID, roomID string) (bool, error)
}

// MatcherService 配對協調器對房間伺服器提供的服務
type MatcherService struct {
	backend           MatcherBackend
	heartbeatInterval time.Duration
	logger            *slog.Logger
}

// NewMatcherService 創建配對協調器服務
func NewMatcherService(backend MatcherBackend, heartbeatInterval time.Duration, logger *slog.Logger) *MatcherService {
	return &MatcherService{
		backend:           backend,
		heartbeatInterval: heartbeatInterval,
		logger:            logger.With("component", "rpc.matcher"),
	}
}

// RoomServerJoin 房間伺服器註冊與心跳
func (s *MatcherService) RoomServerJoin(ctx context.Context, req *connect.Request[RoomServerJoinRequest]) (*connect.Response[RoomServerJoinResponse], error) {
	if req.Msg.ServerURL == "" {
		return nil, toConnectError(apperrors.ErrInvalidInput.WithDetails("缺少伺服器位址"))
	}
	if err := s.backend.RegisterServer(ctx, req.Msg.ServerURL, req.Msg.Rooms, req.Msg.Users); err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&RoomServerJoinResponse{
		HeartbeatIntervalMs: s.heartbeatInterval.Milliseconds(),
	}), nil
}

// ClearUserRoomState 清除使用者的房間記錄
func (s *MatcherService) ClearUserRoomState(ctx context.Context, req *connect.Request[ClearUserRoomStateRequest]) (*connect.Response[ClearUserRoomStateResponse], error) {
	if req.Msg.UserID == "" {
		return nil, toConnectError(apperrors.ErrInvalidInput.WithDetails("缺少使用者 ID"))
	}
	cleared, err := s.backend.ClearUserRoomState(ctx, req.Msg.UserID, req.Msg.RoomID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&ClearUserRoomStateResponse{Cleared: cleared}), nil
}

// NewMatcherServiceHandler 回傳掛載路徑與 handler
func NewMatcherServiceHandler(svc *MatcherService, token string) (string, http.Handler) {
	opts := handlerOptions(token)
	mux := http.NewServeMux()
	mux.Handle(RoomServerJoinProcedure, connect.NewUnaryHandler(RoomServerJoinProcedure, svc.RoomServerJoin, opts...))
	mux.Handle(ClearUserRoomStateProcedure, connect.NewUnaryHandler(ClearUserRoomStateProcedure, svc.ClearUserRoomState, opts...))
	return "/" + MatcherServiceName + "/", mux
}

// MatcherClient 房間伺服器呼叫配對協調器
//
// 同時實現 room.Notifier：使用者離開房間時通知協調器清除記錄。
type MatcherClient struct {
	join   *connect.Client[RoomServerJoinRequest, RoomServerJoinResponse]
	clear  *connect.Client[ClearUserRoomStateRequest, ClearUserRoomStateResponse]
	logger *slog.Logger

	mu       sync.Mutex
	interval time.Duration
}

// NewMatcherClient 創建配對協調器客戶端，httpClient 可為 nil
func NewMatcherClient(httpClient *http.Client, baseURL, token string, logger *slog.Logger) *MatcherClient {
	hc := orDefaultClient(httpClient)
	opts := clientOptions(token)
	return &MatcherClient{
		join:     connect.NewClient[RoomServerJoinRequest, RoomServerJoinResponse](hc, baseURL+RoomServerJoinProcedure, opts...),
		clear:    connect.NewClient[ClearUserRoomStateRequest, ClearUserRoomStateResponse](hc, baseURL+ClearUserRoomStateProcedure, opts...),
		logger:   logger.With("component", "rpc.matcher_client"),
		interval: 10 * time.Second,
	}
}

// RoomServerJoin 註冊房間伺服器，回傳協調器要求的心跳間隔
func (c *MatcherClient) RoomServerJoin(ctx context.Context, req RoomServerJoinRequest) (time.Duration, error) {
	resp, err := c.join.CallUnary(ctx, connect.NewRequest(&req))
	if err != nil {
		return 0, fromConnectError(err)
	}
	interval := time.Duration(resp.Msg.HeartbeatIntervalMs) * time.Millisecond
	if interval > 0 {
		c.mu.Lock()
		c.interval = interval
		c.mu.Unlock()
	}
	return interval, nil
}

// ClearUserRoomState 通知協調器清除使用者的房間記錄
func (c *MatcherClient) ClearUserRoomState(ctx context.Context, userID, roomID string) (bool, error) {
	resp, err := c.clear.CallUnary(ctx, connect.NewRequest(&ClearUserRoomStateRequest{
		UserID: userID,
		RoomID: roomID,
	}))
	if err != nil {
		return false, fromConnectError(err)
	}
	return resp.Msg.Cleared, nil
}

// UserRoomCleared 實現 room.Notifier
func (c *MatcherClient) UserRoomCleared(ctx context.Context, userID, roomID string) error {
	_, err := c.ClearUserRoomState(ctx, userID, roomID)
	return err
}

// Heartbeat 定期註冊直到 ctx 結束；失敗只記錄日誌，下一次心跳重試
func (c *MatcherClient) Heartbeat(ctx context.Context, report func() RoomServerJoinRequest) {
	for {
		callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if _, err := c.RoomServerJoin(callCtx, report()); err != nil {
			c.logger.Warn("向配對協調器註冊失敗", "error", err)
		}
		cancel()

		c.mu.Lock()
		interval := c.interval
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
