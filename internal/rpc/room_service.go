package rpc

import (
	"context"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"

	"github.com/koopa0/system-design/14-frame-sync/internal/room"
)

// RoomService 房間伺服器對配對協調器提供的服務
type RoomService struct {
	directory *room.Directory
	serverURL string
	logger    *slog.Logger
}

// NewRoomService 創建房間服務
func NewRoomService(directory *room.Directory, serverURL string, logger *slog.Logger) *RoomService {
	return &RoomService{
		directory: directory,
		serverURL: serverURL,
		logger:    logger.With("component", "rpc.room"),
	}
}

// CreateRoom 開房並回傳客戶端需要連線的位址
func (s *RoomService) CreateRoom(ctx context.Context, req *connect.Request[CreateRoomRequest]) (*connect.Response[CreateRoomResponse], error) {
	name := req.Msg.RoomName
	if name == "" {
		name = "match"
	}
	r, err := s.directory.CreateRoom(name, req.Msg.MaxUsers)
	if err != nil {
		return nil, toConnectError(err)
	}

	s.logger.InfoContext(ctx, "配對協調器請求開房", "room_id", r.ID())
	return connect.NewResponse(&CreateRoomResponse{
		ServerURL: s.serverURL,
		RoomID:    r.ID(),
	}), nil
}

// NewRoomServiceHandler 回傳掛載路徑與 handler
func NewRoomServiceHandler(svc *RoomService, token string) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(CreateRoomProcedure, connect.NewUnaryHandler(
		CreateRoomProcedure,
		svc.CreateRoom,
		handlerOptions(token)...,
	))
	return "/" + RoomServiceName + "/", mux
}

// RoomClient 呼叫任意房間伺服器
type RoomClient struct {
	httpClient *http.Client
	token      string
}

// NewRoomClient 創建房間伺服器客戶端，httpClient 可為 nil
func NewRoomClient(httpClient *http.Client, token string) *RoomClient {
	return &RoomClient{httpClient: httpClient, token: token}
}

// CreateRoom 在指定的房間伺服器上開房
func (c *RoomClient) CreateRoom(ctx context.Context, serverURL, roomName string, maxUsers int) (CreateRoomResponse, error) {
	client := connect.NewClient[CreateRoomRequest, CreateRoomResponse](
		orDefaultClient(c.httpClient),
		serverURL+CreateRoomProcedure,
		clientOptions(c.token)...,
	)
	resp, err := client.CallUnary(ctx, connect.NewRequest(&CreateRoomRequest{
		RoomName: roomName,
		MaxUsers: maxUsers,
	}))
	if err != nil {
		return CreateRoomResponse{}, fromConnectError(err)
	}
	return *resp.Msg, nil
}
