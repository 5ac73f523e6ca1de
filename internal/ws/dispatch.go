package ws

import (
	"context"

	"github.com/koopa0/system-design/14-frame-sync/internal/auth"
	"github.com/koopa0/system-design/14-frame-sync/internal/connection"
	"github.com/koopa0/system-design/14-frame-sync/internal/protocol"
	apperrors "github.com/koopa0/system-design/14-frame-sync/pkg/errors"
	"github.com/koopa0/system-design/14-frame-sync/pkg/logger"
)

// empty 成功但沒有資料的回應
type empty struct{}

// handle 處理一則請求並回應
//
// 每個請求都以相同的 type + reqId 回應，錯誤只以 code/message 形式離開連線。
func (h *Hub) handle(conn *connection.Conn, msg *protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	id, hasIdentity := conn.Identity()
	if hasIdentity {
		ctx = logger.WithUserID(ctx, id.UserID)
	}
	if roomID := conn.RoomID(); roomID != "" {
		ctx = logger.WithRoomID(ctx, roomID)
	}

	payload, err := h.dispatch(ctx, conn, id, hasIdentity, msg)
	if msg.ReqID == 0 && msg.Type != protocol.TypePing {
		// 沒有 reqId 的訊息不需要回應（例如高頻輸入）
		if err != nil {
			h.logger.DebugContext(ctx, "請求失敗", "type", msg.Type, "error", err)
		}
		return
	}
	h.reply(ctx, conn, msg, payload, err)
}

func (h *Hub) dispatch(ctx context.Context, conn *connection.Conn, id auth.Identity, hasIdentity bool, msg *protocol.Message) (any, error) {
	switch msg.Type {
	case protocol.TypePing:
		return nil, nil
	case protocol.TypeSetReady:
		var req protocol.SetReadyRequest
		if err := msg.DecodeData(&req); err != nil {
			return nil, apperrors.ErrInvalidInput.WithDetails(err.Error())
		}
		if !hasIdentity {
			return protocol.SetReadyResponse{NeedLogin: true}, nil
		}
		if err := h.directory.SetReady(id, conn, req.IsReady); err != nil {
			return nil, err
		}
		return protocol.SetReadyResponse{}, nil
	}

	if !hasIdentity {
		return nil, apperrors.ErrNotLoggedIn
	}

	switch msg.Type {
	case protocol.TypeCreateRoom:
		var req protocol.CreateRoomRequest
		if err := msg.DecodeData(&req); err != nil {
			return nil, apperrors.ErrInvalidInput.WithDetails(err.Error())
		}
		r, err := h.directory.CreateRoom(req.RoomName, req.MaxUsers)
		if err != nil {
			return nil, err
		}
		return protocol.CreateRoomResponse{RoomID: r.ID()}, nil

	case protocol.TypeJoinRoom:
		var req protocol.JoinRoomRequest
		if err := msg.DecodeData(&req); err != nil {
			return nil, apperrors.ErrInvalidInput.WithDetails(err.Error())
		}
		if req.RoomID == "" {
			return nil, apperrors.ErrInvalidInput.WithDetails("缺少房間 ID")
		}
		return h.directory.Join(ctx, id, conn, req.RoomID, req.Nickname)

	case protocol.TypeRejoinRoom:
		var req protocol.RejoinRoomRequest
		if err := msg.DecodeData(&req); err != nil {
			return nil, apperrors.ErrInvalidInput.WithDetails(err.Error())
		}
		return h.directory.Rejoin(ctx, id, conn, req.RoomID)

	case protocol.TypeExitRoom:
		return empty{}, h.directory.Exit(ctx, id, conn)

	case protocol.TypeStartGame:
		return empty{}, h.directory.StartGame(id, conn)

	case protocol.TypeEndGame:
		var req protocol.EndGameRequest
		if err := msg.DecodeData(&req); err != nil {
			return nil, apperrors.ErrInvalidInput.WithDetails(err.Error())
		}
		return empty{}, h.directory.EndGame(id, conn, req.Reason)

	case protocol.TypeSendInput:
		var req protocol.SendInputRequest
		if err := msg.DecodeData(&req); err != nil {
			return nil, apperrors.ErrInvalidInput.WithDetails(err.Error())
		}
		return empty{}, h.directory.SendInput(id, conn, req.Operates)

	case protocol.TypePauseFrameSync:
		return empty{}, h.directory.PauseFrameSync(id, conn)

	case protocol.TypeResumeFrameSync:
		return empty{}, h.directory.ResumeFrameSync(id, conn)

	case protocol.TypeRequestGameState:
		var req protocol.RequestGameStateRequest
		if err := msg.DecodeData(&req); err != nil {
			return nil, apperrors.ErrInvalidInput.WithDetails(err.Error())
		}
		return h.directory.RequestGameState(id, conn, req.FromFrameIndex)

	case protocol.TypeUploadState:
		var req protocol.UploadStateRequest
		if err := msg.DecodeData(&req); err != nil {
			return nil, apperrors.ErrInvalidInput.WithDetails(err.Error())
		}
		return empty{}, h.directory.UploadState(id, conn, req.FrameIndex, req.StateData)

	case protocol.TypeUpdateUserState:
		var req protocol.UpdateUserStateRequest
		if err := msg.DecodeData(&req); err != nil {
			return nil, apperrors.ErrInvalidInput.WithDetails(err.Error())
		}
		return empty{}, h.directory.UpdateUserState(id, conn, req.State)
	}

	return nil, apperrors.ErrInvalidInput.WithDetails("未知的請求類型: " + msg.Type)
}

// reply 以連線的編碼回應請求
func (h *Hub) reply(ctx context.Context, conn *connection.Conn, req *protocol.Message, payload any, err error) {
	var resp *protocol.Message
	if err != nil {
		code := apperrors.CodeOf(err)
		if code == apperrors.ErrCodeInternal {
			h.logger.ErrorContext(ctx, "處理請求失敗", "type", req.Type, "error", err)
		} else {
			h.logger.DebugContext(ctx, "請求被拒絕", "type", req.Type, "code", code)
		}
		resp = protocol.NewError(req.Type, req.ReqID, code, apperrors.MessageOf(err))
	} else {
		resp, err = protocol.NewMessage(req.Type, req.ReqID, payload)
		if err != nil {
			h.logger.ErrorContext(ctx, "建立回應失敗", "type", req.Type, "error", err)
			resp = protocol.NewError(req.Type, req.ReqID, apperrors.ErrCodeInternal, apperrors.ErrInternal.Message)
		}
	}

	if !conn.SendMessage(resp) {
		h.logger.DebugContext(ctx, "連線緩衝區滿，略過回應", "type", req.Type, "connection_id", conn.ID())
	}
}
