package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-frame-sync/internal/api"
	"github.com/koopa0/system-design/14-frame-sync/internal/auth"
	"github.com/koopa0/system-design/14-frame-sync/internal/connection"
	"github.com/koopa0/system-design/14-frame-sync/internal/room"
	apperrors "github.com/koopa0/system-design/14-frame-sync/pkg/errors"
	"github.com/koopa0/system-design/14-frame-sync/pkg/logger"
)

type fixedCounter int

func (c fixedCounter) ConnectionCount() int { return int(c) }

func setupHandler(t *testing.T) (*room.Directory, http.Handler) {
	t.Helper()
	directory := room.NewDirectory(room.DirectoryOptions{Room: room.DefaultOptions()}, nil, nil, logger.Discard())
	t.Cleanup(directory.Stop)
	return directory, api.NewHandler(directory, fixedCounter(3), logger.Discard()).Routes()
}

func do(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w, resp
}

// TestHandler_CreateRoom 測試創建房間 API
func TestHandler_CreateRoom(t *testing.T) {
	tests := []struct {
		name           string
		requestBody    any
		expectedStatus int
		validate       func(t *testing.T, resp map[string]any)
	}{
		{
			name:           "create room successfully",
			requestBody:    map[string]any{"room_name": "測試房間", "max_users": 4},
			expectedStatus: http.StatusCreated,
			validate: func(t *testing.T, resp map[string]any) {
				assert.NotEmpty(t, resp["room_id"])
				assert.Equal(t, "WAITING", resp["game_phase"])
			},
		},
		{
			name:           "missing room name",
			requestBody:    map[string]any{"max_users": 4},
			expectedStatus: http.StatusBadRequest,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "房間名稱不能為空", resp["error"])
				assert.Equal(t, apperrors.ErrCodeInvalidInput, resp["code"])
			},
		},
		{
			name:           "invalid max users",
			requestBody:    map[string]any{"room_name": "測試房間", "max_users": 101},
			expectedStatus: http.StatusBadRequest,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, apperrors.ErrCodeInvalidInput, resp["code"])
			},
		},
		{
			name:           "invalid json",
			requestBody:    "not-an-object",
			expectedStatus: http.StatusBadRequest,
			validate: func(t *testing.T, resp map[string]any) {
				assert.Equal(t, "無效的請求格式", resp["error"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, h := setupHandler(t)
			w, resp := do(t, h, http.MethodPost, "/api/v1/rooms", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, w.Code)
			tt.validate(t, resp)
		})
	}
}

// TestHandler_ListRooms 測試列表與分頁
func TestHandler_ListRooms(t *testing.T) {
	directory, h := setupHandler(t)
	for range 3 {
		_, err := directory.CreateRoom("房間", 4)
		require.NoError(t, err)
	}

	w, resp := do(t, h, http.MethodGet, "/api/v1/rooms?page=1&limit=2", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, resp["total"])
	assert.EqualValues(t, 1, resp["page"])
	assert.Len(t, resp["rooms"], 2)

	_, resp = do(t, h, http.MethodGet, "/api/v1/rooms?phase=PLAYING", nil)
	assert.EqualValues(t, 0, resp["total"])
	assert.Empty(t, resp["rooms"])
}

// TestHandler_RoomDetail 測試房間詳情與銷毀
func TestHandler_RoomDetail(t *testing.T) {
	directory, h := setupHandler(t)
	rm, err := directory.CreateRoom("詳情", 4)
	require.NoError(t, err)

	rec := connection.NewRecorder(nil)
	conn := connection.New("c1", rec, nil)
	id := auth.Identity{UserID: "a"}
	conn.SetIdentity(id)
	_, err = directory.Join(context.Background(), id, conn, rm.ID(), "Alice")
	require.NoError(t, err)

	w, resp := do(t, h, http.MethodGet, "/api/v1/rooms/"+rm.ID(), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	data, ok := resp["room"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a", data["ownerId"])
	assert.Len(t, data["users"], 1)

	w, _ = do(t, h, http.MethodDelete, "/api/v1/rooms/"+rm.ID()+"?reason=maintenance", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, conn.RoomID())

	w, resp = do(t, h, http.MethodGet, "/api/v1/rooms/"+rm.ID(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, apperrors.ErrCodeRoomNotExists, resp["code"])

	w, _ = do(t, h, http.MethodDelete, "/api/v1/rooms/"+rm.ID(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// TestHandler_HealthAndStats 測試健康檢查與統計
func TestHandler_HealthAndStats(t *testing.T) {
	directory, h := setupHandler(t)
	_, err := directory.CreateRoom("統計", 4)
	require.NoError(t, err)

	w, resp := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", resp["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	_, resp = do(t, h, http.MethodGet, "/stats", nil)
	assert.EqualValues(t, 3, resp["connections"])
	rooms, ok := resp["rooms"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, rooms["total_rooms"])
}
