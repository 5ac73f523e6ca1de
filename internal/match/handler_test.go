package match_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-frame-sync/internal/auth"
	"github.com/koopa0/system-design/14-frame-sync/internal/match"
	apperrors "github.com/koopa0/system-design/14-frame-sync/pkg/errors"
	"github.com/koopa0/system-design/14-frame-sync/pkg/logger"
)

func setupMatchHandler(t *testing.T) (*coordinatorFixture, http.Handler) {
	t.Helper()
	f := newCoordinator(t, 2)

	resolver := auth.NewMemoryResolver()
	resolver.Register("tok-a", auth.Identity{UserID: "a"})
	resolver.Register("tok-b", auth.Identity{UserID: "b"})

	return f, match.NewHandler(f.coordinator, resolver, logger.Discard()).Routes()
}

func call(t *testing.T, h http.Handler, method, path, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w, resp
}

// TestHandler_MatchFlow 測試排隊、查詢、配對完成
func TestHandler_MatchFlow(t *testing.T) {
	f, h := setupMatchHandler(t)
	f.register(t, "http://room-1", 0, 0)

	w, resp := call(t, h, http.MethodPost, "/api/v1/match", "tok-a")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "queued", resp["state"])
	assert.EqualValues(t, 1, resp["position"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w, resp = call(t, h, http.MethodPost, "/api/v1/match", "tok-b")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "matched", resp["state"])
	matchID, _ := resp["matchId"].(string)
	require.NotEmpty(t, matchID)

	_, resp = call(t, h, http.MethodGet, "/api/v1/match", "tok-a")
	assert.Equal(t, "matched", resp["state"])
	assert.Equal(t, "room-1", resp["roomId"])

	w, resp = call(t, h, http.MethodGet, "/api/v1/matches/"+matchID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{"a", "b"}, resp["user_ids"])

	w, resp = call(t, h, http.MethodPost, "/api/v1/match", "tok-a")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, apperrors.ErrCodeAlreadyInRoom, resp["code"])
}

// TestHandler_Errors 測試錯誤碼與狀態碼
func TestHandler_Errors(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		path           string
		token          string
		expectedStatus int
		expectedCode   string
	}{
		{
			name:           "missing token",
			method:         http.MethodPost,
			path:           "/api/v1/match",
			expectedStatus: http.StatusUnauthorized,
			expectedCode:   apperrors.ErrCodeNotLoggedIn,
		},
		{
			name:           "unknown token",
			method:         http.MethodGet,
			path:           "/api/v1/match",
			token:          "forged",
			expectedStatus: http.StatusUnauthorized,
			expectedCode:   apperrors.ErrCodeUnauthorized,
		},
		{
			name:           "unknown match",
			method:         http.MethodGet,
			path:           "/api/v1/matches/nope",
			expectedStatus: http.StatusNotFound,
			expectedCode:   apperrors.ErrCodeNoRoomInfo,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, h := setupMatchHandler(t)
			w, resp := call(t, h, tt.method, tt.path, tt.token)
			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.Equal(t, tt.expectedCode, resp["code"])
		})
	}
}

// TestHandler_Cancel 測試取消排隊
func TestHandler_Cancel(t *testing.T) {
	_, h := setupMatchHandler(t)

	call(t, h, http.MethodPost, "/api/v1/match", "tok-a")

	w, resp := call(t, h, http.MethodDelete, "/api/v1/match", "tok-a")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, resp["cancelled"])

	_, resp = call(t, h, http.MethodGet, "/api/v1/match", "tok-a")
	assert.Equal(t, "idle", resp["state"])
}

// TestHandler_ServersAndStats 測試伺服器列表與統計
func TestHandler_ServersAndStats(t *testing.T) {
	f, h := setupMatchHandler(t)
	f.register(t, "http://room-1", 2, 5)

	w, resp := call(t, h, http.MethodGet, "/api/v1/servers", "")
	require.Equal(t, http.StatusOK, w.Code)
	servers, ok := resp["servers"].([]any)
	require.True(t, ok)
	require.Len(t, servers, 1)
	assert.Equal(t, "http://room-1", servers[0].(map[string]any)["url"])

	call(t, h, http.MethodPost, "/api/v1/match", "tok-a")
	_, resp = call(t, h, http.MethodGet, "/stats", "")
	assert.EqualValues(t, 1, resp["queued"])

	w, resp = call(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", resp["status"])
}
