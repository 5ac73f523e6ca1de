package room_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-frame-sync/internal/auth"
	"github.com/koopa0/system-design/14-frame-sync/internal/connection"
	"github.com/koopa0/system-design/14-frame-sync/internal/framesync"
	"github.com/koopa0/system-design/14-frame-sync/internal/protocol"
	"github.com/koopa0/system-design/14-frame-sync/internal/room"
	apperrors "github.com/koopa0/system-design/14-frame-sync/pkg/errors"
	"github.com/koopa0/system-design/14-frame-sync/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// client 測試用的使用者與連線
type client struct {
	id   auth.Identity
	conn *connection.Conn
	rec  *connection.Recorder
}

var connSeq int

func newClient(userID string) *client {
	connSeq++
	rec := connection.NewRecorder(nil)
	id := auth.Identity{UserID: userID, Nickname: "nick-" + userID}
	conn := connection.New(fmt.Sprintf("conn-%d", connSeq), rec, nil)
	conn.SetIdentity(id)
	return &client{id: id, conn: conn, rec: rec}
}

// reconnect 同一身份的新連線
func (c *client) reconnect() *client {
	n := newClient(c.id.UserID)
	n.id = c.id
	return n
}

// testOptions 計時器頻率調低，測試直接呼叫 Tick
func testOptions(maxUsers int) room.Options {
	opts := room.DefaultOptions()
	opts.MaxUsers = maxUsers
	opts.Engine.FrameRate = 1
	opts.UserStateInterval = time.Hour
	return opts
}

func newRoom(t *testing.T, maxUsers int) *room.Room {
	t.Helper()
	r := room.New("room-1", "測試房間", testOptions(maxUsers), room.NewColorGenerator(1), logger.Discard())
	t.Cleanup(func() { r.Destroy("test_done") })
	return r
}

func join(t *testing.T, r *room.Room, c *client) room.JoinResult {
	t.Helper()
	result, err := r.Join(c.id, c.conn, "")
	require.NoError(t, err)
	return result
}

func findUser(data protocol.RoomData, userID string) (protocol.UserInRoom, bool) {
	for _, u := range data.Users {
		if u.ID == userID {
			return u, true
		}
	}
	return protocol.UserInRoom{}, false
}

// TestRoom_Join 測試加入房間
func TestRoom_Join(t *testing.T) {
	tests := []struct {
		name     string
		maxUsers int
		validate func(t *testing.T, r *room.Room)
	}{
		{
			name:     "first joiner becomes owner",
			maxUsers: 4,
			validate: func(t *testing.T, r *room.Room) {
				a := newClient("a")
				result := join(t, r, a)

				assert.Equal(t, "a", result.RoomData.OwnerID)
				assert.Equal(t, "nick-a", result.CurrentUser.Nickname)
				assert.Equal(t, protocol.PhaseWaiting, result.GamePhase)
				assert.Equal(t, "room-1", a.conn.RoomID())
				assert.Empty(t, a.rec.OfType(protocol.TypeUserJoin), "加入者不會收到自己的廣播")

				_, empty := r.EmptySince()
				assert.False(t, empty)
			},
		},
		{
			name:     "join broadcast to existing members",
			maxUsers: 4,
			validate: func(t *testing.T, r *room.Room) {
				a, b := newClient("a"), newClient("b")
				join(t, r, a)
				result := join(t, r, b)

				assert.Equal(t, "a", result.RoomData.OwnerID)
				assert.Len(t, result.RoomData.Users, 2)
				assert.NotEqual(t, result.RoomData.Users[0].Color, result.RoomData.Users[1].Color)

				msgs := a.rec.OfType(protocol.TypeUserJoin)
				require.Len(t, msgs, 1)
				var payload protocol.UserJoinMessage
				require.NoError(t, msgs[0].DecodeData(&payload))
				assert.Equal(t, "b", payload.User.ID)
				assert.Equal(t, payload.User.Color, payload.Color)
			},
		},
		{
			name:     "room full",
			maxUsers: 4,
			validate: func(t *testing.T, r *room.Room) {
				for i := range 4 {
					join(t, r, newClient(fmt.Sprintf("u%d", i)))
				}
				extra := newClient("u5")
				_, err := r.Join(extra.id, extra.conn, "")
				assert.True(t, errors.Is(err, apperrors.ErrRoomFull))
				assert.Len(t, r.Snapshot().Users, 4)
			},
		},
		{
			name:     "same identity evicts previous connection",
			maxUsers: 4,
			validate: func(t *testing.T, r *room.Room) {
				a := newClient("a")
				join(t, r, a)
				a2 := a.reconnect()
				join(t, r, a2)

				assert.Len(t, r.Snapshot().Users, 1, "不會產生第二筆記錄")
				assert.Empty(t, a.conn.RoomID())
				assert.Equal(t, "room-1", a2.conn.RoomID())
				assert.Len(t, a.rec.OfType(protocol.TypeKicked), 1)

				// 舊連線已無權操作
				err := r.SetReady(a.id, a.conn, true)
				assert.True(t, errors.Is(err, apperrors.ErrNotInRoom))
				require.NoError(t, r.SetReady(a2.id, a2.conn, true))
			},
		},
		{
			name:     "full room still accepts existing identity",
			maxUsers: 1,
			validate: func(t *testing.T, r *room.Room) {
				a := newClient("a")
				join(t, r, a)
				_, err := r.Join(a.id, a.reconnect().conn, "")
				assert.NoError(t, err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.validate(t, newRoom(t, tt.maxUsers))
		})
	}
}

// TestRoom_HandleDisconnect 測試斷線處理
func TestRoom_HandleDisconnect(t *testing.T) {
	t.Run("others remain marks offline", func(t *testing.T) {
		r := newRoom(t, 4)
		a, b := newClient("a"), newClient("b")
		join(t, r, a)
		join(t, r, b)
		require.NoError(t, r.SetReady(a.id, a.conn, true))
		b.rec.Reset()

		removed := r.HandleDisconnect(a.id, a.conn)
		assert.False(t, removed)

		data := r.Snapshot()
		assert.Len(t, data.Users, 2)
		user, ok := findUser(data, "a")
		require.True(t, ok)
		assert.True(t, user.IsOffline)
		assert.False(t, user.IsReady)
		assert.Empty(t, a.conn.RoomID())

		assert.Len(t, b.rec.OfType(protocol.TypeUserOffline), 1)
		changes := b.rec.OfType(protocol.TypeUserReadyChanged)
		require.Len(t, changes, 1)
		var payload protocol.UserReadyChangedMessage
		require.NoError(t, changes[0].DecodeData(&payload))
		assert.False(t, payload.IsReady)
		assert.Equal(t, "a", payload.User.ID)
	})

	t.Run("not ready user has no ready broadcast", func(t *testing.T) {
		r := newRoom(t, 4)
		a, b := newClient("a"), newClient("b")
		join(t, r, a)
		join(t, r, b)

		r.HandleDisconnect(a.id, a.conn)
		assert.Len(t, b.rec.OfType(protocol.TypeUserOffline), 1)
		assert.Empty(t, b.rec.OfType(protocol.TypeUserReadyChanged))
	})

	t.Run("sole occupant is removed", func(t *testing.T) {
		r := newRoom(t, 4)
		a := newClient("a")
		join(t, r, a)

		removed := r.HandleDisconnect(a.id, a.conn)
		assert.True(t, removed)
		assert.Empty(t, r.Snapshot().Users)

		since, empty := r.EmptySince()
		assert.True(t, empty)
		assert.WithinDuration(t, time.Now(), since, time.Second)
	})

	t.Run("evicted connection is ignored", func(t *testing.T) {
		r := newRoom(t, 4)
		a, b := newClient("a"), newClient("b")
		join(t, r, a)
		join(t, r, b)
		a2 := a.reconnect()
		join(t, r, a2)
		b.rec.Reset()

		assert.False(t, r.HandleDisconnect(a.id, a.conn))
		user, _ := findUser(r.Snapshot(), "a")
		assert.False(t, user.IsOffline)
		assert.Empty(t, b.rec.OfType(protocol.TypeUserOffline))
	})

	t.Run("everyone offline keeps seats", func(t *testing.T) {
		r := newRoom(t, 4)
		a, b := newClient("a"), newClient("b")
		join(t, r, a)
		join(t, r, b)

		r.HandleDisconnect(a.id, a.conn)
		_, offline := r.OfflineSince()
		assert.False(t, offline)

		r.HandleDisconnect(b.id, b.conn)
		assert.Len(t, r.Snapshot().Users, 2)
		_, empty := r.EmptySince()
		assert.False(t, empty, "仍有成員時不算空房間")
		_, offline = r.OfflineSince()
		assert.True(t, offline)

		// 重連後停止離線計時
		join(t, r, a.reconnect())
		_, offline = r.OfflineSince()
		assert.False(t, offline)
	})
}

// TestRoom_DestroyIfIdle 測試回收條件在房間鎖內重新確認
func TestRoom_DestroyIfIdle(t *testing.T) {
	policy := room.IdlePolicy{EmptyGrace: time.Minute, OfflineGrace: 10 * time.Minute}
	later := func(d time.Duration) time.Time { return time.Now().Add(d) }

	tests := []struct {
		name     string
		setup    func(t *testing.T, r *room.Room)
		now      time.Time
		policy   room.IdlePolicy
		validate func(t *testing.T, r *room.Room, users []string, reason string, destroyed bool)
	}{
		{
			name:   "new empty room after grace",
			now:    later(2 * time.Minute),
			policy: policy,
			validate: func(t *testing.T, r *room.Room, users []string, reason string, destroyed bool) {
				assert.True(t, destroyed)
				assert.Equal(t, "empty_timeout", reason)
				assert.Empty(t, users)
				assert.True(t, r.Destroyed())
			},
		},
		{
			name:   "within grace",
			now:    later(30 * time.Second),
			policy: policy,
			validate: func(t *testing.T, r *room.Room, _ []string, _ string, destroyed bool) {
				assert.False(t, destroyed)
				assert.False(t, r.Destroyed())
			},
		},
		{
			name: "joined after becoming empty",
			setup: func(t *testing.T, r *room.Room) {
				join(t, r, newClient("a"))
			},
			now:    later(time.Hour),
			policy: policy,
			validate: func(t *testing.T, r *room.Room, _ []string, _ string, destroyed bool) {
				assert.False(t, destroyed)
				assert.True(t, r.HasMember("a"))
			},
		},
		{
			name: "offline seats kept within offline grace",
			setup: func(t *testing.T, r *room.Room) {
				a, b := newClient("a"), newClient("b")
				join(t, r, a)
				join(t, r, b)
				r.HandleDisconnect(a.id, a.conn)
				r.HandleDisconnect(b.id, b.conn)
			},
			now:    later(5 * time.Minute),
			policy: policy,
			validate: func(t *testing.T, r *room.Room, _ []string, _ string, destroyed bool) {
				assert.False(t, destroyed)
				assert.Len(t, r.Snapshot().Users, 2)
			},
		},
		{
			name: "offline seats released after offline grace",
			setup: func(t *testing.T, r *room.Room) {
				a, b := newClient("a"), newClient("b")
				join(t, r, a)
				join(t, r, b)
				r.HandleDisconnect(a.id, a.conn)
				r.HandleDisconnect(b.id, b.conn)
			},
			now:    later(11 * time.Minute),
			policy: policy,
			validate: func(t *testing.T, r *room.Room, users []string, reason string, destroyed bool) {
				assert.True(t, destroyed)
				assert.Equal(t, "offline_timeout", reason)
				assert.ElementsMatch(t, []string{"a", "b"}, users)
			},
		},
		{
			name: "offline grace disabled",
			setup: func(t *testing.T, r *room.Room) {
				a, b := newClient("a"), newClient("b")
				join(t, r, a)
				join(t, r, b)
				r.HandleDisconnect(a.id, a.conn)
				r.HandleDisconnect(b.id, b.conn)
			},
			now:    later(24 * time.Hour),
			policy: room.IdlePolicy{EmptyGrace: time.Minute},
			validate: func(t *testing.T, r *room.Room, _ []string, _ string, destroyed bool) {
				assert.False(t, destroyed)
			},
		},
		{
			name: "rejoined before the check",
			setup: func(t *testing.T, r *room.Room) {
				a, b := newClient("a"), newClient("b")
				join(t, r, a)
				join(t, r, b)
				r.HandleDisconnect(a.id, a.conn)
				r.HandleDisconnect(b.id, b.conn)
				_, err := r.Rejoin(a.id, a.reconnect().conn)
				require.NoError(t, err)
			},
			now:    later(time.Hour),
			policy: policy,
			validate: func(t *testing.T, r *room.Room, _ []string, _ string, destroyed bool) {
				assert.False(t, destroyed)
				assert.False(t, r.Destroyed())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRoom(t, 4)
			if tt.setup != nil {
				tt.setup(t, r)
			}
			users, reason, destroyed := r.DestroyIfIdle(tt.now, tt.policy)
			tt.validate(t, r, users, reason, destroyed)
		})
	}

	t.Run("already destroyed", func(t *testing.T) {
		r := newRoom(t, 4)
		r.Destroy("admin")
		_, _, destroyed := r.DestroyIfIdle(later(time.Hour), policy)
		assert.False(t, destroyed)
	})
}

// TestRoom_Rejoin 測試重新加入
func TestRoom_Rejoin(t *testing.T) {
	r := newRoom(t, 4)
	a, b := newClient("a"), newClient("b")
	join(t, r, a)
	join(t, r, b)
	r.HandleDisconnect(a.id, a.conn)
	b.rec.Reset()

	a2 := a.reconnect()
	result, err := r.Rejoin(a2.id, a2.conn)
	require.NoError(t, err)

	assert.True(t, result.IsRejoin)
	assert.False(t, result.CurrentUser.IsOffline)
	assert.Len(t, result.RoomData.Users, 2)
	assert.Equal(t, "a", result.RoomData.OwnerID, "離線房主保有房主身份")
	assert.Len(t, b.rec.OfType(protocol.TypeUserOnline), 1)
	assert.Empty(t, b.rec.OfType(protocol.TypeUserJoin))

	// 記錄已被移除時視為一般加入
	c := newClient("c")
	result, err = r.Rejoin(c.id, c.conn)
	require.NoError(t, err)
	assert.False(t, result.IsRejoin)
	assert.Len(t, result.RoomData.Users, 3)
}

// TestRoom_Leave 測試主動離開與房主移交
func TestRoom_Leave(t *testing.T) {
	r := newRoom(t, 4)
	a, b, c := newClient("a"), newClient("b"), newClient("c")
	join(t, r, a)
	join(t, r, b)
	join(t, r, c)

	// b 離線後，房主應移交給在線的 c
	r.HandleDisconnect(b.id, b.conn)
	c.rec.Reset()

	require.NoError(t, r.Leave(a.id, a.conn))
	assert.Empty(t, a.conn.RoomID())

	data := r.Snapshot()
	assert.Len(t, data.Users, 2)
	assert.Equal(t, "c", data.OwnerID)

	assert.Len(t, c.rec.OfType(protocol.TypeUserExit), 1)
	owners := c.rec.OfType(protocol.TypeOwnerChanged)
	require.Len(t, owners, 1)
	var payload protocol.OwnerChangedMessage
	require.NoError(t, owners[0].DecodeData(&payload))
	assert.Equal(t, "c", payload.OwnerID)

	assert.True(t, errors.Is(r.Leave(a.id, a.conn), apperrors.ErrNotInRoom))

	require.NoError(t, r.Leave(c.id, c.conn))
	assert.Equal(t, "b", r.Snapshot().OwnerID, "只剩離線成員時交給離線成員")
}

// TestRoom_GameFlow 測試開始、幀同步與結束
func TestRoom_GameFlow(t *testing.T) {
	r := newRoom(t, 4)
	a, b := newClient("a"), newClient("b")
	join(t, r, a)
	join(t, r, b)

	assert.True(t, errors.Is(r.StartGame(b.id, b.conn), apperrors.ErrNotOwner))
	require.NoError(t, r.SetReady(a.id, a.conn, true))
	assert.True(t, errors.Is(r.StartGame(a.id, a.conn), apperrors.ErrInvalidState), "b 尚未準備")

	require.NoError(t, r.SetReady(b.id, b.conn, true))
	require.NoError(t, r.StartGame(a.id, a.conn))
	assert.Equal(t, protocol.PhasePlaying, r.Snapshot().GamePhase)
	assert.Len(t, b.rec.OfType(protocol.TypeGameStart), 1)
	assert.True(t, errors.Is(r.StartGame(a.id, a.conn), apperrors.ErrInvalidState))
	assert.True(t, errors.Is(r.SetReady(b.id, b.conn, false), apperrors.ErrInvalidState), "遊戲中不能切換準備")

	require.NoError(t, r.SendInput(a.id, a.conn, []json.RawMessage{json.RawMessage(`{"move":1}`)}))
	r.Tick()

	frames := b.rec.OfType(protocol.TypeSyncFrame)
	require.NotEmpty(t, frames)
	var frame protocol.SyncFrameMessage
	require.NoError(t, frames[0].DecodeData(&frame))
	assert.Equal(t, int64(0), frame.FrameIndex)
	require.Len(t, frame.SyncFrame.ConnectionInputs, 1)
	assert.Equal(t, a.conn.ID(), frame.SyncFrame.ConnectionInputs[0].ConnectionID)

	require.NoError(t, r.EndGame(a.id, a.conn, "round_over"))
	data := r.Snapshot()
	assert.Equal(t, protocol.PhaseFinished, data.GamePhase)
	for _, u := range data.Users {
		assert.False(t, u.IsReady)
	}
	assert.Len(t, b.rec.OfType(protocol.TypeGameOver), 1)
	assert.True(t, errors.Is(r.EndGame(a.id, a.conn, ""), apperrors.ErrInvalidState))

	// 下一回合從暫停點繼續
	require.NoError(t, r.SetReady(a.id, a.conn, true))
	assert.Equal(t, protocol.PhaseWaiting, r.Snapshot().GamePhase)
	require.NoError(t, r.SetReady(b.id, b.conn, true))
	require.NoError(t, r.StartGame(a.id, a.conn))
	assert.True(t, r.Engine().Stats().Started)
	assert.False(t, r.Engine().Stats().Paused)
}

// TestRoom_RequestGameState 測試追幀
func TestRoom_RequestGameState(t *testing.T) {
	r := newRoom(t, 4)
	a := newClient("a")
	join(t, r, a)
	require.NoError(t, r.SetReady(a.id, a.conn, true))
	require.NoError(t, r.StartGame(a.id, a.conn))

	for range 5 {
		r.Tick()
	}
	next := r.Engine().Stats().NextFrameIndex

	state, err := r.RequestGameState(a.id, a.conn, nil)
	require.NoError(t, err)
	assert.Equal(t, state.StateFrameIndex+1, state.StartFrameIndex)
	assert.Equal(t, next, state.CurrentFrameIndex)
	assert.Len(t, state.AfterFrames, int(next))

	from := next - 2
	state, err = r.RequestGameState(a.id, a.conn, &from)
	require.NoError(t, err)
	assert.Len(t, state.AfterFrames, 2)
	assert.Equal(t, from, state.StartFrameIndex)

	// 上傳快照後，更早的幀不再保留
	require.NoError(t, r.UploadState(a.id, a.conn, next-1, json.RawMessage(`{"hp":3}`)))
	old := int64(0)
	_, err = r.RequestGameState(a.id, a.conn, &old)
	assert.True(t, errors.Is(err, apperrors.ErrGapTooLarge))

	ahead := next + 10
	_, err = r.RequestGameState(a.id, a.conn, &ahead)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))

	err = r.UploadState(a.id, a.conn, next+100, json.RawMessage(`{}`))
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))
}

// TestRoom_UserStates 測試即時狀態只在有變更時廣播
func TestRoom_UserStates(t *testing.T) {
	r := newRoom(t, 4)
	a, b := newClient("a"), newClient("b")
	join(t, r, a)
	join(t, r, b)

	r.FlushUserStates()
	assert.Empty(t, b.rec.OfType(protocol.TypeUserStates))

	require.NoError(t, r.UpdateUserState(a.id, a.conn, json.RawMessage(`{"x":1}`)))
	require.NoError(t, r.UpdateUserState(a.id, a.conn, json.RawMessage(`{"x":2}`)))
	r.FlushUserStates()
	r.FlushUserStates()

	msgs := b.rec.OfType(protocol.TypeUserStates)
	require.Len(t, msgs, 1)
	var payload protocol.UserStatesMessage
	require.NoError(t, msgs[0].DecodeData(&payload))
	assert.JSONEq(t, `{"x":2}`, string(payload.States["a"]))
}

// TestRoom_StateSource 測試伺服器端快照來源
func TestRoom_StateSource(t *testing.T) {
	opts := testOptions(4)
	opts.Engine.SnapshotInterval = 2
	opts.StateSource = func(frameIndex int64) (json.RawMessage, error) {
		return json.RawMessage(fmt.Sprintf(`{"frame":%d}`, frameIndex)), nil
	}
	r := room.New("room-src", "快照", opts, nil, logger.Discard())
	t.Cleanup(func() { r.Destroy("test_done") })

	a := newClient("a")
	join(t, r, a)
	require.NoError(t, r.SetReady(a.id, a.conn, true))
	require.NoError(t, r.StartGame(a.id, a.conn))
	r.Tick()
	r.Tick()

	state, err := r.RequestGameState(a.id, a.conn, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, state.StateFrameIndex, int64(1))
	assert.NotEmpty(t, state.StateData)
	assert.Equal(t, framesync.DefaultConfig().MaxAfterFrames, r.Engine().Config().MaxAfterFrames)
}

// TestRoom_Destroy 測試銷毀
func TestRoom_Destroy(t *testing.T) {
	r := room.New("room-d", "銷毀", testOptions(4), nil, logger.Discard())
	a, b := newClient("a"), newClient("b")
	join(t, r, a)
	join(t, r, b)
	r.HandleDisconnect(b.id, b.conn)

	users := r.Destroy("admin")
	assert.ElementsMatch(t, []string{"a", "b"}, users)
	assert.True(t, r.Destroyed())
	assert.Empty(t, a.conn.RoomID())
	assert.Len(t, a.rec.OfType(protocol.TypeKicked), 1)

	assert.Nil(t, r.Destroy("again"), "重複銷毀是 no-op")
	r.Tick()
	r.FlushUserStates()
	assert.True(t, r.Engine().Stats().Stopped)

	c := newClient("c")
	_, err := r.Join(c.id, c.conn, "")
	assert.True(t, errors.Is(err, apperrors.ErrRoomNotExists))
	assert.False(t, r.HasMember("a"))
}

// TestRoom_NotInRoom 測試非成員操作
func TestRoom_NotInRoom(t *testing.T) {
	r := newRoom(t, 4)
	a, stranger := newClient("a"), newClient("x")
	join(t, r, a)

	ops := []func() error{
		func() error { return r.SetReady(stranger.id, stranger.conn, true) },
		func() error { return r.SendInput(stranger.id, stranger.conn, nil) },
		func() error { return r.PauseFrameSync(stranger.id, stranger.conn) },
		func() error { return r.ResumeFrameSync(stranger.id, stranger.conn) },
		func() error { return r.UpdateUserState(stranger.id, stranger.conn, nil) },
		func() error { return r.Leave(stranger.id, stranger.conn) },
		func() error {
			_, err := r.RequestGameState(stranger.id, stranger.conn, nil)
			return err
		},
	}
	for i, op := range ops {
		assert.True(t, errors.Is(op(), apperrors.ErrNotInRoom), "op %d", i)
	}

	// 沒有身份
	err := r.SetReady(auth.Identity{}, a.conn, true)
	assert.True(t, errors.Is(err, apperrors.ErrNotLoggedIn))
}
