package framesync_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/koopa0/system-design/14-frame-sync/internal/framesync"
	"github.com/koopa0/system-design/14-frame-sync/internal/protocol"
	"github.com/koopa0/system-design/14-frame-sync/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, cfg framesync.Config) *framesync.Engine {
	t.Helper()
	e := framesync.New(cfg, logger.Discard())
	require.True(t, e.Start())
	return e
}

func op(s string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"key":%q}`, s))
}

// stateAt 快照來源：回傳帶幀序號的狀態
func stateAt(frameIndex int64) (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf(`{"frame":%d}`, frameIndex)), nil
}

// TestEngine_CreatedPaused 測試新引擎不產生幀
func TestEngine_CreatedPaused(t *testing.T) {
	e := framesync.New(framesync.DefaultConfig(), logger.Discard())

	_, ok := e.Tick()
	assert.False(t, ok)
	assert.False(t, e.AddInput("c1", []json.RawMessage{op("a")}))
	assert.False(t, e.Resume(), "未開始的引擎不能恢復")

	require.True(t, e.Start())
	assert.False(t, e.Start(), "重複開始")

	index, ok := e.Tick()
	assert.True(t, ok)
	assert.Equal(t, int64(0), index)
}

// TestEngine_AddInput 測試同一幀內以最後一次輸入為準
func TestEngine_AddInput(t *testing.T) {
	tests := []struct {
		name     string
		inputs   [][2]string // connectionID, key
		validate func(t *testing.T, frame protocol.GameSyncFrame)
	}{
		{
			name:   "last write wins",
			inputs: [][2]string{{"c1", "a"}, {"c1", "b"}, {"c1", "c"}},
			validate: func(t *testing.T, frame protocol.GameSyncFrame) {
				require.Len(t, frame.ConnectionInputs, 1)
				assert.JSONEq(t, `{"key":"c"}`, string(frame.ConnectionInputs[0].Operates[0]))
			},
		},
		{
			name:   "order of first submission",
			inputs: [][2]string{{"c2", "x"}, {"c1", "y"}, {"c2", "z"}},
			validate: func(t *testing.T, frame protocol.GameSyncFrame) {
				require.Len(t, frame.ConnectionInputs, 2)
				assert.Equal(t, "c2", frame.ConnectionInputs[0].ConnectionID)
				assert.Equal(t, "c1", frame.ConnectionInputs[1].ConnectionID)
				assert.JSONEq(t, `{"key":"z"}`, string(frame.ConnectionInputs[0].Operates[0]))
			},
		},
		{
			name: "no input",
			validate: func(t *testing.T, frame protocol.GameSyncFrame) {
				assert.Empty(t, frame.ConnectionInputs)
				assert.NotNil(t, frame.ConnectionInputs, "空幀序列化為 []")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, framesync.DefaultConfig())

			var got protocol.GameSyncFrame
			e.SetFrameHandler(func(_ int64, frame protocol.GameSyncFrame) { got = frame })

			for _, in := range tt.inputs {
				require.True(t, e.AddInput(in[0], []json.RawMessage{op(in[1])}))
			}
			_, ok := e.Tick()
			require.True(t, ok)
			tt.validate(t, got)

			// 輸入在每幀之後清空
			assert.Zero(t, e.Stats().PendingInputs)
		})
	}
}

// TestEngine_FrameIndexMonotonic 測試幀序號連續遞增
func TestEngine_FrameIndexMonotonic(t *testing.T) {
	e := newEngine(t, framesync.DefaultConfig())

	var indices []int64
	e.SetFrameHandler(func(index int64, _ protocol.GameSyncFrame) { indices = append(indices, index) })

	for range 10 {
		e.Tick()
	}
	require.Len(t, indices, 10)
	for i, index := range indices {
		assert.Equal(t, int64(i), index)
	}
	assert.Equal(t, int64(10), e.Stats().NextFrameIndex)
}

// TestEngine_WindowInvariant 測試 afterFrames[i] 對應 lastStateFrameIndex+1+i
func TestEngine_WindowInvariant(t *testing.T) {
	cfg := framesync.DefaultConfig()
	cfg.SnapshotInterval = 7
	cfg.MaxAfterFrames = 20
	cfg.TrimAfterFrames = 10
	e := newEngine(t, cfg)
	e.SetSnapshotSource(stateAt)

	for i := range 100 {
		e.AddInput("c1", []json.RawMessage{json.RawMessage(fmt.Sprintf(`%d`, i))})
		e.Tick()

		state := e.GameState()
		for j, frame := range state.AfterFrames {
			expected := state.StateFrameIndex + 1 + int64(j)
			assert.JSONEq(t, fmt.Sprintf(`%d`, expected), string(frame.ConnectionInputs[0].Operates[0]))
		}
		assert.Equal(t, state.StateFrameIndex+1+int64(len(state.AfterFrames)), state.CurrentFrameIndex)
	}
}

// TestEngine_PeriodicSnapshot 測試每 60 幀的週期快照
func TestEngine_PeriodicSnapshot(t *testing.T) {
	t.Run("with snapshot source", func(t *testing.T) {
		e := newEngine(t, framesync.DefaultConfig())
		e.SetSnapshotSource(stateAt)

		for range 61 {
			e.Tick()
		}

		stats := e.Stats()
		assert.Equal(t, int64(61), stats.NextFrameIndex)
		assert.Equal(t, int64(59), stats.LastStateFrameIndex)
		// 視窗不變式：afterFrames[k] 的序號永遠是 LastStateFrameIndex+1+k，
		// 所以第 59 幀的快照之後只保留第 60 幀；61 幀全部已廣播
		assert.Equal(t, 1, stats.AfterFrames, "快照後只保留第 60 幀")

		state := e.GameState()
		assert.JSONEq(t, `{"frame":59}`, string(state.StateData))
		assert.Equal(t, int64(60), state.StartFrameIndex)
	})

	t.Run("without snapshot source", func(t *testing.T) {
		e := newEngine(t, framesync.DefaultConfig())

		for range 61 {
			e.Tick()
		}

		stats := e.Stats()
		assert.Equal(t, int64(61), stats.NextFrameIndex)
		assert.Equal(t, int64(-1), stats.LastStateFrameIndex)
		assert.Equal(t, 61, stats.AfterFrames)
	})

	t.Run("source failure keeps history", func(t *testing.T) {
		e := newEngine(t, framesync.DefaultConfig())
		e.SetSnapshotSource(func(int64) (json.RawMessage, error) {
			return nil, errors.New("state unavailable")
		})

		for range 61 {
			e.Tick()
		}
		assert.Equal(t, 61, e.Stats().AfterFrames)
	})
}

// TestEngine_Overflow 測試歷史幀上限與強制裁剪
func TestEngine_Overflow(t *testing.T) {
	cfg := framesync.DefaultConfig()
	cfg.SnapshotInterval = 0
	e := newEngine(t, cfg)

	var requested []int64
	e.SetSnapshotSource(func(frameIndex int64) (json.RawMessage, error) {
		requested = append(requested, frameIndex)
		return stateAt(frameIndex)
	})

	for range 600 {
		e.Tick()
		require.LessOrEqual(t, e.Stats().AfterFrames, 600)
	}
	assert.Equal(t, 600, e.Stats().AfterFrames)
	assert.Empty(t, requested)

	// 第 601 幀觸發裁剪
	e.Tick()
	stats := e.Stats()
	assert.Equal(t, 300, stats.AfterFrames)
	assert.Equal(t, int64(300), stats.LastStateFrameIndex)
	assert.Equal(t, []int64{300}, requested)

	state := e.GameState()
	assert.JSONEq(t, `{"frame":300}`, string(state.StateData))

	for range 1000 {
		e.Tick()
		require.LessOrEqual(t, e.Stats().AfterFrames, 600)
	}
}

// TestEngine_GetCatchUpFrames 測試追幀
func TestEngine_GetCatchUpFrames(t *testing.T) {
	cfg := framesync.DefaultConfig()
	cfg.SnapshotInterval = 0
	cfg.MaxAfterFrames = 10
	cfg.TrimAfterFrames = 5

	tests := []struct {
		name     string
		from     int64
		validate func(t *testing.T, result framesync.CatchUp)
	}{
		{
			name: "within window",
			from: 10,
			validate: func(t *testing.T, result framesync.CatchUp) {
				assert.Equal(t, framesync.CatchUpOK, result.Status)
				assert.Len(t, result.Frames, 2)
				assert.JSONEq(t, `10`, string(result.Frames[0].ConnectionInputs[0].Operates[0]))
			},
		},
		{
			name: "oldest retained",
			from: 6,
			validate: func(t *testing.T, result framesync.CatchUp) {
				assert.Equal(t, framesync.CatchUpOK, result.Status)
				assert.Len(t, result.Frames, 6)
			},
		},
		{
			name: "already caught up",
			from: 12,
			validate: func(t *testing.T, result framesync.CatchUp) {
				assert.Equal(t, framesync.CatchUpOK, result.Status)
				assert.Empty(t, result.Frames)
			},
		},
		{
			name: "gap too large",
			from: 3,
			validate: func(t *testing.T, result framesync.CatchUp) {
				assert.Equal(t, framesync.CatchUpGapTooLarge, result.Status)
				assert.Equal(t, int64(6), result.StartFrameIndex)
				assert.Empty(t, result.Frames)
			},
		},
		{
			name: "ahead",
			from: 50,
			validate: func(t *testing.T, result framesync.CatchUp) {
				assert.Equal(t, framesync.CatchUpAhead, result.Status)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t, cfg)
			// 12 幀：第 10 幀觸發裁剪，保留 6..10，再加上第 11 幀
			for i := range 12 {
				e.AddInput("c1", []json.RawMessage{json.RawMessage(fmt.Sprintf(`%d`, i))})
				e.Tick()
			}
			require.Equal(t, int64(5), e.Stats().LastStateFrameIndex)
			tt.validate(t, e.GetCatchUpFrames(tt.from))
		})
	}
}

// TestEngine_Pause 測試暫停與恢復
func TestEngine_Pause(t *testing.T) {
	e := newEngine(t, framesync.DefaultConfig())

	for range 10 {
		e.AddInput("c1", []json.RawMessage{op("a")})
		e.Tick()
	}
	e.AddInput("c1", []json.RawMessage{op("pending")})

	require.True(t, e.Pause())
	paused := e.Stats()
	assert.True(t, paused.Paused)
	assert.Equal(t, int64(10), paused.NextFrameIndex)
	assert.Zero(t, paused.AfterFrames)
	assert.Zero(t, paused.PendingInputs)
	assert.Equal(t, int64(9), paused.LastStateFrameIndex)

	// 重複暫停是 no-op
	assert.False(t, e.Pause())
	assert.Equal(t, paused, e.Stats())

	// 暫停期間不產生幀、不接受輸入
	_, ok := e.Tick()
	assert.False(t, ok)
	assert.False(t, e.AddInput("c1", []json.RawMessage{op("b")}))
	assert.Equal(t, int64(10), e.Stats().NextFrameIndex)

	require.True(t, e.Resume())
	assert.False(t, e.Resume())

	index, ok := e.Tick()
	require.True(t, ok)
	assert.Equal(t, int64(10), index, "幀序號從暫停點繼續")

	result := e.GetCatchUpFrames(10)
	assert.Equal(t, framesync.CatchUpOK, result.Status)
	assert.Len(t, result.Frames, 1)
}

// TestEngine_SetStateData 測試客戶端上傳快照
func TestEngine_SetStateData(t *testing.T) {
	cfg := framesync.DefaultConfig()
	cfg.SnapshotInterval = 0
	e := newEngine(t, cfg)
	for range 20 {
		e.Tick()
	}

	assert.False(t, e.SetStateData(json.RawMessage(`{}`), 20), "尚未產生的幀")
	assert.False(t, e.SetStateData(json.RawMessage(`{}`), -1))

	require.True(t, e.SetStateData(json.RawMessage(`{"hp":10}`), 14))
	state := e.GameState()
	assert.Equal(t, int64(14), state.StateFrameIndex)
	assert.Len(t, state.AfterFrames, 5)
	assert.JSONEq(t, `{"hp":10}`, string(state.StateData))

	assert.False(t, e.SetStateData(json.RawMessage(`{}`), 10), "舊於目前快照")
}

// TestEngine_Stop 測試停止後不再產生幀
func TestEngine_Stop(t *testing.T) {
	e := newEngine(t, framesync.DefaultConfig())

	calls := 0
	e.SetFrameHandler(func(int64, protocol.GameSyncFrame) { calls++ })
	e.Tick()
	e.Stop()
	e.Stop()

	_, ok := e.Tick()
	assert.False(t, ok)
	assert.Equal(t, 1, calls)
	assert.False(t, e.Resume())
	assert.False(t, e.Start())
	assert.Zero(t, e.Stats().AfterFrames)
}

// TestEngine_StopThenCatchUp 停止後追幀不會越界
func TestEngine_StopThenCatchUp(t *testing.T) {
	e := newEngine(t, framesync.DefaultConfig())
	for range 10 {
		e.Tick()
	}
	e.Stop()

	tests := []struct {
		name     string
		from     int64
		validate func(t *testing.T, result framesync.CatchUp)
	}{
		{
			name: "inside the old window",
			from: 5,
			validate: func(t *testing.T, result framesync.CatchUp) {
				assert.Equal(t, framesync.CatchUpGapTooLarge, result.Status)
				assert.Empty(t, result.Frames)
			},
		},
		{
			name: "at the next frame",
			from: 10,
			validate: func(t *testing.T, result framesync.CatchUp) {
				assert.Equal(t, framesync.CatchUpOK, result.Status)
				assert.Empty(t, result.Frames)
			},
		},
		{
			name: "ahead",
			from: 11,
			validate: func(t *testing.T, result framesync.CatchUp) {
				assert.Equal(t, framesync.CatchUpAhead, result.Status)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.validate(t, e.GetCatchUpFrames(tt.from))
		})
	}

	state := e.GameState()
	assert.Empty(t, state.AfterFrames)
	assert.Equal(t, int64(9), state.StateFrameIndex)
	assert.Equal(t, state.CurrentFrameIndex, state.StartFrameIndex)
}

// TestEngine_ConcurrentInput 測試並發提交輸入
func TestEngine_ConcurrentInput(t *testing.T) {
	e := newEngine(t, framesync.DefaultConfig())

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for range 20 {
				e.AddInput(fmt.Sprintf("c%d", id), []json.RawMessage{op("x")})
			}
		}(i)
	}

	done := make(chan struct{})
	go func() {
		for range 100 {
			e.Tick()
		}
		close(done)
	}()

	wg.Wait()
	<-done
	assert.Equal(t, int64(100), e.Stats().NextFrameIndex)
}
