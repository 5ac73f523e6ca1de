package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/koopa0/system-design/14-frame-sync/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// TestCodecs 測試兩種編碼都能還原信封
func TestCodecs(t *testing.T) {
	frame := protocol.SyncFrameMessage{
		FrameIndex: 42,
		SyncFrame: protocol.GameSyncFrame{
			ConnectionInputs: []protocol.ConnectionInputFrame{
				{ConnectionID: "c1", Operates: []json.RawMessage{json.RawMessage(`{"key":"up"}`)}},
			},
		},
	}
	msg, err := protocol.NewBroadcast(protocol.TypeSyncFrame, frame)
	require.NoError(t, err)

	for _, codec := range []protocol.Codec{protocol.JSONCodec{}, protocol.BinaryCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			data, err := codec.Encode(msg)
			require.NoError(t, err)

			decoded, err := codec.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, protocol.TypeSyncFrame, decoded.Type)
			assert.Zero(t, decoded.ReqID)

			var got protocol.SyncFrameMessage
			require.NoError(t, decoded.DecodeData(&got))
			assert.Equal(t, int64(42), got.FrameIndex)
			require.Len(t, got.SyncFrame.ConnectionInputs, 1)
			assert.Equal(t, "c1", got.SyncFrame.ConnectionInputs[0].ConnectionID)
		})
	}
}

// TestBinaryCodec_ErrorResponse 測試錯誤回應的欄位
func TestBinaryCodec_ErrorResponse(t *testing.T) {
	codec := protocol.BinaryCodec{}
	data, err := codec.Encode(protocol.NewError(protocol.TypeJoinRoom, 7, "ROOM_FULL", "房間已滿"))
	require.NoError(t, err)

	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	assert.True(t, decoded.IsError())
	assert.Equal(t, uint64(7), decoded.ReqID)
	assert.Equal(t, "ROOM_FULL", decoded.Code)
	assert.Equal(t, "房間已滿", decoded.Message)
	assert.Empty(t, decoded.Data)
}

// TestBinaryCodec_SkipsUnknownFields 測試未知欄位被略過
func TestBinaryCodec_SkipsUnknownFields(t *testing.T) {
	data, err := protocol.BinaryCodec{}.Encode(&protocol.Message{Type: protocol.TypePing, ReqID: 1})
	require.NoError(t, err)

	data = protowire.AppendTag(data, 15, protowire.VarintType)
	data = protowire.AppendVarint(data, 99)

	decoded, err := protocol.BinaryCodec{}.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePing, decoded.Type)
}

// TestBinaryCodec_Invalid 測試損壞資料
func TestBinaryCodec_Invalid(t *testing.T) {
	_, err := protocol.BinaryCodec{}.Decode([]byte{0x0a, 0xff})
	assert.Error(t, err)

	_, err = protocol.BinaryCodec{}.Decode(nil)
	assert.Error(t, err, "缺少 type 欄位")
}

// TestCodecByName 測試名稱選擇
func TestCodecByName(t *testing.T) {
	assert.Equal(t, protocol.BinaryCodecName, protocol.CodecByName("binary").Name())
	assert.Equal(t, protocol.JSONCodecName, protocol.CodecByName("").Name())
	assert.True(t, protocol.CodecByName("binary").Binary())
}
