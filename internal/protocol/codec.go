package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Codec 訊息編解碼器
//
// 編碼屬於傳輸層的選擇，房間邏輯只處理 Message。
type Codec interface {
	Name() string
	// Binary 是否需要以二進位 frame 傳輸（WebSocket BinaryMessage）
	Binary() bool
	Encode(msg *Message) ([]byte, error)
	Decode(data []byte) (*Message, error)
}

// CodecByName 依名稱取得編解碼器，未知名稱回傳 JSON
func CodecByName(name string) Codec {
	if name == BinaryCodecName {
		return BinaryCodec{}
	}
	return JSONCodec{}
}

// JSONCodecName JSON 編碼名稱
const JSONCodecName = "json"

// JSONCodec 文字 JSON 編碼（預設）
type JSONCodec struct{}

func (JSONCodec) Name() string { return JSONCodecName }
func (JSONCodec) Binary() bool { return false }

func (JSONCodec) Encode(msg *Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (JSONCodec) Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode json message: %w", err)
	}
	return &msg, nil
}

// BinaryCodecName 二進位編碼名稱
const BinaryCodecName = "binary"

// 二進位信封欄位編號（protobuf wire format）
const (
	fieldType    protowire.Number = 1
	fieldReqID   protowire.Number = 2
	fieldCode    protowire.Number = 3
	fieldMessage protowire.Number = 4
	fieldData    protowire.Number = 5
)

// BinaryCodec 以 protobuf wire format 編碼信封
//
// 信封欄位相容於下列 proto 定義，資料欄位維持不透明的位元組：
//
//	message Envelope {
//	  string type = 1;
//	  uint64 req_id = 2;
//	  string code = 3;
//	  string message = 4;
//	  bytes data = 5;
//	}
type BinaryCodec struct{}

func (BinaryCodec) Name() string { return BinaryCodecName }
func (BinaryCodec) Binary() bool { return true }

func (BinaryCodec) Encode(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("encode nil message")
	}
	b := make([]byte, 0, len(msg.Type)+len(msg.Data)+16)
	b = protowire.AppendTag(b, fieldType, protowire.BytesType)
	b = protowire.AppendString(b, msg.Type)
	if msg.ReqID != 0 {
		b = protowire.AppendTag(b, fieldReqID, protowire.VarintType)
		b = protowire.AppendVarint(b, msg.ReqID)
	}
	if msg.Code != "" {
		b = protowire.AppendTag(b, fieldCode, protowire.BytesType)
		b = protowire.AppendString(b, msg.Code)
	}
	if msg.Message != "" {
		b = protowire.AppendTag(b, fieldMessage, protowire.BytesType)
		b = protowire.AppendString(b, msg.Message)
	}
	if len(msg.Data) > 0 {
		b = protowire.AppendTag(b, fieldData, protowire.BytesType)
		b = protowire.AppendBytes(b, msg.Data)
	}
	return b, nil
}

func (BinaryCodec) Decode(data []byte) (*Message, error) {
	msg := &Message{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("decode binary tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldReqID && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("decode reqId: %w", protowire.ParseError(n))
			}
			msg.ReqID = v
			data = data[n:]
		case typ == protowire.BytesType && (num == fieldType || num == fieldCode || num == fieldMessage || num == fieldData):
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("decode field %d: %w", num, protowire.ParseError(n))
			}
			switch num {
			case fieldType:
				msg.Type = string(v)
			case fieldCode:
				msg.Code = string(v)
			case fieldMessage:
				msg.Message = string(v)
			case fieldData:
				msg.Data = append(json.RawMessage(nil), v...)
			}
			data = data[n:]
		default:
			// 未知欄位直接跳過，保持向前相容
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	if msg.Type == "" {
		return nil, errors.New("decode binary message: missing type")
	}
	return msg, nil
}
