package connection

import (
	"sync"

	"github.com/koopa0/system-design/14-frame-sync/internal/protocol"
)

// Recorder 記錄送出訊息的傳輸（測試與離線工具用）
type Recorder struct {
	mu     sync.Mutex
	codec  protocol.Codec
	sent   [][]byte
	closed bool
	full   bool
}

// NewRecorder 創建記錄傳輸
func NewRecorder(codec protocol.Codec) *Recorder {
	if codec == nil {
		codec = protocol.JSONCodec{}
	}
	return &Recorder{codec: codec}
}

// Send 記錄資料；關閉或模擬緩衝區滿時回傳 false
func (r *Recorder) Send(data []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.full {
		return false
	}
	r.sent = append(r.sent, data)
	return true
}

// Close 標記關閉
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// SetFull 模擬緩衝區滿
func (r *Recorder) SetFull(full bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.full = full
}

// Closed 是否已關閉
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Messages 解碼所有已送出的訊息
func (r *Recorder) Messages() []*protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs := make([]*protocol.Message, 0, len(r.sent))
	for _, data := range r.sent {
		if msg, err := r.codec.Decode(data); err == nil {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// OfType 取得特定類型的訊息
func (r *Recorder) OfType(typ string) []*protocol.Message {
	var result []*protocol.Message
	for _, msg := range r.Messages() {
		if msg.Type == typ {
			result = append(result, msg)
		}
	}
	return result
}

// Reset 清空記錄
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
