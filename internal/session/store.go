// Package session 記錄「使用者目前在哪個房間」
//
// 這是跨程序的事實來源：多個房間伺服器與配對協調器都會讀寫，
// 程序重啟後重連也依賴這份記錄，而不是連線註冊表。
package session

import (
	"context"
	"sync"
	"time"
)

// Entry 使用者所在房間
type Entry struct {
	RoomID    string
	ServerURL string // 房間所在的伺服器，跨伺服器重連時使用
	UpdatedAt time.Time
}

// Store 使用者與房間對應的儲存
//
// 呼叫方必須容忍讀取後房間就消失的情況，
// 清除時使用 compare-and-delete，避免刪到使用者剛寫入的新房間。
type Store interface {
	// Get 取得使用者所在房間，不存在時 ok 為 false
	Get(ctx context.Context, userID string) (entry Entry, ok bool, err error)
	// Set 記錄使用者所在房間（覆寫）
	Set(ctx context.Context, userID string, entry Entry) error
	// Claim 記錄不存在或已指向同一房間時寫入並回傳 true；
	// 已指向其他房間時不寫入，回傳現有記錄與 false
	Claim(ctx context.Context, userID string, entry Entry) (current Entry, claimed bool, err error)
	// Clear 只有當記錄仍指向 roomID 時才刪除；roomID 為空表示無條件刪除
	Clear(ctx context.Context, userID, roomID string) (bool, error)
}

// MemoryStore 記憶體實作（單機部署與測試用）
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore 創建記憶體儲存
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Get 取得使用者所在房間
func (s *MemoryStore) Get(_ context.Context, userID string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[userID]
	return entry, ok, nil
}

// Set 記錄使用者所在房間
func (s *MemoryStore) Set(_ context.Context, userID string, entry Entry) error {
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[userID] = entry
	return nil
}

// Claim 原子佔位
func (s *MemoryStore) Claim(_ context.Context, userID string, entry Entry) (Entry, bool, error) {
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.entries[userID]; ok && current.RoomID != entry.RoomID {
		return current, false, nil
	}
	s.entries[userID] = entry
	return entry, true, nil
}

// Clear compare-and-delete
func (s *MemoryStore) Clear(_ context.Context, userID, roomID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[userID]
	if !ok {
		return false, nil
	}
	if roomID != "" && entry.RoomID != roomID {
		return false, nil
	}
	delete(s.entries, userID)
	return true, nil
}

// Len 記錄數量
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
