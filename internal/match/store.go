package match

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Server 已註冊的房間伺服器
type Server struct {
	URL      string    `json:"url"`
	Rooms    int       `json:"rooms"`
	Users    int       `json:"users"`
	LastSeen time.Time `json:"last_seen"`
}

// Match 一次配對結果
type Match struct {
	ID        string    `json:"id"`
	UserIDs   []string  `json:"user_ids"`
	ServerURL string    `json:"server_url"`
	RoomID    string    `json:"room_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Store 房間伺服器註冊表與配對記錄
type Store interface {
	// UpsertServer 註冊或更新心跳
	UpsertServer(ctx context.Context, s Server) error
	// ListServers 列出 aliveSince 之後有心跳的伺服器
	ListServers(ctx context.Context, aliveSince time.Time) ([]Server, error)
	// PruneServers 刪除 before 之前就沒有心跳的伺服器
	PruneServers(ctx context.Context, before time.Time) (int, error)
	// SaveMatch 保存配對結果
	SaveMatch(ctx context.Context, m Match) error
	// GetMatch 查詢配對結果，不存在時 ok 為 false
	GetMatch(ctx context.Context, id string) (m Match, ok bool, err error)
}

// MemoryStore 記憶體實作（單機部署與測試用）
type MemoryStore struct {
	mu      sync.RWMutex
	servers map[string]Server
	matches map[string]Match
}

// NewMemoryStore 創建記憶體儲存
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		servers: make(map[string]Server),
		matches: make(map[string]Match),
	}
}

// UpsertServer 註冊或更新心跳
func (s *MemoryStore) UpsertServer(_ context.Context, srv Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[srv.URL] = srv
	return nil
}

// ListServers 依 URL 排序
func (s *MemoryStore) ListServers(_ context.Context, aliveSince time.Time) ([]Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Server, 0, len(s.servers))
	for _, srv := range s.servers {
		if !srv.LastSeen.Before(aliveSince) {
			result = append(result, srv)
		}
	}
	slices.SortFunc(result, func(a, b Server) int {
		switch {
		case a.URL < b.URL:
			return -1
		case a.URL > b.URL:
			return 1
		}
		return 0
	})
	return result, nil
}

// PruneServers 刪除過期伺服器
func (s *MemoryStore) PruneServers(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for url, srv := range s.servers {
		if srv.LastSeen.Before(before) {
			delete(s.servers, url)
			count++
		}
	}
	return count, nil
}

// SaveMatch 保存配對結果
func (s *MemoryStore) SaveMatch(_ context.Context, m Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.UserIDs = slices.Clone(m.UserIDs)
	s.matches[m.ID] = m
	return nil
}

// GetMatch 查詢配對結果
func (s *MemoryStore) GetMatch(_ context.Context, id string) (Match, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matches[id]
	return m, ok, nil
}
