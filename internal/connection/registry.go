package connection

import "sync"

// Registry 程序內所有活躍連線
//
// 只記錄活著的連線，斷線即移除；重連時的房間查詢走 Session Store。
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry 創建連線註冊表
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Add 註冊連線
func (r *Registry) Add(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = conn
}

// Remove 移除連線，只移除同一個實例
func (r *Registry) Remove(conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if actual, ok := r.conns[conn.ID()]; ok && actual == conn {
		delete(r.conns, conn.ID())
		return true
	}
	return false
}

// Count 連線數量
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll 關閉並移除所有連線
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.conns = make(map[string]*Conn)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}
