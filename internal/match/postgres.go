package match

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore PostgreSQL 實作
//
// 多個配對協調器實例共用同一份伺服器註冊表；
// 配對記錄保留下來供查詢與事後稽核。
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore 創建 PostgreSQL 儲存，資料表由 Migrator 建立
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// UpsertServer 註冊或更新心跳
func (s *PostgresStore) UpsertServer(ctx context.Context, srv Server) error {
	query := `
		INSERT INTO room_servers (url, rooms, users, last_seen)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (url)
		DO UPDATE SET rooms = EXCLUDED.rooms, users = EXCLUDED.users, last_seen = EXCLUDED.last_seen
	`
	if _, err := s.pool.Exec(ctx, query, srv.URL, srv.Rooms, srv.Users, srv.LastSeen); err != nil {
		return fmt.Errorf("upsert room server: %w", err)
	}
	return nil
}

// ListServers 列出存活的伺服器
func (s *PostgresStore) ListServers(ctx context.Context, aliveSince time.Time) ([]Server, error) {
	query := `
		SELECT url, rooms, users, last_seen
		FROM room_servers
		WHERE last_seen >= $1
		ORDER BY url
	`
	rows, err := s.pool.Query(ctx, query, aliveSince)
	if err != nil {
		return nil, fmt.Errorf("list room servers: %w", err)
	}
	defer rows.Close()

	var servers []Server
	for rows.Next() {
		var srv Server
		if err := rows.Scan(&srv.URL, &srv.Rooms, &srv.Users, &srv.LastSeen); err != nil {
			return nil, fmt.Errorf("scan room server: %w", err)
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

// PruneServers 刪除過期伺服器
func (s *PostgresStore) PruneServers(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM room_servers WHERE last_seen < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("prune room servers: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SaveMatch 保存配對結果
func (s *PostgresStore) SaveMatch(ctx context.Context, m Match) error {
	query := `
		INSERT INTO matches (id, user_ids, server_url, room_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.pool.Exec(ctx, query, m.ID, m.UserIDs, m.ServerURL, m.RoomID, m.CreatedAt); err != nil {
		return fmt.Errorf("save match: %w", err)
	}
	return nil
}

// GetMatch 查詢配對結果
func (s *PostgresStore) GetMatch(ctx context.Context, id string) (Match, bool, error) {
	query := `
		SELECT id::text, user_ids, server_url, room_id, created_at
		FROM matches
		WHERE id = $1
	`
	var m Match
	err := s.pool.QueryRow(ctx, query, id).Scan(&m.ID, &m.UserIDs, &m.ServerURL, &m.RoomID, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Match{}, false, nil
	}
	if err != nil {
		return Match{}, false, fmt.Errorf("get match: %w", err)
	}
	return m, true, nil
}
