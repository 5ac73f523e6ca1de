package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix 使用者房間記錄的鍵前綴
const KeyPrefix = "framesync:user_room:"

// clearScript compare-and-delete
//
// KEYS[1]: 使用者記錄
// ARGV[1]: 預期的房間 ID，空字串表示無條件刪除
//
// 返回值：
//
//	1: 已刪除
//	0: 記錄不存在或已指向其他房間
var clearScript = `
local key = KEYS[1]
local expected = ARGV[1]

if redis.call('EXISTS', key) == 0 then
    return 0
end

if expected ~= '' and redis.call('HGET', key, 'room_id') ~= expected then
    return 0
end

return redis.call('DEL', key)
`

// claimScript 原子佔位
//
// KEYS[1]: 使用者記錄
// ARGV[1]: 房間 ID
// ARGV[2]: 伺服器 URL
// ARGV[3]: 更新時間（毫秒）
// ARGV[4]: TTL（毫秒），0 表示不過期
//
// 返回值：{claimed, room_id, server_url, updated_at}
//
//	claimed 1: 已寫入（原本不存在或指向同一房間）
//	claimed 0: 已指向其他房間，後三個欄位為現有記錄
var claimScript = `
local key = KEYS[1]
local current = redis.call('HGET', key, 'room_id')

if current and current ~= ARGV[1] then
    local fields = redis.call('HMGET', key, 'server_url', 'updated_at')
    return {0, current, fields[1] or '', fields[2] or ''}
end

redis.call('DEL', key)
redis.call('HSET', key, 'room_id', ARGV[1], 'server_url', ARGV[2], 'updated_at', ARGV[3])
if tonumber(ARGV[4]) > 0 then
    redis.call('PEXPIRE', key, ARGV[4])
end
return {1, ARGV[1], ARGV[2], ARGV[3]}
`

// RedisStore Redis 實作
//
// 每個使用者一個 Hash：room_id / server_url / updated_at，
// 設定 TTL 讓遺失的記錄最終自動消失。
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	claim  *redis.Script
	clear  *redis.Script
}

// NewRedisStore 創建 Redis 儲存
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{
		client: client,
		ttl:    ttl,
		claim:  redis.NewScript(claimScript),
		clear:  redis.NewScript(clearScript),
	}
}

func key(userID string) string {
	return KeyPrefix + userID
}

// Get 取得使用者所在房間
func (s *RedisStore) Get(ctx context.Context, userID string) (Entry, bool, error) {
	fields, err := s.client.HGetAll(ctx, key(userID)).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("get user room: %w", err)
	}
	roomID := fields["room_id"]
	if roomID == "" {
		return Entry{}, false, nil
	}

	entry := Entry{
		RoomID:    roomID,
		ServerURL: fields["server_url"],
	}
	if ms, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		entry.UpdatedAt = time.UnixMilli(ms)
	}
	return entry, true, nil
}

// Set 記錄使用者所在房間
func (s *RedisStore) Set(ctx context.Context, userID string, entry Entry) error {
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now()
	}
	k := key(userID)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, k)
		pipe.HSet(ctx, k,
			"room_id", entry.RoomID,
			"server_url", entry.ServerURL,
			"updated_at", entry.UpdatedAt.UnixMilli())
		if s.ttl > 0 {
			pipe.Expire(ctx, k, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set user room: %w", err)
	}
	return nil
}

// Claim 原子佔位
func (s *RedisStore) Claim(ctx context.Context, userID string, entry Entry) (Entry, bool, error) {
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now()
	}

	values, err := s.claim.Run(ctx, s.client, []string{key(userID)},
		entry.RoomID,
		entry.ServerURL,
		entry.UpdatedAt.UnixMilli(),
		s.ttl.Milliseconds(),
	).Slice()
	if err != nil {
		return Entry{}, false, fmt.Errorf("claim user room: %w", err)
	}
	if len(values) != 4 {
		return Entry{}, false, fmt.Errorf("claim user room: unexpected reply %v", values)
	}

	claimed, _ := values[0].(int64)
	current := Entry{}
	current.RoomID, _ = values[1].(string)
	current.ServerURL, _ = values[2].(string)
	if ms, ok := values[3].(string); ok {
		if v, err := strconv.ParseInt(ms, 10, 64); err == nil {
			current.UpdatedAt = time.UnixMilli(v)
		}
	}
	return current, claimed == 1, nil
}

// Clear compare-and-delete
func (s *RedisStore) Clear(ctx context.Context, userID, roomID string) (bool, error) {
	n, err := s.clear.Run(ctx, s.client, []string{key(userID)}, roomID).Int()
	if err != nil {
		return false, fmt.Errorf("clear user room: %w", err)
	}
	return n == 1, nil
}
