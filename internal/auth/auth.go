// Package auth 將連線帶來的憑證解析為穩定的使用者身份
//
// 憑證由外部 SSO 服務簽發並寫入 Redis，這裡只負責讀取，不負責簽發。
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/koopa0/system-design/14-frame-sync/pkg/errors"
)

// Identity 使用者身份
type Identity struct {
	UserID    string `json:"userId"`
	Nickname  string `json:"nickname,omitempty"`
	Anonymous bool   `json:"anonymous,omitempty"`
}

// Resolver 憑證解析器
type Resolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// TokenKeyPrefix SSO 憑證在 Redis 中的鍵前綴
const TokenKeyPrefix = "sso:token:"

// RedisResolver 從 Redis 讀取 SSO 服務寫入的憑證
//
// 值的格式為 JSON：{"userId": "...", "nickname": "..."}
type RedisResolver struct {
	client *redis.Client
}

// NewRedisResolver 創建 Redis 憑證解析器
func NewRedisResolver(client *redis.Client) *RedisResolver {
	return &RedisResolver{client: client}
}

// Resolve 解析憑證
func (r *RedisResolver) Resolve(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, apperrors.ErrNotLoggedIn
	}

	raw, err := r.client.Get(ctx, TokenKeyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return Identity{}, apperrors.ErrUnauthorized
	}
	if err != nil {
		return Identity{}, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "讀取憑證失敗")
	}

	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return Identity{}, apperrors.Wrap(err, apperrors.ErrCodeUnauthorized, "憑證格式錯誤")
	}
	if id.UserID == "" {
		return Identity{}, apperrors.ErrUnauthorized
	}
	return id, nil
}

// MemoryResolver 記憶體憑證表（測試與單機開發用）
type MemoryResolver struct {
	mu     sync.RWMutex
	tokens map[string]Identity
}

// NewMemoryResolver 創建記憶體憑證解析器
func NewMemoryResolver() *MemoryResolver {
	return &MemoryResolver{tokens: make(map[string]Identity)}
}

// Register 登記憑證
func (m *MemoryResolver) Register(token string, id Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token] = id
}

// Resolve 解析憑證
func (m *MemoryResolver) Resolve(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, apperrors.ErrNotLoggedIn
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.tokens[token]
	if !ok {
		return Identity{}, apperrors.ErrUnauthorized
	}
	return id, nil
}

// AnonymousFallback 沒有憑證時發放匿名身份
//
// 帶了憑證但解析失敗時仍然回傳錯誤，不會降級為匿名。
type AnonymousFallback struct {
	next Resolver
}

// WithAnonymous 包裝解析器，允許匿名連線
func WithAnonymous(next Resolver) *AnonymousFallback {
	return &AnonymousFallback{next: next}
}

// Resolve 解析憑證
func (a *AnonymousFallback) Resolve(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return NewAnonymous(), nil
	}
	return a.next.Resolve(ctx, token)
}

// NewAnonymous 產生匿名身份
func NewAnonymous() Identity {
	id := uuid.NewString()
	return Identity{
		UserID:    "anon-" + id,
		Nickname:  fmt.Sprintf("guest-%s", id[:8]),
		Anonymous: true,
	}
}

// TokenFromRequest 從 ?token= 或 Authorization: Bearer 讀取憑證
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}
