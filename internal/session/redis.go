package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wadahiro/pkcelens/internal/pkce"
)

// RedisStore keeps material under a TTL key and tokens under a persistent key.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
}

// NewRedisStore wraps a connected client.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, prefix: "pkcelens"}
}

func (r *RedisStore) materialKey(sid string) string {
	return fmt.Sprintf("%s:%s:oauth_material", r.prefix, sid)
}

func (r *RedisStore) tokensKey(sid string) string {
	return fmt.Sprintf("%s:%s:tokens", r.prefix, sid)
}

func (r *RedisStore) GetSecurityMaterial(ctx context.Context, sid string) (*pkce.Material, error) {
	var m pkce.Material
	ok, err := r.getJSON(ctx, r.materialKey(sid), &m)
	if err != nil || !ok {
		return nil, err
	}
	return &m, nil
}

func (r *RedisStore) SetSecurityMaterial(ctx context.Context, sid string, m *pkce.Material) error {
	return r.setJSON(ctx, r.materialKey(sid), m, r.ttl)
}

func (r *RedisStore) ClearSecurityMaterial(ctx context.Context, sid string) error {
	if err := r.client.Del(ctx, r.materialKey(sid)).Err(); err != nil {
		return fmt.Errorf("delete security material: %w", err)
	}
	return nil
}

func (r *RedisStore) GetTokenSet(ctx context.Context, sid string) (*TokenSet, error) {
	var t TokenSet
	ok, err := r.getJSON(ctx, r.tokensKey(sid), &t)
	if err != nil || !ok {
		return nil, err
	}
	return &t, nil
}

func (r *RedisStore) SetTokenSet(ctx context.Context, sid string, tokens *TokenSet) error {
	return r.setJSON(ctx, r.tokensKey(sid), tokens, 0)
}

func (r *RedisStore) ClearTokenSet(ctx context.Context, sid string) error {
	if err := r.client.Del(ctx, r.tokensKey(sid)).Err(); err != nil {
		return fmt.Errorf("delete token set: %w", err)
	}
	return nil
}

func (r *RedisStore) getJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (r *RedisStore) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}
