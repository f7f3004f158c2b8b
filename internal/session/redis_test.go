package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/wadahiro/pkcelens/internal/pkce"
)

// Runs against a live server only when PKCELENS_TEST_REDIS_ADDR is set.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("PKCELENS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PKCELENS_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable: %v", err)
	}

	store := NewRedisStore(client, time.Minute)
	sid := uuid.NewString()
	t.Cleanup(func() {
		_ = store.ClearSecurityMaterial(ctx, sid)
		_ = store.ClearTokenSet(ctx, sid)
	})

	m, err := pkce.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if err := store.SetSecurityMaterial(ctx, sid, m); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetSecurityMaterial(ctx, sid)
	if err != nil || got == nil || got.Nonce != m.Nonce {
		t.Fatalf("material = %+v, %v", got, err)
	}
	ttl, err := client.TTL(ctx, store.materialKey(sid)).Result()
	if err != nil || ttl <= 0 {
		t.Errorf("material ttl = %v, %v; want positive", ttl, err)
	}

	if err := store.SetTokenSet(ctx, sid, &TokenSet{AccessToken: "at"}); err != nil {
		t.Fatal(err)
	}
	ts, err := store.GetTokenSet(ctx, sid)
	if err != nil || ts == nil || ts.AccessToken != "at" {
		t.Fatalf("tokens = %+v, %v", ts, err)
	}

	if err := store.ClearSecurityMaterial(ctx, sid); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.GetSecurityMaterial(ctx, sid); got != nil {
		t.Errorf("expected nil after clear, got %+v", got)
	}
}
