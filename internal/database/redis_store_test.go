package database

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   3,
	})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	client.FlushDB(ctx)
	return client
}

func TestRedisSessionStore(t *testing.T) {
	client := newTestRedis(t)
	store := NewRedisStore(client, "bayeux:test:", 0)
	defer func() { _ = store.Close(context.Background()) }()
	defer client.FlushDB(context.Background())

	testSessionStore(t, store)
}

func TestRedisStoreTTL(t *testing.T) {
	client := newTestRedis(t)
	store := NewRedisStore(client, "", time.Minute)
	defer func() { _ = store.Close(context.Background()) }()
	defer client.FlushDB(context.Background())

	ctx := context.Background()
	if err := store.Save(ctx, NewSessionRecord("expiring", false)); err != nil {
		t.Fatal(err)
	}
	ttl, err := client.TTL(ctx, defaultKeyPrefix+"expiring").Result()
	if err != nil {
		t.Fatal(err)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("unexpected ttl %s", ttl)
	}
}
