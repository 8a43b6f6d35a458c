package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/life-stream-dev/life-stream-go-bayeux/internal/config"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/logger"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "bayeux:session:"

// RedisStore keeps one JSON value per session under keyPrefix+clientID.
// A positive ttl bounds how long a record outlives its last save.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

func NewRedisStore(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func ConnectRedis(ctx context.Context, cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("error occured while pinging redis at %s: %w", cfg.Addr, err)
	}
	logger.InfoF("Connected to redis at %s", cfg.Addr)
	return NewRedisStore(client, cfg.KeyPrefix, cfg.TTL.Duration()), nil
}

func (rs *RedisStore) key(clientID string) string {
	return rs.keyPrefix + clientID
}

func (rs *RedisStore) Get(ctx context.Context, clientID string) (*SessionRecord, error) {
	if clientID == "" {
		return nil, ClientIdEmptyError
	}
	data, err := rs.client.Get(ctx, rs.key(clientID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, clientID)
		}
		return nil, fmt.Errorf("failed to get key %s: %w", rs.key(clientID), err)
	}
	var record SessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session record: %w", err)
	}
	return &record, nil
}

func (rs *RedisStore) Save(ctx context.Context, record *SessionRecord) error {
	if record.ClientID == "" {
		return ClientIdEmptyError
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}
	if err := rs.client.Set(ctx, rs.key(record.ClientID), data, rs.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", rs.key(record.ClientID), err)
	}
	return nil
}

func (rs *RedisStore) Delete(ctx context.Context, clientID string) error {
	if clientID == "" {
		return ClientIdEmptyError
	}
	if err := rs.client.Del(ctx, rs.key(clientID)).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", rs.key(clientID), err)
	}
	return nil
}

// List scans every key under the prefix. Keys expiring between the scan and
// the read are skipped.
func (rs *RedisStore) List(ctx context.Context) ([]*SessionRecord, error) {
	keys, err := rs.scanKeys(ctx, rs.keyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to scan session keys: %w", err)
	}
	records := []*SessionRecord{}
	if len(keys) == 0 {
		return records, nil
	}
	values, err := rs.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session keys: %w", err)
	}
	for i, value := range values {
		data, ok := value.(string)
		if !ok {
			continue
		}
		var record SessionRecord
		if err := json.Unmarshal([]byte(data), &record); err != nil {
			logger.WarnF("Skipping unreadable session record %s, details: %v", keys[i], err)
			continue
		}
		records = append(records, &record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ClientID < records[j].ClientID })
	return records, nil
}

func (rs *RedisStore) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := rs.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (rs *RedisStore) Close(_ context.Context) error {
	logger.InfoF("Closing redis connection")
	return rs.client.Close()
}

var (
	_ SessionStore = (*MemoryStore)(nil)
	_ SessionStore = (*MongoStore)(nil)
	_ SessionStore = (*RedisStore)(nil)
)
