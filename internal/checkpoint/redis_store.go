package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"
)

// RedisStore persists snapshots in Redis, suitable when several orchestrator
// processes share session state. Each snapshot is a single SET, so a reader
// always observes a complete value.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	mu     sync.RWMutex
	closed bool

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (optional).
	Password string
	// DB is the Redis database number.
	DB int
	// Prefix is the key prefix (default: "crossport:session:").
	Prefix string
	// SnapshotTTL is the snapshot expiry (0 = never expire).
	SnapshotTTL time.Duration
}

// NewRedisStore connects to Redis and returns a snapshot store.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.SnapshotTTL)
}

// NewRedisStoreFromClient wraps an existing client; used by tests with
// miniredis.
func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) (*RedisStore, error) {
	if prefix == "" {
		prefix = "crossport:session:"
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		ttl:     ttl,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

func (r *RedisStore) key(sessionID string) string {
	return r.prefix + sessionID
}

func (r *RedisStore) indexKey() string {
	return r.prefix + "index"
}

// Save persists the snapshot and records the session id in the index set.
func (r *RedisStore) Save(ctx context.Context, snap *Snapshot) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrStoreClosed
	}
	if snap.SessionID == "" {
		return errors.New("session id cannot be empty")
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	compressed := r.encoder.EncodeAll(data, nil)

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(snap.SessionID), compressed, r.ttl)
	pipe.SAdd(ctx, r.indexKey(), snap.SessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Load retrieves the latest snapshot for a session.
func (r *RedisStore) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrStoreClosed
	}

	compressed, err := r.client.Get(ctx, r.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	data, err := r.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	return &snap, nil
}

// Delete removes a session's snapshot and its index entry.
func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrStoreClosed
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key(sessionID))
	pipe.SRem(ctx, r.indexKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// List returns the ids of all sessions with a snapshot.
func (r *RedisStore) List(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, ErrStoreClosed
	}

	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read snapshot index: %w", err)
	}
	return ids, nil
}

// Close releases the client and compressor resources.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.decoder.Close()
	if err := r.encoder.Close(); err != nil {
		return err
	}
	return r.client.Close()
}
