package s3store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/tuskit/upstore/pkg/handler"
)

// CacheEntry is the value stored in the metadata cache for one upload id. It
// carries the upload record together with the S3 multipart upload it is
// bound to.
type CacheEntry struct {
	Info        handler.FileInfo `json:"info"`
	MultipartId string           `json:"multipartId"`
	TusVersion  string           `json:"tusVersion"`
}

// KvStore is the key-value abstraction backing the metadata cache. The cache
// is purely advisory: the store works correctly if Get never returns a hit,
// so implementations are free to evict entries at any time. Get must return
// (nil, nil) for absent keys.
//
// A distributed implementation, such as RedisKvStore, can be used to share
// the cache between multiple server instances.
type KvStore interface {
	Get(ctx context.Context, id string) (*CacheEntry, error)
	Set(ctx context.Context, id string, entry *CacheEntry) error
	Delete(ctx context.Context, id string) error
}

// MemoryKvStore keeps cache entries in process memory. It is the default
// cache used by S3Store.
type MemoryKvStore struct {
	entries sync.Map
}

func NewMemoryKvStore() *MemoryKvStore {
	return &MemoryKvStore{}
}

func (kv *MemoryKvStore) Get(_ context.Context, id string) (*CacheEntry, error) {
	value, ok := kv.entries.Load(id)
	if !ok {
		return nil, nil
	}
	return value.(*CacheEntry), nil
}

func (kv *MemoryKvStore) Set(_ context.Context, id string, entry *CacheEntry) error {
	kv.entries.Store(id, entry)
	return nil
}

func (kv *MemoryKvStore) Delete(_ context.Context, id string) error {
	kv.entries.Delete(id)
	return nil
}

// RedisKvStore keeps cache entries in Redis, JSON-encoded, so multiple
// server instances can share one metadata cache.
type RedisKvStore struct {
	Client redis.UniversalClient
	// Prefix is prepended to every upload id to form the Redis key.
	Prefix string
}

func NewRedisKvStore(client redis.UniversalClient, prefix string) *RedisKvStore {
	return &RedisKvStore{
		Client: client,
		Prefix: prefix,
	}
}

func (kv *RedisKvStore) Get(ctx context.Context, id string) (*CacheEntry, error) {
	data, err := kv.Client.Get(ctx, kv.Prefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (kv *RedisKvStore) Set(ctx context.Context, id string, entry *CacheEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return kv.Client.Set(ctx, kv.Prefix+id, data, 0).Err()
}

func (kv *RedisKvStore) Delete(ctx context.Context, id string) error {
	return kv.Client.Del(ctx, kv.Prefix+id).Err()
}
