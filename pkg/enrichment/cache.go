package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/models"
)

const keyPrefix = "fern:enrich:"

// Cache stores lookup results keyed by service and query. An empty result is a
// cached miss.
type Cache interface {
	Get(ctx context.Context, key string) (refs []models.IdentifierKey, ok bool, err error)
	Set(ctx context.Context, key string, refs []models.IdentifierKey, ttl time.Duration) error
	Close() error
}

func cacheKey(service, system, value string) string {
	return keyPrefix + service + ":" + system + ":" + value
}

// NewCache opens the configured cache backend.
func NewCache(ctx context.Context, cfg config.EnrichmentConfig, logger ectologger.Logger) (Cache, error) {
	switch cfg.CacheBackend {
	case "", "badger":
		return OpenBadgerCache(cfg.CacheDir, false)
	case "redis":
		return OpenRedisCache(ctx, cfg.Redis, logger)
	case "none":
		return NopCache{}, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

func encode(refs []models.IdentifierKey) ([]byte, error) {
	if refs == nil {
		refs = []models.IdentifierKey{}
	}
	return json.Marshal(refs)
}

func decode(data []byte) ([]models.IdentifierKey, error) {
	var refs []models.IdentifierKey
	if err := json.Unmarshal(data, &refs); err != nil {
		return nil, fmt.Errorf("corrupt cache entry: %w", err)
	}
	return refs, nil
}

// BadgerCache is the on-disk cache used by single host runs.
type BadgerCache struct {
	db *badger.DB
}

// OpenBadgerCache opens (or creates) a cache under dir. inMemory is for tests.
func OpenBadgerCache(dir string, inMemory bool) (*BadgerCache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if inMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithBlockCacheSize(16 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open enrichment cache: %w", err)
	}
	return &BadgerCache{db: db}, nil
}

func (c *BadgerCache) Get(_ context.Context, key string) ([]models.IdentifierKey, bool, error) {
	var data []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	refs, err := decode(data)
	if err != nil {
		return nil, false, err
	}
	return refs, true, nil
}

func (c *BadgerCache) Set(_ context.Context, key string, refs []models.IdentifierKey, ttl time.Duration) error {
	data, err := encode(refs)
	if err != nil {
		return err
	}
	return c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (c *BadgerCache) Close() error {
	return c.db.Close()
}

// RedisCache shares lookups between hosts.
type RedisCache struct {
	rdb *redis.Client
}

func OpenRedisCache(ctx context.Context, cfg config.RedisConfig, logger ectologger.Logger) (*RedisCache, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logger.WithContext(ctx).Infof("Connected to Redis at %s", addr)
	return NewRedisCache(rdb), nil
}

func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]models.IdentifierKey, bool, error) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	refs, err := decode(data)
	if err != nil {
		return nil, false, err
	}
	return refs, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, refs []models.IdentifierKey, ttl time.Duration) error {
	data, err := encode(refs)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, data, ttl).Err()
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}

// NopCache never hits.
type NopCache struct{}

func (NopCache) Get(context.Context, string) ([]models.IdentifierKey, bool, error) {
	return nil, false, nil
}

func (NopCache) Set(context.Context, string, []models.IdentifierKey, time.Duration) error {
	return nil
}

func (NopCache) Close() error { return nil }
