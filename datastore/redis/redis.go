// Package redis implements the datastore on Redis or any wire-compatible
// server such as KeyDB. Reference updates use WATCH/MULTI so that a
// compare-and-swap observes and replaces the value atomically.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/caiatech/refgraph/datastore"
)

const maxWatchRetries = 32

// RedisStore implements datastore.DataStore on a Redis client.
type RedisStore struct {
	client *redis.Client
	prefix string

	reads     atomic.Int64
	writes    atomic.Int64
	conflicts atomic.Int64
	startTime time.Time
	closed    atomic.Bool
}

func init() {
	datastore.Register(datastore.TypeRedis, func(config datastore.Config) (datastore.DataStore, error) {
		return New(config)
	})
}

// New parses the connection URL and builds the client. Initialize checks
// that the server answers.
func New(config datastore.Config) (*RedisStore, error) {
	opts, err := redis.ParseURL(config.Connection)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if config.MaxConnections > 0 {
		opts.PoolSize = config.MaxConnections
	}
	if config.MaxIdleConnections > 0 {
		opts.MaxIdleConns = config.MaxIdleConnections
	}
	if config.ConnectionTimeout > 0 {
		opts.DialTimeout = config.ConnectionTimeout
	}

	return &RedisStore{
		client:    redis.NewClient(opts),
		prefix:    config.GetStringOption("key_prefix", "refgraph:"),
		startTime: time.Now(),
	}, nil
}

func (s *RedisStore) Initialize(config datastore.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return datastore.ErrClosed
	}
	return s.client.Close()
}

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if s.closed.Load() {
		return datastore.ErrClosed
	}
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Type() string {
	return datastore.TypeRedis
}

func (s *RedisStore) Info() map[string]interface{} {
	stats := s.client.PoolStats()
	return map[string]interface{}{
		"type":       datastore.TypeRedis,
		"prefix":     s.prefix,
		"pool_total": stats.TotalConns,
		"pool_idle":  stats.IdleConns,
		"metrics": datastore.Metrics{
			Reads:     s.reads.Load(),
			Writes:    s.writes.Load(),
			Conflicts: s.conflicts.Load(),
			StartTime: s.startTime,
			Uptime:    time.Since(s.startTime),
		},
	}
}

func (s *RedisStore) ObjectStore() datastore.ObjectStore {
	return s
}

func (s *RedisStore) RefStore() datastore.RefStore {
	return s
}

func (s *RedisStore) objectKey(hash string) string { return s.prefix + "obj:" + hash }
func (s *RedisStore) objectIndex() string          { return s.prefix + "objects" }
func (s *RedisStore) refKey(name string) string    { return s.prefix + "ref:" + name }
func (s *RedisStore) refIndex() string             { return s.prefix + "refs" }
func (s *RedisStore) configKey() string            { return s.prefix + "config" }

func (s *RedisStore) check() error {
	if s.closed.Load() {
		return datastore.ErrClosed
	}
	return nil
}

// Objects

func (s *RedisStore) GetObject(ctx context.Context, hash string) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.reads.Add(1)

	data, err := s.client.Get(ctx, s.objectKey(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, datastore.ErrNotFound
	}
	return data, err
}

func (s *RedisStore) PutObject(ctx context.Context, hash string, data []byte) error {
	if err := s.check(); err != nil {
		return err
	}

	created, err := s.client.SetNX(ctx, s.objectKey(hash), data, 0).Result()
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	s.writes.Add(1)
	return s.client.SAdd(ctx, s.objectIndex(), hash).Err()
}

func (s *RedisStore) HasObject(ctx context.Context, hash string) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	n, err := s.client.Exists(ctx, s.objectKey(hash)).Result()
	return n == 1, err
}

func (s *RedisStore) ListObjects(ctx context.Context, prefix string, limit int) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	members, err := s.client.SMembers(ctx, s.objectIndex()).Result()
	if err != nil {
		return nil, err
	}

	var hashes []string
	for _, h := range members {
		if strings.HasPrefix(h, prefix) {
			hashes = append(hashes, h)
		}
	}
	sort.Strings(hashes)
	if limit > 0 && len(hashes) > limit {
		hashes = hashes[:limit]
	}
	return hashes, nil
}

func (s *RedisStore) CountObjects(ctx context.Context) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.client.SCard(ctx, s.objectIndex()).Result()
}

// Refs

func decodeRef(data []byte) (datastore.RefEntry, error) {
	var entry datastore.RefEntry
	if err := msgpack.Unmarshal(data, &entry); err != nil {
		return entry, fmt.Errorf("%w: ref entry: %v", datastore.ErrInvalidData, err)
	}
	return entry, nil
}

func (s *RedisStore) GetRef(ctx context.Context, name string) (datastore.RefEntry, error) {
	if err := s.check(); err != nil {
		return datastore.RefEntry{}, err
	}
	s.reads.Add(1)

	data, err := s.client.Get(ctx, s.refKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return datastore.RefEntry{}, datastore.ErrNotFound
	}
	if err != nil {
		return datastore.RefEntry{}, err
	}
	return decodeRef(data)
}

func (s *RedisStore) PutRef(ctx context.Context, name string, entry datastore.RefEntry) error {
	return s.updateRef(ctx, name, func(*datastore.RefEntry) (*datastore.RefEntry, error) {
		return &entry, nil
	})
}

func (s *RedisStore) CompareAndSwapRef(ctx context.Context, name string, old, next *datastore.RefEntry) error {
	return s.updateRef(ctx, name, func(current *datastore.RefEntry) (*datastore.RefEntry, error) {
		if !current.Equal(old) {
			s.conflicts.Add(1)
			return nil, datastore.ErrConflict
		}
		return next, nil
	})
}

func (s *RedisStore) DeleteRef(ctx context.Context, name string) error {
	return s.updateRef(ctx, name, func(current *datastore.RefEntry) (*datastore.RefEntry, error) {
		if current == nil {
			return nil, datastore.ErrNotFound
		}
		return nil, nil
	})
}

// updateRef watches the ref key, lets mutate pick the new value and commits
// it in a MULTI block. A concurrent write to the key aborts the block and
// the whole read-decide-write cycle runs again.
func (s *RedisStore) updateRef(ctx context.Context, name string, mutate func(*datastore.RefEntry) (*datastore.RefEntry, error)) error {
	if err := s.check(); err != nil {
		return err
	}
	key := s.refKey(name)

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			var current *datastore.RefEntry
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if err == nil {
				entry, err := decodeRef(data)
				if err != nil {
					return err
				}
				current = &entry
			}

			next, err := mutate(current)
			if err != nil {
				return err
			}

			var payload []byte
			if next != nil {
				if payload, err = msgpack.Marshal(next); err != nil {
					return err
				}
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if next == nil {
					pipe.Del(ctx, key)
					pipe.SRem(ctx, s.refIndex(), name)
					return nil
				}
				pipe.Set(ctx, key, payload, 0)
				pipe.SAdd(ctx, s.refIndex(), name)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err == nil {
			s.writes.Add(1)
		}
		return err
	}
	return fmt.Errorf("update ref %q: too much contention", name)
}

func (s *RedisStore) ListRefs(ctx context.Context, prefix string) (map[string]datastore.RefEntry, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	names, err := s.client.SMembers(ctx, s.refIndex()).Result()
	if err != nil {
		return nil, err
	}

	var matched []string
	for _, name := range names {
		if strings.HasPrefix(name, prefix) {
			matched = append(matched, name)
		}
	}
	result := make(map[string]datastore.RefEntry, len(matched))
	if len(matched) == 0 {
		return result, nil
	}

	keys := make([]string, len(matched))
	for i, name := range matched {
		keys[i] = s.refKey(name)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			// Deleted between SMEMBERS and MGET.
			continue
		}
		entry, err := decodeRef([]byte(str))
		if err != nil {
			return nil, err
		}
		result[matched[i]] = entry
	}
	return result, nil
}

// Config

func (s *RedisStore) GetConfig(ctx context.Context, key string) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	value, err := s.client.HGet(ctx, s.configKey(), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", datastore.ErrNotFound
	}
	return value, err
}

func (s *RedisStore) SetConfig(ctx context.Context, key, value string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.client.HSet(ctx, s.configKey(), key, value).Err()
}

func (s *RedisStore) DeleteConfig(ctx context.Context, key string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.client.HDel(ctx, s.configKey(), key).Err()
}
