package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of go-redis, the same client the
// teacher wires in shared/redis/redis.go. Values are held in ordinary
// Redis strings; a parallel sorted set (one member per key, identical
// score) gives lexicographic range scans via ZRANGEBYLEX, since plain
// Redis keys have no native ordered-iteration primitive.
type RedisStore struct {
	client    *redis.Client
	indexKey  string
	valuesNS  string
	casScript *redis.Script
}

// casLua implements compare-and-swap: it only writes newValue when the
// current value at key matches expected (or when expected is empty and
// the key is absent), returning 1 on success and 0 otherwise.
const casLua = `
local cur = redis.call('GET', KEYS[1])
if ARGV[1] == '' then
	if cur ~= false then
		return 0
	end
else
	if cur == false or cur ~= ARGV[1] then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[2], 0, ARGV[3])
return 1
`

// NewRedisStore connects to addr (host:port) and builds a Store whose
// index lives under indexKey, e.g. "zapai:index".
func NewRedisStore(addr, indexKey string) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0,
	})
	return &RedisStore{
		client:    client,
		indexKey:  indexKey,
		casScript: redis.NewScript(casLua),
	}
}

// Ping verifies connectivity at startup.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, value, 0)
	pipe.ZAdd(ctx, s.indexKey, redis.Z{Score: 0, Member: key})
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.ZRem(ctx, s.indexKey, key)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) ScanPrefix(ctx context.Context, prefix string, reverse bool, limit int) ([]KV, error) {
	min := "[" + prefix
	max := "[" + prefix + "\xff"

	var keys []string
	var err error
	if reverse {
		keys, err = s.client.ZRevRangeByLex(ctx, s.indexKey, &redis.ZRangeBy{Min: max, Max: min}).Result()
	} else {
		keys, err = s.client.ZRangeByLex(ctx, s.indexKey, &redis.ZRangeBy{Min: min, Max: max}).Result()
	}
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]KV, 0, len(keys))
	for i, k := range keys {
		if vals[i] == nil {
			continue
		}
		str, ok := vals[i].(string)
		if !ok {
			continue
		}
		out = append(out, KV{Key: k, Value: []byte(str)})
	}
	return out, nil
}

func (s *RedisStore) CAS(ctx context.Context, key string, expected, newValue []byte) (bool, error) {
	res, err := s.casScript.Run(ctx, s.client, []string{key, s.indexKey}, string(expected), string(newValue), key).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error { return s.client.Close() }

var _ Store = (*RedisStore)(nil)

// WaitReady pings addr until it responds or the context expires, useful
// at bootstrap before the first dependent component starts.
func WaitReady(ctx context.Context, s *RedisStore, interval time.Duration) error {
	for {
		if err := s.Ping(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
