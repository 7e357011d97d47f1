package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"CoinChart/internal/model"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the Redis fast tier.
type RedisConfig struct {
	Addr        string        `yaml:"addr" env:"ADDR"`
	Username    string        `yaml:"username" env:"USERNAME"`
	Password    string        `yaml:"password" env:"PASSWORD"`
	DB          int           `yaml:"db" env:"DB"`
	KeyPrefix   string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	DialTimeout time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	PoolSize    int           `yaml:"pool_size" env:"POOL_SIZE"`
}

// RedisStore is a fast tier shared across processes. Each key is written as a
// JSON blob plus a "_timestamp" companion key; recency is tracked in a sorted
// set scored by a monotonic access counter.
type RedisStore struct {
	client   redis.UniversalClient
	prefix   string
	capacity int
	now      func() time.Time
}

// DialRedis connects and pings the server described by cfg.
func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is empty")
	}
	dial := cfg.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dial,
		ReadTimeout:  dial,
		WriteTimeout: dial,
		PoolSize:     cfg.PoolSize,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	o := buildOptions(opts)
	return &RedisStore{client: client, prefix: o.keyPrefix, capacity: o.capacity, now: o.now}
}

func (r *RedisStore) dataKey(key model.SeriesKey) string { return r.prefix + key.String() }
func (r *RedisStore) tsKey(key model.SeriesKey) string   { return r.prefix + key.String() + "_timestamp" }
func (r *RedisStore) lruKey() string                     { return r.prefix + "lru" }
func (r *RedisStore) seqKey() string                     { return r.prefix + "lru:seq" }

// touch bumps recency of a member already tracked. XX never re-adds one that
// was evicted after the read.
func (r *RedisStore) touch(ctx context.Context, member string) error {
	seq, err := r.client.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("lru seq: %w", err)
	}
	return r.client.ZAddXX(ctx, r.lruKey(), redis.Z{Score: float64(seq), Member: member}).Err()
}

func (r *RedisStore) Put(ctx context.Context, key model.SeriesKey, s model.Series) error {
	blob, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode series: %w", err)
	}
	seq, err := r.client.Incr(ctx, r.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("lru seq: %w", err)
	}
	stamp := strconv.FormatInt(r.now().UnixMilli(), 10)
	if _, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.dataKey(key), blob, 0)
		pipe.Set(ctx, r.tsKey(key), stamp, 0)
		pipe.ZAdd(ctx, r.lruKey(), redis.Z{Score: float64(seq), Member: key.String()})
		return nil
	}); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return r.evictOverflow(ctx)
}

func (r *RedisStore) evictOverflow(ctx context.Context) error {
	n, err := r.client.ZCard(ctx, r.lruKey()).Result()
	if err != nil {
		return fmt.Errorf("lru size: %w", err)
	}
	over := n - int64(r.capacity)
	if over <= 0 {
		return nil
	}
	victims, err := r.client.ZRange(ctx, r.lruKey(), 0, over-1).Result()
	if err != nil {
		return fmt.Errorf("lru range: %w", err)
	}
	for _, v := range victims {
		if err := r.remove(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisStore) remove(ctx context.Context, member string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.prefix+member, r.prefix+member+"_timestamp")
		pipe.ZRem(ctx, r.lruKey(), member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("evict %s: %w", member, err)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, key model.SeriesKey) (Entry, bool, error) {
	vals, err := r.client.MGet(ctx, r.dataKey(key), r.tsKey(key)).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("get %s: %w", key, err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Entry{}, false, nil
	}
	blob, ok1 := vals[0].(string)
	stamp, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return Entry{}, false, fmt.Errorf("get %s: unexpected value types", key)
	}
	ms, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return Entry{}, false, fmt.Errorf("get %s: bad timestamp: %w", key, err)
	}
	var s model.Series
	if err := json.Unmarshal([]byte(blob), &s); err != nil {
		return Entry{}, false, fmt.Errorf("get %s: decode: %w", key, err)
	}
	if err := r.touch(ctx, key.String()); err != nil {
		return Entry{}, false, err
	}
	return Entry{Series: s, StoredAt: time.UnixMilli(ms)}, true, nil
}

func (r *RedisStore) Evict(ctx context.Context, key model.SeriesKey) error {
	return r.remove(ctx, key.String())
}

func (r *RedisStore) Clear(ctx context.Context) error {
	members, err := r.client.ZRange(ctx, r.lruKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	keys := []string{r.lruKey(), r.seqKey()}
	for _, m := range members {
		keys = append(keys, r.prefix+m, r.prefix+m+"_timestamp")
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}

func (r *RedisStore) Stats(ctx context.Context) (Stats, error) {
	members, err := r.client.ZRange(ctx, r.lruKey(), 0, -1).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	st := Stats{Backend: "redis", Keys: len(members), KeyList: members}
	for _, m := range members {
		blob, err := r.client.Get(ctx, r.prefix+m).Bytes()
		if err != nil {
			continue
		}
		var s model.Series
		if json.Unmarshal(blob, &s) == nil {
			st.Points += len(s)
		}
	}
	return st, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
