// Package redis implements kv.KV on top of go-redis. Atomic put-if-absent is
// SET NX; Increment runs a Lua script so the floor at zero and the initial
// value for a missing key are applied in one server-side step.
package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/wbcache/kv"
)

var ErrNilClient = errors.New("redis kv: nil client")

var _ kv.CompareDeleter = (*Redis)(nil)

// delIfEqualScript: KEYS[1]=key ARGV[1]=expected value.
var delIfEqualScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// incrScript: KEYS[1]=key ARGV[1]=delta ARGV[2]=initial. Keeps the key's TTL.
var incrScript = goredis.NewScript(`
local v = redis.call('GET', KEYS[1])
local n
if v then
  n = tonumber(v)
  if n == nil or n < 0 or n ~= math.floor(n) then
    return redis.error_reply('ERR_NOT_INTEGER')
  end
else
  n = tonumber(ARGV[2])
end
n = n + tonumber(ARGV[1])
if n < 0 then n = 0 end
local ttl = redis.call('PTTL', KEYS[1])
local s = string.format('%d', n)
if ttl > 0 then
  redis.call('SET', KEYS[1], s, 'PX', ttl)
else
  redis.call('SET', KEYS[1], s)
end
return n
`)

type Redis struct {
	rdb         goredis.UniversalClient
	closeClient bool
}

var _ kv.KV = (*Redis)(nil)

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool // set true only if this KV exclusively owns the client
}

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Redis{rdb: cfg.Client, closeClient: cfg.CloseClient}, nil
}

func expiry(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0 // go-redis: 0 => no expiry
	}
	return ttl
}

func (p *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := p.rdb.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (p *Redis) GetMulti(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := p.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		switch vv := v.(type) {
		case nil:
		case string:
			out[keys[i]] = []byte(vv)
		case []byte:
			out[keys[i]] = vv
		}
	}
	return out, nil
}

func (p *Redis) Put(ctx context.Context, key string, value []byte, ttl time.Duration, pol kv.Policy) (bool, error) {
	if pol == kv.SetIfAbsent {
		return p.rdb.SetNX(ctx, key, value, expiry(ttl)).Result()
	}
	if err := p.rdb.Set(ctx, key, value, expiry(ttl)).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Redis) PutMulti(ctx context.Context, items map[string][]byte, ttl time.Duration, pol kv.Policy) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(items))
	nx := make([]*goredis.BoolCmd, 0, len(items))
	_, err := p.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for k, v := range items {
			keys = append(keys, k)
			if pol == kv.SetIfAbsent {
				nx = append(nx, pipe.SetNX(ctx, k, v, expiry(ttl)))
			} else {
				pipe.Set(ctx, k, v, expiry(ttl))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var rejected []string
	for i, cmd := range nx {
		if !cmd.Val() {
			rejected = append(rejected, keys[i])
		}
	}
	return rejected, nil
}

func (p *Redis) Delete(ctx context.Context, key string) (bool, error) {
	n, err := p.rdb.Del(ctx, key).Result()
	return n > 0, err
}

func (p *Redis) DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error) {
	n, err := delIfEqualScript.Run(ctx, p.rdb, []string{key}, value).Int64()
	return n > 0, err
}

func (p *Redis) DeleteMulti(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return p.rdb.Del(ctx, keys...).Err()
}

func (p *Redis) Increment(ctx context.Context, key string, delta int64, initial uint64) (uint64, error) {
	n, err := incrScript.Run(ctx, p.rdb, []string{key}, delta, initial).Int64()
	if err != nil {
		if strings.Contains(err.Error(), "ERR_NOT_INTEGER") {
			return 0, kv.ErrNotInteger
		}
		return 0, err
	}
	if n < 0 {
		n = 0
	}
	return uint64(n), nil
}

func (p *Redis) Contains(ctx context.Context, key string) (bool, error) {
	n, err := p.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// Close releases the underlying redis client only when this KV owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (p *Redis) Close(context.Context) error {
	if p.closeClient {
		if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
