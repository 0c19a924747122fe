// Package redisq is a durable delayed task queue on Redis.
//
// Layout under Config.Prefix:
//
//	<prefix>:z          ZSET of task IDs scored by due time (unix ms)
//	<prefix>:inflight   ZSET of claimed task IDs scored by lease deadline
//	<prefix>:t:<id>     msgpack-encoded task
//	<prefix>:n:<name>   name marker, expires after Config.Retention
//
// Claiming moves IDs from :z to :inflight atomically (Lua), so concurrent
// workers never receive the same delivery. A worker that dies mid-delivery
// leaves its IDs in :inflight; once the lease lapses any worker moves them
// back to :z. Delivery is therefore at-least-once.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/unkn0wn-root/wbcache/log"
	"github.com/unkn0wn-root/wbcache/taskqueue"
)

var ErrNilClient = errors.New("redisq: nil client")

// claimScript: KEYS[1]=due KEYS[2]=inflight ARGV[1]=now ARGV[2]=batch ARGV[3]=lease deadline
var claimScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], ARGV[3], id)
end
return ids
`)

// reclaimScript: KEYS[1]=due KEYS[2]=inflight ARGV[1]=now
var reclaimScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], ARGV[1], id)
end
return #ids
`)

type Config struct {
	Client goredis.UniversalClient
	// Prefix for every key. Keep a hash tag in it on Redis Cluster so the
	// scripts' keys share a slot. Default "{wbcache:q}".
	Prefix        string
	Retention     time.Duration // name de-dup window; default 24h
	Lease         time.Duration // claim lease; default 1m
	PollInterval  time.Duration // Run's idle poll period; default 200ms
	Batch         int           // max claims per poll; default 16
	RetryDelay    time.Duration // first redelivery delay; default 1s
	MaxRetryDelay time.Duration // default 1m
	Logger        log.Logger
	CloseClient   bool

	// Now overrides time.Now for due/lease arithmetic.
	Now func() time.Time
}

type Queue struct {
	rdb goredis.UniversalClient
	cfg Config
	log log.Logger
}

var _ taskqueue.Queue = (*Queue)(nil)

type record struct {
	Name    string              `msgpack:"n,omitempty"`
	Method  string              `msgpack:"m,omitempty"`
	Params  map[string][]string `msgpack:"p,omitempty"`
	Payload []byte              `msgpack:"b,omitempty"`
	Attempt int                 `msgpack:"a"`
}

func New(cfg Config) (*Queue, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "{wbcache:q}"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 16
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Queue{rdb: cfg.Client, cfg: cfg, log: log.OrNop(cfg.Logger)}, nil
}

func (q *Queue) dueKey() string             { return q.cfg.Prefix + ":z" }
func (q *Queue) inflightKey() string        { return q.cfg.Prefix + ":inflight" }
func (q *Queue) taskKey(id string) string   { return q.cfg.Prefix + ":t:" + id }
func (q *Queue) nameKey(name string) string { return q.cfg.Prefix + ":n:" + name }

func ms(t time.Time) float64 { return float64(t.UnixMilli()) }

func transient(op string, err error) error {
	return fmt.Errorf("redisq: %s: %w: %w", op, taskqueue.ErrTransient, err)
}

func (q *Queue) Enqueue(ctx context.Context, t taskqueue.Task) error {
	if t.Name != "" {
		if !taskqueue.ValidName(t.Name) {
			return taskqueue.ErrBadName
		}
		ok, err := q.rdb.SetNX(ctx, q.nameKey(t.Name), "1", q.cfg.Retention).Result()
		if err != nil {
			return transient("claim name", err)
		}
		if !ok {
			return taskqueue.ErrTaskExists
		}
	}

	b, err := msgpack.Marshal(record{
		Name:    t.Name,
		Method:  t.Method,
		Params:  t.Params,
		Payload: t.Payload,
	})
	if err != nil {
		return fmt.Errorf("redisq: encode: %w", err)
	}

	id := uuid.NewString()
	due := q.cfg.Now().Add(t.Delay)
	_, err = q.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, q.taskKey(id), b, 0)
		p.ZAdd(ctx, q.dueKey(), goredis.Z{Score: ms(due), Member: id})
		return nil
	})
	if err != nil {
		if t.Name != "" {
			// free the name so the caller's retry is not rejected as a duplicate
			_ = q.rdb.Del(context.WithoutCancel(ctx), q.nameKey(t.Name)).Err()
		}
		return transient("enqueue", err)
	}
	return nil
}

// Run polls and delivers tasks to h until ctx is done.
func (q *Queue) Run(ctx context.Context, h taskqueue.Handler) error {
	tk := time.NewTicker(q.cfg.PollInterval)
	defer tk.Stop()
	for {
		n, err := q.Poll(ctx, h)
		if err != nil && ctx.Err() == nil {
			q.log.Warn("task poll failed", log.Fields{"err": err})
		}
		if n > 0 && err == nil {
			continue // drain without waiting while work is due
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tk.C:
		}
	}
}

// Poll reclaims lapsed leases, claims due tasks and delivers them in order.
// It returns the number of deliveries made.
func (q *Queue) Poll(ctx context.Context, h taskqueue.Handler) (int, error) {
	now := q.cfg.Now()
	keys := []string{q.dueKey(), q.inflightKey()}

	n, err := reclaimScript.Run(ctx, q.rdb, keys, ms(now)).Int()
	if err != nil {
		return 0, fmt.Errorf("redisq: reclaim: %w", err)
	}
	if n > 0 {
		q.log.Info("reclaimed lapsed task leases", log.Fields{"count": n})
	}

	ids, err := claimScript.Run(ctx, q.rdb, keys, ms(now), q.cfg.Batch, ms(now.Add(q.cfg.Lease))).StringSlice()
	if err != nil {
		return 0, fmt.Errorf("redisq: claim: %w", err)
	}

	delivered := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			// unclaimed ids stay in :inflight until their lease lapses
			return delivered, ctx.Err()
		}
		ok, err := q.deliver(ctx, id, h)
		if err != nil {
			return delivered, err
		}
		if ok {
			delivered++
		}
	}
	return delivered, nil
}

func (q *Queue) deliver(ctx context.Context, id string, h taskqueue.Handler) (bool, error) {
	b, err := q.rdb.Get(ctx, q.taskKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		_ = q.rdb.ZRem(ctx, q.inflightKey(), id).Err()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redisq: load %s: %w", id, err)
	}
	var rec record
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		q.log.Error("dropping undecodable task", log.Fields{"id": id, "err": err})
		_, _ = q.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.ZRem(ctx, q.inflightKey(), id)
			p.Del(ctx, q.taskKey(id))
			return nil
		})
		return false, nil
	}

	rec.Attempt++
	status := h(ctx, taskqueue.Task{
		Name:    rec.Name,
		Method:  rec.Method,
		Params:  url.Values(rec.Params),
		Payload: rec.Payload,
		Attempt: rec.Attempt,
	})

	if status == taskqueue.Done {
		_, err = q.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.ZRem(ctx, q.inflightKey(), id)
			p.Del(ctx, q.taskKey(id))
			return nil
		})
		if err != nil {
			return true, fmt.Errorf("redisq: ack %s: %w", id, err)
		}
		return true, nil
	}

	nb, err := msgpack.Marshal(rec)
	if err != nil {
		return true, fmt.Errorf("redisq: encode: %w", err)
	}
	delay := q.retryDelay(rec.Attempt)
	due := q.cfg.Now().Add(delay)
	_, err = q.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, q.taskKey(id), nb, 0)
		p.ZRem(ctx, q.inflightKey(), id)
		p.ZAdd(ctx, q.dueKey(), goredis.Z{Score: ms(due), Member: id})
		return nil
	})
	if err != nil {
		return true, fmt.Errorf("redisq: requeue %s: %w", id, err)
	}
	q.log.Debug("task redelivery scheduled", log.Fields{"id": id, "name": rec.Name, "attempt": rec.Attempt, "delay": delay})
	return true, nil
}

func (q *Queue) retryDelay(attempt int) time.Duration {
	d := q.cfg.RetryDelay << min(attempt-1, 20)
	if d <= 0 || d > q.cfg.MaxRetryDelay {
		return q.cfg.MaxRetryDelay
	}
	return d
}

// Pending reports the number of due-or-delayed and in-flight tasks.
func (q *Queue) Pending(ctx context.Context) (due, inflight int64, err error) {
	cmds, err := q.rdb.Pipelined(ctx, func(p goredis.Pipeliner) error {
		p.ZCard(ctx, q.dueKey())
		p.ZCard(ctx, q.inflightKey())
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return cmds[0].(*goredis.IntCmd).Val(), cmds[1].(*goredis.IntCmd).Val(), nil
}

func (q *Queue) Close(_ context.Context) error {
	if q.cfg.CloseClient {
		return q.rdb.Close()
	}
	return nil
}
