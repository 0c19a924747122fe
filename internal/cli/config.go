package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/wbcache"
	"github.com/unkn0wn-root/wbcache/codec"
	"github.com/unkn0wn-root/wbcache/kv"
	kvredis "github.com/unkn0wn-root/wbcache/kv/redis"
	wbzap "github.com/unkn0wn-root/wbcache/log/zap"
	"github.com/unkn0wn-root/wbcache/store"
	"github.com/unkn0wn-root/wbcache/store/bolt"
	"github.com/unkn0wn-root/wbcache/store/sqlite"
	"github.com/unkn0wn-root/wbcache/taskqueue/redisq"
)

// Config is the resolved command configuration. Every field maps to a flag
// and to a WBCACHE_<FLAG> environment variable.
type Config struct {
	Namespace        string
	RedisAddr        string
	RedisDB          int
	QueuePrefix      string
	StoreKind        string
	StorePath        string
	TTL              time.Duration
	WatchdogInterval time.Duration
	Strategy         string
	LogLevel         string
	HTTPAddr         string
}

func setupPersistentFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("namespace", "wbcache:default", "namespace for cache keys and task names")
	f.String("redis-addr", "localhost:6379", "redis address used for the cache and the task queue")
	f.Int("redis-db", 0, "redis database number")
	f.String("queue-prefix", "{wbcache:q}", "key prefix of the redis task queue")
	f.String("store", "sqlite", "persistent store backend (sqlite, bolt)")
	f.String("store-path", "wbcache.db", "file of the persistent store")
	f.Duration("ttl", 0, "cache entry TTL (0 = none)")
	f.Duration("watchdog-interval", 30*time.Second, "watchdog heartbeat interval")
	f.String("strategy", "write-behind", "write strategy (write-behind, write-through)")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
}

// setupConfig loads .env files and binds flags and environment to viper.
func setupConfig(cmd *cobra.Command) error {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("wbcache")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return viper.BindPFlags(cmd.InheritedFlags())
}

func loadConfig() Config {
	return Config{
		Namespace:        viper.GetString("namespace"),
		RedisAddr:        viper.GetString("redis-addr"),
		RedisDB:          viper.GetInt("redis-db"),
		QueuePrefix:      viper.GetString("queue-prefix"),
		StoreKind:        viper.GetString("store"),
		StorePath:        viper.GetString("store-path"),
		TTL:              viper.GetDuration("ttl"),
		WatchdogInterval: viper.GetDuration("watchdog-interval"),
		Strategy:         viper.GetString("strategy"),
		LogLevel:         viper.GetString("log-level"),
		HTTPAddr:         viper.GetString("http-addr"),
	}
}

func (c Config) strategy() (wbcache.Strategy, error) {
	switch c.Strategy {
	case "", "write-behind":
		return wbcache.WriteBehind, nil
	case "write-through":
		return wbcache.WriteThrough, nil
	default:
		return 0, fmt.Errorf("invalid strategy %s", c.Strategy)
	}
}

func newZap(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// backends holds the connections a command opens from Config.
type backends struct {
	rdb   *goredis.Client
	kv    kv.KV
	queue *redisq.Queue
	store store.Store[[]byte]
	log   wbzap.ZapLogger
}

func openBackends(ctx context.Context, cfg Config, zl *zap.Logger) (*backends, error) {
	b := &backends{log: wbzap.ZapLogger{L: zl}}
	b.rdb = goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})

	var err error
	if b.kv, err = kvredis.New(kvredis.Config{Client: b.rdb}); err != nil {
		_ = b.rdb.Close()
		return nil, err
	}
	b.queue, err = redisq.New(redisq.Config{
		Client: b.rdb,
		Prefix: cfg.QueuePrefix,
		Logger: b.log,
	})
	if err != nil {
		_ = b.rdb.Close()
		return nil, err
	}

	switch cfg.StoreKind {
	case "bolt":
		b.store, err = bolt.Open[[]byte](bolt.Config{Path: cfg.StorePath}, codec.Bytes{})
	case "sqlite":
		dsn := "file:" + cfg.StorePath + "?_pragma=busy_timeout(5000)"
		b.store, err = sqlite.Open[[]byte](ctx, sqlite.Config{DSN: dsn}, codec.Bytes{})
	default:
		err = fmt.Errorf("invalid store %s", cfg.StoreKind)
	}
	if err != nil {
		_ = b.rdb.Close()
		return nil, err
	}
	return b, nil
}

func (b *backends) cachingStore(cfg Config, hooks wbcache.Hooks) (wbcache.CachingStore[[]byte], error) {
	strategy, err := cfg.strategy()
	if err != nil {
		return nil, err
	}
	return wbcache.New(wbcache.Options[[]byte]{
		Namespace:        cfg.Namespace,
		KV:               b.kv,
		Store:            b.store,
		Codec:            codec.Bytes{},
		Queue:            b.queue,
		Logger:           b.log,
		Hooks:            hooks,
		Strategy:         strategy,
		TTL:              cfg.TTL,
		WatchdogInterval: cfg.WatchdogInterval,
	})
}

// Close releases everything openBackends opened. The KV and queue share the
// redis client and do not own it.
func (b *backends) Close(ctx context.Context) error {
	return errors.Join(
		b.store.Close(ctx),
		b.queue.Close(ctx),
		b.kv.Close(ctx),
		b.rdb.Close(),
	)
}
