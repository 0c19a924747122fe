package cli

import (
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/wbcache/internal/util"
	"github.com/unkn0wn-root/wbcache/taskqueue/redisq"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Short:   "Show watchdog liveness and queue depth",
	PreRunE: func(cmd *cobra.Command, _ []string) error { return setupConfig(cmd) },
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := loadConfig()
		ctx := cmd.Context()

		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		defer rdb.Close()

		q, err := redisq.New(redisq.Config{Client: rdb, Prefix: cfg.QueuePrefix})
		if err != nil {
			return err
		}
		due, inflight, err := q.Pending(ctx)
		if err != nil {
			return fmt.Errorf("queue depth: %w", err)
		}
		ttl, err := rdb.PTTL(ctx, util.WatchdogKey(cfg.Namespace)).Result()
		if err != nil {
			return fmt.Errorf("watchdog token: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "namespace: %s\n", cfg.Namespace)
		if ttl < 0 {
			fmt.Fprintln(out, "watchdog:  dead (write-behind disabled, puts write through)")
		} else {
			fmt.Fprintf(out, "watchdog:  alive (token expires in %s)\n", ttl)
		}
		fmt.Fprintf(out, "queue:     %d due, %d in flight\n", due, inflight)
		return nil
	},
}
