package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unkn0wn-root/wbcache"
	"github.com/unkn0wn-root/wbcache/store"
)

var (
	putCmd = &cobra.Command{
		Use:     "put <kind> <name> <value>",
		Short:   "Write an entity through the cache",
		Args:    cobra.ExactArgs(3),
		PreRunE: func(cmd *cobra.Command, _ []string) error { return setupConfig(cmd) },
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(cs wbcache.CachingStore[[]byte]) error {
				k, err := cs.Put(cmd.Context(), store.Entity[[]byte]{
					Key:   store.NameKey(args[0], args[1], nil),
					Value: []byte(args[2]),
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), k.Encode())
				return nil
			})
		},
	}
	getCmd = &cobra.Command{
		Use:     "get <kind> <name>",
		Short:   "Read an entity, cache first",
		Args:    cobra.ExactArgs(2),
		PreRunE: func(cmd *cobra.Command, _ []string) error { return setupConfig(cmd) },
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(cs wbcache.CachingStore[[]byte]) error {
				v, err := cs.Get(cmd.Context(), store.NameKey(args[0], args[1], nil))
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("%s/%s: not found", args[0], args[1])
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(v))
				return nil
			})
		},
	}
	deleteCmd = &cobra.Command{
		Use:     "delete <kind> <name>",
		Short:   "Delete an entity from the store and the cache",
		Args:    cobra.ExactArgs(2),
		PreRunE: func(cmd *cobra.Command, _ []string) error { return setupConfig(cmd) },
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(cs wbcache.CachingStore[[]byte]) error {
				return cs.Delete(cmd.Context(), store.NameKey(args[0], args[1], nil))
			})
		},
	}
)

// withStore opens the backends, runs fn and closes everything. With the bolt
// backend this fails while a worker holds the database file.
func withStore(cmd *cobra.Command, fn func(wbcache.CachingStore[[]byte]) error) error {
	cfg := loadConfig()
	zl, err := newZap(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()

	ctx := cmd.Context()
	b, err := openBackends(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(ctx); err != nil {
			zl.Warn("close backends", zap.Error(err))
		}
	}()

	cs, err := b.cachingStore(cfg, nil)
	if err != nil {
		return err
	}
	return fn(cs)
}
