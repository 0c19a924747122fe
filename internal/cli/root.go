// Package cli implements the wbcache command: a flush worker plus small
// inspection and entity commands for operating a write-behind deployment.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const Version = "0.1.0"

var (
	RootCmd = &cobra.Command{
		Use:   "wbcache",
		Short: "write-behind cache worker and tools",
		Long: fmt.Sprintf(`wbcache (v%s)

Runs the flush worker that drains write-behind tasks from redis into the
persistent store, and inspects or edits entities through the cache.
Flags can be set as WBCACHE_<FLAG> environment variables (e.g.
WBCACHE_REDIS_ADDR=redis:6379), also loaded from .env and .env.local.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of wbcache",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wbcache v%s\n", Version)
		},
	}
)

func init() {
	setupPersistentFlags(RootCmd)
	RootCmd.AddCommand(workerCmd, statusCmd, putCmd, getCmd, deleteCmd, versionCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
