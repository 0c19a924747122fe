package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	asynchook "github.com/unkn0wn-root/wbcache/hooks/async"
	metricshooks "github.com/unkn0wn-root/wbcache/hooks/metrics"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the flush worker",
	Long: `Start the watchdog and deliver queued flush and watchdog tasks until
interrupted. Serves /metrics and /healthz on --http-addr.`,
	PreRunE: func(cmd *cobra.Command, _ []string) error { return setupConfig(cmd) },
	RunE:    runWorker,
}

func init() {
	workerCmd.Flags().String("http-addr", ":9464", "listen address for /metrics and /healthz (empty = off)")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg := loadConfig()
	zl, err := newZap(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, zl)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(context.Background()); err != nil {
			zl.Warn("close backends", zap.Error(err))
		}
	}()

	set := metrics.NewSet()
	hooks := asynchook.New(metricshooks.New(set, cfg.Namespace), 1, 1024)
	defer hooks.Close()

	cs, err := b.cachingStore(cfg, hooks)
	if err != nil {
		return err
	}
	if err := cs.StartWatchdog(ctx); err != nil {
		return err
	}

	var srv *http.Server
	if cfg.HTTPAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
			set.WritePrometheus(w)
			metrics.WritePrometheus(w, true)
		})
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			if !cs.WatchdogAlive(r.Context()) {
				http.Error(w, "watchdog dead", http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("ok\n"))
		})
		srv = &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zl.Error("http server", zap.Error(err))
				stop()
			}
		}()
	}

	zl.Info("worker started",
		zap.String("namespace", cfg.Namespace),
		zap.String("store", cfg.StoreKind),
		zap.Duration("watchdog_interval", cfg.WatchdogInterval))

	err = b.queue.Run(ctx, cs.HandleTask)

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}
	if errors.Is(err, context.Canceled) {
		zl.Info("worker stopped")
		return nil
	}
	return err
}
