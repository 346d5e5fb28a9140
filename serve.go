package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chaos-io/bgremover/cache"
	"github.com/chaos-io/bgremover/config"
	"github.com/chaos-io/bgremover/jobs"
	"github.com/chaos-io/bgremover/logger"
	"github.com/chaos-io/bgremover/metrics"
	"github.com/chaos-io/bgremover/rembg"
	"github.com/chaos-io/bgremover/server"
	nhttp "github.com/chaos-io/bgremover/util/http"
)

const cachePurgeSchedule = "@every 1m"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the background removal HTTP server",
	Long:  "Start the HTTP server on $PORT (default 8000). The model is warmed up in the background; /health reports model_loaded once it is ready.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logger.Setup(os.Stderr, logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		return err
	}
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	store, closeStore, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	remover := rembg.New(newBackend(cfg), removerConfig(cfg),
		rembg.WithCache(store),
		rembg.WithMetrics(m),
		rembg.WithLogger(log),
	)
	defer remover.Close()

	sched := jobs.New(log)
	monitor := rembg.NewMonitor(remover, 0, m, log)
	if err := sched.Add("backend-monitor", cfg.HealthSchedule, monitor.Check); err != nil {
		return err
	}
	if mem, ok := store.(*cache.Memory); ok {
		err := sched.Add("cache-purge", cachePurgeSchedule, func(context.Context) {
			if n := mem.Purge(); n > 0 {
				log.Debug("purged expired cache entries", "count", n)
			}
		})
		if err != nil {
			return err
		}
	}
	if h, ok := store.(healthChecker); ok {
		if err := sched.Add("cache-health", cfg.HealthSchedule, storeHealthJob(h, log)); err != nil {
			return err
		}
	}
	sched.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := sched.Stop(stopCtx); err != nil {
			log.Warn("stop scheduler", "error", err)
		}
	}()

	log.Info("bgremover configured",
		"addr", cfg.Addr(),
		"backend", remover.Backend().Name(),
		"warmup", cfg.Warmup,
	)

	srv := server.New(cfg, remover, m, log)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		warmUp(gctx, cfg, remover, log)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited", "error", err)
		return err
	}
	log.Info("bgremover stopped")
	return nil
}

// warmUp 预热失败不影响服务启动，由 backend-monitor 定时重试
func warmUp(ctx context.Context, cfg *config.Config, remover *rembg.BackgroundRemover, log *slog.Logger) {
	if !cfg.Warmup {
		remover.SetReady(true)
		return
	}
	if err := remover.Load(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("model warm-up failed, will retry on schedule", "schedule", cfg.HealthSchedule, "error", err)
	}
}

func newBackend(cfg *config.Config) rembg.Remover {
	cli := nhttp.NewHTTPClientWith(&http.Client{Timeout: cfg.InferTimeout + 5*time.Second})
	switch cfg.Backend {
	case config.BackendComfyUI:
		return rembg.NewComfyRemover(cfg.ComfyUIURL,
			rembg.WithHTTPClient(cli),
			rembg.WithWorkflowFile(cfg.ComfyUIWorkflow),
		)
	default:
		return rembg.NewServerRemover(cfg.RembgURL, cfg.Model, cli)
	}
}

func newStore(ctx context.Context, cfg *config.Config) (cache.Store, func(), error) {
	if cfg.RedisURL == "" {
		return cache.NewMemory(cfg.CacheMaxEntries), func() {}, nil
	}
	r, err := cache.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	return r, func() {
		if err := r.Close(); err != nil {
			slog.Warn("close redis", "error", err)
		}
	}, nil
}

type healthChecker interface {
	Health(ctx context.Context) error
}

// storeHealthJob 外部缓存不可用时只告警，RemoveBackground 会降级为不走缓存
func storeHealthJob(h healthChecker, log *slog.Logger) func(context.Context) {
	return func(ctx context.Context) {
		if err := h.Health(ctx); err != nil {
			log.Warn("result cache unhealthy", "error", err)
		}
	}
}

func removerConfig(cfg *config.Config) rembg.Config {
	return rembg.Config{
		MaxImageSide:   cfg.MaxImageSide,
		Timeout:        cfg.InferTimeout,
		MaxConcurrency: int64(cfg.MaxConcurrency),
		CacheTTL:       cfg.CacheTTL,
	}
}
