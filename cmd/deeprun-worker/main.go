// Command deeprun-worker polls the kernel job queue and drives claimed runs
// to completion. It is the process that actually executes ExecuteRunJob;
// cmd/deeprun is the operator's read/inspect/resume surface over the same
// store.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/deeprun/kernel/internal/config"
	"github.com/deeprun/kernel/internal/kernel"
	"github.com/deeprun/kernel/internal/logging"
	"github.com/deeprun/kernel/internal/planner"
	"github.com/deeprun/kernel/internal/provider"
	"github.com/deeprun/kernel/internal/queue"
	"github.com/deeprun/kernel/internal/store"
	"github.com/deeprun/kernel/internal/types"
	"github.com/deeprun/kernel/internal/worktree"
)

var (
	jobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "deeprun_worker_jobs_active",
		Help: "Number of run jobs this worker is currently executing (0 or 1; single-flight poll loop).",
	})
	jobsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deeprun_worker_jobs_completed_total",
		Help: "Run jobs this worker completed successfully.",
	})
	jobsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deeprun_worker_jobs_failed_total",
		Help: "Run jobs this worker claimed and failed to complete.",
	})
	pollsEmpty = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deeprun_worker_polls_empty_total",
		Help: "Poll iterations that found no claimable job.",
	})
)

func main() {
	projectRoot := flag.String("project-root", ".", "canonical repository runs are branched from")
	role := flag.String("role", "compute", "worker role to poll for (compute|eval)")
	leaseSeconds := flag.Int("lease-seconds", 0, "job lease duration in seconds (0 = config default)")
	pollInterval := flag.Duration("poll-interval", 2*time.Second, "delay between empty polls")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	q := queue.New(redisClient)

	mgr, err := worktree.NewManager(*projectRoot)
	if err != nil {
		logger.Fatal().Err(err).Msg("worktree manager")
	}

	pl := planner.New(provider.NewHTTPProvider(providerEndpoint()), nil)

	k := kernel.New(kernel.Deps{
		Store:    st,
		Queue:    q,
		Worktree: mgr,
		Planner:  pl,
		Logger:   logger,
		NodeID:   cfg.NodeID,
	})

	go serveMetrics(cfg.HealthPort, logger)

	lease := *leaseSeconds
	if lease <= 0 {
		lease = cfg.LeaseSeconds
	}

	logger.Info().Str("role", *role).Int("health_port", cfg.HealthPort).Msg("deeprun-worker starting poll loop")
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down")
			return
		default:
		}

		jobsActive.Set(1)
		claimed, err := k.ClaimAndExecute(ctx, types.WorkerRole(*role), nil, lease, kernel.ExecuteOptions{ProjectRoot: *projectRoot})
		jobsActive.Set(0)

		switch {
		case err != nil && claimed:
			jobsFailed.Inc()
			logger.Warn().Err(err).Msg("claimed job failed")
		case err != nil && !claimed:
			logger.Warn().Err(err).Msg("claim attempt errored")
			time.Sleep(*pollInterval)
		case !claimed:
			pollsEmpty.Inc()
			time.Sleep(*pollInterval)
		default:
			jobsCompleted.Inc()
		}
	}
}

func providerEndpoint() string {
	if v := os.Getenv("DEEPRUN_PROVIDER_ENDPOINT"); v != "" {
		return v
	}
	return "http://127.0.0.1:8088/generate"
}

// serveMetrics exposes /metrics for Prometheus scraping; it runs for the
// worker process's lifetime and logs (rather than crashes the worker) if
// the listener fails, since metrics are non-contractual telemetry.
func serveMetrics(port int, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn().Err(err).Str("addr", addr).Msg("metrics server stopped")
	}
}
