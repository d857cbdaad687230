package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/deeprun/kernel/internal/config"
	"github.com/deeprun/kernel/internal/kernel"
	"github.com/deeprun/kernel/internal/logging"
	"github.com/deeprun/kernel/internal/planner"
	"github.com/deeprun/kernel/internal/provider"
	"github.com/deeprun/kernel/internal/queue"
	"github.com/deeprun/kernel/internal/store"
	"github.com/deeprun/kernel/internal/worktree"
)

// cliDeps bundles the store handle every subcommand needs; commands that
// also drive execution (run resume, stress run) build a *kernel.Kernel on
// top of it via newKernel.
type cliDeps struct {
	cfg    *config.Config
	store  *store.Store
	logger zerolog.Logger
}

func newCLIDeps(ctx context.Context) (*cliDeps, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.LogLevel, nil)

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &cliDeps{cfg: cfg, store: st, logger: logger}, nil
}

func (d *cliDeps) Close() {
	_ = d.store.Close()
}

// newKernel wires a Kernel for commands that drive run execution directly
// from the CLI (as opposed to cmd/deeprun-worker's poll loop). It requires
// projectRoot so the worktree manager can resolve the canonical repository.
func (d *cliDeps) newKernel(projectRoot string) (*kernel.Kernel, error) {
	redisClient := redis.NewClient(&redis.Options{Addr: d.cfg.RedisAddr})
	q := queue.New(redisClient)

	mgr, err := worktree.NewManager(projectRoot)
	if err != nil {
		return nil, fmt.Errorf("worktree manager: %w", err)
	}

	providerEndpoint := providerEndpointFromEnv()
	pl := planner.New(provider.NewHTTPProvider(providerEndpoint), nil)

	return kernel.New(kernel.Deps{
		Store:    d.store,
		Queue:    q,
		Worktree: mgr,
		Planner:  pl,
		Logger:   d.logger,
		NodeID:   d.cfg.NodeID,
	}), nil
}

func providerEndpointFromEnv() string {
	if v := os.Getenv("DEEPRUN_PROVIDER_ENDPOINT"); v != "" {
		return v
	}
	return "http://127.0.0.1:8088/generate"
}
