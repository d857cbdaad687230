// Package kernel implements the central orchestrator (spec.md §4.8 "C13
// Kernel orchestrator"): startRun, executeRunJob, the step-local runtime
// correction path, the post-validation correction loop, and crash replay.
// It is the one package that holds a reference to every other component —
// FileSession, worktree, executor, planner, failure classifier, the
// validation tiers, persistence, and the job queue — and drives them
// through one run's lifecycle exactly as the state machines in
// internal/run describe.
package kernel

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/deeprun/kernel/internal/contract"
	"github.com/deeprun/kernel/internal/executor"
	"github.com/deeprun/kernel/internal/filesession"
	"github.com/deeprun/kernel/internal/logging"
	"github.com/deeprun/kernel/internal/planner"
	"github.com/deeprun/kernel/internal/queue"
	"github.com/deeprun/kernel/internal/run"
	"github.com/deeprun/kernel/internal/store"
	"github.com/deeprun/kernel/internal/types"
	"github.com/deeprun/kernel/internal/validation/arch"
	"github.com/deeprun/kernel/internal/worktree"
)

// lockStaleAfter bounds how long a run lock may sit unreleased (e.g. a
// crashed node) before AcquireRunLock treats it as free again.
const lockStaleAfter = 5 * time.Minute

// ErrRunLockContested is returned by ExecuteRunJob when another node
// already holds the run's lock.
var ErrRunLockContested = fmt.Errorf("kernel: run lock is held by another node")

// Deps wires every component the kernel drives. All fields are required
// except ArchOptions, which defaults to its zero value.
type Deps struct {
	Store      *store.Store
	Queue      *queue.Queue
	Worktree   *worktree.Manager
	Planner    planner.Planner
	Logger     zerolog.Logger
	NodeID     string
	ArchOptions arch.Options
}

// Kernel drives runs through startRun/executeRunJob/resumeRun.
type Kernel struct {
	store    *store.Store
	queue    *queue.Queue
	worktree *worktree.Manager
	planner  planner.Planner
	logger   zerolog.Logger
	nodeID   string
	archOpts arch.Options
}

// New constructs a Kernel from deps.
func New(deps Deps) *Kernel {
	return &Kernel{
		store:    deps.Store,
		queue:    deps.Queue,
		worktree: deps.Worktree,
		planner:  deps.Planner,
		logger:   deps.Logger,
		nodeID:   deps.NodeID,
		archOpts: deps.ArchOptions,
	}
}

// StartRunInput is startRun's request (spec.md §4.8.1).
type StartRunInput struct {
	ProjectID       string
	OrgID           string
	WorkspaceID     string
	CreatedByUserID string
	ProjectRoot     string
	Goal            string
	ProviderID      string
	Model           string
	ExecutionConfig *types.ExecutionConfig
	Inline          bool
}

// StartRun resolves the run's execution contract, persists a queued Run,
// and enqueues its kernel RunJob. When input.Inline is set, it calls
// ExecuteRunJob synchronously instead of returning immediately for a
// worker to pick up.
func (k *Kernel) StartRun(ctx context.Context, input StartRunInput) (*types.Run, error) {
	config := contract.ResolveExecutionConfig(nil, input.ExecutionConfig, contract.EnvFallback{}, contract.ResolveOptions{})
	ec := contract.BuildExecutionContract(config)

	baseCommit, err := readCurrentCommit(ctx, input.ProjectRoot)
	if err != nil {
		return nil, fmt.Errorf("read base commit: %w", err)
	}

	now := time.Now().UTC()
	r := &types.Run{
		ID:                    uuid.NewString(),
		ProjectID:             input.ProjectID,
		OrgID:                 input.OrgID,
		WorkspaceID:           input.WorkspaceID,
		CreatedByUserID:       input.CreatedByUserID,
		Goal:                  input.Goal,
		ProviderID:            input.ProviderID,
		Model:                 input.Model,
		Status:                types.RunStatusQueued,
		BaseCommitHash:        baseCommit,
		ExecutionConfig:       config,
		ExecutionContractHash: ec.Hash,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := k.store.CreateRun(ctx, r); err != nil {
		return nil, fmt.Errorf("persist run: %w", err)
	}

	job := &types.RunJob{
		ID:         uuid.NewString(),
		RunID:      r.ID,
		JobType:    types.JobTypeKernel,
		TargetRole: types.WorkerRoleCompute,
		Status:     types.JobStatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := k.queue.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue run job: %w", err)
	}

	logging.ForRun(k.logger, r.ID).Info().Str("project_id", r.ProjectID).Msg("run queued")

	if input.Inline {
		if err := k.ExecuteRunJob(ctx, r.ID, ExecuteOptions{ProjectRoot: input.ProjectRoot}); err != nil {
			return r, err
		}
	}
	return r, nil
}

func readCurrentCommit(ctx context.Context, projectRoot string) (string, error) {
	m, err := worktree.NewManager(projectRoot)
	if err != nil {
		return "", err
	}
	h := &worktree.Handle{WorktreePath: m.RepoRoot}
	return h.CurrentCommit(ctx, worktree.DefaultTimeout)
}

// ExecuteOptions configures one ExecuteRunJob call.
type ExecuteOptions struct {
	// ProjectRoot is the canonical repository this run's worktree is
	// branched from. Required when no worktree has been created yet.
	ProjectRoot string
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
