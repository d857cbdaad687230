package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/deeprun/kernel/internal/store"
	"github.com/deeprun/kernel/internal/types"
)

// WorkerLoopOptions configures the poll/heartbeat/lease-renewal cadence
// spec.md §4.9 names for a worker process.
type WorkerLoopOptions struct {
	NodeID        string
	Role          types.WorkerRole
	Capabilities  []string
	HeartbeatEvery time.Duration
	PollEvery      time.Duration
	LeaseSeconds   int
}

// DefaultWorkerLoopOptions fills in the cadence spec.md §4.9 implies:
// a heartbeat well under any reasonable offline-detection window, a poll
// interval short enough to pick up work promptly, and a lease long enough
// to cover one poll/renew cycle with margin.
func DefaultWorkerLoopOptions(nodeID string, role types.WorkerRole, capabilities []string) WorkerLoopOptions {
	return WorkerLoopOptions{
		NodeID:         nodeID,
		Role:           role,
		Capabilities:   capabilities,
		HeartbeatEvery: 10 * time.Second,
		PollEvery:      2 * time.Second,
		LeaseSeconds:   60,
	}
}

// Handler processes one claimed RunJob. The worker loop calls
// MarkRunJobRunning before invoking Handler and Complete/FailRunJob with
// its result afterward.
type Handler func(ctx context.Context, job *types.RunJob) error

// RunWorkerLoop upserts a WorkerNode heartbeat, polls for claimable jobs,
// and runs handler for each one with a background lease-renewal timer,
// until ctx is cancelled (the caller wires SIGINT/SIGTERM into ctx). On
// return it marks the node offline.
func RunWorkerLoop(ctx context.Context, q *Queue, st *store.Store, logger zerolog.Logger, opts WorkerLoopOptions, handler Handler) error {
	node := &types.WorkerNode{
		NodeID:        opts.NodeID,
		Role:          opts.Role,
		Capabilities:  opts.Capabilities,
		LastHeartbeat: time.Now().UTC(),
		Status:        types.WorkerNodeOnline,
	}
	if err := st.UpsertWorkerNode(ctx, node); err != nil {
		return err
	}

	heartbeat := time.NewTicker(opts.HeartbeatEvery)
	poll := time.NewTicker(opts.PollEvery)
	defer heartbeat.Stop()
	defer poll.Stop()
	defer func() {
		node.Status = types.WorkerNodeOffline
		node.LastHeartbeat = time.Now().UTC()
		_ = st.UpsertWorkerNode(context.Background(), node)
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Str("node_id", opts.NodeID).Msg("worker loop stopping")
			return nil
		case <-heartbeat.C:
			node.LastHeartbeat = time.Now().UTC()
			if err := st.UpsertWorkerNode(ctx, node); err != nil {
				logger.Warn().Err(err).Msg("heartbeat upsert failed")
			}
		case <-poll.C:
			job, err := q.ClaimNextRunJob(ctx, opts.NodeID, opts.Role, opts.Capabilities, opts.LeaseSeconds)
			if err == ErrNoJobAvailable {
				continue
			}
			if err != nil {
				logger.Warn().Err(err).Msg("claim attempt failed")
				continue
			}
			processJob(ctx, q, logger, opts, job, handler)
		}
	}
}

func processJob(ctx context.Context, q *Queue, logger zerolog.Logger, opts WorkerLoopOptions, job *types.RunJob, handler Handler) {
	jobLogger := logger.With().Str("job_id", job.ID).Str("run_id", job.RunID).Logger()

	if err := q.MarkRunJobRunning(ctx, job.ID, opts.NodeID); err != nil {
		jobLogger.Warn().Err(err).Msg("mark running failed")
		return
	}

	renewTicker := time.NewTicker(time.Duration(opts.LeaseSeconds/2) * time.Second)
	defer renewTicker.Stop()
	done := make(chan error, 1)
	go func() { done <- handler(ctx, job) }()

	for {
		select {
		case err := <-done:
			if err != nil {
				jobLogger.Error().Err(err).Msg("job handler failed")
				if ferr := q.FailRunJob(ctx, job.ID, opts.NodeID); ferr != nil {
					jobLogger.Warn().Err(ferr).Msg("failRunJob failed")
				}
				return
			}
			if cerr := q.CompleteRunJob(ctx, job.ID, opts.NodeID); cerr != nil {
				jobLogger.Warn().Err(cerr).Msg("completeRunJob failed")
			}
			return
		case <-renewTicker.C:
			if err := q.RenewRunJobLease(ctx, job.ID, opts.NodeID, opts.LeaseSeconds); err != nil {
				jobLogger.Warn().Err(err).Msg("lease renewal failed, another worker may have reclaimed this job")
			}
		}
	}
}
