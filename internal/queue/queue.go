// Package queue implements the RunJob lease queue (spec.md §4.9) on top of
// Redis: claimNextRunJob/markRunJobRunning/renewRunJobLease/completeRunJob/
// failRunJob, plus the lease-expiry reclaim sweep. The claim is a Lua
// script so the claim-or-skip check stays atomic without a client-side
// transaction; mark-running, lease renewal, complete and fail go through
// mutateOwned, a plain GET, ownership check and SET that is not atomic
// against a concurrent writer.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/deeprun/kernel/internal/types"
)

// ErrNoJobAvailable is returned by ClaimNextRunJob when no candidate job
// satisfies targetRole/workerCapabilities.
var ErrNoJobAvailable = errors.New("queue: no job available")

// ErrNotOwner is returned when a lease operation is attempted by a node
// that does not currently hold the job's lease.
var ErrNotOwner = errors.New("queue: caller does not hold the job lease")

// candidateScanLimit bounds how many pending candidates ClaimNextRunJob
// inspects per call before giving up, so a queue backlog of jobs this
// worker can't serve doesn't turn a claim attempt into an O(n) scan.
const candidateScanLimit = 64

// Queue is a Redis-backed implementation of the RunJob lease protocol.
type Queue struct {
	client *redis.Client
}

// New wraps an already-configured *redis.Client (including one pointed at
// a miniredis instance in tests).
func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func pendingKey(role types.WorkerRole) string  { return fmt.Sprintf("queue:pending:%s", role) }
func inflightKey(role types.WorkerRole) string  { return fmt.Sprintf("queue:inflight:%s", role) }
func jobKey(id string) string                   { return fmt.Sprintf("queue:job:%s", id) }

// Enqueue writes job in JobStatusQueued and makes it claimable.
func (q *Queue) Enqueue(ctx context.Context, job *types.RunJob) error {
	job.Status = types.JobStatusQueued
	job.AssignedNode = ""
	job.LeaseExpiresAt = nil
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobKey(job.ID), data, 0)
	pipe.ZAdd(ctx, pendingKey(job.TargetRole), redis.Z{Score: float64(job.CreatedAt.UnixNano()), Member: job.ID})
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// claimScript atomically moves one job from pending to claimed, provided
// the job is still in the pending set at the moment the script runs (a
// worker that won the race has already removed it).
// KEYS[1] = job key, KEYS[2] = pending zset, KEYS[3] = inflight zset
// ARGV[1] = job id, ARGV[2] = node id, ARGV[3] = lease_expires_at unix nano,
// ARGV[4] = new job JSON (status=claimed, assignedNode, leaseExpiresAt, attemptCount bumped)
var claimScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
	return 0
end
if not redis.call("ZSCORE", KEYS[2], ARGV[1]) then
	return 0
end
redis.call("SET", KEYS[1], ARGV[4])
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// ClaimNextRunJob implements claimNextRunJob: it scans the pending set for
// targetRole in createdAt order, skipping any candidate whose
// requiredCapabilities is not a subset of workerCapabilities, and
// atomically claims the first one that qualifies.
func (q *Queue) ClaimNextRunJob(ctx context.Context, nodeID string, targetRole types.WorkerRole, workerCapabilities []string, leaseSeconds int) (*types.RunJob, error) {
	candidateIDs, err := q.client.ZRangeWithScores(ctx, pendingKey(targetRole), 0, candidateScanLimit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("scan pending: %w", err)
	}

	for _, z := range candidateIDs {
		jobID, _ := z.Member.(string)
		raw, err := q.client.Get(ctx, jobKey(jobID)).Result()
		if errors.Is(err, redis.Nil) {
			// Stale zset entry pointing at an expired/removed job key.
			q.client.ZRem(ctx, pendingKey(targetRole), jobID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load candidate %s: %w", jobID, err)
		}

		var job types.RunJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("unmarshal candidate %s: %w", jobID, err)
		}
		if !capabilitiesSubset(job.RequiredCapabilities, workerCapabilities) {
			continue
		}

		leaseExpiresAt := time.Now().Add(time.Duration(leaseSeconds) * time.Second).UTC()
		job.Status = types.JobStatusClaimed
		job.AssignedNode = nodeID
		job.LeaseExpiresAt = &leaseExpiresAt
		job.AttemptCount++
		job.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(job)
		if err != nil {
			return nil, fmt.Errorf("marshal claimed job: %w", err)
		}

		claimed, err := claimScript.Run(ctx, q.client,
			[]string{jobKey(jobID), pendingKey(targetRole), inflightKey(targetRole)},
			jobID, nodeID, leaseExpiresAt.UnixNano(), data,
		).Int()
		if err != nil {
			return nil, fmt.Errorf("claim script: %w", err)
		}
		if claimed == 1 {
			return &job, nil
		}
		// Another worker claimed it between our scan and this attempt;
		// try the next candidate.
	}
	return nil, ErrNoJobAvailable
}

func capabilitiesSubset(required, available []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(available))
	for _, c := range available {
		have[c] = true
	}
	for _, c := range required {
		if !have[c] {
			return false
		}
	}
	return true
}

// MarkRunJobRunning gates claimed -> running on assignedNode == nodeID.
func (q *Queue) MarkRunJobRunning(ctx context.Context, jobID, nodeID string) error {
	return q.mutateOwned(ctx, jobID, nodeID, func(job *types.RunJob) error {
		if job.Status != types.JobStatusClaimed {
			return fmt.Errorf("queue: job %s is not claimed (status=%s)", jobID, job.Status)
		}
		job.Status = types.JobStatusRunning
		return nil
	})
}

// RenewRunJobLease extends leaseExpiresAt iff nodeID still holds the job
// and its status is claimed or running; a node that lost its lease no-ops
// (returns ErrNotOwner) rather than clobbering a reclaimed job.
func (q *Queue) RenewRunJobLease(ctx context.Context, jobID, nodeID string, leaseSeconds int) error {
	return q.mutateOwned(ctx, jobID, nodeID, func(job *types.RunJob) error {
		if job.Status != types.JobStatusClaimed && job.Status != types.JobStatusRunning {
			return fmt.Errorf("queue: job %s is not leasable (status=%s)", jobID, job.Status)
		}
		expiry := time.Now().Add(time.Duration(leaseSeconds) * time.Second).UTC()
		job.LeaseExpiresAt = &expiry
		return q.reindexInflight(ctx, job)
	})
}

// CompleteRunJob marks job complete and removes it from the inflight set.
func (q *Queue) CompleteRunJob(ctx context.Context, jobID, nodeID string) error {
	return q.finish(ctx, jobID, nodeID, types.JobStatusComplete)
}

// FailRunJob marks job failed and removes it from the inflight set.
func (q *Queue) FailRunJob(ctx context.Context, jobID, nodeID string) error {
	return q.finish(ctx, jobID, nodeID, types.JobStatusFailed)
}

func (q *Queue) finish(ctx context.Context, jobID, nodeID string, terminal types.JobStatus) error {
	var role types.WorkerRole
	err := q.mutateOwned(ctx, jobID, nodeID, func(job *types.RunJob) error {
		role = job.TargetRole
		job.Status = terminal
		job.LeaseExpiresAt = nil
		return nil
	})
	if err != nil {
		return err
	}
	if err := q.client.ZRem(ctx, inflightKey(role), jobID).Err(); err != nil {
		return fmt.Errorf("remove from inflight: %w", err)
	}
	return nil
}

// mutateOwned loads jobID, verifies nodeID holds it, applies mutate, and
// writes the result back.
func (q *Queue) mutateOwned(ctx context.Context, jobID, nodeID string, mutate func(*types.RunJob) error) error {
	raw, err := q.client.Get(ctx, jobKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("queue: job %s not found", jobID)
	}
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	var job types.RunJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return fmt.Errorf("unmarshal job: %w", err)
	}
	if job.AssignedNode != nodeID {
		return ErrNotOwner
	}
	if err := mutate(&job); err != nil {
		return err
	}
	job.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.Set(ctx, jobKey(jobID), data, 0).Err(); err != nil {
		return fmt.Errorf("store job: %w", err)
	}
	return nil
}

func (q *Queue) reindexInflight(ctx context.Context, job *types.RunJob) error {
	if job.LeaseExpiresAt == nil {
		return nil
	}
	return q.client.ZAdd(ctx, inflightKey(job.TargetRole), redis.Z{
		Score: float64(job.LeaseExpiresAt.UnixNano()), Member: job.ID,
	}).Err()
}

// ReclaimExpiredLeases scans role's inflight set for jobs whose lease has
// expired and moves them back onto the pending set, making them eligible
// for claim again without mutating their terminal status (the original
// holder's own completion/failure call, if it eventually lands, is a
// harmless no-op once a new worker owns the job — see ErrNotOwner).
func (q *Queue) ReclaimExpiredLeases(ctx context.Context, role types.WorkerRole) (int, error) {
	now := time.Now().UTC().UnixNano()
	expired, err := q.client.ZRangeByScore(ctx, inflightKey(role), &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan inflight: %w", err)
	}

	reclaimed := 0
	for _, jobID := range expired {
		raw, err := q.client.Get(ctx, jobKey(jobID)).Result()
		if errors.Is(err, redis.Nil) {
			q.client.ZRem(ctx, inflightKey(role), jobID)
			continue
		}
		if err != nil {
			return reclaimed, fmt.Errorf("load %s: %w", jobID, err)
		}
		var job types.RunJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return reclaimed, fmt.Errorf("unmarshal %s: %w", jobID, err)
		}

		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, inflightKey(role), jobID)
		pipe.ZAdd(ctx, pendingKey(role), redis.Z{Score: float64(job.CreatedAt.UnixNano()), Member: jobID})
		if _, err := pipe.Exec(ctx); err != nil {
			return reclaimed, fmt.Errorf("reclaim %s: %w", jobID, err)
		}
		reclaimed++
	}
	return reclaimed, nil
}
