// Package types defines the durable data model shared across the kernel:
// runs, step attempts, job queue rows, execution contracts, file-session
// staging records, and governance decisions.
package types

import "time"

// RunStatus is the lifecycle state of a Run. See the canonical transition
// table in internal/run.
type RunStatus string

const (
	RunStatusQueued     RunStatus = "queued"
	RunStatusRunning    RunStatus = "running"
	RunStatusValidating RunStatus = "validating"
	RunStatusCorrecting RunStatus = "correcting"
	RunStatusOptimizing RunStatus = "optimizing"
	RunStatusComplete   RunStatus = "complete"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelling RunStatus = "cancelling"
	RunStatusCancelled  RunStatus = "cancelled"
)

// ValidationStatus is the outcome of the most recent validation pass.
type ValidationStatus string

const (
	ValidationStatusPassed ValidationStatus = "passed"
	ValidationStatusFailed ValidationStatus = "failed"
)

// Run is the durable record of one orchestration attempt.
type Run struct {
	ID                    string            `json:"id"`
	ProjectID             string            `json:"project_id"`
	OrgID                 string            `json:"org_id"`
	WorkspaceID           string            `json:"workspace_id"`
	CreatedByUserID       string            `json:"created_by_user_id"`
	Goal                  string            `json:"goal"`
	ProviderID            string            `json:"provider_id"`
	Model                 string            `json:"model,omitempty"`
	Status                RunStatus         `json:"status"`
	Plan                  *AgentPlan        `json:"plan,omitempty"`
	CurrentStepIndex      int               `json:"current_step_index"`
	BaseCommitHash        string            `json:"base_commit_hash"`
	CurrentCommitHash     string            `json:"current_commit_hash"`
	LastValidCommitHash   string            `json:"last_valid_commit_hash"`
	WorktreePath          string            `json:"worktree_path,omitempty"`
	RunBranch             string            `json:"run_branch,omitempty"`
	CorrectionAttempts    int               `json:"correction_attempts"`
	LastCorrectionReason  string            `json:"last_correction_reason,omitempty"`
	ValidationStatus      ValidationStatus  `json:"validation_status,omitempty"`
	ValidationResult      *ValidationReport `json:"validation_result,omitempty"`
	ExecutionConfig       ExecutionConfig   `json:"execution_config"`
	ExecutionContractHash string            `json:"execution_contract_hash"`
	RunLockOwner          string            `json:"run_lock_owner,omitempty"`
	RunLockAcquiredAt     *time.Time        `json:"run_lock_acquired_at,omitempty"`
	ErrorMessage          string            `json:"error_message,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
	FinishedAt            *time.Time        `json:"finished_at,omitempty"`
}

// StepType tags the kind of work a plan step performs.
type StepType string

const (
	StepTypeAnalyze StepType = "analyze"
	StepTypeModify  StepType = "modify"
	StepTypeVerify  StepType = "verify"
)

// StepStatus is the terminal outcome of one step attempt.
type StepStatus string

const (
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// CorrectionTelemetry captures the classification that drove a correction
// step, persisted alongside the step record it produced.
type CorrectionTelemetry struct {
	Classification FailureClassification `json:"classification"`
	Phase          string                `json:"phase"`
}

// StepRecord is one append-only attempt at executing plan step StepIndex.
// Records are never mutated in place; a retry appends a new record with
// Attempt = previous max + 1.
type StepRecord struct {
	ID                  string               `json:"id"`
	RunID               string               `json:"run_id"`
	StepIndex           int                  `json:"step_index"`
	Attempt             int                  `json:"attempt"`
	StepID              string               `json:"step_id"`
	Type                StepType             `json:"type"`
	Tool                string               `json:"tool"`
	InputPayload        map[string]any       `json:"input_payload,omitempty"`
	OutputPayload       map[string]any       `json:"output_payload,omitempty"`
	Status              StepStatus           `json:"status"`
	ErrorMessage        string               `json:"error_message,omitempty"`
	CommitHash          string               `json:"commit_hash,omitempty"`
	RuntimeStatus       string               `json:"runtime_status,omitempty"`
	CorrectionTelemetry *CorrectionTelemetry `json:"correction_telemetry,omitempty"`
	CorrectionPolicy    string               `json:"correction_policy,omitempty"`
	CreatedAt           time.Time            `json:"created_at"`
}

// AgentStep is one unit of work in a plan.
type AgentStep struct {
	ID                  string         `json:"id"`
	Type                StepType       `json:"type"`
	Tool                string         `json:"tool"`
	Mutates             bool           `json:"mutates"`
	Input               map[string]any `json:"input,omitempty"`
	AllowedPathPrefixes []string       `json:"allowed_path_prefixes,omitempty"`
}

// AgentPlan is an ordered, bounded sequence of steps produced by the planner.
// Schema: 1..20 steps, each with a non-empty Tool.
type AgentPlan struct {
	Steps []AgentStep `json:"steps"`
}

// Validate enforces the plan schema named in spec.md §7 (PlannerFailure).
func (p *AgentPlan) Validate() error {
	if p == nil || len(p.Steps) == 0 {
		return ErrEmptyPlan
	}
	if len(p.Steps) > 20 {
		return ErrPlanTooLong
	}
	for i, s := range p.Steps {
		if s.Tool == "" {
			return newStepMissingToolError(i)
		}
	}
	return nil
}

// JobType distinguishes the unit of work a RunJob represents.
type JobType string

const (
	JobTypeKernel     JobType = "kernel"
	JobTypeValidation JobType = "validation"
	JobTypeEvaluation JobType = "evaluation"
)

// WorkerRole targets a job to a pool of workers.
type WorkerRole string

const (
	WorkerRoleCompute WorkerRole = "compute"
	WorkerRoleEval    WorkerRole = "eval"
)

// JobStatus is the lifecycle state of a RunJob.
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusClaimed  JobStatus = "claimed"
	JobStatusRunning  JobStatus = "running"
	JobStatusComplete JobStatus = "complete"
	JobStatusFailed   JobStatus = "failed"
)

// RunJob is a unit of dispatchable work backing one run's kernel execution,
// validation, or evaluation pass.
type RunJob struct {
	ID                   string     `json:"id"`
	RunID                string     `json:"run_id"`
	JobType              JobType    `json:"job_type"`
	TargetRole           WorkerRole `json:"target_role"`
	Status               JobStatus  `json:"status"`
	AssignedNode         string     `json:"assigned_node,omitempty"`
	LeaseExpiresAt       *time.Time `json:"lease_expires_at,omitempty"`
	AttemptCount         int        `json:"attempt_count"`
	RequiredCapabilities []string   `json:"required_capabilities,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// WorkerNodeStatus is the liveness state of a worker node.
type WorkerNodeStatus string

const (
	WorkerNodeOnline  WorkerNodeStatus = "online"
	WorkerNodeOffline WorkerNodeStatus = "offline"
)

// WorkerNode is the heartbeat registry row for one worker process.
type WorkerNode struct {
	NodeID        string           `json:"node_id"`
	Role          WorkerRole       `json:"role"`
	Capabilities  []string         `json:"capabilities,omitempty"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
	Status        WorkerNodeStatus `json:"status"`
}

// LearningOutcome is the result recorded for one correction/stress phase.
type LearningOutcome string

const (
	LearningOutcomeSuccess            LearningOutcome = "success"
	LearningOutcomeProvisionallyFixed LearningOutcome = "provisionally_fixed"
	LearningOutcomeStalled            LearningOutcome = "stalled"
	LearningOutcomeFailed             LearningOutcome = "failed"
)

// LearningEvent is append-only stress/correction telemetry.
type LearningEvent struct {
	RunID           string          `json:"run_id"`
	Phase           string          `json:"phase"`
	Outcome         LearningOutcome `json:"outcome"`
	Delta           int             `json:"delta"`
	BlockingBefore  int             `json:"blocking_before"`
	BlockingAfter   int             `json:"blocking_after"`
	ConvergenceFlag bool            `json:"convergence_flag"`
	RegressionFlag  bool            `json:"regression_flag"`
	Clusters        []string        `json:"clusters,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}
