package types

// Severity is the blocking tier of a single validation violation.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// CheckStatus is the outcome of one named sub-check inside a validation
// report (e.g. "typecheck", "build", "boot").
type CheckStatus string

const (
	CheckStatusPass CheckStatus = "pass"
	CheckStatusFail CheckStatus = "fail"
	CheckStatusSkip CheckStatus = "skip"
)

// Violation is a single rule hit from the architecture validator, the
// pre-commit invariant guard, or the AST/security/structural scans.
type Violation struct {
	RuleID   string   `json:"rule_id"`
	Severity Severity `json:"severity"`
	File     string   `json:"file"`
	Target   string   `json:"target,omitempty"`
	Message  string   `json:"message"`
}

// CheckResult is the outcome of one sub-check (install, migrate, build,
// test, boot, docker-build, ...).
type CheckResult struct {
	ID      string         `json:"id"`
	Status  CheckStatus    `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// ValidationReport is the aggregate output of a validation pass (light,
// heavy, or V1-readiness).
type ValidationReport struct {
	Violations    []Violation   `json:"violations"`
	Checks        []CheckResult `json:"checks"`
	BlockingCount int           `json:"blocking_count"`
	WarningCount  int           `json:"warning_count"`
	WorktreePath  string        `json:"worktree_path,omitempty"`
}

// Ok reports whether the validation passed: ok(validation) iff
// blockingCount == 0 (spec.md §8).
func (r *ValidationReport) Ok() bool {
	return r != nil && r.BlockingCount == 0
}

// ArchGraphNode is one file in the import graph built by the architecture
// validator.
type ArchGraphNode struct {
	Path   string `json:"path"`
	Module string `json:"module,omitempty"`
	Layer  string `json:"layer,omitempty"`
}

// ArchGraphEdge is a resolved import from one node to another.
type ArchGraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ArchGraph is the full import graph plus derived cycles and violations.
type ArchGraph struct {
	Nodes      []ArchGraphNode `json:"nodes"`
	Edges      []ArchGraphEdge `json:"edges"`
	Cycles     [][]string      `json:"cycles"`
	Violations []Violation     `json:"violations"`
}

// FailureIntent is the classifier's top-level bucket for a failed
// validation, driving which correction recipe runs next.
type FailureIntent string

const (
	FailureIntentRuntimeBoot          FailureIntent = "runtime_boot"
	FailureIntentRuntimeHealth        FailureIntent = "runtime_health"
	FailureIntentTypeScriptCompile    FailureIntent = "typescript_compile"
	FailureIntentTestFailure          FailureIntent = "test_failure"
	FailureIntentMigrationFailure     FailureIntent = "migration_failure"
	FailureIntentArchitectureViolation FailureIntent = "architecture_violation"
	FailureIntentSecurityBaseline     FailureIntent = "security_baseline"
	FailureIntentUnknown              FailureIntent = "unknown"
)

// TypedFailure is one parsed failure entry extracted from a failed check's
// combined output (spec.md §4.7).
type TypedFailure struct {
	Source  string `json:"source"`
	Kind    string `json:"kind"`
	Code    string `json:"code,omitempty"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Col     int    `json:"col,omitempty"`
	Message string `json:"message"`
	Excerpt string `json:"excerpt,omitempty"`
}

// CorrectionConstraint bounds the scope of the correction step(s) the
// classifier's intent produces.
type CorrectionConstraint struct {
	Intent              FailureIntent `json:"intent"`
	MaxFiles            int           `json:"max_files"`
	MaxTotalDiffBytes   int64         `json:"max_total_diff_bytes"`
	AllowedPathPrefixes []string      `json:"allowed_path_prefixes"`
	Guidance            []string      `json:"guidance,omitempty"`
}

// FailureClassification is the classifier's decision for one failed
// validation pass.
type FailureClassification struct {
	Intent               FailureIntent `json:"intent"`
	Rationale            string        `json:"rationale"`
	FailedChecks         []string      `json:"failed_checks"`
	FailureKinds         []string      `json:"failure_kinds"`
	ShouldAutoCorrect    bool          `json:"should_auto_correct"`
	ArchitectureCollapse bool          `json:"architecture_collapse"`
	ArchitectureModules  []string      `json:"architecture_modules,omitempty"`
	CorrectionConstraint CorrectionConstraint `json:"correction_constraint"`
}

// GovernanceDecisionKind is PASS or FAIL.
type GovernanceDecisionKind string

const (
	GovernanceDecisionPass GovernanceDecisionKind = "PASS"
	GovernanceDecisionFail GovernanceDecisionKind = "FAIL"
)

// GovernanceDecision is the final, hashed PASS/FAIL verdict a kernel run
// produces for downstream CI consumers.
type GovernanceDecision struct {
	DecisionSchemaVersion int                    `json:"decision_schema_version"`
	Decision              GovernanceDecisionKind `json:"decision"`
	ReasonCodes           []string               `json:"reason_codes"`
	Reasons               []string               `json:"reasons"`
	RunID                 string                 `json:"run_id"`
	Contract              ExecutionContract      `json:"contract"`
	ArtifactRefs          []string               `json:"artifact_refs,omitempty"`
	DecisionHash          string                 `json:"decision_hash"`
}

// Stable governance reason codes (spec.md §7, a superset).
const (
	ReasonCodeRunNotComplete        = "RUN_NOT_COMPLETE"
	ReasonCodeRunNotValidated       = "RUN_NOT_VALIDATED"
	ReasonCodeRunValidationFailed   = "RUN_VALIDATION_FAILED"
	ReasonCodeRunV1ReadyFailed      = "RUN_V1_READY_FAILED"
	ReasonCodeUnsupportedContract   = "UNSUPPORTED_CONTRACT"
	ReasonCodeExecutionContractMissing = "EXECUTION_CONTRACT_MISSING"
)
