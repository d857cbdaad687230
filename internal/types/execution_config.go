package types

// ValidationMode controls whether a validation tier runs at all.
type ValidationMode string

const (
	ValidationModeOff  ValidationMode = "off"
	ValidationModeOn   ValidationMode = "on"
	ValidationModeWarn ValidationMode = "warn"
)

// Profile is a named preset bundling ExecutionConfig field defaults.
type Profile string

const (
	ProfileFull  Profile = "full"
	ProfileCI    Profile = "ci"
	ProfileSmoke Profile = "smoke"
)

// CorrectionPolicyMode selects how aggressively the correction loop re-plans.
type CorrectionPolicyMode string

const (
	CorrectionPolicyDefault CorrectionPolicyMode = "default"
	CorrectionPolicyStrict  CorrectionPolicyMode = "strict"
)

// CorrectionConvergenceMode controls whether a non-improving correction
// attempt is fatal.
type CorrectionConvergenceMode string

const (
	CorrectionConvergenceEnforce CorrectionConvergenceMode = "enforce"
	CorrectionConvergenceAdvise  CorrectionConvergenceMode = "advise"
)

// ExecutionMode selects the coarse operating mode for a run.
type ExecutionMode string

const (
	// ExecutionModeBuilder forces both validation tiers off.
	ExecutionModeBuilder ExecutionMode = "builder"
	ExecutionModeDefault ExecutionMode = "default"
)

// ExecutionConfig is the versioned, bounded-range configuration for one run.
// The validate struct tags record the ranges named in spec.md §3; no code
// in this module evaluates them.
type ExecutionConfig struct {
	SchemaVersion              int                       `json:"schema_version" validate:"eq=1"`
	Profile                    Profile                   `json:"profile" validate:"omitempty,oneof=full ci smoke"`
	ExecutionMode              ExecutionMode             `json:"execution_mode,omitempty"`
	LightValidationMode        ValidationMode            `json:"light_validation_mode"`
	HeavyValidationMode        ValidationMode            `json:"heavy_validation_mode"`
	MaxRuntimeCorrectionAttempts int                     `json:"max_runtime_correction_attempts" validate:"gte=0,lte=5"`
	MaxHeavyCorrectionAttempts   int                     `json:"max_heavy_correction_attempts" validate:"gte=0,lte=3"`
	CorrectionPolicyMode       CorrectionPolicyMode      `json:"correction_policy_mode"`
	CorrectionConvergenceMode  CorrectionConvergenceMode `json:"correction_convergence_mode"`
	PlannerTimeoutMs           int                       `json:"planner_timeout_ms" validate:"gte=1000,lte=300000"`
	MaxFilesPerStep            int                       `json:"max_files_per_step" validate:"gte=1,lte=100"`
	MaxTotalDiffBytes          int64                     `json:"max_total_diff_bytes" validate:"gte=1000,lte=10000000"`
	MaxFileBytes               int64                     `json:"max_file_bytes" validate:"gte=1000,lte=20000000"`
	AllowEnvMutation           bool                      `json:"allow_env_mutation"`
}

// ExecutionContractMaterial wraps a resolved config with the versioned policy
// fields that, together with the config, must match exactly to resume a run
// in place (spec.md §4.1).
type ExecutionContractMaterial struct {
	Config                   ExecutionConfig `json:"config"`
	DeterminismPolicyVersion int             `json:"determinism_policy_version"`
	PlannerPolicyVersion     int             `json:"planner_policy_version"`
	CorrectionRecipeVersion  int             `json:"correction_recipe_version"`
	ValidationPolicyVersion  int             `json:"validation_policy_version"`
	RandomnessSeed           string          `json:"randomness_seed"`
}

// ExecutionContract is the hashed, immutable form of ExecutionContractMaterial.
type ExecutionContract struct {
	Material ExecutionContractMaterial `json:"material"`
	Hash     string                    `json:"hash"`
}

// ForbiddenRandomnessSeed is the fixed contract value asserting that no
// wall-clock or random branching occurs in the decision path (spec.md §9).
const ForbiddenRandomnessSeed = "forbidden:no-random-branching"
