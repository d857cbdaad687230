// Package contract implements the execution contract: a hashed, versioned
// configuration that must match exactly to resume a run in place
// (spec.md §4.1).
package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/deeprun/kernel/internal/types"
)

// SupportedRange bounds one version field that evaluateExecutionContractSupport
// checks against.
type SupportedRange struct {
	Field    string
	MinValue int
	MaxValue int
}

// SupportedExecutionContractRanges names the version fields the running
// kernel binary understands, per spec.md §4.1.
var SupportedExecutionContractRanges = []SupportedRange{
	{"schema_version", 1, 1},
	{"determinism_policy_version", 1, 1},
	{"planner_policy_version", 1, 2},
	{"correction_recipe_version", 1, 2},
	{"validation_policy_version", 1, 1},
}

// DefaultPresets maps a Profile to its ExecutionConfig field overrides.
// executionConfigPreset(profile) is a pure map per spec.md §9.
var DefaultPresets = map[types.Profile]types.ExecutionConfig{
	types.ProfileFull: {
		SchemaVersion:                1,
		Profile:                      types.ProfileFull,
		LightValidationMode:          types.ValidationModeOn,
		HeavyValidationMode:          types.ValidationModeOn,
		MaxRuntimeCorrectionAttempts: 3,
		MaxHeavyCorrectionAttempts:   2,
		CorrectionPolicyMode:         types.CorrectionPolicyDefault,
		CorrectionConvergenceMode:    types.CorrectionConvergenceEnforce,
		PlannerTimeoutMs:             60000,
		MaxFilesPerStep:              20,
		MaxTotalDiffBytes:            2_000_000,
		MaxFileBytes:                 500_000,
		AllowEnvMutation:             false,
	},
	types.ProfileCI: {
		SchemaVersion:                1,
		Profile:                      types.ProfileCI,
		LightValidationMode:          types.ValidationModeOn,
		HeavyValidationMode:          types.ValidationModeOn,
		MaxRuntimeCorrectionAttempts: 2,
		MaxHeavyCorrectionAttempts:   1,
		CorrectionPolicyMode:         types.CorrectionPolicyStrict,
		CorrectionConvergenceMode:    types.CorrectionConvergenceEnforce,
		PlannerTimeoutMs:             45000,
		MaxFilesPerStep:              10,
		MaxTotalDiffBytes:            1_000_000,
		MaxFileBytes:                 250_000,
		AllowEnvMutation:             false,
	},
	types.ProfileSmoke: {
		SchemaVersion:                1,
		Profile:                      types.ProfileSmoke,
		LightValidationMode:          types.ValidationModeOn,
		HeavyValidationMode:          types.ValidationModeOff,
		MaxRuntimeCorrectionAttempts: 1,
		MaxHeavyCorrectionAttempts:   0,
		CorrectionPolicyMode:         types.CorrectionPolicyDefault,
		CorrectionConvergenceMode:    types.CorrectionConvergenceAdvise,
		PlannerTimeoutMs:             15000,
		MaxFilesPerStep:              5,
		MaxTotalDiffBytes:            500_000,
		MaxFileBytes:                 100_000,
		AllowEnvMutation:             false,
	},
}

// EnvFallback is the subset of BAS-declared contractual env values that can
// fill ExecutionConfig fields when neither a requested nor a persisted value
// is present.
type EnvFallback struct {
	LightValidationMode *types.ValidationMode
	HeavyValidationMode *types.ValidationMode
	MaxRuntimeCorrectionAttempts *int
	MaxHeavyCorrectionAttempts   *int
}

// ResolveOptions tunes resolveExecutionConfig's precedence.
type ResolveOptions struct {
	// PreserveBaseProfile keeps the persisted profile's preset values for
	// any field not explicitly overridden in requested, instead of falling
	// straight through to env/defaults.
	PreserveBaseProfile bool
}

// ResolveExecutionConfig implements spec.md §4.1's precedence:
// explicit-raw > base (if PreserveBaseProfile) > profile-preset > env
// fallback (only for fields still zero after the preset and base) >
// default. Profile itself is chosen first: raw > base > "full". If profile is omitted in requested, the persisted profile is
// preserved and only overlapping fields are diffed.
func ResolveExecutionConfig(persisted *types.ExecutionConfig, requested *types.ExecutionConfig, env EnvFallback, opts ResolveOptions) types.ExecutionConfig {
	profile := resolveProfile(persisted, requested)

	preset, ok := DefaultPresets[profile]
	if !ok {
		preset = DefaultPresets[types.ProfileFull]
	}
	result := preset
	result.Profile = profile

	if opts.PreserveBaseProfile && persisted != nil {
		result = mergeNonZero(result, *persisted)
	}

	result = applyEnvFallback(result, env)

	if requested != nil {
		result = mergeRequested(result, *requested)
	}

	if result.ExecutionMode == types.ExecutionModeBuilder {
		result.LightValidationMode = types.ValidationModeOff
		result.HeavyValidationMode = types.ValidationModeOff
	}

	result.SchemaVersion = 1
	return result
}

func resolveProfile(persisted, requested *types.ExecutionConfig) types.Profile {
	if requested != nil && requested.Profile != "" {
		return requested.Profile
	}
	if persisted != nil && persisted.Profile != "" {
		return persisted.Profile
	}
	return types.ProfileFull
}

// mergeNonZero overlays persisted's explicitly-set fields onto base,
// preserving the profile preset for anything persisted left zero.
func mergeNonZero(base, persisted types.ExecutionConfig) types.ExecutionConfig {
	if persisted.LightValidationMode != "" {
		base.LightValidationMode = persisted.LightValidationMode
	}
	if persisted.HeavyValidationMode != "" {
		base.HeavyValidationMode = persisted.HeavyValidationMode
	}
	if persisted.MaxRuntimeCorrectionAttempts != 0 {
		base.MaxRuntimeCorrectionAttempts = persisted.MaxRuntimeCorrectionAttempts
	}
	if persisted.MaxHeavyCorrectionAttempts != 0 {
		base.MaxHeavyCorrectionAttempts = persisted.MaxHeavyCorrectionAttempts
	}
	if persisted.CorrectionPolicyMode != "" {
		base.CorrectionPolicyMode = persisted.CorrectionPolicyMode
	}
	if persisted.CorrectionConvergenceMode != "" {
		base.CorrectionConvergenceMode = persisted.CorrectionConvergenceMode
	}
	if persisted.PlannerTimeoutMs != 0 {
		base.PlannerTimeoutMs = persisted.PlannerTimeoutMs
	}
	if persisted.MaxFilesPerStep != 0 {
		base.MaxFilesPerStep = persisted.MaxFilesPerStep
	}
	if persisted.MaxTotalDiffBytes != 0 {
		base.MaxTotalDiffBytes = persisted.MaxTotalDiffBytes
	}
	if persisted.MaxFileBytes != 0 {
		base.MaxFileBytes = persisted.MaxFileBytes
	}
	base.AllowEnvMutation = persisted.AllowEnvMutation
	base.ExecutionMode = persisted.ExecutionMode
	return base
}

func applyEnvFallback(base types.ExecutionConfig, env EnvFallback) types.ExecutionConfig {
	if env.LightValidationMode != nil && base.LightValidationMode == "" {
		base.LightValidationMode = *env.LightValidationMode
	}
	if env.HeavyValidationMode != nil && base.HeavyValidationMode == "" {
		base.HeavyValidationMode = *env.HeavyValidationMode
	}
	if env.MaxRuntimeCorrectionAttempts != nil && base.MaxRuntimeCorrectionAttempts == 0 {
		base.MaxRuntimeCorrectionAttempts = *env.MaxRuntimeCorrectionAttempts
	}
	if env.MaxHeavyCorrectionAttempts != nil && base.MaxHeavyCorrectionAttempts == 0 {
		base.MaxHeavyCorrectionAttempts = *env.MaxHeavyCorrectionAttempts
	}
	return base
}

// mergeRequested applies explicit-raw overrides, the highest-precedence tier.
func mergeRequested(base, requested types.ExecutionConfig) types.ExecutionConfig {
	if requested.LightValidationMode != "" {
		base.LightValidationMode = requested.LightValidationMode
	}
	if requested.HeavyValidationMode != "" {
		base.HeavyValidationMode = requested.HeavyValidationMode
	}
	if requested.MaxRuntimeCorrectionAttempts != 0 {
		base.MaxRuntimeCorrectionAttempts = requested.MaxRuntimeCorrectionAttempts
	}
	if requested.MaxHeavyCorrectionAttempts != 0 {
		base.MaxHeavyCorrectionAttempts = requested.MaxHeavyCorrectionAttempts
	}
	if requested.CorrectionPolicyMode != "" {
		base.CorrectionPolicyMode = requested.CorrectionPolicyMode
	}
	if requested.CorrectionConvergenceMode != "" {
		base.CorrectionConvergenceMode = requested.CorrectionConvergenceMode
	}
	if requested.PlannerTimeoutMs != 0 {
		base.PlannerTimeoutMs = requested.PlannerTimeoutMs
	}
	if requested.MaxFilesPerStep != 0 {
		base.MaxFilesPerStep = requested.MaxFilesPerStep
	}
	if requested.MaxTotalDiffBytes != 0 {
		base.MaxTotalDiffBytes = requested.MaxTotalDiffBytes
	}
	if requested.MaxFileBytes != 0 {
		base.MaxFileBytes = requested.MaxFileBytes
	}
	if requested.ExecutionMode != "" {
		base.ExecutionMode = requested.ExecutionMode
	}
	base.AllowEnvMutation = requested.AllowEnvMutation
	return base
}

// BuildExecutionContract wraps a resolved config with the fixed policy
// versions and forbidden-randomness seed, then hashes it.
func BuildExecutionContract(config types.ExecutionConfig) types.ExecutionContract {
	material := types.ExecutionContractMaterial{
		Config:                   config,
		DeterminismPolicyVersion: 1,
		PlannerPolicyVersion:     1,
		CorrectionRecipeVersion:  1,
		ValidationPolicyVersion:  1,
		RandomnessSeed:           types.ForbiddenRandomnessSeed,
	}
	return types.ExecutionContract{
		Material: material,
		Hash:     HashExecutionContractMaterial(material),
	}
}

// HashExecutionContractMaterial computes SHA-256 over the canonical JSON
// (sorted keys, stable across identical inputs) of the material.
func HashExecutionContractMaterial(material types.ExecutionContractMaterial) string {
	canon := CanonicalJSON(material)
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

// CanonicalJSON serializes v with object keys sorted by Unicode codepoint
// and arrays in original order, matching spec.md §4.1's canonicalization
// rule. It round-trips through encoding/json to normalize number formatting
// (contract material only carries integers) before re-emitting sorted keys.
func CanonicalJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		// Contract material is always marshalable; a failure here is a
		// programming error, not a runtime condition to recover from.
		panic(fmt.Sprintf("contract: marshal canonical json: %v", err))
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		panic(fmt.Sprintf("contract: unmarshal for canonicalization: %v", err))
	}
	var buf []byte
	buf = appendCanonical(buf, generic)
	return buf
}

func appendCanonical(buf []byte, v any) []byte {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf = appendCanonical(buf, val[k])
		}
		buf = append(buf, '}')
		return buf
	case []any:
		buf = append(buf, '[')
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = appendCanonical(buf, item)
		}
		buf = append(buf, ']')
		return buf
	default:
		b, _ := json.Marshal(val)
		return append(buf, b...)
	}
}

// SupportResult is the outcome of evaluateExecutionContractSupport.
type SupportResult struct {
	Supported bool     `json:"supported"`
	Code      string   `json:"code,omitempty"`
	UnsupportedFields []string `json:"unsupported_fields,omitempty"`
}

// EvaluateExecutionContractSupport checks whether the running kernel binary
// can operate on the given contract material's version fields.
func EvaluateExecutionContractSupport(material types.ExecutionContractMaterial) SupportResult {
	versions := map[string]int{
		"schema_version":              material.Config.SchemaVersion,
		"determinism_policy_version":  material.DeterminismPolicyVersion,
		"planner_policy_version":      material.PlannerPolicyVersion,
		"correction_recipe_version":   material.CorrectionRecipeVersion,
		"validation_policy_version":   material.ValidationPolicyVersion,
	}
	var unsupported []string
	for _, r := range SupportedExecutionContractRanges {
		v, ok := versions[r.Field]
		if !ok {
			continue
		}
		if v < r.MinValue || v > r.MaxValue {
			unsupported = append(unsupported, r.Field)
		}
	}
	if len(unsupported) > 0 {
		sort.Strings(unsupported)
		return SupportResult{Supported: false, Code: "UNSUPPORTED_CONTRACT", UnsupportedFields: unsupported}
	}
	return SupportResult{Supported: true}
}

// MismatchError is returned when resuming a run in place and the requested
// contract differs from the persisted one without an explicit override.
type MismatchError struct {
	Persisted types.ExecutionContract
	Requested types.ExecutionContract
	Diff      []string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("execution contract mismatch: %d field(s) differ", len(e.Diff))
}

// CheckResume compares a persisted contract against a requested one. When
// they differ and override is false, it returns a *MismatchError; spec.md
// §4.1 requires requested == persisted to resume in place otherwise.
func CheckResume(persisted, requested types.ExecutionContract, override bool) error {
	if persisted.Hash == requested.Hash {
		return nil
	}
	if override {
		return nil
	}
	diff := diffFields(persisted.Material.Config, requested.Material.Config)
	return &MismatchError{Persisted: persisted, Requested: requested, Diff: diff}
}

func diffFields(a, b types.ExecutionConfig) []string {
	var diff []string
	if a.Profile != b.Profile {
		diff = append(diff, "profile")
	}
	if a.LightValidationMode != b.LightValidationMode {
		diff = append(diff, "light_validation_mode")
	}
	if a.HeavyValidationMode != b.HeavyValidationMode {
		diff = append(diff, "heavy_validation_mode")
	}
	if a.MaxRuntimeCorrectionAttempts != b.MaxRuntimeCorrectionAttempts {
		diff = append(diff, "max_runtime_correction_attempts")
	}
	if a.MaxHeavyCorrectionAttempts != b.MaxHeavyCorrectionAttempts {
		diff = append(diff, "max_heavy_correction_attempts")
	}
	if a.CorrectionPolicyMode != b.CorrectionPolicyMode {
		diff = append(diff, "correction_policy_mode")
	}
	if a.CorrectionConvergenceMode != b.CorrectionConvergenceMode {
		diff = append(diff, "correction_convergence_mode")
	}
	if a.PlannerTimeoutMs != b.PlannerTimeoutMs {
		diff = append(diff, "planner_timeout_ms")
	}
	if a.MaxFilesPerStep != b.MaxFilesPerStep {
		diff = append(diff, "max_files_per_step")
	}
	if a.MaxTotalDiffBytes != b.MaxTotalDiffBytes {
		diff = append(diff, "max_total_diff_bytes")
	}
	if a.MaxFileBytes != b.MaxFileBytes {
		diff = append(diff, "max_file_bytes")
	}
	if a.AllowEnvMutation != b.AllowEnvMutation {
		diff = append(diff, "allow_env_mutation")
	}
	sort.Strings(diff)
	return diff
}
