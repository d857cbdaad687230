// Package governance builds the hashed GovernanceDecision a kernel run
// produces for downstream CI consumers: a canonical-JSON, SHA-256-hashed
// PASS/FAIL verdict plus stable reason codes (spec.md §3, §7).
package governance

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/deeprun/kernel/internal/contract"
	"github.com/deeprun/kernel/internal/types"
)

// decisionSchemaVersion is the only schema version this kernel emits.
const decisionSchemaVersion = 1

// Input is the material the kernel has in hand once a run reaches a
// terminal state and governance evaluation is requested.
type Input struct {
	RunID            string
	RunStatus        types.RunStatus
	ValidationStatus types.ValidationStatus
	V1ReadyPassed    *bool // nil if V1-readiness was never attempted
	Contract         types.ExecutionContract
	ContractSupported bool
	ArtifactRefs     []string
}

// Evaluate derives PASS/FAIL and the applicable reason codes from in,
// then hashes the result. A run only earns PASS when it reached
// RunStatusComplete, its last validation passed, and (if attempted) V1
// readiness also passed.
func Evaluate(in Input) types.GovernanceDecision {
	var reasonCodes, reasons []string

	if !in.ContractSupported {
		reasonCodes = append(reasonCodes, types.ReasonCodeUnsupportedContract)
		reasons = append(reasons, "execution contract is outside the versions this kernel build supports")
	}
	if in.Contract.Hash == "" {
		reasonCodes = append(reasonCodes, types.ReasonCodeExecutionContractMissing)
		reasons = append(reasons, "run has no execution contract recorded")
	}
	if in.RunStatus != types.RunStatusComplete {
		reasonCodes = append(reasonCodes, types.ReasonCodeRunNotComplete)
		reasons = append(reasons, "run did not reach the complete status")
	}
	if in.ValidationStatus == "" {
		reasonCodes = append(reasonCodes, types.ReasonCodeRunNotValidated)
		reasons = append(reasons, "run has no recorded validation result")
	} else if in.ValidationStatus != types.ValidationStatusPassed {
		reasonCodes = append(reasonCodes, types.ReasonCodeRunValidationFailed)
		reasons = append(reasons, "the most recent validation pass did not pass")
	}
	if in.V1ReadyPassed != nil && !*in.V1ReadyPassed {
		reasonCodes = append(reasonCodes, types.ReasonCodeRunV1ReadyFailed)
		reasons = append(reasons, "V1-readiness (docker build/boot/health) did not pass")
	}

	decision := types.GovernanceDecisionPass
	if len(reasonCodes) > 0 {
		decision = types.GovernanceDecisionFail
	}

	gd := types.GovernanceDecision{
		DecisionSchemaVersion: decisionSchemaVersion,
		Decision:              decision,
		ReasonCodes:           reasonCodes,
		Reasons:               reasons,
		RunID:                 in.RunID,
		Contract:              in.Contract,
		ArtifactRefs:          in.ArtifactRefs,
	}
	gd.DecisionHash = Hash(gd)
	return gd
}

// Hash computes SHA-256 over the canonical JSON of gd with DecisionHash
// cleared, matching spec.md §3's "SHA-256(canonicalJson(all fields except
// decisionHash))" rule.
func Hash(gd types.GovernanceDecision) string {
	gd.DecisionHash = ""
	canon := contract.CanonicalJSON(gd)
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether gd.DecisionHash matches its own recomputed hash,
// i.e. gd hasn't been tampered with since it was produced by Evaluate.
func Verify(gd types.GovernanceDecision) bool {
	return Hash(gd) == gd.DecisionHash
}
