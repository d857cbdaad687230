package governance

import (
	"testing"

	"github.com/deeprun/kernel/internal/types"
)

func passingInput() Input {
	v1ready := true
	return Input{
		RunID:             "run-1",
		RunStatus:         types.RunStatusComplete,
		ValidationStatus:  types.ValidationStatusPassed,
		V1ReadyPassed:     &v1ready,
		Contract:          types.ExecutionContract{Hash: "contract-hash"},
		ContractSupported: true,
	}
}

func TestEvaluate_PassWhenEverythingSucceeded(t *testing.T) {
	gd := Evaluate(passingInput())
	if gd.Decision != types.GovernanceDecisionPass {
		t.Fatalf("expected PASS, got %s with reasons %v", gd.Decision, gd.ReasonCodes)
	}
	if len(gd.ReasonCodes) != 0 {
		t.Fatalf("expected no reason codes, got %v", gd.ReasonCodes)
	}
	if gd.DecisionHash == "" {
		t.Fatal("expected a non-empty decision hash")
	}
}

func TestEvaluate_FailsWhenRunNotComplete(t *testing.T) {
	in := passingInput()
	in.RunStatus = types.RunStatusFailed
	gd := Evaluate(in)
	if gd.Decision != types.GovernanceDecisionFail {
		t.Fatal("expected FAIL")
	}
	if !containsCode(gd.ReasonCodes, types.ReasonCodeRunNotComplete) {
		t.Fatalf("expected RUN_NOT_COMPLETE among %v", gd.ReasonCodes)
	}
}

func TestEvaluate_FailsWhenValidationMissing(t *testing.T) {
	in := passingInput()
	in.ValidationStatus = ""
	gd := Evaluate(in)
	if !containsCode(gd.ReasonCodes, types.ReasonCodeRunNotValidated) {
		t.Fatalf("expected RUN_NOT_VALIDATED among %v", gd.ReasonCodes)
	}
}

func TestEvaluate_FailsWhenValidationFailed(t *testing.T) {
	in := passingInput()
	in.ValidationStatus = types.ValidationStatusFailed
	gd := Evaluate(in)
	if !containsCode(gd.ReasonCodes, types.ReasonCodeRunValidationFailed) {
		t.Fatalf("expected RUN_VALIDATION_FAILED among %v", gd.ReasonCodes)
	}
}

func TestEvaluate_FailsWhenV1ReadyFailed(t *testing.T) {
	in := passingInput()
	failed := false
	in.V1ReadyPassed = &failed
	gd := Evaluate(in)
	if !containsCode(gd.ReasonCodes, types.ReasonCodeRunV1ReadyFailed) {
		t.Fatalf("expected RUN_V1_READY_FAILED among %v", gd.ReasonCodes)
	}
}

func TestEvaluate_FailsWhenContractUnsupportedOrMissing(t *testing.T) {
	in := passingInput()
	in.ContractSupported = false
	in.Contract = types.ExecutionContract{}
	gd := Evaluate(in)
	if !containsCode(gd.ReasonCodes, types.ReasonCodeUnsupportedContract) {
		t.Fatalf("expected UNSUPPORTED_CONTRACT among %v", gd.ReasonCodes)
	}
	if !containsCode(gd.ReasonCodes, types.ReasonCodeExecutionContractMissing) {
		t.Fatalf("expected EXECUTION_CONTRACT_MISSING among %v", gd.ReasonCodes)
	}
}

func TestVerify_DetectsTamperedDecision(t *testing.T) {
	gd := Evaluate(passingInput())
	if !Verify(gd) {
		t.Fatal("expected a freshly evaluated decision to verify")
	}
	gd.Decision = types.GovernanceDecisionFail
	if Verify(gd) {
		t.Fatal("expected tampering with Decision to invalidate the hash")
	}
}

func TestEvaluate_IsDeterministic(t *testing.T) {
	a := Evaluate(passingInput())
	b := Evaluate(passingInput())
	if a.DecisionHash != b.DecisionHash {
		t.Fatalf("expected identical input to produce identical hashes, got %s vs %s", a.DecisionHash, b.DecisionHash)
	}
}

func containsCode(codes []string, target string) bool {
	for _, c := range codes {
		if c == target {
			return true
		}
	}
	return false
}
