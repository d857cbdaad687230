package stress

import (
	"testing"

	"github.com/deeprun/kernel/internal/types"
)

func findGate(results []GateResult, name GateName) GateResult {
	for _, r := range results {
		if r.Name == name {
			return r
		}
	}
	return GateResult{}
}

func TestEvaluateClusterRegressionSpike_TripsOverMax(t *testing.T) {
	events := []types.LearningEvent{
		{Clusters: []string{"billing"}, RegressionFlag: true},
		{Clusters: []string{"billing"}, RegressionFlag: true},
		{Clusters: []string{"billing"}, RegressionFlag: false},
	}
	results := EvaluateGates(events, DefaultThresholds())
	gate := findGate(results, GateClusterRegressionSpike)
	if !gate.Triggered {
		t.Fatalf("expected cluster regression spike to trip at 2/3, got %+v", gate)
	}
}

func TestEvaluateClusterRegressionSpike_DoesNotTripUnderMax(t *testing.T) {
	events := []types.LearningEvent{
		{Clusters: []string{"billing"}, RegressionFlag: true},
		{Clusters: []string{"billing"}, RegressionFlag: false},
		{Clusters: []string{"billing"}, RegressionFlag: false},
	}
	results := EvaluateGates(events, DefaultThresholds())
	if findGate(results, GateClusterRegressionSpike).Triggered {
		t.Fatal("expected 1/3 regression rate to stay under the 0.4 default max")
	}
}

func TestEvaluateConvergenceFailure_TripsBelowMin(t *testing.T) {
	events := []types.LearningEvent{
		{ConvergenceFlag: false}, {ConvergenceFlag: false}, {ConvergenceFlag: true},
	}
	results := EvaluateGates(events, DefaultThresholds())
	if !findGate(results, GateConvergenceFailure).Triggered {
		t.Fatal("expected 1/3 convergence rate to trip the 0.5 default min")
	}
}

func TestEvaluateConvergenceFailure_SuppressedByLegalSlowCarveOut(t *testing.T) {
	events := []types.LearningEvent{
		{ConvergenceFlag: false, BlockingBefore: 10, BlockingAfter: 9, Metadata: map[string]any{"legal_slow_convergence": true}},
		{ConvergenceFlag: false, BlockingBefore: 9, BlockingAfter: 8, Metadata: map[string]any{"legal_slow_convergence": true}},
	}
	results := EvaluateGates(events, DefaultThresholds())
	gate := findGate(results, GateConvergenceFailure)
	if gate.Triggered {
		t.Fatalf("expected the legal-slow carve-out to suppress CONVERGENCE_FAILURE, got %+v", gate)
	}
}

func TestEvaluateConvergenceFailure_NotSuppressedWhenRegressionsPresent(t *testing.T) {
	events := []types.LearningEvent{
		{ConvergenceFlag: false, RegressionFlag: true, Metadata: map[string]any{"legal_slow_convergence": true}},
		{ConvergenceFlag: false, Metadata: map[string]any{"legal_slow_convergence": true}},
	}
	results := EvaluateGates(events, DefaultThresholds())
	if !findGate(results, GateConvergenceFailure).Triggered {
		t.Fatal("legal-slow carve-out must not suppress a window that contains a regression")
	}
}

func TestEvaluateMicroStallSpiral_RequiresMinimumSampleSize(t *testing.T) {
	events := []types.LearningEvent{
		{Phase: "micro_targeted_repair", Outcome: types.LearningOutcomeStalled},
		{Phase: "micro_targeted_repair", Outcome: types.LearningOutcomeStalled},
	}
	results := EvaluateGates(events, DefaultThresholds())
	if findGate(results, GateMicroStallSpiral).Triggered {
		t.Fatal("expected the gate to stay quiet below MicroStallMinRuns")
	}
}

func TestEvaluateMicroStallSpiral_TripsOverRateAndSampleSize(t *testing.T) {
	thresholds := DefaultThresholds()
	thresholds.MicroStallMinRuns = 3
	events := []types.LearningEvent{
		{Phase: "micro_targeted_repair", Outcome: types.LearningOutcomeStalled},
		{Phase: "micro_targeted_repair", Outcome: types.LearningOutcomeStalled},
		{Phase: "micro_targeted_repair", Outcome: types.LearningOutcomeStalled},
		{Phase: "micro_targeted_repair", Outcome: types.LearningOutcomeSuccess},
	}
	results := EvaluateGates(events, thresholds)
	if !findGate(results, GateMicroStallSpiral).Triggered {
		t.Fatal("expected 3/4 stalled rate to trip the 0.6 default max")
	}
}

func TestEvaluateDebtPaydownFailure_TripsBelowRate(t *testing.T) {
	thresholds := DefaultThresholds()
	thresholds.DebtMinStubEvents = 2
	thresholds.DebtMinAttempts = 2
	events := []types.LearningEvent{
		{Phase: "import_resolution_recipe", Outcome: types.LearningOutcomeProvisionallyFixed},
		{Phase: "import_resolution_recipe", Outcome: types.LearningOutcomeProvisionallyFixed},
		{Phase: "debt_resolution", Metadata: map[string]any{"debtPaidDown": false}},
		{Phase: "debt_resolution", Metadata: map[string]any{"debtPaidDown": false}},
	}
	results := EvaluateGates(events, thresholds)
	if !findGate(results, GateDebtPaydownFailure).Triggered {
		t.Fatal("expected a 0% paydown rate to trip the gate")
	}
}

func TestEvaluateDebtPaydownFailure_QuietBelowMinimumSamples(t *testing.T) {
	events := []types.LearningEvent{
		{Phase: "import_resolution_recipe", Outcome: types.LearningOutcomeProvisionallyFixed},
		{Phase: "debt_resolution", Metadata: map[string]any{"debtPaidDown": false}},
	}
	results := EvaluateGates(events, DefaultThresholds())
	if findGate(results, GateDebtPaydownFailure).Triggered {
		t.Fatal("expected the gate to stay quiet below the minimum sample thresholds")
	}
}
