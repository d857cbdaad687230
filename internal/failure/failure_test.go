package failure

import (
	"testing"

	"github.com/deeprun/kernel/internal/types"
)

func TestParse_TypeScriptBuildError(t *testing.T) {
	output := "src/modules/billing/service/invoice.ts(42,7): error TS2345: Argument of type 'string' is not assignable to parameter of type 'number'."
	failures := Parse("build", output)
	if len(failures) != 1 {
		t.Fatalf("expected 1 failure, got %+v", failures)
	}
	f := failures[0]
	if f.Code != "TS2345" || f.Line != 42 || f.Col != 7 {
		t.Fatalf("unexpected parse result: %+v", f)
	}
	if f.File != "src/modules/billing/service/invoice.ts" {
		t.Fatalf("unexpected file: %q", f.File)
	}
}

func TestParse_TestFailureWithLocation(t *testing.T) {
	output := "✗ creates an invoice\n  at src/modules/billing/service/invoice.test.ts:15:3"
	failures := Parse("test", output)
	if len(failures) != 1 {
		t.Fatalf("expected 1 failure, got %+v", failures)
	}
	if failures[0].File != "src/modules/billing/service/invoice.test.ts" || failures[0].Line != 15 {
		t.Fatalf("unexpected parse result: %+v", failures[0])
	}
}

func TestParse_BootErrorCapturesCode(t *testing.T) {
	output := "Error: listen EADDRINUSE: address already in use :::3000\n    code: 'EADDRINUSE'"
	failures := Parse("boot", output)
	if len(failures) != 1 {
		t.Fatalf("expected 1 failure, got %+v", failures)
	}
	if failures[0].Code != "EADDRINUSE" {
		t.Fatalf("expected code EADDRINUSE, got %+v", failures[0])
	}
}

func TestParse_MigrationPrismaCode(t *testing.T) {
	output := "Error: P2021\nThe table `main.User` does not exist in the current database."
	failures := Parse("migrate", output)
	if len(failures) != 1 || failures[0].Code != "P2021" {
		t.Fatalf("unexpected parse result: %+v", failures)
	}
}

func TestParse_InstallResolveError(t *testing.T) {
	output := "npm ERR! code ERESOLVE\nnpm ERR! ERESOLVE unable to resolve dependency tree"
	failures := Parse("install", output)
	if len(failures) == 0 || failures[0].Kind != "install_error" {
		t.Fatalf("unexpected parse result: %+v", failures)
	}
}

func TestParse_FallsBackToUnknownWithExcerpt(t *testing.T) {
	output := "some unrecognized tool crashed with no structured output"
	failures := Parse("test", output)
	if len(failures) != 1 || failures[0].Kind != "unknown" {
		t.Fatalf("expected a single unknown failure, got %+v", failures)
	}
	if failures[0].Excerpt == "" {
		t.Fatal("expected a captured excerpt")
	}
}

func TestDedupe_CollapsesIdenticalFailuresAndCapsAtTwenty(t *testing.T) {
	var failures []types.TypedFailure
	for i := 0; i < 30; i++ {
		failures = append(failures, types.TypedFailure{Source: "build", Kind: "typescript_error", Code: "TS2345", File: "a.ts", Line: 1, Col: 1, Message: "same"})
	}
	deduped := Dedupe(failures)
	if len(deduped) != 1 {
		t.Fatalf("expected identical failures to collapse to 1, got %d", len(deduped))
	}

	var distinct []types.TypedFailure
	for i := 0; i < 30; i++ {
		distinct = append(distinct, types.TypedFailure{Source: "build", Kind: "typescript_error", Code: "TS2345", File: "a.ts", Line: i, Col: 1, Message: "distinct"})
	}
	cappedDeduped := Dedupe(distinct)
	if len(cappedDeduped) != maxFailures {
		t.Fatalf("expected cap at %d, got %d", maxFailures, len(cappedDeduped))
	}
}

func TestClassify_ArchitectureViolationTakesPriority(t *testing.T) {
	archViolations := []types.Violation{
		{RuleID: "ARCH.LAYER_MATRIX", File: "src/modules/billing/repository/invoice.ts"},
	}
	failures := Parse("build", "src/modules/billing/service/invoice.ts(1,1): error TS2345: bad")
	classification := Classify([]string{"build"}, failures, archViolations)

	if classification.Intent != types.FailureIntentArchitectureViolation {
		t.Fatalf("expected architecture_violation intent, got %q", classification.Intent)
	}
	if len(classification.ArchitectureModules) != 1 || classification.ArchitectureModules[0] != "billing" {
		t.Fatalf("expected billing module, got %+v", classification.ArchitectureModules)
	}
}

func TestClassify_TypeScriptCompileIntent(t *testing.T) {
	failures := Parse("build", "src/modules/billing/service/invoice.ts(1,1): error TS2345: bad")
	classification := Classify([]string{"build"}, failures, nil)
	if classification.Intent != types.FailureIntentTypeScriptCompile {
		t.Fatalf("expected typescript_compile intent, got %q", classification.Intent)
	}
	if !classification.ShouldAutoCorrect {
		t.Fatal("expected should-auto-correct to be true for a recognized intent")
	}
}

func TestClassify_BuildsAllowedPathPrefixesFromArchModules(t *testing.T) {
	archViolations := []types.Violation{
		{RuleID: "ARCH.MODULE_ISOLATION", File: "src/modules/billing/repository/invoice.ts", Target: "src/modules/payouts/service/payout.ts"},
	}
	classification := Classify([]string{"build"}, nil, archViolations)
	prefixes := classification.CorrectionConstraint.AllowedPathPrefixes

	found := false
	for _, p := range prefixes {
		if p == "src/modules/billing/service/" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected canonical billing service prefix among %+v", prefixes)
	}
}

func TestClassify_UnknownIntentWhenNothingRecognized(t *testing.T) {
	failures := Parse("lint", "a mystery tool exploded")
	classification := Classify([]string{"lint"}, failures, nil)
	if classification.Intent != types.FailureIntentUnknown {
		t.Fatalf("expected unknown intent, got %q", classification.Intent)
	}
	if classification.ShouldAutoCorrect {
		t.Fatal("expected should-auto-correct false for unknown intent")
	}
}
