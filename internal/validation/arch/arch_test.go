package arch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/deeprun/kernel/internal/types"
)

func writeSrc(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", rel, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestBuild_MissingImportTargetEmitsViolation(t *testing.T) {
	root := t.TempDir()
	writeSrc(t, root, "src/modules/billing/controller/invoice.ts", `import { x } from "./missing";`)

	graph, err := Build(root, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !hasRule(graph.Violations, "IMPORT.MISSING_TARGET") {
		t.Fatalf("expected IMPORT.MISSING_TARGET violation, got %+v", graph.Violations)
	}
}

func TestBuild_ResolvesExistingRelativeImport(t *testing.T) {
	root := t.TempDir()
	writeSrc(t, root, "src/modules/billing/controller/invoice.ts", `import { svc } from "../service/invoice";`)
	writeSrc(t, root, "src/modules/billing/service/invoice.ts", `export const svc = {};`)

	graph, err := Build(root, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if hasRule(graph.Violations, "IMPORT.MISSING_TARGET") {
		t.Fatalf("expected no missing-target violation, got %+v", graph.Violations)
	}
	if len(graph.Edges) != 1 {
		t.Fatalf("expected exactly 1 edge, got %d: %+v", len(graph.Edges), graph.Edges)
	}
}

func TestBuild_LayerMatrixViolationOnRepositoryToController(t *testing.T) {
	root := t.TempDir()
	writeSrc(t, root, "src/modules/billing/repository/invoice.ts", `import { c } from "../controller/invoice";`)
	writeSrc(t, root, "src/modules/billing/controller/invoice.ts", `export const c = {};`)

	graph, err := Build(root, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !hasRule(graph.Violations, "ARCH.LAYER_MATRIX") {
		t.Fatalf("expected ARCH.LAYER_MATRIX violation for repository->controller, got %+v", graph.Violations)
	}
}

func TestBuild_ModuleIsolationViolationOnCrossModuleImport(t *testing.T) {
	root := t.TempDir()
	writeSrc(t, root, "src/modules/billing/service/invoice.ts", `import { s } from "../../shipping/service/label";`)
	writeSrc(t, root, "src/modules/shipping/service/label.ts", `export const s = {};`)

	graph, err := Build(root, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !hasRule(graph.Violations, "ARCH.MODULE_ISOLATION") {
		t.Fatalf("expected ARCH.MODULE_ISOLATION violation, got %+v", graph.Violations)
	}
}

func TestBuild_DetectsAndCanonicalizesCycle(t *testing.T) {
	root := t.TempDir()
	writeSrc(t, root, "src/modules/billing/service/a.ts", `import { b } from "./b";`)
	writeSrc(t, root, "src/modules/billing/service/b.ts", `import { a } from "./a";`)

	graph, err := Build(root, Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(graph.Cycles) != 1 {
		t.Fatalf("expected exactly 1 canonical cycle, got %d: %+v", len(graph.Cycles), graph.Cycles)
	}
	cycle := graph.Cycles[0]
	if cycle[0] != cycle[len(cycle)-1] {
		t.Fatalf("expected cycle to close on its starting node, got %+v", cycle)
	}
	if cycle[0] != "src/modules/billing/service/a.ts" {
		t.Fatalf("expected cycle canonicalized to start at lexicographically smallest node, got %+v", cycle)
	}
}

func TestNormalizeExtraSrcPrefix_StripsDoubledSrcSegment(t *testing.T) {
	got := normalizeExtraSrcPrefix("src/src/modules/billing/service/invoice.ts")
	want := "src/modules/billing/service/invoice.ts"
	if got != want {
		t.Fatalf("normalizeExtraSrcPrefix() = %q, want %q", got, want)
	}
}

func hasRule(violations []types.Violation, ruleID string) bool {
	for _, v := range violations {
		if v.RuleID == ruleID {
			return true
		}
	}
	return false
}
