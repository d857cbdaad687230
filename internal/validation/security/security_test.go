package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/deeprun/kernel/internal/types"
)

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestScan_FlagsRawThrow(t *testing.T) {
	root := t.TempDir()
	write(t, root, "src/modules/billing/service/invoice.ts", `function f() { throw new Error("boom"); }`)

	report, err := Scan(root, Options{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !hasRule(report.Violations, "SECURITY.RAW_THROW") {
		t.Fatalf("expected SECURITY.RAW_THROW, got %+v", report.Violations)
	}
}

func TestScan_FlagsPrismaInController(t *testing.T) {
	root := t.TempDir()
	write(t, root, "src/modules/billing/controller/invoice.ts", `const rows = await prisma.invoice.findMany();`)

	report, err := Scan(root, Options{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !hasRule(report.Violations, "SECURITY.PRISMA_IN_CONTROLLER") {
		t.Fatalf("expected SECURITY.PRISMA_IN_CONTROLLER, got %+v", report.Violations)
	}
}

func TestScan_DoesNotFlagPrismaInRepository(t *testing.T) {
	root := t.TempDir()
	write(t, root, "src/modules/billing/repository/invoice.ts", `const rows = await prisma.invoice.findMany();`)

	report, err := Scan(root, Options{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if hasRule(report.Violations, "SECURITY.PRISMA_IN_CONTROLLER") {
		t.Fatal("did not expect a violation for prisma usage in the repository layer")
	}
}

func TestScan_FlagsHardcodedCredential(t *testing.T) {
	root := t.TempDir()
	write(t, root, "src/config/env.ts", `const apiKey = "sk-live-abcdef123456";`)

	report, err := Scan(root, Options{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !hasRule(report.Violations, "SECURITY.HARDCODED_CREDENTIAL") {
		t.Fatalf("expected SECURITY.HARDCODED_CREDENTIAL, got %+v", report.Violations)
	}
}

func TestScan_RequireHelmetFailsWhenAbsent(t *testing.T) {
	root := t.TempDir()
	write(t, root, "src/app.ts", `const app = express();`)

	report, err := Scan(root, Options{RequireHelmet: true})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !hasCheckFail(report.Checks, "security.helmet") {
		t.Fatalf("expected security.helmet to fail, got %+v", report.Checks)
	}
	if report.BlockingCount == 0 {
		t.Fatal("expected missing required helmet() to be blocking")
	}
}

func TestScan_HelmetPassesWhenPresent(t *testing.T) {
	root := t.TempDir()
	write(t, root, "src/app.ts", `app.use(helmet());`)

	report, err := Scan(root, Options{RequireHelmet: true})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if !hasCheckPass(report.Checks, "security.helmet") {
		t.Fatalf("expected security.helmet to pass, got %+v", report.Checks)
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

func hasCheckFail(checks []types.CheckResult, id string) bool {
	for _, c := range checks {
		if c.ID == id {
			return c.Status == types.CheckStatusFail
		}
	}
	return false
}

func hasCheckPass(checks []types.CheckResult, id string) bool {
	for _, c := range checks {
		if c.ID == id {
			return c.Status == types.CheckStatusPass
		}
	}
	return false
}
