// Package structural implements C6's required-files and production-config
// structural checks (spec.md §4.4/C6 and §4.5#2): every project must carry
// a fixed set of scaffolding files, and two of them must satisfy specific
// content invariants once in production mode.
package structural

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/deeprun/kernel/internal/types"
)

// RequiredFiles are the canonical scaffolding files spec.md requires to
// exist in every project (structural baseline, independent of any one
// module).
var RequiredFiles = []string{
	"src/config/env.ts",
	"src/errors/errorHandler.ts",
	"src/db/client.ts",
}

var envProductionGuardRe = regexp.MustCompile(`NODE_ENV\s*(===|==)\s*['"]production['"]`)
var stackExposureGuardRe = regexp.MustCompile(`NODE_ENV\s*!==?\s*['"]production['"]`)

// Check verifies every required file exists and, for the two files with a
// content-level contract, that the contract is met.
func Check(projectRoot string) *types.ValidationReport {
	var violations []types.Violation
	var checks []types.CheckResult

	for _, rel := range RequiredFiles {
		abs := filepath.Join(projectRoot, filepath.FromSlash(rel))
		content, err := os.ReadFile(abs)
		if err != nil {
			violations = append(violations, types.Violation{
				RuleID:   "STRUCTURAL.REQUIRED_FILE_MISSING",
				Severity: types.SeverityError,
				File:     rel,
				Message:  fmt.Sprintf("required file %s is missing", rel),
			})
			checks = append(checks, types.CheckResult{ID: "structural." + rel, Status: types.CheckStatusFail, Message: "missing"})
			continue
		}
		checks = append(checks, types.CheckResult{ID: "structural." + rel, Status: types.CheckStatusPass})

		switch rel {
		case "src/config/env.ts":
			if !envProductionGuardRe.Match(content) {
				violations = append(violations, types.Violation{
					RuleID:   "STRUCTURAL.ENV_PRODUCTION_GUARD_MISSING",
					Severity: types.SeverityError,
					File:     rel,
					Message:  fmt.Sprintf("%s must validate NODE_ENV=='production' in its production branch", rel),
				})
			}
		case "src/errors/errorHandler.ts":
			if !stackExposureGuardRe.Match(content) {
				violations = append(violations, types.Violation{
					RuleID:   "STRUCTURAL.STACK_EXPOSURE_UNGUARDED",
					Severity: types.SeverityError,
					File:     rel,
					Message:  fmt.Sprintf("%s must guard stack-trace exposure behind a NODE_ENV !== 'production' check", rel),
				})
			}
		}
	}

	sort.Slice(violations, func(i, j int) bool {
		if violations[i].RuleID != violations[j].RuleID {
			return violations[i].RuleID < violations[j].RuleID
		}
		return violations[i].File < violations[j].File
	})

	blocking := 0
	for _, v := range violations {
		if v.Severity == types.SeverityError {
			blocking++
		}
	}

	return &types.ValidationReport{
		Violations:    violations,
		Checks:        checks,
		BlockingCount: blocking,
	}
}
