// Package security runs the AST-shaped static checks from spec.md §4.4/C6
// ("Raw-throw, prisma-in-controller, helmet/CORS/rate-limit/env"). It
// operates on whole-file content via regex passes in the same spirit as
// gosec's rule catalogue (hardcoded-credential, raw-SQL, weak-crypto
// patterns): each rule is a small, independently testable function that
// yields zero or more types.Violation entries. No rule checks env
// validation; envValidationRe is declared but not used by any rule.
package security

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/deeprun/kernel/internal/bas"
	"github.com/deeprun/kernel/internal/types"
)

var rawThrowRe = regexp.MustCompile(`\bthrow\s+new\s+Error\s*\(`)

var prismaClientUsageRe = regexp.MustCompile(`\bprisma\.\w+\.(findMany|findUnique|findFirst|create|update|delete|upsert)\s*\(`)

var hardcodedCredentialRe = regexp.MustCompile(`(?i)(password|secret|api[_-]?key|token)\s*[:=]\s*['"][^'"\$][^'"]{5,}['"]`)

var rawSQLConcatRe = regexp.MustCompile(`\$\{[^}]+\}.*\b(SELECT|INSERT|UPDATE|DELETE)\b|\b(SELECT|INSERT|UPDATE|DELETE)\b[^;]*\$\{`)

var weakCryptoRe = regexp.MustCompile(`\b(md5|sha1)\s*\(`)

var helmetUseRe = regexp.MustCompile(`\bhelmet\s*\(`)
var corsUseRe = regexp.MustCompile(`\bcors\s*\(`)
var rateLimitUseRe = regexp.MustCompile(`\brateLimit\s*\(`)
var envValidationRe = regexp.MustCompile(`\bprocess\.env\b`)

// Options toggles which baseline checks are mandatory.
type Options struct {
	RequireHelmet    bool
	RequireCORS      bool
	RequireRateLimit bool
}

// Scan walks projectRoot's TypeScript/JavaScript sources and evaluates the
// per-file AST-shaped rules plus the once-per-project security baseline
// checks.
func Scan(projectRoot string, opts Options) (*types.ValidationReport, error) {
	files, err := bas.WalkSorted(projectRoot, func(rel string) bool {
		return rel == "node_modules" || rel == "dist" || strings.HasPrefix(rel, ".")
	})
	if err != nil {
		return nil, fmt.Errorf("walk project root: %w", err)
	}

	var violations []types.Violation
	var checks []types.CheckResult

	sawHelmet, sawCORS, sawRateLimit := false, false, false

	for _, rel := range files {
		if !isScannable(rel) {
			continue
		}
		content, readErr := os.ReadFile(projectRoot + "/" + rel)
		if readErr != nil {
			continue
		}
		text := string(content)

		violations = append(violations, ruleRawThrow(rel, text)...)
		violations = append(violations, rulePrismaInController(rel, text)...)
		violations = append(violations, ruleHardcodedCredential(rel, text)...)
		violations = append(violations, ruleRawSQLConcat(rel, text)...)
		violations = append(violations, ruleWeakCrypto(rel, text)...)

		if helmetUseRe.MatchString(text) {
			sawHelmet = true
		}
		if corsUseRe.MatchString(text) {
			sawCORS = true
		}
		if rateLimitUseRe.MatchString(text) {
			sawRateLimit = true
		}
	}

	checks = append(checks, baselineCheck("security.helmet", sawHelmet, opts.RequireHelmet, "helmet() is not configured anywhere in the project"))
	checks = append(checks, baselineCheck("security.cors", sawCORS, opts.RequireCORS, "cors() is not configured anywhere in the project"))
	checks = append(checks, baselineCheck("security.rate_limit", sawRateLimit, opts.RequireRateLimit, "no rate-limiting middleware is configured"))

	sort.Slice(violations, func(i, j int) bool {
		a, b := violations[i], violations[j]
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		if a.File != b.File {
			return a.File < b.File
		}
		return a.Message < b.Message
	})

	blocking, warning := 0, 0
	for _, v := range violations {
		if v.Severity == types.SeverityError {
			blocking++
		} else {
			warning++
		}
	}
	for _, c := range checks {
		if c.Status == types.CheckStatusFail {
			blocking++
		}
	}

	return &types.ValidationReport{
		Violations:    violations,
		Checks:        checks,
		BlockingCount: blocking,
		WarningCount:  warning,
	}, nil
}

func baselineCheck(id string, satisfied, required bool, failMessage string) types.CheckResult {
	if satisfied {
		return types.CheckResult{ID: id, Status: types.CheckStatusPass}
	}
	if !required {
		return types.CheckResult{ID: id, Status: types.CheckStatusSkip}
	}
	return types.CheckResult{ID: id, Status: types.CheckStatusFail, Message: failMessage}
}

func isScannable(rel string) bool {
	for _, ext := range []string{".ts", ".tsx", ".js", ".jsx"} {
		if strings.HasSuffix(rel, ext) {
			return true
		}
	}
	return false
}

func ruleRawThrow(rel, text string) []types.Violation {
	if !rawThrowRe.MatchString(text) {
		return nil
	}
	return []types.Violation{{
		RuleID:   "SECURITY.RAW_THROW",
		Severity: types.SeverityError,
		File:     rel,
		Message:  fmt.Sprintf("%s throws a raw Error instead of a typed application error", rel),
	}}
}

func rulePrismaInController(rel, text string) []types.Violation {
	if !strings.Contains(rel, "/controller/") || !prismaClientUsageRe.MatchString(text) {
		return nil
	}
	return []types.Violation{{
		RuleID:   "SECURITY.PRISMA_IN_CONTROLLER",
		Severity: types.SeverityError,
		File:     rel,
		Message:  fmt.Sprintf("%s calls the Prisma client directly from the controller layer; route data access through a repository", rel),
	}}
}

func ruleHardcodedCredential(rel, text string) []types.Violation {
	matches := hardcodedCredentialRe.FindAllString(text, -1)
	if len(matches) == 0 {
		return nil
	}
	var out []types.Violation
	for _, m := range matches {
		out = append(out, types.Violation{
			RuleID:   "SECURITY.HARDCODED_CREDENTIAL",
			Severity: types.SeverityError,
			File:     rel,
			Message:  fmt.Sprintf("%s appears to hardcode a credential: %q", rel, truncate(m, 60)),
		})
	}
	return out
}

func ruleRawSQLConcat(rel, text string) []types.Violation {
	if !rawSQLConcatRe.MatchString(text) {
		return nil
	}
	return []types.Violation{{
		RuleID:   "SECURITY.RAW_SQL_CONCAT",
		Severity: types.SeverityError,
		File:     rel,
		Message:  fmt.Sprintf("%s builds a SQL statement via string interpolation; use a parameterized query", rel),
	}}
}

func ruleWeakCrypto(rel, text string) []types.Violation {
	if !weakCryptoRe.MatchString(text) {
		return nil
	}
	return []types.Violation{{
		RuleID:   "SECURITY.WEAK_CRYPTO",
		Severity: types.SeverityWarning,
		File:     rel,
		Message:  fmt.Sprintf("%s uses a weak hash function (md5/sha1)", rel),
	}}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
