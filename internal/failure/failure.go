// Package failure parses subprocess output from a failed validation check
// into typed failures and classifies the result into a correction intent
// (spec.md §4.7/C10). Parsing is per-source-check: typecheck/build errors
// look nothing like test-runner output, which looks nothing like a Prisma
// migration failure, so each source gets its own small regex-driven parser
// and the results are merged, deduplicated, and capped.
package failure

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/deeprun/kernel/internal/types"
)

const maxFailures = 20

var (
	tsErrorRe       = regexp.MustCompile(`(?m)^(.+?)\((\d+),(\d+)\):\s+error\s+(TS\d+):\s+(.+)$`)
	testFailRe      = regexp.MustCompile(`(?m)^\s*(?:✗|✕|FAIL)\s+(.+)$`)
	testLocationRe  = regexp.MustCompile(`([^\s():]+\.tsx?):(\d+):(\d+)`)
	bootErrorRe     = regexp.MustCompile(`(?m)^Error:\s*(.+)$`)
	bootCodeRe      = regexp.MustCompile(`code:\s*'([^']+)'`)
	prismaCodeRe    = regexp.MustCompile(`\b(P\d{4})\b`)
	installResolveRe = regexp.MustCompile(`\b(ERESOLVE|ENOTFOUND|No matching version[^\n]*)\b`)
)

// Parse extracts TypedFailure entries from one failed check's combined
// stdout/stderr, using the source-specific grammar for checkID.
func Parse(checkID, output string) []types.TypedFailure {
	source := sourceForCheck(checkID)

	var out []types.TypedFailure
	switch source {
	case "typecheck", "build":
		out = parseTSErrors(source, output)
	case "test":
		out = parseTestFailures(source, output)
	case "boot":
		out = parseBootErrors(source, output)
	case "migrate", "seed":
		out = parseMigrationErrors(source, output)
	case "install":
		out = parseInstallErrors(source, output)
	}

	if len(out) == 0 {
		out = []types.TypedFailure{fallback(source, output)}
	}
	return out
}

func sourceForCheck(checkID string) string {
	switch checkID {
	case "check":
		return "typecheck"
	case "build", "test", "boot", "install", "migrate", "seed":
		return checkID
	default:
		return checkID
	}
}

func parseTSErrors(source, output string) []types.TypedFailure {
	var out []types.TypedFailure
	for _, m := range tsErrorRe.FindAllStringSubmatch(output, -1) {
		line, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		out = append(out, types.TypedFailure{
			Source:  source,
			Kind:    "typescript_error",
			Code:    m[4],
			File:    m[1],
			Line:    line,
			Col:     col,
			Message: strings.TrimSpace(m[5]),
		})
	}
	return out
}

func parseTestFailures(source, output string) []types.TypedFailure {
	var out []types.TypedFailure
	matches := testFailRe.FindAllStringSubmatchIndex(output, -1)
	for i, m := range matches {
		msg := strings.TrimSpace(output[m[2]:m[3]])
		tf := types.TypedFailure{Source: source, Kind: "test_failure", Message: msg}
		end := len(output)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		if loc := testLocationRe.FindStringSubmatch(output[m[2]:end]); loc != nil {
			tf.File = loc[1]
			tf.Line, _ = strconv.Atoi(loc[2])
			tf.Col, _ = strconv.Atoi(loc[3])
		}
		out = append(out, tf)
	}
	return out
}

func parseBootErrors(source, output string) []types.TypedFailure {
	var out []types.TypedFailure
	for _, m := range bootErrorRe.FindAllStringSubmatch(output, -1) {
		tf := types.TypedFailure{Source: source, Kind: "boot_error", Message: strings.TrimSpace(m[1])}
		if code := bootCodeRe.FindStringSubmatch(output); code != nil {
			tf.Code = code[1]
		}
		out = append(out, tf)
	}
	return out
}

func parseMigrationErrors(source, output string) []types.TypedFailure {
	var out []types.TypedFailure
	for _, m := range prismaCodeRe.FindAllStringSubmatch(output, -1) {
		out = append(out, types.TypedFailure{
			Source:  source,
			Kind:    "migration_error",
			Code:    m[1],
			Message: migrationLineFor(output, m[1]),
		})
	}
	return out
}

func migrationLineFor(output, code string) string {
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, code) {
			return strings.TrimSpace(line)
		}
	}
	return "migration failed with " + code
}

func parseInstallErrors(source, output string) []types.TypedFailure {
	var out []types.TypedFailure
	for _, m := range installResolveRe.FindAllString(output, -1) {
		out = append(out, types.TypedFailure{Source: source, Kind: "install_error", Message: m})
	}
	return out
}

func fallback(source, output string) types.TypedFailure {
	return types.TypedFailure{
		Source:  source,
		Kind:    "unknown",
		Message: fmt.Sprintf("%s command failed.", source),
		Excerpt: lastNChars(output, 6000),
	}
}

func lastNChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Dedupe collapses failures that share (source|kind|code|file|line|col|
// message) and caps the result at maxFailures, preserving first-seen order.
func Dedupe(failures []types.TypedFailure) []types.TypedFailure {
	seen := make(map[string]bool)
	var out []types.TypedFailure
	for _, f := range failures {
		key := strings.Join([]string{f.Source, f.Kind, f.Code, f.File, strconv.Itoa(f.Line), strconv.Itoa(f.Col), f.Message}, "|")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f)
		if len(out) == maxFailures {
			break
		}
	}
	return out
}

// Classify maps a set of typed failures and the set of failed check ids,
// plus any architecture violations surfaced alongside them, to a
// FailureClassification (spec.md §4.7).
func Classify(failedChecks []string, failures []types.TypedFailure, archViolations []types.Violation) types.FailureClassification {
	kinds := failureKinds(failures)
	intent, rationale := classifyIntent(failedChecks, kinds, archViolations)

	archCollapse := intent == types.FailureIntentArchitectureViolation && len(archModules(archViolations)) > 1

	return types.FailureClassification{
		Intent:               intent,
		Rationale:            rationale,
		FailedChecks:         failedChecks,
		FailureKinds:         kinds,
		ShouldAutoCorrect:    intent != types.FailureIntentUnknown,
		ArchitectureCollapse: archCollapse,
		ArchitectureModules:  archModules(archViolations),
		CorrectionConstraint: buildConstraint(intent, failures, archViolations),
	}
}

func failureKinds(failures []types.TypedFailure) []string {
	seen := make(map[string]bool)
	var kinds []string
	for _, f := range failures {
		if !seen[f.Kind] {
			seen[f.Kind] = true
			kinds = append(kinds, f.Kind)
		}
	}
	sort.Strings(kinds)
	return kinds
}

func classifyIntent(failedChecks, kinds []string, archViolations []types.Violation) (types.FailureIntent, string) {
	has := func(id string) bool {
		for _, c := range failedChecks {
			if c == id {
				return true
			}
		}
		return false
	}
	hasKind := func(k string) bool {
		for _, kk := range kinds {
			if kk == k {
				return true
			}
		}
		return false
	}

	switch {
	case len(archViolations) > 0:
		return types.FailureIntentArchitectureViolation, "architecture or invariant violations present in the staged changes"
	case has("boot") || hasKind("boot_error"):
		return types.FailureIntentRuntimeBoot, "the application failed to start"
	case has("docker.boot"):
		return types.FailureIntentRuntimeHealth, "the container booted but never reported healthy"
	case has("check") || has("build") || hasKind("typescript_error"):
		return types.FailureIntentTypeScriptCompile, "type-checking or build failed"
	case has("test") || hasKind("test_failure"):
		return types.FailureIntentTestFailure, "one or more tests failed"
	case has("migrate") || has("seed") || hasKind("migration_error"):
		return types.FailureIntentMigrationFailure, "database migration or seed failed"
	case hasKind("unknown") && len(kinds) == 1:
		return types.FailureIntentUnknown, "failure could not be classified from the available output"
	default:
		return types.FailureIntentUnknown, "no recognized failure signature was found"
	}
}

func archModules(violations []types.Violation) []string {
	seen := make(map[string]bool)
	var modules []string
	for _, v := range violations {
		m := moduleFromPath(v.File)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		modules = append(modules, m)
	}
	sort.Strings(modules)
	return modules
}

var moduleSegmentRe = regexp.MustCompile(`src/modules/([^/]+)/`)

func moduleFromPath(p string) string {
	m := moduleSegmentRe.FindStringSubmatch(p)
	if m == nil {
		return ""
	}
	return m[1]
}

// canonicalLayerDirs are the subdirectories buildConstraint opens up for
// every implicated module once an architecture_violation intent fires.
var canonicalLayerDirs = []string{"controller", "dto", "repository", "schema", "service", "tests"}

func buildConstraint(intent types.FailureIntent, failures []types.TypedFailure, archViolations []types.Violation) types.CorrectionConstraint {
	constraint := types.CorrectionConstraint{
		Intent:            intent,
		MaxFiles:          5,
		MaxTotalDiffBytes: 64 * 1024,
	}

	prefixSet := make(map[string]bool)

	for _, m := range archModules(archViolations) {
		for _, layer := range canonicalLayerDirs {
			prefixSet[fmt.Sprintf("src/modules/%s/%s/", m, layer)] = true
		}
	}
	for _, v := range archViolations {
		if p := stripWorktreePrefix(v.File); p != "" {
			prefixSet[dirPrefix(p)] = true
		}
		if p := stripWorktreePrefix(v.Target); p != "" {
			prefixSet[dirPrefix(p)] = true
		}
	}
	for _, f := range failures {
		if p := stripWorktreePrefix(f.File); p != "" {
			prefixSet[dirPrefix(p)] = true
		}
	}

	var prefixes []string
	for p := range prefixSet {
		if p != "" {
			prefixes = append(prefixes, p)
		}
	}
	sort.Strings(prefixes)
	constraint.AllowedPathPrefixes = prefixes

	switch intent {
	case types.FailureIntentMigrationFailure:
		constraint.Guidance = []string{"inspect prisma/schema.prisma and the latest migration before editing application code"}
	case types.FailureIntentRuntimeBoot:
		constraint.Guidance = []string{"check src/index.ts and the boot sequence; confirm required env vars are validated before use"}
	}

	return constraint
}

// stripWorktreePrefix removes a worktree- or temp-dir-scoped absolute
// prefix from a failure/violation path, leaving only the project-relative
// portion starting at "src/".
func stripWorktreePrefix(p string) string {
	if p == "" {
		return ""
	}
	if idx := strings.Index(p, "src/"); idx >= 0 {
		return p[idx:]
	}
	return ""
}

func dirPrefix(relPath string) string {
	idx := strings.LastIndex(relPath, "/")
	if idx < 0 {
		return ""
	}
	return relPath[:idx+1]
}
