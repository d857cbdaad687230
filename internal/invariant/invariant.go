// Package invariant implements the pre-commit invariant guard (spec.md
// §4.3 "C7 Pre-commit invariant guard"): a fast, staged-changes-only check
// that runs before a step's FileSession.applyStepChanges, so a violating
// mutation never reaches disk. It shares the Layer type with the
// architecture validator (C5) and applies the same path rules through its
// own import resolution and layer classification, but never re-scans
// the filesystem — it reads the same in-memory staged set the FileSession
// already holds (spec.md §4.13: "no filesystem re-scan after staging").
package invariant

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/deeprun/kernel/internal/types"
	"github.com/deeprun/kernel/internal/validation/arch"
)

// Result is the guard's output for one step: spec.md's
// `{ok, blockingCount, violations[], summary}`.
type Result struct {
	Ok            bool
	BlockingCount int
	Violations    []types.Violation
	Summary       string
}

var importSpecifierRe = regexp.MustCompile(`(?:import\s+(?:[^'"]*?\s+from\s+)?|export\s+(?:[^'"]*?\s+from\s+)?|require\()\s*['"]([^'"]+)['"]`)

var malformedJSSuffixRe = regexp.MustCompile(`from\s+['"][^'"]+\.js['"]`)

var vitestImportRe = regexp.MustCompile(`from\s+['"]vitest['"]`)

// Check runs every rule against the active step's staged changes. existing
// resolves whether a non-staged local import target exists on disk (the
// FileSession's underlying project root), so the guard can tell a
// genuinely missing target apart from one the same step also creates.
func Check(projectRoot string, staged []types.StagedFileChange, existing func(relPath string) bool) Result {
	var violations []types.Violation

	stagedPaths := make(map[string]types.ChangeType, len(staged))
	for _, s := range staged {
		stagedPaths[s.Path] = s.Type
	}

	for _, change := range staged {
		if change.Type == types.ChangeTypeDelete {
			continue
		}
		violations = append(violations, checkMalformedSpecifiers(change)...)
		violations = append(violations, checkImportTargets(change, stagedPaths, existing)...)
		violations = append(violations, checkAbsoluteOutsideSrc(change)...)
		violations = append(violations, checkTestsImportFramework(change)...)
	}

	violations = append(violations, checkLayerRules(staged)...)

	sort.Slice(violations, func(i, j int) bool {
		a, b := violations[i], violations[j]
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Message < b.Message
	})
	violations = dedupe(violations)

	blocking := 0
	for _, v := range violations {
		if v.Severity == types.SeverityError {
			blocking++
		}
	}

	summary := ""
	if len(violations) > 0 {
		summary = violations[0].Message
	}

	return Result{
		Ok:            blocking == 0,
		BlockingCount: blocking,
		Violations:    violations,
		Summary:       summary,
	}
}

func checkMalformedSpecifiers(change types.StagedFileChange) []types.Violation {
	var out []types.Violation
	matches := importSpecifierRe.FindAllStringSubmatch(change.NewContent, -1)
	for _, m := range matches {
		spec := m[1]
		if spec == "" || strings.Contains(spec, "//") || strings.HasSuffix(spec, "/") {
			out = append(out, types.Violation{
				RuleID:   "INVARIANT.IMPORT_MALFORMED_SPECIFIER",
				Severity: types.SeverityError,
				File:     change.Path,
				Target:   spec,
				Message:  fmt.Sprintf("malformed import specifier %q in %s", spec, change.Path),
			})
		}
	}
	if malformedJSSuffixRe.MatchString(change.NewContent) {
		out = append(out, types.Violation{
			RuleID:   "INVARIANT.IMPORT_MALFORMED_JS_SUFFIX",
			Severity: types.SeverityError,
			File:     change.Path,
			Message:  fmt.Sprintf("%s imports a local module with an explicit .js suffix; import the .ts source instead", change.Path),
		})
	}
	return out
}

var candidateExtensions = []string{"", ".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs"}

func checkImportTargets(change types.StagedFileChange, staged map[string]types.ChangeType, existing func(string) bool) []types.Violation {
	var out []types.Violation
	matches := importSpecifierRe.FindAllStringSubmatch(change.NewContent, -1)
	for _, m := range matches {
		spec := m[1]
		if !strings.HasPrefix(spec, "./") && !strings.HasPrefix(spec, "../") && !strings.HasPrefix(spec, "src/") {
			continue
		}
		target := resolveRelative(change.Path, spec)
		if resolvesAgainstStagedOrDisk(target, staged, existing) {
			continue
		}
		out = append(out, types.Violation{
			RuleID:   "INVARIANT.IMPORT_MISSING_TARGET",
			Severity: types.SeverityError,
			File:     change.Path,
			Target:   spec,
			Message:  missingTargetMessage(change.Path, spec, target),
		})
	}
	return out
}

func resolvesAgainstStagedOrDisk(target string, staged map[string]types.ChangeType, existing func(string) bool) bool {
	for _, ext := range candidateExtensions {
		candidate := target + ext
		if t, ok := staged[candidate]; ok && t != types.ChangeTypeDelete {
			return true
		}
		if existing != nil && existing(candidate) {
			return true
		}
	}
	return false
}

// missingTargetMessage tailors its guidance per spec.md §4.3: suggest
// stripping an extra "src/" segment, warn against inventing
// "src/db/<domain>" files, and point at the module-local dto/schema
// directories when the target looks module-scoped.
func missingTargetMessage(fromFile, spec, target string) string {
	if strings.Contains(spec, "src/src/") {
		return fmt.Sprintf("import %q from %s does not resolve; remove the extra \"src/\" segment (did you mean %q?)", spec, fromFile, strings.Replace(spec, "src/src/", "src/", 1))
	}
	if strings.HasPrefix(target, "src/db/") {
		return fmt.Sprintf("import %q from %s does not resolve; avoid inventing new files under src/db/<domain> — check for an existing schema or repository module instead", spec, fromFile)
	}
	if strings.Contains(target, "/dto/") || strings.Contains(target, "/schema/") {
		return fmt.Sprintf("import %q from %s does not resolve; this module may be missing its dto/ or schema/ directory", spec, fromFile)
	}
	return fmt.Sprintf("import %q from %s does not resolve to an existing (or concurrently staged) file", spec, fromFile)
}

func checkAbsoluteOutsideSrc(change types.StagedFileChange) []types.Violation {
	matches := importSpecifierRe.FindAllStringSubmatch(change.NewContent, -1)
	var out []types.Violation
	for _, m := range matches {
		spec := m[1]
		if strings.HasPrefix(spec, "/") && !strings.HasPrefix(spec, "/src/") {
			out = append(out, types.Violation{
				RuleID:   "INVARIANT.IMPORT_ABSOLUTE_OUTSIDE_SRC",
				Severity: types.SeverityError,
				File:     change.Path,
				Target:   spec,
				Message:  fmt.Sprintf("absolute import %q in %s is not rooted under src/", spec, change.Path),
			})
		}
	}
	return out
}

func checkTestsImportFramework(change types.StagedFileChange) []types.Violation {
	if !strings.Contains(change.Path, "/tests/") && !strings.HasPrefix(change.Path, "tests/") {
		return nil
	}
	if vitestImportRe.MatchString(change.NewContent) {
		return nil
	}
	return []types.Violation{{
		RuleID:   "INVARIANT.TEST_MISSING_VITEST_IMPORT",
		Severity: types.SeverityError,
		File:     change.Path,
		Message:  fmt.Sprintf("%s is under tests/ but does not import the vitest test framework", change.Path),
	}}
}

// checkLayerRules applies the named layer-pair invariants from spec.md
// §4.3 directly to the staged set's own import specifiers, independent of
// the broader architecture graph (C5), which only runs post-stage.
func checkLayerRules(staged []types.StagedFileChange) []types.Violation {
	var out []types.Violation
	for _, change := range staged {
		if change.Type == types.ChangeTypeDelete {
			continue
		}
		fromModule, fromLayer := classifyPath(change.Path)
		if fromLayer == "" {
			continue
		}
		matches := importSpecifierRe.FindAllStringSubmatch(change.NewContent, -1)
		for _, m := range matches {
			spec := m[1]
			if !strings.HasPrefix(spec, "./") && !strings.HasPrefix(spec, "../") && !strings.HasPrefix(spec, "src/") {
				continue
			}
			target := resolveRelative(change.Path, spec)
			toModule, toLayer := classifyPath(target)
			if toLayer == "" {
				continue
			}
			if ruleID := namedLayerViolation(fromLayer, toLayer, fromModule, toModule); ruleID != "" {
				out = append(out, types.Violation{
					RuleID:   ruleID,
					Severity: types.SeverityError,
					File:     change.Path,
					Target:   target,
					Message:  fmt.Sprintf("%s: %s (%s) must not import %s (%s)", ruleID, change.Path, fromLayer, target, toLayer),
				})
			}
		}
	}
	return out
}

// namedLayerViolation maps a from/to layer pair (and module relation) onto
// the spec's named INVARIANT.LAYER_* / cross-module rule IDs.
func namedLayerViolation(fromLayer, toLayer arch.Layer, fromModule, toModule string) string {
	switch {
	case fromLayer == arch.LayerRepository && toLayer == arch.LayerService:
		return "INVARIANT.LAYER_REPOSITORY_TO_SERVICE"
	case fromLayer == arch.LayerDB && toLayer == arch.LayerService:
		return "INVARIANT.LAYER_DB_TO_SERVICE"
	case fromLayer == arch.LayerController && toLayer == arch.LayerDB:
		return "INVARIANT.LAYER_CONTROLLER_TO_DB"
	case fromLayer == arch.LayerDB && fromModule == "" && toModule != "":
		return "INVARIANT.LAYER_DB_TO_MODULE"
	case fromLayer == arch.LayerService && toLayer == arch.LayerService && fromModule != toModule && fromModule != "" && toModule != "":
		return "INVARIANT.LAYER_SERVICE_TO_SERVICE_CROSS_MODULE"
	case fromLayer == arch.LayerController && toLayer == arch.LayerService && fromModule != toModule && fromModule != "" && toModule != "":
		return "INVARIANT.CROSS_MODULE_DIRECT_SERVICE_IMPORT"
	default:
		return ""
	}
}

var moduleLayerRe = regexp.MustCompile(`^src/modules/([^/]+)/([^/]+)/`)

func classifyPath(rel string) (module string, layer arch.Layer) {
	if m := moduleLayerRe.FindStringSubmatch(rel); m != nil {
		return m[1], arch.Layer(m[2])
	}
	switch {
	case strings.HasPrefix(rel, "src/db/"):
		return "", arch.LayerDB
	case strings.HasPrefix(rel, "src/config/"):
		return "", arch.LayerConfig
	case strings.HasPrefix(rel, "src/errors/"):
		return "", arch.LayerErrors
	case strings.HasPrefix(rel, "src/middleware/"):
		return "", arch.LayerMiddleware
	}
	return "", ""
}

func resolveRelative(fromFile, spec string) string {
	if strings.HasPrefix(spec, "src/") {
		return path.Clean(spec)
	}
	return path.Clean(path.Join(path.Dir(fromFile), spec))
}

func dedupe(violations []types.Violation) []types.Violation {
	seen := make(map[string]bool, len(violations))
	out := make([]types.Violation, 0, len(violations))
	for _, v := range violations {
		key := strings.Join([]string{v.RuleID, v.File, v.Target, v.Message}, "\x00")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}
