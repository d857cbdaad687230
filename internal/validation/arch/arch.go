// Package arch builds the import graph over a project's production files
// and checks it against the layer/module architecture contract (spec.md
// §4.4 "C5 Architecture validator"). The pre-commit invariant guard (C7)
// reuses its Layer type but carries its own import resolution and layer
// classification; the heavy validator (C8) does not import this package.
package arch

import (
	"fmt"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/deeprun/kernel/internal/bas"
	"github.com/deeprun/kernel/internal/types"
)

// Layer is one of the recognized module-internal layers, plus the
// project-wide non-module directories the contract also classifies.
type Layer string

const (
	LayerController Layer = "controller"
	LayerService    Layer = "service"
	LayerRepository Layer = "repository"
	LayerSchema     Layer = "schema"
	LayerDTO        Layer = "dto"
	LayerEntity     Layer = "entity"
	LayerMiddleware Layer = "middleware"
	LayerTests      Layer = "tests"
	LayerDB         Layer = "db"
	LayerConfig     Layer = "config"
	LayerErrors     Layer = "errors"
	LayerUnknown    Layer = ""
)

// sourceExtensions are tried, in order, when resolving a local import
// specifier that omits its extension.
var sourceExtensions = []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs"}

// indexNames are tried when a resolved target is a directory.
var indexNames = []string{"index.ts", "index.tsx", "index.js", "index.jsx", "index.mjs", "index.cjs"}

var importSpecifierRe = regexp.MustCompile(`(?:import\s+(?:[^'"]*?\s+from\s+)?|export\s+(?:[^'"]*?\s+from\s+)?|require\()\s*['"]([^'"]+)['"]`)

var moduleLayerRe = regexp.MustCompile(`^src/modules/([^/]+)/([^/]+)/`)

// defaultLayerMatrix is the allowed-edge set: `from` layer → permitted `to`
// layers. Symmetric to spec.md's sample ("controller → {service, schema,
// dto, entity, errors, config, middleware}").
var defaultLayerMatrix = map[Layer]map[Layer]bool{
	LayerController: setOf(LayerController, LayerService, LayerSchema, LayerDTO, LayerEntity, LayerErrors, LayerConfig, LayerMiddleware),
	LayerService:    setOf(LayerService, LayerRepository, LayerSchema, LayerDTO, LayerEntity, LayerErrors, LayerConfig, LayerDB),
	LayerRepository: setOf(LayerRepository, LayerSchema, LayerDTO, LayerEntity, LayerDB, LayerErrors, LayerConfig),
	LayerSchema:     setOf(LayerSchema, LayerDTO, LayerEntity, LayerErrors),
	LayerDTO:        setOf(LayerDTO, LayerEntity, LayerErrors),
	LayerEntity:     setOf(LayerEntity, LayerErrors),
	LayerMiddleware: setOf(LayerMiddleware, LayerService, LayerSchema, LayerDTO, LayerEntity, LayerErrors, LayerConfig),
	LayerTests:      setOf(LayerController, LayerService, LayerRepository, LayerSchema, LayerDTO, LayerEntity, LayerMiddleware, LayerErrors, LayerConfig, LayerDB),
}

func setOf(layers ...Layer) map[Layer]bool {
	m := make(map[Layer]bool, len(layers))
	for _, l := range layers {
		m[l] = true
	}
	return m
}

// Options configures the validator's scan and contract.
type Options struct {
	// ForbidNonRelativeImports rejects project imports that are not
	// relative/absolute local paths (alias-like specifiers).
	ForbidNonRelativeImports bool
	// RequireTestsDir, when true, includes files under any "tests" layer
	// directory in the graph; otherwise they are skipped.
	RequireTestsDir bool
}

// skipDirs are never walked into when building the graph.
var skipDirs = map[string]bool{
	"node_modules": true,
	"dist":         true,
	".git":         true,
}

// Build constructs the import graph for the production files under
// projectRoot and evaluates it against the layer matrix and module
// isolation rules.
func Build(projectRoot string, opts Options) (*types.ArchGraph, error) {
	files, err := bas.WalkSorted(projectRoot, func(rel string) bool {
		base := path.Base(rel)
		if skipDirs[base] {
			return true
		}
		if strings.HasPrefix(base, ".") {
			return true
		}
		if !opts.RequireTestsDir && (base == "tests" || base == "__tests__") {
			return true
		}
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("walk project root: %w", err)
	}

	var nodes []types.ArchGraphNode
	nodeSet := make(map[string]types.ArchGraphNode)
	for _, rel := range files {
		if !isSourceFile(rel) {
			continue
		}
		module, layer := classify(rel)
		node := types.ArchGraphNode{Path: rel, Module: module, Layer: string(layer)}
		nodes = append(nodes, node)
		nodeSet[rel] = node
	}

	var edges []types.ArchGraphEdge
	var violations []types.Violation

	for _, node := range nodes {
		absPath := path.Join(projectRoot, node.Path)
		content, readErr := os.ReadFile(absPath)
		if readErr != nil {
			continue
		}
		specifiers := importSpecifierRe.FindAllStringSubmatch(string(content), -1)
		for _, m := range specifiers {
			spec := m[1]
			if !isLocalSpecifier(spec) {
				if opts.ForbidNonRelativeImports {
					violations = append(violations, types.Violation{
						RuleID:   "IMPORT.NON_RELATIVE",
						Severity: types.SeverityError,
						File:     node.Path,
						Target:   spec,
						Message:  fmt.Sprintf("non-relative import %q is not permitted; use a relative or src/-rooted path", spec),
					})
				}
				continue
			}

			target, resolveErr := resolveImport(projectRoot, node.Path, spec)
			if resolveErr != nil {
				violations = append(violations, types.Violation{
					RuleID:   "IMPORT.MISSING_TARGET",
					Severity: types.SeverityError,
					File:     node.Path,
					Target:   spec,
					Message:  fmt.Sprintf("import %q from %s does not resolve to an existing file under src/", spec, node.Path),
				})
				continue
			}

			edges = append(edges, types.ArchGraphEdge{From: node.Path, To: target})

			targetNode, ok := nodeSet[target]
			if !ok {
				continue
			}
			if v := checkLayerMatrix(node, targetNode); v != nil {
				violations = append(violations, *v)
			}
			if v := checkModuleIsolation(node, targetNode); v != nil {
				violations = append(violations, *v)
			}
		}
	}

	if tsconfigHasPathAlias(projectRoot) {
		violations = append(violations, types.Violation{
			RuleID:   "IMPORT.PATH_ALIAS_CONFIG",
			Severity: types.SeverityWarning,
			File:     "tsconfig.json",
			Message:  "tsconfig baseUrl/paths alias configuration detected; prefer relative imports for resolvability",
		})
	}

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Path < nodes[j].Path })

	cycles := detectCycles(nodes, edges)

	sort.Slice(violations, func(i, j int) bool {
		a, b := violations[i], violations[j]
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		if a.Severity != b.Severity {
			return a.Severity < b.Severity
		}
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Message < b.Message
	})

	return &types.ArchGraph{
		Nodes:      nodes,
		Edges:      edges,
		Cycles:     cycles,
		Violations: violations,
	}, nil
}

func isSourceFile(rel string) bool {
	for _, ext := range sourceExtensions {
		if strings.HasSuffix(rel, ext) {
			return true
		}
	}
	return false
}

func isLocalSpecifier(spec string) bool {
	return strings.HasPrefix(spec, "./") || strings.HasPrefix(spec, "../") || strings.HasPrefix(spec, "/") || strings.HasPrefix(spec, "src/")
}

// classify derives a node's module and layer from its path, per spec.md
// §4.4: `src/modules/<module>/<layer>/...`, plus the project-wide
// `src/db`, `src/config`, `src/errors`, `src/middleware` directories.
func classify(rel string) (module string, layer Layer) {
	normalized := normalizeExtraSrcPrefix(rel)

	if m := moduleLayerRe.FindStringSubmatch(normalized); m != nil {
		return m[1], Layer(m[2])
	}
	switch {
	case strings.HasPrefix(normalized, "src/db/"):
		return "", LayerDB
	case strings.HasPrefix(normalized, "src/config/"):
		return "", LayerConfig
	case strings.HasPrefix(normalized, "src/errors/"):
		return "", LayerErrors
	case strings.HasPrefix(normalized, "src/middleware/"):
		return "", LayerMiddleware
	}
	return "", LayerUnknown
}

// normalizeExtraSrcPrefix strips a literal doubled "src/src/" prefix
// (Open Question #2 decision, SPEC_FULL.md section E.2: a narrow literal
// strip only, not a general path-normalization pass).
func normalizeExtraSrcPrefix(rel string) string {
	return strings.Replace(rel, "src/src/", "src/", 1)
}

func resolveImport(projectRoot, fromFile, spec string) (string, error) {
	var base string
	if strings.HasPrefix(spec, "src/") {
		base = spec
	} else {
		base = path.Join(path.Dir(fromFile), spec)
	}
	base = normalizeExtraSrcPrefix(base)

	candidates := []string{base}
	for _, ext := range sourceExtensions {
		candidates = append(candidates, base+ext)
	}
	for _, idx := range indexNames {
		candidates = append(candidates, path.Join(base, idx))
	}

	for _, c := range candidates {
		if fileExists(path.Join(projectRoot, c)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("import target not found for %q from %s", spec, fromFile)
}

func fileExists(absPath string) bool {
	info, err := os.Stat(absPath)
	return err == nil && !info.IsDir()
}

func checkLayerMatrix(from, to types.ArchGraphNode) *types.Violation {
	fromLayer := Layer(from.Layer)
	toLayer := Layer(to.Layer)
	if fromLayer == LayerUnknown || toLayer == LayerUnknown {
		return nil
	}
	allowed, known := defaultLayerMatrix[fromLayer]
	if !known || allowed[toLayer] {
		return nil
	}
	return &types.Violation{
		RuleID:   "ARCH.LAYER_MATRIX",
		Severity: types.SeverityError,
		File:     from.Path,
		Target:   to.Path,
		Message:  fmt.Sprintf("layer %q must not import layer %q (%s -> %s)", fromLayer, toLayer, from.Path, to.Path),
	}
}

func checkModuleIsolation(from, to types.ArchGraphNode) *types.Violation {
	if from.Module == "" || to.Module == "" || from.Module == to.Module {
		return nil
	}
	return &types.Violation{
		RuleID:   "ARCH.MODULE_ISOLATION",
		Severity: types.SeverityError,
		File:     from.Path,
		Target:   to.Path,
		Message:  fmt.Sprintf("module %q must not directly import module %q (%s -> %s)", from.Module, to.Module, from.Path, to.Path),
	}
}

// detectCycles runs DFS with three-color marking over the edge list and
// canonicalizes each discovered cycle: rotate to start at its
// lexicographically minimum node, then append that node again to close the
// loop, and deduplicate identical canonical forms.
func detectCycles(nodes []types.ArchGraphNode, edges []types.ArchGraphEdge) [][]string {
	adjacency := make(map[string][]string)
	for _, e := range edges {
		adjacency[e.From] = append(adjacency[e.From], e.To)
	}
	for k := range adjacency {
		sort.Strings(adjacency[k])
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var stack []string
	var rawCycles [][]string

	var visit func(node string)
	visit = func(node string) {
		color[node] = gray
		stack = append(stack, node)
		for _, next := range adjacency[node] {
			switch color[next] {
			case white:
				visit(next)
			case gray:
				idx := indexOf(stack, next)
				if idx >= 0 {
					cycle := append([]string(nil), stack[idx:]...)
					rawCycles = append(rawCycles, cycle)
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[node] = black
	}

	for _, n := range nodes {
		if color[n.Path] == white {
			visit(n.Path)
		}
	}

	seen := make(map[string]bool)
	var out [][]string
	for _, cycle := range rawCycles {
		canon := canonicalizeCycle(cycle)
		key := strings.Join(canon, "\x00")
		if !seen[key] {
			seen[key] = true
			out = append(out, canon)
		}
	}
	sort.Slice(out, func(i, j int) bool { return strings.Join(out[i], ",") < strings.Join(out[j], ",") })
	return out
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

// canonicalizeCycle rotates a cycle so it starts at its lexicographically
// minimum node, then appends the first node again to close the loop.
func canonicalizeCycle(cycle []string) []string {
	if len(cycle) == 0 {
		return cycle
	}
	minIdx := 0
	for i, n := range cycle {
		if n < cycle[minIdx] {
			minIdx = i
		}
	}
	rotated := append(append([]string(nil), cycle[minIdx:]...), cycle[:minIdx]...)
	return append(rotated, rotated[0])
}

func tsconfigHasPathAlias(projectRoot string) bool {
	data, err := os.ReadFile(path.Join(projectRoot, "tsconfig.json"))
	if err != nil {
		return false
	}
	content := string(data)
	return strings.Contains(content, "\"baseUrl\"") || strings.Contains(content, "\"paths\"")
}
