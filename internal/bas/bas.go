// Package bas implements the Behavior-Affecting Surface: the declared
// registry of environment reads and deterministic filesystem walks that the
// kernel's decision paths are allowed to depend on. Any other env read is
// forbidden in strict mode (spec.md §6 "Declared environment surface").
package bas

import (
	"fmt"
	"os"
	"sort"
)

// Classification tags whether an env knob affects the hashed execution
// contract or is purely operational.
type Classification string

const (
	// Contractual knobs feed ExecutionConfig resolution and therefore the
	// execution contract hash.
	Contractual Classification = "CONTRACTUAL"

	// NonContractual knobs affect operational behavior (logging level,
	// worker tuning) but never the contract hash.
	NonContractual Classification = "NON_CONTRACTUAL"
)

// declaration is one registry entry.
type declaration struct {
	key            string
	classification Classification
}

// registry is the fixed set of env vars the kernel may read. Extending it
// requires a code change, not configuration — that is the point.
var registry = map[string]declaration{
	"AGENT_LIGHT_VALIDATION_MODE":       {"AGENT_LIGHT_VALIDATION_MODE", Contractual},
	"AGENT_HEAVY_VALIDATION_MODE":       {"AGENT_HEAVY_VALIDATION_MODE", Contractual},
	"AGENT_HEAVY_INSTALL_DEPS":          {"AGENT_HEAVY_INSTALL_DEPS", Contractual},
	"AGENT_GOAL_MAX_CORRECTIONS":        {"AGENT_GOAL_MAX_CORRECTIONS", Contractual},
	"AGENT_OPTIMIZATION_MAX_CORRECTIONS": {"AGENT_OPTIMIZATION_MAX_CORRECTIONS", Contractual},
	"NODE_ID":                 {"NODE_ID", NonContractual},
	"NODE_ROLE":               {"NODE_ROLE", NonContractual},
	"WORKER_CAPABILITIES":     {"WORKER_CAPABILITIES", NonContractual},
	"WORKER_POLL_MS":          {"WORKER_POLL_MS", NonContractual},
	"WORKER_JOB_LEASE_SECONDS": {"WORKER_JOB_LEASE_SECONDS", NonContractual},
	"V1_DOCKER_BIN":           {"V1_DOCKER_BIN", NonContractual},
	"V1_DOCKER_HEALTH_PATH":   {"V1_DOCKER_HEALTH_PATH", NonContractual},
	"V1_DOCKER_KEEP_IMAGE":    {"V1_DOCKER_KEEP_IMAGE", NonContractual},
	"DEEPRUN_STRICT_BAS":      {"DEEPRUN_STRICT_BAS", NonContractual},
	"DEEPRUN_LOG_LEVEL":       {"DEEPRUN_LOG_LEVEL", NonContractual},
	"DATABASE_URL":            {"DATABASE_URL", NonContractual},
	"REDIS_URL":               {"REDIS_URL", NonContractual},
}

// UndeclaredReadError is returned in strict mode when a key outside the
// registry is requested.
type UndeclaredReadError struct {
	Key string
}

func (e *UndeclaredReadError) Error() string {
	return fmt.Sprintf("bas: undeclared env read %q (strict mode)", e.Key)
}

// Registry reads the declared environment surface. When strict is true,
// Get on a key outside the registry returns an UndeclaredReadError instead
// of silently falling through to os.Getenv.
type Registry struct {
	strict bool
}

// NewRegistry constructs a Registry. strict is normally driven by the
// DEEPRUN_STRICT_BAS non-contractual knob itself, read once at process
// start via StrictFromEnv (the one sanctioned direct os.Getenv call).
func NewRegistry(strict bool) *Registry {
	return &Registry{strict: strict}
}

// StrictFromEnv reads DEEPRUN_STRICT_BAS directly — the sole exemption from
// the declared-registry rule, since it gates whether the rule itself is
// enforced.
func StrictFromEnv() bool {
	v := os.Getenv("DEEPRUN_STRICT_BAS")
	return v == "1" || v == "true"
}

// Get reads one declared env var, returning its classification alongside
// the value so callers can route contractual values into ExecutionConfig
// resolution and keep non-contractual ones out of the hash.
func (r *Registry) Get(key string) (value string, class Classification, err error) {
	decl, ok := registry[key]
	if !ok {
		if r.strict {
			return "", "", &UndeclaredReadError{Key: key}
		}
		return os.Getenv(key), NonContractual, nil
	}
	return os.Getenv(decl.key), decl.classification, nil
}

// Declared returns the sorted list of registry keys, for documentation and
// tests that assert the registry matches spec.md's examples.
func Declared() []string {
	keys := make([]string, 0, len(registry))
	for k := range registry {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
