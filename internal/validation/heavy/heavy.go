// Package heavy runs the subprocess-driven validation pipeline from
// spec.md §4.5 ("C8 Heavy validator"): install, migrate/seed, check/
// build/test, and a boot-and-health-poll, all inside an isolated worktree.
// Subprocess timeout handling follows internal/rpi's exec.CommandContext
// idiom; the boot step additionally manages its own process group so a
// dangling `npm run start` can never outlive the validation pass.
package heavy

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/deeprun/kernel/internal/types"
	"github.com/deeprun/kernel/internal/validation/security"
	"github.com/deeprun/kernel/internal/validation/structural"
)

// Options configures one heavy-validation pass.
type Options struct {
	WorktreePath    string
	InstallDeps     bool
	InstallTimeout  time.Duration
	ScriptTimeout   time.Duration
	HealthPath      string
	BootTimeout     time.Duration
	DatabaseURL     string
}

// DefaultOptions mirrors the full-profile ExecutionConfig defaults.
func DefaultOptions(worktreePath string) Options {
	return Options{
		WorktreePath:   worktreePath,
		InstallTimeout: 3 * time.Minute,
		ScriptTimeout:  2 * time.Minute,
		HealthPath:     "/health",
		BootTimeout:    30 * time.Second,
	}
}

// packageJSON is the minimal subset of package.json's "scripts" block this
// package needs.
type packageJSON struct {
	Scripts map[string]string `json:"scripts"`
}

// Run executes the full heavy-validation pipeline and returns the
// aggregate report.
func Run(ctx context.Context, opts Options) (*types.ValidationReport, error) {
	report := &types.ValidationReport{WorktreePath: opts.WorktreePath}

	light, err := runLight(opts.WorktreePath)
	if err != nil {
		return nil, fmt.Errorf("light validation: %w", err)
	}
	mergeReport(report, light)

	pkg, hasPkg := readPackageJSON(opts.WorktreePath)

	if hasPkg && opts.InstallDeps {
		result := runNPMScriptCommand(ctx, opts.WorktreePath, opts.InstallTimeout, "install", []string{"ci", "--include=dev"})
		report.Checks = append(report.Checks, result)
		if result.Status == types.CheckStatusFail {
			report.BlockingCount++
		}
	}

	if hasPkg && requiresMigration(opts.WorktreePath, pkg) {
		for _, c := range runMigrationChecks(ctx, opts) {
			report.Checks = append(report.Checks, c)
			if c.Status == types.CheckStatusFail {
				report.BlockingCount++
			}
		}
	}

	for _, scriptName := range []string{"check", "build", "test"} {
		if hasPkg && hasScript(pkg, scriptName) {
			result := runNPMScript(ctx, opts.WorktreePath, opts.ScriptTimeout, scriptName)
			report.Checks = append(report.Checks, result)
			if result.Status == types.CheckStatusFail {
				report.BlockingCount++
			}
		} else {
			report.Checks = append(report.Checks, types.CheckResult{ID: scriptName, Status: types.CheckStatusSkip, Message: "no " + scriptName + " script defined"})
		}
	}

	if hasPkg && hasScript(pkg, "start") {
		bootResult := runBootCheck(ctx, opts)
		report.Checks = append(report.Checks, bootResult)
		if bootResult.Status == types.CheckStatusFail {
			report.BlockingCount++
		}
	}

	return report, nil
}

func runLight(projectRoot string) (*types.ValidationReport, error) {
	// Architecture (C5) is evaluated by the caller (the kernel already holds
	// an up-to-date arch.Build result from the post-plan validation step);
	// heavy.Run folds in only the subprocess-free AST/security/structural
	// checks that are cheap enough to re-run inside the worktree.
	secReport, err := security.Scan(projectRoot, security.Options{RequireHelmet: true, RequireCORS: true, RequireRateLimit: true})
	if err != nil {
		return nil, err
	}
	structReport := structural.Check(projectRoot)

	merged := &types.ValidationReport{}
	mergeReport(merged, secReport)
	mergeReport(merged, structReport)
	return merged, nil
}

func mergeReport(dst, src *types.ValidationReport) {
	if src == nil {
		return
	}
	dst.Violations = append(dst.Violations, src.Violations...)
	dst.Checks = append(dst.Checks, src.Checks...)
	dst.BlockingCount += src.BlockingCount
	dst.WarningCount += src.WarningCount
}

func readPackageJSON(root string) (packageJSON, bool) {
	data, err := os.ReadFile(filepath.Join(root, "package.json"))
	if err != nil {
		return packageJSON{}, false
	}
	var pkg packageJSON
	if jsonErr := json.Unmarshal(data, &pkg); jsonErr != nil {
		return packageJSON{}, false
	}
	return pkg, true
}

func hasScript(pkg packageJSON, name string) bool {
	_, ok := pkg.Scripts[name]
	return ok
}

func requiresMigration(root string, pkg packageJSON) bool {
	if _, err := os.Stat(filepath.Join(root, "prisma", "schema.prisma")); err == nil {
		return true
	}
	return hasScript(pkg, "prisma:migrate") || hasScript(pkg, "db:migrate")
}

func runMigrationChecks(ctx context.Context, opts Options) []types.CheckResult {
	migrateScript := "prisma:migrate"
	seedScript := "db:seed"
	pkg, _ := readPackageJSON(opts.WorktreePath)
	if !hasScript(pkg, migrateScript) {
		migrateScript = "db:migrate"
	}
	if !hasScript(pkg, migrateScript) || !hasScript(pkg, seedScript) {
		return []types.CheckResult{
			{ID: "migrate", Status: types.CheckStatusFail, Message: "a Prisma schema or migrate script is present but both migrate and seed scripts are required"},
			{ID: "seed", Status: types.CheckStatusSkip, Message: "skipped: migrate script missing"},
		}
	}

	scopedURL, schemaName := scopedDatabaseURL(opts.DatabaseURL)
	env := []string{"DATABASE_URL=" + scopedURL}

	migrateResult := runNPMScriptWithEnv(ctx, opts.WorktreePath, opts.ScriptTimeout, migrateScript, env)
	migrateResult.Details = map[string]any{"schema": schemaName}

	seedResult := runNPMScriptWithEnv(ctx, opts.WorktreePath, opts.ScriptTimeout, seedScript, env)
	seedResult.Details = map[string]any{"schema": schemaName}

	return []types.CheckResult{migrateResult, seedResult}
}

// scopedDatabaseURL injects a unique schema query parameter into a Postgres
// connection URL so concurrent heavy-validation runs never collide, per
// spec.md §4.5#4 (`schema=deeprun_hv_<sanitized>_<random8>`).
func scopedDatabaseURL(rawURL string) (scoped string, schemaName string) {
	if rawURL == "" {
		return rawURL, ""
	}
	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	schemaName = "deeprun_hv_" + sanitizeForSchema(rawURL) + "_" + hex.EncodeToString(suffix)

	if strings.Contains(rawURL, "?") {
		return rawURL + "&schema=" + schemaName, schemaName
	}
	return rawURL + "?schema=" + schemaName, schemaName
}

var nonAlnumRe = regexp.MustCompile(`[^a-zA-Z0-9]+`)

func sanitizeForSchema(s string) string {
	cleaned := nonAlnumRe.ReplaceAllString(s, "_")
	if len(cleaned) > 16 {
		cleaned = cleaned[:16]
	}
	return strings.ToLower(strings.Trim(cleaned, "_"))
}

func runNPMScript(ctx context.Context, dir string, timeout time.Duration, script string) types.CheckResult {
	return runNPMScriptWithEnv(ctx, dir, timeout, script, nil)
}

func runNPMScriptWithEnv(ctx context.Context, dir string, timeout time.Duration, script string, extraEnv []string) types.CheckResult {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "npm", "run", script)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), extraEnv...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err != nil {
		return types.CheckResult{
			ID:      script,
			Status:  types.CheckStatusFail,
			Message: fmt.Sprintf("npm run %s failed: %v", script, err),
			Details: map[string]any{"output": lastNChars(out.String(), 6000)},
		}
	}
	return types.CheckResult{ID: script, Status: types.CheckStatusPass}
}

func runNPMScriptCommand(ctx context.Context, dir string, timeout time.Duration, id string, args []string) types.CheckResult {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "npm", args...)
	cmd.Dir = dir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err != nil {
		return types.CheckResult{
			ID:      id,
			Status:  types.CheckStatusFail,
			Message: fmt.Sprintf("npm %s failed: %v", strings.Join(args, " "), err),
			Details: map[string]any{"output": lastNChars(out.String(), 6000)},
		}
	}
	return types.CheckResult{ID: id, Status: types.CheckStatusPass}
}

func lastNChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// runBootCheck spawns `npm run start` in its own process group, polls
// /health every 250ms until it returns 200 or the deadline elapses, then
// tears the whole group down with SIGTERM followed by SIGKILL a second
// later if it hasn't exited.
func runBootCheck(ctx context.Context, opts Options) types.CheckResult {
	port, err := freePort()
	if err != nil {
		return types.CheckResult{ID: "boot", Status: types.CheckStatusFail, Message: fmt.Sprintf("allocate free port: %v", err)}
	}

	cctx, cancel := context.WithTimeout(ctx, opts.BootTimeout+5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(cctx, "npm", "run", "start")
	cmd.Dir = opts.WorktreePath
	cmd.Env = append(os.Environ(), fmt.Sprintf("PORT=%d", port), "NODE_ENV=production")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if startErr := cmd.Start(); startErr != nil {
		return types.CheckResult{ID: "boot", Status: types.CheckStatusFail, Message: fmt.Sprintf("start process: %v", startErr)}
	}

	defer terminateProcessGroup(cmd)

	healthPath := opts.HealthPath
	if healthPath == "" {
		healthPath = "/health"
	}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, healthPath)

	deadline := time.Now().Add(opts.BootTimeout)
	client := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		resp, reqErr := client.Get(url)
		if reqErr == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return types.CheckResult{ID: "boot", Status: types.CheckStatusPass, Details: map[string]any{"port": port}}
			}
		}
		time.Sleep(250 * time.Millisecond)
	}

	return types.CheckResult{
		ID:      "boot",
		Status:  types.CheckStatusFail,
		Message: fmt.Sprintf("%s did not return 200 within %s", url, opts.BootTimeout),
		Details: map[string]any{"output": lastNChars(out.String(), 6000)},
	}
}

func terminateProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		<-done
	}
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
