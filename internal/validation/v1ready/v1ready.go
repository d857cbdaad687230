// Package v1ready implements C9 V1-readiness: heavy validation (C8) plus a
// full Docker build/boot/health/teardown cycle, all inside an isolated
// worktree. It is the final gate before a run's governance decision can be
// PASS (spec.md §4.6).
package v1ready

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/deeprun/kernel/internal/types"
	"github.com/deeprun/kernel/internal/validation/heavy"
)

// Options configures one V1-readiness pass.
type Options struct {
	Heavy        heavy.Options
	HealthPath   string
	BuildTimeout time.Duration
	BootTimeout  time.Duration
	KeepImage    bool // mirrors V1_DOCKER_KEEP_IMAGE=true
}

// DefaultOptions fills in spec.md's default timeouts.
func DefaultOptions(worktreePath string) Options {
	return Options{
		Heavy:        heavy.DefaultOptions(worktreePath),
		HealthPath:   "/health",
		BuildTimeout: 5 * time.Minute,
		BootTimeout:  30 * time.Second,
	}
}

// Run executes heavy validation followed by the Docker build/boot/health
// cycle. The verdict is YES iff every check, heavy and docker alike,
// passes.
func Run(ctx context.Context, opts Options) (*types.ValidationReport, bool, error) {
	report, err := heavy.Run(ctx, opts.Heavy)
	if err != nil {
		return nil, false, fmt.Errorf("heavy validation: %w", err)
	}
	if !report.Ok() {
		return report, false, nil
	}

	worktreePath := opts.Heavy.WorktreePath

	dockerCheck := checkDockerAvailable(ctx)
	report.Checks = append(report.Checks, dockerCheck)
	if dockerCheck.Status == types.CheckStatusFail {
		report.BlockingCount++
		return report, false, nil
	}

	dockerfileCheck := checkDockerfilePresent(worktreePath)
	report.Checks = append(report.Checks, dockerfileCheck)
	if dockerfileCheck.Status == types.CheckStatusFail {
		report.BlockingCount++
		return report, false, nil
	}

	tag := imageTag()
	buildCheck := buildImage(ctx, worktreePath, tag, opts.BuildTimeout)
	report.Checks = append(report.Checks, buildCheck)
	if buildCheck.Status == types.CheckStatusFail {
		report.BlockingCount++
		return report, false, nil
	}
	if !opts.KeepImage {
		defer removeImage(tag)
	}

	containerName, hostPort, bootCheck := runContainer(ctx, tag, opts)
	report.Checks = append(report.Checks, bootCheck)
	if containerName != "" {
		defer teardownContainer(containerName)
	}
	if bootCheck.Status == types.CheckStatusFail {
		report.BlockingCount++
		return report, false, nil
	}
	_ = hostPort

	return report, report.Ok(), nil
}

func checkDockerAvailable(ctx context.Context) types.CheckResult {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := exec.CommandContext(cctx, "docker", "version").Run(); err != nil {
		return types.CheckResult{ID: "docker.available", Status: types.CheckStatusFail, Message: fmt.Sprintf("docker CLI unavailable: %v", err)}
	}
	return types.CheckResult{ID: "docker.available", Status: types.CheckStatusPass}
}

func checkDockerfilePresent(worktreePath string) types.CheckResult {
	if _, err := os.Stat(filepath.Join(worktreePath, "Dockerfile")); err != nil {
		return types.CheckResult{ID: "docker.dockerfile", Status: types.CheckStatusFail, Message: "Dockerfile is required for V1 readiness"}
	}
	return types.CheckResult{ID: "docker.dockerfile", Status: types.CheckStatusPass}
}

func imageTag() string {
	suffix := make([]byte, 6)
	_, _ = rand.Read(suffix)
	return "deeprun-v1ready:" + hex.EncodeToString(suffix)
}

func buildImage(ctx context.Context, worktreePath, tag string, timeout time.Duration) types.CheckResult {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "docker", "build", "-t", tag, ".")
	cmd.Dir = worktreePath

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return types.CheckResult{
			ID:      "docker.build",
			Status:  types.CheckStatusFail,
			Message: fmt.Sprintf("docker build failed: %v", err),
			Details: map[string]any{"output": lastNChars(out.String(), 6000)},
		}
	}
	return types.CheckResult{ID: "docker.build", Status: types.CheckStatusPass, Details: map[string]any{"tag": tag}}
}

func removeImage(tag string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, "docker", "rmi", "-f", tag).Run()
}

func runContainer(ctx context.Context, tag string, opts Options) (containerName string, hostPort int, result types.CheckResult) {
	hostPort, err := freePort()
	if err != nil {
		return "", 0, types.CheckResult{ID: "docker.boot", Status: types.CheckStatusFail, Message: fmt.Sprintf("allocate host port: %v", err)}
	}

	suffix := make([]byte, 4)
	_, _ = rand.Read(suffix)
	containerName = "deeprun-v1ready-" + hex.EncodeToString(suffix)

	containerPort := 3000
	runCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	runCmd := exec.CommandContext(runCtx, "docker", "run", "-d",
		"--name", containerName,
		"-p", fmt.Sprintf("127.0.0.1:%d:%d", hostPort, containerPort),
		"-e", "NODE_ENV=production",
		tag,
	)
	var runOut bytes.Buffer
	runCmd.Stdout = &runOut
	runCmd.Stderr = &runOut
	if err := runCmd.Run(); err != nil {
		return "", hostPort, types.CheckResult{
			ID:      "docker.boot",
			Status:  types.CheckStatusFail,
			Message: fmt.Sprintf("docker run failed: %v", err),
			Details: map[string]any{"output": lastNChars(runOut.String(), 6000)},
		}
	}

	healthPath := opts.HealthPath
	if healthPath == "" {
		healthPath = "/health"
	}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", hostPort, healthPath)

	deadline := time.Now().Add(opts.BootTimeout)
	client := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		if exitCode, running := containerExitCode(containerName); !running {
			return containerName, hostPort, types.CheckResult{
				ID:      "docker.boot",
				Status:  types.CheckStatusFail,
				Message: fmt.Sprintf("container exited early with code %d", exitCode),
				Details: map[string]any{"logs": lastNChars(containerLogs(containerName), 6000)},
			}
		}

		resp, reqErr := client.Get(url)
		if reqErr == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return containerName, hostPort, types.CheckResult{ID: "docker.boot", Status: types.CheckStatusPass, Details: map[string]any{"host_port": hostPort}}
			}
		}
		time.Sleep(250 * time.Millisecond)
	}

	return containerName, hostPort, types.CheckResult{
		ID:      "docker.boot",
		Status:  types.CheckStatusFail,
		Message: fmt.Sprintf("%s did not return 200 within %s", url, opts.BootTimeout),
		Details: map[string]any{"logs": lastNChars(containerLogs(containerName), 6000)},
	}
}

func containerExitCode(name string) (code int, running bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.Running}}", name).Output()
	if err != nil {
		return -1, false
	}
	if string(bytes.TrimSpace(out)) == "true" {
		return 0, true
	}
	exitOut, _ := exec.CommandContext(ctx, "docker", "inspect", "-f", "{{.State.ExitCode}}", name).Output()
	return parseInt(string(bytes.TrimSpace(exitOut))), false
}

func parseInt(s string) int {
	n := 0
	neg := false
	for i, r := range s {
		if i == 0 && r == '-' {
			neg = true
			continue
		}
		if r < '0' || r > '9' {
			return n
		}
		n = n*10 + int(r-'0')
	}
	if neg {
		return -n
	}
	return n
}

func containerLogs(name string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, _ := exec.CommandContext(ctx, "docker", "logs", name).CombinedOutput()
	return string(out)
}

func teardownContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = exec.CommandContext(ctx, "docker", "rm", "-f", name).Run()
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func lastNChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
