package kernel

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/deeprun/kernel/internal/bas"
	"github.com/deeprun/kernel/internal/executor"
	"github.com/deeprun/kernel/internal/types"
)

// worktreeFileLister implements executor.FileLister over one worktree,
// reusing the same sorted-walk idiom the architecture/security scanners
// use (internal/bas.WalkSorted) rather than a bespoke directory read.
type worktreeFileLister struct {
	root string
}

func (l *worktreeFileLister) ListFiles(_ context.Context, dir string) ([]string, error) {
	base := l.root
	if dir != "" {
		base = l.root + "/" + dir
	}
	files, err := bas.WalkSorted(base, func(rel string) bool {
		return rel == "node_modules" || rel == "dist" || rel == ".git"
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// previewRuntimeChecker implements executor.RuntimeChecker by booting the
// project's start script in its own process group and polling a health
// path, mirroring internal/validation/heavy's boot check but scoped down
// to the single pass/fail signal a run_preview_container step needs — the
// full subprocess matrix (install/migrate/build/test) belongs to heavy
// validation, not to a mid-plan verify step.
type previewRuntimeChecker struct {
	worktreePath string
	healthPath   string
	bootTimeout  time.Duration
}

func newPreviewRuntimeChecker(worktreePath string) *previewRuntimeChecker {
	return &previewRuntimeChecker{
		worktreePath: worktreePath,
		healthPath:   "/health",
		bootTimeout:  30 * time.Second,
	}
}

// CheckPreview boots `npm run start` against a free port, polls
// healthPath, and reports the outcome plus the process's combined output
// as RuntimeResult.Logs for the failure classifier (C10) to parse.
func (c *previewRuntimeChecker) CheckPreview(ctx context.Context, _ types.AgentStep) (executor.RuntimeResult, error) {
	port, err := freePort()
	if err != nil {
		return executor.RuntimeResult{}, fmt.Errorf("allocate preview port: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, c.bootTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "npm", "run", "start")
	cmd.Dir = c.worktreePath
	cmd.Env = append(cmd.Env, fmt.Sprintf("PORT=%d", port), "NODE_ENV=production")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var out logBuffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Start(); err != nil {
		return executor.RuntimeResult{Status: "failed", Logs: err.Error()}, nil
	}
	defer terminateProcessGroup(cmd)

	healthy := pollHealth(ctx, fmt.Sprintf("http://127.0.0.1:%d%s", port, c.healthPath), c.bootTimeout)
	if !healthy {
		return executor.RuntimeResult{Status: "failed", Logs: out.String()}, nil
	}
	return executor.RuntimeResult{Status: "passed", Logs: out.String()}, nil
}

// logBuffer is a mutex-guarded []byte accumulator: exec's copy goroutine
// writes to it while CheckPreview reads it with the process still running.
type logBuffer struct {
	mu   sync.Mutex
	data []byte
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.data)
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func pollHealth(ctx context.Context, url string, deadline time.Duration) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return true
			}
		}
		select {
		case <-cctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func terminateProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)
	time.Sleep(1 * time.Second)
	_ = syscall.Kill(pgid, syscall.SIGKILL)
}
