package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestCreateAndCleanup(t *testing.T) {
	repo := initGitRepo(t)
	mgr, err := NewManager(repo)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	head := runGitOutput(t, repo, "rev-parse", "HEAD")
	head = strings.TrimSpace(head)

	h, err := mgr.Create(context.Background(), "run-abc123", head)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, statErr := os.Stat(h.WorktreePath); statErr != nil {
		t.Fatalf("expected worktree dir to exist: %v", statErr)
	}

	current, err := h.CurrentCommit(context.Background(), DefaultTimeout)
	if err != nil {
		t.Fatalf("CurrentCommit: %v", err)
	}
	if current != head {
		t.Fatalf("expected worktree HEAD %q, got %q", head, current)
	}

	if err := mgr.Cleanup(context.Background(), h); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, statErr := os.Stat(h.WorktreePath); !os.IsNotExist(statErr) {
		t.Fatalf("expected worktree dir removed, stat err = %v", statErr)
	}
}

func TestCreateRetriesOnCollision(t *testing.T) {
	repo := initGitRepo(t)
	mgr, err := NewManager(repo)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	head := strings.TrimSpace(runGitOutput(t, repo, "rev-parse", "HEAD"))

	repoBasename := filepath.Base(mgr.RepoRoot)
	collidingPath := filepath.Join(filepath.Dir(mgr.RepoRoot), repoBasename+"-deeprun-run-xyz")
	if err := os.MkdirAll(collidingPath, 0o755); err != nil {
		t.Fatalf("pre-create collision dir: %v", err)
	}
	defer os.RemoveAll(collidingPath)

	h, err := mgr.Create(context.Background(), "run-xyz", head)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if h.WorktreePath == collidingPath {
		t.Fatalf("expected retry to pick a different path than the collision, got %q", h.WorktreePath)
	}
	_ = mgr.Cleanup(context.Background(), h)
}

func TestHardResetAndCleanDiscardsDirtyState(t *testing.T) {
	repo := initGitRepo(t)
	mgr, err := NewManager(repo)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	head := strings.TrimSpace(runGitOutput(t, repo, "rev-parse", "HEAD"))

	h, err := mgr.Create(context.Background(), "run-dirty", head)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer mgr.Cleanup(context.Background(), h)

	dirtyFile := filepath.Join(h.WorktreePath, "scratch.txt")
	if writeErr := os.WriteFile(dirtyFile, []byte("untracked"), 0o644); writeErr != nil {
		t.Fatalf("write dirty file: %v", writeErr)
	}

	if err := h.HardResetAndClean(context.Background(), DefaultTimeout, head); err != nil {
		t.Fatalf("HardResetAndClean: %v", err)
	}
	if _, statErr := os.Stat(dirtyFile); !os.IsNotExist(statErr) {
		t.Fatalf("expected untracked file removed, stat err = %v", statErr)
	}
}

func TestCommitProducesNewSHA(t *testing.T) {
	repo := initGitRepo(t)
	mgr, err := NewManager(repo)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	head := strings.TrimSpace(runGitOutput(t, repo, "rev-parse", "HEAD"))

	h, err := mgr.Create(context.Background(), "run-commit", head)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer mgr.Cleanup(context.Background(), h)

	if writeErr := os.WriteFile(filepath.Join(h.WorktreePath, "new.txt"), []byte("hi"), 0o644); writeErr != nil {
		t.Fatalf("write new file: %v", writeErr)
	}

	sha, err := h.Commit(context.Background(), DefaultTimeout, "agentRunId=run-commit stepIndex=0 stepId=s0 :: add new.txt")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if sha == "" || sha == head {
		t.Fatalf("expected a new commit SHA, got %q (head was %q)", sha, head)
	}

	sha2, err := h.Commit(context.Background(), DefaultTimeout, "noop")
	if err != nil {
		t.Fatalf("second Commit: %v", err)
	}
	if sha2 != "" {
		t.Fatalf("expected empty SHA for no-op commit, got %q", sha2)
	}
}

func TestEnsureAttachedBranchIsNoopWhenAlreadyAttached(t *testing.T) {
	repo := initGitRepo(t)
	mgr, err := NewManager(repo)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	head := strings.TrimSpace(runGitOutput(t, repo, "rev-parse", "HEAD"))

	h, err := mgr.Create(context.Background(), "run-attached", head)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer mgr.Cleanup(context.Background(), h)

	if err := h.EnsureAttachedBranch(context.Background(), DefaultTimeout); err != nil {
		t.Fatalf("EnsureAttachedBranch: %v", err)
	}
	ref := strings.TrimSpace(runGitOutput(t, h.WorktreePath, "symbolic-ref", "-q", "HEAD"))
	if ref != "refs/heads/"+h.Branch {
		t.Fatalf("expected HEAD to remain on %q, got %q", h.Branch, ref)
	}
}

func TestEnsureAttachedBranchHealsDetachedHEAD(t *testing.T) {
	repo := initGitRepo(t)
	mgr, err := NewManager(repo)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	head := strings.TrimSpace(runGitOutput(t, repo, "rev-parse", "HEAD"))

	h, err := mgr.Create(context.Background(), "run-detached", head)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer mgr.Cleanup(context.Background(), h)

	runGit(t, h.WorktreePath, "checkout", "--detach", head)
	// symbolic-ref -q exits 1 on a detached HEAD, so its status is not checked.
	detachedCmd := exec.Command("git", "symbolic-ref", "-q", "HEAD")
	detachedCmd.Dir = h.WorktreePath
	detachedOut, _ := detachedCmd.Output()
	ref := strings.TrimSpace(string(detachedOut))
	if ref != "" {
		t.Fatalf("expected detached HEAD to have no symbolic ref, got %q", ref)
	}

	if err := h.EnsureAttachedBranch(context.Background(), DefaultTimeout); err != nil {
		t.Fatalf("EnsureAttachedBranch: %v", err)
	}

	healedRef := strings.TrimSpace(runGitOutput(t, h.WorktreePath, "symbolic-ref", "-q", "HEAD"))
	if healedRef != "refs/heads/"+h.Branch {
		t.Fatalf("expected HEAD re-attached to %q, got %q", h.Branch, healedRef)
	}
	current := strings.TrimSpace(runGitOutput(t, h.WorktreePath, "rev-parse", "HEAD"))
	if current != head {
		t.Fatalf("expected branch heal to preserve commit %q, got %q", head, current)
	}
}

func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test")

	readme := filepath.Join(dir, "README.md")
	if err := os.WriteFile(readme, []byte("# test\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", "README.md")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func runGit(t *testing.T, cwd string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = cwd
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, string(out))
	}
}

func runGitOutput(t *testing.T, cwd string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = cwd
	out, err := cmd.Output()
	if err != nil {
		t.Fatalf("git %s output failed: %v", strings.Join(args, " "), err)
	}
	return string(out)
}
