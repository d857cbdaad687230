package filesession

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/deeprun/kernel/internal/types"
	"github.com/deeprun/kernel/internal/worktree"
)

func TestStageChange_CreateRejectsExistingTarget(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "exists.txt", "already here")

	s := Create("proj", root, "", nil, Options{})
	if err := s.BeginStep("step-1", 0); err != nil {
		t.Fatalf("BeginStep: %v", err)
	}
	err := s.StageChange(types.ProposedFileChange{
		Path:       "exists.txt",
		Type:       types.ChangeTypeCreate,
		NewContent: "new",
	})
	if !errors.Is(err, ErrTargetExists) {
		t.Fatalf("expected ErrTargetExists, got %v", err)
	}
}

func TestStageChange_UpdateEnforcesOptimisticLock(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "original")

	s := Create("proj", root, "", nil, Options{})
	_ = s.BeginStep("step-1", 0)

	err := s.StageChange(types.ProposedFileChange{
		Path:           "a.txt",
		Type:           types.ChangeTypeUpdate,
		NewContent:     "updated",
		OldContentHash: "deadbeef",
	})
	if !errors.Is(err, ErrOptimisticLock) {
		t.Fatalf("expected ErrOptimisticLock, got %v", err)
	}
}

func TestStageChange_BlocksEnvFilesByDefault(t *testing.T) {
	root := t.TempDir()

	s := Create("proj", root, "", nil, Options{AllowEnvMutation: false})
	_ = s.BeginStep("step-1", 0)

	err := s.StageChange(types.ProposedFileChange{
		Path:       ".env.production",
		Type:       types.ChangeTypeCreate,
		NewContent: "SECRET=1",
	})
	if !errors.Is(err, ErrEnvMutationBlocked) {
		t.Fatalf("expected ErrEnvMutationBlocked, got %v", err)
	}
}

func TestStageChange_RejectsPathEscapingRoot(t *testing.T) {
	root := t.TempDir()
	s := Create("proj", root, "", nil, Options{})
	_ = s.BeginStep("step-1", 0)

	err := s.StageChange(types.ProposedFileChange{
		Path:       "../outside.txt",
		Type:       types.ChangeTypeCreate,
		NewContent: "x",
	})
	if !errors.Is(err, ErrPathEscapesRoot) {
		t.Fatalf("expected ErrPathEscapesRoot, got %v", err)
	}
}

func TestBeginStep_FailsWhileAnotherStepActive(t *testing.T) {
	root := t.TempDir()
	s := Create("proj", root, "", nil, Options{})
	if err := s.BeginStep("step-1", 0); err != nil {
		t.Fatalf("first BeginStep: %v", err)
	}
	if err := s.BeginStep("step-2", 1); !errors.Is(err, ErrStepAlreadyActive) {
		t.Fatalf("expected ErrStepAlreadyActive, got %v", err)
	}
}

func TestValidateStep_EnforcesMaxFilesPerStep(t *testing.T) {
	root := t.TempDir()
	s := Create("proj", root, "", nil, Options{MaxFilesPerStep: 1})
	_ = s.BeginStep("step-1", 0)

	_ = s.StageChange(types.ProposedFileChange{Path: "a.txt", Type: types.ChangeTypeCreate, NewContent: "a"})
	_ = s.StageChange(types.ProposedFileChange{Path: "b.txt", Type: types.ChangeTypeCreate, NewContent: "b"})

	if err := s.ValidateStep(); err == nil {
		t.Fatal("expected ValidateStep to reject exceeding maxFilesPerStep")
	}
}

func TestValidateStep_EnforcesMaxFileBytes(t *testing.T) {
	root := t.TempDir()
	s := Create("proj", root, "", nil, Options{MaxFileBytes: 4})
	_ = s.BeginStep("step-1", 0)
	_ = s.StageChange(types.ProposedFileChange{Path: "big.txt", Type: types.ChangeTypeCreate, NewContent: "too long"})

	if err := s.ValidateStep(); err == nil {
		t.Fatal("expected ValidateStep to reject content exceeding maxFileBytes")
	}
}

func TestApplyStepChanges_NoStagedChangesFails(t *testing.T) {
	root := t.TempDir()
	s := Create("proj", root, "", nil, Options{})
	_ = s.BeginStep("step-1", 0)

	if err := s.ApplyStepChanges(); !errors.Is(err, ErrNoStagedChanges) {
		t.Fatalf("expected ErrNoStagedChanges, got %v", err)
	}
}

func TestApplyStepChanges_WritesAndDeletesAtomically(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "old.txt", "to be deleted")

	s := Create("proj", root, "", nil, Options{})
	_ = s.BeginStep("step-1", 0)
	_ = s.StageChange(types.ProposedFileChange{Path: "new.txt", Type: types.ChangeTypeCreate, NewContent: "fresh"})
	if err := s.StageChange(types.ProposedFileChange{Path: "old.txt", Type: types.ChangeTypeDelete}); err != nil {
		t.Fatalf("stage delete: %v", err)
	}

	if err := s.ApplyStepChanges(); err != nil {
		t.Fatalf("ApplyStepChanges: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "new.txt")); err != nil {
		t.Fatalf("expected new.txt to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "old.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected old.txt to be deleted, stat err = %v", err)
	}
}

func TestApplyStepChanges_RestoresBackupsOnOptimisticLockDrift(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "shared.txt", "v1")

	s := Create("proj", root, "", nil, Options{})
	_ = s.BeginStep("step-1", 0)
	if err := s.StageChange(types.ProposedFileChange{Path: "shared.txt", Type: types.ChangeTypeUpdate, NewContent: "v2"}); err != nil {
		t.Fatalf("stage update: %v", err)
	}

	// Simulate a concurrent external mutation between staging and apply.
	writeFile(t, root, "shared.txt", "externally-changed")

	err := s.ApplyStepChanges()
	if !errors.Is(err, ErrOptimisticLock) {
		t.Fatalf("expected ErrOptimisticLock on drifted hash, got %v", err)
	}

	content, readErr := os.ReadFile(filepath.Join(root, "shared.txt"))
	if readErr != nil {
		t.Fatalf("read shared.txt: %v", readErr)
	}
	if string(content) != "externally-changed" {
		t.Fatalf("expected working tree untouched by the failed apply, got %q", string(content))
	}
}

func TestFullStepLifecycle_StageApplyCommit(t *testing.T) {
	repo := initGitRepo(t)
	mgr, err := worktree.NewManager(repo)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	head := strings.TrimSpace(runGitOutput(t, repo, "rev-parse", "HEAD"))

	handle, err := mgr.Create(context.Background(), "run-session-test", head)
	if err != nil {
		t.Fatalf("Create worktree: %v", err)
	}
	defer mgr.Cleanup(context.Background(), handle)

	s := Create("proj", handle.WorktreePath, head, handle, Options{MaxFilesPerStep: 10, MaxTotalDiffBytes: 10000, MaxFileBytes: 10000})

	if err := s.BeginStep("step-1", 0); err != nil {
		t.Fatalf("BeginStep: %v", err)
	}
	if err := s.StageChange(types.ProposedFileChange{Path: "feature.go", Type: types.ChangeTypeCreate, NewContent: "package feature\n"}); err != nil {
		t.Fatalf("StageChange: %v", err)
	}
	if err := s.ValidateStep(); err != nil {
		t.Fatalf("ValidateStep: %v", err)
	}
	if err := s.ApplyStepChanges(); err != nil {
		t.Fatalf("ApplyStepChanges: %v", err)
	}

	sha, err := s.CommitStep(types.StepCommitMeta{RunID: "run-session-test", StepIndex: 0, StepID: "step-1", Summary: "add feature.go"})
	if err != nil {
		t.Fatalf("CommitStep: %v", err)
	}
	if sha == "" || sha == head {
		t.Fatalf("expected a new commit SHA, got %q", sha)
	}

	logOut := runGitOutput(t, handle.WorktreePath, "log", "-1", "--pretty=%B")
	if !strings.Contains(logOut, "agentRunId=run-session-test stepIndex=0 stepId=step-1 :: add feature.go") {
		t.Fatalf("unexpected commit message: %q", logOut)
	}
}

func TestAbortStep_RestoresPreStepState(t *testing.T) {
	repo := initGitRepo(t)
	mgr, err := worktree.NewManager(repo)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	head := strings.TrimSpace(runGitOutput(t, repo, "rev-parse", "HEAD"))

	handle, err := mgr.Create(context.Background(), "run-abort-test", head)
	if err != nil {
		t.Fatalf("Create worktree: %v", err)
	}
	defer mgr.Cleanup(context.Background(), handle)

	s := Create("proj", handle.WorktreePath, head, handle, Options{})
	_ = s.BeginStep("step-1", 0)
	if err := s.StageChange(types.ProposedFileChange{Path: "oops.go", Type: types.ChangeTypeCreate, NewContent: "package oops\n"}); err != nil {
		t.Fatalf("StageChange: %v", err)
	}
	if err := s.ApplyStepChanges(); err != nil {
		t.Fatalf("ApplyStepChanges: %v", err)
	}
	if err := s.AbortStep(); err != nil {
		t.Fatalf("AbortStep: %v", err)
	}

	if _, statErr := os.Stat(filepath.Join(handle.WorktreePath, "oops.go")); !os.IsNotExist(statErr) {
		t.Fatalf("expected oops.go removed after abort, stat err = %v", statErr)
	}
}

func writeFile(t *testing.T, root, relPath, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(root, relPath), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", relPath, err)
	}
}

func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test")
	writeFile(t, dir, "README.md", "# test\n")
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
