// Package filesession implements the per-run, per-step transactional file
// staging area (spec.md §4.2 "C3 FileSession"): normalize and validate
// proposed changes, stage them in memory, apply them atomically to the
// worktree under a per-session lock, and commit exactly one git commit per
// step — restoring backups on any failure so the working tree is never left
// partially mutated.
package filesession

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/deeprun/kernel/internal/diff"
	"github.com/deeprun/kernel/internal/types"
	"github.com/deeprun/kernel/internal/worktree"
)

// Sentinel errors, in the teacher's package-level var-block idiom.
var (
	ErrNoActiveStep       = fmt.Errorf("no active step: call beginStep first")
	ErrStepAlreadyActive  = fmt.Errorf("a step is already active: call applyStepChanges, commitStep, or abortStep first")
	ErrPathEscapesRoot    = fmt.Errorf("resolved path escapes project root")
	ErrTargetExists       = fmt.Errorf("create target already exists")
	ErrTargetMissing      = fmt.Errorf("update/delete target does not exist")
	ErrOptimisticLock     = fmt.Errorf("on-disk content hash no longer matches expected previous hash")
	ErrEnvMutationBlocked = fmt.Errorf("writes to .env* files are blocked (allowEnvMutation=false)")
	ErrNoStagedChanges    = fmt.Errorf("step produced no staged changes")
)

var envFileRe = regexp.MustCompile(`(^|/)\.env([.\-_].*)?$`)

// Options configures the bounds a step's staged changes must satisfy.
type Options struct {
	MaxFilesPerStep        int
	MaxTotalDiffBytes       int
	MaxFileBytes            int
	AllowEnvMutation        bool
	RestrictedPathPrefixes  []string
}

type stepState int

const (
	stateIdle stepState = iota
	stateStaging
	stateApplied
	stateCommitted
	stateRolledBack
)

// activeStep holds the in-memory transaction for the step currently open
// on the session.
type activeStep struct {
	id      string
	index   int
	state   stepState
	changes map[string]*types.StagedFileChange // keyed by normalized relative path
	order   []string                            // insertion order, for stable iteration
}

// Session is the exclusive owner of one worktree's pending mutations for
// the duration of one job attempt.
type Session struct {
	mu sync.Mutex

	projectID      string
	projectRoot    string
	baseCommitHash string
	options        Options

	handle *worktree.Handle
	step   *activeStep
}

// Create opens a new session rooted at projectRoot. handle is the worktree
// the session exclusively owns for this job attempt; it must not be shared
// with any other concurrently-running session.
func Create(projectID, projectRoot, baseCommitHash string, handle *worktree.Handle, options Options) *Session {
	return &Session{
		projectID:      projectID,
		projectRoot:    projectRoot,
		baseCommitHash: baseCommitHash,
		options:        options,
		handle:         handle,
	}
}

// BeginStep opens a new staging transaction. Fails if another step is
// already active (spec.md: "Only one active step at a time").
func (s *Session) BeginStep(id string, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.step != nil && s.step.state == stateStaging {
		return ErrStepAlreadyActive
	}
	s.step = &activeStep{
		id:      id,
		index:   index,
		state:   stateStaging,
		changes: make(map[string]*types.StagedFileChange),
	}
	return nil
}

// Read returns the current content of path: the staged pending content if
// the active step already staged a change for it, else the on-disk content.
func (s *Session) Read(relPath string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	norm, err := s.normalizePath(relPath)
	if err != nil {
		return "", err
	}
	if s.step != nil {
		if staged, ok := s.step.changes[norm]; ok {
			if staged.Type == types.ChangeTypeDelete {
				return "", fmt.Errorf("%s: %w", norm, ErrTargetMissing)
			}
			return staged.NewContent, nil
		}
	}
	data, err := os.ReadFile(filepath.Join(s.projectRoot, filepath.FromSlash(norm)))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", norm, err)
	}
	return string(data), nil
}

// StageChange validates and stages one proposed change into the active
// step's transaction.
func (s *Session) StageChange(change types.ProposedFileChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.step == nil || s.step.state != stateStaging {
		return ErrNoActiveStep
	}

	norm, err := s.normalizePath(change.Path)
	if err != nil {
		return err
	}

	if !s.options.AllowEnvMutation && envFileRe.MatchString(norm) {
		return fmt.Errorf("%s: %w", norm, ErrEnvMutationBlocked)
	}

	absPath := filepath.Join(s.projectRoot, filepath.FromSlash(norm))
	onDisk, readErr := os.ReadFile(absPath)
	exists := readErr == nil

	var previousContent string
	var previousHash string
	if exists {
		previousContent = string(onDisk)
		previousHash = hashContent(onDisk)
	}

	switch change.Type {
	case types.ChangeTypeCreate:
		if exists {
			return fmt.Errorf("%s: %w", norm, ErrTargetExists)
		}
	case types.ChangeTypeUpdate:
		if !exists {
			return fmt.Errorf("%s: %w", norm, ErrTargetMissing)
		}
		if change.OldContentHash != "" && change.OldContentHash != previousHash {
			return fmt.Errorf("%s: %w", norm, ErrOptimisticLock)
		}
	case types.ChangeTypeDelete:
		if !exists {
			return fmt.Errorf("%s: %w", norm, ErrTargetMissing)
		}
		if change.OldContentHash != "" && change.OldContentHash != previousHash {
			return fmt.Errorf("%s: %w", norm, ErrOptimisticLock)
		}
	}

	var nextHash string
	if change.Type != types.ChangeTypeDelete {
		nextHash = hashContent([]byte(change.NewContent))
	}

	var previousForDiff, nextForDiff string
	if change.Type != types.ChangeTypeCreate {
		previousForDiff = previousContent
	}
	if change.Type != types.ChangeTypeDelete {
		nextForDiff = change.NewContent
	}
	d := diff.Unified(norm, previousForDiff, nextForDiff)

	staged := &types.StagedFileChange{
		Path:                norm,
		Type:                change.Type,
		NewContent:          change.NewContent,
		PreviousContent:     previousContent,
		PreviousContentHash: previousHash,
		NextContentHash:     nextHash,
		DiffPreview:         d.Preview,
		DiffBytes:           int64(d.Bytes),
	}

	if _, already := s.step.changes[norm]; !already {
		s.step.order = append(s.step.order, norm)
	}
	s.step.changes[norm] = staged
	return nil
}

// GetStagedDiffs returns the active step's staged changes, sorted by path.
func (s *Session) GetStagedDiffs() []types.StagedFileChange {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.step == nil {
		return nil
	}
	out := make([]types.StagedFileChange, 0, len(s.step.changes))
	keys := append([]string(nil), s.step.order...)
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, *s.step.changes[k])
	}
	return out
}

// ValidateStep enforces the bounds contract: file count, total diff bytes,
// per-file content size, restricted path prefixes.
func (s *Session) ValidateStep() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.step == nil {
		return ErrNoActiveStep
	}

	if s.options.MaxFilesPerStep > 0 && len(s.step.changes) > s.options.MaxFilesPerStep {
		return fmt.Errorf("step stages %d files, exceeds maxFilesPerStep=%d", len(s.step.changes), s.options.MaxFilesPerStep)
	}

	var totalDiffBytes int64
	for _, p := range s.step.order {
		change := s.step.changes[p]
		totalDiffBytes += change.DiffBytes

		if s.options.MaxFileBytes > 0 && len(change.NewContent) > s.options.MaxFileBytes {
			return fmt.Errorf("%s: content %d bytes exceeds maxFileBytes=%d", p, len(change.NewContent), s.options.MaxFileBytes)
		}
		for _, prefix := range s.options.RestrictedPathPrefixes {
			if strings.HasPrefix(p, prefix) {
				return fmt.Errorf("%s: matches restricted path prefix %q", p, prefix)
			}
		}
	}
	if s.options.MaxTotalDiffBytes > 0 && totalDiffBytes > int64(s.options.MaxTotalDiffBytes) {
		return fmt.Errorf("step's total diff bytes %d exceeds maxTotalDiffBytes=%d", totalDiffBytes, s.options.MaxTotalDiffBytes)
	}
	return nil
}

// backup is a restore-point for one file captured before ApplyStepChanges
// mutates it.
type backup struct {
	path    string
	existed bool
	content []byte
	mode    os.FileMode
}

// ApplyStepChanges re-checks every staged file's on-disk hash, snapshots
// backups, then writes/deletes in sorted path order. On any I/O error, every
// backup is restored and the working tree is left byte-identical to before
// the call.
func (s *Session) ApplyStepChanges() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.step == nil || s.step.state != stateStaging {
		return ErrNoActiveStep
	}
	if len(s.step.changes) == 0 {
		return ErrNoStagedChanges
	}

	paths := append([]string(nil), s.step.order...)
	sort.Strings(paths)

	for _, p := range paths {
		change := s.step.changes[p]
		absPath := filepath.Join(s.projectRoot, filepath.FromSlash(p))
		onDisk, readErr := os.ReadFile(absPath)
		exists := readErr == nil
		if change.Type != types.ChangeTypeCreate {
			if !exists {
				return fmt.Errorf("%s: %w", p, ErrTargetMissing)
			}
			if hashContent(onDisk) != change.PreviousContentHash {
				return fmt.Errorf("%s: %w", p, ErrOptimisticLock)
			}
		} else if exists {
			return fmt.Errorf("%s: %w", p, ErrTargetExists)
		}
	}

	backups := make([]backup, 0, len(paths))
	restore := func() {
		for _, b := range backups {
			if b.existed {
				_ = os.WriteFile(b.path, b.content, b.mode) //nolint:errcheck // best-effort restore during rollback
			} else {
				_ = os.Remove(b.path) //nolint:errcheck // best-effort restore during rollback
			}
		}
	}

	for _, p := range paths {
		absPath := filepath.Join(s.projectRoot, filepath.FromSlash(p))
		onDisk, readErr := os.ReadFile(absPath)
		b := backup{path: absPath, existed: readErr == nil, mode: 0o644}
		if readErr == nil {
			b.content = onDisk
			if info, statErr := os.Stat(absPath); statErr == nil {
				b.mode = info.Mode()
			}
		}
		backups = append(backups, b)

		change := s.step.changes[p]
		var applyErr error
		switch change.Type {
		case types.ChangeTypeDelete:
			applyErr = os.Remove(absPath)
		default:
			applyErr = atomicWrite(absPath, []byte(change.NewContent), b.mode)
		}
		if applyErr != nil {
			restore()
			return fmt.Errorf("apply %s: %w (working tree restored)", p, applyErr)
		}
	}

	s.step.state = stateApplied
	return nil
}

// CommitStep creates exactly one git commit covering the applied step.
// On commit failure, the session's last backups would already have been
// consumed by ApplyStepChanges succeeding; a commit failure here instead
// hard-resets the worktree back to baseCommitHash to guarantee a clean
// tree for the next attempt.
func (s *Session) CommitStep(meta types.StepCommitMeta) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.step == nil || s.step.state != stateApplied {
		return "", fmt.Errorf("cannot commit step: no step in applied state")
	}

	message := commitMessage(meta)
	sha, err := s.handle.Commit(context.Background(), worktree.DefaultTimeout, message)
	if err != nil {
		_ = s.handle.HardResetAndClean(context.Background(), worktree.DefaultTimeout, s.baseCommitHash) //nolint:errcheck // best-effort recovery before surfacing the real error
		return "", fmt.Errorf("commit step %s: %w", meta.StepID, err)
	}

	s.step.state = stateCommitted
	return sha, nil
}

// AbortStep discards the active step's staged changes and, if they were
// already applied to disk, restores the worktree to baseCommitHash.
func (s *Session) AbortStep() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.step == nil {
		return nil
	}
	if s.step.state == stateApplied {
		if err := s.handle.HardResetAndClean(context.Background(), worktree.DefaultTimeout, s.baseCommitHash); err != nil {
			return fmt.Errorf("abort step %s: %w", s.step.id, err)
		}
	}
	s.step.state = stateRolledBack
	s.step = nil
	return nil
}

// Clear drops any active step transaction without touching the worktree,
// used when tearing the session down at the end of a job attempt.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.step = nil
}

func (s *Session) normalizePath(p string) (string, error) {
	cleaned := path.Clean(strings.TrimPrefix(filepath.ToSlash(p), "/"))
	cleaned = strings.TrimPrefix(cleaned, "/")

	abs := filepath.Join(s.projectRoot, filepath.FromSlash(cleaned))
	rootAbs, err := filepath.Abs(s.projectRoot)
	if err != nil {
		return "", fmt.Errorf("resolve project root: %w", err)
	}
	absResolved, err := filepath.Abs(abs)
	if err != nil {
		return "", fmt.Errorf("resolve path %s: %w", p, err)
	}
	if absResolved != rootAbs && !strings.HasPrefix(absResolved, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", p, ErrPathEscapesRoot)
	}
	return cleaned, nil
}

func commitMessage(meta types.StepCommitMeta) string {
	summary := meta.Summary
	if len(summary) > 80 {
		summary = summary[:80]
	}
	return fmt.Sprintf("agentRunId=%s stepIndex=%d stepId=%s :: %s", meta.RunID, meta.StepIndex, meta.StepID, summary)
}

func hashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// atomicWrite mirrors the teacher's write-temp/sync/rename idiom
// (internal/pool/pool.go atomicMove/writeTempFile) for staged file writes.
func atomicWrite(destPath string, data []byte, mode os.FileMode) error {
	randBytes := make([]byte, 4)
	if _, err := rand.Read(randBytes); err != nil {
		return fmt.Errorf("generate random suffix: %w", err)
	}
	tempPath := destPath + ".tmp." + hex.EncodeToString(randBytes)

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("ensure parent dir: %w", err)
	}

	tempFile, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tempPath, destPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("rename temp file into place: %w", err)
	}
	return nil
}
