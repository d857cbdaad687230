// Package executor runs one AgentStep against its tagged tool. Tools are
// polymorphic over capability sets, not inheritance: dispatch is a switch
// on the tool tag (step.Type is not consulted), never a virtual method call
// (spec.md §9's "Polymorphism over capability sets" redesign note).
package executor

import (
	"context"
	"fmt"

	"github.com/deeprun/kernel/internal/filesession"
	"github.com/deeprun/kernel/internal/types"
)

// Known tool tags (spec.md §9).
const (
	ToolReadFile           = "read_file"
	ToolWriteFile           = "write_file"
	ToolApplyPatch          = "apply_patch"
	ToolListFiles           = "list_files"
	ToolRunPreviewContainer = "run_preview_container"
	ToolFetchRuntimeLogs    = "fetch_runtime_logs"
	ToolAIMutation          = "ai_mutation"
)

// MutatingTools names the tool tags that stage file changes through the
// FileSession regardless of a step's own Mutates flag (spec.md §4.8.2#5).
var MutatingTools = map[string]bool{
	ToolWriteFile:  true,
	ToolApplyPatch: true,
	ToolAIMutation: true,
}

// IsMutating reports whether executing step requires routing through the
// FileSession and pre-commit guard.
func IsMutating(step types.AgentStep) bool {
	return step.Mutates || MutatingTools[step.Tool]
}

// RuntimeChecker runs a verify-tool step against a live preview container
// and reports whether it booted and passed its health check. It is the
// capability-set boundary between the executor and the heavy/V1-readiness
// validators, which own the actual subprocess/docker machinery.
type RuntimeChecker interface {
	CheckPreview(ctx context.Context, step types.AgentStep) (RuntimeResult, error)
}

// RuntimeResult is the outcome of a run_preview_container verify step.
type RuntimeResult struct {
	Status string // "passed" or "failed"
	Logs   string
}

// FileLister reports project files for a list_files analyze step.
type FileLister interface {
	ListFiles(ctx context.Context, dir string) ([]string, error)
}

// Result is the outcome of one step execution, ready to be persisted as a
// StepRecord's OutputPayload/RuntimeStatus/error fields.
type Result struct {
	Output        map[string]any
	ProposedFiles []types.ProposedFileChange
	RuntimeStatus string
	Err           error
}

// Executor dispatches one AgentStep by tool tag. It does not decide
// whether a step's changes get staged/committed — that's the kernel's
// job, coordinating this Result with the FileSession (C3).
type Executor struct {
	Runtime RuntimeChecker
	Lister  FileLister
	Session *filesession.Session
}

// Execute dispatches step by its tool tag and returns its Result. For
// modify steps whose ProviderOutput already carries ProposedChanges (set
// by the planner before the step reaches here), Execute just threads them
// through; for read/list/verify steps it performs the read directly.
func Execute(ctx context.Context, e *Executor, step types.AgentStep, proposed []types.ProposedFileChange) Result {
	switch step.Tool {
	case ToolReadFile:
		return executeReadFile(e, step)
	case ToolListFiles:
		return executeListFiles(ctx, e, step)
	case ToolWriteFile, ToolApplyPatch, ToolAIMutation:
		return Result{ProposedFiles: proposed}
	case ToolRunPreviewContainer:
		return executeRuntimeCheck(ctx, e, step)
	case ToolFetchRuntimeLogs:
		return executeFetchLogs(ctx, e, step)
	default:
		return Result{Err: fmt.Errorf("executor: unknown tool %q", step.Tool)}
	}
}

func executeReadFile(e *Executor, step types.AgentStep) Result {
	path, _ := step.Input["path"].(string)
	if path == "" || e.Session == nil {
		return Result{Err: fmt.Errorf("read_file: path input is required")}
	}
	content, err := e.Session.Read(path)
	if err != nil {
		return Result{Err: fmt.Errorf("read_file: %w", err)}
	}
	return Result{Output: map[string]any{"path": path, "content": content}}
}

func executeListFiles(ctx context.Context, e *Executor, step types.AgentStep) Result {
	if e.Lister == nil {
		return Result{Err: fmt.Errorf("list_files: no FileLister configured")}
	}
	dir, _ := step.Input["dir"].(string)
	files, err := e.Lister.ListFiles(ctx, dir)
	if err != nil {
		return Result{Err: fmt.Errorf("list_files: %w", err)}
	}
	return Result{Output: map[string]any{"dir": dir, "files": files}}
}

func executeRuntimeCheck(ctx context.Context, e *Executor, step types.AgentStep) Result {
	if e.Runtime == nil {
		return Result{Err: fmt.Errorf("run_preview_container: no RuntimeChecker configured")}
	}
	result, err := e.Runtime.CheckPreview(ctx, step)
	if err != nil {
		return Result{Err: fmt.Errorf("run_preview_container: %w", err)}
	}
	return Result{RuntimeStatus: result.Status, Output: map[string]any{"logs": result.Logs}}
}

func executeFetchLogs(ctx context.Context, e *Executor, step types.AgentStep) Result {
	if e.Runtime == nil {
		return Result{Err: fmt.Errorf("fetch_runtime_logs: no RuntimeChecker configured")}
	}
	result, err := e.Runtime.CheckPreview(ctx, step)
	if err != nil {
		return Result{Err: fmt.Errorf("fetch_runtime_logs: %w", err)}
	}
	return Result{Output: map[string]any{"logs": result.Logs}}
}
