package action

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/okabedev/koban/internal/config"
	kobanErrors "github.com/okabedev/koban/internal/errors"
	"github.com/okabedev/koban/internal/logger"
	"github.com/okabedev/koban/internal/mode"
)

// Gate is the permission surface the runner consults before every action.
type Gate interface {
	CheckAndExecute(ctx context.Context, tool, description string, args map[string]any, fn func(context.Context) error) mode.ExecResult
}

type actionState struct {
	status Status
	reason string
	log    strings.Builder
	cancel context.CancelFunc
}

// Runner executes permitted actions and is the only writer of their status.
type Runner struct {
	gate   Gate
	fs     FileSystem
	shell  ShellExecutor
	git    GitClient
	python PythonRuntime
	mapper kobanErrors.ErrorMapper

	shellTimeout   time.Duration
	pythonTimeout  time.Duration
	installTimeout time.Duration
	gitTimeout     time.Duration

	mu      sync.Mutex
	states  map[string]*actionState
	actions map[string]*Action
}

type Collaborators struct {
	FS     FileSystem
	Shell  ShellExecutor
	Git    GitClient
	Python PythonRuntime
}

func NewRunner(gate Gate, collab Collaborators, cfg config.RunnerConfig) (*Runner, error) {
	shellTimeout, err := config.DurationOrDefault(cfg.ShellTimeout, config.DefaultRunnerShellTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse runner shell timeout: %w", err)
	}

	pythonTimeout, err := config.DurationOrDefault(cfg.PythonTimeout, config.DefaultRunnerPythonTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse runner python timeout: %w", err)
	}

	installTimeout, err := config.DurationOrDefault(cfg.InstallTimeout, config.DefaultRunnerInstallTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse runner install timeout: %w", err)
	}

	gitTimeout, err := config.DurationOrDefault(cfg.GitTimeout, config.DefaultRunnerGitTimeout)
	if err != nil {
		return nil, fmt.Errorf("parse runner git timeout: %w", err)
	}

	return &Runner{
		gate:           gate,
		fs:             collab.FS,
		shell:          collab.Shell,
		git:            collab.Git,
		python:         collab.Python,
		mapper:         kobanErrors.NewDefaultErrorMapper(),
		shellTimeout:   shellTimeout,
		pythonTimeout:  pythonTimeout,
		installTimeout: installTimeout,
		gitTimeout:     gitTimeout,
		states:         make(map[string]*actionState),
		actions:        make(map[string]*Action),
	}, nil
}

// AddAction registers an action as pending. Re-adding an existing id is a
// no-op, not a duplicate.
func (r *Runner) AddAction(a *Action) {
	if a == nil || a.ID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.states[a.ID]; exists {
		return
	}
	r.states[a.ID] = &actionState{status: StatusPending}
	r.actions[a.ID] = a
}

// Status returns the current status and failure reason for an action.
func (r *Runner) Status(actionID string) (Status, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[actionID]
	if !ok {
		return "", "", kobanErrors.NotFound(fmt.Sprintf("action %s", actionID))
	}
	return st.status, st.reason, nil
}

// Log returns the output attributed to an action so far.
func (r *Runner) Log(actionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.states[actionID]; ok {
		return st.log.String()
	}
	return ""
}

// RunAction executes one action end to end: permission gate, dispatch by
// variant, status tracking. Executor failures land on the action's status
// and are never rethrown to the caller.
func (r *Runner) RunAction(ctx context.Context, a *Action) {
	if a == nil {
		return
	}
	r.AddAction(a)

	r.mu.Lock()
	st := r.states[a.ID]
	if st.status != StatusPending {
		r.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	st.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	traceID := logger.GetTraceID(ctx)
	start := time.Now()
	slog.Info("Executing action", "action", a.ID, "type", a.Type, "trace_id", traceID)

	result := r.gate.CheckAndExecute(runCtx, a.ToolName(), r.describe(a), nil, func(execCtx context.Context) error {
		// The approval wait may have raced an abort; a terminal status
		// means the effect must not run.
		if !r.markRunning(a.ID) {
			return kobanErrors.Aborted("aborted before execution")
		}
		return r.dispatch(execCtx, a)
	})

	duration := time.Since(start)

	switch {
	case result.Denied:
		r.finish(a.ID, StatusFailed, result.Reason)
		slog.Warn("Action denied", "action", a.ID, "reason", result.Reason, "trace_id", traceID)
	case result.Err != nil:
		mapped := r.mapper.MapError(result.Err)
		if runCtx.Err() != nil && r.currentStatus(a.ID) == StatusAborted {
			// Abort already recorded; the executor's cancellation error
			// must not overwrite the terminal status.
			slog.Info("Action aborted mid-flight", "action", a.ID, "trace_id", traceID)
			return
		}
		r.finish(a.ID, StatusFailed, mapped.Error())
		slog.Error("Action failed", "action", a.ID, "error", mapped, "duration", duration, "trace_id", traceID)
	default:
		r.finish(a.ID, StatusComplete, "")
		slog.Info("Action complete", "action", a.ID, "duration", duration, "trace_id", traceID)
	}
}

// Abort transitions a pending or running action straight to aborted and
// cancels any in-flight process. Safe to call repeatedly and on terminal
// actions.
func (r *Runner) Abort(actionID string) {
	r.mu.Lock()
	st, ok := r.states[actionID]
	if !ok || st.status.IsTerminal() {
		r.mu.Unlock()
		return
	}
	st.status = StatusAborted
	st.reason = kobanErrors.Aborted("aborted by caller").Error()
	cancel := st.cancel
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	slog.Info("Action aborted", "action", actionID)
}

func (r *Runner) dispatch(ctx context.Context, a *Action) error {
	switch a.Type {
	case TypeFile:
		return r.runFile(a)
	case TypeShell:
		return r.runShell(ctx, a)
	case TypeGit:
		return r.runGit(ctx, a)
	case TypePython:
		return r.runPython(ctx, a)
	case TypeStart:
		return r.runStart(ctx, a)
	default:
		return kobanErrors.InvalidInput(fmt.Sprintf("unknown action type %q", a.Type))
	}
}

func (r *Runner) runFile(a *Action) error {
	if a.File == nil || a.File.Path == "" {
		return kobanErrors.InvalidInput("file action requires a path")
	}
	if err := r.fs.MkdirAll(filepath.Dir(a.File.Path)); err != nil {
		return err
	}
	return r.fs.WriteFile(a.File.Path, a.File.Content)
}

func (r *Runner) runShell(ctx context.Context, a *Action) error {
	if a.Shell == nil || strings.TrimSpace(a.Shell.Command) == "" {
		return kobanErrors.InvalidInput("shell action requires a command")
	}

	execCtx, cancel := context.WithTimeout(ctx, r.shellTimeout)
	defer cancel()

	out, err := r.shell.Run(execCtx, a.Shell.Command)
	r.appendLog(a.ID, out)
	return err
}

func (r *Runner) runGit(ctx context.Context, a *Action) error {
	if a.Git == nil {
		return kobanErrors.InvalidInput("git action requires an operation")
	}

	execCtx, cancel := context.WithTimeout(ctx, r.gitTimeout)
	defer cancel()

	spec := a.Git
	switch spec.Op {
	case GitClone:
		return r.git.Clone(execCtx, spec.URL, spec.Branch, spec.Token)
	case GitInit:
		return r.git.Init(execCtx)
	case GitAdd:
		return r.git.Add(execCtx)
	case GitCommit:
		return r.git.Commit(execCtx, spec.Message)
	case GitPush:
		return r.git.Push(execCtx, spec.Branch, spec.Token)
	case GitPull:
		return r.git.Pull(execCtx, spec.Branch)
	default:
		return kobanErrors.InvalidInput(fmt.Sprintf("unknown git operation %q", spec.Op))
	}
}

func (r *Runner) runPython(ctx context.Context, a *Action) error {
	if a.Python == nil || strings.TrimSpace(a.Python.Code) == "" {
		return kobanErrors.InvalidInput("python action requires code")
	}

	// Package installation short-circuits the run on failure.
	if len(a.Python.Packages) > 0 {
		installCtx, cancel := context.WithTimeout(ctx, r.installTimeout)
		err := r.python.Install(installCtx, a.Python.Packages)
		cancel()
		if err != nil {
			return kobanErrors.Wrap(err, "package install failed")
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, r.pythonTimeout)
	defer cancel()

	out, err := r.python.Run(execCtx, a.Python.Code)
	r.appendLog(a.ID, out)
	return err
}

func (r *Runner) runStart(ctx context.Context, a *Action) error {
	if a.Start == nil || strings.TrimSpace(a.Start.Command) == "" {
		return kobanErrors.InvalidInput("start action requires a command")
	}
	// Dev-server semantics: complete once the process launches.
	return r.shell.Launch(ctx, a.Start.Command)
}

func (r *Runner) describe(a *Action) string {
	switch a.Type {
	case TypeFile:
		if a.File != nil {
			return fmt.Sprintf("write %s", a.File.Path)
		}
	case TypeShell:
		if a.Shell != nil {
			return a.Shell.Command
		}
	case TypeGit:
		if a.Git != nil {
			return fmt.Sprintf("git %s", a.Git.Op)
		}
	case TypePython:
		return "run python code"
	case TypeStart:
		if a.Start != nil {
			return fmt.Sprintf("start %s", a.Start.Command)
		}
	}
	return string(a.Type)
}

// markRunning moves pending → running; false when the action is already
// terminal.
func (r *Runner) markRunning(actionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[actionID]
	if !ok || st.status != StatusPending {
		return false
	}
	st.status = StatusRunning
	return true
}

// finish records a terminal status unless one is already set.
func (r *Runner) finish(actionID string, status Status, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[actionID]
	if !ok || st.status.IsTerminal() {
		return
	}
	st.status = status
	st.reason = reason
}

func (r *Runner) currentStatus(actionID string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[actionID]; ok {
		return st.status
	}
	return ""
}

func (r *Runner) appendLog(actionID string, out string) {
	if out == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[actionID]; ok {
		st.log.WriteString(out)
	}
}
