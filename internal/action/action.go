package action

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Type discriminates the action variants an agent can request.
type Type string

const (
	TypeFile   Type = "file"
	TypeShell  Type = "shell"
	TypeGit    Type = "git"
	TypePython Type = "python"
	TypeStart  Type = "start"
)

// Status is the per-action lifecycle. Terminal states are final.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
	StatusAborted  Status = "aborted"
)

// IsTerminal reports whether a status can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusAborted
}

type GitOp string

const (
	GitClone  GitOp = "clone"
	GitInit   GitOp = "init"
	GitAdd    GitOp = "add"
	GitCommit GitOp = "commit"
	GitPush   GitOp = "push"
	GitPull   GitOp = "pull"
)

type FileSpec struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

type ShellSpec struct {
	Command string `json:"command"`
}

type GitSpec struct {
	Op      GitOp  `json:"op"`
	URL     string `json:"url,omitempty"`
	Branch  string `json:"branch,omitempty"`
	Message string `json:"message,omitempty"`
	Token   string `json:"token,omitempty"`
}

type PythonSpec struct {
	Code     string   `json:"code"`
	Packages []string `json:"packages,omitempty"`
}

type StartSpec struct {
	Command string `json:"command"`
}

// Action is one unit of agent-requested work: a tagged variant with exactly
// one payload populated for its Type. The status lives in the runner's
// tracking map, not here.
type Action struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	ArtifactID string    `json:"artifact_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	File   *FileSpec   `json:"file,omitempty"`
	Shell  *ShellSpec  `json:"shell,omitempty"`
	Git    *GitSpec    `json:"git,omitempty"`
	Python *PythonSpec `json:"python,omitempty"`
	Start  *StartSpec  `json:"start,omitempty"`
}

// New creates an action of the given type with a fresh ULID.
func New(t Type) *Action {
	return &Action{
		ID:        ulid.Make().String(),
		Type:      t,
		CreatedAt: time.Now(),
	}
}

// ToolName maps an action variant to the tool identifier checked against
// the execution mode.
func (a *Action) ToolName() string {
	switch a.Type {
	case TypeFile:
		return "write_file"
	case TypeShell:
		return "exec_command"
	case TypeGit:
		if a.Git != nil {
			return "git_" + string(a.Git.Op)
		}
		return "git"
	case TypePython:
		return "run_python"
	case TypeStart:
		return "start_app"
	default:
		return string(a.Type)
	}
}
