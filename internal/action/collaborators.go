package action

import "context"

// Collaborator interfaces for the project surfaces an action touches.
// Implementations live in the runtimes subpackage; tests substitute fakes.
// Timeouts are injected by the runner, never hardcoded below this line.

type FileSystem interface {
	MkdirAll(path string) error
	WriteFile(path string, content []byte) error
}

type ShellExecutor interface {
	// Run executes a command to completion and returns combined output.
	Run(ctx context.Context, command string) (string, error)
	// Launch starts a long-running process without awaiting its exit.
	Launch(ctx context.Context, command string) error
}

type GitClient interface {
	Clone(ctx context.Context, url, branch, token string) error
	Init(ctx context.Context) error
	Add(ctx context.Context) error
	Commit(ctx context.Context, message string) error
	Push(ctx context.Context, branch, token string) error
	Pull(ctx context.Context, branch string) error
}

type PythonRuntime interface {
	Install(ctx context.Context, packages []string) error
	Run(ctx context.Context, code string) (string, error)
}
