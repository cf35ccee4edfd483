package runtimes

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/google/shlex"
)

// ShellRuntime runs commands through /bin/sh-free argv execution: the
// command string is tokenized with shlex rather than handed to a shell.
type ShellRuntime struct {
	workDir string
}

func NewShellRuntime(workDir string) *ShellRuntime {
	return &ShellRuntime{workDir: workDir}
}

func (sr *ShellRuntime) Run(ctx context.Context, command string) (string, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return "", fmt.Errorf("parse command: %w", err)
	}
	if len(argv) == 0 {
		return "", fmt.Errorf("empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = sr.workDir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return out.String(), fmt.Errorf("command failed: %w", err)
	}
	return out.String(), nil
}

// Launch starts a long-running process and returns once it is spawned.
// The process is tied to ctx; cancelling the action kills it.
func (sr *ShellRuntime) Launch(ctx context.Context, command string) error {
	argv, err := shlex.Split(command)
	if err != nil {
		return fmt.Errorf("parse command: %w", err)
	}
	if len(argv) == 0 {
		return fmt.Errorf("empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = sr.workDir

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}

	// Reap the process when it eventually exits.
	go func() { _ = cmd.Wait() }()
	return nil
}
