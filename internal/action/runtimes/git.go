package runtimes

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"strings"
)

// GitRuntime wraps the git CLI for the control plane's narrow operation set.
type GitRuntime struct {
	gitPath string
	workDir string
}

func NewGitRuntime(workDir string) (*GitRuntime, error) {
	path, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("git not found: %w", err)
	}
	return &GitRuntime{gitPath: path, workDir: workDir}, nil
}

func (gr *GitRuntime) Clone(ctx context.Context, repoURL, branch, token string) error {
	args := []string{"clone"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, withToken(repoURL, token), ".")
	return gr.run(ctx, args...)
}

func (gr *GitRuntime) Init(ctx context.Context) error {
	return gr.run(ctx, "init")
}

func (gr *GitRuntime) Add(ctx context.Context) error {
	return gr.run(ctx, "add", "-A")
}

func (gr *GitRuntime) Commit(ctx context.Context, message string) error {
	if strings.TrimSpace(message) == "" {
		message = "checkpoint"
	}
	return gr.run(ctx, "commit", "-m", message)
}

func (gr *GitRuntime) Push(ctx context.Context, branch, token string) error {
	args := []string{"push", "origin"}
	if branch != "" {
		args = append(args, branch)
	}
	return gr.run(ctx, args...)
}

func (gr *GitRuntime) Pull(ctx context.Context, branch string) error {
	args := []string{"pull", "origin"}
	if branch != "" {
		args = append(args, branch)
	}
	return gr.run(ctx, args...)
}

func (gr *GitRuntime) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, gr.gitPath, args...)
	cmd.Dir = gr.workDir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %s failed: %w, output: %s", args[0], err, strings.TrimSpace(out.String()))
	}
	return nil
}

// withToken embeds a credential into an https remote URL when present.
func withToken(repoURL, token string) string {
	if token == "" {
		return repoURL
	}
	parsed, err := url.Parse(repoURL)
	if err != nil || parsed.Scheme != "https" {
		return repoURL
	}
	parsed.User = url.User(token)
	return parsed.String()
}
