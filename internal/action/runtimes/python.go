package runtimes

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

type LocalPythonRuntime struct {
	pythonPath string
	pipPath    string
	workDir    string
}

func NewLocalPythonRuntime(workDir string) (*LocalPythonRuntime, error) {
	path, err := exec.LookPath("python3")
	if err != nil {
		path, err = exec.LookPath("python")
		if err != nil {
			return nil, fmt.Errorf("python not found: %w", err)
		}
	}

	pipPath, err := exec.LookPath("pip3")
	if err != nil {
		// pip is optional until an action actually requests packages.
		pipPath, _ = exec.LookPath("pip")
	}

	return &LocalPythonRuntime{
		pythonPath: path,
		pipPath:    pipPath,
		workDir:    workDir,
	}, nil
}

func (pr *LocalPythonRuntime) Install(ctx context.Context, packages []string) error {
	if len(packages) == 0 {
		return nil
	}
	if pr.pipPath == "" {
		return fmt.Errorf("pip not found")
	}

	args := append([]string{"install"}, packages...)
	cmd := exec.CommandContext(ctx, pr.pipPath, args...)
	cmd.Dir = pr.workDir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pip install failed: %w, output: %s", err, strings.TrimSpace(out.String()))
	}
	return nil
}

func (pr *LocalPythonRuntime) Run(ctx context.Context, code string) (string, error) {
	cmd := exec.CommandContext(ctx, pr.pythonPath, "-c", code)
	cmd.Dir = pr.workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.String() + stderr.String(), fmt.Errorf("python execution failed: %w, stderr: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

func (pr *LocalPythonRuntime) GetVersion() (string, error) {
	cmd := exec.Command(pr.pythonPath, "--version")
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}
