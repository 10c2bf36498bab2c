package tools

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// CommandRunner abstracts host command execution so callers can be tested
// without the real binaries installed.
type CommandRunner interface {
	LookPath(name string) (string, error)
	Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error)
}

// ExecRunner executes commands on the local host.
type ExecRunner struct{}

func (ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Run returns stdout, stderr and the exit code. A command that could not be
// started reports exit code 127.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.Bytes(), exitErr.ExitCode(), err
	}

	exitCode := 1
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		exitCode = 127
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, err
}

// FakeRunner returns canned output per command name. Commands missing from
// Outputs are reported as not installed.
type FakeRunner struct {
	Outputs map[string][]byte
	Calls   []string
}

func (f *FakeRunner) LookPath(name string) (string, error) {
	if _, ok := f.Outputs[name]; !ok {
		return "", exec.ErrNotFound
	}
	return "/usr/bin/" + name, nil
}

func (f *FakeRunner) Run(_ context.Context, name string, _ ...string) ([]byte, []byte, int, error) {
	f.Calls = append(f.Calls, name)
	out, ok := f.Outputs[name]
	if !ok {
		return nil, nil, 127, &exec.Error{Name: name, Err: exec.ErrNotFound}
	}
	return out, nil, 0, nil
}
