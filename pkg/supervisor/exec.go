package supervisor

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sort"
	"syscall"

	"github.com/xt-ml/xt/pkg/common/xterr"
)

// ProcessSpec is one shell command to start.
type ProcessSpec struct {
	Command string
	Dir     string
	Env     map[string]string
	Output  io.Writer
}

// Process is a started command.
type Process interface {
	// Wait blocks until the command exits and returns its exit code.
	Wait() (int, error)
	Kill() error
}

// Executor starts commands. Tests swap in a fake.
type Executor interface {
	Start(ctx context.Context, spec ProcessSpec) (Process, error)
}

// ShellExecutor runs commands with sh -c in their own process group.
type ShellExecutor struct{}

func (ShellExecutor) Start(ctx context.Context, spec ProcessSpec) (Process, error) {
	cmd := exec.Command("sh", "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Stdout = spec.Output
	cmd.Stderr = spec.Output
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+spec.Env[k])
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, xterr.Wrap(xterr.CategoryEnv, err, "start "+spec.Command)
	}
	return &shellProcess{cmd: cmd}, nil
}

type shellProcess struct {
	cmd *exec.Cmd
}

func (p *shellProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, xterr.Wrap(xterr.CategoryEnv, err, "wait for process")
	}
	return 0, nil
}

// Kill signals the whole process group.
func (p *shellProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return xterr.Wrap(xterr.CategoryEnv, err, "kill process")
	}
	return nil
}
