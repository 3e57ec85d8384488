package isolation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// Runs processes directly on the host, without kernel isolation.
//
// The process's working directory is resolved inside the rootfs, so
// commands operating on relative paths see the container filesystem.
// Absolute paths resolve against the host; real confinement requires the
// namespace executor. Used by build steps and tests, where the inputs are
// trusted and no privileges are available.
type ProcessExecutor struct{}

// Launches the command as a plain host process.
func (ProcessExecutor) Start(ctx context.Context, cmd Command) (Process, error) {
	if len(cmd.Process.Args) == 0 {
		return nil, fmt.Errorf("%w: empty argument list", ErrExec)
	}

	workdir := filepath.Join(cmd.RootFS, filepath.FromSlash(cmd.Process.Cwd))
	if err := os.MkdirAll(workdir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}

	c := exec.CommandContext(ctx, cmd.Process.Args[0], cmd.Process.Args[1:]...)
	c.Dir = workdir
	c.Env = cmd.Process.Env
	c.Stdout = discardIfNil(cmd.Stdout)
	c.Stderr = discardIfNil(cmd.Stderr)

	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExec, err)
	}

	return &hostProcess{cmd: c}, nil
}

// Handle over an exec.Cmd.
type hostProcess struct {
	cmd *exec.Cmd
}

func (p *hostProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *hostProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

// Waits for the process and extracts the exit code.
func (p *hostProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("%w: %w", ErrExec, err)
}

func discardIfNil(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
