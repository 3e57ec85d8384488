package isolation

import (
	"context"
	"io"
	"os"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Describes a process to run against a root filesystem.
type Command struct {
	Process  specs.Process // OCI process: args, env, cwd, rlimits.
	RootFS   string        // Host directory containing the merged root filesystem.
	Hostname string        // Hostname inside the execution context, if isolated.
	Stdout   io.Writer     // Receives standard output. Nil discards.
	Stderr   io.Writer     // Receives standard error. Nil discards.
}

// Launches processes in an execution context.
//
// Implementations decide how much isolation the context provides; the
// capability interface keeps the runtime and builder independent of the
// platform primitives.
type Executor interface {

	// Launches the process and returns a handle. Setup failures (namespaces,
	// chroot, limits) wrap [ErrSetup]; a process that cannot be started
	// wraps [ErrExec].
	Start(ctx context.Context, cmd Command) (Process, error)
}

// A running process handle.
type Process interface {

	// Returns the host PID of the process.
	Pid() int

	// Delivers a signal to the process.
	Signal(sig os.Signal) error

	// Blocks until the process exits and returns its exit code. A non-zero
	// exit code is not an error; the caller decides.
	Wait() (int, error)
}

// Runs a command to completion and returns its exit code.
func Run(ctx context.Context, e Executor, cmd Command) (int, error) {
	proc, err := e.Start(ctx, cmd)
	if err != nil {
		return 0, err
	}
	return proc.Wait()
}
